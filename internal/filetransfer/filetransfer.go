// Package filetransfer implements chunked base64 file transfer over the
// raw-REPL channel, per spec.md §4.4: listing, reads, writes, delete,
// rmdir, mkdir, exists and size, all expressed as small Python programs
// executed through a rawrepl.Codec.
package filetransfer

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/mateuszsury/pulsar/internal/events"
)

// ChunkSize is the fixed input chunk size for reads/writes (spec.md §4.4).
const ChunkSize = 512

// Executor is the subset of device.Session's behavior the transfer engine
// needs: run a program through the raw-REPL codec and get back its result.
type Executor interface {
	Execute(code string, timeout time.Duration) (output string, errText string, success bool)
}

// ProgressFunc is invoked after each chunk with progress in [0, 1].
type ProgressFunc = func(progress float64)

// Entry is one directory listing entry.
type Entry struct {
	Name       string
	Path       string
	IsDir      bool
	SizeBytes  int64
}

// Engine performs file operations against one connected device.
type Engine struct {
	exec Executor
	bus  *events.Bus
	port string
}

// New creates an Engine. bus may be nil for tests and callers that don't
// care about FILE_* events; port labels emitted events (spec.md §4.4).
func New(exec Executor, bus *events.Bus, port string) *Engine {
	return &Engine{exec: exec, bus: bus, port: port}
}

func (e *Engine) emit(kind events.Kind, payload map[string]interface{}) {
	if e.bus == nil {
		return
	}
	e.bus.Emit(kind, e.port, payload)
}

// List executes a directory walk that prints one tuple per entry and
// parses the result with a deterministic parser (spec.md §9: no eval()).
func (e *Engine) List(path string) ([]Entry, error) {
	code := fmt.Sprintf(`
import os
def _walk(p):
    try:
        names = os.listdir(p)
    except OSError:
        return
    for name in names:
        full = p.rstrip('/') + '/' + name
        try:
            st = os.stat(full)
            is_dir = (st[0] & 0x4000) != 0
            size = st[6]
        except OSError:
            is_dir, size = False, 0
        print((name, full, is_dir, size))
_walk(%q)
`, path)

	out, errText, ok := e.exec.Execute(code, 10*time.Second)
	if !ok {
		return nil, fmt.Errorf("filetransfer: list %s: %s", path, errText)
	}

	return parseEntries(out)
}

// parseEntries is the deterministic replacement for the original Python
// client's eval(line) over printed literal tuples (spec.md §9). It only
// accepts the restricted grammar the listing code above emits: a tuple of
// (string, string, bool, int).
func parseEntries(output string) ([]Entry, error) {
	var entries []Entry
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		entry, err := parseTupleLine(line)
		if err != nil {
			continue // non-tuple diagnostic output is ignored, not fatal
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func parseTupleLine(line string) (Entry, error) {
	if !strings.HasPrefix(line, "(") || !strings.HasSuffix(line, ")") {
		return Entry{}, fmt.Errorf("not a tuple")
	}
	inner := line[1 : len(line)-1]
	fields := splitTopLevel(inner)
	if len(fields) != 4 {
		return Entry{}, fmt.Errorf("expected 4 fields, got %d", len(fields))
	}

	name, err := parsePyString(fields[0])
	if err != nil {
		return Entry{}, err
	}
	path, err := parsePyString(fields[1])
	if err != nil {
		return Entry{}, err
	}
	isDir, err := parsePyBool(fields[2])
	if err != nil {
		return Entry{}, err
	}
	size, err := strconv.ParseInt(strings.TrimSpace(fields[3]), 10, 64)
	if err != nil {
		return Entry{}, err
	}

	return Entry{Name: name, Path: path, IsDir: isDir, SizeBytes: size}, nil
}

// splitTopLevel splits a comma list without descending into quoted strings.
func splitTopLevel(s string) []string {
	var out []string
	var cur strings.Builder
	inQuote := false
	var quoteChar byte
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case inQuote:
			cur.WriteByte(c)
			if c == quoteChar {
				inQuote = false
			}
		case c == '\'' || c == '"':
			inQuote = true
			quoteChar = c
			cur.WriteByte(c)
		case c == ',':
			out = append(out, cur.String())
			cur.Reset()
		default:
			cur.WriteByte(c)
		}
	}
	out = append(out, cur.String())
	return out
}

func parsePyString(field string) (string, error) {
	field = strings.TrimSpace(field)
	if len(field) < 2 {
		return "", fmt.Errorf("not a string literal")
	}
	quote := field[0]
	if (quote != '\'' && quote != '"') || field[len(field)-1] != quote {
		return "", fmt.Errorf("not a string literal")
	}
	return field[1 : len(field)-1], nil
}

func parsePyBool(field string) (bool, error) {
	switch strings.TrimSpace(field) {
	case "True":
		return true, nil
	case "False":
		return false, nil
	default:
		return false, fmt.Errorf("not a bool literal")
	}
}

// Read reads a file in ChunkSize pieces, base64-decoding each chunk and
// concatenating the result, reporting progress per chunk.
func (e *Engine) Read(path string, onProgress ProgressFunc) ([]byte, error) {
	sizeCode := fmt.Sprintf("import os; print(os.stat(%q)[6])", path)
	out, errText, ok := e.exec.Execute(sizeCode, 5*time.Second)
	if !ok {
		return nil, fmt.Errorf("filetransfer: stat %s: %s", path, errText)
	}
	size, err := strconv.ParseInt(strings.TrimSpace(out), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("filetransfer: parse size of %s: %w", path, err)
	}

	var result []byte
	var offset int64
	for offset < size || (size == 0 && offset == 0) {
		code := fmt.Sprintf(`
import ubinascii
with open(%q, 'rb') as f:
    f.seek(%d)
    print(ubinascii.b2a_base64(f.read(%d)).decode().strip())
`, path, offset, ChunkSize)

		out, errText, ok := e.exec.Execute(code, 10*time.Second)
		if !ok {
			return nil, fmt.Errorf("filetransfer: read chunk at %d: %s", offset, errText)
		}
		chunk, err := base64.StdEncoding.DecodeString(strings.TrimSpace(out))
		if err != nil {
			return nil, fmt.Errorf("filetransfer: decode chunk at %d: %w", offset, err)
		}
		result = append(result, chunk...)

		if len(chunk) == 0 {
			break
		}
		offset += int64(len(chunk))

		if size > 0 {
			fraction := float64(offset) / float64(size)
			if onProgress != nil {
				onProgress(fraction)
			}
			e.emit(events.FileProgress, map[string]interface{}{"path": path, "direction": "download", "progress": fraction})
		}
		if size == 0 {
			break
		}
	}
	if onProgress != nil {
		onProgress(1.0)
	}
	e.emit(events.FileDownloaded, map[string]interface{}{"path": path, "bytes": len(result)})
	return result, nil
}

// Write writes data in ChunkSize pieces, optionally creating parent
// directories first.
func (e *Engine) Write(path string, data []byte, mkdirParents bool, onProgress ProgressFunc) error {
	if mkdirParents {
		if err := e.mkdirParentsOf(path); err != nil {
			return err
		}
	}

	open := fmt.Sprintf("_f = open(%q, 'wb')", path)
	if _, errText, ok := e.exec.Execute(open, 5*time.Second); !ok {
		return fmt.Errorf("filetransfer: open %s for write: %s", path, errText)
	}

	total := len(data)
	written := 0
	for written < total || total == 0 {
		end := written + ChunkSize
		if end > total {
			end = total
		}
		chunk := data[written:end]
		encoded := base64.StdEncoding.EncodeToString(chunk)

		code := fmt.Sprintf(`
import ubinascii
_f.write(ubinascii.a2b_base64(%q))
`, encoded)
		if _, errText, ok := e.exec.Execute(code, 10*time.Second); !ok {
			e.exec.Execute("_f.close()", 5*time.Second) // best-effort close on error
			return fmt.Errorf("filetransfer: write chunk at %d: %s", written, errText)
		}

		written = end
		if total > 0 {
			fraction := float64(written) / float64(total)
			if onProgress != nil {
				onProgress(fraction)
			}
			e.emit(events.FileProgress, map[string]interface{}{"path": path, "direction": "upload", "progress": fraction})
		}
		if total == 0 {
			break
		}
	}

	if _, errText, ok := e.exec.Execute("_f.close()", 5*time.Second); !ok {
		return fmt.Errorf("filetransfer: close %s: %s", path, errText)
	}
	if onProgress != nil {
		onProgress(1.0)
	}
	e.emit(events.FileUploaded, map[string]interface{}{"path": path, "bytes": total})
	return nil
}

// Delete removes a single file.
func (e *Engine) Delete(path string) error {
	code := fmt.Sprintf("import os; os.remove(%q); print('OK')", path)
	out, errText, ok := e.exec.Execute(code, 5*time.Second)
	if !ok || !strings.Contains(out, "OK") {
		return fmt.Errorf("filetransfer: delete %s: %s", path, errText)
	}
	e.emit(events.FileDeleted, map[string]interface{}{"path": path})
	return nil
}

// Rmdir removes a directory, recursively if recursive is true.
func (e *Engine) Rmdir(path string, recursive bool) error {
	if recursive {
		entries, err := e.List(path)
		if err != nil {
			return err
		}
		for _, entry := range entries {
			if entry.IsDir {
				if err := e.Rmdir(entry.Path, true); err != nil {
					return err
				}
			} else if err := e.Delete(entry.Path); err != nil {
				return err
			}
		}
	}

	code := fmt.Sprintf("import os; os.rmdir(%q); print('OK')", path)
	out, errText, ok := e.exec.Execute(code, 5*time.Second)
	if !ok || !strings.Contains(out, "OK") {
		return fmt.Errorf("filetransfer: rmdir %s: %s", path, errText)
	}
	return nil
}

// Mkdir creates path and all missing parent components, tolerating EEXIST
// (errno 17) as success.
func (e *Engine) Mkdir(path string) error {
	components := splitPosixPath(path)
	cur := ""
	for _, c := range components {
		cur = cur + "/" + c
		code := fmt.Sprintf(`
import os
try:
    os.mkdir(%q)
    print('OK')
except OSError as e:
    if e.args[0] == 17:
        print('EXISTS')
    else:
        print('ERROR', e.args[0])
`, cur)
		out, errText, ok := e.exec.Execute(code, 5*time.Second)
		if !ok {
			return fmt.Errorf("filetransfer: mkdir %s: %s", cur, errText)
		}
		out = strings.TrimSpace(out)
		if !strings.HasPrefix(out, "OK") && !strings.HasPrefix(out, "EXISTS") {
			return fmt.Errorf("filetransfer: mkdir %s failed: %s", cur, out)
		}
	}
	return nil
}

func (e *Engine) mkdirParentsOf(path string) error {
	idx := strings.LastIndex(path, "/")
	if idx <= 0 {
		return nil
	}
	return e.Mkdir(path[:idx])
}

func splitPosixPath(path string) []string {
	var out []string
	for _, c := range strings.Split(path, "/") {
		if c != "" {
			out = append(out, c)
		}
	}
	return out
}

// Exists reports whether path exists on the device.
func (e *Engine) Exists(path string) (bool, error) {
	code := fmt.Sprintf(`
import os
try:
    os.stat(%q)
    print('YES')
except OSError:
    print('NO')
`, path)
	out, errText, ok := e.exec.Execute(code, 5*time.Second)
	if !ok {
		return false, fmt.Errorf("filetransfer: exists %s: %s", path, errText)
	}
	return strings.Contains(out, "YES"), nil
}

// Size returns the size in bytes of path on the device.
func (e *Engine) Size(path string) (int64, error) {
	code := fmt.Sprintf("import os; print(os.stat(%q)[6])", path)
	out, errText, ok := e.exec.Execute(code, 5*time.Second)
	if !ok {
		return 0, fmt.Errorf("filetransfer: size %s: %s", path, errText)
	}
	return strconv.ParseInt(strings.TrimSpace(out), 10, 64)
}
