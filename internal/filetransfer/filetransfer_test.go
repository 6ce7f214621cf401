package filetransfer

import (
	"encoding/base64"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mateuszsury/pulsar/internal/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var quotedRe = regexp.MustCompile(`"((?:[^"\\]|\\.)*)"`)

func extractQuoted(code string) string {
	m := quotedRe.FindStringSubmatch(code)
	if m == nil {
		return ""
	}
	unquoted, err := strconv.Unquote(`"` + m[1] + `"`)
	if err != nil {
		return m[1]
	}
	return unquoted
}

func extractInt(code, fnPrefix string) int {
	idx := strings.Index(code, fnPrefix)
	if idx < 0 {
		return 0
	}
	rest := code[idx+len(fnPrefix):]
	end := strings.IndexByte(rest, ')')
	if end < 0 {
		return 0
	}
	n, _ := strconv.Atoi(strings.TrimSpace(rest[:end]))
	return n
}

// fakeExec is a minimal in-memory MicroPython filesystem that understands
// only the specific code shapes the Engine generates.
type fakeExec struct {
	mu       sync.Mutex
	files    map[string][]byte
	dirs     map[string]bool
	openPath string
	openBuf  []byte
}

func newFakeExec() *fakeExec {
	return &fakeExec{files: map[string][]byte{}, dirs: map[string]bool{"/": true}}
}

func (f *fakeExec) Execute(code string, timeout time.Duration) (string, string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch {
	case strings.Contains(code, "_walk("):
		return f.list(extractQuoted(code))
	case strings.Contains(code, "ubinascii.b2a_base64(f.read("):
		return f.readChunk(code)
	case strings.HasPrefix(strings.TrimSpace(code), "_f = open("):
		f.openPath = extractQuoted(code)
		f.openBuf = nil
		return "", "", true
	case strings.Contains(code, "_f.write(ubinascii.a2b_base64("):
		encoded := extractQuoted(code)
		chunk, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return "", err.Error(), false
		}
		f.openBuf = append(f.openBuf, chunk...)
		return "", "", true
	case strings.TrimSpace(code) == "_f.close()":
		f.files[f.openPath] = f.openBuf
		return "", "", true
	case strings.Contains(code, "os.remove("):
		path := extractQuoted(code)
		if _, ok := f.files[path]; !ok {
			return "", "file not found", false
		}
		delete(f.files, path)
		return "OK", "", true
	case strings.Contains(code, "os.rmdir("):
		path := extractQuoted(code)
		delete(f.dirs, path)
		return "OK", "", true
	case strings.Contains(code, "os.mkdir("):
		path := extractQuoted(code)
		if f.dirs[path] {
			return "EXISTS", "", true
		}
		f.dirs[path] = true
		return "OK", "", true
	case strings.Contains(code, "print('YES')"):
		path := extractQuoted(code)
		if _, ok := f.files[path]; ok {
			return "YES", "", true
		}
		return "NO", "", true
	case strings.Contains(code, "os.stat(") && strings.Contains(code, "[6])"):
		path := extractQuoted(code)
		data, ok := f.files[path]
		if !ok {
			return "", "ENOENT", false
		}
		return fmt.Sprintf("%d", len(data)), "", true
	}
	return "", "unrecognized program", false
}

func (f *fakeExec) list(dir string) (string, string, bool) {
	var b strings.Builder
	prefix := strings.TrimSuffix(dir, "/") + "/"
	for path, data := range f.files {
		if strings.HasPrefix(path, prefix) && !strings.Contains(strings.TrimPrefix(path, prefix), "/") {
			name := strings.TrimPrefix(path, prefix)
			fmt.Fprintf(&b, "(%q, %q, False, %d)\n", name, path, len(data))
		}
	}
	return b.String(), "", true
}

func (f *fakeExec) readChunk(code string) (string, string, bool) {
	path := extractQuoted(code)
	offset := extractInt(code, "f.seek(")
	length := extractInt(code, "f.read(")
	data := f.files[path]
	if offset >= len(data) {
		return base64.StdEncoding.EncodeToString(nil), "", true
	}
	end := offset + length
	if end > len(data) {
		end = len(data)
	}
	return base64.StdEncoding.EncodeToString(data[offset:end]), "", true
}

func TestEngineWriteThenRead(t *testing.T) {
	exec := newFakeExec()
	e := New(exec, nil, "")

	content := []byte("print('hello world')\n")
	require.NoError(t, e.Write("/main.py", content, true, nil))

	got, err := e.Read("/main.py", nil)
	require.NoError(t, err)
	assert.Equal(t, content, got)
}

func TestEngineWriteLargeFileChunks(t *testing.T) {
	exec := newFakeExec()
	e := New(exec, nil, "")

	content := make([]byte, ChunkSize*3+17)
	for i := range content {
		content[i] = byte(i % 251)
	}
	require.NoError(t, e.Write("/big.bin", content, true, nil))

	got, err := e.Read("/big.bin", nil)
	require.NoError(t, err)
	assert.Equal(t, content, got)
}

func TestEngineList(t *testing.T) {
	exec := newFakeExec()
	e := New(exec, nil, "")
	require.NoError(t, e.Write("/lib/foo.py", []byte("x = 1\n"), true, nil))

	entries, err := e.List("/lib")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "foo.py", entries[0].Name)
	assert.Equal(t, "/lib/foo.py", entries[0].Path)
	assert.False(t, entries[0].IsDir)
}

func TestEngineDeleteAndExists(t *testing.T) {
	exec := newFakeExec()
	e := New(exec, nil, "")
	require.NoError(t, e.Write("/a.txt", []byte("data"), false, nil))

	exists, err := e.Exists("/a.txt")
	require.NoError(t, err)
	assert.True(t, exists)

	require.NoError(t, e.Delete("/a.txt"))

	exists, err = e.Exists("/a.txt")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestEngineWriteAndReadEmitFileEvents(t *testing.T) {
	bus := events.NewBus(16)
	bus.Start()
	defer bus.Stop()

	var mu sync.Mutex
	var kinds []events.Kind
	bus.Subscribe("", func(ev events.Event) error {
		mu.Lock()
		defer mu.Unlock()
		kinds = append(kinds, ev.Kind)
		return nil
	})

	exec := newFakeExec()
	e := New(exec, bus, "COM3")
	content := make([]byte, ChunkSize+5)

	require.NoError(t, e.Write("/main.py", content, true, nil))
	_, err := e.Read("/main.py", nil)
	require.NoError(t, err)
	require.NoError(t, e.Delete("/main.py"))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		has := map[events.Kind]bool{}
		for _, k := range kinds {
			has[k] = true
		}
		return has[events.FileProgress] && has[events.FileUploaded] && has[events.FileDownloaded] && has[events.FileDeleted]
	}, time.Second, 5*time.Millisecond)
}

func TestEngineMkdirTreatsEEXISTAsSuccess(t *testing.T) {
	exec := newFakeExec()
	e := New(exec, nil, "")

	require.NoError(t, e.Mkdir("/lib/sensors"))
	require.NoError(t, e.Mkdir("/lib/sensors")) // second call hits EXISTS path
}

func TestParseEntriesIgnoresNonTupleLines(t *testing.T) {
	out := "Traceback noise\n(\"a.py\", \"/a.py\", False, 12)\n"
	entries, err := parseEntries(out)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "a.py", entries[0].Name)
	assert.EqualValues(t, 12, entries[0].SizeBytes)
}

func TestParseTupleLineRejectsMalformed(t *testing.T) {
	_, err := parseTupleLine(`("only", "three", True)`)
	assert.Error(t, err)
}

func TestSplitTopLevelRespectsQuotes(t *testing.T) {
	fields := splitTopLevel(`"a, b", "/a, b", True, 4`)
	require.Len(t, fields, 4)
	assert.Equal(t, `"a, b"`, strings.TrimSpace(fields[0]))
}
