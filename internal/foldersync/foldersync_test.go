package foldersync

import (
	"crypto/md5"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/mateuszsury/pulsar/internal/filetransfer"
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
	n, _ := strconv.Atoi(strings.TrimSpace(rest[:end]))
	return n
}

// fakeDevice backs both the File Transfer Engine and Folder Sync's remote
// hash executor with a single in-memory remote filesystem.
type fakeDevice struct {
	files    map[string][]byte
	dirs     map[string]bool
	openPath string
	openBuf  []byte
}

func newFakeDevice() *fakeDevice {
	return &fakeDevice{files: map[string][]byte{}, dirs: map[string]bool{"/": true}}
}

func (f *fakeDevice) Execute(code string, timeout time.Duration) (string, string, bool) {
	switch {
	case strings.Contains(code, "_walk("):
		return f.list(extractQuoted(code))
	case strings.Contains(code, "hashlib.md5()"):
		path := extractQuoted(code)
		data, ok := f.files[path]
		if !ok {
			return "ERROR:not found", "", true
		}
		sum := md5.Sum(data)
		return hex.EncodeToString(sum[:]), "", true
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
	case strings.Contains(code, "os.mkdir("):
		path := extractQuoted(code)
		if f.dirs[path] {
			return "EXISTS", "", true
		}
		f.dirs[path] = true
		return "OK", "", true
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

func (f *fakeDevice) list(dir string) (string, string, bool) {
	var b strings.Builder
	prefix := strings.TrimSuffix(dir, "/") + "/"
	for path, data := range f.files {
		rest := strings.TrimPrefix(path, prefix)
		if strings.HasPrefix(path, prefix) && !strings.Contains(rest, "/") {
			fmt.Fprintf(&b, "(%q, %q, False, %d)\n", rest, path, len(data))
		}
	}
	return b.String(), "", true
}

func (f *fakeDevice) readChunk(code string) (string, string, bool) {
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

func writeLocal(t *testing.T, dir, rel, content string) {
	t.Helper()
	full := filepath.Join(dir, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
	require.NoError(t, os.WriteFile(full, []byte(content), 0o644))
}

func TestScanLocalSkipsIgnoredEntries(t *testing.T) {
	dir := t.TempDir()
	writeLocal(t, dir, "main.py", "print(1)\n")
	writeLocal(t, dir, "__pycache__/main.pyc", "junk")
	writeLocal(t, dir, ".git/HEAD", "ref: refs/heads/main")

	files, err := ScanLocal(dir)
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, "main.py", files[0].Path)
}

func TestCompareDetectsNewChangedAndUnchangedFiles(t *testing.T) {
	dir := t.TempDir()
	writeLocal(t, dir, "new.py", "new content")
	writeLocal(t, dir, "same.py", "same content")
	writeLocal(t, dir, "changed.py", "new bytes here")

	dev := newFakeDevice()
	sum := md5.Sum([]byte("same content"))
	dev.files["/app/same.py"] = []byte("same content")
	_ = sum
	dev.files["/app/changed.py"] = []byte("old bytes")

	ft := filetransfer.New(dev, nil, "")
	e := New(ft, nil)

	files, err := e.Compare(dev, dir, "/app")
	require.NoError(t, err)

	byPath := map[string]File{}
	for _, f := range files {
		byPath[f.Path] = f
	}

	require.Contains(t, byPath, "new.py")
	assert.True(t, byPath["new.py"].NeedsUpload())

	require.Contains(t, byPath, "same.py")
	assert.False(t, byPath["same.py"].NeedsUpload())

	require.Contains(t, byPath, "changed.py")
	assert.True(t, byPath["changed.py"].NeedsUpload())
	assert.Equal(t, "different_size", byPath["changed.py"].RemoteHash)
}

func TestSyncUploadsOnlyChangedFiles(t *testing.T) {
	dir := t.TempDir()
	writeLocal(t, dir, "new.py", "fresh")
	writeLocal(t, dir, "same.py", "unchanged")

	dev := newFakeDevice()
	dev.files["/app/same.py"] = []byte("unchanged")

	ft := filetransfer.New(dev, nil, "")
	var progressed []string
	e := New(ft, func(path string, fraction float64, phase string) {
		progressed = append(progressed, phase+":"+path)
	})

	result := e.Sync(dev, dir, "/app", false)
	require.True(t, result.Success())
	assert.ElementsMatch(t, []string{"new.py"}, result.Uploaded)
	assert.ElementsMatch(t, []string{"same.py"}, result.Skipped)
	assert.NotEmpty(t, progressed)

	uploaded, ok := dev.files["/app/new.py"]
	require.True(t, ok)
	assert.Equal(t, "fresh", string(uploaded))
}

func TestSyncDryRunDoesNotWrite(t *testing.T) {
	dir := t.TempDir()
	writeLocal(t, dir, "new.py", "fresh")

	dev := newFakeDevice()
	ft := filetransfer.New(dev, nil, "")
	e := New(ft, nil)

	result := e.Sync(dev, dir, "/app", true)
	assert.Equal(t, []string{"new.py"}, result.Uploaded)
	_, ok := dev.files["/app/new.py"]
	assert.False(t, ok, "dry run must not write to the device")
}
