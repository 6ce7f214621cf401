package packages

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeExecutor struct {
	lastCode string
	mipOK    bool
	upipOK   bool
}

func (f *fakeExecutor) Execute(code string, timeout time.Duration) (string, string, bool) {
	f.lastCode = code
	switch {
	case strings.Contains(code, "mip.install("):
		if f.mipOK {
			return "SUCCESS", "", true
		}
		return "ERROR: not found", "", true
	case strings.Contains(code, "upip.install("):
		if f.upipOK {
			return "SUCCESS", "", true
		}
		return "ERROR: not found", "", true
	}
	return "", "unrecognized", false
}

type fakeFileWriter struct {
	written map[string][]byte
	mkdirs  []string
	exists  map[string]bool // paths Delete will succeed against
	deleted []string
}

func newFakeFileWriter() *fakeFileWriter {
	return &fakeFileWriter{written: map[string][]byte{}, exists: map[string]bool{}}
}

func (f *fakeFileWriter) Write(path string, data []byte, mkdirParents bool, onProgress func(float64)) error {
	f.written[path] = data
	return nil
}

func (f *fakeFileWriter) Delete(path string) error {
	if f.exists[path] {
		f.deleted = append(f.deleted, path)
		return nil
	}
	return fmt.Errorf("not found: %s", path)
}

func (f *fakeFileWriter) Mkdir(path string) error {
	f.mkdirs = append(f.mkdirs, path)
	return nil
}

func fakeDownloader(content map[string][]byte) Downloader {
	return func(url string) ([]byte, error) {
		if data, ok := content[url]; ok {
			return data, nil
		}
		return nil, fmt.Errorf("unknown url: %s", url)
	}
}

func TestInstallQuickBuiltinModuleNeedsNoFiles(t *testing.T) {
	var progress []Progress
	i := New(&fakeExecutor{}, newFakeFileWriter(), func(p Progress) { progress = append(progress, p) })

	require.NoError(t, i.Install("ssd1306"))
	require.NotEmpty(t, progress)
	assert.Equal(t, "complete", progress[len(progress)-1].Status)
}

func TestInstallQuickWritesFilesAndEnsuresLibDir(t *testing.T) {
	files := newFakeFileWriter()
	i := New(&fakeExecutor{}, files, nil)
	i.download = fakeDownloader(map[string][]byte{
		Quick["ds3231"].Files[0].URL: []byte("class DS3231: pass"),
	})

	require.NoError(t, i.Install("ds3231"))
	assert.Contains(t, files.mkdirs, "/lib")
	data, ok := files.written["/lib/ds3231.py"]
	require.True(t, ok)
	assert.Equal(t, "class DS3231: pass", string(data))
}

func TestInstallFallsBackFromMIPToUpip(t *testing.T) {
	exec := &fakeExecutor{mipOK: false, upipOK: true}
	i := New(exec, newFakeFileWriter(), nil)

	require.NoError(t, i.Install("some-unlisted-lib"))
	assert.Contains(t, exec.lastCode, "upip.install(")
}

func TestInstallFailsWhenBothMIPAndUpipFail(t *testing.T) {
	exec := &fakeExecutor{mipOK: false, upipOK: false}
	i := New(exec, newFakeFileWriter(), nil)

	err := i.Install("nonexistent-lib")
	assert.Error(t, err)
}

func TestInstallFromGitHubBuildsMipURLWithSubpath(t *testing.T) {
	exec := &fakeExecutor{mipOK: true}
	i := New(exec, newFakeFileWriter(), nil)

	require.NoError(t, i.InstallFromGitHub("https://github.com/someuser/somerepo/tree/main/lib/foo.py"))
	assert.Contains(t, exec.lastCode, "github:someuser/somerepo/lib/foo.py")
}

func TestInstallFromGitHubRejectsNonGitHubURL(t *testing.T) {
	i := New(&fakeExecutor{}, newFakeFileWriter(), nil)
	err := i.InstallFromGitHub("https://example.com/not/github")
	assert.Error(t, err)
}

func TestUninstallTriesCandidateLocationsInOrder(t *testing.T) {
	files := newFakeFileWriter()
	files.exists["/lib/foo"] = true // second candidate, not the first
	i := New(&fakeExecutor{}, files, nil)

	require.NoError(t, i.Uninstall("foo"))
	assert.Equal(t, []string{"/lib/foo"}, files.deleted)
}

func TestUninstallReturnsErrorWhenNoCandidateExists(t *testing.T) {
	i := New(&fakeExecutor{}, newFakeFileWriter(), nil)
	assert.Error(t, i.Uninstall("missing"))
}
