// Package foldersync implements Folder Sync: comparing a local directory
// tree against a device's filesystem by MD5 hash and uploading whatever has
// changed. Grounded on original_source/src/tools/sync.py.
package foldersync

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mateuszsury/pulsar/internal/filetransfer"
)

// ignorePatterns mirrors sync.py's IGNORE_PATTERNS.
var ignorePatterns = []string{
	"__pycache__", ".git", ".vscode", ".idea",
	"*.pyc", "*.pyo", ".DS_Store", "Thumbs.db", ".env",
}

func shouldIgnore(name string) bool {
	for _, pat := range ignorePatterns {
		if strings.HasPrefix(pat, "*") {
			if strings.HasSuffix(name, pat[1:]) {
				return true
			}
		} else if name == pat {
			return true
		}
	}
	return false
}

// File describes one file under comparison.
type File struct {
	Path       string // relative, forward-slash separated
	LocalPath  string
	Size       int64
	LocalHash  string
	RemoteHash string // "" means not present remotely
}

// NeedsUpload reports whether Path differs locally vs. remotely.
func (f File) NeedsUpload() bool {
	if f.LocalHash == "" {
		return false
	}
	if f.RemoteHash == "" {
		return true
	}
	return f.LocalHash != f.RemoteHash
}

// Result is the outcome of a Sync call.
type Result struct {
	Uploaded []string
	Failed   []string
	Skipped  []string
	Errors   []string
}

func (r Result) Success() bool {
	return len(r.Failed) == 0 && len(r.Errors) == 0
}

// ProgressFunc reports (relativePath, fraction, phase) during compare/sync.
type ProgressFunc func(path string, fraction float64, phase string)

// Engine compares and syncs against one connected device's files, via the
// same Executor the File Transfer Engine uses.
type Engine struct {
	ft       *filetransfer.Engine
	onProgress ProgressFunc
}

func New(ft *filetransfer.Engine, onProgress ProgressFunc) *Engine {
	return &Engine{ft: ft, onProgress: onProgress}
}

// ScanLocal walks folder and hashes every non-ignored file under it.
func ScanLocal(folder string) ([]File, error) {
	var files []File
	err := filepath.Walk(folder, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		name := info.Name()
		if info.IsDir() {
			if path != folder && shouldIgnore(name) {
				return filepath.SkipDir
			}
			return nil
		}
		if shouldIgnore(name) {
			return nil
		}

		rel, err := filepath.Rel(folder, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)

		hash, err := fileMD5(path)
		if err != nil {
			return err
		}

		files = append(files, File{
			Path:      rel,
			LocalPath: path,
			Size:      info.Size(),
			LocalHash: hash,
		})
		return nil
	})
	return files, err
}

func fileMD5(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := md5.New()
	buf := make([]byte, 8192)
	for {
		n, err := f.Read(buf)
		if n > 0 {
			h.Write(buf[:n])
		}
		if err != nil {
			break
		}
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func joinRemote(base, rel string) string {
	joined := strings.TrimSuffix(base, "/") + "/" + rel
	for strings.Contains(joined, "//") {
		joined = strings.ReplaceAll(joined, "//", "/")
	}
	return joined
}

// remoteHashExecutor is satisfied by device.Session; kept local to avoid an
// import cycle between foldersync and device.
type remoteHashExecutor interface {
	Execute(code string, timeout time.Duration) (output string, errText string, success bool)
}

// Compare scans localFolder, lists remoteFolder on the device, and fills in
// RemoteHash for every local file (computing it via a remote MD5 program
// only when sizes already match, exactly as sync.py does).
func (e *Engine) Compare(exec remoteHashExecutor, localFolder, remoteFolder string) ([]File, error) {
	if remoteFolder == "" {
		remoteFolder = "/"
	}

	localFiles, err := ScanLocal(localFolder)
	if err != nil {
		return nil, fmt.Errorf("foldersync: scan local folder: %w", err)
	}

	remoteSizes, err := e.remoteFileSizes(remoteFolder)
	if err != nil {
		return nil, fmt.Errorf("foldersync: list remote folder: %w", err)
	}

	total := len(localFiles)
	for i := range localFiles {
		f := &localFiles[i]
		if e.onProgress != nil && total > 0 {
			e.onProgress(f.Path, float64(i+1)/float64(total), "Comparing")
		}

		remoteSize, exists := remoteSizes[f.Path]
		switch {
		case !exists:
			f.RemoteHash = ""
		case remoteSize != f.Size:
			f.RemoteHash = "different_size"
		default:
			remotePath := joinRemote(remoteFolder, f.Path)
			hash, err := remoteMD5(exec, remotePath)
			if err != nil {
				f.RemoteHash = ""
			} else {
				f.RemoteHash = hash
			}
		}
	}

	return localFiles, nil
}

// remoteFileSizes recursively lists remoteFolder, mirroring
// sync.py's _get_remote_files.
func (e *Engine) remoteFileSizes(remoteFolder string) (map[string]int64, error) {
	result := map[string]int64{}
	entries, err := e.ft.List(remoteFolder)
	if err != nil {
		return nil, err
	}
	for _, entry := range entries {
		if entry.IsDir {
			sub, err := e.remoteFileSizes(entry.Path)
			if err != nil {
				continue
			}
			for name, size := range sub {
				result[entry.Name+"/"+name] = size
			}
		} else {
			result[entry.Name] = entry.SizeBytes
		}
	}
	return result, nil
}

func remoteMD5(exec remoteHashExecutor, path string) (string, error) {
	code := fmt.Sprintf(`
import hashlib
try:
    h = hashlib.md5()
    with open(%q, "rb") as f:
        while True:
            chunk = f.read(1024)
            if not chunk:
                break
            h.update(chunk)
    print(h.hexdigest())
except Exception as e:
    print("ERROR:" + str(e))
`, path)
	out, errText, ok := exec.Execute(code, 30*time.Second)
	if !ok {
		return "", fmt.Errorf("foldersync: remote hash %s: %s", path, errText)
	}
	out = strings.TrimSpace(out)
	if strings.HasPrefix(out, "ERROR:") {
		return "", fmt.Errorf("foldersync: remote hash %s: %s", path, out)
	}
	return out, nil
}

// Sync compares then uploads every file that needs it. dryRun lists the
// files that need upload under Uploaded without touching the device.
func (e *Engine) Sync(exec remoteHashExecutor, localFolder, remoteFolder string, dryRun bool) Result {
	var result Result

	files, err := e.Compare(exec, localFolder, remoteFolder)
	if err != nil {
		result.Errors = append(result.Errors, err.Error())
		return result
	}

	total := len(files)
	for i, f := range files {
		if e.onProgress != nil && total > 0 {
			e.onProgress(f.Path, float64(i+1)/float64(total), "Syncing")
		}

		if !f.NeedsUpload() {
			result.Skipped = append(result.Skipped, f.Path)
			continue
		}
		if dryRun {
			result.Uploaded = append(result.Uploaded, f.Path)
			continue
		}

		remotePath := joinRemote(remoteFolder, f.Path)
		content, err := os.ReadFile(f.LocalPath)
		if err != nil {
			result.Failed = append(result.Failed, f.Path)
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", f.Path, err))
			continue
		}

		if err := e.ft.Write(remotePath, content, true, nil); err != nil {
			result.Failed = append(result.Failed, f.Path)
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", f.Path, err))
			continue
		}
		result.Uploaded = append(result.Uploaded, f.Path)
	}

	return result
}
