// Package packages implements Package Install: a small built-in catalogue
// of verified MicroPython libraries, with mip and upip as on-device
// fallback installers, plus GitHub-repo installs via mip. Grounded on
// original_source/src/tools/lib_manager.py.
package packages

import (
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"
)

// QuickFile is one (remotePath, downloadURL) pair a quick package installs.
// An empty URL means "create an empty file" (package __init__ marker).
type QuickFile struct {
	RemotePath string
	URL        string
}

// QuickPackage is a built-in, pre-verified library entry.
type QuickPackage struct {
	Description  string
	Dependencies []string
	Files        []QuickFile
	Note         string // set for built-in modules that need no install
}

// Quick is the built-in package catalogue, a small representative subset of
// the original client's QUICK_PACKAGES covering the same categories
// (displays, sensors, motors, RTC, utilities).
var Quick = map[string]QuickPackage{
	"ssd1306": {
		Description: "SSD1306 OLED display driver",
		Note:        "Built-in on most firmware builds, no installation needed",
	},
	"ssd1309": {
		Description: "SSD1309 OLED display driver",
		Files: []QuickFile{
			{"lib/ssd1309.py", "https://raw.githubusercontent.com/rdagger/micropython-ssd1309/master/ssd1309.py"},
		},
	},
	"st7789": {
		Description: "ST7789 TFT display driver",
		Files: []QuickFile{
			{"lib/st7789.py", "https://raw.githubusercontent.com/russhughes/st7789_mpy/master/st7789.py"},
		},
	},
	"bme280": {
		Description: "BME280 temperature/humidity/pressure sensor",
		Files: []QuickFile{
			{"lib/bme280.py", "https://raw.githubusercontent.com/robert-hh/BME280/master/bme280_int.py"},
		},
	},
	"dht": {
		Description: "DHT11/DHT22 temperature/humidity sensor",
		Note:        "Built-in on most firmware builds, no installation needed",
	},
	"ds3231": {
		Description: "DS3231 real-time clock",
		Files: []QuickFile{
			{"lib/ds3231.py", "https://raw.githubusercontent.com/mcauser/micropython-ds3231/master/ds3231.py"},
		},
	},
	"mfrc522": {
		Description: "MFRC522 RFID reader",
		Files: []QuickFile{
			{"lib/mfrc522.py", "https://raw.githubusercontent.com/wendlers/micropython-mfrc522/master/mfrc522.py"},
		},
	},
	"microdot": {
		Description: "Microdot lightweight web framework",
		Files: []QuickFile{
			{"lib/microdot.py", "https://raw.githubusercontent.com/miguelgrinberg/microdot/main/src/microdot/microdot.py"},
		},
	},
}

// Progress is reported during Install.
type Progress struct {
	Status   string // starting, installing, uninstalling, complete, error
	Package  string
	Fraction float64
	Message  string
	Error    string
}

// ProgressFunc receives install/uninstall progress updates.
type ProgressFunc func(Progress)

// Executor is the subset of device.Session a package install needs: run a
// program and create directories (reusing the File Transfer Engine's mkdir
// for the latter keeps this package free of an import cycle on device).
type Executor interface {
	Execute(code string, timeout time.Duration) (output string, errText string, success bool)
}

// FileWriter is satisfied by filetransfer.Engine.
type FileWriter interface {
	Write(path string, data []byte, mkdirParents bool, onProgress func(float64)) error
	Delete(path string) error
	Mkdir(path string) error
}

// Downloader abstracts the HTTP fetch of quick-package file contents so
// tests can substitute a fake.
type Downloader func(url string) ([]byte, error)

// Installer installs and uninstalls packages on one connected device.
type Installer struct {
	exec     Executor
	files    FileWriter
	download Downloader
	progress ProgressFunc
}

func New(exec Executor, files FileWriter, progress ProgressFunc) *Installer {
	return &Installer{
		exec:     exec,
		files:    files,
		download: httpDownload,
		progress: progress,
	}
}

func httpDownload(url string) ([]byte, error) {
	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Get(url)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("packages: download %s: status %d", url, resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

func (i *Installer) report(p Progress) {
	if i.progress != nil {
		i.progress(p)
	}
}

// Install installs packageName, trying the quick catalogue first, then mip,
// then upip, mirroring lib_manager.py's install_package fallback chain.
func (i *Installer) Install(packageName string) error {
	i.report(Progress{Status: "starting", Package: packageName, Message: fmt.Sprintf("Installing %s...", packageName)})

	if pkg, ok := Quick[packageName]; ok {
		return i.installQuick(packageName, pkg)
	}

	if err := i.installWithMIP(packageName); err == nil {
		return nil
	}

	return i.installWithUpip(packageName)
}

func (i *Installer) installQuick(name string, pkg QuickPackage) error {
	if len(pkg.Files) == 0 {
		msg := pkg.Note
		if msg == "" {
			msg = "Built-in module, no installation needed"
		}
		i.report(Progress{Status: "complete", Package: name, Fraction: 1, Message: msg})
		return nil
	}

	for _, dep := range pkg.Dependencies {
		i.report(Progress{Status: "installing", Package: name, Message: fmt.Sprintf("Installing dependency: %s", dep)})
		if err := i.Install(dep); err != nil {
			return fmt.Errorf("packages: dependency %s: %w", dep, err)
		}
	}

	if err := i.files.Mkdir("/lib"); err != nil {
		return fmt.Errorf("packages: ensure /lib: %w", err)
	}

	total := len(pkg.Files)
	for idx, f := range pkg.Files {
		i.report(Progress{
			Status:   "installing",
			Package:  name,
			Fraction: float64(idx+1) / float64(total+1),
			Message:  fmt.Sprintf("Installing %s...", f.RemotePath),
		})

		remote := "/" + f.RemotePath
		var content []byte
		if f.URL != "" {
			data, err := i.download(f.URL)
			if err != nil {
				return fmt.Errorf("packages: download %s: %w", f.URL, err)
			}
			content = data
		}
		if err := i.files.Write(remote, content, true, nil); err != nil {
			return fmt.Errorf("packages: write %s: %w", remote, err)
		}
	}

	i.report(Progress{Status: "complete", Package: name, Fraction: 1, Message: fmt.Sprintf("Successfully installed %s", name)})
	return nil
}

func (i *Installer) installWithMIP(packageName string) error {
	i.report(Progress{Status: "installing", Package: packageName, Message: fmt.Sprintf("Installing %s via mip...", packageName)})

	code := fmt.Sprintf(`
import mip
try:
    mip.install(%q)
    print('SUCCESS')
except Exception as e:
    print('ERROR:', e)
`, packageName)

	out, _, ok := i.exec.Execute(code, 120*time.Second)
	if !ok || !strings.Contains(out, "SUCCESS") {
		return fmt.Errorf("packages: mip install %s failed", packageName)
	}
	i.report(Progress{Status: "complete", Package: packageName, Fraction: 1, Message: fmt.Sprintf("Successfully installed %s", packageName)})
	return nil
}

func (i *Installer) installWithUpip(packageName string) error {
	i.report(Progress{Status: "installing", Package: packageName, Message: fmt.Sprintf("Installing %s via upip...", packageName)})

	code := fmt.Sprintf(`
import upip
try:
    upip.install(%q)
    print('SUCCESS')
except Exception as e:
    print('ERROR:', e)
`, packageName)

	out, _, ok := i.exec.Execute(code, 120*time.Second)
	if !ok || !strings.Contains(out, "SUCCESS") {
		i.report(Progress{Status: "error", Package: packageName, Error: fmt.Sprintf("Package not found: %s", packageName)})
		return fmt.Errorf("packages: upip install %s failed", packageName)
	}
	i.report(Progress{Status: "complete", Package: packageName, Fraction: 1, Message: fmt.Sprintf("Successfully installed %s", packageName)})
	return nil
}

var githubURLPattern = regexp.MustCompile(`^https?://github\.com/([^/]+)/([^/]+)(?:/tree/([^/]+))?(/.*)?$`)

// InstallFromGitHub installs a package from a GitHub repository URL using
// mip's github: URL scheme.
func (i *Installer) InstallFromGitHub(repoURL string) error {
	i.report(Progress{Status: "starting", Package: repoURL, Message: "Installing from GitHub..."})

	m := githubURLPattern.FindStringSubmatch(repoURL)
	if m == nil {
		return fmt.Errorf("packages: invalid GitHub URL %q", repoURL)
	}
	owner, repo, subpath := m[1], m[2], m[4]

	mipURL := fmt.Sprintf("github:%s/%s", owner, repo)
	if subpath != "" {
		mipURL += subpath
	}
	return i.installWithMIP(mipURL)
}

// Uninstall tries a small set of conventional install locations, mirroring
// lib_manager.py's uninstall_package.
func (i *Installer) Uninstall(packageName string) error {
	i.report(Progress{Status: "uninstalling", Package: packageName, Message: fmt.Sprintf("Uninstalling %s...", packageName)})

	candidates := []string{
		fmt.Sprintf("/lib/%s.py", packageName),
		fmt.Sprintf("/lib/%s", packageName),
		fmt.Sprintf("/%s.py", packageName),
	}

	for _, path := range candidates {
		if err := i.files.Delete(path); err == nil {
			i.report(Progress{Status: "complete", Package: packageName, Fraction: 1, Message: fmt.Sprintf("Uninstalled %s", packageName)})
			return nil
		}
	}

	i.report(Progress{Status: "error", Package: packageName, Error: fmt.Sprintf("Package %s not found", packageName)})
	return fmt.Errorf("packages: %s not found in any known location", packageName)
}
