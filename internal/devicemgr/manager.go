// Package devicemgr is the shared device-session registry used by both the
// HTTP/WebSocket Gateway (cmd/server) and the Tool Channel
// (cmd/pulsar-tools), mirroring the role
// original_source/src/serial_comm/manager.py's SerialManager plays for the
// desktop app and the MCP server alike.
package devicemgr

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/mateuszsury/pulsar/internal/device"
	"github.com/mateuszsury/pulsar/internal/events"
	"github.com/mateuszsury/pulsar/internal/filetransfer"
	"github.com/mateuszsury/pulsar/internal/foldersync"
	"github.com/mateuszsury/pulsar/internal/packages"
	"github.com/mateuszsury/pulsar/internal/portscan"
)

// entry bundles one device session with the engines built on top of it.
type entry struct {
	session *device.Session
	files   *filetransfer.Engine
	sync    *foldersync.Engine
	pkgs    *packages.Installer
}

// Manager owns every connected device session, keyed by port name.
type Manager struct {
	cfg     device.Config
	bus     *events.Bus
	scanner *portscan.Scanner
	open    device.Opener

	mu      sync.RWMutex
	entries map[string]*entry
}

func New(cfg device.Config, bus *events.Bus) *Manager {
	return &Manager{
		cfg:     cfg,
		bus:     bus,
		scanner: portscan.New(bus),
		entries: map[string]*entry{},
	}
}

// NewWithOpener is used by tests to substitute a fake transport in place of
// a real serial port.
func NewWithOpener(cfg device.Config, bus *events.Bus, open device.Opener) *Manager {
	m := New(cfg, bus)
	m.open = open
	return m
}

// ScanPorts returns every currently visible serial port.
func (m *Manager) ScanPorts() ([]portscan.Port, error) {
	return m.scanner.Scan()
}

// ScanESPPorts returns only ESP-family ports.
func (m *Manager) ScanESPPorts() ([]portscan.Port, error) {
	return m.scanner.ScanFamily()
}

// Scanner returns the manager's port scanner; cmd/server runs its Watch
// loop with a cancellable context.
func (m *Manager) Scanner() *portscan.Scanner {
	return m.scanner
}

func (m *Manager) get(port string) (*entry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[port]
	return e, ok
}

// Connect opens a session on port at baud, wiring its supporting engines.
func (m *Manager) Connect(port string, baud int) error {
	m.mu.Lock()
	if _, exists := m.entries[port]; exists {
		m.mu.Unlock()
		return fmt.Errorf("devicemgr: %s already connected", port)
	}
	session := device.New(port, m.cfg, m.bus, m.open)
	m.mu.Unlock()

	if err := session.Connect(baud); err != nil {
		return err
	}

	ft := filetransfer.New(session, m.bus, port)
	m.mu.Lock()
	m.entries[port] = &entry{
		session: session,
		files:   ft,
		sync:    foldersync.New(ft, nil),
		pkgs:    packages.New(session, ft, nil),
	}
	m.mu.Unlock()
	return nil
}

// Disconnect tears down the session on port, if any.
func (m *Manager) Disconnect(port string) error {
	m.mu.Lock()
	e, ok := m.entries[port]
	if ok {
		delete(m.entries, port)
	}
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("devicemgr: %s not connected", port)
	}
	return e.session.Disconnect()
}

// GetSession returns the live session for port, or false.
func (m *Manager) GetSession(port string) (*device.Session, bool) {
	e, ok := m.get(port)
	if !ok {
		return nil, false
	}
	return e.session, true
}

// Sessions returns every currently connected session.
func (m *Manager) Sessions() []*device.Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*device.Session, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, e.session)
	}
	return out
}

// RemovePort disconnects and forgets port's session, used when Port
// Discovery reports the port physically vanished (spec.md §8 property 10).
func (m *Manager) RemovePort(port string) {
	m.mu.Lock()
	e, ok := m.entries[port]
	if ok {
		delete(m.entries, port)
	}
	m.mu.Unlock()
	if ok {
		_ = e.session.Disconnect()
	}
}

func (m *Manager) requireSession(port string) (*device.Session, error) {
	e, ok := m.get(port)
	if !ok {
		return nil, fmt.Errorf("devicemgr: %s not connected", port)
	}
	return e.session, nil
}

// Execute runs code on port's raw-REPL codec.
func (m *Manager) Execute(port, code string, timeout time.Duration) (output, errText string, success bool) {
	session, err := m.requireSession(port)
	if err != nil {
		return "", err.Error(), false
	}
	return session.Execute(code, timeout)
}

// WatchLogs captures the output ring before and after duration, returning
// only the lines that appeared in between, optionally narrowed by a
// case-insensitive regex. When the earlier snapshot is no longer a prefix of
// the later one (the ring evicted lines or was cleared), the whole later
// snapshot is returned. Grounded on
// original_source/src/mcp_impl/tools.py's watch_logs start/end diff, adapted
// to the ring's line-oriented snapshot instead of a raw string.
func (m *Manager) WatchLogs(port string, duration time.Duration, filterPattern string) ([]string, error) {
	session, err := m.requireSession(port)
	if err != nil {
		return nil, err
	}

	before := session.GetOutput(false)
	time.Sleep(duration)
	after := session.GetOutput(false)

	fresh := after
	if len(after) >= len(before) {
		shared := true
		for i := range before {
			if before[i] != after[i] {
				shared = false
				break
			}
		}
		if shared {
			fresh = after[len(before):]
		}
	}

	if filterPattern == "" {
		return fresh, nil
	}
	re, err := regexp.Compile("(?i)" + filterPattern)
	if err != nil {
		return nil, fmt.Errorf("devicemgr: invalid filter pattern: %w", err)
	}
	filtered := make([]string, 0, len(fresh))
	for _, line := range fresh {
		if re.MatchString(line) {
			filtered = append(filtered, line)
		}
	}
	return filtered, nil
}

// wifiStatusCode probes both the station and access-point WLAN interfaces,
// grounded on original_source/src/mcp_impl/tools.py's get_wifi_status.
const wifiStatusCode = `
import network
import json

result = {}

sta = network.WLAN(network.STA_IF)
result['sta_active'] = sta.active()
result['sta_connected'] = sta.isconnected()
if sta.isconnected():
    result['sta_config'] = sta.ifconfig()
    try:
        result['sta_rssi'] = sta.status('rssi')
    except Exception:
        pass

try:
    ap = network.WLAN(network.AP_IF)
    result['ap_active'] = ap.active()
    if ap.active():
        result['ap_config'] = ap.ifconfig()
        result['ap_essid'] = ap.config('essid')
except Exception:
    pass

print(json.dumps(result))
`

// WifiStatus runs wifiStatusCode on port, emits WIFI_SCAN_RESULT plus a
// derived WIFI_CONNECTED/WIFI_DISCONNECTED, and returns the parsed status.
func (m *Manager) WifiStatus(port string) (map[string]interface{}, error) {
	session, err := m.requireSession(port)
	if err != nil {
		return nil, err
	}

	out, errText, ok := session.Execute(wifiStatusCode, 10*time.Second)
	if !ok {
		return nil, fmt.Errorf("devicemgr: wifi status %s: %s", port, errText)
	}

	var data map[string]interface{}
	if err := json.Unmarshal([]byte(strings.TrimSpace(out)), &data); err != nil {
		return nil, fmt.Errorf("devicemgr: parse wifi status %s: %w", port, err)
	}

	if m.bus != nil {
		m.bus.Emit(events.WifiScanResult, port, data)
		if connected, _ := data["sta_connected"].(bool); connected {
			m.bus.Emit(events.WifiConnected, port, data)
		} else {
			m.bus.Emit(events.WifiDisconnected, port, data)
		}
	}
	return data, nil
}

// Interrupt sends Ctrl-C to port's device.
func (m *Manager) Interrupt(port string) error {
	session, err := m.requireSession(port)
	if err != nil {
		return err
	}
	return session.Interrupt()
}

// WriteLine writes a line of interactive REPL input to port's device,
// satisfying wsgateway.REPLWriter.
func (m *Manager) WriteLine(port, text string) error {
	session, err := m.requireSession(port)
	if err != nil {
		return err
	}
	return session.WriteLine(text)
}

// Files returns port's File Transfer Engine.
func (m *Manager) Files(port string) (*filetransfer.Engine, error) {
	e, ok := m.get(port)
	if !ok {
		return nil, fmt.Errorf("devicemgr: %s not connected", port)
	}
	return e.files, nil
}

// Sync returns port's Folder Sync engine.
func (m *Manager) Sync(port string) (*foldersync.Engine, error) {
	e, ok := m.get(port)
	if !ok {
		return nil, fmt.Errorf("devicemgr: %s not connected", port)
	}
	return e.sync, nil
}

// Packages returns port's Package Install engine.
func (m *Manager) Packages(port string) (*packages.Installer, error) {
	e, ok := m.get(port)
	if !ok {
		return nil, fmt.Errorf("devicemgr: %s not connected", port)
	}
	return e.pkgs, nil
}
