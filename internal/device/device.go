// Package device implements the Device Session Layer: one serial link per
// device, a background output reader that can be paused for synchronous
// request/response exchanges, and the connect/disconnect/interrupt/reset
// control operations.
package device

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/mateuszsury/pulsar/internal/events"
	"github.com/mateuszsury/pulsar/internal/rawrepl"
	"github.com/mateuszsury/pulsar/internal/serialio"
)

// State is the Device Session's lifecycle state.
type State string

const (
	StateDisconnected State = "DISCONNECTED"
	StateConnecting   State = "CONNECTING"
	StateConnected    State = "CONNECTED"
	StateBusy         State = "BUSY"
	StateError        State = "ERROR"
)

// Info is the information probed right after connect.
type Info struct {
	Firmware    string
	Machine     string
	Platform    string
	ConnectedAt time.Time
	LastError   string
}

// Opener abstracts serialio.Open so tests can substitute a fake transport.
type Opener func(portID string, baud int) (serialio.Port, error)

// Session owns one serial link and serializes all byte-level I/O on it.
type Session struct {
	PortID   string
	BaudRate int

	cfg  Config
	bus  *events.Bus
	open Opener

	mu    sync.Mutex // exclusive access lock (spec.md §4.2/§5)
	state State
	info  Info
	port  serialio.Port

	ring *ring

	reader *readerHandle
	codec  *rawrepl.Codec
}

// Config carries the tunables from internal/config without creating an
// import-cycle dependency on the config package's full surface.
type Config struct {
	ReaderPollInterval time.Duration
	ReaderChunkBytes   int
	OutputRingSize     int
}

// New constructs a disconnected Session for portID. bus may be nil for
// tests that do not care about emitted events.
func New(portID string, cfg Config, bus *events.Bus, open Opener) *Session {
	if cfg.ReaderChunkBytes <= 0 {
		cfg.ReaderChunkBytes = 1024
	}
	if cfg.ReaderPollInterval <= 0 {
		cfg.ReaderPollInterval = 100 * time.Millisecond
	}
	if cfg.OutputRingSize <= 0 {
		cfg.OutputRingSize = 1000
	}
	if open == nil {
		open = func(portID string, baud int) (serialio.Port, error) {
			return serialio.Open(portID, baud)
		}
	}
	return &Session{
		PortID:   portID,
		cfg:      cfg,
		bus:      bus,
		open:     open,
		state:    StateDisconnected,
		ring:     newRing(cfg.OutputRingSize),
		codec:    rawrepl.New(0),
	}
}

func (s *Session) emit(kind events.Kind, payload map[string]interface{}) {
	if s.bus == nil {
		return
	}
	s.bus.Emit(kind, s.PortID, payload)
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Info returns a snapshot of the probed device info.
func (s *Session) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.info
}

// Connect opens the serial port at baud (0 ⇒ 115200), starts the
// background reader, and attempts the best-effort info probe.
func (s *Session) Connect(baud int) error {
	if baud <= 0 {
		baud = 115200
	}

	s.mu.Lock()
	if s.state == StateConnected || s.state == StateConnecting {
		s.mu.Unlock()
		return fmt.Errorf("device: %s already connecting/connected", s.PortID)
	}
	s.state = StateConnecting
	s.BaudRate = baud
	s.mu.Unlock()

	s.emit(events.DeviceConnecting, nil)

	p, err := s.open(s.PortID, baud)
	if err != nil {
		s.mu.Lock()
		s.state = StateError
		s.info.LastError = err.Error()
		s.mu.Unlock()
		s.emit(events.DeviceError, map[string]interface{}{"error": err.Error()})
		return fmt.Errorf("device: connect %s: %w", s.PortID, err)
	}

	s.mu.Lock()
	s.port = p
	s.state = StateConnected
	s.info = Info{ConnectedAt: time.Now()}
	s.mu.Unlock()

	s.reader = newReaderHandle(s.port, s.cfg.ReaderChunkBytes, s.cfg.ReaderPollInterval, func(text string) {
		s.ring.append(text)
		s.emit(events.DeviceOutput, map[string]interface{}{"text": text})
	})
	s.reader.start()

	s.emit(events.DeviceConnected, map[string]interface{}{"baud_rate": baud})

	s.probeInfo()

	return nil
}

// probeInfo performs the best-effort firmware/platform/machine probe.
// Failure is non-fatal: the session remains CONNECTED with empty fields.
func (s *Session) probeInfo() {
	h, err := s.pauseReader()
	if err != nil {
		return
	}
	defer s.resumeReader(h)

	_, _ = s.writeLocked([]byte{0x03})
	time.Sleep(50 * time.Millisecond)
	_, _ = s.readLockedFor(200*time.Millisecond, h)

	verPlat, err := s.evalLineLocked("import sys; print(sys.version, sys.platform)", 2*time.Second, h)
	if err == nil {
		fw, platform := parseVersionPlatform(verPlat)
		s.mu.Lock()
		s.info.Firmware = fw
		s.info.Platform = platform
		s.mu.Unlock()
	}

	uname, err := s.evalLineLocked("import os; print(os.uname())", 2*time.Second, h)
	if err == nil {
		machine := parseMachine(uname)
		s.mu.Lock()
		s.info.Machine = machine
		s.mu.Unlock()
	}
}

func parseVersionPlatform(line string) (firmware, platform string) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return "", ""
	}
	platform = fields[len(fields)-1]
	firmware = strings.Join(fields[:len(fields)-1], " ")
	if !strings.Contains(strings.ToLower(line), "micropython") {
		return firmware, platform
	}
	return firmware, platform
}

func parseMachine(line string) string {
	const marker = "machine="
	idx := strings.Index(line, marker)
	if idx < 0 {
		return ""
	}
	rest := line[idx+len(marker):]
	if strings.HasPrefix(rest, "'") {
		if end := strings.IndexByte(rest[1:], '\''); end >= 0 {
			return rest[1 : 1+end]
		}
	}
	if end := strings.IndexAny(rest, ",)"); end >= 0 {
		return rest[:end]
	}
	return rest
}

// evalLineLocked writes a one-line program and reads back a single response
// line, used only by probeInfo which already holds the reader-paused
// critical section.
func (s *Session) evalLineLocked(code string, timeout time.Duration, h *readerHandle) (string, error) {
	if _, err := s.writeLocked([]byte(code + "\r\n")); err != nil {
		return "", err
	}
	data, err := s.readLockedFor(timeout, h)
	if err != nil {
		return "", err
	}
	line := strings.TrimSpace(string(data))
	if idx := strings.LastIndexByte(line, '\n'); idx >= 0 {
		line = line[idx+1:]
	}
	return line, nil
}

func (s *Session) writeLocked(data []byte) (int, error) {
	s.mu.Lock()
	p := s.port
	s.mu.Unlock()
	if p == nil {
		return 0, fmt.Errorf("device: not connected")
	}
	return p.Write(data)
}

// readLockedFor reads for up to timeout, accumulating whatever bytes
// arrive. Used only while the reader is paused.
func (s *Session) readLockedFor(timeout time.Duration, h *readerHandle) ([]byte, error) {
	s.mu.Lock()
	p := s.port
	s.mu.Unlock()
	if p == nil {
		return nil, fmt.Errorf("device: not connected")
	}

	var buf bytes.Buffer
	deadline := time.Now().Add(timeout)
	chunk := make([]byte, 1024)
	for time.Now().Before(deadline) {
		n, err := p.Read(chunk)
		if n > 0 {
			buf.Write(chunk[:n])
		}
		if err != nil {
			break
		}
	}
	return buf.Bytes(), nil
}

// pauseReader implements spec.md §4.2's reader pause/resume protocol: it
// acquires the session's exclusive lock, cancels the reader task, and waits
// for it to join before returning. If the lock is already held by the
// calling goroutine's own critical section this would deadlock, so all
// internal callers go through this single entry point rather than nesting.
func (s *Session) pauseReader() (*readerHandle, error) {
	s.mu.Lock()
	h := s.reader
	if h == nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("device: no active reader")
	}
	s.mu.Unlock()

	h.stop()
	return h, nil
}

// resumeReader spawns a fresh reader task and is the counterpart to
// pauseReader.
func (s *Session) resumeReader(h *readerHandle) {
	h.start()
}

// Write writes raw bytes to the device without going through the reader
// pause/resume protocol. Used for interactive REPL input.
func (s *Session) Write(data []byte) (int, error) {
	s.mu.Lock()
	p := s.port
	state := s.state
	s.mu.Unlock()
	if state != StateConnected && state != StateBusy {
		return 0, fmt.Errorf("device: %s not connected", s.PortID)
	}
	return p.Write(data)
}

// WriteLine writes text followed by a newline, for interactive REPL input.
func (s *Session) WriteLine(text string) error {
	_, err := s.Write([]byte(text + "\n"))
	return err
}

// Interrupt writes Ctrl-C without waiting for a response.
func (s *Session) Interrupt() error {
	_, err := s.Write([]byte{0x03})
	if err == nil {
		s.emit(events.DeviceInterrupted, nil)
	}
	return err
}

// Reset issues a soft reset (Ctrl-D) by default, or a hard reset
// (machine.reset()) when soft is false, per spec.md §9's open-question
// decision. It waits up to 3s for the MicroPython banner or prompt.
func (s *Session) Reset(ctx context.Context, soft bool) error {
	h, err := s.pauseReader()
	if err != nil {
		return err
	}
	defer s.resumeReader(h)

	if soft {
		if _, err := s.writeLocked([]byte{0x04}); err != nil {
			return fmt.Errorf("device: reset write: %w", err)
		}
	} else {
		if _, err := s.writeLocked([]byte("import machine; machine.reset()\r\n")); err != nil {
			return fmt.Errorf("device: reset write: %w", err)
		}
	}

	data, _ := s.readLockedFor(3*time.Second, h)
	s.emit(events.DeviceReset, map[string]interface{}{"soft": soft})

	text := string(data)
	if !strings.Contains(text, "MicroPython") && !strings.Contains(text, ">>>") && len(text) > 0 {
		// Device replied with something unrecognized; not treated as fatal,
		// matching spec.md's non-fatal probe-failure stance.
	}
	return nil
}

// Execute runs source through the raw-REPL codec, pausing the background
// reader for the duration of the exchange. It satisfies filetransfer.Executor
// and is also the path used by interactive "run code" requests (spec.md
// §4.3). Results never surface as a Go error for protocol-level failures;
// callers inspect success/errText as the rawrepl.Result contract specifies.
func (s *Session) Execute(code string, timeout time.Duration) (output string, errText string, success bool) {
	h, err := s.pauseReader()
	if err != nil {
		return "", err.Error(), false
	}
	defer s.resumeReader(h)

	s.mu.Lock()
	p := s.port
	s.mu.Unlock()
	if p == nil {
		return "", "device: not connected", false
	}

	result := s.codec.Execute(p, code, timeout)
	return result.Output, result.Error, result.Success
}

// GetOutput returns a snapshot of the recent output ring, optionally
// clearing it. Grounded on original_source/device.py's get_output(clear).
func (s *Session) GetOutput(clear bool) []string {
	return s.ring.snapshot(clear)
}

// Disconnect cancels the reader, closes the port, and transitions to
// DISCONNECTED.
func (s *Session) Disconnect() error {
	s.mu.Lock()
	p := s.port
	h := s.reader
	s.mu.Unlock()

	if h != nil {
		h.stop()
	}
	var closeErr error
	if p != nil {
		closeErr = p.Close()
	}

	s.mu.Lock()
	s.state = StateDisconnected
	s.port = nil
	s.reader = nil
	s.mu.Unlock()

	s.emit(events.DeviceDisconnected, nil)
	return closeErr
}

// decodeUTF8Lossy decodes data as UTF-8, replacing invalid sequences with
// U+FFFD, matching the reader's "decode as UTF-8 with replacement" contract.
func decodeUTF8Lossy(data []byte) string {
	if utf8.Valid(data) {
		return string(data)
	}
	var b strings.Builder
	for len(data) > 0 {
		r, size := utf8.DecodeRune(data)
		b.WriteRune(r)
		data = data[size:]
	}
	return b.String()
}
