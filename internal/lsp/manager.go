package lsp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/mateuszsury/pulsar/internal/events"
)

// DiagnosticsFunc receives (documentURI, diagnostics) from
// textDocument/publishDiagnostics notifications.
type DiagnosticsFunc func(uri string, diagnostics []map[string]interface{})

// Manager owns one Pyright subprocess and the request/response
// correlation needed to drive it as a language server.
type Manager struct {
	stubsDir        string
	requestTimeout  time.Duration
	shutdownTimeout time.Duration
	bus             *events.Bus
	onDiagnostics   DiagnosticsFunc

	mu          sync.Mutex
	cmd         *exec.Cmd
	stdin       io.WriteCloser
	nextID      int
	pending     map[int]chan Message
	initialized bool
}

// Config carries LSP tunables, mirroring internal/config.LSPConfig without
// creating an import-cycle dependency on the config package.
type Config struct {
	RequestTimeout  time.Duration
	ShutdownTimeout time.Duration
	StubsDir        string
}

func New(cfg Config, bus *events.Bus, onDiagnostics DiagnosticsFunc) *Manager {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 5 * time.Second
	}
	return &Manager{
		stubsDir:        cfg.StubsDir,
		requestTimeout:  cfg.RequestTimeout,
		shutdownTimeout: cfg.ShutdownTimeout,
		bus:             bus,
		onDiagnostics:   onDiagnostics,
		pending:         map[int]chan Message{},
	}
}

func (m *Manager) emit(kind events.Kind, payload map[string]interface{}) {
	if m.bus == nil {
		return
	}
	m.bus.Emit(kind, "lsp", payload)
}

// Start launches `python -m pyright --langserver` and begins reading its
// stdout for framed JSON-RPC messages.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.cmd != nil {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	cmd := exec.CommandContext(ctx, "python", "-m", "pyright", "--langserver")
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("lsp: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("lsp: stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		m.emit(events.LSPError, map[string]interface{}{"error": err.Error()})
		return fmt.Errorf("lsp: start pyright: %w", err)
	}

	m.mu.Lock()
	m.cmd = cmd
	m.stdin = stdin
	m.mu.Unlock()

	go m.readLoop(bufio.NewReader(stdout))

	log.Printf("lsp: pyright started (pid %d)", cmd.Process.Pid)
	return nil
}

// Initialize sends the initialize request with MicroPython stub paths
// configured, then the initialized notification.
func (m *Manager) Initialize(rootURI string) (map[string]interface{}, error) {
	m.mu.Lock()
	if m.initialized {
		m.mu.Unlock()
		return map[string]interface{}{}, nil
	}
	m.mu.Unlock()

	stubPath := filepath.Join(m.stubsDir, "micropython")
	params := map[string]interface{}{
		"processId": nil,
		"rootUri":   rootURI,
		"capabilities": map[string]interface{}{
			"textDocument": map[string]interface{}{
				"completion": map[string]interface{}{
					"completionItem": map[string]interface{}{
						"snippetSupport":     true,
						"documentationFormat": []string{"markdown", "plaintext"},
					},
				},
				"hover":         map[string]interface{}{"contentFormat": []string{"markdown", "plaintext"}},
				"signatureHelp": map[string]interface{}{"signatureInformation": map[string]interface{}{"documentationFormat": []string{"markdown", "plaintext"}}},
				"publishDiagnostics": map[string]interface{}{"relatedInformation": true},
			},
			"workspace": map[string]interface{}{"configuration": true},
		},
		"initializationOptions": map[string]interface{}{
			"python.analysis.extraPaths":      []string{stubPath},
			"python.analysis.stubPath":        stubPath,
			"python.analysis.typeCheckingMode": "basic",
			"python.analysis.diagnosticMode":   "openFilesOnly",
		},
	}

	result, err := m.SendRequest("initialize", params, m.requestTimeout)
	if err != nil {
		return nil, err
	}

	if err := m.SendNotification("initialized", map[string]interface{}{}); err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.initialized = true
	m.mu.Unlock()

	m.emit(events.LSPInitialized, nil)

	var decoded map[string]interface{}
	if len(result.Result) == 0 {
		return map[string]interface{}{}, nil
	}
	if err := json.Unmarshal(result.Result, &decoded); err != nil {
		return map[string]interface{}{}, nil
	}
	return decoded, nil
}

// SendRequest writes a framed request and blocks for the correlated
// response or timeout.
func (m *Manager) SendRequest(method string, params interface{}, timeout time.Duration) (Message, error) {
	m.mu.Lock()
	if m.stdin == nil {
		m.mu.Unlock()
		return Message{}, fmt.Errorf("lsp: not running")
	}
	m.nextID++
	id := m.nextID
	ch := make(chan Message, 1)
	m.pending[id] = ch
	stdin := m.stdin
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		delete(m.pending, id)
		m.mu.Unlock()
	}()

	req := NewRequest(id, method, params)
	data, err := Encode(req)
	if err != nil {
		return Message{}, err
	}
	if _, err := stdin.Write(data); err != nil {
		return Message{}, fmt.Errorf("lsp: write request: %w", err)
	}

	if timeout <= 0 {
		timeout = m.requestTimeout
	}
	select {
	case resp := <-ch:
		if resp.Error != nil {
			return resp, fmt.Errorf("lsp: error %d: %s", resp.Error.Code, resp.Error.Message)
		}
		return resp, nil
	case <-time.After(timeout):
		return Message{}, fmt.Errorf("lsp: request %d (%s) timed out", id, method)
	}
}

// SendNotification writes a framed notification; no response is awaited.
func (m *Manager) SendNotification(method string, params interface{}) error {
	m.mu.Lock()
	stdin := m.stdin
	m.mu.Unlock()
	if stdin == nil {
		return nil
	}

	data, err := Encode(NewNotification(method, params))
	if err != nil {
		return err
	}
	_, err = stdin.Write(data)
	return err
}

func (m *Manager) readLoop(r *bufio.Reader) {
	for {
		msg, err := Decode(r)
		if err != nil {
			if err != io.EOF {
				log.Printf("lsp: read error: %v", err)
			}
			return
		}
		m.handleMessage(msg)
	}
}

func (m *Manager) handleMessage(msg Message) {
	if msg.ID != nil && msg.Method == "" {
		m.mu.Lock()
		ch, ok := m.pending[*msg.ID]
		m.mu.Unlock()
		if ok {
			ch <- msg
		}
		return
	}

	if msg.Method == "" {
		return
	}

	switch msg.Method {
	case "textDocument/publishDiagnostics":
		var params struct {
			URI         string                   `json:"uri"`
			Diagnostics []map[string]interface{} `json:"diagnostics"`
		}
		if err := json.Unmarshal(msg.Params, &params); err == nil {
			m.emit(events.LSPDiagnostics, map[string]interface{}{
				"uri":         params.URI,
				"diagnostics": params.Diagnostics,
			})
			if m.onDiagnostics != nil {
				m.onDiagnostics(params.URI, params.Diagnostics)
			}
		}
	case "window/logMessage":
		var params struct {
			Type    int    `json:"type"`
			Message string `json:"message"`
		}
		if err := json.Unmarshal(msg.Params, &params); err == nil && params.Type == 1 {
			log.Printf("lsp: server error: %s", params.Message)
		}
	}
}

// Shutdown sends the LSP shutdown/exit dialogue, then terminates the
// subprocess, waiting up to shutdownTimeout before killing it outright.
func (m *Manager) Shutdown() error {
	m.mu.Lock()
	cmd := m.cmd
	m.mu.Unlock()
	if cmd == nil {
		return nil
	}

	_, _ = m.SendRequest("shutdown", nil, 5*time.Second)
	_ = m.SendNotification("exit", nil)

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	select {
	case <-done:
	case <-time.After(m.shutdownTimeout):
		_ = cmd.Process.Kill()
		<-done
	}

	m.mu.Lock()
	m.cmd = nil
	m.stdin = nil
	m.initialized = false
	for id, ch := range m.pending {
		select {
		case ch <- Message{JSONRPC: "2.0", ID: &id, Error: &RPCError{Code: -32800, Message: "request cancelled: lsp proxy shutting down"}}:
		default:
		}
		close(ch)
		delete(m.pending, id)
	}
	m.mu.Unlock()

	m.emit(events.LSPShutdown, nil)
	return nil
}
