// Package api implements the HTTP Gateway: the REST surface over device
// control, file transfer, folder sync, and the LSP proxy, adapted from the
// teacher's gorilla/mux-based APIServer into the device-control route table
// original_source/src/server/app.py exposes.
package api

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/mateuszsury/pulsar/internal/devicemgr"
	"github.com/mateuszsury/pulsar/internal/foldersync"
	"github.com/mateuszsury/pulsar/internal/lsp"
	"github.com/mateuszsury/pulsar/internal/metrics"
	"github.com/mateuszsury/pulsar/internal/middleware"
)

// Server is the HTTP Gateway: device/file/sync/LSP REST endpoints plus
// metrics and rate limiting.
type Server struct {
	devices *devicemgr.Manager
	lsp     *lsp.Manager
	metrics *metrics.Metrics
	limiter *middleware.RateLimiter

	// WS is mounted at /ws by the caller (cmd/server), kept separate here
	// because wsgateway.Gateway implements its own http.Handler.
	WS http.Handler
}

func New(devices *devicemgr.Manager, lspMgr *lsp.Manager, m *metrics.Metrics, ws http.Handler) *Server {
	return &Server{
		devices: devices,
		lsp:     lspMgr,
		metrics: m,
		limiter: middleware.NewRateLimiter(middleware.RateLimitConfig{MaxCallsPerMinute: 600}),
		WS:      ws,
	}
}

// Router builds the mux.Router implementing spec.md §6's HTTP route table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()

	r.Use(corsMiddleware)
	r.Use(s.limiter.Middleware)
	r.Use(s.metricsMiddleware)

	r.HandleFunc("/api/ports", s.handlePorts).Methods("GET")
	r.HandleFunc("/api/devices", s.handleListDevices).Methods("GET")
	r.HandleFunc("/api/devices/{port}", s.handleGetDevice).Methods("GET")
	r.HandleFunc("/api/devices/{port}/connect", s.handleConnect).Methods("POST")
	r.HandleFunc("/api/devices/{port}/disconnect", s.handleDisconnect).Methods("POST")
	r.HandleFunc("/api/devices/{port}/reset", s.handleReset).Methods("POST")
	r.HandleFunc("/api/devices/{port}/interrupt", s.handleInterrupt).Methods("POST")
	r.HandleFunc("/api/devices/{port}/repl", s.handleREPL).Methods("POST")

	r.HandleFunc("/api/devices/{port}/files", s.handleListFiles).Methods("GET")
	r.HandleFunc("/api/devices/{port}/files/read", s.handleReadFile).Methods("GET")
	r.HandleFunc("/api/devices/{port}/files/write", s.handleWriteFile).Methods("POST")
	r.HandleFunc("/api/devices/{port}/files", s.handleDeleteFile).Methods("DELETE")
	r.HandleFunc("/api/devices/{port}/files/mkdir", s.handleMkdir).Methods("POST")

	r.HandleFunc("/api/devices/{port}/sync/compare", s.handleSyncCompare).Methods("POST")
	r.HandleFunc("/api/devices/{port}/sync/upload", s.handleSyncUpload).Methods("POST")

	r.HandleFunc("/api/devices/{port}/packages/install", s.handlePackageInstall).Methods("POST")
	r.HandleFunc("/api/devices/{port}/packages/uninstall", s.handlePackageUninstall).Methods("POST")

	r.HandleFunc("/api/lsp/status", s.handleLSPStatus).Methods("GET")
	r.HandleFunc("/api/lsp/initialize", s.handleLSPInitialize).Methods("POST")
	r.HandleFunc("/api/lsp/completion", s.handleLSPRequest("textDocument/completion")).Methods("POST")
	r.HandleFunc("/api/lsp/hover", s.handleLSPRequest("textDocument/hover")).Methods("POST")
	r.HandleFunc("/api/lsp/definition", s.handleLSPRequest("textDocument/definition")).Methods("POST")
	r.HandleFunc("/api/lsp/signature", s.handleLSPRequest("textDocument/signatureHelp")).Methods("POST")
	r.HandleFunc("/api/lsp/didOpen", s.handleLSPNotify("textDocument/didOpen")).Methods("POST")
	r.HandleFunc("/api/lsp/didChange", s.handleLSPNotify("textDocument/didChange")).Methods("POST")
	r.HandleFunc("/api/lsp/didClose", s.handleLSPNotify("textDocument/didClose")).Methods("POST")
	r.HandleFunc("/api/lsp/shutdown", s.handleLSPShutdown).Methods("POST")

	if s.WS != nil {
		r.Handle("/ws", s.WS)
	}

	return r
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-Client-ID")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		route := r.URL.Path
		if t, err := mux.CurrentRoute(r).GetPathTemplate(); err == nil {
			route = t
		}
		s.metrics.RecordHTTPRequest(route, strconv.Itoa(rec.status/100*100), time.Since(start))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func portVar(r *http.Request) string {
	return mux.Vars(r)["port"]
}

// --- Port discovery ---

func (s *Server) handlePorts(w http.ResponseWriter, r *http.Request) {
	ports, err := s.devices.ScanPorts()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, ports)
}

// --- Devices ---

type deviceView struct {
	Port        string    `json:"port"`
	State       string    `json:"state"`
	Firmware    string    `json:"firmware,omitempty"`
	Machine     string    `json:"machine,omitempty"`
	Platform    string    `json:"platform,omitempty"`
	LastError   string    `json:"last_error,omitempty"`
	ConnectedAt time.Time `json:"connected_at,omitempty"`
}

func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	sessions := s.devices.Sessions()
	views := make([]deviceView, 0, len(sessions))
	for _, sess := range sessions {
		info := sess.Info()
		views = append(views, deviceView{
			Port: sess.PortID, State: string(sess.State()),
			Firmware: info.Firmware, Machine: info.Machine, Platform: info.Platform,
			LastError: info.LastError, ConnectedAt: info.ConnectedAt,
		})
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	port := portVar(r)
	sess, ok := s.devices.GetSession(port)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("device %s not connected", port))
		return
	}
	info := sess.Info()
	writeJSON(w, http.StatusOK, deviceView{
		Port: sess.PortID, State: string(sess.State()),
		Firmware: info.Firmware, Machine: info.Machine, Platform: info.Platform,
		LastError: info.LastError, ConnectedAt: info.ConnectedAt,
	})
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	port := portVar(r)
	var body struct {
		BaudRate int `json:"baudrate"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)

	if err := s.devices.Connect(port, body.BaudRate); err != nil {
		s.metrics.RecordDeviceError(port)
		writeError(w, http.StatusBadRequest, err)
		return
	}
	s.metrics.SetDeviceConnected(port, true)
	writeJSON(w, http.StatusOK, map[string]string{"status": "connected", "port": port})
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	port := portVar(r)
	if err := s.devices.Disconnect(port); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	s.metrics.SetDeviceConnected(port, false)
	writeJSON(w, http.StatusOK, map[string]string{"status": "disconnected", "port": port})
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	port := portVar(r)
	sess, ok := s.devices.GetSession(port)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("device %s not connected", port))
		return
	}
	body := struct {
		Soft *bool `json:"soft"`
	}{}
	_ = json.NewDecoder(r.Body).Decode(&body)
	soft := true
	if body.Soft != nil {
		soft = *body.Soft
	}
	if err := sess.Reset(r.Context(), soft); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

func (s *Server) handleInterrupt(w http.ResponseWriter, r *http.Request) {
	port := portVar(r)
	if err := s.devices.Interrupt(port); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "interrupted"})
}

func (s *Server) handleREPL(w http.ResponseWriter, r *http.Request) {
	port := portVar(r)
	var body struct {
		Code    string `json:"code"`
		Timeout int    `json:"timeout"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	timeout := 10 * time.Second
	if body.Timeout > 0 {
		timeout = time.Duration(body.Timeout) * time.Second
	}

	start := time.Now()
	output, errText, success := s.devices.Execute(port, body.Code, timeout)
	outcome := "success"
	if !success {
		outcome = "error"
	}
	s.metrics.RecordREPLExecution(port, outcome, time.Since(start))

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"output":  output,
		"error":   errText,
		"success": success,
	})
}

// --- Files ---

func (s *Server) handleListFiles(w http.ResponseWriter, r *http.Request) {
	port := portVar(r)
	ft, err := s.devices.Files(port)
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	path := r.URL.Query().Get("path")
	if path == "" {
		path = "/"
	}
	entries, err := ft.List(path)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleReadFile(w http.ResponseWriter, r *http.Request) {
	port := portVar(r)
	ft, err := s.devices.Files(port)
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	path := r.URL.Query().Get("path")
	if path == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("missing path"))
		return
	}
	data, err := ft.Read(path, nil)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.metrics.RecordFileChunk(port, "read", len(data))

	content, binary := decodeFileContent(data)
	writeJSON(w, http.StatusOK, map[string]interface{}{"content": content, "binary": binary})
}

func (s *Server) handleWriteFile(w http.ResponseWriter, r *http.Request) {
	port := portVar(r)
	ft, err := s.devices.Files(port)
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	var body struct {
		Path    string `json:"path"`
		Content string `json:"content"`
		Binary  bool   `json:"binary"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	data, err := encodeFileContent(body.Content, body.Binary)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := ft.Write(body.Path, data, true, nil); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.metrics.RecordFileChunk(port, "write", len(data))
	writeJSON(w, http.StatusOK, map[string]string{"status": "written"})
}

func (s *Server) handleDeleteFile(w http.ResponseWriter, r *http.Request) {
	port := portVar(r)
	ft, err := s.devices.Files(port)
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	path := r.URL.Query().Get("path")
	if path == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("missing path"))
		return
	}
	if err := ft.Delete(path); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleMkdir(w http.ResponseWriter, r *http.Request) {
	port := portVar(r)
	ft, err := s.devices.Files(port)
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	var body struct {
		Path string `json:"path"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := ft.Mkdir(body.Path); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "created"})
}

// --- Folder sync ---

func (s *Server) handleSyncCompare(w http.ResponseWriter, r *http.Request) {
	port := portVar(r)
	eng, sess, err := s.syncEngine(port)
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	var body struct {
		Folder string `json:"folder"`
		Remote string `json:"remote"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if body.Remote == "" {
		body.Remote = "/"
	}
	files, err := eng.Compare(sess, body.Folder, body.Remote)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, files)
}

func (s *Server) handleSyncUpload(w http.ResponseWriter, r *http.Request) {
	port := portVar(r)
	eng, sess, err := s.syncEngine(port)
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	var body struct {
		Folder string `json:"folder"`
		Remote string `json:"remote"`
		DryRun bool   `json:"dry_run"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if body.Remote == "" {
		body.Remote = "/"
	}
	result := eng.Sync(sess, body.Folder, body.Remote, body.DryRun)
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) syncEngine(port string) (*foldersync.Engine, interface {
	Execute(code string, timeout time.Duration) (string, string, bool)
}, error) {
	eng, err := s.devices.Sync(port)
	if err != nil {
		return nil, nil, err
	}
	sess, ok := s.devices.GetSession(port)
	if !ok {
		return nil, nil, fmt.Errorf("device %s not connected", port)
	}
	return eng, sess, nil
}

// --- Packages ---

func (s *Server) handlePackageInstall(w http.ResponseWriter, r *http.Request) {
	port := portVar(r)
	inst, err := s.devices.Packages(port)
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	var body struct {
		Package string `json:"package"`
		GitHub  string `json:"github_url"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	var installErr error
	if body.GitHub != "" {
		installErr = inst.InstallFromGitHub(body.GitHub)
	} else {
		installErr = inst.Install(body.Package)
	}
	outcome := "success"
	if installErr != nil {
		outcome = "error"
	}
	s.metrics.RecordPackageInstall(outcome)
	if installErr != nil {
		writeError(w, http.StatusInternalServerError, installErr)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "installed"})
}

func (s *Server) handlePackageUninstall(w http.ResponseWriter, r *http.Request) {
	port := portVar(r)
	inst, err := s.devices.Packages(port)
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	var body struct {
		Package string `json:"package"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := inst.Uninstall(body.Package); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "uninstalled"})
}

// --- LSP ---

func (s *Server) handleLSPStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"running":     s.lsp != nil,
		"initialized": s.lsp != nil,
	})
}

func (s *Server) handleLSPInitialize(w http.ResponseWriter, r *http.Request) {
	var body struct {
		RootURI string `json:"root_uri"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	if body.RootURI == "" {
		body.RootURI = "file:///"
	}
	caps, err := s.lsp.Initialize(body.RootURI)
	if err != nil {
		s.metrics.RecordLSPRequest("initialize", "error")
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.metrics.RecordLSPRequest("initialize", "success")
	writeJSON(w, http.StatusOK, map[string]interface{}{"capabilities": caps})
}

func (s *Server) handleLSPRequest(method string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var params json.RawMessage
		if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		result, err := s.lsp.HandleRequest("http", method, params)
		outcome := "success"
		if err != nil {
			outcome = "error"
		}
		s.metrics.RecordLSPRequest(method, outcome)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"result": result})
	}
}

func (s *Server) handleLSPNotify(method string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var params json.RawMessage
		if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		if err := s.lsp.HandleNotification("http", method, params); err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

func (s *Server) handleLSPShutdown(w http.ResponseWriter, r *http.Request) {
	if err := s.lsp.Shutdown(); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "shutdown"})
}

// Start runs the HTTP server on port until the process exits.
func (s *Server) Start(port int) error {
	addr := fmt.Sprintf(":%d", port)
	log.Printf("api: HTTP gateway listening on %s", addr)
	return http.ListenAndServe(addr, s.Router())
}
