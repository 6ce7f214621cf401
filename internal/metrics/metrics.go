// Package metrics exposes Prometheus instrumentation for the device-control
// stack, grounded on the teacher's
// internal/escrow/metrics.go promauto.New*Vec style, repurposed to
// device/file/HTTP/websocket concerns instead of economic ones.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every Prometheus metric the server registers.
type Metrics struct {
	DevicesConnected *prometheus.GaugeVec
	DeviceErrors     *prometheus.CounterVec

	REPLExecutions *prometheus.CounterVec
	REPLDuration   *prometheus.HistogramVec

	FileTransferChunks *prometheus.CounterVec
	FileTransferBytes  *prometheus.CounterVec

	PackageInstalls *prometheus.CounterVec

	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec

	WebSocketClients prometheus.Gauge

	LSPRequests *prometheus.CounterVec
}

// New creates and registers all metrics against the default registry via
// promauto, exactly as the teacher does.
func New() *Metrics {
	return &Metrics{
		DevicesConnected: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "pulsar_devices_connected",
				Help: "Number of device sessions currently connected, by port.",
			},
			[]string{"port"},
		),
		DeviceErrors: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pulsar_device_errors_total",
				Help: "Total device-fatal errors, by port.",
			},
			[]string{"port"},
		),
		REPLExecutions: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pulsar_repl_executions_total",
				Help: "Total raw-REPL execute calls, by port and outcome.",
			},
			[]string{"port", "outcome"}, // outcome: success, error
		),
		REPLDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pulsar_repl_duration_seconds",
				Help:    "Duration of raw-REPL execute calls.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"port"},
		),
		FileTransferChunks: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pulsar_file_transfer_chunks_total",
				Help: "Total file-transfer chunks sent, by port and direction.",
			},
			[]string{"port", "direction"}, // direction: read, write
		),
		FileTransferBytes: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pulsar_file_transfer_bytes_total",
				Help: "Total bytes transferred, by port and direction.",
			},
			[]string{"port", "direction"},
		),
		PackageInstalls: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pulsar_package_installs_total",
				Help: "Total package install attempts, by outcome.",
			},
			[]string{"outcome"}, // outcome: success, error
		),
		HTTPRequests: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pulsar_http_requests_total",
				Help: "Total HTTP requests, by route and status class.",
			},
			[]string{"route", "status"},
		),
		HTTPDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pulsar_http_request_duration_seconds",
				Help:    "HTTP request duration, by route.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"route"},
		),
		WebSocketClients: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "pulsar_websocket_clients",
				Help: "Number of currently connected WebSocket clients.",
			},
		),
		LSPRequests: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pulsar_lsp_requests_total",
				Help: "Total LSP proxy requests, by method and outcome.",
			},
			[]string{"method", "outcome"},
		),
	}
}

// RecordREPLExecution records one execute call's outcome and duration.
func (m *Metrics) RecordREPLExecution(port, outcome string, duration time.Duration) {
	m.REPLExecutions.WithLabelValues(port, outcome).Inc()
	m.REPLDuration.WithLabelValues(port).Observe(duration.Seconds())
}

// RecordFileChunk records one file-transfer chunk of n bytes.
func (m *Metrics) RecordFileChunk(port, direction string, n int) {
	m.FileTransferChunks.WithLabelValues(port, direction).Inc()
	m.FileTransferBytes.WithLabelValues(port, direction).Add(float64(n))
}

// RecordHTTPRequest records one HTTP request's route, status class and duration.
func (m *Metrics) RecordHTTPRequest(route, status string, duration time.Duration) {
	m.HTTPRequests.WithLabelValues(route, status).Inc()
	m.HTTPDuration.WithLabelValues(route).Observe(duration.Seconds())
}

// SetDeviceConnected updates the per-port connected gauge.
func (m *Metrics) SetDeviceConnected(port string, connected bool) {
	if connected {
		m.DevicesConnected.WithLabelValues(port).Set(1)
	} else {
		m.DevicesConnected.WithLabelValues(port).Set(0)
	}
}

// RecordDeviceError increments the per-port device-error counter.
func (m *Metrics) RecordDeviceError(port string) {
	m.DeviceErrors.WithLabelValues(port).Inc()
}

// RecordPackageInstall records one install attempt's outcome.
func (m *Metrics) RecordPackageInstall(outcome string) {
	m.PackageInstalls.WithLabelValues(outcome).Inc()
}

// RecordLSPRequest records one LSP proxy request's outcome.
func (m *Metrics) RecordLSPRequest(method, outcome string) {
	m.LSPRequests.WithLabelValues(method, outcome).Inc()
}

// SetWebSocketClients sets the current connected-client gauge.
func (m *Metrics) SetWebSocketClients(n int) {
	m.WebSocketClients.Set(float64(n))
}
