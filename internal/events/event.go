// Package events implements the system's typed publish/subscribe event bus.
package events

import (
	"strings"
	"time"
)

// Kind is the closed enumeration of event kinds that can cross the bus.
type Kind string

const (
	PortAdded          Kind = "PORT_ADDED"
	PortRemoved        Kind = "PORT_REMOVED"
	Inventory          Kind = "INVENTORY"
	DeviceConnecting   Kind = "DEVICE_CONNECTING"
	DeviceConnected    Kind = "DEVICE_CONNECTED"
	DeviceDisconnected Kind = "DEVICE_DISCONNECTED"
	DeviceError        Kind = "DEVICE_ERROR"
	DeviceOutput       Kind = "DEVICE_OUTPUT"
	DeviceReset        Kind = "DEVICE_RESET"
	DeviceInterrupted  Kind = "DEVICE_INTERRUPTED"
	FileProgress       Kind = "FILE_PROGRESS"
	FileUploaded       Kind = "FILE_UPLOADED"
	FileDownloaded     Kind = "FILE_DOWNLOADED"
	FileDeleted        Kind = "FILE_DELETED"
	PackageProgress    Kind = "PACKAGE_PROGRESS"
	PackageComplete    Kind = "PACKAGE_COMPLETE"
	PackageError       Kind = "PACKAGE_ERROR"
	WifiScanResult     Kind = "WIFI_SCAN_RESULT"
	WifiConnected      Kind = "WIFI_CONNECTED"
	WifiDisconnected   Kind = "WIFI_DISCONNECTED"
	LSPInitialized     Kind = "LSP_INITIALIZED"
	LSPDiagnostics     Kind = "LSP_DIAGNOSTICS"
	LSPError           Kind = "LSP_ERROR"
	LSPShutdown        Kind = "LSP_SHUTDOWN"
	AppReady           Kind = "APP_READY"
	AppShutdown        Kind = "APP_SHUTDOWN"
	ConfigChanged      Kind = "CONFIG_CHANGED"
)

// Topic derives the wire topic string for a Kind by lowercasing it and
// replacing the first underscore with a colon, e.g. DEVICE_OUTPUT ->
// "device:output". This is the single total function spec.md §9 calls for;
// every wire-facing component must go through it rather than reinventing
// the transform.
func Topic(k Kind) string {
	lower := strings.ToLower(string(k))
	if idx := strings.IndexByte(lower, '_'); idx >= 0 {
		return lower[:idx] + ":" + lower[idx+1:]
	}
	return lower
}

// Event is a single message carried on the bus.
type Event struct {
	Kind      Kind                   `json:"-"`
	Topic     string                 `json:"type"`
	Payload   map[string]interface{} `json:"data"`
	Timestamp time.Time              `json:"timestamp"`
	Source    string                 `json:"source"`
}

// New builds an Event, deriving its wire Topic from Kind.
func New(kind Kind, source string, payload map[string]interface{}) Event {
	if payload == nil {
		payload = map[string]interface{}{}
	}
	return Event{
		Kind:      kind,
		Topic:     Topic(kind),
		Payload:   payload,
		Timestamp: time.Now(),
		Source:    source,
	}
}
