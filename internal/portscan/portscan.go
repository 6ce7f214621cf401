// Package portscan implements Port Discovery: one-shot scans, the ESP
// USB-serial family predicate, and a polling watch loop that reports added
// and removed ports. Grounded on
// original_source/src/serial_comm/discovery.py.
package portscan

import (
	"context"
	"log"
	"strings"
	"time"

	"github.com/mateuszsury/pulsar/internal/events"
	"github.com/mateuszsury/pulsar/internal/serialio"
)

// espVIDs are common ESP32/ESP8266 USB-serial bridge chip vendor IDs.
var espVIDs = map[string]bool{
	"10C4": true, // Silicon Labs CP210x
	"1A86": true, // QinHeng CH340
	"0403": true, // FTDI
	"303A": true, // Espressif native USB
}

var espKeywords = []string{"cp210", "ch340", "ftdi", "esp32", "usb-serial"}

// Port mirrors serialio.PortInfo plus the derived IsESPFamily predicate.
type Port struct {
	Name         string
	IsUSB        bool
	VID          string
	PID          string
	SerialNumber string
	Product      string
	IsESPFamily  bool
}

// Lister abstracts serialio.List for tests.
type Lister func() ([]serialio.PortInfo, error)

func fromPortInfo(p serialio.PortInfo) Port {
	return Port{
		Name:         p.Name,
		IsUSB:        p.IsUSB,
		VID:          strings.ToUpper(p.VID),
		PID:          strings.ToUpper(p.PID),
		SerialNumber: p.SerialNumber,
		Product:      p.Product,
		IsESPFamily:  isESPFamily(p),
	}
}

func isESPFamily(p serialio.PortInfo) bool {
	if espVIDs[strings.ToUpper(p.VID)] {
		return true
	}
	product := strings.ToLower(p.Product)
	for _, kw := range espKeywords {
		if strings.Contains(product, kw) {
			return true
		}
	}
	return false
}

// Scanner performs scans and watches for port changes.
type Scanner struct {
	list Lister
	bus  *events.Bus

	known map[string]bool
}

// New creates a Scanner. bus may be nil if change events aren't needed.
func New(bus *events.Bus) *Scanner {
	return &Scanner{
		list:  func() ([]serialio.PortInfo, error) { return serialio.List() },
		bus:   bus,
		known: map[string]bool{},
	}
}

// NewWithLister is used by tests to substitute a fake enumerator.
func NewWithLister(bus *events.Bus, list Lister) *Scanner {
	return &Scanner{list: list, bus: bus, known: map[string]bool{}}
}

// Scan returns all currently present serial ports.
func (s *Scanner) Scan() ([]Port, error) {
	infos, err := s.list()
	if err != nil {
		return nil, err
	}
	ports := make([]Port, 0, len(infos))
	for _, info := range infos {
		ports = append(ports, fromPortInfo(info))
	}
	return ports, nil
}

// ScanFamily returns only the ESP-family ports from a Scan.
func (s *Scanner) ScanFamily() ([]Port, error) {
	all, err := s.Scan()
	if err != nil {
		return nil, err
	}
	var filtered []Port
	for _, p := range all {
		if p.IsESPFamily {
			filtered = append(filtered, p)
		}
	}
	return filtered, nil
}

// Watch polls every interval until ctx is cancelled, emitting PortAdded and
// PortRemoved events for ports that appear or disappear between polls.
func (s *Scanner) Watch(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 2 * time.Second
	}

	if initial, err := s.Scan(); err == nil {
		for _, p := range initial {
			s.known[p.Name] = true
		}
		if s.bus != nil {
			s.bus.Emit(events.Inventory, "", map[string]interface{}{"ports": initial})
		}
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.pollOnce()
		}
	}
}

func (s *Scanner) pollOnce() {
	current, err := s.Scan()
	if err != nil {
		log.Printf("portscan: scan error: %v", err)
		return
	}

	currentSet := map[string]bool{}
	for _, p := range current {
		currentSet[p.Name] = true
	}

	for name := range currentSet {
		if !s.known[name] {
			s.emit(events.PortAdded, name)
		}
	}
	for name := range s.known {
		if !currentSet[name] {
			s.emit(events.PortRemoved, name)
		}
	}
	s.known = currentSet
}

func (s *Scanner) emit(kind events.Kind, portName string) {
	if s.bus == nil {
		return
	}
	s.bus.Emit(kind, portName, map[string]interface{}{"port": portName})
}
