// Package serialio wraps go.bug.st/serial with the read semantics the rest
// of the device-control stack expects: a zero-byte, nil-error read (which
// the underlying library can return on some platforms when a device
// briefly stops producing bytes) is promoted to io.ErrUnexpectedEOF rather
// than silently spinning the caller.
package serialio

import (
	"fmt"
	"io"
	"time"

	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"
)

// Port is the minimal serial transport surface the Device Session depends
// on. It is satisfied by *port (real hardware) and by test fakes.
type Port interface {
	io.ReadWriteCloser
	SetReadTimeout(d time.Duration) error
}

type port struct {
	serial.Port
}

// Open opens the named serial port at the given baud rate, 8-N-1, with a
// short read timeout so the background reader can poll responsively.
func Open(name string, baud int) (Port, error) {
	p, err := serial.Open(name, &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, fmt.Errorf("serialio: open %s: %w", name, err)
	}
	if err := p.SetReadTimeout(100 * time.Millisecond); err != nil {
		p.Close()
		return nil, fmt.Errorf("serialio: set read timeout: %w", err)
	}
	return &port{Port: p}, nil
}

// Read treats a zero-byte, nil-error result as an unexpected EOF instead of
// letting the caller spin on an empty read.
func (p *port) Read(buf []byte) (int, error) {
	n, err := p.Port.Read(buf)
	if n == 0 && err == nil {
		return 0, io.ErrUnexpectedEOF
	}
	return n, err
}

// PortInfo is a USB-enumerated serial port descriptor.
type PortInfo struct {
	Name         string
	IsUSB        bool
	VID          string
	PID          string
	SerialNumber string
	Product      string
}

// List enumerates currently visible serial ports with USB metadata where
// available, via go.bug.st/serial/enumerator.
func List() ([]PortInfo, error) {
	ports, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return nil, fmt.Errorf("serialio: list ports: %w", err)
	}

	out := make([]PortInfo, 0, len(ports))
	for _, p := range ports {
		out = append(out, PortInfo{
			Name:         p.Name,
			IsUSB:        p.IsUSB,
			VID:          p.VID,
			PID:          p.PID,
			SerialNumber: p.SerialNumber,
			Product:      p.Product,
		})
	}
	return out, nil
}
