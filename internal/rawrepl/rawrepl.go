// Package rawrepl implements the MicroPython raw-REPL framed protocol:
// entering/exiting raw mode and the OK<stdout>\x04<stderr>\x04> execute
// dialogue, per spec.md §4.3.
package rawrepl

import (
	"bytes"
	"fmt"
	"strings"
	"sync"
	"time"
)

const (
	ctrlA = 0x01 // enter raw mode
	ctrlB = 0x02 // exit raw mode
	ctrlC = 0x03 // interrupt
	ctrlD = 0x04 // submit / EOT
)

// Transport is the minimal byte-level surface the codec needs. Device
// sessions provide this by pausing their reader and handing over the raw
// port for the duration of a call.
type Transport interface {
	Write(p []byte) (int, error)
	Read(p []byte) (int, error)
}

// Result is the outcome of an execute call.
type Result struct {
	Output  string
	Error   string
	Success bool
}

// Codec drives the raw-REPL dialogue over a Transport. One Codec should be
// used per device; its mutex serializes concurrent Execute callers onto one
// device so two clients never interleave their exchanges (spec.md §5).
type Codec struct {
	mu         sync.Mutex
	inRawMode  bool
	maxBytes   int // per-execute accumulation cap, spec.md §9 Open Question 1
}

// New creates a Codec. maxBytes <= 0 defaults to 16 MiB per spec.md §9.
func New(maxBytes int) *Codec {
	if maxBytes <= 0 {
		maxBytes = 16 * 1024 * 1024
	}
	return &Codec{maxBytes: maxBytes}
}

// EnterRaw writes Ctrl-C then Ctrl-A and waits for the raw-mode marker.
func (c *Codec) EnterRaw(t Transport) error {
	if _, err := t.Write([]byte{ctrlC}); err != nil {
		return fmt.Errorf("rawrepl: interrupt before enter: %w", err)
	}
	drain(t, 50*time.Millisecond)

	if _, err := t.Write([]byte{ctrlA}); err != nil {
		return fmt.Errorf("rawrepl: write enter-raw: %w", err)
	}

	data, err := readFor(t, time.Second, nil)
	if err != nil {
		return fmt.Errorf("rawrepl: read enter-raw response: %w", err)
	}
	text := string(data)
	if !strings.Contains(text, "raw REPL") && !strings.Contains(text, ">") {
		return fmt.Errorf("rawrepl: failed to enter raw REPL")
	}

	c.inRawMode = true
	return nil
}

// ExitRaw writes Ctrl-B and clears raw-mode state.
func (c *Codec) ExitRaw(t Transport) error {
	_, err := t.Write([]byte{ctrlB})
	c.inRawMode = false
	return err
}

// InRawMode reports whether the codec believes it is currently in raw mode.
func (c *Codec) InRawMode() bool {
	return c.inRawMode
}

// Execute runs source on the device and returns its structured result. It
// never returns a Go error for protocol-level failures (spec.md §7);
// failures are carried in Result.Error/Success. t must already have its
// background reader paused by the caller (device.Session.pauseReader);
// Execute only performs synchronous reads on it.
func (c *Codec) Execute(t Transport, source string, timeout time.Duration) Result {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.inRawMode {
		if err := c.EnterRaw(t); err != nil {
			return Result{Success: false, Error: "failed to enter raw REPL"}
		}
	}

	drain(t, 20*time.Millisecond)

	if _, err := t.Write([]byte(source)); err != nil {
		return Result{Success: false, Error: fmt.Sprintf("write failed: %v", err)}
	}
	if _, err := t.Write([]byte{ctrlD}); err != nil {
		return Result{Success: false, Error: fmt.Sprintf("submit failed: %v", err)}
	}

	ackDeadline := time.Now().Add(2 * time.Second)
	if !readUntilContains(t, "OK", ackDeadline) {
		return Result{Success: false, Error: "device did not acknowledge with OK"}
	}

	payload, ok := c.readUntilTerminator(t, timeout)
	if !ok {
		return Result{Success: false, Error: "timeout"}
	}

	return splitPayload(payload)
}

// readUntilContains reads until the accumulated buffer contains needle or
// the deadline passes.
func readUntilContains(t Transport, needle string, deadline time.Time) bool {
	var buf bytes.Buffer
	chunk := make([]byte, 256)
	for time.Now().Before(deadline) {
		n, err := t.Read(chunk)
		if n > 0 {
			buf.Write(chunk[:n])
			if strings.Contains(buf.String(), needle) {
				return true
			}
		}
		if err != nil {
			continue
		}
	}
	return false
}

// readUntilTerminator reads until the accumulated payload ends with the
// two-byte sequence \x04>, enforcing both the caller timeout and the
// codec's maxBytes accumulation cap (spec.md §9 Open Question 1).
func (c *Codec) readUntilTerminator(t Transport, timeout time.Duration) ([]byte, bool) {
	var buf bytes.Buffer
	chunk := make([]byte, 1024)
	deadline := time.Now().Add(timeout)

	for time.Now().Before(deadline) {
		n, err := t.Read(chunk)
		if n > 0 {
			buf.Write(chunk[:n])
			if buf.Len() > c.maxBytes {
				return nil, false
			}
			if hasTerminator(buf.Bytes()) {
				return buf.Bytes(), true
			}
		}
		if err != nil {
			continue
		}
	}
	return nil, false
}

func hasTerminator(b []byte) bool {
	return len(b) >= 2 && b[len(b)-2] == ctrlD && b[len(b)-1] == '>'
}

// splitPayload splits the accumulated payload (after the leading "OK" has
// already been consumed) into stdout and stderr. The wire shape is
// <stdout>\x04<stderr>\x04>, so the trailing terminator is stripped first;
// otherwise its leading 0x04 would be mistaken for the stdout/stderr
// separator whenever stderr is non-empty.
func splitPayload(payload []byte) Result {
	body := bytes.TrimSuffix(payload, []byte{ctrlD, '>'})

	parts := bytes.SplitN(body, []byte{ctrlD}, 2)
	output := ""
	if len(parts) > 0 {
		output = string(parts[0])
	}
	errText := ""
	if len(parts) > 1 {
		errText = string(parts[1])
	}
	return Result{
		Output:  output,
		Error:   errText,
		Success: errText == "",
	}
}

// SoftReset writes Ctrl-D outside raw mode and waits for the banner.
func (c *Codec) SoftReset(t Transport) Result {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.inRawMode = false
	if _, err := t.Write([]byte{ctrlD}); err != nil {
		return Result{Success: false, Error: err.Error()}
	}
	data, _ := readFor(t, 3*time.Second, nil)
	return Result{Output: string(data), Success: true}
}

// ExecuteFriendly is the fallback path used only when raw mode is
// unreachable: it exits raw mode, writes each line with CRLF, and
// classifies the captured text as a failure if it contains a traceback or
// error marker.
func (c *Codec) ExecuteFriendly(t Transport, source string) Result {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.inRawMode {
		_, _ = t.Write([]byte{ctrlB})
		c.inRawMode = false
	}

	for _, line := range strings.Split(source, "\n") {
		if _, err := t.Write([]byte(line + "\r\n")); err != nil {
			return Result{Success: false, Error: err.Error()}
		}
		time.Sleep(500 * time.Millisecond)
	}

	data, _ := readFor(t, 2*time.Second, nil)
	text := string(data)
	if strings.Contains(text, "Traceback") || strings.Contains(text, "Error") {
		return Result{Output: text, Success: false, Error: "device reported an error"}
	}
	return Result{Output: text, Success: true}
}

func drain(t Transport, for_ time.Duration) {
	readFor(t, for_, nil)
}

func readFor(t Transport, d time.Duration, into *bytes.Buffer) ([]byte, error) {
	buf := into
	if buf == nil {
		buf = &bytes.Buffer{}
	}
	chunk := make([]byte, 256)
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		n, err := t.Read(chunk)
		if n > 0 {
			buf.Write(chunk[:n])
		}
		if err != nil {
			continue
		}
	}
	return buf.Bytes(), nil
}
