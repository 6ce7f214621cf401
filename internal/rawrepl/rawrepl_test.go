package rawrepl

import (
	"bytes"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeTransport simulates a MicroPython device speaking the raw-REPL
// protocol: writing ctrlA yields the raw-mode banner, writing ctrlD submits
// whatever source was buffered since the last control byte and yields a
// scripted OK<stdout>\x04<stderr>\x04> response.
type fakeTransport struct {
	mu      sync.Mutex
	toRead  bytes.Buffer
	pending bytes.Buffer
}

func (f *fakeTransport) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, b := range p {
		switch b {
		case ctrlC, ctrlB:
			// no scripted response needed
		case ctrlA:
			f.toRead.WriteString("raw REPL; CTRL-B to exit\r\n>")
		case ctrlD:
			code := f.pending.String()
			f.pending.Reset()
			f.toRead.WriteString(f.response(code))
		default:
			f.pending.WriteByte(b)
		}
	}
	return len(p), nil
}

func (f *fakeTransport) response(code string) string {
	if strings.Contains(code, "raise") {
		return "OK\x04Traceback (most recent call last):\nRuntimeError: boom\n\x04>"
	}
	return "OKhello\n\x04\x04>"
}

// Read trickles back one byte per call, mirroring a real UART delivering
// bytes individually rather than handing back an entire response in one
// read — this matters because readUntilContains would otherwise swallow
// bytes belonging to the payload while only looking for "OK".
func (f *fakeTransport) Read(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.toRead.Len() == 0 || len(p) == 0 {
		return 0, nil
	}
	b, err := f.toRead.ReadByte()
	if err != nil {
		return 0, nil
	}
	p[0] = b
	return 1, nil
}

func TestCodecExecuteSuccess(t *testing.T) {
	c := New(0)
	tr := &fakeTransport{}

	result := c.Execute(tr, "print('hi')", 2*time.Second)

	require.True(t, result.Success)
	assert.Equal(t, "hello\n", result.Output)
	assert.Empty(t, result.Error)
	assert.True(t, c.InRawMode())
}

func TestCodecExecuteDeviceError(t *testing.T) {
	c := New(0)
	tr := &fakeTransport{}

	result := c.Execute(tr, "raise RuntimeError('boom')", 2*time.Second)

	require.False(t, result.Success)
	assert.Contains(t, result.Error, "RuntimeError: boom")
}

func TestCodecExecuteReusesRawMode(t *testing.T) {
	c := New(0)
	tr := &fakeTransport{}

	first := c.Execute(tr, "print(1)", time.Second)
	require.True(t, first.Success)

	second := c.Execute(tr, "print(2)", time.Second)
	require.True(t, second.Success)
}

func TestCodecExecuteAccumulationCap(t *testing.T) {
	c := New(4) // tiny cap forces overflow before the terminator arrives
	tr := &fakeTransport{}

	result := c.Execute(tr, "print('hi')", time.Second)

	require.False(t, result.Success)
}

func TestSplitPayloadNoError(t *testing.T) {
	result := splitPayload([]byte("stdout text\x04\x04>"))
	assert.True(t, result.Success)
	assert.Equal(t, "stdout text", result.Output)
}

func TestSplitPayloadWithError(t *testing.T) {
	result := splitPayload([]byte("\x04some error\x04>"))
	assert.False(t, result.Success)
	assert.Equal(t, "some error", result.Error)
}

func TestHasTerminator(t *testing.T) {
	assert.True(t, hasTerminator([]byte{0x04, '>'}))
	assert.False(t, hasTerminator([]byte("no terminator here")))
}
