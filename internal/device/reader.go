package device

import (
	"sync"
	"time"

	"github.com/mateuszsury/pulsar/internal/serialio"
)

// readerHandle is the explicit "stop() -> joined" reader task spec.md §9
// calls for, replacing the Python original's "cancel a task and await it"
// pattern. stop() blocks until the background goroutine has actually
// exited, so pauseReader's caller can rely on no concurrent reads racing
// its own synchronous read.
type readerHandle struct {
	port     serialio.Port
	chunk    int
	interval time.Duration
	onOutput func(string)

	mu      sync.Mutex
	cancel  chan struct{}
	done    chan struct{}
	running bool
}

func newReaderHandle(port serialio.Port, chunk int, interval time.Duration, onOutput func(string)) *readerHandle {
	return &readerHandle{
		port:     port,
		chunk:    chunk,
		interval: interval,
		onOutput: onOutput,
	}
}

// start spawns a fresh reader goroutine; it does nothing when the reader is
// already running (the running flag, guarded by h.mu, decides).
func (h *readerHandle) start() {
	h.mu.Lock()
	if h.running {
		h.mu.Unlock()
		return
	}
	h.cancel = make(chan struct{})
	h.done = make(chan struct{})
	h.running = true
	cancel := h.cancel
	done := h.done
	h.mu.Unlock()

	if h.interval > 0 {
		_ = h.port.SetReadTimeout(h.interval)
	}
	go h.loop(cancel, done)
}

// stop cancels the reader and waits for it to exit before returning,
// implementing the join-not-just-cancel semantics the invariant requires.
func (h *readerHandle) stop() {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return
	}
	cancel := h.cancel
	done := h.done
	h.running = false
	h.mu.Unlock()

	close(cancel)
	<-done
}

func (h *readerHandle) loop(cancel <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	buf := make([]byte, h.chunk)
	for {
		select {
		case <-cancel:
			return
		default:
		}

		n, err := h.port.Read(buf)
		if n > 0 {
			h.onOutput(decodeUTF8Lossy(buf[:n]))
		}
		_ = err // transient read errors (including the read-timeout signal
		// io.ErrUnexpectedEOF) are loop-continue per spec.md §7; only
		// cancellation stops the reader.
	}
}
