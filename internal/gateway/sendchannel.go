package gateway

import (
	"bytes"
	"context"
	"io"
	"sync"
	"time"
)

// batchThreshold and flushInterval are the size and timer triggers
// spec.md §4.D names for coalescing small writes before flushing to the
// underlying stream.
const (
	batchThreshold = 16 * 1024
	flushInterval  = 2 * time.Millisecond
)

// SendHandle is the write side of a channel spec.md §4.D's
// send_channel returns.
type SendHandle struct {
	mu      sync.Mutex
	buf     bytes.Buffer
	pw      *io.PipeWriter
	timer   *time.Timer
	closed  bool
	nextIdx uint64
	done    chan error
}

func newSendChannel(ctx context.Context, sendFn func(context.Context, io.Reader) error) *SendHandle {
	pr, pw := io.Pipe()
	sh := &SendHandle{pw: pw, done: make(chan error, 1)}
	go func() {
		sh.done <- sendFn(ctx, pr)
	}()
	return sh
}

// Write appends a record at idx to the channel, coalescing it with any
// buffered but not-yet-flushed writes. idx must be consecutive starting
// from 0 (0, 1, 2, ...; any other value panics); this is a programmer error to violate, not a runtime
// error, since it is the protocol code's own per-channel counter. The
// wire carries no per-record header (spec.md §6): payload's bytes are
// concatenated raw, and the receiver recovers record boundaries from
// the width it already knows for the value being decoded.
func (h *SendHandle) Write(idx uint64, payload []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return io.ErrClosedPipe
	}
	if idx != h.nextIdx {
		panic("gateway: send record index out of order")
	}
	h.nextIdx++

	if _, err := h.buf.Write(payload); err != nil {
		return err
	}
	if h.buf.Len() >= batchThreshold {
		return h.flushLocked()
	}
	h.armTimerLocked()
	return nil
}

func (h *SendHandle) armTimerLocked() {
	if h.timer != nil {
		return
	}
	h.timer = time.AfterFunc(flushInterval, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.flushLocked()
	})
}

// flushLocked writes the buffered bytes to the pipe. The pipe write
// blocks until the reader side (an in-flight HTTP request body, or the
// in-memory peer handler) consumes them — the backpressure signal
// spec.md §4.D specifies.
func (h *SendHandle) flushLocked() error {
	if h.timer != nil {
		h.timer.Stop()
		h.timer = nil
	}
	if h.buf.Len() == 0 {
		return nil
	}
	b := h.buf.Bytes()
	_, err := h.pw.Write(b)
	h.buf.Reset()
	return err
}

// Close flushes any pending batch and signals end-of-stream to the
// receiver, then waits for the underlying send to complete (spec.md
// §4.D "Termination: when a protocol step completes, it drops its
// handles, which flushes pending batches and sends end-of-stream").
func (h *SendHandle) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	h.flushLocked()
	h.mu.Unlock()

	h.pw.Close()
	return <-h.done
}
