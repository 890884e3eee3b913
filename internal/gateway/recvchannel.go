package gateway

import (
	"io"
	"sync"

	"github.com/dedis/ipa-helper/internal/herrors"
)

// RecvHandle is the read side of a channel spec.md §4.D's recv_channel
// returns. The wire carries no per-record framing: step bodies are raw
// concatenated share bytes, with record boundaries implied by
// record_count x share_width from the agreed QueryConfig (spec.md §6),
// so feed just pumps the raw stream into a growing buffer and Read
// slices out the width the caller already knows for the value it's
// decoding.
type RecvHandle struct {
	mu     sync.Mutex
	cond   *sync.Cond
	buf    []byte
	eof    bool
	err    error
	closed bool
}

func newRecvHandle() *RecvHandle {
	h := &RecvHandle{}
	h.cond = sync.NewCond(&h.mu)
	return h
}

// feed drains r into the handle's buffer until it reaches EOF or errors,
// waking any blocked Read after every chunk arrives. It is run by the
// gateway's records-handler glue, once per opened channel, and must be
// the only writer to h's buffer.
func (h *RecvHandle) feed(r io.Reader) {
	chunk := make([]byte, 32*1024)
	for {
		n, err := r.Read(chunk)
		if n > 0 {
			h.mu.Lock()
			if !h.closed {
				h.buf = append(h.buf, chunk[:n]...)
			}
			h.cond.Broadcast()
			h.mu.Unlock()
		}
		if err != nil {
			h.mu.Lock()
			if err != io.EOF {
				h.err = err
			}
			h.eof = true
			h.cond.Broadcast()
			h.mu.Unlock()
			return
		}
	}
}

// Read blocks until width bytes are available at record idx (byte
// offset idx*width into the raw stream), or returns
// herrors.ErrShortStream if the stream ends first, or
// herrors.ErrCanceled if the handle is closed while waiting.
func (h *RecvHandle) Read(idx uint64, width int) ([]byte, error) {
	offset := int(idx) * width
	h.mu.Lock()
	defer h.mu.Unlock()
	for {
		if h.closed {
			return nil, herrors.ErrCanceled
		}
		if len(h.buf) >= offset+width {
			out := make([]byte, width)
			copy(out, h.buf[offset:offset+width])
			return out, nil
		}
		if h.eof {
			if h.err != nil {
				return nil, h.err
			}
			return nil, herrors.ErrShortStream
		}
		h.cond.Wait()
	}
}

// Close unblocks any in-flight Read and marks the handle done. Safe to
// call more than once.
func (h *RecvHandle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	h.cond.Broadcast()
	return nil
}
