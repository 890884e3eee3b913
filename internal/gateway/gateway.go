// Package gateway implements the per-query, per-step multiplexed
// channel abstraction spec.md §4.D describes: send_channel/recv_channel
// pairs, keyed by (step, peer), layered over a single internal/transport
// connection per peer. A Gateway owns every channel opened for one
// query; the query processor owns the Gateway and drops it on query
// termination, which cascades Close to every channel (Design Notes §9).
package gateway

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/dedis/ipa-helper/internal/herrors"
	"github.com/dedis/ipa-helper/internal/model"
	"github.com/dedis/ipa-helper/internal/step"
	"github.com/dedis/ipa-helper/internal/transport"
)

// sendKey and recvKey are map keys distinguishing channels by step and
// remote peer, mirroring step.Key but scoped to one direction so a
// helper can hold both a send and a recv channel on the same step
// without colliding.
type sendKey struct {
	step string
	to   model.Role
}

type recvKey struct {
	step string
	from model.Role
}

// Gateway is the per-query channel table. It is safe for concurrent use
// by every goroutine executing steps of the same query.
type Gateway struct {
	transport transport.Transport
	self      model.Role
	qid       model.QueryId

	mu     sync.Mutex
	sends  map[sendKey]*SendHandle
	recvs  map[recvKey]*RecvHandle
	closed bool
}

// NewGateway builds a Gateway for one query, sending over t and speaking
// as role self.
func NewGateway(t transport.Transport, self model.Role, qid model.QueryId) *Gateway {
	return &Gateway{
		transport: t,
		self:      self,
		qid:       qid,
		sends:     make(map[sendKey]*SendHandle),
		recvs:     make(map[recvKey]*RecvHandle),
	}
}

// SendChannel returns the write handle for (s, to), opening it lazily on
// first use (spec.md §4.D "channels are opened lazily on first use").
// Calling SendChannel twice for the same (s, to) is a caller error: a
// step drives at most one outbound stream per peer.
func (g *Gateway) SendChannel(ctx context.Context, s step.Path, to model.Role) (*SendHandle, error) {
	key := sendKey{step: s.String(), to: to}

	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil, herrors.ErrCanceled
	}
	if _, exists := g.sends[key]; exists {
		g.mu.Unlock()
		return nil, fmt.Errorf("%w: send channel %s->%s already open", herrors.ErrDuplicateChannel, s, to)
	}
	stepStr := s.String()
	qid := g.qid
	t := g.transport
	handle := newSendChannel(ctx, func(ctx context.Context, r io.Reader) error {
		return t.SendRecords(ctx, to, qid, stepStr, r)
	})
	g.sends[key] = handle
	g.mu.Unlock()
	return handle, nil
}

// RecvChannel returns the read handle for (s, from), creating it lazily
// regardless of whether the protocol code calls this before or after the
// peer's records stream has started arriving: the same handle is reused
// by feedRecords once the stream opens.
func (g *Gateway) RecvChannel(s step.Path, from model.Role) (*RecvHandle, error) {
	key := recvKey{step: s.String(), from: from}

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return nil, herrors.ErrCanceled
	}
	if h, ok := g.recvs[key]; ok {
		return h, nil
	}
	h := newRecvHandle()
	g.recvs[key] = h
	return h, nil
}

// feedRecords is invoked once per inbound records stream, from the
// process-wide Registry's transport.RecordsHandler. It resolves (or
// lazily creates) the matching RecvHandle and pumps the stream into it
// until end-of-stream, blocking the caller (and, transitively, the H2H
// request handler) for the stream's full lifetime.
func (g *Gateway) feedRecords(from model.Role, stepStr string, r io.Reader) error {
	key := recvKey{step: stepStr, from: from}

	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return herrors.ErrCanceled
	}
	h, ok := g.recvs[key]
	if !ok {
		h = newRecvHandle()
		g.recvs[key] = h
	}
	g.mu.Unlock()

	h.feed(r)
	return nil
}

// Close tears down every channel this query opened: flushing and closing
// every SendHandle, and unblocking every outstanding RecvHandle.Read.
// Safe to call more than once; subsequent SendChannel/RecvChannel calls
// fail with herrors.ErrCanceled.
func (g *Gateway) Close() error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil
	}
	g.closed = true
	sends := make([]*SendHandle, 0, len(g.sends))
	for _, h := range g.sends {
		sends = append(sends, h)
	}
	recvs := make([]*RecvHandle, 0, len(g.recvs))
	for _, h := range g.recvs {
		recvs = append(recvs, h)
	}
	g.mu.Unlock()

	var firstErr error
	for _, h := range sends {
		if err := h.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for _, h := range recvs {
		h.Close()
	}
	return firstErr
}

// Registry demultiplexes the single process-wide RecordsHandler a
// Transport is registered with (spec.md §4.B: one handler per process)
// across the many concurrently running queries' Gateways, by QueryId.
// The query processor registers a Gateway when a query enters
// AwaitingInputs/Running and deregisters it on completion.
type Registry struct {
	mu   sync.Mutex
	byID map[model.QueryId]*Gateway
}

// NewRegistry builds an empty registry. Callers should register the
// handler returned by its HandlerFor method with their Transport exactly
// once, at startup.
func NewRegistry() *Registry {
	return &Registry{byID: make(map[model.QueryId]*Gateway)}
}

// Register associates qid with gw so inbound records streams for that
// query are routed to it.
func (reg *Registry) Register(qid model.QueryId, gw *Gateway) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	reg.byID[qid] = gw
}

// Deregister removes qid's Gateway once the query has terminated. It
// does not close the Gateway; the caller (query processor) does that.
func (reg *Registry) Deregister(qid model.QueryId) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	delete(reg.byID, qid)
}

// lookup finds the Gateway registered for qid, if any.
func (reg *Registry) lookup(qid model.QueryId) (*Gateway, bool) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	gw, ok := reg.byID[qid]
	return gw, ok
}

// RoleResolver maps a HelperIdentity to the Role it holds for a query,
// the same shape internal/queryproc's RoleAssignment lookup provides.
type RoleResolver func(qid model.QueryId, id model.HelperIdentity) (model.Role, error)

// HandlerFor builds a transport.RecordsHandler bound to resolve, for
// wiring into transport.Transport.RegisterRecordsHandler at process
// startup. resolve is normally backed by the query processor's
// per-query RoleAssignment table.
func (reg *Registry) HandlerFor(resolve RoleResolver) transport.RecordsHandler {
	return func(ctx context.Context, from model.HelperIdentity, qid model.QueryId, stepStr string, r io.Reader) error {
		gw, ok := reg.lookup(qid)
		if !ok {
			return fmt.Errorf("%w: %s", herrors.ErrUnknownQuery, qid)
		}
		fromRole, err := resolve(qid, from)
		if err != nil {
			return err
		}
		return gw.feedRecords(fromRole, stepStr, r)
	}
}
