// Package transport implements the backend-agnostic send/receive
// abstraction spec.md §4.B describes, with two implementations: an
// in-memory transport for tests (internal/transport/inmem.go) and an
// HTTPS transport (internal/transport/http.go) built on
// internal/netlayer. Callers address peers by Role. Unlike the teacher's
// network.router, a failed send is reported as failed at once, with no
// reconnect or retry: spec.md §7 forbids H2H retries within a query.
package transport

import (
	"context"
	"io"

	"github.com/dedis/ipa-helper/internal/model"
)

// RouteID identifies a control message kind, spec.md §4.B's
// "RouteId ∈ {ReceiveQuery, PrepareQuery, QueryInput, QueryStatus,
// CompleteQuery}".
type RouteID int

// The control routes a Transport carries.
const (
	RouteReceiveQuery RouteID = iota
	RoutePrepareQuery
	RouteQueryInput
	RouteQueryStatus
	RouteCompleteQuery
)

func (r RouteID) String() string {
	switch r {
	case RouteReceiveQuery:
		return "ReceiveQuery"
	case RoutePrepareQuery:
		return "PrepareQuery"
	case RouteQueryInput:
		return "QueryInput"
	case RouteQueryStatus:
		return "QueryStatus"
	case RouteCompleteQuery:
		return "CompleteQuery"
	default:
		return "Unknown"
	}
}

// ControlHandler answers a control-route request with a response
// payload or an error. Registered once per route per helper process.
// from is the wire-level identity of the sender; a handler that cares
// about the sender's per-query Role resolves it against that query's
// RoleAssignment, which only the query processor holds.
type ControlHandler func(ctx context.Context, from model.HelperIdentity, payload []byte) ([]byte, error)

// RecordsHandler is invoked when a peer opens a new records stream for
// (QueryId, StepPath, from). It receives a reader that yields bytes in
// send order and must consume it to completion or return an error.
type RecordsHandler func(ctx context.Context, from model.HelperIdentity, qid model.QueryId, step string, r io.Reader) error

// Transport is the uniform abstraction spec.md §4.B specifies over the
// network layer.
type Transport interface {
	// SendControl enqueues a control message and returns once the
	// destination has processed it and replied, or with
	// herrors.ErrPeerUnavailable / herrors.ErrAuthenticationFailed /
	// herrors.ErrCanceled on failure.
	SendControl(ctx context.Context, to model.Role, route RouteID, payload []byte) ([]byte, error)

	// SendRecords streams a records body for (qid, step) to a peer.
	// It returns once the receiver has acknowledged consuming the
	// stream (spec.md's "backpressured" send). The io.Reader is read to
	// EOF; a short local read is a caller bug, not a Transport error.
	SendRecords(ctx context.Context, to model.Role, qid model.QueryId, step string, r io.Reader) error

	// RegisterControlHandler installs the handler invoked for incoming
	// control messages on a route. Must be called before any peer
	// traffic arrives.
	RegisterControlHandler(route RouteID, h ControlHandler)

	// RegisterRecordsHandler installs the handler invoked for incoming
	// records streams. Must be called before any peer traffic arrives.
	RegisterRecordsHandler(h RecordsHandler)

	// Close releases any resources (connections, listeners) held by
	// this transport.
	Close() error
}
