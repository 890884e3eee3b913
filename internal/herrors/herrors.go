// Package herrors defines the closed set of terminal error kinds a query
// can fail with, plus the sentinel values the HTTP layer maps to status
// codes. Every helper-runtime error a caller needs to branch on is one of
// these; anything else is wrapped and treated as an opaque failure.
package herrors

import "errors"

// Sentinel errors returned by the network, transport, query processor and
// validator layers. Callers use errors.Is to classify a failure; the
// query processor stores the matching kind on the query's Failed state.
var (
	// ErrPeerUnavailable means an H2H request failed at the TCP/TLS/timeout
	// level.
	ErrPeerUnavailable = errors.New("peer unavailable")

	// ErrAuthenticationFailed means the TLS client certificate presented by
	// a peer did not match the role implied by the request path.
	ErrAuthenticationFailed = errors.New("authentication failed")

	// ErrPrepareRejected means a follower refused a prepare request.
	ErrPrepareRejected = errors.New("prepare rejected")

	// ErrAlreadyRunning means a prepare or create arrived for a QueryId
	// that already has state on this helper.
	ErrAlreadyRunning = errors.New("query already running")

	// ErrBadInput means the record count or size did not match the agreed
	// QueryConfig, or record decryption failed.
	ErrBadInput = errors.New("bad input")

	// ErrBadState means a request arrived while the query was not in the
	// state required to service it (e.g. input before prepare completed).
	ErrBadState = errors.New("bad query state")

	// ErrStepMismatch means peers disagree on the step path sequence.
	ErrStepMismatch = errors.New("step path mismatch")

	// ErrShortStream means a peer closed a channel with fewer bytes than
	// the reader expected.
	ErrShortStream = errors.New("short stream")

	// ErrValidationFailed means a malicious-validator MAC check failed.
	ErrValidationFailed = errors.New("validation failed")

	// ErrCanceled means the query was canceled or timed out.
	ErrCanceled = errors.New("canceled")

	// ErrUnknownQuery means the QueryId is not known to this helper.
	ErrUnknownQuery = errors.New("unknown query")

	// ErrDuplicateChannel means the gateway detected a second attempt to
	// open a channel that must be process-wide unique.
	ErrDuplicateChannel = errors.New("duplicate channel")

	// ErrUnknownProtocol means the protocol registry has no entry for the
	// requested query type.
	ErrUnknownProtocol = errors.New("unknown protocol")
)
