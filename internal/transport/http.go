package transport

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/dedis/ipa-helper/internal/herrors"
	"github.com/dedis/ipa-helper/internal/model"
	"github.com/dedis/ipa-helper/internal/netlayer"
)

// RoleResolver maps a (QueryId, Role) pair to the HelperIdentity
// currently holding that role, per that query's RoleAssignment. Supplied
// by internal/queryproc, which owns the RoleAssignment table; kept as a
// callback here to avoid an import cycle (queryproc depends on
// transport, not the reverse).
type RoleResolver func(qid model.QueryId, role model.Role) (model.HelperIdentity, error)

// HTTP is the Transport implementation backed by the HTTPS network
// layer (spec.md §4.B "HTTPS" implementation). It both issues outbound
// H2H calls (via netlayer.Client) and implements netlayer.H2HAPI so the
// netlayer.Server can deliver inbound H2H calls into the registered
// ControlHandler/RecordsHandler.
//
// Control payloads for RoutePrepareQuery and RouteCompleteQuery are
// prefixed with the 16-byte QueryId so this transport can address the
// right peer route without widening the Transport interface itself;
// RouteReceiveQuery/RouteQueryInput/RouteQueryStatus are Query-API-only
// and are never sent through this transport (the Query API is served
// directly by netlayer.Server calling into the query processor).
type HTTP struct {
	client  *netlayer.Client
	resolve RoleResolver

	mu       sync.Mutex
	controls map[RouteID]ControlHandler
	records  RecordsHandler
}

// NewHTTP builds an HTTP transport, shared process-wide across every
// query this helper participates in regardless of the role it holds in
// each (a single process may hold different roles in concurrent
// queries, so no single "self role" applies at this scope).
func NewHTTP(client *netlayer.Client, resolve RoleResolver) *HTTP {
	return &HTTP{client: client, resolve: resolve, controls: make(map[RouteID]ControlHandler)}
}

var _ Transport = (*HTTP)(nil)
var _ netlayer.H2HAPI = (*HTTP)(nil)

func (t *HTTP) RegisterControlHandler(route RouteID, h ControlHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.controls[route] = h
}

func (t *HTTP) RegisterRecordsHandler(h RecordsHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.records = h
}

// PackControlPayload prepends a QueryId to a control payload. Every
// control message the query processor sends (RoutePrepareQuery,
// RouteCompleteQuery) carries its QueryId this way, since the Transport
// interface's SendControl addresses only a destination Role, not a
// query.
func PackControlPayload(qid model.QueryId, rest []byte) []byte {
	idBytes, _ := qid.MarshalBinary()
	return append(idBytes, rest...)
}

// UnpackControlPayload reverses PackControlPayload.
func UnpackControlPayload(payload []byte) (model.QueryId, []byte, error) {
	if len(payload) < 16 {
		return model.QueryId{}, nil, fmt.Errorf("transport: control payload too short for query id")
	}
	qid, err := model.UnmarshalQueryId(payload[:16])
	if err != nil {
		return model.QueryId{}, nil, err
	}
	return qid, payload[16:], nil
}

func (t *HTTP) SendControl(ctx context.Context, to model.Role, route RouteID, payload []byte) ([]byte, error) {
	qid, rest, err := UnpackControlPayload(payload)
	if err != nil {
		return nil, err
	}
	identity, err := t.resolve(qid, to)
	if err != nil {
		return nil, err
	}

	switch route {
	case RoutePrepareQuery:
		cfg, ra, leftSeed, rightSeed, macKeyShare, err := DecodePrepareControlPayload(rest)
		if err != nil {
			return nil, err
		}
		if err := t.client.Prepare(ctx, identity, qid, cfg, ra, leftSeed, rightSeed, macKeyShare); err != nil {
			return nil, classify(err)
		}
		return nil, nil
	case RouteCompleteQuery:
		if err := t.client.Complete(ctx, identity, qid); err != nil {
			return nil, classify(err)
		}
		return nil, nil
	default:
		return nil, fmt.Errorf("transport: route %s is not carried over H2H", route)
	}
}

func (t *HTTP) SendRecords(ctx context.Context, to model.Role, qid model.QueryId, step string, r io.Reader) error {
	identity, err := t.resolve(qid, to)
	if err != nil {
		return err
	}
	if err := t.client.Step(ctx, identity, qid, step, r); err != nil {
		return classify(err)
	}
	return nil
}

func (t *HTTP) Close() error { return nil }

// classify maps low-level dial/write failures onto the closed error
// taxonomy spec.md §7 defines; anything that is not clearly a transport
// problem is passed through unwrapped so callers can still inspect it.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return fmt.Errorf("%w: %v", herrors.ErrPeerUnavailable, err)
	}
	return err
}

// --- inbound: netlayer.H2HAPI ---

func (t *HTTP) Prepare(ctx context.Context, from model.HelperIdentity, qid model.QueryId, cfg model.QueryConfig, ra model.RoleAssignment, leftSeed, rightSeed, macKeyShare []byte) error {
	t.mu.Lock()
	h := t.controls[RoutePrepareQuery]
	t.mu.Unlock()
	if h == nil {
		return fmt.Errorf("transport: no prepare handler registered")
	}
	payload := PackControlPayload(qid, EncodePrepareControlPayload(cfg, ra, leftSeed, rightSeed, macKeyShare))
	_, err := h(ctx, from, payload)
	return err
}

func (t *HTTP) Complete(ctx context.Context, from model.HelperIdentity, qid model.QueryId) error {
	t.mu.Lock()
	h := t.controls[RouteCompleteQuery]
	t.mu.Unlock()
	if h == nil {
		return fmt.Errorf("transport: no complete handler registered")
	}
	payload := PackControlPayload(qid, nil)
	_, err := h(ctx, from, payload)
	return err
}

func (t *HTTP) Step(ctx context.Context, from model.HelperIdentity, qid model.QueryId, stepPath string, body io.Reader) error {
	t.mu.Lock()
	h := t.records
	t.mu.Unlock()
	if h == nil {
		return fmt.Errorf("transport: no records handler registered")
	}
	return h(ctx, from, qid, stepPath, body)
}

// EncodePrepareControlPayload mirrors netlayer's own prepare-body
// framing so the in-memory transport (which never touches netlayer)
// and the HTTP transport (which re-frames onto netlayer.Client.Prepare)
// agree on one payload shape for RoutePrepareQuery. Exported so
// internal/queryproc, the only other package that needs to construct or
// read a RoutePrepareQuery payload, does not have to duplicate the wire
// format.
func EncodePrepareControlPayload(cfg model.QueryConfig, ra model.RoleAssignment, leftSeed, rightSeed, macKeyShare []byte) []byte {
	cfgBuf := cfg.Encode()
	out := appendLenPrefixed(nil, cfgBuf)
	out = append(out, ra.Encode()...)
	out = appendLenPrefixed(out, leftSeed)
	out = appendLenPrefixed(out, rightSeed)
	out = appendLenPrefixed(out, macKeyShare)
	return out
}

func appendLenPrefixed(dst, b []byte) []byte {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(b)))
	dst = append(dst, lenBuf[:]...)
	return append(dst, b...)
}

func readLenPrefixed(buf []byte, pos int) (int, []byte, error) {
	if pos+4 > len(buf) {
		return 0, nil, fmt.Errorf("transport: truncated length-prefixed field")
	}
	n := int(binary.BigEndian.Uint32(buf[pos : pos+4]))
	pos += 4
	if pos+n > len(buf) {
		return 0, nil, fmt.Errorf("transport: truncated length-prefixed field body")
	}
	return pos + n, buf[pos : pos+n], nil
}

// DecodePrepareControlPayload reverses EncodePrepareControlPayload.
func DecodePrepareControlPayload(buf []byte) (model.QueryConfig, model.RoleAssignment, []byte, []byte, []byte, error) {
	zero := func(err error) (model.QueryConfig, model.RoleAssignment, []byte, []byte, []byte, error) {
		return model.QueryConfig{}, model.RoleAssignment{}, nil, nil, nil, err
	}
	pos, cfgBuf, err := readLenPrefixed(buf, 0)
	if err != nil {
		return zero(err)
	}
	cfg, err := model.DecodeQueryConfig(cfgBuf)
	if err != nil {
		return zero(err)
	}
	ra, err := model.DecodeRoleAssignment(buf[pos:])
	if err != nil {
		return zero(err)
	}
	pos += len(ra.Encode())
	pos, leftSeed, err := readLenPrefixed(buf, pos)
	if err != nil {
		return zero(err)
	}
	pos, rightSeed, err := readLenPrefixed(buf, pos)
	if err != nil {
		return zero(err)
	}
	_, macKeyShare, err := readLenPrefixed(buf, pos)
	if err != nil {
		return zero(err)
	}
	return cfg, ra, leftSeed, rightSeed, macKeyShare, nil
}
