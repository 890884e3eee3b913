package transport

import (
	"context"
	"io"
	"sync"

	"github.com/dedis/ipa-helper/internal/herrors"
	"github.com/dedis/ipa-helper/internal/model"
)

// Mesh is a shared registry of in-memory transports, one per helper
// role, used by tests to wire up a three-helper cluster without any
// network I/O. It plays the role the teacher's sda.LocalTest plays for
// TCP-backed tests: a process-wide table the test setup populates before
// any query traffic flows (spec.md §4.B "in-memory impl for tests").
type Mesh struct {
	mu   sync.Mutex
	byID map[model.Role]*InMemory
}

// NewMesh creates an empty mesh.
func NewMesh() *Mesh {
	return &Mesh{byID: make(map[model.Role]*InMemory)}
}

// NewTransport creates and registers the in-memory transport for role.
func (m *Mesh) NewTransport(role model.Role) *InMemory {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := &InMemory{
		mesh:     m,
		self:     role,
		controls: make(map[RouteID]ControlHandler),
	}
	m.byID[role] = t
	return t
}

func (m *Mesh) peer(role model.Role) (*InMemory, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.byID[role]
	return t, ok
}

// Sever removes a role's transport from the mesh so that any subsequent
// send to it fails with herrors.ErrPeerUnavailable, modeling a helper
// crash (spec.md §8 scenario 5, "Peer unavailable").
func (m *Mesh) Sever(role model.Role) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.byID[role]; ok {
		t.mu.Lock()
		t.severed = true
		t.mu.Unlock()
	}
}

// InMemory is a Transport backed by direct goroutine handoff instead of
// a network connection. It buffers nothing beyond what an unbuffered
// Go channel buffers, so SendControl and SendRecords naturally block
// until the peer's handler has consumed the call — the in-memory
// equivalent of the HTTPS transport's backpressure.
type InMemory struct {
	mesh *Mesh
	self model.Role

	mu       sync.Mutex
	controls map[RouteID]ControlHandler
	records  RecordsHandler
	severed  bool
	closed   bool
}

var _ Transport = (*InMemory)(nil)

func (t *InMemory) RegisterControlHandler(route RouteID, h ControlHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.controls[route] = h
}

func (t *InMemory) RegisterRecordsHandler(h RecordsHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.records = h
}

func (t *InMemory) SendControl(ctx context.Context, to model.Role, route RouteID, payload []byte) ([]byte, error) {
	peer, ok := t.mesh.peer(to)
	if !ok {
		return nil, herrors.ErrPeerUnavailable
	}
	peer.mu.Lock()
	severed, closed := peer.severed, peer.closed
	h := peer.controls[route]
	peer.mu.Unlock()
	if severed || closed {
		return nil, herrors.ErrPeerUnavailable
	}
	if h == nil {
		return nil, herrors.ErrPeerUnavailable
	}
	return h(ctx, model.HelperIdentity(t.self), payload)
}

func (t *InMemory) SendRecords(ctx context.Context, to model.Role, qid model.QueryId, step string, r io.Reader) error {
	peer, ok := t.mesh.peer(to)
	if !ok {
		return herrors.ErrPeerUnavailable
	}
	peer.mu.Lock()
	severed, closed := peer.severed, peer.closed
	h := peer.records
	peer.mu.Unlock()
	if severed || closed {
		return herrors.ErrPeerUnavailable
	}
	if h == nil {
		return herrors.ErrPeerUnavailable
	}
	return h(ctx, model.HelperIdentity(t.self), qid, step, r)
}

func (t *InMemory) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}
