// Package model holds the data types shared by every layer of the
// helper runtime: QueryId, Role, RoleAssignment, HelperIdentity,
// QueryConfig and QueryState (spec.md §3 "DATA MODEL"). Keeping them in
// one leaf package avoids import cycles between transport, gateway,
// execctx and queryproc, all of which need to name a query and a role
// without depending on each other.
package model

import (
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/google/uuid"
)

// QueryId is an opaque 128-bit identifier, globally unique per query,
// generated by the leader (spec.md §3 "QueryId"). It wraps
// github.com/google/uuid the way ldsec-unlynx and the newer members of
// the retrieved pack use uuid for externally-visible identifiers, in
// place of the teacher's satori/go.uuid v1 dependency.
type QueryId uuid.UUID

// NewQueryId generates a fresh random QueryId. Only the leader calls
// this, on receiving a collector's `create`.
func NewQueryId() QueryId {
	return QueryId(uuid.New())
}

func (q QueryId) String() string { return uuid.UUID(q).String() }

// MarshalBinary implements the stable, length-implied binary encoding
// spec.md §6 requires for control bodies.
func (q QueryId) MarshalBinary() ([]byte, error) {
	b := uuid.UUID(q)
	return b[:], nil
}

// UnmarshalQueryId parses the 16-byte encoding MarshalBinary produces.
func UnmarshalQueryId(b []byte) (QueryId, error) {
	if len(b) != 16 {
		return QueryId{}, fmt.Errorf("model: query id wants 16 bytes, got %d", len(b))
	}
	id, err := uuid.FromBytes(b)
	if err != nil {
		return QueryId{}, err
	}
	return QueryId(id), nil
}

// Role is a helper's per-query position on the MPC ring (spec.md §3
// "Role"). Roles form a directed ring: H1 -> H2 -> H3 -> H1.
type Role string

// The three roles a helper may hold for a given query.
const (
	H1 Role = "H1"
	H2 Role = "H2"
	H3 Role = "H3"
)

// AllRoles lists the ring in canonical order.
var AllRoles = [3]Role{H1, H2, H3}

// Valid reports whether r is one of H1, H2, H3.
func (r Role) Valid() bool {
	return r == H1 || r == H2 || r == H3
}

// index returns 0, 1, 2 for H1, H2, H3.
func (r Role) index() int {
	switch r {
	case H1:
		return 0
	case H2:
		return 1
	case H3:
		return 2
	}
	panic("model: invalid role " + string(r))
}

// Left returns the predecessor on the ring: the neighbor this role
// receives a PRSS seed and multiplication messages from.
func (r Role) Left() Role {
	return AllRoles[(r.index()+2)%3]
}

// Right returns the successor on the ring.
func (r Role) Right() Role {
	return AllRoles[(r.index()+1)%3]
}

// HelperIdentity is the stable identity of a helper process, derived
// from its TLS certificate subject CN (spec.md §3 "HelperIdentity",
// §6 "TLS").
type HelperIdentity string

// RoleAssignment is the leader-chosen bijection HelperIdentity -> Role
// for one query, immutable for the query's life (spec.md §3
// "RoleAssignment").
type RoleAssignment struct {
	assignment map[HelperIdentity]Role
	byRole     map[Role]HelperIdentity
}

// AssignRoles builds a RoleAssignment following spec.md §4.C: the
// leader is always H1, and H2/H3 are assigned to the two followers in
// sorted HelperIdentity order, deterministically.
func AssignRoles(leader HelperIdentity, followers []HelperIdentity) (RoleAssignment, error) {
	if len(followers) != 2 {
		return RoleAssignment{}, fmt.Errorf("model: need exactly 2 followers, got %d", len(followers))
	}
	sorted := append([]HelperIdentity(nil), followers...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	ra := RoleAssignment{
		assignment: map[HelperIdentity]Role{
			leader:    H1,
			sorted[0]: H2,
			sorted[1]: H3,
		},
		byRole: map[Role]HelperIdentity{},
	}
	for id, role := range ra.assignment {
		ra.byRole[role] = id
	}
	return ra, nil
}

// RoleOf returns the role assigned to a helper identity.
func (ra RoleAssignment) RoleOf(id HelperIdentity) (Role, bool) {
	r, ok := ra.assignment[id]
	return r, ok
}

// IdentityOf returns the helper identity holding a role.
func (ra RoleAssignment) IdentityOf(role Role) (HelperIdentity, bool) {
	id, ok := ra.byRole[role]
	return id, ok
}

// Encode serializes the RoleAssignment as three consecutive
// length-prefixed HelperIdentity values in H1,H2,H3 order (each role is
// implied by its position; no role byte is written), the length-prefixed
// binary encoding spec.md §6 requires for control
// bodies.
func (ra RoleAssignment) Encode() []byte {
	var out []byte
	for _, role := range AllRoles {
		id := string(ra.byRole[role])
		var lenBuf [4]byte
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(id)))
		out = append(out, lenBuf[:]...)
		out = append(out, id...)
	}
	return out
}

// DecodeRoleAssignment parses the encoding Encode produces.
func DecodeRoleAssignment(buf []byte) (RoleAssignment, error) {
	ra := RoleAssignment{assignment: map[HelperIdentity]Role{}, byRole: map[Role]HelperIdentity{}}
	pos := 0
	for _, role := range AllRoles {
		if pos+4 > len(buf) {
			return RoleAssignment{}, fmt.Errorf("model: truncated role assignment")
		}
		n := int(binary.BigEndian.Uint32(buf[pos : pos+4]))
		pos += 4
		if pos+n > len(buf) {
			return RoleAssignment{}, fmt.Errorf("model: truncated role assignment identity")
		}
		id := HelperIdentity(buf[pos : pos+n])
		pos += n
		ra.assignment[id] = role
		ra.byRole[role] = id
	}
	return ra, nil
}

// FieldKind is the closed tagged variant over supported field x width
// combinations spec.md §9 calls for, resolved once at query-acceptance
// time.
type FieldKind string

// The field kinds the protocol registry recognizes.
const (
	FieldBoolean1   FieldKind = "boolean/1"
	FieldBoolean8   FieldKind = "boolean/8"
	FieldBoolean32  FieldKind = "boolean/32"
	FieldBoolean256 FieldKind = "boolean/256"
	FieldFp31       FieldKind = "fp31"
	FieldFp32Prime  FieldKind = "fp32bit"
)

// QueryType enumerates the fixed set of supported circuits (spec.md §3
// "QueryConfig", §4.G "Protocol Registry"). The registry is closed:
// clients cannot add new query types at runtime.
type QueryType string

// The query types the registry ships with.
const (
	QueryTypeTestBooleanAND QueryType = "test-boolean-and"
	QueryTypeTestFpSum      QueryType = "test-fp-sum"
	QueryTypeIPA            QueryType = "ipa"
)

// QueryConfig is the immutable tuple describing one query, serialized
// identically on all three helpers (spec.md §3 "QueryConfig").
type QueryConfig struct {
	Type QueryType
	// N is the number of input records the query expects.
	N uint32
	// Field selects the arithmetic domain circuit code executes in.
	Field FieldKind
	// VectorWidth is the compile-time-fixed vectorization width applied
	// to each element (spec.md §3 "VectorizedShare<F, W>").
	VectorWidth uint32
	// PerQueryTag carries protocol-specific tuning parameters, e.g. the
	// IPA attribution window in seconds. Opaque to the runtime.
	PerQueryTag []byte
}

// MaxRecords bounds N to keep a misconfigured or malicious `create` from
// allocating unbounded per-query buffers; the ancestor implementation
// enforces an analogous cap in its query input handling.
const MaxRecords = 1 << 24

// Validate checks the invariants spec.md's "boundary behaviors" and the
// original_source prepare-time size check require: N within bounds, a
// known field/width pairing, and one of the query types this package
// defines (the protocol registry is not consulted). Both leader
// (`create`) and followers (`prepare`) call this before any state
// transition.
func (c QueryConfig) Validate() error {
	if c.N > MaxRecords {
		return fmt.Errorf("model: record count %d exceeds maximum %d", c.N, MaxRecords)
	}
	switch c.Type {
	case QueryTypeTestBooleanAND, QueryTypeTestFpSum, QueryTypeIPA:
	default:
		return fmt.Errorf("model: unknown query type %q", c.Type)
	}
	switch c.Field {
	case FieldBoolean1, FieldBoolean8, FieldBoolean32, FieldBoolean256, FieldFp31, FieldFp32Prime:
	default:
		return fmt.Errorf("model: unknown field kind %q", c.Field)
	}
	if c.VectorWidth == 0 {
		return fmt.Errorf("model: vector width must be at least 1")
	}
	return nil
}

// Encode serializes a QueryConfig with explicit field widths and
// length-prefixing (spec.md §6 "Control bodies").
func (c QueryConfig) Encode() []byte {
	var out []byte
	typeBuf := []byte(c.Type)
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(typeBuf)))
	out = append(out, lenBuf[:]...)
	out = append(out, typeBuf...)

	var nBuf [4]byte
	binary.BigEndian.PutUint32(nBuf[:], c.N)
	out = append(out, nBuf[:]...)

	fieldBuf := []byte(c.Field)
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(fieldBuf)))
	out = append(out, lenBuf[:]...)
	out = append(out, fieldBuf...)

	var wBuf [4]byte
	binary.BigEndian.PutUint32(wBuf[:], c.VectorWidth)
	out = append(out, wBuf[:]...)

	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(c.PerQueryTag)))
	out = append(out, lenBuf[:]...)
	out = append(out, c.PerQueryTag...)
	return out
}

// DecodeQueryConfig parses the encoding Encode produces.
func DecodeQueryConfig(buf []byte) (QueryConfig, error) {
	read := func(pos int) (int, []byte, error) {
		if pos+4 > len(buf) {
			return 0, nil, fmt.Errorf("model: truncated query config")
		}
		n := int(binary.BigEndian.Uint32(buf[pos : pos+4]))
		pos += 4
		if pos+n > len(buf) {
			return 0, nil, fmt.Errorf("model: truncated query config field")
		}
		return pos + n, buf[pos : pos+n], nil
	}
	pos, typeBuf, err := read(0)
	if err != nil {
		return QueryConfig{}, err
	}
	if pos+4 > len(buf) {
		return QueryConfig{}, fmt.Errorf("model: truncated query config N")
	}
	n := binary.BigEndian.Uint32(buf[pos : pos+4])
	pos += 4
	pos, fieldBuf, err := read(pos)
	if err != nil {
		return QueryConfig{}, err
	}
	if pos+4 > len(buf) {
		return QueryConfig{}, fmt.Errorf("model: truncated query config width")
	}
	width := binary.BigEndian.Uint32(buf[pos : pos+4])
	pos += 4
	_, tag, err := read(pos)
	if err != nil {
		return QueryConfig{}, err
	}
	return QueryConfig{
		Type:        QueryType(typeBuf),
		N:           n,
		Field:       FieldKind(fieldBuf),
		VectorWidth: width,
		PerQueryTag: tag,
	}, nil
}

// State is the per-query, per-helper state machine spec.md §3
// "QueryState" and §4.C describe.
type State int

// The states a query passes through.
const (
	StateEmpty State = iota
	StatePreparing
	StateAwaitingInputs
	StateRunning
	StateCompleted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateEmpty:
		return "Empty"
	case StatePreparing:
		return "Preparing"
	case StateAwaitingInputs:
		return "AwaitingInputs"
	case StateRunning:
		return "Running"
	case StateCompleted:
		return "Completed"
	case StateFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}
