// Package execctx implements ExecutionContext (spec.md §4.E), the
// immutable-plus-narrowing value threaded through protocol code. It
// binds a StepPath to the query-wide gateway, PRSS generator and
// validator, and exposes send/recv/prss/validate as ordinary Go method
// calls a protocol goroutine invokes sequentially — every one a
// potential suspension point, per spec.md §5, since each is backed by a
// channel operation or an interactive multiplication round.
package execctx

import (
	"context"
	"sync"

	"github.com/dedis/ipa-helper/internal/field"
	"github.com/dedis/ipa-helper/internal/gateway"
	"github.com/dedis/ipa-helper/internal/model"
	"github.com/dedis/ipa-helper/internal/prss"
	"github.com/dedis/ipa-helper/internal/share"
	"github.com/dedis/ipa-helper/internal/step"
	"github.com/dedis/ipa-helper/internal/validator"
)

// Context is a cheap-to-copy value: the mutable, shared parts of a
// query's execution (gateway, PRSS, validator, channel-handle caches)
// live in the pointed-to state; Narrow only changes the step field, so
// sibling contexts at different steps never contend on each other's
// channel handles.
type Context struct {
	state *state
	step  step.Path
}

type state struct {
	self         model.Role
	ra           model.RoleAssignment
	gw           *gateway.Gateway
	field        field.Field
	prssGen      *prss.Generator
	val          validator.Validator
	totalRecords uint64

	mu          sync.Mutex
	sendHandles map[handleKey]*gateway.SendHandle
	recvHandles map[handleKey]*gateway.RecvHandle
	prssCounter map[string]uint64
}

type handleKey struct {
	step string
	peer model.Role
}

// Root builds the query's root ExecutionContext. Called once per query
// by the query processor after the query enters Running, and narrowed
// from there by protocol code.
func Root(gw *gateway.Gateway, self model.Role, ra model.RoleAssignment, f field.Field, prssKeys prss.Keys, val validator.Validator, totalRecords uint64) Context {
	return Context{
		state: &state{
			self:         self,
			ra:           ra,
			gw:           gw,
			field:        f,
			prssGen:      prss.NewGenerator(prssKeys, f),
			val:          val,
			totalRecords: totalRecords,
			sendHandles:  make(map[handleKey]*gateway.SendHandle),
			recvHandles:  make(map[handleKey]*gateway.RecvHandle),
			prssCounter:  make(map[string]uint64),
		},
		step: step.Root(),
	}
}

// Narrow returns the child context whose step path is the parent's with
// label appended (spec.md §4.E). Labels must be unique among siblings
// at this parent path; step.Path.Narrow does not check this, and
// narrowing twice with one label yields the same step and channels.
func (c Context) Narrow(label string) Context {
	return Context{state: c.state, step: c.step.Narrow(label)}
}

// Step returns the context's current step path.
func (c Context) Step() step.Path { return c.step }

// Role returns this helper's role for the query.
func (c Context) Role() model.Role { return c.state.self }

// RoleAssignment returns the query's leader-chosen role assignment.
func (c Context) RoleAssignment() model.RoleAssignment { return c.state.ra }

// Field returns the field the query executes in.
func (c Context) Field() field.Field { return c.state.field }

// TotalRecords returns the total-records hint used for channel sizing.
func (c Context) TotalRecords() uint64 { return c.state.totalRecords }

// Validator returns the active validator (spec.md §4.E "validator()").
func (c Context) Validator() validator.Validator { return c.state.val }

func (c Context) sendHandle(ctx context.Context, to model.Role) (*gateway.SendHandle, error) {
	key := handleKey{step: c.step.String(), peer: to}
	c.state.mu.Lock()
	if h, ok := c.state.sendHandles[key]; ok {
		c.state.mu.Unlock()
		return h, nil
	}
	c.state.mu.Unlock()

	h, err := c.state.gw.SendChannel(ctx, c.step, to)
	if err != nil {
		return nil, err
	}

	c.state.mu.Lock()
	defer c.state.mu.Unlock()
	if existing, ok := c.state.sendHandles[key]; ok {
		return existing, nil
	}
	c.state.sendHandles[key] = h
	return h, nil
}

func (c Context) recvHandle(from model.Role) (*gateway.RecvHandle, error) {
	key := handleKey{step: c.step.String(), peer: from}
	c.state.mu.Lock()
	defer c.state.mu.Unlock()
	if h, ok := c.state.recvHandles[key]; ok {
		return h, nil
	}
	h, err := c.state.gw.RecvChannel(c.step, from)
	if err != nil {
		return nil, err
	}
	c.state.recvHandles[key] = h
	return h, nil
}

// SendElement sends a single field element at record_index idx to to on
// the current step (spec.md §4.E "send(to, record_index, value)").
func (c Context) SendElement(ctx context.Context, to model.Role, idx uint64, e field.Element) error {
	h, err := c.sendHandle(ctx, to)
	if err != nil {
		return err
	}
	return h.Write(idx, e.Bytes())
}

// RecvElement receives the field element at record_index idx from from
// on the current step.
func (c Context) RecvElement(from model.Role, idx uint64) (field.Element, error) {
	h, err := c.recvHandle(from)
	if err != nil {
		return nil, err
	}
	b, err := h.Read(idx, c.state.field.ByteLen())
	if err != nil {
		return nil, err
	}
	return c.state.field.FromBytes(b)
}

// SendShare sends a full replicated share at record_index idx.
func (c Context) SendShare(ctx context.Context, to model.Role, idx uint64, v share.Replicated) error {
	h, err := c.sendHandle(ctx, to)
	if err != nil {
		return err
	}
	return h.Write(idx, v.Encode())
}

// RecvShare receives a full replicated share at record_index idx.
func (c Context) RecvShare(from model.Role, idx uint64) (share.Replicated, error) {
	h, err := c.recvHandle(from)
	if err != nil {
		return share.Replicated{}, err
	}
	b, err := h.Read(idx, 2*c.state.field.ByteLen())
	if err != nil {
		return share.Replicated{}, err
	}
	return share.Decode(c.state.field, b)
}

// PRSS returns paired (left, right) pseudo-random values derived from
// the current step path and an internal per-step counter (spec.md §4.E
// "prss()"); the counter advances on every call so successive PRSS
// draws at the same step never repeat.
func (c Context) PRSS() (left, right field.Element, err error) {
	key := c.step.String()
	c.state.mu.Lock()
	idx := c.state.prssCounter[key]
	c.state.prssCounter[key] = idx + 1
	c.state.mu.Unlock()
	return c.state.prssGen.Pair(c.step, idx)
}

// multiplyAt is the one-round secure multiplication primitive spec.md
// §4.F specifies, parameterized on the step it runs at so it can be
// reused both for the multiplication a protocol asked for (at c.step)
// and for the validator's own MAC-share multiplications (at a step
// narrowed off of it): it opens PRSS at s, sends one value to the right
// neighbor and receives one from the left.
func (c Context) multiplyAt(ctx context.Context, s step.Path, idx uint64, a, b share.Replicated) (share.Replicated, error) {
	rc := Context{state: c.state, step: s}
	prssLeft, prssRight, err := rc.PRSS()
	if err != nil {
		return share.Replicated{}, err
	}

	z := a.Left.Mul(b.Left).
		Add(a.Left.Mul(b.Right)).
		Add(a.Right.Mul(b.Left)).
		Add(prssLeft).
		Add(prssRight.Neg())

	if err := rc.SendElement(ctx, rc.state.self.Right(), idx, z); err != nil {
		return share.Replicated{}, err
	}
	fromLeft, err := rc.RecvElement(rc.state.self.Left(), idx)
	if err != nil {
		return share.Replicated{}, err
	}

	return share.Replicated{F: rc.state.field, Left: z, Right: fromLeft}, nil
}

// Multiply is the secure multiplication primitive spec.md §4.F exposes
// to protocol code. It runs multiplyAt at the current step and then
// hands the product to the active validator, which authenticates it by
// running its own interactive multiplication against a share of the
// MAC key (validator.Malicious.Record uses exactly this same
// multiplyAt primitive, via the rawMultiplier below, rather than a
// local shortcut).
func (c Context) Multiply(ctx context.Context, idx uint64, a, b share.Replicated) (share.Replicated, error) {
	product, err := c.multiplyAt(ctx, c.step, idx, a, b)
	if err != nil {
		return share.Replicated{}, err
	}
	if err := c.state.val.Record(ctx, rawMultiplier{c}, c.step, idx, product); err != nil {
		return share.Replicated{}, err
	}
	return product, nil
}

// rawMultiplier adapts Context.multiplyAt to validator.Multiplier. It
// must not be Context.Multiply itself: Record already runs inside
// Multiply, so reusing Multiply here would recurse into Record forever.
type rawMultiplier struct{ c Context }

func (r rawMultiplier) Multiply(ctx context.Context, s step.Path, idx uint64, a, b share.Replicated) (share.Replicated, error) {
	return r.c.multiplyAt(ctx, s, idx, a, b)
}

var _ validator.Multiplier = rawMultiplier{}

// Reveal implements validator.Revealer: it broadcasts this helper's
// Left share to both ring neighbors on the given step and sums the
// three helpers' Left values, the same reconstruction share.Reveal
// performs when all three shares are already local (spec.md §4.F, the
// two places plaintext may appear).
func (c Context) Reveal(ctx context.Context, s step.Path, value share.Replicated) (field.Element, error) {
	rc := Context{state: c.state, step: s}
	const idx = 0
	right := c.state.self.Right()
	left := c.state.self.Left()

	if err := rc.SendElement(ctx, right, idx, value.Left); err != nil {
		return nil, err
	}
	if err := rc.SendElement(ctx, left, idx, value.Left); err != nil {
		return nil, err
	}
	fromRight, err := rc.RecvElement(right, idx)
	if err != nil {
		return nil, err
	}
	fromLeft, err := rc.RecvElement(left, idx)
	if err != nil {
		return nil, err
	}
	return value.Left.Add(fromLeft).Add(fromRight), nil
}

var _ validator.Revealer = Context{}
