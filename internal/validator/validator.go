// Package validator implements the two validation strategies spec.md
// §4.H describes: a semi-honest no-op, and a malicious variant that
// accumulates MAC shares across every multiplication performed on a
// context and checks them on demand. Both satisfy the same Validator
// contract so execctx.Context can hold either behind one interface,
// the pattern markkurossi-mpc's gmw package uses for its optional
// authentication layer over a base semi-honest protocol.
package validator

import (
	"context"
	"fmt"

	"github.com/dedis/ipa-helper/internal/field"
	"github.com/dedis/ipa-helper/internal/herrors"
	"github.com/dedis/ipa-helper/internal/share"
	"github.com/dedis/ipa-helper/internal/step"
)

// Revealer opens the three-helper reveal spec.md §4.F names as one of
// the two boundaries plaintext may cross. internal/execctx implements
// this by sending its Left share to both neighbors on a narrowed step,
// receiving theirs, and summing the three, avoiding a validator ->
// execctx import (execctx already imports validator for the Validator
// interface).
type Revealer interface {
	Reveal(ctx context.Context, s step.Path, value share.Replicated) (field.Element, error)
}

// Multiplier runs the same interactive replicated-multiplication round
// internal/execctx.Context.Multiply uses on ordinary protocol values,
// at an arbitrary step s. A share of a·b cannot be formed by any local,
// per-lane computation on two independently-shared values (that yields
// uncorrelated noise, not a valid share of the product); Multiplier is
// how Malicious.Record forms a valid share of product·macKeyShare
// without a validator -> execctx import.
type Multiplier interface {
	Multiply(ctx context.Context, s step.Path, idx uint64, a, b share.Replicated) (share.Replicated, error)
}

// Validator is the common contract both strategies satisfy (spec.md
// §4.H). Protocols choose when to call Validate; the runtime enforces
// only that every multiplication recorded before a Validate call is
// checked by it.
type Validator interface {
	// Init prepares the validator for a fresh query, e.g. establishing a
	// shared MAC key. Called once by the query processor before any
	// protocol step runs (the "seed phase" original_source/ separates
	// from the main circuit).
	Init(ctx context.Context, rv Revealer, macKeyShare share.Replicated) error

	// Record folds one multiplication's output share into the running
	// accumulator, authenticating it against the MAC key via mul. s and
	// idx identify the multiplication's own step and record index, so
	// Record can narrow its own channel off of them without colliding
	// with the caller's. A no-op for SemiHonest.
	Record(ctx context.Context, mul Multiplier, s step.Path, idx uint64, product share.Replicated) error

	// Validate checks every multiplication recorded since the last
	// Validate call against expected, the plaintext value the protocol
	// asserts the accumulated MACs should reveal to. s is the step the
	// protocol has narrowed for this validation point, so that repeated
	// validate() calls within one query each get a distinct reveal
	// channel. Returns herrors.ErrValidationFailed if they disagree.
	Validate(ctx context.Context, rv Revealer, s step.Path, expected field.Element) error
}

// SemiHonest performs no runtime checks; soundness relies entirely on
// helpers following the protocol (spec.md §4.H).
type SemiHonest struct{}

var _ Validator = SemiHonest{}

func (SemiHonest) Init(context.Context, Revealer, share.Replicated) error { return nil }
func (SemiHonest) Record(context.Context, Multiplier, step.Path, uint64, share.Replicated) error {
	return nil
}
func (SemiHonest) Validate(context.Context, Revealer, step.Path, field.Element) error {
	return nil
}

// Malicious accumulates a running MAC share and reveals it on Validate
// to compare against the protocol's asserted plaintext value. Each
// Record authenticates its product by interactively multiplying it
// against the query's MAC key share, on a "mac" step narrowed off the
// multiplication's own step, using its own per-step record-index
// counter so it never collides with the protocol's own channel at that
// step (the same per-step-counter shape internal/execctx.Context.PRSS
// uses).
type Malicious struct {
	f           field.Field
	macKeyShare share.Replicated
	acc         share.Replicated
	valueAcc    share.Replicated
	initialized bool
	macIdx      map[string]uint64
}

var _ Validator = (*Malicious)(nil)

// NewMalicious builds an uninitialized Malicious validator bound to
// field f; Init must be called before any Record.
func NewMalicious(f field.Field) *Malicious {
	return &Malicious{f: f, acc: share.Zero(f), macIdx: make(map[string]uint64)}
}

// Init stores the query's MAC key share, which the leader deals with
// share.Deal at create time (sending each follower its share in the
// prepare message), and resets the accumulators.
func (m *Malicious) Init(_ context.Context, _ Revealer, macKeyShare share.Replicated) error {
	m.macKeyShare = macKeyShare
	m.acc = share.Zero(m.f)
	m.valueAcc = share.Zero(m.f)
	m.macIdx = make(map[string]uint64)
	m.initialized = true
	return nil
}

// Record folds product's contribution into the MAC accumulator:
// acc += product * macKeyShare. product and macKeyShare are each
// independently secret-shared, so this is itself a secure
// multiplication — the same cross-term-plus-PRSS-masking round
// Context.Multiply performs on ordinary protocol values, not a local
// per-lane shortcut, which would yield uncorrelated noise instead of a
// valid MAC share.
func (m *Malicious) Record(ctx context.Context, mul Multiplier, s step.Path, _ uint64, product share.Replicated) error {
	if !m.initialized {
		panic("validator: Record called before Init")
	}
	macStep := s.Narrow("mac")
	key := macStep.String()
	n := m.macIdx[key]
	m.macIdx[key] = n + 1

	contribution, err := mul.Multiply(ctx, macStep, n, product, m.macKeyShare)
	if err != nil {
		return err
	}
	m.acc = m.acc.Add(contribution)
	m.valueAcc = m.valueAcc.Add(product)
	return nil
}

// Sum returns the running replicated share of every product Record has
// folded in since the last Init or Validate: the plaintext basis a
// caller reveals to derive Validate's expected argument, so that a
// protocol with no Multiply calls (fpSum has none) validates against a
// MAC accumulator that never left zero rather than against an unrelated
// output sum.
func (m *Malicious) Sum() share.Replicated {
	return m.valueAcc
}

// Validate reveals the accumulated MAC share and compares it against
// expected. A mismatch is a terminal ValidationFailed for the query
// (spec.md §4.H "Failure semantics").
func (m *Malicious) Validate(ctx context.Context, rv Revealer, s step.Path, expected field.Element) error {
	if !m.initialized {
		panic("validator: Validate called before Init")
	}
	revealed, err := rv.Reveal(ctx, s, m.acc)
	if err != nil {
		return err
	}
	diff := revealed.Add(expected.Neg())
	if !diff.IsZero() {
		return fmt.Errorf("%w: mac accumulator mismatch", herrors.ErrValidationFailed)
	}
	m.acc = share.Zero(m.f)
	m.valueAcc = share.Zero(m.f)
	return nil
}
