package validator

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dedis/ipa-helper/internal/field"
	"github.com/dedis/ipa-helper/internal/share"
	"github.com/dedis/ipa-helper/internal/step"
)

// fakeRevealer sums the shares handed to Reveal directly, standing in
// for the three-helper network reveal a real ExecutionContext performs.
type fakeRevealer struct {
	f field.Field
}

func (r fakeRevealer) Reveal(_ context.Context, _ step.Path, value share.Replicated) (field.Element, error) {
	return value.Left.Add(value.Right), nil
}

// fakeMultiplier stands in for the three-helper interactive
// multiplication a real ExecutionContext.multiplyAt performs: it
// reconstructs each operand's plaintext value locally (valid only
// because these are single-process unit tests, not a network of
// helpers) and re-shares the product as an all-on-Left replicated
// share, which fakeRevealer's Left+Right reveal reproduces exactly.
type fakeMultiplier struct {
	f field.Field
}

func (m fakeMultiplier) Multiply(_ context.Context, _ step.Path, _ uint64, a, b share.Replicated) (share.Replicated, error) {
	av := a.Left.Add(a.Right)
	bv := b.Left.Add(b.Right)
	return share.Replicated{F: m.f, Left: av.Mul(bv), Right: m.f.Zero()}, nil
}

func TestSemiHonestValidatorIsNoOp(t *testing.T) {
	v := SemiHonest{}
	f := field.Fp31
	require.NoError(t, v.Init(context.Background(), fakeRevealer{f: f}, share.Zero(f)))
	require.NoError(t, v.Record(context.Background(), fakeMultiplier{f: f}, step.Root().Narrow("s"), 0, share.Zero(f)))
	require.NoError(t, v.Validate(context.Background(), fakeRevealer{f: f}, step.Root().Narrow("v"), f.Zero()))
}

func TestMaliciousValidatorAcceptsConsistentMac(t *testing.T) {
	f := field.Fp31
	one, err := f.FromBytes([]byte{1})
	require.NoError(t, err)
	two, err := f.FromBytes([]byte{2})
	require.NoError(t, err)

	m := NewMalicious(f)
	macKey := share.New(f, one, one)
	require.NoError(t, m.Init(context.Background(), fakeRevealer{f: f}, macKey))

	// product reveals to 2+2=4, macKey reveals to 1+1=2.
	product := share.New(f, two, two)
	require.NoError(t, m.Record(context.Background(), fakeMultiplier{f: f}, step.Root().Narrow("mul"), 0, product))

	// acc = product * macKey = 4*2 = 8, all on Left; revealed = 8+0 = 8.
	expected, err := f.FromBytes([]byte{8})
	require.NoError(t, err)

	require.NoError(t, m.Validate(context.Background(), fakeRevealer{f: f}, step.Root().Narrow("v1"), expected))
}

func TestMaliciousValidatorRejectsTamperedValue(t *testing.T) {
	f := field.Fp31
	one, err := f.FromBytes([]byte{1})
	require.NoError(t, err)
	two, err := f.FromBytes([]byte{2})
	require.NoError(t, err)

	m := NewMalicious(f)
	macKey := share.New(f, one, one)
	require.NoError(t, m.Init(context.Background(), fakeRevealer{f: f}, macKey))
	require.NoError(t, m.Record(context.Background(), fakeMultiplier{f: f}, step.Root().Narrow("mul"), 0, share.New(f, two, two)))

	wrong, err := f.FromBytes([]byte{5})
	require.NoError(t, err)

	err = m.Validate(context.Background(), fakeRevealer{f: f}, step.Root().Narrow("v2"), wrong)
	require.Error(t, err)
}

func TestMaliciousValidatorPanicsOnRecordBeforeInit(t *testing.T) {
	f := field.Fp31
	m := NewMalicious(f)
	require.Panics(t, func() {
		m.Record(context.Background(), fakeMultiplier{f: f}, step.Root().Narrow("mul"), 0, share.Zero(f))
	})
}
