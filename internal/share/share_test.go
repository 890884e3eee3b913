package share

import (
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dedis/ipa-helper/internal/field"
)

func fp(v uint64) field.Element {
	e, err := field.Fp31.FromBytes([]byte{byte(v)})
	if err != nil {
		panic(err)
	}
	return e
}

func TestDealRevealRoundTrip(t *testing.T) {
	shares, err := Deal(field.Fp31, fp(17), rand.Reader)
	require.NoError(t, err)

	// adjacent shares must agree, the invariant every ring-neighbor pair
	// relies on to reconstruct without a fourth message.
	require.Equal(t, shares[0].Left.Bytes(), shares[1].Right.Bytes())
	require.Equal(t, shares[1].Left.Bytes(), shares[2].Right.Bytes())
	require.Equal(t, shares[2].Left.Bytes(), shares[0].Right.Bytes())

	got, err := Reveal(shares)
	require.NoError(t, err)
	v, ok := field.Uint64(got)
	require.True(t, ok)
	require.EqualValues(t, 17, v)
}

func TestReplicatedAddAndEncodeRoundTrip(t *testing.T) {
	a := New(field.Fp31, fp(3), fp(5))
	b := New(field.Fp31, fp(4), fp(6))
	sum := a.Add(b)

	buf := sum.Encode()
	got, err := Decode(field.Fp31, buf)
	require.NoError(t, err)
	require.Equal(t, sum, got)
}

func TestReplicatedNegCancelsOut(t *testing.T) {
	a := New(field.Fp31, fp(9), fp(2))
	zero := a.Add(a.Neg())
	require.True(t, zero.Left.IsZero())
	require.True(t, zero.Right.IsZero())
}

func TestVectorizedAddIsPointwise(t *testing.T) {
	v1, err := NewVectorized(field.Fp31, 2, []Replicated{New(field.Fp31, fp(1), fp(0)), New(field.Fp31, fp(2), fp(0))})
	require.NoError(t, err)
	v2, err := NewVectorized(field.Fp31, 2, []Replicated{New(field.Fp31, fp(10), fp(0)), New(field.Fp31, fp(20), fp(0))})
	require.NoError(t, err)

	sum := v1.Add(v2)
	require.EqualValues(t, 11, mustUint64(sum.Lanes[0].Left))
	require.EqualValues(t, 22, mustUint64(sum.Lanes[1].Left))
}

func mustUint64(e field.Element) uint64 {
	v, ok := field.Uint64(e)
	if !ok {
		panic("not a prime element")
	}
	return v
}
