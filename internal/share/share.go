// Package share implements replicated secret sharing over the field
// types in internal/field (spec.md §3 "ReplicatedShare<F>",
// "VectorizedShare<F, W>"). Local addition and the shape of the
// multiplication contract follow markkurossi-mpc's gmw package, which
// represents a party's share of a wire as a pair of field values and
// computes multiplication as a local combination plus one message
// exchange.
package share

import (
	"fmt"
	"io"

	"github.com/dedis/ipa-helper/internal/field"
)

// Replicated is a helper's share of a secret: the pair (left, right)
// such that the three helpers' pairs reconstruct the secret when summed
// according to the ring topology (spec.md §3). left is this helper's
// own component, also held (as its right) by the right-ring neighbor;
// right is a copy of the left-ring neighbor's left.
type Replicated struct {
	F     field.Field
	Left  field.Element
	Right field.Element
}

// New builds a Replicated share from two elements of the same field.
func New(f field.Field, left, right field.Element) Replicated {
	return Replicated{F: f, Left: left, Right: right}
}

// Zero returns the all-zero share in field f.
func Zero(f field.Field) Replicated {
	return Replicated{F: f, Left: f.Zero(), Right: f.Zero()}
}

// Add computes the local (non-interactive) sum of two shares.
func (r Replicated) Add(o Replicated) Replicated {
	return Replicated{F: r.F, Left: r.Left.Add(o.Left), Right: r.Right.Add(o.Right)}
}

// Neg computes the local negation of a share.
func (r Replicated) Neg() Replicated {
	return Replicated{F: r.F, Left: r.Left.Neg(), Right: r.Right.Neg()}
}

// Reveal reconstructs a value from three helpers' shares. It is used
// only at the two boundaries the spec allows plaintext to appear:
// decrypting inputs and validator MAC checks (spec.md §4.H), never
// inside protocol steps.
func Reveal(shares [3]Replicated) (field.Element, error) {
	f := shares[0].F
	for _, s := range shares {
		if s.F.Name() != f.Name() {
			return nil, fmt.Errorf("share: mismatched fields in reveal: %s vs %s", s.F.Name(), f.Name())
		}
	}
	sum := f.Zero()
	// Reconstruction sums each helper's Left share: H1.left + H2.left +
	// H3.left (spec.md §3), since by construction H(i).right ==
	// H(i-1).left.
	for _, s := range shares {
		sum = sum.Add(s.Left)
	}
	return sum, nil
}

// Deal secret-shares value into the three helpers' Replicated shares
// using rnd as entropy, following the same left/right convention as
// every other share in this package (H(i).Right == H(i-1).Left). Used
// once per query by the leader, acting as a trusted dealer, to
// distribute the global MAC key a Malicious validator accumulates
// against (spec.md §4.H), and by cmd/hclient to share input values.
func Deal(f field.Field, value field.Element, rnd io.Reader) ([3]Replicated, error) {
	x1, err := f.Random(rnd)
	if err != nil {
		return [3]Replicated{}, fmt.Errorf("share: dealing: %w", err)
	}
	x2, err := f.Random(rnd)
	if err != nil {
		return [3]Replicated{}, fmt.Errorf("share: dealing: %w", err)
	}
	x3 := value.Add(x1.Neg()).Add(x2.Neg())

	return [3]Replicated{
		{F: f, Left: x1, Right: x3},
		{F: f, Left: x2, Right: x1},
		{F: f, Left: x3, Right: x2},
	}, nil
}

// Vectorized packs W independent replicated shares of the same field
// into one value, the "vectorization" spec.md §3 describes to avoid
// wasting a machine word on single-bit boolean lanes. Each lane is an
// independent Replicated share; Width is fixed per query by the
// QueryConfig's vectorization tag.
type Vectorized struct {
	F     field.Field
	Width int
	Lanes []Replicated
}

// NewVectorized builds a Vectorized share from exactly width lanes.
func NewVectorized(f field.Field, width int, lanes []Replicated) (Vectorized, error) {
	if len(lanes) != width {
		return Vectorized{}, fmt.Errorf("share: want %d lanes, got %d", width, len(lanes))
	}
	return Vectorized{F: f, Width: width, Lanes: lanes}, nil
}

// ZeroVectorized returns a width-lane all-zero vectorized share.
func ZeroVectorized(f field.Field, width int) Vectorized {
	lanes := make([]Replicated, width)
	for i := range lanes {
		lanes[i] = Zero(f)
	}
	return Vectorized{F: f, Width: width, Lanes: lanes}
}

// Add computes the local pointwise sum, lane by lane.
func (v Vectorized) Add(o Vectorized) Vectorized {
	out := make([]Replicated, v.Width)
	for i := range out {
		out[i] = v.Lanes[i].Add(o.Lanes[i])
	}
	return Vectorized{F: v.F, Width: v.Width, Lanes: out}
}

// Encode serializes a Replicated share as left-bytes concatenated with
// right-bytes, the field-native little-endian encoding spec.md §6
// requires for step bodies.
func (r Replicated) Encode() []byte {
	out := make([]byte, 0, 2*r.F.ByteLen())
	out = append(out, r.Left.Bytes()...)
	out = append(out, r.Right.Bytes()...)
	return out
}

// Decode parses the encoding Encode produces.
func Decode(f field.Field, buf []byte) (Replicated, error) {
	n := f.ByteLen()
	if len(buf) != 2*n {
		return Replicated{}, fmt.Errorf("share: want %d bytes, got %d", 2*n, len(buf))
	}
	left, err := f.FromBytes(buf[:n])
	if err != nil {
		return Replicated{}, err
	}
	right, err := f.FromBytes(buf[n:])
	if err != nil {
		return Replicated{}, err
	}
	return Replicated{F: f, Left: left, Right: right}, nil
}
