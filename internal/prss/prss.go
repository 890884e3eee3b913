// Package prss implements pairwise pseudo-random secret sharing
// (spec.md §3 "PRSS keys"): at prepare time each pair of ring-adjacent
// helpers agrees on a seed via Diffie-Hellman, and during circuit
// execution those seeds are combined with the current step path and a
// per-step counter to derive correlated randomness. Key agreement is
// grounded in ldsec-unlynx's use of go.dedis.ch/kyber for scalar/point
// Diffie-Hellman; seed expansion uses golang.org/x/crypto/hkdf, the same
// primitive family the ancestor codebase and markkurossi-mpc's OT
// extension code use for deriving many pseudorandom outputs from one
// short secret.
package prss

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	"go.dedis.ch/kyber/v3"
	"go.dedis.ch/kyber/v3/suites"
	"golang.org/x/crypto/hkdf"

	"github.com/dedis/ipa-helper/internal/field"
	"github.com/dedis/ipa-helper/internal/step"
)

// Suite is the elliptic-curve group used for pairwise key agreement,
// grounded in ldsec-unlynx's SuiTe (suites.MustFind("Ed25519")).
var Suite = suites.MustFind("Ed25519")

// KeyPair is one helper's ephemeral Diffie-Hellman key for a single
// query's prepare exchange.
type KeyPair struct {
	Private kyber.Scalar
	Public  kyber.Point
}

// GenerateKeyPair draws a fresh ephemeral key pair, one per query per
// neighbor direction, matching ldsec-unlynx's crypto.go pattern of
// drawing scalars from the suite's own random stream.
func GenerateKeyPair() KeyPair {
	priv := Suite.Scalar().Pick(Suite.RandomStream())
	pub := Suite.Point().Mul(priv, nil)
	return KeyPair{Private: priv, Public: pub}
}

// Agree derives the raw Diffie-Hellman shared secret with a neighbor's
// public key, following the same suite.Point().Mul(peerPub, priv)
// pattern ldsec-unlynx's crypto.go uses to compute S in ElGamal.
func Agree(mine KeyPair, peerPublic kyber.Point) []byte {
	shared := Suite.Point().Mul(mine.Private, peerPublic)
	b, err := shared.MarshalBinary()
	if err != nil {
		// kyber points always marshal; a failure here means a suite
		// mismatch between peers, which is a configuration bug.
		panic(fmt.Sprintf("prss: marshaling shared point: %v", err))
	}
	return b
}

// Keys holds the two pairwise seeds a helper establishes with its ring
// neighbors at query-prepare time. Immutable for the query's lifetime
// (spec.md §5 "PRSS key material is immutable after query preparation
// and may be read concurrently").
type Keys struct {
	LeftSeed  []byte
	RightSeed []byte
}

// Generator produces paired (left, right) pseudo-random field elements
// for one execution context, combining the pairwise seeds with the
// context's step path and an internal per-step counter (spec.md §4.E
// "prss()").
type Generator struct {
	keys  Keys
	field field.Field
}

// NewGenerator builds a Generator bound to keys and a field. The
// Generator holds no counter of its own: one instance serves a whole
// query, and the caller supplies the per-step draw index to Pair.
func NewGenerator(keys Keys, f field.Field) *Generator {
	return &Generator{keys: keys, field: f}
}

// Pair returns the (left, right) pseudo-random elements for draw index
// idx at the given step path. Same (seed, step, idx) always yields the
// same output, which is required for the two neighbors sharing a seed to
// derive matching correlated randomness independently, with no
// additional messages.
func (g *Generator) Pair(s step.Path, idx uint64) (left, right field.Element, err error) {
	left, err = g.derive(g.keys.LeftSeed, s, idx)
	if err != nil {
		return nil, nil, err
	}
	right, err = g.derive(g.keys.RightSeed, s, idx)
	if err != nil {
		return nil, nil, err
	}
	return left, right, nil
}

func (g *Generator) derive(seed []byte, s step.Path, idx uint64) (field.Element, error) {
	info := make([]byte, 0, len(s.String())+8)
	info = append(info, []byte(s.String())...)
	var idxBuf [8]byte
	binary.BigEndian.PutUint64(idxBuf[:], idx)
	info = append(info, idxBuf[:]...)

	hk := hkdf.New(sha256.New, seed, nil, info)
	return g.field.Random(hk)
}
