package queryproc

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/dedis/ipa-helper/internal/field"
	"github.com/dedis/ipa-helper/internal/herrors"
	"github.com/dedis/ipa-helper/internal/model"
	"github.com/dedis/ipa-helper/internal/prss"
)

// fieldFor resolves a QueryConfig's closed FieldKind tag to the
// concrete field.Field implementation the registry's drivers operate
// over (spec.md §9 "closed tagged variant... resolved once at query
// entry").
func fieldFor(kind model.FieldKind) (field.Field, error) {
	switch kind {
	case model.FieldBoolean1:
		return field.Boolean{Width: 1}, nil
	case model.FieldBoolean8:
		return field.Boolean{Width: 8}, nil
	case model.FieldBoolean32:
		return field.Boolean{Width: 32}, nil
	case model.FieldBoolean256:
		return field.Boolean{Width: 256}, nil
	case model.FieldFp31:
		return field.Fp31, nil
	case model.FieldFp32Prime:
		return field.Fp32BitPrime, nil
	default:
		return nil, fmt.Errorf("%w: unknown field kind %q", herrors.ErrBadInput, kind)
	}
}

// macKeyRandSource is the entropy source for the leader's one-time draws
// (the MAC key itself, and the two dealer shares hiding it) at query
// creation. A fresh crypto/rand read per query, not a PRSS-derived
// stream: the MAC key must stay unknown to any single helper, including
// the leader after it finishes dealing.
func macKeyRandSource() io.Reader { return rand.Reader }

// roleIndex maps a ring role to its position in a share.Deal result,
// following AllRoles' canonical H1,H2,H3 order.
func roleIndex(role model.Role) int {
	switch role {
	case model.H1:
		return 0
	case model.H2:
		return 1
	case model.H3:
		return 2
	default:
		panic("queryproc: invalid role " + string(role))
	}
}

// dealEdges has the leader generate one ephemeral kyber key pair per
// ring edge and derive that edge's PRSS seed via prss.Agree(kp,
// kp.Public) — a self-consistent, deterministic use of the same
// Diffie-Hellman primitive ldsec-unlynx's crypto.go uses for a live
// two-party handshake, here applied by a single trusted party so no
// second wire round-trip is needed to establish pairwise seeds (SPEC_FULL's
// PRSS key-distribution supplement). The three edge secrets are then
// assigned as the LeftSeed/RightSeed each of H1, H2, H3 shares with its
// two ring neighbors.
func dealEdges() map[model.Role]prss.Keys {
	edgeH1H2 := edgeSecret()
	edgeH2H3 := edgeSecret()
	edgeH3H1 := edgeSecret()
	return map[model.Role]prss.Keys{
		model.H1: {LeftSeed: edgeH3H1, RightSeed: edgeH1H2},
		model.H2: {LeftSeed: edgeH1H2, RightSeed: edgeH2H3},
		model.H3: {LeftSeed: edgeH2H3, RightSeed: edgeH3H1},
	}
}

func edgeSecret() []byte {
	kp := prss.GenerateKeyPair()
	return prss.Agree(kp, kp.Public)
}

// decodeInputBody splits a collector's input POST body into its
// constituent sealed records: a sequence of 4-byte-big-endian-length
// prefixed ciphertexts, one per input record (spec.md §4.C "On input:
// collect until N encrypted records are received").
func decodeInputBody(r io.Reader) ([][]byte, error) {
	buf, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("%w: reading input body: %v", herrors.ErrBadInput, err)
	}
	var records [][]byte
	pos := 0
	for pos < len(buf) {
		if pos+4 > len(buf) {
			return nil, fmt.Errorf("%w: truncated input record length", herrors.ErrBadInput)
		}
		n := int(binary.BigEndian.Uint32(buf[pos : pos+4]))
		pos += 4
		if pos+n > len(buf) {
			return nil, fmt.Errorf("%w: truncated input record body", herrors.ErrBadInput)
		}
		records = append(records, buf[pos:pos+n])
		pos += n
	}
	return records, nil
}

// EncodeInputBody frames a batch of sealed records the way
// decodeInputBody expects. Exported for cmd/hclient, the collector
// stand-in that is the only other caller of this framing.
func EncodeInputBody(records [][]byte) []byte {
	var out []byte
	var lenBuf [4]byte
	for _, rec := range records {
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(rec)))
		out = append(out, lenBuf[:]...)
		out = append(out, rec...)
	}
	return out
}
