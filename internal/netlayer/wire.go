package netlayer

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"

	"github.com/dedis/ipa-helper/internal/model"
)

func decodeBase64URL(seg string) ([]byte, error) {
	return base64.RawURLEncoding.DecodeString(seg)
}

// encodeQueryIDSegment renders a QueryId as the URL-safe base64 segment
// used in every /query/{id}/... route.
func encodeQueryIDSegment(qid model.QueryId) string {
	b, _ := qid.MarshalBinary()
	return base64.RawURLEncoding.EncodeToString(b)
}

// encodePrepareBody concatenates the length-prefixed QueryConfig and
// RoleAssignment encodings spec.md §4.A's prepare body carries, followed
// by the two length-prefixed PRSS seeds and the length-prefixed
// replicated MAC-key share the leader deals to this follower
// (SPEC_FULL.md's PRSS/MAC key-distribution supplement to prepare; see
// internal/prss and internal/validator).
func encodePrepareBody(cfg model.QueryConfig, ra model.RoleAssignment, leftSeed, rightSeed, macKeyShare []byte) []byte {
	cfgBuf := cfg.Encode()
	raBuf := ra.Encode()
	out := appendLenPrefixed(nil, cfgBuf)
	out = append(out, raBuf...)
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
		return 0, nil, fmt.Errorf("netlayer: truncated length-prefixed field")
	}
	n := int(binary.BigEndian.Uint32(buf[pos : pos+4]))
	pos += 4
	if pos+n > len(buf) {
		return 0, nil, fmt.Errorf("netlayer: truncated length-prefixed field body")
	}
	return pos + n, buf[pos : pos+n], nil
}

func decodePrepareBody(buf []byte) (model.QueryConfig, model.RoleAssignment, []byte, []byte, []byte, error) {
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
	// RoleAssignment.Encode has no outer length prefix (it is always
	// exactly three fixed-role entries), so decode it in place and
	// recover how many bytes it consumed by re-encoding.
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
