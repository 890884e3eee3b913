// Package reportcrypt implements the input-decryption boundary spec.md
// §4.C's `input` step and §8's invariant "a helper never holds a
// plaintext input record outside the input-decryption boundary" require:
// a collector secret-shares a record locally, then seals each helper's
// share with that helper's curve25519 public key before it ever touches
// the network. Grounded in the teacher's and markkurossi-mpc's shared use
// of the golang.org/x/crypto nacl-family primitives for message sealing;
// anonymous boxes are used since report-collector authentication is an
// open item spec.md's Design Notes carry forward rather than resolve.
package reportcrypt

import (
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/nacl/box"

	"github.com/dedis/ipa-helper/internal/herrors"
)

// KeySize is the width of a curve25519 public or private key.
const KeySize = 32

// PublicKey is a helper's report-encryption public key, published in its
// startup configuration.
type PublicKey [KeySize]byte

// PrivateKey is a helper's report-decryption private key, never leaves
// the helper process.
type PrivateKey [KeySize]byte

// GenerateKeyPair draws a fresh curve25519 key pair, used by test setup
// to provision a helper's box key pair.
func GenerateKeyPair() (PublicKey, PrivateKey, error) {
	pub, priv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return PublicKey{}, PrivateKey{}, fmt.Errorf("reportcrypt: generating key pair: %w", err)
	}
	return PublicKey(*pub), PrivateKey(*priv), nil
}

// Seal anonymously encrypts plaintext (one record's raw share bytes) for
// recipient. The collector calls this once per helper per record; the
// sealed box carries an ephemeral sender key so no long-lived collector
// identity is required.
func Seal(recipient PublicKey, plaintext []byte) ([]byte, error) {
	rk := [KeySize]byte(recipient)
	out, err := box.SealAnonymous(nil, plaintext, &rk, rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("reportcrypt: sealing record: %w", err)
	}
	return out, nil
}

// Open decrypts a record share sealed for this helper's key pair. Any
// failure — truncated box, wrong key, tampered ciphertext — is reported
// as herrors.ErrBadInput, the terminal error kind spec.md §7 assigns to
// "record count/size mismatch, decryption failure".
func Open(pub PublicKey, priv PrivateKey, ciphertext []byte) ([]byte, error) {
	pk := [KeySize]byte(pub)
	sk := [KeySize]byte(priv)
	out, ok := box.OpenAnonymous(nil, ciphertext, &pk, &sk)
	if !ok {
		return nil, fmt.Errorf("%w: record decryption failed", herrors.ErrBadInput)
	}
	return out, nil
}
