package reportcrypt

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dedis/ipa-helper/internal/herrors"
)

func TestSealOpenRoundTrip(t *testing.T) {
	pub, priv, err := GenerateKeyPair()
	require.NoError(t, err)

	plaintext := []byte("a record share, sealed for one helper")
	ciphertext, err := Seal(pub, plaintext)
	require.NoError(t, err)
	require.NotEqual(t, plaintext, ciphertext)

	got, err := Open(pub, priv, ciphertext)
	require.NoError(t, err)
	require.Equal(t, plaintext, got)
}

func TestOpenWrongKeyFails(t *testing.T) {
	pub, _, err := GenerateKeyPair()
	require.NoError(t, err)
	_, wrongPriv, err := GenerateKeyPair()
	require.NoError(t, err)

	ciphertext, err := Seal(pub, []byte("secret"))
	require.NoError(t, err)

	_, err = Open(pub, wrongPriv, ciphertext)
	require.ErrorIs(t, err, herrors.ErrBadInput)
}

func TestOpenTamperedCiphertextFails(t *testing.T) {
	pub, priv, err := GenerateKeyPair()
	require.NoError(t, err)

	ciphertext, err := Seal(pub, []byte("secret"))
	require.NoError(t, err)
	ciphertext[len(ciphertext)-1] ^= 0xFF

	_, err = Open(pub, priv, ciphertext)
	require.ErrorIs(t, err, herrors.ErrBadInput)
}
