package config

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dedis/ipa-helper/internal/model"
)

const testBoxKeyHex = "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"

const sampleToml = `
identity = "h1.helpers.example"
listen_addr = "0.0.0.0:9443"
tls_cert_file = "/etc/ipa-helper/h1.crt"
tls_key_file = "/etc/ipa-helper/h1.key"
tls_peer_ca_file = "/etc/ipa-helper/ca.crt"
query_timeout_seconds = 30
box_private_key_hex = "` + testBoxKeyHex + `"

[[peer]]
identity = "h2.helpers.example"
address = "h2.internal:9443"

[[peer]]
identity = "h3.helpers.example"
address = "h3.internal:9443"
`

func TestDecodeValidConfig(t *testing.T) {
	h, err := Decode(strings.NewReader(sampleToml))
	require.NoError(t, err)

	require.Equal(t, model.HelperIdentity("h1.helpers.example"), h.Identity)
	require.Equal(t, "0.0.0.0:9443", h.ListenAddr)
	require.Equal(t, 30*time.Second, h.QueryTimeout)
	require.Len(t, h.Peers, 2)
	require.Equal(t, "h2.internal:9443", h.Peers["h2.helpers.example"].Address)
}

func TestDecodeDefaultsTimeout(t *testing.T) {
	noTimeout := `
identity = "h1"
listen_addr = "127.0.0.1:1"
tls_cert_file = "c"
tls_key_file = "k"
tls_peer_ca_file = "ca"
box_private_key_hex = "` + testBoxKeyHex + `"
`
	h, err := Decode(strings.NewReader(noTimeout))
	require.NoError(t, err)
	require.Equal(t, DefaultQueryTimeout, h.QueryTimeout)
}

func TestDecodeMissingRequiredFieldFails(t *testing.T) {
	_, err := Decode(strings.NewReader(`listen_addr = "x"`))
	require.Error(t, err)
}

func TestDecodeMissingBoxKeyFails(t *testing.T) {
	const noBoxKey = `
identity = "h1"
listen_addr = "127.0.0.1:1"
tls_cert_file = "c"
tls_key_file = "k"
tls_peer_ca_file = "ca"
`
	_, err := Decode(strings.NewReader(noBoxKey))
	require.Error(t, err)
}

func TestDecodeIncompletePeerFails(t *testing.T) {
	const badPeer = `
identity = "h1"
listen_addr = "127.0.0.1:1"
tls_cert_file = "c"
tls_key_file = "k"
tls_peer_ca_file = "ca"

[[peer]]
identity = "h2"
`
	_, err := Decode(strings.NewReader(badPeer))
	require.Error(t, err)
}
