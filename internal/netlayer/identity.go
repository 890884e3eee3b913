// Package netlayer implements spec.md §4.A: one HTTPS listener
// demultiplexing the Query API (collector-facing, no mutual TLS
// required) and the Helper-to-Helper API (mutual TLS, peer identity
// derived from the client certificate). It is grounded in the teacher's
// network/tls.go (TLS listener/dial retry loop) and sda/websocket.go
// (an http.ServeMux-based service listener living alongside the main
// listener), generalized from cothority's custom TCP framing to
// stdlib net/http since spec.md §4.A names concrete HTTP routes and
// verbs.
package netlayer

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"

	"github.com/dedis/ipa-helper/internal/model"
)

// IdentityFromCert derives a HelperIdentity from a peer's TLS
// certificate subject CN (spec.md §3 "HelperIdentity", §6 "TLS").
func IdentityFromCert(cert *x509.Certificate) model.HelperIdentity {
	return model.HelperIdentity(cert.Subject.CommonName)
}

// IdentityFromConnState extracts the peer HelperIdentity from a completed
// mutual-TLS handshake, or an error if no client certificate was
// presented — which the H2H routes require.
func IdentityFromConnState(state tls.ConnectionState) (model.HelperIdentity, error) {
	if len(state.PeerCertificates) == 0 {
		return "", fmt.Errorf("netlayer: no client certificate presented")
	}
	return IdentityFromCert(state.PeerCertificates[0]), nil
}

// PeerConfig is one entry of the peer identity table loaded at startup
// (spec.md §6 "CLI surface... peer identity table").
type PeerConfig struct {
	Identity model.HelperIdentity
	Address  string // host:port of the peer's HTTPS listener
}

// PeerTable maps a HelperIdentity to its network address, used by the
// H2H client to dial peers and by the server to validate that an
// incoming request's peer identity is one this helper recognizes.
type PeerTable map[model.HelperIdentity]PeerConfig
