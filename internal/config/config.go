// Package config loads a helper process's startup configuration from a
// TOML file, the format the teacher (dedis-cothority's app.GroupToml)
// and ldsec-unlynx both use for describing a cluster of peers.
package config

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"golang.org/x/crypto/curve25519"

	"github.com/dedis/ipa-helper/internal/model"
	"github.com/dedis/ipa-helper/internal/netlayer"
	"github.com/dedis/ipa-helper/internal/reportcrypt"
)

// PeerToml is one entry in the [[peer]] table: another helper's stable
// identity (its TLS certificate CN) and network address.
type PeerToml struct {
	Identity string `toml:"identity"`
	Address  string `toml:"address"`
}

// HelperToml is the root of a helper's config.toml, mirroring the flat
// shape dedis-cothority's GroupToml and ldsec-unlynx's config structs
// use: plain exported fields, toml tags only where the key differs from
// the field name.
type HelperToml struct {
	Identity      string     `toml:"identity"`
	ListenAddr    string     `toml:"listen_addr"`
	TLSCertFile   string     `toml:"tls_cert_file"`
	TLSKeyFile    string     `toml:"tls_key_file"`
	TLSPeerCAFile string     `toml:"tls_peer_ca_file"`
	Peers         []PeerToml `toml:"peer"`
	// QueryTimeoutSeconds bounds a query's wall-clock deadline (spec.md
	// §5 "Timeouts"); zero means "use DefaultQueryTimeout".
	QueryTimeoutSeconds int `toml:"query_timeout_seconds"`
	// BoxPrivateKeyHex is this helper's hex-encoded curve25519 private
	// key, used to open collector-sealed input records at the
	// input-decryption boundary (internal/reportcrypt). The matching
	// public key is derived from it, not configured separately, so the
	// two can never drift apart.
	BoxPrivateKeyHex string `toml:"box_private_key_hex"`
}

// DefaultQueryTimeout is applied when a config omits query_timeout_seconds.
const DefaultQueryTimeout = 5 * time.Minute

// Helper is the parsed, validated form of HelperToml used by cmd/helper.
type Helper struct {
	Identity     model.HelperIdentity
	ListenAddr   string
	TLSMaterial  netlayer.TLSMaterial
	Peers        netlayer.PeerTable
	QueryTimeout time.Duration
	BoxPub       reportcrypt.PublicKey
	BoxPriv      reportcrypt.PrivateKey
}

// Load reads and validates a helper config from path.
func Load(path string) (Helper, error) {
	f, err := os.Open(path)
	if err != nil {
		return Helper{}, fmt.Errorf("config: opening %s: %w", path, err)
	}
	defer f.Close()
	return Decode(f)
}

// Decode parses a helper config from r, the shape ReadGroupToml uses in
// the teacher's app package.
func Decode(r io.Reader) (Helper, error) {
	var raw HelperToml
	if _, err := toml.DecodeReader(r, &raw); err != nil {
		return Helper{}, fmt.Errorf("config: decoding toml: %w", err)
	}
	return raw.resolve()
}

func (raw HelperToml) resolve() (Helper, error) {
	if raw.Identity == "" {
		return Helper{}, fmt.Errorf("config: identity is required")
	}
	if raw.ListenAddr == "" {
		return Helper{}, fmt.Errorf("config: listen_addr is required")
	}
	if raw.TLSCertFile == "" || raw.TLSKeyFile == "" || raw.TLSPeerCAFile == "" {
		return Helper{}, fmt.Errorf("config: tls_cert_file, tls_key_file and tls_peer_ca_file are all required")
	}

	peers := make(netlayer.PeerTable, len(raw.Peers))
	for _, p := range raw.Peers {
		if p.Identity == "" || p.Address == "" {
			return Helper{}, fmt.Errorf("config: peer entries require identity and address")
		}
		id := model.HelperIdentity(p.Identity)
		peers[id] = netlayer.PeerConfig{Identity: id, Address: p.Address}
	}

	timeout := DefaultQueryTimeout
	if raw.QueryTimeoutSeconds > 0 {
		timeout = time.Duration(raw.QueryTimeoutSeconds) * time.Second
	}

	if raw.BoxPrivateKeyHex == "" {
		return Helper{}, fmt.Errorf("config: box_private_key_hex is required")
	}
	privBytes, err := hex.DecodeString(raw.BoxPrivateKeyHex)
	if err != nil || len(privBytes) != reportcrypt.KeySize {
		return Helper{}, fmt.Errorf("config: box_private_key_hex must be %d hex-encoded bytes", reportcrypt.KeySize)
	}
	pubBytes, err := curve25519.X25519(privBytes, curve25519.Basepoint)
	if err != nil {
		return Helper{}, fmt.Errorf("config: deriving box public key: %w", err)
	}
	var boxPriv reportcrypt.PrivateKey
	var boxPub reportcrypt.PublicKey
	copy(boxPriv[:], privBytes)
	copy(boxPub[:], pubBytes)

	return Helper{
		Identity:   model.HelperIdentity(raw.Identity),
		ListenAddr: raw.ListenAddr,
		TLSMaterial: netlayer.TLSMaterial{
			CertFile:   raw.TLSCertFile,
			KeyFile:    raw.TLSKeyFile,
			PeerCAFile: raw.TLSPeerCAFile,
		},
		Peers:        peers,
		QueryTimeout: timeout,
		BoxPub:       boxPub,
		BoxPriv:      boxPriv,
	}, nil
}
