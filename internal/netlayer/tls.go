package netlayer

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
)

// TLSMaterial is the certificate and CA-bundle paths the CLI surface
// takes as flags (spec.md §6 "TLS material paths"). The listener uses
// tls.RequestClientCert rather than tls.RequireAndVerifyClientCert
// because the Query API and the H2H API share one listener and only the
// H2H routes require an authenticated peer (spec.md §4.A); route
// handlers for H2H paths reject requests with no client certificate.
type TLSMaterial struct {
	CertFile string
	KeyFile  string
	// PeerCAFile is a bundle of the CA (or self-signed peer certs)
	// helpers trust for mutual TLS.
	PeerCAFile string
}

// ServerTLSConfig builds the tls.Config the HTTPS listener serves with,
// grounded in the teacher's TLSListener/TLSHost pattern of loading a
// single certificate and a peer trust pool at startup.
func ServerTLSConfig(m TLSMaterial) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(m.CertFile, m.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("netlayer: loading server certificate: %w", err)
	}
	pool, err := loadCAPool(m.PeerCAFile)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		ClientAuth:   tls.RequestClientCert,
		ClientCAs:    pool,
		MinVersion:   tls.VersionTLS12,
	}, nil
}

// ClientTLSConfig builds the tls.Config used to dial a peer for H2H
// calls: this helper presents its own certificate and trusts the peer
// bundle, matching the teacher's NewTLSConn dialing pattern.
func ClientTLSConfig(m TLSMaterial) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(m.CertFile, m.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("netlayer: loading client certificate: %w", err)
	}
	pool, err := loadCAPool(m.PeerCAFile)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		RootCAs:      pool,
		MinVersion:   tls.VersionTLS12,
	}, nil
}

func loadCAPool(path string) (*x509.CertPool, error) {
	pemBytes, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("netlayer: reading peer CA bundle: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pemBytes) {
		return nil, fmt.Errorf("netlayer: no certificates found in %s", path)
	}
	return pool, nil
}
