package auth

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"

	"vaultnet/pkg/types"
)

// ServerConfig serves cert and verifies client certificates against pool
// when clients present one. requireClientAuth rejects clients without one.
func ServerConfig(cert tls.Certificate, pool *x509.CertPool, requireClientAuth bool) *tls.Config {
	clientAuth := tls.VerifyClientCertIfGiven
	if requireClientAuth {
		clientAuth = tls.RequireAndVerifyClientCert
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		ClientCAs:    pool,
		ClientAuth:   clientAuth,
		MinVersion:   tls.VersionTLS13,
	}
}

// ClientConfig trusts servers signed by pool and additionally requires the
// server certificate to name expected. cert, when non-nil, is presented to
// the server.
func ClientConfig(pool *x509.CertPool, cert *tls.Certificate, expected types.PeerID) *tls.Config {
	cfg := &tls.Config{
		RootCAs:    pool,
		MinVersion: tls.VersionTLS13,
		VerifyConnection: func(cs tls.ConnectionState) error {
			return verifyPeer(cs, expected)
		},
	}
	if cert != nil {
		cfg.Certificates = []tls.Certificate{*cert}
	}
	return cfg
}

func verifyPeer(cs tls.ConnectionState, expected types.PeerID) error {
	if len(cs.PeerCertificates) == 0 {
		return fmt.Errorf("%w: no certificates provided", ErrUnauthorized)
	}
	identity, err := IdentityFromCert(cs.PeerCertificates[0])
	if err != nil {
		return err
	}
	if identity.Type != ComponentVault {
		return fmt.Errorf("%w: peer is a %s, not a vault", ErrUnauthorized, identity.Type)
	}
	if expected != "" && identity.PeerID != expected {
		return fmt.Errorf("%w: expected vault %s, got %s", ErrUnauthorized, expected.Short(), identity.PeerID.Short())
	}
	return nil
}
