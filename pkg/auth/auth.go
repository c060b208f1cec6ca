// Package auth secures the gRPC transport with TLS certificates issued by a
// network CA. Every certificate names the peer it was issued to, so a dialer
// can check that the vault answering on an address is the contact it meant
// to reach.
package auth

import (
	"errors"
	"fmt"
	"net/url"
	"time"

	"vaultnet/pkg/types"
)

var (
	ErrInvalidCertificate = errors.New("invalid certificate")
	ErrCertificateExpired = errors.New("certificate expired")
	ErrUnauthorized       = errors.New("unauthorized")
	ErrInvalidCA          = errors.New("invalid CA certificate")
)

// ComponentType identifies the type of component in the system
type ComponentType string

const (
	ComponentVault  ComponentType = "vault"
	ComponentClient ComponentType = "client"
)

// peerURIScheme carries the full peer ID in a URI SAN, since a hex peer ID
// is longer than a common name may be.
const peerURIScheme = "vaultnet"

// Identity represents an authenticated entity in the system
type Identity struct {
	Type   ComponentType
	PeerID types.PeerID

	Subject      string
	Issuer       string
	SerialNumber string
	NotBefore    time.Time
	NotAfter     time.Time

	Addresses []string
}

func peerURI(componentType ComponentType, id types.PeerID) *url.URL {
	return &url.URL{Scheme: peerURIScheme, Host: string(componentType), Path: "/" + string(id)}
}

func parsePeerURI(u *url.URL) (ComponentType, types.PeerID, error) {
	if u.Scheme != peerURIScheme || len(u.Path) < 2 {
		return "", "", fmt.Errorf("%w: unexpected peer URI %s", ErrInvalidCertificate, u)
	}
	return ComponentType(u.Host), types.PeerID(u.Path[1:]), nil
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	Enabled bool `json:"enabled"`
	// CAPath is a directory holding ca.crt and ca.key. The CA is generated
	// there on first use; empty keeps it in memory.
	CAPath            string        `json:"ca_path,omitempty"`
	CertValidity      time.Duration `json:"cert_validity"`
	RequireClientAuth bool          `json:"require_client_auth"`
}

// DefaultAuthConfig returns default authentication configuration
func DefaultAuthConfig() *AuthConfig {
	return &AuthConfig{
		Enabled:      false,
		CertValidity: 365 * 24 * time.Hour,
	}
}

// Validate checks if the authentication configuration is valid
func (c *AuthConfig) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.CertValidity <= 0 {
		return fmt.Errorf("certificate validity must be positive")
	}
	return nil
}
