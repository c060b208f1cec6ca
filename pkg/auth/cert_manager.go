package auth

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	"vaultnet/pkg/types"
)

// CertManager is a network CA issuing Ed25519 certificates to vaults and
// clients.
type CertManager struct {
	caPath string

	mu     sync.RWMutex
	caCert *x509.Certificate
	caKey  ed25519.PrivateKey
	pool   *x509.CertPool
}

// NewCertManager loads the CA stored under caPath, generating and saving a
// new one when none exists. An empty caPath keeps a fresh CA in memory.
func NewCertManager(caPath string, validity time.Duration) (*CertManager, error) {
	cm := &CertManager{caPath: caPath}

	if caPath != "" {
		if _, err := os.Stat(filepath.Join(caPath, "ca.crt")); err == nil {
			if err := cm.loadCA(); err != nil {
				return nil, fmt.Errorf("failed to load existing CA: %w", err)
			}
			return cm, nil
		}
	}
	if err := cm.GenerateCA("vaultnet", validity); err != nil {
		return nil, err
	}
	return cm, nil
}

// GenerateCA creates a new Certificate Authority with Ed25519
func (cm *CertManager) GenerateCA(name string, validity time.Duration) error {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return fmt.Errorf("failed to generate Ed25519 key: %w", err)
	}
	serial, err := randomSerial()
	if err != nil {
		return err
	}

	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			Organization: []string{"vaultnet"},
			CommonName:   fmt.Sprintf("%s-CA", name),
		},
		NotBefore:             time.Now().Add(-time.Minute),
		NotAfter:              time.Now().Add(validity),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, template, pub, priv)
	if err != nil {
		return fmt.Errorf("failed to create CA certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(certDER)
	if err != nil {
		return fmt.Errorf("failed to parse CA certificate: %w", err)
	}

	if cm.caPath != "" {
		if err := cm.saveCA(certDER, priv); err != nil {
			return fmt.Errorf("failed to save CA: %w", err)
		}
	}
	cm.setCA(cert, priv)
	return nil
}

func (cm *CertManager) setCA(cert *x509.Certificate, key ed25519.PrivateKey) {
	pool := x509.NewCertPool()
	pool.AddCert(cert)

	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.caCert = cert
	cm.caKey = key
	cm.pool = pool
}

// Pool returns a certificate pool trusting only this CA.
func (cm *CertManager) Pool() *x509.CertPool {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.pool
}

// CACertificate returns the CA certificate.
func (cm *CertManager) CACertificate() *x509.Certificate {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.caCert
}

// IssueCertificate creates a key pair and a certificate for id signed by the
// CA. addresses become IP or DNS subject alternative names.
func (cm *CertManager) IssueCertificate(componentType ComponentType, id types.PeerID, addresses []string, validity time.Duration) (tls.Certificate, error) {
	cm.mu.RLock()
	caCert, caKey := cm.caCert, cm.caKey
	cm.mu.RUnlock()
	if caCert == nil || caKey == nil {
		return tls.Certificate{}, fmt.Errorf("%w: CA not initialized", ErrInvalidCA)
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to generate Ed25519 key: %w", err)
	}
	serial, err := randomSerial()
	if err != nil {
		return tls.Certificate{}, err
	}

	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			Organization:       []string{"vaultnet"},
			OrganizationalUnit: []string{string(componentType)},
			CommonName:         id.Short(),
		},
		NotBefore:   time.Now().Add(-time.Minute),
		NotAfter:    time.Now().Add(validity),
		KeyUsage:    x509.KeyUsageDigitalSignature,
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		URIs:        []*url.URL{peerURI(componentType, id)},
	}
	for _, addr := range addresses {
		if ip := net.ParseIP(addr); ip != nil {
			template.IPAddresses = append(template.IPAddresses, ip)
		} else if addr != "" {
			template.DNSNames = append(template.DNSNames, addr)
		}
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, caCert, pub, caKey)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to create certificate: %w", err)
	}
	leaf, err := x509.ParseCertificate(certDER)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to parse certificate: %w", err)
	}

	return tls.Certificate{
		Certificate: [][]byte{certDER},
		PrivateKey:  priv,
		Leaf:        leaf,
	}, nil
}

// VerifyCertificate verifies a certificate against the CA
func (cm *CertManager) VerifyCertificate(cert *x509.Certificate) error {
	pool := cm.Pool()
	if pool == nil {
		return fmt.Errorf("%w: CA not initialized", ErrInvalidCA)
	}
	if time.Now().After(cert.NotAfter) {
		return fmt.Errorf("%w: expired %s", ErrCertificateExpired, cert.NotAfter.Format(time.RFC3339))
	}

	opts := x509.VerifyOptions{
		Roots:     pool,
		KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	}
	if _, err := cert.Verify(opts); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidCertificate, err)
	}
	return nil
}

// IdentityFromCert extracts identity information from a certificate
func IdentityFromCert(cert *x509.Certificate) (*Identity, error) {
	identity := &Identity{
		Subject:      cert.Subject.CommonName,
		Issuer:       cert.Issuer.CommonName,
		SerialNumber: cert.SerialNumber.String(),
		NotBefore:    cert.NotBefore,
		NotAfter:     cert.NotAfter,
	}

	for _, u := range cert.URIs {
		if u.Scheme != peerURIScheme {
			continue
		}
		componentType, id, err := parsePeerURI(u)
		if err != nil {
			return nil, err
		}
		identity.Type = componentType
		identity.PeerID = id
	}
	if identity.PeerID == "" {
		return nil, fmt.Errorf("%w: no peer ID in certificate %s", ErrInvalidCertificate, cert.Subject.CommonName)
	}

	for _, ip := range cert.IPAddresses {
		identity.Addresses = append(identity.Addresses, ip.String())
	}
	identity.Addresses = append(identity.Addresses, cert.DNSNames...)
	return identity, nil
}

func randomSerial() (*big.Int, error) {
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("failed to generate serial number: %w", err)
	}
	return serial, nil
}

// loadCA loads the CA certificate and key from disk
func (cm *CertManager) loadCA() error {
	certPEM, err := os.ReadFile(filepath.Join(cm.caPath, "ca.crt"))
	if err != nil {
		return fmt.Errorf("failed to read CA certificate: %w", err)
	}
	block, _ := pem.Decode(certPEM)
	if block == nil {
		return fmt.Errorf("%w: failed to parse certificate PEM", ErrInvalidCA)
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidCA, err)
	}

	keyPEM, err := os.ReadFile(filepath.Join(cm.caPath, "ca.key"))
	if err != nil {
		return fmt.Errorf("failed to read CA key: %w", err)
	}
	block, _ = pem.Decode(keyPEM)
	if block == nil {
		return fmt.Errorf("%w: failed to parse key PEM", ErrInvalidCA)
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return fmt.Errorf("failed to parse private key: %w", err)
	}
	ed25519Key, ok := key.(ed25519.PrivateKey)
	if !ok {
		return fmt.Errorf("%w: private key is not Ed25519", ErrInvalidCA)
	}

	cm.setCA(cert, ed25519Key)
	return nil
}

// saveCA saves the CA certificate and key to disk
func (cm *CertManager) saveCA(certDER []byte, key ed25519.PrivateKey) error {
	if err := os.MkdirAll(cm.caPath, 0700); err != nil {
		return fmt.Errorf("failed to create CA directory: %w", err)
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})
	if err := os.WriteFile(filepath.Join(cm.caPath, "ca.crt"), certPEM, 0644); err != nil {
		return fmt.Errorf("failed to write CA certificate: %w", err)
	}

	privKeyBytes, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return fmt.Errorf("failed to marshal CA private key: %w", err)
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: privKeyBytes})
	if err := os.WriteFile(filepath.Join(cm.caPath, "ca.key"), keyPEM, 0600); err != nil {
		return fmt.Errorf("failed to write CA private key: %w", err)
	}
	return nil
}
