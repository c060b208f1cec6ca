package auth

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"

	"vaultnet/pkg/types"
)

const longID = types.PeerID("8f3c0a6d1b7e49d2a55c3e19f0b7d6c4a2e8f1035b9c7d4e6a1f2b3c4d5e6f708f3c0a6d1b7e49d2a55c3e19f0b7d6c4a2e8f1035b9c7d4e6a1f2b3c4d5e6f70")

func TestIssueCertificate(t *testing.T) {
	cm, err := NewCertManager("", time.Hour)
	require.NoError(t, err)

	cert, err := cm.IssueCertificate(ComponentVault, longID, []string{"127.0.0.1", "localhost"}, time.Hour)
	require.NoError(t, err)
	require.NoError(t, cm.VerifyCertificate(cert.Leaf))

	identity, err := IdentityFromCert(cert.Leaf)
	require.NoError(t, err)
	assert.Equal(t, ComponentVault, identity.Type)
	assert.Equal(t, longID, identity.PeerID)
	assert.Equal(t, longID.Short(), identity.Subject)
	assert.Equal(t, "vaultnet-CA", identity.Issuer)
	assert.ElementsMatch(t, []string{"127.0.0.1", "localhost"}, identity.Addresses)
}

func TestCertificateValidation(t *testing.T) {
	cm, err := NewCertManager("", time.Hour)
	require.NoError(t, err)
	other, err := NewCertManager("", time.Hour)
	require.NoError(t, err)

	foreign, err := other.IssueCertificate(ComponentVault, "vault-x", nil, time.Hour)
	require.NoError(t, err)
	assert.ErrorIs(t, cm.VerifyCertificate(foreign.Leaf), ErrInvalidCertificate)

	expired, err := cm.IssueCertificate(ComponentVault, "vault-y", nil, -time.Hour)
	require.NoError(t, err)
	assert.ErrorIs(t, cm.VerifyCertificate(expired.Leaf), ErrCertificateExpired)

	_, err = IdentityFromCert(cm.CACertificate())
	assert.ErrorIs(t, err, ErrInvalidCertificate)
}

func TestCAPersistence(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "ca")
	first, err := NewCertManager(dir, time.Hour)
	require.NoError(t, err)

	info, err := os.Stat(filepath.Join(dir, "ca.key"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	second, err := NewCertManager(dir, time.Hour)
	require.NoError(t, err)
	assert.True(t, first.CACertificate().Equal(second.CACertificate()))

	// Certificates issued by the reloaded CA verify against the original.
	cert, err := second.IssueCertificate(ComponentClient, "client-1", nil, time.Hour)
	require.NoError(t, err)
	assert.NoError(t, first.VerifyCertificate(cert.Leaf))

	require.NoError(t, os.WriteFile(filepath.Join(dir, "ca.crt"), []byte("garbage"), 0644))
	_, err = NewCertManager(dir, time.Hour)
	assert.ErrorIs(t, err, ErrInvalidCA)
}

func TestClientConfigChecksPeer(t *testing.T) {
	cm, err := NewCertManager("", time.Hour)
	require.NoError(t, err)
	vault, err := cm.IssueCertificate(ComponentVault, "vault-a", nil, time.Hour)
	require.NoError(t, err)
	client, err := cm.IssueCertificate(ComponentClient, "vault-a", nil, time.Hour)
	require.NoError(t, err)

	state := func(c tls.Certificate) tls.ConnectionState {
		return tls.ConnectionState{PeerCertificates: []*x509.Certificate{c.Leaf}}
	}
	cfg := ClientConfig(cm.Pool(), nil, "vault-a")
	assert.NoError(t, cfg.VerifyConnection(state(vault)))
	assert.ErrorIs(t, cfg.VerifyConnection(state(client)), ErrUnauthorized)
	assert.ErrorIs(t, ClientConfig(cm.Pool(), nil, "vault-b").VerifyConnection(state(vault)), ErrUnauthorized)
	assert.ErrorIs(t, cfg.VerifyConnection(tls.ConnectionState{}), ErrUnauthorized)

	server := ServerConfig(vault, cm.Pool(), true)
	assert.Equal(t, tls.RequireAndVerifyClientCert, server.ClientAuth)
	assert.Equal(t, tls.VerifyClientCertIfGiven, ServerConfig(vault, cm.Pool(), false).ClientAuth)
}

func TestUnaryServerInterceptor(t *testing.T) {
	cm, err := NewCertManager("", time.Hour)
	require.NoError(t, err)
	client, err := cm.IssueCertificate(ComponentClient, "client-1", nil, time.Hour)
	require.NoError(t, err)

	var seen *Identity
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		seen, _ = GetIdentityFromContext(ctx)
		return "ok", nil
	}
	info := &grpc.UnaryServerInfo{FullMethod: "/vaultnet.Vault/Ping"}

	tlsCtx := peer.NewContext(context.Background(), &peer.Peer{
		AuthInfo: credentials.TLSInfo{State: tls.ConnectionState{PeerCertificates: []*x509.Certificate{client.Leaf}}},
	})
	_, err = UnaryServerInterceptor(true)(tlsCtx, nil, info, handler)
	require.NoError(t, err)
	require.NotNil(t, seen)
	assert.Equal(t, types.PeerID("client-1"), seen.PeerID)

	seen = nil
	_, err = UnaryServerInterceptor(false)(context.Background(), nil, info, handler)
	require.NoError(t, err)
	assert.Nil(t, seen)

	_, err = UnaryServerInterceptor(true)(context.Background(), nil, info, handler)
	assert.Equal(t, codes.Unauthenticated, status.Code(err))
}

func TestAuthConfig(t *testing.T) {
	cfg := DefaultAuthConfig()
	assert.False(t, cfg.Enabled)
	assert.NoError(t, cfg.Validate())

	cfg.Enabled = true
	assert.NoError(t, cfg.Validate())
	cfg.CertValidity = 0
	assert.Error(t, cfg.Validate())
}
