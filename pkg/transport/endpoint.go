package transport

import (
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"vaultnet/pkg/auth"
	"vaultnet/pkg/protocol"
	"vaultnet/pkg/types"
)

// Endpoint exposes a vault's service to the network for as long as the vault
// is running.
type Endpoint interface {
	// Serve starts accepting calls for id and returns the address peers
	// should dial.
	Serve(id types.PeerID, svc protocol.VaultService) (string, error)
	Close(id types.PeerID)
}

// Endpoint returns an Endpoint that registers services on this network.
func (n *MemoryNetwork) Endpoint() Endpoint {
	return memoryEndpoint{net: n}
}

type memoryEndpoint struct {
	net *MemoryNetwork
}

func (e memoryEndpoint) Serve(id types.PeerID, svc protocol.VaultService) (string, error) {
	e.net.Register(id, svc)
	return "mem://" + id.Short(), nil
}

func (e memoryEndpoint) Close(id types.PeerID) {
	e.net.Unregister(id)
}

// GRPCEndpoint serves each vault on its own listener. A fresh server is
// created per Serve since a stopped gRPC server cannot be restarted.
type GRPCEndpoint struct {
	address string
	logger  *zap.Logger

	certs       *auth.CertManager
	validity    time.Duration
	requireAuth bool

	mu      sync.Mutex
	servers map[types.PeerID]*Server
}

func NewGRPCEndpoint(address string, logger *zap.Logger) *GRPCEndpoint {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GRPCEndpoint{
		address: address,
		logger:  logger,
		servers: make(map[types.PeerID]*Server),
	}
}

// UseTLS issues every served vault a certificate from certs naming its peer
// ID and serves over TLS.
func (e *GRPCEndpoint) UseTLS(certs *auth.CertManager, validity time.Duration, requireAuth bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.certs = certs
	e.validity = validity
	e.requireAuth = requireAuth
}

func (e *GRPCEndpoint) tlsOptions(id types.PeerID) ([]ServerOption, error) {
	if e.certs == nil {
		return nil, nil
	}
	host, _, err := net.SplitHostPort(e.address)
	if err != nil {
		return nil, fmt.Errorf("invalid listen address %s: %w", e.address, err)
	}
	hosts := []string{host}
	if ip := net.ParseIP(host); host == "" || (ip != nil && ip.IsUnspecified()) {
		hosts = []string{"127.0.0.1", "localhost"}
	}
	cert, err := e.certs.IssueCertificate(auth.ComponentVault, id, hosts, e.validity)
	if err != nil {
		return nil, fmt.Errorf("failed to issue certificate for vault %s: %w", id.Short(), err)
	}
	return []ServerOption{WithServerTLS(auth.ServerConfig(cert, e.certs.Pool(), e.requireAuth), e.requireAuth)}, nil
}

func (e *GRPCEndpoint) Serve(id types.PeerID, svc protocol.VaultService) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.servers[id]; ok {
		return "", fmt.Errorf("vault %s is already served", id.Short())
	}
	opts, err := e.tlsOptions(id)
	if err != nil {
		return "", err
	}
	srv := NewServer(e.address, svc, e.logger.With(zap.String("vault", id.Short())), opts...)
	if err := srv.Start(); err != nil {
		return "", err
	}
	e.servers[id] = srv
	return srv.Addr(), nil
}

func (e *GRPCEndpoint) Close(id types.PeerID) {
	e.mu.Lock()
	srv, ok := e.servers[id]
	delete(e.servers, id)
	e.mu.Unlock()
	if ok {
		srv.Stop()
	}
}
