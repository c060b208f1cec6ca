package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"

	"vaultnet/pkg/auth"
	"vaultnet/pkg/protocol"
	"vaultnet/pkg/types"
)

// MaxMessageSize bounds a single RPC payload. Chunks larger than this must be
// split by the caller.
const MaxMessageSize = 64 << 20

// GRPCDialer keeps one client connection per vault address.
type GRPCDialer struct {
	mu          sync.RWMutex
	connections map[string]*grpc.ClientConn
	logger      *zap.Logger

	certs *auth.CertManager
	cert  *tls.Certificate
}

type DialerOption func(*GRPCDialer)

// WithTLS makes the dialer verify every vault against the CA in certs and
// the contact's peer ID. cert, when non-nil, is presented to vaults.
func WithTLS(certs *auth.CertManager, cert *tls.Certificate) DialerOption {
	return func(d *GRPCDialer) {
		d.certs = certs
		d.cert = cert
	}
}

func NewGRPCDialer(logger *zap.Logger, opts ...DialerOption) *GRPCDialer {
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &GRPCDialer{
		connections: make(map[string]*grpc.ClientConn),
		logger:      logger,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dial returns a VaultService stub for contact, reusing a pooled connection.
func (d *GRPCDialer) Dial(ctx context.Context, contact types.Contact) (protocol.VaultService, error) {
	if contact.Address == "" {
		return nil, fmt.Errorf("%w: contact %s has no address", types.ErrNetwork, contact.ID.Short())
	}
	conn, err := d.connection(contact)
	if err != nil {
		return nil, err
	}
	return protocol.NewVaultClient(conn), nil
}

func (d *GRPCDialer) connection(contact types.Contact) (*grpc.ClientConn, error) {
	address := contact.Address
	d.mu.RLock()
	conn, exists := d.connections[address]
	d.mu.RUnlock()

	if exists && conn.GetState() != connectivity.Shutdown {
		return conn, nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	// Double-check after acquiring write lock
	conn, exists = d.connections[address]
	if exists && conn.GetState() != connectivity.Shutdown {
		return conn, nil
	}

	creds := insecure.NewCredentials()
	if d.certs != nil {
		creds = credentials.NewTLS(auth.ClientConfig(d.certs.Pool(), d.cert, contact.ID))
	}
	conn, err := grpc.NewClient(address,
		grpc.WithTransportCredentials(creds),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                10 * time.Second,
			Timeout:             3 * time.Second,
			PermitWithoutStream: true,
		}),
		grpc.WithDefaultCallOptions(
			grpc.MaxCallRecvMsgSize(MaxMessageSize),
			grpc.MaxCallSendMsgSize(MaxMessageSize),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to dial %s: %v", types.ErrNetwork, address, err)
	}

	d.logger.Debug("Opened vault connection", zap.String("address", address))
	d.connections[address] = conn
	return conn, nil
}

// Close closes every pooled connection.
func (d *GRPCDialer) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	var firstErr error
	for addr, conn := range d.connections {
		if err := conn.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("failed to close connection to %s: %w", addr, err)
		}
	}
	d.connections = make(map[string]*grpc.ClientConn)
	return firstErr
}

// Server serves a VaultService over gRPC.
type Server struct {
	address    string
	grpcServer *grpc.Server
	listener   net.Listener
	logger     *zap.Logger
	done       chan struct{}
}

type ServerOption func(*serverOptions)

type serverOptions struct {
	tls         *tls.Config
	requireAuth bool
}

// WithServerTLS serves over TLS with cfg. requireAuth rejects callers that
// present no client certificate.
func WithServerTLS(cfg *tls.Config, requireAuth bool) ServerOption {
	return func(o *serverOptions) {
		o.tls = cfg
		o.requireAuth = requireAuth
	}
}

func NewServer(address string, svc protocol.VaultService, logger *zap.Logger, opts ...ServerOption) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	var o serverOptions
	for _, opt := range opts {
		opt(&o)
	}

	interceptors := []grpc.UnaryServerInterceptor{loggingInterceptor(logger), protocol.StatusInterceptor}
	serverOpts := []grpc.ServerOption{
		grpc.ForceServerCodec(protocol.Codec{}),
		grpc.MaxRecvMsgSize(MaxMessageSize),
		grpc.MaxSendMsgSize(MaxMessageSize),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             5 * time.Second,
			PermitWithoutStream: true,
		}),
	}
	if o.tls != nil {
		serverOpts = append(serverOpts, grpc.Creds(credentials.NewTLS(o.tls)))
		interceptors = append([]grpc.UnaryServerInterceptor{auth.UnaryServerInterceptor(o.requireAuth)}, interceptors...)
	}
	serverOpts = append(serverOpts, grpc.ChainUnaryInterceptor(interceptors...))
	grpcServer := grpc.NewServer(serverOpts...)
	protocol.RegisterVaultServer(grpcServer, svc)

	return &Server{
		address:    address,
		grpcServer: grpcServer,
		logger:     logger,
		done:       make(chan struct{}),
	}
}

// Start listens on the configured address and serves in the background.
func (s *Server) Start() error {
	lis, err := net.Listen("tcp", s.address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.address, err)
	}
	s.listener = lis

	go func() {
		defer close(s.done)
		if err := s.grpcServer.Serve(lis); err != nil {
			s.logger.Error("Vault server stopped", zap.Error(err))
		}
	}()

	s.logger.Info("Vault server listening", zap.String("address", lis.Addr().String()))
	return nil
}

// Addr returns the bound address, useful when listening on port 0.
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.address
	}
	return s.listener.Addr().String()
}

func (s *Server) Stop() {
	s.grpcServer.GracefulStop()
	if s.listener != nil {
		<-s.done
	}
}

func loggingInterceptor(logger *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		fields := []zap.Field{
			zap.String("method", info.FullMethod),
			zap.Duration("duration", time.Since(start)),
		}
		if caller, ok := auth.GetIdentityFromContext(ctx); ok {
			fields = append(fields, zap.String("caller", caller.PeerID.Short()))
		}
		if err != nil {
			logger.Debug("RPC failed", append(fields, zap.Error(err))...)
		} else {
			logger.Debug("RPC served", fields...)
		}
		return resp, err
	}
}
