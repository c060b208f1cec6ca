// Package devnet runs a complete vault network inside one process: N vaults
// on a shared in-memory DHT, connected either through the in-memory
// transport or real gRPC servers on localhost, plus any number of clients.
package devnet

import (
	"context"
	"crypto/tls"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"vaultnet/pkg/auth"
	"vaultnet/pkg/chunkstore"
	"vaultnet/pkg/client"
	"vaultnet/pkg/config"
	"vaultnet/pkg/dht"
	"vaultnet/pkg/metrics"
	"vaultnet/pkg/protocol"
	"vaultnet/pkg/transport"
	"vaultnet/pkg/types"
	"vaultnet/pkg/vault"
)

const (
	TransportMemory = "memory"
	TransportGRPC   = "grpc"
)

type Options struct {
	Vaults    int
	Network   config.NetworkConfig
	Vault     config.VaultConfig
	Transport string
	// Auth secures the gRPC transport with certificates from a devnet CA.
	Auth auth.AuthConfig
	// Dir holds one data directory per vault and client.
	Dir    string
	Logger *zap.Logger
	// Metrics is shared by the clients; each vault gets a private set.
	Metrics *metrics.Metrics
}

// DefaultOptions returns a small network tuned for tests and the CLI: short
// retry delays and maintenance loops that stay out of the way.
func DefaultOptions(dir string) Options {
	network := config.DefaultNetworkConfig()
	network.K = 4
	network.MinChunkCopies = 2
	network.RPCTimeout = 5 * time.Second

	v := config.DefaultVaultConfig()
	v.InMemoryDB = true
	v.StorageCapacity = 64 << 20
	v.AccountRetries = 5
	v.AccountRetryDelay = 100 * time.Millisecond

	return Options{
		Vaults:    8,
		Network:   network,
		Vault:     v,
		Transport: TransportMemory,
		Auth:      *auth.DefaultAuthConfig(),
		Dir:       dir,
	}
}

// Network is a running devnet.
type Network struct {
	opts     Options
	logger   *zap.Logger
	dht      *dht.MemoryNetwork
	memory   *transport.MemoryNetwork
	grpc     *transport.GRPCDialer
	endpoint transport.Endpoint
	stats    *transport.Stats

	mu      sync.Mutex
	vaults  []*vault.Vault
	clients []*client.StoreManager
	next    int
}

// Start creates opts.Vaults vaults, starts them concurrently and waits until
// every one has joined and created its account.
func Start(ctx context.Context, opts Options) (*Network, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Vaults < 1 {
		return nil, fmt.Errorf("devnet needs at least one vault")
	}
	if err := opts.Network.Validate(); err != nil {
		return nil, fmt.Errorf("invalid network config: %w", err)
	}
	if opts.Auth.Enabled && opts.Transport != TransportGRPC {
		return nil, fmt.Errorf("TLS needs the %s transport", TransportGRPC)
	}
	if err := opts.Auth.Validate(); err != nil {
		return nil, fmt.Errorf("invalid auth config: %w", err)
	}
	if err := os.MkdirAll(opts.Dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create devnet directory: %w", err)
	}

	n := &Network{
		opts:   opts,
		logger: logger,
		dht:    dht.NewMemoryNetwork(opts.Network.K, opts.Network.ReferenceTTL),
		stats:  transport.NewStats(),
	}
	switch opts.Transport {
	case "", TransportMemory:
		n.memory = transport.NewMemoryNetwork()
		n.endpoint = n.memory.Endpoint()
	case TransportGRPC:
		endpoint := transport.NewGRPCEndpoint("127.0.0.1:0", logger.Named("grpc"))
		var dialOpts []transport.DialerOption
		if opts.Auth.Enabled {
			certs, clientCert, err := devnetCertificates(opts.Auth)
			if err != nil {
				return nil, err
			}
			endpoint.UseTLS(certs, opts.Auth.CertValidity, opts.Auth.RequireClientAuth)
			dialOpts = append(dialOpts, transport.WithTLS(certs, &clientCert))
		}
		n.grpc = transport.NewGRPCDialer(logger.Named("dialer"), dialOpts...)
		n.endpoint = endpoint
	default:
		return nil, fmt.Errorf("unknown transport %q", opts.Transport)
	}

	vaults := make([]*vault.Vault, 0, opts.Vaults)
	for i := 0; i < opts.Vaults; i++ {
		v, err := n.newVault()
		if err != nil {
			n.closeAll(ctx, vaults)
			return nil, err
		}
		vaults = append(vaults, v)
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, v := range vaults {
		v := v
		g.Go(func() error {
			if err := v.Start(gctx, false); err != nil {
				return err
			}
			return v.WaitForStartup(gctx)
		})
	}
	if err := g.Wait(); err != nil {
		n.closeAll(ctx, vaults)
		return nil, fmt.Errorf("failed to start devnet: %w", err)
	}

	n.mu.Lock()
	n.vaults = vaults
	n.mu.Unlock()
	logger.Info("Devnet started",
		zap.Int("vaults", len(vaults)),
		zap.String("transport", n.transportName()))
	return n, nil
}

// devnetCertificates opens the devnet CA and issues the certificate every
// dialer in the process presents to vaults.
func devnetCertificates(cfg auth.AuthConfig) (*auth.CertManager, tls.Certificate, error) {
	certs, err := auth.NewCertManager(cfg.CAPath, cfg.CertValidity)
	if err != nil {
		return nil, tls.Certificate{}, fmt.Errorf("failed to open devnet CA: %w", err)
	}
	cert, err := certs.IssueCertificate(auth.ComponentClient, "devnet", nil, cfg.CertValidity)
	if err != nil {
		return nil, tls.Certificate{}, err
	}
	return certs, cert, nil
}

func (n *Network) transportName() string {
	if n.grpc != nil {
		return TransportGRPC
	}
	return TransportMemory
}

func (n *Network) dialer(m *metrics.Metrics, stats *transport.Stats) protocol.Dialer {
	var inner protocol.Dialer = n.memory
	if n.grpc != nil {
		inner = n.grpc
	}
	return transport.NewInstrumentedDialer(inner, stats, m, n.opts.Network.RPCTimeout)
}

func (n *Network) newVault() (*vault.Vault, error) {
	n.mu.Lock()
	index := n.next
	n.next++
	n.mu.Unlock()

	cfg := n.opts.Vault
	cfg.DataDir = filepath.Join(n.opts.Dir, fmt.Sprintf("vault-%02d", index))

	// Registering the same collectors twice on one registry panics, so
	// every vault reports to its own.
	m := metrics.New(nil)
	v, err := vault.New(vault.Options{
		Network: n.opts.Network,
		Vault:   cfg,
		Directory: func(self types.Contact) dht.Directory {
			return n.dht.Node(self)
		},
		Dialer:    n.dialer(m, nil),
		Endpoint:  n.endpoint,
		Bootstrap: n.dht.Contacts(),
		Metrics:   m,
		Logger:    n.logger.Named(fmt.Sprintf("vault-%02d", index)),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create vault %d: %w", index, err)
	}
	return v, nil
}

// AddVault starts one more vault and waits for it.
func (n *Network) AddVault(ctx context.Context) (*vault.Vault, error) {
	v, err := n.newVault()
	if err != nil {
		return nil, err
	}
	if err := v.Start(ctx, false); err != nil {
		return nil, err
	}
	if err := v.WaitForStartup(ctx); err != nil {
		n.closeAll(ctx, []*vault.Vault{v})
		return nil, err
	}
	n.mu.Lock()
	n.vaults = append(n.vaults, v)
	n.mu.Unlock()
	return v, nil
}

// RemoveVault stops vault i and deletes its storage.
func (n *Network) RemoveVault(ctx context.Context, i int) error {
	n.mu.Lock()
	if i < 0 || i >= len(n.vaults) {
		n.mu.Unlock()
		return fmt.Errorf("no vault %d", i)
	}
	v := n.vaults[i]
	n.vaults = append(n.vaults[:i], n.vaults[i+1:]...)
	n.mu.Unlock()
	return v.CleanUp(ctx)
}

// Vaults returns the running vaults in creation order.
func (n *Network) Vaults() []*vault.Vault {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]*vault.Vault(nil), n.vaults...)
}

// Memory exposes the in-memory transport for fault injection. It is nil on
// a gRPC devnet.
func (n *Network) Memory() *transport.MemoryNetwork {
	return n.memory
}

// Stats returns the RPC statistics of every client.
func (n *Network) Stats() *transport.Stats {
	return n.stats
}

// NewClient creates a client with a fresh identity, joined to the devnet as
// a non-storing DHT node.
func (n *Network) NewClient(ctx context.Context) (*client.StoreManager, error) {
	session, err := client.NewSession()
	if err != nil {
		return nil, err
	}
	logger := n.logger.Named("client").With(zap.String("client", session.ID().Short()))
	store, err := chunkstore.New(filepath.Join(n.opts.Dir, "client-"+session.ID().Short()), chunkstore.Options{
		CacheEntries: n.opts.Vault.CacheEntries,
	}, logger)
	if err != nil {
		return nil, err
	}
	self := types.Contact{
		ID:              session.ID(),
		PublicKey:       session.Identity().PublicKey(),
		SignedPublicKey: session.Identity().SignedPublicKey,
	}
	sm := client.NewStoreManager(session, store, n.dht.ClientNode(self), n.dialer(n.opts.Metrics, n.stats), n.opts.Network, client.Options{
		Bootstrap: n.dht.Contacts(),
		Stats:     n.stats,
		Metrics:   n.opts.Metrics,
		Logger:    logger,
	})
	if err := sm.Init(ctx); err != nil {
		return nil, err
	}
	n.mu.Lock()
	n.clients = append(n.clients, sm)
	n.mu.Unlock()
	return sm, nil
}

// Stop closes every client and vault. Vault storage is removed.
func (n *Network) Stop(ctx context.Context) error {
	n.mu.Lock()
	clients, vaults := n.clients, n.vaults
	n.clients, n.vaults = nil, nil
	n.mu.Unlock()

	var result *multierror.Error
	for _, sm := range clients {
		if err := sm.Close(ctx); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if err := n.closeAll(ctx, vaults); err != nil {
		result = multierror.Append(result, err)
	}
	if n.grpc != nil {
		if err := n.grpc.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	n.logger.Info("Devnet stopped", zap.Int("vaults", len(vaults)))
	return result.ErrorOrNil()
}

func (n *Network) closeAll(ctx context.Context, vaults []*vault.Vault) error {
	var (
		mu     sync.Mutex
		result *multierror.Error
		wg     sync.WaitGroup
	)
	for _, v := range vaults {
		wg.Add(1)
		go func(v *vault.Vault) {
			defer wg.Done()
			if err := v.CleanUp(ctx); err != nil {
				mu.Lock()
				result = multierror.Append(result, err)
				mu.Unlock()
			}
		}(v)
	}
	wg.Wait()
	return result.ErrorOrNil()
}
