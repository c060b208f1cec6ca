// Package vault is the server side of the network: it stores chunks and
// packets for others, holds custody records and account ledgers for the
// names it is close to, and runs the maintenance loops that keep stored
// data healthy.
package vault

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gammazero/workerpool"
	"github.com/hashicorp/go-multierror"
	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"

	"vaultnet/pkg/account"
	"vaultnet/pkg/chunkinfo"
	"vaultnet/pkg/chunkstore"
	"vaultnet/pkg/client"
	"vaultnet/pkg/config"
	"vaultnet/pkg/crypto"
	"vaultnet/pkg/dht"
	"vaultnet/pkg/kvstore"
	"vaultnet/pkg/metrics"
	"vaultnet/pkg/protocol"
	"vaultnet/pkg/transport"
	"vaultnet/pkg/types"
	"vaultnet/pkg/validity"
)

type State int

const (
	Stopped State = iota
	Starting
	Started
	Stopping
)

func (s State) String() string {
	switch s {
	case Stopped:
		return "stopped"
	case Starting:
		return "starting"
	case Started:
		return "started"
	case Stopping:
		return "stopping"
	}
	return "unknown"
}

const (
	metaIdentity = "identity"
	metaAccount  = "account-created"
)

// DirectoryFactory builds the vault's DHT view once its contact is known.
type DirectoryFactory func(self types.Contact) dht.Directory

// Options wires a vault to its environment.
type Options struct {
	// Identity overrides the identity persisted in the vault's database.
	Identity  *crypto.Identity
	Network   config.NetworkConfig
	Vault     config.VaultConfig
	Directory DirectoryFactory
	Dialer    protocol.Dialer
	Endpoint  transport.Endpoint
	Bootstrap []types.Contact
	Metrics   *metrics.Metrics
	Logger    *zap.Logger
}

type Vault struct {
	identity  *crypto.Identity
	netCfg    config.NetworkConfig
	cfg       config.VaultConfig
	newDir    DirectoryFactory
	dialer    protocol.Dialer
	endpoint  transport.Endpoint
	bootstrap []types.Contact
	metrics   *metrics.Metrics
	logger    *zap.Logger

	db           *kvstore.DB
	meta         *kvstore.Bucket
	charges      *kvstore.Bucket
	store        *chunkstore.ChunkStore
	chunks       *chunkinfo.Handler
	accounts     *account.Repository
	packets      *packetStore
	records      *validity.RecordStore
	reservations *reservations
	pool         *workerpool.WorkerPool

	mu        sync.RWMutex
	state     State
	contact   types.Contact
	dir       dht.Directory
	ledger    *account.Handler
	manager   *client.StoreManager
	checker   *validity.Checker
	startedAt time.Time
	startErr  error
	ready     chan struct{}
	cancel    context.CancelFunc
	loops     sync.WaitGroup
	closed    bool
}

// New opens the vault's local state. The vault is Stopped until Start.
func New(opts Options) (*Vault, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Directory == nil || opts.Dialer == nil || opts.Endpoint == nil {
		return nil, fmt.Errorf("vault needs a directory, a dialer and an endpoint")
	}
	if err := opts.Network.Validate(); err != nil {
		return nil, fmt.Errorf("invalid network config: %w", err)
	}
	cfg := opts.Vault
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	db, err := kvstore.Open(filepath.Join(cfg.DataDir, "db"), cfg.InMemoryDB, logger)
	if err != nil {
		return nil, err
	}
	v := &Vault{
		netCfg:       opts.Network,
		cfg:          cfg,
		newDir:       opts.Directory,
		dialer:       opts.Dialer,
		endpoint:     opts.Endpoint,
		bootstrap:    opts.Bootstrap,
		metrics:      opts.Metrics,
		db:           db,
		meta:         db.Bucket("meta"),
		charges:      db.Bucket("charges"),
		reservations: newReservations(),
		state:        Stopped,
	}

	identity := opts.Identity
	if identity == nil {
		if identity, err = loadIdentity(v.meta); err != nil {
			db.Close()
			return nil, err
		}
	}
	v.identity = identity
	v.logger = logger.With(zap.String("vault", identity.ID.Short()))

	if err := v.open(); err != nil {
		db.Close()
		return nil, err
	}
	v.pool = workerpool.New(maxInt(cfg.MaintenanceWorkers, 1))
	return v, nil
}

func (v *Vault) open() error {
	var err error
	v.store, err = chunkstore.New(filepath.Join(v.cfg.DataDir, "chunks"), chunkstore.Options{
		Capacity:     v.cfg.StorageCapacity,
		CacheEntries: v.cfg.CacheEntries,
	}, v.logger)
	if err != nil {
		return fmt.Errorf("failed to open chunk store: %w", err)
	}
	v.chunks = chunkinfo.New(v.db.Bucket("chunkinfo"), v.logger)
	if err := v.chunks.Load(); err != nil {
		return fmt.Errorf("failed to load chunk info: %w", err)
	}
	v.accounts, err = account.NewRepository(v.identity.ID, v.db.Bucket("accounts"), v.logger)
	if err != nil {
		return fmt.Errorf("failed to open account repository: %w", err)
	}
	v.packets = newPacketStore(v.db.Bucket("packets"))
	v.records = validity.NewRecordStore(v.db.Bucket("validity"))
	return nil
}

// loadIdentity returns the identity persisted in meta, creating one on first
// use.
func loadIdentity(meta *kvstore.Bucket) (*crypto.Identity, error) {
	seed, err := meta.Get(metaIdentity)
	switch {
	case err == nil:
		if len(seed) != ed25519.SeedSize {
			return nil, fmt.Errorf("%w: stored identity is corrupt", types.ErrLocalStorage)
		}
		priv := ed25519.NewKeyFromSeed(seed)
		return crypto.IdentityFromKeys(&crypto.KeyPair{
			Public:  priv.Public().(ed25519.PublicKey),
			Private: priv,
		}), nil
	case !errors.Is(err, types.ErrNotFound):
		return nil, err
	}

	id, err := crypto.NewIdentity()
	if err != nil {
		return nil, fmt.Errorf("failed to create identity: %w", err)
	}
	if err := meta.Put(metaIdentity, id.Keys.Private.Seed()); err != nil {
		return nil, fmt.Errorf("failed to persist identity: %w", err)
	}
	return id, nil
}

func (v *Vault) ID() types.PeerID {
	return v.identity.ID
}

func (v *Vault) Identity() *crypto.Identity {
	return v.identity
}

// Contact is how peers reach this vault. It has no address until started.
func (v *Vault) Contact() types.Contact {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.contactLocked()
}

func (v *Vault) contactLocked() types.Contact {
	c := v.contact
	c.ID = v.identity.ID
	c.PublicKey = v.identity.PublicKey()
	c.SignedPublicKey = v.identity.SignedPublicKey
	return c
}

func (v *Vault) State() State {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.state
}

// DataDir is where the vault keeps its chunks and database.
func (v *Vault) DataDir() string {
	return v.cfg.DataDir
}

// Store exposes the vault's chunk store.
func (v *Vault) Store() *chunkstore.ChunkStore {
	return v.store
}

// ChunkInfo exposes the custody records this vault holds.
func (v *Vault) ChunkInfo() *chunkinfo.Handler {
	return v.chunks
}

func (v *Vault) Metrics() *metrics.Metrics {
	return v.metrics
}

// HaveAccount reports whether this vault holds id's ledger.
func (v *Vault) HaveAccount(id types.PeerID) bool {
	return v.accounts.Has(id)
}

// Start serves the RPC service, joins the DHT and, for a first-time
// identity, creates the vault's account. It returns immediately; use
// WaitForStartup to learn the outcome.
func (v *Vault) Start(ctx context.Context, portForwarded bool) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return fmt.Errorf("vault has been cleaned up")
	}
	if v.state != Stopped {
		return fmt.Errorf("cannot start vault in state %s", v.state)
	}
	v.state = Starting
	v.startErr = nil
	v.ready = make(chan struct{})
	runCtx, cancel := context.WithCancel(context.Background())
	v.cancel = cancel

	go v.startup(ctx, runCtx, portForwarded, v.ready)
	return nil
}

func (v *Vault) startup(ctx, runCtx context.Context, portForwarded bool, ready chan struct{}) {
	err := v.join(ctx, portForwarded)
	if err == nil {
		err = v.ensureAccount(ctx)
	}

	v.mu.Lock()
	if err != nil {
		v.startErr = err
		v.mu.Unlock()
		v.logger.Error("Vault failed to start", zap.Error(err))
		if stopErr := v.teardown(context.Background()); stopErr != nil {
			v.logger.Warn("Cleanup after failed start", zap.Error(stopErr))
		}
		v.mu.Lock()
		v.state = Stopped
		v.mu.Unlock()
		close(ready)
		return
	}
	v.state = Started
	v.startedAt = time.Now()
	v.mu.Unlock()

	v.startLoops(runCtx)
	v.logger.Info("Vault started",
		zap.String("address", v.Contact().Address),
		zap.Int64("capacity", v.store.Capacity()),
		zap.Int("chunks", v.store.Count()))
	close(ready)
}

func (v *Vault) join(ctx context.Context, portForwarded bool) error {
	address, err := v.endpoint.Serve(v.identity.ID, v)
	if err != nil {
		return fmt.Errorf("failed to serve vault: %w", err)
	}

	v.mu.Lock()
	v.contact = types.Contact{Address: address}
	self := v.contactLocked()
	dir := v.newDir(self)
	v.dir = dir
	v.ledger = account.NewHandler(v.identity, dir, v.dialer, v.netCfg, v.metrics, v.logger)
	v.manager = client.NewStoreManager(client.NewSessionFrom(v.identity, nil), v.store, dir, v.dialer, v.netCfg, client.Options{
		Metrics: v.metrics,
		Logger:  v.logger.Named("replicator"),
	})
	v.checker = validity.NewChecker(v.identity.ID, v.records, v.store, dir, v.dialer, replicator{v}, validity.Options{
		Interval:       v.cfg.ValidityInterval,
		MinAge:         v.cfg.ValidityMinAge,
		Retry:          v.cfg.ValidityRetry,
		MinChunkCopies: v.netCfg.MinChunkCopies,
		Workers:        v.cfg.MaintenanceWorkers,
	}, v.metrics, v.logger.Named("validity"))
	v.mu.Unlock()

	if err := dir.Join(ctx, v.bootstrap); err != nil {
		return fmt.Errorf("failed to join network: %w", err)
	}
	v.logger.Info("Vault joined network",
		zap.String("address", address),
		zap.Bool("port_forwarded", portForwarded),
		zap.Int("bootstrap_contacts", len(v.bootstrap)))
	return nil
}

// ensureAccount creates the vault's ledger the first time this identity
// starts, offering the vault's whole capacity.
func (v *Vault) ensureAccount(ctx context.Context) error {
	_, err := v.meta.Get(metaAccount)
	if err == nil {
		return nil
	}
	if !errors.Is(err, types.ErrNotFound) {
		return err
	}
	if err := v.CreateAccount(ctx, uint64(v.store.Capacity())); err != nil {
		return err
	}
	return v.meta.Put(metaAccount, []byte{1})
}

// CreateAccount asks the vault's account holders to open its ledger with
// offer bytes, retrying with a fixed backoff. Creating an existing ledger is
// accepted as success by the holders.
func (v *Vault) CreateAccount(ctx context.Context, offer uint64) error {
	v.mu.RLock()
	ledger := v.ledger
	v.mu.RUnlock()
	if ledger == nil {
		return types.ErrNotStarted
	}

	delay := v.cfg.AccountRetryDelay
	if delay <= 0 {
		delay = time.Second
	}
	attempts := maxInt(v.cfg.AccountRetries, 1)
	backoff := retry.WithMaxRetries(uint64(attempts-1), retry.NewConstant(delay))

	amendment := account.NewAmendment(protocol.FieldOffered, offer, true, true)
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		if err := ledger.AmendAccount(ctx, v.identity.ID, amendment); err != nil {
			v.logger.Warn("Account creation attempt failed", zap.Error(err))
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to create account: %w", err)
	}
	v.logger.Info("Vault account created", zap.Uint64("offered", offer))
	return nil
}

// WaitForStartup blocks until the vault has started or failed to.
func (v *Vault) WaitForStartup(ctx context.Context) error {
	v.mu.RLock()
	ready := v.ready
	v.mu.RUnlock()
	if ready == nil {
		return fmt.Errorf("%w: vault was never started", types.ErrNotStarted)
	}
	select {
	case <-ready:
	case <-ctx.Done():
		return fmt.Errorf("%w: vault startup: %v", types.ErrNetwork, ctx.Err())
	}
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.startErr
}

// WaitForSync blocks until the vault's own ledger is corroborated by the
// upper threshold of its account holders.
func (v *Vault) WaitForSync(ctx context.Context) error {
	if err := v.WaitForStartup(ctx); err != nil {
		return err
	}
	v.mu.RLock()
	ledger := v.ledger
	v.mu.RUnlock()
	if _, err := ledger.WaitForUpdate(ctx, v.identity.ID, 0); err != nil {
		return err
	}
	return nil
}

// Account returns this vault's own ledger as its holders report it.
func (v *Vault) Account(ctx context.Context) (types.AccountStatus, error) {
	v.mu.RLock()
	ledger := v.ledger
	v.mu.RUnlock()
	if ledger == nil {
		return types.AccountStatus{}, types.ErrNotStarted
	}
	status, _, err := ledger.GetAccountStatus(ctx, v.identity.ID)
	return status, err
}

// Stop suspends the maintenance loops, stops serving and leaves the DHT.
// Local state is kept, so the vault can be started again.
func (v *Vault) Stop(ctx context.Context) error {
	v.mu.Lock()
	if v.state != Started && v.state != Starting {
		v.mu.Unlock()
		return nil
	}
	ready := v.ready
	v.mu.Unlock()

	// A start in progress is allowed to finish or fail first.
	select {
	case <-ready:
	case <-ctx.Done():
		return fmt.Errorf("%w: vault still starting: %v", types.ErrNetwork, ctx.Err())
	}

	v.mu.Lock()
	if v.state != Started {
		v.mu.Unlock()
		return nil
	}
	v.state = Stopping
	cancel := v.cancel
	v.mu.Unlock()

	cancel()
	err := v.teardown(ctx)

	v.mu.Lock()
	v.state = Stopped
	v.mu.Unlock()
	v.logger.Info("Vault stopped")
	return err
}

func (v *Vault) teardown(ctx context.Context) error {
	var result *multierror.Error

	v.mu.RLock()
	checker, manager, dir := v.checker, v.manager, v.dir
	v.mu.RUnlock()

	if checker != nil {
		checker.Close()
	}
	v.loops.Wait()
	if manager != nil {
		if err := manager.Close(ctx); err != nil {
			result = multierror.Append(result, err)
		}
	}
	v.endpoint.Close(v.identity.ID)
	if dir != nil {
		if err := dir.Leave(ctx); err != nil {
			result = multierror.Append(result, fmt.Errorf("failed to leave network: %w", err))
		}
	}
	return result.ErrorOrNil()
}

// Close stops the vault and releases its database.
func (v *Vault) Close(ctx context.Context) error {
	var result *multierror.Error
	if err := v.Stop(ctx); err != nil {
		result = multierror.Append(result, err)
	}
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return result.ErrorOrNil()
	}
	v.closed = true
	v.mu.Unlock()

	v.pool.StopWait()
	if err := v.db.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}

// CleanUp stops the vault and deletes all of its local storage.
func (v *Vault) CleanUp(ctx context.Context) error {
	var result *multierror.Error
	if err := v.store.Clear(); err != nil {
		result = multierror.Append(result, err)
	}
	if err := v.Close(ctx); err != nil {
		result = multierror.Append(result, err)
	}
	if err := os.RemoveAll(v.cfg.DataDir); err != nil {
		result = multierror.Append(result, fmt.Errorf("%w: failed to remove %s: %v", types.ErrLocalStorage, v.cfg.DataDir, err))
	}
	return result.ErrorOrNil()
}

// Info is a snapshot for status displays.
func (v *Vault) Info() types.VaultInfo {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return types.VaultInfo{
		ID:         v.identity.ID,
		Address:    v.contact.Address,
		State:      v.state.String(),
		Capacity:   v.store.Capacity(),
		Used:       v.store.Used(),
		ChunkCount: v.store.Count(),
		StartedAt:  v.startedAt,
	}
}

// directory returns the vault's DHT view, or ErrNotStarted.
func (v *Vault) directory() (dht.Directory, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if v.state == Stopped || v.state == Stopping || v.dir == nil {
		return nil, types.ErrNotStarted
	}
	return v.dir, nil
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
