// Package client stores, loads and deletes chunks and packets on behalf of a
// session, driving the multi-phase store protocol against vaults.
package client

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"vaultnet/pkg/account"
	"vaultnet/pkg/chunkstore"
	"vaultnet/pkg/config"
	"vaultnet/pkg/crypto"
	"vaultnet/pkg/dht"
	"vaultnet/pkg/metrics"
	"vaultnet/pkg/protocol"
	"vaultnet/pkg/taskhandler"
	"vaultnet/pkg/transport"
	"vaultnet/pkg/types"
)

// Options carries the optional collaborators of a StoreManager.
type Options struct {
	Bootstrap []types.Contact
	// Stats supplies round-trip times for ranking candidate vaults.
	Stats   *transport.Stats
	Metrics *metrics.Metrics
	Logger  *zap.Logger
}

// StoreTask names a chunk in the local store to push to the network.
type StoreTask struct {
	Key        types.ChunkName
	Visibility types.Visibility
	// MSID selects the private share identity for PrivateShare stores.
	MSID string
}

// storeResult is written by the task owner before the task resolves and read
// by joined callers after Done closes.
type storeResult struct {
	done <-chan struct{}
	err  error
}

// StoreManager is the client side of the vault network.
type StoreManager struct {
	session   *Session
	store     *chunkstore.ChunkStore
	dir       dht.Directory
	dialer    protocol.Dialer
	cfg       config.NetworkConfig
	tasks     *taskhandler.Handler
	accounts  *account.Handler
	stats     *transport.Stats
	metrics   *metrics.Metrics
	logger    *zap.Logger
	bootstrap []types.Contact

	mu      sync.Mutex
	results map[string]*storeResult
	known   map[types.PeerID]types.Contact
	joined  bool
	closed  bool
	wg      sync.WaitGroup
}

func NewStoreManager(session *Session, store *chunkstore.ChunkStore, dir dht.Directory, dialer protocol.Dialer, cfg config.NetworkConfig, opts Options) *StoreManager {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StoreManager{
		session:   session,
		store:     store,
		dir:       dir,
		dialer:    dialer,
		cfg:       cfg,
		tasks:     taskhandler.New(),
		accounts:  account.NewHandler(session.Identity(), dir, dialer, cfg, opts.Metrics, logger),
		stats:     opts.Stats,
		metrics:   opts.Metrics,
		logger:    logger,
		bootstrap: opts.Bootstrap,
		results:   make(map[string]*storeResult),
		known:     make(map[types.PeerID]types.Contact),
	}
}

// Init joins the DHT through the bootstrap contacts. Calling it again after a
// successful join is a no-op.
func (sm *StoreManager) Init(ctx context.Context) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if sm.closed {
		return fmt.Errorf("store manager is closed")
	}
	if sm.joined {
		return nil
	}
	if err := sm.dir.Join(ctx, sm.bootstrap); err != nil {
		return fmt.Errorf("failed to join network: %w", err)
	}
	for _, c := range sm.bootstrap {
		sm.known[c.ID] = c
	}
	sm.joined = true
	sm.logger.Info("Store manager joined network",
		zap.String("id", sm.session.ID().Short()),
		zap.Int("bootstrap_contacts", len(sm.bootstrap)))
	return nil
}

// Close waits for in-flight operations and leaves the DHT.
func (sm *StoreManager) Close(ctx context.Context) error {
	sm.mu.Lock()
	if sm.closed {
		sm.mu.Unlock()
		return nil
	}
	sm.closed = true
	joined := sm.joined
	sm.mu.Unlock()

	done := make(chan struct{})
	go func() {
		sm.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		sm.logger.Warn("Closing with operations still in flight", zap.Error(ctx.Err()))
	}

	if joined {
		if err := sm.dir.Leave(ctx); err != nil {
			return fmt.Errorf("failed to leave network: %w", err)
		}
	}
	return nil
}

// begin registers an in-flight operation. The returned func must be called
// when it finishes.
func (sm *StoreManager) begin() (func(), error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if sm.closed {
		return nil, fmt.Errorf("store manager is closed")
	}
	sm.wg.Add(1)
	return sm.wg.Done, nil
}

// Session returns the identities this manager signs with.
func (sm *StoreManager) Session() *Session {
	return sm.session
}

// AddChunk puts content in the local store as Outgoing and returns its name,
// ready for StoreChunk.
func (sm *StoreManager) AddChunk(content []byte) (types.ChunkName, error) {
	name := crypto.NameOf(content)
	if err := sm.store.Put(name, content, types.ChunkOutgoing); err != nil {
		return "", fmt.Errorf("failed to stage chunk: %w", err)
	}
	return name, nil
}

// LocalStore is the client-side chunk store holding staged and cached chunks.
func (sm *StoreManager) LocalStore() *chunkstore.ChunkStore {
	return sm.store
}

// Tasks exposes the task handler for inspection.
func (sm *StoreManager) Tasks() *taskhandler.Handler {
	return sm.tasks
}

// AccountStatus returns the session's ledger as reported by its holders.
func (sm *StoreManager) AccountStatus(ctx context.Context) (types.AccountStatus, error) {
	status, _, err := sm.accounts.GetAccountStatus(ctx, sm.session.ID())
	if err != nil {
		return types.AccountStatus{}, fmt.Errorf("failed to get account status: %w", err)
	}
	return status, nil
}

func (sm *StoreManager) remember(contacts []types.Contact) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	for _, c := range contacts {
		if c.ID != "" && c.ID != sm.dir.Self().ID {
			sm.known[c.ID] = c
		}
	}
}

// candidates returns vaults eligible to store a copy, best first: vaults
// within the ideal latency by RTT, then vaults with no measurement in random
// order, then the slow ones.
func (sm *StoreManager) candidates(ctx context.Context, exclude map[types.PeerID]bool) ([]types.Contact, error) {
	closest, err := sm.dir.FindKClosestNodes(ctx, crypto.KeyName(uuid.New().String()))
	if err != nil {
		return nil, fmt.Errorf("failed to find candidate vaults: %w", err)
	}
	sm.remember(closest)

	self := sm.dir.Self().ID
	sm.mu.Lock()
	pool := make([]types.Contact, 0, len(sm.known))
	for id, c := range sm.known {
		if id != self && !exclude[id] {
			pool = append(pool, c)
		}
	}
	sm.mu.Unlock()

	return sm.rank(pool), nil
}

func (sm *StoreManager) rank(pool []types.Contact) []types.Contact {
	type timed struct {
		contact types.Contact
		rtt     time.Duration
	}
	var fast, slow []timed
	var unknown []types.Contact
	for _, c := range pool {
		rtt, ok := sm.rtt(c.ID)
		switch {
		case !ok:
			unknown = append(unknown, c)
		case rtt <= sm.cfg.IdealLatency:
			fast = append(fast, timed{c, rtt})
		default:
			slow = append(slow, timed{c, rtt})
		}
	}
	sort.Slice(fast, func(i, j int) bool { return fast[i].rtt < fast[j].rtt })
	sort.Slice(slow, func(i, j int) bool { return slow[i].rtt < slow[j].rtt })
	rand.Shuffle(len(unknown), func(i, j int) { unknown[i], unknown[j] = unknown[j], unknown[i] })

	out := make([]types.Contact, 0, len(pool))
	for _, t := range fast {
		out = append(out, t.contact)
	}
	out = append(out, unknown...)
	for _, t := range slow {
		out = append(out, t.contact)
	}
	return out
}

func (sm *StoreManager) rtt(id types.PeerID) (time.Duration, bool) {
	if sm.stats == nil {
		return 0, false
	}
	return sm.stats.RTT(id)
}

// byRTT orders contacts by measured RTT with unmeasured ones last.
func (sm *StoreManager) byRTT(contacts []types.Contact) {
	sort.SliceStable(contacts, func(i, j int) bool {
		ri, oki := sm.rtt(contacts[i].ID)
		rj, okj := sm.rtt(contacts[j].ID)
		if oki != okj {
			return oki
		}
		return ri < rj
	})
}

func (sm *StoreManager) countFailure(kind string) {
	if sm.metrics != nil {
		sm.metrics.StoreFailures.WithLabelValues(kind).Inc()
	}
}

func (sm *StoreManager) countPhase(phase string) {
	if sm.metrics != nil {
		sm.metrics.StoreAttempts.WithLabelValues(phase).Inc()
	}
}
