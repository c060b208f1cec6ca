// Package validity challenges the other holders of locally stored chunks to
// prove they still have the content, and recruits new holders when too few
// prove it.
package validity

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gammazero/workerpool"
	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"

	"vaultnet/pkg/crypto"
	"vaultnet/pkg/dht"
	"vaultnet/pkg/metrics"
	"vaultnet/pkg/protocol"
	"vaultnet/pkg/types"
)

const nonceSize = 32

// ChunkSource is the local store the checker compares against.
type ChunkSource interface {
	List(state types.ChunkState) []types.ChunkName
	Get(name types.ChunkName) ([]byte, error)
}

// Replicator recruits copies fresh holders for a chunk, avoiding exclude.
type Replicator interface {
	Replicate(ctx context.Context, name types.ChunkName, exclude []types.PeerID, copies int) error
}

type Options struct {
	Interval       time.Duration
	MinAge         time.Duration
	Retry          int
	MinChunkCopies int
	Workers        int
}

type Checker struct {
	self       types.PeerID
	records    *RecordStore
	source     ChunkSource
	dir        dht.Directory
	dialer     protocol.Dialer
	replicator Replicator
	opts       Options
	metrics    *metrics.Metrics
	logger     *zap.Logger
	now        func() time.Time

	pool *workerpool.WorkerPool

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

func NewChecker(self types.PeerID, records *RecordStore, source ChunkSource, dir dht.Directory, dialer protocol.Dialer, replicator Replicator, opts Options, m *metrics.Metrics, logger *zap.Logger) *Checker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.Interval <= 0 {
		opts.Interval = 2 * time.Minute
	}
	return &Checker{
		self:       self,
		records:    records,
		source:     source,
		dir:        dir,
		dialer:     dialer,
		replicator: replicator,
		opts:       opts,
		metrics:    m,
		logger:     logger,
		now:        time.Now,
		pool:       workerpool.New(opts.Workers),
	}
}

// Start runs the check loop until Stop. Records survive a Stop, so a later
// Start resumes where the loop left off.
func (c *Checker) Start(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})
	c.running = true

	go c.loop(ctx, c.done)
	c.logger.Info("Validity checker started", zap.Duration("interval", c.opts.Interval))
}

// Stop suspends the loop and waits for the current pass to finish.
func (c *Checker) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	c.cancel()
	done := c.done
	c.mu.Unlock()
	<-done
}

// Close stops the loop and releases the worker pool.
func (c *Checker) Close() {
	c.Stop()
	c.pool.StopWait()
}

func (c *Checker) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(c.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.RunOnce(ctx); err != nil && ctx.Err() == nil {
				c.logger.Warn("Validity pass finished with errors", zap.Error(err))
			}
		}
	}
}

// RunOnce performs one pass: refresh partner lists, challenge due partners,
// then re-replicate under-held chunks.
func (c *Checker) RunOnce(ctx context.Context) error {
	var result error
	names := c.source.List(types.ChunkStored)
	for _, name := range names {
		if err := c.refreshPartners(ctx, name); err != nil {
			result = multierror.Append(result, err)
		}
	}

	due, err := c.records.Due(c.now(), c.opts.MinAge)
	if err != nil {
		return multierror.Append(result, err)
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	for _, rec := range due {
		rec := rec
		wg.Add(1)
		c.pool.Submit(func() {
			defer wg.Done()
			if err := c.check(ctx, rec); err != nil {
				mu.Lock()
				result = multierror.Append(result, err)
				mu.Unlock()
			}
		})
	}
	wg.Wait()

	for _, name := range names {
		if err := c.heal(ctx, name); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result
}

// refreshPartners schedules a record for every other published holder and
// forgets holders that disappeared, except those found dirty.
func (c *Checker) refreshPartners(ctx context.Context, name types.ChunkName) error {
	holders, err := c.dir.FindValue(ctx, string(name))
	if err != nil {
		return fmt.Errorf("failed to find holders of %s: %w", name.Short(), err)
	}
	current := make(map[types.PeerID]bool, len(holders))
	for _, h := range holders {
		if h.ID == c.self {
			continue
		}
		current[h.ID] = true
		if err := c.records.Ensure(name, h.ID); err != nil {
			return err
		}
	}

	recs, err := c.records.ForChunk(name)
	if err != nil {
		return err
	}
	for _, rec := range recs {
		if !current[rec.Partner] && rec.Status != Dirty {
			if err := c.records.Delete(name, rec.Partner); err != nil {
				return err
			}
		}
	}
	return nil
}

func (c *Checker) check(ctx context.Context, rec Record) error {
	content, err := c.source.Get(rec.ChunkName)
	if err != nil {
		return fmt.Errorf("failed to read %s for validity check: %w", rec.ChunkName.Short(), err)
	}

	rec.Status = Checking
	if err := c.records.Put(rec); err != nil {
		return err
	}

	ok, err := c.challenge(ctx, rec, content)
	if ctx.Err() != nil {
		// Interrupted by Stop; check again next time.
		rec.Status = Scheduled
		return c.records.Put(rec)
	}

	rec.LastChecked = c.now()
	if ok {
		rec.Status = Correct
		c.observe("correct")
	} else {
		rec.Status = Dirty
		c.observe("dirty")
		c.logger.Warn("Partner failed validity check",
			zap.String("chunk", rec.ChunkName.Short()),
			zap.String("partner", rec.Partner.Short()),
			zap.Error(err))
		if derr := c.dir.Delete(ctx, string(rec.ChunkName), rec.Partner); derr != nil {
			c.logger.Debug("Failed to unpublish dirty partner", zap.Error(derr))
		}
	}
	return c.records.Put(rec)
}

// challenge asks the partner for Hash(content || nonce). Network failures are
// retried; any other failure or a wrong answer fails the partner.
func (c *Checker) challenge(ctx context.Context, rec Record, content []byte) (bool, error) {
	nonce, err := crypto.RandomNonce(nonceSize)
	if err != nil {
		return false, err
	}
	want := crypto.NonceHash(content, nonce)
	req := &protocol.ValidityCheckRequest{ChunkName: rec.ChunkName, Nonce: nonce}

	var lastErr error
	for attempt := 0; attempt <= c.opts.Retry; attempt++ {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		svc, err := c.dialer.Dial(ctx, types.Contact{ID: rec.Partner, Address: c.address(ctx, rec)})
		if err != nil {
			lastErr = err
			continue
		}
		resp, err := svc.ValidityCheck(ctx, req)
		if err == nil {
			if bytes.Equal(resp.HashContent, want) {
				return true, nil
			}
			return false, fmt.Errorf("%w: wrong validity proof", types.ErrIntegrity)
		}
		lastErr = err
		if !errors.Is(err, types.ErrNetwork) {
			return false, err
		}
	}
	return false, lastErr
}

// address looks the partner up among the chunk's published holders.
func (c *Checker) address(ctx context.Context, rec Record) string {
	holders, err := c.dir.FindValue(ctx, string(rec.ChunkName))
	if err != nil {
		return ""
	}
	for _, h := range holders {
		if h.ID == rec.Partner {
			return h.Address
		}
	}
	return ""
}

// heal re-replicates name once every partner has been checked and fewer than
// MinChunkCopies holders, this vault included, are known good.
func (c *Checker) heal(ctx context.Context, name types.ChunkName) error {
	recs, err := c.records.ForChunk(name)
	if err != nil {
		return err
	}
	correct := 0
	exclude := []types.PeerID{c.self}
	for _, rec := range recs {
		switch rec.Status {
		case Scheduled, Checking:
			return nil
		case Correct:
			correct++
		}
		exclude = append(exclude, rec.Partner)
	}

	missing := c.opts.MinChunkCopies - (1 + correct)
	if missing <= 0 || c.replicator == nil {
		return nil
	}

	c.logger.Info("Re-replicating under-held chunk",
		zap.String("chunk", name.Short()),
		zap.Int("correct_partners", correct),
		zap.Int("missing", missing))
	if err := c.replicator.Replicate(ctx, name, exclude, missing); err != nil {
		c.observeReplication("failed")
		return fmt.Errorf("failed to re-replicate %s: %w", name.Short(), err)
	}
	c.observeReplication("success")
	return nil
}

func (c *Checker) observe(outcome string) {
	if c.metrics != nil {
		c.metrics.ValidityChecks.WithLabelValues(outcome).Inc()
	}
}

func (c *Checker) observeReplication(outcome string) {
	if c.metrics != nil {
		c.metrics.Replications.WithLabelValues(outcome).Inc()
	}
}

// ResetInFlight returns records left Checking by an interrupted pass to
// Scheduled.
func (c *Checker) ResetInFlight() error {
	all, err := c.records.All()
	if err != nil {
		return err
	}
	for _, rec := range all {
		if rec.Status == Checking {
			rec.Status = Scheduled
			if err := c.records.Put(rec); err != nil {
				return err
			}
		}
	}
	return nil
}
