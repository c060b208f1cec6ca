package vault

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"

	"vaultnet/pkg/crypto"
	"vaultnet/pkg/protocol"
	"vaultnet/pkg/types"
)

// startLoops runs the maintenance loops until ctx is cancelled by Stop.
func (v *Vault) startLoops(ctx context.Context) {
	v.mu.RLock()
	checker := v.checker
	v.mu.RUnlock()

	if err := checker.ResetInFlight(); err != nil {
		v.logger.Warn("Failed to reset interrupted validity checks", zap.Error(err))
	}
	checker.Start(ctx)

	v.every(ctx, "sync", v.cfg.SyncInterval, func(ctx context.Context) error {
		var result *multierror.Error
		if err := v.SyncVault(ctx); err != nil {
			result = multierror.Append(result, err)
		}
		if err := v.HealReferences(ctx); err != nil {
			result = multierror.Append(result, err)
		}
		return result.ErrorOrNil()
	})
	v.every(ctx, "republish", v.cfg.RepublishInterval, v.RepublishChunkRef)

	prune := v.cfg.WaitingListTimeout / 4
	if prune <= 0 || prune > v.cfg.SyncInterval {
		prune = v.cfg.SyncInterval
	}
	v.every(ctx, "prune", prune, func(ctx context.Context) error {
		v.Prune()
		return nil
	})
}

// every runs fn each interval on its own goroutine. A non-positive interval
// disables the loop.
func (v *Vault) every(ctx context.Context, name string, interval time.Duration, fn func(context.Context) error) {
	if interval <= 0 {
		return
	}
	v.loops.Add(1)
	go func() {
		defer v.loops.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := fn(ctx); err != nil && ctx.Err() == nil {
					v.logger.Warn("Maintenance pass finished with errors", zap.String("loop", name), zap.Error(err))
				}
			}
		}
	}()
}

// submit runs fn for every name on the maintenance pool and waits for all of
// them.
func (v *Vault) submit(names []types.ChunkName, fn func(types.ChunkName) error) error {
	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		result *multierror.Error
	)
	for _, name := range names {
		name := name
		wg.Add(1)
		v.pool.Submit(func() {
			defer wg.Done()
			if err := fn(name); err != nil {
				mu.Lock()
				result = multierror.Append(result, err)
				mu.Unlock()
			}
		})
	}
	wg.Wait()
	return result.ErrorOrNil()
}

// SyncVault hash checks every stored chunk and repairs corrupt copies from
// another holder. A copy nobody can supply is dropped along with its DHT
// entry.
func (v *Vault) SyncVault(ctx context.Context) error {
	if _, err := v.directory(); err != nil {
		return err
	}
	err := v.submit(v.store.List(types.ChunkStored), func(name types.ChunkName) error {
		ok, err := v.store.HashCheck(name)
		if err != nil {
			return fmt.Errorf("failed to check %s: %w", name.Short(), err)
		}
		if ok {
			return nil
		}
		return v.mend(ctx, name)
	})
	v.observeStore()
	return err
}

// mend replaces a corrupt stored copy with one from another holder, or drops
// it along with its DHT entry when nobody can supply one.
func (v *Vault) mend(ctx context.Context, name types.ChunkName) error {
	v.logger.Warn("Local copy is corrupt", zap.String("chunk", name.Short()))
	content, err := v.swapFromPeers(ctx, name)
	if err == nil {
		return v.repair(name, content)
	}
	v.logger.Warn("No holder could repair chunk; dropping it",
		zap.String("chunk", name.Short()), zap.Error(err))
	return v.dropCopy(ctx, name)
}

// swapFromPeers offers nothing and asks the other published holders of name
// for a verified copy.
func (v *Vault) swapFromPeers(ctx context.Context, name types.ChunkName) ([]byte, error) {
	dir, err := v.directory()
	if err != nil {
		return nil, err
	}
	holders, err := dir.FindValue(ctx, string(name))
	if err != nil {
		return nil, fmt.Errorf("failed to look up holders: %w", err)
	}
	lastErr := fmt.Errorf("%w: no other holder of %s", types.ErrNotFound, name.Short())
	for _, holder := range holders {
		if holder.ID == v.identity.ID {
			continue
		}
		svc, err := v.dialer.Dial(ctx, holder)
		if err != nil {
			lastErr = err
			continue
		}
		resp, err := svc.SwapChunk(ctx, &protocol.SwapChunkRequest{
			Credentials: protocol.NewCredentials(v.identity, types.Private, string(name), holder.ID),
			WantName:    name,
		})
		if err != nil {
			lastErr = err
			continue
		}
		if crypto.NameOf(resp.Content) != name {
			lastErr = fmt.Errorf("%w: %s sent a corrupt copy of %s", types.ErrIntegrity, holder.ID.Short(), name.Short())
			continue
		}
		return resp.Content, nil
	}
	return nil, lastErr
}

// repair replaces the local copy of name with verified content.
func (v *Vault) repair(name types.ChunkName, content []byte) error {
	if err := v.store.Delete(name); err != nil && !errors.Is(err, types.ErrNotFound) {
		return err
	}
	if err := v.store.Put(name, content, types.ChunkStored); err != nil {
		return fmt.Errorf("failed to rewrite %s: %w", name.Short(), err)
	}
	if v.metrics != nil {
		v.metrics.SyncRepairs.Inc()
	}
	v.logger.Info("Repaired local copy", zap.String("chunk", name.Short()))
	return nil
}

// RepublishChunkRef re-announces every stored chunk in the DHT so the
// references do not expire.
func (v *Vault) RepublishChunkRef(ctx context.Context) error {
	dir, err := v.directory()
	if err != nil {
		return err
	}
	self := v.Contact()
	return v.submit(v.store.List(types.ChunkStored), func(name types.ChunkName) error {
		if err := dir.Store(ctx, string(name), self); err != nil {
			return fmt.Errorf("failed to republish %s: %w", name.Short(), err)
		}
		if v.metrics != nil {
			v.metrics.Republished.Inc()
		}
		return nil
	})
}

// Prune expires stale waiting-list entries and space reservations.
func (v *Vault) Prune() {
	pruned := v.chunks.PruneWaitingLists(v.cfg.WaitingListTimeout)
	expired := v.reservations.expired()
	for _, name := range expired {
		// Content arrived but the requester never finished the store.
		if err := v.store.Delete(name); err != nil && !errors.Is(err, types.ErrNotFound) {
			v.logger.Warn("Failed to discard unconfirmed chunk", zap.String("chunk", name.Short()), zap.Error(err))
		}
	}
	if pruned > 0 || len(expired) > 0 {
		v.logger.Debug("Pruned stale promises",
			zap.Int("waiters", pruned),
			zap.Int("reservations", len(expired)))
	}
}

// HealReferences recruits new storing vaults for chunks this vault holds
// custody records for but which have too few confirmed copies. Only the
// holder closest to a chunk acts, so the group replicates it once.
func (v *Vault) HealReferences(ctx context.Context) error {
	dir, err := v.directory()
	if err != nil {
		return err
	}
	v.mu.RLock()
	manager := v.manager
	v.mu.RUnlock()

	minCopies := v.netCfg.MinChunkCopies
	return v.submit(v.chunks.UnderReplicated(minCopies), func(name types.ChunkName) error {
		closest, err := dir.FindKClosestNodes(ctx, string(name))
		if err != nil {
			return err
		}
		if len(closest) == 0 || closest[0].ID != v.identity.ID {
			return nil
		}
		info, err := v.chunks.GetChunkInfo(name)
		if err != nil {
			return nil
		}
		if len(info.ReferenceList) == 0 {
			// Nothing to copy from; the storing vaults have not confirmed yet.
			return nil
		}
		missing := minCopies - len(info.ReferenceList)
		if missing <= 0 {
			return nil
		}

		content, err := v.contentFor(ctx, name, info.ReferenceList)
		if err != nil {
			return fmt.Errorf("failed to fetch %s for re-replication: %w", name.Short(), err)
		}
		exclude := append([]types.PeerID{v.identity.ID}, info.ReferenceList...)
		for _, w := range info.WaitingList {
			exclude = append(exclude, w.ID)
		}
		v.logger.Info("Re-replicating chunk with too few copies",
			zap.String("chunk", name.Short()),
			zap.Int("references", len(info.ReferenceList)),
			zap.Int("missing", missing))
		err = manager.Replicate(ctx, name, content, exclude, missing)
		v.observeReplication(err)
		return err
	})
}

// contentFor returns the chunk from the local store or one of refs.
func (v *Vault) contentFor(ctx context.Context, name types.ChunkName, refs []types.PeerID) ([]byte, error) {
	if content, err := v.store.Get(name); err == nil {
		return content, nil
	}
	dir, err := v.directory()
	if err != nil {
		return nil, err
	}
	holders, err := dir.FindValue(ctx, string(name))
	if err != nil {
		return nil, err
	}
	isRef := make(map[types.PeerID]bool, len(refs))
	for _, id := range refs {
		isRef[id] = true
	}
	lastErr := fmt.Errorf("%w: no reference holder of %s reachable", types.ErrNotFound, name.Short())
	for _, holder := range holders {
		if !isRef[holder.ID] || holder.ID == v.identity.ID {
			continue
		}
		svc, err := v.dialer.Dial(ctx, holder)
		if err != nil {
			lastErr = err
			continue
		}
		resp, err := svc.GetChunk(ctx, &protocol.GetChunkRequest{ChunkName: name})
		if err != nil {
			lastErr = err
			continue
		}
		if crypto.NameOf(resp.Content) == name {
			return resp.Content, nil
		}
		lastErr = fmt.Errorf("%w: corrupt copy of %s", types.ErrIntegrity, name.Short())
	}
	return nil, lastErr
}

func (v *Vault) observeReplication(err error) {
	if v.metrics == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "failed"
	}
	v.metrics.Replications.WithLabelValues(outcome).Inc()
}

// replicator lets the validity checker recruit holders for chunks this vault
// stores.
type replicator struct {
	v *Vault
}

func (r replicator) Replicate(ctx context.Context, name types.ChunkName, exclude []types.PeerID, copies int) error {
	content, err := r.v.store.Get(name)
	if err != nil {
		return err
	}
	r.v.mu.RLock()
	manager := r.v.manager
	r.v.mu.RUnlock()
	if manager == nil {
		return types.ErrNotStarted
	}
	return manager.Replicate(ctx, name, content, exclude, copies)
}
