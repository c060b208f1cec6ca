package client

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"vaultnet/pkg/crypto"
	"vaultnet/pkg/protocol"
	"vaultnet/pkg/types"
)

// loadOutcome tallies why copies could not be used.
type loadOutcome struct {
	corrupt  int
	network  int
	notFound int
	lastErr  error
}

func (o *loadOutcome) record(err error) {
	o.lastErr = err
	switch {
	case errors.Is(err, types.ErrIntegrity):
		o.corrupt++
	case errors.Is(err, types.ErrNotFound):
		o.notFound++
	default:
		o.network++
	}
}

func (o *loadOutcome) err(name types.ChunkName) error {
	switch {
	case o.corrupt > 0:
		return fmt.Errorf("%w: every copy of %s returned was corrupt (%d)", types.ErrIntegrity, name.Short(), o.corrupt)
	case o.network > 0 && o.notFound == 0:
		return fmt.Errorf("%w: no holder of %s reachable: %v", types.ErrNetwork, name.Short(), o.lastErr)
	}
	return fmt.Errorf("%w: chunk %s", types.ErrNotFound, name.Short())
}

// LoadChunk returns the content of name from the local store or the network.
// Holders advertised in the DHT are tried by ascending RTT for up to
// ChunkLoadRetries passes; after that the K closest vaults are asked to relay
// the chunk. Every copy is hash checked before it is returned.
func (sm *StoreManager) LoadChunk(ctx context.Context, name types.ChunkName) ([]byte, error) {
	done, err := sm.begin()
	if err != nil {
		return nil, err
	}
	defer done()

	if !name.Valid() {
		return nil, fmt.Errorf("%w: malformed chunk name %q", types.ErrInvalidRequest, name)
	}
	if sm.metrics != nil {
		sm.metrics.LoadAttempts.Inc()
	}
	if content, ok := sm.local(ctx, name); ok {
		return content, nil
	}

	var outcome loadOutcome
	passes := sm.cfg.ChunkLoadRetries
	if passes < 1 {
		passes = 1
	}
	for pass := 0; pass < passes; pass++ {
		holders, err := sm.dir.FindValue(ctx, string(name))
		if err != nil {
			outcome.record(fmt.Errorf("%w: holder lookup: %v", types.ErrNetwork, err))
			continue
		}
		sm.byRTT(holders)
		for _, holder := range holders {
			content, err := sm.fetch(ctx, holder, name, false)
			if err == nil {
				sm.cache(name, content)
				return content, nil
			}
			outcome.record(err)
		}
		if ctx.Err() != nil {
			break
		}
	}

	if ctx.Err() == nil {
		if content, err := sm.relay(ctx, name, &outcome); err == nil {
			sm.cache(name, content)
			return content, nil
		}
	}

	err = outcome.err(name)
	if sm.metrics != nil {
		sm.metrics.LoadFailures.WithLabelValues(types.Kind(err)).Inc()
	}
	sm.logger.Debug("Chunk load failed",
		zap.String("chunk", name.Short()),
		zap.Int("corrupt", outcome.corrupt),
		zap.Int("network", outcome.network),
		zap.Int("not_found", outcome.notFound))
	return nil, err
}

// local returns the session's own copy of name. A Cached copy is dropped
// instead once no vault publishes the chunk any more.
func (sm *StoreManager) local(ctx context.Context, name types.ChunkName) ([]byte, bool) {
	state, err := sm.store.State(name)
	if err != nil {
		return nil, false
	}
	if state == types.ChunkCached {
		holders, err := sm.dir.FindValue(ctx, string(name))
		if err != nil || len(holders) == 0 {
			if err == nil {
				sm.dropLocal(name)
			}
			return nil, false
		}
	}
	content, err := sm.store.Get(name)
	if err != nil {
		if errors.Is(err, types.ErrIntegrity) {
			sm.dropLocal(name)
		}
		return nil, false
	}
	return content, true
}

func (sm *StoreManager) dropLocal(name types.ChunkName) {
	if err := sm.store.Delete(name); err != nil && !errors.Is(err, types.ErrNotFound) {
		sm.logger.Debug("Failed to drop local copy", zap.String("chunk", name.Short()), zap.Error(err))
	}
}

// relay asks the vaults closest to name to fetch it on the client's behalf.
func (sm *StoreManager) relay(ctx context.Context, name types.ChunkName, outcome *loadOutcome) ([]byte, error) {
	closest, err := sm.dir.FindKClosestNodes(ctx, string(name))
	if err != nil {
		outcome.record(fmt.Errorf("%w: relay lookup: %v", types.ErrNetwork, err))
		return nil, err
	}
	sm.byRTT(closest)
	for _, vault := range closest {
		content, err := sm.fetch(ctx, vault, name, true)
		if err == nil {
			return content, nil
		}
		outcome.record(err)
	}
	return nil, types.ErrNotFound
}

func (sm *StoreManager) fetch(ctx context.Context, holder types.Contact, name types.ChunkName, relay bool) ([]byte, error) {
	svc, err := sm.dialer.Dial(ctx, holder)
	if err != nil {
		return nil, err
	}
	resp, err := svc.GetChunk(ctx, &protocol.GetChunkRequest{ChunkName: name, Relay: relay})
	if err != nil {
		return nil, err
	}
	if crypto.NameOf(resp.Content) != name {
		if sm.metrics != nil {
			sm.metrics.CorruptCopies.Inc()
		}
		sm.logger.Warn("Discarding corrupt copy",
			zap.String("chunk", name.Short()),
			zap.String("holder", holder.ID.Short()))
		return nil, fmt.Errorf("%w: copy of %s from %s", types.ErrIntegrity, name.Short(), holder.ID.Short())
	}
	return resp.Content, nil
}

func (sm *StoreManager) cache(name types.ChunkName, content []byte) {
	if sm.store.Has(name) {
		return
	}
	if err := sm.store.Put(name, content, types.ChunkCached); err != nil {
		sm.logger.Debug("Failed to cache loaded chunk", zap.String("chunk", name.Short()), zap.Error(err))
	}
}
