package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/atomic"
	"go.uber.org/zap"

	"vaultnet/pkg/crypto"
	"vaultnet/pkg/protocol"
	"vaultnet/pkg/taskhandler"
	"vaultnet/pkg/types"
)

// StoreChunk pushes a chunk from the local store to MinChunkCopies vaults,
// or registers the session as a watcher when the network already has it.
// Concurrent stores of the same key share one task and one result. The local
// copy is removed once the store succeeds.
func (sm *StoreManager) StoreChunk(ctx context.Context, task StoreTask) error {
	done, err := sm.begin()
	if err != nil {
		return err
	}
	defer done()

	if !task.Key.Valid() {
		return fmt.Errorf("%w: malformed chunk name %q", types.ErrInvalidRequest, task.Key)
	}
	signer, err := sm.session.Signer(task.Visibility, task.MSID)
	if err != nil {
		return err
	}
	content, err := sm.store.Get(task.Key)
	if err != nil {
		return fmt.Errorf("failed to read chunk %s: %w", task.Key.Short(), err)
	}

	id, res, owner, err := sm.claim(task.Key, taskhandler.StoreChunkTask, sm.cfg.MinChunkCopies)
	if err != nil {
		return err
	}
	if !owner {
		sm.logger.Debug("Joining in-flight store", zap.String("chunk", task.Key.Short()), zap.String("task", id))
		return sm.await(ctx, res)
	}
	defer sm.release(id)

	start := time.Now()
	unique, err := sm.IsKeyUnique(ctx, string(task.Key))
	if err == nil && !unique {
		if sm.metrics != nil {
			sm.metrics.DuplicateStores.Inc()
		}
		err = sm.appendWatcher(ctx, task.Key, int64(len(content)), signer, task.Visibility)
		if errors.Is(err, types.ErrNotFound) {
			// Custody records exist but no copy was ever confirmed.
			sm.logger.Debug("No confirmed copy to watch; storing afresh",
				zap.String("chunk", task.Key.Short()), zap.Error(err))
			unique, err = true, nil
		}
	}
	switch {
	case err != nil:
		res.err = err
		sm.tasks.Finish(id, false)
	case !unique:
		res.err = nil
		sm.tasks.Finish(id, true)
	default:
		sm.storeCopies(ctx, id, res, copyRequest{
			name:       task.Key,
			content:    content,
			signer:     signer,
			visibility: task.Visibility,
			mode:       protocol.IOUStore,
		}, nil)
	}

	if res.err != nil {
		sm.countFailure(types.Kind(res.err))
		sm.logger.Warn("Chunk store failed",
			zap.String("chunk", task.Key.Short()),
			zap.String("kind", types.Kind(res.err)),
			zap.Error(res.err))
		return res.err
	}

	if sm.metrics != nil {
		sm.metrics.StoreLatency.Observe(time.Since(start).Seconds())
	}
	if state, err := sm.store.State(task.Key); err == nil && state == types.ChunkOutgoing {
		if err := sm.store.Delete(task.Key); err != nil {
			sm.logger.Warn("Failed to drop stored outgoing chunk", zap.String("chunk", task.Key.Short()), zap.Error(err))
		}
	}
	sm.logger.Info("Chunk stored",
		zap.String("chunk", task.Key.Short()),
		zap.Bool("duplicate", !unique),
		zap.Duration("elapsed", time.Since(start)))
	return nil
}

// Replicate stores additional copies of content on vaults outside exclude.
// Replicas carry no watcher; the reference holders only record custody.
func (sm *StoreManager) Replicate(ctx context.Context, name types.ChunkName, content []byte, exclude []types.PeerID, copies int) error {
	done, err := sm.begin()
	if err != nil {
		return err
	}
	defer done()

	if crypto.NameOf(content) != name {
		return fmt.Errorf("%w: replica content does not hash to %s", types.ErrIntegrity, name.Short())
	}
	if copies < 1 {
		return nil
	}
	id, res, owner, err := sm.claim(name, taskhandler.ReplicateChunkTask, copies)
	if err != nil {
		return err
	}
	if !owner {
		return sm.await(ctx, res)
	}
	defer sm.release(id)

	skip := make(map[types.PeerID]bool, len(exclude))
	for _, p := range exclude {
		skip[p] = true
	}
	sm.storeCopies(ctx, id, res, copyRequest{
		name:       name,
		content:    content,
		signer:     sm.session.Identity(),
		visibility: types.Private,
		mode:       protocol.IOUReplicate,
	}, skip)
	return res.err
}

// claim joins the oldest pending task for key or creates a new one owned by
// the caller.
func (sm *StoreManager) claim(key types.ChunkName, kind taskhandler.TaskType, copies int) (string, *storeResult, bool, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if id := sm.tasks.GetOldestActiveTaskByKeyAndType(string(key), kind); id != "" {
		if res, ok := sm.results[id]; ok {
			return id, res, false, nil
		}
	}
	id, err := sm.tasks.AddTask(string(key), kind, copies, sm.cfg.MaxStoreFailures)
	if err != nil {
		return "", nil, false, fmt.Errorf("failed to create %s task: %w", kind, err)
	}
	res := &storeResult{done: sm.tasks.Done(id)}
	sm.results[id] = res
	return id, res, true, nil
}

func (sm *StoreManager) await(ctx context.Context, res *storeResult) error {
	select {
	case <-res.done:
		return res.err
	case <-ctx.Done():
		return fmt.Errorf("%w: waiting for store: %v", types.ErrNetwork, ctx.Err())
	}
}

func (sm *StoreManager) release(id string) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	delete(sm.results, id)
	sm.tasks.DeleteTask(id)
}

type copyRequest struct {
	name       types.ChunkName
	content    []byte
	signer     *crypto.Identity
	visibility types.Visibility
	mode       protocol.StoreIOUMode
}

// storeCopies tries one candidate vault at a time until the task reaches its
// copy count, exceeds its failure budget, or runs out of candidates. res.err
// holds the outcome once the task resolves.
func (sm *StoreManager) storeCopies(ctx context.Context, id string, res *storeResult, req copyRequest, exclude map[types.PeerID]bool) {
	tried := make(map[types.PeerID]bool, len(exclude))
	for p := range exclude {
		tried[p] = true
	}
	var lastErr error

	for {
		if status, err := sm.tasks.TaskComplete(id); err != nil || status != taskhandler.Pending {
			return
		}
		if err := ctx.Err(); err != nil {
			res.err = fmt.Errorf("%w: store of %s interrupted: %v", types.ErrNetwork, req.name.Short(), err)
			sm.tasks.Finish(id, false)
			return
		}

		candidates, err := sm.candidates(ctx, tried)
		if err != nil || len(candidates) == 0 {
			res.err = exhausted(req.name, lastErr, err)
			sm.tasks.Finish(id, false)
			return
		}
		vault := candidates[0]
		tried[vault.ID] = true

		err = sm.storeCopy(ctx, vault, req)
		switch {
		case err == nil:
			res.err = nil
			sm.tasks.IncrementSuccess(id)
		case errors.Is(err, types.ErrDuplicateKey):
			// Already holds a copy; try someone else without penalty.
			sm.logger.Debug("Candidate already holds chunk",
				zap.String("chunk", req.name.Short()),
				zap.String("vault", vault.ID.Short()))
		default:
			if protocol.IsPoisoned(err) && sm.metrics != nil {
				sm.metrics.PoisonedPeers.Inc()
			}
			sm.logger.Debug("Store attempt failed",
				zap.String("chunk", req.name.Short()),
				zap.String("vault", vault.ID.Short()),
				zap.Error(err))
			lastErr = err
			res.err = terminal(req.name, err)
			sm.tasks.IncrementFailure(id)
		}
	}
}

// terminal maps a per-vault failure to what the caller sees if it ends the
// store: capacity refusals and missing acknowledgements are a quorum problem,
// anything else a network one.
func terminal(name types.ChunkName, err error) error {
	if errors.Is(err, types.ErrQuorum) || errors.Is(err, types.ErrQuota) {
		return fmt.Errorf("%w: store of %s: %v", types.ErrQuorum, name.Short(), err)
	}
	if errors.Is(err, types.ErrNetwork) {
		return fmt.Errorf("store of %s: %w", name.Short(), err)
	}
	return fmt.Errorf("%w: store of %s: %v", types.ErrNetwork, name.Short(), err)
}

func exhausted(name types.ChunkName, lastErr, lookupErr error) error {
	if lastErr != nil {
		return terminal(name, lastErr)
	}
	if lookupErr != nil {
		return fmt.Errorf("%w: no candidate vaults for %s: %v", types.ErrNetwork, name.Short(), lookupErr)
	}
	return fmt.Errorf("%w: no candidate vaults for %s", types.ErrNetwork, name.Short())
}

// storeCopy runs prep, content, IOU collection and IOU done against vault.
func (sm *StoreManager) storeCopy(ctx context.Context, vault types.Contact, req copyRequest) error {
	svc, err := sm.dialer.Dial(ctx, vault)
	if err != nil {
		return err
	}
	size := int64(len(req.content))
	creds := protocol.NewCredentials(req.signer, req.visibility, string(req.name), vault.ID)

	sm.countPhase("prep")
	prep, err := svc.StorePrep(ctx, &protocol.StorePrepRequest{
		Credentials: creds,
		ChunkName:   req.name,
		DataSize:    size,
	})
	if err != nil {
		return fmt.Errorf("store prep rejected: %w", err)
	}
	if err := prep.Authority.Verify(vault, req.name, size); err != nil {
		return err
	}

	sm.countPhase("content")
	if _, err := svc.StoreChunk(ctx, &protocol.StoreChunkRequest{
		Credentials: creds,
		ChunkName:   req.name,
		Data:        req.content,
	}); err != nil {
		return fmt.Errorf("chunk content rejected: %w", err)
	}

	sm.countPhase("iou")
	iou := protocol.NewIOU(prep.Authority, req.signer)
	sigs, err := sm.collectIOUs(ctx, req, size, iou, vault)
	if err != nil {
		return err
	}
	iou.Countersignatures = sigs

	sm.countPhase("done")
	if _, err := svc.IOUDone(ctx, &protocol.IOUDoneRequest{
		Credentials: creds,
		ChunkName:   req.name,
		IOU:         iou,
		Holder:      vault,
	}); err != nil {
		return fmt.Errorf("iou done rejected: %w", err)
	}
	return nil
}

// collectIOUs asks the K vaults closest to the chunk to countersign iou and
// returns once the store threshold has signed or cannot be reached.
func (sm *StoreManager) collectIOUs(ctx context.Context, req copyRequest, size int64, iou protocol.IOU, vault types.Contact) ([]protocol.Countersignature, error) {
	holders, err := sm.dir.FindKClosestNodes(ctx, string(req.name))
	if err != nil {
		return nil, fmt.Errorf("failed to find reference holders: %w", err)
	}
	sm.remember(holders)

	var (
		mu   sync.Mutex
		sigs []protocol.Countersignature
	)
	acks, err := sm.fanOut(ctx, req.name, taskhandler.StoreIOUTask, holders, func(ctx context.Context, holder types.Contact, svc protocol.VaultService) error {
		resp, err := svc.StoreIOU(ctx, &protocol.StoreIOURequest{
			Credentials: protocol.NewCredentials(req.signer, req.visibility, string(req.name), holder.ID),
			ChunkName:   req.name,
			DataSize:    size,
			Mode:        req.mode,
			IOU:         iou,
			Holder:      vault,
		})
		if err != nil {
			return err
		}
		if err := iou.VerifyCountersignature(resp.Countersignature, holder); err != nil {
			return err
		}
		mu.Lock()
		sigs = append(sigs, resp.Countersignature)
		mu.Unlock()
		return nil
	})
	sm.observeIOU(err)
	if err != nil {
		return nil, err
	}

	mu.Lock()
	defer mu.Unlock()
	sm.logger.Debug("IOUs collected",
		zap.String("chunk", req.name.Short()),
		zap.String("vault", vault.ID.Short()),
		zap.Int("acks", acks))
	return append([]protocol.Countersignature(nil), sigs...), nil
}

func (sm *StoreManager) observeIOU(err error) {
	if sm.metrics == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "failed"
	}
	sm.metrics.IOUCollections.WithLabelValues(outcome).Inc()
}

// appendWatcher adds the session as a watcher of a chunk the network already
// holds. Anonymous stores have nobody to record.
func (sm *StoreManager) appendWatcher(ctx context.Context, name types.ChunkName, size int64, signer *crypto.Identity, visibility types.Visibility) error {
	if signer == nil || visibility == types.Anonymous {
		return nil
	}
	holders, err := sm.dir.FindKClosestNodes(ctx, string(name))
	if err != nil {
		return fmt.Errorf("failed to find reference holders: %w", err)
	}
	var unconfirmed atomic.Int32
	_, err = sm.fanOut(ctx, name, taskhandler.AppendChunkTask, holders, func(ctx context.Context, holder types.Contact, svc protocol.VaultService) error {
		_, err := svc.StoreIOU(ctx, &protocol.StoreIOURequest{
			Credentials: protocol.NewCredentials(signer, visibility, string(name), holder.ID),
			ChunkName:   name,
			DataSize:    size,
			Mode:        protocol.IOUAppend,
		})
		if errors.Is(err, types.ErrNotFound) {
			unconfirmed.Inc()
		}
		return err
	})
	if err == nil {
		return nil
	}
	if unconfirmed.Load() > 0 {
		return fmt.Errorf("%w: %d holders have no confirmed copy of %s: %v", types.ErrNotFound, unconfirmed.Load(), name.Short(), err)
	}
	return terminal(name, err)
}

// settled lists the task kinds whose fan-out waits for every holder even
// after the threshold is met, so deletes have reached the whole group when
// the call returns.
var settled = map[taskhandler.TaskType]bool{
	taskhandler.DeleteChunkTask:  true,
	taskhandler.DeletePacketTask: true,
}

// fanOut calls fn on every holder concurrently and resolves once the store
// threshold has succeeded or can no longer be reached. A failed round waits
// for the remaining calls so the error reports the final tally; a successful
// one leaves them to finish on their own unless its kind is settled.
func (sm *StoreManager) fanOut(ctx context.Context, key types.ChunkName, kind taskhandler.TaskType, holders []types.Contact, fn func(context.Context, types.Contact, protocol.VaultService) error) (int, error) {
	threshold := sm.cfg.StoreThreshold()
	if len(holders) < threshold {
		return 0, fmt.Errorf("%w: %d holders for %s, need %d", types.ErrQuorum, len(holders), key.Short(), threshold)
	}
	id, err := sm.tasks.AddTask(string(key), kind, threshold, len(holders)-threshold)
	if err != nil {
		return 0, fmt.Errorf("failed to create %s task: %w", kind, err)
	}
	defer sm.tasks.DeleteTask(id)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		acks    int
		lastErr error
	)
	for _, holder := range holders {
		wg.Add(1)
		go func(holder types.Contact) {
			defer wg.Done()
			svc, err := sm.dialer.Dial(ctx, holder)
			if err == nil {
				err = fn(ctx, holder, svc)
			}
			mu.Lock()
			if err == nil {
				acks++
			} else {
				lastErr = err
			}
			mu.Unlock()
			if err == nil {
				sm.tasks.IncrementSuccess(id)
			} else {
				sm.tasks.IncrementFailure(id)
			}
		}(holder)
	}
	finished := make(chan struct{})
	go func() {
		wg.Wait()
		close(finished)
	}()

	select {
	case <-sm.tasks.Done(id):
	case <-ctx.Done():
		return 0, fmt.Errorf("%w: %s interrupted: %v", types.ErrNetwork, kind, ctx.Err())
	}

	status, _ := sm.tasks.TaskComplete(id)
	if status != taskhandler.Succeeded || settled[kind] {
		select {
		case <-finished:
		case <-ctx.Done():
		}
	}
	mu.Lock()
	defer mu.Unlock()
	if status != taskhandler.Succeeded {
		return acks, fmt.Errorf("%w: %d of %d holders acknowledged %s for %s (need %d): %v",
			types.ErrQuorum, acks, len(holders), kind, key.Short(), threshold, lastErr)
	}
	return acks, nil
}
