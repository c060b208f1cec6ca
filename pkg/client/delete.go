package client

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/atomic"
	"go.uber.org/zap"

	"vaultnet/pkg/protocol"
	"vaultnet/pkg/taskhandler"
	"vaultnet/pkg/types"
)

// DeleteChunk withdraws the session's watch on name. The reference holders
// drop their record once nobody watches the chunk any more and tell the
// storing vaults to discard their copies.
func (sm *StoreManager) DeleteChunk(ctx context.Context, name types.ChunkName, visibility types.Visibility, msid string) error {
	done, err := sm.begin()
	if err != nil {
		return err
	}
	defer done()

	if !name.Valid() {
		return fmt.Errorf("%w: malformed chunk name %q", types.ErrInvalidRequest, name)
	}
	signer, err := sm.session.Signer(visibility, msid)
	if err != nil {
		return err
	}
	holders, err := sm.dir.FindKClosestNodes(ctx, string(name))
	if err != nil {
		return fmt.Errorf("failed to find reference holders: %w", err)
	}

	var denied, imploded atomic.Bool
	_, err = sm.fanOut(ctx, name, taskhandler.DeleteChunkTask, holders, func(ctx context.Context, holder types.Contact, svc protocol.VaultService) error {
		resp, err := svc.DeleteChunk(ctx, &protocol.DeleteChunkRequest{
			Credentials: protocol.NewCredentials(signer, visibility, string(name), holder.ID),
			ChunkName:   name,
		})
		if err != nil {
			if errors.Is(err, types.ErrPermission) {
				denied.Store(true)
			}
			return err
		}
		if resp.Imploded {
			imploded.Store(true)
		}
		return nil
	})
	if err != nil {
		if denied.Load() {
			return fmt.Errorf("%w: not allowed to delete %s", types.ErrPermission, name.Short())
		}
		return err
	}

	if sm.store.Has(name) {
		if err := sm.store.Delete(name); err != nil {
			sm.logger.Warn("Failed to drop local copy", zap.String("chunk", name.Short()), zap.Error(err))
		}
	}
	sm.logger.Info("Chunk deleted",
		zap.String("chunk", name.Short()),
		zap.Bool("imploded", imploded.Load()))
	return nil
}
