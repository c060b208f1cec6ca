package client

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/atomic"
	"go.uber.org/zap"

	"vaultnet/pkg/crypto"
	"vaultnet/pkg/protocol"
	"vaultnet/pkg/taskhandler"
	"vaultnet/pkg/types"
)

// PacketOptions select how a packet is stored and who signs for it.
type PacketOptions struct {
	Mode       types.PacketMode
	IfExists   types.IfExists
	Visibility types.Visibility
	MSID       string
}

// StorePacket writes value under key on the K vaults closest to key.
// Hashable packets must be keyed by the hash of their value.
func (sm *StoreManager) StorePacket(ctx context.Context, key string, value []byte, opts PacketOptions) error {
	done, err := sm.begin()
	if err != nil {
		return err
	}
	defer done()

	if opts.Mode == types.Hashable && key != string(crypto.NameOf(value)) {
		return fmt.Errorf("%w: hashable packet key is not the hash of its value", types.ErrInvalidRequest)
	}
	signer, err := sm.session.Signer(opts.Visibility, opts.MSID)
	if err != nil {
		return err
	}
	holders, err := sm.dir.FindKClosestNodes(ctx, key)
	if err != nil {
		return fmt.Errorf("failed to find packet holders: %w", err)
	}

	var duplicate, denied atomic.Bool
	_, err = sm.fanOut(ctx, types.ChunkName(key), taskhandler.StorePacketTask, holders, func(ctx context.Context, holder types.Contact, svc protocol.VaultService) error {
		_, err := svc.StorePacket(ctx, &protocol.StorePacketRequest{
			Credentials: protocol.NewCredentials(signer, opts.Visibility, key, holder.ID),
			Key:         key,
			Value:       value,
			Mode:        opts.Mode,
			IfExists:    opts.IfExists,
		})
		switch {
		case errors.Is(err, types.ErrDuplicateKey):
			duplicate.Store(true)
		case errors.Is(err, types.ErrPermission):
			denied.Store(true)
		}
		return err
	})
	switch {
	case err == nil:
		return nil
	case duplicate.Load():
		return fmt.Errorf("%w: packet %s", types.ErrDuplicateKey, shortKey(key))
	case denied.Load():
		return fmt.Errorf("%w: packet %s is owned by someone else", types.ErrPermission, shortKey(key))
	}
	return err
}

// LoadPacket returns the values stored under key as reported by the largest
// set of agreeing holders.
func (sm *StoreManager) LoadPacket(ctx context.Context, key string) ([][]byte, error) {
	done, err := sm.begin()
	if err != nil {
		return nil, err
	}
	defer done()

	holders, err := sm.dir.FindKClosestNodes(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("failed to find packet holders: %w", err)
	}

	var (
		mu      sync.Mutex
		tally   = make(map[string]int)
		answers = make(map[string][][]byte)
	)
	errs := sm.each(ctx, holders, func(ctx context.Context, holder types.Contact, svc protocol.VaultService) error {
		resp, err := svc.LoadPacket(ctx, &protocol.LoadPacketRequest{Key: key})
		if err != nil {
			return err
		}
		if len(resp.Values) == 0 {
			return types.ErrNotFound
		}
		digest := digestValues(resp.Values)
		mu.Lock()
		tally[digest]++
		answers[digest] = resp.Values
		mu.Unlock()
		return nil
	})

	best, count := "", 0
	for digest, n := range tally {
		if n > count || (n == count && len(answers[digest]) > len(answers[best])) {
			best, count = digest, n
		}
	}
	if count == 0 {
		return nil, collective(errs, fmt.Errorf("%w: packet %s", types.ErrNotFound, shortKey(key)))
	}
	return answers[best], nil
}

// DeletePacket removes the packet under key. Only its owner may do so;
// holders that never had it count as successes.
func (sm *StoreManager) DeletePacket(ctx context.Context, key string, visibility types.Visibility, msid string) error {
	done, err := sm.begin()
	if err != nil {
		return err
	}
	defer done()

	signer, err := sm.session.Signer(visibility, msid)
	if err != nil {
		return err
	}
	holders, err := sm.dir.FindKClosestNodes(ctx, key)
	if err != nil {
		return fmt.Errorf("failed to find packet holders: %w", err)
	}

	var denied atomic.Bool
	_, err = sm.fanOut(ctx, types.ChunkName(key), taskhandler.DeletePacketTask, holders, func(ctx context.Context, holder types.Contact, svc protocol.VaultService) error {
		_, err := svc.DeletePacket(ctx, &protocol.DeletePacketRequest{
			Credentials: protocol.NewCredentials(signer, visibility, key, holder.ID),
			Key:         key,
		})
		if errors.Is(err, types.ErrNotFound) {
			return nil
		}
		if errors.Is(err, types.ErrPermission) {
			denied.Store(true)
		}
		return err
	})
	if err != nil && denied.Load() {
		return fmt.Errorf("%w: packet %s is owned by someone else", types.ErrPermission, shortKey(key))
	}
	return err
}

// GetMessages drains the messages appended under key and returns their
// union. Only the packet's owner may read them.
func (sm *StoreManager) GetMessages(ctx context.Context, key string, visibility types.Visibility, msid string) ([][]byte, error) {
	done, err := sm.begin()
	if err != nil {
		return nil, err
	}
	defer done()

	signer, err := sm.session.Signer(visibility, msid)
	if err != nil {
		return nil, err
	}
	holders, err := sm.dir.FindKClosestNodes(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("failed to find packet holders: %w", err)
	}

	var (
		mu       sync.Mutex
		seen     = make(map[types.ChunkName]bool)
		messages [][]byte
		answered int
	)
	errs := sm.each(ctx, holders, func(ctx context.Context, holder types.Contact, svc protocol.VaultService) error {
		resp, err := svc.GetMessages(ctx, &protocol.GetMessagesRequest{
			Credentials: protocol.NewCredentials(signer, visibility, key, holder.ID),
			Key:         key,
		})
		if err != nil {
			return err
		}
		mu.Lock()
		defer mu.Unlock()
		answered++
		for _, m := range resp.Messages {
			if h := crypto.NameOf(m); !seen[h] {
				seen[h] = true
				messages = append(messages, m)
			}
		}
		return nil
	})
	if answered == 0 {
		return nil, collective(errs, fmt.Errorf("%w: packet %s", types.ErrNotFound, shortKey(key)))
	}
	sm.logger.Debug("Messages collected",
		zap.String("key", shortKey(key)),
		zap.Int("holders", answered),
		zap.Int("messages", len(messages)))
	return messages, nil
}

// IsKeyUnique reports whether nothing is stored under key: no DHT entry and
// no chunk, reference or packet on any of the K closest vaults.
func (sm *StoreManager) IsKeyUnique(ctx context.Context, key string) (bool, error) {
	holders, err := sm.dir.FindValue(ctx, key)
	if err != nil {
		return false, fmt.Errorf("failed to look up key: %w", err)
	}
	if len(holders) > 0 {
		return false, nil
	}
	closest, err := sm.dir.FindKClosestNodes(ctx, key)
	if err != nil {
		return false, fmt.Errorf("failed to find closest vaults: %w", err)
	}

	var found atomic.Bool
	errs := sm.each(ctx, closest, func(ctx context.Context, holder types.Contact, svc protocol.VaultService) error {
		resp, err := svc.CheckChunk(ctx, &protocol.CheckChunkRequest{ChunkName: types.ChunkName(key)})
		if err != nil {
			return err
		}
		if resp.HasChunk || resp.HasPacket {
			found.Store(true)
		}
		return nil
	})
	if found.Load() {
		return false, nil
	}
	failed := 0
	for _, err := range errs {
		if err != nil {
			failed++
		}
	}
	if len(closest) > 0 && failed == len(closest) {
		return false, collective(errs, nil)
	}
	return true, nil
}

// each calls fn on every holder concurrently and waits for all of them. The
// returned errors are indexed like holders.
func (sm *StoreManager) each(ctx context.Context, holders []types.Contact, fn func(context.Context, types.Contact, protocol.VaultService) error) []error {
	errs := make([]error, len(holders))
	var wg sync.WaitGroup
	for i, holder := range holders {
		wg.Add(1)
		go func(i int, holder types.Contact) {
			defer wg.Done()
			svc, err := sm.dialer.Dial(ctx, holder)
			if err == nil {
				err = fn(ctx, holder, svc)
			}
			errs[i] = err
		}(i, holder)
	}
	wg.Wait()
	return errs
}

// collective picks the most telling error from a round where nobody
// succeeded. fallback is used when at least one holder simply lacked the key.
func collective(errs []error, fallback error) error {
	var network, denied, other error
	notFound := false
	for _, err := range errs {
		switch {
		case err == nil:
		case errors.Is(err, types.ErrPermission):
			denied = err
		case errors.Is(err, types.ErrNotFound):
			notFound = true
		case errors.Is(err, types.ErrNetwork):
			network = err
		default:
			other = err
		}
	}
	switch {
	case denied != nil:
		return denied
	case other != nil:
		return other
	case network != nil && !notFound:
		return network
	case fallback != nil:
		return fallback
	case network != nil:
		return network
	}
	return fmt.Errorf("%w: no vault answered", types.ErrNetwork)
}

func digestValues(values [][]byte) string {
	names := make([]string, len(values))
	for i, v := range values {
		names[i] = string(crypto.NameOf(v))
	}
	sort.Strings(names)
	return crypto.KeyName(names...)
}

func shortKey(key string) string {
	return types.ChunkName(key).Short()
}
