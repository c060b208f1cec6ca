package chunkstore

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	lru "github.com/hashicorp/golang-lru"
	"go.uber.org/zap"

	"vaultnet/pkg/crypto"
	"vaultnet/pkg/types"
)

const DefaultCacheEntries = 256

type Options struct {
	// Capacity bounds the bytes held in non-cached states; zero means unlimited.
	Capacity int64
	// CacheEntries bounds the number of Cached chunks kept before LRU eviction.
	CacheEntries int
}

type entry struct {
	state types.ChunkState
	size  int64
}

// ChunkStore is a content-addressed blob store. Every chunk lives in
// <root>/<state>/<hex name>; state changes are renames.
type ChunkStore struct {
	root     string
	capacity int64
	logger   *zap.Logger

	mu      sync.RWMutex
	index   map[types.ChunkName]entry
	used    int64
	cache   *lru.Cache
	evicted []types.ChunkName
}

func New(root string, opts Options, logger *zap.Logger) (*ChunkStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.CacheEntries <= 0 {
		opts.CacheEntries = DefaultCacheEntries
	}

	cs := &ChunkStore{
		root:     root,
		capacity: opts.Capacity,
		logger:   logger,
		index:    make(map[types.ChunkName]entry),
	}

	cache, err := lru.NewWithEvict(opts.CacheEntries, func(key, _ interface{}) {
		// Runs inside cache calls made with cs.mu held.
		cs.evicted = append(cs.evicted, key.(types.ChunkName))
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create chunk cache: %w", err)
	}
	cs.cache = cache

	for _, state := range types.AllChunkStates {
		if err := os.MkdirAll(cs.dir(state), 0755); err != nil {
			return nil, fmt.Errorf("%w: failed to create %s directory: %v", types.ErrLocalStorage, state, err)
		}
	}
	if err := cs.loadExistingChunks(); err != nil {
		return nil, err
	}
	return cs, nil
}

func (cs *ChunkStore) dir(state types.ChunkState) string {
	return filepath.Join(cs.root, state.String())
}

func (cs *ChunkStore) path(name types.ChunkName, state types.ChunkState) string {
	return filepath.Join(cs.dir(state), string(name))
}

func (cs *ChunkStore) loadExistingChunks() error {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	for _, state := range types.AllChunkStates {
		files, err := os.ReadDir(cs.dir(state))
		if err != nil {
			return fmt.Errorf("%w: failed to read %s directory: %v", types.ErrLocalStorage, state, err)
		}
		for _, f := range files {
			name := types.ChunkName(f.Name())
			if f.IsDir() || !name.Valid() {
				continue
			}
			info, err := f.Info()
			if err != nil {
				continue
			}
			if _, dup := cs.index[name]; dup {
				// Same chunk in two states after a crash mid-rename; keep the first.
				os.Remove(cs.path(name, state))
				continue
			}
			cs.index[name] = entry{state: state, size: info.Size()}
			if state == types.ChunkCached {
				cs.cache.Add(name, struct{}{})
			} else {
				cs.used += info.Size()
			}
		}
	}
	cs.dropEvicted()

	cs.logger.Info("Loaded existing chunks",
		zap.String("root", cs.root),
		zap.Int("chunk_count", len(cs.index)),
		zap.Int64("used", cs.used))
	return nil
}

// Put stores content under name in the given state. The content must hash to
// name. Storing an already present chunk is a no-op, except that a Cached
// copy is promoted when the new state is not Cached.
func (cs *ChunkStore) Put(name types.ChunkName, content []byte, state types.ChunkState) error {
	if !name.Valid() {
		return fmt.Errorf("%w: malformed chunk name", types.ErrInvalidRequest)
	}
	if crypto.NameOf(content) != name {
		return fmt.Errorf("%w: content does not hash to %s", types.ErrIntegrity, name.Short())
	}

	cs.mu.Lock()
	defer cs.mu.Unlock()

	if existing, ok := cs.index[name]; ok {
		if existing.state == types.ChunkCached && state != types.ChunkCached {
			return cs.moveLocked(name, existing, state)
		}
		return nil
	}

	size := int64(len(content))
	if state != types.ChunkCached && cs.capacity > 0 && cs.used+size > cs.capacity {
		return fmt.Errorf("%w: %d bytes requested, %d available", types.ErrQuota, size, cs.capacity-cs.used)
	}
	if err := writeFileAtomic(cs.path(name, state), content); err != nil {
		return err
	}

	cs.index[name] = entry{state: state, size: size}
	if state == types.ChunkCached {
		cs.cache.Add(name, struct{}{})
		cs.dropEvicted()
	} else {
		cs.used += size
	}

	cs.logger.Debug("Stored chunk",
		zap.String("chunk", name.Short()),
		zap.String("state", state.String()),
		zap.Int64("size", size))
	return nil
}

func writeFileAtomic(path string, content []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, content, 0644); err != nil {
		return fmt.Errorf("%w: failed to write chunk: %v", types.ErrLocalStorage, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("%w: failed to commit chunk: %v", types.ErrLocalStorage, err)
	}
	return nil
}

// dropEvicted removes chunks the LRU pushed out. Caller holds cs.mu.
func (cs *ChunkStore) dropEvicted() {
	for _, name := range cs.evicted {
		e, ok := cs.index[name]
		if !ok || e.state != types.ChunkCached {
			continue
		}
		if err := os.Remove(cs.path(name, types.ChunkCached)); err != nil && !os.IsNotExist(err) {
			cs.logger.Warn("Failed to evict cached chunk", zap.String("chunk", name.Short()), zap.Error(err))
		}
		delete(cs.index, name)
	}
	cs.evicted = cs.evicted[:0]
}

// Get returns the content of name. A copy that no longer hashes to its name
// is never returned; the error wraps ErrIntegrity and the caller decides
// whether to repair or drop it.
func (cs *ChunkStore) Get(name types.ChunkName) ([]byte, error) {
	data, err := cs.read(name)
	if err != nil {
		return nil, err
	}
	if crypto.NameOf(data) != name {
		cs.logger.Warn("Stored chunk fails hash check", zap.String("chunk", name.Short()))
		return nil, fmt.Errorf("%w: local copy of %s is corrupt", types.ErrIntegrity, name.Short())
	}
	return data, nil
}

func (cs *ChunkStore) read(name types.ChunkName) ([]byte, error) {
	cs.mu.RLock()
	e, ok := cs.index[name]
	cs.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("chunk %s: %w", name.Short(), types.ErrNotFound)
	}

	if e.state == types.ChunkCached {
		cs.mu.Lock()
		cs.cache.Get(name)
		cs.mu.Unlock()
	}

	data, err := os.ReadFile(cs.path(name, e.state))
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("chunk %s: %w", name.Short(), types.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read chunk: %v", types.ErrLocalStorage, err)
	}
	return data, nil
}

func (cs *ChunkStore) Has(name types.ChunkName) bool {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	_, ok := cs.index[name]
	return ok
}

func (cs *ChunkStore) State(name types.ChunkName) (types.ChunkState, error) {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	e, ok := cs.index[name]
	if !ok {
		return 0, fmt.Errorf("chunk %s: %w", name.Short(), types.ErrNotFound)
	}
	return e.state, nil
}

func (cs *ChunkStore) Delete(name types.ChunkName) error {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	e, ok := cs.index[name]
	if !ok {
		return fmt.Errorf("chunk %s: %w", name.Short(), types.ErrNotFound)
	}
	if err := os.Remove(cs.path(name, e.state)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("%w: failed to delete chunk: %v", types.ErrLocalStorage, err)
	}
	delete(cs.index, name)
	if e.state == types.ChunkCached {
		cs.cache.Remove(name)
		cs.evicted = cs.evicted[:0]
	} else {
		cs.used -= e.size
	}
	return nil
}

// HashCheck re-reads a chunk and reports whether it still hashes to its name.
func (cs *ChunkStore) HashCheck(name types.ChunkName) (bool, error) {
	data, err := cs.read(name)
	if err != nil {
		return false, err
	}
	return crypto.NameOf(data) == name, nil
}

func (cs *ChunkStore) MoveToOutgoing(name types.ChunkName) error {
	return cs.move(name, types.ChunkOutgoing)
}

func (cs *ChunkStore) MoveToIncoming(name types.ChunkName) error {
	return cs.move(name, types.ChunkIncoming)
}

func (cs *ChunkStore) MarkStored(name types.ChunkName) error {
	return cs.move(name, types.ChunkStored)
}

func (cs *ChunkStore) move(name types.ChunkName, state types.ChunkState) error {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	e, ok := cs.index[name]
	if !ok {
		return fmt.Errorf("chunk %s: %w", name.Short(), types.ErrNotFound)
	}
	return cs.moveLocked(name, e, state)
}

func (cs *ChunkStore) moveLocked(name types.ChunkName, e entry, state types.ChunkState) error {
	if e.state == state {
		return nil
	}
	if e.state == types.ChunkCached && cs.capacity > 0 && cs.used+e.size > cs.capacity {
		return fmt.Errorf("%w: cannot promote cached chunk", types.ErrQuota)
	}
	if err := os.Rename(cs.path(name, e.state), cs.path(name, state)); err != nil {
		return fmt.Errorf("%w: failed to move chunk to %s: %v", types.ErrLocalStorage, state, err)
	}

	switch {
	case e.state == types.ChunkCached:
		cs.cache.Remove(name)
		cs.evicted = cs.evicted[:0]
		cs.used += e.size
	case state == types.ChunkCached:
		cs.used -= e.size
		cs.cache.Add(name, struct{}{})
	}
	cs.index[name] = entry{state: state, size: e.size}
	if state == types.ChunkCached {
		cs.dropEvicted()
	}
	return nil
}

// List returns the names held in state, sorted.
func (cs *ChunkStore) List(state types.ChunkState) []types.ChunkName {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	var out []types.ChunkName
	for name, e := range cs.index {
		if e.state == state {
			out = append(out, name)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (cs *ChunkStore) Size(name types.ChunkName) (int64, error) {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	e, ok := cs.index[name]
	if !ok {
		return 0, fmt.Errorf("chunk %s: %w", name.Short(), types.ErrNotFound)
	}
	return e.size, nil
}

// Used returns the bytes held outside the Cached state.
func (cs *ChunkStore) Used() int64 {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	return cs.used
}

func (cs *ChunkStore) Capacity() int64 {
	return cs.capacity
}

// Available returns free capacity, or -1 when unlimited.
func (cs *ChunkStore) Available() int64 {
	if cs.capacity <= 0 {
		return -1
	}
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	return cs.capacity - cs.used
}

func (cs *ChunkStore) Count() int {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	return len(cs.index)
}

// Equal reports whether the stored copy of name is byte-identical to content.
func (cs *ChunkStore) Equal(name types.ChunkName, content []byte) bool {
	data, err := cs.read(name)
	return err == nil && bytes.Equal(data, content)
}

// Clear removes every chunk from disk. Used when a vault is decommissioned.
func (cs *ChunkStore) Clear() error {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	for _, state := range types.AllChunkStates {
		if err := os.RemoveAll(cs.dir(state)); err != nil {
			return fmt.Errorf("%w: failed to clear %s: %v", types.ErrLocalStorage, state, err)
		}
		if err := os.MkdirAll(cs.dir(state), 0755); err != nil {
			return fmt.Errorf("%w: failed to recreate %s: %v", types.ErrLocalStorage, state, err)
		}
	}
	cs.index = make(map[types.ChunkName]entry)
	cs.used = 0
	cs.cache.Purge()
	cs.evicted = cs.evicted[:0]
	return nil
}
