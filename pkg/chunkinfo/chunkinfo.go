// Package chunkinfo keeps the custody records a vault holds for chunks whose
// names it is close to: which vaults store a copy (references), which
// vaults promised to (waiters), and which owners may delete it (watchers).
package chunkinfo

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"go.uber.org/zap"

	"vaultnet/pkg/kvstore"
	"vaultnet/pkg/types"
)

// MaxWaitingListEntries bounds unconfirmed promises per chunk.
const MaxWaitingListEntries = 250

type Watcher struct {
	ID        types.PeerID
	CanDelete bool
}

type Waiter struct {
	ID    types.PeerID
	Added time.Time
}

// ChunkInfo is a snapshot of one chunk's custody lists.
type ChunkInfo struct {
	Name          types.ChunkName
	Size          int64
	ReferenceList []types.PeerID
	WatchList     []Watcher
	WaitingList   []Waiter
}

func (c ChunkInfo) clone() ChunkInfo {
	out := c
	out.ReferenceList = append([]types.PeerID(nil), c.ReferenceList...)
	out.WatchList = append([]Watcher(nil), c.WatchList...)
	out.WaitingList = append([]Waiter(nil), c.WaitingList...)
	return out
}

func (c ChunkInfo) empty() bool {
	return len(c.ReferenceList) == 0 && len(c.WatchList) == 0 && len(c.WaitingList) == 0
}

func (c ChunkInfo) IsReference(id types.PeerID) bool {
	return indexOfPeer(c.ReferenceList, id) >= 0
}

func (c ChunkInfo) IsWaiter(id types.PeerID) bool {
	return c.waiterIndex(id) >= 0
}

// Watcher returns the watch list entry for id.
func (c ChunkInfo) Watcher(id types.PeerID) (Watcher, bool) {
	if i := c.watcherIndex(id); i >= 0 {
		return c.WatchList[i], true
	}
	return Watcher{}, false
}

func (c ChunkInfo) watcherIndex(id types.PeerID) int {
	for i, w := range c.WatchList {
		if w.ID == id {
			return i
		}
	}
	return -1
}

func (c ChunkInfo) waiterIndex(id types.PeerID) int {
	for i, w := range c.WaitingList {
		if w.ID == id {
			return i
		}
	}
	return -1
}

func indexOfPeer(list []types.PeerID, id types.PeerID) int {
	for i, p := range list {
		if p == id {
			return i
		}
	}
	return -1
}

// checkRole fails when id already holds a role other than want.
func (c ChunkInfo) checkRole(id types.PeerID, want string) error {
	roles := map[string]bool{
		"reference": c.IsReference(id),
		"watcher":   c.watcherIndex(id) >= 0,
		"waiter":    c.IsWaiter(id),
	}
	for role, held := range roles {
		if held && role != want {
			return fmt.Errorf("%w: %s is already a %s of %s", types.ErrRoleConflict, id.Short(), role, c.Name.Short())
		}
	}
	return nil
}

func (c *ChunkInfo) setSize(size int64) error {
	if size <= 0 {
		return nil
	}
	if c.Size != 0 && c.Size != size {
		return fmt.Errorf("%w: size %d does not match recorded size %d for %s", types.ErrInvalidRequest, size, c.Size, c.Name.Short())
	}
	c.Size = size
	return nil
}

type record struct {
	mu      sync.Mutex
	info    ChunkInfo
	deleted bool
}

// Handler owns the records. Each record has its own lock and every mutation
// is applied to a copy that replaces the record only when it succeeds, so
// readers never see a half-applied transition.
type Handler struct {
	mu      sync.RWMutex
	records map[types.ChunkName]*record
	bucket  *kvstore.Bucket
	logger  *zap.Logger
	now     func() time.Time
}

// New creates a handler. With a non-nil bucket, records are persisted and
// restored by Load.
func New(bucket *kvstore.Bucket, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		records: make(map[types.ChunkName]*record),
		bucket:  bucket,
		logger:  logger,
		now:     time.Now,
	}
}

// Load restores persisted records.
func (h *Handler) Load() error {
	if h.bucket == nil {
		return nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.bucket.ForEach(func(k string, v []byte) error {
		var info ChunkInfo
		if err := cbor.Unmarshal(v, &info); err != nil {
			h.logger.Warn("Skipping unreadable chunk info", zap.String("chunk", k), zap.Error(err))
			return nil
		}
		h.records[info.Name] = &record{info: info}
		return nil
	})
}

func (h *Handler) lookup(name types.ChunkName, create bool) *record {
	h.mu.RLock()
	rec, ok := h.records[name]
	h.mu.RUnlock()
	if ok || !create {
		return rec
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if rec, ok = h.records[name]; !ok {
		rec = &record{info: ChunkInfo{Name: name}}
		h.records[name] = rec
	}
	return rec
}

// update applies fn to a copy of the record and commits it on success.
func (h *Handler) update(name types.ChunkName, create bool, fn func(*ChunkInfo) error) (ChunkInfo, error) {
	for {
		rec := h.lookup(name, create)
		if rec == nil {
			return ChunkInfo{}, fmt.Errorf("%w: no chunk info for %s", types.ErrNotFound, name.Short())
		}

		rec.mu.Lock()
		if rec.deleted {
			rec.mu.Unlock()
			continue
		}
		next := rec.info.clone()
		if err := fn(&next); err != nil {
			empty := rec.info.empty()
			rec.mu.Unlock()
			if empty {
				h.collect(name, rec)
			}
			return ChunkInfo{}, err
		}
		if err := h.persist(next); err != nil {
			rec.mu.Unlock()
			return ChunkInfo{}, err
		}
		rec.info = next
		empty := next.empty()
		rec.mu.Unlock()

		if empty {
			h.collect(name, rec)
		}
		return next.clone(), nil
	}
}

func (h *Handler) persist(info ChunkInfo) error {
	if h.bucket == nil {
		return nil
	}
	if info.empty() {
		return h.bucket.Delete(string(info.Name))
	}
	data, err := cbor.Marshal(info)
	if err != nil {
		return fmt.Errorf("failed to encode chunk info: %w", err)
	}
	return h.bucket.Put(string(info.Name), data)
}

// collect drops a record left with no references, watchers or waiters.
func (h *Handler) collect(name types.ChunkName, rec *record) {
	h.mu.Lock()
	defer h.mu.Unlock()
	rec.mu.Lock()
	defer rec.mu.Unlock()

	if h.records[name] == rec && rec.info.empty() && !rec.deleted {
		rec.deleted = true
		delete(h.records, name)
		h.logger.Debug("Collected empty chunk info", zap.String("chunk", name.Short()))
	}
}

func (h *Handler) GetChunkInfo(name types.ChunkName) (ChunkInfo, error) {
	rec := h.lookup(name, false)
	if rec == nil {
		return ChunkInfo{}, fmt.Errorf("%w: no chunk info for %s", types.ErrNotFound, name.Short())
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.deleted {
		return ChunkInfo{}, fmt.Errorf("%w: no chunk info for %s", types.ErrNotFound, name.Short())
	}
	return rec.info.clone(), nil
}

// AddReferenceHolder records a confirmed copy held by peer. A waiter must be
// promoted instead.
func (h *Handler) AddReferenceHolder(name types.ChunkName, size int64, peer types.PeerID) error {
	_, err := h.update(name, true, func(c *ChunkInfo) error {
		if err := c.checkRole(peer, "reference"); err != nil {
			return err
		}
		if err := c.setSize(size); err != nil {
			return err
		}
		if !c.IsReference(peer) {
			c.ReferenceList = append(c.ReferenceList, peer)
		}
		return nil
	})
	return err
}

// AddWatcher records peer as an owner of the chunk. An existing watcher keeps
// the stronger of the two delete rights.
func (h *Handler) AddWatcher(name types.ChunkName, size int64, peer types.PeerID, canDelete bool) error {
	_, err := h.update(name, true, func(c *ChunkInfo) error {
		return addWatcher(c, size, peer, canDelete)
	})
	return err
}

func addWatcher(c *ChunkInfo, size int64, peer types.PeerID, canDelete bool) error {
	if err := c.checkRole(peer, "watcher"); err != nil {
		return err
	}
	if err := c.setSize(size); err != nil {
		return err
	}
	if i := c.watcherIndex(peer); i >= 0 {
		c.WatchList[i].CanDelete = c.WatchList[i].CanDelete || canDelete
		return nil
	}
	c.WatchList = append(c.WatchList, Watcher{ID: peer, CanDelete: canDelete})
	return nil
}

// AddWaiter records peer's unconfirmed promise to store the chunk.
func (h *Handler) AddWaiter(name types.ChunkName, size int64, peer types.PeerID) error {
	_, err := h.update(name, true, func(c *ChunkInfo) error {
		return h.addWaiter(c, size, peer)
	})
	return err
}

func (h *Handler) addWaiter(c *ChunkInfo, size int64, peer types.PeerID) error {
	if err := c.checkRole(peer, "waiter"); err != nil {
		return err
	}
	if err := c.setSize(size); err != nil {
		return err
	}
	if i := c.waiterIndex(peer); i >= 0 {
		c.WaitingList[i].Added = h.now()
		return nil
	}
	if len(c.WaitingList) >= MaxWaitingListEntries {
		return fmt.Errorf("%w: waiting list for %s is full", types.ErrQuota, c.Name.Short())
	}
	c.WaitingList = append(c.WaitingList, Waiter{ID: peer, Added: h.now()})
	return nil
}

// AddWaiterWithWatcher records holder's promise and, when watcher is set,
// the requester's ownership, as one transition.
func (h *Handler) AddWaiterWithWatcher(name types.ChunkName, size int64, holder types.PeerID, watcher *Watcher) error {
	_, err := h.update(name, true, func(c *ChunkInfo) error {
		if err := h.addWaiter(c, size, holder); err != nil {
			return err
		}
		if watcher != nil {
			return addWatcher(c, size, watcher.ID, watcher.CanDelete)
		}
		return nil
	})
	return err
}

// PromoteWaiterToReference confirms a promise after IOU-Done. Promoting an
// existing reference is a no-op.
func (h *Handler) PromoteWaiterToReference(name types.ChunkName, peer types.PeerID) error {
	_, err := h.update(name, false, func(c *ChunkInfo) error {
		if c.IsReference(peer) {
			return nil
		}
		i := c.waiterIndex(peer)
		if i < 0 {
			return fmt.Errorf("%w: %s is not waiting on %s", types.ErrNotFound, peer.Short(), name.Short())
		}
		c.WaitingList = append(c.WaitingList[:i], c.WaitingList[i+1:]...)
		c.ReferenceList = append(c.ReferenceList, peer)
		return nil
	})
	return err
}

// RemoveHolder drops peer from the reference and waiting lists.
func (h *Handler) RemoveHolder(name types.ChunkName, peer types.PeerID) error {
	_, err := h.update(name, false, func(c *ChunkInfo) error {
		if i := indexOfPeer(c.ReferenceList, peer); i >= 0 {
			c.ReferenceList = append(c.ReferenceList[:i], c.ReferenceList[i+1:]...)
			return nil
		}
		if i := c.waiterIndex(peer); i >= 0 {
			c.WaitingList = append(c.WaitingList[:i], c.WaitingList[i+1:]...)
			return nil
		}
		return fmt.Errorf("%w: %s does not hold %s", types.ErrNotFound, peer.Short(), name.Short())
	})
	return err
}

// RemoveWatcher removes peer's ownership. Only a watcher with delete rights
// may do so; anything else is rejected and leaves the record untouched. The
// returned snapshot reflects the record after removal.
func (h *Handler) RemoveWatcher(name types.ChunkName, peer types.PeerID) (ChunkInfo, error) {
	return h.update(name, false, func(c *ChunkInfo) error {
		i := c.watcherIndex(peer)
		if i < 0 {
			return fmt.Errorf("%w: %s is not watching %s", types.ErrPermission, peer.Short(), name.Short())
		}
		if !c.WatchList[i].CanDelete {
			return fmt.Errorf("%w: %s may not delete %s", types.ErrPermission, peer.Short(), name.Short())
		}
		c.WatchList = append(c.WatchList[:i], c.WatchList[i+1:]...)
		return nil
	})
}

// Drop discards the whole record.
func (h *Handler) Drop(name types.ChunkName) error {
	_, err := h.update(name, false, func(c *ChunkInfo) error {
		c.ReferenceList = nil
		c.WatchList = nil
		c.WaitingList = nil
		return nil
	})
	return err
}

// NeedsReplication reports whether name has a record with fewer than
// minCopies confirmed references. A chunk holding exactly minCopies is the
// normal state after a store and is not flagged.
func (h *Handler) NeedsReplication(name types.ChunkName, minCopies int) bool {
	info, err := h.GetChunkInfo(name)
	if err != nil {
		return false
	}
	return len(info.ReferenceList) < minCopies
}

// UnderReplicated returns the chunks with fewer than minCopies references.
func (h *Handler) UnderReplicated(minCopies int) []types.ChunkName {
	var out []types.ChunkName
	for _, name := range h.Names() {
		if h.NeedsReplication(name, minCopies) {
			out = append(out, name)
		}
	}
	return out
}

// PruneWaitingLists drops promises older than maxAge and returns how many
// were removed. A record left with neither references nor promises belonged
// to a store that never completed, so its watchers are dropped too and the
// record is collected.
func (h *Handler) PruneWaitingLists(maxAge time.Duration) int {
	cutoff := h.now().Add(-maxAge)
	pruned := 0
	for _, name := range h.Names() {
		_, err := h.update(name, false, func(c *ChunkInfo) error {
			kept := c.WaitingList[:0]
			for _, w := range c.WaitingList {
				if w.Added.Before(cutoff) {
					pruned++
					continue
				}
				kept = append(kept, w)
			}
			c.WaitingList = kept
			if len(c.ReferenceList) == 0 && len(c.WaitingList) == 0 && len(c.WatchList) > 0 {
				h.logger.Debug("Dropping watchers of unconfirmed chunk",
					zap.String("chunk", name.Short()),
					zap.Int("watchers", len(c.WatchList)))
				c.WatchList = nil
			}
			return nil
		})
		if err != nil && !errors.Is(err, types.ErrNotFound) {
			h.logger.Warn("Failed to prune waiting list", zap.String("chunk", name.Short()), zap.Error(err))
		}
	}
	return pruned
}

// Names returns every chunk with a record, sorted.
func (h *Handler) Names() []types.ChunkName {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]types.ChunkName, 0, len(h.records))
	for name := range h.records {
		out = append(out, name)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (h *Handler) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.records)
}
