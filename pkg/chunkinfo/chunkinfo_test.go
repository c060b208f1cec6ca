package chunkinfo

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"pgregory.net/rapid"

	"vaultnet/pkg/crypto"
	"vaultnet/pkg/kvstore"
	"vaultnet/pkg/types"
)

var testChunk = crypto.NameOf([]byte("chunk info test"))

func TestPromiseThenPromote(t *testing.T) {
	h := New(nil, zaptest.NewLogger(t))

	require.NoError(t, h.AddWaiterWithWatcher(testChunk, 100, "vault-1", &Watcher{ID: "owner", CanDelete: true}))
	info, err := h.GetChunkInfo(testChunk)
	require.NoError(t, err)
	assert.True(t, info.IsWaiter("vault-1"))
	assert.False(t, info.IsReference("vault-1"))
	w, ok := info.Watcher("owner")
	require.True(t, ok)
	assert.True(t, w.CanDelete)

	require.NoError(t, h.PromoteWaiterToReference(testChunk, "vault-1"))
	info, err = h.GetChunkInfo(testChunk)
	require.NoError(t, err)
	assert.Equal(t, []types.PeerID{"vault-1"}, info.ReferenceList)
	assert.Empty(t, info.WaitingList)

	// Promotion is idempotent once confirmed.
	require.NoError(t, h.PromoteWaiterToReference(testChunk, "vault-1"))
	assert.ErrorIs(t, h.PromoteWaiterToReference(testChunk, "vault-2"), types.ErrNotFound)
}

func TestOneRolePerPeer(t *testing.T) {
	h := New(nil, zaptest.NewLogger(t))
	require.NoError(t, h.AddWaiter(testChunk, 10, "vault-1"))

	assert.ErrorIs(t, h.AddWatcher(testChunk, 10, "vault-1", true), types.ErrRoleConflict)
	assert.ErrorIs(t, h.AddReferenceHolder(testChunk, 10, "vault-1"), types.ErrRoleConflict)

	// A failed combined transition leaves no partial state behind.
	err := h.AddWaiterWithWatcher(testChunk, 10, "vault-2", &Watcher{ID: "vault-1"})
	assert.ErrorIs(t, err, types.ErrRoleConflict)
	info, err := h.GetChunkInfo(testChunk)
	require.NoError(t, err)
	assert.False(t, info.IsWaiter("vault-2"))
}

func TestSizeMismatchRejected(t *testing.T) {
	h := New(nil, zaptest.NewLogger(t))
	require.NoError(t, h.AddWaiter(testChunk, 10, "vault-1"))
	assert.ErrorIs(t, h.AddWaiter(testChunk, 11, "vault-2"), types.ErrInvalidRequest)
}

func TestWatcherWithoutDeleteRightsIsRejected(t *testing.T) {
	h := New(nil, zaptest.NewLogger(t))
	require.NoError(t, h.AddReferenceHolder(testChunk, 10, "vault-1"))
	require.NoError(t, h.AddWatcher(testChunk, 10, "anon", false))

	before, err := h.GetChunkInfo(testChunk)
	require.NoError(t, err)

	_, err = h.RemoveWatcher(testChunk, "anon")
	assert.ErrorIs(t, err, types.ErrPermission)
	_, err = h.RemoveWatcher(testChunk, "stranger")
	assert.ErrorIs(t, err, types.ErrPermission)

	after, err := h.GetChunkInfo(testChunk)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestRemoveWatcherReportsRemaining(t *testing.T) {
	h := New(nil, zaptest.NewLogger(t))
	require.NoError(t, h.AddReferenceHolder(testChunk, 10, "vault-1"))
	require.NoError(t, h.AddWatcher(testChunk, 10, "alice", true))
	require.NoError(t, h.AddWatcher(testChunk, 10, "bob", true))

	info, err := h.RemoveWatcher(testChunk, "alice")
	require.NoError(t, err)
	assert.Len(t, info.WatchList, 1)

	info, err = h.RemoveWatcher(testChunk, "bob")
	require.NoError(t, err)
	assert.Empty(t, info.WatchList)
	assert.Equal(t, []types.PeerID{"vault-1"}, info.ReferenceList)
}

func TestEmptyRecordsAreCollected(t *testing.T) {
	h := New(nil, zaptest.NewLogger(t))
	require.NoError(t, h.AddReferenceHolder(testChunk, 10, "vault-1"))
	assert.Equal(t, 1, h.Count())

	require.NoError(t, h.RemoveHolder(testChunk, "vault-1"))
	assert.Equal(t, 0, h.Count())
	_, err := h.GetChunkInfo(testChunk)
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestUnderReplicated(t *testing.T) {
	h := New(nil, zaptest.NewLogger(t))
	healthy := crypto.NameOf([]byte("healthy"))
	for i := 0; i < 4; i++ {
		require.NoError(t, h.AddReferenceHolder(healthy, 7, types.PeerID(fmt.Sprintf("vault-%d", i))))
	}
	require.NoError(t, h.AddReferenceHolder(testChunk, 10, "vault-1"))

	assert.Equal(t, []types.ChunkName{testChunk}, h.UnderReplicated(4))
	assert.True(t, h.NeedsReplication(testChunk, 4))
	assert.False(t, h.NeedsReplication(healthy, 4), "exactly the minimum is not flagged")
	assert.True(t, h.NeedsReplication(healthy, 5))
	assert.False(t, h.NeedsReplication(crypto.NameOf([]byte("unknown")), 4))
}

func TestPruneWaitingLists(t *testing.T) {
	h := New(nil, zaptest.NewLogger(t))
	now := time.Now()
	h.now = func() time.Time { return now.Add(-48 * time.Hour) }
	require.NoError(t, h.AddWaiter(testChunk, 10, "stale"))
	h.now = func() time.Time { return now }
	require.NoError(t, h.AddWaiter(testChunk, 10, "fresh"))

	assert.Equal(t, 1, h.PruneWaitingLists(24*time.Hour))
	info, err := h.GetChunkInfo(testChunk)
	require.NoError(t, err)
	assert.False(t, info.IsWaiter("stale"))
	assert.True(t, info.IsWaiter("fresh"))
}

func TestPruneForgetsUnconfirmedStore(t *testing.T) {
	h := New(nil, zaptest.NewLogger(t))
	now := time.Now()
	stored := crypto.NameOf([]byte("confirmed elsewhere"))

	h.now = func() time.Time { return now.Add(-48 * time.Hour) }
	require.NoError(t, h.AddWaiterWithWatcher(testChunk, 10, "storer", &Watcher{ID: "owner", CanDelete: true}))
	require.NoError(t, h.AddWaiterWithWatcher(stored, 10, "storer", &Watcher{ID: "owner", CanDelete: true}))
	require.NoError(t, h.AddReferenceHolder(stored, 10, "keeper"))
	h.now = func() time.Time { return now }

	assert.Equal(t, 2, h.PruneWaitingLists(24*time.Hour))
	_, err := h.GetChunkInfo(testChunk)
	assert.ErrorIs(t, err, types.ErrNotFound, "watchers of a store that never completed are dropped")

	info, err := h.GetChunkInfo(stored)
	require.NoError(t, err)
	_, watched := info.Watcher("owner")
	assert.True(t, watched, "a confirmed chunk keeps its owners")
}

func TestWaitingListBound(t *testing.T) {
	h := New(nil, zaptest.NewLogger(t))
	for i := 0; i < MaxWaitingListEntries; i++ {
		require.NoError(t, h.AddWaiter(testChunk, 10, types.PeerID(fmt.Sprintf("v%d", i))))
	}
	assert.ErrorIs(t, h.AddWaiter(testChunk, 10, "one-too-many"), types.ErrQuota)
}

func TestRecordsSurviveRestart(t *testing.T) {
	db, err := kvstore.Open("", true, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer db.Close()

	h := New(db.Bucket("chunkinfo"), zaptest.NewLogger(t))
	require.NoError(t, h.AddReferenceHolder(testChunk, 10, "vault-1"))
	require.NoError(t, h.AddWatcher(testChunk, 10, "owner", true))

	restored := New(db.Bucket("chunkinfo"), zaptest.NewLogger(t))
	require.NoError(t, restored.Load())
	info, err := restored.GetChunkInfo(testChunk)
	require.NoError(t, err)
	assert.Equal(t, []types.PeerID{"vault-1"}, info.ReferenceList)
	assert.Equal(t, int64(10), info.Size)

	require.NoError(t, h.Drop(testChunk))
	again := New(db.Bucket("chunkinfo"), zaptest.NewLogger(t))
	require.NoError(t, again.Load())
	assert.Equal(t, 0, again.Count())
}

func TestRoleInvariantHolds(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		h := New(nil, nil)
		peers := []types.PeerID{"a", "b", "c", "d"}
		ops := rapid.SliceOfN(rapid.IntRange(0, 5), 1, 60).Draw(rt, "ops")
		targets := rapid.SliceOfN(rapid.SampledFrom(peers), len(ops), len(ops)).Draw(rt, "targets")

		for i, op := range ops {
			p := targets[i]
			switch op {
			case 0:
				_ = h.AddWaiter(testChunk, 1, p)
			case 1:
				_ = h.AddWatcher(testChunk, 1, p, i%2 == 0)
			case 2:
				_ = h.AddReferenceHolder(testChunk, 1, p)
			case 3:
				_ = h.PromoteWaiterToReference(testChunk, p)
			case 4:
				_ = h.RemoveHolder(testChunk, p)
			case 5:
				_, _ = h.RemoveWatcher(testChunk, p)
			}

			info, err := h.GetChunkInfo(testChunk)
			if err != nil {
				continue
			}
			for _, peer := range peers {
				roles := 0
				if info.IsReference(peer) {
					roles++
				}
				if info.IsWaiter(peer) {
					roles++
				}
				if _, ok := info.Watcher(peer); ok {
					roles++
				}
				if roles > 1 {
					rt.Fatalf("peer %s holds %d roles", peer, roles)
				}
			}
		}
	})
}
