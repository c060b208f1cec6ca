package chunkstore

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"pgregory.net/rapid"

	"vaultnet/pkg/crypto"
	"vaultnet/pkg/types"
)

func newTestStore(t *testing.T, opts Options) *ChunkStore {
	cs, err := New(t.TempDir(), opts, zaptest.NewLogger(t))
	require.NoError(t, err)
	return cs
}

func TestPutGetRoundTrip(t *testing.T) {
	cs := newTestStore(t, Options{})

	rapid.Check(t, func(rt *rapid.T) {
		content := rapid.SliceOfN(rapid.Byte(), 1, 4096).Draw(rt, "content")
		name := crypto.NameOf(content)

		if err := cs.Put(name, content, types.ChunkStored); err != nil {
			rt.Fatalf("put: %v", err)
		}
		got, err := cs.Get(name)
		if err != nil {
			rt.Fatalf("get: %v", err)
		}
		if crypto.NameOf(got) != name || string(got) != string(content) {
			rt.Fatalf("round trip mismatch")
		}
	})
}

func TestPutRejectsWrongName(t *testing.T) {
	cs := newTestStore(t, Options{})
	content := []byte("payload")
	wrong := crypto.NameOf([]byte("other"))

	err := cs.Put(wrong, content, types.ChunkStored)
	assert.ErrorIs(t, err, types.ErrIntegrity)
	assert.False(t, cs.Has(wrong))

	err = cs.Put("not-hex", content, types.ChunkStored)
	assert.ErrorIs(t, err, types.ErrInvalidRequest)
}

func TestHashCheckDetectsCorruption(t *testing.T) {
	root := t.TempDir()
	cs, err := New(root, Options{}, zaptest.NewLogger(t))
	require.NoError(t, err)

	content := []byte("chunk that will rot on disk")
	name := crypto.NameOf(content)
	require.NoError(t, cs.Put(name, content, types.ChunkStored))

	ok, err := cs.HashCheck(name)
	require.NoError(t, err)
	assert.True(t, ok)

	path := filepath.Join(root, types.ChunkStored.String(), string(name))
	require.NoError(t, os.WriteFile(path, []byte("garbage"), 0644))

	ok, err = cs.HashCheck(name)
	require.NoError(t, err)
	assert.False(t, ok)
	_, err = cs.Get(name)
	assert.ErrorIs(t, err, types.ErrIntegrity, "a rotten copy is never handed out")
	assert.False(t, cs.Equal(name, content))

	_, err = cs.HashCheck(crypto.NameOf([]byte("missing")))
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestStateTransitions(t *testing.T) {
	cs := newTestStore(t, Options{})
	content := []byte("moving chunk")
	name := crypto.NameOf(content)

	require.NoError(t, cs.Put(name, content, types.ChunkStored))
	require.NoError(t, cs.MoveToOutgoing(name))
	state, err := cs.State(name)
	require.NoError(t, err)
	assert.Equal(t, types.ChunkOutgoing, state)
	assert.Equal(t, []types.ChunkName{name}, cs.List(types.ChunkOutgoing))
	assert.Empty(t, cs.List(types.ChunkStored))

	require.NoError(t, cs.MoveToIncoming(name))
	state, _ = cs.State(name)
	assert.Equal(t, types.ChunkIncoming, state)

	got, err := cs.Get(name)
	require.NoError(t, err)
	assert.Equal(t, content, got)
	assert.Equal(t, int64(len(content)), cs.Used())

	require.NoError(t, cs.Delete(name))
	assert.False(t, cs.Has(name))
	assert.Equal(t, int64(0), cs.Used())
	assert.ErrorIs(t, cs.Delete(name), types.ErrNotFound)
}

func TestCapacityIsEnforced(t *testing.T) {
	cs := newTestStore(t, Options{Capacity: 10})
	small := []byte("12345")
	big := []byte("1234567890ab")

	require.NoError(t, cs.Put(crypto.NameOf(small), small, types.ChunkStored))
	err := cs.Put(crypto.NameOf(big), big, types.ChunkStored)
	assert.ErrorIs(t, err, types.ErrQuota)
	assert.Equal(t, int64(5), cs.Available())

	// Cached copies do not consume capacity.
	require.NoError(t, cs.Put(crypto.NameOf(big), big, types.ChunkCached))
	assert.Equal(t, int64(5), cs.Used())
}

func TestCachedChunksAreEvicted(t *testing.T) {
	cs := newTestStore(t, Options{CacheEntries: 2})

	var names []types.ChunkName
	for i := 0; i < 3; i++ {
		content := []byte(fmt.Sprintf("cached-%d", i))
		name := crypto.NameOf(content)
		names = append(names, name)
		require.NoError(t, cs.Put(name, content, types.ChunkCached))
	}

	assert.False(t, cs.Has(names[0]), "oldest cached chunk should be evicted")
	assert.True(t, cs.Has(names[1]))
	assert.True(t, cs.Has(names[2]))
	assert.Len(t, cs.List(types.ChunkCached), 2)
}

func TestCachedChunkPromotedOnStore(t *testing.T) {
	cs := newTestStore(t, Options{CacheEntries: 1})
	content := []byte("first cached then stored")
	name := crypto.NameOf(content)

	require.NoError(t, cs.Put(name, content, types.ChunkCached))
	require.NoError(t, cs.Put(name, content, types.ChunkStored))
	state, err := cs.State(name)
	require.NoError(t, err)
	assert.Equal(t, types.ChunkStored, state)

	other := []byte("another cached chunk")
	require.NoError(t, cs.Put(crypto.NameOf(other), other, types.ChunkCached))
	assert.True(t, cs.Has(name), "promoted chunk must not be evicted by cache pressure")
}

func TestReloadsExistingChunks(t *testing.T) {
	root := t.TempDir()
	cs, err := New(root, Options{}, zaptest.NewLogger(t))
	require.NoError(t, err)

	content := []byte("persistent")
	name := crypto.NameOf(content)
	require.NoError(t, cs.Put(name, content, types.ChunkOutgoing))

	reopened, err := New(root, Options{}, zaptest.NewLogger(t))
	require.NoError(t, err)
	state, err := reopened.State(name)
	require.NoError(t, err)
	assert.Equal(t, types.ChunkOutgoing, state)
	assert.Equal(t, int64(len(content)), reopened.Used())
}
