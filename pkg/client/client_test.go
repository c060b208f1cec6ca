package client_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"vaultnet/pkg/client"
	"vaultnet/pkg/crypto"
	"vaultnet/pkg/devnet"
	"vaultnet/pkg/dht"
	"vaultnet/pkg/metrics"
	"vaultnet/pkg/types"
)

func startNet(t *testing.T) *devnet.Network {
	t.Helper()
	opts := devnet.DefaultOptions(t.TempDir())
	opts.Vaults = 6
	opts.Logger = zaptest.NewLogger(t)
	opts.Metrics = metrics.New(nil)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	net, err := devnet.Start(ctx, opts)
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, net.Stop(context.Background()))
	})
	return net
}

func TestConcurrentStoresOfOneKeyShareATask(t *testing.T) {
	net := startNet(t)
	ctx := context.Background()
	sm, err := net.NewClient(ctx)
	require.NoError(t, err)

	name, err := sm.AddChunk([]byte("stored once, requested many times"))
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make([]error, 5)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = sm.StoreChunk(ctx, client.StoreTask{Key: name, Visibility: types.Private})
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		assert.NoError(t, err)
	}

	unique, err := sm.IsKeyUnique(ctx, string(name))
	require.NoError(t, err)
	assert.False(t, unique)
	assert.Zero(t, sm.Tasks().TasksCount())
}

func TestStoreRejectsBadInput(t *testing.T) {
	net := startNet(t)
	ctx := context.Background()
	sm, err := net.NewClient(ctx)
	require.NoError(t, err)

	err = sm.StoreChunk(ctx, client.StoreTask{Key: "not-a-hash"})
	assert.ErrorIs(t, err, types.ErrInvalidRequest)

	missing := crypto.NameOf([]byte("never added"))
	err = sm.StoreChunk(ctx, client.StoreTask{Key: missing})
	assert.ErrorIs(t, err, types.ErrNotFound)

	name, err := sm.AddChunk([]byte("share"))
	require.NoError(t, err)
	err = sm.StoreChunk(ctx, client.StoreTask{Key: name, Visibility: types.PrivateShare, MSID: "nobody"})
	assert.ErrorIs(t, err, types.ErrInvalidRequest)
}

func TestPrivateShareOwnerCanDelete(t *testing.T) {
	net := startNet(t)
	ctx := context.Background()
	sm, err := net.NewClient(ctx)
	require.NoError(t, err)
	msid, err := sm.Session().AddShare()
	require.NoError(t, err)

	name, err := sm.AddChunk([]byte("shared with a group"))
	require.NoError(t, err)
	require.NoError(t, sm.StoreChunk(ctx, client.StoreTask{Key: name, Visibility: types.PrivateShare, MSID: string(msid)}))

	// The private identity is not the watcher; the share identity is.
	assert.ErrorIs(t, sm.DeleteChunk(ctx, name, types.Private, ""), types.ErrPermission)
	require.NoError(t, sm.DeleteChunk(ctx, name, types.PrivateShare, string(msid)))

	unique, err := sm.IsKeyUnique(ctx, string(name))
	require.NoError(t, err)
	assert.True(t, unique)
}

func TestAnonymousChunksCannotBeDeleted(t *testing.T) {
	net := startNet(t)
	ctx := context.Background()
	sm, err := net.NewClient(ctx)
	require.NoError(t, err)

	content := []byte("dropped off anonymously")
	name, err := sm.AddChunk(content)
	require.NoError(t, err)
	require.NoError(t, sm.StoreChunk(ctx, client.StoreTask{Key: name, Visibility: types.Anonymous}))

	assert.ErrorIs(t, sm.DeleteChunk(ctx, name, types.Anonymous, ""), types.ErrPermission)

	other, err := net.NewClient(ctx)
	require.NoError(t, err)
	loaded, err := other.LoadChunk(ctx, name)
	require.NoError(t, err)
	assert.Equal(t, content, loaded)
}

func TestLoadMissingChunk(t *testing.T) {
	net := startNet(t)
	ctx := context.Background()
	sm, err := net.NewClient(ctx)
	require.NoError(t, err)

	_, err = sm.LoadChunk(ctx, crypto.NameOf([]byte("nobody stored this")))
	assert.ErrorIs(t, err, types.ErrNotFound)
	_, err = sm.LoadChunk(ctx, "garbage")
	assert.ErrorIs(t, err, types.ErrInvalidRequest)
}

func TestHashablePacketKeyMustMatch(t *testing.T) {
	net := startNet(t)
	ctx := context.Background()
	sm, err := net.NewClient(ctx)
	require.NoError(t, err)

	value := []byte("content addressed")
	key := string(crypto.NameOf(value))
	require.NoError(t, sm.StorePacket(ctx, key, value, client.PacketOptions{Mode: types.Hashable}))
	require.NoError(t, sm.StorePacket(ctx, key, value, client.PacketOptions{Mode: types.Hashable}))

	values, err := sm.LoadPacket(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, [][]byte{value}, values)

	err = sm.StorePacket(ctx, key, []byte("something else"), client.PacketOptions{Mode: types.Hashable})
	assert.ErrorIs(t, err, types.ErrInvalidRequest)
}

func TestClosedManagerRefusesWork(t *testing.T) {
	net := startNet(t)
	ctx := context.Background()
	sm, err := net.NewClient(ctx)
	require.NoError(t, err)

	require.NoError(t, sm.Close(ctx))
	_, err = sm.LoadChunk(ctx, crypto.NameOf([]byte("x")))
	assert.Error(t, err)
	assert.Error(t, sm.Init(ctx))
}

func TestFailedQuorumReportsFinalTally(t *testing.T) {
	net := startNet(t)
	ctx := context.Background()
	sm, err := net.NewClient(ctx)
	require.NoError(t, err)

	name, err := sm.AddChunk([]byte("two refuse fast, two agree slowly"))
	require.NoError(t, err)
	var contacts []types.Contact
	for _, v := range net.Vaults() {
		contacts = append(contacts, v.Contact())
	}
	closest := dht.Closest(string(name), contacts, 4)
	require.Len(t, closest, 4)

	// The refusals settle the round before the slow acknowledgements land.
	for _, c := range closest[:2] {
		net.Memory().SetFault(c.ID, func(method string) error {
			if method == "StoreIOU" {
				return fmt.Errorf("%w: injected", types.ErrNetwork)
			}
			return nil
		})
	}
	for _, c := range closest[2:] {
		net.Memory().SetLatency(c.ID, 50*time.Millisecond)
	}

	err = sm.StoreChunk(ctx, client.StoreTask{Key: name, Visibility: types.Private})
	assert.ErrorIs(t, err, types.ErrQuorum)
	assert.ErrorContains(t, err, "2 of 4 holders acknowledged")
}
