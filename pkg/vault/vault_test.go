package vault_test

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"vaultnet/pkg/account"
	"vaultnet/pkg/client"
	"vaultnet/pkg/crypto"
	"vaultnet/pkg/devnet"
	"vaultnet/pkg/dht"
	"vaultnet/pkg/metrics"
	"vaultnet/pkg/protocol"
	"vaultnet/pkg/types"
	"vaultnet/pkg/vault"
)

func startNet(t *testing.T, vaults int) *devnet.Network {
	t.Helper()
	opts := devnet.DefaultOptions(t.TempDir())
	opts.Vaults = vaults
	opts.Logger = zaptest.NewLogger(t)
	opts.Metrics = metrics.New(nil)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	net, err := devnet.Start(ctx, opts)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		assert.NoError(t, net.Stop(ctx))
	})
	return net
}

func newClient(t *testing.T, net *devnet.Network) *client.StoreManager {
	t.Helper()
	sm, err := net.NewClient(context.Background())
	require.NoError(t, err)
	return sm
}

func storeContent(t *testing.T, sm *client.StoreManager, content []byte, visibility types.Visibility) types.ChunkName {
	t.Helper()
	name, err := sm.AddChunk(content)
	require.NoError(t, err)
	require.NoError(t, sm.StoreChunk(context.Background(), client.StoreTask{Key: name, Visibility: visibility}))
	return name
}

// storing returns the vaults holding a confirmed copy of name.
func storing(net *devnet.Network, name types.ChunkName) []*vault.Vault {
	var out []*vault.Vault
	for _, v := range net.Vaults() {
		if state, err := v.Store().State(name); err == nil && state == types.ChunkStored {
			out = append(out, v)
		}
	}
	return out
}

// closestVaults returns the K vaults the DHT places nearest to name.
func closestVaults(net *devnet.Network, name types.ChunkName, k int) []*vault.Vault {
	byID := make(map[types.PeerID]*vault.Vault)
	contacts := make([]types.Contact, 0, len(net.Vaults()))
	for _, v := range net.Vaults() {
		byID[v.ID()] = v
		contacts = append(contacts, v.Contact())
	}
	var out []*vault.Vault
	for _, c := range dht.Closest(string(name), contacts, k) {
		out = append(out, byID[c.ID])
	}
	return out
}

// refuseIOUs makes vaults fail every StoreIOU until the returned func runs.
func refuseIOUs(net *devnet.Network, vaults []*vault.Vault) func() {
	for _, v := range vaults {
		net.Memory().SetFault(v.ID(), func(method string) error {
			if method == "StoreIOU" {
				return fmt.Errorf("%w: injected", types.ErrNetwork)
			}
			return nil
		})
	}
	return func() {
		for _, v := range vaults {
			net.Memory().SetFault(v.ID(), nil)
		}
	}
}

func TestVaultsCreateAccountsOnStartup(t *testing.T) {
	net := startNet(t, 6)
	ctx := context.Background()

	for _, v := range net.Vaults() {
		assert.Equal(t, vault.Started, v.State())
		status, err := v.Account(ctx)
		require.NoError(t, err)
		assert.Equal(t, uint64(v.Store().Capacity()), status.Offered)
		assert.False(t, v.HaveAccount(v.ID()), "a vault never holds its own ledger")
	}
}

func TestStoreThenLoadFromAnotherClient(t *testing.T) {
	net := startNet(t, 8)
	ctx := context.Background()
	owner := newClient(t, net)
	reader := newClient(t, net)

	content := []byte("the quick brown fox")
	name := storeContent(t, owner, content, types.Private)

	copies := storing(net, name)
	assert.GreaterOrEqual(t, len(copies), 2)

	loaded, err := reader.LoadChunk(ctx, name)
	require.NoError(t, err)
	assert.Equal(t, content, loaded)

	// Reference holders know who stores the chunk and who owns it.
	confirmed := 0
	for _, v := range net.Vaults() {
		info, err := v.ChunkInfo().GetChunkInfo(name)
		if err != nil {
			continue
		}
		if w, ok := info.Watcher(owner.Session().ID()); ok {
			assert.True(t, w.CanDelete)
		}
		if len(info.ReferenceList) >= 2 {
			confirmed++
		}
	}
	assert.Positive(t, confirmed)
}

func TestStoringVaultIsCreditedAndRequesterCharged(t *testing.T) {
	net := startNet(t, 8)
	ctx := context.Background()
	sm := newClient(t, net)

	content := []byte("accounted for")
	name := storeContent(t, sm, content, types.Private)

	require.Eventually(t, func() bool {
		status, err := sm.AccountStatus(ctx)
		return err == nil && status.Taken >= uint64(len(content))
	}, 5*time.Second, 50*time.Millisecond)

	for _, v := range storing(net, name) {
		require.Eventually(t, func() bool {
			status, err := v.Account(ctx)
			return err == nil && status.Given >= uint64(len(content))
		}, 5*time.Second, 50*time.Millisecond)
	}
}

func TestDuplicateStoreOnlyAddsWatcher(t *testing.T) {
	net := startNet(t, 8)
	first := newClient(t, net)
	second := newClient(t, net)

	content := []byte("popular content")
	name := storeContent(t, first, content, types.Private)
	before := len(storing(net, name))
	storeContent(t, second, content, types.Private)

	assert.Equal(t, before, len(storing(net, name)))
	watched := false
	for _, v := range net.Vaults() {
		if info, err := v.ChunkInfo().GetChunkInfo(name); err == nil {
			_, ok := info.Watcher(second.Session().ID())
			watched = watched || ok
		}
	}
	assert.True(t, watched)
}

func TestDeleteImplodesOnceNoWatchersRemain(t *testing.T) {
	net := startNet(t, 8)
	ctx := context.Background()
	first := newClient(t, net)
	second := newClient(t, net)
	stranger := newClient(t, net)

	content := []byte("shared then deleted")
	name := storeContent(t, first, content, types.Private)
	storeContent(t, second, content, types.Private)

	err := stranger.DeleteChunk(ctx, name, types.Private, "")
	assert.ErrorIs(t, err, types.ErrPermission)

	require.NoError(t, first.DeleteChunk(ctx, name, types.Private, ""))
	assert.NotEmpty(t, storing(net, name), "another owner still watches the chunk")

	require.NoError(t, second.DeleteChunk(ctx, name, types.Private, ""))
	assert.Empty(t, storing(net, name))
	for _, v := range net.Vaults() {
		_, err := v.ChunkInfo().GetChunkInfo(name)
		assert.ErrorIs(t, err, types.ErrNotFound)
	}

	_, err = stranger.LoadChunk(ctx, name)
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestPublicShareCannotBeDeleted(t *testing.T) {
	net := startNet(t, 8)
	sm := newClient(t, net)

	name := storeContent(t, sm, []byte("published"), types.PublicShare)
	err := sm.DeleteChunk(context.Background(), name, types.PublicShare, "")
	assert.ErrorIs(t, err, types.ErrPermission)
	assert.NotEmpty(t, storing(net, name))
}

func TestPacketsAcrossClients(t *testing.T) {
	net := startNet(t, 8)
	ctx := context.Background()
	owner := newClient(t, net)
	sender := newClient(t, net)

	key := string(crypto.NameOf([]byte("inbox of owner")))
	require.NoError(t, owner.StorePacket(ctx, key, []byte("welcome"), client.PacketOptions{
		Mode: types.NonHashable, IfExists: types.StoreFailure,
	}))
	err := sender.StorePacket(ctx, key, []byte("again"), client.PacketOptions{
		Mode: types.NonHashable, IfExists: types.StoreFailure,
	})
	assert.ErrorIs(t, err, types.ErrDuplicateKey)

	for i := 0; i < 3; i++ {
		require.NoError(t, sender.StorePacket(ctx, key, []byte(fmt.Sprintf("msg-%d", i)), client.PacketOptions{
			Mode: types.NonHashable, IfExists: types.Append,
		}))
	}
	values, err := sender.LoadPacket(ctx, key)
	require.NoError(t, err)
	assert.Len(t, values, 4)

	_, err = sender.GetMessages(ctx, key, types.Private, "")
	assert.ErrorIs(t, err, types.ErrPermission)
	messages, err := owner.GetMessages(ctx, key, types.Private, "")
	require.NoError(t, err)
	assert.Len(t, messages, 4)

	assert.ErrorIs(t, sender.DeletePacket(ctx, key, types.Private, ""), types.ErrPermission)
	require.NoError(t, owner.DeletePacket(ctx, key, types.Private, ""))
	_, err = sender.LoadPacket(ctx, key)
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestSyncVaultRepairsCorruptCopy(t *testing.T) {
	net := startNet(t, 8)
	ctx := context.Background()
	sm := newClient(t, net)

	content := []byte("will be corrupted on one vault")
	name := storeContent(t, sm, content, types.Private)
	copies := storing(net, name)
	require.GreaterOrEqual(t, len(copies), 2)
	victim := copies[0]

	path := filepath.Join(victim.DataDir(), "chunks", types.ChunkStored.String(), string(name))
	require.NoError(t, os.WriteFile(path, []byte("garbage"), 0644))
	ok, err := victim.Store().HashCheck(name)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, victim.SyncVault(ctx))
	ok, err = victim.Store().HashCheck(name)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestHealReferencesReplacesLostCopy(t *testing.T) {
	net := startNet(t, 8)
	ctx := context.Background()
	sm := newClient(t, net)

	name := storeContent(t, sm, []byte("lost and found"), types.Private)
	copies := storing(net, name)
	require.GreaterOrEqual(t, len(copies), 2)

	// Every reference holder forgets one storing vault, as if it had
	// been found dirty.
	lost := copies[0].ID()
	for _, v := range net.Vaults() {
		if _, err := v.ChunkInfo().GetChunkInfo(name); err == nil {
			_ = v.ChunkInfo().RemoveHolder(name, lost)
		}
	}

	for _, v := range net.Vaults() {
		require.NoError(t, v.HealReferences(ctx))
	}
	healed := 0
	for _, v := range net.Vaults() {
		if info, err := v.ChunkInfo().GetChunkInfo(name); err == nil && !v.ChunkInfo().NeedsReplication(name, 2) {
			assert.NotContains(t, info.ReferenceList, lost)
			healed++
		}
	}
	assert.Positive(t, healed)
}

func TestStoppedVaultRejectsRequests(t *testing.T) {
	net := startNet(t, 6)
	ctx := context.Background()
	v := net.Vaults()[0]

	require.NoError(t, v.Stop(ctx))
	assert.Equal(t, vault.Stopped, v.State())
	_, err := v.CheckChunk(ctx, nil)
	assert.ErrorIs(t, err, types.ErrNotStarted)
	assert.ErrorIs(t, v.SyncVault(ctx), types.ErrNotStarted)

	require.NoError(t, v.Start(ctx, false))
	require.NoError(t, v.WaitForStartup(ctx))
	assert.Equal(t, vault.Started, v.State())
}

func TestRejectedRequestsAreCounted(t *testing.T) {
	net := startNet(t, 6)
	sm := newClient(t, net)
	v := net.Vaults()[0]

	name, err := sm.AddChunk([]byte("never stored"))
	require.NoError(t, err)
	before := testutil.ToFloat64(v.Metrics().RejectedRequests.WithLabelValues("GetChunk"))
	_, err = v.GetChunk(context.Background(), &protocol.GetChunkRequest{ChunkName: name})
	assert.ErrorIs(t, err, types.ErrNotFound)
	assert.Equal(t, before+1, testutil.ToFloat64(v.Metrics().RejectedRequests.WithLabelValues("GetChunk")))
}

func TestRelayedLoadIsCached(t *testing.T) {
	net := startNet(t, 8)
	ctx := context.Background()
	sm := newClient(t, net)

	content := []byte("relayed through a stranger")
	name := storeContent(t, sm, content, types.Private)

	var relay *vault.Vault
	for _, v := range net.Vaults() {
		if _, err := v.Store().State(name); err != nil {
			relay = v
			break
		}
	}
	require.NotNil(t, relay)

	resp, err := relay.GetChunk(ctx, &protocol.GetChunkRequest{ChunkName: name, Relay: true})
	require.NoError(t, err)
	assert.Equal(t, content, resp.Content)
	assert.True(t, resp.Cached)
	state, err := relay.Store().State(name)
	require.NoError(t, err)
	assert.Equal(t, types.ChunkCached, state)
}

func TestGRPCTransport(t *testing.T) {
	if testing.Short() {
		t.Skip("starts real gRPC servers")
	}
	for _, tc := range []struct {
		name string
		tls  bool
	}{
		{"plaintext", false},
		{"tls", true},
	} {
		t.Run(tc.name, func(t *testing.T) {
			opts := devnet.DefaultOptions(t.TempDir())
			opts.Vaults = 6
			opts.Transport = devnet.TransportGRPC
			opts.Auth.Enabled = tc.tls
			opts.Auth.RequireClientAuth = tc.tls
			opts.Logger = zaptest.NewLogger(t)

			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			net, err := devnet.Start(ctx, opts)
			require.NoError(t, err)
			defer net.Stop(context.Background())

			sm := newClient(t, net)
			content := []byte("over the wire")
			name := storeContent(t, sm, content, types.Private)

			loaded, err := newClient(t, net).LoadChunk(ctx, name)
			require.NoError(t, err)
			assert.Equal(t, content, loaded)
		})
	}
}

func TestIOUQuorumNeedsThreeOfFour(t *testing.T) {
	for _, tc := range []struct {
		refusing int
		stored   bool
	}{
		{refusing: 0, stored: true},
		{refusing: 1, stored: true},
		{refusing: 2, stored: false},
	} {
		t.Run(fmt.Sprintf("%d refusing", tc.refusing), func(t *testing.T) {
			net := startNet(t, 8)
			sm := newClient(t, net)

			content := []byte(fmt.Sprintf("quorum with %d refusing holders", tc.refusing))
			name, err := sm.AddChunk(content)
			require.NoError(t, err)
			closest := closestVaults(net, name, 4)
			require.Len(t, closest, 4)
			restore := refuseIOUs(net, closest[:tc.refusing])
			defer restore()

			err = sm.StoreChunk(context.Background(), client.StoreTask{Key: name, Visibility: types.Private})
			if tc.stored {
				require.NoError(t, err)
				assert.GreaterOrEqual(t, len(storing(net, name)), 2)
				return
			}
			assert.ErrorIs(t, err, types.ErrQuorum)
			assert.Empty(t, storing(net, name))
		})
	}
}

func TestStoreRetriesAfterFailedQuorum(t *testing.T) {
	net := startNet(t, 8)
	ctx := context.Background()
	sm := newClient(t, net)

	content := []byte("first attempt cannot gather IOUs")
	name, err := sm.AddChunk(content)
	require.NoError(t, err)
	restore := refuseIOUs(net, closestVaults(net, name, 4)[:2])

	err = sm.StoreChunk(ctx, client.StoreTask{Key: name, Visibility: types.Private})
	require.ErrorIs(t, err, types.ErrQuorum)
	restore()

	// Promises and watchers left by the failed attempt do not make the key
	// look taken.
	unique, err := sm.IsKeyUnique(ctx, string(name))
	require.NoError(t, err)
	assert.True(t, unique)
	for _, v := range net.Vaults() {
		resp, err := v.CheckChunk(ctx, &protocol.CheckChunkRequest{ChunkName: name})
		require.NoError(t, err)
		assert.False(t, resp.HasChunk)
	}

	require.NoError(t, sm.StoreChunk(ctx, client.StoreTask{Key: name, Visibility: types.Private}))
	assert.GreaterOrEqual(t, len(storing(net, name)), 2)
	loaded, err := newClient(t, net).LoadChunk(ctx, name)
	require.NoError(t, err)
	assert.Equal(t, content, loaded)
}

func TestAppendWithoutConfirmedCopyStoresAfresh(t *testing.T) {
	net := startNet(t, 8)
	ctx := context.Background()
	sm := newClient(t, net)

	content := []byte("a stray copy nobody confirmed")
	name, err := sm.AddChunk(content)
	require.NoError(t, err)

	// A reference holder keeps a stray copy with no custody record, so the
	// key looks taken but there is nothing to watch.
	stray := closestVaults(net, name, 4)[0]
	require.NoError(t, stray.Store().Put(name, content, types.ChunkStored))
	unique, err := sm.IsKeyUnique(ctx, string(name))
	require.NoError(t, err)
	require.False(t, unique)

	_, err = stray.StoreIOU(ctx, &protocol.StoreIOURequest{
		Credentials: protocol.NewCredentials(sm.Session().Identity(), types.Private, string(name), stray.ID()),
		ChunkName:   name,
		DataSize:    int64(len(content)),
		Mode:        protocol.IOUAppend,
	})
	assert.ErrorIs(t, err, types.ErrNotFound)

	require.NoError(t, sm.StoreChunk(ctx, client.StoreTask{Key: name, Visibility: types.Private}))
	confirmed := 0
	for _, v := range net.Vaults() {
		info, err := v.ChunkInfo().GetChunkInfo(name)
		if err != nil {
			continue
		}
		if _, ok := info.Watcher(sm.Session().ID()); ok && len(info.ReferenceList) >= 2 {
			confirmed++
		}
	}
	assert.Positive(t, confirmed)
}

func TestOwnerCannotRefundItsOwnUsage(t *testing.T) {
	net := startNet(t, 8)
	ctx := context.Background()
	sm := newClient(t, net)
	subject := sm.Session().ID()

	content := make([]byte, 8192)
	name := storeContent(t, sm, content, types.Private)
	charged := uint64(len(content) * len(storing(net, name)))
	var before types.AccountStatus
	require.Eventually(t, func() bool {
		status, err := sm.AccountStatus(ctx)
		before = status
		return err == nil && status.Taken == charged
	}, 5*time.Second, 50*time.Millisecond)

	holders := 0
	storers := make(map[types.PeerID]bool)
	for _, v := range storing(net, name) {
		storers[v.ID()] = true
	}
	for _, v := range net.Vaults() {
		if !v.HaveAccount(subject) {
			continue
		}
		holders++
		own := account.NewAmendment(protocol.FieldTaken, before.Taken, false, false)
		_, err := v.AmendAccount(ctx, own.Request(sm.Session().Identity(), subject, v.ID()))
		assert.ErrorIs(t, err, types.ErrPermission, "the owner may not lower its own Taken")

		for _, other := range net.Vaults() {
			if storers[other.ID()] || other.ID() == v.ID() {
				continue
			}
			refund := account.NewAmendment(protocol.FieldTaken, 1, false, false)
			_, err := v.AmendAccount(ctx, refund.Request(other.Identity(), subject, v.ID()))
			assert.ErrorIs(t, err, types.ErrPermission, "a vault that never charged may not refund")
			break
		}
	}
	require.Positive(t, holders)

	after, err := sm.AccountStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, before.Taken, after.Taken)

	// Deleting the chunk refunds it through the vaults that charged it.
	require.NoError(t, sm.DeleteChunk(ctx, name, types.Private, ""))
	require.Eventually(t, func() bool {
		status, err := sm.AccountStatus(ctx)
		return err == nil && status.Taken == 0
	}, 5*time.Second, 50*time.Millisecond)
}

func TestDeletedChunkIsNotServedFromCaches(t *testing.T) {
	net := startNet(t, 8)
	ctx := context.Background()
	owner := newClient(t, net)
	reader := newClient(t, net)

	content := []byte("cached everywhere, then deleted")
	name := storeContent(t, owner, content, types.Private)

	loaded, err := reader.LoadChunk(ctx, name)
	require.NoError(t, err)
	require.Equal(t, content, loaded)
	cached := 0
	for _, v := range net.Vaults() {
		if _, err := v.Store().State(name); err == nil {
			continue
		}
		resp, err := v.GetChunk(ctx, &protocol.GetChunkRequest{ChunkName: name, Relay: true})
		require.NoError(t, err)
		require.True(t, resp.Cached)
		cached++
	}
	require.Positive(t, cached)

	require.NoError(t, owner.DeleteChunk(ctx, name, types.Private, ""))
	require.Empty(t, storing(net, name))

	_, err = newClient(t, net).LoadChunk(ctx, name)
	assert.ErrorIs(t, err, types.ErrNotFound)
	_, err = reader.LoadChunk(ctx, name)
	assert.ErrorIs(t, err, types.ErrNotFound, "the reader's own cached copy is dropped too")
	for _, v := range net.Vaults() {
		_, err := v.GetChunk(ctx, &protocol.GetChunkRequest{ChunkName: name, Relay: true})
		assert.ErrorIs(t, err, types.ErrNotFound)
		assert.False(t, v.Store().Has(name), "vault %s still holds a copy", v.ID().Short())
	}
}

func TestLoadSurvivesAllButOneCopyLost(t *testing.T) {
	net := startNet(t, 8)
	ctx := context.Background()
	sm := newClient(t, net)

	content := []byte("one copy is enough")
	name := storeContent(t, sm, content, types.Private)
	copies := storing(net, name)
	require.GreaterOrEqual(t, len(copies), 2)

	// DHT entries and custody records still list the lost copies.
	for _, v := range copies[1:] {
		require.NoError(t, v.Store().Delete(name))
	}

	loaded, err := newClient(t, net).LoadChunk(ctx, name)
	require.NoError(t, err)
	assert.Equal(t, content, loaded)
}

func TestLosingEveryCopyOnlyAffectsThatChunk(t *testing.T) {
	net := startNet(t, 8)
	ctx := context.Background()
	sm := newClient(t, net)

	lost := storeContent(t, sm, []byte("every copy goes"), types.Private)
	kept := []byte("untouched neighbour")
	keptName := storeContent(t, sm, kept, types.Private)

	for _, v := range storing(net, lost) {
		require.NoError(t, v.Store().Delete(lost))
	}

	reader := newClient(t, net)
	_, err := reader.LoadChunk(ctx, lost)
	assert.ErrorIs(t, err, types.ErrNotFound)
	loaded, err := reader.LoadChunk(ctx, keptName)
	require.NoError(t, err)
	assert.Equal(t, kept, loaded)
}

func TestCorruptCopyIsNeverServed(t *testing.T) {
	net := startNet(t, 8)
	ctx := context.Background()
	sm := newClient(t, net)

	content := []byte("rots on one disk")
	name := storeContent(t, sm, content, types.Private)
	copies := storing(net, name)
	require.GreaterOrEqual(t, len(copies), 2)
	victim := copies[0]

	path := filepath.Join(victim.DataDir(), "chunks", types.ChunkStored.String(), string(name))
	require.NoError(t, os.WriteFile(path, []byte("rotten"), 0644))

	resp, err := victim.GetChunk(ctx, &protocol.GetChunkRequest{ChunkName: name})
	require.NoError(t, err)
	assert.Equal(t, content, resp.Content, "the copy is repaired from another holder before it is served")
	ok, err := victim.Store().HashCheck(name)
	require.NoError(t, err)
	assert.True(t, ok)

	// With no other holder left to repair from, the copy is dropped.
	for _, v := range copies[1:] {
		require.NoError(t, v.Store().Delete(name))
	}
	require.NoError(t, os.WriteFile(path, []byte("rotten again"), 0644))
	_, err = victim.GetChunk(ctx, &protocol.GetChunkRequest{ChunkName: name})
	assert.ErrorIs(t, err, types.ErrNotFound)
	assert.False(t, victim.Store().Has(name))
}
