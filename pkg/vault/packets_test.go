package vault

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"vaultnet/pkg/crypto"
	"vaultnet/pkg/kvstore"
	"vaultnet/pkg/protocol"
	"vaultnet/pkg/types"
)

func newTestPackets(t *testing.T) *packetStore {
	db, err := kvstore.Open("", true, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return newPacketStore(db.Bucket("packets"))
}

func credsFor(t *testing.T, key string) (*crypto.Identity, protocol.Credentials) {
	id, err := crypto.NewIdentity()
	require.NoError(t, err)
	return id, protocol.NewCredentials(id, types.Private, key, "holder")
}

func TestNonHashablePacketPolicies(t *testing.T) {
	s := newTestPackets(t)
	_, owner := credsFor(t, "inbox")
	_, other := credsFor(t, "inbox")

	store := func(creds protocol.Credentials, value string, policy types.IfExists) error {
		return s.store(&protocol.StorePacketRequest{
			Credentials: creds,
			Key:         "inbox",
			Value:       []byte(value),
			Mode:        types.NonHashable,
			IfExists:    policy,
		})
	}

	require.NoError(t, store(owner, "v1", types.StoreFailure))
	assert.ErrorIs(t, store(owner, "v2", types.StoreFailure), types.ErrDuplicateKey)
	require.NoError(t, store(other, "ignored", types.StoreSuccess))
	assert.ErrorIs(t, store(other, "hijack", types.Overwrite), types.ErrPermission)
	require.NoError(t, store(owner, "v3", types.Overwrite))
	require.NoError(t, store(other, "m1", types.Append))

	p, err := s.get("inbox")
	require.NoError(t, err)
	assert.Equal(t, [][]byte{[]byte("v3"), []byte("m1")}, p.Values)
	assert.Equal(t, owner.SenderID, p.Owner)
}

func TestHashablePacketIsIdempotent(t *testing.T) {
	s := newTestPackets(t)
	value := []byte("immutable")
	key := string(crypto.NameOf(value))
	_, creds := credsFor(t, key)

	req := &protocol.StorePacketRequest{Credentials: creds, Key: key, Value: value, Mode: types.Hashable}
	require.NoError(t, s.store(req))
	require.NoError(t, s.store(req))

	req.Mode = types.NonHashable
	assert.ErrorIs(t, s.store(req), types.ErrInvalidRequest)

	p, err := s.get(key)
	require.NoError(t, err)
	assert.Len(t, p.Values, 1)
}

func TestDrainAndDeleteAreOwnerOnly(t *testing.T) {
	s := newTestPackets(t)
	_, owner := credsFor(t, "box")
	_, other := credsFor(t, "box")
	anonymous := protocol.NewCredentials(nil, types.Anonymous, "box", "holder")

	for _, m := range []string{"a", "b"} {
		require.NoError(t, s.store(&protocol.StorePacketRequest{
			Credentials: owner, Key: "box", Value: []byte(m), Mode: types.NonHashable, IfExists: types.Append,
		}))
	}

	_, err := s.drain("box", other)
	assert.ErrorIs(t, err, types.ErrPermission)
	_, err = s.drain("box", anonymous)
	assert.ErrorIs(t, err, types.ErrPermission)

	messages, err := s.drain("box", owner)
	require.NoError(t, err)
	assert.Len(t, messages, 2)
	messages, err = s.drain("box", owner)
	require.NoError(t, err)
	assert.Empty(t, messages)
	assert.True(t, s.Has("box"))

	assert.ErrorIs(t, s.delete("box", other), types.ErrPermission)
	require.NoError(t, s.delete("box", owner))
	assert.False(t, s.Has("box"))
	assert.ErrorIs(t, s.delete("box", owner), types.ErrNotFound)
}

func TestReservationsCountPendingSpace(t *testing.T) {
	r := newReservations()
	a := crypto.NameOf([]byte("a"))
	b := crypto.NameOf([]byte("b"))

	require.NoError(t, r.reserve(a, "client", 60, 100))
	assert.ErrorIs(t, r.reserve(b, "client", 60, 100), types.ErrQuota)

	// Once a's content has arrived it is counted by the store itself.
	r.markReceived(a)
	require.NoError(t, r.reserve(b, "client", 60, 100))

	// Unbounded stores never run out.
	require.NoError(t, r.reserve(crypto.NameOf([]byte("c")), "client", 1<<40, -1))
}

func TestExpiredReservationsReportOrphanedContent(t *testing.T) {
	r := newReservations()
	now := time.Now()
	r.now = func() time.Time { return now }

	received := crypto.NameOf([]byte("received"))
	promised := crypto.NameOf([]byte("promised"))
	require.NoError(t, r.reserve(received, "client", 1, -1))
	require.NoError(t, r.reserve(promised, "client", 1, -1))
	r.markReceived(received)

	assert.Empty(t, r.expired())
	r.now = func() time.Time { return now.Add(reservationTTL + time.Second) }
	assert.Equal(t, []types.ChunkName{received}, r.expired())

	_, ok := r.get(promised)
	assert.False(t, ok)
}

func TestCanDelete(t *testing.T) {
	assert.True(t, canDelete(types.Private))
	assert.True(t, canDelete(types.PrivateShare))
	assert.False(t, canDelete(types.PublicShare))
	assert.False(t, canDelete(types.Anonymous))
}
