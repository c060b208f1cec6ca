package dht

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vaultnet/pkg/crypto"
	"vaultnet/pkg/types"
)

func testContacts(n int) []types.Contact {
	out := make([]types.Contact, n)
	for i := range out {
		out[i] = types.Contact{
			ID:      types.PeerID(crypto.KeyName(fmt.Sprintf("peer-%d", i))),
			Address: fmt.Sprintf("mem-%d", i),
		}
	}
	return out
}

func TestFindKClosestNodesOrdersByDistance(t *testing.T) {
	ctx := context.Background()
	net := NewMemoryNetwork(4, time.Hour)
	contacts := testContacts(10)
	for _, c := range contacts {
		require.NoError(t, net.Node(c).Join(ctx, nil))
	}

	key := crypto.KeyName("some key")
	closest, err := net.Node(contacts[0]).FindKClosestNodes(ctx, key)
	require.NoError(t, err)
	require.Len(t, closest, 4)

	for i := 1; i < len(closest); i++ {
		prev := Distance(key, string(closest[i-1].ID))
		cur := Distance(key, string(closest[i].ID))
		assert.True(t, string(prev) <= string(cur), "contacts not ordered by distance")
	}

	expected := Closest(key, contacts, 4)
	assert.Equal(t, expected, closest)
}

func TestStoreFindDeleteValue(t *testing.T) {
	ctx := context.Background()
	net := NewMemoryNetwork(4, time.Hour)
	contacts := testContacts(3)
	for _, c := range contacts {
		require.NoError(t, net.Node(c).Join(ctx, nil))
	}
	node := net.Node(contacts[0])

	values, err := node.FindValue(ctx, "key")
	require.NoError(t, err)
	assert.Empty(t, values)

	require.NoError(t, node.Store(ctx, "key", contacts[1]))
	require.NoError(t, node.Store(ctx, "key", contacts[2]))
	require.NoError(t, node.Store(ctx, "key", contacts[2]))

	values, err = net.Node(contacts[1]).FindValue(ctx, "key")
	require.NoError(t, err)
	assert.Len(t, values, 2)

	require.NoError(t, node.Delete(ctx, "key", contacts[1].ID))
	values, err = node.FindValue(ctx, "key")
	require.NoError(t, err)
	assert.Equal(t, []types.Contact{contacts[2]}, values)
}

func TestValuesExpireWithoutRepublish(t *testing.T) {
	ctx := context.Background()
	now := time.Unix(1000, 0)
	net := NewMemoryNetwork(4, time.Minute)
	net.SetClock(func() time.Time { return now })

	c := testContacts(1)[0]
	node := net.Node(c)
	require.NoError(t, node.Join(ctx, nil))
	require.NoError(t, node.Store(ctx, "key", c))

	now = now.Add(30 * time.Second)
	values, err := node.FindValue(ctx, "key")
	require.NoError(t, err)
	assert.Len(t, values, 1)

	now = now.Add(2 * time.Minute)
	values, err = node.FindValue(ctx, "key")
	require.NoError(t, err)
	assert.Empty(t, values)
}

func TestJoinRequiresReachableBootstrap(t *testing.T) {
	ctx := context.Background()
	net := NewMemoryNetwork(4, time.Hour)
	contacts := testContacts(3)

	err := net.Node(contacts[1]).Join(ctx, []types.Contact{contacts[0]})
	assert.ErrorIs(t, err, types.ErrNetwork)

	require.NoError(t, net.Node(contacts[0]).Join(ctx, nil))
	require.NoError(t, net.Node(contacts[1]).Join(ctx, []types.Contact{contacts[0]}))
	assert.Equal(t, 2, net.Size())

	require.NoError(t, net.Node(contacts[1]).Leave(ctx))
	assert.Equal(t, 1, net.Size())
	_, err = net.Node(contacts[1]).FindKClosestNodes(ctx, "x")
	assert.ErrorIs(t, err, types.ErrNetwork)
}

func TestClientNodeIsNotAClosestNode(t *testing.T) {
	ctx := context.Background()
	net := NewMemoryNetwork(4, time.Hour)
	vaults := testContacts(3)
	for _, c := range vaults {
		require.NoError(t, net.Node(c).Join(ctx, nil))
	}

	client := net.ClientNode(types.Contact{ID: types.PeerID(crypto.KeyName("client"))})
	_, err := client.FindKClosestNodes(ctx, "x")
	assert.ErrorIs(t, err, types.ErrNetwork)

	require.NoError(t, client.Join(ctx, vaults[:1]))
	closest, err := client.FindKClosestNodes(ctx, crypto.KeyName("x"))
	require.NoError(t, err)
	assert.Len(t, closest, 3)
	assert.Equal(t, 3, net.Size())

	require.NoError(t, client.Leave(ctx))
	assert.Equal(t, 3, net.Size())
}
