package transport

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"vaultnet/pkg/auth"
	"vaultnet/pkg/metrics"
	"vaultnet/pkg/protocol"
	"vaultnet/pkg/types"
)

// stubService implements only the methods exercised here.
type stubService struct {
	protocol.VaultService
	id      types.PeerID
	content map[types.ChunkName][]byte
}

func (s *stubService) Ping(ctx context.Context, req *protocol.PingRequest) (*protocol.PingResponse, error) {
	return &protocol.PingResponse{ID: s.id}, nil
}

func (s *stubService) GetChunk(ctx context.Context, req *protocol.GetChunkRequest) (*protocol.GetChunkResponse, error) {
	data, ok := s.content[req.ChunkName]
	if !ok {
		return nil, types.ErrNotFound
	}
	return &protocol.GetChunkResponse{Content: data}, nil
}

func (s *stubService) DeleteChunk(ctx context.Context, req *protocol.DeleteChunkRequest) (*protocol.DeleteChunkResponse, error) {
	return nil, types.ErrPermission
}

func TestMemoryNetworkDelivery(t *testing.T) {
	ctx := context.Background()
	net := NewMemoryNetwork()
	svc := &stubService{id: "vault-a", content: map[types.ChunkName][]byte{"abc": []byte("hello")}}
	net.Register("vault-a", svc)

	client, err := net.Dial(ctx, types.Contact{ID: "vault-a"})
	require.NoError(t, err)

	resp, err := client.GetChunk(ctx, &protocol.GetChunkRequest{ChunkName: "abc"})
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), resp.Content)

	resp.Content[0] = 'j'
	assert.Equal(t, []byte("hello"), svc.content["abc"], "responses must not alias handler state")

	_, err = client.GetChunk(ctx, &protocol.GetChunkRequest{ChunkName: "missing"})
	assert.ErrorIs(t, err, types.ErrNotFound)

	_, err = client.DeleteChunk(ctx, &protocol.DeleteChunkRequest{ChunkName: "abc"})
	assert.ErrorIs(t, err, types.ErrPermission)
}

func TestMemoryNetworkFaults(t *testing.T) {
	ctx := context.Background()
	net := NewMemoryNetwork()
	net.Register("vault-a", &stubService{id: "vault-a"})
	client, err := net.Dial(ctx, types.Contact{ID: "vault-a"})
	require.NoError(t, err)

	net.Disconnect("vault-a")
	_, err = client.Ping(ctx, &protocol.PingRequest{})
	assert.ErrorIs(t, err, types.ErrNetwork)

	net.Reconnect("vault-a")
	_, err = client.Ping(ctx, &protocol.PingRequest{})
	require.NoError(t, err)

	injected := errors.New("boom")
	net.SetFault("vault-a", func(method string) error {
		if method == "Ping" {
			return injected
		}
		return nil
	})
	_, err = client.Ping(ctx, &protocol.PingRequest{})
	assert.ErrorIs(t, err, injected)
	net.SetFault("vault-a", nil)

	ghost, err := net.Dial(ctx, types.Contact{ID: "nobody"})
	require.NoError(t, err)
	_, err = ghost.Ping(ctx, &protocol.PingRequest{})
	assert.ErrorIs(t, err, types.ErrNetwork)
}

func TestInstrumentedDialerRecordsStats(t *testing.T) {
	ctx := context.Background()
	net := NewMemoryNetwork()
	net.Register("vault-a", &stubService{id: "vault-a"})
	net.SetLatency("vault-a", 2*time.Millisecond)

	m := metrics.New(nil)
	dialer := NewInstrumentedDialer(net, nil, m, time.Second)
	client, err := dialer.Dial(ctx, types.Contact{ID: "vault-a"})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err = client.Ping(ctx, &protocol.PingRequest{})
		require.NoError(t, err)
	}
	_, err = client.GetChunk(ctx, &protocol.GetChunkRequest{ChunkName: "missing"})
	require.Error(t, err)

	snap := dialer.Stats().Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, "GetChunk", snap[0].Method)
	assert.Equal(t, uint64(1), snap[0].Errors)
	assert.Equal(t, "Ping", snap[1].Method)
	assert.Equal(t, uint64(3), snap[1].Calls)
	assert.GreaterOrEqual(t, snap[1].Mean, 2*time.Millisecond)

	rtt, ok := dialer.Stats().RTT("vault-a")
	assert.True(t, ok)
	assert.GreaterOrEqual(t, rtt, 2*time.Millisecond)
	_, ok = dialer.Stats().RTT("vault-b")
	assert.False(t, ok)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.RPCErrors.WithLabelValues("GetChunk")))
}

func TestInstrumentedDialerTimeout(t *testing.T) {
	ctx := context.Background()
	net := NewMemoryNetwork()
	net.Register("slow", &stubService{id: "slow"})
	net.SetLatency("slow", time.Second)

	dialer := NewInstrumentedDialer(net, nil, nil, 10*time.Millisecond)
	client, err := dialer.Dial(ctx, types.Contact{ID: "slow"})
	require.NoError(t, err)

	_, err = client.Ping(ctx, &protocol.PingRequest{})
	assert.ErrorIs(t, err, types.ErrNetwork)
}

func TestGRPCRoundTrip(t *testing.T) {
	logger := zaptest.NewLogger(t)
	svc := &stubService{id: "vault-a", content: map[types.ChunkName][]byte{"abc": []byte("over the wire")}}

	server := NewServer("127.0.0.1:0", svc, logger)
	require.NoError(t, server.Start())
	defer server.Stop()

	dialer := NewGRPCDialer(logger)
	defer dialer.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client, err := dialer.Dial(ctx, types.Contact{ID: "vault-a", Address: server.Addr()})
	require.NoError(t, err)

	pong, err := client.Ping(ctx, &protocol.PingRequest{})
	require.NoError(t, err)
	assert.Equal(t, types.PeerID("vault-a"), pong.ID)

	resp, err := client.GetChunk(ctx, &protocol.GetChunkRequest{ChunkName: "abc"})
	require.NoError(t, err)
	assert.Equal(t, []byte("over the wire"), resp.Content)

	_, err = client.GetChunk(ctx, &protocol.GetChunkRequest{ChunkName: "nope"})
	assert.ErrorIs(t, err, types.ErrNotFound)

	_, err = client.DeleteChunk(ctx, &protocol.DeleteChunkRequest{ChunkName: "abc"})
	assert.ErrorIs(t, err, types.ErrPermission)

	_, err = dialer.Dial(ctx, types.Contact{ID: "vault-b"})
	assert.ErrorIs(t, err, types.ErrNetwork)
}

func TestGRPCEndpointTLS(t *testing.T) {
	logger := zaptest.NewLogger(t)
	certs, err := auth.NewCertManager("", time.Hour)
	require.NoError(t, err)

	endpoint := NewGRPCEndpoint("127.0.0.1:0", logger)
	endpoint.UseTLS(certs, time.Hour, true)
	svc := &stubService{id: "vault-a"}
	addr, err := endpoint.Serve("vault-a", svc)
	require.NoError(t, err)
	defer endpoint.Close("vault-a")

	clientCert, err := certs.IssueCertificate(auth.ComponentClient, "client-1", nil, time.Hour)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	t.Run("verified vault", func(t *testing.T) {
		dialer := NewGRPCDialer(logger, WithTLS(certs, &clientCert))
		defer dialer.Close()
		client, err := dialer.Dial(ctx, types.Contact{ID: "vault-a", Address: addr})
		require.NoError(t, err)
		pong, err := client.Ping(ctx, &protocol.PingRequest{})
		require.NoError(t, err)
		assert.Equal(t, types.PeerID("vault-a"), pong.ID)
	})

	t.Run("wrong vault on address", func(t *testing.T) {
		dialer := NewGRPCDialer(logger, WithTLS(certs, &clientCert))
		defer dialer.Close()
		client, err := dialer.Dial(ctx, types.Contact{ID: "vault-b", Address: addr})
		require.NoError(t, err)
		_, err = client.Ping(ctx, &protocol.PingRequest{})
		assert.ErrorIs(t, err, types.ErrNetwork)
	})

	t.Run("no client certificate", func(t *testing.T) {
		dialer := NewGRPCDialer(logger, WithTLS(certs, nil))
		defer dialer.Close()
		client, err := dialer.Dial(ctx, types.Contact{ID: "vault-a", Address: addr})
		require.NoError(t, err)
		_, err = client.Ping(ctx, &protocol.PingRequest{})
		assert.Error(t, err)
	})

	t.Run("plaintext dialer", func(t *testing.T) {
		dialer := NewGRPCDialer(logger)
		defer dialer.Close()
		client, err := dialer.Dial(ctx, types.Contact{ID: "vault-a", Address: addr})
		require.NoError(t, err)
		_, err = client.Ping(ctx, &protocol.PingRequest{})
		assert.ErrorIs(t, err, types.ErrNetwork)
	})
}
