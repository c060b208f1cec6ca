package transport

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/atomic"

	"vaultnet/pkg/metrics"
	"vaultnet/pkg/protocol"
	"vaultnet/pkg/types"
)

type methodCounters struct {
	calls  atomic.Uint64
	errors atomic.Uint64
	total  atomic.Duration
	max    atomic.Duration
}

// MethodStats summarises outgoing calls of one RPC method.
type MethodStats struct {
	Method string
	Calls  uint64
	Errors uint64
	Mean   time.Duration
	Max    time.Duration
}

// Stats records RPC timings per method and a smoothed round-trip time per peer.
type Stats struct {
	mu      sync.RWMutex
	methods map[string]*methodCounters
	rtt     map[types.PeerID]*atomic.Duration
}

func NewStats() *Stats {
	return &Stats{
		methods: make(map[string]*methodCounters),
		rtt:     make(map[types.PeerID]*atomic.Duration),
	}
}

func (s *Stats) counters(method string) *methodCounters {
	s.mu.RLock()
	c, ok := s.methods[method]
	s.mu.RUnlock()
	if ok {
		return c
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok = s.methods[method]; !ok {
		c = &methodCounters{}
		s.methods[method] = c
	}
	return c
}

func (s *Stats) peerRTT(peer types.PeerID) *atomic.Duration {
	s.mu.RLock()
	d, ok := s.rtt[peer]
	s.mu.RUnlock()
	if ok {
		return d
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if d, ok = s.rtt[peer]; !ok {
		d = atomic.NewDuration(0)
		s.rtt[peer] = d
	}
	return d
}

// Record adds one call outcome. Only successful calls update the peer's RTT.
func (s *Stats) Record(peer types.PeerID, method string, elapsed time.Duration, err error) {
	c := s.counters(method)
	c.calls.Inc()
	c.total.Add(elapsed)
	for {
		cur := c.max.Load()
		if elapsed <= cur || c.max.CompareAndSwap(cur, elapsed) {
			break
		}
	}
	if err != nil {
		c.errors.Inc()
		return
	}

	rtt := s.peerRTT(peer)
	for {
		old := rtt.Load()
		next := elapsed
		if old > 0 {
			next = (old*7 + elapsed) / 8
		}
		if rtt.CompareAndSwap(old, next) {
			break
		}
	}
}

// RTT returns the smoothed round-trip time to peer, if any call succeeded.
func (s *Stats) RTT(peer types.PeerID) (time.Duration, bool) {
	s.mu.RLock()
	d, ok := s.rtt[peer]
	s.mu.RUnlock()
	if !ok {
		return 0, false
	}
	v := d.Load()
	return v, v > 0
}

// Snapshot returns per-method statistics sorted by method name.
func (s *Stats) Snapshot() []MethodStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]MethodStats, 0, len(s.methods))
	for name, c := range s.methods {
		ms := MethodStats{
			Method: name,
			Calls:  c.calls.Load(),
			Errors: c.errors.Load(),
			Max:    c.max.Load(),
		}
		if ms.Calls > 0 {
			ms.Mean = c.total.Load() / time.Duration(ms.Calls)
		}
		out = append(out, ms)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Method < out[j].Method })
	return out
}

// InstrumentedDialer wraps a Dialer so every call is timed, bounded by a
// per-call timeout and reported to Stats and the Prometheus metrics.
type InstrumentedDialer struct {
	inner   protocol.Dialer
	stats   *Stats
	metrics *metrics.Metrics
	timeout time.Duration
}

func NewInstrumentedDialer(inner protocol.Dialer, stats *Stats, m *metrics.Metrics, timeout time.Duration) *InstrumentedDialer {
	if stats == nil {
		stats = NewStats()
	}
	return &InstrumentedDialer{inner: inner, stats: stats, metrics: m, timeout: timeout}
}

func (d *InstrumentedDialer) Stats() *Stats {
	return d.stats
}

func (d *InstrumentedDialer) Dial(ctx context.Context, contact types.Contact) (protocol.VaultService, error) {
	svc, err := d.inner.Dial(ctx, contact)
	if err != nil {
		return nil, err
	}
	return &instrumentedClient{inner: svc, peer: contact.ID, dialer: d}, nil
}

func observe[Req any, Resp any](ctx context.Context, c *instrumentedClient, method string, req *Req, call func(protocol.VaultService, context.Context, *Req) (*Resp, error)) (*Resp, error) {
	if c.dialer.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.dialer.timeout)
		defer cancel()
	}

	start := time.Now()
	resp, err := call(c.inner, ctx, req)
	elapsed := time.Since(start)

	c.dialer.stats.Record(c.peer, method, elapsed, err)
	if m := c.dialer.metrics; m != nil {
		m.RPCLatency.WithLabelValues(method).Observe(elapsed.Seconds())
		if err != nil {
			m.RPCErrors.WithLabelValues(method).Inc()
		}
	}
	return resp, err
}

type instrumentedClient struct {
	inner  protocol.VaultService
	peer   types.PeerID
	dialer *InstrumentedDialer
}

func (c *instrumentedClient) StorePrep(ctx context.Context, req *protocol.StorePrepRequest) (*protocol.StorePrepResponse, error) {
	return observe(ctx, c, "StorePrep", req, protocol.VaultService.StorePrep)
}

func (c *instrumentedClient) StoreChunk(ctx context.Context, req *protocol.StoreChunkRequest) (*protocol.StoreChunkResponse, error) {
	return observe(ctx, c, "StoreChunk", req, protocol.VaultService.StoreChunk)
}

func (c *instrumentedClient) StoreIOU(ctx context.Context, req *protocol.StoreIOURequest) (*protocol.StoreIOUResponse, error) {
	return observe(ctx, c, "StoreIOU", req, protocol.VaultService.StoreIOU)
}

func (c *instrumentedClient) IOUDone(ctx context.Context, req *protocol.IOUDoneRequest) (*protocol.IOUDoneResponse, error) {
	return observe(ctx, c, "IOUDone", req, protocol.VaultService.IOUDone)
}

func (c *instrumentedClient) CheckChunk(ctx context.Context, req *protocol.CheckChunkRequest) (*protocol.CheckChunkResponse, error) {
	return observe(ctx, c, "CheckChunk", req, protocol.VaultService.CheckChunk)
}

func (c *instrumentedClient) GetChunk(ctx context.Context, req *protocol.GetChunkRequest) (*protocol.GetChunkResponse, error) {
	return observe(ctx, c, "GetChunk", req, protocol.VaultService.GetChunk)
}

func (c *instrumentedClient) DeleteChunk(ctx context.Context, req *protocol.DeleteChunkRequest) (*protocol.DeleteChunkResponse, error) {
	return observe(ctx, c, "DeleteChunk", req, protocol.VaultService.DeleteChunk)
}

func (c *instrumentedClient) SwapChunk(ctx context.Context, req *protocol.SwapChunkRequest) (*protocol.SwapChunkResponse, error) {
	return observe(ctx, c, "SwapChunk", req, protocol.VaultService.SwapChunk)
}

func (c *instrumentedClient) ValidityCheck(ctx context.Context, req *protocol.ValidityCheckRequest) (*protocol.ValidityCheckResponse, error) {
	return observe(ctx, c, "ValidityCheck", req, protocol.VaultService.ValidityCheck)
}

func (c *instrumentedClient) StorePacket(ctx context.Context, req *protocol.StorePacketRequest) (*protocol.StorePacketResponse, error) {
	return observe(ctx, c, "StorePacket", req, protocol.VaultService.StorePacket)
}

func (c *instrumentedClient) LoadPacket(ctx context.Context, req *protocol.LoadPacketRequest) (*protocol.LoadPacketResponse, error) {
	return observe(ctx, c, "LoadPacket", req, protocol.VaultService.LoadPacket)
}

func (c *instrumentedClient) DeletePacket(ctx context.Context, req *protocol.DeletePacketRequest) (*protocol.DeletePacketResponse, error) {
	return observe(ctx, c, "DeletePacket", req, protocol.VaultService.DeletePacket)
}

func (c *instrumentedClient) GetMessages(ctx context.Context, req *protocol.GetMessagesRequest) (*protocol.GetMessagesResponse, error) {
	return observe(ctx, c, "GetMessages", req, protocol.VaultService.GetMessages)
}

func (c *instrumentedClient) AmendAccount(ctx context.Context, req *protocol.AmendAccountRequest) (*protocol.AmendAccountResponse, error) {
	return observe(ctx, c, "AmendAccount", req, protocol.VaultService.AmendAccount)
}

func (c *instrumentedClient) AccountStatus(ctx context.Context, req *protocol.AccountStatusRequest) (*protocol.AccountStatusResponse, error) {
	return observe(ctx, c, "AccountStatus", req, protocol.VaultService.AccountStatus)
}

func (c *instrumentedClient) Ping(ctx context.Context, req *protocol.PingRequest) (*protocol.PingResponse, error) {
	return observe(ctx, c, "Ping", req, protocol.VaultService.Ping)
}
