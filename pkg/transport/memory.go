package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"vaultnet/pkg/protocol"
	"vaultnet/pkg/types"
)

// FaultFunc may fail a call to a peer before it is delivered.
type FaultFunc func(method string) error

// MemoryNetwork delivers RPCs between services in one process. Requests and
// responses go through the wire codec and errors through gRPC status mapping,
// so handlers see exactly what a remote peer would send.
type MemoryNetwork struct {
	mu       sync.RWMutex
	services map[types.PeerID]protocol.VaultService
	down     map[types.PeerID]bool
	faults   map[types.PeerID]FaultFunc
	latency  map[types.PeerID]time.Duration
	codec    protocol.Codec
}

func NewMemoryNetwork() *MemoryNetwork {
	return &MemoryNetwork{
		services: make(map[types.PeerID]protocol.VaultService),
		down:     make(map[types.PeerID]bool),
		faults:   make(map[types.PeerID]FaultFunc),
		latency:  make(map[types.PeerID]time.Duration),
	}
}

func (n *MemoryNetwork) Register(id types.PeerID, svc protocol.VaultService) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.services[id] = svc
	delete(n.down, id)
}

func (n *MemoryNetwork) Unregister(id types.PeerID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.services, id)
}

// Disconnect makes id unreachable without unregistering it.
func (n *MemoryNetwork) Disconnect(id types.PeerID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.down[id] = true
}

func (n *MemoryNetwork) Reconnect(id types.PeerID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.down, id)
}

// SetFault installs fn for calls to id; nil removes it.
func (n *MemoryNetwork) SetFault(id types.PeerID, fn FaultFunc) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if fn == nil {
		delete(n.faults, id)
		return
	}
	n.faults[id] = fn
}

// SetLatency delays every call delivered to id.
func (n *MemoryNetwork) SetLatency(id types.PeerID, d time.Duration) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.latency[id] = d
}

func (n *MemoryNetwork) Dial(ctx context.Context, contact types.Contact) (protocol.VaultService, error) {
	return &memoryClient{net: n, target: contact.ID}, nil
}

func (n *MemoryNetwork) route(ctx context.Context, target types.PeerID, method string) (protocol.VaultService, error) {
	n.mu.RLock()
	svc, ok := n.services[target]
	down := n.down[target]
	fault := n.faults[target]
	delay := n.latency[target]
	n.mu.RUnlock()

	if !ok || down {
		return nil, fmt.Errorf("%w: peer %s unreachable", types.ErrNetwork, target.Short())
	}
	if fault != nil {
		if err := fault(method); err != nil {
			return nil, err
		}
	}
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %v", types.ErrNetwork, ctx.Err())
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrNetwork, err)
	}
	return svc, nil
}

func (n *MemoryNetwork) copy(src, dst interface{}) error {
	data, err := n.codec.Marshal(src)
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}
	if err := n.codec.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("failed to decode message: %w", err)
	}
	return nil
}

func deliver[Req any, Resp any](ctx context.Context, c *memoryClient, method string, req *Req, call func(protocol.VaultService, context.Context, *Req) (*Resp, error)) (*Resp, error) {
	svc, err := c.net.route(ctx, c.target, method)
	if err != nil {
		return nil, err
	}
	in := new(Req)
	if err := c.net.copy(req, in); err != nil {
		return nil, err
	}
	resp, err := call(svc, ctx, in)
	if err != nil {
		return nil, protocol.FromStatus(protocol.ToStatus(err))
	}
	out := new(Resp)
	if err := c.net.copy(resp, out); err != nil {
		return nil, err
	}
	return out, nil
}

type memoryClient struct {
	net    *MemoryNetwork
	target types.PeerID
}

func (c *memoryClient) StorePrep(ctx context.Context, req *protocol.StorePrepRequest) (*protocol.StorePrepResponse, error) {
	return deliver(ctx, c, "StorePrep", req, protocol.VaultService.StorePrep)
}

func (c *memoryClient) StoreChunk(ctx context.Context, req *protocol.StoreChunkRequest) (*protocol.StoreChunkResponse, error) {
	return deliver(ctx, c, "StoreChunk", req, protocol.VaultService.StoreChunk)
}

func (c *memoryClient) StoreIOU(ctx context.Context, req *protocol.StoreIOURequest) (*protocol.StoreIOUResponse, error) {
	return deliver(ctx, c, "StoreIOU", req, protocol.VaultService.StoreIOU)
}

func (c *memoryClient) IOUDone(ctx context.Context, req *protocol.IOUDoneRequest) (*protocol.IOUDoneResponse, error) {
	return deliver(ctx, c, "IOUDone", req, protocol.VaultService.IOUDone)
}

func (c *memoryClient) CheckChunk(ctx context.Context, req *protocol.CheckChunkRequest) (*protocol.CheckChunkResponse, error) {
	return deliver(ctx, c, "CheckChunk", req, protocol.VaultService.CheckChunk)
}

func (c *memoryClient) GetChunk(ctx context.Context, req *protocol.GetChunkRequest) (*protocol.GetChunkResponse, error) {
	return deliver(ctx, c, "GetChunk", req, protocol.VaultService.GetChunk)
}

func (c *memoryClient) DeleteChunk(ctx context.Context, req *protocol.DeleteChunkRequest) (*protocol.DeleteChunkResponse, error) {
	return deliver(ctx, c, "DeleteChunk", req, protocol.VaultService.DeleteChunk)
}

func (c *memoryClient) SwapChunk(ctx context.Context, req *protocol.SwapChunkRequest) (*protocol.SwapChunkResponse, error) {
	return deliver(ctx, c, "SwapChunk", req, protocol.VaultService.SwapChunk)
}

func (c *memoryClient) ValidityCheck(ctx context.Context, req *protocol.ValidityCheckRequest) (*protocol.ValidityCheckResponse, error) {
	return deliver(ctx, c, "ValidityCheck", req, protocol.VaultService.ValidityCheck)
}

func (c *memoryClient) StorePacket(ctx context.Context, req *protocol.StorePacketRequest) (*protocol.StorePacketResponse, error) {
	return deliver(ctx, c, "StorePacket", req, protocol.VaultService.StorePacket)
}

func (c *memoryClient) LoadPacket(ctx context.Context, req *protocol.LoadPacketRequest) (*protocol.LoadPacketResponse, error) {
	return deliver(ctx, c, "LoadPacket", req, protocol.VaultService.LoadPacket)
}

func (c *memoryClient) DeletePacket(ctx context.Context, req *protocol.DeletePacketRequest) (*protocol.DeletePacketResponse, error) {
	return deliver(ctx, c, "DeletePacket", req, protocol.VaultService.DeletePacket)
}

func (c *memoryClient) GetMessages(ctx context.Context, req *protocol.GetMessagesRequest) (*protocol.GetMessagesResponse, error) {
	return deliver(ctx, c, "GetMessages", req, protocol.VaultService.GetMessages)
}

func (c *memoryClient) AmendAccount(ctx context.Context, req *protocol.AmendAccountRequest) (*protocol.AmendAccountResponse, error) {
	return deliver(ctx, c, "AmendAccount", req, protocol.VaultService.AmendAccount)
}

func (c *memoryClient) AccountStatus(ctx context.Context, req *protocol.AccountStatusRequest) (*protocol.AccountStatusResponse, error) {
	return deliver(ctx, c, "AccountStatus", req, protocol.VaultService.AccountStatus)
}

func (c *memoryClient) Ping(ctx context.Context, req *protocol.PingRequest) (*protocol.PingResponse, error) {
	return deliver(ctx, c, "Ping", req, protocol.VaultService.Ping)
}
