package dht

import (
	"context"
	"fmt"
	"sync"
	"time"

	"vaultnet/pkg/types"
)

type storedValue struct {
	contact types.Contact
	expires time.Time
}

// MemoryNetwork is a shared, process-local DHT. Each participant gets its own
// Directory view from Node.
type MemoryNetwork struct {
	mu     sync.RWMutex
	k      int
	ttl    time.Duration
	nodes  map[types.PeerID]types.Contact
	values map[string]map[types.PeerID]storedValue
	now    func() time.Time
}

func NewMemoryNetwork(k int, ttl time.Duration) *MemoryNetwork {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &MemoryNetwork{
		k:      k,
		ttl:    ttl,
		nodes:  make(map[types.PeerID]types.Contact),
		values: make(map[string]map[types.PeerID]storedValue),
		now:    time.Now,
	}
}

// SetClock replaces the time source used for value expiry.
func (n *MemoryNetwork) SetClock(now func() time.Time) {
	n.mu.Lock()
	n.now = now
	n.mu.Unlock()
}

// Node returns a Directory acting on behalf of self.
func (n *MemoryNetwork) Node(self types.Contact) Directory {
	return &memoryNode{net: n, self: self}
}

// ClientNode returns a Directory that can look up and publish values but is
// never itself returned as a close node.
func (n *MemoryNetwork) ClientNode(self types.Contact) Directory {
	return &memoryNode{net: n, self: self, client: true}
}

// Contacts lists every joined node.
func (n *MemoryNetwork) Contacts() []types.Contact {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]types.Contact, 0, len(n.nodes))
	for _, c := range n.nodes {
		out = append(out, c)
	}
	return out
}

// Size returns the number of joined nodes.
func (n *MemoryNetwork) Size() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.nodes)
}

type memoryNode struct {
	net    *MemoryNetwork
	self   types.Contact
	client bool
	active bool
}

func (m *memoryNode) Self() types.Contact {
	return m.self
}

func (m *memoryNode) Join(ctx context.Context, bootstrap []types.Contact) error {
	if m.self.ID == "" {
		return fmt.Errorf("cannot join without an ID")
	}
	m.net.mu.Lock()
	defer m.net.mu.Unlock()

	// With bootstrap contacts given, at least one must already be a member.
	reachable := len(bootstrap) == 0
	for _, c := range bootstrap {
		if _, known := m.net.nodes[c.ID]; known || c.ID == m.self.ID {
			reachable = true
			break
		}
	}
	if !reachable {
		return fmt.Errorf("%w: no bootstrap contact reachable", types.ErrNetwork)
	}
	if m.client {
		m.active = true
		return nil
	}
	m.net.nodes[m.self.ID] = m.self
	return nil
}

func (m *memoryNode) Leave(ctx context.Context) error {
	m.net.mu.Lock()
	defer m.net.mu.Unlock()
	if m.client {
		m.active = false
		return nil
	}
	delete(m.net.nodes, m.self.ID)
	return nil
}

// joined must be called with net.mu held.
func (m *memoryNode) joined() bool {
	if m.client {
		return m.active
	}
	_, ok := m.net.nodes[m.self.ID]
	return ok
}

func (m *memoryNode) FindValue(ctx context.Context, key string) ([]types.Contact, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.net.mu.Lock()
	defer m.net.mu.Unlock()
	if !m.joined() {
		return nil, fmt.Errorf("%w: node %s has not joined", types.ErrNetwork, m.self.ID.Short())
	}

	now := m.net.now()
	entries := m.net.values[key]
	out := make([]types.Contact, 0, len(entries))
	for id, v := range entries {
		if now.After(v.expires) {
			delete(entries, id)
			continue
		}
		out = append(out, v.contact)
	}
	if len(entries) == 0 {
		delete(m.net.values, key)
	}
	SortByDistance(key, out)
	return out, nil
}

func (m *memoryNode) FindKClosestNodes(ctx context.Context, key string) ([]types.Contact, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.net.mu.RLock()
	defer m.net.mu.RUnlock()
	if !m.joined() {
		return nil, fmt.Errorf("%w: node %s has not joined", types.ErrNetwork, m.self.ID.Short())
	}
	all := make([]types.Contact, 0, len(m.net.nodes))
	for _, c := range m.net.nodes {
		all = append(all, c)
	}
	return Closest(key, all, m.net.k), nil
}

func (m *memoryNode) Store(ctx context.Context, key string, contact types.Contact) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.net.mu.Lock()
	defer m.net.mu.Unlock()
	if !m.joined() {
		return fmt.Errorf("%w: node %s has not joined", types.ErrNetwork, m.self.ID.Short())
	}
	entries, ok := m.net.values[key]
	if !ok {
		entries = make(map[types.PeerID]storedValue)
		m.net.values[key] = entries
	}
	entries[contact.ID] = storedValue{contact: contact, expires: m.net.now().Add(m.net.ttl)}
	return nil
}

func (m *memoryNode) Delete(ctx context.Context, key string, id types.PeerID) error {
	m.net.mu.Lock()
	defer m.net.mu.Unlock()
	if entries, ok := m.net.values[key]; ok {
		delete(entries, id)
		if len(entries) == 0 {
			delete(m.net.values, key)
		}
	}
	return nil
}
