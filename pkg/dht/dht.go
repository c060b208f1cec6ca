// Package dht defines the peer directory the vault network is built on and an
// in-memory implementation of it. Routing-table maintenance is not modelled:
// every joined node sees every other joined node.
package dht

import (
	"bytes"
	"context"
	"encoding/hex"
	"sort"

	"vaultnet/pkg/types"
)

// Directory is the subset of Kademlia the network consumes.
type Directory interface {
	Join(ctx context.Context, bootstrap []types.Contact) error
	Leave(ctx context.Context) error
	// FindValue returns the contacts published under key.
	FindValue(ctx context.Context, key string) ([]types.Contact, error)
	// FindKClosestNodes returns up to K joined nodes ordered by XOR distance to key.
	FindKClosestNodes(ctx context.Context, key string) ([]types.Contact, error)
	// Store publishes contact under key, refreshing its expiry.
	Store(ctx context.Context, key string, contact types.Contact) error
	// Delete withdraws a previously published contact.
	Delete(ctx context.Context, key string, id types.PeerID) error
	Self() types.Contact
}

// keyBytes maps hex keys to raw bytes; anything else is used verbatim.
func keyBytes(key string) []byte {
	if b, err := hex.DecodeString(key); err == nil {
		return b
	}
	return []byte(key)
}

// Distance returns a XOR b, padding the shorter key with zeros.
func Distance(a, b string) []byte {
	x, y := keyBytes(a), keyBytes(b)
	if len(x) < len(y) {
		x, y = y, x
	}
	d := make([]byte, len(x))
	copy(d, x)
	for i := range y {
		d[i] ^= y[i]
	}
	return d
}

// SortByDistance orders contacts by XOR distance of their IDs to key.
func SortByDistance(key string, contacts []types.Contact) {
	sort.SliceStable(contacts, func(i, j int) bool {
		return bytes.Compare(Distance(key, string(contacts[i].ID)), Distance(key, string(contacts[j].ID))) < 0
	})
}

// Closest returns the k contacts nearest to key, skipping excluded IDs.
func Closest(key string, contacts []types.Contact, k int, exclude ...types.PeerID) []types.Contact {
	skip := make(map[types.PeerID]bool, len(exclude))
	for _, id := range exclude {
		skip[id] = true
	}
	out := make([]types.Contact, 0, len(contacts))
	for _, c := range contacts {
		if !skip[c.ID] {
			out = append(out, c)
		}
	}
	SortByDistance(key, out)
	if len(out) > k {
		out = out[:k]
	}
	return out
}
