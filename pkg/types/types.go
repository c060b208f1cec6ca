package types

import (
	"encoding/hex"
	"fmt"
	"time"
)

// KeySize is the length in bytes of every network key (SHA-512 digest).
const KeySize = 64

// ChunkName is the lowercase hex encoding of a chunk's SHA-512 digest.
type ChunkName string

// PeerID identifies a key pair on the network (vault PMID, user MAID or share MSID).
type PeerID string

func (n ChunkName) Bytes() ([]byte, error) {
	b, err := hex.DecodeString(string(n))
	if err != nil {
		return nil, fmt.Errorf("invalid chunk name: %w", err)
	}
	if len(b) != KeySize {
		return nil, fmt.Errorf("invalid chunk name length %d", len(b))
	}
	return b, nil
}

func (n ChunkName) Valid() bool {
	_, err := n.Bytes()
	return err == nil
}

// Short returns a prefix suitable for log lines.
func (n ChunkName) Short() string {
	if len(n) > 12 {
		return string(n[:12])
	}
	return string(n)
}

func (p PeerID) Short() string {
	if len(p) > 12 {
		return string(p[:12])
	}
	return string(p)
}

// Contact is how a peer is reached. SignedPublicKey lets a receiver check
// that ID belongs to PublicKey.
type Contact struct {
	ID              PeerID
	Address         string
	PublicKey       []byte
	SignedPublicKey []byte
}

func (c Contact) String() string {
	return fmt.Sprintf("%s@%s", c.ID.Short(), c.Address)
}

type ChunkState int

const (
	ChunkStored ChunkState = iota
	ChunkOutgoing
	ChunkIncoming
	ChunkCached
)

var chunkStateNames = map[ChunkState]string{
	ChunkStored:   "stored",
	ChunkOutgoing: "outgoing",
	ChunkIncoming: "incoming",
	ChunkCached:   "cached",
}

func (s ChunkState) String() string {
	if name, ok := chunkStateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// AllChunkStates lists states in the order the chunk store indexes them.
var AllChunkStates = []ChunkState{ChunkStored, ChunkOutgoing, ChunkIncoming, ChunkCached}

type Visibility int

const (
	Private Visibility = iota
	PrivateShare
	PublicShare
	Anonymous
)

func (v Visibility) String() string {
	switch v {
	case Private:
		return "private"
	case PrivateShare:
		return "private-share"
	case PublicShare:
		return "public-share"
	case Anonymous:
		return "anonymous"
	}
	return fmt.Sprintf("visibility(%d)", int(v))
}

// ParseVisibility accepts the names produced by Visibility.String.
func ParseVisibility(s string) (Visibility, error) {
	for _, v := range []Visibility{Private, PrivateShare, PublicShare, Anonymous} {
		if v.String() == s {
			return v, nil
		}
	}
	return Private, fmt.Errorf("unknown visibility %q", s)
}

// PacketMode selects whether a packet's key is the hash of its value.
type PacketMode int

const (
	Hashable PacketMode = iota
	NonHashable
)

// IfExists decides what a store does when the key is already present.
type IfExists int

const (
	StoreFailure IfExists = iota
	StoreSuccess
	Overwrite
	Append
)

type AccountStatus struct {
	Offered uint64
	Given   uint64
	Taken   uint64
}

func (s AccountStatus) Available() uint64 {
	if s.Taken >= s.Offered {
		return 0
	}
	return s.Offered - s.Taken
}

// VaultInfo is a point-in-time snapshot of a running vault.
type VaultInfo struct {
	ID         PeerID
	Address    string
	State      string
	Capacity   int64
	Used       int64
	ChunkCount int
	StartedAt  time.Time
}
