package vault

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/fxamacker/cbor/v2"
	"go.uber.org/zap"

	"vaultnet/pkg/crypto"
	"vaultnet/pkg/kvstore"
	"vaultnet/pkg/protocol"
	"vaultnet/pkg/types"
)

// packet is the record kept for one key. Owner is empty for packets stored
// anonymously, which nobody can later change or delete.
type packet struct {
	Owner    types.PeerID
	OwnerKey []byte
	Mode     types.PacketMode
	Values   [][]byte
}

func (p packet) ownedBy(creds protocol.Credentials) bool {
	return p.Owner != "" && !creds.Anonymous() && p.Owner == creds.SenderID
}

type packetStore struct {
	mu     sync.Mutex
	bucket *kvstore.Bucket
}

func newPacketStore(bucket *kvstore.Bucket) *packetStore {
	return &packetStore{bucket: bucket}
}

func (s *packetStore) Has(key string) bool {
	_, err := s.bucket.Get(key)
	return err == nil
}

func (s *packetStore) get(key string) (packet, error) {
	data, err := s.bucket.Get(key)
	if err != nil {
		return packet{}, err
	}
	var p packet
	if err := cbor.Unmarshal(data, &p); err != nil {
		return packet{}, fmt.Errorf("%w: corrupt packet %s: %v", types.ErrLocalStorage, shortKey(key), err)
	}
	return p, nil
}

// update applies fn to the packet under key. fn receives nil when the key is
// absent and returns nil to delete it.
func (s *packetStore) update(key string, fn func(*packet) (*packet, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bucket.Update(key, func(old []byte) ([]byte, error) {
		var current *packet
		if old != nil {
			var p packet
			if err := cbor.Unmarshal(old, &p); err != nil {
				return nil, fmt.Errorf("%w: corrupt packet %s: %v", types.ErrLocalStorage, shortKey(key), err)
			}
			current = &p
		}
		next, err := fn(current)
		if err != nil || next == nil {
			return nil, err
		}
		return cbor.Marshal(next)
	})
}

func (s *packetStore) store(req *protocol.StorePacketRequest) error {
	creds := req.Credentials
	return s.update(req.Key, func(p *packet) (*packet, error) {
		if p == nil {
			return &packet{
				Owner:    creds.SenderID,
				OwnerKey: creds.PublicKey,
				Mode:     req.Mode,
				Values:   [][]byte{req.Value},
			}, nil
		}
		if p.Mode != req.Mode {
			return nil, fmt.Errorf("%w: packet %s is stored in another mode", types.ErrInvalidRequest, shortKey(req.Key))
		}
		if req.Mode == types.Hashable {
			// The key pins the value, so a repeat store changes nothing.
			return p, nil
		}
		switch req.IfExists {
		case types.StoreFailure:
			return nil, fmt.Errorf("%w: packet %s", types.ErrDuplicateKey, shortKey(req.Key))
		case types.StoreSuccess:
			return p, nil
		case types.Overwrite:
			if !p.ownedBy(creds) {
				return nil, fmt.Errorf("%w: only the owner may overwrite %s", types.ErrPermission, shortKey(req.Key))
			}
			p.Values = [][]byte{req.Value}
			return p, nil
		case types.Append:
			p.Values = append(p.Values, req.Value)
			return p, nil
		}
		return nil, fmt.Errorf("%w: unknown if-exists policy %d", types.ErrInvalidRequest, req.IfExists)
	})
}

func (s *packetStore) delete(key string, creds protocol.Credentials) error {
	return s.update(key, func(p *packet) (*packet, error) {
		if p == nil {
			return nil, fmt.Errorf("%w: packet %s", types.ErrNotFound, shortKey(key))
		}
		if !p.ownedBy(creds) {
			return nil, fmt.Errorf("%w: only the owner may delete %s", types.ErrPermission, shortKey(key))
		}
		return nil, nil
	})
}

// drain returns the packet's values and empties them, keeping the record so
// ownership survives.
func (s *packetStore) drain(key string, creds protocol.Credentials) ([][]byte, error) {
	var values [][]byte
	err := s.update(key, func(p *packet) (*packet, error) {
		if p == nil {
			return nil, fmt.Errorf("%w: packet %s", types.ErrNotFound, shortKey(key))
		}
		if !p.ownedBy(creds) {
			return nil, fmt.Errorf("%w: only the owner may read messages of %s", types.ErrPermission, shortKey(key))
		}
		values = p.Values
		p.Values = nil
		return p, nil
	})
	return values, err
}

func shortKey(key string) string {
	if len(key) > 12 {
		return key[:12]
	}
	return key
}

func (v *Vault) StorePacket(ctx context.Context, req *protocol.StorePacketRequest) (*protocol.StorePacketResponse, error) {
	const method = "StorePacket"
	if err := v.serving(); err != nil {
		return nil, v.reject(method, err)
	}
	if err := req.Credentials.Verify(req.Key, v.identity.ID); err != nil {
		return nil, v.reject(method, err)
	}
	if req.Key == "" {
		return nil, v.reject(method, fmt.Errorf("%w: empty packet key", types.ErrInvalidRequest))
	}
	if req.Mode == types.Hashable && req.Key != string(crypto.NameOf(req.Value)) {
		return nil, v.reject(method, fmt.Errorf("%w: value does not hash to %s", types.ErrIntegrity, shortKey(req.Key)))
	}
	if err := v.packets.store(req); err != nil {
		return nil, v.reject(method, err)
	}
	v.logger.Debug("Packet stored",
		zap.String("key", shortKey(req.Key)),
		zap.Int("if_exists", int(req.IfExists)),
		zap.Int("size", len(req.Value)))
	return &protocol.StorePacketResponse{}, nil
}

func (v *Vault) LoadPacket(ctx context.Context, req *protocol.LoadPacketRequest) (*protocol.LoadPacketResponse, error) {
	const method = "LoadPacket"
	if err := v.serving(); err != nil {
		return nil, v.reject(method, err)
	}
	p, err := v.packets.get(req.Key)
	if err != nil {
		return nil, v.reject(method, err)
	}
	return &protocol.LoadPacketResponse{Values: p.Values}, nil
}

func (v *Vault) DeletePacket(ctx context.Context, req *protocol.DeletePacketRequest) (*protocol.DeletePacketResponse, error) {
	const method = "DeletePacket"
	if err := v.serving(); err != nil {
		return nil, v.reject(method, err)
	}
	if err := req.Credentials.Verify(req.Key, v.identity.ID); err != nil {
		return nil, v.reject(method, err)
	}
	if err := v.packets.delete(req.Key, req.Credentials); err != nil {
		if errors.Is(err, types.ErrNotFound) {
			return nil, err
		}
		return nil, v.reject(method, err)
	}
	return &protocol.DeletePacketResponse{}, nil
}

func (v *Vault) GetMessages(ctx context.Context, req *protocol.GetMessagesRequest) (*protocol.GetMessagesResponse, error) {
	const method = "GetMessages"
	if err := v.serving(); err != nil {
		return nil, v.reject(method, err)
	}
	if err := req.Credentials.Verify(req.Key, v.identity.ID); err != nil {
		return nil, v.reject(method, err)
	}
	messages, err := v.packets.drain(req.Key, req.Credentials)
	if err != nil {
		return nil, v.reject(method, err)
	}
	return &protocol.GetMessagesResponse{Messages: messages}, nil
}
