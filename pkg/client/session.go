package client

import (
	"fmt"
	"sync"

	"vaultnet/pkg/crypto"
	"vaultnet/pkg/types"
)

// Session holds the key pairs a user signs with: the private identity, the
// public identity shared with contacts, and any private-share identities.
type Session struct {
	identity *crypto.Identity
	public   *crypto.Identity

	mu     sync.RWMutex
	shares map[string]*crypto.Identity
}

func NewSession() (*Session, error) {
	identity, err := crypto.NewIdentity()
	if err != nil {
		return nil, fmt.Errorf("failed to create identity: %w", err)
	}
	public, err := crypto.NewIdentity()
	if err != nil {
		return nil, fmt.Errorf("failed to create public identity: %w", err)
	}
	return NewSessionFrom(identity, public), nil
}

// NewSessionFrom wraps existing identities. public may be nil, in which case
// public shares are signed with identity.
func NewSessionFrom(identity, public *crypto.Identity) *Session {
	if public == nil {
		public = identity
	}
	return &Session{
		identity: identity,
		public:   public,
		shares:   make(map[string]*crypto.Identity),
	}
}

func (s *Session) Identity() *crypto.Identity {
	return s.identity
}

func (s *Session) ID() types.PeerID {
	return s.identity.ID
}

func (s *Session) PublicIdentity() *crypto.Identity {
	return s.public
}

// AddShare creates the key pair for a private share and returns its MSID.
func (s *Session) AddShare() (types.PeerID, error) {
	id, err := crypto.NewIdentity()
	if err != nil {
		return "", fmt.Errorf("failed to create share identity: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.shares[string(id.ID)] = id
	return id.ID, nil
}

// Signer returns the identity that signs requests of the given visibility.
// Anonymous requests have no signer.
func (s *Session) Signer(visibility types.Visibility, msid string) (*crypto.Identity, error) {
	switch visibility {
	case types.Private:
		return s.identity, nil
	case types.PrivateShare:
		s.mu.RLock()
		defer s.mu.RUnlock()
		id, ok := s.shares[msid]
		if !ok {
			return nil, fmt.Errorf("%w: unknown private share %q", types.ErrInvalidRequest, msid)
		}
		return id, nil
	case types.PublicShare:
		return s.public, nil
	case types.Anonymous:
		return nil, nil
	}
	return nil, fmt.Errorf("%w: unknown visibility %d", types.ErrInvalidRequest, visibility)
}
