package protocol

import (
	"fmt"

	"vaultnet/pkg/crypto"
	"vaultnet/pkg/types"
)

// NewCredentials signs a request for targetKey addressed to recipient. A nil
// identity or Anonymous visibility yields the anonymous signature.
func NewCredentials(id *crypto.Identity, visibility types.Visibility, targetKey string, recipient types.PeerID) Credentials {
	if id == nil || visibility == types.Anonymous {
		return Credentials{
			RequestSignature: crypto.AnonymousSignature,
			Visibility:       types.Anonymous,
		}
	}
	return Credentials{
		SenderID:         id.ID,
		PublicKey:        id.PublicKey(),
		SignedPublicKey:  id.SignedPublicKey,
		RequestSignature: id.RequestSignature(targetKey, recipient),
		Visibility:       visibility,
	}
}

// Verify checks the sender's identity and request signature for targetKey
// addressed to recipient. Anonymous credentials only need the anonymous
// signature.
func (c Credentials) Verify(targetKey string, recipient types.PeerID) error {
	if c.Visibility == types.Anonymous {
		if !crypto.IsAnonymous(c.RequestSignature) {
			return fmt.Errorf("%w: malformed anonymous signature", types.ErrIntegrity)
		}
		return nil
	}
	if c.SenderID == "" {
		return fmt.Errorf("%w: missing sender", types.ErrInvalidRequest)
	}
	if !crypto.VerifyIdentity(c.SenderID, c.PublicKey, c.SignedPublicKey) {
		return fmt.Errorf("%w: identity of %s does not verify", types.ErrIntegrity, c.SenderID.Short())
	}
	if !crypto.VerifyRequest(c.PublicKey, c.SignedPublicKey, c.RequestSignature, targetKey, recipient) {
		return fmt.Errorf("%w: request signature from %s does not verify", types.ErrIntegrity, c.SenderID.Short())
	}
	return nil
}

// Anonymous reports whether the request carries no real identity.
func (c Credentials) Anonymous() bool {
	return c.Visibility == types.Anonymous
}
