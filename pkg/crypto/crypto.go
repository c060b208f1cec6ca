// Package crypto provides the hashing, signing and identity primitives used by
// vaults and clients. Names on the network are SHA-512 digests; signatures are
// Ed25519.
package crypto

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"strings"

	"vaultnet/pkg/types"
)

// AnonymousSignature is the publicly known request signature carried by
// anonymous stores. It authenticates nothing.
var AnonymousSignature = []byte(strings.Repeat("f", 2*types.KeySize))

// Hash returns the SHA-512 digest of data.
func Hash(data ...[]byte) []byte {
	h := sha512.New()
	for _, d := range data {
		h.Write(d)
	}
	return h.Sum(nil)
}

// NameOf returns the content address of a chunk.
func NameOf(content []byte) types.ChunkName {
	return types.ChunkName(hex.EncodeToString(Hash(content)))
}

// KeyName hashes an arbitrary string key onto the network key space.
func KeyName(parts ...string) string {
	h := sha512.New()
	for _, p := range parts {
		h.Write([]byte(p))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// NonceHash answers a validity challenge: Hash(content || nonce).
func NonceHash(content, nonce []byte) []byte {
	return Hash(content, nonce)
}

func Sign(data []byte, priv ed25519.PrivateKey) []byte {
	return ed25519.Sign(priv, data)
}

func VerifySignature(data, sig, pub []byte) bool {
	if len(pub) != ed25519.PublicKeySize || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pub), data, sig)
}

type KeyPair struct {
	Public  ed25519.PublicKey
	Private ed25519.PrivateKey
}

func GenerateKeyPair() (*KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate key pair: %w", err)
	}
	return &KeyPair{Public: pub, Private: priv}, nil
}

// Identity is a key pair together with its self-signed public key and the
// network ID derived from both.
type Identity struct {
	Keys            *KeyPair
	SignedPublicKey []byte
	ID              types.PeerID
}

func NewIdentity() (*Identity, error) {
	keys, err := GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	return IdentityFromKeys(keys), nil
}

func IdentityFromKeys(keys *KeyPair) *Identity {
	signed := Sign(keys.Public, keys.Private)
	return &Identity{
		Keys:            keys,
		SignedPublicKey: signed,
		ID:              IDFor(keys.Public, signed),
	}
}

// IDFor derives a peer ID from a public key and its signature.
func IDFor(pub, signedPub []byte) types.PeerID {
	return types.PeerID(hex.EncodeToString(Hash(pub, signedPub)))
}

func (id *Identity) Sign(data []byte) []byte {
	return Sign(data, id.Keys.Private)
}

func (id *Identity) PublicKey() []byte {
	return id.Keys.Public
}

// RequestSignature signs Hash(signedPublicKey || targetKey || recipient).
func (id *Identity) RequestSignature(targetKey string, recipient types.PeerID) []byte {
	return id.Sign(requestDigest(id.SignedPublicKey, targetKey, recipient))
}

func requestDigest(signedPub []byte, targetKey string, recipient types.PeerID) []byte {
	return Hash(signedPub, []byte(targetKey), []byte(recipient))
}

// VerifyIdentity checks that signedPub is pub signed by itself and that id is
// derived from both.
func VerifyIdentity(id types.PeerID, pub, signedPub []byte) bool {
	if !VerifySignature(pub, signedPub, pub) {
		return false
	}
	return IDFor(pub, signedPub) == id
}

// VerifyRequest checks a request signature produced by Identity.RequestSignature.
func VerifyRequest(pub, signedPub, sig []byte, targetKey string, recipient types.PeerID) bool {
	return VerifySignature(requestDigest(signedPub, targetKey, recipient), sig, pub)
}

// IsAnonymous reports whether sig is the anonymous request signature.
func IsAnonymous(sig []byte) bool {
	return bytes.Equal(sig, AnonymousSignature)
}

// RandomNonce returns n random bytes.
func RandomNonce(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("failed to read random bytes: %w", err)
	}
	return b, nil
}
