package crypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"vaultnet/pkg/types"
)

func TestNameOfIsValidChunkName(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		data := rapid.SliceOf(rapid.Byte()).Draw(t, "data")
		name := NameOf(data)
		if !name.Valid() {
			t.Fatalf("name %q is not a valid chunk name", name)
		}
		if NameOf(data) != name {
			t.Fatalf("hash is not deterministic")
		}
	})
}

func TestIdentityRoundTrip(t *testing.T) {
	id, err := NewIdentity()
	require.NoError(t, err)

	assert.True(t, VerifyIdentity(id.ID, id.PublicKey(), id.SignedPublicKey))
	assert.False(t, VerifyIdentity(types.PeerID("someone-else"), id.PublicKey(), id.SignedPublicKey))

	other, err := NewIdentity()
	require.NoError(t, err)
	assert.False(t, VerifyIdentity(id.ID, other.PublicKey(), id.SignedPublicKey))
}

func TestRequestSignature(t *testing.T) {
	id, err := NewIdentity()
	require.NoError(t, err)
	recipient := types.PeerID("recipient")

	sig := id.RequestSignature("target", recipient)
	assert.True(t, VerifyRequest(id.PublicKey(), id.SignedPublicKey, sig, "target", recipient))
	assert.False(t, VerifyRequest(id.PublicKey(), id.SignedPublicKey, sig, "other-target", recipient))
	assert.False(t, VerifyRequest(id.PublicKey(), id.SignedPublicKey, sig, "target", types.PeerID("x")))
	assert.False(t, IsAnonymous(sig))
	assert.True(t, IsAnonymous(AnonymousSignature))
}

func TestCanonicalBytesAreStable(t *testing.T) {
	name := NameOf([]byte("abc"))
	a := AuthorityBytes(name, 3, "vault")
	b := AuthorityBytes(name, 3, "vault")
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, AuthorityBytes(name, 4, "vault"))

	r := RequesterBytes(a, []byte("sig"), "me")
	assert.NotEqual(t, r, RequesterBytes(a, []byte("sig"), "you"))
	assert.NotEqual(t, CountersignBytes(r, []byte("x")), CountersignBytes(r, []byte("y")))
}
