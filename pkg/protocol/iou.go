package protocol

import (
	"fmt"

	"vaultnet/pkg/crypto"
	"vaultnet/pkg/types"
)

// NewAuthority signs the storing vault's consent to hold name.
func NewAuthority(vault *crypto.Identity, name types.ChunkName, size int64) IOUAuthority {
	return IOUAuthority{
		ChunkName:   name,
		DataSize:    size,
		RecipientID: vault.ID,
		Signature:   vault.Sign(crypto.AuthorityBytes(name, size, vault.ID)),
	}
}

// Verify checks the authority was issued by holder for name and size.
func (a IOUAuthority) Verify(holder types.Contact, name types.ChunkName, size int64) error {
	if a.ChunkName != name || a.DataSize != size {
		return fmt.Errorf("%w: authority is for %s/%d, want %s/%d",
			types.ErrIntegrity, a.ChunkName.Short(), a.DataSize, name.Short(), size)
	}
	if a.RecipientID != holder.ID {
		return fmt.Errorf("%w: authority names %s, not %s", types.ErrIntegrity, a.RecipientID.Short(), holder.ID.Short())
	}
	if !crypto.VerifyIdentity(holder.ID, holder.PublicKey, holder.SignedPublicKey) {
		return fmt.Errorf("%w: identity of storing vault %s does not verify", types.ErrIntegrity, holder.ID.Short())
	}
	if !crypto.VerifySignature(crypto.AuthorityBytes(a.ChunkName, a.DataSize, a.RecipientID), a.Signature, holder.PublicKey) {
		return fmt.Errorf("%w: authority signature does not verify", types.ErrIntegrity)
	}
	return nil
}

// NewIOU co-signs authority. A nil requester produces an anonymous IOU.
func NewIOU(authority IOUAuthority, requester *crypto.Identity) IOU {
	iou := IOU{Authority: authority}
	if requester == nil {
		iou.RequesterSignature = crypto.AnonymousSignature
		return iou
	}
	iou.RequesterID = requester.ID
	iou.RequesterPublicKey = requester.PublicKey()
	iou.RequesterSignature = requester.Sign(iou.requesterBytes())
	return iou
}

func (iou IOU) requesterBytes() []byte {
	a := iou.Authority
	return crypto.RequesterBytes(crypto.AuthorityBytes(a.ChunkName, a.DataSize, a.RecipientID), a.Signature, iou.RequesterID)
}

// Anonymous reports whether the IOU was issued without a requester identity.
func (iou IOU) Anonymous() bool {
	return iou.RequesterID == ""
}

// VerifyRequester checks the requester's co-signature.
func (iou IOU) VerifyRequester() error {
	if iou.Anonymous() {
		if !crypto.IsAnonymous(iou.RequesterSignature) {
			return fmt.Errorf("%w: malformed anonymous IOU", types.ErrIntegrity)
		}
		return nil
	}
	if !crypto.VerifySignature(iou.requesterBytes(), iou.RequesterSignature, iou.RequesterPublicKey) {
		return fmt.Errorf("%w: requester signature on IOU does not verify", types.ErrIntegrity)
	}
	return nil
}

// Countersign is a reference holder accepting custody of the IOU's chunk.
func (iou IOU) Countersign(holder *crypto.Identity) Countersignature {
	return Countersignature{
		HolderID:  holder.ID,
		PublicKey: holder.PublicKey(),
		Signature: holder.Sign(crypto.CountersignBytes(iou.requesterBytes(), iou.RequesterSignature)),
	}
}

// VerifyCountersignature checks cs was produced by holder over this IOU.
func (iou IOU) VerifyCountersignature(cs Countersignature, holder types.Contact) error {
	if cs.HolderID != holder.ID {
		return fmt.Errorf("%w: countersignature from %s, expected %s", types.ErrIntegrity, cs.HolderID.Short(), holder.ID.Short())
	}
	key := holder.PublicKey
	if len(key) == 0 {
		key = cs.PublicKey
	}
	if !crypto.VerifySignature(crypto.CountersignBytes(iou.requesterBytes(), iou.RequesterSignature), cs.Signature, key) {
		return fmt.Errorf("%w: countersignature from %s does not verify", types.ErrIntegrity, holder.ID.Short())
	}
	return nil
}
