package crypto

import (
	"google.golang.org/protobuf/encoding/protowire"

	"vaultnet/pkg/types"
)

// Field numbers of the canonical encodings below. They never change once
// signatures exist in the wild.
const (
	fieldChunkName   protowire.Number = 1
	fieldDataSize    protowire.Number = 2
	fieldRecipient   protowire.Number = 3
	fieldAuthorSig   protowire.Number = 4
	fieldRequester   protowire.Number = 5
	fieldRequestSig  protowire.Number = 6
	fieldAccountName protowire.Number = 7
	fieldField       protowire.Number = 8
	fieldAmount      protowire.Number = 9
	fieldIncrease    protowire.Number = 10
	fieldAmendmentID protowire.Number = 11
)

func appendString(b []byte, num protowire.Number, s string) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendBytes(b []byte, num protowire.Number, v []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendUint(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

// AuthorityBytes is what a storing vault signs when it consents to hold a
// chunk of dataSize bytes.
func AuthorityBytes(name types.ChunkName, dataSize int64, recipient types.PeerID) []byte {
	var b []byte
	b = appendString(b, fieldChunkName, string(name))
	b = appendUint(b, fieldDataSize, uint64(dataSize))
	b = appendString(b, fieldRecipient, string(recipient))
	return b
}

// RequesterBytes is what the store requester co-signs: the authority plus the
// vault's signature over it.
func RequesterBytes(authority, authoritySig []byte, requester types.PeerID) []byte {
	b := append([]byte(nil), authority...)
	b = appendBytes(b, fieldAuthorSig, authoritySig)
	b = appendString(b, fieldRequester, string(requester))
	return b
}

// CountersignBytes is what each reference holder signs to accept custody.
func CountersignBytes(requesterBytes, requesterSig []byte) []byte {
	b := append([]byte(nil), requesterBytes...)
	return appendBytes(b, fieldRequestSig, requesterSig)
}

// AmendmentBytes is the signed body of an account amendment.
func AmendmentBytes(accountName string, field int, amount uint64, increase bool, amendmentID string) []byte {
	var b []byte
	b = appendString(b, fieldAccountName, accountName)
	b = appendUint(b, fieldField, uint64(field))
	b = appendUint(b, fieldAmount, amount)
	b = appendUint(b, fieldIncrease, protowire.EncodeBool(increase))
	b = appendString(b, fieldAmendmentID, amendmentID)
	return b
}
