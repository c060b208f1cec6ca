package protocol

import (
	"vaultnet/pkg/types"
)

// Credentials accompany every signed request. RequestSignature covers
// Hash(SignedPublicKey || target key || recipient ID).
type Credentials struct {
	SenderID         types.PeerID
	PublicKey        []byte
	SignedPublicKey  []byte
	RequestSignature []byte
	Visibility       types.Visibility
}

// IOUAuthority is a storing vault's signed consent to hold a chunk.
type IOUAuthority struct {
	ChunkName   types.ChunkName
	DataSize    int64
	RecipientID types.PeerID
	Signature   []byte
}

type Countersignature struct {
	HolderID  types.PeerID
	PublicKey []byte
	Signature []byte
}

// IOU is the authority co-signed by the requester and countersigned by
// reference holders.
type IOU struct {
	Authority          IOUAuthority
	RequesterID        types.PeerID
	RequesterPublicKey []byte
	RequesterSignature []byte
	Countersignatures  []Countersignature
}

type StorePrepRequest struct {
	Credentials Credentials
	ChunkName   types.ChunkName
	DataSize    int64
}

type StorePrepResponse struct {
	Authority IOUAuthority
}

type StoreChunkRequest struct {
	Credentials Credentials
	ChunkName   types.ChunkName
	Data        []byte
}

type StoreChunkResponse struct {
	ChunkName types.ChunkName
}

// StoreIOUMode distinguishes what a reference holder is asked to record.
type StoreIOUMode int

const (
	// IOUStore records a new waiter and the requester as watcher.
	IOUStore StoreIOUMode = iota
	// IOUAppend only adds the requester as watcher of an existing chunk.
	IOUAppend
	// IOUReplicate records a new waiter without touching the watch list.
	IOUReplicate
)

type StoreIOURequest struct {
	Credentials Credentials
	ChunkName   types.ChunkName
	DataSize    int64
	Mode        StoreIOUMode
	IOU         IOU
	Holder      types.Contact
}

type StoreIOUResponse struct {
	Countersignature Countersignature
}

// IOUDoneRequest finalises custody. Sent by the requester to the storing vault
// and by the storing vault to each countersigning reference holder.
type IOUDoneRequest struct {
	Credentials Credentials
	ChunkName   types.ChunkName
	IOU         IOU
	Holder      types.Contact
}

type IOUDoneResponse struct{}

type CheckChunkRequest struct {
	ChunkName types.ChunkName
}

type CheckChunkResponse struct {
	HasChunk  bool
	HasPacket bool
	State     types.ChunkState
}

type GetChunkRequest struct {
	ChunkName types.ChunkName
	Relay     bool
}

type GetChunkResponse struct {
	Content []byte
	Cached  bool
}

type DeleteChunkRequest struct {
	Credentials Credentials
	ChunkName   types.ChunkName
	// CopyOnly asks a storing vault to drop its copy. Only accepted from a
	// peer among the K closest to the chunk name.
	CopyOnly bool
}

type DeleteChunkResponse struct {
	Imploded bool
}

type SwapChunkRequest struct {
	Credentials  Credentials
	WantName     types.ChunkName
	OfferName    types.ChunkName
	OfferContent []byte
}

type SwapChunkResponse struct {
	Content       []byte
	OfferAccepted bool
}

type ValidityCheckRequest struct {
	ChunkName types.ChunkName
	Nonce     []byte
}

type ValidityCheckResponse struct {
	HashContent []byte
}

type StorePacketRequest struct {
	Credentials Credentials
	Key         string
	Value       []byte
	Mode        types.PacketMode
	IfExists    types.IfExists
}

type StorePacketResponse struct{}

type LoadPacketRequest struct {
	Key string
}

type LoadPacketResponse struct {
	Values [][]byte
}

type DeletePacketRequest struct {
	Credentials Credentials
	Key         string
}

type DeletePacketResponse struct{}

type GetMessagesRequest struct {
	Credentials Credentials
	Key         string
}

type GetMessagesResponse struct {
	Messages [][]byte
}

// AccountField selects which ledger column an amendment touches.
type AccountField int

const (
	FieldOffered AccountField = iota
	FieldGiven
	FieldTaken
)

func (f AccountField) String() string {
	switch f {
	case FieldOffered:
		return "offered"
	case FieldGiven:
		return "given"
	case FieldTaken:
		return "taken"
	}
	return "unknown"
}

type AmendAccountRequest struct {
	Credentials Credentials
	Subject     types.PeerID
	AmendmentID string
	Field       AccountField
	Amount      uint64
	Increase    bool
	Create      bool
	Signature   []byte
}

type AmendAccountResponse struct{}

type AccountStatusRequest struct {
	Subject types.PeerID
	// NoForward stops a holder missing the record from consulting its peers.
	NoForward bool
}

type AccountStatusResponse struct {
	Status types.AccountStatus
}

type PingRequest struct {
	Sender types.Contact
}

type PingResponse struct {
	ID types.PeerID
}
