package protocol

import (
	"context"

	"vaultnet/pkg/types"
)

// VaultService is implemented by vaults and by every client stub that talks
// to one. Errors crossing the wire are gRPC status errors; see ToStatus.
type VaultService interface {
	StorePrep(ctx context.Context, req *StorePrepRequest) (*StorePrepResponse, error)
	StoreChunk(ctx context.Context, req *StoreChunkRequest) (*StoreChunkResponse, error)
	StoreIOU(ctx context.Context, req *StoreIOURequest) (*StoreIOUResponse, error)
	IOUDone(ctx context.Context, req *IOUDoneRequest) (*IOUDoneResponse, error)
	CheckChunk(ctx context.Context, req *CheckChunkRequest) (*CheckChunkResponse, error)
	GetChunk(ctx context.Context, req *GetChunkRequest) (*GetChunkResponse, error)
	DeleteChunk(ctx context.Context, req *DeleteChunkRequest) (*DeleteChunkResponse, error)
	SwapChunk(ctx context.Context, req *SwapChunkRequest) (*SwapChunkResponse, error)
	ValidityCheck(ctx context.Context, req *ValidityCheckRequest) (*ValidityCheckResponse, error)
	StorePacket(ctx context.Context, req *StorePacketRequest) (*StorePacketResponse, error)
	LoadPacket(ctx context.Context, req *LoadPacketRequest) (*LoadPacketResponse, error)
	DeletePacket(ctx context.Context, req *DeletePacketRequest) (*DeletePacketResponse, error)
	GetMessages(ctx context.Context, req *GetMessagesRequest) (*GetMessagesResponse, error)
	AmendAccount(ctx context.Context, req *AmendAccountRequest) (*AmendAccountResponse, error)
	AccountStatus(ctx context.Context, req *AccountStatusRequest) (*AccountStatusResponse, error)
	Ping(ctx context.Context, req *PingRequest) (*PingResponse, error)
}

// Dialer resolves a contact to a callable VaultService.
type Dialer interface {
	Dial(ctx context.Context, contact types.Contact) (VaultService, error)
}
