package protocol

import (
	"context"

	"google.golang.org/grpc"
)

const ServiceName = "vaultnet.Vault"

func fullMethod(method string) string {
	return "/" + ServiceName + "/" + method
}

func unary[Req any, Resp any](method string, call func(VaultService, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(VaultService), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(method)}
			handler := func(ctx context.Context, req interface{}) (interface{}, error) {
				return call(srv.(VaultService), ctx, req.(*Req))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

// ServiceDesc describes the vault RPC service for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*VaultService)(nil),
	Methods: []grpc.MethodDesc{
		unary("StorePrep", VaultService.StorePrep),
		unary("StoreChunk", VaultService.StoreChunk),
		unary("StoreIOU", VaultService.StoreIOU),
		unary("IOUDone", VaultService.IOUDone),
		unary("CheckChunk", VaultService.CheckChunk),
		unary("GetChunk", VaultService.GetChunk),
		unary("DeleteChunk", VaultService.DeleteChunk),
		unary("SwapChunk", VaultService.SwapChunk),
		unary("ValidityCheck", VaultService.ValidityCheck),
		unary("StorePacket", VaultService.StorePacket),
		unary("LoadPacket", VaultService.LoadPacket),
		unary("DeletePacket", VaultService.DeletePacket),
		unary("GetMessages", VaultService.GetMessages),
		unary("AmendAccount", VaultService.AmendAccount),
		unary("AccountStatus", VaultService.AccountStatus),
		unary("Ping", VaultService.Ping),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "vaultnet/vault",
}

// RegisterVaultServer attaches svc to s.
func RegisterVaultServer(s *grpc.Server, svc VaultService) {
	s.RegisterService(&ServiceDesc, svc)
}

// StatusInterceptor maps handler errors onto gRPC status codes.
func StatusInterceptor(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
	resp, err := handler(ctx, req)
	if err != nil {
		return nil, ToStatus(err)
	}
	return resp, nil
}

type vaultClient struct {
	cc grpc.ClientConnInterface
}

// NewVaultClient wraps a connection in a VaultService stub.
func NewVaultClient(cc grpc.ClientConnInterface) VaultService {
	return &vaultClient{cc: cc}
}

func invoke[Req any, Resp any](ctx context.Context, cc grpc.ClientConnInterface, method string, in *Req) (*Resp, error) {
	out := new(Resp)
	if err := cc.Invoke(ctx, fullMethod(method), in, out, grpc.ForceCodec(Codec{})); err != nil {
		return nil, FromStatus(err)
	}
	return out, nil
}

func (c *vaultClient) StorePrep(ctx context.Context, in *StorePrepRequest) (*StorePrepResponse, error) {
	return invoke[StorePrepRequest, StorePrepResponse](ctx, c.cc, "StorePrep", in)
}

func (c *vaultClient) StoreChunk(ctx context.Context, in *StoreChunkRequest) (*StoreChunkResponse, error) {
	return invoke[StoreChunkRequest, StoreChunkResponse](ctx, c.cc, "StoreChunk", in)
}

func (c *vaultClient) StoreIOU(ctx context.Context, in *StoreIOURequest) (*StoreIOUResponse, error) {
	return invoke[StoreIOURequest, StoreIOUResponse](ctx, c.cc, "StoreIOU", in)
}

func (c *vaultClient) IOUDone(ctx context.Context, in *IOUDoneRequest) (*IOUDoneResponse, error) {
	return invoke[IOUDoneRequest, IOUDoneResponse](ctx, c.cc, "IOUDone", in)
}

func (c *vaultClient) CheckChunk(ctx context.Context, in *CheckChunkRequest) (*CheckChunkResponse, error) {
	return invoke[CheckChunkRequest, CheckChunkResponse](ctx, c.cc, "CheckChunk", in)
}

func (c *vaultClient) GetChunk(ctx context.Context, in *GetChunkRequest) (*GetChunkResponse, error) {
	return invoke[GetChunkRequest, GetChunkResponse](ctx, c.cc, "GetChunk", in)
}

func (c *vaultClient) DeleteChunk(ctx context.Context, in *DeleteChunkRequest) (*DeleteChunkResponse, error) {
	return invoke[DeleteChunkRequest, DeleteChunkResponse](ctx, c.cc, "DeleteChunk", in)
}

func (c *vaultClient) SwapChunk(ctx context.Context, in *SwapChunkRequest) (*SwapChunkResponse, error) {
	return invoke[SwapChunkRequest, SwapChunkResponse](ctx, c.cc, "SwapChunk", in)
}

func (c *vaultClient) ValidityCheck(ctx context.Context, in *ValidityCheckRequest) (*ValidityCheckResponse, error) {
	return invoke[ValidityCheckRequest, ValidityCheckResponse](ctx, c.cc, "ValidityCheck", in)
}

func (c *vaultClient) StorePacket(ctx context.Context, in *StorePacketRequest) (*StorePacketResponse, error) {
	return invoke[StorePacketRequest, StorePacketResponse](ctx, c.cc, "StorePacket", in)
}

func (c *vaultClient) LoadPacket(ctx context.Context, in *LoadPacketRequest) (*LoadPacketResponse, error) {
	return invoke[LoadPacketRequest, LoadPacketResponse](ctx, c.cc, "LoadPacket", in)
}

func (c *vaultClient) DeletePacket(ctx context.Context, in *DeletePacketRequest) (*DeletePacketResponse, error) {
	return invoke[DeletePacketRequest, DeletePacketResponse](ctx, c.cc, "DeletePacket", in)
}

func (c *vaultClient) GetMessages(ctx context.Context, in *GetMessagesRequest) (*GetMessagesResponse, error) {
	return invoke[GetMessagesRequest, GetMessagesResponse](ctx, c.cc, "GetMessages", in)
}

func (c *vaultClient) AmendAccount(ctx context.Context, in *AmendAccountRequest) (*AmendAccountResponse, error) {
	return invoke[AmendAccountRequest, AmendAccountResponse](ctx, c.cc, "AmendAccount", in)
}

func (c *vaultClient) AccountStatus(ctx context.Context, in *AccountStatusRequest) (*AccountStatusResponse, error) {
	return invoke[AccountStatusRequest, AccountStatusResponse](ctx, c.cc, "AccountStatus", in)
}

func (c *vaultClient) Ping(ctx context.Context, in *PingRequest) (*PingResponse, error) {
	return invoke[PingRequest, PingResponse](ctx, c.cc, "Ping", in)
}
