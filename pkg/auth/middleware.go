package auth

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
)

type contextKey string

const IdentityContextKey contextKey = "identity"

// UnaryServerInterceptor attaches the caller's certificate identity to the
// request context. Callers without a certificate pass through untouched
// unless requireAuth is set.
func UnaryServerInterceptor(requireAuth bool) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		identity, ok := identityFromPeer(ctx)
		if !ok {
			if requireAuth {
				return nil, status.Error(codes.Unauthenticated, "client certificate required")
			}
			return handler(ctx, req)
		}
		return handler(context.WithValue(ctx, IdentityContextKey, identity), req)
	}
}

func identityFromPeer(ctx context.Context) (*Identity, bool) {
	p, ok := peer.FromContext(ctx)
	if !ok {
		return nil, false
	}
	tlsInfo, ok := p.AuthInfo.(credentials.TLSInfo)
	if !ok || len(tlsInfo.State.PeerCertificates) == 0 {
		return nil, false
	}
	identity, err := IdentityFromCert(tlsInfo.State.PeerCertificates[0])
	if err != nil {
		return nil, false
	}
	return identity, true
}

// GetIdentityFromContext retrieves the identity from context
func GetIdentityFromContext(ctx context.Context) (*Identity, bool) {
	identity, ok := ctx.Value(IdentityContextKey).(*Identity)
	return identity, ok
}
