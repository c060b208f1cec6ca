package protocol

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"vaultnet/pkg/types"
)

var errorCodes = []struct {
	err  error
	code codes.Code
}{
	{types.ErrIntegrity, codes.DataLoss},
	{types.ErrPermission, codes.PermissionDenied},
	{types.ErrQuota, codes.ResourceExhausted},
	{types.ErrNotFound, codes.NotFound},
	{types.ErrInvalidRequest, codes.InvalidArgument},
	{types.ErrDuplicateKey, codes.AlreadyExists},
	{types.ErrQuorum, codes.Aborted},
	{types.ErrRoleConflict, codes.FailedPrecondition},
	{types.ErrNotStarted, codes.Unavailable},
	{types.ErrNetwork, codes.Unavailable},
	{types.ErrLocalStorage, codes.Internal},
}

// ToStatus converts a handler error into a gRPC status error.
func ToStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return status.Error(codes.DeadlineExceeded, err.Error())
	}
	if errors.Is(err, context.Canceled) {
		return status.Error(codes.Canceled, err.Error())
	}
	for _, ec := range errorCodes {
		if errors.Is(err, ec.err) {
			return status.Error(ec.code, err.Error())
		}
	}
	return status.Error(codes.Unknown, err.Error())
}

// FromStatus converts a gRPC status error back into the error taxonomy.
// Transport failures all become types.ErrNetwork.
func FromStatus(err error) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return fmt.Errorf("%w: %v", types.ErrNetwork, err)
		}
		return err
	}
	switch st.Code() {
	case codes.Unavailable, codes.DeadlineExceeded, codes.Canceled, codes.Internal, codes.Unknown:
		return fmt.Errorf("%w: %s", types.ErrNetwork, st.Message())
	}
	for _, ec := range errorCodes {
		if ec.code == st.Code() {
			return fmt.Errorf("%w: %s", ec.err, st.Message())
		}
	}
	return fmt.Errorf("%w: %s", types.ErrNetwork, st.Message())
}

// IsRetryable reports whether a different peer may succeed where this one failed.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, types.ErrNetwork) || errors.Is(err, types.ErrQuota) || errors.Is(err, types.ErrNotStarted)
}

// IsPoisoned reports whether the peer proved untrustworthy for this operation.
func IsPoisoned(err error) bool {
	return errors.Is(err, types.ErrIntegrity) || errors.Is(err, types.ErrInvalidRequest)
}
