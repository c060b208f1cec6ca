package types

import "errors"

var (
	// ErrIntegrity is a content hash or signature mismatch. Never retried against the same peer.
	ErrIntegrity = errors.New("integrity check failed")
	// ErrNetwork is a timeout or unreachable peer after retries were exhausted.
	ErrNetwork = errors.New("network failure")
	// ErrQuorum means too few peers acknowledged an IOU or amendment.
	ErrQuorum = errors.New("insufficient acknowledgements")
	// ErrDuplicateKey means the key already exists on the network.
	ErrDuplicateKey = errors.New("key already exists")
	// ErrPermission rejects deletion or modification by a peer lacking rights.
	ErrPermission = errors.New("permission denied")
	// ErrLocalStorage wraps disk I/O failures.
	ErrLocalStorage = errors.New("local storage failure")

	ErrNotFound       = errors.New("not found")
	ErrInvalidRequest = errors.New("invalid request")
	ErrQuota          = errors.New("insufficient space")
	ErrRoleConflict   = errors.New("peer already holds another role for chunk")
	ErrNotStarted     = errors.New("vault not started")
)

// Kind names the terminal error category for CLI output.
func Kind(err error) string {
	switch {
	case err == nil:
		return "OK"
	case errors.Is(err, ErrIntegrity):
		return "IntegrityError"
	case errors.Is(err, ErrQuorum):
		return "QuorumError"
	case errors.Is(err, ErrDuplicateKey):
		return "DuplicateKeyError"
	case errors.Is(err, ErrPermission):
		return "PermissionError"
	case errors.Is(err, ErrLocalStorage):
		return "LocalStorageError"
	case errors.Is(err, ErrNotFound):
		return "NotFound"
	case errors.Is(err, ErrNetwork):
		return "NetworkError"
	}
	return "Error"
}
