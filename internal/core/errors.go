package core

import (
	"errors"
	"fmt"
)

// Error taxonomy for store mutations. Handlers and the facade compare these
// with errors.Is; adapters wrap transport detail around them.
var (
	// ErrPermissionDenied: role-gated operation by the wrong role, or a
	// target row not owned by the caller. Never retried.
	ErrPermissionDenied = errors.New("permission denied")
	// ErrNotFound: the target row is gone or was never there.
	ErrNotFound = errors.New("not found")
	// ErrTransient: network or store hiccup on a mutating call. Retried
	// with bounded backoff before being surfaced.
	ErrTransient = errors.New("transient store error")
)

// ConnectReason classifies a failed media connect attempt.
type ConnectReason string

const (
	ReasonTokenRejected ConnectReason = "token_rejected"
	ReasonNetworkError  ConnectReason = "network_error"
	ReasonServerError   ConnectReason = "server_error"
)

// ConnectError reports why a media session could not be established.
// The caller may retry by calling Connect again on a fresh controller.
type ConnectError struct {
	Reason ConnectReason
	Err    error
}

func (e *ConnectError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("media connect failed (%s): %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("media connect failed (%s)", e.Reason)
}

func (e *ConnectError) Unwrap() error { return e.Err }
