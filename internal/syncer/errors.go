package syncer

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/rovermatic/fieldsync/internal/transport"
)

// Error taxonomy for sync outcomes. Every failure the engine sees is wrapped
// into exactly one of these so callers can branch on kind instead of on
// strings, and so the propagation rules stay mechanical: network errors
// retry with backoff, auth and storage errors abort the cycle, validation
// errors fail the single item immediately.

// NetworkError is a retryable transport failure: timeout, unreachable host,
// cancelled request.
type NetworkError struct {
	Err error
}

func (e *NetworkError) Error() string { return fmt.Sprintf("network error: %v", e.Err) }
func (e *NetworkError) Unwrap() error { return e.Err }

// AuthError means authentication failed even after a token refresh. The whole
// cycle halts; the user has to sign in again.
type AuthError struct {
	Err error
}

func (e *AuthError) Error() string { return fmt.Sprintf("auth error: %v", e.Err) }
func (e *AuthError) Unwrap() error { return e.Err }

// ValidationError is a permanent per-item failure; the item is failed
// immediately without consuming retry budget.
type ValidationError struct {
	Err error
}

func (e *ValidationError) Error() string { return fmt.Sprintf("validation error: %v", e.Err) }
func (e *ValidationError) Unwrap() error { return e.Err }

// StorageError is a local write failure. Fatal for the current cycle, which
// aborts rather than risk applying on top of a broken store.
type StorageError struct {
	Err error
}

func (e *StorageError) Error() string { return fmt.Sprintf("storage error: %v", e.Err) }
func (e *StorageError) Unwrap() error { return e.Err }

// classifyTransportErr maps a raw transport failure onto the taxonomy
func classifyTransportErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, transport.ErrUnauthorized) {
		return &AuthError{Err: err}
	}
	var statusErr *transport.StatusError
	if errors.As(err, &statusErr) {
		// A 4xx means the server understood and refused the request for good;
		// retrying the same bytes cannot succeed. 5xx is a server hiccup.
		if statusErr.Code >= 400 && statusErr.Code < 500 {
			return &ValidationError{Err: err}
		}
		return &NetworkError{Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled) {
		return &NetworkError{Err: err}
	}
	// Unknown transport failure: treat as network, it is the retryable default
	return &NetworkError{Err: err}
}
