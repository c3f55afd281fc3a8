package model

import (
	"context"
	"errors"
	"strings"
)

var (
	// ErrNotFound is returned when the remote indexer has no entity for a key.
	// For reconciliation this is not an error: it means "remote absent".
	ErrNotFound = errors.New("entity not found")
	// ErrAuthenticationRequired is returned when a mutation is attempted
	// without a valid write credential. No state is touched.
	ErrAuthenticationRequired = errors.New("authentication required")
	// ErrMutationFailed is returned when the remote origin rejects a write
	// or delete. The cache has been rolled back before this surfaces.
	ErrMutationFailed = errors.New("mutation failed")
	// ErrClosed is returned when an operation is attempted on a closed store.
	ErrClosed = errors.New("store is closed")
	// ErrCanceled is returned when the operation is canceled by the caller.
	ErrCanceled = errors.New("operation canceled")
)

// WrapError converts context cancellation to ErrCanceled and passes every
// other error through unchanged.
func WrapError(err error) error {
	if err == nil {
		return nil
	}
	if IsCanceled(err) {
		return ErrCanceled
	}
	return err
}

// IsCanceled returns true if the error is due to context cancellation or
// deadline exceeded, including wrapped errors from drivers.
func IsCanceled(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, ErrCanceled) {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "context canceled") || strings.Contains(errStr, "context deadline exceeded")
}
