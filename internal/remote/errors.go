package remote

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// ConflictError means the server's authoritative head hash differs from
// the pushed entry's previous hash: another device appended first. The
// sync engine resolves it by re-chaining atop the returned head.
type ConflictError struct {
	ProjectID         string
	AuthoritativeHead string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("chain head conflict for project %s (authoritative head %s)",
		e.ProjectID, e.AuthoritativeHead)
}

// ValidationError means the server rejected the payload as malformed or
// semantically invalid. Never retried.
type ValidationError struct {
	Detail string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation rejected: %s", e.Detail)
}

// TransientError wraps network failures, timeouts and 5xx responses.
// The sync engine retries these with exponential backoff.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// IsTransient reports whether an error should be retried with backoff.
// Timeouts are treated identically to network errors.
func IsTransient(err error) bool {
	var te *TransientError
	if errors.As(err, &te) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}
