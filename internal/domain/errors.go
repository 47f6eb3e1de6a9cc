package domain

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound is returned when a source or target entity does not exist
	ErrNotFound = errors.New("not found")
	// ErrUnauthorized is returned when the source rejects the credentials
	ErrUnauthorized = errors.New("unauthorized")
)

// ConnectorError is returned by the source connector once a call has failed
// for good, either because the error is not retryable or because the retry
// budget ran out.
type ConnectorError struct {
	Op       string
	Attempts int
	Err      error
}

func (e *ConnectorError) Error() string {
	if e.Attempts > 1 {
		return fmt.Sprintf("source %s failed after %d attempts: %v", e.Op, e.Attempts, e.Err)
	}
	return fmt.Sprintf("source %s failed: %v", e.Op, e.Err)
}

func (e *ConnectorError) Unwrap() error { return e.Err }

// RateLimitedError signals an HTTP 429 from the source. RetryAfter is the
// server's hint, or the default delay when it sent none.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited (retry after %s)", e.RetryAfter)
}

// RetryHint exposes the server-provided delay to the retry policy
func (e *RateLimitedError) RetryHint() time.Duration { return e.RetryAfter }

// MappingConflictError is returned when a ledger insert would bind an
// already-mapped source entity to a different target.
type MappingConflictError struct {
	Type           EntityType
	SourceID       string
	ExistingTarget string
	ProposedTarget string
}

func (e *MappingConflictError) Error() string {
	return fmt.Sprintf("mapping conflict for %s %s: mapped to %s, refusing %s",
		e.Type, e.SourceID, e.ExistingTarget, e.ProposedTarget)
}

// StoreWriteError wraps a failed target write
type StoreWriteError struct {
	Op  string
	Err error
}

func (e *StoreWriteError) Error() string {
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

func (e *StoreWriteError) Unwrap() error { return e.Err }

// UnresolvedReferenceError is returned when an entity points at something
// that has not been mapped yet (for example a card whose list was never synced).
type UnresolvedReferenceError struct {
	Type      EntityType
	SourceID  string
	Reference string
	Reason    string
}

func (e *UnresolvedReferenceError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("%s %s: unresolved %s: %s", e.Type, e.SourceID, e.Reference, e.Reason)
	}
	return fmt.Sprintf("%s %s: unresolved %s", e.Type, e.SourceID, e.Reference)
}

// IsSkip reports whether err marks an entity as skipped rather than failed
func IsSkip(err error) bool {
	var unresolved *UnresolvedReferenceError
	var conflict *MappingConflictError
	return errors.As(err, &unresolved) || errors.As(err, &conflict)
}

// IsSystemic reports whether err should abort the whole run
func IsSystemic(err error) bool {
	return errors.Is(err, ErrUnauthorized)
}
