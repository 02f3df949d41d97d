// Copyright 2025 HG Sayim
// SPDX-License-Identifier: Apache-2.0

package pos

import (
	"errors"
	"fmt"
)

// Error taxonomy. Background sync swallows (logs) storage and network
// errors; user-initiated operations propagate them to the caller.
var (
	// ErrStorageUnavailable means the local durable store is inoperable.
	// The system degrades to read-through-to-remote rather than crashing.
	ErrStorageUnavailable = errors.New("local storage unavailable")

	// ErrRemoteUnreachable means the backend cannot be reached. Stale
	// cache keeps serving reads; the next poll tick retries silently.
	ErrRemoteUnreachable = errors.New("remote store unreachable")

	// ErrNotFound is returned by lookups for ids that are not present.
	ErrNotFound = errors.New("entity not found")

	// Precondition violations on table lifecycle operations. Reported to
	// the caller, never retried automatically.
	ErrAlreadyOpen   = errors.New("table already open")
	ErrAlreadyClosed = errors.New("table already closed")
	ErrTableSettling = errors.New("table close already in progress")

	// ErrInsufficientStock rejects an add-item against a tracked product
	// without enough stock.
	ErrInsufficientStock = errors.New("insufficient stock")
)

// CloseError reports a multi-step table closure aborted partway. Rollback
// has already been attempted by the time the caller sees this; the
// operation is safe to retry from the top.
type CloseError struct {
	TableID string
	Err     error
}

func (e *CloseError) Error() string {
	return fmt.Sprintf("close table %s: %v", e.TableID, e.Err)
}

func (e *CloseError) Unwrap() error { return e.Err }
