// Copyright 2025 HG Sayim
// SPDX-License-Identifier: Apache-2.0

// Package remote defines the contract for the system of record the cache
// synchronizes against, together with a Postgres adapter (CRUD, change-log
// delta queries, LISTEN/NOTIFY push feed), a websocket push feed for
// deployments with a realtime endpoint, and staff auth.
package remote

import (
	"context"
	"encoding/json"
	"time"

	"github.com/hgsayim/mekan-sub000/pos"
)

// Op is a row-level change operation.
type Op string

const (
	OpInsert Op = "INSERT"
	OpUpdate Op = "UPDATE"
	OpDelete Op = "DELETE"
)

// Row is one entity row as the remote store sees it. Payload is the full
// entity JSON; Deleted marks a tombstone returned by delta queries.
type Row struct {
	ID        string          `json:"id"`
	UpdatedAt time.Time       `json:"updated_at"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Deleted   bool            `json:"deleted,omitempty"`
}

// ChangeEvent is one push notification from the change feed. Source
// carries the writing device's persisted source id when known, letting
// subscribers drop echoes of their own writes.
type ChangeEvent struct {
	Type   pos.EntityType `json:"type"`
	Op     Op             `json:"op"`
	Source string         `json:"source,omitempty"`
	Row    Row            `json:"row"`
}

// Store is the system-of-record contract consumed by the sync engine. The
// remote store is the sole source of truth on conflict; implementations
// must treat Insert/Update as convergent upserts so that retried writes
// land on the same end state.
type Store interface {
	// FetchAll returns every live row of a type.
	FetchAll(ctx context.Context, typ pos.EntityType) ([]Row, error)

	// Fetch returns a single live row, or pos.ErrNotFound.
	Fetch(ctx context.Context, typ pos.EntityType, id string) (*Row, error)

	// FetchChangedSince returns rows changed strictly after the given
	// instant, deletions included as tombstones, ordered by change time.
	FetchChangedSince(ctx context.Context, typ pos.EntityType, since time.Time) ([]Row, error)

	Insert(ctx context.Context, typ pos.EntityType, row Row) error
	Update(ctx context.Context, typ pos.EntityType, row Row) error
	Delete(ctx context.Context, typ pos.EntityType, id string) error
}

// ChangeFeed is a long-lived push channel multiplexing row-change events
// for all watched entity types. Implementations reconnect silently on drop;
// the channel closes only when ctx is done. Push delivery is a fast-path
// hint, not a guarantee; the poll loop remains the correctness backstop.
type ChangeFeed interface {
	Subscribe(ctx context.Context, types []pos.EntityType) (<-chan ChangeEvent, error)
}
