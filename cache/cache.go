// Copyright 2025 HG Sayim
// SPDX-License-Identifier: Apache-2.0

// Package cache implements an embedded, durable store of domain entities
// over SQLite, queried without any network round-trip. Entities are stored
// as JSON payloads keyed by (entity_type, id) with full-replace upsert
// semantics, alongside the per-entity-type last-synced watermark used by
// delta pulls.
package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/hgsayim/mekan-sub000/pos"
)

// Store is the on-device entity cache. All operations touch only the local
// SQLite file. When the underlying store is broken the operations fail with
// pos.ErrStorageUnavailable so callers can degrade to direct-remote reads.
// A nil *Store is valid and fails every operation that way, which lets a
// daemon whose cache file could not be opened keep running degraded.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

var errNilStore = errors.New("cache store not open")

func (s *Store) ready() error {
	if s == nil || s.db == nil {
		return wrapStorage("cache", errNilStore)
	}
	return nil
}

// Open opens (or creates) the cache database at path and initializes the
// schema. Use ":memory:" for tests.
func Open(path string, logger *slog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, wrapStorage("open cache", err)
	}
	s, err := NewStore(db, logger)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewStore wraps an existing SQLite handle and initializes the schema.
func NewStore(db *sql.DB, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{db: db, logger: logger}
	if err := s.initialize(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) initialize() error {
	if _, err := s.db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		return wrapStorage("enable WAL mode", err)
	}
	if _, err := s.db.Exec(`PRAGMA busy_timeout=5000`); err != nil {
		return wrapStorage("set busy timeout", err)
	}

	tables := []string{
		`CREATE TABLE IF NOT EXISTS _cache_entities (
			entity_type TEXT NOT NULL,
			id          TEXT NOT NULL,
			payload     TEXT NOT NULL,
			cached_at   TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now')),
			PRIMARY KEY (entity_type, id)
		)`,

		// Per-entity-type watermark for delta pulls.
		`CREATE TABLE IF NOT EXISTS _cache_sync_state (
			entity_type    TEXT NOT NULL PRIMARY KEY,
			last_synced_at TEXT NOT NULL
		)`,

		// Persisted device identity, generated once per cache file.
		`CREATE TABLE IF NOT EXISTS _cache_client_info (
			id        INTEGER PRIMARY KEY CHECK (id = 1),
			source_id TEXT NOT NULL
		)`,
	}
	for _, ddl := range tables {
		if _, err := s.db.Exec(ddl); err != nil {
			return wrapStorage("create cache table", err)
		}
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Get returns the cached payload for (typ, id), or pos.ErrNotFound.
func (s *Store) Get(ctx context.Context, typ pos.EntityType, id string) (json.RawMessage, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	var payload string
	err := s.db.QueryRowContext(ctx, `
		SELECT payload FROM _cache_entities WHERE entity_type = ? AND id = ?
	`, string(typ), id).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("get %s/%s: %w", typ, id, pos.ErrNotFound)
	}
	if err != nil {
		return nil, wrapStorage(fmt.Sprintf("get %s/%s", typ, id), err)
	}
	return json.RawMessage(payload), nil
}

// GetAll returns every cached payload of the given type, keyed by id.
func (s *Store) GetAll(ctx context.Context, typ pos.EntityType) (map[string]json.RawMessage, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, payload FROM _cache_entities WHERE entity_type = ?
	`, string(typ))
	if err != nil {
		return nil, wrapStorage(fmt.Sprintf("get all %s", typ), err)
	}
	defer rows.Close()

	out := make(map[string]json.RawMessage)
	for rows.Next() {
		var id, payload string
		if err := rows.Scan(&id, &payload); err != nil {
			return nil, wrapStorage(fmt.Sprintf("scan %s row", typ), err)
		}
		out[id] = json.RawMessage(payload)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStorage(fmt.Sprintf("iterate %s rows", typ), err)
	}
	return out, nil
}

// Put upserts a payload: an existing (typ, id) record is replaced entirely.
func (s *Store) Put(ctx context.Context, typ pos.EntityType, id string, payload json.RawMessage) error {
	if err := s.ready(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO _cache_entities (entity_type, id, payload, cached_at)
		VALUES (?, ?, ?, strftime('%Y-%m-%dT%H:%M:%fZ','now'))
	`, string(typ), id, string(payload))
	if err != nil {
		return wrapStorage(fmt.Sprintf("put %s/%s", typ, id), err)
	}
	return nil
}

// Delete removes a record. Deleting an absent id is a no-op.
func (s *Store) Delete(ctx context.Context, typ pos.EntityType, id string) error {
	if err := s.ready(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM _cache_entities WHERE entity_type = ? AND id = ?
	`, string(typ), id)
	if err != nil {
		return wrapStorage(fmt.Sprintf("delete %s/%s", typ, id), err)
	}
	return nil
}

// Clear removes every record of one type and its watermark.
func (s *Store) Clear(ctx context.Context, typ pos.EntityType) error {
	if err := s.ready(); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM _cache_entities WHERE entity_type = ?`, string(typ)); err != nil {
		return wrapStorage(fmt.Sprintf("clear %s", typ), err)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM _cache_sync_state WHERE entity_type = ?`, string(typ)); err != nil {
		return wrapStorage(fmt.Sprintf("clear %s sync state", typ), err)
	}
	return nil
}

// ClearAll wipes the entire cache, watermarks included.
func (s *Store) ClearAll(ctx context.Context) error {
	if err := s.ready(); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM _cache_entities`); err != nil {
		return wrapStorage("clear all entities", err)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM _cache_sync_state`); err != nil {
		return wrapStorage("clear all sync state", err)
	}
	return nil
}

// EnsureSourceID returns the device's persisted source id, generating and
// storing a fresh one on first call. The id survives restarts so a device
// keeps recognizing its own echoes on the push feed.
func (s *Store) EnsureSourceID(ctx context.Context) (string, error) {
	if err := s.ready(); err != nil {
		return "", err
	}
	var sourceID string
	err := s.db.QueryRowContext(ctx, `
		SELECT source_id FROM _cache_client_info WHERE id = 1
	`).Scan(&sourceID)
	if errors.Is(err, sql.ErrNoRows) {
		sourceID = uuid.New().String()
		if _, err := s.db.ExecContext(ctx, `
			INSERT INTO _cache_client_info (id, source_id) VALUES (1, ?)
		`, sourceID); err != nil {
			return "", wrapStorage("persist source id", err)
		}
		return sourceID, nil
	}
	if err != nil {
		return "", wrapStorage("read source id", err)
	}
	return sourceID, nil
}

// LastSyncedAt returns the delta watermark for a type, zero if never synced.
func (s *Store) LastSyncedAt(ctx context.Context, typ pos.EntityType) (time.Time, error) {
	if err := s.ready(); err != nil {
		return time.Time{}, err
	}
	var raw string
	err := s.db.QueryRowContext(ctx, `
		SELECT last_synced_at FROM _cache_sync_state WHERE entity_type = ?
	`, string(typ)).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, wrapStorage(fmt.Sprintf("get %s watermark", typ), err)
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse %s watermark %q: %w", typ, raw, err)
	}
	return t, nil
}

// SetLastSyncedAt persists the delta watermark for a type. Callers are
// responsible for only advancing it forward.
func (s *Store) SetLastSyncedAt(ctx context.Context, typ pos.EntityType, t time.Time) error {
	if err := s.ready(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO _cache_sync_state (entity_type, last_synced_at)
		VALUES (?, ?)
	`, string(typ), t.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return wrapStorage(fmt.Sprintf("set %s watermark", typ), err)
	}
	return nil
}

// wrapStorage tags a low-level SQLite failure with the StorageUnavailable
// taxonomy so callers can match it and degrade.
func wrapStorage(op string, err error) error {
	return fmt.Errorf("%s: %w", op, errors.Join(pos.ErrStorageUnavailable, err))
}
