// Copyright 2025 HG Sayim
// SPDX-License-Identifier: Apache-2.0

package syncer

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"

	"github.com/hgsayim/mekan-sub000/cache"
	"github.com/hgsayim/mekan-sub000/pos"
	"github.com/hgsayim/mekan-sub000/remote"
)

// fakeRemote is an in-memory remote.Store with a change log, good enough
// to exercise bootstrap, delta pulls and write-through without Postgres.
type fakeRemote struct {
	mu      sync.Mutex
	rows    map[pos.EntityType]map[string]remote.Row
	deleted map[pos.EntityType]map[string]time.Time

	offline bool // every call fails with ErrRemoteUnreachable
	failOps int  // fail this many write calls, then recover

	inserts int
	updates int
	deletes int
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		rows:    make(map[pos.EntityType]map[string]remote.Row),
		deleted: make(map[pos.EntityType]map[string]time.Time),
	}
}

func (f *fakeRemote) seed(typ pos.EntityType, id string, updatedAt time.Time, payload string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.rows[typ] == nil {
		f.rows[typ] = make(map[string]remote.Row)
	}
	f.rows[typ][id] = remote.Row{ID: id, UpdatedAt: updatedAt, Payload: json.RawMessage(payload)}
}

func (f *fakeRemote) checkAvailable() error {
	if f.offline {
		return fmt.Errorf("fake remote: %w", pos.ErrRemoteUnreachable)
	}
	return nil
}

func (f *fakeRemote) checkWrite() error {
	if err := f.checkAvailable(); err != nil {
		return err
	}
	if f.failOps > 0 {
		f.failOps--
		return fmt.Errorf("fake remote write failed: %w", pos.ErrRemoteUnreachable)
	}
	return nil
}

func (f *fakeRemote) FetchAll(_ context.Context, typ pos.EntityType) ([]remote.Row, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.checkAvailable(); err != nil {
		return nil, err
	}
	out := make([]remote.Row, 0, len(f.rows[typ]))
	for _, r := range f.rows[typ] {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *fakeRemote) Fetch(_ context.Context, typ pos.EntityType, id string) (*remote.Row, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.checkAvailable(); err != nil {
		return nil, err
	}
	r, ok := f.rows[typ][id]
	if !ok {
		return nil, fmt.Errorf("fetch %s/%s: %w", typ, id, pos.ErrNotFound)
	}
	return &r, nil
}

func (f *fakeRemote) FetchChangedSince(_ context.Context, typ pos.EntityType, since time.Time) ([]remote.Row, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.checkAvailable(); err != nil {
		return nil, err
	}
	var out []remote.Row
	for _, r := range f.rows[typ] {
		if r.UpdatedAt.After(since) {
			out = append(out, r)
		}
	}
	for id, at := range f.deleted[typ] {
		if at.After(since) {
			out = append(out, remote.Row{ID: id, UpdatedAt: at, Deleted: true})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	return out, nil
}

func (f *fakeRemote) Insert(_ context.Context, typ pos.EntityType, row remote.Row) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.checkWrite(); err != nil {
		return err
	}
	f.inserts++
	f.upsert(typ, row)
	return nil
}

func (f *fakeRemote) Update(_ context.Context, typ pos.EntityType, row remote.Row) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.checkWrite(); err != nil {
		return err
	}
	f.updates++
	f.upsert(typ, row)
	return nil
}

func (f *fakeRemote) upsert(typ pos.EntityType, row remote.Row) {
	if f.rows[typ] == nil {
		f.rows[typ] = make(map[string]remote.Row)
	}
	if row.UpdatedAt.IsZero() {
		row.UpdatedAt = time.Now().UTC()
	}
	f.rows[typ][row.ID] = row
	delete(f.deleted[typ], row.ID)
}

func (f *fakeRemote) Delete(_ context.Context, typ pos.EntityType, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.checkWrite(); err != nil {
		return err
	}
	f.deletes++
	delete(f.rows[typ], id)
	if f.deleted[typ] == nil {
		f.deleted[typ] = make(map[string]time.Time)
	}
	f.deleted[typ][id] = time.Now().UTC()
	return nil
}

// fixedSuppressor suppresses a fixed (type, id) set.
type fixedSuppressor map[string]bool

func (s fixedSuppressor) Suppressed(typ pos.EntityType, id string) bool {
	return s[string(typ)+"/"+id]
}

func newTestCache(t *testing.T) *cache.Store {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	s, err := cache.NewStore(db, nil)
	require.NoError(t, err)
	return s
}

func newTestEngine(t *testing.T) (*Engine, *fakeRemote, *cache.Store) {
	t.Helper()
	f := newFakeRemote()
	c := newTestCache(t)
	e := New(c, f, nil, DefaultConfig(), nil)
	return e, f, c
}
