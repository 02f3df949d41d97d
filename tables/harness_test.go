// Copyright 2025 HG Sayim
// SPDX-License-Identifier: Apache-2.0

package tables

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
	"github.com/hgsayim/mekan-sub000/syncer"
)

// fakeClock is a hand-advanced clock shared by the lifecycle and guards.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 6, 1, 20, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// memRemote is an in-memory remote.Store with injectable write failures.
type memRemote struct {
	mu      sync.Mutex
	rows    map[pos.EntityType]map[string]remote.Row
	deleted map[pos.EntityType]map[string]time.Time

	writeCalls int
	failAtCall int // 1-based write-call index to fail once, 0 disables

	// beforeWrite runs outside the lock before Insert/Update apply, so a
	// test can block or observe a specific write in flight.
	beforeWrite func(typ pos.EntityType, id string)
}

func newMemRemote() *memRemote {
	return &memRemote{
		rows:    make(map[pos.EntityType]map[string]remote.Row),
		deleted: make(map[pos.EntityType]map[string]time.Time),
	}
}

func (m *memRemote) checkWrite() error {
	m.writeCalls++
	if m.failAtCall != 0 && m.writeCalls == m.failAtCall {
		return fmt.Errorf("mem remote: %w", pos.ErrRemoteUnreachable)
	}
	return nil
}

func (m *memRemote) FetchAll(_ context.Context, typ pos.EntityType) ([]remote.Row, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]remote.Row, 0, len(m.rows[typ]))
	for _, r := range m.rows[typ] {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memRemote) Fetch(_ context.Context, typ pos.EntityType, id string) (*remote.Row, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rows[typ][id]
	if !ok {
		return nil, fmt.Errorf("fetch %s/%s: %w", typ, id, pos.ErrNotFound)
	}
	return &r, nil
}

func (m *memRemote) FetchChangedSince(_ context.Context, typ pos.EntityType, since time.Time) ([]remote.Row, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []remote.Row
	for _, r := range m.rows[typ] {
		if r.UpdatedAt.After(since) {
			out = append(out, r)
		}
	}
	for id, at := range m.deleted[typ] {
		if at.After(since) {
			out = append(out, remote.Row{ID: id, UpdatedAt: at, Deleted: true})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	return out, nil
}

func (m *memRemote) Insert(_ context.Context, typ pos.EntityType, row remote.Row) error {
	if m.beforeWrite != nil {
		m.beforeWrite(typ, row.ID)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkWrite(); err != nil {
		return err
	}
	m.upsert(typ, row)
	return nil
}

func (m *memRemote) Update(_ context.Context, typ pos.EntityType, row remote.Row) error {
	if m.beforeWrite != nil {
		m.beforeWrite(typ, row.ID)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkWrite(); err != nil {
		return err
	}
	m.upsert(typ, row)
	return nil
}

func (m *memRemote) upsert(typ pos.EntityType, row remote.Row) {
	if m.rows[typ] == nil {
		m.rows[typ] = make(map[string]remote.Row)
	}
	if row.UpdatedAt.IsZero() {
		row.UpdatedAt = time.Now().UTC()
	}
	m.rows[typ][row.ID] = row
	delete(m.deleted[typ], row.ID)
}

func (m *memRemote) Delete(_ context.Context, typ pos.EntityType, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkWrite(); err != nil {
		return err
	}
	delete(m.rows[typ], id)
	if m.deleted[typ] == nil {
		m.deleted[typ] = make(map[string]time.Time)
	}
	m.deleted[typ][id] = time.Now().UTC()
	return nil
}

// getRemote reads an entity straight out of the fake remote.
func getRemote[T any](t *testing.T, m *memRemote, typ pos.EntityType, id string) *T {
	t.Helper()
	r, err := m.Fetch(context.Background(), typ, id)
	require.NoError(t, err)
	var v T
	require.NoError(t, json.Unmarshal(r.Payload, &v))
	return &v
}

type harness struct {
	lc    *Lifecycle
	eng   *syncer.Engine
	rem   *memRemote
	clock *fakeClock
	ctx   context.Context
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	store, err := cache.NewStore(db, nil)
	require.NoError(t, err)

	rem := newMemRemote()
	eng := syncer.New(store, rem, nil, syncer.DefaultConfig(), nil)

	clock := newFakeClock()
	lc := NewLifecycle(eng, nil)
	lc.now = clock.Now
	lc.guards.now = clock.Now
	lc.sleep = func(context.Context, time.Duration) error { return nil }
	lc.reverifyAttempts = 0 // opted into per-test
	eng.SetSuppressor(lc)

	return &harness{lc: lc, eng: eng, rem: rem, clock: clock, ctx: context.Background()}
}

// put seeds an entity into both the remote and the cache.
func (h *harness) put(t *testing.T, typ pos.EntityType, id string, v any) {
	t.Helper()
	require.NoError(t, h.eng.Create(h.ctx, typ, id, v))
}

func (h *harness) seedMeteredTable(t *testing.T, id string, rate float64, open bool) *pos.Table {
	t.Helper()
	tbl := &pos.Table{
		ID:        id,
		Name:      "Masa " + id,
		Kind:      pos.TableMetered,
		MeterRate: rate,
		UpdatedAt: h.clock.Now(),
	}
	if open {
		at := h.clock.Now()
		tbl.Active = true
		tbl.OpenTime = &at
	} else {
		at := h.clock.Now().Add(-time.Hour)
		tbl.CloseTime = &at
	}
	h.put(t, pos.EntityTables, id, tbl)
	return tbl
}

func (h *harness) seedProduct(t *testing.T, id string, price float64, stock *float64) *pos.Product {
	t.Helper()
	p := &pos.Product{ID: id, Name: id, Price: price, Stock: stock, UpdatedAt: h.clock.Now()}
	h.put(t, pos.EntityProducts, id, p)
	return p
}

func ptr(v float64) *float64 { return &v }
