// Copyright 2025 HG Sayim
// SPDX-License-Identifier: Apache-2.0

// Package syncer orchestrates synchronization between the local cache and
// the remote store: full bootstrap, watermarked delta pulls, a full
// fetch-and-diff pass for latency-sensitive table rows, push-event
// application, and write-through (with explicit two-phase optimistic
// staging for perceived-latency hiding).
//
// Background sync is best-effort: storage and network errors inside the
// loops are logged and swallowed, never surfaced into the user's foreground
// action. The freshest state always comes from the remote store; the cache
// exists for instant reads.
package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hgsayim/mekan-sub000/cache"
	"github.com/hgsayim/mekan-sub000/pos"
	"github.com/hgsayim/mekan-sub000/remote"
)

// Suppressor lets the table lifecycle veto incoming sync updates for ids
// it is currently guarding (opening/settling windows). A suppressed id is
// skipped by delta pulls, full pulls and push application alike.
type Suppressor interface {
	Suppressed(typ pos.EntityType, id string) bool
}

// Config holds tuning for the engine loops.
type Config struct {
	PollInterval     time.Duration // delta poll tick
	BootstrapTimeout time.Duration // hard bound on initial full load
	DirtyDebounce    time.Duration // coalescing window for dirty signals
	BackoffMin       time.Duration
	BackoffMax       time.Duration
}

// DefaultConfig returns the reference timings.
func DefaultConfig() *Config {
	return &Config{
		PollInterval:     3 * time.Second,
		BootstrapTimeout: 15 * time.Second,
		DirtyDebounce:    150 * time.Millisecond,
		BackoffMin:       1 * time.Second,
		BackoffMax:       60 * time.Second,
	}
}

// Engine is the sync orchestrator. All exported methods are safe for
// concurrent use.
type Engine struct {
	cache  *cache.Store
	remote remote.Store
	feed   remote.ChangeFeed
	cfg    *Config
	logger *slog.Logger

	suppressor Suppressor
	sourceID   string

	// Pause switch (atomic): lets the UI suspend polling while a detail
	// view that must not flicker is open.
	pollPaused int32

	// degraded flips once the local store reports StorageUnavailable;
	// reads then go straight to the remote.
	degraded atomic.Bool

	notifyMu   sync.Mutex
	dirty      map[pos.EntityType]struct{}
	dirtyTimer *time.Timer
	onDirty    func(types []pos.EntityType)

	wg sync.WaitGroup
}

// New creates an engine. feed may be nil when the deployment has no push
// channel; polling alone then carries all propagation.
func New(c *cache.Store, r remote.Store, feed remote.ChangeFeed, cfg *Config, logger *slog.Logger) *Engine {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		cache:  c,
		remote: r,
		feed:   feed,
		cfg:    cfg,
		logger: logger,
		dirty:  make(map[pos.EntityType]struct{}),
	}
}

// SetSuppressor installs the guard-window veto. Must be called before Start.
func (e *Engine) SetSuppressor(s Suppressor) { e.suppressor = s }

// SetSourceID records this device's persisted source id so push events it
// caused itself are dropped instead of re-applied. Must be called before
// Start.
func (e *Engine) SetSourceID(id string) { e.sourceID = id }

// OnDirty installs the debounced view-dirty callback. Must be called before
// Start. The callback receives the entity types that changed since the last
// flush, each at most once.
func (e *Engine) OnDirty(fn func(types []pos.EntityType)) { e.onDirty = fn }

// PausePolling suspends the delta poll loop (push application continues).
func (e *Engine) PausePolling() { atomic.StoreInt32(&e.pollPaused, 1) }

// ResumePolling resumes the delta poll loop.
func (e *Engine) ResumePolling() { atomic.StoreInt32(&e.pollPaused, 0) }

func (e *Engine) pollingPaused() bool { return atomic.LoadInt32(&e.pollPaused) == 1 }

func (e *Engine) suppressed(typ pos.EntityType, id string) bool {
	return e.suppressor != nil && e.suppressor.Suppressed(typ, id)
}

// Degraded reports whether the engine has fallen back to direct-remote
// reads because the local store is unavailable.
func (e *Engine) Degraded() bool { return e.degraded.Load() }

func (e *Engine) noteStorageErr(err error) {
	if errors.Is(err, pos.ErrStorageUnavailable) && !e.degraded.Swap(true) {
		e.logger.Warn("local cache unavailable, degrading to direct-remote reads", "error", err)
	}
}

// markDirty records changed types and schedules a debounced flush, so a
// burst of sync activity produces one re-render signal per type.
func (e *Engine) markDirty(types ...pos.EntityType) {
	if e.onDirty == nil || len(types) == 0 {
		return
	}
	e.notifyMu.Lock()
	defer e.notifyMu.Unlock()
	for _, t := range types {
		e.dirty[t] = struct{}{}
	}
	if e.dirtyTimer == nil {
		e.dirtyTimer = time.AfterFunc(e.cfg.DirtyDebounce, e.flushDirty)
	}
}

func (e *Engine) flushDirty() {
	e.notifyMu.Lock()
	types := make([]pos.EntityType, 0, len(e.dirty))
	for t := range e.dirty {
		types = append(types, t)
	}
	e.dirty = make(map[pos.EntityType]struct{})
	e.dirtyTimer = nil
	e.notifyMu.Unlock()

	if len(types) == 0 {
		return
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	e.onDirty(types)
}

// decode unmarshals a cached/remote payload into the typed entity.
func decode[T any](payload json.RawMessage) (*T, error) {
	var v T
	if err := json.Unmarshal(payload, &v); err != nil {
		return nil, fmt.Errorf("decode entity: %w", err)
	}
	return &v, nil
}

// getEntity reads one entity from the cache, falling back to the remote
// store when local storage is unavailable.
func getEntity[T any](ctx context.Context, e *Engine, typ pos.EntityType, id string) (*T, error) {
	payload, err := e.cache.Get(ctx, typ, id)
	if err != nil {
		if errors.Is(err, pos.ErrNotFound) {
			return nil, err
		}
		e.noteStorageErr(err)
		row, rerr := e.remote.Fetch(ctx, typ, id)
		if rerr != nil {
			return nil, rerr
		}
		return decode[T](row.Payload)
	}
	return decode[T](payload)
}

// allEntities reads every entity of a type, remote fallback included.
func allEntities[T any](ctx context.Context, e *Engine, typ pos.EntityType) ([]T, error) {
	payloads, err := e.cache.GetAll(ctx, typ)
	if err != nil {
		e.noteStorageErr(err)
		rows, rerr := e.remote.FetchAll(ctx, typ)
		if rerr != nil {
			return nil, rerr
		}
		out := make([]T, 0, len(rows))
		for _, row := range rows {
			v, derr := decode[T](row.Payload)
			if derr != nil {
				return nil, derr
			}
			out = append(out, *v)
		}
		return out, nil
	}

	out := make([]T, 0, len(payloads))
	for id, payload := range payloads {
		v, derr := decode[T](payload)
		if derr != nil {
			e.logger.Warn("skipping undecodable cached entity", "type", typ, "id", id, "error", derr)
			continue
		}
		out = append(out, *v)
	}
	return out, nil
}

// Typed getters exposed to the UI layer. Synchronous-feeling: backed by the
// local cache, no network round-trip on the happy path.

func (e *Engine) GetTable(ctx context.Context, id string) (*pos.Table, error) {
	return getEntity[pos.Table](ctx, e, pos.EntityTables, id)
}

func (e *Engine) AllTables(ctx context.Context) ([]pos.Table, error) {
	tables, err := allEntities[pos.Table](ctx, e, pos.EntityTables)
	if err != nil {
		return nil, err
	}
	sort.Slice(tables, func(i, j int) bool { return tables[i].Name < tables[j].Name })
	return tables, nil
}

func (e *Engine) GetProduct(ctx context.Context, id string) (*pos.Product, error) {
	return getEntity[pos.Product](ctx, e, pos.EntityProducts, id)
}

func (e *Engine) AllProducts(ctx context.Context) ([]pos.Product, error) {
	return allEntities[pos.Product](ctx, e, pos.EntityProducts)
}

func (e *Engine) GetSale(ctx context.Context, id string) (*pos.Sale, error) {
	return getEntity[pos.Sale](ctx, e, pos.EntitySales, id)
}

func (e *Engine) AllSales(ctx context.Context) ([]pos.Sale, error) {
	return allEntities[pos.Sale](ctx, e, pos.EntitySales)
}

// OpenSalesForTable returns the table's unsettled sales, oldest first.
func (e *Engine) OpenSalesForTable(ctx context.Context, tableID string) ([]pos.Sale, error) {
	sales, err := e.AllSales(ctx)
	if err != nil {
		return nil, err
	}
	var open []pos.Sale
	for _, s := range sales {
		if s.TableID == tableID && s.Open() {
			open = append(open, s)
		}
	}
	sort.Slice(open, func(i, j int) bool { return open[i].SoldAt.Before(open[j].SoldAt) })
	return open, nil
}

func (e *Engine) GetCustomer(ctx context.Context, id string) (*pos.Customer, error) {
	return getEntity[pos.Customer](ctx, e, pos.EntityCustomers, id)
}

func (e *Engine) AllCustomers(ctx context.Context) ([]pos.Customer, error) {
	return allEntities[pos.Customer](ctx, e, pos.EntityCustomers)
}

func (e *Engine) GetManualSession(ctx context.Context, id string) (*pos.ManualSession, error) {
	return getEntity[pos.ManualSession](ctx, e, pos.EntityManualSessions, id)
}

func (e *Engine) AllExpenses(ctx context.Context) ([]pos.Expense, error) {
	return allEntities[pos.Expense](ctx, e, pos.EntityExpenses)
}

// FetchRemoteTable reads a table row straight from the remote store,
// bypassing the cache and any suppression. Used by closure re-verification.
func (e *Engine) FetchRemoteTable(ctx context.Context, id string) (*pos.Table, error) {
	row, err := e.remote.Fetch(ctx, pos.EntityTables, id)
	if err != nil {
		return nil, err
	}
	return decode[pos.Table](row.Payload)
}

// jsonEqual compares two payloads structurally, ignoring key order.
func jsonEqual(a, b json.RawMessage) bool {
	var av, bv any
	if err := json.Unmarshal(a, &av); err != nil {
		return false
	}
	if err := json.Unmarshal(b, &bv); err != nil {
		return false
	}
	return reflect.DeepEqual(av, bv)
}
