// Copyright 2025 HG Sayim
// SPDX-License-Identifier: Apache-2.0

package tables

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hgsayim/mekan-sub000/pos"
)

// QuickAdd coalesces rapid repeated taps on the same product into batched
// writes. Operators tap "+1" many times a second during a rush; issuing a
// full AddItem round-trip per tap would both hammer the remote and, worse,
// let writes land out of order. Each (table, product) pair keeps a pending
// delta that is flushed after a short quiet period, with at most one flush
// in flight per pair so batches apply strictly FIFO.
//
// Negative deltas (corrections) are not batched: they run inline through
// ReduceItem so the operator sees the removal confirmed immediately.
type QuickAdd struct {
	lc       *Lifecycle
	debounce time.Duration
	onError  func(tableID, productID string, qty float64, err error)

	mu      sync.Mutex
	entries map[quickKey]*quickEntry

	wg sync.WaitGroup
}

type quickKey struct {
	tableID   string
	productID string
}

type quickEntry struct {
	pending  float64
	timer    *time.Timer
	flushing bool
}

// NewQuickAdd creates the serializer. A debounce of ~100ms batches a
// burst of taps into one write without adding perceptible lag.
func NewQuickAdd(lc *Lifecycle) *QuickAdd {
	return &QuickAdd{
		lc:       lc,
		debounce: 100 * time.Millisecond,
		entries:  make(map[quickKey]*quickEntry),
	}
}

// OnError installs a callback for failed batch flushes. Flushes run after
// the operator's taps already returned, so without a callback a batch that
// fails (stock ran out meanwhile, remote down past the timeout) would only
// leave a log line; the UI layer uses this to surface the loss. Must be
// called before the first Enqueue.
func (q *QuickAdd) OnError(fn func(tableID, productID string, qty float64, err error)) {
	q.onError = fn
}

// Enqueue records a quantity delta for a product on a table. Positive
// deltas accumulate and flush after the debounce window; each further tap
// resets the window. Negative deltas apply immediately.
func (q *QuickAdd) Enqueue(ctx context.Context, tableID, productID string, delta float64) error {
	if delta == 0 {
		return nil
	}
	if delta < 0 {
		return q.lc.ReduceItem(ctx, tableID, productID, -delta)
	}
	if tableID != "" && q.lc.guards.IsHeld(settlingKey(tableID)) {
		return fmt.Errorf("quick add to table %s: %w", tableID, pos.ErrTableSettling)
	}

	key := quickKey{tableID: tableID, productID: productID}

	q.mu.Lock()
	defer q.mu.Unlock()

	e := q.entries[key]
	if e == nil {
		e = &quickEntry{}
		q.entries[key] = e
	}
	e.pending += delta

	if e.timer == nil {
		e.timer = time.AfterFunc(q.debounce, func() { q.flush(key) })
	} else {
		e.timer.Reset(q.debounce)
	}
	return nil
}

// flush drains the pending delta for one key. If taps kept arriving while
// a flush was in flight, the entry re-arms and flushes again afterwards,
// preserving arrival order.
func (q *QuickAdd) flush(key quickKey) {
	q.mu.Lock()
	e := q.entries[key]
	if e == nil || e.pending == 0 || e.flushing {
		q.mu.Unlock()
		return
	}
	qty := e.pending
	e.pending = 0
	e.flushing = true
	q.mu.Unlock()

	q.wg.Add(1)
	defer q.wg.Done()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	err := q.lc.AddItem(ctx, key.tableID, key.productID, qty)
	cancel()
	if err != nil {
		q.lc.logger.Warn("quick add flush failed",
			"table_id", key.tableID, "product_id", key.productID, "qty", qty, "error", err)
		if q.onError != nil {
			q.onError(key.tableID, key.productID, qty, err)
		}
	}

	q.mu.Lock()
	e.flushing = false
	more := e.pending > 0
	if !more {
		e.timer = nil
		delete(q.entries, key)
	}
	q.mu.Unlock()

	if more {
		q.flush(key)
	}
}

// Flush forces all pending batches out immediately and waits for the
// in-flight writes to finish. Call before shutdown.
func (q *QuickAdd) Flush() {
	q.mu.Lock()
	keys := make([]quickKey, 0, len(q.entries))
	for k, e := range q.entries {
		if e.timer != nil {
			e.timer.Stop()
		}
		keys = append(keys, k)
	}
	q.mu.Unlock()

	for _, k := range keys {
		q.flush(k)
	}
	q.wg.Wait()
}
