// Copyright 2025 HG Sayim
// SPDX-License-Identifier: Apache-2.0

package tables

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hgsayim/mekan-sub000/pos"
	"github.com/hgsayim/mekan-sub000/syncer"
)

// Lifecycle drives table occupancy/billing transitions. Every mutation is
// written through the sync engine before it is considered durable; the
// guard registry keeps this client from racing itself and suppresses
// incoming sync updates for tables mid-transition.
type Lifecycle struct {
	engine *syncer.Engine
	guards *GuardRegistry
	logger *slog.Logger

	now   func() time.Time
	sleep func(context.Context, time.Duration) error

	settlingTTL      time.Duration // settling guard + post-close cooldown
	openingTTL       time.Duration // stale-"closed" suppression after open
	reverifyAttempts int
	reverifyDelay    time.Duration

	wg sync.WaitGroup
}

// NewLifecycle creates the lifecycle layer with reference timings.
func NewLifecycle(engine *syncer.Engine, logger *slog.Logger) *Lifecycle {
	if logger == nil {
		logger = slog.Default()
	}
	return &Lifecycle{
		engine:           engine,
		guards:           NewGuardRegistry(),
		logger:           logger,
		now:              time.Now,
		sleep:            sleepWithContext,
		settlingTTL:      22 * time.Second,
		openingTTL:       2500 * time.Millisecond,
		reverifyAttempts: 3,
		reverifyDelay:    1500 * time.Millisecond,
	}
}

// Guards exposes the registry (display projection reads it).
func (l *Lifecycle) Guards() *GuardRegistry { return l.guards }

// Suppressed implements syncer.Suppressor: sync updates for a table are
// ignored while its opening or settling guard is held.
func (l *Lifecycle) Suppressed(typ pos.EntityType, id string) bool {
	if typ != pos.EntityTables {
		return false
	}
	return l.guards.IsHeld(settlingKey(id)) || l.guards.IsHeld(openingKey(id))
}

// Wait blocks until background re-verification work has finished. Call on
// shutdown (tests use it for determinism).
func (l *Lifecycle) Wait() { l.wg.Wait() }

// Open starts a table. For a metered table this begins billing time: the
// new open state is applied optimistically to the cache before the remote
// write resolves, and an opening guard suppresses any concurrently
// arriving stale "closed" row so the display cannot flicker
// open→closed→open. For regular tables it just flags the table active.
func (l *Lifecycle) Open(ctx context.Context, tableID string) error {
	if l.guards.IsHeld(settlingKey(tableID)) {
		return fmt.Errorf("open table %s: %w", tableID, pos.ErrTableSettling)
	}

	t, err := l.engine.GetTable(ctx, tableID)
	if err != nil {
		return fmt.Errorf("open table %s: %w", tableID, err)
	}

	now := l.now().UTC()

	if t.Kind != pos.TableMetered {
		if t.Active {
			return fmt.Errorf("open table %s: %w", tableID, pos.ErrAlreadyOpen)
		}
		t.Active = true
		t.CloseTime = nil
		t.UpdatedAt = now
		if err := l.engine.Write(ctx, pos.EntityTables, t.ID, t); err != nil {
			return fmt.Errorf("open table %s: %w", tableID, err)
		}
		return nil
	}

	if t.Active && t.OpenTime != nil {
		return fmt.Errorf("open table %s: %w", tableID, pos.ErrAlreadyOpen)
	}

	// A cancel on another device may have raced with an add-item here:
	// void any leftover unpaid sales (restoring stock) before a fresh open.
	if t.ClosedShape() {
		if err := l.scavengeOpenSales(ctx, tableID); err != nil {
			return fmt.Errorf("open table %s: scavenge leftover sales: %w", tableID, err)
		}
	}

	// Legacy shape: an unarchived (openTime, closeTime) pair from older
	// data. Archive it as a session before it is overwritten.
	if t.OpenTime != nil && t.CloseTime != nil {
		hours := pos.HoursBetween(*t.OpenTime, *t.CloseTime)
		t.Sessions = append(t.Sessions, pos.MeteredSession{
			OpenTime:  *t.OpenTime,
			CloseTime: *t.CloseTime,
			HoursUsed: hours,
			AmountDue: pos.RoundMoney(hours * t.MeterRate),
		})
	}

	t.OpenTime = &now
	t.CloseTime = nil
	t.Active = true
	t.MeterTotal = 0
	t.UpdatedAt = now

	// Guard first, then stage: from this instant stale closed rows from
	// sync are ignored for this id.
	l.guards.Acquire(openingKey(tableID), l.openingTTL)

	staged, err := l.engine.StageWrite(ctx, pos.EntityTables, t.ID, t)
	if err != nil {
		l.guards.Release(openingKey(tableID))
		return fmt.Errorf("open table %s: %w", tableID, err)
	}
	if err := staged.Commit(ctx); err != nil {
		l.guards.Release(openingKey(tableID))
		return fmt.Errorf("open table %s: %w", tableID, err)
	}
	// Opening guard self-expires; the remote echo of this write lands
	// after it lapses.
	return nil
}

// scavengeOpenSales voids every unpaid sale on a closed table, restoring
// tracked stock.
func (l *Lifecycle) scavengeOpenSales(ctx context.Context, tableID string) error {
	open, err := l.engine.OpenSalesForTable(ctx, tableID)
	if err != nil {
		return err
	}
	for i := range open {
		s := &open[i]
		if err := l.restoreStockForSale(ctx, s); err != nil {
			return err
		}
		if err := l.engine.Delete(ctx, pos.EntitySales, s.ID); err != nil {
			return err
		}
		l.logger.Warn("voided leftover unpaid sale on closed table", "table_id", tableID, "sale_id", s.ID, "total", s.Total)
	}
	return nil
}

func (l *Lifecycle) restoreStockForSale(ctx context.Context, s *pos.Sale) error {
	for _, it := range s.Items {
		if it.Cancelled {
			continue
		}
		if err := l.restoreStock(ctx, it.ProductID, it.Qty); err != nil {
			return err
		}
	}
	return nil
}

func (l *Lifecycle) restoreStock(ctx context.Context, productID string, qty float64) error {
	p, err := l.engine.GetProduct(ctx, productID)
	if err != nil {
		// The product may have been deleted meanwhile; nothing to restore.
		l.logger.Warn("stock restore skipped, product missing", "product_id", productID, "error", err)
		return nil
	}
	if !p.Tracked() {
		return nil
	}
	next := *p.Stock + qty
	p.Stock = &next
	p.UpdatedAt = l.now().UTC()
	return l.engine.Write(ctx, pos.EntityProducts, p.ID, p)
}

// AddItem adds qty units of a product onto the table's open sale, creating
// the sale if none exists. Tracked stock is decremented; an insufficient
// count rejects the add with pos.ErrInsufficientStock.
func (l *Lifecycle) AddItem(ctx context.Context, tableID, productID string, qty float64) error {
	if qty <= 0 {
		return fmt.Errorf("add item: quantity must be positive, got %v", qty)
	}
	if tableID != "" && l.guards.IsHeld(settlingKey(tableID)) {
		return fmt.Errorf("add item to table %s: %w", tableID, pos.ErrTableSettling)
	}

	p, err := l.engine.GetProduct(ctx, productID)
	if err != nil {
		return fmt.Errorf("add item: %w", err)
	}
	if p.Tracked() && *p.Stock < qty {
		return fmt.Errorf("add item %s (have %v, want %v): %w", p.Name, *p.Stock, qty, pos.ErrInsufficientStock)
	}

	now := l.now().UTC()

	sale, isNew, err := l.openSaleFor(ctx, tableID, now)
	if err != nil {
		return fmt.Errorf("add item: %w", err)
	}

	// Coalesce onto an existing non-cancelled line for the same product.
	merged := false
	for i := range sale.Items {
		it := &sale.Items[i]
		if it.ProductID == productID && !it.Cancelled && it.UnitPrice == p.Price {
			it.Qty += qty
			merged = true
			break
		}
	}
	if !merged {
		sale.Items = append(sale.Items, pos.SaleItem{
			ProductID: productID,
			Name:      p.Name,
			UnitPrice: p.Price,
			CostPrice: p.CostPrice,
			Qty:       qty,
		})
	}
	sale.RecomputeTotal()
	sale.UpdatedAt = now

	if p.Tracked() {
		next := *p.Stock - qty
		p.Stock = &next
		p.UpdatedAt = now
		if err := l.engine.Write(ctx, pos.EntityProducts, p.ID, p); err != nil {
			return fmt.Errorf("add item: persist stock: %w", err)
		}
	}

	if isNew {
		err = l.engine.Create(ctx, pos.EntitySales, sale.ID, sale)
	} else {
		err = l.engine.Write(ctx, pos.EntitySales, sale.ID, sale)
	}
	if err != nil {
		// Compensate the stock decrement so a failed sale write does not
		// leak inventory.
		if p.Tracked() {
			if rerr := l.restoreStock(ctx, productID, qty); rerr != nil {
				l.logger.Error("stock compensation failed after sale write error", "product_id", productID, "error", rerr)
			}
		}
		return fmt.Errorf("add item: persist sale: %w", err)
	}
	return nil
}

// openSaleFor returns the table's newest open sale, or a fresh one.
// tableID may be empty for a standalone sale.
func (l *Lifecycle) openSaleFor(ctx context.Context, tableID string, now time.Time) (*pos.Sale, bool, error) {
	if tableID != "" {
		open, err := l.engine.OpenSalesForTable(ctx, tableID)
		if err != nil {
			return nil, false, err
		}
		if len(open) > 0 {
			newest := open[len(open)-1]
			return &newest, false, nil
		}
	}
	return &pos.Sale{
		ID:      uuid.NewString(),
		TableID: tableID,
		SoldAt:  now,
	}, true, nil
}

// CancelItem voids one line of an open sale, restoring tracked stock and
// recomputing the sale total without the cancelled line.
func (l *Lifecycle) CancelItem(ctx context.Context, saleID string, itemIndex int) error {
	sale, err := l.engine.GetSale(ctx, saleID)
	if err != nil {
		return fmt.Errorf("cancel item: %w", err)
	}
	if !sale.Open() {
		return fmt.Errorf("cancel item: sale %s is not open", saleID)
	}
	if itemIndex < 0 || itemIndex >= len(sale.Items) {
		return fmt.Errorf("cancel item: sale %s has no item %d", saleID, itemIndex)
	}
	it := &sale.Items[itemIndex]
	if it.Cancelled {
		return nil
	}

	it.Cancelled = true
	sale.RecomputeTotal()
	sale.UpdatedAt = l.now().UTC()

	if err := l.restoreStock(ctx, it.ProductID, it.Qty); err != nil {
		return fmt.Errorf("cancel item: restore stock: %w", err)
	}
	if err := l.engine.Write(ctx, pos.EntitySales, sale.ID, sale); err != nil {
		return fmt.Errorf("cancel item: persist sale: %w", err)
	}
	return nil
}

// ReduceItem removes qty units of a product from the table's open sales,
// newest line first, splitting or fully cancelling lines and restoring
// tracked stock for exactly the reduced amount.
func (l *Lifecycle) ReduceItem(ctx context.Context, tableID, productID string, qty float64) error {
	if qty <= 0 {
		return fmt.Errorf("reduce item: quantity must be positive, got %v", qty)
	}

	open, err := l.engine.OpenSalesForTable(ctx, tableID)
	if err != nil {
		return fmt.Errorf("reduce item: %w", err)
	}

	remaining := qty
	for i := len(open) - 1; i >= 0 && remaining > 0; i-- {
		sale := open[i]
		changed := false
		for j := len(sale.Items) - 1; j >= 0 && remaining > 0; j-- {
			it := &sale.Items[j]
			if it.ProductID != productID || it.Cancelled {
				continue
			}
			take := remaining
			if take >= it.Qty {
				take = it.Qty
				it.Cancelled = true
			} else {
				it.Qty -= take
			}
			remaining -= take
			changed = true
			if err := l.restoreStock(ctx, productID, take); err != nil {
				return fmt.Errorf("reduce item: restore stock: %w", err)
			}
		}
		if changed {
			sale.RecomputeTotal()
			sale.UpdatedAt = l.now().UTC()
			if err := l.engine.Write(ctx, pos.EntitySales, sale.ID, &sale); err != nil {
				return fmt.Errorf("reduce item: persist sale: %w", err)
			}
		}
	}

	if remaining == qty {
		return fmt.Errorf("reduce item: no open line for product %s on table %s: %w", productID, tableID, pos.ErrNotFound)
	}
	return nil
}

// RecordDirectSale rings up a walk-up sale settled immediately: not bound
// to a table, marked paid at creation.
func (l *Lifecycle) RecordDirectSale(ctx context.Context, productID string, qty float64) (*pos.Sale, error) {
	if qty <= 0 {
		return nil, fmt.Errorf("direct sale: quantity must be positive, got %v", qty)
	}
	p, err := l.engine.GetProduct(ctx, productID)
	if err != nil {
		return nil, fmt.Errorf("direct sale: %w", err)
	}
	if p.Tracked() && *p.Stock < qty {
		return nil, fmt.Errorf("direct sale %s: %w", p.Name, pos.ErrInsufficientStock)
	}

	now := l.now().UTC()
	sale := &pos.Sale{
		ID:     uuid.NewString(),
		SoldAt: now,
		Paid:   true,
		PaidAt: &now,
		Items: []pos.SaleItem{{
			ProductID: productID,
			Name:      p.Name,
			UnitPrice: p.Price,
			CostPrice: p.CostPrice,
			Qty:       qty,
		}},
		UpdatedAt: now,
	}
	sale.RecomputeTotal()

	if p.Tracked() {
		next := *p.Stock - qty
		p.Stock = &next
		p.UpdatedAt = now
		if err := l.engine.Write(ctx, pos.EntityProducts, p.ID, p); err != nil {
			return nil, fmt.Errorf("direct sale: persist stock: %w", err)
		}
	}
	if err := l.engine.Create(ctx, pos.EntitySales, sale.ID, sale); err != nil {
		if p.Tracked() {
			if rerr := l.restoreStock(ctx, productID, qty); rerr != nil {
				l.logger.Error("stock compensation failed after direct sale error", "product_id", productID, "error", rerr)
			}
		}
		return nil, fmt.Errorf("direct sale: persist: %w", err)
	}
	return sale, nil
}

// StartManualSession begins a free-standing hourly timer.
func (l *Lifecycle) StartManualSession(ctx context.Context, label string, ratePerHour float64) (*pos.ManualSession, error) {
	now := l.now().UTC()
	ms := &pos.ManualSession{
		ID:        uuid.NewString(),
		Label:     label,
		Rate:      ratePerHour,
		OpenTime:  now,
		UpdatedAt: now,
	}
	if err := l.engine.Create(ctx, pos.EntityManualSessions, ms.ID, ms); err != nil {
		return nil, fmt.Errorf("start manual session: %w", err)
	}
	return ms, nil
}

// StopManualSession ends a timer and fixes its total.
func (l *Lifecycle) StopManualSession(ctx context.Context, id string) (*pos.ManualSession, error) {
	ms, err := l.engine.GetManualSession(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("stop manual session: %w", err)
	}
	if ms.CloseTime != nil {
		return ms, nil
	}
	now := l.now().UTC()
	ms.CloseTime = &now
	ms.Total = pos.MeterAmount(ms.OpenTime, now, ms.Rate)
	ms.UpdatedAt = now
	if err := l.engine.Write(ctx, pos.EntityManualSessions, ms.ID, ms); err != nil {
		return nil, fmt.Errorf("stop manual session: %w", err)
	}
	return ms, nil
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
