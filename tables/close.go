// Copyright 2025 HG Sayim
// SPDX-License-Identifier: Apache-2.0

package tables

import (
	"context"
	"fmt"
	"time"

	"github.com/hgsayim/mekan-sub000/pos"
)

// CloseKind selects how a table's open check is settled.
type CloseKind string

const (
	ClosePayment CloseKind = "payment" // settled in full now
	CloseCredit  CloseKind = "credit"  // stored on a customer's balance
	CloseCancel  CloseKind = "cancel"  // voided, stock restored
)

// CloseOptions carries per-kind parameters.
type CloseOptions struct {
	CustomerID string // required for CloseCredit
}

// CloseResult reports what a closure settled.
type CloseResult struct {
	AmountDue    float64
	MeterAmount  float64
	SalesTotal   float64
	SalesSettled int
}

// Close settles and closes a table. This is the most safety-critical path
// in the system: the settling guard is marked before any I/O so concurrent
// close attempts are rejected and incoming push/poll updates cannot reopen
// the table mid-closure; after the writes, a bounded background
// re-verification forces the table back to its closed shape if a stale
// concurrent write from another device reopened it. The guard is left to
// expire on its own; closure is followed by a cooldown window in which
// this table id is known to be volatile.
//
// The steps all target fields that converge if the operation is retried
// from the top; on failure the table record is rolled back to its original
// open state and a *pos.CloseError is returned.
func (l *Lifecycle) Close(ctx context.Context, tableID string, kind CloseKind, opts CloseOptions) (*CloseResult, error) {
	// Mark settling before any I/O.
	if !l.guards.Acquire(settlingKey(tableID), l.settlingTTL) {
		return nil, fmt.Errorf("close table %s: %w", tableID, pos.ErrTableSettling)
	}

	res, err := l.closeLocked(ctx, tableID, kind, opts)
	if err != nil {
		// Release so the operator can retry right away; the guard's only
		// purpose here was to serialize this attempt.
		l.guards.Release(settlingKey(tableID))
		return nil, err
	}
	return res, nil
}

func (l *Lifecycle) closeLocked(ctx context.Context, tableID string, kind CloseKind, opts CloseOptions) (*CloseResult, error) {
	if kind == CloseCredit && opts.CustomerID == "" {
		return nil, fmt.Errorf("close table %s as credit: customer id required", tableID)
	}

	t, err := l.engine.GetTable(ctx, tableID)
	if err != nil {
		return nil, fmt.Errorf("close table %s: %w", tableID, err)
	}
	original := *t

	// Snapshot the open sales before anything changes.
	openSales, err := l.engine.OpenSalesForTable(ctx, tableID)
	if err != nil {
		return nil, fmt.Errorf("close table %s: %w", tableID, err)
	}

	if t.Kind == pos.TableMetered {
		if t.ClosedShape() {
			return nil, fmt.Errorf("close table %s: %w", tableID, pos.ErrAlreadyClosed)
		}
	} else if !t.Active && len(openSales) == 0 {
		return nil, fmt.Errorf("close table %s: %w", tableID, pos.ErrAlreadyClosed)
	}

	// Resolve the credit customer up front so a bad id aborts before any
	// mutation.
	var customer *pos.Customer
	if kind == CloseCredit {
		customer, err = l.engine.GetCustomer(ctx, opts.CustomerID)
		if err != nil {
			return nil, fmt.Errorf("close table %s: credit customer: %w", tableID, err)
		}
	}

	now := l.now().UTC()

	salesTotal := 0.0
	for _, s := range openSales {
		salesTotal += s.Total
	}
	salesTotal = pos.RoundMoney(salesTotal)

	// Amount due is computed exactly once, before any further state
	// change, so credit settlement cannot double count.
	meterAmt := 0.0
	hours := 0.0
	if t.Kind == pos.TableMetered && t.OpenTime != nil {
		hours = pos.HoursBetween(*t.OpenTime, now)
		meterAmt = pos.RoundMoney(hours * t.MeterRate)
	}
	amountDue := pos.RoundMoney(salesTotal + meterAmt)

	if t.Kind == pos.TableMetered && t.OpenTime != nil {
		// Append-only session history; prior entries are never touched.
		t.Sessions = append(t.Sessions, pos.MeteredSession{
			OpenTime:        *t.OpenTime,
			CloseTime:       now,
			HoursUsed:       hours,
			AmountDue:       amountDue,
			SettledAsCredit: kind == CloseCredit,
			CustomerID:      opts.CustomerID,
		})
	}
	t.OpenTime = nil
	t.Active = false
	t.MeterTotal = 0
	t.SalesTotal = 0
	t.CheckTotal = 0
	t.CloseTime = &now
	t.UpdatedAt = now

	// Persist the closed table: optimistic so the floor plan updates
	// instantly, committed remote-first underneath.
	staged, err := l.engine.StageWrite(ctx, pos.EntityTables, t.ID, t)
	if err != nil {
		return nil, &pos.CloseError{TableID: tableID, Err: err}
	}
	if err := staged.Commit(ctx); err != nil {
		return nil, &pos.CloseError{TableID: tableID, Err: err}
	}

	settled, err := l.settleSales(ctx, openSales, kind, opts, now)
	if err != nil {
		l.rollbackClose(ctx, &original, kind, openSales[:settled])
		return nil, &pos.CloseError{TableID: tableID, Err: err}
	}

	if kind == CloseCredit && amountDue != 0 {
		customer.Balance = pos.RoundMoney(customer.Balance + amountDue)
		customer.UpdatedAt = now
		if err := l.engine.Write(ctx, pos.EntityCustomers, customer.ID, customer); err != nil {
			// Every sale is already marked settled; un-settle them all so
			// a retry re-derives the full amount due.
			l.rollbackClose(ctx, &original, kind, openSales)
			return nil, &pos.CloseError{TableID: tableID, Err: fmt.Errorf("credit balance: %w", err)}
		}
	}

	// Other devices may have raced writes into the multi-step closure;
	// re-verify in the background and force the closed shape if needed.
	l.spawnReverify(tableID, *t)

	return &CloseResult{
		AmountDue:    amountDue,
		MeterAmount:  meterAmt,
		SalesTotal:   salesTotal,
		SalesSettled: len(openSales),
	}, nil
}

// settleSales settles each open sale per the close kind and returns how
// many sales were fully settled before a failure, so the rollback can
// un-settle exactly that prefix. The entries in openSales stay untouched:
// each iteration works on a copy, leaving the originals as pre-close
// snapshots.
func (l *Lifecycle) settleSales(ctx context.Context, openSales []pos.Sale, kind CloseKind, opts CloseOptions, now time.Time) (int, error) {
	for i := range openSales {
		s := openSales[i]
		switch kind {
		case CloseCancel:
			if err := l.restoreStockForSale(ctx, &s); err != nil {
				return i, fmt.Errorf("restore stock for sale %s: %w", s.ID, err)
			}
			if err := l.engine.Delete(ctx, pos.EntitySales, s.ID); err != nil {
				// The stock restore already landed; take it back so a
				// retried cancel restores exactly once.
				for _, it := range s.Items {
					if it.Cancelled {
						continue
					}
					if rerr := l.restoreStock(ctx, it.ProductID, -it.Qty); rerr != nil {
						l.logger.Error("void rollback: stock re-deduct failed",
							"sale_id", s.ID, "product_id", it.ProductID, "error", rerr)
					}
				}
				return i, fmt.Errorf("void sale %s: %w", s.ID, err)
			}
		case ClosePayment:
			s.Paid = true
			paidAt := now
			s.PaidAt = &paidAt
			s.UpdatedAt = now
			if err := l.engine.Write(ctx, pos.EntitySales, s.ID, &s); err != nil {
				return i, fmt.Errorf("settle sale %s: %w", s.ID, err)
			}
		case CloseCredit:
			s.Paid = true
			paidAt := now
			s.PaidAt = &paidAt
			s.SettledAsCredit = true
			s.CustomerID = opts.CustomerID
			s.UpdatedAt = now
			if err := l.engine.Write(ctx, pos.EntitySales, s.ID, &s); err != nil {
				return i, fmt.Errorf("settle sale %s as credit: %w", s.ID, err)
			}
		default:
			return i, fmt.Errorf("unknown close kind %q", kind)
		}
	}
	return len(openSales), nil
}

// rollbackClose restores the table's original open record after a failed
// closure, and un-settles the sales the closure already wrote. Without the
// sale rollback a retry would recompute the amount due over a shrunken
// open set and the already-settled totals would be lost. Best effort: if
// even these writes fail the next poll tick will surface the remote's view.
func (l *Lifecycle) rollbackClose(ctx context.Context, original *pos.Table, kind CloseKind, settled []pos.Sale) {
	now := l.now().UTC()
	for i := range settled {
		s := settled[i]
		if kind == CloseCancel {
			// The voided sale's stock was restored; take it back out
			// before resurrecting the sale.
			for _, it := range s.Items {
				if it.Cancelled {
					continue
				}
				if err := l.restoreStock(ctx, it.ProductID, -it.Qty); err != nil {
					l.logger.Error("close rollback: stock re-deduct failed",
						"sale_id", s.ID, "product_id", it.ProductID, "error", err)
				}
			}
		}
		s.UpdatedAt = now
		if err := l.engine.Write(ctx, pos.EntitySales, s.ID, &s); err != nil {
			l.logger.Error("close rollback: sale restore failed", "sale_id", s.ID, "error", err)
		}
	}
	original.UpdatedAt = now
	if err := l.engine.Write(ctx, pos.EntityTables, original.ID, original); err != nil {
		l.logger.Error("close rollback failed", "table_id", original.ID, "error", err)
	}
}

func (l *Lifecycle) spawnReverify(tableID string, want pos.Table) {
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), l.settlingTTL)
		defer cancel()
		l.reverifyClosed(ctx, tableID, want)
	}()
}

// reverifyClosed polls the remote table record a few times over the
// seconds after closure and forces it back to the closed shape if any read
// shows it reopened. A pragmatic defense against eventual-consistency
// races, not a transactional guarantee.
func (l *Lifecycle) reverifyClosed(ctx context.Context, tableID string, want pos.Table) {
	for i := 0; i < l.reverifyAttempts; i++ {
		if l.sleep(ctx, l.reverifyDelay) != nil {
			return
		}
		current, err := l.engine.FetchRemoteTable(ctx, tableID)
		if err != nil {
			l.logger.Debug("close re-verify fetch failed", "table_id", tableID, "attempt", i+1, "error", err)
			continue
		}
		if current.Active || current.OpenTime != nil {
			l.logger.Warn("table reopened during settling window, forcing closed shape",
				"table_id", tableID, "attempt", i+1)
			want.UpdatedAt = l.now().UTC()
			if err := l.engine.Write(ctx, pos.EntityTables, tableID, &want); err != nil {
				l.logger.Warn("force-close write failed", "table_id", tableID, "error", err)
			}
		}
	}
}
