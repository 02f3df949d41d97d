// Copyright 2025 HG Sayim
// SPDX-License-Identifier: Apache-2.0

package tables

import (
	"time"

	"github.com/hgsayim/mekan-sub000/pos"
)

// DisplayTable is the floor-plan view of one table: the cached record
// overlaid with local guard state and recomputed running totals. Pure
// presentation data; never written back.
type DisplayTable struct {
	pos.Table
	Settling bool // close in progress or cooling down; block interaction
}

// ProjectDisplayState derives what the floor plan should show for a table
// right now. Guards win over cached data: a table whose opening guard is
// held is shown open even if the cached record is a stale closed row, and
// a settling table is shown in its closed shape regardless of what sync
// last wrote.
func ProjectDisplayState(t pos.Table, openSales []pos.Sale, g *GuardRegistry, now time.Time) DisplayTable {
	d := DisplayTable{Table: t}

	if g.IsHeld(settlingKey(t.ID)) {
		d.Settling = true
		d.Active = false
		d.OpenTime = nil
		d.SalesTotal = 0
		d.MeterTotal = 0
		d.CheckTotal = 0
		return d
	}

	if g.IsHeld(openingKey(t.ID)) && !d.Active {
		// The open write is committed locally but a stale remote echo may
		// sit in the cache for a moment; show the table open.
		d.Active = true
		d.CloseTime = nil
		if d.Kind == pos.TableMetered && d.OpenTime == nil {
			opened := now
			d.OpenTime = &opened
		}
	}

	salesTotal := 0.0
	for _, s := range openSales {
		if s.Open() {
			salesTotal += s.Total
		}
	}
	d.SalesTotal = pos.RoundMoney(salesTotal)

	d.MeterTotal = 0
	if d.Kind == pos.TableMetered && d.Active && d.OpenTime != nil {
		d.MeterTotal = pos.MeterAmount(*d.OpenTime, now, d.MeterRate)
	}
	d.CheckTotal = pos.RoundMoney(d.SalesTotal + d.MeterTotal)

	return d
}
