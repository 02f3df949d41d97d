// Copyright 2025 HG Sayim
// SPDX-License-Identifier: Apache-2.0

package tables

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hgsayim/mekan-sub000/pos"
)

func TestProjectDisplayStateRecomputesTotals(t *testing.T) {
	clock := newFakeClock()
	g := NewGuardRegistry()
	g.now = clock.Now

	openAt := clock.Now().Add(-time.Hour)
	tbl := pos.Table{
		ID: "t1", Kind: pos.TableMetered, Active: true,
		OpenTime: &openAt, MeterRate: 15,
		// Stale derived totals from an old sync round.
		SalesTotal: 99, MeterTotal: 99, CheckTotal: 999,
	}
	sales := []pos.Sale{
		{ID: "s1", TableID: "t1", Total: 6},
		{ID: "s2", TableID: "t1", Total: 4, Paid: true}, // settled, excluded
	}

	d := ProjectDisplayState(tbl, sales, g, clock.Now())
	require.False(t, d.Settling)
	require.Equal(t, 6.0, d.SalesTotal)
	require.Equal(t, 15.0, d.MeterTotal)
	require.Equal(t, 21.0, d.CheckTotal)
}

func TestProjectDisplayStateSettlingForcesClosed(t *testing.T) {
	clock := newFakeClock()
	g := NewGuardRegistry()
	g.now = clock.Now
	require.True(t, g.Acquire(settlingKey("t1"), 22*time.Second))

	// The cached row still says open; the guard must win.
	openAt := clock.Now().Add(-time.Hour)
	tbl := pos.Table{ID: "t1", Kind: pos.TableMetered, Active: true, OpenTime: &openAt, MeterRate: 15}

	d := ProjectDisplayState(tbl, []pos.Sale{{Total: 6}}, g, clock.Now())
	require.True(t, d.Settling)
	require.False(t, d.Active)
	require.Nil(t, d.OpenTime)
	require.Equal(t, 0.0, d.CheckTotal)
}

func TestProjectDisplayStateOpeningOverlaysOpen(t *testing.T) {
	clock := newFakeClock()
	g := NewGuardRegistry()
	g.now = clock.Now
	require.True(t, g.Acquire(openingKey("t1"), 2500*time.Millisecond))

	// Stale closed row arrived from sync during the opening window.
	closedAt := clock.Now().Add(-time.Minute)
	tbl := pos.Table{ID: "t1", Kind: pos.TableMetered, CloseTime: &closedAt, MeterRate: 15}

	d := ProjectDisplayState(tbl, nil, g, clock.Now())
	require.True(t, d.Active)
	require.Nil(t, d.CloseTime)
	require.NotNil(t, d.OpenTime)
	require.False(t, d.Settling)
}
