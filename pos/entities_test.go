// Copyright 2025 HG Sayim
// SPDX-License-Identifier: Apache-2.0

package pos

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestHoursBetween(t *testing.T) {
	base := time.Date(2025, 6, 1, 20, 0, 0, 0, time.UTC)

	require.Equal(t, 1.0, HoursBetween(base, base.Add(time.Hour)))
	require.Equal(t, 1.5, HoursBetween(base, base.Add(90*time.Minute)))
	require.Equal(t, 0.25, HoursBetween(base, base.Add(15*time.Minute)))

	// Clock skew must never produce a negative charge.
	require.Equal(t, 0.0, HoursBetween(base, base.Add(-time.Minute)))
	require.Equal(t, 0.0, HoursBetween(base, base))
}

func TestMeterAmount(t *testing.T) {
	base := time.Date(2025, 6, 1, 20, 0, 0, 0, time.UTC)

	require.Equal(t, 15.0, MeterAmount(base, base.Add(time.Hour), 15))
	require.Equal(t, 22.5, MeterAmount(base, base.Add(90*time.Minute), 15))
	require.Equal(t, 0.0, MeterAmount(base, base, 15))
}

func TestRecomputeTotalSkipsCancelled(t *testing.T) {
	s := Sale{
		Items: []SaleItem{
			{ProductID: "cola", UnitPrice: 3, Qty: 2},
			{ProductID: "tost", UnitPrice: 7.5, Qty: 1},
			{ProductID: "cay", UnitPrice: 1.25, Qty: 4, Cancelled: true},
		},
	}
	s.RecomputeTotal()
	require.Equal(t, 13.5, s.Total)
}

func TestSaleOpen(t *testing.T) {
	s := Sale{}
	require.True(t, s.Open())

	s.Paid = true
	require.False(t, s.Open())

	s = Sale{Cancelled: true}
	require.False(t, s.Open())
}

func TestTableShapes(t *testing.T) {
	now := time.Now()
	open := Table{Kind: TableMetered, Active: true, OpenTime: &now}
	require.True(t, open.Billing())
	require.False(t, open.ClosedShape())

	closed := Table{Kind: TableMetered, CloseTime: &now}
	require.False(t, closed.Billing())
	require.True(t, closed.ClosedShape())

	// A regular table never bills time even when active.
	regular := Table{Kind: TableRegular, Active: true, OpenTime: &now}
	require.False(t, regular.Billing())
}

func TestProductTracked(t *testing.T) {
	p := Product{}
	require.False(t, p.Tracked())

	stock := 0.0
	p.Stock = &stock
	require.True(t, p.Tracked())
}

func TestAllEntityTypesOrdersTablesFirst(t *testing.T) {
	types := AllEntityTypes()
	require.NotEmpty(t, types)
	require.Equal(t, EntityTables, types[0])
}
