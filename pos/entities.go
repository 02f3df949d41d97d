// Copyright 2025 HG Sayim
// SPDX-License-Identifier: Apache-2.0

// Package pos defines the domain entities shared by the local cache, the
// sync engine and the table lifecycle: venue tables, sales, products,
// customers, expenses and free-standing manual sessions.
//
// All monetary amounts are plain float64 in the venue currency. Running
// totals on Table are derived values, recomputable from the open Sales and
// the meter clock; they are never treated as authoritative.
package pos

import (
	"math"
	"time"
)

// EntityType identifies a cached/synced entity collection.
type EntityType string

const (
	EntityTables         EntityType = "tables"
	EntitySales          EntityType = "sales"
	EntityProducts       EntityType = "products"
	EntityCustomers      EntityType = "customers"
	EntityExpenses       EntityType = "expenses"
	EntityManualSessions EntityType = "manual_sessions"
)

// AllEntityTypes lists every synced entity type in bootstrap/poll order.
// Tables come first so that sales referring to them hydrate after their
// parent records.
func AllEntityTypes() []EntityType {
	return []EntityType{
		EntityTables,
		EntityProducts,
		EntityCustomers,
		EntitySales,
		EntityExpenses,
		EntityManualSessions,
	}
}

// TableKind distinguishes the three occupancy/billing models.
type TableKind string

const (
	TableRegular TableKind = "regular" // occupied while unpaid sales exist
	TableMetered TableKind = "metered" // hourly billing, explicit open/close
	TableInstant TableKind = "instant" // walk-up, settled immediately
)

// MeteredSession is one closed historical metered interval. Sessions are
// append-only: written once at table closure and never mutated afterward.
type MeteredSession struct {
	OpenTime        time.Time `json:"open_time"`
	CloseTime       time.Time `json:"close_time"`
	HoursUsed       float64   `json:"hours_used"`
	AmountDue       float64   `json:"amount_due"`
	SettledAsCredit bool      `json:"settled_as_credit"`
	CustomerID      string    `json:"customer_id,omitempty"`
}

// Table is a physical table/station in the venue.
//
// For a metered table the valid shapes are:
//
//	active && openTime != nil                      currently billing time
//	!active && openTime == nil && closeTime != nil closed, awaiting reopen
//
// Both OpenTime and CloseTime non-nil at once is illegal and must never be
// observed by readers.
type Table struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	Kind      TableKind  `json:"kind"`
	Active    bool       `json:"active"`
	OpenTime  *time.Time `json:"open_time,omitempty"`
	CloseTime *time.Time `json:"close_time,omitempty"`
	MeterRate float64    `json:"meter_rate,omitempty"` // currency per hour, metered only

	// Derived running totals, recomputable from Sales + meter clock.
	SalesTotal float64 `json:"sales_total"`
	MeterTotal float64 `json:"meter_total"`
	CheckTotal float64 `json:"check_total"`

	Sessions  []MeteredSession `json:"sessions,omitempty"`
	UpdatedAt time.Time        `json:"updated_at"`
}

// Billing reports whether a metered table is currently billing time.
func (t *Table) Billing() bool {
	return t.Kind == TableMetered && t.Active && t.OpenTime != nil
}

// ClosedShape reports whether the table is in its valid closed shape.
func (t *Table) ClosedShape() bool {
	return !t.Active && t.OpenTime == nil && t.CloseTime != nil
}

// SaleItem is one line on a Sale. Cancelling an item restores its quantity
// to the product's stock (if tracked) and excludes it from the sale total.
type SaleItem struct {
	ProductID string  `json:"product_id"`
	Name      string  `json:"name"`
	UnitPrice float64 `json:"unit_price"`
	CostPrice float64 `json:"cost_price"`
	Qty       float64 `json:"qty"`
	Cancelled bool    `json:"cancelled"`
}

// Sale is a ticket of items sold, either bound to a table or standalone.
// A Sale with Paid=false and Cancelled=false is "open" and contributes to
// its table's running total.
type Sale struct {
	ID              string     `json:"id"`
	TableID         string     `json:"table_id,omitempty"`
	Items           []SaleItem `json:"items"`
	SoldAt          time.Time  `json:"sold_at"`
	Total           float64    `json:"total"`
	Paid            bool       `json:"paid"`
	SettledAsCredit bool       `json:"settled_as_credit"`
	CustomerID      string     `json:"customer_id,omitempty"`
	PaidAt          *time.Time `json:"paid_at,omitempty"`
	Cancelled       bool       `json:"cancelled"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// Open reports whether the sale is unsettled.
func (s *Sale) Open() bool { return !s.Paid && !s.Cancelled }

// RecomputeTotal recalculates Total from non-cancelled items.
func (s *Sale) RecomputeTotal() {
	total := 0.0
	for _, it := range s.Items {
		if it.Cancelled {
			continue
		}
		total += it.UnitPrice * it.Qty
	}
	s.Total = RoundMoney(total)
}

// Product is a sellable item. Stock == nil means untracked (infinite).
type Product struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Price     float64   `json:"price"`
	CostPrice float64   `json:"cost_price"`
	Stock     *float64  `json:"stock,omitempty"`
	Category  string    `json:"category,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Tracked reports whether the product keeps a stock count.
func (p *Product) Tracked() bool { return p.Stock != nil }

// Customer carries a running balance: the amount owed, accumulated by
// credit settlements and reduced by payments.
type Customer struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Balance   float64   `json:"balance"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Expense is a venue outflow, cached for the daily report views.
type Expense struct {
	ID          string    `json:"id"`
	Description string    `json:"description"`
	Amount      float64   `json:"amount"`
	SpentAt     time.Time `json:"spent_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// ManualSession is a free-standing hourly timer not bound to a table
// (rented gear, console controllers, and similar).
type ManualSession struct {
	ID        string     `json:"id"`
	Label     string     `json:"label"`
	Rate      float64    `json:"rate"` // currency per hour
	OpenTime  time.Time  `json:"open_time"`
	CloseTime *time.Time `json:"close_time,omitempty"`
	Total     float64    `json:"total"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// HoursBetween returns the elapsed hours between two instants, never
// negative, rounded to two decimals.
func HoursBetween(from, to time.Time) float64 {
	if !to.After(from) {
		return 0
	}
	return math.Round(to.Sub(from).Hours()*100) / 100
}

// MeterAmount is the hourly charge for the elapsed interval.
func MeterAmount(from, to time.Time, ratePerHour float64) float64 {
	return RoundMoney(HoursBetween(from, to) * ratePerHour)
}

// RoundMoney rounds to two decimals to keep float accumulation honest.
func RoundMoney(v float64) float64 {
	return math.Round(v*100) / 100
}
