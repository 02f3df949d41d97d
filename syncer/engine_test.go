// Copyright 2025 HG Sayim
// SPDX-License-Identifier: Apache-2.0

package syncer

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hgsayim/mekan-sub000/pos"
)

func TestDirtyNotificationsAreCoalesced(t *testing.T) {
	f := newFakeRemote()
	c := newTestCache(t)

	cfg := DefaultConfig()
	cfg.DirtyDebounce = 20 * time.Millisecond
	e := New(c, f, nil, cfg, nil)

	got := make(chan []pos.EntityType, 4)
	e.OnDirty(func(types []pos.EntityType) { got <- types })

	// A burst of marks inside the window flushes once.
	e.markDirty(pos.EntitySales)
	e.markDirty(pos.EntityTables)
	e.markDirty(pos.EntitySales)

	select {
	case types := <-got:
		require.ElementsMatch(t, []pos.EntityType{pos.EntitySales, pos.EntityTables}, types)
	case <-time.After(time.Second):
		t.Fatal("dirty flush never fired")
	}

	select {
	case types := <-got:
		t.Fatalf("unexpected second flush: %v", types)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestPausePollingSkipsTicks(t *testing.T) {
	e, f, _ := newTestEngine(t)
	ctx := context.Background()

	e.PausePolling()
	require.True(t, e.pollingPaused())

	// Paused engines still serve reads and apply explicit pulls.
	f.seed(pos.EntityProducts, "p1", time.Now().UTC(), `{"id":"p1","name":"Cola","price":3}`)
	changed, err := e.PullDelta(ctx, pos.EntityProducts)
	require.NoError(t, err)
	require.True(t, changed)

	e.ResumePolling()
	require.False(t, e.pollingPaused())
}

func TestOpenSalesForTableOrdersOldestFirst(t *testing.T) {
	e, _, c := newTestEngine(t)
	ctx := context.Background()

	put := func(id, tableID string, soldAt time.Time, paid bool) {
		s := pos.Sale{ID: id, TableID: tableID, SoldAt: soldAt, Paid: paid}
		payload, err := json.Marshal(s)
		require.NoError(t, err)
		require.NoError(t, c.Put(ctx, pos.EntitySales, id, payload))
	}

	base := time.Date(2025, 6, 1, 20, 0, 0, 0, time.UTC)
	put("newer", "t1", base.Add(time.Hour), false)
	put("older", "t1", base, false)
	put("paid", "t1", base, true)
	put("other", "t2", base, false)

	open, err := e.OpenSalesForTable(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, open, 2)
	require.Equal(t, "older", open[0].ID)
	require.Equal(t, "newer", open[1].ID)
}

func TestJSONEqualIgnoresKeyOrder(t *testing.T) {
	require.True(t, jsonEqual([]byte(`{"a":1,"b":"x"}`), []byte(`{"b":"x","a":1}`)))
	require.False(t, jsonEqual([]byte(`{"a":1}`), []byte(`{"a":2}`)))
	require.False(t, jsonEqual([]byte(`not json`), []byte(`{}`)))
}
