// Copyright 2025 HG Sayim
// SPDX-License-Identifier: Apache-2.0

package syncer

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hgsayim/mekan-sub000/pos"
)

func TestWriteThroughRemoteFirst(t *testing.T) {
	e, f, c := newTestEngine(t)
	ctx := context.Background()

	p := &pos.Product{ID: "p1", Name: "Cola", Price: 3}
	require.NoError(t, e.Create(ctx, pos.EntityProducts, p.ID, p))
	require.Equal(t, 1, f.inserts)

	got, err := e.GetProduct(ctx, "p1")
	require.NoError(t, err)
	require.Equal(t, "Cola", got.Name)

	p.Price = 3.5
	require.NoError(t, e.Write(ctx, pos.EntityProducts, p.ID, p))
	require.Equal(t, 1, f.updates)

	got, err = e.GetProduct(ctx, "p1")
	require.NoError(t, err)
	require.Equal(t, 3.5, got.Price)

	// A rejected remote write must leave the cache untouched.
	f.failOps = 1
	p.Price = 99
	err = e.Write(ctx, pos.EntityProducts, p.ID, p)
	require.ErrorIs(t, err, pos.ErrRemoteUnreachable)

	got, err = e.GetProduct(ctx, "p1")
	require.NoError(t, err)
	require.Equal(t, 3.5, got.Price)

	require.NoError(t, e.Delete(ctx, pos.EntityProducts, p.ID))
	_, err = c.Get(ctx, pos.EntityProducts, p.ID)
	require.ErrorIs(t, err, pos.ErrNotFound)
}

func TestStagedWriteCommit(t *testing.T) {
	e, f, _ := newTestEngine(t)
	ctx := context.Background()

	tbl := &pos.Table{ID: "t1", Name: "Masa 1", Active: true}
	staged, err := e.StageWrite(ctx, pos.EntityTables, tbl.ID, tbl)
	require.NoError(t, err)

	// Optimistic: visible locally before any remote round-trip.
	got, err := e.GetTable(ctx, "t1")
	require.NoError(t, err)
	require.True(t, got.Active)
	require.Equal(t, 0, f.updates)

	require.NoError(t, staged.Commit(ctx))
	require.Equal(t, 1, f.updates)

	// Commit is terminal; a second call is a no-op.
	require.NoError(t, staged.Commit(ctx))
	require.Equal(t, 1, f.updates)
}

func TestStagedWriteRollbackRestoresPrevious(t *testing.T) {
	e, _, c := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, c.Put(ctx, pos.EntityTables, "t1", []byte(`{"id":"t1","active":false}`)))

	tbl := &pos.Table{ID: "t1", Active: true}
	staged, err := e.StageWrite(ctx, pos.EntityTables, tbl.ID, tbl)
	require.NoError(t, err)

	require.NoError(t, staged.Rollback(ctx))

	got, err := e.GetTable(ctx, "t1")
	require.NoError(t, err)
	require.False(t, got.Active)
}

func TestStagedWriteRollbackRemovesNewEntity(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()

	tbl := &pos.Table{ID: "fresh", Active: true}
	staged, err := e.StageWrite(ctx, pos.EntityTables, tbl.ID, tbl)
	require.NoError(t, err)

	require.NoError(t, staged.Rollback(ctx))

	_, err = e.GetTable(ctx, "fresh")
	require.ErrorIs(t, err, pos.ErrNotFound)
}

func TestStagedWriteCommitFailureRollsBack(t *testing.T) {
	e, f, _ := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, e.cache.Put(ctx, pos.EntityTables, "t1", []byte(`{"id":"t1","active":false}`)))

	tbl := &pos.Table{ID: "t1", Active: true}
	staged, err := e.StageWrite(ctx, pos.EntityTables, tbl.ID, tbl)
	require.NoError(t, err)

	f.failOps = 1
	err = staged.Commit(ctx)
	require.ErrorIs(t, err, pos.ErrRemoteUnreachable)

	// The optimistic state must not survive a failed commit.
	got, err := e.GetTable(ctx, "t1")
	require.NoError(t, err)
	require.False(t, got.Active)
}

func TestDegradedReadsFallBackToRemote(t *testing.T) {
	f := newFakeRemote()
	f.seed(pos.EntityProducts, "p1", time.Now().UTC(), `{"id":"p1","name":"Cola","price":3}`)

	// No local store at all: every read must come from the remote.
	e := New(nil, f, nil, DefaultConfig(), nil)
	ctx := context.Background()

	got, err := e.GetProduct(ctx, "p1")
	require.NoError(t, err)
	require.Equal(t, "Cola", got.Name)
	require.True(t, e.Degraded())

	all, err := e.AllProducts(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
}
