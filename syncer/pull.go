// Copyright 2025 HG Sayim
// SPDX-License-Identifier: Apache-2.0

package syncer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hgsayim/mekan-sub000/pos"
	"github.com/hgsayim/mekan-sub000/remote"
)

// Bootstrap fully loads every entity type from the remote store into the
// cache and seeds the delta watermarks. It is bounded by
// Config.BootstrapTimeout: on timeout the engine proceeds with whatever is
// cached (possibly nothing) and logs a warning; startup is never blocked
// indefinitely on the network.
func (e *Engine) Bootstrap(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.BootstrapTimeout)
	defer cancel()

	for _, typ := range pos.AllEntityTypes() {
		if err := e.bootstrapType(ctx, typ); err != nil {
			if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, pos.ErrRemoteUnreachable) {
				e.logger.Warn("bootstrap incomplete, proceeding with cached data", "type", typ, "error", err)
				return nil
			}
			return fmt.Errorf("bootstrap %s: %w", typ, err)
		}
	}
	e.markDirty(pos.AllEntityTypes()...)
	return nil
}

func (e *Engine) bootstrapType(ctx context.Context, typ pos.EntityType) error {
	rows, err := e.remote.FetchAll(ctx, typ)
	if err != nil {
		return err
	}

	// Replace the cached set wholesale so rows deleted while this device
	// was offline do not linger.
	if err := e.cache.Clear(ctx, typ); err != nil {
		e.noteStorageErr(err)
		return nil // degraded: reads go remote, nothing to seed
	}

	watermark := time.Time{}
	for _, row := range rows {
		if err := e.cache.Put(ctx, typ, row.ID, row.Payload); err != nil {
			e.noteStorageErr(err)
			return nil
		}
		if row.UpdatedAt.After(watermark) {
			watermark = row.UpdatedAt
		}
	}
	if watermark.IsZero() {
		// Empty collection: anchor the watermark at now so the first
		// delta pull does not re-fetch history.
		watermark = time.Now().UTC()
	}
	if err := e.cache.SetLastSyncedAt(ctx, typ, watermark); err != nil {
		e.noteStorageErr(err)
	}
	return nil
}

// PullDelta fetches rows changed since the type's watermark and applies
// them to the cache. The watermark advances to the latest row's timestamp
// (never to "now", which would skip rows written between query start and
// completion) and is monotone. Returns whether anything changed.
func (e *Engine) PullDelta(ctx context.Context, typ pos.EntityType) (bool, error) {
	since, err := e.cache.LastSyncedAt(ctx, typ)
	if err != nil {
		e.noteStorageErr(err)
		return false, err
	}

	rows, err := e.remote.FetchChangedSince(ctx, typ, since)
	if err != nil {
		return false, err
	}
	if len(rows) == 0 {
		return false, nil
	}

	applied := 0
	watermark := since
	for _, row := range rows {
		if row.UpdatedAt.After(watermark) {
			watermark = row.UpdatedAt
		}
		if e.suppressed(typ, row.ID) {
			continue
		}
		if row.Deleted {
			err = e.cache.Delete(ctx, typ, row.ID)
		} else {
			err = e.cache.Put(ctx, typ, row.ID, row.Payload)
		}
		if err != nil {
			e.noteStorageErr(err)
			return false, err
		}
		applied++
	}

	if watermark.After(since) {
		if err := e.cache.SetLastSyncedAt(ctx, typ, watermark); err != nil {
			e.noteStorageErr(err)
			return false, err
		}
	}

	if applied > 0 {
		e.markDirty(typ)
	}
	return applied > 0, nil
}

// PullTablesFull re-fetches the whole tables collection and diffs it
// field-by-field against the cache. Table occupancy is latency-sensitive
// and the `active` flag may not reliably bump a row's change timestamp in
// the remote schema, so the delta watermark cannot be trusted for this one
// type. Only rows that actually differ are written back and reported, to
// avoid redundant UI churn. Returns the ids that changed.
func (e *Engine) PullTablesFull(ctx context.Context) ([]string, error) {
	rows, err := e.remote.FetchAll(ctx, pos.EntityTables)
	if err != nil {
		return nil, err
	}

	cached, err := e.cache.GetAll(ctx, pos.EntityTables)
	if err != nil {
		e.noteStorageErr(err)
		return nil, err
	}

	var changed []string
	seen := make(map[string]bool, len(rows))
	for _, row := range rows {
		seen[row.ID] = true
		if e.suppressed(pos.EntityTables, row.ID) {
			continue
		}
		if prev, ok := cached[row.ID]; ok && jsonEqual(prev, row.Payload) {
			continue
		}
		if err := e.cache.Put(ctx, pos.EntityTables, row.ID, row.Payload); err != nil {
			e.noteStorageErr(err)
			return changed, err
		}
		changed = append(changed, row.ID)
	}

	// Rows gone from the remote are gone from the venue.
	for id := range cached {
		if seen[id] || e.suppressed(pos.EntityTables, id) {
			continue
		}
		if err := e.cache.Delete(ctx, pos.EntityTables, id); err != nil {
			e.noteStorageErr(err)
			return changed, err
		}
		changed = append(changed, id)
	}

	if len(changed) > 0 {
		e.markDirty(pos.EntityTables)
	}
	return changed, nil
}

// ApplyPushEvent applies one push notification to the cache. Idempotent:
// replaying an event is a no-op after the first application. Events this
// device caused itself (matching source id) are dropped: the write path
// already put the row in the cache and signalled dirty, so re-applying the
// echo would only re-trigger the view. Events for guarded (suppressed) ids
// are dropped too: during a settling window the locally-known closed state
// wins over any stale "still open" row arriving from another device.
func (e *Engine) ApplyPushEvent(ctx context.Context, ev remote.ChangeEvent) error {
	if ev.Source != "" && ev.Source == e.sourceID {
		return nil
	}
	if e.suppressed(ev.Type, ev.Row.ID) {
		e.logger.Debug("push event suppressed by guard window", "type", ev.Type, "id", ev.Row.ID, "op", ev.Op)
		return nil
	}

	var err error
	switch ev.Op {
	case remote.OpDelete:
		err = e.cache.Delete(ctx, ev.Type, ev.Row.ID)
	case remote.OpInsert, remote.OpUpdate:
		err = e.cache.Put(ctx, ev.Type, ev.Row.ID, ev.Row.Payload)
	default:
		return fmt.Errorf("unknown push op: %s", ev.Op)
	}
	if err != nil {
		e.noteStorageErr(err)
		return err
	}

	e.markDirty(ev.Type)
	return nil
}
