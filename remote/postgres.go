// Copyright 2025 HG Sayim
// SPDX-License-Identifier: Apache-2.0

package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hgsayim/mekan-sub000/pos"
)

// DefaultNotifyChannel is the LISTEN/NOTIFY channel carrying row-change
// notifications for all entity types.
const DefaultNotifyChannel = "pos_changes"

// Postgres is the Store adapter over a Postgres system of record. Entities
// live in a single JSONB-keyed table; every write appends to a change log
// and fires a NOTIFY so connected devices get a push hint. The change log
// doubles as the tombstone source for delta queries.
type Postgres struct {
	pool     *pgxpool.Pool
	logger   *slog.Logger
	channel  string
	sourceID string

	backoffMin time.Duration
	backoffMax time.Duration
}

// NewPostgres creates the adapter. The pool is owned by the caller.
func NewPostgres(pool *pgxpool.Pool, logger *slog.Logger) *Postgres {
	if logger == nil {
		logger = slog.Default()
	}
	return &Postgres{
		pool:       pool,
		logger:     logger,
		channel:    DefaultNotifyChannel,
		backoffMin: 1 * time.Second,
		backoffMax: 30 * time.Second,
	}
}

// SetSourceID stamps this device's persisted source id onto every write's
// change-log row and NOTIFY payload, so subscribers can tell their own
// echoes apart. Must be called before the first write.
func (p *Postgres) SetSourceID(id string) { p.sourceID = id }

// InitSchema creates the backing tables if they do not exist.
func (p *Postgres) InitSchema(ctx context.Context) error {
	return pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		ddl := []string{
			`CREATE TABLE IF NOT EXISTS pos_entities (
				entity_type TEXT NOT NULL,
				id          TEXT NOT NULL,
				payload     JSONB NOT NULL,
				updated_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
				PRIMARY KEY (entity_type, id)
			)`,
			`CREATE INDEX IF NOT EXISTS pos_entities_updated_idx
				ON pos_entities (entity_type, updated_at)`,
			`CREATE TABLE IF NOT EXISTS pos_change_log (
				seq         BIGSERIAL PRIMARY KEY,
				entity_type TEXT NOT NULL,
				id          TEXT NOT NULL,
				op          TEXT NOT NULL,
				source      TEXT NOT NULL DEFAULT '',
				changed_at  TIMESTAMPTZ NOT NULL DEFAULT now()
			)`,
			`CREATE INDEX IF NOT EXISTS pos_change_log_changed_idx
				ON pos_change_log (entity_type, changed_at)`,
			`CREATE TABLE IF NOT EXISTS pos_staff (
				id            TEXT PRIMARY KEY,
				email         TEXT NOT NULL UNIQUE,
				display_name  TEXT NOT NULL DEFAULT '',
				password_hash TEXT NOT NULL
			)`,
		}
		for _, stmt := range ddl {
			if _, err := tx.Exec(ctx, stmt); err != nil {
				return fmt.Errorf("init schema: %w", err)
			}
		}
		return nil
	})
}

// FetchAll returns every live row of a type.
func (p *Postgres) FetchAll(ctx context.Context, typ pos.EntityType) ([]Row, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, payload, updated_at FROM pos_entities
		WHERE entity_type = $1
		ORDER BY updated_at
	`, string(typ))
	if err != nil {
		return nil, remoteErr(fmt.Sprintf("fetch all %s", typ), err)
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		var r Row
		var payload []byte
		if err := rows.Scan(&r.ID, &payload, &r.UpdatedAt); err != nil {
			return nil, remoteErr(fmt.Sprintf("scan %s row", typ), err)
		}
		r.Payload = payload
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, remoteErr(fmt.Sprintf("iterate %s rows", typ), err)
	}
	return out, nil
}

// Fetch returns one live row, or pos.ErrNotFound.
func (p *Postgres) Fetch(ctx context.Context, typ pos.EntityType, id string) (*Row, error) {
	var r Row
	var payload []byte
	err := p.pool.QueryRow(ctx, `
		SELECT id, payload, updated_at FROM pos_entities
		WHERE entity_type = $1 AND id = $2
	`, string(typ), id).Scan(&r.ID, &payload, &r.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("fetch %s/%s: %w", typ, id, pos.ErrNotFound)
	}
	if err != nil {
		return nil, remoteErr(fmt.Sprintf("fetch %s/%s", typ, id), err)
	}
	r.Payload = payload
	return &r, nil
}

// FetchChangedSince returns live rows updated strictly after since plus
// deletion tombstones from the change log, ordered by change time.
func (p *Postgres) FetchChangedSince(ctx context.Context, typ pos.EntityType, since time.Time) ([]Row, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, payload, updated_at FROM pos_entities
		WHERE entity_type = $1 AND updated_at > $2
		ORDER BY updated_at
	`, string(typ), since)
	if err != nil {
		return nil, remoteErr(fmt.Sprintf("fetch %s delta", typ), err)
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		var r Row
		var payload []byte
		if err := rows.Scan(&r.ID, &payload, &r.UpdatedAt); err != nil {
			return nil, remoteErr(fmt.Sprintf("scan %s delta row", typ), err)
		}
		r.Payload = payload
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, remoteErr(fmt.Sprintf("iterate %s delta rows", typ), err)
	}

	tombs, err := p.pool.Query(ctx, `
		SELECT id, max(changed_at) FROM pos_change_log
		WHERE entity_type = $1 AND op = 'DELETE' AND changed_at > $2
		GROUP BY id
	`, string(typ), since)
	if err != nil {
		return nil, remoteErr(fmt.Sprintf("fetch %s tombstones", typ), err)
	}
	defer tombs.Close()

	for tombs.Next() {
		var r Row
		if err := tombs.Scan(&r.ID, &r.UpdatedAt); err != nil {
			return nil, remoteErr(fmt.Sprintf("scan %s tombstone", typ), err)
		}
		r.Deleted = true
		out = append(out, r)
	}
	if err := tombs.Err(); err != nil {
		return nil, remoteErr(fmt.Sprintf("iterate %s tombstones", typ), err)
	}

	// A row deleted and re-created inside the window shows up twice; apply
	// order matters, so merge by change time.
	sort.SliceStable(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	return out, nil
}

// Insert upserts a row. The remote store is last-writer-wins; an insert of
// an existing id converges to the same end state as an update.
func (p *Postgres) Insert(ctx context.Context, typ pos.EntityType, row Row) error {
	return p.write(ctx, typ, row, OpInsert)
}

// Update upserts a row.
func (p *Postgres) Update(ctx context.Context, typ pos.EntityType, row Row) error {
	return p.write(ctx, typ, row, OpUpdate)
}

func (p *Postgres) write(ctx context.Context, typ pos.EntityType, row Row, op Op) error {
	err := p.withTxRetry(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			INSERT INTO pos_entities (entity_type, id, payload, updated_at)
			VALUES ($1, $2, $3, now())
			ON CONFLICT (entity_type, id)
			DO UPDATE SET payload = EXCLUDED.payload, updated_at = now()
		`, string(typ), row.ID, []byte(row.Payload)); err != nil {
			return err
		}
		return p.logAndNotify(ctx, tx, typ, row.ID, op)
	})
	if err != nil {
		return remoteErr(fmt.Sprintf("%s %s/%s", op, typ, row.ID), err)
	}
	return nil
}

// Delete removes a row and records a tombstone. Deleting an absent id is a
// no-op apart from the tombstone, keeping retries convergent.
func (p *Postgres) Delete(ctx context.Context, typ pos.EntityType, id string) error {
	err := p.withTxRetry(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			DELETE FROM pos_entities WHERE entity_type = $1 AND id = $2
		`, string(typ), id); err != nil {
			return err
		}
		return p.logAndNotify(ctx, tx, typ, id, OpDelete)
	})
	if err != nil {
		return remoteErr(fmt.Sprintf("delete %s/%s", typ, id), err)
	}
	return nil
}

func (p *Postgres) logAndNotify(ctx context.Context, tx pgx.Tx, typ pos.EntityType, id string, op Op) error {
	if _, err := tx.Exec(ctx, `
		INSERT INTO pos_change_log (entity_type, id, op, source) VALUES ($1, $2, $3, $4)
	`, string(typ), id, string(op), p.sourceID); err != nil {
		return err
	}
	// NOTIFY payloads are size-limited, so the hint carries only the
	// coordinates; subscribers re-fetch the row.
	_, err := tx.Exec(ctx, `
		SELECT pg_notify($1, json_build_object('type', $2::text, 'op', $3::text, 'id', $4::text, 'source', $5::text)::text)
	`, p.channel, string(typ), string(op), id, p.sourceID)
	return err
}

// withTxRetry runs fn in a transaction, retrying once on transient
// serialization/deadlock failures.
func (p *Postgres) withTxRetry(ctx context.Context, fn func(pgx.Tx) error) error {
	err := pgx.BeginFunc(ctx, p.pool, fn)
	if err != nil && isRetryablePGTxError(err) {
		if serr := sleepWithContext(ctx, 50*time.Millisecond); serr != nil {
			return serr
		}
		return pgx.BeginFunc(ctx, p.pool, fn)
	}
	return err
}

// pushNote is the NOTIFY payload shape.
type pushNote struct {
	Type   pos.EntityType `json:"type"`
	Op     Op             `json:"op"`
	ID     string         `json:"id"`
	Source string         `json:"source"`
}

// Subscribe opens the LISTEN/NOTIFY change feed. The returned channel stays
// open across connection drops (silent reconnect with backoff) and closes
// when ctx is done.
func (p *Postgres) Subscribe(ctx context.Context, types []pos.EntityType) (<-chan ChangeEvent, error) {
	watched := make(map[pos.EntityType]bool, len(types))
	for _, t := range types {
		watched[t] = true
	}
	ch := make(chan ChangeEvent, 64)
	go p.listenLoop(ctx, watched, ch)
	return ch, nil
}

func (p *Postgres) listenLoop(ctx context.Context, watched map[pos.EntityType]bool, ch chan<- ChangeEvent) {
	defer close(ch)

	backoff := p.backoffMin
	for ctx.Err() == nil {
		conn, err := p.pool.Acquire(ctx)
		if err != nil {
			p.logger.Debug("change feed: acquire failed, retrying", "error", err)
			if sleepWithContext(ctx, backoff) != nil {
				return
			}
			backoff = nextBackoff(backoff, p.backoffMax)
			continue
		}

		if _, err := conn.Exec(ctx, "LISTEN "+p.channel); err != nil {
			conn.Release()
			p.logger.Debug("change feed: LISTEN failed, retrying", "error", err)
			if sleepWithContext(ctx, backoff) != nil {
				return
			}
			backoff = nextBackoff(backoff, p.backoffMax)
			continue
		}
		backoff = p.backoffMin

		p.receiveNotifications(ctx, conn.Conn(), watched, ch)
		conn.Release()

		if ctx.Err() != nil {
			return
		}
		// Transient drop: reconnect silently, no user-facing error.
		if sleepWithContext(ctx, backoff) != nil {
			return
		}
	}
}

func (p *Postgres) receiveNotifications(ctx context.Context, conn *pgx.Conn, watched map[pos.EntityType]bool, ch chan<- ChangeEvent) {
	for {
		n, err := conn.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() == nil {
				p.logger.Debug("change feed: connection dropped", "error", err)
			}
			return
		}

		var note pushNote
		if err := json.Unmarshal([]byte(n.Payload), &note); err != nil {
			p.logger.Warn("change feed: malformed notification", "payload", n.Payload, "error", err)
			continue
		}
		if !watched[note.Type] {
			continue
		}

		ev := ChangeEvent{Type: note.Type, Op: note.Op, Source: note.Source}
		if note.Op == OpDelete {
			ev.Row = Row{ID: note.ID, UpdatedAt: time.Now().UTC(), Deleted: true}
		} else {
			row, err := p.Fetch(ctx, note.Type, note.ID)
			if err != nil {
				// The next delta pull picks the row up; push is only a hint.
				p.logger.Debug("change feed: re-fetch failed", "type", note.Type, "id", note.ID, "error", err)
				continue
			}
			ev.Row = *row
		}

		select {
		case ch <- ev:
		case <-ctx.Done():
			return
		}
	}
}

func nextBackoff(cur, max time.Duration) time.Duration {
	next := cur * 2
	if next > max {
		return max
	}
	return next
}

// remoteErr tags connectivity-shaped failures with the RemoteUnreachable
// taxonomy so the sync engine can serve stale cache instead of failing.
func remoteErr(op string, err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, errors.Join(pos.ErrRemoteUnreachable, err))
	}
	return fmt.Errorf("%s: %w", op, err)
}
