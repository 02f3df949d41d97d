// Copyright 2025 HG Sayim
// SPDX-License-Identifier: Apache-2.0

package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/hgsayim/mekan-sub000/pos"
	"github.com/hgsayim/mekan-sub000/remote"
)

// Create writes a new entity through to the remote store and, once the
// remote acknowledges, into the cache.
func (e *Engine) Create(ctx context.Context, typ pos.EntityType, id string, entity any) error {
	payload, err := json.Marshal(entity)
	if err != nil {
		return fmt.Errorf("marshal %s/%s: %w", typ, id, err)
	}
	if err := e.remote.Insert(ctx, typ, remote.Row{ID: id, Payload: payload}); err != nil {
		return err
	}
	if err := e.cache.Put(ctx, typ, id, payload); err != nil {
		e.noteStorageErr(err)
	}
	e.markDirty(typ)
	return nil
}

// Write persists an entity remote-first: the cache is updated only after
// the remote write acknowledges. Callers that need perceived-latency
// hiding use StageWrite instead.
func (e *Engine) Write(ctx context.Context, typ pos.EntityType, id string, entity any) error {
	payload, err := json.Marshal(entity)
	if err != nil {
		return fmt.Errorf("marshal %s/%s: %w", typ, id, err)
	}
	if err := e.remote.Update(ctx, typ, remote.Row{ID: id, Payload: payload}); err != nil {
		return err
	}
	if err := e.cache.Put(ctx, typ, id, payload); err != nil {
		e.noteStorageErr(err)
	}
	e.markDirty(typ)
	return nil
}

// Delete removes an entity remote-first, then locally.
func (e *Engine) Delete(ctx context.Context, typ pos.EntityType, id string) error {
	if err := e.remote.Delete(ctx, typ, id); err != nil {
		return err
	}
	if err := e.cache.Delete(ctx, typ, id); err != nil {
		e.noteStorageErr(err)
	}
	e.markDirty(typ)
	return nil
}

// StagedWrite is a two-phase optimistic write: the cache already shows the
// new state, the remote write happens on Commit. Rollback (explicit, or
// implicit on Commit failure) restores the previous cached state. Exactly
// one of Commit/Rollback must be called.
type StagedWrite struct {
	engine  *Engine
	typ     pos.EntityType
	id      string
	payload json.RawMessage
	prev    json.RawMessage
	existed bool
	done    bool
}

// StageWrite applies the entity to the cache immediately and returns the
// staged handle. The UI sees the new state before any network round-trip.
func (e *Engine) StageWrite(ctx context.Context, typ pos.EntityType, id string, entity any) (*StagedWrite, error) {
	payload, err := json.Marshal(entity)
	if err != nil {
		return nil, fmt.Errorf("marshal %s/%s: %w", typ, id, err)
	}

	prev, err := e.cache.Get(ctx, typ, id)
	existed := true
	if err != nil {
		if !errors.Is(err, pos.ErrNotFound) {
			e.noteStorageErr(err)
		}
		existed = false
		prev = nil
	}

	if err := e.cache.Put(ctx, typ, id, payload); err != nil {
		e.noteStorageErr(err)
		// Optimistic visibility is best-effort; the remote write on
		// Commit still carries the real mutation.
	}
	e.markDirty(typ)

	return &StagedWrite{
		engine:  e,
		typ:     typ,
		id:      id,
		payload: payload,
		prev:    prev,
		existed: existed,
	}, nil
}

// Commit performs the remote write. On failure the optimistic cache state
// is rolled back before the error is returned.
func (s *StagedWrite) Commit(ctx context.Context) error {
	if s.done {
		return nil
	}
	if err := s.engine.remote.Update(ctx, s.typ, remote.Row{ID: s.id, Payload: s.payload}); err != nil {
		_ = s.Rollback(ctx)
		return err
	}
	s.done = true
	return nil
}

// Rollback restores the cached state from before StageWrite.
func (s *StagedWrite) Rollback(ctx context.Context) error {
	if s.done {
		return nil
	}
	s.done = true

	var err error
	if s.existed {
		err = s.engine.cache.Put(ctx, s.typ, s.id, s.prev)
	} else {
		err = s.engine.cache.Delete(ctx, s.typ, s.id)
	}
	if err != nil {
		s.engine.noteStorageErr(err)
		return err
	}
	s.engine.markDirty(s.typ)
	return nil
}
