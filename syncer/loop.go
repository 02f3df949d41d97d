// Copyright 2025 HG Sayim
// SPDX-License-Identifier: Apache-2.0

package syncer

import (
	"context"
	"time"

	"github.com/hgsayim/mekan-sub000/pos"
)

// Start launches the background poll and push loops. They stop when ctx is
// done; Wait blocks until they have exited.
func (e *Engine) Start(ctx context.Context) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.pollLoop(ctx)
	}()

	if e.feed != nil {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.pushLoop(ctx)
		}()
	}
}

// Wait blocks until the background loops have stopped.
func (e *Engine) Wait() { e.wg.Wait() }

// pollLoop is the correctness backstop: every tick it delta-pulls all
// entity types and runs the full tables diff. Errors are logged and
// swallowed; the next tick retries. Ticks are skipped entirely while
// polling is paused.
func (e *Engine) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if e.pollingPaused() {
			continue
		}
		e.pollOnce(ctx)
	}
}

// pollOnce runs one full poll pass.
func (e *Engine) pollOnce(ctx context.Context) {
	for _, typ := range pos.AllEntityTypes() {
		if typ == pos.EntityTables {
			continue // covered by the full diff below
		}
		if _, err := e.PullDelta(ctx, typ); err != nil {
			e.logger.Debug("delta pull failed, will retry next tick", "type", typ, "error", err)
		}
	}
	if _, err := e.PullTablesFull(ctx); err != nil {
		e.logger.Debug("tables full pull failed, will retry next tick", "error", err)
	}
}

// pushLoop consumes the change feed and applies events as they arrive.
// The feed reconnects internally; if its channel closes prematurely the
// loop re-subscribes with backoff.
func (e *Engine) pushLoop(ctx context.Context) {
	backoff := e.cfg.BackoffMin
	for ctx.Err() == nil {
		ch, err := e.feed.Subscribe(ctx, pos.AllEntityTypes())
		if err != nil {
			e.logger.Debug("push subscribe failed, retrying", "error", err)
			if !sleepCtx(ctx, backoff) {
				return
			}
			backoff = minDuration(backoff*2, e.cfg.BackoffMax)
			continue
		}
		backoff = e.cfg.BackoffMin

		for ev := range ch {
			if err := e.ApplyPushEvent(ctx, ev); err != nil {
				e.logger.Debug("push apply failed", "type", ev.Type, "id", ev.Row.ID, "error", err)
			}
		}
		if ctx.Err() != nil {
			return
		}
		if !sleepCtx(ctx, backoff) {
			return
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
