// Copyright 2025 HG Sayim
// SPDX-License-Identifier: Apache-2.0

package remote

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hgsayim/mekan-sub000/pos"
)

// WSFeed is a ChangeFeed over a realtime websocket endpoint, for
// deployments where the backend exposes one instead of (or in front of)
// direct database notifications. Each frame is a JSON-encoded ChangeEvent.
//
// Drops reconnect silently with exponential backoff; the subscriber channel
// closes only when ctx is done.
type WSFeed struct {
	URL    string
	Token  func(context.Context) (string, error) // optional bearer token
	Dialer *websocket.Dialer
	Logger *slog.Logger

	BackoffMin time.Duration
	BackoffMax time.Duration
}

// NewWSFeed creates a feed with default dialer and backoff.
func NewWSFeed(url string, token func(context.Context) (string, error), logger *slog.Logger) *WSFeed {
	if logger == nil {
		logger = slog.Default()
	}
	return &WSFeed{
		URL:        url,
		Token:      token,
		Dialer:     websocket.DefaultDialer,
		Logger:     logger,
		BackoffMin: 1 * time.Second,
		BackoffMax: 30 * time.Second,
	}
}

// Subscribe opens the feed for the given entity types.
func (f *WSFeed) Subscribe(ctx context.Context, types []pos.EntityType) (<-chan ChangeEvent, error) {
	watched := make(map[pos.EntityType]bool, len(types))
	names := make([]string, 0, len(types))
	for _, t := range types {
		watched[t] = true
		names = append(names, string(t))
	}

	ch := make(chan ChangeEvent, 64)
	go f.run(ctx, strings.Join(names, ","), watched, ch)
	return ch, nil
}

func (f *WSFeed) run(ctx context.Context, typesParam string, watched map[pos.EntityType]bool, ch chan<- ChangeEvent) {
	defer close(ch)

	backoff := f.BackoffMin
	for ctx.Err() == nil {
		conn, err := f.dial(ctx, typesParam)
		if err != nil {
			f.Logger.Debug("ws feed: dial failed, retrying", "error", err)
			if sleepWithContext(ctx, backoff) != nil {
				return
			}
			backoff = nextBackoff(backoff, f.BackoffMax)
			continue
		}
		backoff = f.BackoffMin

		f.readLoop(ctx, conn, watched, ch)
		_ = conn.Close()

		if ctx.Err() != nil {
			return
		}
		if sleepWithContext(ctx, backoff) != nil {
			return
		}
	}
}

func (f *WSFeed) dial(ctx context.Context, typesParam string) (*websocket.Conn, error) {
	header := http.Header{}
	if f.Token != nil {
		token, err := f.Token(ctx)
		if err != nil {
			return nil, err
		}
		header.Set("Authorization", "Bearer "+token)
	}

	url := f.URL
	if typesParam != "" {
		sep := "?"
		if strings.Contains(url, "?") {
			sep = "&"
		}
		url += sep + "types=" + typesParam
	}

	conn, resp, err := f.Dialer.DialContext(ctx, url, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	return conn, err
}

func (f *WSFeed) readLoop(ctx context.Context, conn *websocket.Conn, watched map[pos.EntityType]bool, ch chan<- ChangeEvent) {
	// Unblock ReadJSON when ctx ends.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()

	for {
		var ev ChangeEvent
		if err := conn.ReadJSON(&ev); err != nil {
			if ctx.Err() == nil {
				f.Logger.Debug("ws feed: connection dropped", "error", err)
			}
			return
		}
		if !watched[ev.Type] {
			continue
		}
		select {
		case ch <- ev:
		case <-ctx.Done():
			return
		}
	}
}
