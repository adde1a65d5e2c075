// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

// Package tgbot implements the dispatch layer over the Telegram Bot API.
//
// A [Bot] long-polls getUpdates and routes each update to the matching
// subscription: message text runs against subscribed regexp patterns (first
// match in registration order wins), every other update kind goes to its
// on_event subscribers. Each update is handled on its own goroutine with
// panic recovery; handler failures are reported to the bot owner with
// secrets scrubbed, never to the chat user.
package tgbot

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"time"

	"go.astrophena.name/starhub/internal/dispatch"
	"go.astrophena.name/starhub/internal/logger"
	"go.astrophena.name/starhub/internal/request"
)

// Config configures a [Bot].
type Config struct {
	// Token is the Telegram Bot API token.
	Token string
	// Owner is the Telegram ID of the bot owner. Handler failures are
	// reported there when set.
	Owner int64
	// HTTPClient is used for Bot API requests. If nil, the default client
	// is used.
	HTTPClient *http.Client
	// Logf is used for logging. If nil, log.Printf is used.
	Logf logger.Logf
	// Scrubber scrubs secrets from logged and reported errors.
	Scrubber *strings.Replacer
}

// New returns a new Bot. Call [Bot.Run] to start receiving updates.
func New(c Config) *Bot {
	if c.Logf == nil {
		c.Logf = log.Printf
	}
	return &Bot{cfg: c, apiURL: "https://api.telegram.org"}
}

// Bot is a Telegram dispatcher. It implements [dispatch.Dispatcher].
type Bot struct {
	cfg    Config
	apiURL string // overridden in tests

	mu     sync.RWMutex
	nextID uint64
	texts  []textSub
	events []eventSub

	username string
}

type textSub struct {
	id      uint64
	pattern string
	re      *regexp.Regexp
	h       dispatch.Handler
}

type eventSub struct {
	id   uint64
	kind string
	h    dispatch.Handler
}

// OnText implements [dispatch.Registrar].
func (b *Bot) OnText(pattern string, h dispatch.Handler) (dispatch.Subscription, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return dispatch.Subscription{}, fmt.Errorf("tgbot: compiling pattern %q: %v", pattern, err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, s := range b.texts {
		if s.pattern == pattern {
			return dispatch.Subscription{}, fmt.Errorf("%w: %q", dispatch.ErrPatternTaken, pattern)
		}
	}
	b.nextID++
	b.texts = append(b.texts, textSub{id: b.nextID, pattern: pattern, re: re, h: h})
	return dispatch.NewSubscription(b.nextID), nil
}

// OnEvent implements [dispatch.Registrar].
func (b *Bot) OnEvent(kind string, h dispatch.Handler) (dispatch.Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	b.events = append(b.events, eventSub{id: b.nextID, kind: kind, h: h})
	return dispatch.NewSubscription(b.nextID), nil
}

// Unsubscribe implements [dispatch.Registrar]. Releasing an absent
// subscription is a no-op.
func (b *Bot) Unsubscribe(sub dispatch.Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.texts {
		if s.id == sub.ID() {
			b.texts = append(b.texts[:i], b.texts[i+1:]...)
			return
		}
	}
	for i, s := range b.events {
		if s.id == sub.ID() {
			b.events = append(b.events[:i], b.events[i+1:]...)
			return
		}
	}
}

// apiResponse is the Bot API response envelope.
type apiResponse[T any] struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
	Result      T      `json:"result"`
}

func call[T any](ctx context.Context, b *Bot, method string, body any) (T, error) {
	resp, err := request.Make[apiResponse[T]](ctx, request.Params{
		Method:     http.MethodPost,
		URL:        b.apiURL + "/bot" + b.cfg.Token + "/" + method,
		Body:       body,
		HTTPClient: b.cfg.HTTPClient,
		Scrubber:   b.cfg.Scrubber,
	})
	if err != nil {
		var zero T
		return zero, err
	}
	if !resp.OK {
		var zero T
		return zero, fmt.Errorf("tgbot: %s: %s", method, resp.Description)
	}
	return resp.Result, nil
}

// Send implements [dispatch.Sender].
func (b *Bot) Send(ctx context.Context, chatID int64, text string, opts *dispatch.SendOptions) error {
	body := map[string]any{
		"chat_id": chatID,
		"text":    text,
	}
	if opts != nil {
		if opts.ReplyTo != 0 {
			body["reply_to_message_id"] = opts.ReplyTo
		}
		if opts.Silent {
			body["disable_notification"] = true
		}
	}
	_, err := call[map[string]any](ctx, b, "sendMessage", body)
	return err
}

// Run validates the token with getMe and long-polls getUpdates until ctx is
// canceled, dispatching each received update on its own goroutine.
func (b *Bot) Run(ctx context.Context) error {
	me, err := call[struct {
		ID       int64  `json:"id"`
		Username string `json:"username"`
	}](ctx, b, "getMe", nil)
	if err != nil {
		return fmt.Errorf("tgbot: validating token: %w", err)
	}
	b.username = me.Username
	b.cfg.Logf("tgbot: running as @%s", me.Username)

	var offset int64
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}
		updates, err := call[[]map[string]any](ctx, b, "getUpdates", map[string]any{
			"offset":  offset,
			"timeout": 30,
		})
		if err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return nil
			}
			b.cfg.Logf("tgbot: getting updates: %v", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(3 * time.Second):
			}
			continue
		}
		for _, raw := range updates {
			if id, ok := updateID(raw); ok && id >= offset {
				offset = id + 1
			}
			go b.dispatchUpdate(ctx, parseUpdate(raw))
		}
	}
}
