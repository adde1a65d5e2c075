// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package tgbot

import (
	"context"
	"fmt"
	"runtime/debug"

	"go.astrophena.name/starhub/internal/dispatch"
)

func updateID(raw map[string]any) (int64, bool) {
	f, ok := raw["update_id"].(float64)
	if !ok {
		return 0, false
	}
	return int64(f), true
}

// parseUpdate maps a raw Bot API update object onto [dispatch.Update]. The
// update kind is the name of the single non-update_id key; chat ID and text
// are extracted when the payload carries them.
func parseUpdate(raw map[string]any) dispatch.Update {
	u := dispatch.Update{Payload: raw}
	for key, val := range raw {
		if key == "update_id" {
			continue
		}
		u.Kind = key
		obj, ok := val.(map[string]any)
		if !ok {
			continue
		}
		u.ChatID = lookupChatID(obj)
		if text, ok := obj["text"].(string); ok {
			u.Text = text
		} else if data, ok := obj["data"].(string); ok {
			// Callback queries carry their payload in data.
			u.Text = data
		}
	}
	return u
}

func lookupChatID(obj map[string]any) int64 {
	chat, ok := obj["chat"].(map[string]any)
	if !ok {
		// Callback queries nest the chat in the originating message.
		msg, ok := obj["message"].(map[string]any)
		if !ok {
			return 0
		}
		if chat, ok = msg["chat"].(map[string]any); !ok {
			return 0
		}
	}
	id, ok := chat["id"].(float64)
	if !ok {
		return 0
	}
	return int64(id)
}

// dispatchUpdate routes one update to its subscribers. It never lets a
// handler panic or error escape to the poll loop.
func (b *Bot) dispatchUpdate(ctx context.Context, u dispatch.Update) {
	defer func() {
		if p := recover(); p != nil {
			b.reportError(ctx, fmt.Errorf("handler panicked: %v\n\n%s", p, debug.Stack()))
		}
	}()

	for _, h := range b.matches(u) {
		if err := h(ctx, u); err != nil {
			b.reportError(ctx, err)
		}
	}
}

// matches collects the handlers for an update: the first text pattern that
// matches, in registration order, plus every on_event subscriber of the
// update's kind.
func (b *Bot) matches(u dispatch.Update) []dispatch.Handler {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var hs []dispatch.Handler
	if u.Kind == "message" && u.Text != "" {
		for _, s := range b.texts {
			if s.re.MatchString(u.Text) {
				hs = append(hs, s.h)
				break
			}
		}
	}
	for _, s := range b.events {
		if s.kind == u.Kind {
			hs = append(hs, s.h)
		}
	}
	return hs
}

// reportError logs a handler failure and forwards it to the bot owner, with
// secrets scrubbed.
func (b *Bot) reportError(ctx context.Context, err error) {
	msg := err.Error()
	if b.cfg.Scrubber != nil {
		msg = b.cfg.Scrubber.Replace(msg)
	}
	b.cfg.Logf("tgbot: %s", msg)

	if b.cfg.Owner == 0 {
		return
	}
	if serr := b.Send(ctx, b.cfg.Owner, "⚠️ "+msg, &dispatch.SendOptions{Silent: true}); serr != nil {
		b.cfg.Logf("tgbot: reporting to owner: %v", serr)
	}
}
