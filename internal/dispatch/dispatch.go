// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

// Package dispatch defines the contract between the module loader and the
// chat dispatch layer.
//
// The loader subsystem never talks to a chat network directly; it registers
// pattern/handler pairs through [Registrar] and sends messages through
// [Sender]. The concrete implementation lives in internal/tgbot.
package dispatch

import (
	"context"
	"errors"
)

// ErrPatternTaken is returned by [Registrar.OnText] when another live
// subscription already owns the same pattern.
var ErrPatternTaken = errors.New("dispatch: pattern already registered")

// Update is one incoming chat event delivered to a handler.
type Update struct {
	// Kind is the update kind: "message", "edited_message", "callback_query"
	// and so on.
	Kind string
	// ChatID identifies the chat the update originated from, when known.
	ChatID int64
	// Text is the message text or callback data, when present.
	Text string
	// Payload is the raw decoded update object.
	Payload map[string]any
}

// Handler handles one incoming update. Handlers may be invoked concurrently.
// A returned error is reported to the operator, never to the chat user.
type Handler func(ctx context.Context, u Update) error

// Subscription is an opaque handle for one registered pattern/handler pair.
// It is owned by exactly one module and released exactly once.
type Subscription struct{ id uint64 }

// NewSubscription returns a subscription handle with the given id.
// It is exported for dispatch layer implementations; handle users treat
// subscriptions as opaque.
func NewSubscription(id uint64) Subscription { return Subscription{id: id} }

// ID reports the numeric id of the subscription.
func (s Subscription) ID() uint64 { return s.id }

// Registrar registers and removes pattern/handler pairs.
//
// Implementations must be safe for concurrent use: handlers can fire while
// another goroutine subscribes or unsubscribes.
type Registrar interface {
	// OnText subscribes h to messages whose text matches the regular
	// expression pattern. It fails with an invalid pattern or with
	// [ErrPatternTaken] on a collision with a live subscription.
	OnText(pattern string, h Handler) (Subscription, error)

	// OnEvent subscribes h to all updates of the given kind.
	OnEvent(kind string, h Handler) (Subscription, error)

	// Unsubscribe releases a subscription. Releasing an already-absent
	// subscription is a no-op, so Unsubscribe is safe on cleanup paths.
	Unsubscribe(Subscription)
}

// SendOptions carries optional arguments for [Sender.Send].
type SendOptions struct {
	// ReplyTo makes the message a reply to the given message ID.
	ReplyTo int64
	// Silent sends the message without notification.
	Silent bool
}

// Sender delivers messages to a chat.
type Sender interface {
	Send(ctx context.Context, chatID int64, text string, opts *SendOptions) error
}

// Dispatcher is the full capability set the host wires into loaded modules.
type Dispatcher interface {
	Registrar
	Sender
}
