// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package starmod

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.astrophena.name/starhub/internal/dispatch"
	"go.astrophena.name/starhub/internal/starmod/go2star"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
)

var errRegisterOnly = errors.New("subscriptions are only accepted while register runs")

// Register invokes the module's register entry point with a bot handle bound
// to d and returns the subscriptions the module made.
//
// A throw during register is a [LoadError] for that module, and any
// subscriptions made before the throw are rolled back, so a failed module
// never leaves partial registrations behind.
//
// The returned slice is the complete set the module will ever own: the
// recorder is sealed when Register returns, and a handler that calls
// bot.on_text or bot.on_event at delivery time fails instead of creating a
// subscription the unload path would never see.
func (l *Loader) Register(ctx context.Context, mod *Module, d dispatch.Dispatcher) ([]dispatch.Subscription, error) {
	rec := &recorder{reg: d}
	bot := l.botModule(mod.Path, rec, d)

	exec := &execution{l: l, ctx: ctx, cache: make(map[string]*loadEntry)}
	if _, err := starlark.Call(exec.thread(mod.Path), mod.register, starlark.Tuple{bot}, nil); err != nil {
		rec.rollback()
		return nil, &LoadError{Path: mod.Path, Err: err}
	}
	return rec.seal(), nil
}

// recorder wraps a [dispatch.Registrar] and records every subscription it
// hands out, for rollback and for later unload. Handlers close over the bot
// handle and run on dispatcher goroutines, so the recorder is locked and
// rejects subscriptions once sealed.
type recorder struct {
	reg dispatch.Registrar

	mu     sync.Mutex
	sealed bool
	subs   []dispatch.Subscription
}

func (r *recorder) OnText(pattern string, h dispatch.Handler) (dispatch.Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed {
		return dispatch.Subscription{}, errRegisterOnly
	}
	sub, err := r.reg.OnText(pattern, h)
	if err == nil {
		r.subs = append(r.subs, sub)
	}
	return sub, err
}

func (r *recorder) OnEvent(kind string, h dispatch.Handler) (dispatch.Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed {
		return dispatch.Subscription{}, errRegisterOnly
	}
	sub, err := r.reg.OnEvent(kind, h)
	if err == nil {
		r.subs = append(r.subs, sub)
	}
	return sub, err
}

func (r *recorder) Unsubscribe(sub dispatch.Subscription) { r.reg.Unsubscribe(sub) }

// seal stops the recorder from accepting new subscriptions and returns
// everything it handed out.
func (r *recorder) seal() []dispatch.Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sealed = true
	return r.subs
}

func (r *recorder) rollback() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sealed = true
	for _, sub := range r.subs {
		r.reg.Unsubscribe(sub)
	}
	r.subs = nil
}

// botModule returns the bot handle passed to a module's register function.
// It exposes exactly the dispatch capability set: on_text, on_event and send.
func (l *Loader) botModule(path string, reg dispatch.Registrar, snd dispatch.Sender) *starlarkstruct.Module {
	b := &botmod{l: l, path: path, reg: reg, snd: snd}
	return &starlarkstruct.Module{
		Name: "bot",
		Members: starlark.StringDict{
			"on_text":  starlark.NewBuiltin("bot.on_text", b.onText),
			"on_event": starlark.NewBuiltin("bot.on_event", b.onEvent),
			"send":     starlark.NewBuiltin("bot.send", b.send),
		},
	}
}

type botmod struct {
	l    *Loader
	path string
	reg  dispatch.Registrar
	snd  dispatch.Sender
}

// bot.on_text Starlark function.
func (b *botmod) onText(_ *starlark.Thread, bn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var (
		pattern string
		fn      starlark.Callable
	)
	if err := starlark.UnpackArgs(bn.Name(), args, kwargs, "pattern", &pattern, "fn", &fn); err != nil {
		return nil, err
	}
	if _, err := b.reg.OnText(pattern, b.handler(fn)); err != nil {
		return nil, err
	}
	return starlark.None, nil
}

// bot.on_event Starlark function.
func (b *botmod) onEvent(_ *starlark.Thread, bn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var (
		kind string
		fn   starlark.Callable
	)
	if err := starlark.UnpackArgs(bn.Name(), args, kwargs, "kind", &kind, "fn", &fn); err != nil {
		return nil, err
	}
	if _, err := b.reg.OnEvent(kind, b.handler(fn)); err != nil {
		return nil, err
	}
	return starlark.None, nil
}

// bot.send Starlark function.
func (b *botmod) send(thread *starlark.Thread, bn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var (
		chatID  int64
		text    string
		replyTo int64
		silent  bool
	)
	if err := starlark.UnpackArgs(
		bn.Name(),
		args, kwargs,
		"chat_id", &chatID,
		"text", &text,
		"reply_to?", &replyTo,
		"silent?", &silent,
	); err != nil {
		return nil, err
	}
	opts := &dispatch.SendOptions{ReplyTo: replyTo, Silent: silent}
	if err := b.snd.Send(Context(thread), chatID, text, opts); err != nil {
		return nil, fmt.Errorf("%s: %v", bn.Name(), err)
	}
	return starlark.None, nil
}

// handler adapts a Starlark callable into a [dispatch.Handler]. Each update
// runs in a fresh thread carrying the delivery context.
func (b *botmod) handler(fn starlark.Callable) dispatch.Handler {
	return func(ctx context.Context, u dispatch.Update) error {
		update, err := go2star.To(struct {
			Kind    string         `json:"kind"`
			ChatID  int64          `json:"chat_id"`
			Text    string         `json:"text"`
			Payload map[string]any `json:"payload"`
		}{Kind: u.Kind, ChatID: u.ChatID, Text: u.Text, Payload: u.Payload})
		if err != nil {
			return &HandlerError{Path: b.path, Err: err}
		}

		exec := &execution{l: b.l, ctx: ctx, cache: make(map[string]*loadEntry)}
		if _, err := starlark.Call(exec.thread(b.path), fn, starlark.Tuple{update}, nil); err != nil {
			return &HandlerError{Path: b.path, Err: err}
		}
		return nil
	}
}
