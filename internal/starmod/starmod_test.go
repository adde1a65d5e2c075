// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package starmod

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.astrophena.name/starhub/internal/dispatch"
	"go.astrophena.name/starhub/internal/testutil"
)

// fakeDispatch is an in-memory dispatch layer for tests.
type fakeDispatch struct {
	nextID   uint64
	patterns map[uint64]string
	kinds    map[uint64]string
	handlers map[uint64]dispatch.Handler
	sent     []string
}

func newFakeDispatch() *fakeDispatch {
	return &fakeDispatch{
		patterns: make(map[uint64]string),
		kinds:    make(map[uint64]string),
		handlers: make(map[uint64]dispatch.Handler),
	}
}

func (f *fakeDispatch) OnText(pattern string, h dispatch.Handler) (dispatch.Subscription, error) {
	for _, p := range f.patterns {
		if p == pattern {
			return dispatch.Subscription{}, dispatch.ErrPatternTaken
		}
	}
	f.nextID++
	f.patterns[f.nextID] = pattern
	f.handlers[f.nextID] = h
	return dispatch.NewSubscription(f.nextID), nil
}

func (f *fakeDispatch) OnEvent(kind string, h dispatch.Handler) (dispatch.Subscription, error) {
	f.nextID++
	f.kinds[f.nextID] = kind
	f.handlers[f.nextID] = h
	return dispatch.NewSubscription(f.nextID), nil
}

func (f *fakeDispatch) Unsubscribe(sub dispatch.Subscription) {
	delete(f.patterns, sub.ID())
	delete(f.kinds, sub.ID())
	delete(f.handlers, sub.ID())
}

func (f *fakeDispatch) Send(_ context.Context, chatID int64, text string, _ *dispatch.SendOptions) error {
	f.sent = append(f.sent, text)
	return nil
}

func (f *fakeDispatch) active() int { return len(f.handlers) }

func newLoader(t *testing.T, files map[string]string) *Loader {
	t.Helper()
	root := t.TempDir()
	for name, content := range files {
		path := filepath.Join(root, filepath.FromSlash(name))
		testutil.AssertNilError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		testutil.AssertNilError(t, os.WriteFile(path, []byte(content), 0o644))
	}
	return &Loader{Root: root, Logf: t.Logf}
}

const helloModule = `
def register(bot):
    def say_hello(update):
        bot.send(chat_id = update["chat_id"], text = "Hello!")
    bot.on_text("^/hello$", say_hello)

metadata = module_meta(
    name = "Hello World",
    category = "Test",
    commands = ["hello"],
)
`

func TestLoad(t *testing.T) {
	t.Parallel()

	l := newLoader(t, map[string]string{"hello.star": helloModule})
	mod, err := l.Load(t.Context(), "hello.star")
	testutil.AssertNilError(t, err)
	testutil.AssertEqual(t, mod.Meta, Meta{
		Name:     "Hello World",
		Category: "Test",
		Commands: []string{"hello"},
	})
}

func TestLoadErrors(t *testing.T) {
	t.Parallel()

	cases := map[string]struct {
		src     string
		wantErr error
	}{
		"no register": {
			src:     `x = 1`,
			wantErr: errNoRegister,
		},
		"register not callable": {
			src:     `register = 42`,
			wantErr: errRegisterNotFunc,
		},
		"metadata not a struct": {
			src: `
def register(bot):
    pass
metadata = 42
`,
			wantErr: errMetaNotStruct,
		},
		"metadata without name": {
			src: `
def register(bot):
    pass
metadata = {"category": "Test"}
`,
			wantErr: errMetaMissingName,
		},
		"metadata without category": {
			src: `
def register(bot):
    pass
metadata = {"name": "Broken"}
`,
			wantErr: errMetaMissingCategory,
		},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			l := newLoader(t, map[string]string{"mod.star": tc.src})
			_, err := l.Load(t.Context(), "mod.star")
			var le *LoadError
			if !errors.As(err, &le) {
				t.Fatalf("got error %v, want LoadError", err)
			}
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("got error %v, want %v", err, tc.wantErr)
			}
		})
	}

	t.Run("throw at top level", func(t *testing.T) {
		l := newLoader(t, map[string]string{"mod.star": `fail(err = "boom")`})
		_, err := l.Load(t.Context(), "mod.star")
		var le *LoadError
		if !errors.As(err, &le) {
			t.Fatalf("got error %v, want LoadError", err)
		}
		if !strings.Contains(err.Error(), "boom") {
			t.Fatalf("error %q does not mention the cause", err)
		}
	})

	t.Run("parse error", func(t *testing.T) {
		l := newLoader(t, map[string]string{"mod.star": `def register(`})
		_, err := l.Load(t.Context(), "mod.star")
		var le *LoadError
		if !errors.As(err, &le) {
			t.Fatalf("got error %v, want LoadError", err)
		}
	})
}

func TestLoadStatements(t *testing.T) {
	t.Parallel()

	l := newLoader(t, map[string]string{
		"lib/greet.star": `
def greeting(name):
    return "Hello, " + name + "!"
`,
		"hello.star": `
load("lib/greet.star", "greeting")

def register(bot):
    pass

metadata = {"name": greeting("loader"), "category": "Test"}
`,
	})
	mod, err := l.Load(t.Context(), "hello.star")
	testutil.AssertNilError(t, err)
	testutil.AssertEqual(t, mod.Meta.Name, "Hello, loader!")
}

func TestLoadOutsideRoot(t *testing.T) {
	t.Parallel()

	l := newLoader(t, map[string]string{"mod.star": `
load("../secret.star", "x")

def register(bot):
    pass
`})
	_, err := l.Load(t.Context(), "mod.star")
	if err == nil || !strings.Contains(err.Error(), "outside the module root") {
		t.Fatalf("got error %v, want outside-root rejection", err)
	}
}

func TestFilesRead(t *testing.T) {
	t.Parallel()

	l := newLoader(t, map[string]string{
		"greeting.txt": "Ahoy!",
		"mod.star": `
def register(bot):
    pass

metadata = {"name": files.read("greeting.txt"), "category": "Test"}
`,
	})
	mod, err := l.Load(t.Context(), "mod.star")
	testutil.AssertNilError(t, err)
	testutil.AssertEqual(t, mod.Meta.Name, "Ahoy!")
}

func TestRegister(t *testing.T) {
	t.Parallel()

	l := newLoader(t, map[string]string{"hello.star": helloModule})
	mod, err := l.Load(t.Context(), "hello.star")
	testutil.AssertNilError(t, err)

	d := newFakeDispatch()
	subs, err := l.Register(t.Context(), mod, d)
	testutil.AssertNilError(t, err)
	testutil.AssertEqual(t, len(subs), 1)
	testutil.AssertEqual(t, d.active(), 1)

	// Deliver an update to the registered handler.
	var sub uint64
	for id := range d.handlers {
		sub = id
	}
	err = d.handlers[sub](t.Context(), dispatch.Update{
		Kind:   "message",
		ChatID: 42,
		Text:   "/hello",
	})
	testutil.AssertNilError(t, err)
	testutil.AssertEqual(t, d.sent, []string{"Hello!"})
}

func TestRegisterRollback(t *testing.T) {
	t.Parallel()

	l := newLoader(t, map[string]string{"bad.star": `
def handle(update):
    pass

def register(bot):
    bot.on_text("^/one$", handle)
    bot.on_text("^/two$", handle)
    fail(err = "register exploded")
`})
	mod, err := l.Load(t.Context(), "bad.star")
	testutil.AssertNilError(t, err)

	d := newFakeDispatch()
	_, err = l.Register(t.Context(), mod, d)
	var le *LoadError
	if !errors.As(err, &le) {
		t.Fatalf("got error %v, want LoadError", err)
	}
	// Rollback property: a module that throws inside register leaves zero
	// active subscriptions.
	testutil.AssertEqual(t, d.active(), 0)
}

func TestRegisterPatternCollision(t *testing.T) {
	t.Parallel()

	l := newLoader(t, map[string]string{
		"one.star": `
def handle(update):
    pass

def register(bot):
    bot.on_text("^/dup$", handle)
`,
		"two.star": `
def handle(update):
    pass

def register(bot):
    bot.on_event("callback_query", handle)
    bot.on_text("^/dup$", handle)
`,
	})

	d := newFakeDispatch()

	one, err := l.Load(t.Context(), "one.star")
	testutil.AssertNilError(t, err)
	_, err = l.Register(t.Context(), one, d)
	testutil.AssertNilError(t, err)

	two, err := l.Load(t.Context(), "two.star")
	testutil.AssertNilError(t, err)
	_, err = l.Register(t.Context(), two, d)
	if !errors.Is(err, dispatch.ErrPatternTaken) {
		t.Fatalf("got error %v, want ErrPatternTaken", err)
	}
	// The colliding module's earlier event subscription is rolled back; the
	// first module keeps its subscription.
	testutil.AssertEqual(t, d.active(), 1)
}

func TestHandlerError(t *testing.T) {
	t.Parallel()

	l := newLoader(t, map[string]string{"mod.star": `
def handle(update):
    fail(err = "handler exploded")

def register(bot):
    bot.on_text("^/boom$", handle)
`})
	mod, err := l.Load(t.Context(), "mod.star")
	testutil.AssertNilError(t, err)

	d := newFakeDispatch()
	_, err = l.Register(t.Context(), mod, d)
	testutil.AssertNilError(t, err)

	for _, h := range d.handlers {
		err = h(t.Context(), dispatch.Update{Kind: "message", Text: "/boom"})
	}
	var he *HandlerError
	if !errors.As(err, &he) {
		t.Fatalf("got error %v, want HandlerError", err)
	}
	var le *LoadError
	if errors.As(err, &le) {
		t.Fatalf("handler failure %v reported as LoadError", err)
	}
	if !strings.Contains(err.Error(), "handler exploded") {
		t.Fatalf("error %q does not mention the cause", err)
	}
}

func TestHandlerTimeSubscribeRejected(t *testing.T) {
	t.Parallel()

	l := newLoader(t, map[string]string{"mod.star": `
def register(bot):
    def sneak(update):
        def late(update):
            pass
        bot.on_text("^/late$", late)
    bot.on_text("^/sneak$", sneak)
`})
	mod, err := l.Load(t.Context(), "mod.star")
	testutil.AssertNilError(t, err)

	d := newFakeDispatch()
	subs, err := l.Register(t.Context(), mod, d)
	testutil.AssertNilError(t, err)
	testutil.AssertEqual(t, len(subs), 1)

	for _, h := range d.handlers {
		err = h(t.Context(), dispatch.Update{Kind: "message", Text: "/sneak"})
	}
	if err == nil {
		t.Fatal("subscribing from a handler succeeded")
	}
	if !errors.Is(err, errRegisterOnly) {
		t.Fatalf("got error %v, want errRegisterOnly", err)
	}
	// Everything the dispatcher holds is accounted for in subs, so unloading
	// the module releases all of it.
	testutil.AssertEqual(t, d.active(), len(subs))
	for _, sub := range subs {
		d.Unsubscribe(sub)
	}
	testutil.AssertEqual(t, d.active(), 0)
}
