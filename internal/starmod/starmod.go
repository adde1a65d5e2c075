// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

// Package starmod loads Starlark command modules and bridges them into the
// dispatch layer.
//
// A module is a single Starlark file that defines a register function and,
// optionally, a metadata value:
//
//	def register(bot):
//	    bot.on_text("^/hello$", say_hello)
//
//	metadata = module_meta(
//	    name = "Hello World",
//	    category = "Test",
//	)
//
// Module code runs with no access to the host process beyond the predeclared
// environment and the bot handle passed to register. Failures are isolated
// per file: a module that does not parse, throws during evaluation or
// registration, or violates the contract yields a [LoadError] and nothing
// else.
package starmod

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"go.astrophena.name/starhub/internal/logger"

	starlarkjson "go.starlark.net/lib/json"
	starlarktime "go.starlark.net/lib/time"
	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
	"go.starlark.net/syntax"
)

var (
	errNoRegister          = errors.New("module does not define register")
	errRegisterNotFunc     = errors.New("register is not callable")
	errLoadCycle           = errors.New("cycle in load graph")
	errOutsideRoot         = errors.New("path is outside the module root")
	errMetaNotStruct       = errors.New("metadata must be a struct or a dict")
	errMetaMissingName     = errors.New("metadata lacks a name")
	errMetaMissingCategory = errors.New("metadata lacks a category")
)

var fileOptions = &syntax.FileOptions{}

// LoadError reports a failure to load, evaluate or register a single module
// file. It never affects other modules loaded in the same cycle.
type LoadError struct {
	Path string
	Err  error
}

func (e *LoadError) Error() string {
	msg := e.Err.Error()
	var evalErr *starlark.EvalError
	if errors.As(e.Err, &evalErr) {
		msg = evalErr.Backtrace()
	}
	return fmt.Sprintf("starmod: %s: %s", e.Path, msg)
}

func (e *LoadError) Unwrap() error { return e.Err }

// HandlerError reports a failure inside a module handler at delivery time.
// The module itself loaded and registered fine; only this delivery failed.
type HandlerError struct {
	Path string
	Err  error
}

func (e *HandlerError) Error() string {
	msg := e.Err.Error()
	var evalErr *starlark.EvalError
	if errors.As(e.Err, &evalErr) {
		msg = evalErr.Backtrace()
	}
	return fmt.Sprintf("starmod: %s: handler: %s", e.Path, msg)
}

func (e *HandlerError) Unwrap() error { return e.Err }

// Meta describes a loaded module, as declared by its metadata value.
type Meta struct {
	Name        string   `json:"name"`
	Category    string   `json:"category"`
	Description string   `json:"description,omitempty"`
	Commands    []string `json:"commands,omitempty"`
}

// Module is a successfully executed module file whose register entry point
// has not been invoked yet.
type Module struct {
	Path string
	Meta Meta

	register starlark.Value
}

// Loader executes module files from a directory tree.
type Loader struct {
	// Root is the directory module paths resolve against, usually the
	// repository mirror checkout.
	Root string
	// Predeclared is merged into the base environment available to module
	// code. Used by the host to expose store, feeds and similar modules.
	Predeclared starlark.StringDict
	// Logf specifies a logger to use. If nil, log.Printf is used.
	Logf logger.Logf
}

func (l *Loader) logf(format string, args ...any) {
	if l.Logf == nil {
		log.Printf(format, args...)
		return
	}
	l.Logf(format, args...)
}

// Load reads and executes the module file at path (slash-separated, relative
// to the loader root) in an isolated Starlark thread and validates the module
// contract. It does not invoke register; see [Loader.Register].
func (l *Loader) Load(ctx context.Context, path string) (*Module, error) {
	exec := &execution{l: l, ctx: ctx, cache: make(map[string]*loadEntry)}

	src, err := l.readFile(path)
	if err != nil {
		return nil, &LoadError{Path: path, Err: err}
	}

	globals, err := starlark.ExecFileOptions(fileOptions, exec.thread(path), path, src, l.predeclared())
	if err != nil {
		return nil, &LoadError{Path: path, Err: err}
	}

	reg, ok := globals["register"]
	if !ok {
		return nil, &LoadError{Path: path, Err: errNoRegister}
	}
	if _, ok := reg.(starlark.Callable); !ok {
		return nil, &LoadError{Path: path, Err: errRegisterNotFunc}
	}

	meta, err := parseMeta(globals)
	if err != nil {
		return nil, &LoadError{Path: path, Err: err}
	}

	return &Module{Path: path, Meta: meta, register: reg}, nil
}

// execution tracks state of one top-level module load, so that load()
// statements see a consistent, cycle-checked view of the repository.
type execution struct {
	l     *Loader
	ctx   context.Context
	cache map[string]*loadEntry
}

type loadEntry struct {
	globals starlark.StringDict
	err     error
}

func (e *execution) thread(name string) *starlark.Thread {
	th := &starlark.Thread{
		Name: name,
		Print: func(_ *starlark.Thread, msg string) {
			e.l.logf("%s: %s", name, msg)
		},
		Load: e.load,
	}
	th.SetLocal(ctxKey, e.ctx)
	return th
}

func (e *execution) load(_ *starlark.Thread, module string) (starlark.StringDict, error) {
	if entry, ok := e.cache[module]; ok {
		if entry == nil {
			return nil, errLoadCycle
		}
		return entry.globals, entry.err
	}
	e.cache[module] = nil // mark in progress

	var globals starlark.StringDict
	src, err := e.l.readFile(module)
	if err == nil {
		globals, err = starlark.ExecFileOptions(fileOptions, e.thread(module), module, src, e.l.predeclared())
	}

	e.cache[module] = &loadEntry{globals: globals, err: err}
	return globals, err
}

// readFile reads a file confined to the loader root.
func (l *Loader) readFile(path string) ([]byte, error) {
	abs := filepath.Join(l.Root, filepath.FromSlash(path))
	rel, err := filepath.Rel(l.Root, abs)
	if err != nil {
		return nil, err
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return nil, errOutsideRoot
	}
	return os.ReadFile(abs)
}

// Starlark environment.

func (l *Loader) predeclared() starlark.StringDict {
	env := starlark.StringDict{
		"fail":        starlark.NewBuiltin("fail", starlarkFail),
		"json":        starlarkjson.Module,
		"module":      starlark.NewBuiltin("module", starlarkstruct.MakeModule),
		"module_meta": starlark.NewBuiltin("module_meta", starlarkstruct.Make),
		"struct":      starlark.NewBuiltin("struct", starlarkstruct.Make),
		"time":        starlarktime.Module,
		"files": &starlarkstruct.Module{
			Name: "files",
			Members: starlark.StringDict{
				"read": starlark.NewBuiltin("files.read", l.starlarkFilesRead),
			},
		},
	}
	for name, val := range l.Predeclared {
		env[name] = val
	}
	return env
}

// fail Starlark function.
func starlarkFail(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var errStr string
	if err := starlark.UnpackArgs(
		b.Name(),
		args, kwargs,
		"err", &errStr,
	); err != nil {
		return nil, err
	}
	return nil, errors.New(errStr)
}

// files.read Starlark function.
func (l *Loader) starlarkFilesRead(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var name string
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "name", &name); err != nil {
		return nil, err
	}
	body, err := l.readFile(name)
	if err != nil {
		return nil, fmt.Errorf("%s: %v", b.Name(), err)
	}
	return starlark.String(body), nil
}

// Context plumbing: handlers and builtins run with a Go context attached to
// the Starlark thread.

const ctxKey = "starhub:ctx"

// Context returns the Go context attached to the Starlark thread, or
// context.Background if there is none.
func Context(thread *starlark.Thread) context.Context {
	if ctx, ok := thread.Local(ctxKey).(context.Context); ok {
		return ctx
	}
	return context.Background()
}

// Metadata parsing.

func parseMeta(globals starlark.StringDict) (Meta, error) {
	v, ok := globals["metadata"]
	if !ok {
		return Meta{}, nil
	}

	attrs, err := metaAttrs(v)
	if err != nil {
		return Meta{}, err
	}

	var m Meta
	if m.Name, ok = attrString(attrs, "name"); !ok {
		return Meta{}, errMetaMissingName
	}
	if m.Category, ok = attrString(attrs, "category"); !ok {
		return Meta{}, errMetaMissingCategory
	}
	m.Description, _ = attrString(attrs, "description")

	if cv, ok := attrs["commands"]; ok {
		iter, ok := cv.(starlark.Iterable)
		if !ok {
			return Meta{}, fmt.Errorf("metadata commands is not iterable: %s", cv.Type())
		}
		it := iter.Iterate()
		defer it.Done()
		var elem starlark.Value
		for it.Next(&elem) {
			s, ok := starlark.AsString(elem)
			if !ok {
				return Meta{}, fmt.Errorf("metadata command is not a string: %s", elem.Type())
			}
			m.Commands = append(m.Commands, s)
		}
	}

	return m, nil
}

func metaAttrs(v starlark.Value) (map[string]starlark.Value, error) {
	attrs := make(map[string]starlark.Value)
	switch val := v.(type) {
	case *starlarkstruct.Struct:
		for _, name := range val.AttrNames() {
			av, err := val.Attr(name)
			if err != nil {
				return nil, err
			}
			attrs[name] = av
		}
	case *starlark.Dict:
		for _, kv := range val.Items() {
			key, ok := starlark.AsString(kv[0])
			if !ok {
				return nil, fmt.Errorf("metadata key is not a string: %s", kv[0].Type())
			}
			attrs[key] = kv[1]
		}
	default:
		return nil, errMetaNotStruct
	}
	return attrs, nil
}

func attrString(attrs map[string]starlark.Value, key string) (string, bool) {
	v, ok := attrs[key]
	if !ok {
		return "", false
	}
	return starlark.AsString(v)
}
