// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

// Package store contains a Starlark module that exposes persistent key-value
// state.
package store

import (
	"fmt"

	"go.astrophena.name/starhub/internal/starmod"
	kvstore "go.astrophena.name/starhub/internal/store"

	starlarkjson "go.starlark.net/lib/json"
	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
)

// Module returns a Starlark module that exposes persistent key-value state
// backed by s.
//
// This module provides two functions:
//
//   - get(key: str) -> value | None: Retrieves the value stored under the
//     given key, or None if the key has never been set.
//   - set(key: str, value: any): Stores the given value under the key. The
//     value must be representable as JSON.
//
// Keys are namespaced per module file: two modules storing under the same
// key never observe each other's values.
func Module(s kvstore.Store) *starlarkstruct.Module {
	m := &module{s: s}
	return &starlarkstruct.Module{
		Name: "store",
		Members: starlark.StringDict{
			"get": starlark.NewBuiltin("store.get", m.get),
			"set": starlark.NewBuiltin("store.set", m.set),
		},
	}
}

type module struct {
	s kvstore.Store
}

// nsKey prefixes key with the name of the executing module file. The NUL
// separator can't appear in repository paths, so namespaces never collide.
func nsKey(thread *starlark.Thread, key string) string {
	return thread.Name + "\x00" + key
}

func (m *module) get(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var key string
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "key", &key); err != nil {
		return nil, err
	}

	raw, err := m.s.Get(starmod.Context(thread), nsKey(thread, key))
	if err != nil {
		return nil, fmt.Errorf("%s: %v", b.Name(), err)
	}
	if raw == nil {
		return starlark.None, nil
	}

	decode := starlarkjson.Module.Members["decode"]
	return starlark.Call(thread, decode, starlark.Tuple{starlark.String(raw)}, nil)
}

func (m *module) set(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var (
		key string
		val starlark.Value
	)
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "key", &key, "value", &val); err != nil {
		return nil, err
	}

	encode := starlarkjson.Module.Members["encode"]
	enc, err := starlark.Call(thread, encode, starlark.Tuple{val}, nil)
	if err != nil {
		return nil, fmt.Errorf("%s: %v", b.Name(), err)
	}

	if err := m.s.Set(starmod.Context(thread), nsKey(thread, key), []byte(enc.(starlark.String))); err != nil {
		return nil, fmt.Errorf("%s: %v", b.Name(), err)
	}
	return starlark.None, nil
}
