// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

// Package feeds contains a Starlark module for fetching RSS and Atom feeds.
package feeds

import (
	"fmt"
	"net/http"

	"go.astrophena.name/starhub/internal/starmod"
	"go.astrophena.name/starhub/internal/starmod/go2star"

	"github.com/mmcdole/gofeed"
	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
)

// Module returns a Starlark module for fetching feeds.
//
// This module provides a single function, fetch, which downloads and parses
// an RSS or Atom feed:
//
//	feed = feeds.fetch(url = "https://example.com/feed.xml")
//
// The result is a dict with title, description, link and items keys; each
// item is a dict mirroring the feed entry (title, link, published and so
// on).
//
// httpc is used for fetching; pass nil to use [http.DefaultClient].
func Module(httpc *http.Client) *starlarkstruct.Module {
	m := &module{httpc: httpc}
	return &starlarkstruct.Module{
		Name: "feeds",
		Members: starlark.StringDict{
			"fetch": starlark.NewBuiltin("feeds.fetch", m.fetch),
		},
	}
}

type module struct {
	httpc *http.Client
}

func (m *module) fetch(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var url string
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "url", &url); err != nil {
		return nil, err
	}

	p := gofeed.NewParser()
	p.Client = m.httpc

	feed, err := p.ParseURLWithContext(url, starmod.Context(thread))
	if err != nil {
		return nil, fmt.Errorf("%s: %v", b.Name(), err)
	}

	items := starlark.NewList(nil)
	for _, item := range feed.Items {
		val, err := go2star.To(*item)
		if err != nil {
			return nil, fmt.Errorf("%s: converting item %q: %v", b.Name(), item.Title, err)
		}
		if err := items.Append(val); err != nil {
			return nil, err
		}
	}

	dict := starlark.NewDict(4)
	dict.SetKey(starlark.String("title"), starlark.String(feed.Title))
	dict.SetKey(starlark.String("description"), starlark.String(feed.Description))
	dict.SetKey(starlark.String("link"), starlark.String(feed.Link))
	dict.SetKey(starlark.String("items"), items)
	return dict, nil
}
