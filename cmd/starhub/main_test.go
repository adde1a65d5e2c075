// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package main

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.astrophena.name/starhub/internal/cli"
	"go.astrophena.name/starhub/internal/modsync"
	"go.astrophena.name/starhub/internal/testutil"
	"go.astrophena.name/starhub/internal/web"
)

func TestConfigRequired(t *testing.T) {
	t.Parallel()

	cases := map[string][]string{
		"no repo url": {"TG_TOKEN=123:TEST"},
		"no token":    {"REPO_URL=https://example.com/modules.git"},
	}
	for name, environ := range cases {
		t.Run(name, func(t *testing.T) {
			e := &engine{noServerStart: true}
			err := e.run(t.Context(), &cli.Env{Environ: environ, Stderr: io.Discard})
			if !errors.Is(err, cli.ErrInvalidArgs) {
				t.Fatalf("got error %v, want ErrInvalidArgs", err)
			}
		})
	}
}

func TestConfigInvalidInterval(t *testing.T) {
	t.Parallel()

	e := &engine{noServerStart: true}
	err := e.run(t.Context(), &cli.Env{
		Environ: []string{
			"REPO_URL=https://example.com/modules.git",
			"TG_TOKEN=123:TEST",
			"SYNC_INTERVAL=never",
		},
		Stderr: io.Discard,
	})
	if !errors.Is(err, cli.ErrInvalidArgs) {
		t.Fatalf("got error %v, want ErrInvalidArgs", err)
	}
}

func testEngine(t *testing.T) *engine {
	t.Helper()
	e := &engine{noServerStart: true}
	err := e.run(t.Context(), &cli.Env{
		Environ: []string{
			"REPO_URL=https://example.com/modules.git",
			"TG_TOKEN=123:TEST",
		},
		Stderr: io.Discard,
	})
	testutil.AssertNilError(t, err)
	return e
}

func TestConfigDefaults(t *testing.T) {
	t.Parallel()

	e := testEngine(t)
	testutil.AssertEqual(t, e.cfg.RepoBranch, "main")
	testutil.AssertEqual(t, e.cfg.SyncInterval, 5*time.Minute)
	testutil.AssertEqual(t, e.cfg.GitTimeout, time.Minute)
	testutil.AssertEqual(t, e.cfg.Addr, "localhost:3000")
}

func TestDebugSurface(t *testing.T) {
	t.Parallel()

	e := testEngine(t)

	get := func(path string) *httptest.ResponseRecorder {
		t.Helper()
		w := httptest.NewRecorder()
		e.mux.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
		return w
	}

	health := get("/health")
	testutil.AssertEqual(t, health.Code, http.StatusOK)
	hr := testutil.UnmarshalJSON[web.HealthResponse](t, health.Body.Bytes())
	testutil.AssertEqual(t, hr.OK, true)

	sync := get("/debug/sync")
	testutil.AssertEqual(t, sync.Code, http.StatusOK)
	snap := testutil.UnmarshalJSON[modsync.Snapshot](t, sync.Body.Bytes())
	testutil.AssertEqual(t, snap.State, modsync.StateIdle)

	modules := get("/debug/modules")
	testutil.AssertEqual(t, modules.Code, http.StatusOK)
	infos := testutil.UnmarshalJSON[[]modsync.ModuleInfo](t, modules.Body.Bytes())
	testutil.AssertEqual(t, len(infos), 0)
}
