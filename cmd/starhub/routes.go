// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package main

import (
	"fmt"
	"net/http"

	"go.astrophena.name/starhub/internal/modsync"
	"go.astrophena.name/starhub/internal/web"
)

func (e *engine) initRoutes() {
	e.mux = http.NewServeMux()

	health := web.Health(e.mux)
	health.RegisterFunc("sync", func() (status string, ok bool) {
		snap := e.syncer.Snapshot()
		return string(snap.State), snap.State != modsync.StateStopped
	})

	e.mux.HandleFunc("GET /debug/{$}", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "starhub debug\n\n/debug/modules\n/debug/sync\n/debug/log\n")
	})

	e.mux.HandleFunc("GET /debug/modules", func(w http.ResponseWriter, r *http.Request) {
		web.RespondJSON(w, e.syncer.Snapshot().Modules)
	})

	e.mux.HandleFunc("GET /debug/sync", func(w http.ResponseWriter, r *http.Request) {
		web.RespondJSON(w, e.syncer.Snapshot())
	})

	e.mux.HandleFunc("POST /debug/sync", func(w http.ResponseWriter, r *http.Request) {
		res, err := e.syncer.ForceSync(r.Context())
		if err != nil {
			web.RespondJSONError(w, r, err)
			return
		}
		web.RespondJSON(w, res)
	})

	e.mux.Handle("GET /debug/log", e.logStream)
}
