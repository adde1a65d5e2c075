// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package modsync

import (
	"cmp"
	"slices"

	"go.astrophena.name/starhub/internal/starmod"
)

// Snapshot is a read-only view of the sync state for the debug surface.
type Snapshot struct {
	State     State        `json:"state"`
	Revision  string       `json:"revision"`
	LastCycle *CycleResult `json:"last_cycle,omitempty"`
	Modules   []ModuleInfo `json:"modules"`
}

// ModuleInfo describes one module record.
type ModuleInfo struct {
	Path          string       `json:"path"`
	Fingerprint   string       `json:"fingerprint"`
	Status        Status       `json:"status"`
	Meta          starmod.Meta `json:"meta"`
	Error         string       `json:"error,omitempty"`
	Subscriptions int          `json:"subscriptions"`
}

// Snapshot returns the current sync state. It is safe to call from any
// goroutine.
func (s *Syncer) Snapshot() Snapshot {
	var out Snapshot
	s.snap.RAccess(func(p *Snapshot) {
		out = *p
		out.Modules = slices.Clone(p.Modules)
	})
	return out
}

// setState publishes the given state along with a copy of the record map.
// Called on the Run goroutine only.
func (s *Syncer) setState(st State) {
	modules := make([]ModuleInfo, 0, len(s.records))
	for _, rec := range s.records {
		info := ModuleInfo{
			Path:          rec.Path,
			Fingerprint:   rec.Fingerprint.String(),
			Status:        rec.Status,
			Meta:          rec.Meta,
			Subscriptions: len(rec.Subs),
		}
		if rec.Err != nil {
			info.Error = rec.Err.Error()
		}
		modules = append(modules, info)
	}
	slices.SortFunc(modules, func(a, b ModuleInfo) int { return cmp.Compare(a.Path, b.Path) })

	lastCycle := s.lastCycle
	s.snap.Access(func(p *Snapshot) {
		p.State = st
		p.Revision = s.cfg.Mirror.Head()
		p.LastCycle = lastCycle
		p.Modules = modules
	})
}
