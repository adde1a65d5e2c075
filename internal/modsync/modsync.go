// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

// Package modsync keeps the set of loaded modules in step with a git
// repository.
//
// A [Syncer] runs a single loop: on every tick it updates the repository
// copy through a [Mirror], discovers module files, and reconciles the live
// module set against what the repository now contains. Added files are
// loaded, changed files are reloaded, removed files are unloaded. A file
// that fails to load stays inert, with the failure recorded, until its
// contents change again; it never affects other files in the same cycle.
package modsync

import (
	"context"
	"log"
	"time"

	"go.astrophena.name/starhub/internal/dispatch"
	"go.astrophena.name/starhub/internal/logger"
	"go.astrophena.name/starhub/internal/starmod"
	"go.astrophena.name/starhub/internal/util/syncx"
)

// Mirror is the repository copy the Syncer synchronizes from.
// [go.astrophena.name/starhub/internal/gitmirror.Mirror] implements it.
type Mirror interface {
	// EnsurePresent makes sure a local copy exists, cloning if needed.
	EnsurePresent(ctx context.Context) error
	// Update brings the copy up to date and reports whether the revision
	// changed.
	Update(ctx context.Context) (changed bool, err error)
	// Head returns the current revision.
	Head() string
	// Dir returns the copy's directory.
	Dir() string
}

// Loader loads a module file and registers its subscriptions.
// [StarlarkLoader] implements it over the Starlark loader.
type Loader interface {
	LoadAndRegister(ctx context.Context, path string) (starmod.Meta, []dispatch.Subscription, error)
}

// StarlarkLoader adapts a [starmod.Loader] and a dispatcher into the
// [Loader] interface.
type StarlarkLoader struct {
	Loader     *starmod.Loader
	Dispatcher dispatch.Dispatcher
}

func (sl StarlarkLoader) LoadAndRegister(ctx context.Context, path string) (starmod.Meta, []dispatch.Subscription, error) {
	mod, err := sl.Loader.Load(ctx, path)
	if err != nil {
		return starmod.Meta{}, nil, err
	}
	subs, err := sl.Loader.Register(ctx, mod, sl.Dispatcher)
	if err != nil {
		return starmod.Meta{}, nil, err
	}
	return mod.Meta, subs, nil
}

// Status of a module record.
type Status string

const (
	StatusLoaded Status = "loaded"
	StatusFailed Status = "failed"
)

// State of the sync loop.
type State string

const (
	StateIdle        State = "idle"
	StateSyncing     State = "syncing"
	StateReconciling State = "reconciling"
	StateStopped     State = "stopped"
)

// Record tracks one module file. Records are owned and mutated only by the
// sync loop goroutine; the debug surface reads copies via [Syncer.Snapshot].
type Record struct {
	Path        string
	Fingerprint Fingerprint
	Status      Status
	Meta        starmod.Meta
	Subs        []dispatch.Subscription
	Err         error
}

// CycleResult summarizes one sync cycle.
type CycleResult struct {
	Added    int           `json:"added"`
	Changed  int           `json:"changed"`
	Removed  int           `json:"removed"`
	Failed   int           `json:"failed"`
	Revision string        `json:"revision"`
	Duration time.Duration `json:"duration"`
	Err      string        `json:"error,omitempty"`
}

// Config configures a [Syncer].
type Config struct {
	Mirror    Mirror
	Loader    Loader
	Registrar dispatch.Registrar
	// Interval between sync cycles. Defaults to 5 minutes.
	Interval time.Duration
	// Logf is used for logging. If nil, log.Printf is used.
	Logf logger.Logf
}

// New returns a new Syncer. Call [Syncer.Run] to start it.
func New(c Config) *Syncer {
	if c.Interval == 0 {
		c.Interval = 5 * time.Minute
	}
	if c.Logf == nil {
		c.Logf = log.Printf
	}
	return &Syncer{
		cfg:     c,
		records: make(map[string]*Record),
		force:   make(chan chan CycleResult, 1),
		snap:    syncx.Protect(&Snapshot{State: StateIdle}),
	}
}

// Syncer runs the sync loop. All mutation happens on the Run goroutine.
type Syncer struct {
	cfg       Config
	records   map[string]*Record
	populated bool
	lastCycle *CycleResult

	force chan chan CycleResult
	snap  *syncx.Protected[*Snapshot]
}

// Run executes the sync loop until ctx is canceled: one cycle immediately,
// then one per tick. A tick arriving while a cycle is in flight is dropped,
// so cycles never overlap. Run always returns nil after publishing the
// stopped state.
func (s *Syncer) Run(ctx context.Context) error {
	s.cycle(ctx)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.setState(StateStopped)
			return nil
		case <-ticker.C:
			s.cycle(ctx)
		case done := <-s.force:
			done <- s.cycle(ctx)
		}
	}
}

// ForceSync requests an immediate cycle and waits for its result. It is
// safe to call from any goroutine while Run is active.
func (s *Syncer) ForceSync(ctx context.Context) (CycleResult, error) {
	done := make(chan CycleResult, 1)
	select {
	case s.force <- done:
	case <-ctx.Done():
		return CycleResult{}, ctx.Err()
	}
	select {
	case res := <-done:
		return res, nil
	case <-ctx.Done():
		return CycleResult{}, ctx.Err()
	}
}

func (s *Syncer) cycle(ctx context.Context) CycleResult {
	start := time.Now()
	var res CycleResult

	s.setState(StateSyncing)
	defer func() {
		res.Revision = s.cfg.Mirror.Head()
		res.Duration = time.Since(start)
		s.lastCycle = &res
		s.setState(StateIdle)
		s.cfg.Logf(
			"modsync: cycle done in %v: revision %s, %d added, %d changed, %d removed, %d failed",
			res.Duration.Round(time.Millisecond), res.Revision, res.Added, res.Changed, res.Removed, res.Failed,
		)
	}()

	if err := s.cfg.Mirror.EnsurePresent(ctx); err != nil {
		s.cfg.Logf("modsync: acquiring repository: %v", err)
		res.Err = err.Error()
		return res
	}

	changed, err := s.cfg.Mirror.Update(ctx)
	if err != nil {
		s.cfg.Logf("modsync: updating repository: %v", err)
		res.Err = err.Error()
		// The old copy is intact; on the first cycle the freshly acquired
		// copy still must be reconciled.
		if s.populated {
			return res
		}
	}
	if !changed && s.populated && err == nil {
		return res
	}

	s.setState(StateReconciling)
	cands, err := listCandidates(s.cfg.Mirror.Dir())
	if err != nil {
		s.cfg.Logf("modsync: discovering modules: %v", err)
		res.Err = err.Error()
		return res
	}

	s.reconcile(ctx, cands, &res)
	s.populated = true
	return res
}

// reconcile diffs the candidate set against the record map and converges the
// loaded module set. A failure on one path never aborts the rest.
func (s *Syncer) reconcile(ctx context.Context, cands []candidate, res *CycleResult) {
	seen := make(map[string]bool, len(cands))

	for _, c := range cands {
		seen[c.path] = true
		rec, ok := s.records[c.path]
		switch {
		case !ok:
			res.Added++
			s.records[c.path] = s.load(ctx, c, res)
		case rec.Fingerprint != c.fingerprint:
			res.Changed++
			// The old version goes away even if the new one fails to load:
			// a broken replacement leaves the path inert, not half-updated.
			s.unload(rec)
			s.records[c.path] = s.load(ctx, c, res)
		}
	}

	for path, rec := range s.records {
		if seen[path] {
			continue
		}
		res.Removed++
		s.unload(rec)
		delete(s.records, path)
		s.cfg.Logf("modsync: unloaded %s", path)
	}
}

func (s *Syncer) load(ctx context.Context, c candidate, res *CycleResult) *Record {
	rec := &Record{Path: c.path, Fingerprint: c.fingerprint}
	meta, subs, err := s.cfg.Loader.LoadAndRegister(ctx, c.path)
	if err != nil {
		res.Failed++
		rec.Status = StatusFailed
		rec.Err = err
		s.cfg.Logf("modsync: loading %s: %v", c.path, err)
		return rec
	}
	rec.Status = StatusLoaded
	rec.Meta = meta
	rec.Subs = subs
	s.cfg.Logf("modsync: loaded %s (%d subscriptions)", c.path, len(subs))
	return rec
}

func (s *Syncer) unload(rec *Record) {
	for _, sub := range rec.Subs {
		s.cfg.Registrar.Unsubscribe(sub)
	}
	rec.Subs = nil
}
