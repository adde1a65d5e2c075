// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

// Package gitmirror maintains a local clone of a remote git repository at a
// fixed branch by shelling out to the git CLI.
//
// The mirror is read-only: the working tree is only ever moved by
// fast-forwarding to the remote branch tip. A non-fast-forward divergence
// means the local copy is corrupted; the mirror then latches a "needs
// reclone" state and [Mirror.EnsurePresent] recreates the clone on the next
// sync cycle.
package gitmirror

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"go.astrophena.name/starhub/internal/logger"
	"go.astrophena.name/starhub/internal/util/syncx"
)

// AcquisitionError reports that the initial clone is impossible: the remote
// is unreachable or the branch does not exist.
type AcquisitionError struct {
	URL string
	Err error
}

func (e *AcquisitionError) Error() string {
	return fmt.Sprintf("gitmirror: acquiring %s: %v", e.URL, e.Err)
}

func (e *AcquisitionError) Unwrap() error { return e.Err }

// SyncError reports a failed update of an existing clone. The previously
// synced copy is left untouched unless Corrupted is set, in which case the
// mirror reclones on the next cycle.
type SyncError struct {
	URL       string
	Corrupted bool
	Err       error
}

func (e *SyncError) Error() string {
	if e.Corrupted {
		return fmt.Sprintf("gitmirror: %s diverged from local copy, reclone scheduled: %v", e.URL, e.Err)
	}
	return fmt.Sprintf("gitmirror: updating %s: %v", e.URL, e.Err)
}

func (e *SyncError) Unwrap() error { return e.Err }

// Config configures a [Mirror].
type Config struct {
	// URL is the remote repository URL. Required.
	URL string
	// Branch is the branch to mirror. Required.
	Branch string
	// Dir is the local checkout directory. Required.
	Dir string
	// Timeout bounds each git command. If zero, a minute is used.
	Timeout time.Duration
	// Logf specifies a logger to use. If nil, log.Printf is used.
	Logf logger.Logf
}

// New returns a new Mirror. It performs no git operations; call
// [Mirror.EnsurePresent] first.
func New(c Config) *Mirror {
	if c.Timeout == 0 {
		c.Timeout = time.Minute
	}
	if c.Logf == nil {
		c.Logf = log.Printf
	}
	return &Mirror{
		url:     c.URL,
		branch:  c.Branch,
		dir:     c.Dir,
		timeout: c.Timeout,
		logf:    c.Logf,
		head:    syncx.Protect(new(string)),
	}
}

// Mirror is a local synchronized copy of a remote repository.
//
// EnsurePresent and Update must be called from a single goroutine (the sync
// scheduler); Head and Dir are safe to call from any goroutine.
type Mirror struct {
	url     string
	branch  string
	dir     string
	timeout time.Duration
	logf    logger.Logf

	head         *syncx.Protected[*string]
	needsReclone bool
}

// Dir returns the local checkout directory.
func (m *Mirror) Dir() string { return m.dir }

// Head returns the last successfully synced revision, or an empty string if
// nothing has been synced yet.
func (m *Mirror) Head() string {
	var rev string
	m.head.RAccess(func(p *string) { rev = *p })
	return rev
}

func (m *Mirror) setHead(rev string) {
	m.head.Access(func(p *string) { *p = rev })
}

// EnsurePresent clones the configured branch if no local copy exists. It is
// idempotent: with a copy already present it only refreshes the cached head
// revision. If a previous cycle latched corruption, the local copy is
// discarded and recloned here.
func (m *Mirror) EnsurePresent(ctx context.Context) error {
	if m.needsReclone {
		m.logf("gitmirror: discarding corrupted copy at %s", m.dir)
		if err := os.RemoveAll(m.dir); err != nil {
			return &AcquisitionError{URL: m.url, Err: err}
		}
		m.needsReclone = false
	}

	if _, err := os.Stat(filepath.Join(m.dir, ".git")); err == nil {
		if m.Head() == "" {
			rev, err := m.git(ctx, m.dir, "rev-parse", "HEAD")
			if err != nil {
				// A copy with .git present but no resolvable HEAD is broken,
				// likely a crash mid-clone. Discard it on the next cycle.
				m.needsReclone = true
				return &AcquisitionError{URL: m.url, Err: err}
			}
			m.setHead(rev)
		}
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(m.dir), 0o755); err != nil {
		return &AcquisitionError{URL: m.url, Err: err}
	}
	if _, err := m.git(ctx, "", "clone", "--branch", m.branch, "--single-branch", m.url, m.dir); err != nil {
		return &AcquisitionError{URL: m.url, Err: err}
	}
	rev, err := m.git(ctx, m.dir, "rev-parse", "HEAD")
	if err != nil {
		return &AcquisitionError{URL: m.url, Err: err}
	}
	m.setHead(rev)
	m.logf("gitmirror: cloned %s at %s", m.url, shortRev(rev))
	return nil
}

// Update fetches the remote branch tip and fast-forwards the local copy to
// it. It reports whether the synced revision changed.
//
// A fetch failure leaves the previous copy intact. A non-fast-forward
// divergence latches the "needs reclone" state for the next cycle. Both are
// reported as [SyncError].
func (m *Mirror) Update(ctx context.Context) (changed bool, err error) {
	if _, err := m.git(ctx, m.dir, "fetch", "origin", m.branch); err != nil {
		return false, &SyncError{URL: m.url, Err: err}
	}

	tip, err := m.git(ctx, m.dir, "rev-parse", "FETCH_HEAD")
	if err != nil {
		return false, &SyncError{URL: m.url, Err: err}
	}
	if tip == m.Head() {
		return false, nil
	}

	if _, err := m.git(ctx, m.dir, "merge-base", "--is-ancestor", "HEAD", "FETCH_HEAD"); err != nil {
		m.needsReclone = true
		return false, &SyncError{URL: m.url, Corrupted: true, Err: err}
	}
	if _, err := m.git(ctx, m.dir, "reset", "--hard", "FETCH_HEAD"); err != nil {
		m.needsReclone = true
		return false, &SyncError{URL: m.url, Corrupted: true, Err: err}
	}

	m.setHead(tip)
	m.logf("gitmirror: fast-forwarded %s to %s", m.url, shortRev(tip))
	return true, nil
}

// git runs a git command in dir and returns its trimmed stdout.
func (m *Mirror) git(ctx context.Context, dir string, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("git %s: %v: %s", strings.Join(args, " "), err, strings.TrimSpace(out.String()))
	}
	return strings.TrimSpace(out.String()), nil
}

func shortRev(rev string) string {
	if len(rev) > 12 {
		return rev[:12]
	}
	return rev
}
