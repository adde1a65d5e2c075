// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package gitmirror

import (
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"go.astrophena.name/starhub/internal/testutil"
)

func TestMain(m *testing.M) {
	if _, err := exec.LookPath("git"); err != nil {
		os.Exit(0)
	}
	os.Exit(m.Run())
}

func git(t *testing.T, dir string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(),
		"GIT_AUTHOR_NAME=test", "GIT_AUTHOR_EMAIL=test@example.com",
		"GIT_COMMITTER_NAME=test", "GIT_COMMITTER_EMAIL=test@example.com",
	)
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("git %v: %v: %s", args, err, out)
	}
	return string(out)
}

// newRemote creates a repository with a single commit on branch main and
// returns its path.
func newRemote(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	git(t, dir, "init", "-b", "main")
	commitFile(t, dir, "hello.star", "print('hello')\n")
	return dir
}

func commitFile(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	git(t, dir, "add", name)
	git(t, dir, "commit", "-m", "update "+name)
}

func newMirror(t *testing.T, url string) *Mirror {
	t.Helper()
	return New(Config{
		URL:    url,
		Branch: "main",
		Dir:    filepath.Join(t.TempDir(), "mirror"),
		Logf:   t.Logf,
	})
}

func TestEnsurePresent(t *testing.T) {
	remote := newRemote(t)
	m := newMirror(t, remote)

	testutil.AssertNilError(t, m.EnsurePresent(t.Context()))
	if m.Head() == "" {
		t.Fatal("Head is empty after clone")
	}

	// Second call with a copy already present is a no-op.
	head := m.Head()
	testutil.AssertNilError(t, m.EnsurePresent(t.Context()))
	testutil.AssertEqual(t, m.Head(), head)
}

func TestEnsurePresentMissingRemote(t *testing.T) {
	m := newMirror(t, filepath.Join(t.TempDir(), "does-not-exist"))

	err := m.EnsurePresent(t.Context())
	var ae *AcquisitionError
	if !errors.As(err, &ae) {
		t.Fatalf("got error %v, want AcquisitionError", err)
	}
}

func TestEnsurePresentMissingBranch(t *testing.T) {
	remote := newRemote(t)
	m := New(Config{
		URL:    remote,
		Branch: "no-such-branch",
		Dir:    filepath.Join(t.TempDir(), "mirror"),
		Logf:   t.Logf,
	})

	var ae *AcquisitionError
	if err := m.EnsurePresent(t.Context()); !errors.As(err, &ae) {
		t.Fatalf("got error %v, want AcquisitionError", err)
	}
}

func TestEnsurePresentBrokenCopy(t *testing.T) {
	remote := newRemote(t)
	m := newMirror(t, remote)

	// A .git directory with no repository inside it, as a crash mid-clone
	// would leave behind.
	testutil.AssertNilError(t, os.MkdirAll(filepath.Join(m.Dir(), ".git"), 0o755))

	err := m.EnsurePresent(t.Context())
	var ae *AcquisitionError
	if !errors.As(err, &ae) {
		t.Fatalf("got error %v, want AcquisitionError", err)
	}

	// Next cycle discards the broken copy and clones fresh.
	testutil.AssertNilError(t, m.EnsurePresent(t.Context()))
	if m.Head() == "" {
		t.Fatal("Head is empty after reclone")
	}
	if _, err := os.Stat(filepath.Join(m.Dir(), "hello.star")); err != nil {
		t.Fatalf("hello.star not present after reclone: %v", err)
	}
}

func TestUpdate(t *testing.T) {
	remote := newRemote(t)
	m := newMirror(t, remote)
	testutil.AssertNilError(t, m.EnsurePresent(t.Context()))
	head := m.Head()

	// No remote change: unchanged.
	changed, err := m.Update(t.Context())
	testutil.AssertNilError(t, err)
	testutil.AssertEqual(t, changed, false)
	testutil.AssertEqual(t, m.Head(), head)

	// New commit on the remote: fast-forward.
	commitFile(t, remote, "hi.star", "print('hi')\n")
	changed, err = m.Update(t.Context())
	testutil.AssertNilError(t, err)
	testutil.AssertEqual(t, changed, true)
	if m.Head() == head {
		t.Fatal("Head did not change after fast-forward")
	}
	if _, err := os.Stat(filepath.Join(m.Dir(), "hi.star")); err != nil {
		t.Fatalf("hi.star not present in mirror: %v", err)
	}
}

func TestUpdateDivergence(t *testing.T) {
	remote := newRemote(t)
	m := newMirror(t, remote)
	testutil.AssertNilError(t, m.EnsurePresent(t.Context()))

	// Rewrite remote history so the local copy can't fast-forward.
	git(t, remote, "commit", "--amend", "-m", "rewritten")

	_, err := m.Update(t.Context())
	var se *SyncError
	if !errors.As(err, &se) {
		t.Fatalf("got error %v, want SyncError", err)
	}
	testutil.AssertEqual(t, se.Corrupted, true)

	// Next cycle reclones and recovers.
	testutil.AssertNilError(t, m.EnsurePresent(t.Context()))
	changed, err := m.Update(t.Context())
	testutil.AssertNilError(t, err)
	testutil.AssertEqual(t, changed, false)
}

func TestUpdateFetchFailure(t *testing.T) {
	remote := newRemote(t)
	m := newMirror(t, remote)
	testutil.AssertNilError(t, m.EnsurePresent(t.Context()))
	head := m.Head()

	// Break the remote. Fetch fails, but the previous copy stays usable.
	testutil.AssertNilError(t, os.RemoveAll(remote))

	_, err := m.Update(t.Context())
	var se *SyncError
	if !errors.As(err, &se) {
		t.Fatalf("got error %v, want SyncError", err)
	}
	testutil.AssertEqual(t, se.Corrupted, false)
	testutil.AssertEqual(t, m.Head(), head)
	if _, err := os.Stat(filepath.Join(m.Dir(), "hello.star")); err != nil {
		t.Fatalf("stale copy gone after fetch failure: %v", err)
	}
}
