// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package store

import (
	"context"
	"path/filepath"
	"testing"

	"go.astrophena.name/starhub/internal/testutil"
)

func TestStore(t *testing.T) {
	t.Parallel()

	stores := map[string]func(t *testing.T) Store{
		"mem": func(t *testing.T) Store { return new(MemStore) },
		"sqlite": func(t *testing.T) Store {
			s, err := NewSQLiteStore(t.Context(), filepath.Join(t.TempDir(), "test.db"))
			testutil.AssertNilError(t, err)
			t.Cleanup(func() { s.Close() })
			return s
		},
	}

	for name, newStore := range stores {
		t.Run(name, func(t *testing.T) {
			s := newStore(t)
			ctx := context.Background()

			// Missing key returns (nil, nil).
			val, err := s.Get(ctx, "missing")
			testutil.AssertNilError(t, err)
			if val != nil {
				t.Fatalf("Get of missing key returned %q, want nil", val)
			}

			testutil.AssertNilError(t, s.Set(ctx, "greeting", []byte("hello")))
			val, err = s.Get(ctx, "greeting")
			testutil.AssertNilError(t, err)
			testutil.AssertEqual(t, string(val), "hello")

			// Overwrite.
			testutil.AssertNilError(t, s.Set(ctx, "greeting", []byte("hi")))
			val, err = s.Get(ctx, "greeting")
			testutil.AssertNilError(t, err)
			testutil.AssertEqual(t, string(val), "hi")
		})
	}
}
