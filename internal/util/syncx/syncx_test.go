// © 2024 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package syncx

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"go.astrophena.name/starhub/internal/testutil"
)

func TestProtected(t *testing.T) {
	t.Parallel()

	t.Run("read access", func(t *testing.T) {
		p := Protect(42)
		var result int
		p.RAccess(func(val int) {
			result = val
		})
		testutil.AssertEqual(t, result, 42)
	})

	t.Run("write access", func(t *testing.T) {
		var i int
		p := Protect(&i)
		p.Access(func(val *int) {
			*val = 43
		})
		testutil.AssertEqual(t, i, 43)
	})

	t.Run("concurrent access", func(t *testing.T) {
		p := Protect(new(int64))
		var wg sync.WaitGroup
		for range 10 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				p.Access(func(val *int64) { *val++ })
			}()
		}
		wg.Wait()
		var got int64
		p.RAccess(func(val *int64) { got = *val })
		testutil.AssertEqual(t, got, int64(10))
	})
}

func TestLazy(t *testing.T) {
	t.Parallel()

	t.Run("computed once", func(t *testing.T) {
		var calls atomic.Int32
		var l Lazy[int]
		f := func() int {
			calls.Add(1)
			return 42
		}
		testutil.AssertEqual(t, l.Get(f), 42)
		testutil.AssertEqual(t, l.Get(f), 42)
		testutil.AssertEqual(t, calls.Load(), int32(1))
	})

	t.Run("with error", func(t *testing.T) {
		wantErr := errors.New("compute failed")
		var l Lazy[string]
		got, err := l.GetErr(func() (string, error) {
			return "", wantErr
		})
		testutil.AssertEqual(t, got, "")
		if !errors.Is(err, wantErr) {
			t.Fatalf("got error %v, want %v", err, wantErr)
		}
	})
}
