// © 2024 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package go2star

import (
	"testing"

	"go.astrophena.name/starhub/internal/testutil"
)

func TestTo(t *testing.T) {
	t.Parallel()

	cases := map[string]struct {
		in   any
		want string // Starlark representation
	}{
		"nil":       {in: nil, want: "None"},
		"bool":      {in: true, want: "True"},
		"string":    {in: "hi", want: `"hi"`},
		"int":       {in: 42, want: "42"},
		"int64":     {in: int64(-7), want: "-7"},
		"float":     {in: 1.5, want: "1.5"},
		"int float": {in: float64(3), want: "3"},
		"slice":     {in: []any{1, "two"}, want: `[1, "two"]`},
		"map":       {in: map[string]any{"a": 1}, want: `{"a": 1}`},
		"struct": {
			in: struct {
				Name   string `json:"name"`
				hidden int
			}{Name: "x"},
			want: `{"name": "x"}`,
		},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			got, err := To(tc.in)
			testutil.AssertNilError(t, err)
			testutil.AssertEqual(t, got.String(), tc.want)
		})
	}
}

func TestToUnsupported(t *testing.T) {
	t.Parallel()

	if _, err := To(make(chan int)); err == nil {
		t.Fatal("want error for unsupported type")
	}
}
