// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package frametest

import (
	"context"
	"testing"

	fuzz "github.com/google/gofuzz"
	"github.com/grailbio/bigframe/dkv"
	"github.com/grailbio/bigframe/exec"
	"github.com/grailbio/bigframe/fvec"
)

// Random returns a rows x cols matrix, in row-major order, of values
// in [0, 1) drawn from fz. Each cell is nonzero with probability
// density.
func Random(fz *fuzz.Fuzzer, rows, cols int, density float64) [][]float64 {
	m := make([][]float64, rows)
	for i := range m {
		m[i] = make([]float64, cols)
		for j := range m[i] {
			var p, v float64
			fz.Fuzz(&p)
			if p >= density {
				continue
			}
			for v == 0 {
				fz.Fuzz(&v)
			}
			m[i][j] = v
		}
	}
	return m
}

// Frame builds a frame from row-major values in the session's
// directory. Errors are reported as fatal to t.
func Frame(t testing.TB, sess *exec.Session, rows [][]float64, chunks int, enc fvec.Encoding) *fvec.Frame {
	t.Helper()
	f, err := fvec.FromRows(context.Background(), sess.DKV(), nil, rows, chunks, enc)
	if err != nil {
		t.Fatalf("build frame: %v", err)
	}
	return f
}

// Rows returns the values of f in row-major order. Errors are
// reported as fatal to t.
func Rows(t testing.TB, f *fvec.Frame) [][]float64 {
	t.Helper()
	rows, err := f.Rows(context.Background())
	if err != nil {
		t.Fatalf("read %s: %v", f, err)
	}
	return rows
}

// Delete deletes each frame and waits for the removals to complete.
// Errors are reported as fatal to t.
func Delete(t testing.TB, frames ...*fvec.Frame) {
	t.Helper()
	ctx := context.Background()
	var fs dkv.Futures
	for _, f := range frames {
		f.Delete(ctx, &fs)
	}
	if err := fs.Wait(ctx); err != nil {
		t.Fatalf("delete: %v", err)
	}
}

// Equal fails the test if frames a and b differ in shape or in any
// value by more than tol.
func Equal(t testing.TB, a, b *fvec.Frame, tol float64) {
	t.Helper()
	if err := fvec.Compare(context.Background(), a, b, tol); err != nil {
		t.Error(err)
	}
}
