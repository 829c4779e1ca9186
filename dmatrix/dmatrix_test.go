// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package dmatrix

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
	"testing"

	fuzz "github.com/google/gofuzz"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/bigframe/exec"
	"github.com/grailbio/bigframe/frametest"
	"github.com/grailbio/bigframe/fvec"
	"github.com/grailbio/bigframe/stats"
	"github.com/grailbio/testutil/assert"
	"github.com/grailbio/testutil/expect"
)

func TestTranspose(t *testing.T) {
	frametest.Run(t, 3, func(t *testing.T, sess *exec.Session) {
		ctx := context.Background()
		f := frametest.Frame(t, sess, [][]float64{{1, 2, 3}, {4, 5, 6}}, 2, fvec.Auto)
		tf, err := Transpose(ctx, sess, f)
		assert.NoError(t, err)
		expect.EQ(t, tf.NumRows(), 3)
		expect.EQ(t, tf.NumCols(), 2)
		expect.EQ(t, frametest.Rows(t, tf), [][]float64{{1, 4}, {2, 5}, {3, 6}})
		ttf, err := Transpose(ctx, sess, tf)
		assert.NoError(t, err)
		frametest.Equal(t, f, ttf, 0)
		frametest.Delete(t, f, tf, ttf)
	})
}

func TestTransposeInvolution(t *testing.T) {
	ctx := context.Background()
	sess := frametest.Start(t, 3)
	fz := fuzz.NewWithSeed(31415)
	for _, c := range []struct {
		rows, cols, chunks int
		density            float64
		enc                fvec.Encoding
	}{
		{53, 7, 4, 1, fvec.Dense},
		{53, 7, 4, 0.1, fvec.Auto},
		{10, 1, 2, 0.5, fvec.Sparse},
		{1, 12, 1, 1, fvec.Dense},
		{5, 2, 8, 0.5, fvec.Auto},
	} {
		t.Run(fmt.Sprintf("%dx%d/%d/%s", c.rows, c.cols, c.chunks, c.enc), func(t *testing.T) {
			rows := frametest.Random(fz, c.rows, c.cols, c.density)
			f := frametest.Frame(t, sess, rows, c.chunks, c.enc)
			tf, err := Transpose(ctx, sess, f)
			assert.NoError(t, err)
			expect.EQ(t, tf.NumRows(), c.cols)
			expect.EQ(t, tf.NumCols(), c.rows)
			expect.EQ(t, tf.Layout().NumChunks(), min(c.cols, max(c.chunks, 3)))
			for i := range rows {
				for j, want := range rows[i] {
					got, err := tf.At(ctx, j, i)
					assert.NoError(t, err)
					if got != want {
						t.Fatalf("T[%d][%d]: got %v, want %v", j, i, got, want)
					}
				}
			}
			ttf, err := Transpose(ctx, sess, tf)
			assert.NoError(t, err)
			expect.EQ(t, frametest.Rows(t, ttf), rows)
			frametest.Delete(t, f, tf, ttf)
		})
	}
	frametest.CheckLeaks(t, sess)
}

// parseSVMLight splits lines of the form "label idx:val idx:val ..."
// into a frame whose first column is the label and whose column idx
// holds feature idx. Features are numbered from 1.
func parseSVMLight(t *testing.T, sess *exec.Session, lines []string, features, chunks int) *fvec.Frame {
	t.Helper()
	names := []string{"label"}
	for j := 1; j <= features; j++ {
		names = append(names, fmt.Sprintf("f%d", j))
	}
	var entries []fvec.Entry
	for i, line := range lines {
		fields := strings.Fields(line)
		label, err := strconv.ParseFloat(fields[0], 64)
		assert.NoError(t, err)
		entries = append(entries, fvec.Entry{Row: i, Col: 0, Val: label})
		for _, field := range fields[1:] {
			idx, val, ok := strings.Cut(field, ":")
			if !ok {
				t.Fatalf("line %d: bad field %q", i, field)
			}
			col, err := strconv.Atoi(idx)
			assert.NoError(t, err)
			v, err := strconv.ParseFloat(val, 64)
			assert.NoError(t, err)
			entries = append(entries, fvec.Entry{Row: i, Col: col, Val: v})
		}
	}
	f, err := fvec.FromEntries(context.Background(), sess.DKV(), names, len(lines), entries, chunks, fvec.Auto)
	assert.NoError(t, err)
	return f
}

var svmlight = []string{
	"1 2:.2 5:.5 9:.9",
	"0 1:.1 9:.9",
	"1 3:.3",
	"0 4:.4 5:.5 6:.6 7:.7 8:.8",
	"1 6:.6",
	"0 2:.2 8:.8",
}

func TestTransposeSparse(t *testing.T) {
	frametest.Run(t, 2, func(t *testing.T, sess *exec.Session) {
		ctx := context.Background()
		f := parseSVMLight(t, sess, svmlight, 9, 3)
		expect.EQ(t, f.NumRows(), 6)
		expect.EQ(t, f.NumCols(), 10)
		v, err := f.At(ctx, 0, 5)
		assert.NoError(t, err)
		expect.EQ(t, v, .5)
		tf, err := Transpose(ctx, sess, f)
		assert.NoError(t, err)
		expect.EQ(t, tf.NumRows(), 10)
		expect.EQ(t, tf.NumCols(), 6)
		for i := 0; i < f.NumRows(); i++ {
			for j := 0; j < f.NumCols(); j++ {
				want, err := f.At(ctx, i, j)
				assert.NoError(t, err)
				got, err := tf.At(ctx, j, i)
				assert.NoError(t, err)
				if math.Abs(got-want) > 1e-4 {
					t.Errorf("T[%d][%d]: got %v, want %v", j, i, got, want)
				}
			}
		}
		frametest.Delete(t, f, tf)
	})
}

func TestMmul(t *testing.T) {
	frametest.Run(t, 2, func(t *testing.T, sess *exec.Session) {
		ctx := context.Background()
		a := frametest.Frame(t, sess, [][]float64{{1, 2}, {3, 4}, {5, 6}}, 2, fvec.Dense)
		b := frametest.Frame(t, sess, [][]float64{{1, 0, 2}, {0, 1, 3}}, 1, fvec.Dense)
		c, err := Mmul(ctx, sess, a, b)
		assert.NoError(t, err)
		expect.EQ(t, c.Layout(), a.Layout())
		expect.EQ(t, frametest.Rows(t, c), [][]float64{{1, 2, 8}, {3, 4, 18}, {5, 6, 28}})
		frametest.Delete(t, a, b, c)
	})
}

func TestMmulShape(t *testing.T) {
	ctx := context.Background()
	sess := frametest.Start(t, 2)
	a := frametest.Frame(t, sess, [][]float64{{1, 2}, {3, 4}}, 1, fvec.Dense)
	b := frametest.Frame(t, sess, [][]float64{{1}, {2}, {3}}, 1, fvec.Dense)
	_, err := Mmul(ctx, sess, a, b)
	if !errors.Is(errors.Invalid, err) {
		t.Fatalf("expected invalid error, got %v", err)
	}
	vals, err := sess.Stats(ctx)
	assert.NoError(t, err)
	expect.EQ(t, vals[stats.Tasks], int64(0))
	frametest.Delete(t, a, b)
	frametest.CheckLeaks(t, sess)
}

func TestMmulEncodingAgreement(t *testing.T) {
	ctx := context.Background()
	sess := frametest.Start(t, 3)
	fz := fuzz.NewWithSeed(2718)
	var (
		rows  = frametest.Random(fz, 40, 6, 0.2)
		right = frametest.Random(fz, 6, 4, 0.5)
		dense = frametest.Frame(t, sess, rows, 5, fvec.Dense)
		spars = frametest.Frame(t, sess, rows, 5, fvec.Sparse)
		b     = frametest.Frame(t, sess, right, 2, fvec.Auto)
	)
	cd, err := Mmul(ctx, sess, dense, b)
	assert.NoError(t, err)
	cs, err := Mmul(ctx, sess, spars, b)
	assert.NoError(t, err)
	frametest.Equal(t, cd, cs, 1e-3)
	got := frametest.Rows(t, cd)
	for i := range rows {
		for j := range right[0] {
			var want float64
			for k := range right {
				want += rows[i][k] * right[k][j]
			}
			if math.Abs(got[i][j]-want) > 1e-9 {
				t.Errorf("C[%d][%d]: got %v, want %v", i, j, got[i][j], want)
			}
		}
	}
	frametest.Delete(t, dense, spars, b, cd, cs)
	frametest.CheckLeaks(t, sess)
}

func TestMmulNonFinite(t *testing.T) {
	ctx := context.Background()
	sess := frametest.Start(t, 2)
	var (
		rows  = [][]float64{{0, 1}, {2, 0}}
		dense = frametest.Frame(t, sess, rows, 2, fvec.Dense)
		spars = frametest.Frame(t, sess, rows, 2, fvec.Sparse)
		b     = frametest.Frame(t, sess, [][]float64{{math.Inf(1)}, {1}}, 1, fvec.Dense)
	)
	cd, err := Mmul(ctx, sess, dense, b)
	assert.NoError(t, err)
	cs, err := Mmul(ctx, sess, spars, b)
	assert.NoError(t, err)
	frametest.Equal(t, cd, cs, 1e-3)
	for _, c := range []*fvec.Frame{cd, cs} {
		got := frametest.Rows(t, c)
		if !math.IsNaN(got[0][0]) || !math.IsInf(got[1][0], 1) {
			t.Errorf("%s: got %v, want [[NaN] [+Inf]]", c, got)
		}
	}
	frametest.Delete(t, dense, spars, b, cd, cs)
	frametest.CheckLeaks(t, sess)
}
