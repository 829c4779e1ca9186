// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package rebalance

import (
	"context"
	"testing"

	fuzz "github.com/google/gofuzz"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/bigframe/exec"
	"github.com/grailbio/bigframe/frametest"
	"github.com/grailbio/bigframe/fvec"
	"github.com/grailbio/testutil/assert"
	"github.com/grailbio/testutil/expect"
)

func TestRebalance(t *testing.T) {
	frametest.Run(t, 3, func(t *testing.T, sess *exec.Session) {
		ctx := context.Background()
		rows := frametest.Random(fuzz.NewWithSeed(42), 37, 4, 0.5)
		in := frametest.Frame(t, sess, rows, 5, fvec.Auto)
		for _, n := range []int{1, 2, 5, 7, 40} {
			out, err := Rebalance(ctx, sess, in, n)
			assert.NoError(t, err)
			expect.EQ(t, out.Layout().NumChunks(), n)
			expect.EQ(t, out.Names(), in.Names())
			if out.Key() == in.Key() {
				t.Errorf("rebalanced frame reuses key %s", in.Key())
			}
			for i := 0; i < n; i++ {
				expect.EQ(t, out.Layout().Start(i), i*37/n)
				expect.EQ(t, out.Layout().Homes[i], i%3)
			}
			frametest.Equal(t, in, out, 0)
			frametest.Delete(t, out)
		}
		// The input is untouched.
		expect.EQ(t, in.Layout().NumChunks(), 5)
		expect.EQ(t, frametest.Rows(t, in), rows)
		frametest.Delete(t, in)
	})
}

func TestRebalanceEncoding(t *testing.T) {
	ctx := context.Background()
	sess := frametest.Start(t, 2)
	var (
		rows   = frametest.Random(fuzz.NewWithSeed(7), 20, 2, 0.1)
		sparse = frametest.Frame(t, sess, rows, 4, fvec.Sparse)
		dense  = frametest.Frame(t, sess, rows, 3, fvec.Dense)
	)
	for _, c := range []struct {
		in     *fvec.Frame
		sparse bool
	}{{sparse, true}, {dense, false}} {
		out, err := Rebalance(ctx, sess, c.in, 2)
		assert.NoError(t, err)
		for i := 0; i < 2; i++ {
			chunks, err := out.Chunks(ctx, i)
			assert.NoError(t, err)
			for _, chunk := range chunks {
				expect.EQ(t, chunk.IsSparse(), c.sparse)
			}
		}
		frametest.Equal(t, c.in, out, 0)
		frametest.Delete(t, out)
	}
	frametest.Delete(t, sparse, dense)
	frametest.CheckLeaks(t, sess)
}

func TestRebalanceInvalid(t *testing.T) {
	ctx := context.Background()
	sess := frametest.Start(t, 2)
	f := frametest.Frame(t, sess, [][]float64{{1}, {2}}, 1, fvec.Dense)
	defer frametest.Delete(t, f)
	for _, n := range []int{0, -1} {
		_, err := Rebalance(ctx, sess, f, n)
		if !errors.Is(errors.Invalid, err) {
			t.Errorf("n=%d: expected invalid error, got %v", n, err)
		}
	}
}

func TestRebalanceEmptyChunks(t *testing.T) {
	ctx := context.Background()
	sess := frametest.Start(t, 2)
	rows := [][]float64{{1, 2}, {3, 4}, {5, 6}}
	f := frametest.Frame(t, sess, rows, 5, fvec.Auto)
	out, err := Rebalance(ctx, sess, f, 8)
	assert.NoError(t, err)
	expect.EQ(t, frametest.Rows(t, out), rows)
	back, err := Rebalance(ctx, sess, out, 1)
	assert.NoError(t, err)
	expect.EQ(t, frametest.Rows(t, back), rows)
	frametest.Delete(t, f, out, back)
	frametest.CheckLeaks(t, sess)
}
