// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package rebalance repartitions frames into a requested number of
// evenly sized chunks.
package rebalance

import (
	"context"
	"encoding/gob"
	"fmt"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/bigframe/dkv"
	"github.com/grailbio/bigframe/fvec"
	"github.com/grailbio/bigframe/mrtask"
)

func init() {
	gob.Register(&copyKernel{})
}

// Rebalance returns a copy of frame split into n chunks, chunk i
// starting at row floor(i*rows/n), homed round-robin across the
// cluster. Values are copied exactly, column names are preserved, and
// the input frame is left untouched. The new frame is registered
// under a fresh key.
func Rebalance(ctx context.Context, r mrtask.Runner, frame *fvec.Frame, n int) (*fvec.Frame, error) {
	if n < 1 {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("rebalance: invalid chunk count %d", n))
	}
	d := r.DKV()
	plan := fvec.NewPlan(frame.Names(), fvec.EvenLayout(frame.NumRows(), n, r.NumNodes()))
	res, err := r.Run(ctx, "rebalance", mrtask.LayoutTarget(plan.Layout), &copyKernel{
		Source: frame.Key(),
		Layout: frame.Layout(),
		Plan:   *plan,
	})
	if err == nil && res.(int) != frame.NumRows() {
		err = errors.E(errors.Invalid, fmt.Sprintf("rebalance: copied %d of %d rows", res.(int), frame.NumRows()))
	}
	if err != nil {
		if derr := plan.Discard(ctx, d); derr != nil {
			log.Error.Printf("rebalance: discard %s: %v", plan.Key, derr)
		}
		return nil, err
	}
	log.Debug.Printf("rebalance: %s (%d chunks) -> %s (%d chunks)", frame.Key(), frame.Layout().NumChunks(), plan.Key, n)
	return plan.Publish(ctx, d)
}

// CopyKernel writes one chunk of the rebalanced frame per block,
// gathering the rows from every overlapping chunk of the source. The
// output chunk is sparse only if all of the chunks it is gathered
// from are.
type copyKernel struct {
	Source dkv.Key
	Layout fvec.Layout
	Plan   fvec.Plan
}

func (k *copyKernel) Map(ctx context.Context, b *mrtask.Block) (mrtask.Result, error) {
	v, err := b.Shared("source", func() (interface{}, error) {
		src, err := fvec.Get(ctx, b.DKV, k.Source)
		if err != nil {
			return nil, err
		}
		if !src.Layout().Equal(k.Layout) {
			return nil, errors.E(errors.Invalid, fmt.Sprintf("rebalance: frame %s changed layout", k.Source))
		}
		return src, nil
	})
	if err != nil {
		return nil, err
	}
	var (
		src        = v.(*fvec.Frame)
		start, end = b.Start, b.Start + b.Len
		lo, hi     = k.Layout.Overlap(start, end)
		scratch    []float64
		fs         dkv.Futures
	)
	for j := 0; j < src.NumCols(); j++ {
		vals := make([]float64, b.Len)
		sparse := true
		for i := lo; i < hi; i++ {
			c, err := src.Vec(j).Chunk(ctx, i)
			if err != nil {
				return nil, err
			}
			sparse = sparse && c.IsSparse()
			scratch = c.Dense(scratch)
			cstart := k.Layout.Start(i)
			from, to := max(start, cstart), min(end, cstart+c.Len())
			copy(vals[from-start:to-start], scratch[from-cstart:to-cstart])
		}
		enc := fvec.Dense
		if sparse {
			enc = fvec.Sparse
		}
		if err := k.Plan.Put(ctx, b.DKV, j, b.Index, fvec.Encode(enc, vals), &fs); err != nil {
			return nil, err
		}
	}
	if err := fs.Wait(ctx); err != nil {
		return nil, err
	}
	return b.Len, nil
}

func (*copyKernel) Reduce(x, y mrtask.Result) mrtask.Result {
	return x.(int) + y.(int)
}

