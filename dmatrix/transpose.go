// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package dmatrix implements distributed matrix operators over
// frames: transposition and multiplication. Frames are read as
// matrices whose rows are frame rows and whose columns are frame
// columns. Every operator runs as one task on the cluster and
// registers its result as a new frame under a fresh key; operands are
// never modified.
package dmatrix

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
	gob.Register(&transposeKernel{})
	gob.Register(&mmulKernel{})
}

// Transpose returns the transpose of f: a frame with one row per
// column of f and one column per row of f, such that T[j][i] ==
// F[i][j] exactly. The result is split into min(cols, max(chunks,
// nodes)) chunks, homed round-robin, where chunks is the chunk count
// of f. Its columns take the default names.
//
// Each output chunk covers a range of source columns and is computed
// on its home node by fetching exactly those columns. Output chunks
// are compressed when any of their source chunks is sparse, and dense
// otherwise.
func Transpose(ctx context.Context, r mrtask.Runner, f *fvec.Frame) (*fvec.Frame, error) {
	rows, cols := f.NumRows(), f.NumCols()
	n := max(f.Layout().NumChunks(), r.NumNodes())
	n = max(min(cols, n), 1)
	plan := fvec.NewPlan(fvec.DefaultNames(rows), fvec.EvenLayout(cols, n, r.NumNodes()))
	res, err := r.Run(ctx, "transpose", mrtask.LayoutTarget(plan.Layout), &transposeKernel{
		Source: f.Key(),
		Layout: f.Layout(),
		Plan:   *plan,
	})
	if err == nil && res.(int) != cols {
		err = errors.E(errors.Invalid, fmt.Sprintf("dmatrix: transposed %d of %d columns", res.(int), cols))
	}
	if err != nil {
		discard(ctx, r.DKV(), plan)
		return nil, err
	}
	log.Debug.Printf("dmatrix: transpose %s (%dx%d) -> %s", f.Key(), rows, cols, plan.Key)
	return plan.Publish(ctx, r.DKV())
}

type transposeKernel struct {
	Source dkv.Key
	Layout fvec.Layout
	Plan   fvec.Plan
}

// Map computes output chunk b.Index, which holds source columns
// [b.Start, b.Start+b.Len) of every source row.
func (k *transposeKernel) Map(ctx context.Context, b *mrtask.Block) (mrtask.Result, error) {
	src, err := source(ctx, b, k.Source, k.Layout)
	if err != nil {
		return nil, err
	}
	var (
		rows   = k.Layout.NumRows()
		cols   = make([][]float64, b.Len)
		sparse bool
	)
	for c := range cols {
		vec := src.Vec(b.Start + c)
		cols[c] = make([]float64, rows)
		for i := 0; i < k.Layout.NumChunks(); i++ {
			chunk, err := vec.Chunk(ctx, i)
			if err != nil {
				return nil, err
			}
			sparse = sparse || chunk.IsSparse()
			chunk.Dense(cols[c][k.Layout.Start(i):k.Layout.Start(i+1)])
		}
	}
	var fs dkv.Futures
	for i := 0; i < rows; i++ {
		vals := make([]float64, b.Len)
		for c := range vals {
			vals[c] = cols[c][i]
		}
		enc := fvec.Dense
		if sparse {
			enc = fvec.Auto
		}
		if err := k.Plan.Put(ctx, b.DKV, i, b.Index, fvec.Encode(enc, vals), &fs); err != nil {
			return nil, err
		}
	}
	if err := fs.Wait(ctx); err != nil {
		return nil, err
	}
	return b.Len, nil
}

func (*transposeKernel) Reduce(x, y mrtask.Result) mrtask.Result {
	return x.(int) + y.(int)
}

// source resolves the frame stored under key once per node for the
// task running block b, checking that it still has the expected
// layout.
func source(ctx context.Context, b *mrtask.Block, key dkv.Key, layout fvec.Layout) (*fvec.Frame, error) {
	v, err := b.Shared(string(key), func() (interface{}, error) {
		f, err := fvec.Get(ctx, b.DKV, key)
		if err != nil {
			return nil, err
		}
		if !f.Layout().Equal(layout) {
			return nil, errors.E(errors.Invalid, fmt.Sprintf("dmatrix: frame %s changed layout", key))
		}
		return f, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*fvec.Frame), nil
}

func discard(ctx context.Context, d *dkv.DKV, plan *fvec.Plan) {
	if err := plan.Discard(ctx, d); err != nil {
		log.Error.Printf("dmatrix: discard %s: %v", plan.Key, err)
	}
}
