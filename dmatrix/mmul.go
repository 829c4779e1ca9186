// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package dmatrix

import (
	"context"
	"fmt"
	"math"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/bigframe/dkv"
	"github.com/grailbio/bigframe/fvec"
	"github.com/grailbio/bigframe/mrtask"
)

// Mmul returns the product C = A·B of an m x k frame a and a k x n
// frame b. C has the layout of a, and its columns take the default
// names. Mmul fails with an invalid error, before running any task, if
// the inner dimensions differ.
//
// The whole of b is replicated to every node that holds a chunk of a,
// once per node. Chunks of C are computed densely when the chunks of a
// and all of b are dense; otherwise only nonzero values are visited,
// and the resulting chunks are compressed. If either operand holds an
// infinite or NaN value, every product is accumulated regardless of
// encoding, so that 0·Inf yields NaN on both paths. The two paths may
// differ in the order in which products are accumulated.
func Mmul(ctx context.Context, r mrtask.Runner, a, b *fvec.Frame) (*fvec.Frame, error) {
	if a.NumCols() != b.NumRows() {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("dmatrix: cannot multiply %dx%d by %dx%d matrix", a.NumRows(), a.NumCols(), b.NumRows(), b.NumCols()))
	}
	plan := fvec.NewPlan(fvec.DefaultNames(b.NumCols()), a.Layout())
	res, err := r.Run(ctx, "mmul", mrtask.FrameTarget(a), &mmulKernel{
		B:       b.Key(),
		BLayout: b.Layout(),
		Plan:    *plan,
	})
	if err == nil && res != nil && res.(int) != a.NumRows() {
		err = errors.E(errors.Invalid, fmt.Sprintf("dmatrix: multiplied %d of %d rows", res.(int), a.NumRows()))
	}
	if err != nil {
		discard(ctx, r.DKV(), plan)
		return nil, err
	}
	log.Debug.Printf("dmatrix: mmul %s (%dx%d) by %s (%dx%d) -> %s",
		a.Key(), a.NumRows(), a.NumCols(), b.Key(), b.NumRows(), b.NumCols(), plan.Key)
	return plan.Publish(ctx, r.DKV())
}

type mmulKernel struct {
	B       dkv.Key
	BLayout fvec.Layout
	Plan    fvec.Plan
}

// An operand is the right-hand side of a multiplication, replicated
// on a node. Column j has nonzero values nz[j] at rows idx[j]; vals[j]
// holds every value of the column. Finite tells whether every value
// is finite.
type operand struct {
	dense  bool
	finite bool
	vals  [][]float64
	idx   [][]int
	nz    [][]float64
}

func (k *mmulKernel) operand(ctx context.Context, b *mrtask.Block) (*operand, error) {
	v, err := b.Shared("operand", func() (interface{}, error) {
		f, err := source(ctx, b, k.B, k.BLayout)
		if err != nil {
			return nil, err
		}
		op := &operand{
			dense:  true,
			finite: true,
			vals:   make([][]float64, f.NumCols()),
			idx:    make([][]int, f.NumCols()),
			nz:     make([][]float64, f.NumCols()),
		}
		for j := range op.vals {
			vals := make([]float64, f.NumRows())
			for i := 0; i < k.BLayout.NumChunks(); i++ {
				c, err := f.Vec(j).Chunk(ctx, i)
				if err != nil {
					return nil, err
				}
				op.dense = op.dense && !c.IsSparse()
				start := k.BLayout.Start(i)
				c.ForEachNonzero(func(r int, v float64) {
					if v != 0 {
						op.idx[j] = append(op.idx[j], start+r)
						op.nz[j] = append(op.nz[j], v)
						op.finite = op.finite && finite(v)
					}
				})
				c.Dense(vals[start:k.BLayout.Start(i+1)])
			}
			op.vals[j] = vals
		}
		return op, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*operand), nil
}

// Map computes chunk b.Index of every column of the product.
func (k *mmulKernel) Map(ctx context.Context, b *mrtask.Block) (mrtask.Result, error) {
	op, err := k.operand(ctx, b)
	if err != nil {
		return nil, err
	}
	dense, accumulate := op.dense, !op.finite
	for _, c := range b.Cols {
		dense = dense && !c.IsSparse()
		if !accumulate {
			c.ForEachNonzero(func(_ int, v float64) {
				accumulate = accumulate || !finite(v)
			})
		}
	}
	accumulate = accumulate || dense
	var a [][]float64
	if accumulate {
		a = make([][]float64, len(b.Cols))
		for t, c := range b.Cols {
			a[t] = c.Dense(nil)
		}
	}
	var fs dkv.Futures
	for j := range op.vals {
		out := make([]float64, b.Len)
		var c fvec.Chunk
		if accumulate {
			for t, bt := range op.vals[j] {
				at := a[t]
				for r := range out {
					out[r] += at[r] * bt
				}
			}
		} else {
			for p, t := range op.idx[j] {
				bt := op.nz[j][p]
				b.Cols[t].ForEachNonzero(func(r int, av float64) {
					out[r] += av * bt
				})
			}
		}
		if dense {
			c = fvec.NewDense(out)
		} else {
			c = fvec.Compress(out)
		}
		if err := k.Plan.Put(ctx, b.DKV, j, b.Index, c, &fs); err != nil {
			return nil, err
		}
	}
	if err := fs.Wait(ctx); err != nil {
		return nil, err
	}
	return b.Len, nil
}

func (*mmulKernel) Reduce(x, y mrtask.Result) mrtask.Result {
	return x.(int) + y.(int)
}

func finite(v float64) bool {
	return !math.IsInf(v, 0) && !math.IsNaN(v)
}
