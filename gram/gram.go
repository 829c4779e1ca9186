// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package gram computes the Gram matrix XᵗX of a frame, optionally
// weighted, in a single task. Each chunk accumulates the outer
// products of its rows; partial results are summed. The Gram matrix
// is computed without materializing Xᵗ, and so serves as an
// independent check of dmatrix.Mmul. Gram.Frame registers a result in
// the directory as a frame.
package gram

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"
	"math"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/bigframe/dkv"
	"github.com/grailbio/bigframe/fvec"
	"github.com/grailbio/bigframe/mrtask"
)

func init() {
	gob.Register(&Gram{})
	gob.Register(&gramKernel{})
}

// Options configures Compute.
type Options struct {
	// Weight names a column of row weights. The weight column is
	// excluded from the matrix. If empty, every row has weight 1.
	Weight string
}

// Gram is a symmetric Gram matrix Σ w·x·xᵗ over the rows x of a frame,
// with weights w.
type Gram struct {
	// Names holds the frame columns covered by the matrix, in order.
	Names []string
	// XX holds the lower triangle of the matrix, packed by rows:
	// entry (i, j), j <= i, is at XX[i*(i+1)/2+j].
	XX []float64
	// NObs is the number of rows accumulated.
	NObs int64
	// SumW is the sum of the weights of the rows accumulated.
	SumW float64
	// Skipped is the number of rows skipped because they held NaN
	// values.
	Skipped int64
}

// New returns a zero Gram matrix over the named columns.
func New(names []string) *Gram {
	n := len(names)
	return &Gram{Names: names, XX: make([]float64, n*(n+1)/2)}
}

// Dim returns the dimension of the matrix.
func (g *Gram) Dim() int { return len(g.Names) }

// At returns entry (i, j) of the matrix.
func (g *Gram) At(i, j int) float64 {
	if j > i {
		i, j = j, i
	}
	return g.XX[i*(i+1)/2+j]
}

// Dense returns the full matrix.
func (g *Gram) Dense() [][]float64 {
	m := make([][]float64, g.Dim())
	for i := range m {
		m[i] = make([]float64, g.Dim())
		for j := range m[i] {
			m[i][j] = g.At(i, j)
		}
	}
	return m
}

// Normalized returns a copy of g whose entries are divided by the
// weight sum.
func (g *Gram) Normalized() *Gram {
	h := *g
	h.XX = make([]float64, len(g.XX))
	for i, v := range g.XX {
		h.XX[i] = v / g.SumW
	}
	return &h
}

// Frame registers the matrix in directory d as a new Dim x Dim frame
// under a fresh key, split into the provided number of chunks. Its
// columns take the names of the columns the matrix covers.
func (g *Gram) Frame(ctx context.Context, d *dkv.DKV, chunks int) (*fvec.Frame, error) {
	return fvec.FromRows(ctx, d, g.Names, g.Dense(), chunks, fvec.Dense)
}

// Add adds h into g. Both must cover the same columns.
func (g *Gram) Add(h *Gram) {
	if len(g.XX) != len(h.XX) {
		panic(fmt.Sprintf("gram: adding %d-dimensional matrix to %d-dimensional matrix", h.Dim(), g.Dim()))
	}
	for i, v := range h.XX {
		g.XX[i] += v
	}
	g.NObs += h.NObs
	g.SumW += h.SumW
	g.Skipped += h.Skipped
}

func (g *Gram) String() string {
	var b bytes.Buffer
	fmt.Fprintf(&b, "gram(nobs=%d, sumw=%g, skipped=%d)", g.NObs, g.SumW, g.Skipped)
	for i := 0; i < g.Dim(); i++ {
		fmt.Fprintf(&b, "\n%s", g.Names[i])
		for j := 0; j <= i; j++ {
			fmt.Fprintf(&b, "\t%g", g.At(i, j))
		}
	}
	return b.String()
}

// Compute returns the Gram matrix of frame f. Rows holding a NaN
// value, or a NaN weight, are skipped; rows with zero weight are
// ignored.
func Compute(ctx context.Context, r mrtask.Runner, f *fvec.Frame, opts Options) (*Gram, error) {
	k := &gramKernel{Weight: -1}
	if opts.Weight != "" {
		if k.Weight = f.Find(opts.Weight); k.Weight < 0 {
			return nil, errors.E(errors.Invalid, fmt.Sprintf("gram: frame %s has no weight column %q", f.Key(), opts.Weight))
		}
	}
	for j, name := range f.Names() {
		if j != k.Weight {
			k.Cols = append(k.Cols, j)
			k.Names = append(k.Names, name)
		}
	}
	res, err := r.Run(ctx, "gram", mrtask.FrameTarget(f), k)
	if err != nil {
		return nil, err
	}
	if res == nil {
		return New(k.Names), nil
	}
	g := res.(*Gram)
	if g.Skipped > 0 {
		log.Printf("gram: skipped %d rows of %s with missing values", g.Skipped, f.Key())
	}
	return g, nil
}

type gramKernel struct {
	Names  []string
	Cols   []int
	Weight int
}

func (k *gramKernel) Map(ctx context.Context, b *mrtask.Block) (mrtask.Result, error) {
	var (
		g    = New(k.Names)
		vals = make([][]float64, len(k.Cols))
		w    []float64
		nz   = make([]int, 0, len(k.Cols))
	)
	for i, j := range k.Cols {
		vals[i] = b.Cols[j].Dense(nil)
	}
	if k.Weight >= 0 {
		w = b.Cols[k.Weight].Dense(nil)
	}
rows:
	for r := 0; r < b.Len; r++ {
		wr := 1.0
		if w != nil {
			wr = w[r]
		}
		if math.IsNaN(wr) {
			g.Skipped++
			continue
		}
		nz = nz[:0]
		for i := range vals {
			switch x := vals[i][r]; {
			case math.IsNaN(x):
				g.Skipped++
				continue rows
			case x != 0:
				nz = append(nz, i)
			}
		}
		if wr == 0 {
			continue
		}
		g.NObs++
		g.SumW += wr
		for p, i := range nz {
			xi := wr * vals[i][r]
			row := g.XX[i*(i+1)/2:]
			for _, j := range nz[:p+1] {
				row[j] += xi * vals[j][r]
			}
		}
	}
	return g, nil
}

// Reduce sums partial matrices into x.
func (*gramKernel) Reduce(x, y mrtask.Result) mrtask.Result {
	g := x.(*Gram)
	g.Add(y.(*Gram))
	return g
}
