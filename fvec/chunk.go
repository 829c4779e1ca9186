// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package fvec

import (
	"fmt"

	"github.com/RoaringBitmap/roaring/v2"
)

// A Chunk is a contiguous run of values of one Vec. Offsets are
// relative to the chunk's first row. Chunks are immutable once
// published: callers must not modify the slices they expose.
type Chunk interface {
	// Len returns the number of rows in the chunk.
	Len() int
	// At returns the value at offset i.
	At(i int) float64
	// IsSparse tells whether the chunk stores only its nonzero values.
	IsSparse() bool
	// NNZ returns the number of stored values: Len for dense chunks,
	// the number of nonzeros for sparse ones.
	NNZ() int
	// ForEachNonzero calls fn for each stored value in offset order.
	// Dense chunks skip exact zeros.
	ForEachNonzero(fn func(i int, v float64))
	// Dense copies the chunk's values into dst, growing it as needed,
	// and returns dst[:Len()].
	Dense(dst []float64) []float64
}

// DenseChunk stores a value for every row.
type DenseChunk struct {
	Vals []float64
}

// NewDense returns a dense chunk holding vals. The slice is retained.
func NewDense(vals []float64) *DenseChunk {
	return &DenseChunk{Vals: vals}
}

func (c *DenseChunk) Len() int { return len(c.Vals) }
func (c *DenseChunk) At(i int) float64 { return c.Vals[i] }
func (c *DenseChunk) IsSparse() bool { return false }
func (c *DenseChunk) NNZ() int { return len(c.Vals) }
func (c *DenseChunk) String() string { return fmt.Sprintf("dense(%d)", len(c.Vals)) }
func (c *DenseChunk) Dense(dst []float64) []float64 {
	dst = grow(dst, len(c.Vals))
	copy(dst, c.Vals)
	return dst
}

func (c *DenseChunk) ForEachNonzero(fn func(i int, v float64)) {
	for i, v := range c.Vals {
		if v != 0 {
			fn(i, v)
		}
	}
}

// SparseChunk stores only the rows with nonzero values. Rows indexes
// the offsets present in the chunk; Vals holds their values in offset
// order. Absent offsets are exactly zero.
type SparseChunk struct {
	N    int
	Rows *roaring.Bitmap
	Vals []float64
}

// NewSparse returns a sparse chunk of n rows with the provided
// strictly increasing offsets and their values.
func NewSparse(n int, offsets []uint32, vals []float64) *SparseChunk {
	if len(offsets) != len(vals) {
		panic("fvec.NewSparse: offsets and values differ in length")
	}
	rows := roaring.New()
	rows.AddMany(offsets)
	return &SparseChunk{N: n, Rows: rows, Vals: vals}
}

func (c *SparseChunk) Len() int { return c.N }
func (c *SparseChunk) IsSparse() bool { return true }
func (c *SparseChunk) NNZ() int { return len(c.Vals) }
func (c *SparseChunk) String() string { return fmt.Sprintf("sparse(%d/%d)", len(c.Vals), c.N) }

func (c *SparseChunk) At(i int) float64 {
	if i < 0 || i >= c.N {
		panic(fmt.Sprintf("fvec: offset %d out of range [0, %d)", i, c.N))
	}
	if !c.Rows.Contains(uint32(i)) {
		return 0
	}
	return c.Vals[c.Rows.Rank(uint32(i))-1]
}

func (c *SparseChunk) ForEachNonzero(fn func(i int, v float64)) {
	it := c.Rows.Iterator()
	for k := 0; it.HasNext(); k++ {
		fn(int(it.Next()), c.Vals[k])
	}
}

func (c *SparseChunk) Dense(dst []float64) []float64 {
	dst = grow(dst, c.N)
	for i := range dst {
		dst[i] = 0
	}
	c.ForEachNonzero(func(i int, v float64) { dst[i] = v })
	return dst
}

// Encoding selects how builders and operators encode new chunks.
type Encoding int

const (
	// Auto picks the smaller encoding for each chunk (see Compress).
	Auto Encoding = iota
	// Dense always stores every value.
	Dense
	// Sparse always stores only nonzero values.
	Sparse
)

func (e Encoding) String() string {
	switch e {
	case Auto:
		return "auto"
	case Dense:
		return "dense"
	case Sparse:
		return "sparse"
	default:
		return fmt.Sprintf("Encoding(%d)", int(e))
	}
}

// Encode returns a chunk holding vals in the provided encoding. The
// slice is retained by dense chunks.
func Encode(e Encoding, vals []float64) Chunk {
	switch e {
	case Dense:
		return NewDense(vals)
	case Sparse:
		return sparseOf(vals)
	default:
		return Compress(vals)
	}
}

// Compress returns a sparse chunk if at most a quarter of vals are
// nonzero, and a dense chunk otherwise.
func Compress(vals []float64) Chunk {
	var nnz int
	for _, v := range vals {
		if v != 0 {
			nnz++
		}
	}
	if nnz*4 <= len(vals) && len(vals) > 0 {
		return sparseOf(vals)
	}
	return NewDense(vals)
}

func sparseOf(vals []float64) *SparseChunk {
	var (
		offsets []uint32
		nz      []float64
	)
	for i, v := range vals {
		if v != 0 {
			offsets = append(offsets, uint32(i))
			nz = append(nz, v)
		}
	}
	return NewSparse(len(vals), offsets, nz)
}

func grow(p []float64, n int) []float64 {
	if cap(p) < n {
		return make([]float64, n)
	}
	return p[:n]
}
