// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package fvec

import (
	"context"
	"fmt"
	"sort"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/bigframe/dkv"
)

// A Plan names a frame that is being built: its key, its column
// names, the keys of its vecs, and their shared layout. Chunks may be
// written by any node (typically each chunk's home); once all chunks
// have been acknowledged, Publish registers the vec and frame headers,
// making the frame visible. Plans are plain values and can be shipped
// to remote nodes.
type Plan struct {
	Key    dkv.Key
	Names  []string
	Vecs   []dkv.Key
	Layout Layout
}

// NewPlan returns a plan for a frame with the provided columns and
// layout, under fresh keys.
func NewPlan(names []string, layout Layout) *Plan {
	p := &Plan{
		Key:    dkv.NewKey("frame"),
		Names:  names,
		Vecs:   make([]dkv.Key, len(names)),
		Layout: layout,
	}
	for j := range p.Vecs {
		p.Vecs[j] = dkv.NewKey("vec")
	}
	return p
}

// ChunkKey returns the key of chunk i of column col.
func (p *Plan) ChunkKey(col, i int) dkv.Key {
	return ChunkKey(p.Vecs[col], i, p.Layout.Homes[i])
}

// Put schedules the write of chunk i of column col.
func (p *Plan) Put(ctx context.Context, d *dkv.DKV, col, i int, c Chunk, fs *dkv.Futures) error {
	if n := p.Layout.Len(i); c.Len() != n {
		return errors.E(errors.Invalid, fmt.Sprintf("fvec: chunk %d of column %d has %d rows, layout expects %d", i, col, c.Len(), n))
	}
	enc, err := EncodeChunk(c)
	if err != nil {
		return err
	}
	d.Put(ctx, p.ChunkKey(col, i), enc, fs)
	return nil
}

// Publish registers the plan's vec and frame headers, waits for the
// writes to be acknowledged, and returns a handle to the new frame.
// All chunks must have been written (and their writes waited for)
// beforehand. If Publish fails, the plan is discarded: every chunk
// and header it may have written is removed.
func (p *Plan) Publish(ctx context.Context, d *dkv.DKV) (*Frame, error) {
	f, err := p.publish(ctx, d)
	if err != nil {
		p.discard(ctx, d)
		return nil, err
	}
	return f, nil
}

func (p *Plan) publish(ctx context.Context, d *dkv.DKV) (*Frame, error) {
	if len(p.Names) != len(p.Vecs) {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("fvec: plan has %d names for %d vecs", len(p.Names), len(p.Vecs)))
	}
	if err := p.Layout.Validate(d.NumNodes()); err != nil {
		return nil, err
	}
	vh, err := encode(kindVec, vecHeader{Starts: p.Layout.Starts, Homes: p.Layout.Homes})
	if err != nil {
		return nil, err
	}
	f := &Frame{
		key:    p.Key,
		d:      d,
		names:  p.Names,
		vecs:   make([]*Vec, len(p.Vecs)),
		layout: p.Layout,
	}
	var fs dkv.Futures
	for j, key := range p.Vecs {
		f.vecs[j] = &Vec{key: key, d: d, layout: p.Layout}
		d.Put(ctx, key, vh, &fs)
	}
	fh, err := encodeFrame(f.names, f.vecs, f.layout)
	if err != nil {
		if werr := fs.Wait(ctx); werr != nil {
			log.Error.Printf("fvec: publish %s: %v", p.Key, werr)
		}
		return nil, err
	}
	d.Put(ctx, p.Key, fh, &fs)
	if err := fs.Wait(ctx); err != nil {
		return nil, err
	}
	return f, nil
}

// Discard removes every object the plan may have written and waits
// for the removals. It is used to clean up after a failed build.
func (p *Plan) Discard(ctx context.Context, d *dkv.DKV) error {
	var fs dkv.Futures
	for j := range p.Vecs {
		for i := 0; i < p.Layout.NumChunks(); i++ {
			d.Remove(ctx, p.ChunkKey(j, i), &fs)
		}
		d.Remove(ctx, p.Vecs[j], &fs)
	}
	d.Remove(ctx, p.Key, &fs)
	return fs.Wait(ctx)
}

// discard discards the plan, logging any failure.
func (p *Plan) discard(ctx context.Context, d *dkv.DKV) {
	if err := p.Discard(ctx, d); err != nil {
		log.Error.Printf("fvec: discard %s: %v", p.Key, err)
	}
}

// DefaultNames returns the column names C1, C2, ..., Cn.
func DefaultNames(n int) []string {
	names := make([]string, n)
	for j := range names {
		names[j] = fmt.Sprintf("C%d", j+1)
	}
	return names
}

// FromColumns builds a frame from column-major values, split evenly
// into the provided number of chunks homed round-robin across the
// cluster. If names is nil, DefaultNames is used.
func FromColumns(ctx context.Context, d *dkv.DKV, names []string, cols [][]float64, chunks int, enc Encoding) (*Frame, error) {
	if names == nil {
		names = DefaultNames(len(cols))
	}
	if len(names) != len(cols) {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("fvec: %d names for %d columns", len(names), len(cols)))
	}
	if chunks < 1 {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("fvec: invalid chunk count %d", chunks))
	}
	var rows int
	if len(cols) > 0 {
		rows = len(cols[0])
	}
	for j, col := range cols {
		if len(col) != rows {
			return nil, errors.E(errors.Invalid, fmt.Sprintf("fvec: column %d has %d rows, expected %d", j, len(col), rows))
		}
	}
	p := NewPlan(names, EvenLayout(rows, chunks, d.NumNodes()))
	return build(ctx, d, p, func(j, i int) Chunk {
		start, end := p.Layout.Starts[i], p.Layout.Starts[i+1]
		return Encode(enc, append([]float64{}, cols[j][start:end]...))
	})
}

// FromRows builds a frame from row-major values. See FromColumns.
func FromRows(ctx context.Context, d *dkv.DKV, names []string, rows [][]float64, chunks int, enc Encoding) (*Frame, error) {
	var ncol int
	if len(rows) > 0 {
		ncol = len(rows[0])
	} else if names != nil {
		ncol = len(names)
	}
	cols := make([][]float64, ncol)
	for j := range cols {
		cols[j] = make([]float64, len(rows))
	}
	for i, row := range rows {
		if len(row) != ncol {
			return nil, errors.E(errors.Invalid, fmt.Sprintf("fvec: row %d has %d values, expected %d", i, len(row), ncol))
		}
		for j, v := range row {
			cols[j][i] = v
		}
	}
	return FromColumns(ctx, d, names, cols, chunks, enc)
}

// An Entry is one nonzero cell of a sparse matrix.
type Entry struct {
	Row, Col int
	Val      float64
}

// FromEntries builds a frame of the provided number of rows, with one
// column per name, from its nonzero entries. Cells without an entry
// are zero. A cell may not be given twice.
func FromEntries(ctx context.Context, d *dkv.DKV, names []string, rows int, entries []Entry, chunks int, enc Encoding) (*Frame, error) {
	if chunks < 1 {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("fvec: invalid chunk count %d", chunks))
	}
	sorted := append([]Entry{}, entries...)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Col != sorted[j].Col {
			return sorted[i].Col < sorted[j].Col
		}
		return sorted[i].Row < sorted[j].Row
	})
	for k, e := range sorted {
		if e.Row < 0 || e.Row >= rows || e.Col < 0 || e.Col >= len(names) {
			return nil, errors.E(errors.Invalid, fmt.Sprintf("fvec: entry (%d, %d) outside a %dx%d matrix", e.Row, e.Col, rows, len(names)))
		}
		if k > 0 && sorted[k-1].Row == e.Row && sorted[k-1].Col == e.Col {
			return nil, errors.E(errors.Invalid, fmt.Sprintf("fvec: duplicate entry (%d, %d)", e.Row, e.Col))
		}
	}
	// Index the first entry of each column.
	colStart := make([]int, len(names)+1)
	for _, e := range sorted {
		colStart[e.Col+1]++
	}
	for j := 1; j < len(colStart); j++ {
		colStart[j] += colStart[j-1]
	}
	p := NewPlan(names, EvenLayout(rows, chunks, d.NumNodes()))
	return build(ctx, d, p, func(j, i int) Chunk {
		start, end := p.Layout.Starts[i], p.Layout.Starts[i+1]
		col := sorted[colStart[j]:colStart[j+1]]
		lo := sort.Search(len(col), func(k int) bool { return col[k].Row >= start })
		hi := sort.Search(len(col), func(k int) bool { return col[k].Row >= end })
		var (
			offsets []uint32
			vals    []float64
		)
		for _, e := range col[lo:hi] {
			if e.Val == 0 {
				continue
			}
			offsets = append(offsets, uint32(e.Row-start))
			vals = append(vals, e.Val)
		}
		c := NewSparse(end-start, offsets, vals)
		if enc == Dense || (enc == Auto && len(vals)*4 > end-start) {
			return NewDense(c.Dense(nil))
		}
		return c
	})
}

func build(ctx context.Context, d *dkv.DKV, p *Plan, chunk func(col, i int) Chunk) (*Frame, error) {
	var fs dkv.Futures
	for j := range p.Vecs {
		for i := 0; i < p.Layout.NumChunks(); i++ {
			if err := p.Put(ctx, d, j, i, chunk(j, i), &fs); err != nil {
				if werr := fs.Wait(ctx); werr != nil {
					log.Error.Printf("fvec: build %s: %v", p.Key, werr)
				}
				p.discard(ctx, d)
				return nil, err
			}
		}
	}
	if err := fs.Wait(ctx); err != nil {
		p.discard(ctx, d)
		return nil, err
	}
	return p.Publish(ctx, d)
}
