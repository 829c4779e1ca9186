// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package fvec implements bigframe's chunked columnar model. A Frame
// is an ordered collection of named Vecs (columns); every Vec is split
// into row-range Chunks homed on cluster nodes, and all Vecs of a
// Frame share one Layout, so that row i of every column lives on the
// same node.
//
// Frames, Vecs and Chunks are stored in the distributed directory
// (package dkv) and are never mutated in place: operators publish new
// objects under fresh keys. Frame and Vec values are handles; after a
// structural edit made elsewhere they must be re-resolved (see
// Frame.Resolve).
package fvec

import (
	"context"
	"fmt"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/bigframe/dkv"
	"golang.org/x/sync/errgroup"
)

// ChunkKey returns the key of chunk i of the vec stored under vec,
// pinned to the chunk's home node.
func ChunkKey(vec dkv.Key, i, home int) dkv.Key {
	return dkv.WithHome(dkv.Key(fmt.Sprintf("%s#%d", vec, i)), home)
}

// A Vec is a handle to a column.
type Vec struct {
	key    dkv.Key
	d      *dkv.DKV
	layout Layout
}

// GetVec resolves the vec stored under key.
func GetVec(ctx context.Context, d *dkv.DKV, key dkv.Key) (*Vec, error) {
	p, err := d.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	var h vecHeader
	if _, err := decode(key, p, &h, kindVec); err != nil {
		return nil, err
	}
	v := &Vec{key: key, d: d, layout: Layout{Starts: h.Starts, Homes: h.Homes}}
	if err := v.layout.Validate(d.NumNodes()); err != nil {
		return nil, errors.E(fmt.Sprintf("fvec: vec %s", key), err)
	}
	return v, nil
}

// Key returns the vec's key.
func (v *Vec) Key() dkv.Key { return v.key }

// Layout returns the vec's chunk layout.
func (v *Vec) Layout() Layout { return v.layout }

// Len returns the number of rows in the vec.
func (v *Vec) Len() int { return v.layout.NumRows() }

// ChunkKey returns the key of chunk i.
func (v *Vec) ChunkKey(i int) dkv.Key {
	return ChunkKey(v.key, i, v.layout.Homes[i])
}

// Chunk fetches chunk i of the vec.
func (v *Vec) Chunk(ctx context.Context, i int) (Chunk, error) {
	if i < 0 || i >= v.layout.NumChunks() {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("fvec: chunk %d out of range [0, %d)", i, v.layout.NumChunks()))
	}
	key := v.ChunkKey(i)
	p, err := v.d.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	c, err := DecodeChunk(key, p)
	if err != nil {
		return nil, err
	}
	if c.Len() != v.layout.Len(i) {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("fvec: %s: chunk has %d rows, layout expects %d", key, c.Len(), v.layout.Len(i)))
	}
	return c, nil
}

// At returns the value at row. Rows in chunks homed elsewhere are
// fetched from their home node.
func (v *Vec) At(ctx context.Context, row int) (float64, error) {
	if row < 0 || row >= v.Len() {
		return 0, errors.E(errors.Invalid, fmt.Sprintf("fvec: row %d out of range [0, %d)", row, v.Len()))
	}
	i := v.layout.Find(row)
	c, err := v.Chunk(ctx, i)
	if err != nil {
		return 0, err
	}
	return c.At(row - v.layout.Start(i)), nil
}

// Values materializes the whole vec.
func (v *Vec) Values(ctx context.Context) ([]float64, error) {
	vals := make([]float64, v.Len())
	for i := 0; i < v.layout.NumChunks(); i++ {
		c, err := v.Chunk(ctx, i)
		if err != nil {
			return nil, err
		}
		c.Dense(vals[v.layout.Start(i):v.layout.Starts[i+1]])
	}
	return vals, nil
}

// Remove schedules the removal of the vec's chunks and header.
func (v *Vec) Remove(ctx context.Context, fs *dkv.Futures) {
	for i := 0; i < v.layout.NumChunks(); i++ {
		v.d.Remove(ctx, v.ChunkKey(i), fs)
	}
	v.d.Remove(ctx, v.key, fs)
}

// A Frame is a handle to an ordered collection of named Vecs sharing
// one layout.
type Frame struct {
	key    dkv.Key
	d      *dkv.DKV
	names  []string
	vecs   []*Vec
	layout Layout
}

// Get resolves the frame stored under key, along with all of its
// vecs. Get fails if any vec's layout differs from the frame's.
func Get(ctx context.Context, d *dkv.DKV, key dkv.Key) (*Frame, error) {
	p, err := d.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	var h frameHeader
	if _, err := decode(key, p, &h, kindFrame); err != nil {
		return nil, err
	}
	if len(h.Names) != len(h.Vecs) {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("fvec: frame %s has %d names for %d vecs", key, len(h.Names), len(h.Vecs)))
	}
	f := &Frame{
		key:    key,
		d:      d,
		names:  h.Names,
		vecs:   make([]*Vec, len(h.Vecs)),
		layout: Layout{Starts: h.Starts, Homes: h.Homes},
	}
	if err := f.layout.Validate(d.NumNodes()); err != nil {
		return nil, errors.E(fmt.Sprintf("fvec: frame %s", key), err)
	}
	g, gctx := errgroup.WithContext(ctx)
	for j := range h.Vecs {
		j := j
		g.Go(func() (err error) {
			f.vecs[j], err = GetVec(gctx, d, h.Vecs[j])
			return
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	for j, v := range f.vecs {
		if !v.layout.Equal(f.layout) {
			return nil, errors.E(errors.Invalid, fmt.Sprintf("fvec: frame %s: column %q has a layout differing from the frame's", key, f.names[j]))
		}
	}
	return f, nil
}

// Key returns the frame's key.
func (f *Frame) Key() dkv.Key { return f.key }

// DKV returns the directory through which the frame was resolved.
func (f *Frame) DKV() *dkv.DKV { return f.d }

// Layout returns the chunk layout shared by the frame's vecs.
func (f *Frame) Layout() Layout { return f.layout }

// NumRows returns the number of rows in the frame.
func (f *Frame) NumRows() int { return f.layout.NumRows() }

// NumCols returns the number of columns in the frame.
func (f *Frame) NumCols() int { return len(f.vecs) }

// Names returns the column names of the frame.
func (f *Frame) Names() []string { return f.names }

// Vec returns the j'th column.
func (f *Frame) Vec(j int) *Vec { return f.vecs[j] }

// Find returns the index of the column with the provided name, or -1.
func (f *Frame) Find(name string) int {
	for j, n := range f.names {
		if n == name {
			return j
		}
	}
	return -1
}

func (f *Frame) String() string {
	return fmt.Sprintf("frame %s (%dx%d, %d chunks)", f.key, f.NumRows(), f.NumCols(), f.layout.NumChunks())
}

// At returns the value at (row, col).
func (f *Frame) At(ctx context.Context, row, col int) (float64, error) {
	if col < 0 || col >= f.NumCols() {
		return 0, errors.E(errors.Invalid, fmt.Sprintf("fvec: column %d out of range [0, %d)", col, f.NumCols()))
	}
	return f.vecs[col].At(ctx, row)
}

// Chunks fetches chunk i of every column.
func (f *Frame) Chunks(ctx context.Context, i int) ([]Chunk, error) {
	cols := make([]Chunk, len(f.vecs))
	for j, v := range f.vecs {
		var err error
		if cols[j], err = v.Chunk(ctx, i); err != nil {
			return nil, err
		}
	}
	return cols, nil
}

// Rows materializes the frame as a slice of rows. It is intended for
// small frames.
func (f *Frame) Rows(ctx context.Context) ([][]float64, error) {
	rows := make([][]float64, f.NumRows())
	for i := range rows {
		rows[i] = make([]float64, f.NumCols())
	}
	for j, v := range f.vecs {
		vals, err := v.Values(ctx)
		if err != nil {
			return nil, err
		}
		for i, x := range vals {
			rows[i][j] = x
		}
	}
	return rows, nil
}

// Resolve re-reads the frame from the directory, replacing the
// handle's names and vecs.
func (f *Frame) Resolve(ctx context.Context) error {
	g, err := Get(ctx, f.d, f.key)
	if err != nil {
		return err
	}
	*f = *g
	return nil
}

// RemoveColumn detaches the named column from the frame and schedules
// the deletion of its vec.
func (f *Frame) RemoveColumn(ctx context.Context, name string, fs *dkv.Futures) error {
	j := f.Find(name)
	if j < 0 {
		return errors.E(errors.NotExist, fmt.Sprintf("fvec: frame %s has no column %q", f.key, name))
	}
	return f.RemoveColumnAt(ctx, j, fs)
}

// RemoveColumnAt detaches column j from the frame: the frame header
// is republished without it, and the vec's header and chunks are
// scheduled for deletion. Other handles to the frame are stale until
// resolved again.
func (f *Frame) RemoveColumnAt(ctx context.Context, j int, fs *dkv.Futures) error {
	if j < 0 || j >= f.NumCols() {
		return errors.E(errors.Invalid, fmt.Sprintf("fvec: column %d out of range [0, %d)", j, f.NumCols()))
	}
	v := f.vecs[j]
	names := append(append([]string{}, f.names[:j]...), f.names[j+1:]...)
	vecs := append(append([]*Vec{}, f.vecs[:j]...), f.vecs[j+1:]...)
	p, err := encodeFrame(names, vecs, f.layout)
	if err != nil {
		return err
	}
	f.d.Put(ctx, f.key, p, fs)
	f.names, f.vecs = names, vecs
	v.Remove(ctx, fs)
	return nil
}

// Delete schedules the removal of every object of the frame: chunks,
// vec headers and the frame header.
func (f *Frame) Delete(ctx context.Context, fs *dkv.Futures) {
	for _, v := range f.vecs {
		v.Remove(ctx, fs)
	}
	f.d.Remove(ctx, f.key, fs)
}

func encodeFrame(names []string, vecs []*Vec, layout Layout) ([]byte, error) {
	keys := make([]dkv.Key, len(vecs))
	for j, v := range vecs {
		keys[j] = v.key
	}
	return encode(kindFrame, frameHeader{Names: names, Vecs: keys, Starts: layout.Starts, Homes: layout.Homes})
}
