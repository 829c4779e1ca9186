// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package fvec

import (
	"bytes"
	"context"
	"testing"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/bigframe/dkv"
	"github.com/grailbio/testutil/assert"
	"github.com/grailbio/testutil/expect"
)

var sixRows = [][]float64{{1, 2, 3}, {4, 5, 6}}

func TestFromRows(t *testing.T) {
	ctx := context.Background()
	l := dkv.NewLocal(3)
	f, err := FromRows(ctx, l.Client, []string{"a", "b", "c"}, sixRows, 2, Auto)
	assert.NoError(t, err)
	expect.EQ(t, f.NumRows(), 2)
	expect.EQ(t, f.NumCols(), 3)
	expect.EQ(t, f.Find("b"), 1)
	expect.EQ(t, f.Find("z"), -1)
	// Resolve through a different node.
	g, err := Get(ctx, l.Nodes[2], f.Key())
	assert.NoError(t, err)
	for i, row := range sixRows {
		for j, want := range row {
			got, err := g.At(ctx, i, j)
			assert.NoError(t, err)
			if got != want {
				t.Errorf("(%d, %d): got %v, want %v", i, j, got, want)
			}
		}
	}
	rows, err := g.Rows(ctx)
	assert.NoError(t, err)
	expect.EQ(t, rows, sixRows)
}

func TestAtOutOfRange(t *testing.T) {
	ctx := context.Background()
	l := dkv.NewLocal(2)
	f, err := FromRows(ctx, l.Client, nil, sixRows, 1, Dense)
	assert.NoError(t, err)
	expect.EQ(t, f.Names(), []string{"C1", "C2", "C3"})
	for _, rc := range [][2]int{{-1, 0}, {2, 0}, {0, -1}, {0, 3}} {
		_, err := f.At(ctx, rc[0], rc[1])
		if !errors.Is(errors.Invalid, err) {
			t.Errorf("%v: expected invalid error, got %v", rc, err)
		}
	}
}

func TestRemoveColumn(t *testing.T) {
	ctx := context.Background()
	l := dkv.NewLocal(3)
	f, err := FromRows(ctx, l.Client, []string{"a", "b", "c"}, sixRows, 2, Auto)
	assert.NoError(t, err)
	stale, err := Get(ctx, l.Nodes[1], f.Key())
	assert.NoError(t, err)
	removed := f.Vec(1)

	var fs dkv.Futures
	assert.NoError(t, f.RemoveColumn(ctx, "b", &fs))
	assert.NoError(t, fs.Wait(ctx))
	expect.EQ(t, f.Names(), []string{"a", "c"})

	// The stale handle still has three columns until resolved.
	expect.EQ(t, stale.NumCols(), 3)
	assert.NoError(t, stale.Resolve(ctx))
	expect.EQ(t, stale.Names(), []string{"a", "c"})
	v, err := stale.At(ctx, 1, 1)
	assert.NoError(t, err)
	expect.EQ(t, v, 6.0)

	if _, err := GetVec(ctx, l.Client, removed.Key()); !dkv.IsNotFound(err) {
		t.Errorf("expected not found, got %v", err)
	}
	if _, err := removed.Chunk(ctx, 0); !dkv.IsNotFound(err) {
		t.Errorf("expected not found, got %v", err)
	}
	if err := f.RemoveColumn(ctx, "b", &fs); !errors.Is(errors.NotExist, err) {
		t.Errorf("expected not exist error, got %v", err)
	}
}

func TestDelete(t *testing.T) {
	ctx := context.Background()
	l := dkv.NewLocal(3)
	f, err := FromRows(ctx, l.Client, nil, sixRows, 3, Sparse)
	assert.NoError(t, err)
	keys, err := l.Client.Keys(ctx)
	assert.NoError(t, err)
	// One frame header, three vec headers, and nine chunks.
	expect.EQ(t, len(keys), 13)
	var fs dkv.Futures
	f.Delete(ctx, &fs)
	assert.NoError(t, fs.Wait(ctx))
	keys, err = l.Client.Keys(ctx)
	assert.NoError(t, err)
	expect.EQ(t, len(keys), 0)
	if _, err := Get(ctx, l.Nodes[0], f.Key()); !dkv.IsNotFound(err) {
		t.Errorf("expected not found, got %v", err)
	}
}

func TestInconsistentLayout(t *testing.T) {
	ctx := context.Background()
	l := dkv.NewLocal(2)
	a, err := FromRows(ctx, l.Client, []string{"x"}, [][]float64{{1}, {2}, {3}}, 1, Auto)
	assert.NoError(t, err)
	b, err := FromRows(ctx, l.Client, []string{"y"}, [][]float64{{1}, {2}, {3}}, 3, Auto)
	assert.NoError(t, err)
	// Splice b's vec into a frame with a's layout.
	p, err := encodeFrame([]string{"x", "y"}, []*Vec{a.Vec(0), b.Vec(0)}, a.Layout())
	assert.NoError(t, err)
	key := dkv.NewKey("bad")
	assert.NoError(t, l.Client.Put(ctx, key, p, nil).Wait(ctx))
	if _, err := Get(ctx, l.Client, key); !errors.Is(errors.Invalid, err) {
		t.Fatalf("expected invalid error, got %v", err)
	}
	// Resolving a vec key as a frame fails descriptively.
	if _, err := Get(ctx, l.Client, a.Vec(0).Key()); !errors.Is(errors.Invalid, err) {
		t.Fatalf("expected invalid error, got %v", err)
	}
}

func TestFromEntries(t *testing.T) {
	ctx := context.Background()
	l := dkv.NewLocal(2)
	entries := []Entry{
		{0, 1, .2}, {0, 4, .5}, {0, 8, .9},
		{1, 0, .1}, {1, 3, .4}, {1, 7, .8},
		{3, 2, .3},
	}
	names := DefaultNames(9)
	sparse, err := FromEntries(ctx, l.Client, names, 4, entries, 2, Sparse)
	assert.NoError(t, err)
	dense, err := FromEntries(ctx, l.Client, names, 4, entries, 3, Dense)
	assert.NoError(t, err)
	assert.NoError(t, Compare(ctx, sparse, dense, 0))
	c, err := sparse.Vec(2).Chunk(ctx, 1)
	assert.NoError(t, err)
	if !c.IsSparse() {
		t.Errorf("expected sparse chunk, got %v", c)
	}
	v, err := dense.At(ctx, 3, 2)
	assert.NoError(t, err)
	expect.EQ(t, v, .3)
	v, err = dense.At(ctx, 2, 2)
	assert.NoError(t, err)
	expect.EQ(t, v, 0.0)

	_, err = FromEntries(ctx, l.Client, names, 4, []Entry{{0, 0, 1}, {0, 0, 2}}, 1, Auto)
	if !errors.Is(errors.Invalid, err) {
		t.Errorf("expected invalid error, got %v", err)
	}
	_, err = FromEntries(ctx, l.Client, names, 4, []Entry{{4, 0, 1}}, 1, Auto)
	if !errors.Is(errors.Invalid, err) {
		t.Errorf("expected invalid error, got %v", err)
	}
}

func TestCompare(t *testing.T) {
	ctx := context.Background()
	l := dkv.NewLocal(2)
	a, err := FromRows(ctx, l.Client, nil, sixRows, 2, Auto)
	assert.NoError(t, err)
	b, err := FromRows(ctx, l.Client, nil, [][]float64{{1, 2, 3}, {4, 5.001, 6}}, 1, Auto)
	assert.NoError(t, err)
	assert.NoError(t, Compare(ctx, a, b, 1e-2))
	err = Compare(ctx, a, b, 1e-4)
	m, ok := err.(*Mismatch)
	if !ok {
		t.Fatalf("expected mismatch, got %v", err)
	}
	expect.EQ(t, m.Row, 1)
	expect.EQ(t, m.Col, 1)
	c, err := FromRows(ctx, l.Client, nil, [][]float64{{1, 2}}, 1, Auto)
	assert.NoError(t, err)
	if err := Compare(ctx, a, c, 1); !errors.Is(errors.Invalid, err) {
		t.Errorf("expected invalid error, got %v", err)
	}
}

func TestWriteTSV(t *testing.T) {
	ctx := context.Background()
	l := dkv.NewLocal(2)
	f, err := FromRows(ctx, l.Client, []string{"a", "b", "c"}, [][]float64{{1, 2.5, 3}, {0, 0, -6}}, 2, Auto)
	assert.NoError(t, err)
	var b bytes.Buffer
	assert.NoError(t, WriteTSV(ctx, &b, f))
	if got, want := b.String(), "a\tb\tc\n1\t2.5\t3\n0\t0\t-6\n"; got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestPublishFailureDiscards(t *testing.T) {
	ctx := context.Background()
	l := dkv.NewLocal(3)
	p := NewPlan([]string{"a", "b", "c"}, Layout{Starts: []int{0, 2, 4}, Homes: []int{0, 2}})
	// Home the frame header on the node that fails.
	p.Key = dkv.WithHome(p.Key, 1)
	var fs dkv.Futures
	for j := range p.Vecs {
		for i := 0; i < p.Layout.NumChunks(); i++ {
			assert.NoError(t, p.Put(ctx, l.Client, j, i, NewDense([]float64{1, 2}), &fs))
		}
	}
	assert.NoError(t, fs.Wait(ctx))
	keys, err := l.Client.Keys(ctx)
	assert.NoError(t, err)
	expect.EQ(t, len(keys), 6)

	l.Fail(1)
	if _, err := p.Publish(ctx, l.Client); !errors.Is(errors.Net, err) {
		t.Fatalf("expected network error, got %v", err)
	}
	l.Heal(1)
	keys, err = l.Client.Keys(ctx)
	assert.NoError(t, err)
	if len(keys) != 0 {
		t.Errorf("leaked keys after failed publish: %v", keys)
	}
	if _, err := Get(ctx, l.Client, p.Key); !dkv.IsNotFound(err) {
		t.Errorf("expected not found, got %v", err)
	}
}
