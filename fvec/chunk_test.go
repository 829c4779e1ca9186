// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package fvec

import (
	"math"
	"reflect"
	"testing"

	fuzz "github.com/google/gofuzz"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/testutil/assert"
	"github.com/grailbio/testutil/expect"
)

func TestCompress(t *testing.T) {
	vals := []float64{0, 0, 1.5, 0, 0, 0, 0, -2}
	c := Compress(vals)
	if !c.IsSparse() {
		t.Fatalf("expected sparse chunk, got %v", c)
	}
	expect.EQ(t, c.Len(), len(vals))
	expect.EQ(t, c.NNZ(), 2)
	for i, v := range vals {
		if got, want := c.At(i), v; got != want {
			t.Errorf("offset %d: got %v, want %v", i, got, want)
		}
	}
	if got, want := c.Dense(nil), vals; !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
	var (
		offsets []int
		nz      []float64
	)
	c.ForEachNonzero(func(i int, v float64) {
		offsets = append(offsets, i)
		nz = append(nz, v)
	})
	expect.EQ(t, offsets, []int{2, 7})
	expect.EQ(t, nz, []float64{1.5, -2})

	dense := Compress([]float64{1, 0, 3})
	if dense.IsSparse() {
		t.Errorf("expected dense chunk, got %v", dense)
	}
	if Compress(nil).IsSparse() {
		t.Error("empty chunk should be dense")
	}
}

func TestEncode(t *testing.T) {
	vals := []float64{1, 2, 0, 4}
	for _, enc := range []Encoding{Auto, Dense, Sparse} {
		c := Encode(enc, vals)
		if got, want := c.IsSparse(), enc == Sparse; got != want {
			t.Errorf("%v: got sparse=%v, want %v", enc, got, want)
		}
		if got, want := c.Dense(nil), vals; !reflect.DeepEqual(got, want) {
			t.Errorf("%v: got %v, want %v", enc, got, want)
		}
	}
}

func TestChunkCodec(t *testing.T) {
	fz := fuzz.NewWithSeed(1234)
	fz.NilChance(0)
	// Large enough to be compressed.
	fz.NumElements(1000, 5000)
	var vals []float64
	fz.Fuzz(&vals)
	for i := range vals {
		if i%3 != 0 {
			vals[i] = 0
		}
	}
	vals[1] = math.NaN()
	for _, c := range []Chunk{NewDense(vals), sparseOf(vals), NewDense(nil), NewSparse(10, nil, nil)} {
		p, err := EncodeChunk(c)
		assert.NoError(t, err)
		d, err := DecodeChunk("test", p)
		assert.NoError(t, err)
		expect.EQ(t, d.IsSparse(), c.IsSparse())
		expect.EQ(t, d.Len(), c.Len())
		expect.EQ(t, d.NNZ(), c.NNZ())
		want, got := c.Dense(nil), d.Dense(nil)
		for i := range want {
			if !Close(got[i], want[i], 0) {
				t.Fatalf("offset %d: got %v, want %v", i, got[i], want[i])
			}
		}
	}
}

func TestDecodeWrongKind(t *testing.T) {
	p, err := encode(kindVec, vecHeader{Starts: []int{0}, Homes: []int{}})
	assert.NoError(t, err)
	_, err = DecodeChunk("v", p)
	if !errors.Is(errors.Invalid, err) {
		t.Fatalf("expected invalid error, got %v", err)
	}
	_, err = DecodeChunk("v", []byte{byte(kindDense)})
	if !errors.Is(errors.Invalid, err) {
		t.Fatalf("expected invalid error, got %v", err)
	}
}

func TestLayout(t *testing.T) {
	l := EvenLayout(10, 4, 3)
	expect.EQ(t, l.Starts, []int{0, 2, 5, 7, 10})
	expect.EQ(t, l.Homes, []int{0, 1, 2, 0})
	expect.EQ(t, l.NumRows(), 10)
	assert.NoError(t, l.Validate(3))
	for row, want := range []int{0, 0, 1, 1, 1, 2, 2, 3, 3, 3} {
		if got := l.Find(row); got != want {
			t.Errorf("row %d: got %v, want %v", row, got, want)
		}
	}
	lo, hi := l.Overlap(4, 8)
	expect.EQ(t, lo, 1)
	expect.EQ(t, hi, 4)

	// More chunks than rows produces empty chunks, which Find skips.
	l = EvenLayout(2, 4, 2)
	expect.EQ(t, l.Starts, []int{0, 0, 1, 1, 2})
	expect.EQ(t, l.Find(0), 1)
	expect.EQ(t, l.Find(1), 3)

	if err := (Layout{Starts: []int{0, 3, 2}, Homes: []int{0, 0}}).Validate(1); !errors.Is(errors.Invalid, err) {
		t.Errorf("expected invalid error, got %v", err)
	}
	if err := (Layout{Starts: []int{0, 3}, Homes: []int{1}}).Validate(1); !errors.Is(errors.Invalid, err) {
		t.Errorf("expected invalid error, got %v", err)
	}
	if EvenLayout(10, 4, 3).Equal(EvenLayout(10, 4, 2)) {
		t.Error("layouts with different homes compare equal")
	}
}
