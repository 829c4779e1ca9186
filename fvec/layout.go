// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package fvec

import (
	"fmt"
	"sort"

	"github.com/grailbio/base/errors"
)

// A Layout describes how the rows of a Vec are split into chunks and
// where each chunk lives. Chunk i holds rows [Starts[i], Starts[i+1])
// and is homed on node Homes[i]. All Vecs of a Frame share one Layout.
type Layout struct {
	Starts []int
	Homes  []int
}

// EvenLayout returns a layout that splits rows into n chunks as evenly
// as possible: chunk i starts at floor(i*rows/n). Chunks are assigned
// to nodes round-robin.
func EvenLayout(rows, n, nodes int) Layout {
	if n < 1 || nodes < 1 {
		panic(fmt.Sprintf("fvec.EvenLayout: invalid chunk count %d or node count %d", n, nodes))
	}
	l := Layout{
		Starts: make([]int, n+1),
		Homes:  make([]int, n),
	}
	for i := 0; i <= n; i++ {
		l.Starts[i] = int(int64(i) * int64(rows) / int64(n))
	}
	for i := range l.Homes {
		l.Homes[i] = i % nodes
	}
	return l
}

// NumChunks returns the number of chunks in the layout.
func (l Layout) NumChunks() int { return len(l.Homes) }

// NumRows returns the total number of rows covered by the layout.
func (l Layout) NumRows() int {
	if len(l.Starts) == 0 {
		return 0
	}
	return l.Starts[len(l.Starts)-1]
}

// Start returns the first row of chunk i.
func (l Layout) Start(i int) int { return l.Starts[i] }

// Len returns the number of rows in chunk i.
func (l Layout) Len(i int) int { return l.Starts[i+1] - l.Starts[i] }

// Find returns the index of the chunk containing row. Empty chunks
// are never returned.
func (l Layout) Find(row int) int {
	return sort.Search(l.NumChunks(), func(i int) bool { return l.Starts[i+1] > row })
}

// Validate checks the structural invariants of the layout against a
// cluster of the provided number of nodes.
func (l Layout) Validate(nodes int) error {
	if len(l.Starts) != len(l.Homes)+1 {
		return errors.E(errors.Invalid, fmt.Sprintf("fvec: layout has %d boundaries for %d chunks", len(l.Starts), len(l.Homes)))
	}
	if l.Starts[0] != 0 {
		return errors.E(errors.Invalid, "fvec: layout does not start at row 0")
	}
	for i := 1; i < len(l.Starts); i++ {
		if l.Starts[i] < l.Starts[i-1] {
			return errors.E(errors.Invalid, fmt.Sprintf("fvec: layout boundary %d decreases", i))
		}
	}
	for i, h := range l.Homes {
		if h < 0 || h >= nodes {
			return errors.E(errors.Invalid, fmt.Sprintf("fvec: chunk %d homed on node %d of %d", i, h, nodes))
		}
	}
	return nil
}

// Equal tells whether l and m describe the same chunk boundaries and
// homes.
func (l Layout) Equal(m Layout) bool {
	if len(l.Starts) != len(m.Starts) || len(l.Homes) != len(m.Homes) {
		return false
	}
	for i := range l.Starts {
		if l.Starts[i] != m.Starts[i] {
			return false
		}
	}
	for i := range l.Homes {
		if l.Homes[i] != m.Homes[i] {
			return false
		}
	}
	return true
}

// Overlap returns the range of chunks [lo, hi) of l that intersect the
// rows [start, end).
func (l Layout) Overlap(start, end int) (lo, hi int) {
	if start >= end {
		return 0, 0
	}
	lo = l.Find(start)
	hi = l.Find(end-1) + 1
	return
}

func (l Layout) String() string {
	return fmt.Sprintf("layout(rows=%d, chunks=%d)", l.NumRows(), l.NumChunks())
}
