// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package fvec

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/grailbio/base/errors"
)

// A Mismatch is returned by Compare when two frames differ at a cell
// by more than the tolerance.
type Mismatch struct {
	Row, Col int
	A, B     float64
}

func (m *Mismatch) Error() string {
	return fmt.Sprintf("fvec: frames differ at (%d, %d): %v != %v", m.Row, m.Col, m.A, m.B)
}

// Compare checks that frames a and b have the same shape and that
// every pair of cells differs by at most tol. Two NaNs are equal.
// Compare returns an error of kind errors.Invalid on shape mismatch
// and a *Mismatch at the first differing cell, in column-major order.
func Compare(ctx context.Context, a, b *Frame, tol float64) error {
	if a.NumRows() != b.NumRows() || a.NumCols() != b.NumCols() {
		return errors.E(errors.Invalid, fmt.Sprintf("fvec: shape mismatch: %dx%d vs %dx%d",
			a.NumRows(), a.NumCols(), b.NumRows(), b.NumCols()))
	}
	for j := 0; j < a.NumCols(); j++ {
		x, err := a.Vec(j).Values(ctx)
		if err != nil {
			return err
		}
		y, err := b.Vec(j).Values(ctx)
		if err != nil {
			return err
		}
		for i := range x {
			if !Close(x[i], y[i], tol) {
				return &Mismatch{Row: i, Col: j, A: x[i], B: y[i]}
			}
		}
	}
	return nil
}

// Close tells whether x and y are within tol of each other. Two NaNs
// are close; infinities are close only to themselves.
func Close(x, y, tol float64) bool {
	switch {
	case math.IsNaN(x) || math.IsNaN(y):
		return math.IsNaN(x) && math.IsNaN(y)
	case x == y:
		return true
	default:
		return math.Abs(x-y) <= tol
	}
}

// WriteTSV writes the frame to w as tab-separated values, with a
// header line of column names. Chunks are fetched one row range at a
// time.
func WriteTSV(ctx context.Context, w io.Writer, f *Frame) error {
	bw := bufio.NewWriter(w)
	if _, err := bw.WriteString(strings.Join(f.Names(), "\t") + "\n"); err != nil {
		return err
	}
	var (
		layout = f.Layout()
		vals   = make([][]float64, f.NumCols())
		line   []byte
	)
	for i := 0; i < layout.NumChunks(); i++ {
		cols, err := f.Chunks(ctx, i)
		if err != nil {
			return err
		}
		for j, c := range cols {
			vals[j] = c.Dense(vals[j])
		}
		for r := 0; r < layout.Len(i); r++ {
			line = line[:0]
			for j := range vals {
				if j > 0 {
					line = append(line, '\t')
				}
				line = strconv.AppendFloat(line, vals[j][r], 'g', -1, 64)
			}
			line = append(line, '\n')
			if _, err := bw.Write(line); err != nil {
				return err
			}
		}
	}
	return bw.Flush()
}
