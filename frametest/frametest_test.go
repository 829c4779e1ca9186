// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package frametest

import (
	"context"
	"testing"

	fuzz "github.com/google/gofuzz"
	"github.com/grailbio/bigframe/exec"
	"github.com/grailbio/bigframe/fvec"
	"github.com/grailbio/testutil/expect"
)

func TestRandom(t *testing.T) {
	fz := fuzz.NewWithSeed(1)
	m := Random(fz, 100, 10, 0.1)
	expect.EQ(t, len(m), 100)
	var nnz int
	for _, row := range m {
		expect.EQ(t, len(row), 10)
		for _, v := range row {
			if v < 0 || v >= 1 {
				t.Fatalf("value %v out of range", v)
			}
			if v != 0 {
				nnz++
			}
		}
	}
	if nnz == 0 || nnz > 300 {
		t.Errorf("unexpected number of nonzeros %d", nnz)
	}
	for _, row := range Random(fz, 10, 10, 1) {
		for _, v := range row {
			if v == 0 {
				t.Fatal("zero in a fully dense matrix")
			}
		}
	}
}

func TestRun(t *testing.T) {
	Run(t, 2, func(t *testing.T, sess *exec.Session) {
		rows := [][]float64{{1, 0}, {0, 2}, {3, 0}}
		f := Frame(t, sess, rows, 2, fvec.Auto)
		expect.EQ(t, Rows(t, f), rows)
		Equal(t, f, f, 0)
		Delete(t, f)
	})
}

func ExamplePrint() {
	sess, err := exec.Start(exec.Local, exec.Nodes(2))
	if err != nil {
		panic(err)
	}
	defer sess.Shutdown()
	f, err := fvec.FromRows(context.Background(), sess.DKV(), nil, [][]float64{{1, 2.5}, {0, -3}}, 2, fvec.Dense)
	if err != nil {
		panic(err)
	}
	Print(f)
	// Output:
	// C1	C2
	// 1	2.5
	// 0	-3
}
