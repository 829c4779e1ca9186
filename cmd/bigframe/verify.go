// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"flag"
	"fmt"
	"math"
	"os"

	fuzz "github.com/google/gofuzz"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/bigframe/dkv"
	"github.com/grailbio/bigframe/dmatrix"
	"github.com/grailbio/bigframe/exec"
	"github.com/grailbio/bigframe/fvec"
	"github.com/grailbio/bigframe/gram"
	"github.com/grailbio/bigframe/rebalance"
)

func verify(sess *exec.Session, args []string) error {
	var (
		flags     = flag.NewFlagSet("verify", flag.ExitOnError)
		nrow      = flags.Int("rows", 10000, "number of rows")
		ncol      = flags.Int("cols", 20, "number of columns")
		nchunk    = flags.Int("chunks", 8, "number of chunks of the input matrix")
		nrebal    = flags.Int("rebalance", 64, "number of chunks to rebalance the input matrix into")
		density   = flags.Float64("density", 0.1, "fraction of nonzero cells")
		seed      = flags.Int64("seed", 0, "random seed")
		out       = flags.String("out", "", "path (local or s3://) to which XᵗX is written as TSV")
		tolerance = flags.Float64("tolerance", 1e-3, "tolerance between computation paths")
	)
	flags.Usage = func() {
		fmt.Fprintln(os.Stderr, `usage: bigframe verify [-rows N] [-cols N] [-chunks N] [-rebalance N] [-density P] [-seed N] [-out path]`)
		flags.PrintDefaults()
		os.Exit(2)
	}
	if err := flags.Parse(args); err != nil {
		log.Fatal(err)
	}

	ctx := context.Background()
	var (
		fz      = fuzz.NewWithSeed(*seed)
		entries []fvec.Entry
		names   = append([]string{"label"}, fvec.DefaultNames(*ncol)...)
	)
	for i := 0; i < *nrow; i++ {
		var label float64
		fz.Fuzz(&label)
		entries = append(entries, fvec.Entry{Row: i, Col: 0, Val: math.Round(label)})
		for j := 1; j <= *ncol; j++ {
			var p, v float64
			if fz.Fuzz(&p); p >= *density {
				continue
			}
			if fz.Fuzz(&v); v != 0 {
				entries = append(entries, fvec.Entry{Row: i, Col: j, Val: v})
			}
		}
	}
	log.Printf("verify: %dx%d matrix, %d nonzero values, %d chunks", *nrow, *ncol, len(entries), *nchunk)

	var frames []*fvec.Frame
	defer func() {
		var fs dkv.Futures
		for _, f := range frames {
			f.Delete(ctx, &fs)
		}
		if err := fs.Wait(ctx); err != nil {
			log.Error.Printf("verify: delete frames: %v", err)
		}
	}()
	keep := func(f *fvec.Frame, err error) (*fvec.Frame, error) {
		if err == nil {
			frames = append(frames, f)
		}
		return f, err
	}

	sparse, err := keep(fvec.FromEntries(ctx, sess.DKV(), names, *nrow, entries, *nchunk, fvec.Sparse))
	if err != nil {
		return err
	}
	dense, err := keep(fvec.FromEntries(ctx, sess.DKV(), names, *nrow, entries, *nchunk, fvec.Dense))
	if err != nil {
		return err
	}
	for _, f := range []*fvec.Frame{sparse, dense} {
		var fs dkv.Futures
		if err := f.RemoveColumn(ctx, "label", &fs); err != nil {
			return err
		}
		if err := fs.Wait(ctx); err != nil {
			return err
		}
	}

	rebalanced, err := keep(rebalance.Rebalance(ctx, sess, sparse, *nrebal))
	if err != nil {
		return err
	}
	if err := fvec.Compare(ctx, sparse, rebalanced, 0); err != nil {
		return fmt.Errorf("rebalance: %v", err)
	}

	xt, err := keep(dmatrix.Transpose(ctx, sess, rebalanced))
	if err != nil {
		return err
	}
	xtt, err := keep(dmatrix.Transpose(ctx, sess, xt))
	if err != nil {
		return err
	}
	if err := fvec.Compare(ctx, rebalanced, xtt, 0); err != nil {
		return fmt.Errorf("transpose: %v", err)
	}

	xtxSparse, err := keep(dmatrix.Mmul(ctx, sess, xt, rebalanced))
	if err != nil {
		return err
	}
	dxt, err := keep(dmatrix.Transpose(ctx, sess, dense))
	if err != nil {
		return err
	}
	xtxDense, err := keep(dmatrix.Mmul(ctx, sess, dxt, dense))
	if err != nil {
		return err
	}
	if err := fvec.Compare(ctx, xtxSparse, xtxDense, *tolerance); err != nil {
		return fmt.Errorf("mmul: dense and sparse paths: %v", err)
	}

	g, err := gram.Compute(ctx, sess, rebalanced, gram.Options{})
	if err != nil {
		return err
	}
	gframe, err := keep(g.Frame(ctx, sess.DKV(), sess.NumNodes()))
	if err != nil {
		return err
	}
	if err := fvec.Compare(ctx, xtxDense, gframe, *tolerance); err != nil {
		return fmt.Errorf("gram: %v", err)
	}

	if *out != "" {
		if err := writeTSV(ctx, *out, xtxDense); err != nil {
			return err
		}
		log.Printf("verify: wrote XᵗX to %s", *out)
	}
	vals, err := sess.Stats(ctx)
	if err != nil {
		return err
	}
	log.Printf("verify: %s", vals)
	fmt.Println("ok")
	return nil
}

func writeTSV(ctx context.Context, path string, f *fvec.Frame) (err error) {
	w, err := file.Create(ctx, path)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := w.Close(ctx); err == nil {
			err = cerr
		}
	}()
	return fvec.WriteTSV(ctx, w.Writer(ctx), f)
}
