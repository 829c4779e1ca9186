// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package mrtask implements bigframe's fork-join map/reduce task
// framework. A task is a Kernel run over every chunk of a target
// frame (or layout): the chunks are grouped by home node; each node
// maps its chunks in parallel and reduces their partial results; the
// node results are then reduced on the caller, which blocks until the
// final result is available.
//
// Because the order in which partial results are merged is
// unspecified, a kernel's Reduce must be associative and commutative.
// Tasks cannot be canceled once dispatched, and a node failure is
// fatal to the task: partial results are never salvaged and work is
// never retried.
package mrtask

import (
	"context"
	"fmt"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/bigframe/dkv"
	"github.com/grailbio/bigframe/fvec"
	"golang.org/x/sync/errgroup"
)

// A Result is a partial or final result of a task. Results that are
// shipped between nodes must be registered with encoding/gob.
type Result interface{}

// A Kernel defines a task: Map computes a partial result for one
// block; Reduce merges two partial results. Map may return a nil
// result, which is skipped by the reduction. Kernels are shipped to
// the nodes that run them, and so must be registered with
// encoding/gob and must carry their parameters in exported fields.
type Kernel interface {
	Map(ctx context.Context, b *Block) (Result, error)
	Reduce(x, y Result) Result
}

// A Target describes what a task is run over: either the chunks of a
// frame, or, for layout-only tasks, a bare chunk layout.
type Target struct {
	Frame  *fvec.Frame
	Layout fvec.Layout
}

// FrameTarget returns a target over the chunks of frame.
func FrameTarget(frame *fvec.Frame) Target {
	return Target{Frame: frame, Layout: frame.Layout()}
}

// LayoutTarget returns a target with one block per chunk of layout.
// Blocks of layout-only targets carry no column chunks.
func LayoutTarget(layout fvec.Layout) Target {
	return Target{Layout: layout}
}

// A Request is the portion of a task dispatched to one node.
type Request struct {
	// Name identifies the task in logs and errors.
	Name string
	// Frame is the key of the target frame, if any.
	Frame dkv.Key
	// Layout is the target layout.
	Layout fvec.Layout
	// Chunks holds the indices of the chunks to be mapped by the node.
	Chunks []int
	// Kernel is the task's kernel.
	Kernel Kernel
}

// A Dispatcher runs requests on the nodes of a cluster.
type Dispatcher interface {
	// NumNodes returns the number of nodes in the cluster.
	NumNodes() int
	// Dispatch runs req on the provided node and returns the node's
	// reduced result.
	Dispatch(ctx context.Context, node int, req *Request) (Result, error)
}

// A Runner runs tasks on a cluster on behalf of operators.
// *exec.Session implements Runner.
type Runner interface {
	// DKV returns a directory client for the cluster.
	DKV() *dkv.DKV
	// NumNodes returns the number of nodes in the cluster.
	NumNodes() int
	// Run runs the named task and returns its result.
	Run(ctx context.Context, name string, target Target, kernel Kernel) (Result, error)
}

// Do runs the named task over target on the nodes of disp and returns
// its final result. Do blocks until every node has returned. Any node
// failure fails the whole task with a fatal error.
func Do(ctx context.Context, disp Dispatcher, name string, target Target, kernel Kernel) (Result, error) {
	layout := target.Layout
	if err := layout.Validate(disp.NumNodes()); err != nil {
		return nil, errors.E(fmt.Sprintf("task %s", name), err)
	}
	var frameKey dkv.Key
	if target.Frame != nil {
		frameKey = target.Frame.Key()
	}
	byNode := make([][]int, disp.NumNodes())
	for i, home := range layout.Homes {
		byNode[home] = append(byNode[home], i)
	}
	results := make([]Result, disp.NumNodes())
	g, gctx := errgroup.WithContext(ctx)
	for node, chunks := range byNode {
		if len(chunks) == 0 {
			continue
		}
		node, req := node, &Request{
			Name:   name,
			Frame:  frameKey,
			Layout: layout,
			Chunks: chunks,
			Kernel: kernel,
		}
		g.Go(func() error {
			res, err := disp.Dispatch(gctx, node, req)
			if err != nil {
				log.Error.Printf("task %s: node %d: %v", name, node, err)
				return errors.E(fmt.Sprintf("task %s: node %d", name, node), err, errors.Fatal)
			}
			results[node] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return reduce(kernel, results), nil
}

// reduce merges results pairwise in a binary tree, skipping nil
// results. It returns nil if every result is nil.
func reduce(kernel Kernel, results []Result) Result {
	parts := make([]Result, 0, len(results))
	for _, r := range results {
		if r != nil {
			parts = append(parts, r)
		}
	}
	if len(parts) == 0 {
		return nil
	}
	for len(parts) > 1 {
		n := 0
		for i := 0; i < len(parts); i += 2 {
			if i+1 < len(parts) {
				parts[n] = kernel.Reduce(parts[i], parts[i+1])
			} else {
				parts[n] = parts[i]
			}
			n++
		}
		parts = parts[:n]
	}
	return parts[0]
}
