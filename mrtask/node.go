// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package mrtask

import (
	"context"
	"fmt"
	"runtime"
	"runtime/debug"
	"sync"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/limiter"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/sync/once"
	"github.com/grailbio/base/traverse"
	"github.com/grailbio/bigframe/dkv"
	"github.com/grailbio/bigframe/fvec"
	"github.com/grailbio/bigframe/stats"
)

// A Block is the unit of work handed to a kernel's Map: one chunk
// index of the target.
type Block struct {
	// Index is the chunk index.
	Index int
	// Start is the first row of the chunk; Len is its number of rows.
	Start, Len int
	// Cols holds the chunk of every column of the target frame at
	// Index. It is nil for layout-only targets.
	Cols []fvec.Chunk
	// Frame is the target frame, resolved on the node running the
	// block, or nil for layout-only targets.
	Frame *fvec.Frame
	// DKV is the directory of the node running the block.
	DKV *dkv.DKV

	memo *memo
}

// Shared returns the value computed by fn for key, computing it at
// most once per node for the request that produced this block. It is
// used to replicate an operand once per node rather than once per
// block. If fn fails, every caller sharing key receives its error.
func (b *Block) Shared(key string, fn func() (interface{}, error)) (interface{}, error) {
	return b.memo.Do(key, fn)
}

type memo struct {
	once once.Map
	vals sync.Map
}

func (m *memo) Do(key string, fn func() (interface{}, error)) (interface{}, error) {
	err := m.once.Do(key, func() error {
		v, err := fn()
		if err == nil {
			m.vals.Store(key, v)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	v, _ := m.vals.Load(key)
	return v, nil
}

// A Node runs the local phase of tasks on one node: it maps the
// node's chunks in parallel, bounded by a limiter shared by all tasks
// running on the node, and reduces their partial results.
type Node struct {
	dkv     *dkv.DKV
	procs   int
	limiter *limiter.Limiter
}

// NewNode returns a node that runs tasks against directory d with at
// most procs concurrent map calls. If procs is zero, GOMAXPROCS is
// used.
func NewNode(d *dkv.DKV, procs int) *Node {
	if procs <= 0 {
		procs = runtime.GOMAXPROCS(0)
	}
	n := &Node{dkv: d, procs: procs, limiter: limiter.New()}
	n.limiter.Release(procs)
	return n
}

// DKV returns the node's directory.
func (n *Node) DKV() *dkv.DKV { return n.dkv }

// Procs returns the node's map parallelism.
func (n *Node) Procs() int { return n.procs }

// Run runs the local phase of req and returns the node's reduced
// result. Panics in the kernel are returned as fatal errors.
func (n *Node) Run(ctx context.Context, req *Request) (Result, error) {
	var frame *fvec.Frame
	if req.Frame != "" {
		var err error
		frame, err = fvec.Get(ctx, n.dkv, req.Frame)
		if err != nil {
			return nil, err
		}
		if !frame.Layout().Equal(req.Layout) {
			return nil, errors.E(errors.Invalid, fmt.Sprintf("task %s: frame %s changed layout", req.Name, req.Frame))
		}
	}
	if err := req.Layout.Validate(n.dkv.NumNodes()); err != nil {
		return nil, err
	}
	var (
		memo  = new(memo)
		parts = make([]Result, len(req.Chunks))
	)
	err := traverse.Each(len(req.Chunks), func(k int) error {
		i := req.Chunks[k]
		if i < 0 || i >= req.Layout.NumChunks() {
			return errors.E(errors.Invalid, fmt.Sprintf("task %s: chunk %d out of range", req.Name, i))
		}
		if home := req.Layout.Homes[i]; home != n.dkv.Self() {
			return errors.E(errors.Invalid, fmt.Sprintf("task %s: chunk %d is homed on node %d, not %d", req.Name, i, home, n.dkv.Self()))
		}
		if err := n.limiter.Acquire(ctx, 1); err != nil {
			return err
		}
		defer n.limiter.Release(1)
		b := &Block{
			Index: i,
			Start: req.Layout.Start(i),
			Len:   req.Layout.Len(i),
			Frame: frame,
			DKV:   n.dkv,
			memo:  memo,
		}
		if frame != nil {
			var err error
			if b.Cols, err = frame.Chunks(ctx, i); err != nil {
				return err
			}
		}
		var err error
		parts[k], err = mapBlock(ctx, req, b)
		n.dkv.Stats().Int(stats.ChunksMapped).Add(1)
		return err
	})
	if err != nil {
		log.Debug.Printf("task %s: node %d: %v", req.Name, n.dkv.Self(), err)
		return nil, err
	}
	n.dkv.Stats().Int(stats.Tasks).Add(1)
	return reduce(req.Kernel, parts), nil
}

func mapBlock(ctx context.Context, req *Request, b *Block) (res Result, err error) {
	defer func() {
		if e := recover(); e != nil {
			stack := debug.Stack()
			err = fmt.Errorf("panic while mapping chunk %d: %v\n%s", b.Index, e, string(stack))
			err = errors.E(fmt.Sprintf("task %s", req.Name), err, errors.Fatal)
		}
	}()
	return req.Kernel.Map(ctx, b)
}
