// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package exec implements bigframe sessions. A session owns a cluster
// of nodes, each running a directory node (package dkv) and a task
// node (package mrtask), and dispatches tasks to them. Clusters are
// either simulated in-process (Local) or started on a bigmachine
// system (Bigmachine).
package exec

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/grailbio/base/backgroundcontext"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/eventlog"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/status"
	"github.com/grailbio/bigframe/dkv"
	"github.com/grailbio/bigframe/mrtask"
	"github.com/grailbio/bigframe/stats"
	"github.com/grailbio/bigmachine"
)

// DefaultNodes is the default number of nodes in a session's cluster.
const DefaultNodes = 4

// An executor manages a cluster of nodes on behalf of a session.
type executor interface {
	// Name returns the executor's name, for logging.
	Name() string
	// Start starts the cluster. It is called once, before any other
	// method.
	Start(sess *Session) error
	// DKV returns a directory client for the cluster.
	DKV() *dkv.DKV
	// Dispatch runs a request on a node.
	Dispatch(ctx context.Context, node int, req *mrtask.Request) (mrtask.Result, error)
	// Shutdown tears down the cluster.
	Shutdown()
}

var nextSessionIndex int32

// Session represents a bigframe compute session: a cluster of nodes
// sharing a distributed directory, and an executor that dispatches
// tasks to them. A session is started by Start; it is valid until
// Shutdown is called.
//
//	sess, err := exec.Start(exec.Local, exec.Nodes(3))
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer sess.Shutdown()
//	frame, err := fvec.FromRows(ctx, sess.DKV(), nil, rows, 8, fvec.Auto)
//	...
//	t, err := dmatrix.Transpose(ctx, sess, frame)
type Session struct {
	context.Context
	index    int32
	nodes    int
	p        int
	executor executor
	status   *status.Status
	eventer  eventlog.Eventer
	tasks    int64
}

func newSession() *Session {
	return &Session{
		Context: backgroundcontext.Get(),
		index:   atomic.AddInt32(&nextSessionIndex, 1) - 1,
		nodes:   DefaultNodes,
		eventer: eventlog.Nop{},
	}
}

// An Option represents a session configuration parameter value.
type Option func(s *Session)

// Local configures a session with a cluster simulated in-process.
// Nodes do not share memory: every directory value crossing nodes is
// copied.
var Local Option = func(s *Session) {
	s.executor = newLocalExecutor()
}

// Bigmachine configures a session with a cluster of machines started
// on the provided bigmachine system, one node per machine. If any
// params are provided, they are applied to each machine.
func Bigmachine(system bigmachine.System, params ...bigmachine.Param) Option {
	return func(s *Session) {
		s.executor = newBigmachineExecutor(system, params...)
	}
}

// Nodes configures the number of nodes in the session's cluster.
func Nodes(n int) Option {
	if n <= 0 {
		panic("exec.Nodes: n <= 0")
	}
	return func(s *Session) {
		s.nodes = n
	}
}

// Parallelism configures the number of chunks each node may map
// concurrently. By default, nodes use all of their processors.
func Parallelism(p int) Option {
	if p <= 0 {
		panic("exec.Parallelism: p <= 0")
	}
	return func(s *Session) {
		s.p = p
	}
}

// Status configures the session with a status object to which
// task statuses are reported.
func Status(status *status.Status) Option {
	return func(s *Session) {
		s.status = status
	}
}

// Eventer configures the session with an Eventer used to log session
// and task events.
func Eventer(e eventlog.Eventer) Option {
	return func(s *Session) {
		s.eventer = e
	}
}

// Start creates and starts a new session with the provided options.
// The default session uses the local executor with DefaultNodes
// nodes.
func Start(options ...Option) (*Session, error) {
	s := newSession()
	for _, opt := range options {
		opt(s)
	}
	if s.executor == nil {
		s.executor = newLocalExecutor()
	}
	if err := s.start(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Session) start() error {
	if err := s.executor.Start(s); err != nil {
		return errors.E(fmt.Sprintf("exec: start %s executor", s.executor.Name()), err)
	}
	log.Printf("bigframe session %d: started %s cluster of %d nodes", s.index, s.executor.Name(), s.nodes)
	s.eventer.Event("bigframe:sessionStart",
		"executorType", s.executor.Name(),
		"nodes", s.nodes,
		"parallelism", s.p)
	return nil
}

// DKV returns the session's directory client.
func (s *Session) DKV() *dkv.DKV {
	return s.executor.DKV()
}

// NumNodes returns the number of nodes in the session's cluster.
func (s *Session) NumNodes() int {
	return s.nodes
}

// Parallelism returns the per-node map parallelism configured for the
// session, or zero if nodes use all of their processors.
func (s *Session) Parallelism() int {
	return s.p
}

// Status returns the session's status aggregator.
func (s *Session) Status() *status.Status {
	return s.status
}

// Dispatch implements mrtask.Dispatcher.
func (s *Session) Dispatch(ctx context.Context, node int, req *mrtask.Request) (mrtask.Result, error) {
	if node < 0 || node >= s.nodes {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("exec: no such node %d", node))
	}
	return s.executor.Dispatch(ctx, node, req)
}

// Run runs the named task with the provided kernel over target and
// returns its result. Run blocks until the task has completed on
// every node. Tasks are not retried: if any node fails, so does Run.
// It is safe to make concurrent calls to Run.
func (s *Session) Run(ctx context.Context, name string, target mrtask.Target, kernel mrtask.Kernel) (mrtask.Result, error) {
	index := atomic.AddInt64(&s.tasks, 1)
	name = fmt.Sprintf("%s#%d", name, index)
	var task *status.Task
	if s.status != nil {
		task = s.status.Group("bigframe tasks").Start(name)
		task.Printf("running over %d chunks", target.Layout.NumChunks())
	}
	start := time.Now()
	res, err := mrtask.Do(ctx, s, name, target, kernel)
	elapsed := time.Since(start)
	if task != nil {
		if err != nil {
			task.Printf("error: %v", err)
		} else {
			task.Printf("done in %s", elapsed)
		}
		task.Done()
	}
	s.eventer.Event("bigframe:taskComplete",
		"name", name,
		"chunks", target.Layout.NumChunks(),
		"duration", elapsed.Nanoseconds(),
		"ok", err == nil)
	if err != nil {
		log.Error.Printf("task %s failed after %s: %v", name, elapsed, err)
	} else {
		log.Debug.Printf("task %s done in %s", name, elapsed)
	}
	return res, err
}

// Must is a version of Run that panics if the task fails.
func (s *Session) Must(ctx context.Context, name string, target mrtask.Target, kernel mrtask.Kernel) mrtask.Result {
	res, err := s.Run(ctx, name, target, kernel)
	if err != nil {
		log.Panicf("exec.Run: %v", err)
	}
	return res
}

// Keys returns every directory key currently registered in the
// cluster. It is used to check for leaked objects.
func (s *Session) Keys(ctx context.Context) ([]dkv.Key, error) {
	return s.DKV().Keys(ctx)
}

// Stats returns the counters of every node, merged.
func (s *Session) Stats(ctx context.Context) (stats.Values, error) {
	return s.DKV().NodeStats(ctx)
}

// Shutdown tears down resources associated with this session.
// It should be called when the session is discarded.
func (s *Session) Shutdown() {
	s.executor.Shutdown()
}
