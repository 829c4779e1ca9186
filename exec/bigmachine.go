// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"
	"encoding/gob"
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/retry"
	"github.com/grailbio/base/status"
	"github.com/grailbio/base/sync/once"
	"github.com/grailbio/base/traverse"
	"github.com/grailbio/bigframe/dkv"
	"github.com/grailbio/bigframe/mrtask"
	"github.com/grailbio/bigframe/stats"
	"github.com/grailbio/bigmachine"
	"golang.org/x/sync/errgroup"
)

func init() {
	gob.Register(&node{})
}

// JoinPolicy is the retry policy used when joining machines into a
// cluster. Task and directory calls are never retried.
var joinPolicy = retry.Backoff(time.Second, 5*time.Second, 1.5)

const maxJoinTries = 3

// closeTimeout bounds the time spent closing machines' stores at
// shutdown.
const closeTimeout = 10 * time.Second

// BigmachineExecutor runs a cluster with one node per bigmachine
// machine. Each machine runs a "Node" service that stores the keys
// homed on it and runs the local phase of tasks.
type bigmachineExecutor struct {
	system bigmachine.System
	params []bigmachine.Param

	b        *bigmachine.B
	machines []*bigmachine.Machine
	client   *dkv.DKV
	status   *status.Group
}

func newBigmachineExecutor(system bigmachine.System, params ...bigmachine.Param) *bigmachineExecutor {
	return &bigmachineExecutor{system: system, params: params}
}

func (*bigmachineExecutor) Name() string { return "bigmachine" }

// Start starts the session's machines, waits for them to boot, and
// tells each of them its index and the addresses of its peers.
func (e *bigmachineExecutor) Start(sess *Session) error {
	ctx := sess.Context
	e.b = bigmachine.Start(e.system)
	if s := sess.Status(); s != nil {
		e.status = s.Group("bigmachine")
	}
	params := append([]bigmachine.Param{bigmachine.Services{"Node": &node{}}}, e.params...)
	machines, err := e.b.Start(ctx, sess.NumNodes(), params...)
	if err != nil {
		return err
	}
	if len(machines) != sess.NumNodes() {
		return errors.E(errors.Unavailable, fmt.Sprintf("exec: started %d of %d machines", len(machines), sess.NumNodes()))
	}
	g, gctx := errgroup.WithContext(ctx)
	for _, m := range machines {
		m := m
		g.Go(func() error {
			var task *status.Task
			if e.status != nil {
				task = e.status.Start()
				task.Print("waiting for machine to boot")
				defer task.Done()
			}
			select {
			case <-m.Wait(bigmachine.Running):
			case <-gctx.Done():
				return gctx.Err()
			}
			if err := m.Err(); err != nil {
				log.Error.Printf("machine %s failed to start: %v", m.Addr, err)
				return err
			}
			if task != nil {
				task.Title(m.Addr)
				task.Print("running")
			}
			log.Printf("machine %v is ready", m.Addr)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		e.b.Shutdown()
		return err
	}
	e.machines = machines
	addrs := make([]string, len(machines))
	for i, m := range machines {
		addrs[i] = m.Addr
	}
	procs := sess.Parallelism()
	if procs == 0 {
		procs = e.b.System().Maxprocs()
	}
	g, gctx = errgroup.WithContext(ctx)
	for i, m := range machines {
		i, m := i, m
		g.Go(func() error {
			req := joinRequest{Index: i, Addrs: addrs, Procs: procs}
			for try := 0; ; try++ {
				err := m.Call(gctx, "Node.Join", req, nil)
				if err == nil || !errors.Is(errors.Net, err) || try+1 == maxJoinTries {
					return err
				}
				log.Printf("join %s: %v; retrying", m.Addr, err)
				if err := retry.Wait(gctx, joinPolicy, try); err != nil {
					return err
				}
			}
		})
	}
	if err := g.Wait(); err != nil {
		e.b.Shutdown()
		return errors.E("exec: join cluster", err)
	}
	e.client = dkv.NewClient(len(machines), newMachineTransport(e.b, addrs))
	return nil
}

func (e *bigmachineExecutor) DKV() *dkv.DKV { return e.client }

func (e *bigmachineExecutor) Dispatch(ctx context.Context, node int, req *mrtask.Request) (mrtask.Result, error) {
	var reply mapReply
	if err := e.machines[node].Call(ctx, "Node.Map", *req, &reply); err != nil {
		return nil, err
	}
	return reply.Result, nil
}

// Shutdown closes the store of every machine, then shuts the machines
// down. Close failures are logged.
func (e *bigmachineExecutor) Shutdown() {
	if e.b == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	_ = traverse.Each(len(e.machines), func(i int) error {
		if err := e.machines[i].Call(ctx, "Node.Close", struct{}{}, nil); err != nil {
			log.Error.Printf("close machine %s: %v", e.machines[i].Addr, err)
		}
		return nil
	})
	e.b.Shutdown()
}

// MachineTransport implements dkv.Transport by calling the Node
// service of peer machines. Machines are dialed once, on first use.
type machineTransport struct {
	b     *bigmachine.B
	addrs []string
	dials once.Map

	mu       sync.Mutex
	machines map[int]*bigmachine.Machine
}

func newMachineTransport(b *bigmachine.B, addrs []string) *machineTransport {
	return &machineTransport{
		b:        b,
		addrs:    addrs,
		machines: make(map[int]*bigmachine.Machine),
	}
}

func (t *machineTransport) machine(ctx context.Context, node int) (*bigmachine.Machine, error) {
	if node < 0 || node >= len(t.addrs) {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("exec: no such node %d", node))
	}
	err := t.dials.Do(node, func() error {
		m, err := t.b.Dial(ctx, t.addrs[node])
		if err != nil {
			return err
		}
		t.mu.Lock()
		t.machines[node] = m
		t.mu.Unlock()
		return nil
	})
	if err != nil {
		return nil, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.machines[node], nil
}

func (t *machineTransport) call(ctx context.Context, node int, method string, arg, reply interface{}) error {
	m, err := t.machine(ctx, node)
	if err != nil {
		return err
	}
	return m.Call(ctx, "Node."+method, arg, reply)
}

func (t *machineTransport) Get(ctx context.Context, node int, key dkv.Key) ([]byte, error) {
	var val []byte
	err := t.call(ctx, node, "Get", key, &val)
	return val, err
}

func (t *machineTransport) Put(ctx context.Context, node int, key dkv.Key, val []byte) error {
	return t.call(ctx, node, "Put", putRequest{key, val}, nil)
}

func (t *machineTransport) Remove(ctx context.Context, node int, key dkv.Key) error {
	return t.call(ctx, node, "Remove", key, nil)
}

func (t *machineTransport) Invalidate(ctx context.Context, node int, key dkv.Key) error {
	return t.call(ctx, node, "Invalidate", key, nil)
}

func (t *machineTransport) Keys(ctx context.Context, node int) ([]dkv.Key, error) {
	var keys []dkv.Key
	err := t.call(ctx, node, "Keys", struct{}{}, &keys)
	return keys, err
}

func (t *machineTransport) Stats(ctx context.Context, node int) (stats.Values, error) {
	var vals stats.Values
	err := t.call(ctx, node, "Stats", struct{}{}, &vals)
	return vals, err
}

// JoinRequest tells a machine its place in the cluster.
type joinRequest struct {
	Index int
	Addrs []string
	Procs int
}

type putRequest struct {
	Key dkv.Key
	Val []byte
}

type mapReply struct {
	Result mrtask.Result
}

// Node is the bigmachine service run by every machine in a cluster.
// It holds the machine's directory node, backed by a bbolt store in
// a temporary directory, and its task node.
type node struct {
	b     *bigmachine.B
	dir   string
	store *dkv.BoltStore

	mu     sync.Mutex
	joined chan struct{}
	dkv    *dkv.DKV
	tasks  *mrtask.Node
}

func (n *node) Init(b *bigmachine.B) error {
	n.b = b
	n.joined = make(chan struct{})
	var err error
	n.dir, err = ioutil.TempDir("", "bigframe")
	if err != nil {
		return err
	}
	n.store, err = dkv.OpenBoltStore(filepath.Join(n.dir, "dkv.db"), true)
	if err != nil {
		os.RemoveAll(n.dir)
	}
	return err
}

// Close closes the machine's store and removes its directory. The
// machine serves no directory calls afterwards. Close is idempotent.
func (n *node) Close(ctx context.Context, _ struct{}, _ *struct{}) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.store == nil {
		return nil
	}
	err := n.store.Close()
	n.store = nil
	if rerr := os.RemoveAll(n.dir); err == nil {
		err = rerr
	}
	return err
}

// Join installs the machine's directory and task nodes. Join is
// idempotent for a given request.
func (n *node) Join(ctx context.Context, req joinRequest, _ *struct{}) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.dkv != nil {
		if n.dkv.Self() != req.Index || n.dkv.NumNodes() != len(req.Addrs) {
			return errors.E(errors.Invalid, fmt.Sprintf("exec: machine already joined as node %d of %d", n.dkv.Self(), n.dkv.NumNodes()))
		}
		return nil
	}
	if n.store == nil {
		return errors.E(errors.Invalid, "exec: machine is closed")
	}
	n.dkv = dkv.New(req.Index, len(req.Addrs), n.store, newMachineTransport(n.b, req.Addrs))
	n.tasks = mrtask.NewNode(n.dkv, req.Procs)
	close(n.joined)
	log.Printf("joined cluster as node %d of %d (procs=%d)", req.Index, len(req.Addrs), n.tasks.Procs())
	return nil
}

// wait returns the machine's directory once it has joined the
// cluster.
func (n *node) wait(ctx context.Context) (*dkv.DKV, error) {
	select {
	case <-n.joined:
		return n.dkv, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (n *node) Get(ctx context.Context, key dkv.Key, val *[]byte) (err error) {
	d, err := n.wait(ctx)
	if err != nil {
		return err
	}
	*val, err = d.ServeGet(ctx, key)
	return
}

func (n *node) Put(ctx context.Context, req putRequest, _ *struct{}) error {
	d, err := n.wait(ctx)
	if err != nil {
		return err
	}
	return d.ServePut(ctx, req.Key, req.Val)
}

func (n *node) Remove(ctx context.Context, key dkv.Key, _ *struct{}) error {
	d, err := n.wait(ctx)
	if err != nil {
		return err
	}
	return d.ServeRemove(ctx, key)
}

func (n *node) Invalidate(ctx context.Context, key dkv.Key, _ *struct{}) error {
	d, err := n.wait(ctx)
	if err != nil {
		return err
	}
	return d.ServeInvalidate(ctx, key)
}

func (n *node) Keys(ctx context.Context, _ struct{}, keys *[]dkv.Key) (err error) {
	d, err := n.wait(ctx)
	if err != nil {
		return err
	}
	*keys, err = d.ServeKeys(ctx)
	return
}

func (n *node) Stats(ctx context.Context, _ struct{}, vals *stats.Values) error {
	d, err := n.wait(ctx)
	if err != nil {
		return err
	}
	*vals = d.Stats().Snapshot()
	return nil
}

// Map runs the local phase of a task on the machine.
func (n *node) Map(ctx context.Context, req mrtask.Request, reply *mapReply) (err error) {
	if _, err = n.wait(ctx); err != nil {
		return err
	}
	reply.Result, err = n.tasks.Run(ctx, &req)
	return
}
