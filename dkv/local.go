// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package dkv

import (
	"context"
	"fmt"
	"sync"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/bigframe/stats"
)

// Local is a directory cluster whose nodes all live in the current
// process. Calls between nodes go through an in-process transport
// that copies values, so that nodes never share memory. Nodes may be
// marked unreachable to exercise failure paths.
type Local struct {
	// Client is a directory client for the cluster.
	Client *DKV
	// Nodes holds the directory of each node.
	Nodes []*DKV

	mu   sync.Mutex
	down map[int]bool
}

// NewLocal returns a local cluster of n nodes with in-memory stores.
func NewLocal(n int) *Local {
	stores := make([]Store, n)
	for i := range stores {
		stores[i] = NewMemoryStore()
	}
	return NewLocalStores(stores)
}

// NewLocalStores returns a local cluster with one node per store.
func NewLocalStores(stores []Store) *Local {
	if len(stores) == 0 {
		panic("dkv.NewLocalStores: no stores")
	}
	l := &Local{down: make(map[int]bool)}
	l.Nodes = make([]*DKV, len(stores))
	for i := range l.Nodes {
		l.Nodes[i] = New(i, len(stores), stores[i], l)
	}
	l.Client = NewClient(len(stores), l)
	return l
}

// Fail marks node as unreachable: every call addressed to it fails
// with an error of kind errors.Net.
func (l *Local) Fail(node int) {
	l.mu.Lock()
	l.down[node] = true
	l.mu.Unlock()
}

// Heal makes a failed node reachable again.
func (l *Local) Heal(node int) {
	l.mu.Lock()
	delete(l.down, node)
	l.mu.Unlock()
}

// Reachable returns an error if the node cannot be reached.
func (l *Local) Reachable(node int) error {
	if node < 0 || node >= len(l.Nodes) {
		return errors.E(errors.Invalid, fmt.Sprintf("dkv: no such node %d", node))
	}
	l.mu.Lock()
	down := l.down[node]
	l.mu.Unlock()
	if down {
		return errors.E(errors.Net, fmt.Sprintf("dkv: node %d unreachable", node))
	}
	return nil
}

func clone(p []byte) []byte {
	return append([]byte{}, p...)
}

// Get implements Transport.
func (l *Local) Get(ctx context.Context, node int, key Key) ([]byte, error) {
	if err := l.Reachable(node); err != nil {
		return nil, err
	}
	val, err := l.Nodes[node].ServeGet(ctx, key)
	return clone(val), err
}

// Put implements Transport.
func (l *Local) Put(ctx context.Context, node int, key Key, val []byte) error {
	if err := l.Reachable(node); err != nil {
		return err
	}
	return l.Nodes[node].ServePut(ctx, key, clone(val))
}

// Remove implements Transport.
func (l *Local) Remove(ctx context.Context, node int, key Key) error {
	if err := l.Reachable(node); err != nil {
		return err
	}
	return l.Nodes[node].ServeRemove(ctx, key)
}

// Invalidate implements Transport.
func (l *Local) Invalidate(ctx context.Context, node int, key Key) error {
	if err := l.Reachable(node); err != nil {
		return err
	}
	return l.Nodes[node].ServeInvalidate(ctx, key)
}

// Keys implements Transport.
func (l *Local) Keys(ctx context.Context, node int) ([]Key, error) {
	if err := l.Reachable(node); err != nil {
		return nil, err
	}
	return l.Nodes[node].ServeKeys(ctx)
}

// Stats implements Transport.
func (l *Local) Stats(ctx context.Context, node int) (stats.Values, error) {
	if err := l.Reachable(node); err != nil {
		return nil, err
	}
	return l.Nodes[node].Stats().Snapshot(), nil
}
