// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package dkv implements bigframe's distributed directory: a
// cluster-wide mapping from keys to immutable byte values.
//
// Every key has a home node, which stores its value. Reads of keys
// homed elsewhere are fetched from the home over a Transport and
// cached read-only. Mutations (Put, Remove) are asynchronous: they
// return a Future that completes once the home node has applied the
// mutation and invalidated every other node's cached copy. Thus, once
// a caller has waited on a mutation's future, all subsequent reads
// anywhere in the cluster observe the new state.
//
// Concurrent mutations of the same key are last-writer-wins; there is
// no conflict detection and no multi-key atomicity. Bigframe operators
// always write fresh keys.
package dkv

import (
	"context"
	"fmt"
	"sort"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/bigframe/stats"
	"golang.org/x/sync/errgroup"
)

// Transport carries directory calls between nodes. Node indices are
// in [0, n) for a cluster of n nodes. Implementations return errors
// of kind errors.Net when a node cannot be reached.
type Transport interface {
	Get(ctx context.Context, node int, key Key) ([]byte, error)
	Put(ctx context.Context, node int, key Key, val []byte) error
	Remove(ctx context.Context, node int, key Key) error
	Invalidate(ctx context.Context, node int, key Key) error
	Keys(ctx context.Context, node int) ([]Key, error)
	Stats(ctx context.Context, node int) (stats.Values, error)
}

// DKV is a node's (or a client's) view of the directory. A DKV with a
// store serves the keys homed on its node; a client DKV (see
// NewClient) holds no keys and does not cache, and forwards every
// call to the home node.
type DKV struct {
	self      int
	n         int
	store     Store
	transport Transport
	cache     *cache
	stats     *stats.Map
}

// New returns the directory for node self in a cluster of n nodes,
// storing its keys in store and reaching peers over transport.
func New(self, n int, store Store, transport Transport) *DKV {
	if self < 0 || self >= n {
		panic(fmt.Sprintf("dkv.New: node %d out of range [0, %d)", self, n))
	}
	return &DKV{
		self:      self,
		n:         n,
		store:     store,
		transport: transport,
		cache:     newCache(DefaultCacheBytes),
		stats:     stats.NewMap(),
	}
}

// NewClient returns a directory client for a cluster of n nodes. A
// client is not itself a node: it owns no keys.
func NewClient(n int, transport Transport) *DKV {
	return &DKV{self: -1, n: n, transport: transport}
}

// Self returns the node index of this directory, or -1 for clients.
func (d *DKV) Self() int { return d.self }

// NumNodes returns the number of nodes in the cluster.
func (d *DKV) NumNodes() int { return d.n }

// Stats returns the counters kept by this node.
func (d *DKV) Stats() *stats.Map { return d.stats }

// Home returns the home node of key.
func (d *DKV) Home(key Key) int { return key.Home(d.n) }

// Local tells whether key is homed on this node.
func (d *DKV) Local(key Key) bool { return d.Home(key) == d.self }

// Get returns the value registered for key. It fails with an error
// of kind errors.NotExist if the key is not registered.
func (d *DKV) Get(ctx context.Context, key Key) ([]byte, error) {
	home := d.Home(key)
	if home == d.self {
		d.stats.Int(stats.Gets).Add(1)
		return d.store.Get(key)
	}
	var gen uint64
	if d.cache != nil {
		if val, ok := d.cache.Get(key); ok {
			d.stats.Int(stats.CacheHits).Add(1)
			return val, nil
		}
		gen = d.cache.Generation()
	}
	val, err := d.transport.Get(ctx, home, key)
	if err != nil {
		return nil, err
	}
	d.stats.Int(stats.RemoteGets).Add(1)
	d.stats.Int(stats.FetchedBytes).Add(int64(len(val)))
	if d.cache != nil {
		d.cache.Add(key, val, gen)
	}
	return val, nil
}

// Put registers val under key, replacing any previous value. The
// mutation proceeds asynchronously; the returned future (also added
// to fs, if not nil) completes when it has been acknowledged.
func (d *DKV) Put(ctx context.Context, key Key, val []byte, fs *Futures) *Future {
	f := newFuture()
	fs.Add(f)
	go func() {
		home := d.Home(key)
		var err error
		if home == d.self {
			err = d.ServePut(ctx, key, val)
		} else {
			err = d.transport.Put(ctx, home, key, val)
		}
		if err != nil {
			err = errors.E(fmt.Sprintf("dkv: put %s", key), err)
		}
		f.complete(err)
	}()
	return f
}

// Remove schedules the removal of key. Removing an unregistered key
// is not an error. The returned future (also added to fs, if not nil)
// completes when the removal has been acknowledged.
func (d *DKV) Remove(ctx context.Context, key Key, fs *Futures) *Future {
	f := newFuture()
	fs.Add(f)
	go func() {
		home := d.Home(key)
		var err error
		if home == d.self {
			err = d.ServeRemove(ctx, key)
		} else {
			err = d.transport.Remove(ctx, home, key)
		}
		if err != nil {
			err = errors.E(fmt.Sprintf("dkv: remove %s", key), err)
		}
		f.complete(err)
	}()
	return f
}

// Keys returns every key registered anywhere in the cluster, sorted.
func (d *DKV) Keys(ctx context.Context) ([]Key, error) {
	all := make([][]Key, d.n)
	g, ctx := errgroup.WithContext(ctx)
	for node := 0; node < d.n; node++ {
		node := node
		g.Go(func() (err error) {
			if node == d.self {
				all[node], err = d.store.Keys()
			} else {
				all[node], err = d.transport.Keys(ctx, node)
			}
			return
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	var keys []Key
	for _, k := range all {
		keys = append(keys, k...)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys, nil
}

// NodeStats returns the counters of every node, merged.
func (d *DKV) NodeStats(ctx context.Context) (stats.Values, error) {
	all := make([]stats.Values, d.n)
	g, ctx := errgroup.WithContext(ctx)
	for node := 0; node < d.n; node++ {
		node := node
		g.Go(func() (err error) {
			if node == d.self {
				all[node] = d.stats.Snapshot()
			} else {
				all[node], err = d.transport.Stats(ctx, node)
			}
			return
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	total := make(stats.Values)
	for _, vals := range all {
		total.Merge(vals)
	}
	return total, nil
}

// The Serve methods implement the home side of the directory
// protocol. Transports invoke them on the node that received a call.

// ServeGet returns the locally stored value for key.
func (d *DKV) ServeGet(ctx context.Context, key Key) ([]byte, error) {
	d.stats.Int(stats.Gets).Add(1)
	return d.store.Get(key)
}

// ServePut stores key locally and invalidates all peer caches before
// returning.
func (d *DKV) ServePut(ctx context.Context, key Key, val []byte) error {
	if !d.Local(key) {
		return errors.E(errors.Invalid, fmt.Sprintf("dkv: node %d is not the home of %s", d.self, key))
	}
	if err := d.store.Put(key, val); err != nil {
		return err
	}
	d.stats.Int(stats.Puts).Add(1)
	d.stats.Int(stats.StoredBytes).Add(int64(len(val)))
	return d.invalidatePeers(ctx, key)
}

// ServeRemove removes key locally and invalidates all peer caches
// before returning.
func (d *DKV) ServeRemove(ctx context.Context, key Key) error {
	if !d.Local(key) {
		return errors.E(errors.Invalid, fmt.Sprintf("dkv: node %d is not the home of %s", d.self, key))
	}
	if err := d.store.Remove(key); err != nil {
		return err
	}
	d.stats.Int(stats.Removes).Add(1)
	return d.invalidatePeers(ctx, key)
}

// ServeInvalidate drops any cached copy of key.
func (d *DKV) ServeInvalidate(ctx context.Context, key Key) error {
	d.stats.Int(stats.Invalidations).Add(1)
	d.cache.Invalidate(key)
	return nil
}

// ServeKeys returns the keys stored on this node.
func (d *DKV) ServeKeys(ctx context.Context) ([]Key, error) {
	return d.store.Keys()
}

func (d *DKV) invalidatePeers(ctx context.Context, key Key) error {
	if d.n == 1 {
		return nil
	}
	g, ctx := errgroup.WithContext(ctx)
	for node := 0; node < d.n; node++ {
		if node == d.self {
			continue
		}
		node := node
		g.Go(func() error {
			return d.transport.Invalidate(ctx, node, key)
		})
	}
	err := g.Wait()
	if err != nil {
		log.Error.Printf("dkv: node %d: invalidate %s: %v", d.self, key, err)
	}
	return err
}
