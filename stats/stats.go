// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package stats provides the counters that each bigframe node keeps
// about its directory traffic and task execution. A node's counters
// live in a Map; snapshots (Values) are shipped to the driver and
// merged there.
package stats

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/grailbio/base/data"
)

// Counter names shared by the directory and the task framework.
const (
	// Gets is the number of directory reads served from the local store.
	Gets = "gets"
	// RemoteGets is the number of directory reads fetched from a peer.
	RemoteGets = "remote_gets"
	// CacheHits is the number of remote reads served from the read cache.
	CacheHits = "cache_hits"
	// Puts is the number of values stored on this node.
	Puts = "puts"
	// Removes is the number of values removed from this node.
	Removes = "removes"
	// Invalidations is the number of cache invalidations received.
	Invalidations = "invalidations"
	// ChunksMapped is the number of chunks processed by map phases.
	ChunksMapped = "chunks_mapped"
	// Tasks is the number of task requests run on this node.
	Tasks = "tasks"
	// StoredBytes is the number of bytes written to the local store.
	StoredBytes = "stored_bytes"
	// FetchedBytes is the number of bytes fetched from peers.
	FetchedBytes = "fetched_bytes"
)

// Values is a snapshot of counter values, keyed by name.
type Values map[string]int64

// Copy returns a copy of v.
func (v Values) Copy() Values {
	w := make(Values, len(v))
	for k, n := range v {
		w[k] = n
	}
	return w
}

// Merge adds all of the values in u into v.
func (v Values) Merge(u Values) {
	for k, n := range u {
		v[k] += n
	}
}

// String returns the values sorted by name. Counters whose names
// end in "bytes" are rendered as data sizes.
func (v Values) String() string {
	keys := make([]string, 0, len(v))
	for key := range v {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for i, key := range keys {
		if strings.HasSuffix(key, "bytes") {
			keys[i] = fmt.Sprintf("%s:%s", key, data.Size(v[key]))
		} else {
			keys[i] = fmt.Sprintf("%s:%d", key, v[key])
		}
	}
	return strings.Join(keys, " ")
}

// A Map is a set of named counters.
type Map struct {
	mu     sync.Mutex
	values map[string]*Int
}

// NewMap returns a new, empty Map.
func NewMap() *Map {
	return &Map{values: make(map[string]*Int)}
}

// Int returns the named counter, creating it if needed. Int is nil-safe:
// a nil Map returns a nil counter, on which all operations are no-ops.
func (m *Map) Int(name string) *Int {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	v := m.values[name]
	if v == nil {
		v = new(Int)
		m.values[name] = v
	}
	return v
}

// Snapshot returns the current values of all counters in the map.
func (m *Map) Snapshot() Values {
	vals := make(Values)
	if m == nil {
		return vals
	}
	m.mu.Lock()
	for k, v := range m.values {
		vals[k] = v.Get()
	}
	m.mu.Unlock()
	return vals
}

// An Int is an atomically updated counter.
type Int struct {
	val int64
}

// Add adds delta to the counter.
func (v *Int) Add(delta int64) {
	if v == nil {
		return
	}
	atomic.AddInt64(&v.val, delta)
}

// Get returns the counter's current value.
func (v *Int) Get() int64 {
	if v == nil {
		return 0
	}
	return atomic.LoadInt64(&v.val)
}
