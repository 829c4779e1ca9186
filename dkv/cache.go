// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package dkv

import (
	"container/list"
	"sync"
)

// DefaultCacheBytes is the default capacity of a node's read cache.
const DefaultCacheBytes = 256 << 20

// Cache is a bounded LRU cache of values fetched from remote homes.
// Every invalidation advances the cache's generation; a value fetched
// while an invalidation happened is not admitted, so that a fetch
// racing a removal can never resurrect a stale value.
type cache struct {
	mu    sync.Mutex
	gen   uint64
	cap   int
	size  int
	ll    *list.List
	items map[Key]*list.Element
}

type cacheEntry struct {
	key Key
	val []byte
}

func newCache(capacity int) *cache {
	return &cache{
		cap:   capacity,
		ll:    list.New(),
		items: make(map[Key]*list.Element),
	}
}

// Generation returns the cache's current generation. It should be
// read before issuing the fetch whose result is passed to Add.
func (c *cache) Generation() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gen
}

func (c *cache) Get(key Key) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.items[key]
	if !ok {
		return nil, false
	}
	c.ll.MoveToFront(e)
	return e.Value.(*cacheEntry).val, true
}

// Add admits the value if no invalidation happened since gen.
func (c *cache) Add(key Key, val []byte, gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen || len(val) > c.cap {
		return
	}
	if e, ok := c.items[key]; ok {
		c.removeElement(e)
	}
	c.items[key] = c.ll.PushFront(&cacheEntry{key, val})
	c.size += len(val)
	for c.size > c.cap {
		c.removeElement(c.ll.Back())
	}
}

func (c *cache) Invalidate(key Key) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gen++
	if e, ok := c.items[key]; ok {
		c.removeElement(e)
	}
}

func (c *cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ll.Len()
}

func (c *cache) removeElement(e *list.Element) {
	entry := c.ll.Remove(e).(*cacheEntry)
	delete(c.items, entry.key)
	c.size -= len(entry.val)
}
