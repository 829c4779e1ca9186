// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package dkv

import (
	"context"
	"sync"
)

// A Future is the completion token of an asynchronous directory
// mutation. Until the future is done, readers anywhere in the cluster
// may observe either the old or the new state of the key.
type Future struct {
	done chan struct{}
	err  error
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

// Completed returns a future that is already done with the provided
// error.
func Completed(err error) *Future {
	f := newFuture()
	f.complete(err)
	return f
}

func (f *Future) complete(err error) {
	f.err = err
	close(f.done)
}

// Done returns a channel that is closed when the mutation has been
// acknowledged (or has failed).
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the mutation is acknowledged and returns its
// error, or until the context is done.
func (f *Future) Wait(ctx context.Context) error {
	select {
	case <-f.done:
		return f.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Futures collects pending completion tokens so that a caller can
// block on all of them at once. A nil *Futures discards the futures
// added to it. The zero value is ready to use.
type Futures struct {
	mu      sync.Mutex
	pending []*Future
}

// Add adds a future to the set.
func (fs *Futures) Add(f *Future) {
	if fs == nil {
		return
	}
	fs.mu.Lock()
	fs.pending = append(fs.pending, f)
	fs.mu.Unlock()
}

// Len returns the number of futures not yet waited for.
func (fs *Futures) Len() int {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return len(fs.pending)
}

// Wait blocks until every future added so far is done, and returns
// the first error encountered. Futures added concurrently with Wait
// are waited for as well. Waited futures are removed from the set.
func (fs *Futures) Wait(ctx context.Context) error {
	var first error
	for {
		fs.mu.Lock()
		pending := fs.pending
		fs.pending = nil
		fs.mu.Unlock()
		if len(pending) == 0 {
			return first
		}
		for _, f := range pending {
			if err := f.Wait(ctx); err != nil && first == nil {
				first = err
			}
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}
