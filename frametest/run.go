// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package frametest provides utilities for testing code built on
// bigframe: sessions over every executor, random frames, and checks
// for leaked directory keys. The utilities here are not optimized for
// performance; they are strictly intended for unit testing.
package frametest

import (
	"context"
	"sort"
	"testing"

	"github.com/grailbio/bigframe/exec"
	"github.com/grailbio/bigmachine/testsystem"
)

// Executors holds the session options of every executor that tests
// should exercise, keyed by name. The bigmachine executor runs its
// machines in-process with testsystem.
var Executors = map[string]func() exec.Option{
	"Local": func() exec.Option { return exec.Local },
	"Bigmachine.Test": func() exec.Option {
		system := testsystem.New()
		system.Machineprocs = 2
		return exec.Bigmachine(system)
	},
}

// Start starts a local session with the provided number of nodes.
// The session is shut down when the test completes. Errors are
// reported as fatal to t.
func Start(t testing.TB, nodes int) *exec.Session {
	t.Helper()
	return start(t, exec.Local, nodes)
}

// Run runs fn as a subtest once for every executor in Executors, each
// time with a fresh session of the provided number of nodes. Run
// checks that fn leaves no directory keys behind.
func Run(t *testing.T, nodes int, fn func(t *testing.T, sess *exec.Session)) {
	t.Helper()
	names := make([]string, 0, len(Executors))
	for name := range Executors {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		opt := Executors[name]
		t.Run(name, func(t *testing.T) {
			sess := start(t, opt(), nodes)
			fn(t, sess)
			CheckLeaks(t, sess)
		})
	}
}

func start(t testing.TB, opt exec.Option, nodes int) *exec.Session {
	t.Helper()
	sess, err := exec.Start(opt, exec.Nodes(nodes))
	if err != nil {
		t.Fatalf("start session: %v", err)
	}
	t.Cleanup(sess.Shutdown)
	return sess
}

// CheckLeaks fails the test if any directory key is registered in the
// session's cluster.
func CheckLeaks(t testing.TB, sess *exec.Session) {
	t.Helper()
	keys, err := sess.Keys(context.Background())
	if err != nil {
		t.Fatalf("list keys: %v", err)
	}
	if len(keys) > 0 {
		t.Errorf("%d leaked keys: %v", len(keys), keys)
	}
}
