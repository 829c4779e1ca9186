// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"

	"github.com/grailbio/bigframe/dkv"
	"github.com/grailbio/bigframe/mrtask"
)

// LocalExecutor runs a cluster of nodes in-process. Directory calls
// between nodes go through dkv.Local, which copies values and can
// simulate unreachable nodes.
type localExecutor struct {
	cluster *dkv.Local
	nodes   []*mrtask.Node
}

func newLocalExecutor() *localExecutor {
	return &localExecutor{}
}

func (*localExecutor) Name() string { return "local" }

func (l *localExecutor) Start(sess *Session) error {
	l.cluster = dkv.NewLocal(sess.NumNodes())
	l.nodes = make([]*mrtask.Node, sess.NumNodes())
	for i, d := range l.cluster.Nodes {
		l.nodes[i] = mrtask.NewNode(d, sess.Parallelism())
	}
	return nil
}

func (l *localExecutor) DKV() *dkv.DKV { return l.cluster.Client }

func (l *localExecutor) Dispatch(ctx context.Context, node int, req *mrtask.Request) (mrtask.Result, error) {
	if err := l.cluster.Reachable(node); err != nil {
		return nil, err
	}
	return l.nodes[node].Run(ctx, req)
}

func (*localExecutor) Shutdown() {}
