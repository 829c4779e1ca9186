// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"github.com/grailbio/base/config"
	"github.com/grailbio/bigmachine"
)

func init() {
	config.Register("bigframe", func(inst *config.Constructor) {
		sess := newSession()
		inst.IntVar(&sess.nodes, "nodes", DefaultNodes, "number of nodes in the cluster")
		inst.IntVar(&sess.p, "parallelism", 0, "number of chunks each node maps concurrently; 0 uses every processor")
		var system bigmachine.System
		inst.InstanceVar(&system, "system", "", "the bigmachine system used to run the cluster; the cluster is simulated in-process if empty")
		inst.Doc = "bigframe configures the bigframe runtime"
		inst.New = func() (interface{}, error) {
			if system != nil {
				sess.executor = newBigmachineExecutor(system)
			} else {
				sess.executor = newLocalExecutor()
			}
			if err := sess.start(); err != nil {
				return nil, err
			}
			return sess, nil
		}
	})
}
