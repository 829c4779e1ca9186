// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

/*
	Package bigframe is a distributed engine for chunked columnar
	matrices. A frame is a set of equal-length columns of float64
	values ("vecs"), split into row ranges ("chunks") that live on the
	nodes of a cluster. Every frame, vec and chunk is named by a key in
	a distributed directory (package dkv); a key's home node stores its
	value, and every other node reaches it through the directory,
	never through shared memory.

	Computation is organized as fork-join tasks (package mrtask): a
	kernel's Map runs on the home node of each chunk of its target,
	and partial results are merged by its Reduce, first within each
	node and then across nodes. Sessions (package exec) own a cluster
	and dispatch tasks to it. Clusters are either simulated in-process
	or run on a bigmachine system:

		sess, err := exec.Start(exec.Bigmachine(ec2system.Instance), exec.Nodes(16))
		if err != nil {
			log.Fatal(err)
		}
		defer sess.Shutdown()

	Frames are built with the constructors in package fvec and
	transformed by operators, each of which registers its output as a
	new frame under a fresh key and leaves its inputs untouched:

		rebalance.Rebalance  repartitions a frame into evenly sized chunks
		dmatrix.Transpose    transposes a frame
		dmatrix.Mmul         multiplies two frames, densely or sparsely
		gram.Compute         accumulates the Gram matrix XᵗX of a frame

	Frames are never garbage collected: callers delete them, and wait
	for the deletions to complete before reusing their keys.
*/
package bigframe
