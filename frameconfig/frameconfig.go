// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package frameconfig creates a bigframe session from a shared
// configuration. It uses the configuration mechanism in package
// github.com/grailbio/base/config and reads a default profile from
// $HOME/.bigframe/config. The profile instance "bigframe" configures
// the number of nodes, their parallelism, and the bigmachine system
// on which the cluster runs:
//
//	param bigframe system = ec2system
//	param bigframe nodes = 16
package frameconfig

import (
	"flag"
	"os"

	"github.com/grailbio/base/config"
	"github.com/grailbio/base/must"

	"github.com/grailbio/bigframe/exec"
	// Used to provide ec2system.System bigmachines.
	_ "github.com/grailbio/bigmachine/ec2system"
)

// Path determines the location of the bigframe profile read by
// Parse.
var Path = os.ExpandEnv("$HOME/.bigframe/config")

// Parse registers configuration flags and calls flag.Parse. It reads
// the bigframe profile from Path, and returns the session it
// configures along with a function that shuts the session down. Parse
// panics if the session cannot be started.
func Parse() (sess *exec.Session, shutdown func()) {
	config.RegisterFlags("", Path)
	flag.Parse()
	must.Nil(config.ProcessFlags())
	config.Must("bigframe", &sess)
	return sess, sess.Shutdown
}
