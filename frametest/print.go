// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package frametest

import (
	"context"
	"os"

	"github.com/grailbio/base/log"
	"github.com/grailbio/bigframe/fvec"
)

// Print writes frame f to stdout as tab-separated values, with a
// header line of column names. Rows are printed in order, so Print is
// convenient in examples whose output is checked.
func Print(f *fvec.Frame) {
	if err := fvec.WriteTSV(context.Background(), os.Stdout, f); err != nil {
		log.Panicf("print %s: %v", f, err)
	}
}
