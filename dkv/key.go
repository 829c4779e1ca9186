// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package dkv

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/grailbio/base/errors"
	"github.com/spaolacci/murmur3"
)

// A Key names exactly one object in the directory. Keys are
// immutable once minted. A key may pin its home node with a trailing
// "@<node>" suffix (see WithHome); otherwise its home is determined
// by hashing.
type Key string

var (
	keyNonce   uint32
	keyCounter uint64
)

func init() {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic(err)
	}
	keyNonce = binary.LittleEndian.Uint32(b[:])
}

// NewKey mints a fresh key with the provided prefix. Keys minted by
// NewKey are unique across processes with overwhelming probability:
// they combine a random per-process nonce with a process-local
// counter.
func NewKey(prefix string) Key {
	n := atomic.AddUint64(&keyCounter, 1)
	return Key(fmt.Sprintf("%s_%08x_%d", prefix, keyNonce, n))
}

// WithHome returns the key k pinned to the provided home node.
func WithHome(k Key, node int) Key {
	return Key(fmt.Sprintf("%s@%d", k, node))
}

// Home returns the index of the node, among n nodes, that owns key k.
func (k Key) Home(n int) int {
	if n <= 0 {
		panic("dkv.Key.Home: no nodes")
	}
	s := string(k)
	if i := strings.LastIndexByte(s, '@'); i >= 0 {
		if node, err := strconv.Atoi(s[i+1:]); err == nil && node >= 0 {
			return node % n
		}
	}
	return int(murmur3.Sum32([]byte(s)) % uint32(n))
}

// String returns the key as a string.
func (k Key) String() string { return string(k) }

// IsNotFound tells whether err indicates that a key was not
// registered in the directory (or has since been removed).
func IsNotFound(err error) bool {
	return err != nil && errors.Is(errors.NotExist, err)
}

func errNotFound(key Key) error {
	return errors.E(errors.NotExist, fmt.Sprintf("dkv: key %s not found", key))
}
