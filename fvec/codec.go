// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package fvec

import (
	"fmt"
	"sync"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/bigframe/dkv"
	"github.com/klauspost/compress/zstd"
	"github.com/vmihailenco/msgpack/v5"
)

// Directory objects are encoded as a one-byte kind, a one-byte
// compression tag, and a msgpack payload. Payloads larger than
// compressThreshold are compressed with zstd.
type kind byte

const (
	kindFrame kind = iota + 1
	kindVec
	kindDense
	kindSparse
)

func (k kind) String() string {
	switch k {
	case kindFrame:
		return "frame"
	case kindVec:
		return "vec"
	case kindDense:
		return "dense chunk"
	case kindSparse:
		return "sparse chunk"
	default:
		return fmt.Sprintf("kind(%d)", byte(k))
	}
}

const (
	compressNone byte = iota
	compressZstd
)

const compressThreshold = 4 << 10

var (
	zstdEncoders sync.Pool
	zstdDecoders sync.Pool
)

func getEncoder() *zstd.Encoder {
	if v := zstdEncoders.Get(); v != nil {
		return v.(*zstd.Encoder)
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		panic(err)
	}
	return enc
}

func getDecoder() *zstd.Decoder {
	if v := zstdDecoders.Get(); v != nil {
		return v.(*zstd.Decoder)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		panic(err)
	}
	return dec
}

type frameHeader struct {
	Names  []string  `msgpack:"names"`
	Vecs   []dkv.Key `msgpack:"vecs"`
	Starts []int     `msgpack:"starts"`
	Homes  []int     `msgpack:"homes"`
}

type vecHeader struct {
	Starts []int `msgpack:"starts"`
	Homes  []int `msgpack:"homes"`
}

type chunkWire struct {
	N    int       `msgpack:"n"`
	Vals []float64 `msgpack:"vals"`
	Rows []byte    `msgpack:"rows,omitempty"`
}

func encode(k kind, v interface{}) ([]byte, error) {
	payload, err := msgpack.Marshal(v)
	if err != nil {
		return nil, errors.E(fmt.Sprintf("fvec: encode %s", k), err)
	}
	buf := []byte{byte(k), compressNone}
	if len(payload) < compressThreshold {
		return append(buf, payload...), nil
	}
	buf[1] = compressZstd
	enc := getEncoder()
	buf = enc.EncodeAll(payload, buf)
	zstdEncoders.Put(enc)
	return buf, nil
}

// decode decodes p, which was stored under key, into v. The object's
// kind must be one of want.
func decode(key dkv.Key, p []byte, v interface{}, want ...kind) (kind, error) {
	if len(p) < 2 {
		return 0, errors.E(errors.Invalid, fmt.Sprintf("fvec: %s: truncated object", key))
	}
	k := kind(p[0])
	ok := false
	for _, w := range want {
		ok = ok || k == w
	}
	if !ok {
		return k, errors.E(errors.Invalid, fmt.Sprintf("fvec: %s: expected %s, got %s", key, want[0], k))
	}
	payload := p[2:]
	switch p[1] {
	case compressNone:
	case compressZstd:
		dec := getDecoder()
		var err error
		payload, err = dec.DecodeAll(payload, nil)
		zstdDecoders.Put(dec)
		if err != nil {
			return k, errors.E(errors.Invalid, fmt.Sprintf("fvec: %s: decompress", key), err)
		}
	default:
		return k, errors.E(errors.Invalid, fmt.Sprintf("fvec: %s: unknown compression %d", key, p[1]))
	}
	if err := msgpack.Unmarshal(payload, v); err != nil {
		return k, errors.E(errors.Invalid, fmt.Sprintf("fvec: %s: decode %s", key, k), err)
	}
	return k, nil
}

// EncodeChunk returns the directory encoding of c.
func EncodeChunk(c Chunk) ([]byte, error) {
	switch c := c.(type) {
	case *DenseChunk:
		return encode(kindDense, chunkWire{N: len(c.Vals), Vals: c.Vals})
	case *SparseChunk:
		rows, err := c.Rows.ToBytes()
		if err != nil {
			return nil, errors.E("fvec: encode sparse rows", err)
		}
		return encode(kindSparse, chunkWire{N: c.N, Vals: c.Vals, Rows: rows})
	default:
		return nil, errors.E(errors.Invalid, fmt.Sprintf("fvec: cannot encode chunk of type %T", c))
	}
}

// DecodeChunk decodes a chunk stored under key.
func DecodeChunk(key dkv.Key, p []byte) (Chunk, error) {
	var w chunkWire
	k, err := decode(key, p, &w, kindDense, kindSparse)
	if err != nil {
		return nil, err
	}
	if k == kindDense {
		if w.N != len(w.Vals) {
			return nil, errors.E(errors.Invalid, fmt.Sprintf("fvec: %s: dense chunk of %d rows holds %d values", key, w.N, len(w.Vals)))
		}
		return NewDense(w.Vals), nil
	}
	rows := roaring.New()
	if len(w.Rows) > 0 {
		if err := rows.UnmarshalBinary(w.Rows); err != nil {
			return nil, errors.E(errors.Invalid, fmt.Sprintf("fvec: %s: decode sparse rows", key), err)
		}
	}
	if int(rows.GetCardinality()) != len(w.Vals) {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("fvec: %s: sparse chunk has %d rows and %d values", key, rows.GetCardinality(), len(w.Vals)))
	}
	if !rows.IsEmpty() && int(rows.Maximum()) >= w.N {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("fvec: %s: sparse offset %d out of range", key, rows.Maximum()))
	}
	return &SparseChunk{N: w.N, Rows: rows, Vals: w.Vals}, nil
}
