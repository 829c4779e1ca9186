// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package dkv

import (
	"sort"
	"sync"
	"time"

	"go.etcd.io/bbolt"
)

// Store is the node-local storage for the keys homed on a node.
// Stores hold opaque, immutable byte values: callers must not modify
// a value after passing it to Put or after receiving it from Get.
type Store interface {
	// Get returns the value stored for key. If the key is not stored,
	// an error of kind errors.NotExist is returned.
	Get(key Key) ([]byte, error)
	// Put stores the value for key, replacing any previous value.
	Put(key Key, val []byte) error
	// Remove removes the key. Removing an absent key is not an error.
	Remove(key Key) error
	// Keys returns the stored keys in sorted order.
	Keys() ([]Key, error)
}

// MemoryStore is a Store that keeps values in memory.
type memoryStore struct {
	mu   sync.Mutex
	vals map[Key][]byte
}

// NewMemoryStore returns a new in-memory store.
func NewMemoryStore() Store {
	return &memoryStore{vals: make(map[Key][]byte)}
}

func (m *memoryStore) Get(key Key) ([]byte, error) {
	m.mu.Lock()
	val, ok := m.vals[key]
	m.mu.Unlock()
	if !ok {
		return nil, errNotFound(key)
	}
	return val, nil
}

func (m *memoryStore) Put(key Key, val []byte) error {
	if val == nil {
		val = []byte{}
	}
	m.mu.Lock()
	m.vals[key] = val
	m.mu.Unlock()
	return nil
}

func (m *memoryStore) Remove(key Key) error {
	m.mu.Lock()
	delete(m.vals, key)
	m.mu.Unlock()
	return nil
}

func (m *memoryStore) Keys() ([]Key, error) {
	m.mu.Lock()
	keys := make([]Key, 0, len(m.vals))
	for k := range m.vals {
		keys = append(keys, k)
	}
	m.mu.Unlock()
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys, nil
}

var boltBucket = []byte("dkv")

// BoltStore is a Store persisted in a bbolt database file. Worker
// nodes use it so that their share of the directory may exceed
// memory.
type BoltStore struct {
	db *bbolt.DB
}

// OpenBoltStore opens (creating if necessary) a bbolt-backed store at
// the provided path. If nosync is set, writes are not fsynced; this
// is appropriate for stores that do not outlive their process.
func OpenBoltStore(path string, nosync bool) (*BoltStore, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: time.Second, NoSync: nosync})
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(boltBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &BoltStore{db: db}, nil
}

// Get implements Store.
func (s *BoltStore) Get(key Key) ([]byte, error) {
	var val []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(boltBucket).Get([]byte(key))
		if v == nil {
			return errNotFound(key)
		}
		// Values returned by bbolt are valid only for the life of
		// the transaction.
		val = append([]byte{}, v...)
		return nil
	})
	return val, err
}

// Put implements Store.
func (s *BoltStore) Put(key Key, val []byte) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(boltBucket).Put([]byte(key), val)
	})
}

// Remove implements Store.
func (s *BoltStore) Remove(key Key) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(boltBucket).Delete([]byte(key))
	})
}

// Keys implements Store. Keys are returned in bbolt's byte order,
// which is sorted order for string keys.
func (s *BoltStore) Keys() ([]Key, error) {
	var keys []Key
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(boltBucket).ForEach(func(k, _ []byte) error {
			keys = append(keys, Key(k))
			return nil
		})
	})
	return keys, err
}

// Close closes the underlying database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}
