// Copyright 2026 The Keel Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package kv

import (
	"io"

	"github.com/pkg/errors"
)

var ErrKeyNotFound = errors.New("keel: key not found")

type FactoryOptions struct {
	DataDir     string
	CacheSizeMB int64

	// InMemory backs the store with an in-memory filesystem. Used for unit
	// tests and standalone mode.
	InMemory bool
}

var DefaultFactoryOptions = &FactoryOptions{
	DataDir:     "data/db",
	CacheSizeMB: 100,
	InMemory:    false,
}

// Factory opens the per-shard stores. All the stores of one factory share a
// single block cache.
type Factory interface {
	io.Closer

	NewKV(shard uint16) (KV, error)
}

type WriteBatch interface {
	io.Closer

	Put(key string, value []byte) error
	Delete(key string) error

	Commit() error
}

type KeyValueIterator interface {
	io.Closer

	Valid() bool
	Key() string
	Value() ([]byte, error)
	Next() bool
}

// KV is the local storage engine for one shard: synchronous, durable on
// return.
type KV interface {
	io.Closer

	Put(key string, value []byte) error
	Get(key string) ([]byte, io.Closer, error)
	Delete(key string) error

	NewWriteBatch() WriteBatch

	// RangeScan iterates [lowerBound, upperBound)
	RangeScan(lowerBound, upperBound string) (KeyValueIterator, error)

	// Erase removes all the contents of the store
	Erase() error
}
