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
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/keelkv/keel/common/metrics"
)

type pebbleFactory struct {
	dataDir string
	cache   *pebble.Cache
	options *FactoryOptions

	// Shared by all the shards of this factory, so that a shard database
	// keeps its content across close and reopen within the same process.
	memFS vfs.FS

	gaugeCacheSize metrics.Gauge
}

func NewPebbleFactory(options *FactoryOptions) Factory {
	if options == nil {
		options = DefaultFactoryOptions
	}
	cacheSizeMB := options.CacheSizeMB
	if cacheSizeMB == 0 {
		cacheSizeMB = DefaultFactoryOptions.CacheSizeMB
	}
	dataDir := options.DataDir
	if dataDir == "" {
		dataDir = DefaultFactoryOptions.DataDir
	}

	var memFS vfs.FS
	if options.InMemory {
		memFS = vfs.NewMem()
	}

	return &pebbleFactory{
		dataDir: dataDir,
		options: options,
		memFS:   memFS,

		// Share a single cache instance across the databases for all the shards
		cache: pebble.NewCache(cacheSizeMB * 1024 * 1024),

		gaugeCacheSize: metrics.NewGauge("keel_server_kv_pebble_max_cache_size",
			"The max size configured for the Pebble block cache in bytes",
			metrics.Bytes, map[string]any{}, func() int64 {
				return cacheSizeMB * 1024 * 1024
			}),
	}
}

func (p *pebbleFactory) Close() error {
	p.gaugeCacheSize.Unregister()
	p.cache.Unref()
	return nil
}

func (p *pebbleFactory) NewKV(shard uint16) (KV, error) {
	return newPebbleKV(p, shard)
}

func (p *pebbleFactory) getKVPath(shard uint16) string {
	return filepath.Join(p.dataDir, fmt.Sprintf("shard-%d", shard))
}

type pebbleKV struct {
	shard   uint16
	dataDir string
	db      *pebble.DB
	log     zerolog.Logger
}

func newPebbleKV(factory *pebbleFactory, shard uint16) (KV, error) {
	pb := &pebbleKV{
		shard:   shard,
		dataDir: factory.getKVPath(shard),
		log: log.With().
			Str("component", "pebble").
			Uint16("shard", shard).
			Logger(),
	}

	pbOptions := &pebble.Options{
		Cache:              factory.cache,
		FormatMajorVersion: pebble.FormatNewest,
		Logger:             &pebbleLogger{pb.log},
	}

	if factory.memFS != nil {
		pbOptions.FS = factory.memFS
	}

	db, err := pebble.Open(pb.dataDir, pbOptions)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open database at %s", pb.dataDir)
	}

	pb.db = db
	return pb, nil
}

func (p *pebbleKV) Close() error {
	return p.db.Close()
}

func (p *pebbleKV) Put(key string, value []byte) error {
	return p.db.Set([]byte(key), value, pebble.Sync)
}

func (p *pebbleKV) Get(key string) ([]byte, io.Closer, error) {
	value, closer, err := p.db.Get([]byte(key))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, nil, ErrKeyNotFound
	}
	return value, closer, err
}

func (p *pebbleKV) Delete(key string) error {
	return p.db.Delete([]byte(key), pebble.Sync)
}

func (p *pebbleKV) NewWriteBatch() WriteBatch {
	return &pebbleWriteBatch{batch: p.db.NewBatch()}
}

func (p *pebbleKV) RangeScan(lowerBound, upperBound string) (KeyValueIterator, error) {
	it, err := p.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(lowerBound),
		UpperBound: []byte(upperBound),
	})
	if err != nil {
		return nil, err
	}
	it.First()
	return &pebbleIterator{it: it}, nil
}

func (p *pebbleKV) Erase() error {
	if err := p.db.Close(); err != nil {
		return err
	}
	return os.RemoveAll(p.dataDir)
}

type pebbleWriteBatch struct {
	batch *pebble.Batch
}

func (b *pebbleWriteBatch) Close() error {
	return b.batch.Close()
}

func (b *pebbleWriteBatch) Put(key string, value []byte) error {
	return b.batch.Set([]byte(key), value, pebble.NoSync)
}

func (b *pebbleWriteBatch) Delete(key string) error {
	return b.batch.Delete([]byte(key), pebble.NoSync)
}

func (b *pebbleWriteBatch) Commit() error {
	return b.batch.Commit(pebble.Sync)
}

type pebbleIterator struct {
	it *pebble.Iterator
}

func (p *pebbleIterator) Close() error {
	return p.it.Close()
}

func (p *pebbleIterator) Valid() bool {
	return p.it.Valid()
}

func (p *pebbleIterator) Key() string {
	return string(p.it.Key())
}

func (p *pebbleIterator) Value() ([]byte, error) {
	res, err := p.it.ValueAndErr()
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(res))
	copy(out, res)
	return out, nil
}

func (p *pebbleIterator) Next() bool {
	return p.it.Next()
}

type pebbleLogger struct {
	zl zerolog.Logger
}

func (l *pebbleLogger) Infof(format string, args ...any) {
	l.zl.Debug().Msgf(format, args...)
}

func (l *pebbleLogger) Errorf(format string, args ...any) {
	l.zl.Error().Msgf(format, args...)
}

func (l *pebbleLogger) Fatalf(format string, args ...any) {
	l.zl.Fatal().Msgf(format, args...)
}
