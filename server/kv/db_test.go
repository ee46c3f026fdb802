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
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/keelkv/keel/hlc"
	"github.com/keelkv/keel/ident"
	"github.com/keelkv/keel/wire"
)

func newTestDB(t *testing.T) DB {
	t.Helper()
	factory := NewPebbleFactory(&FactoryOptions{InMemory: true})
	t.Cleanup(func() {
		assert.NoError(t, factory.Close())
	})

	db, err := NewDB(1, factory)
	assert.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, db.Close())
	})
	return db
}

func mustCompose(t *testing.T, shard uint16, typeTag uint16, local uint64) ident.ID {
	t.Helper()
	id, err := ident.Compose(shard, typeTag, local)
	assert.NoError(t, err)
	return id
}

func TestDBEmptyState(t *testing.T) {
	db := newTestDB(t)

	epoch, err := db.ReadEpoch()
	assert.NoError(t, err)
	assert.Equal(t, wire.InvalidEpoch, epoch)

	commitOffset, err := db.ReadCommitOffset()
	assert.NoError(t, err)
	assert.Equal(t, wire.InvalidOffset, commitOffset)

	seq, err := db.LastSequence(7)
	assert.NoError(t, err)
	assert.EqualValues(t, 0, seq)

	assert.Equal(t, hlc.Timestamp{}, db.AppliedTimestamp())
}

func TestDBProcessWriteAndGet(t *testing.T) {
	db := newTestDB(t)

	key := mustCompose(t, 1, 7, 1)
	ts := hlc.Timestamp{Physical: 100, Logical: 3}
	res, err := db.ProcessWrite(&wire.WriteRequest{
		Key:       key,
		Value:     []byte("hello"),
		Timestamp: ts,
	}, 0)
	assert.NoError(t, err)
	assert.Equal(t, key, res.Key)
	assert.Equal(t, ts, res.Timestamp)

	get, err := db.Get(key)
	assert.NoError(t, err)
	assert.Equal(t, []byte("hello"), get.Value)
	assert.Equal(t, ts, get.Timestamp)

	commitOffset, err := db.ReadCommitOffset()
	assert.NoError(t, err)
	assert.EqualValues(t, 0, commitOffset)

	seq, err := db.LastSequence(7)
	assert.NoError(t, err)
	assert.EqualValues(t, 1, seq)

	assert.Equal(t, ts, db.AppliedTimestamp())

	_, err = db.Get(mustCompose(t, 1, 7, 99))
	assert.ErrorIs(t, err, ErrKeyNotFound)
}

func TestDBIdempotencyToken(t *testing.T) {
	db := newTestDB(t)

	key := mustCompose(t, 1, 7, 1)
	ts := hlc.Timestamp{Physical: 100}
	res1, err := db.ProcessWrite(&wire.WriteRequest{
		Key:              key,
		Value:            []byte("a"),
		Timestamp:        ts,
		IdempotencyToken: "token-1",
	}, 0)
	assert.NoError(t, err)

	// A replay with the same token answers with the original key and does
	// not create a second record
	otherKey := mustCompose(t, 1, 7, 2)
	res2, err := db.ProcessWrite(&wire.WriteRequest{
		Key:              otherKey,
		Value:            []byte("a"),
		Timestamp:        hlc.Timestamp{Physical: 200},
		IdempotencyToken: "token-1",
	}, 1)
	assert.NoError(t, err)
	assert.Equal(t, res1.Key, res2.Key)
	assert.Equal(t, res1.Timestamp, res2.Timestamp)

	_, err = db.Get(otherKey)
	assert.ErrorIs(t, err, ErrKeyNotFound)

	id, found, err := db.LookupToken("token-1")
	assert.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, key, id)

	_, found, err = db.LookupToken("missing")
	assert.NoError(t, err)
	assert.False(t, found)
}

func TestDBEpochPersistence(t *testing.T) {
	factory := NewPebbleFactory(&FactoryOptions{InMemory: true})
	defer factory.Close()

	db, err := NewDB(1, factory)
	assert.NoError(t, err)
	assert.NoError(t, db.UpdateEpoch(4))
	assert.NoError(t, db.Close())

	// In-memory storage survives reopen within the same factory
	db, err = NewDB(1, factory)
	assert.NoError(t, err)
	epoch, err := db.ReadEpoch()
	assert.NoError(t, err)
	assert.EqualValues(t, 4, epoch)
	assert.NoError(t, db.Close())
}

func TestDBClockState(t *testing.T) {
	db := newTestDB(t)

	ts, err := db.LastTimestamp()
	assert.NoError(t, err)
	assert.Equal(t, hlc.Timestamp{}, ts)

	stored := hlc.Timestamp{Physical: 42, Logical: 7}
	assert.NoError(t, db.StoreTimestamp(stored))

	ts, err = db.LastTimestamp()
	assert.NoError(t, err)
	assert.Equal(t, stored, ts)
}

func TestDBSnapshotRestore(t *testing.T) {
	source := newTestDB(t)

	for i := uint64(1); i <= 10; i++ {
		_, err := source.ProcessWrite(&wire.WriteRequest{
			Key:       mustCompose(t, 1, 7, i),
			Value:     []byte{byte(i)},
			Timestamp: hlc.Timestamp{Physical: 100 + i},
		}, int64(i))
		assert.NoError(t, err)
	}

	target := newTestDB(t)
	err := source.SnapshotScan(func(key string, value []byte) error {
		return target.RestoreEntry(key, value)
	})
	assert.NoError(t, err)

	// Records, bookkeeping and checksums all match
	srcHash, srcCount, err := source.Checksum()
	assert.NoError(t, err)
	dstHash, dstCount, err := target.Checksum()
	assert.NoError(t, err)
	assert.Equal(t, srcHash, dstHash)
	assert.EqualValues(t, 10, srcCount)
	assert.Equal(t, srcCount, dstCount)

	srcOffset, err := source.ReadCommitOffset()
	assert.NoError(t, err)
	dstOffset, err := target.ReadCommitOffset()
	assert.NoError(t, err)
	assert.Equal(t, srcOffset, dstOffset)

	get, err := target.Get(mustCompose(t, 1, 7, 3))
	assert.NoError(t, err)
	assert.Equal(t, []byte{3}, get.Value)
}

func TestDBChecksumDetectsDivergence(t *testing.T) {
	a := newTestDB(t)
	b := newTestDB(t)

	for _, db := range []DB{a, b} {
		_, err := db.ProcessWrite(&wire.WriteRequest{
			Key:       mustCompose(t, 1, 7, 1),
			Value:     []byte("same"),
			Timestamp: hlc.Timestamp{Physical: 100},
		}, 0)
		assert.NoError(t, err)
	}

	_, err := b.ProcessWrite(&wire.WriteRequest{
		Key:       mustCompose(t, 1, 7, 2),
		Value:     []byte("extra"),
		Timestamp: hlc.Timestamp{Physical: 101},
	}, 1)
	assert.NoError(t, err)

	aHash, _, err := a.Checksum()
	assert.NoError(t, err)
	bHash, _, err := b.Checksum()
	assert.NoError(t, err)
	assert.NotEqual(t, aHash, bHash)
}
