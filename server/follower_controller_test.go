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

package server

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/keelkv/keel/common"
	"github.com/keelkv/keel/server/kv"
	"github.com/keelkv/keel/server/wal"
	"github.com/keelkv/keel/wire"
)

func newTestFollower(t *testing.T) (FollowerController, kv.Factory, wal.Factory) {
	t.Helper()
	kvFactory := kv.NewPebbleFactory(&kv.FactoryOptions{InMemory: true})
	walFactory := wal.NewInMemoryWalFactory()
	t.Cleanup(func() {
		assert.NoError(t, kvFactory.Close())
		assert.NoError(t, walFactory.Close())
	})

	fc, err := NewFollowerController(1, walFactory, kvFactory)
	assert.NoError(t, err)
	return fc, kvFactory, walFactory
}

func TestFollowerNewEpoch(t *testing.T) {
	fc, _, _ := newTestFollower(t)

	assert.Equal(t, wire.NotMember, fc.Status())
	assert.Equal(t, wire.InvalidEpoch, fc.Epoch())

	res, err := fc.NewEpoch(&wire.NewEpochRequest{Shard: 1, Epoch: 1})
	assert.NoError(t, err)
	assert.EqualValues(t, 1, res.Epoch)
	assert.Equal(t, wire.InvalidOffset, res.HeadEntry.Offset)
	assert.Equal(t, wire.Fenced, fc.Status())
	assert.EqualValues(t, 1, fc.Epoch())

	// Same or earlier epoch is rejected
	_, err = fc.NewEpoch(&wire.NewEpochRequest{Shard: 1, Epoch: 1})
	assert.ErrorIs(t, err, common.ErrStaleEpoch)
	_, err = fc.NewEpoch(&wire.NewEpochRequest{Shard: 1, Epoch: 0})
	assert.ErrorIs(t, err, common.ErrStaleEpoch)
	assert.EqualValues(t, 1, fc.Epoch())

	assert.NoError(t, fc.Close())
}

func TestFollowerAppendAndCommit(t *testing.T) {
	fc, _, _ := newTestFollower(t)

	_, err := fc.NewEpoch(&wire.NewEpochRequest{Shard: 1, Epoch: 1})
	assert.NoError(t, err)

	stream := newMockServerAppendStream()
	appendDone := make(chan error)
	go func() {
		appendDone <- fc.Append(stream)
	}()

	stream.AddRequest(entryAt(1, 0, 1, "v0", 100))
	res := stream.GetResponse()
	assert.EqualValues(t, 1, res.Epoch)
	assert.EqualValues(t, 0, res.Offset)
	assert.False(t, res.InvalidEpoch)
	assert.Equal(t, wire.Follower, fc.Status())

	// Not yet committed: not readable
	_, err = fc.Get(&wire.GetRequest{Key: testID(1)})
	assert.ErrorIs(t, err, kv.ErrKeyNotFound)

	// The next append carries the advanced commit offset
	req := entryAt(1, 1, 2, "v1", 101)
	req.CommitOffset = 0
	stream.AddRequest(req)
	stream.GetResponse()

	get, err := fc.Get(&wire.GetRequest{Key: testID(1)})
	assert.NoError(t, err)
	assert.Equal(t, []byte("v0"), get.Value)

	stream.CloseSend()
	assert.NoError(t, <-appendDone)
	assert.NoError(t, fc.Close())
}

func TestFollowerRejectsStaleEpochAppend(t *testing.T) {
	fc, _, _ := newTestFollower(t)

	_, err := fc.NewEpoch(&wire.NewEpochRequest{Shard: 1, Epoch: 5})
	assert.NoError(t, err)

	stream := newMockServerAppendStream()
	appendDone := make(chan error)
	go func() {
		appendDone <- fc.Append(stream)
	}()

	// An append tagged with an earlier epoch is answered with the follower's
	// current epoch so the stale leader learns it lost its role
	stream.AddRequest(entryAt(3, 0, 1, "stale", 100))
	res := stream.GetResponse()
	assert.True(t, res.InvalidEpoch)
	assert.EqualValues(t, 5, res.Epoch)
	assert.Equal(t, wire.InvalidOffset, res.Offset)

	// The entry was not stored
	_, err = fc.Get(&wire.GetRequest{Key: testID(1)})
	assert.ErrorIs(t, err, kv.ErrKeyNotFound)

	stream.CloseSend()
	assert.NoError(t, <-appendDone)
	assert.NoError(t, fc.Close())
}

func TestFollowerTruncate(t *testing.T) {
	fc, _, _ := newTestFollower(t)

	_, err := fc.NewEpoch(&wire.NewEpochRequest{Shard: 1, Epoch: 1})
	assert.NoError(t, err)

	stream := newMockServerAppendStream()
	go func() {
		_ = fc.Append(stream)
	}()
	for offset := int64(0); offset < 5; offset++ {
		stream.AddRequest(entryAt(1, offset, uint64(offset+1), "v", uint64(100+offset)))
		stream.GetResponse()
	}
	stream.CloseSend()

	// The follower lost the election at epoch 2: its uncommitted tail gets
	// cut back to the new leader's head
	_, err = fc.NewEpoch(&wire.NewEpochRequest{Shard: 1, Epoch: 2})
	assert.NoError(t, err)

	res, err := fc.Truncate(&wire.TruncateRequest{
		Shard:     1,
		Epoch:     2,
		HeadEntry: wire.EntryID{Epoch: 1, Offset: 2},
	})
	assert.NoError(t, err)
	assert.EqualValues(t, 2, res.HeadEntry.Offset)
	assert.Equal(t, wire.Follower, fc.Status())

	assert.NoError(t, fc.Close())
}

func TestFollowerTruncateRequiresFenced(t *testing.T) {
	fc, _, _ := newTestFollower(t)

	_, err := fc.Truncate(&wire.TruncateRequest{
		Shard:     1,
		Epoch:     1,
		HeadEntry: wire.EntryID{Epoch: 1, Offset: 0},
	})
	assert.ErrorIs(t, err, common.ErrInvalidStatus)

	assert.NoError(t, fc.Close())
}

func TestFollowerEpochPersistsAcrossRestart(t *testing.T) {
	kvFactory := kv.NewPebbleFactory(&kv.FactoryOptions{InMemory: true})
	walFactory := wal.NewInMemoryWalFactory()
	defer kvFactory.Close()
	defer walFactory.Close()

	fc, err := NewFollowerController(1, walFactory, kvFactory)
	assert.NoError(t, err)
	_, err = fc.NewEpoch(&wire.NewEpochRequest{Shard: 1, Epoch: 4})
	assert.NoError(t, err)
	assert.NoError(t, fc.Close())

	fc, err = NewFollowerController(1, walFactory, kvFactory)
	assert.NoError(t, err)
	assert.EqualValues(t, 4, fc.Epoch())
	assert.Equal(t, wire.Fenced, fc.Status())
	assert.NoError(t, fc.Close())
}

func TestFollowerWaitForTimestamp(t *testing.T) {
	fc, _, _ := newTestFollower(t)

	_, err := fc.NewEpoch(&wire.NewEpochRequest{Shard: 1, Epoch: 1})
	assert.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, fc.WaitForTimestamp(ctx, testTS(100)), context.DeadlineExceeded)

	stream := newMockServerAppendStream()
	go func() {
		_ = fc.Append(stream)
	}()

	done := make(chan error)
	go func() {
		done <- fc.WaitForTimestamp(context.Background(), testTS(100))
	}()

	req := entryAt(1, 0, 1, "v0", 100)
	req.CommitOffset = 0
	stream.AddRequest(req)
	stream.GetResponse()

	assert.NoError(t, <-done)
	stream.CloseSend()
	assert.NoError(t, fc.Close())
}
