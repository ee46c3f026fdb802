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
	"io"
	"math/bits"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/keelkv/keel/common"
	"github.com/keelkv/keel/wire"
)

var (
	ErrTooManyCursors    = errors.New("keel: too many cursors")
	ErrInvalidHeadOffset = errors.New("keel: invalid head offset")
)

// QuorumAckTracker owns the two offsets that define a leader's log position:
// the head offset (last entry appended locally) and the commit offset (last
// entry acknowledged by enough followers to survive any minority failure).
// The leader's own copy counts toward the majority, so a group of RF replicas
// commits an entry after RF/2 follower acknowledgments.
//
// Writers block on the commit offset, follower cursors block on the head
// offset. Both waits are context bounded.
type QuorumAckTracker interface {
	io.Closer

	CommitOffset() int64

	// WaitForCommitOffset blocks until the entry at offset is committed, then
	// runs f (when non-nil) while still holding the tracker lock.
	WaitForCommitOffset(ctx context.Context, offset int64, f func() (*wire.WriteResponse, error)) (*wire.WriteResponse, error)

	// NextOffset hands out the offset for the next append. It can run ahead
	// of the head offset while appends are in flight.
	NextOffset() int64

	HeadOffset() int64

	AdvanceHeadOffset(headOffset int64)

	// WaitForHeadOffset blocks until the entry at offset is in the local log.
	WaitForHeadOffset(ctx context.Context, offset int64) error

	// NewCursorAcker registers one follower cursor, seeded with the offset
	// that follower had already acknowledged.
	NewCursorAcker(ackOffset int64) (CursorAcker, error)
}

// CursorAcker feeds one follower's acknowledgments into the tracker.
// Duplicate acknowledgments from the same follower count once.
type CursorAcker interface {
	Ack(offset int64)
}

type quorumAckTracker struct {
	sync.Mutex
	headAdvanced   common.ConditionContext
	commitAdvanced common.ConditionContext

	replicationFactor uint32
	requiredAcks      uint32

	nextOffset   atomic.Int64
	headOffset   atomic.Int64
	commitOffset atomic.Int64

	// One bit per registered cursor, per offset still short of its quorum.
	// An offset leaves the map the moment it commits.
	pendingAcks map[int64]uint64
	nextCursor  int
	closed      bool
}

type cursorAcker struct {
	tracker   *quorumAckTracker
	cursorBit uint64
}

func NewQuorumAckTracker(replicationFactor uint32, headOffset int64, commitOffset int64) QuorumAckTracker {
	q := &quorumAckTracker{
		replicationFactor: replicationFactor,
		// The leader holds one copy itself, so the followers only need to
		// contribute the other half of the majority
		requiredAcks: replicationFactor / 2,
		pendingAcks:  make(map[int64]uint64),
	}

	q.nextOffset.Store(headOffset)
	q.headOffset.Store(headOffset)
	q.commitOffset.Store(commitOffset)

	if q.requiredAcks > 0 {
		// Everything between the commit offset and the head still needs acks
		for offset := commitOffset + 1; offset <= headOffset; offset++ {
			q.pendingAcks[offset] = 0
		}
	}

	q.headAdvanced = common.NewConditionContext(q)
	q.commitAdvanced = common.NewConditionContext(q)
	return q
}

func (q *quorumAckTracker) NextOffset() int64 {
	return q.nextOffset.Add(1)
}

func (q *quorumAckTracker) HeadOffset() int64 {
	return q.headOffset.Load()
}

func (q *quorumAckTracker) CommitOffset() int64 {
	return q.commitOffset.Load()
}

func (q *quorumAckTracker) AdvanceHeadOffset(headOffset int64) {
	q.Lock()
	defer q.Unlock()

	if headOffset <= q.headOffset.Load() {
		return
	}

	q.headOffset.Store(headOffset)
	q.headAdvanced.Broadcast()

	if q.requiredAcks == 0 {
		// Single replica group: appending is committing
		q.commitOffset.Store(headOffset)
		q.commitAdvanced.Broadcast()
		return
	}
	q.pendingAcks[headOffset] = 0
}

func (q *quorumAckTracker) WaitForHeadOffset(ctx context.Context, offset int64) error {
	q.Lock()
	defer q.Unlock()

	for !q.closed && q.headOffset.Load() < offset {
		if err := q.headAdvanced.Wait(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (q *quorumAckTracker) WaitForCommitOffset(ctx context.Context, offset int64, f func() (*wire.WriteResponse, error)) (*wire.WriteResponse, error) {
	q.Lock()
	defer q.Unlock()

	for !q.closed && q.requiredAcks > 0 && q.commitOffset.Load() < offset {
		if err := q.commitAdvanced.Wait(ctx); err != nil {
			return nil, err
		}
	}

	if q.closed {
		return nil, common.ErrAlreadyClosed
	}

	if f != nil {
		return f()
	}
	return nil, nil
}

func (q *quorumAckTracker) NewCursorAcker(ackOffset int64) (CursorAcker, error) {
	q.Lock()
	defer q.Unlock()

	if uint32(q.nextCursor) >= q.replicationFactor-1 {
		return nil, ErrTooManyCursors
	}
	if ackOffset > q.headOffset.Load() {
		return nil, ErrInvalidHeadOffset
	}

	c := &cursorAcker{
		tracker:   q,
		cursorBit: 1 << q.nextCursor,
	}
	q.nextCursor++

	// A reattaching cursor contributes its earlier acknowledgments again
	for offset := q.commitOffset.Load() + 1; offset <= ackOffset; offset++ {
		c.ack(offset)
	}
	return c, nil
}

func (q *quorumAckTracker) Close() error {
	q.Lock()
	defer q.Unlock()

	q.closed = true
	q.headAdvanced.Broadcast()
	q.commitAdvanced.Broadcast()
	return nil
}

func (c *cursorAcker) Ack(offset int64) {
	c.tracker.Lock()
	defer c.tracker.Unlock()

	c.ack(offset)
}

func (c *cursorAcker) ack(offset int64) {
	q := c.tracker

	acks, pending := q.pendingAcks[offset]
	if !pending {
		// Already committed
		return
	}

	acks |= c.cursorBit
	if uint32(bits.OnesCount64(acks)) < q.requiredAcks {
		q.pendingAcks[offset] = acks
		return
	}

	delete(q.pendingAcks, offset)
	q.commitOffset.Store(offset)
	q.commitAdvanced.Broadcast()
}
