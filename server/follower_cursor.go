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
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/keelkv/keel/common"
	"github.com/keelkv/keel/server/wal"
	"github.com/keelkv/keel/wire"
)

// FollowerCursor tracks the state of one follower from the leader side. It is
// a cursor on the leader log that streams entries to the follower and feeds
// its acknowledgments into the quorum tracker.
type FollowerCursor interface {
	io.Closer

	// LastPushed is the offset of the last entry sent to this follower.
	LastPushed() int64

	// AckOffset is the highest offset already acknowledged by this follower.
	AckOffset() int64
}

type followerCursor struct {
	sync.Mutex

	epoch       int64
	follower    string
	rpcProvider ReplicationRpcProvider
	stream      AppendStream

	ackTracker  QuorumAckTracker
	cursorAcker CursorAcker
	wal         wal.Wal
	lastPushed  int64
	ackOffset   int64
	shard       uint16

	backoff backoff.BackOff
	closed  bool
	ctx     context.Context
	cancel  context.CancelFunc
	log     zerolog.Logger
}

func NewFollowerCursor(
	follower string,
	epoch int64,
	shard uint16,
	rpcProvider ReplicationRpcProvider,
	ackTracker QuorumAckTracker,
	w wal.Wal,
	ackOffset int64) (FollowerCursor, error) {
	fc := &followerCursor{
		epoch:       epoch,
		follower:    follower,
		ackTracker:  ackTracker,
		rpcProvider: rpcProvider,
		wal:         w,
		lastPushed:  ackOffset,
		ackOffset:   ackOffset,
		shard:       shard,

		log: log.With().
			Str("component", "follower-cursor").
			Uint16("shard", shard).
			Int64("epoch", epoch).
			Str("follower", follower).
			Logger(),
	}

	fc.ctx, fc.cancel = context.WithCancel(context.Background())
	fc.backoff = common.NewBackOff(fc.ctx)

	var err error
	if fc.cursorAcker, err = ackTracker.NewCursorAcker(ackOffset); err != nil {
		return nil, err
	}

	go common.DoWithLabels(map[string]string{
		"keel":     "follower-cursor-send",
		"shard":    fmt.Sprintf("%d", fc.shard),
		"follower": follower,
	}, func() {
		fc.run()
	})

	return fc, nil
}

func (fc *followerCursor) Close() error {
	fc.Lock()
	defer fc.Unlock()

	fc.closed = true
	fc.cancel()

	if fc.stream != nil {
		return fc.stream.CloseSend()
	}

	return nil
}

func (fc *followerCursor) LastPushed() int64 {
	fc.Lock()
	defer fc.Unlock()
	return fc.lastPushed
}

func (fc *followerCursor) AckOffset() int64 {
	fc.Lock()
	defer fc.Unlock()
	return fc.ackOffset
}

func (fc *followerCursor) run() {
	_ = backoff.RetryNotify(func() error {
		if fc.isClosed() {
			return nil
		}
		return fc.runOnce()
	}, fc.backoff, func(err error, duration time.Duration) {
		fc.log.Error().Err(err).
			Dur("retry-after", duration).
			Msg("Error while pushing entries to follower")
	})
}

func (fc *followerCursor) isClosed() bool {
	fc.Lock()
	defer fc.Unlock()
	return fc.closed
}

func (fc *followerCursor) runOnce() error {
	ctx, cancel := context.WithCancel(fc.ctx)
	defer cancel()

	fc.Lock()
	var err error
	if fc.stream, err = fc.rpcProvider.GetAppendStream(ctx, fc.follower, fc.shard); err != nil {
		fc.Unlock()
		return err
	}

	currentOffset := fc.ackOffset
	stream := fc.stream
	fc.Unlock()

	reader, err := fc.wal.NewReader(currentOffset)
	if err != nil {
		return err
	}
	defer reader.Close()

	go common.DoWithLabels(map[string]string{
		"keel":     "follower-cursor-receive",
		"shard":    fmt.Sprintf("%d", fc.shard),
		"follower": fc.follower,
	}, func() {
		fc.receiveAcks(cancel, stream)
	})

	fc.log.Info().
		Int64("ack-offset", currentOffset).
		Msg("Attached cursor to follower")

	for {
		if fc.isClosed() {
			return nil
		}

		if !reader.HasNext() {
			// We have reached the head of the wal.
			// Wait for more entries to be written
			if err := fc.ackTracker.WaitForHeadOffset(ctx, currentOffset+1); err != nil {
				return err
			}
			continue
		}

		le, err := reader.ReadNext()
		if err != nil {
			return err
		}

		if err = stream.Send(&wire.AppendRequest{
			Shard:        fc.shard,
			Epoch:        fc.epoch,
			Entry:        le,
			CommitOffset: fc.ackTracker.CommitOffset(),
		}); err != nil {
			return err
		}

		fc.Lock()
		fc.lastPushed = le.Offset
		currentOffset = fc.lastPushed
		fc.Unlock()
	}
}

func (fc *followerCursor) receiveAcks(cancel context.CancelFunc, stream AppendStream) {
	// Cancelling the stream context makes the sender reconnect and resume
	// from the last acknowledged offset
	defer cancel()

	for {
		res, err := stream.Recv()
		if err != nil {
			fc.log.Warn().Err(err).
				Msg("Error while receiving acks")
			return
		}

		if res == nil {
			// Stream was closed by the follower
			return
		}

		if res.InvalidEpoch {
			// The follower has seen a newer epoch. This cursor belongs to a
			// superseded leader and must stop pushing entries.
			fc.log.Error().
				Int64("follower-epoch", res.Epoch).
				Msg("Follower rejected entries for an old epoch")
			if err := fc.Close(); err != nil {
				fc.log.Warn().Err(err).
					Msg("Error while closing cursor")
			}
			return
		}

		fc.cursorAcker.Ack(res.Offset)

		fc.Lock()
		fc.ackOffset = res.Offset
		fc.Unlock()

		// Successful acks reset the reconnection backoff
		fc.backoff.Reset()
	}
}
