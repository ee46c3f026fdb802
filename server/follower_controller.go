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
	"math"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/keelkv/keel/common"
	"github.com/keelkv/keel/hlc"
	"github.com/keelkv/keel/server/kv"
	"github.com/keelkv/keel/server/wal"
	"github.com/keelkv/keel/wire"
)

const MaxEpoch = math.MaxInt64

// FollowerController handles all the operations of a given shard's follower
type FollowerController interface {
	io.Closer

	// NewEpoch
	//
	// A node receives a fencing request, fences itself and responds
	// with its head entry.
	//
	// When a node is fenced it cannot:
	// - accept any writes from a client.
	// - accept append requests from a leader of an earlier epoch.
	// - send any entries to followers if it was a leader.
	NewEpoch(req *wire.NewEpochRequest) (*wire.NewEpochResponse, error)

	// Truncate
	//
	// A node that receives a truncate request knows that it
	// has been selected as a follower. It truncates its log
	// to the indicated entry id, updates its epoch and changes
	// to a Follower.
	Truncate(req *wire.TruncateRequest) (*wire.TruncateResponse, error)

	// Append receives the replication stream from the leader and acknowledges
	// every appended entry.
	Append(stream AppendServerStream) error

	// Get serves a local read. The value may lag the leader by the follower's
	// replication lag.
	Get(req *wire.GetRequest) (*wire.GetResponse, error)

	// WaitForTimestamp blocks until the follower has applied a write with a
	// hybrid timestamp at least `ts`. Gives read-your-writes to callers that
	// track the timestamp of their last write.
	WaitForTimestamp(ctx context.Context, ts hlc.Timestamp) error

	Epoch() int64
	Status() wire.ServingStatus
	ShardStatus() wire.ShardStatus
}

type followerController struct {
	sync.Mutex
	appliedCond common.ConditionContext

	shard        uint16
	epoch        int64
	commitOffset int64
	headEntry    wire.EntryID
	status       wire.ServingStatus
	wal          wal.Wal
	db           kv.DB
	clock        hlc.Clock
	closed       bool
	log          zerolog.Logger
}

func NewFollowerController(shard uint16, walFactory wal.Factory, kvFactory kv.Factory) (FollowerController, error) {
	fc := &followerController{
		shard:        shard,
		commitOffset: wire.InvalidOffset,
		headEntry:    wire.EntryID{Epoch: wire.InvalidEpoch, Offset: wire.InvalidOffset},
		status:       wire.NotMember,
	}
	fc.appliedCond = common.NewConditionContext(fc)
	fc.setLogger()

	w, err := walFactory.NewWal(shard)
	if err != nil {
		return nil, err
	}
	fc.wal = w

	if fc.db, err = kv.NewDB(shard, kvFactory); err != nil {
		return nil, err
	}

	if fc.epoch, err = fc.db.ReadEpoch(); err != nil {
		return nil, err
	}
	if fc.epoch != wire.InvalidEpoch {
		fc.status = wire.Fenced
	}

	if fc.commitOffset, err = fc.db.ReadCommitOffset(); err != nil {
		return nil, err
	}
	if entry, err := getLastEntryInLog(fc.wal); err != nil {
		return nil, err
	} else {
		fc.headEntry = entry
	}
	if fc.commitOffset > fc.headEntry.Offset {
		// The log is fresh while the storage already holds applied entries:
		// the durable state is the head
		fc.headEntry = wire.EntryID{Epoch: fc.epoch, Offset: fc.commitOffset}
	}

	// The follower clock only observes leader timestamps through Update, but
	// it still shares the crash-restart guard with the storage
	if fc.clock, err = hlc.NewClock(common.SystemClock(), fc.db, nil); err != nil {
		return nil, err
	}

	fc.setLogger()
	fc.log.Info().
		Interface("head-entry", fc.headEntry).
		Msg("Created follower controller")
	return fc, nil
}

func (fc *followerController) setLogger() {
	fc.log = log.With().
		Str("component", "follower-controller").
		Uint16("shard", fc.shard).
		Int64("epoch", fc.epoch).
		Logger()
}

func (fc *followerController) Close() error {
	fc.Lock()
	defer fc.Unlock()

	fc.closed = true
	fc.appliedCond.Broadcast()

	if err := fc.wal.Close(); err != nil {
		return err
	}
	if err := fc.db.Close(); err != nil {
		return err
	}

	fc.log.Info().Msg("Closed follower controller")
	return nil
}

func (fc *followerController) Status() wire.ServingStatus {
	fc.Lock()
	defer fc.Unlock()
	return fc.status
}

func (fc *followerController) Epoch() int64 {
	fc.Lock()
	defer fc.Unlock()
	return fc.epoch
}

func (fc *followerController) ShardStatus() wire.ShardStatus {
	fc.Lock()
	defer fc.Unlock()
	return wire.ShardStatus{
		Shard:            fc.shard,
		Epoch:            fc.epoch,
		Status:           fc.status,
		HeadOffset:       fc.headEntry.Offset,
		CommitOffset:     fc.commitOffset,
		AppliedTimestamp: fc.db.AppliedTimestamp(),
	}
}

func (fc *followerController) NewEpoch(req *wire.NewEpochRequest) (*wire.NewEpochResponse, error) {
	fc.Lock()
	defer fc.Unlock()

	if fc.closed {
		return nil, common.ErrAlreadyClosed
	}

	if err := checkEpochLaterIn(req.Epoch, fc.epoch); err != nil {
		return nil, err
	}

	if err := fc.db.UpdateEpoch(req.Epoch); err != nil {
		return nil, err
	}

	fc.epoch = req.Epoch
	fc.status = wire.Fenced
	fc.setLogger()

	fc.log.Info().
		Interface("head-entry", fc.headEntry).
		Msg("Fenced follower")

	return &wire.NewEpochResponse{
		Epoch:     fc.epoch,
		HeadEntry: fc.headEntry,
	}, nil
}

func (fc *followerController) Truncate(req *wire.TruncateRequest) (*wire.TruncateResponse, error) {
	fc.Lock()
	defer fc.Unlock()

	if err := checkStatus(wire.Fenced, fc.status); err != nil {
		return nil, err
	}
	if err := checkEpochEqualIn(req.Epoch, fc.epoch); err != nil {
		return nil, err
	}

	fc.status = wire.Follower
	headOffset, err := fc.wal.TruncateLog(req.HeadEntry.Offset)
	if err != nil {
		return nil, err
	}
	fc.headEntry = wire.EntryID{Epoch: req.HeadEntry.Epoch, Offset: headOffset}

	fc.log.Info().
		Interface("head-entry", fc.headEntry).
		Msg("Truncated log to match the new leader")

	return &wire.TruncateResponse{
		Epoch:     req.Epoch,
		HeadEntry: fc.headEntry,
	}, nil
}

func (fc *followerController) Append(stream AppendServerStream) error {
	for {
		req, err := stream.Recv()
		if err != nil {
			return err
		}
		if req == nil {
			return nil
		}
		res, err := fc.append(req)
		if err != nil {
			return err
		}
		if err = stream.Send(res); err != nil {
			return err
		}
	}
}

func (fc *followerController) append(req *wire.AppendRequest) (*wire.AppendResponse, error) {
	fc.Lock()
	defer fc.Unlock()

	if fc.closed {
		return nil, common.ErrAlreadyClosed
	}
	if fc.status != wire.Follower && fc.status != wire.Fenced {
		return nil, errors.Wrapf(common.ErrInvalidStatus, "append request while in status %v", fc.status)
	}

	if req.Epoch < fc.epoch {
		// A follower discards entries tagged with an earlier epoch and alerts
		// the stale leader by answering with its own current epoch
		return &wire.AppendResponse{
			Epoch:        fc.epoch,
			Offset:       wire.InvalidOffset,
			InvalidEpoch: true,
		}, nil
	}

	// The follower adds the entry to its log, adjusts the head entry
	// and applies everything up to the leader's commit offset
	fc.status = wire.Follower
	if req.Epoch != fc.epoch {
		fc.epoch = req.Epoch
		fc.setLogger()
		if err := fc.db.UpdateEpoch(req.Epoch); err != nil {
			return nil, err
		}
	}

	if err := fc.wal.Append(req.Entry); err != nil {
		return nil, err
	}
	fc.headEntry = req.Entry.EntryID()

	oldCommitOffset := fc.commitOffset
	newCommitOffset := min(req.CommitOffset, fc.headEntry.Offset)
	if err := fc.processCommittedEntries(oldCommitOffset, newCommitOffset); err != nil {
		return nil, err
	}
	fc.commitOffset = newCommitOffset

	return &wire.AppendResponse{
		Epoch:  fc.epoch,
		Offset: req.Entry.Offset,
	}, nil
}

// processCommittedEntries applies the log in (minExclusive, maxInclusive] to
// storage, strictly in log order, advancing the local hybrid clock past every
// applied timestamp.
func (fc *followerController) processCommittedEntries(minExclusive int64, maxInclusive int64) error {
	if maxInclusive <= minExclusive {
		return nil
	}

	reader, err := fc.wal.NewReader(minExclusive)
	if err != nil {
		fc.log.Err(err).Msg("Error opening reader used for applying committed entries")
		return err
	}
	defer func() {
		if err := reader.Close(); err != nil {
			fc.log.Err(err).Msg("Error closing reader used for applying committed entries")
		}
	}()

	for reader.HasNext() {
		entry, err := reader.ReadNext()
		if err != nil {
			fc.log.Err(err).Msg("Error reading committed entry")
			return err
		}
		if entry.Offset > maxInclusive {
			break
		}

		if _, err = fc.clock.Update(entry.Request.Timestamp); err != nil {
			return err
		}
		if _, err = fc.db.ProcessWrite(entry.Request, entry.Offset); err != nil {
			fc.log.Err(err).Msg("Error applying committed entry")
			return err
		}
	}

	fc.appliedCond.Broadcast()
	return nil
}

func (fc *followerController) Get(req *wire.GetRequest) (*wire.GetResponse, error) {
	return fc.db.Get(req.Key)
}

func (fc *followerController) WaitForTimestamp(ctx context.Context, ts hlc.Timestamp) error {
	fc.Lock()
	defer fc.Unlock()

	for !fc.closed && fc.db.AppliedTimestamp().Before(ts) {
		if err := fc.appliedCond.Wait(ctx); err != nil {
			return err
		}
	}
	if fc.closed {
		return common.ErrAlreadyClosed
	}
	return nil
}

func getLastEntryInLog(w wal.Wal) (wire.EntryID, error) {
	invalid := wire.EntryID{Epoch: wire.InvalidEpoch, Offset: wire.InvalidOffset}

	r, err := w.NewReverseReader()
	if err != nil {
		return invalid, err
	}
	defer r.Close()

	if !r.HasNext() {
		return invalid, nil
	}
	e, err := r.ReadNext()
	if err != nil {
		return invalid, err
	}
	return e.EntryID(), nil
}

func getHighestEntryOfEpoch(w wal.Wal, epoch int64) (wire.EntryID, error) {
	invalid := wire.EntryID{Epoch: wire.InvalidEpoch, Offset: wire.InvalidOffset}

	r, err := w.NewReverseReader()
	if err != nil {
		return invalid, err
	}
	defer r.Close()

	for r.HasNext() {
		e, err := r.ReadNext()
		if err != nil {
			return invalid, err
		}
		if e.Epoch <= epoch {
			return e.EntryID(), nil
		}
	}
	return invalid, nil
}

func checkEpochLaterIn(requested int64, current int64) error {
	if requested <= current {
		return errors.Wrapf(common.ErrStaleEpoch, "got old epoch %d, when at %d", requested, current)
	}
	return nil
}

func checkEpochEqualIn(requested int64, current int64) error {
	if requested != current {
		return errors.Wrapf(common.ErrStaleEpoch, "got clashing epoch %d, when at %d", requested, current)
	}
	return nil
}

func checkStatus(expected, actual wire.ServingStatus) error {
	if actual != expected {
		return errors.Wrapf(common.ErrInvalidStatus,
			"received message in the wrong state. In %v, should be %v", actual, expected)
	}
	return nil
}
