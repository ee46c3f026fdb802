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

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.uber.org/multierr"

	"github.com/keelkv/keel/common"
	"github.com/keelkv/keel/common/metrics"
	"github.com/keelkv/keel/hlc"
	"github.com/keelkv/keel/ident"
	"github.com/keelkv/keel/server/kv"
	"github.com/keelkv/keel/server/wal"
	"github.com/keelkv/keel/wire"
)

type LeaderController interface {
	io.Closer

	// Put stores a value under a freshly composed identifier and returns it
	// together with the hybrid timestamp assigned to the write. The response
	// is only returned once a majority of the replica group has acknowledged
	// the entry.
	Put(ctx context.Context, req *wire.PutRequest) (*wire.WriteResponse, error)

	Get(req *wire.GetRequest) (*wire.GetResponse, error)

	// NewEpoch fences this node at a later epoch. Any existing follower
	// cursors are destroyed.
	NewEpoch(req *wire.NewEpochRequest) (*wire.NewEpochResponse, error)

	// BecomeLeader is sent by the coordinator once this node has been elected
	// for the current epoch.
	BecomeLeader(ctx context.Context, req *wire.BecomeLeaderRequest) (*wire.BecomeLeaderResponse, error)

	// AddFollower attaches one more follower cursor after the election, as
	// the lagging minority answers the fencing request.
	AddFollower(req *wire.AddFollowerRequest) (*wire.AddFollowerResponse, error)

	// PauseWrites holds back new writes. Used by the migration engine during
	// the cutover window.
	PauseWrites()
	ResumeWrites()

	// DeleteShard wipes both the log and the storage of this shard. Sent by
	// the migration engine after a completed handoff.
	DeleteShard(epoch int64) error

	Epoch() int64
	Status() wire.ServingStatus
	ShardStatus() wire.ShardStatus
	CommitOffset() int64

	// SnapshotScan streams the shard's stored keys. Used by the migration
	// engine while writes keep flowing.
	SnapshotScan(fn func(key string, value []byte) error) error

	// ReadLog returns up to maxEntries committed log entries after
	// sinceOffset.
	ReadLog(sinceOffset int64, maxEntries int) ([]*wire.LogEntry, error)

	Checksum() (hash uint64, count int64, err error)
}

type leaderController struct {
	sync.RWMutex
	writesResumed common.ConditionContext
	appliedCond   common.ConditionContext

	shard             uint16
	status            wire.ServingStatus
	epoch             int64
	replicationFactor uint32
	quorumAckTracker  QuorumAckTracker
	followers         map[string]FollowerCursor
	writesPaused      bool

	// Last entry in the log at the moment this node became leader. The
	// truncation decision for every follower is made against it.
	electionHeadEntry wire.EntryID

	// Next local identifier per type tag, lazily seeded from storage
	sequences map[uint16]uint64

	// Idempotency tokens of entries appended in this term but not yet applied
	// to storage. A retry arriving in that window must answer with the
	// original entry instead of appending a second one.
	pendingTokens map[string]pendingWrite

	// Highest log offset already applied to storage in this term. An
	// acknowledged write is always applied before its caller gets the
	// response, so leader reads see every acknowledged write.
	appliedOffset int64

	ctx         context.Context
	cancel      context.CancelFunc
	config      Config
	wal         wal.Wal
	db          kv.DB
	clock       hlc.Clock
	rpcProvider ReplicationRpcProvider
	log         zerolog.Logger

	writeLatencyHisto       metrics.LatencyHistogram
	headOffsetGauge         metrics.Gauge
	commitOffsetGauge       metrics.Gauge
	followerAckOffsetGauges map[string]metrics.Gauge
}

type pendingWrite struct {
	key    ident.ID
	ts     hlc.Timestamp
	offset int64
}

func NewLeaderController(config Config, shard uint16, rpcProvider ReplicationRpcProvider, walFactory wal.Factory, kvFactory kv.Factory) (LeaderController, error) {
	labels := metrics.LabelsForShard(shard)
	lc := &leaderController{
		status:        wire.NotMember,
		shard:         shard,
		config:        config,
		rpcProvider:   rpcProvider,
		followers:     make(map[string]FollowerCursor),
		sequences:     make(map[uint16]uint64),
		pendingTokens: make(map[string]pendingWrite),

		writeLatencyHisto: metrics.NewLatencyHistogram("keel_server_leader_write_latency",
			"Latency for write operations in the leader", labels),
		followerAckOffsetGauges: map[string]metrics.Gauge{},
	}
	lc.writesResumed = common.NewConditionContext(lc)
	lc.appliedCond = common.NewConditionContext(lc)
	lc.appliedOffset = wire.InvalidOffset

	lc.headOffsetGauge = metrics.NewGauge("keel_server_leader_head_offset",
		"The current head offset", metrics.Count, labels, func() int64 {
			if qat := lc.quorumAckTracker; qat != nil {
				return qat.HeadOffset()
			}
			return wire.InvalidOffset
		})
	lc.commitOffsetGauge = metrics.NewGauge("keel_server_leader_commit_offset",
		"The current commit offset", metrics.Count, labels, func() int64 {
			if qat := lc.quorumAckTracker; qat != nil {
				return qat.CommitOffset()
			}
			return wire.InvalidOffset
		})

	lc.ctx, lc.cancel = context.WithCancel(context.Background())

	var err error
	if lc.wal, err = walFactory.NewWal(shard); err != nil {
		return nil, err
	}
	if lc.db, err = kv.NewDB(shard, kvFactory); err != nil {
		return nil, err
	}
	if lc.epoch, err = lc.db.ReadEpoch(); err != nil {
		return nil, err
	}
	if lc.epoch != wire.InvalidEpoch {
		lc.status = wire.Fenced
	}
	if lc.clock, err = hlc.NewClock(common.SystemClock(), lc.db,
		&hlc.Options{BoundAheadMillis: config.ClockBoundAheadMillis}); err != nil {
		return nil, err
	}

	lc.setLogger()
	lc.log.Info().Msg("Created leader controller")
	return lc, nil
}

func (lc *leaderController) setLogger() {
	lc.log = log.With().
		Str("component", "leader-controller").
		Uint16("shard", lc.shard).
		Int64("epoch", lc.epoch).
		Logger()
}

func (lc *leaderController) Status() wire.ServingStatus {
	lc.RLock()
	defer lc.RUnlock()
	return lc.status
}

func (lc *leaderController) Epoch() int64 {
	lc.RLock()
	defer lc.RUnlock()
	return lc.epoch
}

// NewEpoch
//
// A node receives a fencing request, fences itself and responds with its head
// entry.
//
// When a node is fenced it cannot:
//   - accept any writes from a client.
//   - accept append requests from a leader of an earlier epoch.
//   - send any entries to followers if it was a leader.
//
// Any existing follower cursors are destroyed.
func (lc *leaderController) NewEpoch(req *wire.NewEpochRequest) (*wire.NewEpochResponse, error) {
	lc.Lock()
	defer lc.Unlock()

	if lc.isClosed() {
		return nil, common.ErrAlreadyClosed
	}

	if req.Epoch < lc.epoch {
		return nil, errors.Wrapf(common.ErrStaleEpoch, "got old epoch %d, when at %d", req.Epoch, lc.epoch)
	} else if req.Epoch == lc.epoch && lc.status != wire.Fenced {
		// A duplicate fencing request for the same epoch is fine, as long as
		// we have not moved out of the fenced state for that epoch
		lc.log.Warn().
			Int64("new-epoch", req.Epoch).
			Stringer("status", lc.status).
			Msg("Ignoring duplicate fencing request in invalid state")
		return nil, common.ErrInvalidStatus
	}

	if err := lc.db.UpdateEpoch(req.Epoch); err != nil {
		return nil, err
	}

	lc.epoch = req.Epoch
	lc.setLogger()
	lc.status = wire.Fenced
	lc.replicationFactor = 0
	lc.writesPaused = false
	lc.writesResumed.Broadcast()

	// Entries of the old term that survive the election get re-applied by the
	// next leader, landing their tokens in the storage dedup table
	lc.pendingTokens = make(map[string]pendingWrite)
	lc.appliedCond.Broadcast()

	if lc.quorumAckTracker != nil {
		if err := lc.quorumAckTracker.Close(); err != nil {
			return nil, err
		}
		lc.quorumAckTracker = nil
	}

	for _, follower := range lc.followers {
		if err := follower.Close(); err != nil {
			return nil, err
		}
	}
	for _, g := range lc.followerAckOffsetGauges {
		g.Unregister()
	}
	lc.followers = nil
	lc.followerAckOffsetGauges = map[string]metrics.Gauge{}

	headEntry, err := lc.headEntry()
	if err != nil {
		return nil, err
	}

	lc.log.Info().
		Interface("head-entry", headEntry).
		Msg("Fenced node at new epoch")

	return &wire.NewEpochResponse{
		Epoch:     lc.epoch,
		HeadEntry: headEntry,
	}, nil
}

// headEntry is the durable position of this replica. A replica seeded by a
// migration snapshot has applied entries without holding them in its log, so
// the storage commit offset can run ahead of the log.
func (lc *leaderController) headEntry() (wire.EntryID, error) {
	headEntry, err := getLastEntryInLog(lc.wal)
	if err != nil {
		return headEntry, err
	}

	commitOffset, err := lc.db.ReadCommitOffset()
	if err != nil {
		return headEntry, err
	}
	if commitOffset > headEntry.Offset {
		headEntry = wire.EntryID{Epoch: lc.epoch, Offset: commitOffset}
	}
	return headEntry, nil
}

// BecomeLeader
//
// The node inspects the head entry of each follower and compares it to its
// own, then either:
//   - Attaches a follower cursor when the head entries carry the same epoch
//     and the follower offset is lower or equal.
//   - Sends a truncate request when the follower's head entry epoch does not
//     match or its offset is higher. The leader finds the highest entry in
//     its own log prefix of the follower's epoch and tells the follower to
//     truncate to it.
//
// The election only requires a majority, so FollowerHeads will usually hold a
// majority rather than the full group. The remaining minority gets attached
// later through AddFollower, and those stragglers may need truncating.
func (lc *leaderController) BecomeLeader(ctx context.Context, req *wire.BecomeLeaderRequest) (*wire.BecomeLeaderResponse, error) {
	lc.Lock()
	defer lc.Unlock()

	if lc.isClosed() {
		return nil, common.ErrAlreadyClosed
	}
	if err := checkStatus(wire.Fenced, lc.status); err != nil {
		return nil, err
	}
	if err := checkEpochEqualIn(req.Epoch, lc.epoch); err != nil {
		return nil, err
	}

	lc.status = wire.Leader
	lc.replicationFactor = req.ReplicationFactor
	lc.followers = make(map[string]FollowerCursor)

	var err error
	if lc.electionHeadEntry, err = lc.headEntry(); err != nil {
		return nil, err
	}

	commitOffset, err := lc.db.ReadCommitOffset()
	if err != nil {
		return nil, err
	}

	lc.quorumAckTracker = NewQuorumAckTracker(req.ReplicationFactor, lc.electionHeadEntry.Offset, commitOffset)

	for follower, head := range req.FollowerHeads {
		if err := lc.addFollower(follower, head); err != nil {
			return nil, err
		}
	}

	// Wait until every entry already in the log is committed by the new
	// quorum, so that the storage is complete before serving
	if _, err = lc.quorumAckTracker.WaitForCommitOffset(ctx, lc.electionHeadEntry.Offset, nil); err != nil {
		return nil, err
	}
	if err = lc.applyAllEntriesIntoDB(); err != nil {
		return nil, err
	}

	// Committed entries land in storage in log order for the rest of the
	// term, whether or not the caller that issued them is still waiting
	lc.appliedOffset = lc.electionHeadEntry.Offset
	qat := lc.quorumAckTracker
	lastApplied := lc.electionHeadEntry.Offset
	go common.DoWithLabels(map[string]string{
		"keel":  "leader-apply",
		"shard": fmt.Sprintf("%d", lc.shard),
	}, func() {
		lc.applyCommittedEntries(qat, lastApplied)
	})

	lc.log.Info().
		Int64("head-offset", lc.electionHeadEntry.Offset).
		Msg("Started leading the shard")
	return &wire.BecomeLeaderResponse{Epoch: lc.epoch}, nil
}

// applyCommittedEntries runs for the length of one leadership term, applying
// every committed log entry to the storage in log order. The quorum tracker of
// the term closing ends the loop.
func (lc *leaderController) applyCommittedEntries(qat QuorumAckTracker, lastApplied int64) {
	for {
		// For a replica group of one the commit wait never blocks, so pace on
		// the head offset first
		if err := qat.WaitForHeadOffset(lc.ctx, lastApplied+1); err != nil {
			return
		}
		if _, err := qat.WaitForCommitOffset(lc.ctx, lastApplied+1, nil); err != nil {
			return
		}

		commitOffset := qat.CommitOffset()
		if commitOffset <= lastApplied {
			continue
		}
		if err := lc.applyUpTo(lastApplied, commitOffset); err != nil {
			lc.log.Error().Err(err).
				Int64("commit-offset", commitOffset).
				Msg("Failed to apply committed entries to storage")
			return
		}
		lastApplied = commitOffset
	}
}

func (lc *leaderController) applyUpTo(lastApplied int64, commitOffset int64) error {
	lc.Lock()
	defer lc.Unlock()

	if lc.db == nil || lc.wal == nil {
		return nil
	}

	r, err := lc.wal.NewReader(lastApplied)
	if err != nil {
		return err
	}
	defer r.Close()

	for r.HasNext() {
		entry, err := r.ReadNext()
		if err != nil {
			return err
		}
		if entry.Offset > commitOffset {
			break
		}
		if _, err = lc.db.ProcessWrite(entry.Request, entry.Offset); err != nil {
			return err
		}
		if entry.Request.IdempotencyToken != "" {
			delete(lc.pendingTokens, entry.Request.IdempotencyToken)
		}
	}

	if commitOffset > lc.appliedOffset {
		lc.appliedOffset = commitOffset
		lc.appliedCond.Broadcast()
	}
	return nil
}

// waitApplied blocks until the entry at offset has been applied to storage,
// so the caller's own read after the acknowledgment cannot miss it.
func (lc *leaderController) waitApplied(ctx context.Context, offset int64) error {
	lc.Lock()
	defer lc.Unlock()

	for lc.appliedOffset < offset {
		if err := lc.checkLeadership(); err != nil {
			return err
		}
		if err := lc.appliedCond.Wait(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (lc *leaderController) AddFollower(req *wire.AddFollowerRequest) (*wire.AddFollowerResponse, error) {
	lc.Lock()
	defer lc.Unlock()

	if err := checkEpochEqualIn(req.Epoch, lc.epoch); err != nil {
		return nil, err
	}
	if lc.status != wire.Leader {
		return nil, errors.Wrap(common.ErrInvalidStatus, "node is not leader")
	}
	if _, alreadyPresent := lc.followers[req.FollowerName]; alreadyPresent {
		return nil, errors.Errorf("keel: follower %s is already present", req.FollowerName)
	}
	if len(lc.followers) == int(lc.replicationFactor)-1 {
		return nil, errors.New("keel: all followers are already attached")
	}

	if err := lc.addFollower(req.FollowerName, req.FollowerHead); err != nil {
		return nil, err
	}

	return &wire.AddFollowerResponse{}, nil
}

func (lc *leaderController) addFollower(follower string, followerHead wire.EntryID) error {
	followerHead, err := lc.truncateFollowerIfNeeded(follower, followerHead)
	if err != nil {
		lc.log.Error().Err(err).
			Str("follower", follower).
			Interface("follower-head-entry", followerHead).
			Msg("Failed to truncate follower")
		return err
	}

	cursor, err := NewFollowerCursor(follower, lc.epoch, lc.shard, lc.rpcProvider,
		lc.quorumAckTracker, lc.wal, followerHead.Offset)
	if err != nil {
		lc.log.Error().Err(err).
			Str("follower", follower).
			Msg("Failed to create follower cursor")
		return err
	}

	lc.log.Info().
		Interface("election-head-entry", lc.electionHeadEntry).
		Str("follower", follower).
		Interface("follower-head-entry", followerHead).
		Int64("head-offset", lc.wal.LastOffset()).
		Msg("Added follower")
	lc.followers[follower] = cursor
	lc.followerAckOffsetGauges[follower] = metrics.NewGauge("keel_server_follower_ack_offset", "",
		metrics.Count,
		map[string]any{
			"shard":    lc.shard,
			"follower": follower,
		}, func() int64 {
			return cursor.AckOffset()
		})
	return nil
}

func (lc *leaderController) truncateFollowerIfNeeded(follower string, followerHead wire.EntryID) (wire.EntryID, error) {
	lc.log.Debug().
		Str("follower", follower).
		Interface("leader-head-entry", lc.electionHeadEntry).
		Interface("follower-head-entry", followerHead).
		Msg("Needs truncation?")

	if followerHead.Epoch == lc.electionHeadEntry.Epoch &&
		followerHead.Offset <= lc.electionHeadEntry.Offset {
		// No need for truncation
		return followerHead, nil
	}

	// The coordinator never selects a leader whose log is behind a follower
	// of the same epoch. Checking for sanity here.
	if followerHead.Epoch > lc.electionHeadEntry.Epoch {
		return wire.EntryID{}, common.ErrInvalidStatus
	}

	lastEntryInFollowerEpoch, err := getHighestEntryOfEpoch(lc.wal, followerHead.Epoch)
	if err != nil {
		return wire.EntryID{}, err
	}

	if followerHead.Epoch == lastEntryInFollowerEpoch.Epoch &&
		followerHead.Offset <= lastEntryInFollowerEpoch.Offset {
		// The follower is on a previous epoch, but its head entry is in our
		// log prefix, so nothing diverged
		return followerHead, nil
	}

	tr, err := lc.rpcProvider.Truncate(follower, &wire.TruncateRequest{
		Shard:     lc.shard,
		Epoch:     lc.epoch,
		HeadEntry: lastEntryInFollowerEpoch,
	})
	if err != nil {
		return wire.EntryID{}, err
	}

	lc.log.Info().
		Str("follower", follower).
		Interface("follower-head-entry", tr.HeadEntry).
		Msg("Truncated follower")
	return tr.HeadEntry, nil
}

// applyAllEntriesIntoDB brings the storage up to date with the log after the
// election, advancing the clock past every applied timestamp.
func (lc *leaderController) applyAllEntriesIntoDB() error {
	dbCommitOffset, err := lc.db.ReadCommitOffset()
	if err != nil {
		return err
	}

	lc.log.Info().
		Int64("commit-offset", dbCommitOffset).
		Int64("head-offset", lc.quorumAckTracker.HeadOffset()).
		Msg("Applying all pending entries to database")

	r, err := lc.wal.NewReader(dbCommitOffset)
	if err != nil {
		return err
	}
	defer r.Close()

	for r.HasNext() {
		entry, err := r.ReadNext()
		if err != nil {
			return err
		}
		if _, err = lc.clock.Update(entry.Request.Timestamp); err != nil {
			return err
		}
		if _, err = lc.db.ProcessWrite(entry.Request, entry.Offset); err != nil {
			return err
		}
	}

	return nil
}

func (lc *leaderController) Put(ctx context.Context, req *wire.PutRequest) (*wire.WriteResponse, error) {
	timer := lc.writeLatencyHisto.Timer()
	defer timer.Done()

	timeout := lc.config.replicationTimeout()
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	pending, qat, applied, err := lc.appendToLog(ctx, req)
	if err != nil {
		return nil, err
	}
	if applied {
		// Deduplicated retry: answer from storage
		return lc.answerFromToken(req.IdempotencyToken)
	}

	if _, err = qat.WaitForCommitOffset(ctx, pending.offset, nil); err == nil {
		err = lc.waitApplied(ctx, pending.offset)
	}
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			// The entry may still commit later. The client can safely retry
			// with the same idempotency token.
			return nil, errors.Wrapf(common.ErrReplicationTimeout,
				"no majority acknowledgment within %v", timeout)
		}
		return nil, err
	}
	return &wire.WriteResponse{Key: pending.key, Timestamp: pending.ts}, nil
}

func (lc *leaderController) checkLeadership() error {
	if lc.status != wire.Leader {
		return errors.Wrapf(common.ErrNotLeader,
			"node is in %s status for shard %d", lc.status, lc.shard)
	}
	return nil
}

// appendToLog composes the identifier, stamps the write with the hybrid clock
// and appends it to the log. A retried idempotency token never appends a
// second entry: a token already in storage answers from there (applied true),
// a token still in flight answers with the original pending entry.
func (lc *leaderController) appendToLog(ctx context.Context, req *wire.PutRequest) (pendingWrite, QuorumAckTracker, bool, error) {
	lc.Lock()
	defer lc.Unlock()

	var none pendingWrite
	if err := lc.checkLeadership(); err != nil {
		return none, nil, false, err
	}

	for lc.writesPaused {
		if err := lc.writesResumed.Wait(ctx); err != nil {
			return none, nil, false, err
		}
		if err := lc.checkLeadership(); err != nil {
			return none, nil, false, err
		}
	}

	if req.IdempotencyToken != "" {
		if pending, inFlight := lc.pendingTokens[req.IdempotencyToken]; inFlight {
			return pending, lc.quorumAckTracker, false, nil
		}
		if _, found, err := lc.db.LookupToken(req.IdempotencyToken); err != nil {
			return none, nil, false, err
		} else if found {
			return none, nil, true, nil
		}
	}

	key, err := lc.nextKey(req.TypeTag)
	if err != nil {
		return none, nil, false, err
	}

	ts, err := lc.nextTimestamp(ctx)
	if err != nil {
		return none, nil, false, err
	}

	newOffset := lc.quorumAckTracker.NextOffset()
	if err = lc.wal.Append(&wire.LogEntry{
		Epoch:  lc.epoch,
		Offset: newOffset,
		Request: &wire.WriteRequest{
			Key:              key,
			Value:            req.Value,
			Timestamp:        ts,
			IdempotencyToken: req.IdempotencyToken,
		},
	}); err != nil {
		return none, nil, false, errors.Wrap(err, "keel: failed to append to log")
	}

	pending := pendingWrite{key: key, ts: ts, offset: newOffset}
	if req.IdempotencyToken != "" {
		lc.pendingTokens[req.IdempotencyToken] = pending
	}

	lc.quorumAckTracker.AdvanceHeadOffset(newOffset)
	return pending, lc.quorumAckTracker, false, nil
}

// nextKey composes the identifier for a new record: this shard, the caller's
// type tag and the next local sequence value.
func (lc *leaderController) nextKey(typeTag uint16) (ident.ID, error) {
	next, seeded := lc.sequences[typeTag]
	if !seeded {
		last, err := lc.db.LastSequence(typeTag)
		if err != nil {
			return 0, err
		}
		next = last + 1
	}

	key, err := ident.Compose(lc.shard, typeTag, next)
	if err != nil {
		return 0, err
	}
	lc.sequences[typeTag] = next + 1
	return key, nil
}

// nextTimestamp reads the hybrid clock, retrying after 1ms when the logical
// counter within the current millisecond is exhausted.
func (lc *leaderController) nextTimestamp(ctx context.Context) (hlc.Timestamp, error) {
	for {
		ts, err := lc.clock.Now()
		if err == nil {
			return ts, nil
		}
		if !errors.Is(err, common.ErrClockOverflow) {
			return hlc.Timestamp{}, err
		}

		select {
		case <-time.After(time.Millisecond):
		case <-ctx.Done():
			return hlc.Timestamp{}, ctx.Err()
		}
	}
}

func (lc *leaderController) answerFromToken(token string) (*wire.WriteResponse, error) {
	key, found, err := lc.db.LookupToken(token)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, errors.Errorf("keel: token %s vanished from the dedup table", token)
	}
	res, err := lc.db.Get(key)
	if err != nil {
		return nil, err
	}
	return &wire.WriteResponse{Key: key, Timestamp: res.Timestamp}, nil
}

func (lc *leaderController) Get(req *wire.GetRequest) (*wire.GetResponse, error) {
	lc.RLock()
	err := lc.checkLeadership()
	lc.RUnlock()
	if err != nil {
		return nil, err
	}

	return lc.db.Get(req.Key)
}

func (lc *leaderController) PauseWrites() {
	lc.Lock()
	defer lc.Unlock()
	lc.writesPaused = true
	lc.log.Info().Msg("Paused writes")
}

func (lc *leaderController) ResumeWrites() {
	lc.Lock()
	defer lc.Unlock()
	lc.writesPaused = false
	lc.writesResumed.Broadcast()
	lc.log.Info().Msg("Resumed writes")
}

func (lc *leaderController) DeleteShard(epoch int64) error {
	lc.Lock()
	defer lc.Unlock()

	if err := checkEpochEqualIn(epoch, lc.epoch); err != nil {
		return err
	}

	lc.log.Info().Msg("Deleting shard")

	if err := multierr.Combine(
		lc.wal.Clear(),
		lc.db.Erase(),
	); err != nil {
		return err
	}

	lc.db = nil
	lc.wal = nil
	return lc.close()
}

func (lc *leaderController) SnapshotScan(fn func(key string, value []byte) error) error {
	return lc.db.SnapshotScan(fn)
}

func (lc *leaderController) ReadLog(sinceOffset int64, maxEntries int) ([]*wire.LogEntry, error) {
	commitOffset := lc.CommitOffset()

	reader, err := lc.wal.NewReader(sinceOffset)
	if err != nil {
		return nil, err
	}
	defer reader.Close()

	var entries []*wire.LogEntry
	for len(entries) < maxEntries && reader.HasNext() {
		entry, err := reader.ReadNext()
		if err != nil {
			return nil, err
		}
		if entry.Offset > commitOffset {
			// Only committed entries leave the group
			break
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func (lc *leaderController) Checksum() (uint64, int64, error) {
	return lc.db.Checksum()
}

func (lc *leaderController) CommitOffset() int64 {
	if qat := lc.quorumAckTracker; qat != nil {
		return qat.CommitOffset()
	}
	return wire.InvalidOffset
}

func (lc *leaderController) ShardStatus() wire.ShardStatus {
	lc.RLock()
	defer lc.RUnlock()

	headOffset := wire.InvalidOffset
	commitOffset := wire.InvalidOffset
	if lc.quorumAckTracker != nil {
		headOffset = lc.quorumAckTracker.HeadOffset()
		commitOffset = lc.quorumAckTracker.CommitOffset()
	}

	var applied hlc.Timestamp
	if lc.db != nil {
		applied = lc.db.AppliedTimestamp()
	}

	return wire.ShardStatus{
		Shard:            lc.shard,
		Epoch:            lc.epoch,
		Status:           lc.status,
		HeadOffset:       headOffset,
		CommitOffset:     commitOffset,
		AppliedTimestamp: applied,
	}
}

func (lc *leaderController) isClosed() bool {
	return lc.ctx.Err() != nil
}

func (lc *leaderController) Close() error {
	lc.Lock()
	defer lc.Unlock()
	return lc.close()
}

func (lc *leaderController) close() error {
	lc.log.Info().Msg("Closing leader controller")

	lc.status = wire.NotMember
	lc.cancel()
	lc.writesResumed.Broadcast()
	lc.appliedCond.Broadcast()

	var err error
	for _, follower := range lc.followers {
		err = multierr.Append(err, follower.Close())
	}
	lc.followers = nil

	for _, g := range lc.followerAckOffsetGauges {
		g.Unregister()
	}
	lc.followerAckOffsetGauges = map[string]metrics.Gauge{}

	lc.headOffsetGauge.Unregister()
	lc.commitOffsetGauge.Unregister()

	if lc.wal != nil {
		err = multierr.Append(err, lc.wal.Close())
		lc.wal = nil
	}
	if lc.db != nil {
		err = multierr.Append(err, lc.db.Close())
		lc.db = nil
	}
	if lc.quorumAckTracker != nil {
		err = multierr.Append(err, lc.quorumAckTracker.Close())
		lc.quorumAckTracker = nil
	}

	return err
}
