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

// Package migration moves a virtual shard from one replica group to a newly
// provisioned one without changing any identifier and without losing or
// duplicating writes. The move runs in four phases: bulk copy, catch-up,
// bounded-pause cutover, and verification.
package migration

import (
	"context"
	"io"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/keelkv/keel/common"
	"github.com/keelkv/keel/coordinator"
	"github.com/keelkv/keel/metadata"
	"github.com/keelkv/keel/router"
	"github.com/keelkv/keel/wire"
)

// SourceShard is the data-plane handle on the shard being moved, anchored at
// its current leader.
type SourceShard interface {
	io.Closer

	// Snapshot streams every stored key of the shard, records and
	// replication bookkeeping alike, while writes keep flowing.
	Snapshot(fn func(key string, value []byte) error) error

	// ReadLog returns up to maxEntries committed log entries after
	// sinceOffset.
	ReadLog(sinceOffset int64, maxEntries int) ([]*wire.LogEntry, error)

	CommitOffset() (int64, error)

	// PauseWrites holds back new writes on the source leader for the
	// cutover window.
	PauseWrites() error
	ResumeWrites() error

	Checksum() (hash uint64, count int64, err error)
}

// TargetShard is the data-plane handle on one member of the new replica
// group, before it has any leader. Close releases the shard storage so the
// node can start hosting it; closing twice is a no-op.
type TargetShard interface {
	io.Closer

	// Restore writes one raw entry produced by Snapshot.
	Restore(key string, value []byte) error

	// Apply replays committed log entries. Replaying an entry that the
	// snapshot already contained is harmless: applies are deterministic and
	// keyed by offset.
	Apply(entries []*wire.LogEntry) error

	Checksum() (hash uint64, count int64, err error)
}

// RpcProvider opens data-plane handles on storage nodes. The embedding
// process supplies the transport.
type RpcProvider interface {
	io.Closer

	OpenSource(ctx context.Context, node string, shard uint16) (SourceShard, error)
	OpenTarget(ctx context.Context, node string, shard uint16) (TargetShard, error)
}

type Options struct {
	// MaxPause is the ceiling on the cutover write pause. Exceeding it
	// aborts the migration and the shard stays on the source group.
	MaxPause time.Duration

	// CopyBytesPerSecond throttles the bulk copy so the source leader keeps
	// serving traffic. 0 disables the throttle.
	CopyBytesPerSecond int

	// CatchUpLagEntries is the replication lag under which the cutover may
	// start.
	CatchUpLagEntries int64

	// LogBatchSize is the number of log entries shipped per catch-up round.
	LogBatchSize int
}

const (
	DefaultMaxPause          = 3 * time.Second
	DefaultCatchUpLagEntries = 100
	DefaultLogBatchSize      = 1000
)

func (o Options) withDefaults() Options {
	if o.MaxPause == 0 {
		o.MaxPause = DefaultMaxPause
	}
	if o.CatchUpLagEntries == 0 {
		o.CatchUpLagEntries = DefaultCatchUpLagEntries
	}
	if o.LogBatchSize == 0 {
		o.LogBatchSize = DefaultLogBatchSize
	}
	return o
}

// Migrator moves one shard to the target ensemble. One-shot: build it, call
// Run, throw it away.
type Migrator struct {
	shard          uint16
	targetEnsemble []string
	options        Options

	router  *router.Router
	dataRpc RpcProvider
	nodeRpc coordinator.NodeRpcProvider

	log zerolog.Logger
}

func NewMigrator(shard uint16, targetEnsemble []string, options Options,
	r *router.Router, dataRpc RpcProvider, nodeRpc coordinator.NodeRpcProvider) *Migrator {
	return &Migrator{
		shard:          shard,
		targetEnsemble: targetEnsemble,
		options:        options.withDefaults(),
		router:         r,
		dataRpc:        dataRpc,
		nodeRpc:        nodeRpc,
		log: log.With().
			Str("component", "shard-migrator").
			Uint16("shard", shard).
			Logger(),
	}
}

func (m *Migrator) Run(ctx context.Context) error {
	route, err := m.router.Resolve(m.shard)
	if err != nil {
		return err
	}
	if route.Status != metadata.RouteSteady {
		return errors.Wrapf(common.ErrInvalidStatus,
			"shard %d has no steady leader to migrate from", m.shard)
	}

	m.log.Info().
		Str("source-leader", route.Leader).
		Strs("target-ensemble", m.targetEnsemble).
		Int64("epoch", route.Epoch).
		Msg("Starting shard migration")

	source, err := m.dataRpc.OpenSource(ctx, route.Leader, m.shard)
	if err != nil {
		return err
	}
	defer source.Close()

	targets := make([]TargetShard, 0, len(m.targetEnsemble))
	defer func() {
		for _, t := range targets {
			_ = t.Close()
		}
	}()
	for _, node := range m.targetEnsemble {
		t, err := m.dataRpc.OpenTarget(ctx, node, m.shard)
		if err != nil {
			return err
		}
		targets = append(targets, t)
	}

	// Phase 1: bulk copy. The offset read before the snapshot starts is a
	// safe replay floor: every later write is either in the snapshot or in
	// the log after it, and replaying both is idempotent.
	replayFloor, err := source.CommitOffset()
	if err != nil {
		return err
	}
	if err = m.bulkCopy(ctx, source, targets); err != nil {
		return err
	}

	// Phase 2: catch-up until the target trails by less than the lag bound
	applied, err := m.catchUp(ctx, source, targets, replayFloor)
	if err != nil {
		return err
	}

	// Phase 3 and 4: cutover under a bounded write pause, verified before
	// the route flips
	return m.cutover(ctx, route, source, targets, applied)
}

func (m *Migrator) bulkCopy(ctx context.Context, source SourceShard, targets []TargetShard) error {
	var limiter *rate.Limiter
	if m.options.CopyBytesPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(m.options.CopyBytesPerSecond), m.options.CopyBytesPerSecond)
	}

	start := time.Now()
	var copiedBytes uint64
	var copiedKeys int64

	err := source.Snapshot(func(key string, value []byte) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		size := len(key) + len(value)
		if limiter != nil {
			if err := limiter.WaitN(ctx, size); err != nil {
				return err
			}
		}

		for _, t := range targets {
			if err := t.Restore(key, value); err != nil {
				return err
			}
		}

		copiedBytes += uint64(size)
		copiedKeys++
		return nil
	})
	if err != nil {
		return errors.Wrap(err, "bulk copy failed")
	}

	m.log.Info().
		Int64("keys", copiedKeys).
		Str("size", humanize.IBytes(copiedBytes)).
		Dur("elapsed", time.Since(start)).
		Msg("Completed bulk copy")
	return nil
}

func (m *Migrator) catchUp(ctx context.Context, source SourceShard, targets []TargetShard, applied int64) (int64, error) {
	for {
		if ctx.Err() != nil {
			return applied, ctx.Err()
		}

		head, err := source.CommitOffset()
		if err != nil {
			return applied, err
		}
		lag := head - applied
		if lag <= m.options.CatchUpLagEntries {
			m.log.Info().
				Int64("lag", lag).
				Int64("applied-offset", applied).
				Msg("Catch-up converged")
			return applied, nil
		}

		next, err := m.shipLog(source, targets, applied, head)
		if err != nil {
			return applied, err
		}
		applied = next
	}
}

// shipLog replays the committed log in (applied, head] to every target and
// returns the new applied offset.
func (m *Migrator) shipLog(source SourceShard, targets []TargetShard, applied int64, head int64) (int64, error) {
	for applied < head {
		entries, err := source.ReadLog(applied, m.options.LogBatchSize)
		if err != nil {
			return applied, err
		}
		if len(entries) == 0 {
			return applied, nil
		}

		for _, t := range targets {
			if err = t.Apply(entries); err != nil {
				return applied, err
			}
		}
		applied = entries[len(entries)-1].Offset
	}
	return applied, nil
}

func (m *Migrator) cutover(ctx context.Context, route metadata.Route,
	source SourceShard, targets []TargetShard, applied int64) error {
	pauseStart := time.Now()
	if err := source.PauseWrites(); err != nil {
		return err
	}

	abort := func(reason error) error {
		if rerr := source.ResumeWrites(); rerr != nil {
			m.log.Error().Err(rerr).
				Msg("Failed to resume writes after aborted migration")
		}
		m.log.Error().Err(reason).
			Msg("Migration aborted, shard stays on the source group")
		return errors.Wrapf(common.ErrMigrationAborted, "shard %d: %v", m.shard, reason)
	}

	// Flush the final log tail while no new writes can land
	head, err := source.CommitOffset()
	if err != nil {
		return abort(err)
	}
	if _, err = m.shipLog(source, targets, applied, head); err != nil {
		return abort(err)
	}

	// Verify before the route flips: the target must hold exactly the
	// source's final state
	srcHash, srcCount, err := source.Checksum()
	if err != nil {
		return abort(err)
	}
	for i, t := range targets {
		hash, count, err := t.Checksum()
		if err != nil {
			return abort(err)
		}
		if hash != srcHash || count != srcCount {
			return abort(errors.Errorf(
				"checksum mismatch on %s: source %016x/%d records, target %016x/%d records",
				m.targetEnsemble[i], srcHash, srcCount, hash, count))
		}
	}

	if paused := time.Since(pauseStart); paused > m.options.MaxPause {
		return abort(errors.Errorf("write pause %v exceeded ceiling %v", paused, m.options.MaxPause))
	}

	m.log.Info().
		Uint64("checksum", srcHash).
		Int64("records", srcCount).
		Dur("paused", time.Since(pauseStart)).
		Msg("Verified target state, flipping route")

	// The target nodes take over their shard storage from here, so the
	// data-plane handles must be released first
	for _, t := range targets {
		if err := t.Close(); err != nil {
			return abort(err)
		}
	}

	// Point of no return. Fencing the old ensemble at the fresh epoch stops
	// the old leader from ever committing again, even if the route flip
	// below has to be retried.
	newEpoch := route.Epoch + 1
	fencedAny, err := m.fenceOldEnsemble(ctx, route, newEpoch)
	if err != nil {
		if !fencedAny {
			// Nobody holds the new epoch yet, rolling back is still safe
			return abort(err)
		}
		// Part of the source group already holds the new epoch. Resuming
		// writes now could hand clients a fenced leader, so the only way out
		// is forward: rerun the cutover until the route flips.
		m.log.Error().Err(err).
			Msg("Source group partially fenced, cutover must be driven forward")
		return errors.Wrapf(err, "keel: shard %d partially fenced at epoch %d", m.shard, newEpoch)
	}

	leader, err := m.electTargetLeader(ctx, newEpoch)
	if err != nil {
		return err
	}

	newRoute := metadata.Route{
		Shard:    m.shard,
		Leader:   leader,
		Ensemble: m.targetEnsemble,
		Epoch:    newEpoch,
		Status:   metadata.RouteSteady,
	}
	if err = m.router.UpdateRoute(route.Epoch, newRoute); err != nil {
		return err
	}

	m.log.Info().
		Str("leader", leader).
		Int64("epoch", newEpoch).
		Dur("paused", time.Since(pauseStart)).
		Msg("Completed shard migration")
	return nil
}

// fenceOldEnsemble fences a majority of the source group at the new epoch.
// The verification already passed, so this is the step that makes the source
// group permanently read-only for the shard. Rounds keep retrying until a
// majority holds the epoch: once any member is fenced, giving up would strand
// the shard between the two groups. The returned flag reports whether at
// least one member got fenced before a failure.
func (m *Migrator) fenceOldEnsemble(ctx context.Context, route metadata.Route, newEpoch int64) (bool, error) {
	majority := len(route.Ensemble)/2 + 1
	fenced := make(map[string]bool)

	err := backoff.RetryNotify(func() error {
		for _, node := range route.Ensemble {
			if fenced[node] {
				continue
			}
			if _, err := m.nodeRpc.NewEpoch(ctx, node, &wire.NewEpochRequest{
				Shard: m.shard,
				Epoch: newEpoch,
			}); err != nil {
				m.log.Warn().Err(err).
					Str("node", node).
					Msg("Failed to fence source ensemble member")
				continue
			}
			fenced[node] = true
		}
		if len(fenced) < majority {
			return errors.Errorf("fenced only %d of %d source members", len(fenced), len(route.Ensemble))
		}
		return nil
	}, common.NewBackOff(ctx), func(err error, duration time.Duration) {
		m.log.Warn().Err(err).
			Dur("retry-after", duration).
			Msg("Retrying source ensemble fence")
	})
	return len(fenced) > 0, err
}

// electTargetLeader fences the target ensemble at the new epoch and promotes
// the first member. All targets hold the same seeded state, so any of them
// qualifies.
func (m *Migrator) electTargetLeader(ctx context.Context, newEpoch int64) (string, error) {
	heads := make(map[string]wire.EntryID, len(m.targetEnsemble))
	for _, node := range m.targetEnsemble {
		res, err := m.nodeRpc.NewEpoch(ctx, node, &wire.NewEpochRequest{
			Shard: m.shard,
			Epoch: newEpoch,
		})
		if err != nil {
			return "", errors.Wrapf(err, "failed to fence target %s", node)
		}
		heads[node] = res.HeadEntry
	}

	leader := m.targetEnsemble[0]
	delete(heads, leader)

	if _, err := m.nodeRpc.BecomeLeader(ctx, leader, &wire.BecomeLeaderRequest{
		Shard:             m.shard,
		Epoch:             newEpoch,
		ReplicationFactor: uint32(len(m.targetEnsemble)),
		FollowerHeads:     heads,
	}); err != nil {
		return "", errors.Wrapf(err, "failed to promote target leader %s", leader)
	}
	return leader, nil
}
