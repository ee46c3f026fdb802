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

package coordinator

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/keelkv/keel/common"
	"github.com/keelkv/keel/metadata"
	"github.com/keelkv/keel/router"
	"github.com/keelkv/keel/wire"
)

// ShardState is the failover state machine of one shard, as seen by the
// coordinator.
type ShardState string

const (
	// ShardHealthy means the leader is answering heartbeats.
	ShardHealthy ShardState = "healthy"

	// ShardSuspected means the leader missed heartbeats and an election is
	// about to start.
	ShardSuspected ShardState = "suspected"

	// ShardElecting means the epoch has been advanced and the ensemble is
	// being fenced.
	ShardElecting ShardState = "electing"

	// ShardResolved means a new leader has been confirmed and the route
	// points at it.
	ShardResolved ShardState = "resolved"
)

// ShardController drives all leadership transitions of one shard: it fences
// the ensemble at a new epoch, promotes the member with the longest log and
// flips the route only once the new leader is confirmed.
type ShardController interface {
	io.Closer

	// HandleNodeFailure starts an election when the failed node is the
	// shard's current leader.
	HandleNodeFailure(failedNode string)

	// ElectLeader runs one election round for a fresh epoch.
	ElectLeader() error

	Epoch() int64
	Leader() string
	State() ShardState
}

type shardController struct {
	sync.Mutex

	shard    uint16
	route    metadata.Route
	state    ShardState
	rpc      NodeRpcProvider
	router   *router.Router
	electing bool

	ctx    context.Context
	cancel context.CancelFunc
	log    zerolog.Logger
}

func NewShardController(shard uint16, route metadata.Route, rpc NodeRpcProvider, r *router.Router) ShardController {
	s := &shardController{
		shard:  shard,
		route:  route,
		state:  ShardHealthy,
		rpc:    rpc,
		router: r,
		log: log.With().
			Str("component", "shard-controller").
			Uint16("shard", shard).
			Logger(),
	}

	s.ctx, s.cancel = context.WithCancel(context.Background())

	s.log.Info().
		Interface("route", route).
		Msg("Started shard controller")

	if route.Status != metadata.RouteSteady {
		// Bootstrap, or a crashed coordinator left the shard mid-election
		s.Lock()
		s.electLeaderWithRetries()
		s.Unlock()
	}
	return s
}

// refreshRoute reloads the shard's route from the config store. The cached
// copy goes stale when something other than this controller rewrites the
// route, a shard migration being the one case: the migrator installs a new
// ensemble under a later epoch, and elections must run against that ensemble,
// not the one this controller last saw. Callers must hold the lock.
func (s *shardController) refreshRoute() {
	s.router.Invalidate(s.shard)
	fresh, err := s.router.Resolve(s.shard)
	if err != nil {
		s.log.Warn().Err(err).
			Msg("Could not refresh route from the config store")
		return
	}

	if fresh.Epoch < s.route.Epoch {
		return
	}
	if fresh.Epoch > s.route.Epoch {
		s.log.Info().
			Int64("epoch", fresh.Epoch).
			Str("leader", fresh.Leader).
			Msg("Adopted externally updated route")
	}
	s.route = fresh
}

func (s *shardController) HandleNodeFailure(failedNode string) {
	s.Lock()
	defer s.Unlock()

	s.refreshRoute()

	s.log.Debug().
		Str("failed-node", failedNode).
		Str("current-leader", s.route.Leader).
		Msg("Received notification of failed node")

	if s.route.Leader != failedNode || s.route.Status != metadata.RouteSteady {
		return
	}

	s.log.Info().
		Str("leader", failedNode).
		Msg("Detected failure on shard leader")
	s.state = ShardSuspected
	s.electLeaderWithRetries()
}

// electLeaderWithRetries keeps running election rounds until one resolves.
// A round that cannot fence a majority fails and gets retried: the shard
// stays unavailable for writes until enough of the ensemble is reachable.
// Callers must hold the lock.
func (s *shardController) electLeaderWithRetries() {
	if s.electing {
		return
	}
	s.electing = true

	go common.DoWithLabels(map[string]string{
		"keel":  "shard-controller-leader-election",
		"shard": fmt.Sprintf("%d", s.shard),
	}, func() {
		_ = backoff.RetryNotify(s.ElectLeader, common.NewBackOff(s.ctx),
			func(err error, duration time.Duration) {
				s.log.Warn().Err(err).
					Dur("retry-after", duration).
					Msg("Leader election has failed, retrying later")
			})

		s.Lock()
		s.electing = false
		s.Unlock()
	})
}

func (s *shardController) ElectLeader() error {
	s.Lock()
	defer s.Unlock()

	// A migration may have re-pointed the route since the last round. Running
	// the election on the stored route keeps the epoch CAS from spinning on
	// stale epochs forever.
	s.refreshRoute()

	s.state = ShardElecting

	// The new epoch must be durable before any node gets fenced with it.
	// A coordinator crash after this point restarts the election at a later
	// epoch and can never resurrect the old leader.
	newRoute := s.route
	newRoute.Epoch++
	newRoute.Status = metadata.RouteElecting
	if err := s.router.UpdateRoute(s.route.Epoch, newRoute); err != nil {
		return errors.Wrap(err, "failed to persist election epoch")
	}
	s.route = newRoute

	s.log.Info().
		Int64("epoch", s.route.Epoch).
		Msg("Starting leader election")

	fenceResponses, err := s.fenceQuorum()
	if err != nil {
		return err
	}

	newLeader, followers := s.selectNewLeader(fenceResponses)

	s.log.Info().
		Int64("epoch", s.route.Epoch).
		Str("new-leader", newLeader).
		Interface("followers", followers).
		Msg("Fenced a majority of the ensemble")

	if err = s.becomeLeader(newLeader, followers); err != nil {
		return err
	}

	// The client-visible route flips last, only after the new leader has
	// confirmed the epoch and caught up its storage
	resolved := s.route
	resolved.Leader = newLeader
	resolved.Status = metadata.RouteSteady
	if err = s.router.UpdateRoute(s.route.Epoch, resolved); err != nil {
		return err
	}
	s.route = resolved
	s.state = ShardResolved

	s.log.Info().
		Int64("epoch", s.route.Epoch).
		Str("leader", s.route.Leader).
		Msg("Elected new leader")

	go s.attachStragglers(s.route.Epoch, newLeader, followers)
	return nil
}

// fenceQuorum fences the ensemble in parallel and succeeds once a majority
// has acknowledged the new epoch. Two leaders can never both hold
// acknowledgments from overlapping majorities for the same epoch.
func (s *shardController) fenceQuorum() (map[string]wire.EntryID, error) {
	majority := len(s.route.Ensemble)/2 + 1

	type fenceResult struct {
		node string
		head wire.EntryID
		err  error
	}

	results := make(chan fenceResult, len(s.route.Ensemble))
	for _, node := range s.route.Ensemble {
		go func(node string) {
			head, err := s.fence(node)
			results <- fenceResult{node: node, head: head, err: err}
		}(node)
	}

	res := make(map[string]wire.EntryID)
	for range s.route.Ensemble {
		r := <-results
		if r.err != nil {
			s.log.Warn().Err(r.err).
				Str("node", r.node).
				Msg("Failed to fence node")
			continue
		}

		res[r.node] = r.head
		s.log.Info().
			Str("node", r.node).
			Interface("head-entry", r.head).
			Int64("epoch", s.route.Epoch).
			Msg("Processed fence response")
	}

	if len(res) < majority {
		return nil, errors.Errorf("keel: failed to fence a majority of shard %d (%d of %d)",
			s.shard, len(res), len(s.route.Ensemble))
	}
	return res, nil
}

func (s *shardController) fence(node string) (wire.EntryID, error) {
	res, err := s.rpc.NewEpoch(s.ctx, node, &wire.NewEpochRequest{
		Shard: s.shard,
		Epoch: s.route.Epoch,
	})
	if err != nil {
		return wire.EntryID{}, err
	}

	if res.Epoch != s.route.Epoch {
		return wire.EntryID{}, errors.Wrapf(common.ErrStaleEpoch,
			"node %s fenced at %d instead of %d", node, res.Epoch, s.route.Epoch)
	}
	return res.HeadEntry, nil
}

// selectNewLeader picks the fenced member with the highest head entry, so no
// acknowledged write can be lost across the failover.
func (s *shardController) selectNewLeader(fenceResponses map[string]wire.EntryID) (
	leader string, followers map[string]wire.EntryID) {
	currentMax := int64(wire.InvalidOffset) - 1
	var candidates []string

	for node, head := range fenceResponses {
		switch {
		case head.Offset < currentMax:
		case head.Offset == currentMax:
			candidates = append(candidates, node)
		default:
			currentMax = head.Offset
			candidates = []string{node}
		}
	}

	// Break ties randomly among the members with the longest log
	leader = candidates[rand.Intn(len(candidates))]
	followers = make(map[string]wire.EntryID)
	for node, head := range fenceResponses {
		if node != leader {
			followers[node] = head
		}
	}
	return leader, followers
}

func (s *shardController) becomeLeader(leader string, followers map[string]wire.EntryID) error {
	res, err := s.rpc.BecomeLeader(s.ctx, leader, &wire.BecomeLeaderRequest{
		Shard:             s.shard,
		Epoch:             s.route.Epoch,
		ReplicationFactor: uint32(len(s.route.Ensemble)),
		FollowerHeads:     followers,
	})
	if err != nil {
		return err
	}

	if res.Epoch != s.route.Epoch {
		return errors.Wrapf(common.ErrStaleEpoch,
			"leader %s answered with epoch %d instead of %d", leader, res.Epoch, s.route.Epoch)
	}
	return nil
}

// attachStragglers reattaches the ensemble members that were not part of the
// fencing majority. Their logs may have run ahead of the new leader under the
// old epoch, so the leader truncates them on attach.
func (s *shardController) attachStragglers(epoch int64, leader string, followers map[string]wire.EntryID) {
	s.Lock()
	ensemble := s.route.Ensemble
	s.Unlock()

	for _, node := range ensemble {
		if node == leader {
			continue
		}
		if _, alreadyAttached := followers[node]; alreadyAttached {
			continue
		}

		res, err := s.rpc.NewEpoch(s.ctx, node, &wire.NewEpochRequest{
			Shard: s.shard,
			Epoch: epoch,
		})
		if err != nil {
			s.log.Warn().Err(err).
				Str("node", node).
				Msg("Could not fence straggler follower")
			continue
		}

		if _, err = s.rpc.AddFollower(s.ctx, leader, &wire.AddFollowerRequest{
			Shard:        s.shard,
			Epoch:        epoch,
			FollowerName: node,
			FollowerHead: res.HeadEntry,
		}); err != nil {
			s.log.Warn().Err(err).
				Str("node", node).
				Msg("Could not attach straggler follower")
		}
	}
}

func (s *shardController) Epoch() int64 {
	s.Lock()
	defer s.Unlock()
	return s.route.Epoch
}

func (s *shardController) Leader() string {
	s.Lock()
	defer s.Unlock()
	return s.route.Leader
}

func (s *shardController) State() ShardState {
	s.Lock()
	defer s.Unlock()
	return s.state
}

func (s *shardController) Close() error {
	s.cancel()
	return nil
}
