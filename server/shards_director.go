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
	"io"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.uber.org/multierr"

	"github.com/keelkv/keel/common"
	"github.com/keelkv/keel/server/kv"
	"github.com/keelkv/keel/server/wal"
	"github.com/keelkv/keel/wire"
)

// ShardsDirector tracks which shards this node hosts and with which role.
// Roles flip during failover and migration: getting a controller for one role
// tears down the controller of the other role for that shard.
type ShardsDirector interface {
	io.Closer

	GetLeader(shard uint16) (LeaderController, error)
	GetFollower(shard uint16) (FollowerController, error)

	GetOrCreateLeader(shard uint16) (LeaderController, error)
	GetOrCreateFollower(shard uint16) (FollowerController, error)

	// ShardStatuses is the node's heartbeat payload.
	ShardStatuses() []wire.ShardStatus
}

type shardsDirector struct {
	sync.Mutex

	config      Config
	leaders     map[uint16]LeaderController
	followers   map[uint16]FollowerController
	rpcProvider ReplicationRpcProvider

	kvFactory  kv.Factory
	walFactory wal.Factory
	closed     bool
	log        zerolog.Logger
}

func NewShardsDirector(config Config, walFactory wal.Factory, kvFactory kv.Factory, rpcProvider ReplicationRpcProvider) ShardsDirector {
	return &shardsDirector{
		config:      config,
		walFactory:  walFactory,
		kvFactory:   kvFactory,
		rpcProvider: rpcProvider,
		leaders:     make(map[uint16]LeaderController),
		followers:   make(map[uint16]FollowerController),
		log: log.With().
			Str("component", "shards-director").
			Logger(),
	}
}

func (s *shardsDirector) GetLeader(shard uint16) (LeaderController, error) {
	s.Lock()
	defer s.Unlock()

	if s.closed {
		return nil, common.ErrAlreadyClosed
	}

	if leader, ok := s.leaders[shard]; ok {
		return leader, nil
	}

	s.log.Debug().
		Uint16("shard", shard).
		Msg("This node is not hosting shard")
	return nil, errors.Wrapf(common.ErrNotLeader, "node is not leader for shard %d", shard)
}

func (s *shardsDirector) GetFollower(shard uint16) (FollowerController, error) {
	s.Lock()
	defer s.Unlock()

	if s.closed {
		return nil, common.ErrAlreadyClosed
	}

	if follower, ok := s.followers[shard]; ok {
		return follower, nil
	}

	s.log.Debug().
		Uint16("shard", shard).
		Msg("This node is not hosting shard")
	return nil, errors.Wrapf(common.ErrNodeIsNotFollower, "node is not follower for shard %d", shard)
}

func (s *shardsDirector) GetOrCreateLeader(shard uint16) (LeaderController, error) {
	s.Lock()
	defer s.Unlock()

	if s.closed {
		return nil, common.ErrAlreadyClosed
	}

	if leader, ok := s.leaders[shard]; ok {
		return leader, nil
	} else if follower, ok := s.followers[shard]; ok {
		// The follower controller for this shard has to be torn down before
		// the node can lead it
		if err := follower.Close(); err != nil {
			return nil, err
		}
		delete(s.followers, shard)
	}

	lc, err := NewLeaderController(s.config, shard, s.rpcProvider, s.walFactory, s.kvFactory)
	if err != nil {
		return nil, err
	}
	s.leaders[shard] = lc
	return lc, nil
}

func (s *shardsDirector) GetOrCreateFollower(shard uint16) (FollowerController, error) {
	s.Lock()
	defer s.Unlock()

	if s.closed {
		return nil, common.ErrAlreadyClosed
	}

	if follower, ok := s.followers[shard]; ok {
		return follower, nil
	} else if leader, ok := s.leaders[shard]; ok {
		if err := leader.Close(); err != nil {
			return nil, err
		}
		delete(s.leaders, shard)
	}

	fc, err := NewFollowerController(shard, s.walFactory, s.kvFactory)
	if err != nil {
		return nil, err
	}
	s.followers[shard] = fc
	return fc, nil
}

func (s *shardsDirector) ShardStatuses() []wire.ShardStatus {
	s.Lock()
	defer s.Unlock()

	statuses := make([]wire.ShardStatus, 0, len(s.leaders)+len(s.followers))
	for _, leader := range s.leaders {
		statuses = append(statuses, leader.ShardStatus())
	}
	for _, follower := range s.followers {
		statuses = append(statuses, follower.ShardStatus())
	}
	return statuses
}

func (s *shardsDirector) Close() error {
	s.Lock()
	defer s.Unlock()

	s.closed = true

	var err error
	for shard, leader := range s.leaders {
		if cerr := leader.Close(); cerr != nil {
			s.log.Error().Err(cerr).
				Uint16("shard", shard).
				Msg("Failed to shutdown leader controller")
			err = multierr.Append(err, cerr)
		}
	}
	for shard, follower := range s.followers {
		if cerr := follower.Close(); cerr != nil {
			s.log.Error().Err(cerr).
				Uint16("shard", shard).
				Msg("Failed to shutdown follower controller")
			err = multierr.Append(err, cerr)
		}
	}
	return multierr.Append(err, s.rpcProvider.Close())
}
