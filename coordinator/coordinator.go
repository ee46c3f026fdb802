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

// Package coordinator hosts the failover coordinator: it watches the health
// of every storage node, elects and fences shard leaders, and owns the
// routing table updates.
package coordinator

import (
	"io"
	"os"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"

	"github.com/keelkv/keel/common"
	"github.com/keelkv/keel/metadata"
	"github.com/keelkv/keel/router"
	"github.com/keelkv/keel/wire"
)

// ClusterConfig is the static cluster layout the coordinator manages.
type ClusterConfig struct {
	// InitialShards is the number of virtual shards created at bootstrap.
	// Far fewer than the 65,536 address space, leaving growth headroom.
	InitialShards uint32 `json:"initialShards" yaml:"initialShards"`

	ReplicationFactor uint32 `json:"replicationFactor" yaml:"replicationFactor"`

	// Nodes are the storage node identifiers the shards get spread over.
	Nodes []string `json:"nodes" yaml:"nodes"`
}

const DefaultInitialShards = 4096

func LoadClusterConfig(path string) (ClusterConfig, error) {
	var cc ClusterConfig

	content, err := os.ReadFile(path)
	if err != nil {
		return cc, errors.Wrap(err, "failed to read cluster config")
	}
	if err = yaml.Unmarshal(content, &cc); err != nil {
		return cc, errors.Wrap(err, "failed to parse cluster config")
	}

	if cc.InitialShards == 0 {
		cc.InitialShards = DefaultInitialShards
	}
	if cc.ReplicationFactor == 0 || len(cc.Nodes) < int(cc.ReplicationFactor) {
		return cc, errors.Errorf("keel: cluster needs at least %d nodes for replication factor %d",
			cc.ReplicationFactor, cc.ReplicationFactor)
	}
	return cc, nil
}

type Coordinator interface {
	io.Closer
	NodeAvailabilityListener

	Router() *router.Router

	ShardController(shard uint16) (ShardController, error)

	// NodeHeartbeat is the last liveness report of one node, or nil when the
	// node has never answered.
	NodeHeartbeat(node string) *wire.Heartbeat
}

type coordinator struct {
	sync.Mutex

	config ClusterConfig
	store  metadata.Store
	router *router.Router
	rpc    NodeRpcProvider

	shardControllers map[uint16]ShardController
	nodeControllers  map[string]NodeController

	log zerolog.Logger
}

func NewCoordinator(config ClusterConfig, store metadata.Store, rpc NodeRpcProvider) (Coordinator, error) {
	c := &coordinator{
		config:           config,
		store:            store,
		router:           router.NewRouter(store),
		rpc:              rpc,
		shardControllers: make(map[uint16]ShardController),
		nodeControllers:  make(map[string]NodeController),
		log: log.With().
			Str("component", "coordinator").
			Logger(),
	}

	if err := c.bootstrapShards(); err != nil {
		return nil, err
	}

	routes, err := store.ListRoutes()
	if err != nil {
		return nil, err
	}
	for _, route := range routes {
		c.shardControllers[route.Shard] = NewShardController(route.Shard, route, rpc, c.router)
	}
	for _, node := range config.Nodes {
		c.nodeControllers[node] = NewNodeController(node, rpc, c)
	}

	c.log.Info().
		Int("shards", len(c.shardControllers)).
		Int("nodes", len(c.nodeControllers)).
		Msg("Started coordinator")
	return c, nil
}

// bootstrapShards creates the initial routes for shards that have never been
// assigned, spreading ensembles over the configured nodes. Already assigned
// shards are left untouched, so restarting the coordinator is harmless.
func (c *coordinator) bootstrapShards() error {
	existing, err := c.store.ListRoutes()
	if err != nil {
		return err
	}
	assigned := make(map[uint16]bool, len(existing))
	for _, route := range existing {
		assigned[route.Shard] = true
	}

	rf := int(c.config.ReplicationFactor)
	for shard := uint32(0); shard < c.config.InitialShards; shard++ {
		if assigned[uint16(shard)] {
			continue
		}

		ensemble := make([]string, rf)
		for i := 0; i < rf; i++ {
			ensemble[i] = c.config.Nodes[(int(shard)+i)%len(c.config.Nodes)]
		}

		// The first election bumps the epoch to 1 and picks the leader
		route := metadata.Route{
			Shard:    uint16(shard),
			Ensemble: ensemble,
			Epoch:    0,
			Status:   metadata.RouteElecting,
		}
		if err := c.store.CompareAndSwap(wire.InvalidEpoch, route); err != nil {
			if errors.Is(err, common.ErrStaleEpoch) {
				// Another coordinator bootstrapped this shard first
				continue
			}
			return err
		}
	}
	return nil
}

func (c *coordinator) NodeBecameUnavailable(node string) {
	c.log.Warn().
		Str("node", node).
		Msg("Storage node became unavailable")

	c.Lock()
	controllers := make([]ShardController, 0, len(c.shardControllers))
	for _, sc := range c.shardControllers {
		controllers = append(controllers, sc)
	}
	c.Unlock()

	for _, sc := range controllers {
		sc.HandleNodeFailure(node)
	}
}

func (c *coordinator) Router() *router.Router {
	return c.router
}

func (c *coordinator) ShardController(shard uint16) (ShardController, error) {
	c.Lock()
	defer c.Unlock()

	sc, ok := c.shardControllers[shard]
	if !ok {
		return nil, errors.Wrapf(common.ErrShardNotFound, "no controller for shard %d", shard)
	}
	return sc, nil
}

func (c *coordinator) NodeHeartbeat(node string) *wire.Heartbeat {
	c.Lock()
	nc, ok := c.nodeControllers[node]
	c.Unlock()
	if !ok {
		return nil
	}
	return nc.LastHeartbeat()
}

func (c *coordinator) Close() error {
	var err error

	c.Lock()
	defer c.Unlock()

	for _, sc := range c.shardControllers {
		err = multierr.Append(err, sc.Close())
	}
	for _, nc := range c.nodeControllers {
		err = multierr.Append(err, nc.Close())
	}
	return err
}
