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

// Package standalone assembles a whole cluster inside one process: several
// storage nodes, the failover coordinator, the metadata store and a client,
// all wired through in-process providers. It backs the `keel standalone`
// command and the integration tests.
package standalone

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/rs/zerolog/log"
	"go.uber.org/multierr"

	"github.com/keelkv/keel/client"
	"github.com/keelkv/keel/coordinator"
	"github.com/keelkv/keel/coordinator/migration"
	"github.com/keelkv/keel/metadata"
	"github.com/keelkv/keel/router"
	"github.com/keelkv/keel/server"
	"github.com/keelkv/keel/server/kv"
	"github.com/keelkv/keel/server/wal"
)

const (
	DefaultNumNodes = 3

	// DefaultNumShards is deliberately small: standalone clusters are for
	// development, not for the full bootstrap shard space.
	DefaultNumShards = 4
)

type Options struct {
	NumNodes  int
	NumShards uint32

	// ReplicationFactor defaults to min(3, NumNodes).
	ReplicationFactor uint32

	// DataDir makes the record storage and the shard routing table persistent.
	// Empty keeps everything in memory.
	DataDir string
}

func (o Options) withDefaults() Options {
	if o.NumNodes <= 0 {
		o.NumNodes = DefaultNumNodes
	}
	if o.NumShards == 0 {
		o.NumShards = DefaultNumShards
	}
	if o.ReplicationFactor == 0 {
		o.ReplicationFactor = 3
		if o.NumNodes < 3 {
			o.ReplicationFactor = uint32(o.NumNodes)
		}
	}
	return o
}

// Node is one in-process storage node.
type Node struct {
	name       string
	walFactory wal.Factory
	kvFactory  kv.Factory
	director   server.ShardsDirector
}

func (n *Node) Name() string {
	return n.name
}

func (n *Node) close() error {
	return multierr.Combine(
		n.director.Close(),
		n.kvFactory.Close(),
		n.walFactory.Close(),
	)
}

type Cluster struct {
	options  Options
	registry *nodeRegistry
	nodes    []*Node

	store       metadata.Store
	coordinator coordinator.Coordinator
	client      *client.Client

	migrationRpc migration.RpcProvider
	nodeRpc      coordinator.NodeRpcProvider
}

func NewCluster(options Options) (*Cluster, error) {
	options = options.withDefaults()

	c := &Cluster{
		options:  options,
		registry: newNodeRegistry(),
	}

	inMemory := options.DataDir == ""
	names := make([]string, options.NumNodes)
	for i := 0; i < options.NumNodes; i++ {
		name := fmt.Sprintf("node-%d", i)
		names[i] = name

		kvOptions := &kv.FactoryOptions{InMemory: inMemory}
		serverConfig := server.Config{InMemory: inMemory}
		if !inMemory {
			kvOptions.DataDir = filepath.Join(options.DataDir, name, "db")
			serverConfig.DataDir = kvOptions.DataDir
		}

		n := &Node{
			name:       name,
			walFactory: wal.NewInMemoryWalFactory(),
			kvFactory:  kv.NewPebbleFactory(kvOptions),
		}
		n.director = server.NewShardsDirector(serverConfig, n.walFactory, n.kvFactory,
			newReplicationRpcProvider(c.registry))
		c.registry.register(n)
		c.nodes = append(c.nodes, n)
	}

	if inMemory {
		c.store = metadata.NewMemoryStore()
	} else {
		c.store = metadata.NewFileStore(filepath.Join(options.DataDir, "routes.json"))
	}

	c.nodeRpc = newNodeRpcProvider(c.registry)
	coord, err := coordinator.NewCoordinator(coordinator.ClusterConfig{
		InitialShards:     options.NumShards,
		ReplicationFactor: options.ReplicationFactor,
		Nodes:             names,
	}, c.store, c.nodeRpc)
	if err != nil {
		_ = c.Close()
		return nil, err
	}
	c.coordinator = coord

	c.client = client.NewClient(coord.Router(), newClientRpcProvider(c.registry),
		client.Options{NumShards: options.NumShards})
	c.migrationRpc = newMigrationRpcProvider(c.registry)

	log.Info().
		Int("nodes", options.NumNodes).
		Uint32("shards", options.NumShards).
		Uint32("replication-factor", options.ReplicationFactor).
		Bool("in-memory", inMemory).
		Msg("Started standalone cluster")
	return c, nil
}

func (c *Cluster) Client() *client.Client {
	return c.client
}

func (c *Cluster) Router() *router.Router {
	return c.coordinator.Router()
}

func (c *Cluster) Coordinator() coordinator.Coordinator {
	return c.coordinator
}

func (c *Cluster) NodeNames() []string {
	names := make([]string, 0, len(c.nodes))
	for _, n := range c.nodes {
		names = append(names, n.name)
	}
	return names
}

// MigrateShard moves one shard onto targetEnsemble, driving the four-phase
// migration against the in-process nodes.
func (c *Cluster) MigrateShard(ctx context.Context, shard uint16, targetEnsemble []string,
	options migration.Options) error {
	m := migration.NewMigrator(shard, targetEnsemble, options,
		c.coordinator.Router(), c.migrationRpc, c.nodeRpc)
	return m.Run(ctx)
}

func (c *Cluster) Close() error {
	var err error
	if c.coordinator != nil {
		err = multierr.Append(err, c.coordinator.Close())
	}
	for _, n := range c.nodes {
		err = multierr.Append(err, n.close())
	}
	if c.store != nil {
		err = multierr.Append(err, c.store.Close())
	}
	return err
}
