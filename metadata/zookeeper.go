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

package metadata

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-zookeeper/zk"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/keelkv/keel/common"
)

const zkSessionTimeout = 5 * time.Second

// zookeeperStore keeps the routing table in ZooKeeper, one znode per shard
// under rootPath. The epoch check is backed by ZooKeeper's own znode
// versioning, so two coordinators racing on the same shard conflict at the
// store even when both read the same epoch.
type zookeeperStore struct {
	conn     *zk.Conn
	rootPath string
	log      zerolog.Logger
}

func NewZookeeperStore(servers []string, rootPath string) (Store, error) {
	conn, _, err := zk.Connect(servers, zkSessionTimeout,
		zk.WithLogInfo(false))
	if err != nil {
		return nil, errors.Wrap(err, "failed to connect to zookeeper")
	}

	z := &zookeeperStore{
		conn:     conn,
		rootPath: strings.TrimSuffix(rootPath, "/"),
		log: log.With().
			Str("component", "zookeeper-metadata").
			Logger(),
	}
	if err := z.ensurePath(z.rootPath); err != nil {
		conn.Close()
		return nil, err
	}
	return z, nil
}

func (z *zookeeperStore) Close() error {
	z.conn.Close()
	return nil
}

func (z *zookeeperStore) ensurePath(path string) error {
	parts := strings.Split(path, "/")
	cur := ""
	for _, p := range parts {
		if p == "" {
			continue
		}
		cur = cur + "/" + p
		exists, _, err := z.conn.Exists(cur)
		if err != nil {
			return errors.Wrap(err, "zookeeper exists")
		}
		if !exists {
			if _, err = z.conn.Create(cur, nil, 0, zk.WorldACL(zk.PermAll)); err != nil &&
				!errors.Is(err, zk.ErrNodeExists) {
				return errors.Wrap(err, "zookeeper create")
			}
		}
	}
	return nil
}

func (z *zookeeperStore) shardPath(shard uint16) string {
	return fmt.Sprintf("%s/%d", z.rootPath, shard)
}

func (z *zookeeperStore) GetRoute(shard uint16) (Route, error) {
	content, _, err := z.conn.Get(z.shardPath(shard))
	if err != nil {
		if errors.Is(err, zk.ErrNoNode) {
			return Route{}, errors.Wrapf(common.ErrShardNotFound, "no route for shard %d", shard)
		}
		return Route{}, errors.Wrap(err, "zookeeper get")
	}

	var route Route
	if err = json.Unmarshal(content, &route); err != nil {
		return Route{}, errors.Wrapf(err, "corrupted route for shard %d", shard)
	}
	return route, nil
}

func (z *zookeeperStore) ListRoutes() ([]Route, error) {
	children, _, err := z.conn.Children(z.rootPath)
	if err != nil {
		return nil, errors.Wrap(err, "zookeeper children")
	}

	routes := make([]Route, 0, len(children))
	for _, child := range children {
		shard, err := strconv.ParseUint(child, 10, 16)
		if err != nil {
			z.log.Warn().
				Str("znode", child).
				Msg("Skipping znode that is not a shard number")
			continue
		}

		route, err := z.GetRoute(uint16(shard))
		if err != nil {
			if errors.Is(err, common.ErrShardNotFound) {
				continue
			}
			return nil, err
		}
		routes = append(routes, route)
	}

	sort.Slice(routes, func(i, j int) bool {
		return routes[i].Shard < routes[j].Shard
	})
	return routes, nil
}

func (z *zookeeperStore) CompareAndSwap(expectedEpoch int64, route Route) error {
	path := z.shardPath(route.Shard)

	content, stat, err := z.conn.Get(path)
	exists := true
	switch {
	case errors.Is(err, zk.ErrNoNode):
		exists = false
	case err != nil:
		return errors.Wrap(err, "zookeeper get")
	}

	var stored Route
	if exists {
		if err = json.Unmarshal(content, &stored); err != nil {
			return errors.Wrapf(err, "corrupted route for shard %d", route.Shard)
		}
	}

	if err := validateSwap(stored, exists, expectedEpoch, route); err != nil {
		return err
	}

	newContent, err := json.Marshal(route)
	if err != nil {
		return err
	}

	if !exists {
		_, err = z.conn.Create(path, newContent, 0, zk.WorldACL(zk.PermAll))
		if errors.Is(err, zk.ErrNodeExists) {
			// Lost the race against another writer
			return common.ErrStaleEpoch
		}
		return errors.Wrap(err, "zookeeper create")
	}

	// The znode version pins the read-modify-write: a concurrent swap bumps
	// it and this update fails instead of clobbering
	_, err = z.conn.Set(path, newContent, stat.Version)
	if errors.Is(err, zk.ErrBadVersion) {
		return common.ErrStaleEpoch
	}
	return errors.Wrap(err, "zookeeper set")
}
