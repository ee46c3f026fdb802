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
	"sort"
	"sync"

	"github.com/pkg/errors"

	"github.com/keelkv/keel/common"
)

// memoryStore keeps the routing table in memory. Used for unit tests and by
// the standalone mode.
type memoryStore struct {
	sync.Mutex

	routes map[uint16]Route
}

func NewMemoryStore() Store {
	return &memoryStore{
		routes: make(map[uint16]Route),
	}
}

func (m *memoryStore) Close() error {
	return nil
}

func (m *memoryStore) GetRoute(shard uint16) (Route, error) {
	m.Lock()
	defer m.Unlock()

	route, ok := m.routes[shard]
	if !ok {
		return Route{}, errors.Wrapf(common.ErrShardNotFound, "no route for shard %d", shard)
	}
	return route, nil
}

func (m *memoryStore) ListRoutes() ([]Route, error) {
	m.Lock()
	defer m.Unlock()

	routes := make([]Route, 0, len(m.routes))
	for _, route := range m.routes {
		routes = append(routes, route)
	}
	sort.Slice(routes, func(i, j int) bool {
		return routes[i].Shard < routes[j].Shard
	})
	return routes, nil
}

func (m *memoryStore) CompareAndSwap(expectedEpoch int64, route Route) error {
	m.Lock()
	defer m.Unlock()

	stored, exists := m.routes[route.Shard]
	if err := validateSwap(stored, exists, expectedEpoch, route); err != nil {
		return err
	}

	m.routes[route.Shard] = route
	return nil
}
