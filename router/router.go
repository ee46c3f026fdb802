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

// Package router maps virtual shards to the replica group currently serving
// them. Routes come from the configuration store and are cached; a cached
// route is refreshed when a replica group answers with a routing error,
// meaning the cache went stale behind a failover or a migration.
package router

import (
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/keelkv/keel/common"
	"github.com/keelkv/keel/ident"
	"github.com/keelkv/keel/metadata"
)

type Router struct {
	sync.RWMutex

	store metadata.Store
	cache map[uint16]metadata.Route
	log   zerolog.Logger
}

func NewRouter(store metadata.Store) *Router {
	return &Router{
		store: store,
		cache: make(map[uint16]metadata.Route),
		log: log.With().
			Str("component", "shard-router").
			Logger(),
	}
}

// Resolve returns the route for the shard, reading through to the
// configuration store on a cache miss.
func (r *Router) Resolve(shard uint16) (metadata.Route, error) {
	r.RLock()
	route, ok := r.cache[shard]
	r.RUnlock()
	if ok {
		return route, nil
	}

	return r.refresh(shard)
}

func (r *Router) refresh(shard uint16) (metadata.Route, error) {
	route, err := r.store.GetRoute(shard)
	if err != nil {
		return metadata.Route{}, err
	}

	r.Lock()
	defer r.Unlock()

	if cached, ok := r.cache[shard]; ok && cached.Epoch > route.Epoch {
		// A concurrent update already cached a later route
		return cached, nil
	}
	r.cache[shard] = route
	return route, nil
}

// Invalidate drops the cached route. Called after a replica group answered
// with ErrNotLeader or ErrStaleEpoch: the next Resolve re-reads the store.
func (r *Router) Invalidate(shard uint16) {
	r.Lock()
	defer r.Unlock()

	if route, ok := r.cache[shard]; ok {
		r.log.Debug().
			Uint16("shard", shard).
			Int64("epoch", route.Epoch).
			Msg("Invalidated cached route")
	}
	delete(r.cache, shard)
}

// UpdateRoute swaps the route in the configuration store and refreshes the
// cache. Only the failover coordinator and the migration engine call it. The
// swap is epoch gated, so replaying an already applied update is harmless and
// an update racing a later one fails with ErrStaleEpoch.
func (r *Router) UpdateRoute(expectedEpoch int64, route metadata.Route) error {
	if err := r.store.CompareAndSwap(expectedEpoch, route); err != nil {
		return err
	}

	r.Lock()
	defer r.Unlock()
	if cached, ok := r.cache[route.Shard]; !ok || cached.Epoch <= route.Epoch {
		r.cache[route.Shard] = route
	}

	r.log.Info().
		Uint16("shard", route.Shard).
		Str("leader", route.Leader).
		Int64("epoch", route.Epoch).
		Msg("Updated route")
	return nil
}

// ShardForID extracts the owning shard from an identifier. The shard field
// never changes once the identifier is composed, so no lookup is involved.
func ShardForID(id ident.ID) uint16 {
	return id.Shard()
}

// ShardForKey picks the shard for a new record from its colocation key.
// Records sharing a colocation key land on the same shard.
func ShardForKey(colocationKey string, numShards uint32) uint16 {
	return uint16(common.Xxh3(colocationKey) % uint64(numShards))
}
