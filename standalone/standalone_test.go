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

package standalone

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/keelkv/keel/coordinator/migration"
	"github.com/keelkv/keel/hlc"
	"github.com/keelkv/keel/ident"
	"github.com/keelkv/keel/metadata"
	"github.com/keelkv/keel/router"
	"github.com/keelkv/keel/server/kv"
)

func newTestCluster(t *testing.T, options Options) *Cluster {
	t.Helper()
	cluster, err := NewCluster(options)
	assert.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, cluster.Close())
	})

	waitForSteadyRoutes(t, cluster)
	return cluster
}

func waitForSteadyRoutes(t *testing.T, cluster *Cluster) {
	t.Helper()
	assert.Eventually(t, func() bool {
		for shard := uint16(0); shard < uint16(cluster.options.NumShards); shard++ {
			cluster.Router().Invalidate(shard)
			route, err := cluster.Router().Resolve(shard)
			if err != nil || route.Status != metadata.RouteSteady {
				return false
			}
		}
		return true
	}, 10*time.Second, 10*time.Millisecond)
}

func TestStandalonePutGet(t *testing.T) {
	cluster := newTestCluster(t, Options{})
	ctx := context.Background()

	id, ts, err := cluster.Client().Put(ctx, 7, "users/alice", []byte("alice"), "")
	assert.NoError(t, err)
	assert.EqualValues(t, 7, id.TypeTag())
	assert.Equal(t, router.ShardForKey("users/alice", DefaultNumShards), id.Shard())

	value, readTs, err := cluster.Client().Get(ctx, id)
	assert.NoError(t, err)
	assert.Equal(t, []byte("alice"), value)
	assert.Equal(t, ts, readTs)
}

func TestStandaloneColocation(t *testing.T) {
	cluster := newTestCluster(t, Options{})
	ctx := context.Background()

	first, _, err := cluster.Client().Put(ctx, 7, "orders/42", []byte("v1"), "")
	assert.NoError(t, err)
	second, _, err := cluster.Client().Put(ctx, 8, "orders/42", []byte("v2"), "")
	assert.NoError(t, err)

	assert.Equal(t, first.Shard(), second.Shard())
	assert.NotEqual(t, first, second)
}

func TestStandaloneIdempotentPut(t *testing.T) {
	cluster := newTestCluster(t, Options{})
	ctx := context.Background()

	id, ts, err := cluster.Client().Put(ctx, 7, "users/bob", []byte("bob"), "token-1")
	assert.NoError(t, err)

	// A retry with the same token answers with the original identifier
	replayID, replayTs, err := cluster.Client().Put(ctx, 7, "users/bob", []byte("bob"), "token-1")
	assert.NoError(t, err)
	assert.Equal(t, id, replayID)
	assert.Equal(t, ts, replayTs)
}

func TestStandaloneGetMissing(t *testing.T) {
	cluster := newTestCluster(t, Options{})

	id, err := ident.Compose(1, 7, 123456)
	assert.NoError(t, err)

	_, _, err = cluster.Client().Get(context.Background(), id)
	assert.ErrorIs(t, err, kv.ErrKeyNotFound)
}

func TestStandaloneWriteOrdering(t *testing.T) {
	cluster := newTestCluster(t, Options{})
	ctx := context.Background()

	var last ident.ID
	var lastTs hlc.Timestamp
	for i := 0; i < 10; i++ {
		id, ts, err := cluster.Client().Put(ctx, 7, "seq/a", []byte(fmt.Sprintf("v%d", i)), "")
		assert.NoError(t, err)
		if i > 0 {
			assert.Greater(t, id.Local(), last.Local())
			assert.True(t, ts.After(lastTs))
		}
		last = id
		lastTs = ts
	}
}

func TestStandaloneMigration(t *testing.T) {
	cluster := newTestCluster(t, Options{NumNodes: 6})
	ctx := context.Background()

	colocationKey := "tenants/acme"
	shard := router.ShardForKey(colocationKey, DefaultNumShards)

	ids := make([]ident.ID, 0, 20)
	for i := 0; i < 20; i++ {
		id, _, err := cluster.Client().Put(ctx, 7, colocationKey, []byte(fmt.Sprintf("record-%d", i)), "")
		assert.NoError(t, err)
		ids = append(ids, id)
	}

	route, err := cluster.Router().Resolve(shard)
	assert.NoError(t, err)
	oldEpoch := route.Epoch

	inEnsemble := make(map[string]bool, len(route.Ensemble))
	for _, node := range route.Ensemble {
		inEnsemble[node] = true
	}
	var targets []string
	for _, name := range cluster.NodeNames() {
		if !inEnsemble[name] && len(targets) < 3 {
			targets = append(targets, name)
		}
	}
	assert.Len(t, targets, 3)

	assert.NoError(t, cluster.MigrateShard(ctx, shard, targets, migration.Options{}))

	moved, err := cluster.Router().Resolve(shard)
	assert.NoError(t, err)
	assert.Equal(t, oldEpoch+1, moved.Epoch)
	assert.Equal(t, targets, moved.Ensemble)
	assert.Equal(t, targets[0], moved.Leader)
	assert.Equal(t, metadata.RouteSteady, moved.Status)

	// Identifiers survived the move unchanged
	for i, id := range ids {
		value, _, err := cluster.Client().Get(ctx, id)
		assert.NoError(t, err)
		assert.Equal(t, []byte(fmt.Sprintf("record-%d", i)), value)
	}

	// The shard keeps taking writes on the new group
	id, _, err := cluster.Client().Put(ctx, 7, colocationKey, []byte("after-move"), "")
	assert.NoError(t, err)
	value, _, err := cluster.Client().Get(ctx, id)
	assert.NoError(t, err)
	assert.Equal(t, []byte("after-move"), value)
}

func TestStandaloneMigrationWithConcurrentWrites(t *testing.T) {
	cluster := newTestCluster(t, Options{NumNodes: 6})
	ctx := context.Background()

	colocationKey := "tenants/globex"
	shard := router.ShardForKey(colocationKey, DefaultNumShards)

	route, err := cluster.Router().Resolve(shard)
	assert.NoError(t, err)
	inEnsemble := make(map[string]bool, len(route.Ensemble))
	for _, node := range route.Ensemble {
		inEnsemble[node] = true
	}
	var targets []string
	for _, name := range cluster.NodeNames() {
		if !inEnsemble[name] && len(targets) < 3 {
			targets = append(targets, name)
		}
	}
	assert.Len(t, targets, 3)

	// The writer keeps issuing acknowledged writes across the whole move,
	// retrying each one with a stable token until it lands
	type acked struct {
		id    ident.ID
		value string
	}
	var (
		mu      sync.Mutex
		writes  []acked
		stop    = make(chan struct{})
		stopped = make(chan struct{})
	)
	go func() {
		defer close(stopped)
		for i := 0; ; i++ {
			select {
			case <-stop:
				return
			default:
			}

			value := fmt.Sprintf("live-%d", i)
			token := fmt.Sprintf("live-token-%d", i)
			id, _, err := cluster.Client().Put(ctx, 7, colocationKey, []byte(value), token)
			if err != nil {
				// The cutover pause or the route flip can fail one attempt,
				// the token makes the retry safe
				time.Sleep(5 * time.Millisecond)
				i--
				continue
			}
			mu.Lock()
			writes = append(writes, acked{id: id, value: value})
			mu.Unlock()
		}
	}()

	assert.NoError(t, cluster.MigrateShard(ctx, shard, targets, migration.Options{}))
	close(stop)
	<-stopped

	moved, err := cluster.Router().Resolve(shard)
	assert.NoError(t, err)
	assert.Equal(t, targets, moved.Ensemble)
	assert.Equal(t, metadata.RouteSteady, moved.Status)

	// Every acknowledged write survived the move under its identifier, and no
	// retry minted a duplicate
	mu.Lock()
	defer mu.Unlock()
	assert.NotEmpty(t, writes)
	seen := make(map[ident.ID]bool, len(writes))
	for _, w := range writes {
		assert.False(t, seen[w.id])
		seen[w.id] = true

		value, _, err := cluster.Client().Get(ctx, w.id)
		assert.NoError(t, err)
		assert.Equal(t, []byte(w.value), value)
	}
}

func TestStandaloneFailoverAfterMigration(t *testing.T) {
	cluster := newTestCluster(t, Options{NumNodes: 6})
	ctx := context.Background()

	colocationKey := "tenants/initech"
	shard := router.ShardForKey(colocationKey, DefaultNumShards)

	id, _, err := cluster.Client().Put(ctx, 7, colocationKey, []byte("before"), "")
	assert.NoError(t, err)

	route, err := cluster.Router().Resolve(shard)
	assert.NoError(t, err)
	inEnsemble := make(map[string]bool, len(route.Ensemble))
	for _, node := range route.Ensemble {
		inEnsemble[node] = true
	}
	var targets []string
	for _, name := range cluster.NodeNames() {
		if !inEnsemble[name] && len(targets) < 3 {
			targets = append(targets, name)
		}
	}
	assert.Len(t, targets, 3)

	assert.NoError(t, cluster.MigrateShard(ctx, shard, targets, migration.Options{}))
	moved, err := cluster.Router().Resolve(shard)
	assert.NoError(t, err)

	// Losing the migrated leader must be repaired on the new ensemble
	cluster.Coordinator().NodeBecameUnavailable(moved.Leader)

	assert.Eventually(t, func() bool {
		cluster.Router().Invalidate(shard)
		fresh, err := cluster.Router().Resolve(shard)
		return err == nil && fresh.Status == metadata.RouteSteady && fresh.Epoch > moved.Epoch
	}, 10*time.Second, 10*time.Millisecond)

	repaired, err := cluster.Router().Resolve(shard)
	assert.NoError(t, err)
	assert.Equal(t, moved.Ensemble, repaired.Ensemble)

	value, _, err := cluster.Client().Get(ctx, id)
	assert.NoError(t, err)
	assert.Equal(t, []byte("before"), value)

	after, _, err := cluster.Client().Put(ctx, 7, colocationKey, []byte("after"), "")
	assert.NoError(t, err)
	value, _, err = cluster.Client().Get(ctx, after)
	assert.NoError(t, err)
	assert.Equal(t, []byte("after"), value)
}

func TestStandaloneFailover(t *testing.T) {
	cluster := newTestCluster(t, Options{})
	ctx := context.Background()

	id, _, err := cluster.Client().Put(ctx, 7, "users/carol", []byte("carol"), "")
	assert.NoError(t, err)
	shard := id.Shard()

	route, err := cluster.Router().Resolve(shard)
	assert.NoError(t, err)
	oldEpoch := route.Epoch

	cluster.Coordinator().NodeBecameUnavailable(route.Leader)

	assert.Eventually(t, func() bool {
		cluster.Router().Invalidate(shard)
		fresh, err := cluster.Router().Resolve(shard)
		return err == nil && fresh.Status == metadata.RouteSteady && fresh.Epoch > oldEpoch
	}, 10*time.Second, 10*time.Millisecond)

	value, _, err := cluster.Client().Get(ctx, id)
	assert.NoError(t, err)
	assert.Equal(t, []byte("carol"), value)
}

func TestStandalonePersistentDataDir(t *testing.T) {
	dataDir := t.TempDir()
	ctx := context.Background()

	cluster, err := NewCluster(Options{DataDir: dataDir})
	assert.NoError(t, err)
	waitForSteadyRoutes(t, cluster)

	id, _, err := cluster.Client().Put(ctx, 7, "users/dora", []byte("dora"), "")
	assert.NoError(t, err)
	assert.NoError(t, cluster.Close())

	reopened := newTestCluster(t, Options{DataDir: dataDir})
	value, _, err := reopened.Client().Get(ctx, id)
	assert.NoError(t, err)
	assert.Equal(t, []byte("dora"), value)
}
