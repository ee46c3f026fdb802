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
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"

	"github.com/keelkv/keel/metadata"
	"github.com/keelkv/keel/router"
	"github.com/keelkv/keel/wire"
)

// mockNodeRpc scripts the ensemble's answers to the coordinator.
type mockNodeRpc struct {
	sync.Mutex

	heads     map[string]wire.EntryID
	failTimes map[string]int

	fenced       map[string][]int64
	leaderReqs   []*wire.BecomeLeaderRequest
	addFollowers []*wire.AddFollowerRequest
}

func newMockNodeRpc(heads map[string]wire.EntryID) *mockNodeRpc {
	return &mockNodeRpc{
		heads:     heads,
		failTimes: make(map[string]int),
		fenced:    make(map[string][]int64),
	}
}

func (m *mockNodeRpc) NewEpoch(_ context.Context, node string, req *wire.NewEpochRequest) (*wire.NewEpochResponse, error) {
	m.Lock()
	defer m.Unlock()

	if m.failTimes[node] > 0 {
		m.failTimes[node]--
		return nil, errors.Errorf("node %s unreachable", node)
	}

	m.fenced[node] = append(m.fenced[node], req.Epoch)
	return &wire.NewEpochResponse{
		Epoch:     req.Epoch,
		HeadEntry: m.heads[node],
	}, nil
}

func (m *mockNodeRpc) BecomeLeader(_ context.Context, node string, req *wire.BecomeLeaderRequest) (*wire.BecomeLeaderResponse, error) {
	m.Lock()
	defer m.Unlock()
	m.leaderReqs = append(m.leaderReqs, req)
	return &wire.BecomeLeaderResponse{Epoch: req.Epoch}, nil
}

func (m *mockNodeRpc) AddFollower(_ context.Context, _ string, req *wire.AddFollowerRequest) (*wire.AddFollowerResponse, error) {
	m.Lock()
	defer m.Unlock()
	m.addFollowers = append(m.addFollowers, req)
	return &wire.AddFollowerResponse{}, nil
}

func (m *mockNodeRpc) GetHeartbeat(_ context.Context, node string) (*wire.Heartbeat, error) {
	m.Lock()
	defer m.Unlock()
	if m.failTimes[node] > 0 {
		m.failTimes[node]--
		return nil, errors.Errorf("node %s unreachable", node)
	}
	return &wire.Heartbeat{NodeID: node}, nil
}

func (m *mockNodeRpc) Close() error {
	return nil
}

func (m *mockNodeRpc) becomeLeaderCount() int {
	m.Lock()
	defer m.Unlock()
	return len(m.leaderReqs)
}

func (m *mockNodeRpc) addFollowerCount() int {
	m.Lock()
	defer m.Unlock()
	return len(m.addFollowers)
}

func seedRoute(t *testing.T, store metadata.Store, route metadata.Route) *router.Router {
	t.Helper()
	r := router.NewRouter(store)
	assert.NoError(t, r.UpdateRoute(wire.InvalidEpoch, route))
	return r
}

func TestShardControllerElectsLongestLog(t *testing.T) {
	store := metadata.NewMemoryStore()
	defer store.Close()

	route := metadata.Route{
		Shard:    1,
		Leader:   "a",
		Ensemble: []string{"a", "b", "c"},
		Epoch:    0,
		Status:   metadata.RouteSteady,
	}
	r := seedRoute(t, store, route)

	rpc := newMockNodeRpc(map[string]wire.EntryID{
		"a": {Epoch: 0, Offset: 5},
		"b": {Epoch: 0, Offset: 9},
		"c": {Epoch: 0, Offset: 7},
	})

	sc := NewShardController(1, route, rpc, r)
	defer sc.Close()

	assert.NoError(t, sc.ElectLeader())

	assert.EqualValues(t, 1, sc.Epoch())
	assert.Equal(t, "b", sc.Leader())
	assert.Equal(t, ShardResolved, sc.State())

	stored, err := store.GetRoute(1)
	assert.NoError(t, err)
	assert.EqualValues(t, 1, stored.Epoch)
	assert.Equal(t, "b", stored.Leader)
	assert.Equal(t, metadata.RouteSteady, stored.Status)

	assert.Equal(t, 1, rpc.becomeLeaderCount())
	req := rpc.leaderReqs[0]
	assert.EqualValues(t, 3, req.ReplicationFactor)
	assert.Len(t, req.FollowerHeads, 2)
	assert.Contains(t, req.FollowerHeads, "a")
	assert.Contains(t, req.FollowerHeads, "c")
}

func TestShardControllerNeedsMajority(t *testing.T) {
	store := metadata.NewMemoryStore()
	defer store.Close()

	route := metadata.Route{
		Shard:    1,
		Leader:   "a",
		Ensemble: []string{"a", "b", "c"},
		Epoch:    4,
		Status:   metadata.RouteSteady,
	}
	r := seedRoute(t, store, route)

	rpc := newMockNodeRpc(map[string]wire.EntryID{
		"a": {Epoch: 4, Offset: 5},
	})
	rpc.failTimes["b"] = 1
	rpc.failTimes["c"] = 1

	sc := NewShardController(1, route, rpc, r)
	defer sc.Close()

	assert.Error(t, sc.ElectLeader())

	// The epoch bump is durable even when the round fails, so a later round
	// can never reuse it
	stored, err := store.GetRoute(1)
	assert.NoError(t, err)
	assert.EqualValues(t, 5, stored.Epoch)
	assert.Equal(t, metadata.RouteElecting, stored.Status)
}

func TestShardControllerAttachesStragglers(t *testing.T) {
	store := metadata.NewMemoryStore()
	defer store.Close()

	route := metadata.Route{
		Shard:    1,
		Leader:   "a",
		Ensemble: []string{"a", "b", "c"},
		Epoch:    0,
		Status:   metadata.RouteSteady,
	}
	r := seedRoute(t, store, route)

	rpc := newMockNodeRpc(map[string]wire.EntryID{
		"a": {Epoch: 0, Offset: 5},
		"b": {Epoch: 0, Offset: 5},
		"c": {Epoch: 0, Offset: 3},
	})
	// c misses the fencing round and gets reattached afterwards
	rpc.failTimes["c"] = 1

	sc := NewShardController(1, route, rpc, r)
	defer sc.Close()

	assert.NoError(t, sc.ElectLeader())
	assert.Equal(t, ShardResolved, sc.State())

	assert.Eventually(t, func() bool {
		return rpc.addFollowerCount() == 1
	}, 10*time.Second, 10*time.Millisecond)

	rpc.Lock()
	defer rpc.Unlock()
	assert.Equal(t, "c", rpc.addFollowers[0].FollowerName)
	assert.EqualValues(t, 1, rpc.addFollowers[0].Epoch)
}

func TestShardControllerBootstrapElection(t *testing.T) {
	store := metadata.NewMemoryStore()
	defer store.Close()

	// Bootstrap routes start in the electing state with no leader
	route := metadata.Route{
		Shard:    1,
		Ensemble: []string{"a", "b", "c"},
		Epoch:    0,
		Status:   metadata.RouteElecting,
	}
	r := seedRoute(t, store, route)

	rpc := newMockNodeRpc(map[string]wire.EntryID{
		"a": {Epoch: wire.InvalidEpoch, Offset: wire.InvalidOffset},
		"b": {Epoch: wire.InvalidEpoch, Offset: wire.InvalidOffset},
		"c": {Epoch: wire.InvalidEpoch, Offset: wire.InvalidOffset},
	})

	sc := NewShardController(1, route, rpc, r)
	defer sc.Close()

	assert.Eventually(t, func() bool {
		return sc.State() == ShardResolved
	}, 10*time.Second, 10*time.Millisecond)

	stored, err := store.GetRoute(1)
	assert.NoError(t, err)
	assert.EqualValues(t, 1, stored.Epoch)
	assert.Equal(t, metadata.RouteSteady, stored.Status)
	assert.NotEmpty(t, stored.Leader)
}

func TestShardControllerFollowsMigratedRoute(t *testing.T) {
	store := metadata.NewMemoryStore()
	defer store.Close()

	route := metadata.Route{
		Shard:    1,
		Leader:   "a",
		Ensemble: []string{"a", "b", "c"},
		Epoch:    1,
		Status:   metadata.RouteSteady,
	}
	r := seedRoute(t, store, route)

	rpc := newMockNodeRpc(map[string]wire.EntryID{
		"x": {Epoch: 2, Offset: 8},
		"y": {Epoch: 2, Offset: 8},
		"z": {Epoch: 2, Offset: 6},
	})

	sc := NewShardController(1, route, rpc, r)
	defer sc.Close()

	// A migration moves the shard onto a fresh ensemble behind the
	// controller's back
	migrated := metadata.Route{
		Shard:    1,
		Leader:   "x",
		Ensemble: []string{"x", "y", "z"},
		Epoch:    2,
		Status:   metadata.RouteSteady,
	}
	assert.NoError(t, r.UpdateRoute(1, migrated))

	// The old leader is not the leader anymore, so its failure is a no-op
	sc.HandleNodeFailure("a")
	assert.EqualValues(t, 2, sc.Epoch())
	assert.Equal(t, "x", sc.Leader())

	// Losing the migrated leader repairs the shard on the new ensemble
	sc.HandleNodeFailure("x")
	assert.Eventually(t, func() bool {
		return sc.State() == ShardResolved && sc.Epoch() == 3
	}, 10*time.Second, 10*time.Millisecond)
	assert.Contains(t, []string{"x", "y"}, sc.Leader())

	stored, err := store.GetRoute(1)
	assert.NoError(t, err)
	assert.EqualValues(t, 3, stored.Epoch)
	assert.Equal(t, []string{"x", "y", "z"}, stored.Ensemble)
	assert.Equal(t, metadata.RouteSteady, stored.Status)

	rpc.Lock()
	defer rpc.Unlock()
	assert.NotContains(t, rpc.fenced, "a")
	assert.NotContains(t, rpc.fenced, "b")
}

func TestShardControllerIgnoresNonLeaderFailure(t *testing.T) {
	store := metadata.NewMemoryStore()
	defer store.Close()

	route := metadata.Route{
		Shard:    1,
		Leader:   "a",
		Ensemble: []string{"a", "b", "c"},
		Epoch:    3,
		Status:   metadata.RouteSteady,
	}
	r := seedRoute(t, store, route)

	rpc := newMockNodeRpc(map[string]wire.EntryID{
		"a": {Epoch: 3, Offset: 5},
		"b": {Epoch: 3, Offset: 5},
		"c": {Epoch: 3, Offset: 5},
	})

	sc := NewShardController(1, route, rpc, r)
	defer sc.Close()

	sc.HandleNodeFailure("b")
	assert.EqualValues(t, 3, sc.Epoch())
	assert.Equal(t, "a", sc.Leader())

	// Losing the leader does trigger an election
	sc.HandleNodeFailure("a")
	assert.Eventually(t, func() bool {
		return sc.State() == ShardResolved && sc.Epoch() == 4
	}, 10*time.Second, 10*time.Millisecond)
	assert.NotEqual(t, "", sc.Leader())
}
