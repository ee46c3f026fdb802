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

package migration

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/zeebo/xxh3"

	"github.com/keelkv/keel/common"
	"github.com/keelkv/keel/hlc"
	"github.com/keelkv/keel/ident"
	"github.com/keelkv/keel/metadata"
	"github.com/keelkv/keel/router"
	"github.com/keelkv/keel/wire"
)

// fakeSource is a shard leader reduced to the migration surface: a record
// map, a committed log and a write-pause switch.
type fakeSource struct {
	sync.Mutex

	records map[string][]byte
	log     []*wire.LogEntry
	commit  int64
	paused  bool

	// writesDuringCopy simulates a live shard: these land while the bulk
	// copy is scanning.
	writesDuringCopy int
	nextLocal        uint64
}

func newFakeSource(t *testing.T, initialWrites int) *fakeSource {
	t.Helper()
	s := &fakeSource{
		records: make(map[string][]byte),
		commit:  wire.InvalidOffset,
	}
	for i := 0; i < initialWrites; i++ {
		s.write([]byte{byte(i)})
	}
	return s
}

func (s *fakeSource) write(value []byte) {
	s.nextLocal++
	id, err := ident.Compose(1, 7, s.nextLocal)
	if err != nil {
		panic(err)
	}

	offset := s.commit + 1
	s.log = append(s.log, &wire.LogEntry{
		Epoch:  3,
		Offset: offset,
		Request: &wire.WriteRequest{
			Key:       id,
			Value:     value,
			Timestamp: hlc.Timestamp{Physical: 100 + uint64(offset)},
		},
	})
	s.records[id.RecordKey()] = value
	s.commit = offset
}

func (s *fakeSource) Snapshot(fn func(key string, value []byte) error) error {
	s.Lock()
	keys := make([]string, 0, len(s.records))
	for k := range s.records {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	snapshot := make(map[string][]byte, len(s.records))
	for k, v := range s.records {
		snapshot[k] = v
	}

	// New writes keep landing while the copy runs
	for i := 0; i < s.writesDuringCopy; i++ {
		s.write([]byte("concurrent"))
	}
	s.writesDuringCopy = 0
	s.Unlock()

	for _, k := range keys {
		if err := fn(k, snapshot[k]); err != nil {
			return err
		}
	}
	return nil
}

func (s *fakeSource) ReadLog(sinceOffset int64, maxEntries int) ([]*wire.LogEntry, error) {
	s.Lock()
	defer s.Unlock()

	var entries []*wire.LogEntry
	for _, e := range s.log {
		if e.Offset <= sinceOffset || e.Offset > s.commit {
			continue
		}
		entries = append(entries, e)
		if len(entries) == maxEntries {
			break
		}
	}
	return entries, nil
}

func (s *fakeSource) CommitOffset() (int64, error) {
	s.Lock()
	defer s.Unlock()
	return s.commit, nil
}

func (s *fakeSource) PauseWrites() error {
	s.Lock()
	defer s.Unlock()
	s.paused = true
	return nil
}

func (s *fakeSource) ResumeWrites() error {
	s.Lock()
	defer s.Unlock()
	s.paused = false
	return nil
}

func (s *fakeSource) Checksum() (uint64, int64, error) {
	s.Lock()
	defer s.Unlock()
	return checksumRecords(s.records), int64(len(s.records)), nil
}

func (s *fakeSource) Close() error {
	return nil
}

type fakeTarget struct {
	sync.Mutex

	records map[string][]byte
	closed  bool

	// dropApplies makes the target silently lose log entries, so the
	// pre-flip verification must catch it
	dropApplies bool
}

func newFakeTarget() *fakeTarget {
	return &fakeTarget{records: make(map[string][]byte)}
}

func (t *fakeTarget) Restore(key string, value []byte) error {
	t.Lock()
	defer t.Unlock()
	t.records[key] = value
	return nil
}

func (t *fakeTarget) Apply(entries []*wire.LogEntry) error {
	t.Lock()
	defer t.Unlock()
	if t.dropApplies {
		return nil
	}
	for _, e := range entries {
		t.records[e.Request.Key.RecordKey()] = e.Request.Value
	}
	return nil
}

func (t *fakeTarget) Checksum() (uint64, int64, error) {
	t.Lock()
	defer t.Unlock()
	return checksumRecords(t.records), int64(len(t.records)), nil
}

func (t *fakeTarget) Close() error {
	t.Lock()
	defer t.Unlock()
	t.closed = true
	return nil
}

func checksumRecords(records map[string][]byte) uint64 {
	keys := make([]string, 0, len(records))
	for k := range records {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	hash := xxh3.New()
	for _, k := range keys {
		_, _ = hash.WriteString(k)
		_, _ = hash.Write(records[k])
	}
	return hash.Sum64()
}

type fakeDataRpc struct {
	source  *fakeSource
	targets map[string]*fakeTarget
}

func (p *fakeDataRpc) OpenSource(context.Context, string, uint16) (SourceShard, error) {
	return p.source, nil
}

func (p *fakeDataRpc) OpenTarget(_ context.Context, node string, _ uint16) (TargetShard, error) {
	t, ok := p.targets[node]
	if !ok {
		return nil, errors.Errorf("unknown target %s", node)
	}
	return t, nil
}

func (p *fakeDataRpc) Close() error {
	return nil
}

// fakeNodeRpc records the fencing and promotion traffic of the cutover.
type fakeNodeRpc struct {
	sync.Mutex

	fenced    map[string][]int64
	leader    string
	leaderReq *wire.BecomeLeaderRequest

	// failFence makes fencing a node fail that many more times; negative
	// means the node stays unreachable
	failFence  map[string]int
	headOffset int64
}

func newFakeNodeRpc() *fakeNodeRpc {
	return &fakeNodeRpc{
		fenced:     make(map[string][]int64),
		failFence:  make(map[string]int),
		headOffset: wire.InvalidOffset,
	}
}

func (m *fakeNodeRpc) NewEpoch(_ context.Context, node string, req *wire.NewEpochRequest) (*wire.NewEpochResponse, error) {
	m.Lock()
	defer m.Unlock()
	if m.failFence[node] != 0 {
		if m.failFence[node] > 0 {
			m.failFence[node]--
		}
		return nil, errors.Errorf("node %s unreachable", node)
	}
	m.fenced[node] = append(m.fenced[node], req.Epoch)
	return &wire.NewEpochResponse{
		Epoch:     req.Epoch,
		HeadEntry: wire.EntryID{Epoch: req.Epoch, Offset: m.headOffset},
	}, nil
}

func (m *fakeNodeRpc) BecomeLeader(_ context.Context, node string, req *wire.BecomeLeaderRequest) (*wire.BecomeLeaderResponse, error) {
	m.Lock()
	defer m.Unlock()
	m.leader = node
	m.leaderReq = req
	return &wire.BecomeLeaderResponse{Epoch: req.Epoch}, nil
}

func (m *fakeNodeRpc) AddFollower(_ context.Context, _ string, _ *wire.AddFollowerRequest) (*wire.AddFollowerResponse, error) {
	return &wire.AddFollowerResponse{}, nil
}

func (m *fakeNodeRpc) GetHeartbeat(_ context.Context, node string) (*wire.Heartbeat, error) {
	return &wire.Heartbeat{NodeID: node}, nil
}

func (m *fakeNodeRpc) Close() error {
	return nil
}

func migrationFixture(t *testing.T, source *fakeSource) (*router.Router, *fakeDataRpc, *fakeNodeRpc, metadata.Store) {
	t.Helper()
	store := metadata.NewMemoryStore()
	t.Cleanup(func() {
		assert.NoError(t, store.Close())
	})

	r := router.NewRouter(store)
	assert.NoError(t, r.UpdateRoute(wire.InvalidEpoch, metadata.Route{
		Shard:    1,
		Leader:   "src-a",
		Ensemble: []string{"src-a", "src-b", "src-c"},
		Epoch:    3,
		Status:   metadata.RouteSteady,
	}))

	dataRpc := &fakeDataRpc{
		source: source,
		targets: map[string]*fakeTarget{
			"tgt-0": newFakeTarget(),
			"tgt-1": newFakeTarget(),
			"tgt-2": newFakeTarget(),
		},
	}
	return r, dataRpc, newFakeNodeRpc(), store
}

func TestMigratorMovesShard(t *testing.T) {
	source := newFakeSource(t, 50)
	source.writesDuringCopy = 10

	r, dataRpc, nodeRpc, store := migrationFixture(t, source)
	targets := []string{"tgt-0", "tgt-1", "tgt-2"}

	m := NewMigrator(1, targets, Options{CatchUpLagEntries: 1}, r, dataRpc, nodeRpc)
	assert.NoError(t, m.Run(context.Background()))

	// No record lost or duplicated, including the writes that landed during
	// the copy
	srcHash, srcCount, err := source.Checksum()
	assert.NoError(t, err)
	assert.EqualValues(t, 60, srcCount)
	for _, node := range targets {
		hash, count, err := dataRpc.targets[node].Checksum()
		assert.NoError(t, err)
		assert.Equal(t, srcHash, hash)
		assert.Equal(t, srcCount, count)
		assert.True(t, dataRpc.targets[node].closed)
	}

	// The route points at the target group, one epoch later
	route, err := store.GetRoute(1)
	assert.NoError(t, err)
	assert.EqualValues(t, 4, route.Epoch)
	assert.Equal(t, "tgt-0", route.Leader)
	assert.Equal(t, targets, route.Ensemble)
	assert.Equal(t, metadata.RouteSteady, route.Status)

	// The old ensemble was fenced at the new epoch before the flip
	nodeRpc.Lock()
	defer nodeRpc.Unlock()
	for _, node := range []string{"src-a", "src-b", "src-c"} {
		assert.Contains(t, nodeRpc.fenced[node], int64(4))
	}
	assert.Equal(t, "tgt-0", nodeRpc.leader)
	assert.EqualValues(t, 3, nodeRpc.leaderReq.ReplicationFactor)
	assert.Len(t, nodeRpc.leaderReq.FollowerHeads, 2)
}

func TestMigratorRetriesTransientFenceFailures(t *testing.T) {
	source := newFakeSource(t, 10)
	r, dataRpc, nodeRpc, store := migrationFixture(t, source)

	// The first fencing round reaches only one source member, short of the
	// majority, so the cutover has to run more rounds
	nodeRpc.Lock()
	nodeRpc.failFence["src-b"] = 1
	nodeRpc.failFence["src-c"] = 1
	nodeRpc.Unlock()

	targets := []string{"tgt-0", "tgt-1", "tgt-2"}
	m := NewMigrator(1, targets, Options{CatchUpLagEntries: 1}, r, dataRpc, nodeRpc)
	assert.NoError(t, m.Run(context.Background()))

	route, err := store.GetRoute(1)
	assert.NoError(t, err)
	assert.EqualValues(t, 4, route.Epoch)
	assert.Equal(t, targets, route.Ensemble)

	nodeRpc.Lock()
	defer nodeRpc.Unlock()
	for _, node := range []string{"src-a", "src-b", "src-c"} {
		assert.Contains(t, nodeRpc.fenced[node], int64(4))
	}
	// The member fenced in the first round is not fenced again in the retry
	assert.Len(t, nodeRpc.fenced["src-a"], 1)
}

func TestMigratorPartialFenceNeverResumes(t *testing.T) {
	source := newFakeSource(t, 10)
	r, dataRpc, nodeRpc, store := migrationFixture(t, source)

	// One source member holds the new epoch, the rest stay unreachable. The
	// cutover cannot roll back from here: resuming writes could hand clients
	// a fenced leader.
	nodeRpc.Lock()
	nodeRpc.failFence["src-b"] = -1
	nodeRpc.failFence["src-c"] = -1
	nodeRpc.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	m := NewMigrator(1, []string{"tgt-0", "tgt-1", "tgt-2"}, Options{CatchUpLagEntries: 1}, r, dataRpc, nodeRpc)
	err := m.Run(ctx)
	assert.Error(t, err)
	assert.NotErrorIs(t, err, common.ErrMigrationAborted)

	// Writes stay paused on the source and the route is untouched: the
	// migration has to be driven forward, not rolled back
	source.Lock()
	assert.True(t, source.paused)
	source.Unlock()

	route, err := store.GetRoute(1)
	assert.NoError(t, err)
	assert.EqualValues(t, 3, route.Epoch)
	assert.Equal(t, "src-a", route.Leader)

	nodeRpc.Lock()
	defer nodeRpc.Unlock()
	assert.Contains(t, nodeRpc.fenced["src-a"], int64(4))
	assert.NotContains(t, nodeRpc.fenced, "src-b")
}

func TestMigratorAbortsOnChecksumMismatch(t *testing.T) {
	source := newFakeSource(t, 20)
	source.writesDuringCopy = 10

	r, dataRpc, nodeRpc, store := migrationFixture(t, source)
	dataRpc.targets["tgt-1"].dropApplies = true

	m := NewMigrator(1, []string{"tgt-0", "tgt-1", "tgt-2"}, Options{CatchUpLagEntries: 1}, r, dataRpc, nodeRpc)
	err := m.Run(context.Background())
	assert.ErrorIs(t, err, common.ErrMigrationAborted)

	// The shard stays on the source group, writes resumed
	source.Lock()
	assert.False(t, source.paused)
	source.Unlock()

	route, err := store.GetRoute(1)
	assert.NoError(t, err)
	assert.EqualValues(t, 3, route.Epoch)
	assert.Equal(t, "src-a", route.Leader)
	assert.Equal(t, metadata.RouteSteady, route.Status)

	// Nobody was fenced: the point of no return was never crossed
	nodeRpc.Lock()
	defer nodeRpc.Unlock()
	assert.Empty(t, nodeRpc.fenced)
}

func TestMigratorRequiresSteadyRoute(t *testing.T) {
	source := newFakeSource(t, 5)
	store := metadata.NewMemoryStore()
	defer store.Close()

	r := router.NewRouter(store)
	assert.NoError(t, r.UpdateRoute(wire.InvalidEpoch, metadata.Route{
		Shard:    1,
		Ensemble: []string{"src-a", "src-b", "src-c"},
		Epoch:    3,
		Status:   metadata.RouteElecting,
	}))

	dataRpc := &fakeDataRpc{source: source, targets: map[string]*fakeTarget{}}
	m := NewMigrator(1, nil, Options{}, r, dataRpc, newFakeNodeRpc())
	assert.ErrorIs(t, m.Run(context.Background()), common.ErrInvalidStatus)
}

func TestMigratorAbortsOnExcessivePause(t *testing.T) {
	source := newFakeSource(t, 5)
	r, dataRpc, nodeRpc, store := migrationFixture(t, source)

	m := NewMigrator(1, []string{"tgt-0", "tgt-1", "tgt-2"},
		Options{MaxPause: time.Nanosecond, CatchUpLagEntries: 1}, r, dataRpc, nodeRpc)

	err := m.Run(context.Background())
	assert.ErrorIs(t, err, common.ErrMigrationAborted)

	source.Lock()
	assert.False(t, source.paused)
	source.Unlock()

	route, err := store.GetRoute(1)
	assert.NoError(t, err)
	assert.EqualValues(t, 3, route.Epoch)
}
