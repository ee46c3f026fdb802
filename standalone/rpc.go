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
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/keelkv/keel/coordinator/migration"
	"github.com/keelkv/keel/server"
	"github.com/keelkv/keel/server/kv"
	"github.com/keelkv/keel/wire"
)

var ErrUnknownNode = errors.New("keel: unknown node")

// nodeRegistry resolves node ids to in-process nodes. Every provider in this
// package goes through it instead of a network transport.
type nodeRegistry struct {
	sync.RWMutex
	nodes map[string]*Node
}

func newNodeRegistry() *nodeRegistry {
	return &nodeRegistry{nodes: make(map[string]*Node)}
}

func (r *nodeRegistry) register(n *Node) {
	r.Lock()
	defer r.Unlock()
	r.nodes[n.name] = n
}

func (r *nodeRegistry) get(name string) (*Node, error) {
	r.RLock()
	defer r.RUnlock()
	n, ok := r.nodes[name]
	if !ok {
		return nil, errors.Wrap(ErrUnknownNode, name)
	}
	return n, nil
}

// streamCore is one in-process append stream. The leader holds the sending
// side, the follower's Append loop the receiving side. Cancelling the context
// tears both down.
type streamCore struct {
	ctx    context.Context
	cancel context.CancelFunc

	requests  chan *wire.AppendRequest
	responses chan *wire.AppendResponse

	closeSend sync.Once
}

func newStreamCore(ctx context.Context) *streamCore {
	ctx, cancel := context.WithCancel(ctx)
	return &streamCore{
		ctx:       ctx,
		cancel:    cancel,
		requests:  make(chan *wire.AppendRequest, 100),
		responses: make(chan *wire.AppendResponse, 100),
	}
}

// leaderStream implements server.AppendStream.
type leaderStream struct {
	*streamCore
}

func (s leaderStream) Send(req *wire.AppendRequest) error {
	select {
	case s.requests <- req:
		return nil
	case <-s.ctx.Done():
		return s.ctx.Err()
	}
}

func (s leaderStream) Recv() (*wire.AppendResponse, error) {
	select {
	case res := <-s.responses:
		return res, nil
	case <-s.ctx.Done():
		return nil, s.ctx.Err()
	}
}

func (s leaderStream) CloseSend() error {
	s.closeSend.Do(func() {
		close(s.requests)
	})
	return nil
}

// followerStream implements server.AppendServerStream.
type followerStream struct {
	*streamCore
}

func (s followerStream) Recv() (*wire.AppendRequest, error) {
	select {
	case req, ok := <-s.requests:
		if !ok {
			return nil, nil
		}
		return req, nil
	case <-s.ctx.Done():
		return nil, s.ctx.Err()
	}
}

func (s followerStream) Send(res *wire.AppendResponse) error {
	select {
	case s.responses <- res:
		return nil
	case <-s.ctx.Done():
		return s.ctx.Err()
	}
}

func (s followerStream) Context() context.Context {
	return s.ctx
}

// replicationRpcProvider connects a leader controller to the follower
// controllers hosted by the other in-process nodes.
type replicationRpcProvider struct {
	registry *nodeRegistry
}

func newReplicationRpcProvider(registry *nodeRegistry) server.ReplicationRpcProvider {
	return &replicationRpcProvider{registry: registry}
}

func (r *replicationRpcProvider) GetAppendStream(ctx context.Context, follower string,
	shard uint16) (server.AppendStream, error) {
	n, err := r.registry.get(follower)
	if err != nil {
		return nil, err
	}
	fc, err := n.director.GetOrCreateFollower(shard)
	if err != nil {
		return nil, err
	}

	core := newStreamCore(ctx)
	go func() {
		if err := fc.Append(followerStream{core}); err != nil && !errors.Is(err, context.Canceled) {
			log.Debug().Err(err).
				Str("follower", follower).
				Uint16("shard", shard).
				Msg("Append stream terminated")
		}
		core.cancel()
	}()
	return leaderStream{core}, nil
}

func (r *replicationRpcProvider) Truncate(follower string, req *wire.TruncateRequest) (*wire.TruncateResponse, error) {
	n, err := r.registry.get(follower)
	if err != nil {
		return nil, err
	}
	fc, err := n.director.GetOrCreateFollower(req.Shard)
	if err != nil {
		return nil, err
	}
	return fc.Truncate(req)
}

func (r *replicationRpcProvider) Close() error {
	return nil
}

// nodeRpcProvider is the coordinator's view of the in-process nodes.
type nodeRpcProvider struct {
	registry *nodeRegistry
}

func newNodeRpcProvider(registry *nodeRegistry) *nodeRpcProvider {
	return &nodeRpcProvider{registry: registry}
}

func (p *nodeRpcProvider) NewEpoch(_ context.Context, node string, req *wire.NewEpochRequest) (*wire.NewEpochResponse, error) {
	n, err := p.registry.get(node)
	if err != nil {
		return nil, err
	}
	// A node hosting the shard as leader gets fenced on the leader
	// controller, anybody else on a follower controller.
	if lc, err := n.director.GetLeader(req.Shard); err == nil {
		return lc.NewEpoch(req)
	}
	fc, err := n.director.GetOrCreateFollower(req.Shard)
	if err != nil {
		return nil, err
	}
	return fc.NewEpoch(req)
}

func (p *nodeRpcProvider) BecomeLeader(ctx context.Context, node string, req *wire.BecomeLeaderRequest) (*wire.BecomeLeaderResponse, error) {
	n, err := p.registry.get(node)
	if err != nil {
		return nil, err
	}
	lc, err := n.director.GetOrCreateLeader(req.Shard)
	if err != nil {
		return nil, err
	}
	return lc.BecomeLeader(ctx, req)
}

func (p *nodeRpcProvider) AddFollower(_ context.Context, node string, req *wire.AddFollowerRequest) (*wire.AddFollowerResponse, error) {
	n, err := p.registry.get(node)
	if err != nil {
		return nil, err
	}
	lc, err := n.director.GetLeader(req.Shard)
	if err != nil {
		return nil, err
	}
	return lc.AddFollower(req)
}

func (p *nodeRpcProvider) GetHeartbeat(_ context.Context, node string) (*wire.Heartbeat, error) {
	n, err := p.registry.get(node)
	if err != nil {
		return nil, err
	}
	return &wire.Heartbeat{
		NodeID: node,
		Shards: n.director.ShardStatuses(),
	}, nil
}

func (p *nodeRpcProvider) Close() error {
	return nil
}

// clientRpcProvider routes client requests to the leader controller of the
// addressed node.
type clientRpcProvider struct {
	registry *nodeRegistry
}

func newClientRpcProvider(registry *nodeRegistry) *clientRpcProvider {
	return &clientRpcProvider{registry: registry}
}

func (p *clientRpcProvider) Put(ctx context.Context, node string, req *wire.PutRequest) (*wire.WriteResponse, error) {
	n, err := p.registry.get(node)
	if err != nil {
		return nil, err
	}
	lc, err := n.director.GetLeader(req.Shard)
	if err != nil {
		return nil, err
	}
	return lc.Put(ctx, req)
}

func (p *clientRpcProvider) Get(_ context.Context, node string, shard uint16, req *wire.GetRequest) (*wire.GetResponse, error) {
	n, err := p.registry.get(node)
	if err != nil {
		return nil, err
	}
	lc, err := n.director.GetLeader(shard)
	if err != nil {
		return nil, err
	}
	return lc.Get(req)
}

// migrationRpcProvider gives the migration engine data-plane access to the
// in-process nodes.
type migrationRpcProvider struct {
	registry *nodeRegistry
}

func newMigrationRpcProvider(registry *nodeRegistry) migration.RpcProvider {
	return &migrationRpcProvider{registry: registry}
}

func (p *migrationRpcProvider) OpenSource(_ context.Context, node string, shard uint16) (migration.SourceShard, error) {
	n, err := p.registry.get(node)
	if err != nil {
		return nil, err
	}
	lc, err := n.director.GetLeader(shard)
	if err != nil {
		return nil, err
	}
	return &sourceShard{lc: lc}, nil
}

func (p *migrationRpcProvider) OpenTarget(_ context.Context, node string, shard uint16) (migration.TargetShard, error) {
	n, err := p.registry.get(node)
	if err != nil {
		return nil, err
	}
	db, err := kv.NewDB(shard, n.kvFactory)
	if err != nil {
		return nil, err
	}
	return &targetShard{db: db}, nil
}

func (p *migrationRpcProvider) Close() error {
	return nil
}

// sourceShard adapts the source leader controller. The controller belongs to
// its node, so Close releases nothing.
type sourceShard struct {
	lc server.LeaderController
}

func (s *sourceShard) Snapshot(fn func(key string, value []byte) error) error {
	return s.lc.SnapshotScan(fn)
}

func (s *sourceShard) ReadLog(sinceOffset int64, maxEntries int) ([]*wire.LogEntry, error) {
	return s.lc.ReadLog(sinceOffset, maxEntries)
}

func (s *sourceShard) CommitOffset() (int64, error) {
	return s.lc.CommitOffset(), nil
}

func (s *sourceShard) PauseWrites() error {
	s.lc.PauseWrites()
	return nil
}

func (s *sourceShard) ResumeWrites() error {
	s.lc.ResumeWrites()
	return nil
}

func (s *sourceShard) Checksum() (uint64, int64, error) {
	return s.lc.Checksum()
}

func (s *sourceShard) Close() error {
	return nil
}

// targetShard seeds a shard database on a node that does not serve the shard
// yet. Close releases the database so the node can open it as a follower.
type targetShard struct {
	db kv.DB

	closeOnce sync.Once
	closeErr  error
}

func (t *targetShard) Restore(key string, value []byte) error {
	return t.db.RestoreEntry(key, value)
}

func (t *targetShard) Apply(entries []*wire.LogEntry) error {
	for _, entry := range entries {
		if _, err := t.db.ProcessWrite(entry.Request, entry.Offset); err != nil {
			return err
		}
	}
	return nil
}

func (t *targetShard) Checksum() (uint64, int64, error) {
	return t.db.Checksum()
}

func (t *targetShard) Close() error {
	t.closeOnce.Do(func() {
		t.closeErr = t.db.Close()
	})
	return t.closeErr
}
