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
	"io"

	"github.com/keelkv/keel/wire"
)

// NodeRpcProvider is how the coordinator reaches the shard controllers on
// each storage node. The embedding process supplies the transport.
type NodeRpcProvider interface {
	io.Closer

	// NewEpoch fences one node of a shard at a later epoch.
	NewEpoch(ctx context.Context, node string, req *wire.NewEpochRequest) (*wire.NewEpochResponse, error)

	// BecomeLeader promotes the selected node for the current epoch.
	BecomeLeader(ctx context.Context, node string, req *wire.BecomeLeaderRequest) (*wire.BecomeLeaderResponse, error)

	// AddFollower attaches a straggler follower to an established leader.
	AddFollower(ctx context.Context, node string, req *wire.AddFollowerRequest) (*wire.AddFollowerResponse, error)

	// GetHeartbeat polls one node's liveness report, carrying the epoch and
	// replication progress of every shard it hosts.
	GetHeartbeat(ctx context.Context, node string) (*wire.Heartbeat, error)
}

// NodeAvailabilityListener gets notified by the node controllers when a
// storage node stops answering health probes.
type NodeAvailabilityListener interface {
	NodeBecameUnavailable(node string)
}
