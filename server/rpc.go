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

package server

import (
	"context"
	"io"

	"github.com/keelkv/keel/wire"
)

// AppendStream is the leader-side handle of the entry stream towards one
// follower: entries flow one way, acknowledgments the other.
type AppendStream interface {
	Send(*wire.AppendRequest) error
	Recv() (*wire.AppendResponse, error)
	CloseSend() error
}

// AppendServerStream is the follower-side handle of the same stream.
type AppendServerStream interface {
	Recv() (*wire.AppendRequest, error)
	Send(*wire.AppendResponse) error
	Context() context.Context
}

// ReplicationRpcProvider gives a leader access to its followers. The concrete
// transport is owned by the embedding process: in-process channels in
// standalone mode, a network stack in a full deployment.
type ReplicationRpcProvider interface {
	io.Closer

	GetAppendStream(ctx context.Context, follower string, shard uint16) (AppendStream, error)

	Truncate(follower string, req *wire.TruncateRequest) (*wire.TruncateResponse, error)
}
