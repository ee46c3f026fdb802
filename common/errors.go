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

package common

import "github.com/pkg/errors"

var (
	// ErrOutOfRange An identifier field exceeds its bit width. Caller bug, not retryable.
	ErrOutOfRange = errors.New("keel: id field out of range")

	// ErrNotLeader The node is not the leader for the shard. The caller must
	// re-resolve the route and retry.
	ErrNotLeader = errors.New("keel: node is not leader for shard")

	// ErrNodeIsNotFollower The node is not a follower for the shard.
	ErrNodeIsNotFollower = errors.New("keel: node is not follower for shard")

	// ErrStaleEpoch The operation carried an epoch lower than the one currently
	// known. The caller must refresh its routing cache and retry.
	ErrStaleEpoch = errors.New("keel: stale epoch")

	// ErrReplicationTimeout A write did not reach majority acknowledgment within
	// the bounded window. The durability of the write is unknown: the caller
	// owns the idempotent-retry decision.
	ErrReplicationTimeout = errors.New("keel: replication quorum timeout")

	// ErrClockOverflow The hybrid clock logical counter would overflow within the
	// current millisecond. Transient, retry after 1ms.
	ErrClockOverflow = errors.New("keel: hybrid clock counter overflow")

	// ErrMigrationAborted A shard migration was rolled back. The shard keeps
	// serving from its original host.
	ErrMigrationAborted = errors.New("keel: migration aborted")

	ErrInvalidStatus = errors.New("keel: invalid status")
	ErrAlreadyClosed = errors.New("keel: node is shutting down")
	ErrShardNotFound = errors.New("keel: shard not found")
)
