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

import "time"

type Config struct {
	// DataDir is the root directory for the record storage of every shard
	// hosted by this node.
	DataDir string

	// WalDir is the root directory for the replication logs.
	WalDir string

	// InMemory keeps both storage and logs in memory. Used by the standalone
	// mode and by tests.
	InMemory bool

	// ReplicationTimeout bounds how long a write waits for the majority
	// acknowledgment before failing with an ambiguous outcome.
	ReplicationTimeout time.Duration

	// ClockBoundAheadMillis tunes how often the hybrid clock persists its
	// restart bound.
	ClockBoundAheadMillis uint64
}

const DefaultReplicationTimeout = 2 * time.Second

func (c Config) replicationTimeout() time.Duration {
	if c.ReplicationTimeout > 0 {
		return c.ReplicationTimeout
	}
	return DefaultReplicationTimeout
}
