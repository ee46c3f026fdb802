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

// Package wire defines the messages exchanged between replica group members
// and with the failover coordinator. Transport framing is owned by the
// embedding process: messages travel through provider interfaces, so they are
// plain structs here.
package wire

import (
	"github.com/keelkv/keel/hlc"
	"github.com/keelkv/keel/ident"
)

const (
	InvalidEpoch  int64 = -1
	InvalidOffset int64 = -1
)

// EntryID identifies one position in a shard's replication log.
type EntryID struct {
	Epoch  int64
	Offset int64
}

func (e EntryID) LessOrEqual(o EntryID) bool {
	if e.Epoch != o.Epoch {
		return e.Epoch < o.Epoch
	}
	return e.Offset <= o.Offset
}

// WriteRequest is one record mutation, fully determined by the leader before
// it gets appended to the replication log: followers apply it verbatim.
type WriteRequest struct {
	Key       ident.ID
	Value     []byte
	Timestamp hlc.Timestamp

	// IdempotencyToken deduplicates client retries after an ambiguous failure.
	IdempotencyToken string
}

type WriteResponse struct {
	Key       ident.ID
	Timestamp hlc.Timestamp
}

// LogEntry is one replicated position in the log.
type LogEntry struct {
	Epoch   int64
	Offset  int64
	Request *WriteRequest
}

func (e *LogEntry) EntryID() EntryID {
	return EntryID{Epoch: e.Epoch, Offset: e.Offset}
}

// PutRequest is the client-facing write: the leader assigns the identifier.
type PutRequest struct {
	Shard            uint16
	TypeTag          uint16
	Value            []byte
	IdempotencyToken string
}

type GetRequest struct {
	Key ident.ID
}

type GetResponse struct {
	Value     []byte
	Timestamp hlc.Timestamp
}

// NewEpochRequest fences a node: after accepting it the node rejects every
// message tagged with a lower epoch.
type NewEpochRequest struct {
	Shard uint16
	Epoch int64
}

type NewEpochResponse struct {
	Epoch     int64
	HeadEntry EntryID
}

// TruncateRequest tells a follower to discard the log entries diverging from
// the new leader's log.
type TruncateRequest struct {
	Shard     uint16
	Epoch     int64
	HeadEntry EntryID
}

type TruncateResponse struct {
	Epoch     int64
	HeadEntry EntryID
}

type BecomeLeaderRequest struct {
	Shard             uint16
	Epoch             int64
	ReplicationFactor uint32

	// FollowerHeads Head entry of each follower that acknowledged the new
	// epoch, keyed by node id
	FollowerHeads map[string]EntryID
}

type BecomeLeaderResponse struct {
	Epoch int64
}

type AddFollowerRequest struct {
	Shard        uint16
	Epoch        int64
	FollowerName string
	FollowerHead EntryID
}

type AddFollowerResponse struct {
}

// AppendRequest ships one log entry from the leader to a follower.
type AppendRequest struct {
	Shard        uint16
	Epoch        int64
	Entry        *LogEntry
	CommitOffset int64
}

// AppendResponse acknowledges one entry. InvalidEpoch is set when the
// follower rejected the entry because the sender has been superseded; Epoch
// then carries the follower's current epoch so a stale leader learns it.
type AppendResponse struct {
	Epoch        int64
	Offset       int64
	InvalidEpoch bool
}

type ServingStatus int

const (
	NotMember ServingStatus = iota
	Fenced
	Follower
	Candidate
	Leader
)

func (s ServingStatus) String() string {
	switch s {
	case NotMember:
		return "not-member"
	case Fenced:
		return "fenced"
	case Follower:
		return "follower"
	case Candidate:
		return "candidate"
	case Leader:
		return "leader"
	default:
		return "unknown"
	}
}

// ShardStatus is the per-shard heartbeat payload: epoch plus replication
// progress, consumed by the failover coordinator and the migration engine.
type ShardStatus struct {
	Shard        uint16
	Epoch        int64
	Status       ServingStatus
	HeadOffset   int64
	CommitOffset int64

	// AppliedTimestamp Highest hybrid clock timestamp applied to storage
	AppliedTimestamp hlc.Timestamp
}

// Heartbeat is the node-level liveness report.
type Heartbeat struct {
	NodeID string
	Shards []ShardStatus
}
