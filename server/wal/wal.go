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

// Package wal holds the per-shard replication log. Entries are appended by
// the leader in assignment order and shipped to the followers by cursors that
// read the log sequentially. Durability of the records belongs to the storage
// engine: the log itself is an in-memory replication buffer.
package wal

import (
	"io"

	"github.com/pkg/errors"

	"github.com/keelkv/keel/wire"
)

var (
	ErrEntryNotFound     = errors.New("keel: entry not found")
	ErrOffsetOutOfBounds = errors.New("keel: offset out of bounds")
	ErrReaderClosed      = errors.New("keel: reader already closed")
	ErrInvalidNextOffset = errors.New("keel: invalid next offset in log")
)

type Factory interface {
	io.Closer

	NewWal(shard uint16) (Wal, error)
}

// Reader traverses the log sequentially. It is not synchronized itself.
type Reader interface {
	io.Closer

	// ReadNext returns the next entry in the log according to the reader's
	// direction. Returns ErrEntryNotFound past the end; use HasNext to avoid it.
	ReadNext() (*wire.LogEntry, error)

	// HasNext returns true if there is an entry to read.
	HasNext() bool
}

type Wal interface {
	io.Closer

	// Append writes an entry to the end of the log
	Append(entry *wire.LogEntry) error

	// TruncateLog removes entries from the end of the log with an offset
	// greater than lastSafeOffset, and returns the new head offset
	TruncateLog(lastSafeOffset int64) (int64, error)

	// NewReader returns a Reader positioned on the entry after `after`,
	// moving towards the log end
	NewReader(after int64) (Reader, error)

	// NewReverseReader returns a Reader positioned on the last entry,
	// moving towards the log beginning
	NewReverseReader() (Reader, error)

	// LastOffset Return the offset of the last entry in the log,
	// or InvalidOffset if the log is empty
	LastOffset() int64

	// FirstOffset Return the offset of the first entry in the log,
	// or InvalidOffset if the log is empty
	FirstOffset() int64

	// Clear removes all the entries in the log
	Clear() error
}
