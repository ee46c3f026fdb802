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

package wal

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/keelkv/keel/wire"
)

type inMemoryWalFactory struct{}

func NewInMemoryWalFactory() Factory {
	return &inMemoryWalFactory{}
}

func (f *inMemoryWalFactory) NewWal(shard uint16) (Wal, error) {
	return &inMemoryWal{
		shard:       shard,
		log:         make(map[int64]*wire.LogEntry),
		firstOffset: wire.InvalidOffset,
		lastOffset:  wire.InvalidOffset,
	}, nil
}

func (f *inMemoryWalFactory) Close() error {
	return nil
}

type inMemoryWal struct {
	sync.Mutex
	shard       uint16
	log         map[int64]*wire.LogEntry
	firstOffset int64
	lastOffset  int64
}

type inMemReader struct {
	// wal the log to iterate
	wal *inMemoryWal
	// nextOffset the offset of the entry to read next
	nextOffset int64
	closed     bool
}

type inMemForwardReader struct {
	inMemReader
}

type inMemReverseReader struct {
	inMemReader
}

func (r *inMemForwardReader) Close() error {
	r.closed = true
	return nil
}

func (r *inMemReverseReader) Close() error {
	r.closed = true
	return nil
}

func (r *inMemForwardReader) ReadNext() (*wire.LogEntry, error) {
	r.wal.Lock()
	defer r.wal.Unlock()

	if r.closed {
		return nil, ErrReaderClosed
	}

	entry, ok := r.wal.log[r.nextOffset]
	if !ok {
		return nil, ErrEntryNotFound
	}
	r.nextOffset++
	return entry, nil
}

func (r *inMemForwardReader) HasNext() bool {
	r.wal.Lock()
	defer r.wal.Unlock()
	if r.closed {
		return false
	}

	return r.wal.lastOffset != wire.InvalidOffset && r.nextOffset <= r.wal.lastOffset
}

func (r *inMemReverseReader) ReadNext() (*wire.LogEntry, error) {
	r.wal.Lock()
	defer r.wal.Unlock()

	if r.closed {
		return nil, ErrReaderClosed
	}

	entry, ok := r.wal.log[r.nextOffset]
	if !ok {
		return nil, ErrEntryNotFound
	}
	r.nextOffset--
	return entry, nil
}

func (r *inMemReverseReader) HasNext() bool {
	r.wal.Lock()
	defer r.wal.Unlock()

	if r.closed {
		return false
	}

	return r.wal.firstOffset != wire.InvalidOffset && r.nextOffset >= r.wal.firstOffset
}

func (w *inMemoryWal) Close() error {
	return nil
}

func (w *inMemoryWal) Append(entry *wire.LogEntry) error {
	w.Lock()
	defer w.Unlock()

	if w.lastOffset != wire.InvalidOffset && entry.Offset != w.lastOffset+1 {
		return errors.Wrapf(ErrInvalidNextOffset,
			"expected offset %d, got %d", w.lastOffset+1, entry.Offset)
	}

	w.log[entry.Offset] = entry
	w.lastOffset = entry.Offset
	if w.firstOffset == wire.InvalidOffset {
		w.firstOffset = entry.Offset
	}
	return nil
}

func (w *inMemoryWal) TruncateLog(lastSafeOffset int64) (int64, error) {
	w.Lock()
	defer w.Unlock()

	for offset := lastSafeOffset + 1; offset <= w.lastOffset; offset++ {
		delete(w.log, offset)
	}
	if lastSafeOffset < w.firstOffset {
		w.firstOffset = wire.InvalidOffset
		w.lastOffset = wire.InvalidOffset
	} else {
		w.lastOffset = lastSafeOffset
	}
	return w.lastOffset, nil
}

func (w *inMemoryWal) NewReader(after int64) (Reader, error) {
	w.Lock()
	defer w.Unlock()

	return &inMemForwardReader{
		inMemReader: inMemReader{
			wal:        w,
			nextOffset: after + 1,
			closed:     false,
		},
	}, nil
}

func (w *inMemoryWal) NewReverseReader() (Reader, error) {
	w.Lock()
	defer w.Unlock()

	return &inMemReverseReader{inMemReader{
		wal:        w,
		nextOffset: w.lastOffset,
		closed:     false,
	}}, nil
}

func (w *inMemoryWal) LastOffset() int64 {
	w.Lock()
	defer w.Unlock()

	return w.lastOffset
}

func (w *inMemoryWal) FirstOffset() int64 {
	w.Lock()
	defer w.Unlock()

	return w.firstOffset
}

func (w *inMemoryWal) Clear() error {
	w.Lock()
	defer w.Unlock()

	w.log = make(map[int64]*wire.LogEntry)
	w.firstOffset = wire.InvalidOffset
	w.lastOffset = wire.InvalidOffset
	return nil
}
