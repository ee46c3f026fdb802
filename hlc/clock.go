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

package hlc

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/keelkv/keel/common"
)

// Store persists the clock state so that a process restart can never issue a
// timestamp smaller than one issued before the crash.
//
// The clock persists an upper bound rather than the exact last reading: the
// bound is always ahead of every revealed timestamp, so it only needs to be
// rewritten when the wall clock crosses it.
type Store interface {
	// LastTimestamp returns the persisted bound, or the zero timestamp if the
	// clock has never run on this store.
	LastTimestamp() (Timestamp, error)

	StoreTimestamp(Timestamp) error
}

// Clock is the per-process hybrid clock.
//
// All timestamps returned by Now and Update are strictly increasing, and a
// timestamp returned by Update is always greater than the remote timestamp
// passed in. Both methods persist the clock bound before revealing a
// timestamp to the caller.
type Clock interface {
	// Now returns the next timestamp.
	// Returns ErrClockOverflow when the logical counter is exhausted within the
	// current millisecond. The caller must retry after 1ms.
	Now() (Timestamp, error)

	// Update merges a timestamp received from another process, advancing the
	// local clock past it, and returns the merged reading.
	Update(remote Timestamp) (Timestamp, error)

	// Last returns the last revealed timestamp without advancing the clock.
	Last() Timestamp
}

type Options struct {
	// BoundAheadMillis controls how far ahead of the wall clock the persisted
	// bound is placed. 0 persists on every new millisecond; larger values trade
	// fewer storage writes for a bigger skip-ahead after a restart.
	BoundAheadMillis uint64
}

type clock struct {
	sync.Mutex

	wall  common.Clock
	store Store

	lastPhysical uint64
	counter      uint16
	last         Timestamp

	bound      Timestamp
	boundAhead uint64
}

func NewClock(wall common.Clock, store Store, opts *Options) (Clock, error) {
	var boundAhead uint64
	if opts != nil {
		boundAhead = opts.BoundAheadMillis
	}

	bound, err := store.LastTimestamp()
	if err != nil {
		return nil, errors.Wrap(err, "failed to read persisted clock state")
	}

	return &clock{
		wall:  wall,
		store: store,

		// Resume from the persisted bound: every timestamp issued before the
		// restart was below it
		lastPhysical: bound.Physical,
		counter:      0,
		bound:        bound,
		boundAhead:   boundAhead,
	}, nil
}

func (c *clock) Now() (Timestamp, error) {
	c.Lock()
	defer c.Unlock()

	pt := c.wall.NowMillis()
	if pt > c.lastPhysical {
		return c.reveal(Timestamp{Physical: pt, Logical: 0})
	}

	if c.counter == MaxLogical {
		return Timestamp{}, errors.Wrapf(common.ErrClockOverflow,
			"logical counter exhausted at physical time %d", c.lastPhysical)
	}
	return c.reveal(Timestamp{Physical: c.lastPhysical, Logical: c.counter + 1})
}

func (c *clock) Update(remote Timestamp) (Timestamp, error) {
	c.Lock()
	defer c.Unlock()

	pt := c.wall.NowMillis()

	physical := max(c.lastPhysical, remote.Physical, pt)

	var logical uint32
	switch {
	case physical == c.lastPhysical && physical == remote.Physical:
		logical = uint32(max(c.counter, remote.Logical)) + 1
	case physical == c.lastPhysical:
		logical = uint32(c.counter) + 1
	case physical == remote.Physical:
		logical = uint32(remote.Logical) + 1
	default:
		logical = 0
	}

	if logical > uint32(MaxLogical) {
		return Timestamp{}, errors.Wrapf(common.ErrClockOverflow,
			"logical counter exhausted at physical time %d", physical)
	}

	return c.reveal(Timestamp{Physical: physical, Logical: uint16(logical)})
}

func (c *clock) Last() Timestamp {
	c.Lock()
	defer c.Unlock()
	return c.last
}

// reveal persists the bound if needed and commits the new reading.
// The timestamp is never returned to a caller before the persisted bound
// covers it.
func (c *clock) reveal(ts Timestamp) (Timestamp, error) {
	if ts.Compare(c.bound) >= 0 {
		newBound := Timestamp{Physical: ts.Physical + c.boundAhead + 1, Logical: 0}
		if err := c.store.StoreTimestamp(newBound); err != nil {
			return Timestamp{}, errors.Wrap(err, "failed to persist clock state")
		}
		c.bound = newBound
	}

	c.lastPhysical = ts.Physical
	c.counter = ts.Logical
	c.last = ts
	return ts, nil
}

// NewMemoryStore keeps the clock state in memory. Used for unit tests.
func NewMemoryStore() Store {
	return &memoryStore{}
}

type memoryStore struct {
	sync.Mutex
	ts Timestamp
}

func (m *memoryStore) LastTimestamp() (Timestamp, error) {
	m.Lock()
	defer m.Unlock()
	return m.ts, nil
}

func (m *memoryStore) StoreTimestamp(ts Timestamp) error {
	m.Lock()
	defer m.Unlock()
	m.ts = ts
	return nil
}
