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

// Package hlc implements a Hybrid Logical Clock: a per-process clock whose
// timestamps combine wall-clock milliseconds with a logical counter, giving
// strictly increasing, causally consistent timestamps without requiring
// synchronized clocks across machines.
package hlc

const (
	// PhysicalBits Wall-clock milliseconds fit in 48 bits
	PhysicalBits = 48
	// LogicalBits Logical counter within a single millisecond
	LogicalBits = 16

	MaxPhysical uint64 = 1<<PhysicalBits - 1
	MaxLogical  uint16 = 1<<LogicalBits - 1
)

// Timestamp is a single hybrid clock reading. Ordering is lexicographic:
// physical time first, then the logical counter.
type Timestamp struct {
	Physical uint64
	Logical  uint16
}

// Compare returns -1, 0 or +1 following the lexicographic (physical, logical)
// ordering.
func (t Timestamp) Compare(o Timestamp) int {
	switch {
	case t.Physical < o.Physical:
		return -1
	case t.Physical > o.Physical:
		return +1
	case t.Logical < o.Logical:
		return -1
	case t.Logical > o.Logical:
		return +1
	default:
		return 0
	}
}

func (t Timestamp) Before(o Timestamp) bool {
	return t.Compare(o) < 0
}

func (t Timestamp) After(o Timestamp) bool {
	return t.Compare(o) > 0
}

func (t Timestamp) IsZero() bool {
	return t.Physical == 0 && t.Logical == 0
}

// Pack encodes the timestamp in a uint64 that preserves the ordering.
func (t Timestamp) Pack() uint64 {
	return t.Physical<<LogicalBits | uint64(t.Logical)
}

// Unpack decodes a timestamp previously encoded with Pack.
func Unpack(v uint64) Timestamp {
	return Timestamp{
		Physical: v >> LogicalBits,
		Logical:  uint16(v & uint64(MaxLogical)),
	}
}
