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

// Package ident implements the 64-bit record identifiers that embed the
// owning virtual shard directly in the id.
//
// Layout, most significant bits first:
//
//	2 bits  reserved, always zero
//	16 bits virtual shard number
//	10 bits object type tag
//	36 bits local sequence number, assigned per (shard, type) by the
//	        leader of the owning shard
//
// A record can move between physical hosts, but the shard field of an id is
// never rewritten: routing a request only requires decoding the id.
package ident

import (
	"fmt"
	"strconv"

	"github.com/pkg/errors"

	"github.com/keelkv/keel/common"
)

const (
	ShardBits = 16
	TypeBits  = 10
	LocalBits = 36

	MaxShard uint16 = 1<<ShardBits - 1
	MaxType  uint16 = 1<<TypeBits - 1
	MaxLocal uint64 = 1<<LocalBits - 1

	typeShift  = LocalBits
	shardShift = LocalBits + TypeBits

	// The two top bits are reserved for schema evolution and must stay zero
	reservedMask uint64 = 0b11 << (shardShift + ShardBits)
)

// ID is a location-encoded record identifier.
type ID uint64

// Compose packs (shard, type, local) into an ID, clearing the reserved bits.
func Compose(shard uint16, typeTag uint16, local uint64) (ID, error) {
	if typeTag > MaxType {
		return 0, errors.Wrapf(common.ErrOutOfRange, "type tag %d exceeds %d bits", typeTag, TypeBits)
	}
	if local > MaxLocal {
		return 0, errors.Wrapf(common.ErrOutOfRange, "local sequence %d exceeds %d bits", local, LocalBits)
	}

	id := uint64(shard)<<shardShift | uint64(typeTag)<<typeShift | local
	return ID(id &^ reservedMask), nil
}

// Decompose unpacks an ID into its (shard, type, local) fields.
func Decompose(id ID) (shard uint16, typeTag uint16, local uint64, err error) {
	if uint64(id)&reservedMask != 0 {
		return 0, 0, 0, errors.Wrapf(common.ErrOutOfRange, "id %d has reserved bits set", id)
	}

	shard = uint16(uint64(id) >> shardShift)
	typeTag = uint16(uint64(id) >> typeShift & uint64(MaxType))
	local = uint64(id) & MaxLocal
	return shard, typeTag, local, nil
}

// Shard extracts the virtual shard number without validating the other fields.
func (id ID) Shard() uint16 {
	return uint16(uint64(id) >> shardShift & uint64(MaxShard))
}

// TypeTag extracts the object type tag.
func (id ID) TypeTag() uint16 {
	return uint16(uint64(id) >> typeShift & uint64(MaxType))
}

// Local extracts the local sequence number.
func (id ID) Local() uint64 {
	return uint64(id) & MaxLocal
}

// RecordKey gives the storage key for the record, ordered by raw id value.
func (id ID) RecordKey() string {
	return fmt.Sprintf("%016x", uint64(id))
}

func (id ID) String() string {
	return strconv.FormatUint(uint64(id), 10)
}

// Parse converts the decimal string representation back into an ID.
func Parse(s string) (ID, error) {
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, errors.Wrapf(common.ErrOutOfRange, "invalid id %q", s)
	}
	if v&reservedMask != 0 {
		return 0, errors.Wrapf(common.ErrOutOfRange, "id %d has reserved bits set", v)
	}
	return ID(v), nil
}
