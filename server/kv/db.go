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

package kv

import (
	"encoding/binary"
	"fmt"
	"io"
	"sync"

	"github.com/pkg/errors"
	"github.com/zeebo/xxh3"
	"go.uber.org/multierr"

	"github.com/keelkv/keel/hlc"
	"github.com/keelkv/keel/ident"
	"github.com/keelkv/keel/wire"
)

const (
	dataPrefix     = "data/"
	dataPrefixEnd  = "data0" // '0' is the successor of '/'
	internalPrefix = "__keel/"

	epochKey        = internalPrefix + "epoch"
	commitOffsetKey = internalPrefix + "commit-offset"
	clockKey        = internalPrefix + "clock"
	appliedTsKey    = internalPrefix + "applied-ts"
	sequencePrefix  = internalPrefix + "seq/"
	tokenPrefix     = internalPrefix + "token/"
)

// DB is the storage of one shard replica: the records themselves plus the
// replication bookkeeping (current epoch, commit offset, per-type sequence
// counters, the idempotency-token table and the hybrid clock state).
//
// Every mutation goes through ProcessWrite with the offset the entry holds in
// the replication log, so that leader and followers converge on identical
// contents by applying the same log.
type DB interface {
	io.Closer
	hlc.Store

	// ProcessWrite applies one replicated write. Duplicate idempotency tokens
	// are skipped and answered with the originally applied key.
	ProcessWrite(req *wire.WriteRequest, commitOffset int64) (*wire.WriteResponse, error)

	Get(key ident.ID) (*wire.GetResponse, error)

	ReadEpoch() (int64, error)
	UpdateEpoch(epoch int64) error

	ReadCommitOffset() (int64, error)

	// LastSequence returns the highest local sequence number applied for the
	// given type tag, or 0 if none was ever assigned.
	LastSequence(typeTag uint16) (uint64, error)

	// LookupToken resolves an idempotency token to the key it produced.
	LookupToken(token string) (ident.ID, bool, error)

	// AppliedTimestamp is the highest hybrid clock timestamp applied so far.
	AppliedTimestamp() hlc.Timestamp

	// SnapshotScan streams every key of the store, records and bookkeeping
	// alike. Used by the migration engine to seed a new replica group.
	SnapshotScan(fn func(key string, value []byte) error) error

	// RestoreEntry writes one raw entry produced by SnapshotScan.
	RestoreEntry(key string, value []byte) error

	// Checksum folds every record (key, value, timestamp) into a hash, and
	// returns it together with the record count.
	Checksum() (hash uint64, count int64, err error)

	// Erase wipes the shard contents
	Erase() error
}

type db struct {
	sync.Mutex

	shard     uint16
	kv        KV
	appliedTs hlc.Timestamp
}

func NewDB(shard uint16, factory Factory) (DB, error) {
	store, err := factory.NewKV(shard)
	if err != nil {
		return nil, err
	}

	d := &db{
		shard: shard,
		kv:    store,
	}

	if ts, err := d.readUint64(appliedTsKey); err != nil {
		return nil, multierr.Append(err, store.Close())
	} else {
		d.appliedTs = hlc.Unpack(ts)
	}

	return d, nil
}

func (d *db) Close() error {
	return d.kv.Close()
}

func (d *db) ProcessWrite(req *wire.WriteRequest, commitOffset int64) (*wire.WriteResponse, error) {
	d.Lock()
	defer d.Unlock()

	if req.IdempotencyToken != "" {
		if key, found, err := d.lookupToken(req.IdempotencyToken); err != nil {
			return nil, err
		} else if found {
			// The token was already applied: answer with the original key and
			// do not touch the record again
			res, err := d.get(key)
			if err != nil {
				return nil, err
			}
			return &wire.WriteResponse{Key: key, Timestamp: res.Timestamp}, nil
		}
	}

	batch := d.kv.NewWriteBatch()
	defer func() {
		_ = batch.Close()
	}()

	if err := batch.Put(dataPrefix+req.Key.RecordKey(), encodeRecord(req.Value, req.Timestamp)); err != nil {
		return nil, err
	}

	if err := d.advanceSequence(batch, req.Key); err != nil {
		return nil, err
	}

	if req.IdempotencyToken != "" {
		if err := batch.Put(tokenPrefix+req.IdempotencyToken, encodeUint64(uint64(req.Key))); err != nil {
			return nil, err
		}
	}

	if err := batch.Put(commitOffsetKey, encodeUint64(uint64(commitOffset))); err != nil {
		return nil, err
	}

	if req.Timestamp.After(d.appliedTs) {
		if err := batch.Put(appliedTsKey, encodeUint64(req.Timestamp.Pack())); err != nil {
			return nil, err
		}
	}

	if err := batch.Commit(); err != nil {
		return nil, err
	}

	if req.Timestamp.After(d.appliedTs) {
		d.appliedTs = req.Timestamp
	}

	return &wire.WriteResponse{Key: req.Key, Timestamp: req.Timestamp}, nil
}

func (d *db) advanceSequence(batch WriteBatch, key ident.ID) error {
	last, err := d.LastSequence(key.TypeTag())
	if err != nil {
		return err
	}
	if key.Local() <= last {
		return nil
	}
	return batch.Put(sequenceKey(key.TypeTag()), encodeUint64(key.Local()))
}

func (d *db) Get(key ident.ID) (*wire.GetResponse, error) {
	d.Lock()
	defer d.Unlock()
	return d.get(key)
}

func (d *db) get(key ident.ID) (*wire.GetResponse, error) {
	payload, closer, err := d.kv.Get(dataPrefix + key.RecordKey())
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = closer.Close()
	}()

	value, ts, err := decodeRecord(payload)
	if err != nil {
		return nil, err
	}
	return &wire.GetResponse{Value: value, Timestamp: ts}, nil
}

func (d *db) ReadEpoch() (int64, error) {
	return d.readInt64(epochKey, wire.InvalidEpoch)
}

func (d *db) UpdateEpoch(epoch int64) error {
	return d.kv.Put(epochKey, encodeUint64(uint64(epoch)))
}

func (d *db) ReadCommitOffset() (int64, error) {
	return d.readInt64(commitOffsetKey, wire.InvalidOffset)
}

func (d *db) readInt64(key string, missing int64) (int64, error) {
	v, closer, err := d.kv.Get(key)
	if errors.Is(err, ErrKeyNotFound) {
		return missing, nil
	} else if err != nil {
		return missing, err
	}
	defer func() {
		_ = closer.Close()
	}()

	if len(v) != 8 {
		return missing, errors.Errorf("corrupted int64 entry at %q", key)
	}
	return int64(binary.BigEndian.Uint64(v)), nil
}

func (d *db) LastSequence(typeTag uint16) (uint64, error) {
	return d.readUint64(sequenceKey(typeTag))
}

func (d *db) LookupToken(token string) (ident.ID, bool, error) {
	d.Lock()
	defer d.Unlock()
	return d.lookupToken(token)
}

func (d *db) lookupToken(token string) (ident.ID, bool, error) {
	v, closer, err := d.kv.Get(tokenPrefix + token)
	if errors.Is(err, ErrKeyNotFound) {
		return 0, false, nil
	} else if err != nil {
		return 0, false, err
	}
	defer func() {
		_ = closer.Close()
	}()

	if len(v) != 8 {
		return 0, false, errors.Errorf("corrupted token entry for %q", token)
	}
	return ident.ID(binary.BigEndian.Uint64(v)), true, nil
}

func (d *db) AppliedTimestamp() hlc.Timestamp {
	d.Lock()
	defer d.Unlock()
	return d.appliedTs
}

// LastTimestamp & StoreTimestamp implement hlc.Store, giving the leader's
// clock crash-safe state in the same store as the records.

func (d *db) LastTimestamp() (hlc.Timestamp, error) {
	v, err := d.readUint64(clockKey)
	if err != nil {
		return hlc.Timestamp{}, err
	}
	return hlc.Unpack(v), nil
}

func (d *db) StoreTimestamp(ts hlc.Timestamp) error {
	return d.kv.Put(clockKey, encodeUint64(ts.Pack()))
}

func (d *db) SnapshotScan(fn func(key string, value []byte) error) error {
	if err := d.scanRange(dataPrefix, dataPrefixEnd, fn); err != nil {
		return err
	}
	// '0' is the successor of '/' in the internal prefix as well
	return d.scanRange(internalPrefix, internalPrefix[:len(internalPrefix)-1]+"0", fn)
}

func (d *db) scanRange(lower, upper string, fn func(key string, value []byte) error) error {
	it, err := d.kv.RangeScan(lower, upper)
	if err != nil {
		return err
	}
	defer func() {
		_ = it.Close()
	}()

	for ; it.Valid(); it.Next() {
		value, err := it.Value()
		if err != nil {
			return err
		}
		if err = fn(it.Key(), value); err != nil {
			return err
		}
	}
	return nil
}

func (d *db) RestoreEntry(key string, value []byte) error {
	return d.kv.Put(key, value)
}

func (d *db) Checksum() (uint64, int64, error) {
	d.Lock()
	defer d.Unlock()

	hash := xxh3.New()
	var count int64

	err := d.scanRange(dataPrefix, dataPrefixEnd, func(key string, value []byte) error {
		_, _ = hash.WriteString(key)
		_, _ = hash.Write(value)
		count++
		return nil
	})
	if err != nil {
		return 0, 0, err
	}
	return hash.Sum64(), count, nil
}

func (d *db) Erase() error {
	return d.kv.Erase()
}

func (d *db) readUint64(key string) (uint64, error) {
	v, closer, err := d.kv.Get(key)
	if errors.Is(err, ErrKeyNotFound) {
		return 0, nil
	} else if err != nil {
		return 0, err
	}
	defer func() {
		_ = closer.Close()
	}()

	if len(v) != 8 {
		return 0, errors.Errorf("corrupted uint64 entry at %q", key)
	}
	return binary.BigEndian.Uint64(v), nil
}

func sequenceKey(typeTag uint16) string {
	return fmt.Sprintf("%s%04x", sequencePrefix, typeTag)
}

func encodeUint64(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

// Record values carry the packed hybrid timestamp of the producing write in
// the first 8 bytes, followed by the opaque payload.
func encodeRecord(value []byte, ts hlc.Timestamp) []byte {
	b := make([]byte, 8+len(value))
	binary.BigEndian.PutUint64(b, ts.Pack())
	copy(b[8:], value)
	return b
}

func decodeRecord(payload []byte) ([]byte, hlc.Timestamp, error) {
	if len(payload) < 8 {
		return nil, hlc.Timestamp{}, errors.New("corrupted record entry")
	}
	value := make([]byte, len(payload)-8)
	copy(value, payload[8:])
	return value, hlc.Unpack(binary.BigEndian.Uint64(payload)), nil
}
