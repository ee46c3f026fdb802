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

// Package metadata is the strongly consistent configuration store holding the
// routing table. Every route update is an epoch-gated compare-and-swap, so
// the coordinator and the migration engine can never clobber each other's
// leadership changes.
package metadata

import (
	"io"
	"slices"

	"github.com/keelkv/keel/common"
	"github.com/keelkv/keel/wire"
)

type RouteStatus string

const (
	// RouteSteady marks a shard with a confirmed, live leader.
	RouteSteady RouteStatus = "steady"

	// RouteElecting marks a shard whose epoch has been advanced for an
	// election that has not resolved yet. The leader field is not usable.
	RouteElecting RouteStatus = "electing"
)

// Route maps one virtual shard to the replica group currently serving it.
type Route struct {
	Shard uint16 `json:"shard"`

	// Leader is the node serving writes for the shard
	Leader string `json:"leader"`

	// Ensemble is the full replica group membership, leader included
	Ensemble []string `json:"ensemble"`

	// Epoch fences the route: a stored route is only ever replaced by one
	// carrying an equal or later epoch
	Epoch int64 `json:"epoch"`

	Status RouteStatus `json:"status"`
}

type Store interface {
	io.Closer

	// GetRoute returns the stored route for the shard.
	// Returns ErrShardNotFound when the shard has never been assigned.
	GetRoute(shard uint16) (Route, error)

	ListRoutes() ([]Route, error)

	// CompareAndSwap replaces the route for route.Shard.
	//
	// The swap succeeds only when the stored epoch matches expectedEpoch and
	// the new route does not move the epoch backwards. A shard with no stored
	// route matches expectedEpoch == wire.InvalidEpoch. Replaying a swap that
	// already landed succeeds again without changing anything, so a caller
	// can retry after a lost response.
	// Returns ErrStaleEpoch otherwise.
	CompareAndSwap(expectedEpoch int64, route Route) error
}

func (r Route) equals(o Route) bool {
	if r.Shard != o.Shard || r.Leader != o.Leader ||
		r.Epoch != o.Epoch || r.Status != o.Status {
		return false
	}
	return slices.Equal(r.Ensemble, o.Ensemble)
}

func validateSwap(stored Route, storedExists bool, expectedEpoch int64, route Route) error {
	storedEpoch := wire.InvalidEpoch
	if storedExists {
		storedEpoch = stored.Epoch
	}

	if storedEpoch != expectedEpoch || route.Epoch < expectedEpoch {
		// A swap that already landed may come in again after a lost response
		if storedExists && stored.equals(route) {
			return nil
		}
		return common.ErrStaleEpoch
	}
	return nil
}
