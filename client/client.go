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

// Package client is the calling side of the storage layer: it composes no
// identifiers itself, it routes every request to the owning shard leader and
// owns the retry policy of the error taxonomy.
package client

import (
	"context"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/keelkv/keel/common"
	"github.com/keelkv/keel/hlc"
	"github.com/keelkv/keel/ident"
	"github.com/keelkv/keel/metadata"
	"github.com/keelkv/keel/router"
	"github.com/keelkv/keel/wire"
)

// RpcProvider sends one request to the leader of a shard on the given node.
// The embedding process supplies the transport.
type RpcProvider interface {
	Put(ctx context.Context, node string, req *wire.PutRequest) (*wire.WriteResponse, error)
	Get(ctx context.Context, node string, shard uint16, req *wire.GetRequest) (*wire.GetResponse, error)
}

type Options struct {
	// NumShards is the size of the bootstrap shard space, used to map
	// colocation keys onto shards.
	NumShards uint32

	// MaxRetries bounds how many times a request chases a moving leader
	// before the routing error surfaces to the caller.
	MaxRetries int
}

const DefaultMaxRetries = 8

type Client struct {
	router  *router.Router
	rpc     RpcProvider
	options Options
	log     zerolog.Logger
}

func NewClient(r *router.Router, rpc RpcProvider, options Options) *Client {
	if options.MaxRetries == 0 {
		options.MaxRetries = DefaultMaxRetries
	}
	return &Client{
		router:  r,
		rpc:     rpc,
		options: options,
		log: log.With().
			Str("component", "client").
			Logger(),
	}
}

// Put stores a value and returns the identifier the leader composed for it.
// Records sharing a colocation key land on the same shard. An empty token
// gets a fresh idempotency token, so a retry after an ambiguous failure can
// never produce two records; callers retrying a failed Put themselves must
// pass the same token again.
func (c *Client) Put(ctx context.Context, typeTag uint16, colocationKey string,
	value []byte, token string) (ident.ID, hlc.Timestamp, error) {
	if token == "" {
		token = uuid.NewString()
	}

	shard := router.ShardForKey(colocationKey, c.options.NumShards)
	req := &wire.PutRequest{
		Shard:            shard,
		TypeTag:          typeTag,
		Value:            value,
		IdempotencyToken: token,
	}

	var res *wire.WriteResponse
	err := c.withRouteRetries(ctx, shard, func(leader string) error {
		var err error
		res, err = c.rpc.Put(ctx, leader, req)
		return err
	})
	if err != nil {
		return 0, hlc.Timestamp{}, err
	}
	return res.Key, res.Timestamp, nil
}

// Get reads a record. The owning shard comes straight out of the identifier.
func (c *Client) Get(ctx context.Context, id ident.ID) ([]byte, hlc.Timestamp, error) {
	shard := router.ShardForID(id)

	var res *wire.GetResponse
	err := c.withRouteRetries(ctx, shard, func(leader string) error {
		var err error
		res, err = c.rpc.Get(ctx, leader, shard, &wire.GetRequest{Key: id})
		return err
	})
	if err != nil {
		return nil, hlc.Timestamp{}, err
	}
	return res.Value, res.Timestamp, nil
}

// withRouteRetries resolves the shard leader and runs fn against it,
// refreshing the route and retrying when the replica group reports that the
// cached route went stale. Retries are bounded: routing errors are never
// chased silently forever.
func (c *Client) withRouteRetries(ctx context.Context, shard uint16, fn func(leader string) error) error {
	backOff := backoff.WithMaxRetries(common.NewBackOff(ctx), uint64(c.options.MaxRetries))

	return backoff.Retry(func() error {
		route, err := c.router.Resolve(shard)
		if err != nil {
			return err
		}
		if route.Status == metadata.RouteElecting {
			c.router.Invalidate(shard)
			return errors.Wrapf(common.ErrNotLeader, "shard %d is electing a leader", shard)
		}

		err = fn(route.Leader)
		if isRouteStale(err) {
			c.log.Debug().Err(err).
				Uint16("shard", shard).
				Str("leader", route.Leader).
				Msg("Route went stale, re-resolving")
			c.router.Invalidate(shard)
			return err
		}
		if err != nil {
			// Not a routing problem: surface it. ErrReplicationTimeout in
			// particular is an ambiguous outcome owned by the caller.
			return backoff.Permanent(err)
		}
		return nil
	}, backOff)
}

func isRouteStale(err error) bool {
	return errors.Is(err, common.ErrNotLeader) ||
		errors.Is(err, common.ErrStaleEpoch) ||
		errors.Is(err, common.ErrNodeIsNotFollower) ||
		errors.Is(err, common.ErrInvalidStatus)
}
