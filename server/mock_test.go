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

import (
	"context"

	"github.com/keelkv/keel/common"
	"github.com/keelkv/keel/hlc"
	"github.com/keelkv/keel/ident"
	"github.com/keelkv/keel/wire"
)

func testID(local uint64) ident.ID {
	id, err := ident.Compose(1, 7, local)
	if err != nil {
		panic(err)
	}
	return id
}

func testTS(physical uint64) hlc.Timestamp {
	return hlc.Timestamp{Physical: physical}
}

// mockServerAppendStream feeds a follower's Append loop from a test.
type mockServerAppendStream struct {
	requests  chan *wire.AppendRequest
	responses chan *wire.AppendResponse
}

func newMockServerAppendStream() *mockServerAppendStream {
	return &mockServerAppendStream{
		requests:  make(chan *wire.AppendRequest, 100),
		responses: make(chan *wire.AppendResponse, 100),
	}
}

func (m *mockServerAppendStream) AddRequest(req *wire.AppendRequest) {
	m.requests <- req
}

func (m *mockServerAppendStream) GetResponse() *wire.AppendResponse {
	return <-m.responses
}

func (m *mockServerAppendStream) CloseSend() {
	close(m.requests)
}

func (m *mockServerAppendStream) Recv() (*wire.AppendRequest, error) {
	req, ok := <-m.requests
	if !ok {
		return nil, nil
	}
	return req, nil
}

func (m *mockServerAppendStream) Send(res *wire.AppendResponse) error {
	m.responses <- res
	return nil
}

func (m *mockServerAppendStream) Context() context.Context {
	return context.Background()
}

// inMemRpcProvider lets a leader under test replicate to follower controllers
// living in the same test.
type inMemRpcProvider struct {
	followers map[string]FollowerController
}

func newInMemRpcProvider() *inMemRpcProvider {
	return &inMemRpcProvider{followers: make(map[string]FollowerController)}
}

type testClientStream struct {
	ctx       context.Context
	cancel    context.CancelFunc
	requests  chan *wire.AppendRequest
	responses chan *wire.AppendResponse
}

func (s *testClientStream) Send(req *wire.AppendRequest) error {
	select {
	case s.requests <- req:
		return nil
	case <-s.ctx.Done():
		return s.ctx.Err()
	}
}

func (s *testClientStream) Recv() (*wire.AppendResponse, error) {
	select {
	case res := <-s.responses:
		return res, nil
	case <-s.ctx.Done():
		return nil, s.ctx.Err()
	}
}

func (s *testClientStream) CloseSend() error {
	close(s.requests)
	return nil
}

type testServerStream struct {
	*testClientStream
}

func (s testServerStream) Recv() (*wire.AppendRequest, error) {
	select {
	case req, ok := <-s.requests:
		if !ok {
			return nil, nil
		}
		return req, nil
	case <-s.ctx.Done():
		return nil, s.ctx.Err()
	}
}

func (s testServerStream) Send(res *wire.AppendResponse) error {
	select {
	case s.responses <- res:
		return nil
	case <-s.ctx.Done():
		return s.ctx.Err()
	}
}

func (s testServerStream) Context() context.Context {
	return s.ctx
}

func (p *inMemRpcProvider) GetAppendStream(ctx context.Context, follower string, _ uint16) (AppendStream, error) {
	fc, ok := p.followers[follower]
	if !ok {
		return nil, common.ErrShardNotFound
	}

	ctx, cancel := context.WithCancel(ctx)
	cs := &testClientStream{
		ctx:       ctx,
		cancel:    cancel,
		requests:  make(chan *wire.AppendRequest, 100),
		responses: make(chan *wire.AppendResponse, 100),
	}
	go func() {
		_ = fc.Append(testServerStream{cs})
		cancel()
	}()
	return cs, nil
}

func (p *inMemRpcProvider) Truncate(follower string, req *wire.TruncateRequest) (*wire.TruncateResponse, error) {
	fc, ok := p.followers[follower]
	if !ok {
		return nil, common.ErrShardNotFound
	}
	return fc.Truncate(req)
}

func (p *inMemRpcProvider) Close() error {
	return nil
}

func entryAt(epoch int64, offset int64, key uint64, value string, ts uint64) *wire.AppendRequest {
	return &wire.AppendRequest{
		Shard: 1,
		Epoch: epoch,
		Entry: &wire.LogEntry{
			Epoch:  epoch,
			Offset: offset,
			Request: &wire.WriteRequest{
				Key:       testID(key),
				Value:     []byte(value),
				Timestamp: testTS(ts),
			},
		},
		CommitOffset: wire.InvalidOffset,
	}
}
