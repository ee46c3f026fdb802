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

package common

import (
	"context"
	"sync"
)

// ConditionContext is a condition variable whose Wait honors context
// cancellation. It is always paired with an outer lock: Wait releases that
// lock while suspended and reacquires it before returning, so callers check
// their predicate in a loop exactly as with sync.Cond.
//
//	mu.Lock()
//	for !ready() {
//	    if err := cond.Wait(ctx); err != nil {
//	        ...
//	    }
//	}
//	mu.Unlock()
//
// A Wait cut short by the context returns the context error with the outer
// lock held, like any other return.
type ConditionContext interface {
	Wait(ctx context.Context) error

	// Signal wakes at most one waiter.
	Signal()

	// Broadcast wakes every current waiter.
	Broadcast()
}

// notifier wakes waiters through a channel generation: Signal posts a token
// for one waiter, Broadcast retires the whole channel so everyone selecting
// on it unblocks at once.
type notifier struct {
	mu    sync.RWMutex
	outer sync.Locker
	gen   chan struct{}
}

func NewConditionContext(outer sync.Locker) ConditionContext {
	return &notifier{
		outer: outer,
		gen:   make(chan struct{}, 1),
	}
}

func (n *notifier) Wait(ctx context.Context) error {
	n.mu.RLock()
	gen := n.gen
	n.mu.RUnlock()

	n.outer.Unlock()
	defer n.outer.Lock()

	select {
	case <-gen:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (n *notifier) Signal() {
	n.mu.RLock()
	defer n.mu.RUnlock()

	select {
	case n.gen <- struct{}{}:
	default:
		// Nobody waiting and a token already queued
	}
}

func (n *notifier) Broadcast() {
	n.mu.Lock()
	defer n.mu.Unlock()

	close(n.gen)
	n.gen = make(chan struct{}, 1)
}
