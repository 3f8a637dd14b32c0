// Copyright 2024 The Amoria Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package server

import (
	"context"
	"sync"
	"time"
)

// Coordinator provides lease, soft-claim, worker registry and counter
// primitives over a shared key-value service with TTL semantics. Every
// background loop acquires a lease before mutating shared state.
type Coordinator interface {
	// AcquireLease returns true iff no other holder currently owns key.
	AcquireLease(ctx context.Context, key, holderID string, ttl time.Duration) (bool, error)
	// ReleaseLease deletes key only while holderID still owns it.
	ReleaseLease(ctx context.Context, key, holderID string) error

	// SoftClaim marks key set-if-absent with a short TTL. Used to guard
	// individual tickets and attempts inside a leased pass.
	SoftClaim(ctx context.Context, key, holderID string, ttl time.Duration) (bool, error)
	ReleaseClaim(ctx context.Context, key, holderID string) error

	// RegisterWorker refreshes worker/{id} with the registry TTL. Stale
	// workers fall out when their TTL lapses.
	RegisterWorker(ctx context.Context, workerID string, ttl time.Duration) error
	ListWorkers(ctx context.Context) ([]string, error)

	// IncrCounter atomically increments a named counter, setting the TTL on
	// first increment.
	IncrCounter(ctx context.Context, key string, ttl time.Duration) (int64, error)

	Stop()
}

type localEntry struct {
	holder    string
	expiresAt time.Time
}

// LocalCoordinator is an in-process Coordinator for single-node deployments
// and tests. Semantics mirror the Redis implementation, including lazy
// expiry of stale entries.
type LocalCoordinator struct {
	sync.Mutex
	entries  map[string]*localEntry
	counters map[string]*localCounter
	now      func() time.Time
}

type localCounter struct {
	value     int64
	expiresAt time.Time
}

func NewLocalCoordinator() *LocalCoordinator {
	return &LocalCoordinator{
		entries:  make(map[string]*localEntry),
		counters: make(map[string]*localCounter),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (c *LocalCoordinator) AcquireLease(ctx context.Context, key, holderID string, ttl time.Duration) (bool, error) {
	c.Lock()
	defer c.Unlock()
	now := c.now()
	if e, ok := c.entries[key]; ok && e.expiresAt.After(now) && e.holder != holderID {
		return false, nil
	}
	c.entries[key] = &localEntry{holder: holderID, expiresAt: now.Add(ttl)}
	return true, nil
}

func (c *LocalCoordinator) ReleaseLease(ctx context.Context, key, holderID string) error {
	c.Lock()
	defer c.Unlock()
	if e, ok := c.entries[key]; ok && e.holder == holderID {
		delete(c.entries, key)
	}
	return nil
}

func (c *LocalCoordinator) SoftClaim(ctx context.Context, key, holderID string, ttl time.Duration) (bool, error) {
	c.Lock()
	defer c.Unlock()
	now := c.now()
	if e, ok := c.entries[key]; ok && e.expiresAt.After(now) {
		return e.holder == holderID, nil
	}
	c.entries[key] = &localEntry{holder: holderID, expiresAt: now.Add(ttl)}
	return true, nil
}

func (c *LocalCoordinator) ReleaseClaim(ctx context.Context, key, holderID string) error {
	return c.ReleaseLease(ctx, key, holderID)
}

func (c *LocalCoordinator) RegisterWorker(ctx context.Context, workerID string, ttl time.Duration) error {
	c.Lock()
	defer c.Unlock()
	c.entries["worker/"+workerID] = &localEntry{holder: workerID, expiresAt: c.now().Add(ttl)}
	return nil
}

func (c *LocalCoordinator) ListWorkers(ctx context.Context) ([]string, error) {
	c.Lock()
	defer c.Unlock()
	now := c.now()
	workers := make([]string, 0, len(c.entries))
	for key, e := range c.entries {
		if len(key) > 7 && key[:7] == "worker/" && e.expiresAt.After(now) {
			workers = append(workers, key[7:])
		}
	}
	return workers, nil
}

func (c *LocalCoordinator) IncrCounter(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	c.Lock()
	defer c.Unlock()
	now := c.now()
	counter, ok := c.counters[key]
	if !ok || !counter.expiresAt.After(now) {
		counter = &localCounter{expiresAt: now.Add(ttl)}
		c.counters[key] = counter
	}
	counter.value++
	return counter.value, nil
}

func (c *LocalCoordinator) Stop() {}
