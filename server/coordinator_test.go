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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCoordinatorLeaseExclusive(t *testing.T) {
	ctx := context.Background()
	clock := &fixedClock{at: time.Unix(1700000000, 0).UTC()}
	c := NewLocalCoordinator()
	c.now = clock.now

	ok, err := c.AcquireLease(ctx, "lease/matchmaker", "node-1", 15*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = c.AcquireLease(ctx, "lease/matchmaker", "node-2", 15*time.Second)
	require.NoError(t, err)
	assert.False(t, ok)

	// The holder may re-acquire to extend its own lease.
	ok, err = c.AcquireLease(ctx, "lease/matchmaker", "node-1", 15*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCoordinatorLeaseExpiry(t *testing.T) {
	ctx := context.Background()
	clock := &fixedClock{at: time.Unix(1700000000, 0).UTC()}
	c := NewLocalCoordinator()
	c.now = clock.now

	ok, _ := c.AcquireLease(ctx, "lease/prompt", "node-1", 15*time.Second)
	require.True(t, ok)

	clock.advance(16 * time.Second)
	ok, err := c.AcquireLease(ctx, "lease/prompt", "node-2", 15*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCoordinatorLeaseRelease(t *testing.T) {
	ctx := context.Background()
	c := NewLocalCoordinator()

	ok, _ := c.AcquireLease(ctx, "lease/reminder", "node-1", 15*time.Second)
	require.True(t, ok)

	// Releasing someone else's lease is a no-op.
	require.NoError(t, c.ReleaseLease(ctx, "lease/reminder", "node-2"))
	ok, _ = c.AcquireLease(ctx, "lease/reminder", "node-3", 15*time.Second)
	assert.False(t, ok)

	require.NoError(t, c.ReleaseLease(ctx, "lease/reminder", "node-1"))
	ok, _ = c.AcquireLease(ctx, "lease/reminder", "node-3", 15*time.Second)
	assert.True(t, ok)
}

func TestCoordinatorSoftClaim(t *testing.T) {
	ctx := context.Background()
	clock := &fixedClock{at: time.Unix(1700000000, 0).UTC()}
	c := NewLocalCoordinator()
	c.now = clock.now

	ok, _ := c.SoftClaim(ctx, "claim/ticket-1", "node-1", 10*time.Second)
	assert.True(t, ok)
	ok, _ = c.SoftClaim(ctx, "claim/ticket-1", "node-2", 10*time.Second)
	assert.False(t, ok)
	// A claim is re-entrant for its holder.
	ok, _ = c.SoftClaim(ctx, "claim/ticket-1", "node-1", 10*time.Second)
	assert.True(t, ok)

	clock.advance(11 * time.Second)
	ok, _ = c.SoftClaim(ctx, "claim/ticket-1", "node-2", 10*time.Second)
	assert.True(t, ok)
}

func TestCoordinatorWorkerRegistry(t *testing.T) {
	ctx := context.Background()
	clock := &fixedClock{at: time.Unix(1700000000, 0).UTC()}
	c := NewLocalCoordinator()
	c.now = clock.now

	require.NoError(t, c.RegisterWorker(ctx, "node-1", 15*time.Second))
	require.NoError(t, c.RegisterWorker(ctx, "node-2", 15*time.Second))

	workers, err := c.ListWorkers(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"node-1", "node-2"}, workers)

	clock.advance(10 * time.Second)
	require.NoError(t, c.RegisterWorker(ctx, "node-1", 15*time.Second))
	clock.advance(10 * time.Second)

	// node-2 stopped heartbeating and fell out of the registry.
	workers, err = c.ListWorkers(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"node-1"}, workers)
}

func TestCoordinatorCounter(t *testing.T) {
	ctx := context.Background()
	clock := &fixedClock{at: time.Unix(1700000000, 0).UTC()}
	c := NewLocalCoordinator()
	c.now = clock.now

	n, err := c.IncrCounter(ctx, "rate/user-1", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	n, _ = c.IncrCounter(ctx, "rate/user-1", time.Minute)
	assert.Equal(t, int64(2), n)

	clock.advance(61 * time.Second)
	n, _ = c.IncrCounter(ctx, "rate/user-1", time.Minute)
	assert.Equal(t, int64(1), n)
}
