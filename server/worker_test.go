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
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// releaseCountingCoordinator observes voluntary lease releases.
type releaseCountingCoordinator struct {
	*LocalCoordinator
	releases atomic.Int32
}

func (c *releaseCountingCoordinator) ReleaseLease(ctx context.Context, key, holderID string) error {
	c.releases.Inc()
	return c.LocalCoordinator.ReleaseLease(ctx, key, holderID)
}

func TestWorkerReleasesLeaseAfterRepeatedTransientErrors(t *testing.T) {
	coordinator := &releaseCountingCoordinator{LocalCoordinator: NewLocalCoordinator()}
	var ticks atomic.Int32

	w := NewWorker(zap.NewNop(), testConfig(), coordinator, newTestMetrics(), "flaky-pass", 5*time.Millisecond, func(ctx context.Context) error {
		ticks.Inc()
		return fmt.Errorf("%w: connection reset", ErrTransientStore)
	})
	w.Start()
	defer w.Stop()

	require.Eventually(t, func() bool {
		return coordinator.releases.Load() >= 1
	}, 2*time.Second, 5*time.Millisecond, "holder should step down after repeated transient errors")
	assert.GreaterOrEqual(t, ticks.Load(), int32(3))
}

func TestWorkerKeepsLeaseOnNonTransientErrors(t *testing.T) {
	coordinator := &releaseCountingCoordinator{LocalCoordinator: NewLocalCoordinator()}
	var ticks atomic.Int32

	w := NewWorker(zap.NewNop(), testConfig(), coordinator, newTestMetrics(), "broken-pass", 5*time.Millisecond, func(ctx context.Context) error {
		ticks.Inc()
		return assert.AnError
	})
	w.Start()

	require.Eventually(t, func() bool {
		return ticks.Load() >= 5
	}, 2*time.Second, 5*time.Millisecond)
	assert.Zero(t, coordinator.releases.Load())
	w.Stop()
}
