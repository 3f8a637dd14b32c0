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
	"io"
	"time"

	"github.com/uber-go/tally/v4"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// Metrics exposes the internal counters the core maintains. Background
// workers bump error counts, the chat plane tracks sessions and dropped
// or blocked events.
type Metrics interface {
	SessionStart()
	SessionEnd()
	CountWorkerError(worker string)
	CountMessageBlocked(reason string)
	CountNotificationDropped()
	CountProposal(outcome string)
	Stop(logger *zap.Logger)
}

type LocalMetrics struct {
	scope  tally.Scope
	closer io.Closer

	sessions     tally.Gauge
	sessionCount *atomic.Int64
}

func NewLocalMetrics(logger *zap.Logger, config Config) *LocalMetrics {
	scope, closer := tally.NewRootScope(tally.ScopeOptions{
		Prefix: "amoria",
		Tags:   map[string]string{"node": config.GetName()},
	}, time.Duration(5)*time.Second)

	return &LocalMetrics{
		scope:        scope,
		closer:       closer,
		sessions:     scope.Gauge("sessions"),
		sessionCount: atomic.NewInt64(0),
	}
}

func (m *LocalMetrics) SessionStart() {
	m.sessions.Update(float64(m.sessionCount.Inc()))
}

func (m *LocalMetrics) SessionEnd() {
	m.sessions.Update(float64(m.sessionCount.Dec()))
}

func (m *LocalMetrics) CountWorkerError(worker string) {
	m.scope.Tagged(map[string]string{"worker": worker}).Counter("worker_errors").Inc(1)
}

func (m *LocalMetrics) CountMessageBlocked(reason string) {
	m.scope.Tagged(map[string]string{"reason": reason}).Counter("messages_blocked").Inc(1)
}

func (m *LocalMetrics) CountNotificationDropped() {
	m.scope.Counter("notifications_dropped").Inc(1)
}

func (m *LocalMetrics) CountProposal(outcome string) {
	m.scope.Tagged(map[string]string{"outcome": outcome}).Counter("match_proposals").Inc(1)
}

func (m *LocalMetrics) Stop(logger *zap.Logger) {
	if err := m.closer.Close(); err != nil {
		logger.Warn("Could not close metrics scope", zap.Error(err))
	}
}
