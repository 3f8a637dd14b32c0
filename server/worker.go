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
	"errors"
	"time"

	"go.uber.org/zap"
)

// Worker is a lease-guarded background loop. One instance across the
// cluster is active per lease key at a time, other processes act as hot
// standbys: they keep heartbeating the registry and retry the lease each
// tick. Three consecutive transient errors make the holder release its
// lease voluntarily so a standby can take over.
type Worker struct {
	logger      *zap.Logger
	config      Config
	coordinator Coordinator
	metrics     Metrics

	name     string
	holderID string
	interval time.Duration
	leaseTTL time.Duration
	tick     func(ctx context.Context) error

	ctx         context.Context
	ctxCancelFn context.CancelFunc
	stopped     chan struct{}
}

func NewWorker(logger *zap.Logger, config Config, coordinator Coordinator, metrics Metrics, name string, interval time.Duration, tick func(ctx context.Context) error) *Worker {
	ctx, ctxCancelFn := context.WithCancel(context.Background())
	return &Worker{
		logger:      logger.With(zap.String("worker", name)),
		config:      config,
		coordinator: coordinator,
		metrics:     metrics,
		name:        name,
		holderID:    config.GetName() + "/" + name,
		interval:    interval,
		leaseTTL:    time.Duration(config.GetCoordinator().LeaseTTLSec) * time.Second,
		tick:        tick,
		ctx:         ctx,
		ctxCancelFn: ctxCancelFn,
		stopped:     make(chan struct{}),
	}
}

// Start launches the loop. It returns immediately.
func (w *Worker) Start() {
	go w.run()
	w.logger.Info("Worker started", zap.Duration("interval", w.interval))
}

func (w *Worker) run() {
	defer close(w.stopped)

	heartbeat := time.Duration(w.config.GetCoordinator().HeartbeatSec) * time.Second
	workerTTL := time.Duration(w.config.GetCoordinator().WorkerTTLSec) * time.Second
	registryTicker := time.NewTicker(heartbeat)
	defer registryTicker.Stop()
	passTicker := time.NewTicker(w.interval)
	defer passTicker.Stop()

	if err := w.coordinator.RegisterWorker(w.ctx, w.holderID, workerTTL); err != nil {
		w.logger.Warn("Could not register worker", zap.Error(err))
	}

	consecutiveTransient := 0
	for {
		select {
		case <-w.ctx.Done():
			w.release()
			return
		case <-registryTicker.C:
			if err := w.coordinator.RegisterWorker(w.ctx, w.holderID, workerTTL); err != nil {
				w.logger.Warn("Could not refresh worker registration", zap.Error(err))
			}
		case <-passTicker.C:
			held, err := w.coordinator.AcquireLease(w.ctx, w.name, w.holderID, w.leaseTTL)
			if err != nil {
				w.logger.Warn("Could not acquire lease", zap.Error(err))
				continue
			}
			if !held {
				continue
			}

			// Retryable store errors are absorbed by backoff inside the
			// pass; only an exhausted budget surfaces as transient here.
			if err := ExecuteRetryable(w.ctx, func() error { return w.tick(w.ctx) }); err != nil {
				w.metrics.CountWorkerError(w.name)
				if _, cErr := w.coordinator.IncrCounter(w.ctx, "errors/"+w.name, time.Duration(w.config.GetCoordinator().CounterTTLSec)*time.Second); cErr != nil {
					w.logger.Debug("Could not increment error counter", zap.Error(cErr))
				}
				if errors.Is(err, ErrTransientStore) {
					consecutiveTransient++
					w.logger.Warn("Worker pass failed on transient store error", zap.Int("consecutive", consecutiveTransient), zap.Error(err))
					if consecutiveTransient >= 3 {
						w.logger.Warn("Releasing lease after repeated transient errors")
						w.release()
						consecutiveTransient = 0
					}
					continue
				}
				w.logger.Error("Worker pass failed", zap.Error(err))
				continue
			}
			consecutiveTransient = 0
		}
	}
}

func (w *Worker) release() {
	releaseCtx, releaseCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer releaseCancel()
	if err := w.coordinator.ReleaseLease(releaseCtx, w.name, w.holderID); err != nil {
		w.logger.Warn("Could not release lease", zap.Error(err))
	}
}

// Stop cancels the loop and waits for the current pass to finish.
func (w *Worker) Stop() {
	w.ctxCancelFn()
	<-w.stopped
	w.logger.Info("Worker stopped")
}
