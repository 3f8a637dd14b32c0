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

package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/amoriapp/amoria/server"
	"go.uber.org/zap"
)

const version = "1.3.0"

func main() {
	semver := version
	ctx, ctxCancelFn := context.WithCancel(context.Background())

	tmpLogger := server.NewJSONLogger(os.Stdout, true)

	config := server.ParseArgs(tmpLogger, os.Args)
	logger, startupLogger := server.SetupLogging(config)
	config.Validate(startupLogger)

	startupLogger.Info("Amoria starting", zap.String("version", semver), zap.String("name", config.GetName()))

	db := server.DbConnect(ctx, startupLogger, config)

	var coordinator server.Coordinator
	if config.GetCoordinator().Address != "" {
		redisCoordinator, err := server.NewRedisCoordinator(ctx, startupLogger, config)
		if err != nil {
			startupLogger.Fatal("Could not connect to coordinator", zap.Error(err))
		}
		coordinator = redisCoordinator
	} else {
		startupLogger.Info("No coordinator address set, using in-process coordinator")
		coordinator = server.NewLocalCoordinator()
	}

	metrics := server.NewLocalMetrics(logger, config)
	presence := server.NewLocalPresence()
	registry := server.NewSessionRegistry(metrics)
	router := server.NewLocalMessageRouter(registry, presence)

	gate := server.NewNotificationGate(logger, server.NewSQLGateStore(logger, db), server.NoopPushSender{}, metrics)
	blindDates := server.NewBlindDateManager(logger, config, server.NewSQLBlindDateStore(logger, db), router, gate)
	matchmaker := server.NewMatchmaker(logger, config, server.NewSQLMatchmakerStore(logger, db), coordinator, router, metrics, blindDates)
	prompts := server.NewPromptMatcher(logger, config, server.NewSQLPromptStore(logger, db), router)

	pipeline := server.NewPipeline(logger, config, db, presence, registry, router, metrics, matchmaker, prompts, blindDates, gate)

	matchmakerWorker := server.NewWorker(logger, config, coordinator, metrics, "matchmaker",
		time.Duration(config.GetMatchmaker().PassIntervalSec)*time.Second, matchmaker.Pass)
	promptWorker := server.NewWorker(logger, config, coordinator, metrics, "prompt",
		time.Duration(config.GetPrompt().TickIntervalSec)*time.Second, prompts.Tick)
	reminderWorker := server.NewWorker(logger, config, coordinator, metrics, "blind_date_reminder",
		time.Duration(config.GetBlindDate().ReminderSweepSec)*time.Second, blindDates.SweepReminders)

	matchmakerWorker.Start()
	promptWorker.Start()
	reminderWorker.Start()

	apiServer := server.StartApiServer(logger, startupLogger, config, db, registry, presence, pipeline, matchmaker)

	startupLogger.Info("Startup done")

	interrupt := make(chan os.Signal, 2)
	signal.Notify(interrupt, os.Interrupt, syscall.SIGTERM, syscall.SIGINT)
	<-interrupt

	logger.Info("Shutting down")
	apiServer.Stop()
	matchmakerWorker.Stop()
	promptWorker.Stop()
	reminderWorker.Stop()
	presence.Stop()
	coordinator.Stop()
	metrics.Stop(logger)
	if err := db.Close(); err != nil {
		logger.Warn("Could not close database", zap.Error(err))
	}
	ctxCancelFn()
	logger.Info("Shutdown complete")
	os.Exit(0)
}
