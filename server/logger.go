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
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

type loggerEnabler struct {
	verbose bool
}

func (l *loggerEnabler) Enabled(level zapcore.Level) bool {
	return l.verbose || level > zapcore.DebugLevel
}

// SetupLogging returns the server logger and a multi logger for startup
// output. When a log file is configured the server logger writes rotated
// JSON there and the multi logger tees to stdout as well.
func SetupLogging(config Config) (*zap.Logger, *zap.Logger) {
	consoleLogger := NewJSONLogger(os.Stdout, config.GetLog().Verbose)

	if config.GetLog().Stdout || config.GetLog().File == "" {
		logger := consoleLogger.With(zap.String("node", config.GetName()))
		zap.RedirectStdLog(logger)
		return logger, logger
	}

	fileOutput := &lumberjack.Logger{
		Filename:   config.GetLog().File,
		MaxSize:    config.GetLog().MaxSizeMB,
		MaxBackups: config.GetLog().MaxBackups,
		MaxAge:     config.GetLog().MaxAgeDays,
	}
	jsonLogger := NewJSONLogger(fileOutput, config.GetLog().Verbose).With(zap.String("node", config.GetName()))
	zap.RedirectStdLog(jsonLogger)

	multiLogger := NewMultiLogger(consoleLogger, jsonLogger)
	return jsonLogger, multiLogger
}

func NewJSONLogger(output io.Writer, verbose bool) *zap.Logger {
	jsonEncoder := zapcore.NewJSONEncoder(zapcore.EncoderConfig{
		TimeKey:        "ts",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	})

	core := zapcore.NewCore(jsonEncoder, zapcore.AddSync(output), &loggerEnabler{verbose})
	options := []zap.Option{zap.AddStacktrace(zap.ErrorLevel)}

	return zap.New(core, options...)
}

func NewMultiLogger(loggers ...*zap.Logger) *zap.Logger {
	cores := make([]zapcore.Core, 0, len(loggers))
	for _, logger := range loggers {
		cores = append(cores, logger.Core())
	}

	teeCore := zapcore.NewTee(cores...)
	options := []zap.Option{zap.AddStacktrace(zap.ErrorLevel)}
	return zap.New(teeCore, options...)
}
