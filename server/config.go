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
	"flag"
	"os"
	"strings"

	"github.com/gofrs/uuid"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Config is the Amoria core configuration.
type Config interface {
	GetName() string
	GetLog() *LogConfig
	GetDatabase() *DatabaseConfig
	GetCoordinator() *CoordinatorConfig
	GetSession() *SessionConfig
	GetSocket() *SocketConfig
	GetMatchmaker() *MatchmakerConfig
	GetPrompt() *PromptConfig
	GetBlindDate() *BlindDateConfig

	Validate(logger *zap.Logger)
}

// ParseArgs reads an optional YAML config file then applies command line
// overrides on top of the defaults.
func ParseArgs(logger *zap.Logger, args []string) Config {
	c := NewConfig()

	var configPath string
	fs := flag.NewFlagSet("amoria", flag.ExitOnError)
	fs.StringVar(&configPath, "config", "", "The absolute file path to a configuration YAML file.")
	fs.StringVar(&c.Name, "name", c.Name, "Node name, must be unique across worker processes.")
	fs.StringVar(&c.Database.Address, "database.address", c.Database.Address, "Address of the PostgreSQL store, user:pass@host:port/dbname.")
	fs.StringVar(&c.Coordinator.Address, "coordinator.address", c.Coordinator.Address, "Address of the Redis coordinator. Empty runs an in-process coordinator.")
	fs.StringVar(&c.Session.TokenSecret, "session.token_secret", c.Session.TokenSecret, "Secret used to verify client bearer tokens.")
	fs.StringVar(&c.Socket.Host, "socket.host", c.Socket.Host, "Interface to bind the client listener to.")
	fs.IntVar(&c.Socket.Port, "socket.port", c.Socket.Port, "Port to bind the client listener to.")
	fs.StringVar(&c.Socket.Path, "socket.path", c.Socket.Path, "URL path the WebSocket endpoint is served on.")
	fs.StringVar(&c.Socket.CORSOrigin, "socket.cors_origin", c.Socket.CORSOrigin, "Allowed CORS origin, empty disables CORS handling.")
	fs.BoolVar(&c.Log.Verbose, "log.verbose", c.Log.Verbose, "Turn verbose logging on.")
	fs.BoolVar(&c.Log.Stdout, "log.stdout", c.Log.Stdout, "Log to stdout instead of file.")
	if err := fs.Parse(args[1:]); err != nil {
		logger.Fatal("Could not parse command line arguments", zap.Error(err))
	}

	if configPath != "" {
		data, err := os.ReadFile(configPath)
		if err != nil {
			logger.Fatal("Could not read config file", zap.String("path", configPath), zap.Error(err))
		}
		if err := yaml.Unmarshal(data, c); err != nil {
			logger.Fatal("Could not parse config file", zap.String("path", configPath), zap.Error(err))
		}
		// Command line overrides win over file values.
		fs.Parse(args[1:])
	}

	return c
}

type config struct {
	Name        string             `yaml:"name"`
	Log         *LogConfig         `yaml:"log"`
	Database    *DatabaseConfig    `yaml:"database"`
	Coordinator *CoordinatorConfig `yaml:"coordinator"`
	Session     *SessionConfig     `yaml:"session"`
	Socket      *SocketConfig      `yaml:"socket"`
	Matchmaker  *MatchmakerConfig  `yaml:"matchmaker"`
	Prompt      *PromptConfig      `yaml:"prompt"`
	BlindDate   *BlindDateConfig   `yaml:"blinddate"`
}

// NewConfig constructs a config struct populated with default settings.
func NewConfig() *config {
	nodeName := "amoria-" + strings.Split(uuid.Must(uuid.NewV4()).String(), "-")[4]
	return &config{
		Name:        nodeName,
		Log:         NewLogConfig(),
		Database:    NewDatabaseConfig(),
		Coordinator: NewCoordinatorConfig(),
		Session:     NewSessionConfig(),
		Socket:      NewSocketConfig(),
		Matchmaker:  NewMatchmakerConfig(),
		Prompt:      NewPromptConfig(),
		BlindDate:   NewBlindDateConfig(),
	}
}

func (c *config) GetName() string                    { return c.Name }
func (c *config) GetLog() *LogConfig                 { return c.Log }
func (c *config) GetDatabase() *DatabaseConfig       { return c.Database }
func (c *config) GetCoordinator() *CoordinatorConfig { return c.Coordinator }
func (c *config) GetSession() *SessionConfig         { return c.Session }
func (c *config) GetSocket() *SocketConfig           { return c.Socket }
func (c *config) GetMatchmaker() *MatchmakerConfig   { return c.Matchmaker }
func (c *config) GetPrompt() *PromptConfig           { return c.Prompt }
func (c *config) GetBlindDate() *BlindDateConfig     { return c.BlindDate }

// Validate fails fast on settings the server cannot run without.
func (c *config) Validate(logger *zap.Logger) {
	if c.Session.TokenSecret == "" {
		logger.Fatal("Session token secret must be set", zap.String("param", "session.token_secret"))
	}
	if c.Socket.MaxMessageSizeBytes < 1024 {
		logger.Fatal("Socket max message size is too small", zap.Int64("max_message_size_bytes", c.Socket.MaxMessageSizeBytes))
	}
	if c.Socket.PingPeriodMs >= c.Socket.PongWaitMs {
		logger.Fatal("Socket ping period must be less than pong wait", zap.Int("ping_period_ms", c.Socket.PingPeriodMs), zap.Int("pong_wait_ms", c.Socket.PongWaitMs))
	}
	if c.Matchmaker.ProposalWindowSec <= 0 || c.Prompt.AttemptWindowSec <= 0 {
		logger.Fatal("Acceptance windows must be positive")
	}
	if c.BlindDate.RevealThreshold <= 0 {
		logger.Fatal("Blind date reveal threshold must be positive", zap.Int("reveal_threshold", c.BlindDate.RevealThreshold))
	}
}

// LogConfig is configuration relevant to logging levels and output.
type LogConfig struct {
	Verbose    bool   `yaml:"verbose"`
	Stdout     bool   `yaml:"stdout"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

func NewLogConfig() *LogConfig {
	return &LogConfig{
		Verbose:    false,
		Stdout:     true,
		File:       "",
		MaxSizeMB:  100,
		MaxBackups: 5,
		MaxAgeDays: 30,
	}
}

// DatabaseConfig is configuration relevant to the PostgreSQL store.
type DatabaseConfig struct {
	Address           string `yaml:"address"`
	ConnMaxLifetimeMs int    `yaml:"conn_max_lifetime_ms"`
	MaxOpenConns      int    `yaml:"max_open_conns"`
	MaxIdleConns      int    `yaml:"max_idle_conns"`
}

func NewDatabaseConfig() *DatabaseConfig {
	return &DatabaseConfig{
		Address:           "postgres@localhost:5432/amoria",
		ConnMaxLifetimeMs: 3600000,
		MaxOpenConns:      100,
		MaxIdleConns:      100,
	}
}

// CoordinatorConfig is configuration for the shared TTL key-value service
// backing leases, soft-claims and the worker registry.
type CoordinatorConfig struct {
	Address         string `yaml:"address"`
	Password        string `yaml:"password"`
	DB              int    `yaml:"db"`
	HeartbeatSec    int    `yaml:"heartbeat_sec"`
	WorkerTTLSec    int    `yaml:"worker_ttl_sec"`
	LeaseTTLSec     int    `yaml:"lease_ttl_sec"`
	SoftClaimTTLSec int    `yaml:"soft_claim_ttl_sec"`
	CounterTTLSec   int    `yaml:"counter_ttl_sec"`
}

func NewCoordinatorConfig() *CoordinatorConfig {
	return &CoordinatorConfig{
		Address:         "",
		Password:        "",
		DB:              0,
		HeartbeatSec:    5,
		WorkerTTLSec:    15,
		LeaseTTLSec:     15,
		SoftClaimTTLSec: 10,
		CounterTTLSec:   60,
	}
}

// SessionConfig is configuration relevant to socket authentication.
type SessionConfig struct {
	TokenSecret string `yaml:"token_secret"`
}

func NewSessionConfig() *SessionConfig {
	return &SessionConfig{
		TokenSecret: "",
	}
}

// SocketConfig is configuration relevant to the client listener.
type SocketConfig struct {
	Host                string `yaml:"host"`
	Port                int    `yaml:"port"`
	Path                string `yaml:"path"`
	CORSOrigin          string `yaml:"cors_origin"`
	MaxMessageSizeBytes int64  `yaml:"max_message_size_bytes"`
	WriteWaitMs         int    `yaml:"write_wait_ms"`
	PongWaitMs          int    `yaml:"pong_wait_ms"`
	PingPeriodMs        int    `yaml:"ping_period_ms"`
	TypingIntervalMs    int    `yaml:"typing_interval_ms"`
}

func NewSocketConfig() *SocketConfig {
	return &SocketConfig{
		Host:                "0.0.0.0",
		Port:                7450,
		Path:                "/ws",
		CORSOrigin:          "",
		MaxMessageSizeBytes: 65536,
		WriteWaitMs:         5000,
		PongWaitMs:          25000,
		PingPeriodMs:        15000,
		TypingIntervalMs:    1500,
	}
}

// MatchmakerConfig is configuration for the matchmaking engine.
type MatchmakerConfig struct {
	PassIntervalSec   int `yaml:"pass_interval_sec"`
	ProposalWindowSec int `yaml:"proposal_window_sec"`
	TicketTTLSec      int `yaml:"ticket_ttl_sec"`
}

func NewMatchmakerConfig() *MatchmakerConfig {
	return &MatchmakerConfig{
		PassIntervalSec:   5,
		ProposalWindowSec: 30,
		TicketTTLSec:      120,
	}
}

// PromptConfig is configuration for the prompt based help request matcher.
type PromptConfig struct {
	TickIntervalSec  int `yaml:"tick_interval_sec"`
	AttemptWindowSec int `yaml:"attempt_window_sec"`
	RequestTTLSec    int `yaml:"request_ttl_sec"`
	CandidatePage    int `yaml:"candidate_page"`
}

func NewPromptConfig() *PromptConfig {
	return &PromptConfig{
		TickIntervalSec:  5,
		AttemptWindowSec: 60,
		RequestTTLSec:    3600,
		CandidatePage:    500,
	}
}

// BlindDateConfig is configuration for blind date sessions.
type BlindDateConfig struct {
	RevealThreshold    int `yaml:"reveal_threshold"`
	ReminderSweepSec   int `yaml:"reminder_sweep_sec"`
	ReminderAfterHours int `yaml:"reminder_after_hours"`
}

func NewBlindDateConfig() *BlindDateConfig {
	return &BlindDateConfig{
		RevealThreshold:    20,
		ReminderSweepSec:   21600,
		ReminderAfterHours: 24,
	}
}
