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
	"encoding/json"
	"sync"
	"time"

	"github.com/gofrs/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

type wsSession struct {
	sync.Mutex
	logger   *zap.Logger
	config   Config
	id       uuid.UUID
	userID   uuid.UUID
	username string
	expiry   int64
	stopped  bool
	conn     *websocket.Conn

	pipeline *Pipeline
	presence Presence
	registry *SessionRegistry

	pingTicker       *time.Ticker
	pingTickerStopCh chan struct{}
}

// NewWSSession wraps an upgraded WebSocket connection. Inbound frames are
// consumed one at a time, so all handlers for one session run serialized.
func NewWSSession(logger *zap.Logger, config Config, userID uuid.UUID, username string, expiry int64, conn *websocket.Conn, pipeline *Pipeline, presence Presence, registry *SessionRegistry) Session {
	sessionID := uuid.Must(uuid.NewV4())
	sessionLogger := logger.With(zap.String("uid", userID.String()), zap.String("sid", sessionID.String()))

	sessionLogger.Debug("New WS session connected")

	return &wsSession{
		logger:           sessionLogger,
		config:           config,
		id:               sessionID,
		userID:           userID,
		username:         username,
		expiry:           expiry,
		conn:             conn,
		pipeline:         pipeline,
		presence:         presence,
		registry:         registry,
		stopped:          false,
		pingTicker:       time.NewTicker(time.Duration(config.GetSocket().PingPeriodMs) * time.Millisecond),
		pingTickerStopCh: make(chan struct{}),
	}
}

func (s *wsSession) Logger() *zap.Logger { return s.logger }
func (s *wsSession) ID() uuid.UUID       { return s.id }
func (s *wsSession) UserID() uuid.UUID   { return s.userID }
func (s *wsSession) Username() string    { return s.username }
func (s *wsSession) Expiry() int64       { return s.expiry }

func (s *wsSession) Consume() {
	defer s.cleanupClosedConnection()
	s.conn.SetReadLimit(s.config.GetSocket().MaxMessageSizeBytes)
	s.conn.SetReadDeadline(time.Now().Add(time.Duration(s.config.GetSocket().PongWaitMs) * time.Millisecond))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(time.Duration(s.config.GetSocket().PongWaitMs) * time.Millisecond))
		return nil
	})

	go s.pingPeriodically()

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				if websocket.IsCloseError(err, websocket.CloseMessageTooBig) {
					s.Send(NewOutbound(OutError, &OutboundError{Code: "too_large", Message: "Frame exceeds maximum size"}))
				} else {
					s.logger.Warn("Error reading message from client", zap.Error(err))
				}
			}
			break
		}
		if int64(len(data)) > s.config.GetSocket().MaxMessageSizeBytes {
			s.Send(NewOutbound(OutError, &OutboundError{Code: "too_large", Message: "Frame exceeds maximum size"}))
			continue
		}

		envelope, err := ParseInbound(data)
		if err != nil {
			s.logger.Warn("Received malformed payload", zap.String("data", string(data)), zap.Error(err))
			s.Send(&OutboundEnvelope{Type: OutError, Payload: &OutboundError{Code: "bad_frame", Message: err.Error()}})
			continue
		}

		requestLogger := s.logger
		if envelope.CID != "" {
			requestLogger = s.logger.With(zap.String("cid", envelope.CID))
		}
		s.pipeline.ProcessRequest(requestLogger, s, envelope)
	}
}

func (s *wsSession) pingPeriodically() {
	for {
		select {
		case <-s.pingTicker.C:
			if !s.pingNow() {
				return
			}
		case <-s.pingTickerStopCh:
			return
		}
	}
}

func (s *wsSession) pingNow() bool {
	s.Lock()
	if s.stopped {
		s.Unlock()
		return false
	}
	s.conn.SetWriteDeadline(time.Now().Add(time.Duration(s.config.GetSocket().WriteWaitMs) * time.Millisecond))
	err := s.conn.WriteMessage(websocket.PingMessage, []byte{})
	s.Unlock()
	if err != nil {
		s.logger.Warn("Could not send ping, closing session", zap.Error(err))
		s.cleanupClosedConnection()
		return false
	}
	return true
}

func (s *wsSession) Send(envelope *OutboundEnvelope) error {
	payload, err := json.Marshal(envelope)
	if err != nil {
		s.logger.Warn("Could not marshal outbound envelope", zap.Error(err))
		return err
	}
	return s.SendBytes(payload)
}

func (s *wsSession) SendBytes(payload []byte) error {
	s.Lock()
	defer s.Unlock()
	if s.stopped {
		return nil
	}

	s.conn.SetWriteDeadline(time.Now().Add(time.Duration(s.config.GetSocket().WriteWaitMs) * time.Millisecond))
	err := s.conn.WriteMessage(websocket.TextMessage, payload)
	if err != nil {
		s.logger.Warn("Could not write message", zap.Error(err))
	}
	return err
}

func (s *wsSession) cleanupClosedConnection() {
	s.Lock()
	if s.stopped {
		s.Unlock()
		return
	}
	s.stopped = true
	s.Unlock()

	s.logger.Debug("Cleaning up closed client connection")
	left := s.presence.LeaveAll(s.id)
	s.pipeline.SessionClosed(s.logger, s, left)
	s.registry.Remove(s.id)
	s.pingTicker.Stop()
	close(s.pingTickerStopCh)
	s.conn.Close()
	s.logger.Debug("Closed client connection")
}

func (s *wsSession) Close() {
	s.Lock()
	if s.stopped {
		s.Unlock()
		return
	}
	s.stopped = true
	s.Unlock()

	left := s.presence.LeaveAll(s.id)
	s.pipeline.SessionClosed(s.logger, s, left)
	s.registry.Remove(s.id)
	s.pingTicker.Stop()
	close(s.pingTickerStopCh)
	s.conn.WriteControl(websocket.CloseMessage, []byte{}, time.Now().Add(time.Duration(s.config.GetSocket().WriteWaitMs)*time.Millisecond))
	s.conn.Close()
	s.logger.Debug("Closed client connection")
}
