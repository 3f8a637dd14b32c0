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

	"github.com/gofrs/uuid"
	"go.uber.org/zap"
)

// MessageRouter fans outbound envelopes to the sockets joined to a room or
// to every open session of a user. Emissions to absent recipients drop
// silently, persisted state covers them on reconnect.
type MessageRouter interface {
	SendToRoom(logger *zap.Logger, chatID uuid.UUID, envelope *OutboundEnvelope)
	SendToUser(logger *zap.Logger, userID uuid.UUID, envelope *OutboundEnvelope)
}

type LocalMessageRouter struct {
	registry *SessionRegistry
	presence Presence
}

func NewLocalMessageRouter(registry *SessionRegistry, presence Presence) *LocalMessageRouter {
	return &LocalMessageRouter{
		registry: registry,
		presence: presence,
	}
}

func (r *LocalMessageRouter) SendToRoom(logger *zap.Logger, chatID uuid.UUID, envelope *OutboundEnvelope) {
	presences := r.presence.ListRoom(chatID)
	if len(presences) == 0 {
		return
	}

	payload, err := json.Marshal(envelope)
	if err != nil {
		logger.Error("Could not marshal outbound envelope", zap.Error(err))
		return
	}

	for _, p := range presences {
		session := r.registry.Get(p.SessionID)
		if session == nil {
			// Socket already went away, presence cleanup is in flight.
			continue
		}
		if err := session.SendBytes(payload); err != nil {
			logger.Debug("Could not route to session", zap.String("sid", p.SessionID.String()), zap.Error(err))
		}
	}
}

func (r *LocalMessageRouter) SendToUser(logger *zap.Logger, userID uuid.UUID, envelope *OutboundEnvelope) {
	sessions := r.registry.ListByUser(userID)
	if len(sessions) == 0 {
		return
	}

	payload, err := json.Marshal(envelope)
	if err != nil {
		logger.Error("Could not marshal outbound envelope", zap.Error(err))
		return
	}

	for _, session := range sessions {
		if err := session.SendBytes(payload); err != nil {
			logger.Debug("Could not route to session", zap.String("sid", session.ID().String()), zap.Error(err))
		}
	}
}
