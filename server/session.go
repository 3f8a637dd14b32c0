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
	"sync"

	"github.com/gofrs/uuid"
	"go.uber.org/zap"
)

// Session is a single client connection.
type Session interface {
	ID() uuid.UUID
	UserID() uuid.UUID
	Username() string
	Expiry() int64
	Logger() *zap.Logger

	Consume()
	Send(envelope *OutboundEnvelope) error
	SendBytes(payload []byte) error
	Close()
}

// SessionRegistry tracks open sessions by session id and user id. A user
// may hold multiple concurrent sessions (phone plus tablet).
type SessionRegistry struct {
	sync.RWMutex
	metrics  Metrics
	sessions map[uuid.UUID]Session
	byUser   map[uuid.UUID]map[uuid.UUID]Session
}

func NewSessionRegistry(metrics Metrics) *SessionRegistry {
	return &SessionRegistry{
		metrics:  metrics,
		sessions: make(map[uuid.UUID]Session),
		byUser:   make(map[uuid.UUID]map[uuid.UUID]Session),
	}
}

func (r *SessionRegistry) Add(session Session) {
	r.Lock()
	r.sessions[session.ID()] = session
	userSessions, ok := r.byUser[session.UserID()]
	if !ok {
		userSessions = make(map[uuid.UUID]Session, 2)
		r.byUser[session.UserID()] = userSessions
	}
	userSessions[session.ID()] = session
	r.Unlock()
	r.metrics.SessionStart()
}

func (r *SessionRegistry) Remove(sessionID uuid.UUID) {
	r.Lock()
	session, ok := r.sessions[sessionID]
	if ok {
		delete(r.sessions, sessionID)
		if userSessions, ok := r.byUser[session.UserID()]; ok {
			delete(userSessions, sessionID)
			if len(userSessions) == 0 {
				delete(r.byUser, session.UserID())
			}
		}
	}
	r.Unlock()
	if ok {
		r.metrics.SessionEnd()
	}
}

func (r *SessionRegistry) Get(sessionID uuid.UUID) Session {
	r.RLock()
	defer r.RUnlock()
	return r.sessions[sessionID]
}

// ListByUser returns every open session for the user, empty when offline.
func (r *SessionRegistry) ListByUser(userID uuid.UUID) []Session {
	r.RLock()
	defer r.RUnlock()
	userSessions := r.byUser[userID]
	sessions := make([]Session, 0, len(userSessions))
	for _, s := range userSessions {
		sessions = append(sessions, s)
	}
	return sessions
}

func (r *SessionRegistry) Count() int {
	r.RLock()
	defer r.RUnlock()
	return len(r.sessions)
}

func (r *SessionRegistry) Stop() {
	r.Lock()
	sessions := make([]Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.Unlock()
	for _, s := range sessions {
		s.Close()
	}
}
