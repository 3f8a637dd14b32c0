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
)

// RoomPresence is one socket joined to a chat room.
type RoomPresence struct {
	SessionID uuid.UUID
	UserID    uuid.UUID
}

// Presence tracks room membership and typing state for connected sockets.
// All state is derived from live connections and is rebuilt naturally as
// clients reconnect after a restart.
type Presence interface {
	Join(chatID, sessionID, userID uuid.UUID)
	Leave(chatID, sessionID, userID uuid.UUID)
	LeaveAll(sessionID uuid.UUID) []uuid.UUID
	ListRoom(chatID uuid.UUID) []RoomPresence
	OnlineCount(chatID uuid.UUID) int
	IsUserInRoom(chatID, userID uuid.UUID) bool
	SetTyping(chatID, userID uuid.UUID, typing bool) []uuid.UUID
	Typing(chatID uuid.UUID) []uuid.UUID
	Stop()
}

type presenceKey struct {
	ChatID    uuid.UUID
	SessionID uuid.UUID
}

type LocalPresence struct {
	sync.RWMutex
	rooms  map[presenceKey]uuid.UUID      // room membership -> user id
	typing map[uuid.UUID]map[uuid.UUID]struct{} // chat id -> typing user set
}

func NewLocalPresence() *LocalPresence {
	return &LocalPresence{
		rooms:  make(map[presenceKey]uuid.UUID),
		typing: make(map[uuid.UUID]map[uuid.UUID]struct{}),
	}
}

func (p *LocalPresence) Join(chatID, sessionID, userID uuid.UUID) {
	p.Lock()
	p.rooms[presenceKey{ChatID: chatID, SessionID: sessionID}] = userID
	p.Unlock()
}

func (p *LocalPresence) Leave(chatID, sessionID, userID uuid.UUID) {
	p.Lock()
	delete(p.rooms, presenceKey{ChatID: chatID, SessionID: sessionID})
	p.clearTypingLocked(chatID, userID)
	p.Unlock()
}

// LeaveAll drops every room membership held by the session and returns the
// chat ids it left, so the caller can emit presence updates.
func (p *LocalPresence) LeaveAll(sessionID uuid.UUID) []uuid.UUID {
	p.Lock()
	defer p.Unlock()
	left := make([]uuid.UUID, 0, 4)
	for key, userID := range p.rooms {
		if key.SessionID == sessionID {
			delete(p.rooms, key)
			p.clearTypingLocked(key.ChatID, userID)
			left = append(left, key.ChatID)
		}
	}
	return left
}

func (p *LocalPresence) ListRoom(chatID uuid.UUID) []RoomPresence {
	p.RLock()
	defer p.RUnlock()
	ps := make([]RoomPresence, 0, 2)
	for key, userID := range p.rooms {
		if key.ChatID == chatID {
			ps = append(ps, RoomPresence{SessionID: key.SessionID, UserID: userID})
		}
	}
	return ps
}

func (p *LocalPresence) OnlineCount(chatID uuid.UUID) int {
	p.RLock()
	defer p.RUnlock()
	count := 0
	for key := range p.rooms {
		if key.ChatID == chatID {
			count++
		}
	}
	return count
}

func (p *LocalPresence) IsUserInRoom(chatID, userID uuid.UUID) bool {
	p.RLock()
	defer p.RUnlock()
	for key, uid := range p.rooms {
		if key.ChatID == chatID && uid == userID {
			return true
		}
	}
	return false
}

// SetTyping updates the typing set for a chat and returns the users now
// typing in it.
func (p *LocalPresence) SetTyping(chatID, userID uuid.UUID, typing bool) []uuid.UUID {
	p.Lock()
	defer p.Unlock()
	if typing {
		set, ok := p.typing[chatID]
		if !ok {
			set = make(map[uuid.UUID]struct{}, 2)
			p.typing[chatID] = set
		}
		set[userID] = struct{}{}
	} else {
		p.clearTypingLocked(chatID, userID)
	}
	return p.typingLocked(chatID)
}

func (p *LocalPresence) Typing(chatID uuid.UUID) []uuid.UUID {
	p.RLock()
	defer p.RUnlock()
	return p.typingLocked(chatID)
}

func (p *LocalPresence) typingLocked(chatID uuid.UUID) []uuid.UUID {
	set := p.typing[chatID]
	users := make([]uuid.UUID, 0, len(set))
	for userID := range set {
		users = append(users, userID)
	}
	return users
}

func (p *LocalPresence) clearTypingLocked(chatID, userID uuid.UUID) {
	if set, ok := p.typing[chatID]; ok {
		delete(set, userID)
		if len(set) == 0 {
			delete(p.typing, chatID)
		}
	}
}

func (p *LocalPresence) Stop() {}
