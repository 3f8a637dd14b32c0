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
	"testing"

	"github.com/gofrs/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPresenceJoinLeave(t *testing.T) {
	p := NewLocalPresence()
	chat := uuid.Must(uuid.NewV4())
	session := uuid.Must(uuid.NewV4())
	user := uuid.Must(uuid.NewV4())

	assert.Equal(t, 0, p.OnlineCount(chat))
	p.Join(chat, session, user)
	assert.Equal(t, 1, p.OnlineCount(chat))
	assert.True(t, p.IsUserInRoom(chat, user))

	room := p.ListRoom(chat)
	require.Len(t, room, 1)
	assert.Equal(t, session, room[0].SessionID)
	assert.Equal(t, user, room[0].UserID)

	p.Leave(chat, session, user)
	assert.Equal(t, 0, p.OnlineCount(chat))
	assert.False(t, p.IsUserInRoom(chat, user))
}

func TestPresenceLeaveAllReturnsRooms(t *testing.T) {
	p := NewLocalPresence()
	chat1 := uuid.Must(uuid.NewV4())
	chat2 := uuid.Must(uuid.NewV4())
	session := uuid.Must(uuid.NewV4())
	other := uuid.Must(uuid.NewV4())
	user := uuid.Must(uuid.NewV4())

	p.Join(chat1, session, user)
	p.Join(chat2, session, user)
	p.Join(chat1, other, user)
	p.SetTyping(chat1, user, true)

	left := p.LeaveAll(session)
	assert.ElementsMatch(t, []uuid.UUID{chat1, chat2}, left)
	// The other socket keeps its membership.
	assert.Equal(t, 1, p.OnlineCount(chat1))
	assert.Empty(t, p.Typing(chat1))
}

func TestPresenceTyping(t *testing.T) {
	p := NewLocalPresence()
	chat := uuid.Must(uuid.NewV4())
	alice := uuid.Must(uuid.NewV4())
	bob := uuid.Must(uuid.NewV4())

	assert.Empty(t, p.Typing(chat))

	typing := p.SetTyping(chat, alice, true)
	assert.Equal(t, []uuid.UUID{alice}, typing)

	typing = p.SetTyping(chat, bob, true)
	assert.ElementsMatch(t, []uuid.UUID{alice, bob}, typing)

	typing = p.SetTyping(chat, alice, false)
	assert.Equal(t, []uuid.UUID{bob}, typing)

	// Leaving the room clears the user's typing flag too.
	p.Join(chat, alice, alice)
	p.SetTyping(chat, alice, true)
	p.Leave(chat, alice, alice)
	assert.Equal(t, []uuid.UUID{bob}, p.Typing(chat))
}
