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
	"database/sql"
	"testing"
	"time"

	"github.com/gofrs/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeGateStore struct {
	blocked  map[[2]uuid.UUID]bool
	profiles map[uuid.UUID]*Profile
	muted    map[[2]uuid.UUID]bool
}

func newFakeGateStore() *fakeGateStore {
	return &fakeGateStore{
		blocked:  make(map[[2]uuid.UUID]bool),
		profiles: make(map[uuid.UUID]*Profile),
		muted:    make(map[[2]uuid.UUID]bool),
	}
}

func (s *fakeGateStore) Blocked(ctx context.Context, a, b uuid.UUID) (bool, error) {
	return s.blocked[testPairKey(a, b)], nil
}

func (s *fakeGateStore) Profile(ctx context.Context, userID uuid.UUID) (*Profile, error) {
	p, ok := s.profiles[userID]
	if !ok {
		return nil, ErrNotFound
	}
	return p, nil
}

func (s *fakeGateStore) Muted(ctx context.Context, userID, chatID uuid.UUID) (bool, error) {
	return s.muted[[2]uuid.UUID{userID, chatID}], nil
}

func (s *fakeGateStore) addProfile(first, last, username string) uuid.UUID {
	userID := uuid.Must(uuid.NewV4())
	s.profiles[userID] = &Profile{
		ID:        userID,
		Username:  username,
		FirstName: sql.NullString{String: first, Valid: first != ""},
		LastName:  sql.NullString{String: last, Valid: last != ""},
	}
	return userID
}

type recordingPushSender struct {
	err  error
	sent []*PushNotification
	to   []uuid.UUID
}

func (s *recordingPushSender) SendPush(ctx context.Context, userID uuid.UUID, notification *PushNotification) error {
	if s.err != nil {
		return s.err
	}
	s.to = append(s.to, userID)
	s.sent = append(s.sent, notification)
	return nil
}

func newTestGate(t *testing.T) (*NotificationGate, *fakeGateStore, *recordingPushSender, *testMetrics) {
	t.Helper()
	store := newFakeGateStore()
	sender := &recordingPushSender{}
	metrics := newTestMetrics()
	return NewNotificationGate(zap.NewNop(), store, sender, metrics), store, sender, metrics
}

func TestNotificationGateDelivers(t *testing.T) {
	ctx := context.Background()
	logger := zap.NewNop()
	gate, store, sender, _ := newTestGate(t)

	recipient := store.addProfile("Ada", "Lovelace", "ada")
	from := store.addProfile("Grace", "Hopper", "grace")
	chatID := uuid.Must(uuid.NewV4())

	gate.Deliver(ctx, logger, recipient, from, chatID, PushKindMessage, "hey!")
	require.Len(t, sender.sent, 1)
	assert.Equal(t, recipient, sender.to[0])
	notification := sender.sent[0]
	assert.Equal(t, PushKindMessage, notification.Kind)
	assert.Equal(t, "Grace Hopper", notification.SenderName)
	assert.Equal(t, "Grace Hopper", notification.Title)
	assert.Equal(t, "hey!", notification.Body)
	assert.Equal(t, chatID, notification.ChatID)
	assert.Equal(t, from, notification.SenderID)
}

func TestNotificationGateBlockedPair(t *testing.T) {
	ctx := context.Background()
	gate, store, sender, metrics := newTestGate(t)

	recipient := store.addProfile("Ada", "", "ada")
	from := store.addProfile("Grace", "", "grace")
	store.blocked[testPairKey(recipient, from)] = true

	gate.Deliver(ctx, zap.NewNop(), recipient, from, uuid.Must(uuid.NewV4()), PushKindMessage, "hey")
	assert.Empty(t, sender.sent)
	// A screened-out event is not an error.
	assert.Zero(t, metrics.dropped)
}

func TestNotificationGateUnreachableRecipient(t *testing.T) {
	ctx := context.Background()
	gate, store, sender, _ := newTestGate(t)
	from := store.addProfile("Grace", "", "grace")

	suspended := store.addProfile("Ada", "", "ada")
	store.profiles[suspended].Suspended = true
	gate.Deliver(ctx, zap.NewNop(), suspended, from, uuid.Nil, PushKindMatch, "you matched")

	tombstoned := store.addProfile("Mary", "", "mary")
	store.profiles[tombstoned].DeletedAt = sql.NullTime{Time: time.Now(), Valid: true}
	gate.Deliver(ctx, zap.NewNop(), tombstoned, from, uuid.Nil, PushKindMatch, "you matched")

	assert.Empty(t, sender.sent)
}

func TestNotificationGateMutedChat(t *testing.T) {
	ctx := context.Background()
	gate, store, sender, _ := newTestGate(t)

	recipient := store.addProfile("Ada", "", "ada")
	from := store.addProfile("Grace", "", "grace")
	chatID := uuid.Must(uuid.NewV4())
	store.muted[[2]uuid.UUID{recipient, chatID}] = true

	gate.Deliver(ctx, zap.NewNop(), recipient, from, chatID, PushKindMessage, "hey")
	assert.Empty(t, sender.sent)

	// The mute is scoped to the chat, not the user.
	gate.Deliver(ctx, zap.NewNop(), recipient, from, uuid.Must(uuid.NewV4()), PushKindMessage, "hey")
	assert.Len(t, sender.sent, 1)
}

func TestNotificationGateSystemSender(t *testing.T) {
	ctx := context.Background()
	gate, store, sender, _ := newTestGate(t)

	recipient := store.addProfile("Ada", "", "ada")
	gate.SendBlindDateReminder(ctx, zap.NewNop(), recipient, uuid.Must(uuid.NewV4()))

	require.Len(t, sender.sent, 1)
	notification := sender.sent[0]
	assert.Equal(t, PushKindBlindDateNag, notification.Kind)
	assert.Equal(t, "Someone", notification.SenderName)
	assert.Equal(t, uuid.Nil, notification.SenderID)
}

func TestNotificationGateDropsOnDispatchFailure(t *testing.T) {
	ctx := context.Background()
	gate, store, sender, metrics := newTestGate(t)
	sender.err = assert.AnError

	recipient := store.addProfile("Ada", "", "ada")
	from := store.addProfile("Grace", "", "grace")

	gate.Deliver(ctx, zap.NewNop(), recipient, from, uuid.Must(uuid.NewV4()), PushKindMessage, "hey")
	assert.Empty(t, sender.sent)
	assert.Equal(t, 1, metrics.dropped)
}

func TestNotificationGateDropsOnLookupFailure(t *testing.T) {
	ctx := context.Background()
	gate, store, sender, metrics := newTestGate(t)
	from := store.addProfile("Grace", "", "grace")

	// The recipient profile is missing entirely.
	gate.Deliver(ctx, zap.NewNop(), uuid.Must(uuid.NewV4()), from, uuid.Nil, PushKindMessage, "hey")
	assert.Empty(t, sender.sent)
	assert.Equal(t, 1, metrics.dropped)
}
