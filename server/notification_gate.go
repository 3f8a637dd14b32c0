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

	"github.com/gofrs/uuid"
	"go.uber.org/zap"
)

// Push notification kinds handed to the external collaborator.
const (
	PushKindMessage      = "message"
	PushKindReaction     = "reaction"
	PushKindMatch        = "match"
	PushKindFriend       = "friend_request"
	PushKindBlindDateNag = "blind_date_reminder"
)

// PushNotification is the enriched event handed to the push collaborator.
type PushNotification struct {
	Kind       string
	Title      string
	Body       string
	ChatID     uuid.UUID
	SenderID   uuid.UUID
	SenderName string
}

// PushSender is the external push/e-mail dispatch collaborator.
type PushSender interface {
	SendPush(ctx context.Context, userID uuid.UUID, notification *PushNotification) error
}

// NoopPushSender drops notifications, for deployments without a push
// collaborator wired up.
type NoopPushSender struct{}

func (NoopPushSender) SendPush(ctx context.Context, userID uuid.UUID, notification *PushNotification) error {
	return nil
}

// GateStore is the lookup surface the gate checks candidates against.
type GateStore interface {
	Blocked(ctx context.Context, a, b uuid.UUID) (bool, error)
	Profile(ctx context.Context, userID uuid.UUID) (*Profile, error)
	Muted(ctx context.Context, userID, chatID uuid.UUID) (bool, error)
}

type sqlGateStore struct {
	logger *zap.Logger
	db     *sql.DB
}

func NewSQLGateStore(logger *zap.Logger, db *sql.DB) GateStore {
	return &sqlGateStore{logger: logger, db: db}
}

func (s *sqlGateStore) Blocked(ctx context.Context, a, b uuid.UUID) (bool, error) {
	return IsBlockedPair(ctx, s.logger, s.db, a, b)
}

func (s *sqlGateStore) Profile(ctx context.Context, userID uuid.UUID) (*Profile, error) {
	return GetProfile(ctx, s.logger, s.db, userID)
}

func (s *sqlGateStore) Muted(ctx context.Context, userID, chatID uuid.UUID) (bool, error) {
	return IsChatMuted(ctx, s.logger, s.db, userID, chatID)
}

// NotificationGate screens every candidate push before it leaves the
// system: blocked pairs, unreachable recipients and muted chats are
// dropped. Passing events are enriched with the sender's display name.
// Nothing here is allowed to fail message persistence: every error logs,
// counts and drops.
type NotificationGate struct {
	logger  *zap.Logger
	store   GateStore
	sender  PushSender
	metrics Metrics
}

func NewNotificationGate(logger *zap.Logger, store GateStore, sender PushSender, metrics Metrics) *NotificationGate {
	return &NotificationGate{
		logger:  logger,
		store:   store,
		sender:  sender,
		metrics: metrics,
	}
}

// Deliver runs the gate for one candidate notification.
func (g *NotificationGate) Deliver(ctx context.Context, logger *zap.Logger, recipientID, senderID, chatID uuid.UUID, kind, body string) {
	blocked, err := g.store.Blocked(ctx, recipientID, senderID)
	if err != nil {
		g.drop(logger, kind, "block lookup failed", err)
		return
	}
	if blocked {
		return
	}

	recipient, err := g.store.Profile(ctx, recipientID)
	if err != nil {
		g.drop(logger, kind, "recipient lookup failed", err)
		return
	}
	if recipient.Suspended || recipient.DeletedAt.Valid {
		return
	}

	if chatID != uuid.Nil {
		muted, err := g.store.Muted(ctx, recipientID, chatID)
		if err != nil {
			g.drop(logger, kind, "mute lookup failed", err)
			return
		}
		if muted {
			return
		}
	}

	senderName := "Someone"
	if senderID != uuid.Nil {
		sender, err := g.store.Profile(ctx, senderID)
		if err != nil {
			g.drop(logger, kind, "sender lookup failed", err)
			return
		}
		senderName = sender.DisplayName()
	}

	notification := &PushNotification{
		Kind:       kind,
		Title:      senderName,
		Body:       body,
		ChatID:     chatID,
		SenderID:   senderID,
		SenderName: senderName,
	}
	if err := g.sender.SendPush(ctx, recipientID, notification); err != nil {
		g.drop(logger, kind, "push dispatch failed", err)
	}
}

// SendBlindDateReminder nudges one side of a silent blind date match.
func (g *NotificationGate) SendBlindDateReminder(ctx context.Context, logger *zap.Logger, userID, matchID uuid.UUID) {
	g.Deliver(ctx, logger, userID, uuid.Nil, uuid.Nil, PushKindBlindDateNag,
		"Your blind date is waiting to hear from you")
}

func (g *NotificationGate) drop(logger *zap.Logger, kind, reason string, err error) {
	logger.Warn("Dropping notification", zap.String("kind", kind), zap.String("reason", reason), zap.Error(err))
	g.metrics.CountNotificationDropped()
}
