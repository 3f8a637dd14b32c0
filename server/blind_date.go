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
	"time"

	"github.com/gofrs/uuid"
	"go.uber.org/zap"
)

// BlindDateStore is the persistence surface the session machine runs on.
type BlindDateStore interface {
	Create(ctx context.Context, a, b, chatID uuid.UUID, revealThreshold int) (*BlindDateMatch, error)
	Match(ctx context.Context, matchID uuid.UUID) (*BlindDateMatch, error)
	MatchByChat(ctx context.Context, chatID uuid.UUID) (*BlindDateMatch, error)
	IncrementMessageCount(ctx context.Context, matchID uuid.UUID) (int, error)
	SetRevealFlag(ctx context.Context, matchID, userID uuid.UUID) (*BlindDateMatch, error)
	End(ctx context.Context, matchID uuid.UUID) error
	RemindersDue(ctx context.Context, matchedBefore time.Time) ([]*BlindDateMatch, error)
	MarkReminderSent(ctx context.Context, matchID uuid.UUID) (bool, error)
	EnsureFriendship(ctx context.Context, a, b uuid.UUID) error
}

type sqlBlindDateStore struct {
	logger *zap.Logger
	db     *sql.DB
}

func NewSQLBlindDateStore(logger *zap.Logger, db *sql.DB) BlindDateStore {
	return &sqlBlindDateStore{logger: logger, db: db}
}

func (s *sqlBlindDateStore) Create(ctx context.Context, a, b, chatID uuid.UUID, revealThreshold int) (*BlindDateMatch, error) {
	return CreateBlindDateMatch(ctx, s.logger, s.db, a, b, chatID, revealThreshold)
}

func (s *sqlBlindDateStore) Match(ctx context.Context, matchID uuid.UUID) (*BlindDateMatch, error) {
	return GetBlindDateMatch(ctx, s.logger, s.db, matchID)
}

func (s *sqlBlindDateStore) MatchByChat(ctx context.Context, chatID uuid.UUID) (*BlindDateMatch, error) {
	return GetBlindDateMatchByChat(ctx, s.logger, s.db, chatID)
}

func (s *sqlBlindDateStore) IncrementMessageCount(ctx context.Context, matchID uuid.UUID) (int, error) {
	return IncrementBlindDateMessageCount(ctx, s.logger, s.db, matchID)
}

func (s *sqlBlindDateStore) SetRevealFlag(ctx context.Context, matchID, userID uuid.UUID) (*BlindDateMatch, error) {
	return SetBlindDateRevealFlag(ctx, s.logger, s.db, matchID, userID)
}

func (s *sqlBlindDateStore) End(ctx context.Context, matchID uuid.UUID) error {
	return EndBlindDateMatch(ctx, s.logger, s.db, matchID)
}

func (s *sqlBlindDateStore) RemindersDue(ctx context.Context, matchedBefore time.Time) ([]*BlindDateMatch, error) {
	return ListBlindDateRemindersDue(ctx, s.logger, s.db, matchedBefore)
}

func (s *sqlBlindDateStore) MarkReminderSent(ctx context.Context, matchID uuid.UUID) (bool, error) {
	return MarkBlindDateReminderSent(ctx, s.logger, s.db, matchID)
}

func (s *sqlBlindDateStore) EnsureFriendship(ctx context.Context, a, b uuid.UUID) error {
	return EnsureAcceptedFriendship(ctx, s.logger, s.db, a, b)
}

// OutboundBlindDate is the wire shape of a blind date state change.
type OutboundBlindDate struct {
	MatchID         uuid.UUID `json:"match_id"`
	ChatID          uuid.UUID `json:"chat_id"`
	Status          string    `json:"status"`
	MessageCount    int       `json:"message_count"`
	RevealThreshold int       `json:"reveal_threshold"`
	RevealAvailable bool      `json:"reveal_available"`
	RequestedBy     uuid.UUID `json:"requested_by,omitempty"`
}

func outboundBlindDate(m *BlindDateMatch) *OutboundBlindDate {
	return &OutboundBlindDate{
		MatchID:         m.ID,
		ChatID:          m.ChatID,
		Status:          m.Status,
		MessageCount:    m.MessageCount,
		RevealThreshold: m.RevealThreshold,
		RevealAvailable: m.RevealAvailable(),
	}
}

// ReminderSender delivers blind date nudges through the external push
// collaborators.
type ReminderSender interface {
	SendBlindDateReminder(ctx context.Context, logger *zap.Logger, userID, matchID uuid.UUID)
}

// BlindDateManager drives the blind date state machine: PII gating while
// anonymous, message counting, the reciprocal reveal protocol, and the
// inactivity reminder sweep.
type BlindDateManager struct {
	logger   *zap.Logger
	config   Config
	store    BlindDateStore
	router   MessageRouter
	reminder ReminderSender
}

func NewBlindDateManager(logger *zap.Logger, config Config, store BlindDateStore, router MessageRouter, reminder ReminderSender) *BlindDateManager {
	return &BlindDateManager{
		logger:   logger,
		config:   config,
		store:    store,
		router:   router,
		reminder: reminder,
	}
}

// Create pairs two users over a fresh anonymous chat.
func (b *BlindDateManager) Create(ctx context.Context, a, other, chatID uuid.UUID) (*BlindDateMatch, error) {
	return b.store.Create(ctx, a, other, chatID, b.config.GetBlindDate().RevealThreshold)
}

// CheckOutbound screens a chat message before persistence. For ordinary
// chats it returns (nil, nil, nil). For an active blind date it runs the
// PII filter: a hit returns ErrPIIDetected with the filter result and the
// message must not be persisted.
func (b *BlindDateManager) CheckOutbound(ctx context.Context, chatID, senderID uuid.UUID, text string) (*BlindDateMatch, *PIIResult, error) {
	match, err := b.store.MatchByChat(ctx, chatID)
	if err == ErrNotFound {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, err
	}
	if match.Status != BlindDateActive {
		return match, nil, nil
	}

	result := FilterPII(text)
	if !result.Allowed {
		return match, &result, ErrPIIDetected
	}
	return match, nil, nil
}

// OnMessagePersisted bumps the talk counter after a message lands in an
// active blind date chat. Crossing the threshold is announced to both
// sides so clients can surface the reveal control.
func (b *BlindDateManager) OnMessagePersisted(ctx context.Context, logger *zap.Logger, match *BlindDateMatch) {
	if match == nil || match.Status != BlindDateActive {
		return
	}
	count, err := b.store.IncrementMessageCount(ctx, match.ID)
	if err != nil {
		if err != ErrNotFound {
			logger.Error("Error counting blind date message", zap.Error(err))
		}
		return
	}
	match.MessageCount = count
	if count == match.RevealThreshold {
		envelope := NewOutbound(OutRevealRequested, outboundBlindDate(match))
		b.router.SendToUser(logger, match.UserA, envelope)
		b.router.SendToUser(logger, match.UserB, envelope)
	}
}

// RequestReveal raises the caller's reveal flag. Before the message count
// reaches the threshold the request is refused. When the counterpart's
// flag is already up the match transitions to revealed and an accepted
// friendship is created as a side effect.
func (b *BlindDateManager) RequestReveal(ctx context.Context, logger *zap.Logger, userID, matchID uuid.UUID) (*BlindDateMatch, error) {
	match, err := b.store.Match(ctx, matchID)
	if err != nil {
		return nil, err
	}
	if !match.Involves(userID) {
		return nil, ErrForbidden
	}
	switch match.Status {
	case BlindDateRevealed:
		// Re-requesting after reveal is a no-op.
		return match, nil
	case BlindDateEnded:
		return nil, ErrExpired
	}
	if !match.RevealAvailable() {
		return nil, ErrForbidden
	}

	updated, err := b.store.SetRevealFlag(ctx, matchID, userID)
	if err != nil {
		return nil, err
	}

	if updated.Status == BlindDateRevealed {
		if err := b.store.EnsureFriendship(ctx, updated.UserA, updated.UserB); err != nil {
			logger.Error("Error creating friendship on reveal", zap.Error(err))
		}
		envelope := NewOutbound(OutRevealed, outboundBlindDate(updated))
		b.router.SendToUser(logger, updated.UserA, envelope)
		b.router.SendToUser(logger, updated.UserB, envelope)
		return updated, nil
	}

	payload := outboundBlindDate(updated)
	payload.RequestedBy = userID
	b.router.SendToUser(logger, updated.Other(userID), NewOutbound(OutRevealRequested, payload))
	return updated, nil
}

// End moves the match to ended. Either party may end from any state; the
// chat becomes read-only at the policy layer.
func (b *BlindDateManager) End(ctx context.Context, logger *zap.Logger, userID, matchID uuid.UUID) error {
	match, err := b.store.Match(ctx, matchID)
	if err != nil {
		return err
	}
	if !match.Involves(userID) {
		return ErrForbidden
	}
	if match.Status == BlindDateEnded {
		return nil
	}
	if err := b.store.End(ctx, matchID); err != nil {
		return err
	}

	match.Status = BlindDateEnded
	envelope := NewOutbound(OutBlindDateEnded, outboundBlindDate(match))
	b.router.SendToUser(logger, match.UserA, envelope)
	b.router.SendToUser(logger, match.UserB, envelope)
	return nil
}

// IsChatReadOnly reports whether the chat belongs to an ended blind date.
func (b *BlindDateManager) IsChatReadOnly(ctx context.Context, chatID uuid.UUID) (bool, error) {
	match, err := b.store.MatchByChat(ctx, chatID)
	if err == ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return match.Status == BlindDateEnded, nil
}

// SweepReminders nudges both sides of active matches that are older than
// the configured inactivity window and still at zero messages. Each match
// is reminded at most once; the stamp races are settled by the store.
func (b *BlindDateManager) SweepReminders(ctx context.Context) error {
	cutoff := now().Add(-time.Duration(b.config.GetBlindDate().ReminderAfterHours) * time.Hour)
	due, err := b.store.RemindersDue(ctx, cutoff)
	if err != nil {
		return err
	}
	for _, match := range due {
		stamped, err := b.store.MarkReminderSent(ctx, match.ID)
		if err != nil {
			return err
		}
		if !stamped {
			continue
		}
		if b.reminder != nil {
			b.reminder.SendBlindDateReminder(ctx, b.logger, match.UserA, match.ID)
			b.reminder.SendBlindDateReminder(ctx, b.logger, match.UserB, match.ID)
		}
	}
	return nil
}
