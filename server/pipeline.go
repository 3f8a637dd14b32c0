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
	"sync"
	"time"

	"github.com/gofrs/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Pipeline routes parsed inbound frames to their handlers. Frames from one
// session arrive serialized by the socket read loop, so handlers never race
// against each other for the same session.
type Pipeline struct {
	logger   *zap.Logger
	config   Config
	db       *sql.DB
	presence Presence
	registry *SessionRegistry
	router   MessageRouter
	metrics  Metrics

	matchmaker *Matchmaker
	prompts    *PromptMatcher
	blindDates *BlindDateManager
	gate       *NotificationGate

	typingMutex    sync.Mutex
	typingLimiters map[typingKey]*rate.Limiter
}

type typingKey struct {
	UserID uuid.UUID
	ChatID uuid.UUID
}

func NewPipeline(logger *zap.Logger, config Config, db *sql.DB, presence Presence, registry *SessionRegistry, router MessageRouter, metrics Metrics, matchmaker *Matchmaker, prompts *PromptMatcher, blindDates *BlindDateManager, gate *NotificationGate) *Pipeline {
	return &Pipeline{
		logger:         logger,
		config:         config,
		db:             db,
		presence:       presence,
		registry:       registry,
		router:         router,
		metrics:        metrics,
		matchmaker:     matchmaker,
		prompts:        prompts,
		blindDates:     blindDates,
		gate:           gate,
		typingLimiters: make(map[typingKey]*rate.Limiter),
	}
}

// ProcessRequest dispatches one frame. Errors are reported only to the
// originating socket.
func (p *Pipeline) ProcessRequest(logger *zap.Logger, session Session, envelope *InboundEnvelope) {
	ctx := context.Background()

	switch envelope.Type {
	case InJoin:
		p.handleJoin(ctx, logger, session, envelope)
	case InLeave:
		p.handleLeave(ctx, logger, session, envelope)
	case InMessage:
		p.handleMessage(ctx, logger, session, envelope)
	case InEdit:
		p.handleEdit(ctx, logger, session, envelope)
	case InDelete:
		p.handleDelete(ctx, logger, session, envelope)
	case InTyping:
		p.handleTyping(ctx, logger, session, envelope)
	case InDelivered:
		p.handleReceipt(ctx, logger, session, envelope, envelope.Delivered, MessageStatusDelivered)
	case InRead:
		p.handleReceipt(ctx, logger, session, envelope, envelope.Read, MessageStatusRead)
	case InReactionToggle:
		p.handleReactionToggle(ctx, logger, session, envelope)
	case InMuteSet:
		p.handleMuteSet(ctx, logger, session, envelope)
	case InChatClear:
		p.handleChatClear(ctx, logger, session, envelope)
	case InInbox:
		p.handleInbox(ctx, logger, session, envelope)
	case InProfileGet:
		p.handleProfileGet(ctx, logger, session, envelope)
	case InMatchmakerAdd:
		p.handleMatchmakerAdd(ctx, logger, session, envelope)
	case InMatchmakerRemove:
		p.handleMatchmakerRemove(ctx, logger, session, envelope)
	case InMatchmakerHeartbeat:
		p.handleMatchmakerHeartbeat(ctx, logger, session, envelope)
	case InProposalAccept:
		p.handleProposalAccept(ctx, logger, session, envelope)
	case InProposalReject:
		p.handleProposalReject(ctx, logger, session, envelope)
	case InGiverUpdate:
		p.handleGiverUpdate(ctx, logger, session, envelope)
	case InHelpPublish:
		p.handleHelpPublish(ctx, logger, session, envelope)
	case InHelpRespond:
		p.handleHelpRespond(ctx, logger, session, envelope)
	case InHelpCancel:
		p.handleHelpCancel(ctx, logger, session, envelope)
	case InRevealRequest:
		p.handleRevealRequest(ctx, logger, session, envelope)
	case InBlindDateEnd:
		p.handleBlindDateEnd(ctx, logger, session, envelope)
	default:
		// ParseInbound already rejected unknown kinds; defensive fallthrough
		// still answers the caller.
		session.Send(NewOutboundError(envelope.CID, ErrNotFound, "Unhandled frame type"))
	}
}

// SessionClosed emits presence updates for the rooms a disconnecting
// session was joined to and forgets its typing throttles.
func (p *Pipeline) SessionClosed(logger *zap.Logger, session Session, left []uuid.UUID) {
	for _, chatID := range left {
		p.emitPresence(logger, chatID)
		p.emitTyping(context.Background(), logger, chatID)
	}

	p.typingMutex.Lock()
	for key := range p.typingLimiters {
		if key.UserID == session.UserID() {
			delete(p.typingLimiters, key)
		}
	}
	p.typingMutex.Unlock()
}

// allowTyping throttles typing updates per user per chat.
func (p *Pipeline) allowTyping(userID, chatID uuid.UUID) bool {
	interval := time.Duration(p.config.GetSocket().TypingIntervalMs) * time.Millisecond
	key := typingKey{UserID: userID, ChatID: chatID}

	p.typingMutex.Lock()
	limiter, ok := p.typingLimiters[key]
	if !ok {
		limiter = rate.NewLimiter(rate.Every(interval), 1)
		p.typingLimiters[key] = limiter
	}
	p.typingMutex.Unlock()

	return limiter.Allow()
}

func (p *Pipeline) emitPresence(logger *zap.Logger, chatID uuid.UUID) {
	p.router.SendToRoom(logger, chatID, NewOutbound(OutPresence, &OutboundPresence{
		ChatID: chatID,
		Online: p.presence.OnlineCount(chatID) > 1,
	}))
}

// emitTyping fans the chat's typing set to the room and to every member
// directly so inbox views update too.
func (p *Pipeline) emitTyping(ctx context.Context, logger *zap.Logger, chatID uuid.UUID) {
	envelope := NewOutbound(OutTyping, &OutboundTyping{
		ChatID: chatID,
		Users:  p.presence.Typing(chatID),
	})
	p.router.SendToRoom(logger, chatID, envelope)
	members, err := ChatMembers(ctx, logger, p.db, chatID)
	if err != nil {
		return
	}
	for _, member := range members {
		p.router.SendToUser(logger, member, envelope)
	}
}

// requireMember answers with a forbidden error when the session's user is
// not a member of the chat.
func (p *Pipeline) requireMember(ctx context.Context, logger *zap.Logger, session Session, cid string, chatID uuid.UUID) bool {
	member, err := IsChatMember(ctx, logger, p.db, chatID, session.UserID())
	if err != nil {
		session.Send(NewOutboundError(cid, err, "Could not verify chat membership"))
		return false
	}
	if !member {
		session.Send(NewOutboundError(cid, ErrForbidden, "Not a member of this chat"))
		return false
	}
	return true
}
