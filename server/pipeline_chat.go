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
	"strings"
	"time"

	"github.com/gofrs/uuid"
	"go.uber.org/zap"
)

func (p *Pipeline) handleJoin(ctx context.Context, logger *zap.Logger, session Session, envelope *InboundEnvelope) {
	chatID := envelope.Join.ChatID
	if !p.requireMember(ctx, logger, session, envelope.CID, chatID) {
		return
	}

	messages, err := ChatHistory(ctx, logger, p.db, chatID, session.UserID())
	if err != nil {
		session.Send(NewOutboundError(envelope.CID, err, "Could not load chat history"))
		return
	}

	p.presence.Join(chatID, session.ID(), session.UserID())
	session.Send(&OutboundEnvelope{CID: envelope.CID, Type: OutHistory, Payload: &OutboundHistory{
		ChatID:   chatID,
		Messages: messages,
	}})
	p.emitPresence(logger, chatID)
}

func (p *Pipeline) handleLeave(ctx context.Context, logger *zap.Logger, session Session, envelope *InboundEnvelope) {
	chatID := envelope.Leave.ChatID
	p.presence.Leave(chatID, session.ID(), session.UserID())
	p.emitPresence(logger, chatID)
	p.emitTyping(ctx, logger, chatID)
}

func (p *Pipeline) handleMessage(ctx context.Context, logger *zap.Logger, session Session, envelope *InboundEnvelope) {
	in := envelope.Message
	text := strings.TrimSpace(in.Text)
	if text == "" {
		session.Send(NewOutboundError(envelope.CID, ErrForbidden, "Message text must not be empty"))
		return
	}
	if !p.requireMember(ctx, logger, session, envelope.CID, in.ChatID) {
		return
	}

	members, err := ChatMembers(ctx, logger, p.db, in.ChatID)
	if err != nil {
		session.Send(NewOutboundError(envelope.CID, err, "Could not load chat members"))
		return
	}
	other := uuid.Nil
	for _, member := range members {
		if member != session.UserID() {
			other = member
		}
	}

	if other != uuid.Nil {
		blocked, err := IsBlockedPair(ctx, logger, p.db, session.UserID(), other)
		if err != nil {
			session.Send(NewOutboundError(envelope.CID, err, "Could not verify chat state"))
			return
		}
		if blocked {
			p.metrics.CountMessageBlocked("blocked")
			session.Send(&OutboundEnvelope{CID: envelope.CID, Type: OutMessageBlocked, Payload: &OutboundMessageBlocked{
				ChatID: in.ChatID,
				Reason: "You cannot message this user",
			}})
			return
		}
	}

	readOnly, err := p.blindDates.IsChatReadOnly(ctx, in.ChatID)
	if err != nil {
		session.Send(NewOutboundError(envelope.CID, err, "Could not verify chat state"))
		return
	}
	if readOnly {
		session.Send(NewOutboundError(envelope.CID, ErrForbidden, "This conversation has ended"))
		return
	}

	match, piiResult, err := p.blindDates.CheckOutbound(ctx, in.ChatID, session.UserID(), text)
	if err == ErrPIIDetected {
		p.metrics.CountMessageBlocked("pii")
		session.Send(&OutboundEnvelope{CID: envelope.CID, Type: OutMessageBlocked, Payload: &OutboundMessageBlocked{
			ChatID:        in.ChatID,
			Reason:        piiResult.BlockedReason,
			DetectedTypes: piiResult.DetectedTypes,
		}})
		return
	}
	if err != nil {
		session.Send(NewOutboundError(envelope.CID, err, "Could not verify chat state"))
		return
	}

	message, err := MessageSend(ctx, logger, p.db, in.ChatID, session.UserID(), text)
	if err != nil {
		session.Send(NewOutboundError(envelope.CID, err, "Could not send message"))
		return
	}
	p.blindDates.OnMessagePersisted(ctx, logger, match)

	p.router.SendToRoom(logger, in.ChatID, NewOutbound(OutMessage, message))

	// Members without a socket in the room get a background copy with the
	// sender name, and the push collaborators are offered the event.
	senderName := p.senderName(ctx, logger, session.UserID())
	for _, member := range members {
		if member == session.UserID() {
			continue
		}
		if !p.presence.IsUserInRoom(in.ChatID, member) {
			p.router.SendToUser(logger, member, NewOutbound(OutMessageBackground, &OutboundMessageBackground{
				Message:    message,
				SenderName: senderName,
			}))
		}
		p.gate.Deliver(ctx, logger, member, session.UserID(), in.ChatID, PushKindMessage, message.Text)
	}
}

// senderName resolves the display name for enrichment, falling back to the
// session's username when the profile cannot be read.
func (p *Pipeline) senderName(ctx context.Context, logger *zap.Logger, userID uuid.UUID) string {
	profile, err := GetProfile(ctx, logger, p.db, userID)
	if err != nil {
		return "Someone"
	}
	return profile.DisplayName()
}

func (p *Pipeline) handleEdit(ctx context.Context, logger *zap.Logger, session Session, envelope *InboundEnvelope) {
	in := envelope.Edit
	text := strings.TrimSpace(in.Text)
	if text == "" {
		session.Send(NewOutboundError(envelope.CID, ErrForbidden, "Message text must not be empty"))
		return
	}
	message, err := MessageEdit(ctx, logger, p.db, in.MessageID, session.UserID(), text)
	if err != nil {
		session.Send(NewOutboundError(envelope.CID, err, "Could not edit message"))
		return
	}
	p.router.SendToRoom(logger, message.ChatID, NewOutbound(OutMessageEdited, message))
}

func (p *Pipeline) handleDelete(ctx context.Context, logger *zap.Logger, session Session, envelope *InboundEnvelope) {
	in := envelope.Delete
	message, err := MessageDelete(ctx, logger, p.db, in.MessageID, session.UserID())
	if err != nil {
		session.Send(NewOutboundError(envelope.CID, err, "Could not delete message"))
		return
	}
	p.router.SendToRoom(logger, message.ChatID, NewOutbound(OutMessageDeleted, &OutboundMessageDeleted{
		ChatID:    message.ChatID,
		MessageID: message.ID,
	}))
}

func (p *Pipeline) handleTyping(ctx context.Context, logger *zap.Logger, session Session, envelope *InboundEnvelope) {
	in := envelope.Typing
	if !p.allowTyping(session.UserID(), in.ChatID) {
		return
	}
	p.presence.SetTyping(in.ChatID, session.UserID(), in.Typing)
	p.emitTyping(ctx, logger, in.ChatID)
}

func (p *Pipeline) handleReceipt(ctx context.Context, logger *zap.Logger, session Session, envelope *InboundEnvelope, in *InboundReceipt, status string) {
	message, err := GetMessage(ctx, logger, p.db, in.MessageID)
	if err != nil {
		session.Send(NewOutboundError(envelope.CID, err, "Could not load message"))
		return
	}
	// Senders never hold receipts against their own messages.
	if message.SenderID == session.UserID() {
		return
	}

	if _, err := ReceiptUpsert(ctx, logger, p.db, in.MessageID, session.UserID(), status); err != nil {
		session.Send(NewOutboundError(envelope.CID, err, "Could not record receipt"))
		return
	}

	receipt := &OutboundReceipt{
		ChatID:    message.ChatID,
		MessageID: message.ID,
		By:        session.UserID(),
	}
	if status == MessageStatusRead {
		envelope := NewOutbound(OutRead, receipt)
		p.router.SendToRoom(logger, message.ChatID, envelope)
		members, err := ChatMembers(ctx, logger, p.db, message.ChatID)
		if err != nil {
			return
		}
		// Direct copies drive unread counter updates in inbox views.
		for _, member := range members {
			p.router.SendToUser(logger, member, envelope)
		}
		return
	}
	p.router.SendToRoom(logger, message.ChatID, NewOutbound(OutDelivered, receipt))
}

func (p *Pipeline) handleReactionToggle(ctx context.Context, logger *zap.Logger, session Session, envelope *InboundEnvelope) {
	in := envelope.ReactionToggle
	if !p.requireMember(ctx, logger, session, envelope.CID, in.ChatID) {
		return
	}

	added, err := ReactionToggle(ctx, logger, p.db, in.MessageID, session.UserID(), in.Emoji)
	if err != nil {
		session.Send(NewOutboundError(envelope.CID, err, "Could not toggle reaction"))
		return
	}

	reaction := &OutboundReaction{
		ChatID:    in.ChatID,
		MessageID: in.MessageID,
		Emoji:     in.Emoji,
		UserID:    session.UserID(),
	}
	if !added {
		p.router.SendToRoom(logger, in.ChatID, NewOutbound(OutReactionRemoved, reaction))
		return
	}
	p.router.SendToRoom(logger, in.ChatID, NewOutbound(OutReactionAdded, reaction))

	enriched := *reaction
	enriched.SenderName = p.senderName(ctx, logger, session.UserID())
	members, err := ChatMembers(ctx, logger, p.db, in.ChatID)
	if err != nil {
		return
	}
	for _, member := range members {
		if member == session.UserID() {
			continue
		}
		p.router.SendToUser(logger, member, NewOutbound(OutReactionAdded, &enriched))
		p.gate.Deliver(ctx, logger, member, session.UserID(), in.ChatID, PushKindReaction, in.Emoji)
	}
}

func (p *Pipeline) handleMuteSet(ctx context.Context, logger *zap.Logger, session Session, envelope *InboundEnvelope) {
	in := envelope.MuteSet

	var duration time.Duration
	switch {
	case !in.Muted:
		duration = 0
	case in.Until != nil:
		duration = time.Until(*in.Until)
	default:
		// Muted with no deadline holds until explicitly unmuted.
		duration = -1
	}

	if err := MuteSet(ctx, logger, p.db, session.UserID(), in.ChatID, duration); err != nil {
		session.Send(NewOutboundError(envelope.CID, err, "Could not update mute setting"))
		return
	}
	session.Send(&OutboundEnvelope{CID: envelope.CID, Type: OutMuteAck, Payload: &OutboundMuteAck{
		ChatID: in.ChatID,
		Muted:  in.Muted,
	}})
}

func (p *Pipeline) handleChatClear(ctx context.Context, logger *zap.Logger, session Session, envelope *InboundEnvelope) {
	in := envelope.ChatClear
	if !p.requireMember(ctx, logger, session, envelope.CID, in.ChatID) {
		return
	}
	if err := ChatClear(ctx, logger, p.db, session.UserID(), in.ChatID); err != nil {
		session.Send(NewOutboundError(envelope.CID, err, "Could not clear chat"))
		return
	}
	session.Send(&OutboundEnvelope{CID: envelope.CID, Type: OutChatCleared, Payload: &OutboundChatCleared{
		ChatID: in.ChatID,
	}})
}

func (p *Pipeline) handleInbox(ctx context.Context, logger *zap.Logger, session Session, envelope *InboundEnvelope) {
	entries, err := GetUserInbox(ctx, logger, p.db, session.UserID())
	if err != nil {
		session.Send(NewOutboundError(envelope.CID, err, "Could not load inbox"))
		return
	}
	session.Send(&OutboundEnvelope{CID: envelope.CID, Type: OutInbox, Payload: &OutboundInbox{Entries: entries}})
}

func (p *Pipeline) handleProfileGet(ctx context.Context, logger *zap.Logger, session Session, envelope *InboundEnvelope) {
	resolved, err := ResolveProfile(ctx, logger, p.db, session.UserID(), envelope.ProfileGet.UserID)
	if err != nil {
		session.Send(NewOutboundError(envelope.CID, err, "Could not load profile"))
		return
	}
	session.Send(&OutboundEnvelope{CID: envelope.CID, Type: OutProfile, Payload: resolved.View})
}
