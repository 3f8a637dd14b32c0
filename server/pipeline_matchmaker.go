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

	"go.uber.org/zap"
)

func (p *Pipeline) handleMatchmakerAdd(ctx context.Context, logger *zap.Logger, session Session, envelope *InboundEnvelope) {
	in := envelope.MatchmakerAdd
	if in.MinAge > in.MaxAge && in.MaxAge > 0 {
		session.Send(NewOutboundError(envelope.CID, ErrForbidden, "Age band minimum exceeds maximum"))
		return
	}

	ticket, err := p.matchmaker.Enqueue(ctx, logger, session.UserID(), in)
	if err != nil {
		session.Send(NewOutboundError(envelope.CID, err, "Could not join the matchmaking queue"))
		return
	}
	session.Send(&OutboundEnvelope{CID: envelope.CID, Type: OutTicket, Payload: &OutboundTicket{
		TicketID: ticket.ID,
		QueuedAt: ticket.QueuedAt,
	}})
}

func (p *Pipeline) handleMatchmakerRemove(ctx context.Context, logger *zap.Logger, session Session, envelope *InboundEnvelope) {
	if err := p.matchmaker.Cancel(ctx, logger, session.UserID()); err != nil {
		session.Send(NewOutboundError(envelope.CID, err, "Could not leave the matchmaking queue"))
		return
	}
	session.Send(&OutboundEnvelope{CID: envelope.CID, Type: OutTicket, Payload: &OutboundTicket{}})
}

func (p *Pipeline) handleMatchmakerHeartbeat(ctx context.Context, logger *zap.Logger, session Session, envelope *InboundEnvelope) {
	live, err := p.matchmaker.Heartbeat(ctx, session.UserID())
	if err != nil {
		session.Send(NewOutboundError(envelope.CID, err, "Could not refresh ticket"))
		return
	}
	if !live {
		session.Send(NewOutboundError(envelope.CID, ErrNotFound, "No live ticket to refresh"))
	}
}

func (p *Pipeline) handleProposalAccept(ctx context.Context, logger *zap.Logger, session Session, envelope *InboundEnvelope) {
	proposal, err := p.matchmaker.Accept(ctx, logger, session.UserID(), envelope.ProposalAccept.ProposalID)
	if err != nil {
		session.Send(NewOutboundError(envelope.CID, err, "Could not accept proposal"))
		return
	}
	if proposal.Status == ProposalMatched {
		// The matched push already went out; answer the frame directly too so
		// the accepting client is never left waiting.
		session.Send(&OutboundEnvelope{CID: envelope.CID, Type: OutMatched, Payload: &OutboundMatched{
			ChatID:     proposal.ChatID,
			PartnerID:  proposal.Other(session.UserID()),
			ProposalID: proposal.ID,
		}})
		return
	}
	session.Send(&OutboundEnvelope{CID: envelope.CID, Type: OutProposal, Payload: &OutboundProposal{
		ProposalID: proposal.ID,
		Status:     proposal.Status,
	}})
}

func (p *Pipeline) handleProposalReject(ctx context.Context, logger *zap.Logger, session Session, envelope *InboundEnvelope) {
	if err := p.matchmaker.Reject(ctx, logger, session.UserID(), envelope.ProposalReject.ProposalID); err != nil {
		session.Send(NewOutboundError(envelope.CID, err, "Could not reject proposal"))
		return
	}
	session.Send(&OutboundEnvelope{CID: envelope.CID, Type: OutProposal, Payload: &OutboundProposal{
		ProposalID: envelope.ProposalReject.ProposalID,
		Status:     ProposalRejected,
	}})
}
