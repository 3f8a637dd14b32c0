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

	"go.uber.org/zap"
)

func (p *Pipeline) handleGiverUpdate(ctx context.Context, logger *zap.Logger, session Session, envelope *InboundEnvelope) {
	in := envelope.GiverUpdate
	if err := p.prompts.UpdateGiver(ctx, logger, session.UserID(), in.Skills, in.Categories, in.Available); err != nil {
		session.Send(NewOutboundError(envelope.CID, err, "Could not update giver profile"))
	}
}

func (p *Pipeline) handleHelpPublish(ctx context.Context, logger *zap.Logger, session Session, envelope *InboundEnvelope) {
	prompt := strings.TrimSpace(envelope.HelpPublish.Prompt)
	if prompt == "" {
		session.Send(NewOutboundError(envelope.CID, ErrForbidden, "Prompt must not be empty"))
		return
	}

	request, err := p.prompts.Publish(ctx, logger, session.UserID(), prompt)
	if err != nil {
		session.Send(NewOutboundError(envelope.CID, err, "Could not publish request"))
		return
	}
	session.Send(&OutboundEnvelope{CID: envelope.CID, Type: OutRequestUpdate, Payload: &OutboundRequestUpdate{
		RequestID: request.ID,
		Status:    request.Status,
	}})
}

func (p *Pipeline) handleHelpRespond(ctx context.Context, logger *zap.Logger, session Session, envelope *InboundEnvelope) {
	in := envelope.HelpRespond
	if err := p.prompts.Respond(ctx, logger, session.UserID(), in.RequestID, in.Accepted); err != nil {
		session.Send(NewOutboundError(envelope.CID, err, "Could not respond to request"))
	}
}

func (p *Pipeline) handleHelpCancel(ctx context.Context, logger *zap.Logger, session Session, envelope *InboundEnvelope) {
	if err := p.prompts.Cancel(ctx, logger, session.UserID(), envelope.HelpCancel.RequestID); err != nil {
		session.Send(NewOutboundError(envelope.CID, err, "Could not cancel request"))
	}
}

func (p *Pipeline) handleRevealRequest(ctx context.Context, logger *zap.Logger, session Session, envelope *InboundEnvelope) {
	match, err := p.blindDates.RequestReveal(ctx, logger, session.UserID(), envelope.RevealRequest.MatchID)
	if err != nil {
		session.Send(NewOutboundError(envelope.CID, err, "Could not request reveal"))
		return
	}
	session.Send(&OutboundEnvelope{CID: envelope.CID, Type: OutRevealRequested, Payload: outboundBlindDate(match)})
}

func (p *Pipeline) handleBlindDateEnd(ctx context.Context, logger *zap.Logger, session Session, envelope *InboundEnvelope) {
	if err := p.blindDates.End(ctx, logger, session.UserID(), envelope.BlindDateEnd.MatchID); err != nil {
		session.Send(NewOutboundError(envelope.CID, err, "Could not end blind date"))
	}
}
