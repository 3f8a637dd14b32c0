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
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gofrs/uuid"
)

// Inbound frame kinds. The set is closed: anything else is rejected at
// parse time before reaching the pipeline.
const (
	InJoin                 = "join"
	InLeave                = "leave"
	InMessage              = "message"
	InEdit                 = "edit"
	InDelete               = "delete"
	InTyping               = "typing"
	InDelivered            = "delivered"
	InRead                 = "read"
	InReactionToggle       = "reaction_toggle"
	InMuteSet              = "mute_set"
	InChatClear            = "chat_clear"
	InInbox                = "inbox"
	InProfileGet           = "profile_get"
	InMatchmakerAdd        = "matchmaker_add"
	InMatchmakerRemove     = "matchmaker_remove"
	InMatchmakerHeartbeat  = "ticket_heartbeat"
	InProposalAccept       = "proposal_accept"
	InProposalReject       = "proposal_reject"
	InGiverUpdate          = "giver_update"
	InHelpPublish          = "help_publish"
	InHelpRespond          = "help_respond"
	InHelpCancel           = "help_cancel"
	InRevealRequest        = "reveal_request"
	InBlindDateEnd         = "blind_date_end"
)

// Outbound frame kinds.
const (
	OutHistory           = "history"
	OutPresence          = "presence"
	OutMessage           = "message"
	OutMessageBackground = "message_background"
	OutMessageBlocked    = "message_blocked"
	OutMessageEdited     = "message_edited"
	OutMessageDeleted    = "message_deleted"
	OutTyping            = "typing"
	OutDelivered         = "delivered"
	OutRead              = "read"
	OutReactionAdded     = "reaction_added"
	OutReactionRemoved   = "reaction_removed"
	OutMuteAck           = "mute_ack"
	OutChatCleared       = "chat_cleared"
	OutInbox             = "inbox"
	OutProfile           = "profile"
	OutTicket            = "ticket"
	OutProposal          = "proposal"
	OutMatched           = "matched"
	OutRequestOffered    = "request_offered"
	OutRequestUpdate     = "request_update"
	OutRevealRequested   = "reveal_requested"
	OutRevealed          = "revealed"
	OutBlindDateEnded    = "blind_date_ended"
	OutError             = "error"
)

// InboundEnvelope is one parsed client frame. Exactly one payload pointer
// is non-nil, matching Type.
type InboundEnvelope struct {
	CID  string
	Type string

	Join                *InboundJoin
	Leave               *InboundLeave
	Message             *InboundMessage
	Edit                *InboundEdit
	Delete              *InboundDelete
	Typing              *InboundTyping
	Delivered           *InboundReceipt
	Read                *InboundReceipt
	ReactionToggle      *InboundReactionToggle
	MuteSet             *InboundMuteSet
	ChatClear           *InboundChatClear
	ProfileGet          *InboundProfileGet
	MatchmakerAdd       *InboundMatchmakerAdd
	ProposalAccept      *InboundProposalDecision
	ProposalReject      *InboundProposalDecision
	GiverUpdate         *InboundGiverUpdate
	HelpPublish         *InboundHelpPublish
	HelpRespond         *InboundHelpRespond
	HelpCancel          *InboundHelpCancel
	RevealRequest       *InboundBlindDateRef
	BlindDateEnd        *InboundBlindDateRef
}

type InboundJoin struct {
	ChatID uuid.UUID `json:"chat_id"`
}

type InboundLeave struct {
	ChatID uuid.UUID `json:"chat_id"`
}

type InboundMessage struct {
	ChatID uuid.UUID `json:"chat_id"`
	Text   string    `json:"text"`
}

type InboundEdit struct {
	MessageID uuid.UUID `json:"message_id"`
	Text      string    `json:"text"`
}

type InboundDelete struct {
	ChatID    uuid.UUID `json:"chat_id"`
	MessageID uuid.UUID `json:"message_id"`
}

type InboundTyping struct {
	ChatID uuid.UUID `json:"chat_id"`
	Typing bool      `json:"typing"`
}

type InboundReceipt struct {
	ChatID    uuid.UUID `json:"chat_id"`
	MessageID uuid.UUID `json:"message_id"`
}

type InboundReactionToggle struct {
	ChatID    uuid.UUID `json:"chat_id"`
	MessageID uuid.UUID `json:"message_id"`
	Emoji     string    `json:"emoji"`
}

type InboundMuteSet struct {
	ChatID uuid.UUID  `json:"chat_id"`
	Muted  bool       `json:"muted"`
	Until  *time.Time `json:"until,omitempty"`
}

type InboundChatClear struct {
	ChatID uuid.UUID `json:"chat_id"`
}

type InboundProfileGet struct {
	UserID uuid.UUID `json:"user_id"`
}

type InboundMatchmakerAdd struct {
	GenderPreference string   `json:"gender_preference"`
	MinAge           int      `json:"min_age"`
	MaxAge           int      `json:"max_age"`
	Interests        []string `json:"interests"`
	Lat              *float64 `json:"lat,omitempty"`
	Lon              *float64 `json:"lon,omitempty"`
}

type InboundProposalDecision struct {
	ProposalID uuid.UUID `json:"proposal_id"`
}

type InboundGiverUpdate struct {
	Skills     []string `json:"skills"`
	Categories []string `json:"categories"`
	Available  bool     `json:"available"`
}

type InboundHelpPublish struct {
	Prompt string `json:"prompt"`
}

type InboundHelpRespond struct {
	RequestID uuid.UUID `json:"request_id"`
	Accepted  bool      `json:"accepted"`
}

type InboundHelpCancel struct {
	RequestID uuid.UUID `json:"request_id"`
}

type InboundBlindDateRef struct {
	MatchID uuid.UUID `json:"match_id"`
}

type rawEnvelope struct {
	CID     string          `json:"cid,omitempty"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ParseInbound decodes one client frame. Unknown kinds and unknown payload
// fields are rejected.
func ParseInbound(data []byte) (*InboundEnvelope, error) {
	var raw rawEnvelope
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("malformed frame: %w", err)
	}

	envelope := &InboundEnvelope{CID: raw.CID, Type: raw.Type}
	var payload interface{}
	switch raw.Type {
	case InJoin:
		envelope.Join = &InboundJoin{}
		payload = envelope.Join
	case InLeave:
		envelope.Leave = &InboundLeave{}
		payload = envelope.Leave
	case InMessage:
		envelope.Message = &InboundMessage{}
		payload = envelope.Message
	case InEdit:
		envelope.Edit = &InboundEdit{}
		payload = envelope.Edit
	case InDelete:
		envelope.Delete = &InboundDelete{}
		payload = envelope.Delete
	case InTyping:
		envelope.Typing = &InboundTyping{}
		payload = envelope.Typing
	case InDelivered:
		envelope.Delivered = &InboundReceipt{}
		payload = envelope.Delivered
	case InRead:
		envelope.Read = &InboundReceipt{}
		payload = envelope.Read
	case InReactionToggle:
		envelope.ReactionToggle = &InboundReactionToggle{}
		payload = envelope.ReactionToggle
	case InMuteSet:
		envelope.MuteSet = &InboundMuteSet{}
		payload = envelope.MuteSet
	case InChatClear:
		envelope.ChatClear = &InboundChatClear{}
		payload = envelope.ChatClear
	case InInbox, InMatchmakerRemove, InMatchmakerHeartbeat:
		// No payload.
		return envelope, nil
	case InProfileGet:
		envelope.ProfileGet = &InboundProfileGet{}
		payload = envelope.ProfileGet
	case InMatchmakerAdd:
		envelope.MatchmakerAdd = &InboundMatchmakerAdd{}
		payload = envelope.MatchmakerAdd
	case InProposalAccept:
		envelope.ProposalAccept = &InboundProposalDecision{}
		payload = envelope.ProposalAccept
	case InProposalReject:
		envelope.ProposalReject = &InboundProposalDecision{}
		payload = envelope.ProposalReject
	case InGiverUpdate:
		envelope.GiverUpdate = &InboundGiverUpdate{}
		payload = envelope.GiverUpdate
	case InHelpPublish:
		envelope.HelpPublish = &InboundHelpPublish{}
		payload = envelope.HelpPublish
	case InHelpRespond:
		envelope.HelpRespond = &InboundHelpRespond{}
		payload = envelope.HelpRespond
	case InHelpCancel:
		envelope.HelpCancel = &InboundHelpCancel{}
		payload = envelope.HelpCancel
	case InRevealRequest:
		envelope.RevealRequest = &InboundBlindDateRef{}
		payload = envelope.RevealRequest
	case InBlindDateEnd:
		envelope.BlindDateEnd = &InboundBlindDateRef{}
		payload = envelope.BlindDateEnd
	default:
		return nil, fmt.Errorf("unrecognized frame type %q", raw.Type)
	}

	if len(raw.Payload) == 0 {
		return nil, fmt.Errorf("missing payload for frame type %q", raw.Type)
	}
	decoder := json.NewDecoder(bytes.NewReader(raw.Payload))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(payload); err != nil {
		return nil, fmt.Errorf("malformed %q payload: %w", raw.Type, err)
	}
	return envelope, nil
}

// OutboundEnvelope is one server frame. Payload marshals to the JSON
// structure the type names.
type OutboundEnvelope struct {
	CID     string      `json:"cid,omitempty"`
	Type    string      `json:"type"`
	Payload interface{} `json:"payload,omitempty"`
}

func NewOutbound(typ string, payload interface{}) *OutboundEnvelope {
	return &OutboundEnvelope{Type: typ, Payload: payload}
}

func NewOutboundError(cid string, err error, message string) *OutboundEnvelope {
	return &OutboundEnvelope{
		CID:  cid,
		Type: OutError,
		Payload: &OutboundError{
			Code:    codeForError(err),
			Message: message,
		},
	}
}

type OutboundError struct {
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}

type OutboundPresence struct {
	ChatID uuid.UUID `json:"chat_id"`
	Online bool      `json:"online"`
}

type OutboundTyping struct {
	ChatID uuid.UUID   `json:"chat_id"`
	Users  []uuid.UUID `json:"users"`
}

type OutboundReceipt struct {
	ChatID    uuid.UUID `json:"chat_id"`
	MessageID uuid.UUID `json:"message_id"`
	By        uuid.UUID `json:"by"`
}

type OutboundReaction struct {
	ChatID     uuid.UUID `json:"chat_id"`
	MessageID  uuid.UUID `json:"message_id"`
	Emoji      string    `json:"emoji"`
	UserID     uuid.UUID `json:"user_id"`
	SenderName string    `json:"sender_name,omitempty"`
}

type OutboundMessageBlocked struct {
	ChatID        uuid.UUID `json:"chat_id"`
	Reason        string    `json:"reason"`
	DetectedTypes []string  `json:"detected_types,omitempty"`
}

type OutboundMatched struct {
	ChatID     uuid.UUID `json:"chat_id"`
	PartnerID  uuid.UUID `json:"partner_id"`
	ProposalID uuid.UUID `json:"proposal_id,omitempty"`
	RequestID  uuid.UUID `json:"request_id,omitempty"`
}

type OutboundHistory struct {
	ChatID   uuid.UUID      `json:"chat_id"`
	Messages []*ChatMessage `json:"messages"`
}

type OutboundMessageBackground struct {
	Message    *ChatMessage `json:"message"`
	SenderName string       `json:"sender_name"`
}

type OutboundMessageDeleted struct {
	ChatID    uuid.UUID `json:"chat_id"`
	MessageID uuid.UUID `json:"message_id"`
}

type OutboundMuteAck struct {
	ChatID uuid.UUID `json:"chat_id"`
	Muted  bool      `json:"muted"`
}

type OutboundChatCleared struct {
	ChatID uuid.UUID `json:"chat_id"`
}

type OutboundInbox struct {
	Entries []*InboxEntry `json:"entries"`
}
