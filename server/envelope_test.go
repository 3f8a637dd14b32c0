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
	"encoding/json"
	"testing"

	"github.com/gofrs/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseInboundMessage(t *testing.T) {
	envelope, err := ParseInbound([]byte(`{"cid":"42","type":"message","payload":{"chat_id":"6f9c3c83-9b9e-4a10-a9f3-0f3b9e2b2f10","text":"hey there"}}`))
	require.NoError(t, err)
	assert.Equal(t, "42", envelope.CID)
	assert.Equal(t, InMessage, envelope.Type)
	require.NotNil(t, envelope.Message)
	assert.Equal(t, "hey there", envelope.Message.Text)
	assert.Equal(t, "6f9c3c83-9b9e-4a10-a9f3-0f3b9e2b2f10", envelope.Message.ChatID.String())
}

func TestParseInboundUnknownType(t *testing.T) {
	_, err := ParseInbound([]byte(`{"type":"warp_drive","payload":{}}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "warp_drive")
}

func TestParseInboundUnknownField(t *testing.T) {
	_, err := ParseInbound([]byte(`{"type":"typing","payload":{"chat_id":"6f9c3c83-9b9e-4a10-a9f3-0f3b9e2b2f10","typing":true,"sneaky":1}}`))
	require.Error(t, err)
}

func TestParseInboundMissingPayload(t *testing.T) {
	_, err := ParseInbound([]byte(`{"type":"join"}`))
	require.Error(t, err)
}

func TestParseInboundMalformed(t *testing.T) {
	_, err := ParseInbound([]byte(`{"type":`))
	require.Error(t, err)
}

func TestParseInboundPayloadless(t *testing.T) {
	for _, kind := range []string{InInbox, InMatchmakerRemove, InMatchmakerHeartbeat} {
		envelope, err := ParseInbound([]byte(`{"cid":"1","type":"` + kind + `"}`))
		require.NoError(t, err, "kind %q", kind)
		assert.Equal(t, kind, envelope.Type)
	}
}

func TestParseInboundChatClear(t *testing.T) {
	envelope, err := ParseInbound([]byte(`{"cid":"7","type":"chat_clear","payload":{"chat_id":"6f9c3c83-9b9e-4a10-a9f3-0f3b9e2b2f10"}}`))
	require.NoError(t, err)
	assert.Equal(t, InChatClear, envelope.Type)
	require.NotNil(t, envelope.ChatClear)
	assert.Equal(t, "6f9c3c83-9b9e-4a10-a9f3-0f3b9e2b2f10", envelope.ChatClear.ChatID.String())
}

func TestParseInboundMatchmakerAdd(t *testing.T) {
	envelope, err := ParseInbound([]byte(`{"type":"matchmaker_add","payload":{"gender_preference":"any","min_age":25,"max_age":35,"interests":["hiking","jazz"],"lat":52.52,"lon":13.405}}`))
	require.NoError(t, err)
	in := envelope.MatchmakerAdd
	require.NotNil(t, in)
	assert.Equal(t, "any", in.GenderPreference)
	assert.Equal(t, 25, in.MinAge)
	assert.Equal(t, 35, in.MaxAge)
	assert.Equal(t, []string{"hiking", "jazz"}, in.Interests)
	require.NotNil(t, in.Lat)
	assert.InDelta(t, 52.52, *in.Lat, 1e-9)
}

func TestOutboundErrorCodes(t *testing.T) {
	cases := map[error]string{
		ErrUnauthorized:   "unauthorized",
		ErrForbidden:      "forbidden",
		ErrConflict:       "conflict",
		ErrBlocked:        "blocked",
		ErrPIIDetected:    "pii_detected",
		ErrExpired:        "expired",
		ErrNotFound:       "not_found",
		ErrTransientStore: "transient_store",
		assert.AnError:    "internal",
	}
	for err, code := range cases {
		envelope := NewOutboundError("7", err, "boom")
		assert.Equal(t, OutError, envelope.Type)
		assert.Equal(t, "7", envelope.CID)
		payload, ok := envelope.Payload.(*OutboundError)
		require.True(t, ok)
		assert.Equal(t, code, payload.Code)
	}
}

func TestOutboundEnvelopeMarshal(t *testing.T) {
	data, err := json.Marshal(NewOutbound(OutTyping, &OutboundTyping{Users: []uuid.UUID{}}))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"typing","payload":{"chat_id":"00000000-0000-0000-0000-000000000000","users":[]}}`, string(data))
}
