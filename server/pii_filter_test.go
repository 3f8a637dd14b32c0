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

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFilterPIIAllowsOrdinaryMessages(t *testing.T) {
	for _, text := range []string{
		"I love hiking and old movies",
		"see you at 7 then",
		"what do you do for work?",
		"haha that is so true",
		"my cat knocked over 3 plants today",
	} {
		result := FilterPII(text)
		assert.True(t, result.Allowed, "text %q should pass", text)
		assert.Empty(t, result.DetectedTypes)
	}
}

func TestFilterPIIPhone(t *testing.T) {
	for _, text := range []string{
		"call me at 555-123-4567",
		"my number is (555) 123 4567",
		"text +4915123456789 ok",
		"5551234567",
	} {
		result := FilterPII(text)
		require.False(t, result.Allowed, "text %q should be blocked", text)
		assert.Equal(t, []string{PIITypePhone}, result.DetectedTypes)
		assert.Equal(t, "Messages cannot share contact details before reveal", result.BlockedReason)
	}
}

func TestFilterPIIEmail(t *testing.T) {
	result := FilterPII("write me at sunny.girl+dates@example.co.uk instead")
	require.False(t, result.Allowed)
	assert.Equal(t, []string{PIITypeEmail}, result.DetectedTypes)
}

func TestFilterPIIEmailShadowsPhone(t *testing.T) {
	// An e-mail hit is reported alone even when a phone number rides along.
	result := FilterPII("email me x@y.com or call 555-123-4567")
	require.False(t, result.Allowed)
	assert.Equal(t, []string{PIITypeEmail}, result.DetectedTypes)
}

func TestFilterPIIHandle(t *testing.T) {
	for _, text := range []string{
		"find me @sunny_girl",
		"@sunny22 is me",
		"insta: sunnygirl",
		"add me on snapchat - sunny.g",
		"Telegram @sunny22",
	} {
		result := FilterPII(text)
		require.False(t, result.Allowed, "text %q should be blocked", text)
		assert.Equal(t, []string{PIITypeHandle}, result.DetectedTypes)
	}
}

func TestFilterPIIURL(t *testing.T) {
	for _, text := range []string{
		"check instagram.com/sunnygirl",
		"https://www.tiktok.com/@sunny",
		"t.me/sunny22",
	} {
		result := FilterPII(text)
		require.False(t, result.Allowed, "text %q should be blocked", text)
		// The profile link already implies its embedded handle text.
		assert.Equal(t, []string{PIITypeURL}, result.DetectedTypes)
	}
}

func TestFilterPIIMidSentenceAtSignAllowed(t *testing.T) {
	result := FilterPII("she said hi @ the party yesterday")
	assert.True(t, result.Allowed)
}
