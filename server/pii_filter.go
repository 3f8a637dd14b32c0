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

import "regexp"

// PII types the blind date filter detects.
const (
	PIITypePhone  = "phone"
	PIITypeEmail  = "email"
	PIITypeHandle = "handle"
	PIITypeURL    = "url"
)

// PIIResult is the outcome of filtering one outbound message. A blocked
// message is never persisted and never reaches the recipient.
type PIIResult struct {
	Allowed       bool
	BlockedReason string
	DetectedTypes []string
}

var (
	// E.164 or 10-digit phone numbers, tolerant of separators.
	piiPhoneRegex = regexp.MustCompile(`(\+\d{1,3}[\s.-]?)?\(?\d{3}\)?[\s.-]?\d{3}[\s.-]?\d{4}\b|\+\d{7,15}\b`)
	piiEmailRegex = regexp.MustCompile(`[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}`)
	// Bare @handles and platform-prefixed handles.
	piiHandleRegex   = regexp.MustCompile(`(^|[\s:])@[A-Za-z0-9_.]{2,}|(?i)(instagram|insta|ig|snapchat|snap|telegram|tiktok|twitter|discord|whatsapp|signal)\s*[:@-]\s*[A-Za-z0-9_.]{2,}`)
	// URL fragments that dox a handle on a social platform.
	piiURLRegex = regexp.MustCompile(`(?i)(https?://)?(www\.)?(instagram\.com|tiktok\.com|t\.me|twitter\.com|x\.com|snapchat\.com|facebook\.com|fb\.com|discord\.gg|wa\.me|linkedin\.com/in)/[A-Za-z0-9_.\-/]+`)
)

// FilterPII inspects an outbound blind date message for personally
// identifying information. Pure function, detection is deterministic.
func FilterPII(text string) PIIResult {
	detected := make([]string, 0, 4)

	urlHit := piiURLRegex.MatchString(text)
	emailHit := piiEmailRegex.MatchString(text)
	if urlHit {
		detected = append(detected, PIITypeURL)
	}
	if emailHit {
		detected = append(detected, PIITypeEmail)
	} else if piiPhoneRegex.MatchString(text) {
		detected = append(detected, PIITypePhone)
	}
	// A profile link or e-mail already implies its embedded handle text, so
	// the handle type is only reported on its own.
	if !urlHit && !emailHit && piiHandleRegex.MatchString(text) {
		detected = append(detected, PIITypeHandle)
	}

	if len(detected) == 0 {
		return PIIResult{Allowed: true}
	}
	return PIIResult{
		Allowed:       false,
		BlockedReason: "Messages cannot share contact details before reveal",
		DetectedTypes: detected,
	}
}
