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

import "errors"

// Error kinds surfaced by the realtime core. Handlers map these onto
// outbound error frames, background workers log them and continue.
var (
	ErrUnauthorized   = errors.New("unauthorized")
	ErrForbidden      = errors.New("forbidden")
	ErrConflict       = errors.New("conflict")
	ErrBlocked        = errors.New("blocked")
	ErrPIIDetected    = errors.New("pii_detected")
	ErrExpired        = errors.New("expired")
	ErrNotFound       = errors.New("not_found")
	ErrTransientStore = errors.New("transient_store")
)

// codeForError maps an error to the wire code used in outbound error frames.
func codeForError(err error) string {
	switch {
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrBlocked):
		return "blocked"
	case errors.Is(err, ErrPIIDetected):
		return "pii_detected"
	case errors.Is(err, ErrExpired):
		return "expired"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrTransientStore):
		return "transient_store"
	default:
		return "internal"
	}
}
