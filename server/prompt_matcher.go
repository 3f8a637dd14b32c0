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
	"sort"
	"strings"
	"time"

	"github.com/gofrs/uuid"
	"go.uber.org/zap"
)

// PromptStore is the persistence surface the offer loop runs on.
type PromptStore interface {
	CreateRequest(ctx context.Context, r *HelpRequest) error
	Request(ctx context.Context, requestID uuid.UUID) (*HelpRequest, error)
	SearchingRequests(ctx context.Context) ([]*HelpRequest, error)
	Transition(ctx context.Context, requestID uuid.UUID, status string) (bool, error)
	MatchRequest(ctx context.Context, requestID, giverID, chatID uuid.UUID) (bool, error)

	CreateAttempt(ctx context.Context, requestID, giverID uuid.UUID) (*GiverAttempt, error)
	PendingAttempt(ctx context.Context, requestID uuid.UUID) (*GiverAttempt, error)
	RespondAttempt(ctx context.Context, requestID, giverID uuid.UUID, status string) (bool, error)
	ExpireAttempt(ctx context.Context, requestID uuid.UUID, sentBefore time.Time) (uuid.UUID, bool, error)
	ExpireAllAttempts(ctx context.Context, requestID uuid.UUID) error
	Declined(ctx context.Context, requestID uuid.UUID) (map[uuid.UUID]struct{}, error)

	GiverCandidates(ctx context.Context, limit int) ([]*GiverCandidate, error)
	UpsertGiver(ctx context.Context, g *GiverProfile) error
	IncrementGiverHelps(ctx context.Context, giverID uuid.UUID) error
	Blocked(ctx context.Context, a, b uuid.UUID) (bool, error)
	EnsureChat(ctx context.Context, a, b uuid.UUID) (uuid.UUID, error)
}

type sqlPromptStore struct {
	logger *zap.Logger
	db     *sql.DB
}

func NewSQLPromptStore(logger *zap.Logger, db *sql.DB) PromptStore {
	return &sqlPromptStore{logger: logger, db: db}
}

func (s *sqlPromptStore) CreateRequest(ctx context.Context, r *HelpRequest) error {
	return CreateHelpRequest(ctx, s.logger, s.db, r)
}

func (s *sqlPromptStore) Request(ctx context.Context, requestID uuid.UUID) (*HelpRequest, error) {
	return GetHelpRequest(ctx, s.logger, s.db, requestID)
}

func (s *sqlPromptStore) SearchingRequests(ctx context.Context) ([]*HelpRequest, error) {
	return ListSearchingHelpRequests(ctx, s.logger, s.db)
}

func (s *sqlPromptStore) Transition(ctx context.Context, requestID uuid.UUID, status string) (bool, error) {
	return TransitionHelpRequest(ctx, s.logger, s.db, requestID, status)
}

func (s *sqlPromptStore) MatchRequest(ctx context.Context, requestID, giverID, chatID uuid.UUID) (bool, error) {
	return MatchHelpRequest(ctx, s.logger, s.db, requestID, giverID, chatID)
}

func (s *sqlPromptStore) CreateAttempt(ctx context.Context, requestID, giverID uuid.UUID) (*GiverAttempt, error) {
	return CreateGiverAttempt(ctx, s.logger, s.db, requestID, giverID)
}

func (s *sqlPromptStore) PendingAttempt(ctx context.Context, requestID uuid.UUID) (*GiverAttempt, error) {
	return GetPendingAttempt(ctx, s.logger, s.db, requestID)
}

func (s *sqlPromptStore) RespondAttempt(ctx context.Context, requestID, giverID uuid.UUID, status string) (bool, error) {
	return RespondGiverAttempt(ctx, s.logger, s.db, requestID, giverID, status)
}

func (s *sqlPromptStore) ExpireAttempt(ctx context.Context, requestID uuid.UUID, sentBefore time.Time) (uuid.UUID, bool, error) {
	return ExpireGiverAttempt(ctx, s.logger, s.db, requestID, sentBefore)
}

func (s *sqlPromptStore) ExpireAllAttempts(ctx context.Context, requestID uuid.UUID) error {
	return ExpireAllAttempts(ctx, s.logger, s.db, requestID)
}

func (s *sqlPromptStore) Declined(ctx context.Context, requestID uuid.UUID) (map[uuid.UUID]struct{}, error) {
	return DeclinedGivers(ctx, s.logger, s.db, requestID)
}

func (s *sqlPromptStore) GiverCandidates(ctx context.Context, limit int) ([]*GiverCandidate, error) {
	return ListAvailableGiverCandidates(ctx, s.logger, s.db, limit)
}

func (s *sqlPromptStore) UpsertGiver(ctx context.Context, g *GiverProfile) error {
	return UpsertGiverProfile(ctx, s.logger, s.db, g)
}

func (s *sqlPromptStore) IncrementGiverHelps(ctx context.Context, giverID uuid.UUID) error {
	return IncrementGiverHelps(ctx, s.logger, s.db, giverID)
}

func (s *sqlPromptStore) Blocked(ctx context.Context, a, b uuid.UUID) (bool, error) {
	return IsBlockedPair(ctx, s.logger, s.db, a, b)
}

func (s *sqlPromptStore) EnsureChat(ctx context.Context, a, b uuid.UUID) (uuid.UUID, error) {
	return EnsureDirectChat(ctx, s.logger, s.db, a, b)
}

// OutboundRequestOffered is an offer pushed to one giver.
type OutboundRequestOffered struct {
	RequestID uuid.UUID `json:"request_id"`
	Prompt    string    `json:"prompt"`
	ExpiresAt time.Time `json:"expires_at"`
}

// OutboundRequestUpdate reports help request progress to its receiver.
type OutboundRequestUpdate struct {
	RequestID uuid.UUID `json:"request_id"`
	Status    string    `json:"status"`
	Attempts  int       `json:"attempts"`
	GiverID   uuid.UUID `json:"giver_id,omitempty"`
	ChatID    uuid.UUID `json:"chat_id,omitempty"`
}

// PromptMatcher connects a receiver's prompt with exactly one willing
// giver: one offer outstanding at a time, declined and lapsed givers never
// re-offered, the whole request bounded by a TTL.
type PromptMatcher struct {
	logger *zap.Logger
	config Config
	store  PromptStore
	router MessageRouter

	now func() time.Time
}

func NewPromptMatcher(logger *zap.Logger, config Config, store PromptStore, router MessageRouter) *PromptMatcher {
	return &PromptMatcher{
		logger: logger,
		config: config,
		store:  store,
		router: router,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (pm *PromptMatcher) attemptWindow() time.Duration {
	return time.Duration(pm.config.GetPrompt().AttemptWindowSec) * time.Second
}

// Publish creates a searching request from the receiver's prompt. The
// offer loop picks it up on the next tick.
func (pm *PromptMatcher) Publish(ctx context.Context, logger *zap.Logger, receiverID uuid.UUID, prompt string) (*HelpRequest, error) {
	r := &HelpRequest{
		ID:         uuid.Must(uuid.NewV4()),
		ReceiverID: receiverID,
		Prompt:     prompt,
		Embedding:  EmbedText(prompt),
		Status:     HelpSearching,
		ExpiresAt:  pm.now().Add(time.Duration(pm.config.GetPrompt().RequestTTLSec) * time.Second),
	}
	if err := pm.store.CreateRequest(ctx, r); err != nil {
		return nil, err
	}
	return r, nil
}

// UpdateGiver rewrites the caller's availability record. The embedding is
// regenerated from the profile text so similarity ranking tracks edits.
func (pm *PromptMatcher) UpdateGiver(ctx context.Context, logger *zap.Logger, userID uuid.UUID, skills, categories []string, available bool) error {
	text := strings.Join(skills, " ") + " " + strings.Join(categories, " ")
	return pm.store.UpsertGiver(ctx, &GiverProfile{
		UserID:     userID,
		Skills:     skills,
		Categories: categories,
		Embedding:  EmbedText(text),
		Available:  available,
	})
}

// Respond resolves the giver's outstanding offer. Accepting matches the
// request: a 1:1 chat is ensured and both sides are notified. Declining
// adds the giver to the decline-set; the next tick offers the next
// candidate.
func (pm *PromptMatcher) Respond(ctx context.Context, logger *zap.Logger, giverID, requestID uuid.UUID, accepted bool) error {
	r, err := pm.store.Request(ctx, requestID)
	if err != nil {
		return err
	}
	if r.Status != HelpSearching {
		return ErrExpired
	}

	status := AttemptDeclined
	if accepted {
		status = AttemptAccepted
	}
	responded, err := pm.store.RespondAttempt(ctx, requestID, giverID, status)
	if err != nil {
		return err
	}
	if !responded {
		// No pending offer for this giver: it lapsed or was never made.
		return ErrExpired
	}

	if !accepted {
		pm.router.SendToUser(logger, r.ReceiverID, NewOutbound(OutRequestUpdate, &OutboundRequestUpdate{
			RequestID: r.ID,
			Status:    HelpSearching,
			Attempts:  r.Attempts,
		}))
		return nil
	}

	chatID, err := pm.store.EnsureChat(ctx, r.ReceiverID, giverID)
	if err != nil {
		return err
	}
	won, err := pm.store.MatchRequest(ctx, requestID, giverID, chatID)
	if err != nil {
		return err
	}
	if !won {
		return ErrExpired
	}
	if err := pm.store.IncrementGiverHelps(ctx, giverID); err != nil {
		logger.Warn("Could not count giver help", zap.Error(err))
	}

	pm.router.SendToUser(logger, r.ReceiverID, NewOutbound(OutMatched, &OutboundMatched{ChatID: chatID, PartnerID: giverID, RequestID: r.ID}))
	pm.router.SendToUser(logger, giverID, NewOutbound(OutMatched, &OutboundMatched{ChatID: chatID, PartnerID: r.ReceiverID, RequestID: r.ID}))
	return nil
}

// Cancel terminates the receiver's own request and lapses any outstanding
// offer.
func (pm *PromptMatcher) Cancel(ctx context.Context, logger *zap.Logger, receiverID, requestID uuid.UUID) error {
	r, err := pm.store.Request(ctx, requestID)
	if err != nil {
		return err
	}
	if r.ReceiverID != receiverID {
		return ErrForbidden
	}
	if r.Status != HelpSearching {
		return nil
	}
	cancelled, err := pm.store.Transition(ctx, requestID, HelpCancelled)
	if err != nil || !cancelled {
		return err
	}
	if err := pm.store.ExpireAllAttempts(ctx, requestID); err != nil {
		return err
	}
	pm.router.SendToUser(logger, receiverID, NewOutbound(OutRequestUpdate, &OutboundRequestUpdate{
		RequestID: r.ID,
		Status:    HelpCancelled,
	}))
	return nil
}

// Tick advances every searching request by at most one step: expire the
// request past its TTL, lapse an overdue offer, or make the next offer.
// A request with a live pending offer is left alone, which is what keeps
// offers strictly serial.
func (pm *PromptMatcher) Tick(ctx context.Context) error {
	requests, err := pm.store.SearchingRequests(ctx)
	if err != nil {
		return err
	}
	for _, r := range requests {
		if err := pm.step(ctx, r); err != nil {
			return err
		}
	}
	return nil
}

func (pm *PromptMatcher) step(ctx context.Context, r *HelpRequest) error {
	at := pm.now()

	if at.After(r.ExpiresAt) {
		expired, err := pm.store.Transition(ctx, r.ID, HelpExpired)
		if err != nil {
			return err
		}
		if expired {
			if err := pm.store.ExpireAllAttempts(ctx, r.ID); err != nil {
				return err
			}
			pm.router.SendToUser(pm.logger, r.ReceiverID, NewOutbound(OutRequestUpdate, &OutboundRequestUpdate{
				RequestID: r.ID,
				Status:    HelpExpired,
				Attempts:  r.Attempts,
			}))
		}
		return nil
	}

	// Lapse an offer past its response window.
	if _, _, err := pm.store.ExpireAttempt(ctx, r.ID, at.Add(-pm.attemptWindow())); err != nil {
		return err
	}

	// A still-live offer means nothing to do for this request.
	if _, err := pm.store.PendingAttempt(ctx, r.ID); err == nil {
		return nil
	} else if err != ErrNotFound {
		return err
	}

	giverID, found, err := pm.nextCandidate(ctx, r)
	if err != nil {
		return err
	}
	if !found {
		exhausted, err := pm.store.Transition(ctx, r.ID, HelpDeclinedAll)
		if err != nil {
			return err
		}
		if exhausted {
			pm.router.SendToUser(pm.logger, r.ReceiverID, NewOutbound(OutRequestUpdate, &OutboundRequestUpdate{
				RequestID: r.ID,
				Status:    HelpDeclinedAll,
				Attempts:  r.Attempts,
			}))
		}
		return nil
	}

	attempt, err := pm.store.CreateAttempt(ctx, r.ID, giverID)
	if err == ErrConflict {
		// The giver was already tried; the decline-set catches up next tick.
		return nil
	}
	if err != nil {
		return err
	}
	pm.router.SendToUser(pm.logger, giverID, NewOutbound(OutRequestOffered, &OutboundRequestOffered{
		RequestID: r.ID,
		Prompt:    r.Prompt,
		ExpiresAt: attempt.SentAt.Add(pm.attemptWindow()),
	}))
	return nil
}

// nextCandidate ranks the available giver page for the request: cosine
// similarity first, then average rating, then helps given. The receiver,
// the decline-set and blocked pairs never qualify.
func (pm *PromptMatcher) nextCandidate(ctx context.Context, r *HelpRequest) (uuid.UUID, bool, error) {
	candidates, err := pm.store.GiverCandidates(ctx, pm.config.GetPrompt().CandidatePage)
	if err != nil {
		return uuid.Nil, false, err
	}
	declined, err := pm.store.Declined(ctx, r.ID)
	if err != nil {
		return uuid.Nil, false, err
	}

	type ranked struct {
		giverID    uuid.UUID
		similarity float64
		rating     float64
		helps      int
	}
	pool := make([]ranked, 0, len(candidates))
	for _, c := range candidates {
		if c.UserID == r.ReceiverID {
			continue
		}
		if _, no := declined[c.UserID]; no {
			continue
		}
		blocked, err := pm.store.Blocked(ctx, r.ReceiverID, c.UserID)
		if err != nil {
			return uuid.Nil, false, err
		}
		if blocked {
			continue
		}
		pool = append(pool, ranked{
			giverID:    c.UserID,
			similarity: CosineSimilarity(r.Embedding, c.Embedding),
			rating:     c.AverageRating,
			helps:      c.HelpsGiven,
		})
	}
	if len(pool) == 0 {
		return uuid.Nil, false, nil
	}

	sort.Slice(pool, func(i, j int) bool {
		if pool[i].similarity != pool[j].similarity {
			return pool[i].similarity > pool[j].similarity
		}
		if pool[i].rating != pool[j].rating {
			return pool[i].rating > pool[j].rating
		}
		return pool[i].helps > pool[j].helps
	})
	return pool[0].giverID, true, nil
}
