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
	"time"

	"github.com/gofrs/uuid"
	"go.uber.org/zap"
)

// Scoring weights for ranking matchmaking candidates.
const (
	weightInterests   = 0.45
	weightLocation    = 0.30
	weightReciprocity = 0.15
	weightFreshness   = 0.10

	// freshnessWindow is the queue wait after which a ticket's freshness
	// component has fully decayed.
	freshnessWindow = 10 * time.Minute
)

// MatchmakerStore is the persistence surface the engine runs on.
type MatchmakerStore interface {
	UpsertTicket(ctx context.Context, t *MatchmakingTicket) error
	DeleteTicket(ctx context.Context, userID uuid.UUID) (bool, error)
	HeartbeatTicket(ctx context.Context, userID uuid.UUID) (bool, error)
	RequeueTicket(ctx context.Context, userID uuid.UUID) error
	DeleteStaleTickets(ctx context.Context, staleBefore time.Time) (int, error)
	Candidates(ctx context.Context) ([]*TicketCandidate, error)

	CreateProposal(ctx context.Context, a, b uuid.UUID) (*MatchProposal, error)
	Proposal(ctx context.Context, proposalID uuid.UUID) (*MatchProposal, error)
	OpenProposalByUser(ctx context.Context, userID uuid.UUID) (*MatchProposal, error)
	OpenProposals(ctx context.Context) ([]*MatchProposal, error)
	SetAccepted(ctx context.Context, proposalID, userID uuid.UUID) (*MatchProposal, error)
	FinalizeMatched(ctx context.Context, proposalID, chatID uuid.UUID) (bool, error)
	CloseProposal(ctx context.Context, proposalID uuid.UUID, status string) (bool, error)

	Blocked(ctx context.Context, a, b uuid.UUID) (bool, error)
	EnsureChat(ctx context.Context, a, b uuid.UUID) (uuid.UUID, error)
	EnsureFriendship(ctx context.Context, a, b uuid.UUID) error
	ProfileSummary(ctx context.Context, viewerID, targetID uuid.UUID) (*ProfileView, error)
}

type sqlMatchmakerStore struct {
	logger *zap.Logger
	db     *sql.DB
}

func NewSQLMatchmakerStore(logger *zap.Logger, db *sql.DB) MatchmakerStore {
	return &sqlMatchmakerStore{logger: logger, db: db}
}

func (s *sqlMatchmakerStore) UpsertTicket(ctx context.Context, t *MatchmakingTicket) error {
	return UpsertMatchmakingTicket(ctx, s.logger, s.db, t)
}

func (s *sqlMatchmakerStore) DeleteTicket(ctx context.Context, userID uuid.UUID) (bool, error) {
	return DeleteMatchmakingTicket(ctx, s.logger, s.db, userID)
}

func (s *sqlMatchmakerStore) HeartbeatTicket(ctx context.Context, userID uuid.UUID) (bool, error) {
	return HeartbeatMatchmakingTicket(ctx, s.logger, s.db, userID)
}

func (s *sqlMatchmakerStore) RequeueTicket(ctx context.Context, userID uuid.UUID) error {
	return RequeueMatchmakingTicket(ctx, s.logger, s.db, userID)
}

func (s *sqlMatchmakerStore) DeleteStaleTickets(ctx context.Context, staleBefore time.Time) (int, error) {
	return DeleteStaleMatchmakingTickets(ctx, s.logger, s.db, staleBefore)
}

func (s *sqlMatchmakerStore) Candidates(ctx context.Context) ([]*TicketCandidate, error) {
	return ListTicketCandidates(ctx, s.logger, s.db)
}

func (s *sqlMatchmakerStore) CreateProposal(ctx context.Context, a, b uuid.UUID) (*MatchProposal, error) {
	return CreateMatchProposal(ctx, s.logger, s.db, a, b)
}

func (s *sqlMatchmakerStore) Proposal(ctx context.Context, proposalID uuid.UUID) (*MatchProposal, error) {
	return GetMatchProposal(ctx, s.logger, s.db, proposalID)
}

func (s *sqlMatchmakerStore) OpenProposalByUser(ctx context.Context, userID uuid.UUID) (*MatchProposal, error) {
	return GetOpenProposalByUser(ctx, s.logger, s.db, userID)
}

func (s *sqlMatchmakerStore) OpenProposals(ctx context.Context) ([]*MatchProposal, error) {
	return ListOpenProposals(ctx, s.logger, s.db)
}

func (s *sqlMatchmakerStore) SetAccepted(ctx context.Context, proposalID, userID uuid.UUID) (*MatchProposal, error) {
	return SetProposalAccepted(ctx, s.logger, s.db, proposalID, userID)
}

func (s *sqlMatchmakerStore) FinalizeMatched(ctx context.Context, proposalID, chatID uuid.UUID) (bool, error) {
	return FinalizeProposalMatched(ctx, s.logger, s.db, proposalID, chatID)
}

func (s *sqlMatchmakerStore) CloseProposal(ctx context.Context, proposalID uuid.UUID, status string) (bool, error) {
	return CloseProposal(ctx, s.logger, s.db, proposalID, status)
}

func (s *sqlMatchmakerStore) Blocked(ctx context.Context, a, b uuid.UUID) (bool, error) {
	return IsBlockedPair(ctx, s.logger, s.db, a, b)
}

func (s *sqlMatchmakerStore) EnsureChat(ctx context.Context, a, b uuid.UUID) (uuid.UUID, error) {
	return EnsureDirectChat(ctx, s.logger, s.db, a, b)
}

func (s *sqlMatchmakerStore) EnsureFriendship(ctx context.Context, a, b uuid.UUID) error {
	return EnsureAcceptedFriendship(ctx, s.logger, s.db, a, b)
}

func (s *sqlMatchmakerStore) ProfileSummary(ctx context.Context, viewerID, targetID uuid.UUID) (*ProfileView, error) {
	resolved, err := ResolveProfile(ctx, s.logger, s.db, viewerID, targetID)
	if err != nil {
		return nil, err
	}
	return resolved.View, nil
}

// OutboundTicket acknowledges an enqueue.
type OutboundTicket struct {
	TicketID uuid.UUID `json:"ticket_id"`
	QueuedAt time.Time `json:"queued_at"`
}

// OutboundProposal carries a proposal lifecycle event to one side.
type OutboundProposal struct {
	ProposalID uuid.UUID    `json:"proposal_id"`
	Status     string       `json:"status"`
	Partner    *ProfileView `json:"partner,omitempty"`
	ExpiresAt  time.Time    `json:"expires_at,omitempty"`
}

// criteriaMatch reports whether candidate c satisfies ticket t's gender
// filter and age band. Zero bounds leave the band open on that side.
func criteriaMatch(t, c *TicketCandidate) bool {
	if t.GenderPreference != "" && t.GenderPreference != "any" && t.GenderPreference != c.Gender {
		return false
	}
	if t.MinAge > 0 && c.Age < t.MinAge {
		return false
	}
	if t.MaxAge > 0 && c.Age > t.MaxAge {
		return false
	}
	return true
}

// jaccard is |a ∩ b| / |a ∪ b| over two string sets, 0 when both empty.
func jaccard(a, b []string) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	set := make(map[string]struct{}, len(a))
	for _, v := range a {
		set[v] = struct{}{}
	}
	intersection := 0
	union := len(set)
	seen := make(map[string]struct{}, len(b))
	for _, v := range b {
		if _, dup := seen[v]; dup {
			continue
		}
		seen[v] = struct{}{}
		if _, ok := set[v]; ok {
			intersection++
		} else {
			union++
		}
	}
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}

// radiusKmForPreference maps a location preference to the distance at
// which the location score reaches zero. Zero means unbounded.
func radiusKmForPreference(pref string) float64 {
	switch pref {
	case "nearby":
		return 25
	case "city":
		return 100
	case "country":
		return 1000
	default: // anywhere
		return 0
	}
}

// locationScore scores candidate distance against the ticket holder's
// location preference. Both sides without coordinates score full; one side
// missing scores half since distance is unknowable.
func locationScore(t, c *TicketCandidate) float64 {
	if t.Lat == nil || t.Lon == nil {
		if c.Lat == nil || c.Lon == nil {
			return 1.0
		}
		return 0.5
	}
	if c.Lat == nil || c.Lon == nil {
		return 0.5
	}
	radius := radiusKmForPreference(t.LocationPreference)
	if radius <= 0 {
		return 1.0
	}
	distance := haversineKm(*t.Lat, *t.Lon, *c.Lat, *c.Lon)
	score := 1.0 - distance/radius
	if score < 0 {
		return 0
	}
	return score
}

// freshnessScore decays linearly with queue wait and bottoms out at zero.
func freshnessScore(queuedAt, at time.Time) float64 {
	wait := at.Sub(queuedAt)
	if wait <= 0 {
		return 1.0
	}
	if wait >= freshnessWindow {
		return 0
	}
	return 1.0 - float64(wait)/float64(freshnessWindow)
}

// scoreCandidate ranks candidate c for ticket t.
func scoreCandidate(t, c *TicketCandidate, at time.Time) float64 {
	reciprocity := 0.5
	if criteriaMatch(c, t) {
		reciprocity = 1.0
	}
	return jaccard(t.Interests, c.Interests)*weightInterests +
		locationScore(t, c)*weightLocation +
		reciprocity*weightReciprocity +
		freshnessScore(c.QueuedAt, at)*weightFreshness
}

// MatchCreator opens the anonymous session for a freshly matched pair.
// Satisfied by BlindDateManager.
type MatchCreator interface {
	Create(ctx context.Context, a, other, chatID uuid.UUID) (*BlindDateMatch, error)
}

// Matchmaker pairs queued users. Client operations run on any node; the
// pass algorithm runs on whichever node holds the matchmaking lease.
type Matchmaker struct {
	logger      *zap.Logger
	config      Config
	store       MatchmakerStore
	coordinator Coordinator
	router      MessageRouter
	metrics     Metrics
	matches     MatchCreator

	now func() time.Time
}

func NewMatchmaker(logger *zap.Logger, config Config, store MatchmakerStore, coordinator Coordinator, router MessageRouter, metrics Metrics, matches MatchCreator) *Matchmaker {
	return &Matchmaker{
		logger:      logger,
		config:      config,
		store:       store,
		coordinator: coordinator,
		router:      router,
		metrics:     metrics,
		matches:     matches,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

func (m *Matchmaker) proposalWindow() time.Duration {
	return time.Duration(m.config.GetMatchmaker().ProposalWindowSec) * time.Second
}

// Enqueue adds or replaces the user's ticket. Idempotent per user: a
// second enqueue overwrites criteria and moves the user to the back.
func (m *Matchmaker) Enqueue(ctx context.Context, logger *zap.Logger, userID uuid.UUID, in *InboundMatchmakerAdd) (*MatchmakingTicket, error) {
	t := &MatchmakingTicket{
		ID:               uuid.Must(uuid.NewV4()),
		UserID:           userID,
		GenderPreference: in.GenderPreference,
		MinAge:           in.MinAge,
		MaxAge:           in.MaxAge,
		Interests:        in.Interests,
		Lat:              in.Lat,
		Lon:              in.Lon,
	}
	if err := m.store.UpsertTicket(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

// Cancel removes the user's ticket. An outstanding proposal is closed and
// the counterpart is notified and re-queued.
func (m *Matchmaker) Cancel(ctx context.Context, logger *zap.Logger, userID uuid.UUID) error {
	if _, err := m.store.DeleteTicket(ctx, userID); err != nil {
		return err
	}

	p, err := m.store.OpenProposalByUser(ctx, userID)
	if err == ErrNotFound {
		return nil
	}
	if err != nil {
		return err
	}
	closed, err := m.store.CloseProposal(ctx, p.ID, ProposalRejected)
	if err != nil || !closed {
		return err
	}
	other := p.Other(userID)
	if err := m.store.RequeueTicket(ctx, other); err != nil {
		logger.Warn("Could not requeue counterpart after cancel", zap.Error(err))
	}
	m.router.SendToUser(logger, other, NewOutbound(OutProposal, &OutboundProposal{ProposalID: p.ID, Status: ProposalRejected}))
	return nil
}

// Heartbeat refreshes the user's ticket liveness.
func (m *Matchmaker) Heartbeat(ctx context.Context, userID uuid.UUID) (bool, error) {
	return m.store.HeartbeatTicket(ctx, userID)
}

// Accept raises the caller's flag on a proposal. When both sides have
// accepted the pair is finalized: chat ensured, accepted friendship
// created, tickets removed and matched pushed to both users. Accepting an
// already matched proposal is a no-op returning the same chat id.
func (m *Matchmaker) Accept(ctx context.Context, logger *zap.Logger, userID, proposalID uuid.UUID) (*MatchProposal, error) {
	p, err := m.store.Proposal(ctx, proposalID)
	if err != nil {
		return nil, err
	}
	if !p.Involves(userID) {
		return nil, ErrForbidden
	}
	switch p.Status {
	case ProposalMatched:
		return p, nil
	case ProposalRejected, ProposalExpired:
		return nil, ErrExpired
	}

	updated, err := m.store.SetAccepted(ctx, proposalID, userID)
	if err == ErrNotFound {
		// Lost a race with expiry or rejection.
		return nil, ErrExpired
	}
	if err != nil {
		return nil, err
	}
	if !updated.UserAAccepted || !updated.UserBAccepted {
		return updated, nil
	}
	return m.finalize(ctx, logger, updated)
}

func (m *Matchmaker) finalize(ctx context.Context, logger *zap.Logger, p *MatchProposal) (*MatchProposal, error) {
	chatID, err := m.store.EnsureChat(ctx, p.UserA, p.UserB)
	if err != nil {
		return nil, err
	}
	won, err := m.store.FinalizeMatched(ctx, p.ID, chatID)
	if err != nil {
		return nil, err
	}
	if !won {
		return m.store.Proposal(ctx, p.ID)
	}
	p.Status = ProposalMatched
	p.ChatID = chatID

	if err := m.store.EnsureFriendship(ctx, p.UserA, p.UserB); err != nil {
		logger.Error("Error creating friendship on match", zap.Error(err))
	}
	// The pair starts out anonymous: the chat is governed by a blind date
	// session until both sides reveal. A conflict means the pair already
	// has a live session from an earlier match.
	if _, err := m.matches.Create(ctx, p.UserA, p.UserB, chatID); err != nil && err != ErrConflict {
		logger.Error("Error opening blind date on match", zap.Error(err))
	}
	if _, err := m.store.DeleteTicket(ctx, p.UserA); err != nil {
		logger.Warn("Could not remove ticket after match", zap.Error(err))
	}
	if _, err := m.store.DeleteTicket(ctx, p.UserB); err != nil {
		logger.Warn("Could not remove ticket after match", zap.Error(err))
	}
	m.metrics.CountProposal(ProposalMatched)

	m.router.SendToUser(logger, p.UserA, NewOutbound(OutMatched, &OutboundMatched{ChatID: chatID, PartnerID: p.UserB, ProposalID: p.ID}))
	m.router.SendToUser(logger, p.UserB, NewOutbound(OutMatched, &OutboundMatched{ChatID: chatID, PartnerID: p.UserA, ProposalID: p.ID}))
	return p, nil
}

// Reject closes the proposal; both users rejoin the queue at the back so
// neither is starved by an unresponsive counterpart.
func (m *Matchmaker) Reject(ctx context.Context, logger *zap.Logger, userID, proposalID uuid.UUID) error {
	p, err := m.store.Proposal(ctx, proposalID)
	if err != nil {
		return err
	}
	if !p.Involves(userID) {
		return ErrForbidden
	}
	if p.Status != ProposalOpen {
		return nil
	}
	closed, err := m.store.CloseProposal(ctx, p.ID, ProposalRejected)
	if err != nil || !closed {
		return err
	}
	m.metrics.CountProposal(ProposalRejected)
	m.requeuePair(ctx, logger, p)
	m.router.SendToUser(logger, p.Other(userID), NewOutbound(OutProposal, &OutboundProposal{ProposalID: p.ID, Status: ProposalRejected}))
	return nil
}

// DeliverOutstanding pushes the user's open proposal on reconnect, since a
// crash between proposal commit and notification loses the original push.
func (m *Matchmaker) DeliverOutstanding(ctx context.Context, logger *zap.Logger, userID uuid.UUID) {
	p, err := m.store.OpenProposalByUser(ctx, userID)
	if err != nil {
		if err != ErrNotFound {
			logger.Warn("Could not look up outstanding proposal", zap.Error(err))
		}
		return
	}
	m.sendProposal(ctx, logger, p, userID)
}

func (m *Matchmaker) sendProposal(ctx context.Context, logger *zap.Logger, p *MatchProposal, userID uuid.UUID) {
	partner, err := m.store.ProfileSummary(ctx, userID, p.Other(userID))
	if err != nil {
		logger.Warn("Could not resolve proposal partner", zap.Error(err))
	}
	m.router.SendToUser(logger, userID, NewOutbound(OutProposal, &OutboundProposal{
		ProposalID: p.ID,
		Status:     p.Status,
		Partner:    partner,
		ExpiresAt:  p.CreatedAt.Add(m.proposalWindow()),
	}))
}

func (m *Matchmaker) claimKey(ticketID uuid.UUID) string {
	return "claim/" + ticketID.String()
}

// Pass runs one matchmaking sweep: expire overdue proposals, drop stale
// tickets, then pair the queue oldest first. At most one proposal per
// ticket per pass.
func (m *Matchmaker) Pass(ctx context.Context) error {
	at := m.now()

	inProposal, err := m.expireOverdue(ctx, at)
	if err != nil {
		return err
	}

	staleBefore := at.Add(-time.Duration(m.config.GetMatchmaker().TicketTTLSec) * time.Second)
	if _, err := m.store.DeleteStaleTickets(ctx, staleBefore); err != nil {
		return err
	}

	tickets, err := m.store.Candidates(ctx)
	if err != nil {
		return err
	}

	paired := make(map[uuid.UUID]struct{}, len(tickets))
	for _, t := range tickets {
		if _, done := paired[t.UserID]; done {
			continue
		}
		if _, busy := inProposal[t.UserID]; busy {
			continue
		}

		best, err := m.pickBest(ctx, t, tickets, paired, inProposal, at)
		if err != nil {
			return err
		}
		if best == nil {
			continue
		}

		if !m.claimPair(ctx, t, best) {
			continue
		}

		p, err := m.store.CreateProposal(ctx, t.UserID, best.UserID)
		if err != nil {
			return err
		}
		paired[t.UserID] = struct{}{}
		paired[best.UserID] = struct{}{}
		m.metrics.CountProposal(ProposalOpen)
		m.sendProposal(ctx, m.logger, p, t.UserID)
		m.sendProposal(ctx, m.logger, p, best.UserID)
	}
	return nil
}

// expireOverdue closes proposals past their window and requeues both
// sides. Returns the users still held by open proposals. The deadline is
// exclusive: a proposal expires strictly after created-at plus the window.
func (m *Matchmaker) expireOverdue(ctx context.Context, at time.Time) (map[uuid.UUID]struct{}, error) {
	open, err := m.store.OpenProposals(ctx)
	if err != nil {
		return nil, err
	}
	held := make(map[uuid.UUID]struct{}, len(open)*2)
	window := m.proposalWindow()
	for _, p := range open {
		if !at.After(p.CreatedAt.Add(window)) {
			held[p.UserA] = struct{}{}
			held[p.UserB] = struct{}{}
			continue
		}
		closed, err := m.store.CloseProposal(ctx, p.ID, ProposalExpired)
		if err != nil {
			return nil, err
		}
		if !closed {
			continue
		}
		m.metrics.CountProposal(ProposalExpired)
		m.requeuePair(ctx, m.logger, p)
		expired := &OutboundProposal{ProposalID: p.ID, Status: ProposalExpired}
		m.router.SendToUser(m.logger, p.UserA, NewOutbound(OutProposal, expired))
		m.router.SendToUser(m.logger, p.UserB, NewOutbound(OutProposal, expired))
	}
	return held, nil
}

func (m *Matchmaker) requeuePair(ctx context.Context, logger *zap.Logger, p *MatchProposal) {
	if err := m.store.RequeueTicket(ctx, p.UserA); err != nil {
		logger.Warn("Could not requeue ticket", zap.Error(err))
	}
	if err := m.store.RequeueTicket(ctx, p.UserB); err != nil {
		logger.Warn("Could not requeue ticket", zap.Error(err))
	}
}

// pickBest scores all eligible counterparts for t and returns the winner,
// ties broken by older queued-at.
func (m *Matchmaker) pickBest(ctx context.Context, t *TicketCandidate, tickets []*TicketCandidate, paired, inProposal map[uuid.UUID]struct{}, at time.Time) (*TicketCandidate, error) {
	var best *TicketCandidate
	bestScore := -1.0
	for _, c := range tickets {
		if c.UserID == t.UserID {
			continue
		}
		if _, done := paired[c.UserID]; done {
			continue
		}
		if _, busy := inProposal[c.UserID]; busy {
			continue
		}
		if !criteriaMatch(t, c) {
			continue
		}
		blocked, err := m.store.Blocked(ctx, t.UserID, c.UserID)
		if err != nil {
			return nil, err
		}
		if blocked {
			continue
		}
		score := scoreCandidate(t, c, at)
		if score > bestScore || (score == bestScore && best != nil && c.QueuedAt.Before(best.QueuedAt)) {
			best = c
			bestScore = score
		}
	}
	return best, nil
}

// claimPair soft-claims both tickets, releasing the first claim when the
// second fails so another pass can pick the tickets up immediately.
func (m *Matchmaker) claimPair(ctx context.Context, t, c *TicketCandidate) bool {
	ttl := time.Duration(m.config.GetCoordinator().SoftClaimTTLSec) * time.Second
	holder := m.config.GetName()
	ok, err := m.coordinator.SoftClaim(ctx, m.claimKey(t.TicketID), holder, ttl)
	if err != nil || !ok {
		return false
	}
	ok, err = m.coordinator.SoftClaim(ctx, m.claimKey(c.TicketID), holder, ttl)
	if err != nil || !ok {
		m.coordinator.ReleaseClaim(ctx, m.claimKey(t.TicketID), holder)
		return false
	}
	return true
}
