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
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/gofrs/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fixedClock is the injectable time source the engine tests advance by hand.
type fixedClock struct {
	at time.Time
}

func (c *fixedClock) now() time.Time { return c.at }

func (c *fixedClock) advance(d time.Duration) { c.at = c.at.Add(d) }

func testConfig() *config {
	c := NewConfig()
	c.Name = "node-test"
	c.Session.TokenSecret = "testsecret"
	return c
}

type routedEnvelope struct {
	UserID   uuid.UUID
	ChatID   uuid.UUID
	Envelope *OutboundEnvelope
}

// testRouter records every outbound emission for assertions.
type testRouter struct {
	sync.Mutex
	sent []routedEnvelope
}

func (r *testRouter) SendToRoom(logger *zap.Logger, chatID uuid.UUID, envelope *OutboundEnvelope) {
	r.Lock()
	defer r.Unlock()
	r.sent = append(r.sent, routedEnvelope{ChatID: chatID, Envelope: envelope})
}

func (r *testRouter) SendToUser(logger *zap.Logger, userID uuid.UUID, envelope *OutboundEnvelope) {
	r.Lock()
	defer r.Unlock()
	r.sent = append(r.sent, routedEnvelope{UserID: userID, Envelope: envelope})
}

func (r *testRouter) toUser(userID uuid.UUID, typ string) []*OutboundEnvelope {
	r.Lock()
	defer r.Unlock()
	envelopes := make([]*OutboundEnvelope, 0, len(r.sent))
	for _, s := range r.sent {
		if s.UserID == userID && s.Envelope.Type == typ {
			envelopes = append(envelopes, s.Envelope)
		}
	}
	return envelopes
}

func (r *testRouter) reset() {
	r.Lock()
	defer r.Unlock()
	r.sent = nil
}

// testMetrics counts emissions without a tally scope behind it.
type testMetrics struct {
	sync.Mutex
	workerErrors int
	blocked      map[string]int
	dropped      int
	proposals    map[string]int
}

func newTestMetrics() *testMetrics {
	return &testMetrics{
		blocked:   make(map[string]int),
		proposals: make(map[string]int),
	}
}

func (m *testMetrics) SessionStart() {}
func (m *testMetrics) SessionEnd()   {}

func (m *testMetrics) CountWorkerError(worker string) {
	m.Lock()
	defer m.Unlock()
	m.workerErrors++
}

func (m *testMetrics) CountMessageBlocked(reason string) {
	m.Lock()
	defer m.Unlock()
	m.blocked[reason]++
}

func (m *testMetrics) CountNotificationDropped() {
	m.Lock()
	defer m.Unlock()
	m.dropped++
}

func (m *testMetrics) CountProposal(outcome string) {
	m.Lock()
	defer m.Unlock()
	m.proposals[outcome]++
}

func (m *testMetrics) Stop(logger *zap.Logger) {}

func testPairKey(a, b uuid.UUID) [2]uuid.UUID {
	x, y := canonicalPair(a, b)
	return [2]uuid.UUID{x, y}
}

// fakeMatchmakerStore is an in-memory MatchmakerStore mirroring the SQL
// layer's semantics closely enough for the engine tests.
type fakeMatchmakerStore struct {
	clock     *fixedClock
	tickets   map[uuid.UUID]*MatchmakingTicket
	profiles  map[uuid.UUID]*TicketCandidate
	proposals map[uuid.UUID]*MatchProposal
	blocked   map[[2]uuid.UUID]bool
	chats     map[[2]uuid.UUID]uuid.UUID
	friends   map[[2]uuid.UUID]bool

	// blindDates observes the sessions the engine opens on mutual accept.
	blindDates *fakeBlindDateStore
}

func newFakeMatchmakerStore(clock *fixedClock) *fakeMatchmakerStore {
	return &fakeMatchmakerStore{
		clock:     clock,
		tickets:   make(map[uuid.UUID]*MatchmakingTicket),
		profiles:  make(map[uuid.UUID]*TicketCandidate),
		proposals: make(map[uuid.UUID]*MatchProposal),
		blocked:   make(map[[2]uuid.UUID]bool),
		chats:     make(map[[2]uuid.UUID]uuid.UUID),
		friends:   make(map[[2]uuid.UUID]bool),
	}
}

func (s *fakeMatchmakerStore) setProfile(userID uuid.UUID, age int, gender, locationPreference string) {
	s.profiles[userID] = &TicketCandidate{Age: age, Gender: gender, LocationPreference: locationPreference}
}

func (s *fakeMatchmakerStore) UpsertTicket(ctx context.Context, t *MatchmakingTicket) error {
	t.QueuedAt = s.clock.now()
	t.HeartbeatAt = t.QueuedAt
	s.tickets[t.UserID] = t
	return nil
}

func (s *fakeMatchmakerStore) DeleteTicket(ctx context.Context, userID uuid.UUID) (bool, error) {
	_, ok := s.tickets[userID]
	delete(s.tickets, userID)
	return ok, nil
}

func (s *fakeMatchmakerStore) HeartbeatTicket(ctx context.Context, userID uuid.UUID) (bool, error) {
	t, ok := s.tickets[userID]
	if !ok {
		return false, nil
	}
	t.HeartbeatAt = s.clock.now()
	return true, nil
}

func (s *fakeMatchmakerStore) RequeueTicket(ctx context.Context, userID uuid.UUID) error {
	if t, ok := s.tickets[userID]; ok {
		t.QueuedAt = s.clock.now()
	}
	return nil
}

func (s *fakeMatchmakerStore) DeleteStaleTickets(ctx context.Context, staleBefore time.Time) (int, error) {
	removed := 0
	for userID, t := range s.tickets {
		if t.HeartbeatAt.Before(staleBefore) {
			delete(s.tickets, userID)
			removed++
		}
	}
	return removed, nil
}

func (s *fakeMatchmakerStore) Candidates(ctx context.Context) ([]*TicketCandidate, error) {
	candidates := make([]*TicketCandidate, 0, len(s.tickets))
	for _, t := range s.tickets {
		c := &TicketCandidate{
			TicketID:         t.ID,
			UserID:           t.UserID,
			GenderPreference: t.GenderPreference,
			MinAge:           t.MinAge,
			MaxAge:           t.MaxAge,
			Interests:        t.Interests,
			Lat:              t.Lat,
			Lon:              t.Lon,
			QueuedAt:         t.QueuedAt,
		}
		if profile, ok := s.profiles[t.UserID]; ok {
			c.Age = profile.Age
			c.Gender = profile.Gender
			c.LocationPreference = profile.LocationPreference
		}
		candidates = append(candidates, c)
	}
	sort.Slice(candidates, func(i, j int) bool {
		if !candidates[i].QueuedAt.Equal(candidates[j].QueuedAt) {
			return candidates[i].QueuedAt.Before(candidates[j].QueuedAt)
		}
		return bytes.Compare(candidates[i].UserID.Bytes(), candidates[j].UserID.Bytes()) < 0
	})
	return candidates, nil
}

func (s *fakeMatchmakerStore) CreateProposal(ctx context.Context, a, b uuid.UUID) (*MatchProposal, error) {
	userA, userB := canonicalPair(a, b)
	p := &MatchProposal{
		ID:        uuid.Must(uuid.NewV4()),
		UserA:     userA,
		UserB:     userB,
		Status:    ProposalOpen,
		CreatedAt: s.clock.now(),
	}
	s.proposals[p.ID] = p
	return p, nil
}

func (s *fakeMatchmakerStore) Proposal(ctx context.Context, proposalID uuid.UUID) (*MatchProposal, error) {
	p, ok := s.proposals[proposalID]
	if !ok {
		return nil, ErrNotFound
	}
	return p, nil
}

func (s *fakeMatchmakerStore) OpenProposalByUser(ctx context.Context, userID uuid.UUID) (*MatchProposal, error) {
	for _, p := range s.proposals {
		if p.Status == ProposalOpen && p.Involves(userID) {
			return p, nil
		}
	}
	return nil, ErrNotFound
}

func (s *fakeMatchmakerStore) OpenProposals(ctx context.Context) ([]*MatchProposal, error) {
	open := make([]*MatchProposal, 0, len(s.proposals))
	for _, p := range s.proposals {
		if p.Status == ProposalOpen {
			open = append(open, p)
		}
	}
	return open, nil
}

func (s *fakeMatchmakerStore) SetAccepted(ctx context.Context, proposalID, userID uuid.UUID) (*MatchProposal, error) {
	p, ok := s.proposals[proposalID]
	if !ok || p.Status != ProposalOpen || !p.Involves(userID) {
		return nil, ErrNotFound
	}
	if p.UserA == userID {
		p.UserAAccepted = true
	} else {
		p.UserBAccepted = true
	}
	return p, nil
}

func (s *fakeMatchmakerStore) FinalizeMatched(ctx context.Context, proposalID, chatID uuid.UUID) (bool, error) {
	p, ok := s.proposals[proposalID]
	if !ok || p.Status != ProposalOpen {
		return false, nil
	}
	p.Status = ProposalMatched
	p.ChatID = chatID
	return true, nil
}

func (s *fakeMatchmakerStore) CloseProposal(ctx context.Context, proposalID uuid.UUID, status string) (bool, error) {
	p, ok := s.proposals[proposalID]
	if !ok || p.Status != ProposalOpen {
		return false, nil
	}
	p.Status = status
	return true, nil
}

func (s *fakeMatchmakerStore) Blocked(ctx context.Context, a, b uuid.UUID) (bool, error) {
	return s.blocked[testPairKey(a, b)], nil
}

func (s *fakeMatchmakerStore) EnsureChat(ctx context.Context, a, b uuid.UUID) (uuid.UUID, error) {
	key := testPairKey(a, b)
	if chatID, ok := s.chats[key]; ok {
		return chatID, nil
	}
	chatID := uuid.Must(uuid.NewV4())
	s.chats[key] = chatID
	return chatID, nil
}

func (s *fakeMatchmakerStore) EnsureFriendship(ctx context.Context, a, b uuid.UUID) error {
	s.friends[testPairKey(a, b)] = true
	return nil
}

func (s *fakeMatchmakerStore) ProfileSummary(ctx context.Context, viewerID, targetID uuid.UUID) (*ProfileView, error) {
	return &ProfileView{ID: targetID}, nil
}

func newTestMatchmaker(t *testing.T) (*Matchmaker, *fakeMatchmakerStore, *testRouter, *fixedClock, *testMetrics) {
	t.Helper()
	clock := &fixedClock{at: time.Unix(1700000000, 0).UTC()}
	store := newFakeMatchmakerStore(clock)
	store.blindDates = newFakeBlindDateStore()
	router := &testRouter{}
	metrics := newTestMetrics()
	coordinator := NewLocalCoordinator()
	coordinator.now = clock.now
	config := testConfig()
	blindDates := NewBlindDateManager(zap.NewNop(), config, store.blindDates, router, nil)
	m := NewMatchmaker(zap.NewNop(), config, store, coordinator, router, metrics, blindDates)
	m.now = clock.now
	return m, store, router, clock, metrics
}

func mustEnqueue(t *testing.T, m *Matchmaker, store *fakeMatchmakerStore, age int, gender string, in *InboundMatchmakerAdd) uuid.UUID {
	t.Helper()
	userID := uuid.Must(uuid.NewV4())
	store.setProfile(userID, age, gender, "anywhere")
	_, err := m.Enqueue(context.Background(), zap.NewNop(), userID, in)
	require.NoError(t, err)
	return userID
}

func TestMatchmakerPassPairsCompatibleTickets(t *testing.T) {
	ctx := context.Background()
	m, store, router, _, metrics := newTestMatchmaker(t)

	criteria := &InboundMatchmakerAdd{GenderPreference: "any", Interests: []string{"hiking", "jazz"}}
	alice := mustEnqueue(t, m, store, 30, "f", criteria)
	bob := mustEnqueue(t, m, store, 32, "m", criteria)

	require.NoError(t, m.Pass(ctx))

	open, _ := store.OpenProposals(ctx)
	require.Len(t, open, 1)
	p := open[0]
	assert.True(t, p.Involves(alice))
	assert.True(t, p.Involves(bob))
	assert.Equal(t, 1, metrics.proposals[ProposalOpen])

	require.Len(t, router.toUser(alice, OutProposal), 1)
	require.Len(t, router.toUser(bob, OutProposal), 1)
	payload := router.toUser(alice, OutProposal)[0].Payload.(*OutboundProposal)
	assert.Equal(t, p.ID, payload.ProposalID)
	assert.Equal(t, ProposalOpen, payload.Status)
	require.NotNil(t, payload.Partner)
	assert.Equal(t, bob, payload.Partner.ID)

	// Users held by an open proposal are not paired again.
	router.reset()
	require.NoError(t, m.Pass(ctx))
	open, _ = store.OpenProposals(ctx)
	assert.Len(t, open, 1)
	assert.Empty(t, router.toUser(alice, OutProposal))
}

func TestMatchmakerMutualAcceptFinalizes(t *testing.T) {
	ctx := context.Background()
	logger := zap.NewNop()
	m, store, router, _, metrics := newTestMatchmaker(t)

	criteria := &InboundMatchmakerAdd{GenderPreference: "any"}
	alice := mustEnqueue(t, m, store, 30, "f", criteria)
	bob := mustEnqueue(t, m, store, 32, "m", criteria)
	require.NoError(t, m.Pass(ctx))
	open, _ := store.OpenProposals(ctx)
	require.Len(t, open, 1)
	proposalID := open[0].ID

	p, err := m.Accept(ctx, logger, alice, proposalID)
	require.NoError(t, err)
	assert.Equal(t, ProposalOpen, p.Status)
	assert.Empty(t, router.toUser(alice, OutMatched))

	p, err = m.Accept(ctx, logger, bob, proposalID)
	require.NoError(t, err)
	assert.Equal(t, ProposalMatched, p.Status)
	assert.NotEqual(t, uuid.Nil, p.ChatID)

	// One accepted friendship, one shared chat, both tickets gone.
	assert.True(t, store.friends[testPairKey(alice, bob)])
	assert.Equal(t, p.ChatID, store.chats[testPairKey(alice, bob)])
	assert.Empty(t, store.tickets)
	assert.Equal(t, 1, metrics.proposals[ProposalMatched])

	// The matched pair starts out in an anonymous blind date session over
	// the shared chat.
	require.Len(t, store.blindDates.matches, 1)
	for _, match := range store.blindDates.matches {
		assert.Equal(t, BlindDateActive, match.Status)
		assert.Equal(t, p.ChatID, match.ChatID)
		assert.True(t, match.Involves(alice))
		assert.True(t, match.Involves(bob))
	}

	for _, userID := range []uuid.UUID{alice, bob} {
		matched := router.toUser(userID, OutMatched)
		require.Len(t, matched, 1)
		payload := matched[0].Payload.(*OutboundMatched)
		assert.Equal(t, p.ChatID, payload.ChatID)
		assert.Equal(t, p.Other(userID), payload.PartnerID)
	}

	// A repeat accept is a no-op returning the same chat.
	again, err := m.Accept(ctx, logger, alice, proposalID)
	require.NoError(t, err)
	assert.Equal(t, ProposalMatched, again.Status)
	assert.Equal(t, p.ChatID, again.ChatID)
}

func TestMatchmakerAcceptForbiddenForOutsiders(t *testing.T) {
	ctx := context.Background()
	m, store, _, _, _ := newTestMatchmaker(t)

	criteria := &InboundMatchmakerAdd{GenderPreference: "any"}
	mustEnqueue(t, m, store, 30, "f", criteria)
	mustEnqueue(t, m, store, 32, "m", criteria)
	require.NoError(t, m.Pass(ctx))
	open, _ := store.OpenProposals(ctx)
	require.Len(t, open, 1)

	_, err := m.Accept(ctx, zap.NewNop(), uuid.Must(uuid.NewV4()), open[0].ID)
	assert.Equal(t, ErrForbidden, err)
}

func TestMatchmakerRejectRequeuesBoth(t *testing.T) {
	ctx := context.Background()
	m, store, router, clock, _ := newTestMatchmaker(t)

	criteria := &InboundMatchmakerAdd{GenderPreference: "any"}
	alice := mustEnqueue(t, m, store, 30, "f", criteria)
	bob := mustEnqueue(t, m, store, 32, "m", criteria)
	require.NoError(t, m.Pass(ctx))
	open, _ := store.OpenProposals(ctx)
	require.Len(t, open, 1)
	p := open[0]

	router.reset()
	clock.advance(5 * time.Second)
	require.NoError(t, m.Reject(ctx, zap.NewNop(), alice, p.ID))
	assert.Equal(t, ProposalRejected, p.Status)

	// Both tickets survive, re-queued at the back.
	require.Len(t, store.tickets, 2)
	assert.Equal(t, clock.at, store.tickets[alice].QueuedAt)
	assert.Equal(t, clock.at, store.tickets[bob].QueuedAt)

	rejected := router.toUser(bob, OutProposal)
	require.Len(t, rejected, 1)
	assert.Equal(t, ProposalRejected, rejected[0].Payload.(*OutboundProposal).Status)

	// Rejecting a settled proposal again is a no-op.
	require.NoError(t, m.Reject(ctx, zap.NewNop(), bob, p.ID))
}

func TestMatchmakerProposalExpiryBoundary(t *testing.T) {
	ctx := context.Background()
	m, store, router, clock, _ := newTestMatchmaker(t)

	criteria := &InboundMatchmakerAdd{GenderPreference: "any"}
	alice := mustEnqueue(t, m, store, 30, "f", criteria)
	bob := mustEnqueue(t, m, store, 32, "m", criteria)
	require.NoError(t, m.Pass(ctx))
	open, _ := store.OpenProposals(ctx)
	require.Len(t, open, 1)
	p := open[0]

	// Exactly at the deadline the proposal still stands.
	router.reset()
	clock.advance(time.Duration(m.config.GetMatchmaker().ProposalWindowSec) * time.Second)
	require.NoError(t, m.Pass(ctx))
	assert.Equal(t, ProposalOpen, p.Status)
	assert.Empty(t, router.toUser(alice, OutProposal))

	// One second past it expires and both sides rejoin the queue.
	clock.advance(time.Second)
	require.NoError(t, m.Pass(ctx))
	assert.Equal(t, ProposalExpired, p.Status)
	for _, userID := range []uuid.UUID{alice, bob} {
		var expired []*OutboundEnvelope
		for _, envelope := range router.toUser(userID, OutProposal) {
			if envelope.Payload.(*OutboundProposal).Status == ProposalExpired {
				expired = append(expired, envelope)
			}
		}
		require.Len(t, expired, 1, "user %s", userID)
	}

	// The same pass already re-paired the two freshly queued tickets.
	reopened, _ := store.OpenProposals(ctx)
	require.Len(t, reopened, 1)
	assert.NotEqual(t, p.ID, reopened[0].ID)
}

func TestMatchmakerCancelClosesProposal(t *testing.T) {
	ctx := context.Background()
	m, store, router, _, _ := newTestMatchmaker(t)

	criteria := &InboundMatchmakerAdd{GenderPreference: "any"}
	alice := mustEnqueue(t, m, store, 30, "f", criteria)
	bob := mustEnqueue(t, m, store, 32, "m", criteria)
	require.NoError(t, m.Pass(ctx))
	open, _ := store.OpenProposals(ctx)
	require.Len(t, open, 1)
	p := open[0]

	router.reset()
	require.NoError(t, m.Cancel(ctx, zap.NewNop(), alice))

	_, gone := store.tickets[alice]
	assert.False(t, gone)
	_, kept := store.tickets[bob]
	assert.True(t, kept)
	assert.Equal(t, ProposalRejected, p.Status)
	require.Len(t, router.toUser(bob, OutProposal), 1)

	// Cancel without a ticket or proposal is a quiet no-op.
	require.NoError(t, m.Cancel(ctx, zap.NewNop(), alice))
}

func TestMatchmakerBlockedPairNeverPaired(t *testing.T) {
	ctx := context.Background()
	m, store, _, _, _ := newTestMatchmaker(t)

	criteria := &InboundMatchmakerAdd{GenderPreference: "any"}
	alice := mustEnqueue(t, m, store, 30, "f", criteria)
	bob := mustEnqueue(t, m, store, 32, "m", criteria)
	store.blocked[testPairKey(alice, bob)] = true

	require.NoError(t, m.Pass(ctx))
	open, _ := store.OpenProposals(ctx)
	assert.Empty(t, open)
}

func TestMatchmakerCriteriaFilter(t *testing.T) {
	ctx := context.Background()
	m, store, _, _, _ := newTestMatchmaker(t)

	alice := uuid.Must(uuid.NewV4())
	store.setProfile(alice, 30, "f", "anywhere")
	_, err := m.Enqueue(ctx, zap.NewNop(), alice, &InboundMatchmakerAdd{GenderPreference: "m", MinAge: 25, MaxAge: 35})
	require.NoError(t, err)

	// Too old for alice's band, and looking for men himself.
	tooOld := uuid.Must(uuid.NewV4())
	store.setProfile(tooOld, 40, "m", "anywhere")
	_, err = m.Enqueue(ctx, zap.NewNop(), tooOld, &InboundMatchmakerAdd{GenderPreference: "m"})
	require.NoError(t, err)

	require.NoError(t, m.Pass(ctx))
	open, _ := store.OpenProposals(ctx)
	assert.Empty(t, open)
}

func TestMatchmakerHeartbeat(t *testing.T) {
	ctx := context.Background()
	m, store, _, clock, _ := newTestMatchmaker(t)

	live, err := m.Heartbeat(ctx, uuid.Must(uuid.NewV4()))
	require.NoError(t, err)
	assert.False(t, live)

	alice := mustEnqueue(t, m, store, 30, "f", &InboundMatchmakerAdd{GenderPreference: "any"})
	clock.advance(time.Minute)
	live, err = m.Heartbeat(ctx, alice)
	require.NoError(t, err)
	assert.True(t, live)
	assert.Equal(t, clock.at, store.tickets[alice].HeartbeatAt)
}

func TestMatchmakerStaleTicketsDropped(t *testing.T) {
	ctx := context.Background()
	m, store, _, clock, _ := newTestMatchmaker(t)

	alice := mustEnqueue(t, m, store, 30, "f", &InboundMatchmakerAdd{GenderPreference: "any"})
	clock.advance(time.Duration(m.config.GetMatchmaker().TicketTTLSec+1) * time.Second)
	bob := mustEnqueue(t, m, store, 32, "m", &InboundMatchmakerAdd{GenderPreference: "any"})

	require.NoError(t, m.Pass(ctx))
	_, aliceKept := store.tickets[alice]
	assert.False(t, aliceKept)
	_, bobKept := store.tickets[bob]
	assert.True(t, bobKept)
	open, _ := store.OpenProposals(ctx)
	assert.Empty(t, open)
}

func TestMatchmakerEnqueueMovesToBack(t *testing.T) {
	ctx := context.Background()
	m, store, _, clock, _ := newTestMatchmaker(t)

	alice := mustEnqueue(t, m, store, 30, "f", &InboundMatchmakerAdd{GenderPreference: "any"})
	first := store.tickets[alice].QueuedAt

	clock.advance(time.Minute)
	_, err := m.Enqueue(ctx, zap.NewNop(), alice, &InboundMatchmakerAdd{GenderPreference: "any", Interests: []string{"art"}})
	require.NoError(t, err)

	require.Len(t, store.tickets, 1)
	assert.True(t, store.tickets[alice].QueuedAt.After(first))
	assert.Equal(t, []string{"art"}, store.tickets[alice].Interests)
}

func TestMatchmakerDeliverOutstanding(t *testing.T) {
	ctx := context.Background()
	m, store, router, _, _ := newTestMatchmaker(t)

	criteria := &InboundMatchmakerAdd{GenderPreference: "any"}
	alice := mustEnqueue(t, m, store, 30, "f", criteria)
	mustEnqueue(t, m, store, 32, "m", criteria)
	require.NoError(t, m.Pass(ctx))

	router.reset()
	m.DeliverOutstanding(ctx, zap.NewNop(), alice)
	require.Len(t, router.toUser(alice, OutProposal), 1)

	// No open proposal, nothing pushed.
	router.reset()
	m.DeliverOutstanding(ctx, zap.NewNop(), uuid.Must(uuid.NewV4()))
	assert.Empty(t, router.sent)
}

func TestCriteriaMatch(t *testing.T) {
	open := &TicketCandidate{GenderPreference: "any"}
	picky := &TicketCandidate{GenderPreference: "f", MinAge: 25, MaxAge: 35}
	woman30 := &TicketCandidate{Gender: "f", Age: 30}
	woman25 := &TicketCandidate{Gender: "f", Age: 25}
	woman35 := &TicketCandidate{Gender: "f", Age: 35}
	woman36 := &TicketCandidate{Gender: "f", Age: 36}
	man30 := &TicketCandidate{Gender: "m", Age: 30}

	assert.True(t, criteriaMatch(open, man30))
	assert.True(t, criteriaMatch(&TicketCandidate{}, man30))
	assert.True(t, criteriaMatch(picky, woman30))
	// Age bounds are inclusive.
	assert.True(t, criteriaMatch(picky, woman25))
	assert.True(t, criteriaMatch(picky, woman35))
	assert.False(t, criteriaMatch(picky, woman36))
	assert.False(t, criteriaMatch(picky, man30))
}

func TestJaccard(t *testing.T) {
	assert.Zero(t, jaccard(nil, nil))
	assert.Zero(t, jaccard([]string{"a"}, nil))
	assert.InDelta(t, 1.0, jaccard([]string{"a", "b"}, []string{"b", "a"}), 1e-9)
	assert.InDelta(t, 1.0/3.0, jaccard([]string{"a", "b"}, []string{"b", "c"}), 1e-9)
	// Duplicates count once.
	assert.InDelta(t, 0.5, jaccard([]string{"a", "a"}, []string{"a", "b", "b"}), 1e-9)
}

func TestLocationScore(t *testing.T) {
	coord := func(lat, lon float64) (*float64, *float64) { return &lat, &lon }

	noCoords := &TicketCandidate{LocationPreference: "nearby"}
	assert.InDelta(t, 1.0, locationScore(noCoords, noCoords), 1e-9)

	lat, lon := coord(52.52, 13.405)
	here := &TicketCandidate{Lat: lat, Lon: lon, LocationPreference: "nearby"}
	assert.InDelta(t, 0.5, locationScore(here, noCoords), 1e-9)
	assert.InDelta(t, 0.5, locationScore(noCoords, here), 1e-9)
	assert.InDelta(t, 1.0, locationScore(here, here), 1e-9)

	// Roughly 12.5km north: half the nearby radius.
	nearLat, nearLon := coord(52.52+0.11242, 13.405)
	near := &TicketCandidate{Lat: nearLat, Lon: nearLon}
	assert.InDelta(t, 0.5, locationScore(here, near), 0.01)

	// Beyond the radius scores zero; "anywhere" never penalizes.
	farLat, farLon := coord(48.137, 11.575)
	far := &TicketCandidate{Lat: farLat, Lon: farLon}
	assert.Zero(t, locationScore(here, far))
	anywhere := &TicketCandidate{Lat: lat, Lon: lon, LocationPreference: "anywhere"}
	assert.InDelta(t, 1.0, locationScore(anywhere, far), 1e-9)
}

func TestFreshnessScore(t *testing.T) {
	at := time.Unix(1700000000, 0).UTC()
	assert.InDelta(t, 1.0, freshnessScore(at, at), 1e-9)
	assert.InDelta(t, 0.5, freshnessScore(at.Add(-5*time.Minute), at), 1e-9)
	assert.Zero(t, freshnessScore(at.Add(-freshnessWindow), at))
	assert.Zero(t, freshnessScore(at.Add(-time.Hour), at))
	// A ticket queued "in the future" clamps to full freshness.
	assert.InDelta(t, 1.0, freshnessScore(at.Add(time.Minute), at), 1e-9)
}

func TestRadiusKmForPreference(t *testing.T) {
	assert.Equal(t, 25.0, radiusKmForPreference("nearby"))
	assert.Equal(t, 100.0, radiusKmForPreference("city"))
	assert.Equal(t, 1000.0, radiusKmForPreference("country"))
	assert.Equal(t, 0.0, radiusKmForPreference("anywhere"))
	assert.Equal(t, 0.0, radiusKmForPreference(""))
}
