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
	"encoding/json"
	"time"

	"github.com/gofrs/uuid"
	"go.uber.org/zap"
)

// Proposal states.
const (
	ProposalOpen     = "open"
	ProposalMatched  = "matched"
	ProposalRejected = "rejected"
	ProposalExpired  = "expired"
)

// MatchmakingTicket is one user's live entry in the pairing queue.
type MatchmakingTicket struct {
	ID               uuid.UUID
	UserID           uuid.UUID
	GenderPreference string
	MinAge           int
	MaxAge           int
	Interests        []string
	Lat              *float64
	Lon              *float64
	QueuedAt         time.Time
	HeartbeatAt      time.Time
}

// TicketCandidate is a ticket joined with the matchable profile fields the
// pass algorithm scores on. Interests already folds the ticket's criteria
// with the profile's interests and needs.
type TicketCandidate struct {
	TicketID           uuid.UUID
	UserID             uuid.UUID
	GenderPreference   string
	MinAge             int
	MaxAge             int
	Interests          []string
	Lat                *float64
	Lon                *float64
	LocationPreference string
	Age                int
	Gender             string
	QueuedAt           time.Time
}

// MatchProposal is a candidate pairing awaiting both sides' acceptance.
type MatchProposal struct {
	ID            uuid.UUID
	UserA         uuid.UUID
	UserB         uuid.UUID
	UserAAccepted bool
	UserBAccepted bool
	Status        string
	ChatID        uuid.UUID
	CreatedAt     time.Time
}

// Other returns the counterpart of userID in the proposal.
func (p *MatchProposal) Other(userID uuid.UUID) uuid.UUID {
	if p.UserA == userID {
		return p.UserB
	}
	return p.UserA
}

// Involves reports whether userID is one side of the proposal.
func (p *MatchProposal) Involves(userID uuid.UUID) bool {
	return p.UserA == userID || p.UserB == userID
}

// UpsertMatchmakingTicket enqueues the user, replacing any prior ticket.
// Re-enqueueing moves the user to the back of the queue.
func UpsertMatchmakingTicket(ctx context.Context, logger *zap.Logger, db *sql.DB, t *MatchmakingTicket) error {
	interests, err := json.Marshal(t.Interests)
	if err != nil {
		return err
	}
	var lat, lon sql.NullFloat64
	if t.Lat != nil {
		lat = sql.NullFloat64{Float64: *t.Lat, Valid: true}
	}
	if t.Lon != nil {
		lon = sql.NullFloat64{Float64: *t.Lon, Valid: true}
	}
	err = db.QueryRowContext(ctx, `
INSERT INTO matchmaking_tickets (id, user_id, gender_preference, min_age, max_age, interests, lat, lon, queued_at, heartbeat_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now(), now())
ON CONFLICT (user_id) DO UPDATE
SET id = $1, gender_preference = $3, min_age = $4, max_age = $5, interests = $6, lat = $7, lon = $8, queued_at = now(), heartbeat_at = now()
RETURNING queued_at, heartbeat_at`,
		t.ID, t.UserID, t.GenderPreference, t.MinAge, t.MaxAge, interests, lat, lon).Scan(&t.QueuedAt, &t.HeartbeatAt)
	if err != nil {
		logger.Error("Error upserting matchmaking ticket", zap.Error(err))
	}
	return err
}

// DeleteMatchmakingTicket removes the user's ticket if present.
func DeleteMatchmakingTicket(ctx context.Context, logger *zap.Logger, db *sql.DB, userID uuid.UUID) (bool, error) {
	res, err := db.ExecContext(ctx, "DELETE FROM matchmaking_tickets WHERE user_id = $1", userID)
	if err != nil {
		logger.Error("Error deleting matchmaking ticket", zap.Error(err))
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// HeartbeatMatchmakingTicket refreshes the ticket's liveness stamp.
func HeartbeatMatchmakingTicket(ctx context.Context, logger *zap.Logger, db *sql.DB, userID uuid.UUID) (bool, error) {
	res, err := db.ExecContext(ctx, "UPDATE matchmaking_tickets SET heartbeat_at = now() WHERE user_id = $1", userID)
	if err != nil {
		logger.Error("Error refreshing matchmaking ticket", zap.Error(err))
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// RequeueMatchmakingTicket sends the user's ticket to the back of the
// queue after a failed proposal.
func RequeueMatchmakingTicket(ctx context.Context, logger *zap.Logger, db *sql.DB, userID uuid.UUID) error {
	_, err := db.ExecContext(ctx,
		"UPDATE matchmaking_tickets SET queued_at = now(), heartbeat_at = now() WHERE user_id = $1", userID)
	if err != nil {
		logger.Error("Error requeueing matchmaking ticket", zap.Error(err))
	}
	return err
}

// DeleteStaleMatchmakingTickets drops tickets whose heartbeat lapsed.
func DeleteStaleMatchmakingTickets(ctx context.Context, logger *zap.Logger, db *sql.DB, staleBefore time.Time) (int, error) {
	res, err := db.ExecContext(ctx, "DELETE FROM matchmaking_tickets WHERE heartbeat_at < $1", staleBefore)
	if err != nil {
		logger.Error("Error sweeping stale matchmaking tickets", zap.Error(err))
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// ListTicketCandidates snapshots all live tickets joined with their
// profiles, oldest queued first. Suspended, tombstoned and invisible
// profiles never enter the pool.
func ListTicketCandidates(ctx context.Context, logger *zap.Logger, db *sql.DB) ([]*TicketCandidate, error) {
	query := `
SELECT t.id, t.user_id, t.gender_preference, t.min_age, t.max_age, t.interests, t.lat, t.lon, t.queued_at,
	p.age, p.gender, p.interests, p.needs, p.lat, p.lon, p.location_preference
FROM matchmaking_tickets t
JOIN profiles p ON p.id = t.user_id
WHERE p.suspended = FALSE AND p.deleted_at IS NULL AND p.invisible = FALSE
ORDER BY t.queued_at ASC, t.id ASC`
	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		logger.Error("Error querying ticket candidates", zap.Error(err))
		return nil, err
	}
	defer rows.Close()

	candidates := make([]*TicketCandidate, 0, 64)
	for rows.Next() {
		c := &TicketCandidate{}
		var ticketInterests, profileInterests, profileNeeds []byte
		var ticketLat, ticketLon, profileLat, profileLon sql.NullFloat64
		if err := rows.Scan(&c.TicketID, &c.UserID, &c.GenderPreference, &c.MinAge, &c.MaxAge, &ticketInterests, &ticketLat, &ticketLon, &c.QueuedAt,
			&c.Age, &c.Gender, &profileInterests, &profileNeeds, &profileLat, &profileLon, &c.LocationPreference); err != nil {
			return nil, err
		}

		c.Interests, err = foldInterestSets(ticketInterests, profileInterests, profileNeeds)
		if err != nil {
			return nil, err
		}

		// The ticket's location hint wins over the profile coordinates.
		if ticketLat.Valid && ticketLon.Valid {
			c.Lat, c.Lon = &ticketLat.Float64, &ticketLon.Float64
		} else if profileLat.Valid && profileLon.Valid {
			c.Lat, c.Lon = &profileLat.Float64, &profileLon.Float64
		}
		candidates = append(candidates, c)
	}
	return candidates, rows.Err()
}

// foldInterestSets unions the JSONB string arrays into one deduplicated set.
func foldInterestSets(raws ...[]byte) ([]string, error) {
	seen := make(map[string]struct{}, 16)
	out := make([]string, 0, 16)
	for _, raw := range raws {
		if len(raw) == 0 {
			continue
		}
		var values []string
		if err := json.Unmarshal(raw, &values); err != nil {
			return nil, err
		}
		for _, v := range values {
			if _, ok := seen[v]; ok {
				continue
			}
			seen[v] = struct{}{}
			out = append(out, v)
		}
	}
	return out, nil
}

const proposalColumns = "id, user_a, user_b, user_a_accepted, user_b_accepted, status, COALESCE(chat_id, '00000000-0000-0000-0000-000000000000'), created_at"

func scanProposal(row Scannable) (*MatchProposal, error) {
	p := &MatchProposal{}
	err := row.Scan(&p.ID, &p.UserA, &p.UserB, &p.UserAAccepted, &p.UserBAccepted, &p.Status, &p.ChatID, &p.CreatedAt)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// CreateMatchProposal opens a proposal for the pair.
func CreateMatchProposal(ctx context.Context, logger *zap.Logger, db *sql.DB, a, b uuid.UUID) (*MatchProposal, error) {
	userA, userB := canonicalPair(a, b)
	p := &MatchProposal{
		ID:     uuid.Must(uuid.NewV4()),
		UserA:  userA,
		UserB:  userB,
		Status: ProposalOpen,
	}
	err := db.QueryRowContext(ctx, `
INSERT INTO match_proposals (id, user_a, user_b, user_a_accepted, user_b_accepted, status, created_at)
VALUES ($1, $2, $3, FALSE, FALSE, 'open', now())
RETURNING created_at`, p.ID, p.UserA, p.UserB).Scan(&p.CreatedAt)
	if err != nil {
		logger.Error("Error creating match proposal", zap.Error(err))
		return nil, err
	}
	return p, nil
}

func GetMatchProposal(ctx context.Context, logger *zap.Logger, db *sql.DB, proposalID uuid.UUID) (*MatchProposal, error) {
	row := db.QueryRowContext(ctx, "SELECT "+proposalColumns+" FROM match_proposals WHERE id = $1", proposalID)
	p, err := scanProposal(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		logger.Error("Error querying match proposal", zap.Error(err))
		return nil, err
	}
	return p, nil
}

// GetOpenProposalByUser returns the user's outstanding proposal, if any.
func GetOpenProposalByUser(ctx context.Context, logger *zap.Logger, db *sql.DB, userID uuid.UUID) (*MatchProposal, error) {
	row := db.QueryRowContext(ctx,
		"SELECT "+proposalColumns+" FROM match_proposals WHERE status = 'open' AND (user_a = $1 OR user_b = $1) ORDER BY created_at DESC LIMIT 1",
		userID)
	p, err := scanProposal(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		logger.Error("Error querying open proposal by user", zap.Error(err))
		return nil, err
	}
	return p, nil
}

// ListOpenProposals returns every proposal still awaiting acceptance.
func ListOpenProposals(ctx context.Context, logger *zap.Logger, db *sql.DB) ([]*MatchProposal, error) {
	rows, err := db.QueryContext(ctx, "SELECT "+proposalColumns+" FROM match_proposals WHERE status = 'open'")
	if err != nil {
		logger.Error("Error listing open proposals", zap.Error(err))
		return nil, err
	}
	defer rows.Close()
	proposals := make([]*MatchProposal, 0, 16)
	for rows.Next() {
		p, err := scanProposal(rows)
		if err != nil {
			return nil, err
		}
		proposals = append(proposals, p)
	}
	return proposals, rows.Err()
}

// SetProposalAccepted raises userID's acceptance flag on an open proposal.
// Flags are monotonic.
func SetProposalAccepted(ctx context.Context, logger *zap.Logger, db *sql.DB, proposalID, userID uuid.UUID) (*MatchProposal, error) {
	row := db.QueryRowContext(ctx, `
UPDATE match_proposals SET
	user_a_accepted = user_a_accepted OR (user_a = $2),
	user_b_accepted = user_b_accepted OR (user_b = $2)
WHERE id = $1 AND status = 'open' AND (user_a = $2 OR user_b = $2)
RETURNING `+proposalColumns, proposalID, userID)
	p, err := scanProposal(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		logger.Error("Error accepting match proposal", zap.Error(err))
		return nil, err
	}
	return p, nil
}

// FinalizeProposalMatched flips an open proposal to matched with its chat.
// Exactly one caller wins; the rest observe false and re-read.
func FinalizeProposalMatched(ctx context.Context, logger *zap.Logger, db *sql.DB, proposalID, chatID uuid.UUID) (bool, error) {
	res, err := db.ExecContext(ctx,
		"UPDATE match_proposals SET chat_id = $2, status = 'matched' WHERE id = $1 AND status = 'open'",
		proposalID, chatID)
	if err != nil {
		logger.Error("Error finalizing match proposal", zap.Error(err))
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// CloseProposal moves an open proposal to rejected or expired.
func CloseProposal(ctx context.Context, logger *zap.Logger, db *sql.DB, proposalID uuid.UUID, status string) (bool, error) {
	res, err := db.ExecContext(ctx,
		"UPDATE match_proposals SET status = $2 WHERE id = $1 AND status = 'open'", proposalID, status)
	if err != nil {
		logger.Error("Error closing match proposal", zap.Error(err))
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}
