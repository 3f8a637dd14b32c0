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

// Help request states.
const (
	HelpSearching   = "searching"
	HelpMatched     = "matched"
	HelpDeclinedAll = "declined_all"
	HelpCompleted   = "completed"
	HelpCancelled   = "cancelled"
	HelpExpired     = "expired"
)

// Giver attempt states.
const (
	AttemptPending  = "pending"
	AttemptAccepted = "accepted"
	AttemptDeclined = "declined"
	AttemptExpired  = "expired"
)

// GiverProfile is a user's availability record for helping others.
type GiverProfile struct {
	UserID        uuid.UUID
	Skills        []string
	Categories    []string
	Embedding     []float64
	HelpsGiven    int
	AverageRating float64
	Available     bool
	UpdatedAt     time.Time
}

// GiverCandidate is the slice of a giver the ranking loop needs.
type GiverCandidate struct {
	UserID        uuid.UUID
	Embedding     []float64
	AverageRating float64
	HelpsGiven    int
}

// HelpRequest is a receiver's prompt working through the offer loop.
type HelpRequest struct {
	ID           uuid.UUID
	ReceiverID   uuid.UUID
	Prompt       string
	Embedding    []float64
	Status       string
	Attempts     int
	MatchedGiver uuid.UUID
	ChatID       uuid.UUID
	CreatedAt    time.Time
	ExpiresAt    time.Time
}

// GiverAttempt is a single offer of a request to one giver.
type GiverAttempt struct {
	RequestID   uuid.UUID
	GiverID     uuid.UUID
	Status      string
	SentAt      time.Time
	RespondedAt sql.NullTime
}

// UpsertGiverProfile writes the giver's availability record. The embedding
// is regenerated by the caller whenever the profile text changes.
func UpsertGiverProfile(ctx context.Context, logger *zap.Logger, db *sql.DB, g *GiverProfile) error {
	skills, err := json.Marshal(g.Skills)
	if err != nil {
		return err
	}
	categories, err := json.Marshal(g.Categories)
	if err != nil {
		return err
	}
	embedding, err := json.Marshal(g.Embedding)
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, `
INSERT INTO giver_profiles (user_id, skills, categories, embedding, helps_given, average_rating, available, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, now())
ON CONFLICT (user_id) DO UPDATE
SET skills = $2, categories = $3, embedding = $4, available = $7, updated_at = now()`,
		g.UserID, skills, categories, embedding, g.HelpsGiven, g.AverageRating, g.Available)
	if err != nil {
		logger.Error("Error upserting giver profile", zap.Error(err))
	}
	return err
}

// ListAvailableGiverCandidates returns a bounded page of available givers
// with their embeddings for client-side similarity ranking. Givers already
// holding a pending attempt anywhere are excluded, as are suspended and
// tombstoned profiles.
func ListAvailableGiverCandidates(ctx context.Context, logger *zap.Logger, db *sql.DB, limit int) ([]*GiverCandidate, error) {
	query := `
SELECT g.user_id, g.embedding, g.average_rating, g.helps_given
FROM giver_profiles g
JOIN profiles p ON p.id = g.user_id
WHERE g.available = TRUE AND p.suspended = FALSE AND p.deleted_at IS NULL
AND NOT EXISTS (
	SELECT 1 FROM giver_attempts a WHERE a.giver_id = g.user_id AND a.status = 'pending'
)
ORDER BY g.updated_at DESC
LIMIT $1`
	rows, err := db.QueryContext(ctx, query, limit)
	if err != nil {
		logger.Error("Error querying giver candidates", zap.Error(err))
		return nil, err
	}
	defer rows.Close()

	candidates := make([]*GiverCandidate, 0, 64)
	for rows.Next() {
		c := &GiverCandidate{}
		var embedding []byte
		if err := rows.Scan(&c.UserID, &embedding, &c.AverageRating, &c.HelpsGiven); err != nil {
			return nil, err
		}
		if len(embedding) > 0 {
			if err := json.Unmarshal(embedding, &c.Embedding); err != nil {
				return nil, err
			}
		}
		candidates = append(candidates, c)
	}
	return candidates, rows.Err()
}

const helpRequestColumns = `id, receiver_id, prompt, embedding, status, attempts,
COALESCE(matched_giver, '00000000-0000-0000-0000-000000000000'),
COALESCE(chat_id, '00000000-0000-0000-0000-000000000000'), created_at, expires_at`

func scanHelpRequest(row Scannable) (*HelpRequest, error) {
	r := &HelpRequest{}
	var embedding []byte
	err := row.Scan(&r.ID, &r.ReceiverID, &r.Prompt, &embedding, &r.Status, &r.Attempts, &r.MatchedGiver, &r.ChatID, &r.CreatedAt, &r.ExpiresAt)
	if err != nil {
		return nil, err
	}
	if len(embedding) > 0 {
		if err := json.Unmarshal(embedding, &r.Embedding); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// CreateHelpRequest persists a new searching request with its prompt
// embedding and TTL.
func CreateHelpRequest(ctx context.Context, logger *zap.Logger, db *sql.DB, r *HelpRequest) error {
	embedding, err := json.Marshal(r.Embedding)
	if err != nil {
		return err
	}
	err = db.QueryRowContext(ctx, `
INSERT INTO help_requests (id, receiver_id, prompt, embedding, status, attempts, created_at, expires_at)
VALUES ($1, $2, $3, $4, 'searching', 0, now(), $5)
RETURNING created_at`, r.ID, r.ReceiverID, r.Prompt, embedding, r.ExpiresAt).Scan(&r.CreatedAt)
	if err != nil {
		logger.Error("Error creating help request", zap.Error(err))
	}
	return err
}

func GetHelpRequest(ctx context.Context, logger *zap.Logger, db *sql.DB, requestID uuid.UUID) (*HelpRequest, error) {
	row := db.QueryRowContext(ctx, "SELECT "+helpRequestColumns+" FROM help_requests WHERE id = $1", requestID)
	r, err := scanHelpRequest(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		logger.Error("Error querying help request", zap.Error(err))
		return nil, err
	}
	return r, nil
}

// ListSearchingHelpRequests returns all requests still in the offer loop,
// oldest first.
func ListSearchingHelpRequests(ctx context.Context, logger *zap.Logger, db *sql.DB) ([]*HelpRequest, error) {
	rows, err := db.QueryContext(ctx,
		"SELECT "+helpRequestColumns+" FROM help_requests WHERE status = 'searching' ORDER BY created_at ASC")
	if err != nil {
		logger.Error("Error listing searching help requests", zap.Error(err))
		return nil, err
	}
	defer rows.Close()
	requests := make([]*HelpRequest, 0, 16)
	for rows.Next() {
		r, err := scanHelpRequest(rows)
		if err != nil {
			return nil, err
		}
		requests = append(requests, r)
	}
	return requests, rows.Err()
}

// TransitionHelpRequest moves a searching request into a terminal state.
// Returns false if the request already left searching.
func TransitionHelpRequest(ctx context.Context, logger *zap.Logger, db *sql.DB, requestID uuid.UUID, status string) (bool, error) {
	res, err := db.ExecContext(ctx,
		"UPDATE help_requests SET status = $2 WHERE id = $1 AND status = 'searching'", requestID, status)
	if err != nil {
		logger.Error("Error transitioning help request", zap.Error(err))
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// MatchHelpRequest finalizes a searching request against the accepting
// giver and its chat. Exactly one caller wins.
func MatchHelpRequest(ctx context.Context, logger *zap.Logger, db *sql.DB, requestID, giverID, chatID uuid.UUID) (bool, error) {
	res, err := db.ExecContext(ctx, `
UPDATE help_requests SET status = 'matched', matched_giver = $2, chat_id = $3
WHERE id = $1 AND status = 'searching'`, requestID, giverID, chatID)
	if err != nil {
		logger.Error("Error matching help request", zap.Error(err))
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// CreateGiverAttempt opens a pending offer to one giver and bumps the
// request's attempt counter. The (request, giver) pair is unique: a second
// offer to the same giver reports ErrConflict.
func CreateGiverAttempt(ctx context.Context, logger *zap.Logger, db *sql.DB, requestID, giverID uuid.UUID) (*GiverAttempt, error) {
	a := &GiverAttempt{RequestID: requestID, GiverID: giverID, Status: AttemptPending}
	err := Transact(ctx, logger, db, func(tx *sql.Tx) error {
		if err := tx.QueryRowContext(ctx, `
INSERT INTO giver_attempts (request_id, giver_id, status, sent_at)
VALUES ($1, $2, 'pending', now())
RETURNING sent_at`, requestID, giverID).Scan(&a.SentAt); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx,
			"UPDATE help_requests SET attempts = attempts + 1 WHERE id = $1", requestID)
		return err
	})
	if err != nil {
		if dbIsUniqueViolation(err) {
			return nil, ErrConflict
		}
		logger.Error("Error creating giver attempt", zap.Error(err))
		return nil, err
	}
	return a, nil
}

// GetPendingAttempt returns the request's open offer, if one exists.
func GetPendingAttempt(ctx context.Context, logger *zap.Logger, db *sql.DB, requestID uuid.UUID) (*GiverAttempt, error) {
	a := &GiverAttempt{}
	err := db.QueryRowContext(ctx, `
SELECT request_id, giver_id, status, sent_at, responded_at
FROM giver_attempts WHERE request_id = $1 AND status = 'pending'`, requestID).
		Scan(&a.RequestID, &a.GiverID, &a.Status, &a.SentAt, &a.RespondedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		logger.Error("Error querying pending attempt", zap.Error(err))
		return nil, err
	}
	return a, nil
}

// RespondGiverAttempt resolves the giver's pending offer to accepted or
// declined. Returns false when the offer already lapsed.
func RespondGiverAttempt(ctx context.Context, logger *zap.Logger, db *sql.DB, requestID, giverID uuid.UUID, status string) (bool, error) {
	res, err := db.ExecContext(ctx, `
UPDATE giver_attempts SET status = $3, responded_at = now()
WHERE request_id = $1 AND giver_id = $2 AND status = 'pending'`, requestID, giverID, status)
	if err != nil {
		logger.Error("Error responding to giver attempt", zap.Error(err))
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// ExpireGiverAttempt lapses the request's pending offer when it was sent
// before the cutoff. Returns the giver whose offer expired.
func ExpireGiverAttempt(ctx context.Context, logger *zap.Logger, db *sql.DB, requestID uuid.UUID, sentBefore time.Time) (uuid.UUID, bool, error) {
	var giverID uuid.UUID
	err := db.QueryRowContext(ctx, `
UPDATE giver_attempts SET status = 'expired', responded_at = now()
WHERE request_id = $1 AND status = 'pending' AND sent_at < $2
RETURNING giver_id`, requestID, sentBefore).Scan(&giverID)
	if err == sql.ErrNoRows {
		return uuid.Nil, false, nil
	}
	if err != nil {
		logger.Error("Error expiring giver attempt", zap.Error(err))
		return uuid.Nil, false, err
	}
	return giverID, true, nil
}

// ExpireAllAttempts lapses any pending offer on the request, regardless of
// age. Used when the request itself terminates.
func ExpireAllAttempts(ctx context.Context, logger *zap.Logger, db *sql.DB, requestID uuid.UUID) error {
	_, err := db.ExecContext(ctx, `
UPDATE giver_attempts SET status = 'expired', responded_at = now()
WHERE request_id = $1 AND status = 'pending'`, requestID)
	if err != nil {
		logger.Error("Error expiring attempts", zap.Error(err))
	}
	return err
}

// DeclinedGivers is the request's decline-set: every giver whose attempt
// ended declined or expired.
func DeclinedGivers(ctx context.Context, logger *zap.Logger, db *sql.DB, requestID uuid.UUID) (map[uuid.UUID]struct{}, error) {
	rows, err := db.QueryContext(ctx,
		"SELECT giver_id FROM giver_attempts WHERE request_id = $1 AND status IN ('declined', 'expired')", requestID)
	if err != nil {
		logger.Error("Error querying declined givers", zap.Error(err))
		return nil, err
	}
	defer rows.Close()
	declined := make(map[uuid.UUID]struct{}, 8)
	for rows.Next() {
		var giverID uuid.UUID
		if err := rows.Scan(&giverID); err != nil {
			return nil, err
		}
		declined[giverID] = struct{}{}
	}
	return declined, rows.Err()
}

// IncrementGiverHelps counts a completed acceptance toward the giver's
// record.
func IncrementGiverHelps(ctx context.Context, logger *zap.Logger, db *sql.DB, giverID uuid.UUID) error {
	_, err := db.ExecContext(ctx,
		"UPDATE giver_profiles SET helps_given = helps_given + 1 WHERE user_id = $1", giverID)
	if err != nil {
		logger.Error("Error incrementing giver helps", zap.Error(err))
	}
	return err
}
