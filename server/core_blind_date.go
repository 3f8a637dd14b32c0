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

// Blind date match states.
const (
	BlindDateActive   = "active"
	BlindDateRevealed = "revealed"
	BlindDateEnded    = "ended"
)

// BlindDateMatch is an anonymous pairing working toward a mutual reveal.
// Reveal flags only ever go false to true; revealed status requires both.
type BlindDateMatch struct {
	ID              uuid.UUID
	UserA           uuid.UUID
	UserB           uuid.UUID
	ChatID          uuid.UUID
	Status          string
	MessageCount    int
	RevealThreshold int
	UserARevealed   bool
	UserBRevealed   bool
	MatchedAt       time.Time
	ReminderSentAt  sql.NullTime
}

// RevealAvailable reports whether the pair has talked enough for either
// side to request the reveal.
func (m *BlindDateMatch) RevealAvailable() bool {
	return m.MessageCount >= m.RevealThreshold
}

// Other returns the counterpart of userID in the match.
func (m *BlindDateMatch) Other(userID uuid.UUID) uuid.UUID {
	if m.UserA == userID {
		return m.UserB
	}
	return m.UserA
}

// Involves reports whether userID is one of the pair.
func (m *BlindDateMatch) Involves(userID uuid.UUID) bool {
	return m.UserA == userID || m.UserB == userID
}

const blindDateColumns = `id, user_a, user_b, chat_id, status, message_count, reveal_threshold,
user_a_revealed, user_b_revealed, matched_at, reminder_sent_at`

func scanBlindDateMatch(row Scannable) (*BlindDateMatch, error) {
	m := &BlindDateMatch{}
	err := row.Scan(&m.ID, &m.UserA, &m.UserB, &m.ChatID, &m.Status, &m.MessageCount, &m.RevealThreshold,
		&m.UserARevealed, &m.UserBRevealed, &m.MatchedAt, &m.ReminderSentAt)
	if err != nil {
		return nil, err
	}
	return m, nil
}

// CreateBlindDateMatch pairs two users anonymously over the given chat.
func CreateBlindDateMatch(ctx context.Context, logger *zap.Logger, db *sql.DB, a, b, chatID uuid.UUID, revealThreshold int) (*BlindDateMatch, error) {
	userA, userB := canonicalPair(a, b)
	m := &BlindDateMatch{
		ID:              uuid.Must(uuid.NewV4()),
		UserA:           userA,
		UserB:           userB,
		ChatID:          chatID,
		Status:          BlindDateActive,
		RevealThreshold: revealThreshold,
	}
	err := db.QueryRowContext(ctx, `
INSERT INTO blind_date_matches (id, user_a, user_b, chat_id, status, message_count, reveal_threshold, user_a_revealed, user_b_revealed, matched_at)
VALUES ($1, $2, $3, $4, 'active', 0, $5, FALSE, FALSE, now())
RETURNING matched_at`, m.ID, m.UserA, m.UserB, m.ChatID, revealThreshold).Scan(&m.MatchedAt)
	if err != nil {
		if dbIsUniqueViolation(err) {
			return nil, ErrConflict
		}
		logger.Error("Error creating blind date match", zap.Error(err))
		return nil, err
	}
	return m, nil
}

func GetBlindDateMatch(ctx context.Context, logger *zap.Logger, db *sql.DB, matchID uuid.UUID) (*BlindDateMatch, error) {
	row := db.QueryRowContext(ctx, "SELECT "+blindDateColumns+" FROM blind_date_matches WHERE id = $1", matchID)
	m, err := scanBlindDateMatch(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		logger.Error("Error querying blind date match", zap.Error(err))
		return nil, err
	}
	return m, nil
}

// GetBlindDateMatchByPair returns the newest non-ended match between the
// two users, if one exists.
func GetBlindDateMatchByPair(ctx context.Context, logger *zap.Logger, db *sql.DB, a, b uuid.UUID) (*BlindDateMatch, error) {
	userA, userB := canonicalPair(a, b)
	row := db.QueryRowContext(ctx, `
SELECT `+blindDateColumns+` FROM blind_date_matches
WHERE user_a = $1 AND user_b = $2 AND status <> 'ended'
ORDER BY matched_at DESC LIMIT 1`, userA, userB)
	m, err := scanBlindDateMatch(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		logger.Error("Error querying blind date match by pair", zap.Error(err))
		return nil, err
	}
	return m, nil
}

// GetBlindDateMatchByChat returns the non-ended match riding on the chat,
// or ErrNotFound when the chat is an ordinary conversation.
func GetBlindDateMatchByChat(ctx context.Context, logger *zap.Logger, db *sql.DB, chatID uuid.UUID) (*BlindDateMatch, error) {
	row := db.QueryRowContext(ctx, `
SELECT `+blindDateColumns+` FROM blind_date_matches
WHERE chat_id = $1 AND status <> 'ended'
ORDER BY matched_at DESC LIMIT 1`, chatID)
	m, err := scanBlindDateMatch(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		logger.Error("Error querying blind date match by chat", zap.Error(err))
		return nil, err
	}
	return m, nil
}

// IncrementBlindDateMessageCount bumps the talk counter of an active match
// and returns the new count.
func IncrementBlindDateMessageCount(ctx context.Context, logger *zap.Logger, db *sql.DB, matchID uuid.UUID) (int, error) {
	var count int
	err := db.QueryRowContext(ctx, `
UPDATE blind_date_matches SET message_count = message_count + 1
WHERE id = $1 AND status = 'active'
RETURNING message_count`, matchID).Scan(&count)
	if err == sql.ErrNoRows {
		return 0, ErrNotFound
	}
	if err != nil {
		logger.Error("Error incrementing blind date message count", zap.Error(err))
		return 0, err
	}
	return count, nil
}

// SetBlindDateRevealFlag raises the reveal flag for userID's side. The flag
// never lowers; when both sides are raised the status flips to revealed in
// the same statement. Returns the updated match.
func SetBlindDateRevealFlag(ctx context.Context, logger *zap.Logger, db *sql.DB, matchID, userID uuid.UUID) (*BlindDateMatch, error) {
	row := db.QueryRowContext(ctx, `
UPDATE blind_date_matches SET
	user_a_revealed = user_a_revealed OR (user_a = $2),
	user_b_revealed = user_b_revealed OR (user_b = $2),
	status = CASE WHEN (user_a_revealed OR user_a = $2) AND (user_b_revealed OR user_b = $2) THEN 'revealed' ELSE status END
WHERE id = $1 AND status = 'active' AND (user_a = $2 OR user_b = $2)
RETURNING `+blindDateColumns, matchID, userID)
	m, err := scanBlindDateMatch(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		logger.Error("Error setting blind date reveal flag", zap.Error(err))
		return nil, err
	}
	return m, nil
}

// EndBlindDateMatch moves the match to ended from any state. Idempotent.
func EndBlindDateMatch(ctx context.Context, logger *zap.Logger, db *sql.DB, matchID uuid.UUID) error {
	_, err := db.ExecContext(ctx,
		"UPDATE blind_date_matches SET status = 'ended' WHERE id = $1 AND status <> 'ended'", matchID)
	if err != nil {
		logger.Error("Error ending blind date match", zap.Error(err))
	}
	return err
}

// ListBlindDateRemindersDue returns active matches older than the cutoff
// that never saw a message and were never reminded.
func ListBlindDateRemindersDue(ctx context.Context, logger *zap.Logger, db *sql.DB, matchedBefore time.Time) ([]*BlindDateMatch, error) {
	rows, err := db.QueryContext(ctx, `
SELECT `+blindDateColumns+` FROM blind_date_matches
WHERE status = 'active' AND message_count = 0 AND matched_at < $1 AND reminder_sent_at IS NULL`, matchedBefore)
	if err != nil {
		logger.Error("Error listing blind date reminders", zap.Error(err))
		return nil, err
	}
	defer rows.Close()
	matches := make([]*BlindDateMatch, 0, 8)
	for rows.Next() {
		m, err := scanBlindDateMatch(rows)
		if err != nil {
			return nil, err
		}
		matches = append(matches, m)
	}
	return matches, rows.Err()
}

// MarkBlindDateReminderSent stamps the reminder so the next sweep skips the
// match. Returns false when another sweep already stamped it.
func MarkBlindDateReminderSent(ctx context.Context, logger *zap.Logger, db *sql.DB, matchID uuid.UUID) (bool, error) {
	res, err := db.ExecContext(ctx,
		"UPDATE blind_date_matches SET reminder_sent_at = now() WHERE id = $1 AND reminder_sent_at IS NULL", matchID)
	if err != nil {
		logger.Error("Error marking blind date reminder", zap.Error(err))
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}
