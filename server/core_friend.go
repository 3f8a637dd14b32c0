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
	"database/sql"

	"github.com/gofrs/uuid"
	"go.uber.org/zap"
)

// Friendship states.
const (
	FriendshipPending  = "pending"
	FriendshipAccepted = "accepted"
	FriendshipBlocked  = "blocked"
	FriendshipInactive = "inactive"
)

// canonicalPair orders an unordered user pair so exactly one friendship
// row can exist per pair: user1 < user2 by byte comparison.
func canonicalPair(a, b uuid.UUID) (uuid.UUID, uuid.UUID) {
	if bytes.Compare(a.Bytes(), b.Bytes()) < 0 {
		return a, b
	}
	return b, a
}

// Friendship is the single row held per unordered user pair.
type Friendship struct {
	User1    uuid.UUID
	User2    uuid.UUID
	SenderID uuid.UUID
	Status   string
}

func GetFriendship(ctx context.Context, logger *zap.Logger, db *sql.DB, a, b uuid.UUID) (*Friendship, error) {
	user1, user2 := canonicalPair(a, b)
	f := &Friendship{}
	err := db.QueryRowContext(ctx,
		"SELECT user1_id, user2_id, sender_id, status FROM friendships WHERE user1_id = $1 AND user2_id = $2",
		user1, user2).Scan(&f.User1, &f.User2, &f.SenderID, &f.Status)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		logger.Error("Error querying friendship", zap.Error(err))
		return nil, err
	}
	return f, nil
}

// EnsureAcceptedFriendship inserts an accepted friendship for the pair, or
// promotes an existing non-blocked row to accepted. A concurrent insert
// colliding on the pair constraint is treated as success. Blocked pairs are
// left untouched and reported.
func EnsureAcceptedFriendship(ctx context.Context, logger *zap.Logger, db *sql.DB, senderID, otherID uuid.UUID) error {
	user1, user2 := canonicalPair(senderID, otherID)
	query := `
INSERT INTO friendships (user1_id, user2_id, sender_id, status, created_at, updated_at)
VALUES ($1, $2, $3, 'accepted', now(), now())
ON CONFLICT (user1_id, user2_id) DO UPDATE
SET status = 'accepted', updated_at = now()
WHERE friendships.status <> 'blocked'`
	_, err := db.ExecContext(ctx, query, user1, user2, senderID)
	if err != nil {
		if dbIsUniqueViolation(err) {
			return nil
		}
		logger.Error("Error ensuring friendship", zap.Error(err))
		return err
	}
	return nil
}

// IsBlockedPair reports whether a block exists in either direction between
// the two users, either as a block row or a blocked friendship.
func IsBlockedPair(ctx context.Context, logger *zap.Logger, db *sql.DB, a, b uuid.UUID) (bool, error) {
	user1, user2 := canonicalPair(a, b)
	var blocked bool
	query := `
SELECT EXISTS (
	SELECT 1 FROM blocks WHERE (blocker_id = $1 AND blocked_id = $2) OR (blocker_id = $2 AND blocked_id = $1)
) OR EXISTS (
	SELECT 1 FROM friendships WHERE user1_id = $3 AND user2_id = $4 AND status = 'blocked'
)`
	err := db.QueryRowContext(ctx, query, a, b, user1, user2).Scan(&blocked)
	if err != nil {
		logger.Error("Error checking blocked pair", zap.Error(err))
		return false, err
	}
	return blocked, nil
}

// BlockUser records a block and forces the friendship row, if any, into
// the blocked state. Blocked is terminal until an explicit unblock.
func BlockUser(ctx context.Context, logger *zap.Logger, db *sql.DB, blockerID, blockedID uuid.UUID) error {
	return Transact(ctx, logger, db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO blocks (blocker_id, blocked_id, created_at) VALUES ($1, $2, now()) ON CONFLICT DO NOTHING",
			blockerID, blockedID); err != nil {
			return err
		}
		user1, user2 := canonicalPair(blockerID, blockedID)
		_, err := tx.ExecContext(ctx,
			"UPDATE friendships SET status = 'blocked', updated_at = now() WHERE user1_id = $1 AND user2_id = $2",
			user1, user2)
		return err
	})
}

// UnblockUser removes the caller's block. The friendship row, if present,
// drops back to inactive rather than resuming its old state.
func UnblockUser(ctx context.Context, logger *zap.Logger, db *sql.DB, blockerID, blockedID uuid.UUID) error {
	return Transact(ctx, logger, db, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			"DELETE FROM blocks WHERE blocker_id = $1 AND blocked_id = $2", blockerID, blockedID)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil
		}
		// Only downgrade the friendship when no opposite-direction block remains.
		var stillBlocked bool
		if err := tx.QueryRowContext(ctx,
			"SELECT EXISTS (SELECT 1 FROM blocks WHERE blocker_id = $1 AND blocked_id = $2)",
			blockedID, blockerID).Scan(&stillBlocked); err != nil {
			return err
		}
		if stillBlocked {
			return nil
		}
		user1, user2 := canonicalPair(blockerID, blockedID)
		_, err = tx.ExecContext(ctx,
			"UPDATE friendships SET status = 'inactive', updated_at = now() WHERE user1_id = $1 AND user2_id = $2 AND status = 'blocked'",
			user1, user2)
		return err
	})
}
