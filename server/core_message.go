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

// TombstoneText replaces the body of deleted messages everywhere they are
// still referenced.
const TombstoneText = "This message was deleted"

// ChatMessage is a persisted chat message row.
type ChatMessage struct {
	ID        uuid.UUID `json:"id"`
	ChatID    uuid.UUID `json:"chat_id"`
	SenderID  uuid.UUID `json:"sender_id"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	IsEdited  bool      `json:"is_edited"`
	IsDeleted bool      `json:"is_deleted"`
}

func scanMessage(row Scannable) (*ChatMessage, error) {
	m := &ChatMessage{}
	err := row.Scan(&m.ID, &m.ChatID, &m.SenderID, &m.Text, &m.CreatedAt, &m.UpdatedAt, &m.IsEdited, &m.IsDeleted)
	if err != nil {
		return nil, err
	}
	if m.IsDeleted {
		m.Text = TombstoneText
	}
	return m, nil
}

// MessageSend persists a new message and bumps the chat's activity clock.
// last_message_at never moves backwards even when rows commit out of order.
func MessageSend(ctx context.Context, logger *zap.Logger, db *sql.DB, chatID, senderID uuid.UUID, text string) (*ChatMessage, error) {
	m := &ChatMessage{
		ID:       uuid.Must(uuid.NewV4()),
		ChatID:   chatID,
		SenderID: senderID,
		Text:     text,
	}

	err := Transact(ctx, logger, db, func(tx *sql.Tx) error {
		if err := tx.QueryRowContext(ctx, `
INSERT INTO messages (id, chat_id, sender_id, text, created_at, updated_at)
VALUES ($1, $2, $3, $4, now(), now())
RETURNING created_at, updated_at`, m.ID, m.ChatID, m.SenderID, m.Text).Scan(&m.CreatedAt, &m.UpdatedAt); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx,
			"UPDATE chats SET last_message_at = GREATEST(last_message_at, $2) WHERE id = $1",
			m.ChatID, m.CreatedAt)
		return err
	})
	if err != nil {
		logger.Error("Error persisting message", zap.Error(err))
		return nil, err
	}
	return m, nil
}

// GetMessage loads one message row regardless of tombstone state.
func GetMessage(ctx context.Context, logger *zap.Logger, db *sql.DB, messageID uuid.UUID) (*ChatMessage, error) {
	row := db.QueryRowContext(ctx, `
SELECT id, chat_id, sender_id, text, created_at, updated_at, is_edited, is_deleted
FROM messages WHERE id = $1`, messageID)
	m, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		logger.Error("Error querying message", zap.Error(err))
		return nil, err
	}
	return m, nil
}

// MessageEdit replaces the text of the sender's own non-deleted message.
// Editing another user's message or a tombstone is forbidden.
func MessageEdit(ctx context.Context, logger *zap.Logger, db *sql.DB, messageID, senderID uuid.UUID, text string) (*ChatMessage, error) {
	m := &ChatMessage{ID: messageID, SenderID: senderID, Text: text, IsEdited: true}
	err := db.QueryRowContext(ctx, `
UPDATE messages SET text = $3, is_edited = TRUE, updated_at = now()
WHERE id = $1 AND sender_id = $2 AND is_deleted = FALSE
RETURNING chat_id, created_at, updated_at`, messageID, senderID, text).Scan(&m.ChatID, &m.CreatedAt, &m.UpdatedAt)
	if err == sql.ErrNoRows {
		// Either absent, tombstoned or not the caller's message.
		if _, getErr := GetMessage(ctx, logger, db, messageID); getErr == ErrNotFound {
			return nil, ErrNotFound
		}
		return nil, ErrForbidden
	}
	if err != nil {
		logger.Error("Error editing message", zap.Error(err))
		return nil, err
	}
	return m, nil
}

// MessageDelete tombstones the sender's own message. The row stays so
// ordering and receipts survive; the text is gone for good. Idempotent.
func MessageDelete(ctx context.Context, logger *zap.Logger, db *sql.DB, messageID, senderID uuid.UUID) (*ChatMessage, error) {
	m := &ChatMessage{ID: messageID, SenderID: senderID, Text: TombstoneText, IsDeleted: true}
	err := db.QueryRowContext(ctx, `
UPDATE messages SET text = $3, is_deleted = TRUE, updated_at = now()
WHERE id = $1 AND sender_id = $2
RETURNING chat_id, created_at, updated_at, is_edited`, messageID, senderID, TombstoneText).Scan(&m.ChatID, &m.CreatedAt, &m.UpdatedAt, &m.IsEdited)
	if err == sql.ErrNoRows {
		if _, getErr := GetMessage(ctx, logger, db, messageID); getErr == ErrNotFound {
			return nil, ErrNotFound
		}
		return nil, ErrForbidden
	}
	if err != nil {
		logger.Error("Error deleting message", zap.Error(err))
		return nil, err
	}
	return m, nil
}

// ReceiptUpsert records a delivered or read receipt for a recipient.
// Receipts are insert-only and idempotent; a read receipt also implies
// delivered so the sender never sees a read message regress. Returns true
// when the receipt was newly recorded.
func ReceiptUpsert(ctx context.Context, logger *zap.Logger, db *sql.DB, messageID, userID uuid.UUID, status string) (bool, error) {
	if status != MessageStatusDelivered && status != MessageStatusRead {
		return false, ErrConflict
	}

	inserted := false
	err := Transact(ctx, logger, db, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
INSERT INTO message_receipts (message_id, user_id, status, created_at)
VALUES ($1, $2, $3, now())
ON CONFLICT (message_id, user_id, status) DO NOTHING`, messageID, userID, status)
		if err != nil {
			return err
		}
		n, _ := res.RowsAffected()
		inserted = n > 0
		if status == MessageStatusRead {
			_, err = tx.ExecContext(ctx, `
INSERT INTO message_receipts (message_id, user_id, status, created_at)
VALUES ($1, $2, 'delivered', now())
ON CONFLICT (message_id, user_id, status) DO NOTHING`, messageID, userID)
		}
		return err
	})
	if err != nil {
		logger.Error("Error recording receipt", zap.Error(err))
		return false, err
	}
	return inserted, nil
}

// receiptStatuses returns the set of receipt statuses userID holds on the
// message.
func receiptStatuses(ctx context.Context, db *sql.DB, messageID, userID uuid.UUID) (map[string]bool, error) {
	rows, err := db.QueryContext(ctx,
		"SELECT status FROM message_receipts WHERE message_id = $1 AND user_id = $2", messageID, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	statuses := make(map[string]bool, 2)
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		statuses[s] = true
	}
	return statuses, rows.Err()
}

// ReactionToggle flips the user's emoji reaction on a message: present
// removes, absent adds. Returns whether the reaction now exists.
func ReactionToggle(ctx context.Context, logger *zap.Logger, db *sql.DB, messageID, userID uuid.UUID, emoji string) (bool, error) {
	added := false
	err := Transact(ctx, logger, db, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			"DELETE FROM message_reactions WHERE message_id = $1 AND user_id = $2 AND emoji = $3",
			messageID, userID, emoji)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n > 0 {
			return nil
		}
		_, err = tx.ExecContext(ctx,
			"INSERT INTO message_reactions (message_id, user_id, emoji, created_at) VALUES ($1, $2, $3, now()) ON CONFLICT DO NOTHING",
			messageID, userID, emoji)
		added = err == nil
		return err
	})
	if err != nil {
		logger.Error("Error toggling reaction", zap.Error(err))
		return false, err
	}
	return added, nil
}

// MuteSet configures how long the user mutes a chat's notifications.
// Duration zero unmutes, a negative duration mutes until unmuted.
func MuteSet(ctx context.Context, logger *zap.Logger, db *sql.DB, userID, chatID uuid.UUID, duration time.Duration) error {
	if duration == 0 {
		_, err := db.ExecContext(ctx,
			"DELETE FROM mute_settings WHERE user_id = $1 AND chat_id = $2", userID, chatID)
		if err != nil {
			logger.Error("Error clearing mute", zap.Error(err))
		}
		return err
	}

	var until sql.NullTime
	if duration > 0 {
		until = sql.NullTime{Time: now().Add(duration), Valid: true}
	}
	_, err := db.ExecContext(ctx, `
INSERT INTO mute_settings (user_id, chat_id, muted_until, created_at)
VALUES ($1, $2, $3, now())
ON CONFLICT (user_id, chat_id) DO UPDATE SET muted_until = $3, created_at = now()`,
		userID, chatID, until)
	if err != nil {
		logger.Error("Error setting mute", zap.Error(err))
	}
	return err
}

// muteStillActive reports whether a mute row is in force at the given
// instant. A NULL muted_until is an indefinite mute; a timed mute lapses
// the moment it is reached.
func muteStillActive(until sql.NullTime, at time.Time) bool {
	return !until.Valid || until.Time.After(at)
}

// IsChatMuted reports whether the user has the chat muted right now. An
// expired timed mute reads as unmuted and the row is lazily reset on the
// way out.
func IsChatMuted(ctx context.Context, logger *zap.Logger, db *sql.DB, userID, chatID uuid.UUID) (bool, error) {
	var until sql.NullTime
	err := db.QueryRowContext(ctx,
		"SELECT muted_until FROM mute_settings WHERE user_id = $1 AND chat_id = $2",
		userID, chatID).Scan(&until)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		logger.Error("Error querying mute", zap.Error(err))
		return false, err
	}
	if muteStillActive(until, now()) {
		return true, nil
	}
	// Best effort; the muted_until guard keeps a concurrent re-mute alive.
	if _, err := db.ExecContext(ctx,
		"DELETE FROM mute_settings WHERE user_id = $1 AND chat_id = $2 AND muted_until = $3",
		userID, chatID, until.Time); err != nil {
		logger.Debug("Could not clear expired mute", zap.Error(err))
	}
	return false, nil
}

// ChatClear hides all current messages of the chat from the calling user
// only. New messages after the clear reappear as normal.
func ChatClear(ctx context.Context, logger *zap.Logger, db *sql.DB, userID, chatID uuid.UUID) error {
	_, err := db.ExecContext(ctx, `
INSERT INTO chat_deletions (chat_id, user_id, deleted_at)
VALUES ($1, $2, now())
ON CONFLICT (chat_id, user_id) DO UPDATE SET deleted_at = now()`, chatID, userID)
	if err != nil {
		logger.Error("Error clearing chat", zap.Error(err))
	}
	return err
}
