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

// historyPageSize is how many messages a room join returns.
const historyPageSize = 30

// EnsureDirectChat returns the 1:1 chat between the two users, creating it
// together with both member rows atomically when absent. Safe under
// concurrent callers: the loser of the race re-reads the winner's chat.
func EnsureDirectChat(ctx context.Context, logger *zap.Logger, db *sql.DB, a, b uuid.UUID) (uuid.UUID, error) {
	user1, user2 := canonicalPair(a, b)

	chatID, err := findDirectChat(ctx, db, user1, user2)
	if err == nil {
		return chatID, nil
	}
	if err != sql.ErrNoRows {
		logger.Error("Error querying direct chat", zap.Error(err))
		return uuid.Nil, err
	}

	chatID = uuid.Must(uuid.NewV4())
	err = Transact(ctx, logger, db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO chats (id, pair_key, created_at, last_message_at) VALUES ($1, $2, now(), now())",
			chatID, pairKey(user1, user2)); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx,
			"INSERT INTO chat_members (chat_id, user_id) VALUES ($1, $2), ($1, $3)",
			chatID, user1, user2)
		return err
	})
	if err != nil {
		if dbIsUniqueViolation(err) {
			// Concurrent creation won, use its row.
			existing, findErr := findDirectChat(ctx, db, user1, user2)
			if findErr != nil {
				return uuid.Nil, findErr
			}
			return existing, nil
		}
		logger.Error("Error creating direct chat", zap.Error(err))
		return uuid.Nil, err
	}
	return chatID, nil
}

func pairKey(user1, user2 uuid.UUID) string {
	return user1.String() + ":" + user2.String()
}

func findDirectChat(ctx context.Context, db *sql.DB, user1, user2 uuid.UUID) (uuid.UUID, error) {
	var chatID uuid.UUID
	err := db.QueryRowContext(ctx, "SELECT id FROM chats WHERE pair_key = $1", pairKey(user1, user2)).Scan(&chatID)
	return chatID, err
}

// ChatMembers returns the member user ids of a chat.
func ChatMembers(ctx context.Context, logger *zap.Logger, db *sql.DB, chatID uuid.UUID) ([]uuid.UUID, error) {
	rows, err := db.QueryContext(ctx, "SELECT user_id FROM chat_members WHERE chat_id = $1", chatID)
	if err != nil {
		logger.Error("Error querying chat members", zap.Error(err))
		return nil, err
	}
	defer rows.Close()
	members := make([]uuid.UUID, 0, 2)
	for rows.Next() {
		var userID uuid.UUID
		if err := rows.Scan(&userID); err != nil {
			return nil, err
		}
		members = append(members, userID)
	}
	return members, rows.Err()
}

// IsChatMember reports whether the user belongs to the chat.
func IsChatMember(ctx context.Context, logger *zap.Logger, db *sql.DB, chatID, userID uuid.UUID) (bool, error) {
	var ok bool
	err := db.QueryRowContext(ctx,
		"SELECT EXISTS (SELECT 1 FROM chat_members WHERE chat_id = $1 AND user_id = $2)",
		chatID, userID).Scan(&ok)
	if err != nil {
		logger.Error("Error checking chat membership", zap.Error(err))
		return false, err
	}
	return ok, nil
}

// chatClearCutoff returns the user's logical-clear timestamp for the chat,
// zero time when the user never cleared it.
func chatClearCutoff(ctx context.Context, db *sql.DB, chatID, userID uuid.UUID) (time.Time, error) {
	var cutoff time.Time
	err := db.QueryRowContext(ctx,
		"SELECT deleted_at FROM chat_deletions WHERE chat_id = $1 AND user_id = $2",
		chatID, userID).Scan(&cutoff)
	if err == sql.ErrNoRows {
		return time.Time{}, nil
	}
	return cutoff, err
}

// ChatHistory returns the last page of visible messages for the user in
// ascending creation order: tombstones excluded, nothing at or before the
// user's clear cutoff.
func ChatHistory(ctx context.Context, logger *zap.Logger, db *sql.DB, chatID, userID uuid.UUID) ([]*ChatMessage, error) {
	cutoff, err := chatClearCutoff(ctx, db, chatID, userID)
	if err != nil {
		logger.Error("Error querying chat clear cutoff", zap.Error(err))
		return nil, err
	}

	query := `
SELECT id, chat_id, sender_id, text, created_at, updated_at, is_edited, is_deleted
FROM messages
WHERE chat_id = $1 AND is_deleted = FALSE AND created_at > $2
ORDER BY created_at DESC, id DESC
LIMIT $3`
	rows, err := db.QueryContext(ctx, query, chatID, cutoff, historyPageSize)
	if err != nil {
		logger.Error("Error querying chat history", zap.Error(err))
		return nil, err
	}
	defer rows.Close()

	messages := make([]*ChatMessage, 0, historyPageSize)
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// Reverse into ascending order for display.
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

// Message delivery status as shown on the sender's inbox row.
const (
	MessageStatusSent      = "sent"
	MessageStatusDelivered = "delivered"
	MessageStatusRead      = "read"
)

// InboxEntry is one chat in a user's inbox view.
type InboxEntry struct {
	ChatID        uuid.UUID    `json:"chat_id"`
	LastMessage   *ChatMessage `json:"last_message"`
	LastStatus    string       `json:"last_status,omitempty"`
	UnreadCount   int          `json:"unread_count"`
	OtherUser     *ProfileView `json:"other_user"`
	LastMessageAt time.Time    `json:"last_message_at"`
	Muted         bool         `json:"muted"`
}

// GetUserInbox enumerates the user's chats with their last visible message,
// unread count and counterpart summary. Chats fully cleared by the user are
// hidden until a newer message arrives.
func GetUserInbox(ctx context.Context, logger *zap.Logger, db *sql.DB, userID uuid.UUID) ([]*InboxEntry, error) {
	query := `
SELECT c.id, other.user_id
FROM chats c
JOIN chat_members mine ON mine.chat_id = c.id AND mine.user_id = $1
JOIN chat_members other ON other.chat_id = c.id AND other.user_id <> $1
ORDER BY c.last_message_at DESC`
	rows, err := db.QueryContext(ctx, query, userID)
	if err != nil {
		logger.Error("Error querying inbox chats", zap.Error(err))
		return nil, err
	}
	type chatRow struct {
		chatID  uuid.UUID
		otherID uuid.UUID
	}
	chatRows := make([]chatRow, 0, 16)
	for rows.Next() {
		var cr chatRow
		if err := rows.Scan(&cr.chatID, &cr.otherID); err != nil {
			rows.Close()
			return nil, err
		}
		chatRows = append(chatRows, cr)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	entries := make([]*InboxEntry, 0, len(chatRows))
	for _, cr := range chatRows {
		entry, err := buildInboxEntry(ctx, logger, db, userID, cr.chatID, cr.otherID)
		if err != nil {
			return nil, err
		}
		if entry != nil {
			entries = append(entries, entry)
		}
	}
	return entries, nil
}

// foldReceiptStatus collapses the counterpart's receipt set into the single
// status shown on the sender's inbox row: read > delivered > sent.
func foldReceiptStatus(statuses map[string]bool) string {
	if statuses[MessageStatusRead] {
		return MessageStatusRead
	}
	if statuses[MessageStatusDelivered] {
		return MessageStatusDelivered
	}
	return MessageStatusSent
}

func buildInboxEntry(ctx context.Context, logger *zap.Logger, db *sql.DB, userID, chatID, otherID uuid.UUID) (*InboxEntry, error) {
	cutoff, err := chatClearCutoff(ctx, db, chatID, userID)
	if err != nil {
		return nil, err
	}

	last := &ChatMessage{}
	row := db.QueryRowContext(ctx, `
SELECT id, chat_id, sender_id, text, created_at, updated_at, is_edited, is_deleted
FROM messages
WHERE chat_id = $1 AND is_deleted = FALSE AND created_at > $2
ORDER BY created_at DESC, id DESC
LIMIT 1`, chatID, cutoff)
	last, err = scanMessage(row)
	if err == sql.ErrNoRows {
		// Cleared chat with nothing newer is hidden entirely.
		if !cutoff.IsZero() {
			return nil, nil
		}
		last = nil
		err = nil
	}
	if err != nil {
		logger.Error("Error querying inbox last message", zap.Error(err))
		return nil, err
	}

	var unread int
	if err := db.QueryRowContext(ctx, `
SELECT COUNT(*)
FROM messages m
WHERE m.chat_id = $1 AND m.sender_id <> $2 AND m.is_deleted = FALSE AND m.created_at > $3
AND NOT EXISTS (
	SELECT 1 FROM message_receipts r WHERE r.message_id = m.id AND r.user_id = $2 AND r.status = 'read'
)`, chatID, userID, cutoff).Scan(&unread); err != nil {
		logger.Error("Error counting unread messages", zap.Error(err))
		return nil, err
	}

	lastStatus := ""
	if last != nil && last.SenderID == userID {
		statuses, err := receiptStatuses(ctx, db, last.ID, otherID)
		if err != nil {
			logger.Error("Error querying receipts", zap.Error(err))
			return nil, err
		}
		lastStatus = foldReceiptStatus(statuses)
	}

	other, err := ResolveProfile(ctx, logger, db, userID, otherID)
	if err != nil && err != ErrNotFound {
		return nil, err
	}
	var otherView *ProfileView
	if other != nil {
		otherView = other.View
	}

	muted, err := IsChatMuted(ctx, logger, db, userID, chatID)
	if err != nil {
		return nil, err
	}

	entry := &InboxEntry{
		ChatID:      chatID,
		LastMessage: last,
		LastStatus:  lastStatus,
		UnreadCount: unread,
		OtherUser:   otherView,
		Muted:       muted,
	}
	if last != nil {
		entry.LastMessageAt = last.CreatedAt
	}
	return entry, nil
}
