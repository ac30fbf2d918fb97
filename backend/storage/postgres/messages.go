// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package postgres

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/efchatnet/efgroups/backend/models"
	"github.com/efchatnet/efgroups/backend/storage"
)

const messageColumns = `message_id, group_id, sender_id, sender_name, content, sent_at,
	read_by, is_read, read_at, self_destruct_ms, message_type, reply_to_message_id,
	is_edited, edited_at`

func scanMessage(row rowScanner) (*models.Message, error) {
	var (
		m        models.Message
		readAt   sql.NullTime
		destruct sql.NullInt64
		replyTo  sql.NullString
		editedAt sql.NullTime
	)
	err := row.Scan(&m.MessageID, &m.GroupID, &m.SenderID, &m.SenderName, &m.Content, &m.Timestamp,
		pq.Array(&m.ReadBy), &m.IsRead, &readAt, &destruct, &m.Type, &replyTo,
		&m.IsEdited, &editedAt)
	if err != nil {
		return nil, notFound(err)
	}
	if readAt.Valid {
		m.ReadAt = &readAt.Time
	}
	if destruct.Valid {
		m.SelfDestructMs = &destruct.Int64
	}
	if replyTo.Valid {
		m.ReplyToMessageID = &replyTo.String
	}
	if editedAt.Valid {
		m.EditedAt = &editedAt.Time
	}
	if m.ReadBy == nil {
		m.ReadBy = []string{}
	}
	return &m, nil
}

func scanMessages(rows *sql.Rows) ([]*models.Message, error) {
	defer rows.Close()

	msgs := make([]*models.Message, 0)
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

func (s *Store) SaveMessage(ctx context.Context, m *models.Message) error {
	readBy := m.ReadBy
	if readBy == nil {
		readBy = []string{}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO group_messages (message_id, group_id, sender_id, sender_name, content, sent_at,
			read_by, is_read, read_at, self_destruct_ms, message_type, reply_to_message_id,
			is_edited, edited_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		m.MessageID, m.GroupID, m.SenderID, m.SenderName, m.Content, m.Timestamp,
		pq.Array(readBy), m.IsRead, m.ReadAt, m.SelfDestructMs, string(m.Type), m.ReplyToMessageID,
		m.IsEdited, m.EditedAt)
	return wrap("save message", err)
}

func (s *Store) GetMessage(ctx context.Context, messageID string) (*models.Message, error) {
	m, err := scanMessage(s.db.QueryRowContext(ctx, `
		SELECT `+messageColumns+` FROM group_messages
		WHERE message_id = $1`, messageID))
	return m, wrap("get message", err)
}

func (s *Store) GetGroupMessages(ctx context.Context, groupID string, page models.Page) ([]*models.Message, error) {
	page = page.Normalize()
	var before sql.NullTime
	if page.Before != nil {
		before = sql.NullTime{Time: *page.Before, Valid: true}
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+messageColumns+` FROM group_messages
		WHERE group_id = $1
			AND ($2::TIMESTAMPTZ IS NULL
				OR sent_at < $2
				OR (sent_at = $2 AND message_id < $4::TEXT))
		ORDER BY sent_at DESC, message_id DESC
		LIMIT $3`, groupID, before, page.Limit, page.BeforeID)
	if err != nil {
		return nil, wrap("get group messages", err)
	}
	msgs, err := scanMessages(rows)
	return msgs, wrap("get group messages", err)
}

// MarkRead appends the reader in place. read_at keeps the first read time;
// system messages never get one.
func (s *Store) MarkRead(ctx context.Context, messageID, userID string, at time.Time) (*models.Message, bool, error) {
	m, err := scanMessage(s.db.QueryRowContext(ctx, `
		UPDATE group_messages
		SET read_by = array_append(read_by, $2),
			is_read = TRUE,
			read_at = CASE
				WHEN message_type = 'SYSTEM' THEN read_at
				ELSE COALESCE(read_at, $3)
			END
		WHERE message_id = $1 AND NOT ($2 = ANY(read_by))
		RETURNING `+messageColumns, messageID, userID, at))
	if errors.Is(err, storage.ErrNotFound) {
		m, err = s.GetMessage(ctx, messageID)
		return m, false, err
	}
	if err != nil {
		return nil, false, wrap("mark message read", err)
	}
	return m, true, nil
}

func (s *Store) UpdateContent(ctx context.Context, messageID, content string, at time.Time) (*models.Message, error) {
	m, err := scanMessage(s.db.QueryRowContext(ctx, `
		UPDATE group_messages
		SET content = $2, is_edited = TRUE, edited_at = $3
		WHERE message_id = $1
		RETURNING `+messageColumns, messageID, content, at))
	return m, wrap("update message", err)
}

func (s *Store) DeleteMessage(ctx context.Context, messageID string) error {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM group_messages
		WHERE message_id = $1`, messageID)
	if err != nil {
		return wrap("delete message", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return wrap("delete message", storage.ErrNotFound)
	}
	return nil
}

func (s *Store) DeleteGroupMessages(ctx context.Context, groupID string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM group_messages
		WHERE group_id = $1`, groupID)
	if err != nil {
		return 0, wrap("delete group messages", err)
	}
	n, err := res.RowsAffected()
	return n, wrap("delete group messages", err)
}

func (s *Store) ListDueForDestruction(ctx context.Context, now time.Time) ([]*models.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+messageColumns+` FROM group_messages
		WHERE self_destruct_ms IS NOT NULL
			AND read_at IS NOT NULL
			AND is_read
			AND message_type <> 'SYSTEM'
			AND read_at + self_destruct_ms * INTERVAL '1 millisecond' <= $1
		ORDER BY read_at`, now)
	if err != nil {
		return nil, wrap("list messages to destruct", err)
	}
	msgs, err := scanMessages(rows)
	return msgs, wrap("list messages to destruct", err)
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func (s *Store) SearchMessages(ctx context.Context, groupID, query string, limit int) ([]*models.Message, error) {
	pattern := "%" + likeEscaper.Replace(query) + "%"
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+messageColumns+` FROM group_messages
		WHERE group_id = $1
			AND message_type <> 'SYSTEM'
			AND content ILIKE $2
		ORDER BY sent_at DESC
		LIMIT $3`, groupID, pattern, limit)
	if err != nil {
		return nil, wrap("search messages", err)
	}
	msgs, err := scanMessages(rows)
	return msgs, wrap("search messages", err)
}

func (s *Store) CountUnread(ctx context.Context, groupID, userID string) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM group_messages
		WHERE group_id = $1
			AND message_type <> 'SYSTEM'
			AND sender_id <> $2::TEXT
			AND NOT ($2::TEXT = ANY(read_by))`, groupID, userID).Scan(&count)
	return count, wrap("count unread messages", err)
}

func (s *Store) LatestMessages(ctx context.Context, groupIDs []string) (map[string]*models.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT ON (group_id) `+messageColumns+` FROM group_messages
		WHERE group_id = ANY($1)
		ORDER BY group_id, sent_at DESC, message_id DESC`, pq.Array(groupIDs))
	if err != nil {
		return nil, wrap("get latest messages", err)
	}
	msgs, err := scanMessages(rows)
	if err != nil {
		return nil, wrap("get latest messages", err)
	}

	latest := make(map[string]*models.Message, len(msgs))
	for _, m := range msgs {
		latest[m.GroupID] = m
	}
	return latest, nil
}

func (s *Store) CountGroupMessages(ctx context.Context, groupID string) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM group_messages
		WHERE group_id = $1`, groupID).Scan(&count)
	return count, wrap("count group messages", err)
}
