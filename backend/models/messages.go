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

package models

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"
	"unicode/utf8"
)

type MessageType string

const (
	MessageText   MessageType = "TEXT"
	MessageImage  MessageType = "IMAGE"
	MessageSystem MessageType = "SYSTEM"
)

// SystemSenderID is reserved for messages generated by the server.
const SystemSenderID = "system"

const MaxMessageLength = 1000

// MaxSelfDestruct caps how long a read message may linger.
const MaxSelfDestruct = 30 * 24 * time.Hour

type Message struct {
	MessageID        string      `json:"messageId" db:"message_id"`
	GroupID          string      `json:"groupId" db:"group_id"`
	SenderID         string      `json:"senderId" db:"sender_id"`
	SenderName       string      `json:"senderName" db:"sender_name"`
	Content          string      `json:"content" db:"content"`
	Timestamp        time.Time   `json:"timestamp" db:"sent_at"`
	ReadBy           []string    `json:"readBy" db:"read_by"`
	IsRead           bool        `json:"isRead" db:"is_read"`
	ReadAt           *time.Time  `json:"readAt,omitempty" db:"read_at"`
	SelfDestructMs   *int64      `json:"selfDestructDuration,omitempty" db:"self_destruct_ms"`
	Type             MessageType `json:"type" db:"message_type"`
	ReplyToMessageID *string     `json:"replyToMessageId,omitempty" db:"reply_to_message_id"`
	IsEdited         bool        `json:"isEdited" db:"is_edited"`
	EditedAt         *time.Time  `json:"editedAt,omitempty" db:"edited_at"`
}

// NewSystemMessage builds a server generated message. System messages are
// born read.
func NewSystemMessage(id, groupID, content string, now time.Time) *Message {
	return &Message{
		MessageID:  id,
		GroupID:    groupID,
		SenderID:   SystemSenderID,
		SenderName: "System",
		Content:    content,
		Timestamp:  now,
		ReadBy:     []string{},
		IsRead:     true,
		Type:       MessageSystem,
	}
}

func (m *Message) IsSystem() bool {
	return m.Type == MessageSystem || m.SenderID == SystemSenderID
}

func (m *Message) SelfDestructAfter() (time.Duration, bool) {
	if m.SelfDestructMs == nil {
		return 0, false
	}
	return time.Duration(*m.SelfDestructMs) * time.Millisecond, true
}

// DestructAt is the first read time plus the self-destruct duration.
func (m *Message) DestructAt() (time.Time, bool) {
	d, ok := m.SelfDestructAfter()
	if !ok || m.IsSystem() || !m.IsRead || m.ReadAt == nil {
		return time.Time{}, false
	}
	return m.ReadAt.Add(d), true
}

func (m *Message) IsDueForDestruction(now time.Time) bool {
	at, ok := m.DestructAt()
	return ok && !now.Before(at)
}

func (m *Message) IsReadBy(userID string) bool {
	return slices.Contains(m.ReadBy, userID)
}

// ApplyRead adds userID to the readers. It returns false when nothing
// changed.
func (m *Message) ApplyRead(userID string, now time.Time) bool {
	if m.IsReadBy(userID) {
		return false
	}
	m.ReadBy = append(m.ReadBy, userID)
	if !m.IsRead || m.ReadAt == nil {
		m.IsRead = true
		if !m.IsSystem() {
			at := now
			m.ReadAt = &at
		}
	}
	return true
}

func (m *Message) Clone() *Message {
	c := *m
	c.ReadBy = slices.Clone(m.ReadBy)
	return &c
}

func ValidateContent(content string) error {
	if strings.TrimSpace(content) == "" {
		return errors.New("message cannot be empty")
	}
	if utf8.RuneCountInString(content) > MaxMessageLength {
		return fmt.Errorf("message cannot exceed %d characters", MaxMessageLength)
	}
	return nil
}

func ValidateSelfDestruct(d time.Duration) error {
	if d <= 0 {
		return errors.New("self-destruct duration must be positive")
	}
	if d > MaxSelfDestruct {
		return fmt.Errorf("self-destruct duration cannot exceed %s", MaxSelfDestruct)
	}
	return nil
}

func ValidateMessageType(t MessageType) error {
	switch t {
	case MessageText, MessageImage:
		return nil
	case MessageSystem:
		return errors.New("system messages cannot be sent by users")
	default:
		return fmt.Errorf("unknown message type %q", t)
	}
}

// Page selects a window of a group's history, newest first. The cursor is
// the (timestamp, message id) pair of the last message already seen, so
// messages sharing a timestamp are never skipped.
type Page struct {
	Limit    int        `json:"limit"`
	Before   *time.Time `json:"before,omitempty"`
	BeforeID string     `json:"beforeId,omitempty"`
}

const (
	DefaultPageSize = 50
	MaxPageSize     = 200
)

// Includes reports whether a message at ts with id falls after the cursor
// in newest-first order.
func (p Page) Includes(ts time.Time, id string) bool {
	if p.Before == nil {
		return true
	}
	if ts.Equal(*p.Before) {
		return p.BeforeID != "" && id < p.BeforeID
	}
	return ts.Before(*p.Before)
}

// After returns the page that follows last.
func (p Page) After(last *Message) Page {
	ts := last.Timestamp
	p.Before = &ts
	p.BeforeID = last.MessageID
	return p
}

func (p Page) Normalize() Page {
	if p.Limit <= 0 {
		p.Limit = DefaultPageSize
	}
	if p.Limit > MaxPageSize {
		p.Limit = MaxPageSize
	}
	return p
}
