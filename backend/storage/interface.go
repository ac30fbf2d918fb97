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

package storage

import (
	"context"
	"errors"
	"time"

	"github.com/efchatnet/efgroups/backend/models"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrGroupFull     = errors.New("group is full")
	ErrGroupInactive = errors.New("group is inactive")
	ErrNotMember     = errors.New("user is not a member")
	ErrJoinCodeTaken = errors.New("join code already in use")
	ErrInvariant     = errors.New("group invariant violated")
)

// MemberChange reports what an atomic set mutation did.
type MemberChange struct {
	Group   *models.Group
	Changed bool
}

// GroupStore persists Group aggregates. Membership and admin mutations are
// atomic set operations; implementations never overwrite whole lists
// computed from a previous read.
type GroupStore interface {
	CreateGroup(ctx context.Context, g *models.Group) error
	GetGroup(ctx context.Context, groupID string) (*models.Group, error)
	FindActiveGroupByJoinCode(ctx context.Context, code string) (*models.Group, error)
	GetUserGroups(ctx context.Context, userID string) ([]*models.Group, error)
	ListActiveGroups(ctx context.Context) ([]*models.Group, error)

	// AddMember adds userID if the group is active and below capacity. It
	// returns ErrGroupFull, ErrGroupInactive or ErrNotFound otherwise.
	AddMember(ctx context.Context, groupID, userID string) (MemberChange, error)
	// RemoveMember removes userID from both members and admins.
	RemoveMember(ctx context.Context, groupID, userID string) (MemberChange, error)
	// AddAdmin requires userID to be a current member (ErrNotMember).
	AddAdmin(ctx context.Context, groupID, userID string) (MemberChange, error)
	RemoveAdmin(ctx context.Context, groupID, userID string) (MemberChange, error)

	UpdateGroup(ctx context.Context, groupID string, update models.GroupUpdate) (*models.Group, error)
	// SetJoinCode returns ErrJoinCodeTaken when another active group uses code.
	SetJoinCode(ctx context.Context, groupID, code string) (*models.Group, error)
	// IncrementMessageCount bumps messageCount by one and moves lastActiveAt
	// forward to at, in a single-document transaction.
	IncrementMessageCount(ctx context.Context, groupID string, at time.Time) (*models.Group, error)
	// TouchActivity moves lastActiveAt forward without counting a message.
	TouchActivity(ctx context.Context, groupID string, at time.Time) (*models.Group, error)
	MarkInactive(ctx context.Context, groupID string) error
}

// MessageStore persists Message aggregates.
type MessageStore interface {
	SaveMessage(ctx context.Context, m *models.Message) error
	GetMessage(ctx context.Context, messageID string) (*models.Message, error)
	// GetGroupMessages returns a page of messages, newest first.
	GetGroupMessages(ctx context.Context, groupID string, page models.Page) ([]*models.Message, error)
	// MarkRead unions userID into readBy. readAt is set on the first read only.
	MarkRead(ctx context.Context, messageID, userID string, at time.Time) (*models.Message, bool, error)
	UpdateContent(ctx context.Context, messageID, content string, at time.Time) (*models.Message, error)
	DeleteMessage(ctx context.Context, messageID string) error
	DeleteGroupMessages(ctx context.Context, groupID string) (int64, error)
	// ListDueForDestruction returns read messages whose self-destruct
	// deadline is at or before now.
	ListDueForDestruction(ctx context.Context, now time.Time) ([]*models.Message, error)
	SearchMessages(ctx context.Context, groupID, query string, limit int) ([]*models.Message, error)
	CountUnread(ctx context.Context, groupID, userID string) (int64, error)
	LatestMessages(ctx context.Context, groupIDs []string) (map[string]*models.Message, error)
	CountGroupMessages(ctx context.Context, groupID string) (int64, error)
}

type Store interface {
	GroupStore
	MessageStore
	Ping(ctx context.Context) error
	Close(ctx context.Context) error
}

// Topic names a stream of change notifications.
type Topic string

func GroupTopic(groupID string) Topic         { return Topic("group:" + groupID) }
func UserGroupsTopic(userID string) Topic     { return Topic("user-groups:" + userID) }
func GroupMessagesTopic(groupID string) Topic { return Topic("group-messages:" + groupID) }

// Feed carries change notifications for live queries. Subscribe delivers a
// signal per Publish until ctx is cancelled, then closes the channel.
type Feed interface {
	Publish(ctx context.Context, topics ...Topic) error
	Subscribe(ctx context.Context, topic Topic) (<-chan struct{}, error)
}

// Directory resolves display names.
type Directory interface {
	DisplayName(ctx context.Context, userID string) (string, error)
}

// Locker hands out a lease so only one replica runs a job at a time.
type Locker interface {
	TryLock(ctx context.Context, name string, ttl time.Duration) (release func(), ok bool, err error)
}
