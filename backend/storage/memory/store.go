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

// Package memory is an in-process implementation of the storage contracts.
// It backs tests and the "memory" storage driver.
package memory

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/efchatnet/efgroups/backend/models"
	"github.com/efchatnet/efgroups/backend/storage"
)

type Store struct {
	mu       sync.RWMutex
	groups   map[string]*models.Group
	messages map[string]*models.Message
}

func NewStore() *Store {
	return &Store{
		groups:   make(map[string]*models.Group),
		messages: make(map[string]*models.Message),
	}
}

func (s *Store) Ping(context.Context) error  { return nil }
func (s *Store) Close(context.Context) error { return nil }

func (s *Store) CreateGroup(ctx context.Context, g *models.Group) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := g.Validate(); err != nil {
		return fmt.Errorf("%w: %v", storage.ErrInvariant, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.groups[g.GroupID]; ok {
		return fmt.Errorf("group %s already exists", g.GroupID)
	}
	if s.joinCodeInUseLocked(g.JoinCode, g.GroupID) {
		return storage.ErrJoinCodeTaken
	}
	s.groups[g.GroupID] = g.Clone()
	return nil
}

func (s *Store) GetGroup(ctx context.Context, groupID string) (*models.Group, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	g, ok := s.groups[groupID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return g.Clone(), nil
}

func (s *Store) FindActiveGroupByJoinCode(ctx context.Context, code string) (*models.Group, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, g := range s.groups {
		if g.IsActive && g.JoinCode == code {
			return g.Clone(), nil
		}
	}
	return nil, storage.ErrNotFound
}

func (s *Store) GetUserGroups(ctx context.Context, userID string) ([]*models.Group, error) {
	return s.listGroups(ctx, func(g *models.Group) bool {
		return g.IsActive && g.IsMember(userID)
	})
}

func (s *Store) ListActiveGroups(ctx context.Context) ([]*models.Group, error) {
	return s.listGroups(ctx, func(g *models.Group) bool { return g.IsActive })
}

func (s *Store) listGroups(ctx context.Context, keep func(*models.Group) bool) ([]*models.Group, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*models.Group, 0)
	for _, g := range s.groups {
		if keep(g) {
			out = append(out, g.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].LastActiveAt.After(out[j].LastActiveAt)
	})
	return out, nil
}

// mutate applies fn to a copy of the group and commits it only when fn
// reports a change and the result still satisfies Group.Validate.
func (s *Store) mutate(ctx context.Context, groupID string, fn func(g *models.Group) (bool, error)) (storage.MemberChange, error) {
	if err := ctx.Err(); err != nil {
		return storage.MemberChange{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.groups[groupID]
	if !ok {
		return storage.MemberChange{}, storage.ErrNotFound
	}
	next := current.Clone()
	changed, err := fn(next)
	if err != nil {
		return storage.MemberChange{}, err
	}
	if !changed {
		return storage.MemberChange{Group: next}, nil
	}
	if err := next.Validate(); err != nil {
		return storage.MemberChange{}, fmt.Errorf("%w: %v", storage.ErrInvariant, err)
	}
	s.groups[groupID] = next
	return storage.MemberChange{Group: next.Clone(), Changed: true}, nil
}

func (s *Store) AddMember(ctx context.Context, groupID, userID string) (storage.MemberChange, error) {
	return s.mutate(ctx, groupID, func(g *models.Group) (bool, error) {
		if !g.IsActive {
			return false, storage.ErrGroupInactive
		}
		if g.IsMember(userID) {
			return false, nil
		}
		if g.IsFull() {
			return false, storage.ErrGroupFull
		}
		g.Members = append(g.Members, userID)
		return true, nil
	})
}

func (s *Store) RemoveMember(ctx context.Context, groupID, userID string) (storage.MemberChange, error) {
	return s.mutate(ctx, groupID, func(g *models.Group) (bool, error) {
		if !g.IsActive {
			return false, storage.ErrGroupInactive
		}
		before := len(g.Members) + len(g.AdminIDs)
		g.Members = slices.DeleteFunc(g.Members, func(id string) bool { return id == userID })
		g.AdminIDs = slices.DeleteFunc(g.AdminIDs, func(id string) bool { return id == userID })
		return len(g.Members)+len(g.AdminIDs) != before, nil
	})
}

func (s *Store) AddAdmin(ctx context.Context, groupID, userID string) (storage.MemberChange, error) {
	return s.mutate(ctx, groupID, func(g *models.Group) (bool, error) {
		if !g.IsActive {
			return false, storage.ErrGroupInactive
		}
		if !g.IsMember(userID) {
			return false, storage.ErrNotMember
		}
		if slices.Contains(g.AdminIDs, userID) {
			return false, nil
		}
		g.AdminIDs = append(g.AdminIDs, userID)
		return true, nil
	})
}

func (s *Store) RemoveAdmin(ctx context.Context, groupID, userID string) (storage.MemberChange, error) {
	return s.mutate(ctx, groupID, func(g *models.Group) (bool, error) {
		if !g.IsActive {
			return false, storage.ErrGroupInactive
		}
		if !slices.Contains(g.AdminIDs, userID) {
			return false, nil
		}
		g.AdminIDs = slices.DeleteFunc(g.AdminIDs, func(id string) bool { return id == userID })
		return true, nil
	})
}

func (s *Store) UpdateGroup(ctx context.Context, groupID string, update models.GroupUpdate) (*models.Group, error) {
	res, err := s.mutate(ctx, groupID, func(g *models.Group) (bool, error) {
		if !g.IsActive {
			return false, storage.ErrGroupInactive
		}
		if update.Name != nil {
			g.Name = *update.Name
		}
		if update.Description != nil {
			g.Description = *update.Description
		}
		return !update.IsEmpty(), nil
	})
	return res.Group, err
}

func (s *Store) SetJoinCode(ctx context.Context, groupID, code string) (*models.Group, error) {
	res, err := s.mutate(ctx, groupID, func(g *models.Group) (bool, error) {
		if !g.IsActive {
			return false, storage.ErrGroupInactive
		}
		if s.joinCodeInUseLocked(code, groupID) {
			return false, storage.ErrJoinCodeTaken
		}
		g.JoinCode = code
		return true, nil
	})
	return res.Group, err
}

func (s *Store) IncrementMessageCount(ctx context.Context, groupID string, at time.Time) (*models.Group, error) {
	res, err := s.mutate(ctx, groupID, func(g *models.Group) (bool, error) {
		if !g.IsActive {
			return false, storage.ErrGroupInactive
		}
		g.MessageCount++
		if at.After(g.LastActiveAt) {
			g.LastActiveAt = at
		}
		return true, nil
	})
	return res.Group, err
}

func (s *Store) TouchActivity(ctx context.Context, groupID string, at time.Time) (*models.Group, error) {
	res, err := s.mutate(ctx, groupID, func(g *models.Group) (bool, error) {
		if !g.IsActive {
			return false, storage.ErrGroupInactive
		}
		if !at.After(g.LastActiveAt) {
			return false, nil
		}
		g.LastActiveAt = at
		return true, nil
	})
	return res.Group, err
}

func (s *Store) MarkInactive(ctx context.Context, groupID string) error {
	_, err := s.mutate(ctx, groupID, func(g *models.Group) (bool, error) {
		if !g.IsActive {
			return false, nil
		}
		g.IsActive = false
		return true, nil
	})
	return err
}

func (s *Store) joinCodeInUseLocked(code, exceptGroupID string) bool {
	for id, g := range s.groups {
		if id != exceptGroupID && g.IsActive && g.JoinCode == code {
			return true
		}
	}
	return false
}

func (s *Store) SaveMessage(ctx context.Context, m *models.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.messages[m.MessageID]; ok {
		return fmt.Errorf("message %s already exists", m.MessageID)
	}
	s.messages[m.MessageID] = m.Clone()
	return nil
}

func (s *Store) GetMessage(ctx context.Context, messageID string) (*models.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.messages[messageID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return m.Clone(), nil
}

// groupMessagesLocked returns the group's messages newest first.
func (s *Store) groupMessagesLocked(groupID string) []*models.Message {
	out := make([]*models.Message, 0)
	for _, m := range s.messages {
		if m.GroupID == groupID {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].MessageID > out[j].MessageID
		}
		return out[i].Timestamp.After(out[j].Timestamp)
	})
	return out
}

func (s *Store) GetGroupMessages(ctx context.Context, groupID string, page models.Page) ([]*models.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	page = page.Normalize()

	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*models.Message, 0, page.Limit)
	for _, m := range s.groupMessagesLocked(groupID) {
		if !page.Includes(m.Timestamp, m.MessageID) {
			continue
		}
		out = append(out, m.Clone())
		if len(out) == page.Limit {
			break
		}
	}
	return out, nil
}

func (s *Store) MarkRead(ctx context.Context, messageID, userID string, at time.Time) (*models.Message, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.messages[messageID]
	if !ok {
		return nil, false, storage.ErrNotFound
	}
	changed := m.ApplyRead(userID, at)
	return m.Clone(), changed, nil
}

func (s *Store) UpdateContent(ctx context.Context, messageID, content string, at time.Time) (*models.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.messages[messageID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	m.Content = content
	m.IsEdited = true
	editedAt := at
	m.EditedAt = &editedAt
	return m.Clone(), nil
}

func (s *Store) DeleteMessage(ctx context.Context, messageID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.messages[messageID]; !ok {
		return storage.ErrNotFound
	}
	delete(s.messages, messageID)
	return nil
}

func (s *Store) DeleteGroupMessages(ctx context.Context, groupID string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for id, m := range s.messages {
		if m.GroupID == groupID {
			delete(s.messages, id)
			n++
		}
	}
	return n, nil
}

func (s *Store) ListDueForDestruction(ctx context.Context, now time.Time) ([]*models.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*models.Message, 0)
	for _, m := range s.messages {
		if m.IsDueForDestruction(now) {
			out = append(out, m.Clone())
		}
	}
	return out, nil
}

func (s *Store) SearchMessages(ctx context.Context, groupID, query string, limit int) ([]*models.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	needle := strings.ToLower(query)

	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*models.Message, 0)
	for _, m := range s.groupMessagesLocked(groupID) {
		if m.IsSystem() || !strings.Contains(strings.ToLower(m.Content), needle) {
			continue
		}
		out = append(out, m.Clone())
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *Store) CountUnread(ctx context.Context, groupID, userID string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int64
	for _, m := range s.messages {
		if m.GroupID == groupID && !m.IsSystem() && m.SenderID != userID && !m.IsReadBy(userID) {
			n++
		}
	}
	return n, nil
}

func (s *Store) LatestMessages(ctx context.Context, groupIDs []string) (map[string]*models.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]*models.Message, len(groupIDs))
	for _, id := range groupIDs {
		if msgs := s.groupMessagesLocked(id); len(msgs) > 0 {
			out[id] = msgs[0].Clone()
		}
	}
	return out, nil
}

func (s *Store) CountGroupMessages(ctx context.Context, groupID string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int64
	for _, m := range s.messages {
		if m.GroupID == groupID {
			n++
		}
	}
	return n, nil
}
