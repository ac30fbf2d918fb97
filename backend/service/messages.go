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

package service

import (
	"context"
	"strings"
	"time"

	"github.com/efchatnet/efgroups/backend/apperrors"
	"github.com/efchatnet/efgroups/backend/models"
	"github.com/efchatnet/efgroups/backend/storage"
)

type SendMessageRequest struct {
	GroupID          string
	SenderID         string
	Content          string
	Type             models.MessageType
	ReplyToMessageID *string
	SelfDestruct     *time.Duration
}

type MessageService struct {
	Deps
	lifecycle *GroupService
}

func NewMessageService(d Deps, lifecycle *GroupService) *MessageService {
	return &MessageService{Deps: d.withDefaults(), lifecycle: lifecycle}
}

// memberGroup loads a group and checks userID belongs to it.
func (s *MessageService) memberGroup(ctx context.Context, groupID, userID string) (*models.Group, error) {
	g, err := s.lifecycle.GetGroup(ctx, groupID)
	if err != nil {
		return nil, err
	}
	if !g.IsMember(userID) {
		return nil, apperrors.Forbidden("You are not a member of this group")
	}
	return g, nil
}

func (s *MessageService) getMessage(ctx context.Context, messageID string) (*models.Message, error) {
	sctx, cancel := s.storeCtx(ctx)
	defer cancel()
	m, err := s.Messages.GetMessage(sctx, messageID)
	if err != nil {
		return nil, mapStoreErr(err, "Message not found")
	}
	return m, nil
}

// GetMessage returns a message to a member of its group.
func (s *MessageService) GetMessage(ctx context.Context, messageID, userID string) (*models.Message, error) {
	m, err := s.getMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if _, err := s.memberGroup(ctx, m.GroupID, userID); err != nil {
		return nil, err
	}
	return m, nil
}

// SendMessage stores a user message and then counts it against the
// group's contract. A limit contract can expire on the message that
// reaches it.
func (s *MessageService) SendMessage(ctx context.Context, req SendMessageRequest) (*models.Message, error) {
	if err := models.ValidateContent(req.Content); err != nil {
		return nil, apperrors.Validation(err.Error())
	}
	if req.Type == "" {
		req.Type = models.MessageText
	}
	if err := models.ValidateMessageType(req.Type); err != nil {
		return nil, apperrors.Validation(err.Error())
	}
	if req.SenderID == "" || req.SenderID == models.SystemSenderID {
		return nil, apperrors.Validation("Invalid sender")
	}
	if req.SelfDestruct != nil {
		if err := models.ValidateSelfDestruct(*req.SelfDestruct); err != nil {
			return nil, apperrors.Validation(err.Error())
		}
	}

	g, err := s.lifecycle.GetGroup(ctx, req.GroupID)
	if err != nil {
		return nil, err
	}
	if !g.IsMember(req.SenderID) {
		return nil, apperrors.Forbidden("You are not a member of this group")
	}
	if !g.IsActive {
		return nil, apperrors.GroupInactive("This group is no longer active")
	}
	now := s.Clock.Now()
	if g.HasExpired(now) {
		return nil, apperrors.GroupExpired("This group has expired")
	}

	if req.ReplyToMessageID != nil {
		parent, err := s.getMessage(ctx, *req.ReplyToMessageID)
		if err != nil {
			return nil, err
		}
		if parent.GroupID != req.GroupID {
			return nil, apperrors.Validation("Replies must reference a message in the same group")
		}
	}

	m := &models.Message{
		MessageID:        newID(),
		GroupID:          req.GroupID,
		SenderID:         req.SenderID,
		SenderName:       s.displayName(ctx, req.SenderID),
		Content:          req.Content,
		Timestamp:        now,
		ReadBy:           []string{},
		Type:             req.Type,
		ReplyToMessageID: req.ReplyToMessageID,
	}
	if req.SelfDestruct != nil {
		ms := req.SelfDestruct.Milliseconds()
		m.SelfDestructMs = &ms
	}

	sctx, cancel := s.storeCtx(ctx)
	err = s.Messages.SaveMessage(sctx, m)
	cancel()
	if err != nil {
		return nil, mapStoreErr(err, "Message not found")
	}

	if _, err := s.lifecycle.IncrementMessageCountAndCheckExpiry(ctx, req.GroupID); err != nil {
		if !apperrors.Is(err, apperrors.CodeCascadeFailure) {
			// an uncounted message is never accepted
			s.Logger.Warn("failed to count message, rolling back", "group_id", req.GroupID, "message_id", m.MessageID, "err", err)
			s.rollbackMessage(ctx, m.MessageID)
			return nil, err
		}
		// the count committed; only the cascade failed
		s.Logger.Error("expired group could not be deleted, leaving it to the sweeper", "group_id", req.GroupID, "err", err)
	}

	s.publish(ctx, storage.GroupMessagesTopic(req.GroupID))
	return m, nil
}

func (s *MessageService) rollbackMessage(ctx context.Context, messageID string) {
	sctx, cancel := s.storeCtx(ctx)
	defer cancel()
	if err := s.Messages.DeleteMessage(sctx, messageID); err != nil {
		s.Logger.Warn("failed to roll back message", "message_id", messageID, "err", err)
	}
}

// MarkRead records userID as a reader. Marking twice is a no-op.
func (s *MessageService) MarkRead(ctx context.Context, messageID, userID string) (*models.Message, error) {
	m, err := s.getMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if _, err := s.memberGroup(ctx, m.GroupID, userID); err != nil {
		return nil, err
	}

	sctx, cancel := s.storeCtx(ctx)
	updated, changed, err := s.Messages.MarkRead(sctx, messageID, userID, s.Clock.Now())
	cancel()
	if err != nil {
		return nil, mapStoreErr(err, "Message not found")
	}
	if changed {
		s.publish(ctx, storage.GroupMessagesTopic(m.GroupID))
	}
	return updated, nil
}

// MarkGroupRead marks every message in the group not yet read by userID.
func (s *MessageService) MarkGroupRead(ctx context.Context, groupID, userID string) (int, error) {
	if _, err := s.memberGroup(ctx, groupID, userID); err != nil {
		return 0, err
	}

	now := s.Clock.Now()
	marked := 0
	page := models.Page{Limit: models.MaxPageSize}
	for {
		sctx, cancel := s.storeCtx(ctx)
		batch, err := s.Messages.GetGroupMessages(sctx, groupID, page)
		cancel()
		if err != nil {
			return marked, mapStoreErr(err, "Group not found")
		}
		for _, m := range batch {
			if m.SenderID == userID || m.IsReadBy(userID) {
				continue
			}
			sctx, cancel := s.storeCtx(ctx)
			_, changed, err := s.Messages.MarkRead(sctx, m.MessageID, userID, now)
			cancel()
			if err != nil {
				return marked, mapStoreErr(err, "Message not found")
			}
			if changed {
				marked++
			}
		}
		if len(batch) < page.Limit {
			break
		}
		page = page.After(batch[len(batch)-1])
	}

	if marked > 0 {
		s.publish(ctx, storage.GroupMessagesTopic(groupID))
	}
	return marked, nil
}

func (s *MessageService) EditMessage(ctx context.Context, messageID, content, editorID string) (*models.Message, error) {
	if err := models.ValidateContent(content); err != nil {
		return nil, apperrors.Validation(err.Error())
	}
	m, err := s.getMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if m.IsSystem() {
		return nil, apperrors.Forbidden("System messages cannot be edited")
	}
	if m.SenderID != editorID {
		return nil, apperrors.Forbidden("You can only edit your own messages")
	}
	g, err := s.lifecycle.GetGroup(ctx, m.GroupID)
	if err != nil {
		return nil, err
	}
	if !g.IsActive {
		return nil, apperrors.GroupInactive("This group is no longer active")
	}

	sctx, cancel := s.storeCtx(ctx)
	updated, err := s.Messages.UpdateContent(sctx, messageID, content, s.Clock.Now())
	cancel()
	if err != nil {
		return nil, mapStoreErr(err, "Message not found")
	}
	s.publish(ctx, storage.GroupMessagesTopic(m.GroupID))
	return updated, nil
}

// DeleteMessage removes a message. Senders delete their own messages;
// system messages need elevated, which the caller grants to group admins.
func (s *MessageService) DeleteMessage(ctx context.Context, messageID, deletedBy string, elevated bool) error {
	m, err := s.getMessage(ctx, messageID)
	if err != nil {
		return err
	}
	if m.IsSystem() {
		if !elevated {
			return apperrors.Forbidden("Only admins can delete system messages")
		}
	} else if m.SenderID != deletedBy {
		return apperrors.Forbidden("You can only delete your own messages")
	}

	sctx, cancel := s.storeCtx(ctx)
	err = s.Messages.DeleteMessage(sctx, messageID)
	cancel()
	if err != nil {
		return mapStoreErr(err, "Message not found")
	}
	s.publish(ctx, storage.GroupMessagesTopic(m.GroupID))
	return nil
}

// GetMessagesToDestruct returns read messages whose self-destruct
// deadline has passed.
func (s *MessageService) GetMessagesToDestruct(ctx context.Context) ([]*models.Message, error) {
	sctx, cancel := s.storeCtx(ctx)
	defer cancel()
	msgs, err := s.Messages.ListDueForDestruction(sctx, s.Clock.Now())
	if err != nil {
		return nil, mapStoreErr(err, "Message not found")
	}
	return msgs, nil
}

// DestructDueMessages deletes every due message, continuing past
// individual failures. It returns the number deleted.
func (s *MessageService) DestructDueMessages(ctx context.Context) (int, error) {
	due, err := s.GetMessagesToDestruct(ctx)
	if err != nil {
		return 0, err
	}

	deleted := 0
	touched := make(map[string]struct{})
	for _, m := range due {
		if ctx.Err() != nil {
			break
		}
		sctx, cancel := s.storeCtx(ctx)
		err := s.Messages.DeleteMessage(sctx, m.MessageID)
		cancel()
		if err != nil {
			s.Logger.Warn("failed to destruct message", "message_id", m.MessageID, "err", err)
			continue
		}
		deleted++
		touched[m.GroupID] = struct{}{}
	}

	topics := make([]storage.Topic, 0, len(touched))
	for id := range touched {
		topics = append(topics, storage.GroupMessagesTopic(id))
	}
	s.publish(ctx, topics...)
	if deleted > 0 {
		s.Logger.Info("self-destructed messages", "count", deleted)
	}
	return deleted, nil
}

func (s *MessageService) GetGroupMessages(ctx context.Context, groupID, userID string, page models.Page) ([]*models.Message, error) {
	if _, err := s.memberGroup(ctx, groupID, userID); err != nil {
		return nil, err
	}
	sctx, cancel := s.storeCtx(ctx)
	defer cancel()
	msgs, err := s.Messages.GetGroupMessages(sctx, groupID, page.Normalize())
	if err != nil {
		return nil, mapStoreErr(err, "Group not found")
	}
	return msgs, nil
}

func (s *MessageService) SearchMessages(ctx context.Context, groupID, userID, query string, limit int) ([]*models.Message, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, apperrors.Validation("Search query cannot be empty")
	}
	if limit <= 0 || limit > models.MaxPageSize {
		limit = models.DefaultPageSize
	}
	if _, err := s.memberGroup(ctx, groupID, userID); err != nil {
		return nil, err
	}

	sctx, cancel := s.storeCtx(ctx)
	defer cancel()
	msgs, err := s.Messages.SearchMessages(sctx, groupID, query, limit)
	if err != nil {
		return nil, mapStoreErr(err, "Group not found")
	}
	return msgs, nil
}

func (s *MessageService) UnreadCount(ctx context.Context, groupID, userID string) (int64, error) {
	if _, err := s.memberGroup(ctx, groupID, userID); err != nil {
		return 0, err
	}
	sctx, cancel := s.storeCtx(ctx)
	defer cancel()
	n, err := s.Messages.CountUnread(sctx, groupID, userID)
	if err != nil {
		return 0, mapStoreErr(err, "Group not found")
	}
	return n, nil
}

// LatestMessages returns the newest message of each active group userID
// belongs to, keyed by group id.
func (s *MessageService) LatestMessages(ctx context.Context, userID string) (map[string]*models.Message, error) {
	groups, err := s.lifecycle.GetUserGroups(ctx, userID)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(groups))
	for _, g := range groups {
		ids = append(ids, g.GroupID)
	}
	if len(ids) == 0 {
		return map[string]*models.Message{}, nil
	}

	sctx, cancel := s.storeCtx(ctx)
	defer cancel()
	latest, err := s.Messages.LatestMessages(sctx, ids)
	if err != nil {
		return nil, mapStoreErr(err, "Group not found")
	}
	return latest, nil
}

// ObserveGroupMessages streams the newest page of the group's history.
func (s *MessageService) ObserveGroupMessages(ctx context.Context, groupID, userID string, limit int) (<-chan []*models.Message, error) {
	if _, err := s.memberGroup(ctx, groupID, userID); err != nil {
		return nil, err
	}
	page := models.Page{Limit: limit}.Normalize()
	return observe(ctx, s.Deps, storage.GroupMessagesTopic(groupID), func(ctx context.Context) ([]*models.Message, error) {
		sctx, cancel := s.storeCtx(ctx)
		defer cancel()
		msgs, err := s.Messages.GetGroupMessages(sctx, groupID, page)
		if err != nil {
			return nil, mapStoreErr(err, "Group not found")
		}
		return msgs, nil
	})
}
