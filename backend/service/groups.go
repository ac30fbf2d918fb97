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
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/efchatnet/efgroups/backend/apperrors"
	"github.com/efchatnet/efgroups/backend/models"
	"github.com/efchatnet/efgroups/backend/storage"
)

type CreateGroupRequest struct {
	Name        string
	Description string
	CreatedBy   string
	Contract    models.ExpiryContract
	// MaxMembers defaults to models.DefaultMaxMembers when zero.
	MaxMembers uint32
}

type GroupService struct {
	Deps
	newJoinCode func() (string, error)
}

func NewGroupService(d Deps) *GroupService {
	return &GroupService{Deps: d.withDefaults(), newJoinCode: NewJoinCode}
}

func (s *GroupService) CreateGroup(ctx context.Context, req CreateGroupRequest) (*models.Group, error) {
	if req.CreatedBy == "" {
		return nil, apperrors.Validation("Creator is required")
	}
	if err := models.ValidateGroupName(req.Name); err != nil {
		return nil, apperrors.Validation(err.Error())
	}
	if req.MaxMembers == 0 {
		req.MaxMembers = models.DefaultMaxMembers
	}
	if err := models.ValidateMaxMembers(req.MaxMembers); err != nil {
		return nil, apperrors.Validation(err.Error())
	}
	if req.Contract == nil {
		return nil, apperrors.Validation("Expiry contract is required")
	}
	if err := req.Contract.Validate(); err != nil {
		return nil, apperrors.Validation(err.Error())
	}

	now := s.Clock.Now()
	g := &models.Group{
		GroupID:      newID(),
		Name:         strings.TrimSpace(req.Name),
		Description:  strings.TrimSpace(req.Description),
		CreatedBy:    req.CreatedBy,
		Members:      []string{req.CreatedBy},
		AdminIDs:     []string{req.CreatedBy},
		Contract:     req.Contract,
		CreatedAt:    now,
		LastActiveAt: now,
		IsActive:     true,
		MaxMembers:   req.MaxMembers,
	}

	var err error
	for attempt := 0; attempt < maxJoinCodeAttempts; attempt++ {
		if g.JoinCode, err = s.newJoinCode(); err != nil {
			return nil, apperrors.Wrap(apperrors.CodeInternal, "failed to generate join code", err)
		}
		sctx, cancel := s.storeCtx(ctx)
		err = s.Groups.CreateGroup(sctx, g)
		cancel()
		if !errors.Is(err, storage.ErrJoinCodeTaken) {
			break
		}
		s.Logger.Debug("join code collision", "attempt", attempt+1)
	}
	if errors.Is(err, storage.ErrJoinCodeTaken) {
		return nil, apperrors.Wrap(apperrors.CodeStoreUnavailable, "could not allocate a unique join code", err)
	}
	if err != nil {
		return nil, mapStoreErr(err, "Group not found")
	}

	s.Logger.Info("group created", "group_id", g.GroupID, "created_by", g.CreatedBy, "contract", g.Contract.Type())
	s.postSystemMessage(ctx, g.GroupID, fmt.Sprintf("Welcome to %s! This group will expire according to its %s contract.", g.Name, describeContract(g.Contract)))
	s.publish(ctx, groupTopics(g)...)
	return g, nil
}

func (s *GroupService) GetGroup(ctx context.Context, groupID string) (*models.Group, error) {
	sctx, cancel := s.storeCtx(ctx)
	defer cancel()
	g, err := s.Groups.GetGroup(sctx, groupID)
	if err != nil {
		return nil, mapStoreErr(err, "Group not found")
	}
	return g, nil
}

// getActiveGroup loads a group and rejects inactive ones.
func (s *GroupService) getActiveGroup(ctx context.Context, groupID string) (*models.Group, error) {
	g, err := s.GetGroup(ctx, groupID)
	if err != nil {
		return nil, err
	}
	if !g.IsActive {
		return nil, apperrors.GroupInactive("This group is no longer active")
	}
	return g, nil
}

func (s *GroupService) GetUserGroups(ctx context.Context, userID string) ([]*models.Group, error) {
	sctx, cancel := s.storeCtx(ctx)
	defer cancel()
	groups, err := s.Groups.GetUserGroups(sctx, userID)
	if err != nil {
		return nil, mapStoreErr(err, "Group not found")
	}
	return groups, nil
}

func (s *GroupService) IsUserMember(ctx context.Context, groupID, userID string) (bool, error) {
	g, err := s.GetGroup(ctx, groupID)
	if err != nil {
		return false, err
	}
	return g.IsMember(userID), nil
}

func (s *GroupService) IsUserAdmin(ctx context.Context, groupID, userID string) (bool, error) {
	g, err := s.GetGroup(ctx, groupID)
	if err != nil {
		return false, err
	}
	return g.IsMember(userID) && g.IsAdmin(userID), nil
}

// RemainingTime reports the time left for Timed and Inactivity groups.
func (s *GroupService) RemainingTime(ctx context.Context, groupID string) (time.Duration, bool, error) {
	g, err := s.GetGroup(ctx, groupID)
	if err != nil {
		return 0, false, err
	}
	left, ok := g.RemainingTime(s.Clock.Now())
	return left, ok, nil
}

func (s *GroupService) JoinGroupByCode(ctx context.Context, userID, joinCode string) (*models.Group, error) {
	if userID == "" {
		return nil, apperrors.Validation("User is required")
	}
	code := models.NormalizeJoinCode(joinCode)
	if !models.IsValidJoinCode(code) {
		return nil, apperrors.Validationf("Join code must be %d letters or digits", models.JoinCodeLength)
	}

	sctx, cancel := s.storeCtx(ctx)
	g, err := s.Groups.FindActiveGroupByJoinCode(sctx, code)
	cancel()
	if err != nil {
		return nil, mapStoreErr(err, "No active group matches that join code")
	}
	if g.IsMember(userID) {
		return g, nil
	}
	if g.HasExpired(s.Clock.Now()) {
		return nil, apperrors.GroupExpired("This group has expired")
	}

	return s.addMember(ctx, g.GroupID, userID, "%s joined the group")
}

func (s *GroupService) AddMember(ctx context.Context, groupID, userID, addedBy string) (*models.Group, error) {
	g, err := s.getActiveGroup(ctx, groupID)
	if err != nil {
		return nil, err
	}
	if !g.IsAdmin(addedBy) {
		return nil, apperrors.Forbidden("Only admins can add members")
	}
	if g.IsMember(userID) {
		return g, nil
	}
	if g.HasExpired(s.Clock.Now()) {
		return nil, apperrors.GroupExpired("This group has expired")
	}
	return s.addMember(ctx, groupID, userID, "%s was added to the group")
}

func (s *GroupService) addMember(ctx context.Context, groupID, userID, announcement string) (*models.Group, error) {
	sctx, cancel := s.storeCtx(ctx)
	res, err := s.Groups.AddMember(sctx, groupID, userID)
	cancel()
	if err != nil {
		return nil, mapStoreErr(err, "Group not found")
	}
	if !res.Changed {
		return res.Group, nil
	}

	g := res.Group
	if touched, err := s.touch(ctx, groupID); err == nil {
		g = touched
	}
	s.Logger.Info("member added", "group_id", groupID, "user_id", userID)
	s.postSystemMessage(ctx, groupID, fmt.Sprintf(announcement, s.displayName(ctx, userID)))
	s.publish(ctx, groupTopics(g)...)
	return g, nil
}

// RemoveMember lets a member leave or an admin remove someone. Only the
// creator can remove the creator, and doing so dissolves the group.
func (s *GroupService) RemoveMember(ctx context.Context, groupID, userID, removedBy string) error {
	g, err := s.getActiveGroup(ctx, groupID)
	if err != nil {
		return err
	}

	if userID == g.CreatedBy {
		if removedBy != userID {
			return apperrors.Forbidden("The group creator cannot be removed")
		}
		s.Logger.Info("creator left, dissolving group", "group_id", groupID)
		return s.DeleteGroup(ctx, groupID)
	}
	if removedBy != userID && !g.IsAdmin(removedBy) {
		return apperrors.Forbidden("Only admins can remove other members")
	}

	sctx, cancel := s.storeCtx(ctx)
	res, err := s.Groups.RemoveMember(sctx, groupID, userID)
	cancel()
	if err != nil {
		return mapStoreErr(err, "Group not found")
	}
	if !res.Changed {
		return nil
	}

	name := s.displayName(ctx, userID)
	text := fmt.Sprintf("%s left the group", name)
	if removedBy != userID {
		text = fmt.Sprintf("%s was removed from the group", name)
	}
	s.Logger.Info("member removed", "group_id", groupID, "user_id", userID, "removed_by", removedBy)
	s.postSystemMessage(ctx, groupID, text)
	s.publish(ctx, groupTopics(res.Group, userID)...)
	return nil
}

func (s *GroupService) MakeAdmin(ctx context.Context, groupID, userID, promotedBy string) (*models.Group, error) {
	g, err := s.getActiveGroup(ctx, groupID)
	if err != nil {
		return nil, err
	}
	if !g.IsAdmin(promotedBy) {
		return nil, apperrors.Forbidden("Only admins can promote members")
	}
	if !g.IsMember(userID) {
		return nil, apperrors.Validation("Only members can become admins")
	}

	sctx, cancel := s.storeCtx(ctx)
	res, err := s.Groups.AddAdmin(sctx, groupID, userID)
	cancel()
	if err != nil {
		return nil, mapStoreErr(err, "Group not found")
	}
	if res.Changed {
		s.Logger.Info("admin added", "group_id", groupID, "user_id", userID, "promoted_by", promotedBy)
		s.publish(ctx, groupTopics(res.Group)...)
	}
	return res.Group, nil
}

func (s *GroupService) RevokeAdmin(ctx context.Context, groupID, userID, revokedBy string) (*models.Group, error) {
	g, err := s.getActiveGroup(ctx, groupID)
	if err != nil {
		return nil, err
	}
	if userID == g.CreatedBy {
		return nil, apperrors.Forbidden("The group creator is always an admin")
	}
	if !g.IsAdmin(revokedBy) {
		return nil, apperrors.Forbidden("Only admins can revoke admin rights")
	}

	sctx, cancel := s.storeCtx(ctx)
	res, err := s.Groups.RemoveAdmin(sctx, groupID, userID)
	cancel()
	if err != nil {
		return nil, mapStoreErr(err, "Group not found")
	}
	if res.Changed {
		s.Logger.Info("admin revoked", "group_id", groupID, "user_id", userID, "revoked_by", revokedBy)
		s.publish(ctx, groupTopics(res.Group)...)
	}
	return res.Group, nil
}

func (s *GroupService) UpdateGroup(ctx context.Context, groupID string, update models.GroupUpdate, updatedBy string) (*models.Group, error) {
	if update.Name != nil {
		if err := models.ValidateGroupName(*update.Name); err != nil {
			return nil, apperrors.Validation(err.Error())
		}
		name := strings.TrimSpace(*update.Name)
		update.Name = &name
	}
	if update.Description != nil {
		desc := strings.TrimSpace(*update.Description)
		update.Description = &desc
	}

	g, err := s.getActiveGroup(ctx, groupID)
	if err != nil {
		return nil, err
	}
	if !g.IsAdmin(updatedBy) {
		return nil, apperrors.Forbidden("Only admins can edit the group")
	}
	if update.IsEmpty() {
		return g, nil
	}

	sctx, cancel := s.storeCtx(ctx)
	updated, err := s.Groups.UpdateGroup(sctx, groupID, update)
	cancel()
	if err != nil {
		return nil, mapStoreErr(err, "Group not found")
	}
	s.publish(ctx, groupTopics(updated)...)
	return updated, nil
}

// RegenerateJoinCode replaces the join code. Callers check admin rights.
func (s *GroupService) RegenerateJoinCode(ctx context.Context, groupID string) (string, error) {
	if _, err := s.getActiveGroup(ctx, groupID); err != nil {
		return "", err
	}

	for attempt := 0; attempt < maxJoinCodeAttempts; attempt++ {
		code, err := s.newJoinCode()
		if err != nil {
			return "", apperrors.Wrap(apperrors.CodeInternal, "failed to generate join code", err)
		}
		sctx, cancel := s.storeCtx(ctx)
		g, err := s.Groups.SetJoinCode(sctx, groupID, code)
		cancel()
		if errors.Is(err, storage.ErrJoinCodeTaken) {
			continue
		}
		if err != nil {
			return "", mapStoreErr(err, "Group not found")
		}
		s.Logger.Info("join code regenerated", "group_id", groupID)
		s.publish(ctx, groupTopics(g)...)
		return code, nil
	}
	return "", apperrors.New(apperrors.CodeStoreUnavailable, "could not allocate a unique join code")
}

// DeleteGroup purges the group's messages and then marks it inactive. The
// two steps are separate writes: a failed purge leaves the group active and
// the whole operation must be retried. Running it again on a deleted group
// is harmless.
func (s *GroupService) DeleteGroup(ctx context.Context, groupID string) error {
	g, err := s.GetGroup(ctx, groupID)
	if err != nil {
		return err
	}

	sctx, cancel := s.storeCtx(ctx)
	purged, err := s.Messages.DeleteGroupMessages(sctx, groupID)
	cancel()
	if err != nil {
		s.Logger.Error("failed to purge group messages", "group_id", groupID, "err", err)
		return apperrors.Wrap(apperrors.CodeCascadeFailure, "failed to purge group messages", err)
	}

	sctx, cancel = s.storeCtx(ctx)
	err = s.Groups.MarkInactive(sctx, groupID)
	cancel()
	if err != nil {
		return mapStoreErr(err, "Group not found")
	}

	s.Logger.Info("group deleted", "group_id", groupID, "purged_messages", purged)
	g.IsActive = false
	topics := groupTopics(g)
	topics = append(topics, storage.GroupMessagesTopic(groupID))
	s.publish(ctx, topics...)
	return nil
}

// IncrementMessageCountAndCheckExpiry counts one accepted message, bumps
// activity and deletes the group if that made its contract expire. It must
// run exactly once per accepted user message.
func (s *GroupService) IncrementMessageCountAndCheckExpiry(ctx context.Context, groupID string) (*models.Group, error) {
	now := s.Clock.Now()

	sctx, cancel := s.storeCtx(ctx)
	g, err := s.Groups.IncrementMessageCount(sctx, groupID, now)
	cancel()
	if err != nil {
		return nil, mapStoreErr(err, "Group not found")
	}

	if !g.HasExpired(now) {
		s.publish(ctx, groupTopics(g)...)
		return g, nil
	}

	s.Logger.Info("group contract expired", "group_id", groupID, "contract", g.Contract.Type(), "message_count", g.MessageCount)
	if err := s.DeleteGroup(ctx, groupID); err != nil {
		return g, err
	}
	g.IsActive = false
	return g, nil
}

func (s *GroupService) touch(ctx context.Context, groupID string) (*models.Group, error) {
	sctx, cancel := s.storeCtx(ctx)
	defer cancel()
	g, err := s.Groups.TouchActivity(sctx, groupID, s.Clock.Now())
	if err != nil {
		s.Logger.Warn("failed to record activity", "group_id", groupID, "err", err)
		return nil, mapStoreErr(err, "Group not found")
	}
	return g, nil
}

// GetExpiredGroups returns active groups whose contract has expired.
func (s *GroupService) GetExpiredGroups(ctx context.Context) ([]*models.Group, error) {
	sctx, cancel := s.storeCtx(ctx)
	active, err := s.Groups.ListActiveGroups(sctx)
	cancel()
	if err != nil {
		return nil, mapStoreErr(err, "Group not found")
	}

	now := s.Clock.Now()
	expired := make([]*models.Group, 0)
	for _, g := range active {
		if g.HasExpired(now) {
			expired = append(expired, g)
		}
	}
	return expired, nil
}

// CleanupExpiredGroups deletes every expired group, continuing past
// individual failures. It returns the number of groups deleted.
func (s *GroupService) CleanupExpiredGroups(ctx context.Context) (int, error) {
	expired, err := s.GetExpiredGroups(ctx)
	if err != nil {
		return 0, err
	}

	deleted := 0
	for _, g := range expired {
		if ctx.Err() != nil {
			break
		}
		if err := s.DeleteGroup(ctx, g.GroupID); err != nil {
			s.Logger.Warn("failed to delete expired group", "group_id", g.GroupID, "err", err)
			continue
		}
		deleted++
	}
	if deleted > 0 || len(expired) > 0 {
		s.Logger.Info("expired groups cleaned up", "expired", len(expired), "deleted", deleted)
	}
	return deleted, nil
}

func (s *GroupService) ObserveGroup(ctx context.Context, groupID string) (<-chan *models.Group, error) {
	return observe(ctx, s.Deps, storage.GroupTopic(groupID), func(ctx context.Context) (*models.Group, error) {
		return s.GetGroup(ctx, groupID)
	})
}

func (s *GroupService) ObserveUserGroups(ctx context.Context, userID string) (<-chan []*models.Group, error) {
	return observe(ctx, s.Deps, storage.UserGroupsTopic(userID), func(ctx context.Context) ([]*models.Group, error) {
		return s.GetUserGroups(ctx, userID)
	})
}

// postSystemMessage records an uncounted system message. Failures are
// logged; the triggering operation has already been committed.
func (s *GroupService) postSystemMessage(ctx context.Context, groupID, content string) {
	m := models.NewSystemMessage(newID(), groupID, content, s.Clock.Now())

	sctx, cancel := s.storeCtx(ctx)
	err := s.Messages.SaveMessage(sctx, m)
	cancel()
	if err != nil {
		s.Logger.Warn("failed to post system message", "group_id", groupID, "err", err)
		return
	}
	s.publish(ctx, storage.GroupMessagesTopic(groupID))
}

func describeContract(c models.ExpiryContract) string {
	switch v := c.(type) {
	case models.Timed:
		return fmt.Sprintf("%s time limit", v.Duration)
	case models.MessageLimit:
		return fmt.Sprintf("%d message limit", v.MaxMessages)
	case models.Inactivity:
		return fmt.Sprintf("%s inactivity", v.Timeout)
	case models.PollBased:
		return "member vote"
	default:
		return string(c.Type())
	}
}
