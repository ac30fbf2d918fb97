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

package handlers

import (
	"net/http"
	"time"

	"github.com/efchatnet/efgroups/backend/apperrors"
	"github.com/efchatnet/efgroups/backend/models"
	"github.com/efchatnet/efgroups/backend/service"
	"github.com/gorilla/mux"
)

type GroupHandler struct {
	groups *service.GroupService
}

func NewGroupHandler(groups *service.GroupService) *GroupHandler {
	return &GroupHandler{groups: groups}
}

type createGroupRequest struct {
	Name           string                 `json:"name"`
	Description    string                 `json:"description"`
	MaxMembers     uint32                 `json:"maxMembers"`
	ExpiryContract *models.ContractRecord `json:"expiryContract"`
}

func (h *GroupHandler) CreateGroup(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	var req createGroupRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.ExpiryContract == nil {
		writeError(w, apperrors.Validation("expiryContract is required"))
		return
	}
	contract, err := models.DecodeContract(*req.ExpiryContract)
	if err != nil {
		writeError(w, apperrors.Validationf("Invalid expiry contract: %v", err))
		return
	}

	g, err := h.groups.CreateGroup(r.Context(), service.CreateGroupRequest{
		Name:        req.Name,
		Description: req.Description,
		CreatedBy:   userID,
		Contract:    contract,
		MaxMembers:  req.MaxMembers,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, g)
}

func (h *GroupHandler) ListGroups(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	groups, err := h.groups.GetUserGroups(r.Context(), userID)
	if err != nil {
		writeError(w, err)
		return
	}
	if groups == nil {
		groups = []*models.Group{}
	}
	writeJSON(w, http.StatusOK, groups)
}

// memberGroup loads the group named in the route and checks that userID
// belongs to it.
func (h *GroupHandler) memberGroup(r *http.Request, userID string) (*models.Group, error) {
	g, err := h.groups.GetGroup(r.Context(), mux.Vars(r)["groupId"])
	if err != nil {
		return nil, err
	}
	if !g.IsMember(userID) {
		return nil, apperrors.Forbidden("You are not a member of this group")
	}
	return g, nil
}

func (h *GroupHandler) GetGroup(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	g, err := h.memberGroup(r, userID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

func (h *GroupHandler) UpdateGroup(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	var req struct {
		Name        *string `json:"name"`
		Description *string `json:"description"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	update := models.GroupUpdate{Name: req.Name, Description: req.Description}
	g, err := h.groups.UpdateGroup(r.Context(), mux.Vars(r)["groupId"], update, userID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

func (h *GroupHandler) DeleteGroup(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	g, err := h.memberGroup(r, userID)
	if err != nil {
		writeError(w, err)
		return
	}
	if !g.IsAdmin(userID) {
		writeError(w, apperrors.Forbidden("Only admins can delete the group"))
		return
	}
	if err := h.groups.DeleteGroup(r.Context(), g.GroupID); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *GroupHandler) JoinGroup(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	var req struct {
		JoinCode string `json:"joinCode"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	g, err := h.groups.JoinGroupByCode(r.Context(), userID, req.JoinCode)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

func (h *GroupHandler) AddMember(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	var req struct {
		UserID string `json:"userId"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.UserID == "" {
		writeError(w, apperrors.Validation("userId is required"))
		return
	}

	g, err := h.groups.AddMember(r.Context(), mux.Vars(r)["groupId"], req.UserID, userID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

// RemoveMember covers both kicking a member and leaving: a user removing
// themselves leaves the group.
func (h *GroupHandler) RemoveMember(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	vars := mux.Vars(r)

	if err := h.groups.RemoveMember(r.Context(), vars["groupId"], vars["userId"], userID); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *GroupHandler) MakeAdmin(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	vars := mux.Vars(r)

	g, err := h.groups.MakeAdmin(r.Context(), vars["groupId"], vars["userId"], userID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

func (h *GroupHandler) RevokeAdmin(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	vars := mux.Vars(r)

	g, err := h.groups.RevokeAdmin(r.Context(), vars["groupId"], vars["userId"], userID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

func (h *GroupHandler) RegenerateJoinCode(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	g, err := h.memberGroup(r, userID)
	if err != nil {
		writeError(w, err)
		return
	}
	if !g.IsAdmin(userID) {
		writeError(w, apperrors.Forbidden("Only admins can regenerate the join code"))
		return
	}

	code, err := h.groups.RegenerateJoinCode(r.Context(), g.GroupID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"joinCode": code})
}

type remainingResponse struct {
	HasDeadline bool       `json:"hasDeadline"`
	RemainingMs int64      `json:"remainingMs,omitempty"`
	ExpiresAt   *time.Time `json:"expiresAt,omitempty"`
}

func (h *GroupHandler) RemainingTime(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	g, err := h.memberGroup(r, userID)
	if err != nil {
		writeError(w, err)
		return
	}

	left, has, err := h.groups.RemainingTime(r.Context(), g.GroupID)
	if err != nil {
		writeError(w, err)
		return
	}
	resp := remainingResponse{HasDeadline: has}
	if has {
		resp.RemainingMs = left.Milliseconds()
		if at, ok := g.ExpiresAt(); ok {
			resp.ExpiresAt = &at
		}
	}
	writeJSON(w, http.StatusOK, resp)
}
