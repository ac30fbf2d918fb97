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
	"strconv"

	"github.com/efchatnet/efgroups/backend/apperrors"
	"github.com/efchatnet/efgroups/backend/models"
	"github.com/efchatnet/efgroups/backend/service"
	"github.com/gorilla/mux"
)

type MessageHandler struct {
	messages *service.MessageService
	groups   *service.GroupService
}

func NewMessageHandler(messages *service.MessageService, groups *service.GroupService) *MessageHandler {
	return &MessageHandler{messages: messages, groups: groups}
}

type sendMessageRequest struct {
	Content          string             `json:"content"`
	Type             models.MessageType `json:"type"`
	ReplyToMessageID *string            `json:"replyToMessageId"`
	// SelfDestructMs is in milliseconds.
	SelfDestructMs *int64 `json:"selfDestructDuration"`
}

func (h *MessageHandler) SendMessage(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	var req sendMessageRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	send := service.SendMessageRequest{
		GroupID:          mux.Vars(r)["groupId"],
		SenderID:         userID,
		Content:          req.Content,
		Type:             req.Type,
		ReplyToMessageID: req.ReplyToMessageID,
	}
	if req.SelfDestructMs != nil {
		d, err := models.MillisToDuration(*req.SelfDestructMs)
		if err != nil {
			writeError(w, apperrors.Validationf("selfDestructDuration: %v", err))
			return
		}
		send.SelfDestruct = &d
	}

	m, err := h.messages.SendMessage(r.Context(), send)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

func (h *MessageHandler) ListMessages(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	page, err := pageFromQuery(r)
	if err != nil {
		writeError(w, err)
		return
	}

	msgs, err := h.messages.GetGroupMessages(r.Context(), mux.Vars(r)["groupId"], userID, page)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(msgs))
}

func (h *MessageHandler) SearchMessages(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))

	msgs, err := h.messages.SearchMessages(r.Context(), mux.Vars(r)["groupId"], userID, q.Get("q"), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(msgs))
}

func (h *MessageHandler) UnreadCount(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	n, err := h.messages.UnreadCount(r.Context(), mux.Vars(r)["groupId"], userID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"unread": n})
}

func (h *MessageHandler) MarkGroupRead(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	n, err := h.messages.MarkGroupRead(r.Context(), mux.Vars(r)["groupId"], userID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"marked": n})
}

func (h *MessageHandler) LatestMessages(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	latest, err := h.messages.LatestMessages(r.Context(), userID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, latest)
}

func (h *MessageHandler) MarkRead(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	m, err := h.messages.MarkRead(r.Context(), mux.Vars(r)["messageId"], userID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (h *MessageHandler) EditMessage(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	var req struct {
		Content string `json:"content"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	m, err := h.messages.EditMessage(r.Context(), mux.Vars(r)["messageId"], req.Content, userID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// DeleteMessage lets group admins remove system messages as well as
// senders removing their own.
func (h *MessageHandler) DeleteMessage(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	messageID := mux.Vars(r)["messageId"]

	m, err := h.messages.GetMessage(r.Context(), messageID, userID)
	if err != nil {
		writeError(w, err)
		return
	}
	elevated, err := h.groups.IsUserAdmin(r.Context(), m.GroupID, userID)
	if err != nil && !apperrors.Is(err, apperrors.CodeNotFound) {
		writeError(w, err)
		return
	}

	if err := h.messages.DeleteMessage(r.Context(), messageID, userID, elevated); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func nonNil(msgs []*models.Message) []*models.Message {
	if msgs == nil {
		return []*models.Message{}
	}
	return msgs
}
