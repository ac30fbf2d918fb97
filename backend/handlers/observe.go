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
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/efchatnet/efgroups/backend/middleware"
	"github.com/efchatnet/efgroups/backend/service"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512
)

// LiveHandler pushes snapshots over websockets whenever the observed
// group, group list or message history changes.
type LiveHandler struct {
	groups   *service.GroupService
	messages *service.MessageService
	upgrader websocket.Upgrader
	log      *slog.Logger
}

func NewLiveHandler(groups *service.GroupService, messages *service.MessageService, log *slog.Logger) *LiveHandler {
	return &LiveHandler{
		groups:   groups,
		messages: messages,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return origin == "" || middleware.OriginAllowed(origin)
			},
		},
		log: log,
	}
}

func (h *LiveHandler) ObserveGroup(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	groupID := mux.Vars(r)["groupId"]

	member, err := h.groups.IsUserMember(r.Context(), groupID, userID)
	if err != nil {
		writeError(w, err)
		return
	}
	if !member {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	updates, err := h.groups.ObserveGroup(ctx, groupID)
	if err != nil {
		writeError(w, err)
		return
	}
	stream(h, w, r, cancel, updates)
}

func (h *LiveHandler) ObserveUserGroups(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	updates, err := h.groups.ObserveUserGroups(ctx, userID)
	if err != nil {
		writeError(w, err)
		return
	}
	stream(h, w, r, cancel, updates)
}

func (h *LiveHandler) ObserveMessages(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	updates, err := h.messages.ObserveGroupMessages(ctx, mux.Vars(r)["groupId"], userID, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	stream(h, w, r, cancel, updates)
}

// stream upgrades the connection and writes every snapshot from updates
// as a JSON text frame. The read side only services pongs; any read error
// cancels the subscription.
func stream[T any](h *LiveHandler, w http.ResponseWriter, r *http.Request, cancel context.CancelFunc, updates <-chan T) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", "path", r.URL.Path, "err", err)
		return
	}
	defer conn.Close()

	go func() {
		defer cancel()
		conn.SetReadLimit(maxMessageSize)
		conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			conn.SetReadDeadline(time.Now().Add(pongWait))
			return nil
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case snapshot, ok := <-updates:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := conn.WriteJSON(snapshot); err != nil {
				h.log.Debug("websocket write failed", "path", r.URL.Path, "err", err)
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
