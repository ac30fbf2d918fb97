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

package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/efchatnet/efgroups/backend/middleware"
	"github.com/efchatnet/efgroups/backend/models"
	"github.com/efchatnet/efgroups/backend/service"
	"github.com/efchatnet/efgroups/backend/storage/memory"
)

const userHeader = "X-Test-User"

// headerAuth stands in for the host's auth middleware.
func headerAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if u := r.Header.Get(userHeader); u != "" {
			r = r.WithContext(middleware.WithUserID(r.Context(), u))
		}
		next.ServeHTTP(w, r)
	})
}

func newRouter(t *testing.T) (*mux.Router, *GroupsIntegration) {
	t.Helper()
	store := memory.NewStore()
	e, err := New(&Config{
		Store:     store,
		Feed:      memory.NewFeed(),
		Directory: memory.Directory{},
		Locker:    memory.NewLocker(),
		JWTSecret: "secret",
	})
	require.NoError(t, err)
	require.NoError(t, e.ValidateSetup(context.Background()))

	r := mux.NewRouter()
	e.RegisterRoutes(r, headerAuth)
	return r, e
}

func call(t *testing.T, h http.Handler, method, path, user string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		req.Header.Set(userHeader, user)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&v), rec.Body.String())
	return v
}

func createGroup(t *testing.T, h http.Handler, user string, body map[string]any) models.Group {
	t.Helper()
	rec := call(t, h, http.MethodPost, "/api/groups", user, body)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decode[models.Group](t, rec)
}

func TestGroupLifecycleOverHTTP(t *testing.T) {
	r, _ := newRouter(t)

	g := createGroup(t, r, "alice", map[string]any{
		"name":           "Book club",
		"maxMembers":     3,
		"expiryContract": map[string]any{"type": "TIMED", "durationMillis": 3_600_000},
	})
	assert.Equal(t, models.Timed{Duration: time.Hour}, g.Contract)
	assert.True(t, g.IsAdmin("alice"))

	rec := call(t, r, http.MethodPost, "/api/groups/join", "bob", map[string]string{"joinCode": strings.ToLower(g.JoinCode)})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = call(t, r, http.MethodGet, "/api/groups/"+g.GroupID, "mallory", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = call(t, r, http.MethodGet, "/api/groups", "bob", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]models.Group](t, rec), 1)

	rec = call(t, r, http.MethodGet, "/api/groups/"+g.GroupID+"/remaining", "bob", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	remaining := decode[map[string]any](t, rec)
	assert.Equal(t, true, remaining["hasDeadline"])

	rec = call(t, r, http.MethodPatch, "/api/groups/"+g.GroupID, "bob", map[string]string{"name": "Hijacked"})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = call(t, r, http.MethodPost, "/api/groups/"+g.GroupID+"/admins/bob", "alice", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = call(t, r, http.MethodPatch, "/api/groups/"+g.GroupID, "bob", map[string]string{"name": "Book club II"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "Book club II", decode[models.Group](t, rec).Name)

	rec = call(t, r, http.MethodDelete, "/api/groups/"+g.GroupID+"/admins/alice", "bob", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = call(t, r, http.MethodPost, "/api/groups/"+g.GroupID+"/join-code", "alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	newCode := decode[map[string]string](t, rec)["joinCode"]
	assert.NotEqual(t, g.JoinCode, newCode)

	rec = call(t, r, http.MethodDelete, "/api/groups/"+g.GroupID+"/members/bob", "bob", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = call(t, r, http.MethodDelete, "/api/groups/"+g.GroupID, "alice", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = call(t, r, http.MethodPost, "/api/groups/join", "carol", map[string]string{"joinCode": newCode})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCreateGroupRejectsBadInput(t *testing.T) {
	r, _ := newRouter(t)

	cases := map[string]map[string]any{
		"no contract":      {"name": "Valid name"},
		"unknown contract": {"name": "Valid name", "expiryContract": map[string]any{"type": "FOREVER"}},
		"zero limit":       {"name": "Valid name", "expiryContract": map[string]any{"type": "MESSAGE_LIMIT", "maxMessages": 0}},
		"short name":       {"name": "ab", "expiryContract": map[string]any{"type": "POLL_BASED"}},
		"unknown field":    {"name": "Valid name", "colour": "red", "expiryContract": map[string]any{"type": "POLL_BASED"}},
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			rec := call(t, r, http.MethodPost, "/api/groups", "alice", body)
			assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
			assert.Equal(t, "VALIDATION", decode[map[string]string](t, rec)["code"])
		})
	}

	rec := call(t, r, http.MethodPost, "/api/groups", "", map[string]any{"name": "Valid name"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestFullGroupReturnsConflict(t *testing.T) {
	r, _ := newRouter(t)
	g := createGroup(t, r, "alice", map[string]any{
		"name":           "Pair",
		"maxMembers":     2,
		"expiryContract": map[string]any{"type": "POLL_BASED"},
	})

	rec := call(t, r, http.MethodPost, "/api/groups/join", "bob", map[string]string{"joinCode": g.JoinCode})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = call(t, r, http.MethodPost, "/api/groups/join", "carol", map[string]string{"joinCode": g.JoinCode})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "GROUP_FULL", decode[map[string]string](t, rec)["code"])
}

func TestMessagingOverHTTP(t *testing.T) {
	r, _ := newRouter(t)
	g := createGroup(t, r, "alice", map[string]any{
		"name":           "Limited",
		"expiryContract": map[string]any{"type": "MESSAGE_LIMIT", "maxMessages": 3},
	})
	base := "/api/groups/" + g.GroupID
	rec := call(t, r, http.MethodPost, "/api/groups/join", "bob", map[string]string{"joinCode": g.JoinCode})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = call(t, r, http.MethodPost, base+"/messages", "alice", map[string]any{"content": "Chapter one?", "selfDestructDuration": 60000})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	first := decode[models.Message](t, rec)
	require.NotNil(t, first.SelfDestructMs)
	assert.EqualValues(t, 60000, *first.SelfDestructMs)

	rec = call(t, r, http.MethodGet, base+"/unread", "bob", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1, decode[map[string]int64](t, rec)["unread"])

	rec = call(t, r, http.MethodPost, "/api/messages/"+first.MessageID+"/read", "bob", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	read := decode[models.Message](t, rec)
	assert.True(t, read.IsReadBy("bob"))
	assert.NotNil(t, read.ReadAt)

	rec = call(t, r, http.MethodPatch, "/api/messages/"+first.MessageID, "bob", map[string]string{"content": "edited"})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = call(t, r, http.MethodPatch, "/api/messages/"+first.MessageID, "alice", map[string]string{"content": "Chapter two?"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decode[models.Message](t, rec).IsEdited)

	rec = call(t, r, http.MethodGet, base+"/messages/search?q=chapter", "bob", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]models.Message](t, rec), 1)

	rec = call(t, r, http.MethodGet, base+"/messages?limit=1", "bob", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]models.Message](t, rec), 1)

	rec = call(t, r, http.MethodGet, "/api/groups/latest", "bob", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, decode[map[string]models.Message](t, rec), g.GroupID)

	rec = call(t, r, http.MethodPost, base+"/messages", "mallory", map[string]any{"content": "let me in"})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = call(t, r, http.MethodPost, base+"/messages", "bob", map[string]any{"content": "two"})
	require.Equal(t, http.StatusCreated, rec.Code)
	second := decode[models.Message](t, rec)

	rec = call(t, r, http.MethodDelete, "/api/messages/"+second.MessageID, "bob", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = call(t, r, http.MethodPost, base+"/read", "alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	// third counted message reaches the limit
	rec = call(t, r, http.MethodPost, base+"/messages", "bob", map[string]any{"content": "last"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = call(t, r, http.MethodPost, base+"/messages", "bob", map[string]any{"content": "too late"})
	assert.Equal(t, http.StatusGone, rec.Code)
}

func TestObserveMessagesOverWebsocket(t *testing.T) {
	r, e := newRouter(t)
	srv := httptest.NewServer(r)
	defer srv.Close()

	g := createGroup(t, r, "alice", map[string]any{
		"name":           "Live",
		"expiryContract": map[string]any{"type": "POLL_BASED"},
	})

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/groups/" + g.GroupID + "/messages/ws"
	header := http.Header{}
	header.Set(userHeader, "alice")
	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var snapshot []models.Message
	require.NoError(t, conn.ReadJSON(&snapshot))
	require.Len(t, snapshot, 1)
	assert.True(t, snapshot[0].IsSystem())

	_, err = e.Messages().SendMessage(context.Background(), sendReq(g.GroupID, "alice", "hello live"))
	require.NoError(t, err)

	for {
		require.NoError(t, conn.ReadJSON(&snapshot))
		if len(snapshot) == 2 {
			break
		}
	}
	assert.Equal(t, "hello live", snapshot[0].Content)
}

func TestObserveRejectsNonMembersBeforeUpgrade(t *testing.T) {
	r, _ := newRouter(t)
	srv := httptest.NewServer(r)
	defer srv.Close()

	g := createGroup(t, r, "alice", map[string]any{
		"name":           "Private",
		"expiryContract": map[string]any{"type": "POLL_BASED"},
	})

	header := http.Header{}
	header.Set(userHeader, "mallory")
	_, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/api/groups/"+g.GroupID+"/ws", header)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestSelfDestructDurationBounds(t *testing.T) {
	r, _ := newRouter(t)
	g := createGroup(t, r, "alice", map[string]any{
		"name":           "Bounded",
		"expiryContract": map[string]any{"type": "POLL_BASED"},
	})
	base := "/api/groups/" + g.GroupID + "/messages"

	for name, ms := range map[string]int64{
		"overflows duration": math.MaxInt64,
		"beyond cap":         (models.MaxSelfDestruct + time.Millisecond).Milliseconds(),
		"negative":           -1,
		"zero":               0,
	} {
		t.Run(name, func(t *testing.T) {
			rec := call(t, r, http.MethodPost, base, "alice", map[string]any{"content": "hi", "selfDestructDuration": ms})
			assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
			assert.Equal(t, "VALIDATION", decode[map[string]string](t, rec)["code"])
		})
	}

	rec := call(t, r, http.MethodPost, base, "alice", map[string]any{"content": "hi", "selfDestructDuration": models.MaxSelfDestruct.Milliseconds()})
	assert.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
}

func sendReq(groupID, sender, content string) service.SendMessageRequest {
	return service.SendMessageRequest{GroupID: groupID, SenderID: sender, Content: content}
}

func TestNewRequiresStore(t *testing.T) {
	_, err := New(&Config{})
	assert.Error(t, err)
}
