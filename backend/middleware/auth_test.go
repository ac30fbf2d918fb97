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

package middleware

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret"

func sign(t *testing.T, secret string, alg string, claims Claims) string {
	t.Helper()
	header, err := json.Marshal(map[string]string{"alg": alg, "typ": "JWT"})
	require.NoError(t, err)
	payload, err := json.Marshal(claims)
	require.NoError(t, err)

	msg := base64.RawURLEncoding.EncodeToString(header) + "." + base64.RawURLEncoding.EncodeToString(payload)
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(msg))
	return msg + "." + base64.RawURLEncoding.EncodeToString(h.Sum(nil))
}

func validClaims() Claims {
	return Claims{
		UserID:    "alice",
		Issuer:    "efchat",
		IssuedAt:  time.Now().Unix(),
		ExpiresAt: time.Now().Add(time.Hour).Unix(),
	}
}

func serve(t *testing.T, req *http.Request) (*httptest.ResponseRecorder, string) {
	t.Helper()
	var seen string
	h := NewAuthMiddleware(testSecret, "efchat")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = GetUserID(r)
		claims, ok := GetClaims(r)
		require.True(t, ok)
		assert.Equal(t, seen, claims.UserID)
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec, seen
}

func TestAuthAcceptsValidToken(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/api/groups", nil)
	req.Header.Set("Authorization", "Bearer "+sign(t, testSecret, "HS256", validClaims()))

	rec, user := serve(t, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "alice", user)
}

func TestAuthRejects(t *testing.T) {
	expired := validClaims()
	expired.ExpiresAt = time.Now().Add(-time.Minute).Unix()
	wrongIssuer := validClaims()
	wrongIssuer.Issuer = "someone-else"
	noUser := validClaims()
	noUser.UserID = ""

	cases := map[string]string{
		"missing header": "",
		"not bearer":     "Basic abc",
		"garbage":        "Bearer not.a.jwt",
		"wrong secret":   "Bearer " + sign(t, "other", "HS256", validClaims()),
		"wrong alg":      "Bearer " + sign(t, testSecret, "none", validClaims()),
		"expired":        "Bearer " + sign(t, testSecret, "HS256", expired),
		"wrong issuer":   "Bearer " + sign(t, testSecret, "HS256", wrongIssuer),
		"no user":        "Bearer " + sign(t, testSecret, "HS256", noUser),
	}
	for name, header := range cases {
		t.Run(name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/groups", nil)
			if header != "" {
				req.Header.Set("Authorization", header)
			}
			rec, user := serve(t, req)
			assert.Equal(t, http.StatusUnauthorized, rec.Code)
			assert.Empty(t, user)
		})
	}
}

func TestAuthAcceptsQueryTokenOnlyForWebsockets(t *testing.T) {
	token := sign(t, testSecret, "HS256", validClaims())

	req := httptest.NewRequest(http.MethodGet, "/api/groups/ws?access_token="+token, nil)
	rec, _ := serve(t, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/groups/ws?access_token="+token, nil)
	req.Header.Set("Upgrade", "websocket")
	rec, user := serve(t, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "alice", user)
}

func TestWithUserID(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	_, ok := GetUserID(req)
	assert.False(t, ok)

	req = req.WithContext(WithUserID(req.Context(), "bob"))
	id, ok := GetUserID(req)
	assert.True(t, ok)
	assert.Equal(t, "bob", id)

	req = req.WithContext(WithUserID(req.Context(), ""))
	_, ok = GetUserID(req)
	assert.False(t, ok)
}

func TestCORS(t *testing.T) {
	h := CORS(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	req := httptest.NewRequest(http.MethodOptions, "/api/groups", nil)
	req.Header.Set("Origin", "https://app.efchat.net")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://app.efchat.net", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Methods"), "PATCH")

	req = httptest.NewRequest(http.MethodGet, "/api/groups", nil)
	req.Header.Set("Origin", "https://evil.example")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestVerifierErrors(t *testing.T) {
	v := NewVerifier(testSecret, "efchat")

	_, err := v.Verify("only.two")
	assert.ErrorIs(t, err, ErrMalformedToken)

	_, err = v.Verify(sign(t, testSecret, "HS512", validClaims()))
	assert.ErrorIs(t, err, ErrUnsupportedAlg)

	_, err = v.Verify(sign(t, "other", "HS256", validClaims()))
	assert.ErrorIs(t, err, ErrInvalidSignature)

	claims, err := v.Verify(sign(t, testSecret, "HS256", validClaims()))
	require.NoError(t, err)
	assert.Equal(t, "alice", claims.UserID)
}

func TestVerifierExpiryBoundary(t *testing.T) {
	exp := time.Date(2025, 5, 4, 12, 0, 0, 0, time.UTC)
	claims := validClaims()
	claims.ExpiresAt = exp.Unix()
	token := sign(t, testSecret, "HS256", claims)

	v := NewVerifier(testSecret, "")
	v.now = func() time.Time { return exp }
	_, err := v.Verify(token)
	assert.NoError(t, err)

	v.now = func() time.Time { return exp.Add(time.Second) }
	_, err = v.Verify(token)
	assert.ErrorIs(t, err, ErrTokenExpired)
}

func TestUnauthorizedBody(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/api/groups", nil)
	rec, _ := serve(t, req)

	require.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "UNAUTHORIZED", body["code"])
	assert.Equal(t, ErrNoToken.Error(), body["message"])
}
