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
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/efchatnet/efgroups/backend/apperrors"
	"github.com/efchatnet/efgroups/backend/middleware"
	"github.com/efchatnet/efgroups/backend/models"
)

const maxBodyBytes = 64 << 10

type errorBody struct {
	Code    apperrors.Code `json:"code"`
	Message string         `json:"message"`
}

func statusFor(code apperrors.Code) int {
	switch code {
	case apperrors.CodeValidation:
		return http.StatusBadRequest
	case apperrors.CodeNotFound:
		return http.StatusNotFound
	case apperrors.CodeForbidden:
		return http.StatusForbidden
	case apperrors.CodeGroupFull:
		return http.StatusConflict
	case apperrors.CodeGroupInactive, apperrors.CodeGroupExpired:
		return http.StatusGone
	case apperrors.CodeStoreUnavailable, apperrors.CodeCascadeFailure:
		return http.StatusServiceUnavailable
	case apperrors.CodeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError renders err. Infrastructure details never reach the client.
func writeError(w http.ResponseWriter, err error) {
	code := apperrors.CodeOf(err)
	if apperrors.Retryable(err) {
		w.Header().Set("Retry-After", "1")
	}
	writeJSON(w, statusFor(code), errorBody{Code: code, Message: apperrors.UserMessage(err)})
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return apperrors.Validation("Request body is required")
		}
		return apperrors.Validationf("Invalid request body: %v", err)
	}
	return nil
}

// requireUser returns the authenticated user or writes a 401.
func requireUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID, ok := middleware.GetUserID(r)
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
	}
	return userID, ok
}

func pageFromQuery(r *http.Request) (models.Page, error) {
	var page models.Page
	q := r.URL.Query()
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return page, apperrors.Validation("limit must be a non-negative integer")
		}
		page.Limit = n
	}
	if v := q.Get("before"); v != "" {
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return page, apperrors.Validation("before must be an RFC 3339 timestamp")
		}
		page.Before = &t
		page.BeforeID = q.Get("beforeId")
	}
	return page.Normalize(), nil
}
