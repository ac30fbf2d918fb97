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

package apperrors

import (
	"errors"
	"fmt"
)

type Code string

const (
	CodeValidation       Code = "VALIDATION"
	CodeNotFound         Code = "NOT_FOUND"
	CodeForbidden        Code = "FORBIDDEN"
	CodeGroupFull        Code = "GROUP_FULL"
	CodeGroupInactive    Code = "GROUP_INACTIVE"
	CodeGroupExpired     Code = "GROUP_EXPIRED"
	CodeStoreUnavailable Code = "STORE_UNAVAILABLE"
	CodeTimeout          Code = "TIMEOUT"
	CodeCascadeFailure   Code = "CASCADE_FAILURE"
	CodeInternal         Code = "INTERNAL"
)

// AppError is the failure value returned by the service layer. Message is
// safe to show to end users for business errors.
type AppError struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
	Cause   error  `json:"-"`
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *AppError) Unwrap() error { return e.Cause }

func New(code Code, message string) error {
	return &AppError{Code: code, Message: message}
}

func Wrap(code Code, message string, cause error) error {
	return &AppError{Code: code, Message: message, Cause: cause}
}

func Validation(msg string) error    { return New(CodeValidation, msg) }
func NotFound(msg string) error      { return New(CodeNotFound, msg) }
func Forbidden(msg string) error     { return New(CodeForbidden, msg) }
func GroupFull(msg string) error     { return New(CodeGroupFull, msg) }
func GroupInactive(msg string) error { return New(CodeGroupInactive, msg) }
func GroupExpired(msg string) error  { return New(CodeGroupExpired, msg) }
func Internal(msg string) error      { return New(CodeInternal, msg) }

func Validationf(format string, args ...any) error {
	return New(CodeValidation, fmt.Sprintf(format, args...))
}

// CodeOf returns the code of the first AppError in err's chain, or
// CodeInternal when there is none.
func CodeOf(err error) Code {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return CodeInternal
}

func Is(err error, code Code) bool {
	if err == nil {
		return false
	}
	return CodeOf(err) == code
}

// Retryable reports whether the caller may retry with backoff.
func Retryable(err error) bool {
	switch CodeOf(err) {
	case CodeStoreUnavailable, CodeTimeout, CodeCascadeFailure:
		return true
	}
	return false
}

// UserMessage hides infrastructure detail from end users.
func UserMessage(err error) string {
	var appErr *AppError
	if !errors.As(err, &appErr) {
		return "Something went wrong, please try again"
	}
	switch appErr.Code {
	case CodeStoreUnavailable, CodeTimeout, CodeCascadeFailure, CodeInternal:
		return "Something went wrong, please try again"
	}
	return appErr.Message
}
