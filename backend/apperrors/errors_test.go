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
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCodeOfWalksTheChain(t *testing.T) {
	err := fmt.Errorf("handler: %w", GroupFull("Group is full"))
	assert.Equal(t, CodeGroupFull, CodeOf(err))
	assert.True(t, Is(err, CodeGroupFull))
	assert.False(t, Is(nil, CodeGroupFull))
	assert.Equal(t, CodeInternal, CodeOf(errors.New("plain")))
}

func TestWrapKeepsCause(t *testing.T) {
	err := Wrap(CodeTimeout, "store call timed out", context.DeadlineExceeded)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Contains(t, err.Error(), "deadline exceeded")
	assert.True(t, Retryable(err))
}

func TestRetryable(t *testing.T) {
	assert.True(t, Retryable(New(CodeStoreUnavailable, "down")))
	assert.True(t, Retryable(New(CodeCascadeFailure, "purge failed")))
	assert.False(t, Retryable(Validation("bad")))
	assert.False(t, Retryable(errors.New("plain")))
}

func TestUserMessageHidesInfrastructure(t *testing.T) {
	assert.Equal(t, "Group is full", UserMessage(GroupFull("Group is full")))

	hidden := []error{
		Wrap(CodeStoreUnavailable, "pq: connection refused", errors.New("dial tcp")),
		New(CodeTimeout, "context deadline exceeded"),
		New(CodeInternal, "nil pointer"),
		errors.New("raw driver error"),
	}
	for _, err := range hidden {
		assert.Equal(t, "Something went wrong, please try again", UserMessage(err))
	}
}
