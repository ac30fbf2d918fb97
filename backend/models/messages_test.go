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

package models

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func selfDestructing(d time.Duration) *Message {
	ms := d.Milliseconds()
	return &Message{
		MessageID:      "m1",
		GroupID:        "g1",
		SenderID:       "alice",
		Content:        "burn after reading",
		Timestamp:      epoch,
		ReadBy:         []string{},
		Type:           MessageText,
		SelfDestructMs: &ms,
	}
}

func TestDestructAtStartsOnFirstRead(t *testing.T) {
	m := selfDestructing(5 * time.Second)

	_, ok := m.DestructAt()
	assert.False(t, ok, "unread messages never destruct")
	assert.False(t, m.IsDueForDestruction(epoch.Add(time.Hour)))

	firstRead := epoch.Add(time.Minute)
	require.True(t, m.ApplyRead("bob", firstRead))
	require.True(t, m.ApplyRead("carol", firstRead.Add(3*time.Second)))

	at, ok := m.DestructAt()
	require.True(t, ok)
	assert.Equal(t, firstRead.Add(5*time.Second), at)

	assert.False(t, m.IsDueForDestruction(firstRead.Add(5*time.Second-time.Millisecond)))
	assert.True(t, m.IsDueForDestruction(firstRead.Add(5*time.Second)))
}

func TestApplyReadIsIdempotent(t *testing.T) {
	m := selfDestructing(time.Second)
	assert.True(t, m.ApplyRead("bob", epoch))
	assert.False(t, m.ApplyRead("bob", epoch.Add(time.Hour)))
	assert.Equal(t, []string{"bob"}, m.ReadBy)
	assert.Equal(t, epoch, *m.ReadAt)
}

func TestSystemMessagesNeverDestruct(t *testing.T) {
	m := NewSystemMessage("s1", "g1", "alice joined the group", epoch)
	ms := int64(1)
	m.SelfDestructMs = &ms

	assert.True(t, m.IsSystem())
	assert.True(t, m.IsRead)
	m.ApplyRead("bob", epoch)
	assert.Nil(t, m.ReadAt)
	assert.False(t, m.IsDueForDestruction(epoch.Add(time.Hour)))
}

func TestMessageCloneIsDeep(t *testing.T) {
	m := selfDestructing(time.Second)
	m.ReadBy = []string{"bob"}
	c := m.Clone()
	c.ReadBy[0] = "eve"
	assert.Equal(t, []string{"bob"}, m.ReadBy)
}

func TestValidateContent(t *testing.T) {
	assert.NoError(t, ValidateContent("hi"))
	assert.NoError(t, ValidateContent(strings.Repeat("é", MaxMessageLength)))
	assert.Error(t, ValidateContent(" \n\t "))
	assert.Error(t, ValidateContent(strings.Repeat("x", MaxMessageLength+1)))
}

func TestValidateMessageType(t *testing.T) {
	assert.NoError(t, ValidateMessageType(MessageText))
	assert.NoError(t, ValidateMessageType(MessageImage))
	assert.Error(t, ValidateMessageType(MessageSystem))
	assert.Error(t, ValidateMessageType("VIDEO"))
}

func TestMillisToDuration(t *testing.T) {
	d, err := MillisToDuration(1500)
	require.NoError(t, err)
	assert.Equal(t, 1500*time.Millisecond, d)

	d, err = MillisToDuration(MaxDurationMillis)
	require.NoError(t, err)
	assert.Positive(t, d)

	_, err = MillisToDuration(MaxDurationMillis + 1)
	assert.Error(t, err)
	_, err = MillisToDuration(-1)
	assert.Error(t, err)
}

func TestValidateSelfDestruct(t *testing.T) {
	assert.NoError(t, ValidateSelfDestruct(time.Second))
	assert.NoError(t, ValidateSelfDestruct(MaxSelfDestruct))
	assert.Error(t, ValidateSelfDestruct(0))
	assert.Error(t, ValidateSelfDestruct(MaxSelfDestruct+time.Nanosecond))
}

func TestPageCursor(t *testing.T) {
	at := time.Date(2025, 5, 4, 10, 0, 0, 0, time.UTC)
	assert.True(t, Page{}.Includes(at, "any"))

	next := Page{Limit: 10}.After(&Message{MessageID: "m5", Timestamp: at})
	assert.Equal(t, 10, next.Limit)
	assert.Equal(t, "m5", next.BeforeID)
	assert.True(t, next.Includes(at.Add(-time.Nanosecond), "m9"))
	assert.True(t, next.Includes(at, "m4"))
	assert.False(t, next.Includes(at, "m5"))
	assert.False(t, next.Includes(at, "m6"))
	assert.False(t, next.Includes(at.Add(time.Nanosecond), "m0"))

	timeOnly := Page{Before: &at}
	assert.False(t, timeOnly.Includes(at, "m0"))
	assert.True(t, timeOnly.Includes(at.Add(-time.Millisecond), "m0"))
}

func TestPageNormalize(t *testing.T) {
	assert.Equal(t, DefaultPageSize, Page{}.Normalize().Limit)
	assert.Equal(t, MaxPageSize, Page{Limit: 10_000}.Normalize().Limit)
	assert.Equal(t, 7, Page{Limit: 7}.Normalize().Limit)
}
