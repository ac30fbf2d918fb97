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

package memory

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/efchatnet/efgroups/backend/models"
	"github.com/efchatnet/efgroups/backend/storage"
)

var t0 = time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)

func seedGroup(t *testing.T, s *Store, id, code string, capacity uint32) *models.Group {
	t.Helper()
	g := &models.Group{
		GroupID:      id,
		Name:         "group " + id,
		CreatedBy:    "owner",
		Members:      []string{"owner"},
		AdminIDs:     []string{"owner"},
		Contract:     models.PollBased{},
		CreatedAt:    t0,
		LastActiveAt: t0,
		JoinCode:     code,
		IsActive:     true,
		MaxMembers:   capacity,
	}
	require.NoError(t, s.CreateGroup(context.Background(), g))
	return g
}

func TestConcurrentJoinsNeverOvershoot(t *testing.T) {
	s := NewStore()
	seedGroup(t, s, "g1", "AAAAAA", 10)

	var (
		wg     sync.WaitGroup
		joined atomic.Int32
		full   atomic.Int32
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := s.AddMember(context.Background(), "g1", fmt.Sprintf("user-%d", i))
			if err != nil {
				assert.ErrorIs(t, err, storage.ErrGroupFull)
				full.Add(1)
				return
			}
			if res.Changed {
				joined.Add(1)
			}
		}(i)
	}
	wg.Wait()

	assert.EqualValues(t, 9, joined.Load())
	assert.EqualValues(t, 41, full.Load())

	g, err := s.GetGroup(context.Background(), "g1")
	require.NoError(t, err)
	assert.Len(t, g.Members, 10)
}

func TestAddMemberIsIdempotent(t *testing.T) {
	s := NewStore()
	seedGroup(t, s, "g1", "AAAAAA", 5)
	ctx := context.Background()

	res, err := s.AddMember(ctx, "g1", "bob")
	require.NoError(t, err)
	assert.True(t, res.Changed)

	res, err = s.AddMember(ctx, "g1", "bob")
	require.NoError(t, err)
	assert.False(t, res.Changed)
	assert.Equal(t, []string{"owner", "bob"}, res.Group.Members)
}

func TestRemovingCreatorFromActiveGroupViolatesInvariant(t *testing.T) {
	s := NewStore()
	seedGroup(t, s, "g1", "AAAAAA", 5)

	_, err := s.RemoveMember(context.Background(), "g1", "owner")
	assert.ErrorIs(t, err, storage.ErrInvariant)

	g, err := s.GetGroup(context.Background(), "g1")
	require.NoError(t, err)
	assert.True(t, g.IsMember("owner"))
}

func TestRemoveMemberDropsAdminRights(t *testing.T) {
	s := NewStore()
	seedGroup(t, s, "g1", "AAAAAA", 5)
	ctx := context.Background()

	_, err := s.AddMember(ctx, "g1", "bob")
	require.NoError(t, err)
	_, err = s.AddAdmin(ctx, "g1", "bob")
	require.NoError(t, err)

	res, err := s.RemoveMember(ctx, "g1", "bob")
	require.NoError(t, err)
	assert.True(t, res.Changed)
	assert.Equal(t, []string{"owner"}, res.Group.AdminIDs)
}

func TestAddAdminRequiresMembership(t *testing.T) {
	s := NewStore()
	seedGroup(t, s, "g1", "AAAAAA", 5)

	_, err := s.AddAdmin(context.Background(), "g1", "stranger")
	assert.ErrorIs(t, err, storage.ErrNotMember)
}

func TestInactiveGroupsRejectMutations(t *testing.T) {
	s := NewStore()
	seedGroup(t, s, "g1", "AAAAAA", 5)
	ctx := context.Background()

	require.NoError(t, s.MarkInactive(ctx, "g1"))
	require.NoError(t, s.MarkInactive(ctx, "g1"))

	_, err := s.AddMember(ctx, "g1", "bob")
	assert.ErrorIs(t, err, storage.ErrGroupInactive)
	_, err = s.IncrementMessageCount(ctx, "g1", t0.Add(time.Minute))
	assert.ErrorIs(t, err, storage.ErrGroupInactive)

	_, err = s.FindActiveGroupByJoinCode(ctx, "AAAAAA")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestJoinCodesAreUniqueAmongActiveGroups(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	seedGroup(t, s, "g1", "AAAAAA", 5)
	seedGroup(t, s, "g2", "BBBBBB", 5)

	_, err := s.SetJoinCode(ctx, "g2", "AAAAAA")
	assert.ErrorIs(t, err, storage.ErrJoinCodeTaken)

	require.NoError(t, s.MarkInactive(ctx, "g1"))
	g, err := s.SetJoinCode(ctx, "g2", "AAAAAA")
	require.NoError(t, err)
	assert.Equal(t, "AAAAAA", g.JoinCode)
}

func TestConcurrentIncrementsAreNotLost(t *testing.T) {
	s := NewStore()
	seedGroup(t, s, "g1", "AAAAAA", 5)

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.IncrementMessageCount(context.Background(), "g1", t0.Add(time.Duration(i)*time.Second))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	g, err := s.GetGroup(context.Background(), "g1")
	require.NoError(t, err)
	assert.EqualValues(t, 100, g.MessageCount)
	assert.Equal(t, t0.Add(99*time.Second), g.LastActiveAt)
}

func TestTouchActivityNeverMovesBackwards(t *testing.T) {
	s := NewStore()
	seedGroup(t, s, "g1", "AAAAAA", 5)
	ctx := context.Background()

	_, err := s.TouchActivity(ctx, "g1", t0.Add(time.Hour))
	require.NoError(t, err)
	g, err := s.TouchActivity(ctx, "g1", t0.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, t0.Add(time.Hour), g.LastActiveAt)
}

func saveText(t *testing.T, s *Store, id, sender string, at time.Time) *models.Message {
	t.Helper()
	m := &models.Message{
		MessageID: id,
		GroupID:   "g1",
		SenderID:  sender,
		Content:   "message " + id,
		Timestamp: at,
		ReadBy:    []string{},
		Type:      models.MessageText,
	}
	require.NoError(t, s.SaveMessage(context.Background(), m))
	return m
}

func TestGroupMessagesPaging(t *testing.T) {
	s := NewStore()
	for i := 0; i < 5; i++ {
		saveText(t, s, fmt.Sprintf("m%d", i), "owner", t0.Add(time.Duration(i)*time.Minute))
	}
	ctx := context.Background()

	page, err := s.GetGroupMessages(ctx, "g1", models.Page{Limit: 2})
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "m4", page[0].MessageID)
	assert.Equal(t, "m3", page[1].MessageID)

	before := page[1].Timestamp
	page, err = s.GetGroupMessages(ctx, "g1", models.Page{Limit: 10, Before: &before})
	require.NoError(t, err)
	require.Len(t, page, 3)
	assert.Equal(t, "m2", page[0].MessageID)
}

func TestGroupMessagesPagingWithSharedTimestamps(t *testing.T) {
	s := NewStore()
	for i := 0; i < 7; i++ {
		saveText(t, s, fmt.Sprintf("m%d", i), "owner", t0)
	}
	ctx := context.Background()

	seen := map[string]bool{}
	page := models.Page{Limit: 3}
	for pages := 0; pages < 5; pages++ {
		batch, err := s.GetGroupMessages(ctx, "g1", page)
		require.NoError(t, err)
		for _, m := range batch {
			assert.False(t, seen[m.MessageID], "%s returned twice", m.MessageID)
			seen[m.MessageID] = true
		}
		if len(batch) < page.Limit {
			break
		}
		page = page.After(batch[len(batch)-1])
	}
	assert.Len(t, seen, 7)
}

func TestMarkReadAndDestruction(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	m := saveText(t, s, "m1", "owner", t0)
	ms := int64(5000)
	m.MessageID = "m2"
	m.SelfDestructMs = &ms
	require.NoError(t, s.SaveMessage(ctx, m))

	due, err := s.ListDueForDestruction(ctx, t0.Add(time.Hour))
	require.NoError(t, err)
	assert.Empty(t, due)

	read, changed, err := s.MarkRead(ctx, "m2", "bob", t0.Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, changed)
	assert.True(t, read.IsRead)

	_, changed, err = s.MarkRead(ctx, "m2", "bob", t0.Add(2*time.Minute))
	require.NoError(t, err)
	assert.False(t, changed)

	due, err = s.ListDueForDestruction(ctx, t0.Add(time.Minute+4*time.Second))
	require.NoError(t, err)
	assert.Empty(t, due)

	due, err = s.ListDueForDestruction(ctx, t0.Add(time.Minute+5*time.Second))
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "m2", due[0].MessageID)
}

func TestUnreadSearchAndLatest(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	saveText(t, s, "m1", "owner", t0)
	saveText(t, s, "m2", "bob", t0.Add(time.Minute))
	sys := models.NewSystemMessage("s1", "g1", "bob joined the group", t0.Add(2*time.Minute))
	require.NoError(t, s.SaveMessage(ctx, sys))

	n, err := s.CountUnread(ctx, "g1", "bob")
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	found, err := s.SearchMessages(ctx, "g1", "MESSAGE", 10)
	require.NoError(t, err)
	assert.Len(t, found, 2)

	latest, err := s.LatestMessages(ctx, []string{"g1", "empty"})
	require.NoError(t, err)
	assert.Len(t, latest, 1)
	assert.Equal(t, "s1", latest["g1"].MessageID)

	purged, err := s.DeleteGroupMessages(ctx, "g1")
	require.NoError(t, err)
	assert.EqualValues(t, 3, purged)
}

func TestStoreHonoursCancelledContext(t *testing.T) {
	s := NewStore()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.GetGroup(ctx, "g1")
	assert.ErrorIs(t, err, context.Canceled)
}
