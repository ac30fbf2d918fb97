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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/efchatnet/efgroups/backend/storage"
)

func TestFeedDeliversAndCoalesces(t *testing.T) {
	f := NewFeed()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	topic := storage.GroupTopic("g1")
	ch, err := f.Subscribe(ctx, topic)
	require.NoError(t, err)

	require.NoError(t, f.Publish(ctx, topic, storage.GroupTopic("other")))
	require.NoError(t, f.Publish(ctx, topic))

	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("no signal delivered")
	}
	select {
	case <-ch:
		t.Fatal("signals should coalesce")
	default:
	}
}

func TestFeedUnsubscribesOnCancel(t *testing.T) {
	f := NewFeed()
	ctx, cancel := context.WithCancel(context.Background())
	topic := storage.UserGroupsTopic("alice")

	ch, err := f.Subscribe(ctx, topic)
	require.NoError(t, err)
	assert.Equal(t, 1, f.Subscribers(topic))

	cancel()
	assert.Eventually(t, func() bool { return f.Subscribers(topic) == 0 }, time.Second, 5*time.Millisecond)

	_, open := <-ch
	assert.False(t, open)
}

func TestDirectoryFallsBackToUserID(t *testing.T) {
	d := Directory{"u1": "Alice"}
	name, err := d.DisplayName(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, "Alice", name)

	name, err = d.DisplayName(context.Background(), "u2")
	require.NoError(t, err)
	assert.Equal(t, "u2", name)
}

func TestLockerLeases(t *testing.T) {
	l := NewLocker()
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }
	ctx := context.Background()

	release, ok, err := l.TryLock(ctx, "sweeper:groups", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = l.TryLock(ctx, "sweeper:groups", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "lease is held")

	now = now.Add(2 * time.Minute)
	release2, ok, err := l.TryLock(ctx, "sweeper:groups", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "expired lease can be taken over")

	release()
	_, ok, _ = l.TryLock(ctx, "sweeper:groups", time.Minute)
	assert.False(t, ok, "stale release must not drop the new lease")

	release2()
	_, ok, _ = l.TryLock(ctx, "sweeper:groups", time.Minute)
	assert.True(t, ok)
}
