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

package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// Locker hands out expiring leases with SET NX PX. Only the holder's token
// can release a lease.
type Locker struct {
	rdb *redis.Client
}

func NewLocker(rdb *redis.Client) *Locker {
	return &Locker{rdb: rdb}
}

func (l *Locker) TryLock(ctx context.Context, name string, ttl time.Duration) (func(), bool, error) {
	key := lockPrefix + name
	token := uuid.NewString()

	ok, err := l.rdb.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("failed to acquire lock %s: %w", name, err)
	}
	if !ok {
		return nil, false, nil
	}

	release := func() {
		rctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		releaseScript.Run(rctx, l.rdb, []string{key}, token)
	}
	return release, true, nil
}

// Directory resolves display names from a Redis hash maintained by the
// host application.
type Directory struct {
	rdb *redis.Client
}

func NewDirectory(rdb *redis.Client) *Directory {
	return &Directory{rdb: rdb}
}

func (d *Directory) DisplayName(ctx context.Context, userID string) (string, error) {
	name, err := d.rdb.HGet(ctx, displayNameKey, userID).Result()
	if errors.Is(err, redis.Nil) {
		return userID, nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to get display name: %w", err)
	}
	return name, nil
}

func (d *Directory) SetDisplayName(ctx context.Context, userID, name string) error {
	if err := d.rdb.HSet(ctx, displayNameKey, userID, name).Err(); err != nil {
		return fmt.Errorf("failed to set display name: %w", err)
	}
	return nil
}
