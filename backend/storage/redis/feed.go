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
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/efchatnet/efgroups/backend/storage"
)

const (
	// Redis key prefixes
	notifyPrefix   = "efgroups:notify:" // efgroups:notify:{topic} - pubsub channel
	lockPrefix     = "efgroups:lock:"   // efgroups:lock:{name} - sweep lease
	displayNameKey = "efgroups:names"   // hash of userId -> display name
)

type notification struct {
	Topic storage.Topic `json:"topic"`
	At    time.Time     `json:"at"`
}

// Feed publishes change notifications over Redis pub/sub so that every
// replica's subscribers see writes made by any replica.
type Feed struct {
	rdb *redis.Client
}

func NewFeed(rdb *redis.Client) *Feed {
	return &Feed{rdb: rdb}
}

func (f *Feed) Publish(ctx context.Context, topics ...storage.Topic) error {
	if len(topics) == 0 {
		return nil
	}
	now := time.Now().UTC()
	_, err := f.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, t := range topics {
			payload, err := json.Marshal(notification{Topic: t, At: now})
			if err != nil {
				return fmt.Errorf("failed to marshal notification: %w", err)
			}
			pipe.Publish(ctx, notifyPrefix+string(t), payload)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to publish notifications: %w", err)
	}
	return nil
}

// Subscribe returns a channel that receives a signal per notification on
// topic. Signals coalesce when the reader falls behind. The channel closes
// when ctx is cancelled.
func (f *Feed) Subscribe(ctx context.Context, topic storage.Topic) (<-chan struct{}, error) {
	pubsub := f.rdb.Subscribe(ctx, notifyPrefix+string(topic))
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", topic, err)
	}

	out := make(chan struct{}, 1)
	go func() {
		defer close(out)
		defer pubsub.Close()

		msgs := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-msgs:
				if !ok {
					return
				}
				select {
				case out <- struct{}{}:
				default:
				}
			}
		}
	}()
	return out, nil
}
