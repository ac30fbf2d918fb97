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
	"sync"
	"time"

	"github.com/efchatnet/efgroups/backend/storage"
)

// Feed is an in-process change feed. Notifications coalesce: a slow
// subscriber sees at most one pending signal.
type Feed struct {
	mu   sync.Mutex
	subs map[storage.Topic]map[chan struct{}]struct{}
}

func NewFeed() *Feed {
	return &Feed{subs: make(map[storage.Topic]map[chan struct{}]struct{})}
}

func (f *Feed) Publish(_ context.Context, topics ...storage.Topic) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, t := range topics {
		for ch := range f.subs[t] {
			select {
			case ch <- struct{}{}:
			default:
			}
		}
	}
	return nil
}

func (f *Feed) Subscribe(ctx context.Context, topic storage.Topic) (<-chan struct{}, error) {
	ch := make(chan struct{}, 1)

	f.mu.Lock()
	if f.subs[topic] == nil {
		f.subs[topic] = make(map[chan struct{}]struct{})
	}
	f.subs[topic][ch] = struct{}{}
	f.mu.Unlock()

	go func() {
		<-ctx.Done()
		f.mu.Lock()
		delete(f.subs[topic], ch)
		if len(f.subs[topic]) == 0 {
			delete(f.subs, topic)
		}
		close(ch)
		f.mu.Unlock()
	}()
	return ch, nil
}

// Subscribers reports the live subscriptions on topic.
func (f *Feed) Subscribers(topic storage.Topic) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs[topic])
}

// Directory is a fixed userID to display name table.
type Directory map[string]string

func (d Directory) DisplayName(_ context.Context, userID string) (string, error) {
	if name, ok := d[userID]; ok {
		return name, nil
	}
	return userID, nil
}

// Locker grants leases within a single process.
type Locker struct {
	mu     sync.Mutex
	leases map[string]time.Time
	now    func() time.Time
}

func NewLocker() *Locker {
	return &Locker{leases: make(map[string]time.Time), now: time.Now}
}

func (l *Locker) TryLock(_ context.Context, name string, ttl time.Duration) (func(), bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if until, ok := l.leases[name]; ok && now.Before(until) {
		return nil, false, nil
	}
	until := now.Add(ttl)
	l.leases[name] = until
	return func() {
		l.mu.Lock()
		if l.leases[name].Equal(until) {
			delete(l.leases, name)
		}
		l.mu.Unlock()
	}, true, nil
}
