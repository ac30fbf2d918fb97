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

package sweeper

import (
	"context"
	"log/slog"
	"time"

	"github.com/efchatnet/efgroups/backend/logger"
	"github.com/efchatnet/efgroups/backend/storage"
)

const (
	groupLock   = "sweeper:groups"
	messageLock = "sweeper:messages"
)

// GroupCleaner retires expired groups.
type GroupCleaner interface {
	CleanupExpiredGroups(ctx context.Context) (int, error)
}

// MessageDestructor deletes messages whose self-destruct deadline passed.
type MessageDestructor interface {
	DestructDueMessages(ctx context.Context) (int, error)
}

type Config struct {
	GroupInterval   time.Duration
	MessageInterval time.Duration

	// Lease lengths bound how long a crashed replica can block a sweep. Each
	// defaults to its step's interval so a lease outlives the sweep it guards.
	GroupLockTTL   time.Duration
	MessageLockTTL time.Duration
}

// Sweeper periodically retires expired groups and due messages. With a
// Locker, only one replica sweeps at a time.
type Sweeper struct {
	groups   GroupCleaner
	messages MessageDestructor
	locker   storage.Locker
	cfg      Config
	logger   *slog.Logger
}

func New(groups GroupCleaner, messages MessageDestructor, locker storage.Locker, cfg Config, log *slog.Logger) *Sweeper {
	if cfg.GroupInterval <= 0 {
		cfg.GroupInterval = time.Hour
	}
	if cfg.MessageInterval <= 0 {
		cfg.MessageInterval = 30 * time.Second
	}
	if cfg.GroupLockTTL <= 0 {
		cfg.GroupLockTTL = cfg.GroupInterval
	}
	if cfg.MessageLockTTL <= 0 {
		cfg.MessageLockTTL = cfg.MessageInterval
	}
	if log == nil {
		log = logger.Discard()
	}
	return &Sweeper{groups: groups, messages: messages, locker: locker, cfg: cfg, logger: log}
}

// Result summarises one sweep.
type Result struct {
	GroupsDeleted     int
	MessagesDestroyed int
}

// SweepOnce cleans up expired groups and then destroys due messages.
// Failures are logged and do not stop the second step.
func (s *Sweeper) SweepOnce(ctx context.Context) Result {
	return Result{
		GroupsDeleted:     s.sweepGroups(ctx),
		MessagesDestroyed: s.sweepMessages(ctx),
	}
}

func (s *Sweeper) sweepGroups(ctx context.Context) int {
	release, ok := s.acquire(ctx, groupLock, s.cfg.GroupLockTTL)
	if !ok {
		return 0
	}
	defer release()

	n, err := s.groups.CleanupExpiredGroups(ctx)
	if err != nil {
		s.logger.Error("group sweep failed", "err", err)
	}
	return n
}

func (s *Sweeper) sweepMessages(ctx context.Context) int {
	release, ok := s.acquire(ctx, messageLock, s.cfg.MessageLockTTL)
	if !ok {
		return 0
	}
	defer release()

	n, err := s.messages.DestructDueMessages(ctx)
	if err != nil {
		s.logger.Error("message sweep failed", "err", err)
	}
	return n
}

func (s *Sweeper) acquire(ctx context.Context, name string, ttl time.Duration) (func(), bool) {
	if s.locker == nil {
		return func() {}, true
	}
	release, ok, err := s.locker.TryLock(ctx, name, ttl)
	if err != nil {
		s.logger.Warn("failed to acquire sweep lock", "lock", name, "err", err)
		return nil, false
	}
	if !ok {
		s.logger.Debug("sweep lock held elsewhere", "lock", name)
		return nil, false
	}
	return release, true
}

// Run sweeps once immediately and then on each interval until ctx is
// cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	s.logger.Info("sweeper started", "group_interval", s.cfg.GroupInterval, "message_interval", s.cfg.MessageInterval)
	s.SweepOnce(ctx)

	groupTicker := time.NewTicker(s.cfg.GroupInterval)
	defer groupTicker.Stop()
	messageTicker := time.NewTicker(s.cfg.MessageInterval)
	defer messageTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("sweeper stopped")
			return
		case <-groupTicker.C:
			s.sweepGroups(ctx)
		case <-messageTicker.C:
			s.sweepMessages(ctx)
		}
	}
}
