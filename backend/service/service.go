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

// Package service enforces the group lifecycle and messaging rules on top
// of the storage contracts.
package service

import (
	"context"
	"crypto/rand"
	"errors"
	"log/slog"
	"math/big"
	"time"

	"github.com/google/uuid"

	"github.com/efchatnet/efgroups/backend/apperrors"
	"github.com/efchatnet/efgroups/backend/clock"
	"github.com/efchatnet/efgroups/backend/logger"
	"github.com/efchatnet/efgroups/backend/models"
	"github.com/efchatnet/efgroups/backend/storage"
)

const (
	DefaultStoreTimeout = 5 * time.Second
	maxJoinCodeAttempts = 5
)

// Deps are the collaborators shared by the services. Feed and Directory
// are optional.
type Deps struct {
	Groups       storage.GroupStore
	Messages     storage.MessageStore
	Feed         storage.Feed
	Directory    storage.Directory
	Clock        clock.Clock
	Logger       *slog.Logger
	StoreTimeout time.Duration
}

func (d Deps) withDefaults() Deps {
	if d.Clock == nil {
		d.Clock = clock.System{}
	}
	if d.Logger == nil {
		d.Logger = logger.Discard()
	}
	if d.StoreTimeout <= 0 {
		d.StoreTimeout = DefaultStoreTimeout
	}
	return d
}

// storeCtx detaches a single-shot store call from caller cancellation and
// bounds it with the store timeout.
func (d Deps) storeCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), d.StoreTimeout)
}

func (d Deps) publish(ctx context.Context, topics ...storage.Topic) {
	if d.Feed == nil || len(topics) == 0 {
		return
	}
	sctx, cancel := d.storeCtx(ctx)
	defer cancel()
	if err := d.Feed.Publish(sctx, topics...); err != nil {
		d.Logger.Warn("failed to publish change", "topics", topics, "err", err)
	}
}

func (d Deps) displayName(ctx context.Context, userID string) string {
	if d.Directory == nil {
		return userID
	}
	sctx, cancel := d.storeCtx(ctx)
	defer cancel()
	name, err := d.Directory.DisplayName(sctx, userID)
	if err != nil || name == "" {
		if err != nil {
			d.Logger.Debug("display name lookup failed", "user_id", userID, "err", err)
		}
		return userID
	}
	return name
}

func groupTopics(g *models.Group, extraUsers ...string) []storage.Topic {
	topics := make([]storage.Topic, 0, len(g.Members)+len(extraUsers)+1)
	topics = append(topics, storage.GroupTopic(g.GroupID))
	for _, id := range g.Members {
		topics = append(topics, storage.UserGroupsTopic(id))
	}
	for _, id := range extraUsers {
		topics = append(topics, storage.UserGroupsTopic(id))
	}
	return topics
}

// mapStoreErr translates storage failures into AppErrors. notFound is the
// message used for storage.ErrNotFound.
func mapStoreErr(err error, notFound string) error {
	if err == nil {
		return nil
	}
	var appErr *apperrors.AppError
	switch {
	case errors.As(err, &appErr):
		return err
	case errors.Is(err, storage.ErrNotFound):
		return apperrors.NotFound(notFound)
	case errors.Is(err, storage.ErrGroupFull):
		return apperrors.GroupFull("This group is full")
	case errors.Is(err, storage.ErrGroupInactive):
		return apperrors.GroupInactive("This group is no longer active")
	case errors.Is(err, storage.ErrNotMember):
		return apperrors.Validation("User is not a member of this group")
	case errors.Is(err, storage.ErrInvariant):
		return apperrors.Wrap(apperrors.CodeInternal, "group invariant violated", err)
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return apperrors.Wrap(apperrors.CodeTimeout, "store call timed out", err)
	default:
		return apperrors.Wrap(apperrors.CodeStoreUnavailable, "store unavailable", err)
	}
}

func newID() string {
	return uuid.NewString()
}

// NewJoinCode draws a code uniformly from the join code alphabet.
func NewJoinCode() (string, error) {
	size := big.NewInt(int64(len(models.JoinCodeAlphabet)))
	buf := make([]byte, models.JoinCodeLength)
	for i := range buf {
		n, err := rand.Int(rand.Reader, size)
		if err != nil {
			return "", err
		}
		buf[i] = models.JoinCodeAlphabet[n.Int64()]
	}
	return string(buf), nil
}

// observe streams load() once immediately and again on every signal of
// topic, until ctx is cancelled.
func observe[T any](ctx context.Context, d Deps, topic storage.Topic, load func(context.Context) (T, error)) (<-chan T, error) {
	subCtx, cancel := context.WithCancel(ctx)

	var signals <-chan struct{}
	if d.Feed != nil {
		var err error
		signals, err = d.Feed.Subscribe(subCtx, topic)
		if err != nil {
			cancel()
			return nil, mapStoreErr(err, "subscription failed")
		}
	}

	first, err := load(subCtx)
	if err != nil {
		cancel()
		return nil, err
	}

	out := make(chan T, 1)
	go func() {
		defer close(out)
		defer cancel()

		send := func(v T) bool {
			select {
			case out <- v:
				return true
			case <-subCtx.Done():
				return false
			}
		}

		if !send(first) {
			return
		}
		for {
			select {
			case <-subCtx.Done():
				return
			case _, ok := <-signals:
				if !ok {
					return
				}
				v, err := load(subCtx)
				if err != nil {
					if subCtx.Err() != nil {
						return
					}
					d.Logger.Warn("failed to refresh subscription", "topic", topic, "err", err)
					continue
				}
				if !send(v) {
					return
				}
			}
		}
	}()
	return out, nil
}
