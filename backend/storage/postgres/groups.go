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

package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/efchatnet/efgroups/backend/models"
	"github.com/efchatnet/efgroups/backend/storage"
)

const checkViolation = "23514"

const groupColumns = `group_id, name, description, created_by, members, admin_ids,
	expiry_contract, created_at, last_active_at, message_count, join_code,
	is_active, max_members`

func scanGroup(row rowScanner) (*models.Group, error) {
	var (
		g        models.Group
		contract []byte
		count    int64
		capacity int64
	)
	err := row.Scan(&g.GroupID, &g.Name, &g.Description, &g.CreatedBy,
		pq.Array(&g.Members), pq.Array(&g.AdminIDs), &contract,
		&g.CreatedAt, &g.LastActiveAt, &count, &g.JoinCode,
		&g.IsActive, &capacity)
	if err != nil {
		return nil, notFound(err)
	}
	if g.Contract, err = models.UnmarshalContractJSON(contract); err != nil {
		return nil, fmt.Errorf("group %s: %w", g.GroupID, err)
	}
	g.MessageCount = uint32(count)
	g.MaxMembers = uint32(capacity)
	if g.Members == nil {
		g.Members = []string{}
	}
	if g.AdminIDs == nil {
		g.AdminIDs = []string{}
	}
	return &g, nil
}

func scanGroups(rows *sql.Rows) ([]*models.Group, error) {
	defer rows.Close()

	groups := make([]*models.Group, 0)
	for rows.Next() {
		g, err := scanGroup(rows)
		if err != nil {
			return nil, err
		}
		groups = append(groups, g)
	}
	return groups, rows.Err()
}

func mapWriteErr(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == checkViolation {
		return fmt.Errorf("%w: %s", storage.ErrInvariant, pqErr.Message)
	}
	if isUniqueViolation(err, "idx_active_join_code") {
		return storage.ErrJoinCodeTaken
	}
	return err
}

func (s *Store) CreateGroup(ctx context.Context, g *models.Group) error {
	if err := g.Validate(); err != nil {
		return fmt.Errorf("%w: %v", storage.ErrInvariant, err)
	}
	contract, err := models.MarshalContractJSON(g.Contract)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO groups (group_id, name, description, created_by, members, admin_ids,
			expiry_contract, created_at, last_active_at, message_count, join_code,
			is_active, max_members)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		g.GroupID, g.Name, g.Description, g.CreatedBy, pq.Array(g.Members), pq.Array(g.AdminIDs),
		contract, g.CreatedAt, g.LastActiveAt, int64(g.MessageCount), g.JoinCode,
		g.IsActive, int64(g.MaxMembers))
	return wrap("create group", mapWriteErr(err))
}

func (s *Store) GetGroup(ctx context.Context, groupID string) (*models.Group, error) {
	g, err := scanGroup(s.db.QueryRowContext(ctx, `
		SELECT `+groupColumns+` FROM groups
		WHERE group_id = $1`, groupID))
	return g, wrap("get group", err)
}

func (s *Store) FindActiveGroupByJoinCode(ctx context.Context, code string) (*models.Group, error) {
	g, err := scanGroup(s.db.QueryRowContext(ctx, `
		SELECT `+groupColumns+` FROM groups
		WHERE join_code = $1 AND is_active`, code))
	return g, wrap("find group by join code", err)
}

func (s *Store) GetUserGroups(ctx context.Context, userID string) ([]*models.Group, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+groupColumns+` FROM groups
		WHERE is_active AND members @> ARRAY[$1::TEXT]
		ORDER BY last_active_at DESC`, userID)
	if err != nil {
		return nil, wrap("get user groups", err)
	}
	groups, err := scanGroups(rows)
	return groups, wrap("get user groups", err)
}

func (s *Store) ListActiveGroups(ctx context.Context) ([]*models.Group, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+groupColumns+` FROM groups
		WHERE is_active
		ORDER BY last_active_at DESC`)
	if err != nil {
		return nil, wrap("list active groups", err)
	}
	groups, err := scanGroups(rows)
	return groups, wrap("list active groups", err)
}

// diagnose explains why a guarded UPDATE matched no row. It returns the
// current group when the update was a no-op.
func (s *Store) diagnose(ctx context.Context, groupID string, noop func(g *models.Group) bool, otherwise error) (storage.MemberChange, error) {
	g, err := s.GetGroup(ctx, groupID)
	if err != nil {
		return storage.MemberChange{}, err
	}
	if !g.IsActive {
		return storage.MemberChange{}, storage.ErrGroupInactive
	}
	if noop(g) {
		return storage.MemberChange{Group: g}, nil
	}
	return storage.MemberChange{}, otherwise
}

func (s *Store) AddMember(ctx context.Context, groupID, userID string) (storage.MemberChange, error) {
	g, err := scanGroup(s.db.QueryRowContext(ctx, `
		UPDATE groups SET members = array_append(members, $2)
		WHERE group_id = $1
			AND is_active
			AND NOT ($2 = ANY(members))
			AND cardinality(members) < max_members
		RETURNING `+groupColumns, groupID, userID))
	if errors.Is(err, storage.ErrNotFound) {
		res, err := s.diagnose(ctx, groupID, func(g *models.Group) bool { return g.IsMember(userID) }, storage.ErrGroupFull)
		return res, wrap("add member", err)
	}
	if err != nil {
		return storage.MemberChange{}, wrap("add member", mapWriteErr(err))
	}
	return storage.MemberChange{Group: g, Changed: true}, nil
}

func (s *Store) RemoveMember(ctx context.Context, groupID, userID string) (storage.MemberChange, error) {
	g, err := scanGroup(s.db.QueryRowContext(ctx, `
		UPDATE groups
		SET members = array_remove(members, $2::TEXT),
			admin_ids = array_remove(admin_ids, $2::TEXT)
		WHERE group_id = $1
			AND is_active
			AND created_by <> $2::TEXT
			AND ($2::TEXT = ANY(members) OR $2::TEXT = ANY(admin_ids))
		RETURNING `+groupColumns, groupID, userID))
	if errors.Is(err, storage.ErrNotFound) {
		res, err := s.diagnose(ctx, groupID, func(g *models.Group) bool {
			return !g.IsMember(userID) && !g.IsAdmin(userID)
		}, storage.ErrInvariant)
		return res, wrap("remove member", err)
	}
	if err != nil {
		return storage.MemberChange{}, wrap("remove member", mapWriteErr(err))
	}
	return storage.MemberChange{Group: g, Changed: true}, nil
}

func (s *Store) AddAdmin(ctx context.Context, groupID, userID string) (storage.MemberChange, error) {
	g, err := scanGroup(s.db.QueryRowContext(ctx, `
		UPDATE groups SET admin_ids = array_append(admin_ids, $2)
		WHERE group_id = $1
			AND is_active
			AND $2 = ANY(members)
			AND NOT ($2 = ANY(admin_ids))
		RETURNING `+groupColumns, groupID, userID))
	if errors.Is(err, storage.ErrNotFound) {
		res, err := s.diagnose(ctx, groupID, func(g *models.Group) bool { return g.IsMember(userID) }, storage.ErrNotMember)
		return res, wrap("add admin", err)
	}
	if err != nil {
		return storage.MemberChange{}, wrap("add admin", mapWriteErr(err))
	}
	return storage.MemberChange{Group: g, Changed: true}, nil
}

func (s *Store) RemoveAdmin(ctx context.Context, groupID, userID string) (storage.MemberChange, error) {
	g, err := scanGroup(s.db.QueryRowContext(ctx, `
		UPDATE groups SET admin_ids = array_remove(admin_ids, $2::TEXT)
		WHERE group_id = $1
			AND is_active
			AND created_by <> $2::TEXT
			AND $2::TEXT = ANY(admin_ids)
		RETURNING `+groupColumns, groupID, userID))
	if errors.Is(err, storage.ErrNotFound) {
		res, err := s.diagnose(ctx, groupID, func(g *models.Group) bool { return userID != g.CreatedBy }, storage.ErrInvariant)
		return res, wrap("remove admin", err)
	}
	if err != nil {
		return storage.MemberChange{}, wrap("remove admin", mapWriteErr(err))
	}
	return storage.MemberChange{Group: g, Changed: true}, nil
}

func (s *Store) UpdateGroup(ctx context.Context, groupID string, update models.GroupUpdate) (*models.Group, error) {
	g, err := scanGroup(s.db.QueryRowContext(ctx, `
		UPDATE groups
		SET name = COALESCE($2, name),
			description = COALESCE($3, description)
		WHERE group_id = $1 AND is_active
		RETURNING `+groupColumns, groupID, update.Name, update.Description))
	if errors.Is(err, storage.ErrNotFound) {
		_, err = s.diagnose(ctx, groupID, func(*models.Group) bool { return false }, storage.ErrNotFound)
	}
	return g, wrap("update group", mapWriteErr(err))
}

func (s *Store) SetJoinCode(ctx context.Context, groupID, code string) (*models.Group, error) {
	g, err := scanGroup(s.db.QueryRowContext(ctx, `
		UPDATE groups SET join_code = $2
		WHERE group_id = $1 AND is_active
		RETURNING `+groupColumns, groupID, code))
	if errors.Is(err, storage.ErrNotFound) {
		_, err = s.diagnose(ctx, groupID, func(*models.Group) bool { return false }, storage.ErrNotFound)
	}
	return g, wrap("set join code", mapWriteErr(err))
}

// IncrementMessageCount locks the group row for the duration of the
// read-modify-write.
func (s *Store) IncrementMessageCount(ctx context.Context, groupID string, at time.Time) (*models.Group, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, wrap("begin transaction", err)
	}
	defer tx.Rollback()

	var active bool
	err = tx.QueryRowContext(ctx, `
		SELECT is_active FROM groups
		WHERE group_id = $1
		FOR UPDATE`, groupID).Scan(&active)
	if err != nil {
		return nil, wrap("lock group", notFound(err))
	}
	if !active {
		return nil, wrap("increment message count", storage.ErrGroupInactive)
	}

	g, err := scanGroup(tx.QueryRowContext(ctx, `
		UPDATE groups
		SET message_count = message_count + 1,
			last_active_at = GREATEST(last_active_at, $2)
		WHERE group_id = $1
		RETURNING `+groupColumns, groupID, at))
	if err != nil {
		return nil, wrap("increment message count", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, wrap("commit message count", err)
	}
	return g, nil
}

func (s *Store) TouchActivity(ctx context.Context, groupID string, at time.Time) (*models.Group, error) {
	g, err := scanGroup(s.db.QueryRowContext(ctx, `
		UPDATE groups SET last_active_at = GREATEST(last_active_at, $2)
		WHERE group_id = $1 AND is_active
		RETURNING `+groupColumns, groupID, at))
	if errors.Is(err, storage.ErrNotFound) {
		_, err = s.diagnose(ctx, groupID, func(*models.Group) bool { return false }, storage.ErrNotFound)
	}
	return g, wrap("touch activity", err)
}

func (s *Store) MarkInactive(ctx context.Context, groupID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE groups SET is_active = FALSE
		WHERE group_id = $1`, groupID)
	if err != nil {
		return wrap("mark group inactive", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return wrap("mark group inactive", err)
	}
	if n == 0 {
		return wrap("mark group inactive", storage.ErrNotFound)
	}
	return nil
}
