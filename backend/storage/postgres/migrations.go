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

func (s *Store) Migrate() error {
	migrations := []string{
		// Groups table. members and admin_ids are sets kept as arrays.
		`CREATE TABLE IF NOT EXISTS groups (
			group_id VARCHAR(255) PRIMARY KEY,
			name VARCHAR(50) NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			created_by VARCHAR(255) NOT NULL,
			members TEXT[] NOT NULL,
			admin_ids TEXT[] NOT NULL DEFAULT '{}',
			expiry_contract JSONB NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
			last_active_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
			message_count BIGINT NOT NULL DEFAULT 0 CHECK (message_count >= 0),
			join_code CHAR(6) NOT NULL,
			is_active BOOLEAN NOT NULL DEFAULT TRUE,
			max_members INTEGER NOT NULL CHECK (max_members BETWEEN 2 AND 100),
			CONSTRAINT members_within_capacity CHECK (cardinality(members) <= max_members),
			CONSTRAINT creator_is_member CHECK (NOT is_active OR created_by = ANY(members)),
			CONSTRAINT admins_are_members CHECK (admin_ids <@ members)
		)`,

		// Join codes are unique among active groups only
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_active_join_code
		ON groups(join_code)
		WHERE is_active`,

		// Index for membership queries
		`CREATE INDEX IF NOT EXISTS idx_group_members
		ON groups USING GIN (members)`,

		`CREATE INDEX IF NOT EXISTS idx_active_groups
		ON groups(last_active_at DESC)
		WHERE is_active`,

		// Group messages table
		`CREATE TABLE IF NOT EXISTS group_messages (
			message_id VARCHAR(255) PRIMARY KEY,
			group_id VARCHAR(255) NOT NULL,
			sender_id VARCHAR(255) NOT NULL,
			sender_name VARCHAR(255) NOT NULL DEFAULT '',
			content TEXT NOT NULL,
			sent_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
			read_by TEXT[] NOT NULL DEFAULT '{}',
			is_read BOOLEAN NOT NULL DEFAULT FALSE,
			read_at TIMESTAMPTZ,
			self_destruct_ms BIGINT CHECK (self_destruct_ms > 0),
			message_type VARCHAR(10) NOT NULL CHECK (message_type IN ('TEXT', 'IMAGE', 'SYSTEM')),
			reply_to_message_id VARCHAR(255),
			is_edited BOOLEAN NOT NULL DEFAULT FALSE,
			edited_at TIMESTAMPTZ
		)`,

		// Create index for message retrieval
		`CREATE INDEX IF NOT EXISTS idx_group_messages
		ON group_messages(group_id, sent_at DESC)`,

		// Self-destruct candidates
		`CREATE INDEX IF NOT EXISTS idx_self_destruct
		ON group_messages(read_at)
		WHERE self_destruct_ms IS NOT NULL AND read_at IS NOT NULL`,
	}

	for _, migration := range migrations {
		if _, err := s.db.Exec(migration); err != nil {
			return err
		}
	}

	return nil
}
