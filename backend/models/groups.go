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
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"
	"unicode/utf8"
)

const (
	MinGroupMembers    = 2
	MaxGroupMembers    = 100
	DefaultMaxMembers  = 50
	MinGroupNameLength = 3
	MaxGroupNameLength = 50
	JoinCodeLength     = 6
	JoinCodeAlphabet   = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
)

// Group is the aggregate root of a chat room with an expiry contract.
type Group struct {
	GroupID      string         `json:"groupId" db:"group_id"`
	Name         string         `json:"name" db:"name"`
	Description  string         `json:"description" db:"description"`
	CreatedBy    string         `json:"createdBy" db:"created_by"`
	Members      []string       `json:"members" db:"members"`
	AdminIDs     []string       `json:"adminIds" db:"admin_ids"`
	Contract     ExpiryContract `json:"-" db:"expiry_contract"`
	CreatedAt    time.Time      `json:"createdAt" db:"created_at"`
	LastActiveAt time.Time      `json:"lastActiveAt" db:"last_active_at"`
	MessageCount uint32         `json:"messageCount" db:"message_count"`
	JoinCode     string         `json:"joinCode" db:"join_code"`
	IsActive     bool           `json:"isActive" db:"is_active"`
	MaxMembers   uint32         `json:"maxMembers" db:"max_members"`
}

type groupJSON Group

type groupWire struct {
	*groupJSON
	ExpiryContract ContractRecord `json:"expiryContract"`
}

func (g Group) MarshalJSON() ([]byte, error) {
	rec, err := EncodeContract(g.Contract)
	if err != nil {
		return nil, err
	}
	gj := groupJSON(g)
	return json.Marshal(groupWire{groupJSON: &gj, ExpiryContract: rec})
}

func (g *Group) UnmarshalJSON(data []byte) error {
	wire := groupWire{groupJSON: (*groupJSON)(g)}
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	contract, err := DecodeContract(wire.ExpiryContract)
	if err != nil {
		return err
	}
	g.Contract = contract
	return nil
}

func (g *Group) IsMember(userID string) bool {
	return slices.Contains(g.Members, userID)
}

// IsAdmin reports admin rights. The creator is always an admin.
func (g *Group) IsAdmin(userID string) bool {
	return userID == g.CreatedBy || slices.Contains(g.AdminIDs, userID)
}

func (g *Group) IsFull() bool {
	return uint32(len(g.Members)) >= g.MaxMembers
}

// HasExpired evaluates the group's contract at now.
func (g *Group) HasExpired(now time.Time) bool {
	if g.Contract == nil {
		return false
	}
	return g.Contract.HasExpired(g, now)
}

func (g *Group) ExpiresAt() (time.Time, bool) {
	if g.Contract == nil {
		return time.Time{}, false
	}
	return g.Contract.ExpiresAt(g)
}

// RemainingTime returns how long a time-based group has left, clamped at
// zero. Count and poll based contracts report false.
func (g *Group) RemainingTime(now time.Time) (time.Duration, bool) {
	deadline, ok := g.ExpiresAt()
	if !ok {
		return 0, false
	}
	if left := deadline.Sub(now); left > 0 {
		return left, true
	}
	return 0, true
}

// Clone returns a deep copy safe to mutate.
func (g *Group) Clone() *Group {
	c := *g
	c.Members = slices.Clone(g.Members)
	c.AdminIDs = slices.Clone(g.AdminIDs)
	return &c
}

// Validate checks every invariant of the aggregate. Stores call it before
// committing a mutation.
func (g *Group) Validate() error {
	if g.GroupID == "" {
		return errors.New("group id is required")
	}
	if g.CreatedBy == "" {
		return errors.New("group creator is required")
	}
	if g.Contract == nil {
		return errors.New("expiry contract is required")
	}
	if err := ValidateMaxMembers(g.MaxMembers); err != nil {
		return err
	}
	if uint32(len(g.Members)) > g.MaxMembers {
		return fmt.Errorf("group has %d members, limit is %d", len(g.Members), g.MaxMembers)
	}
	if hasDuplicates(g.Members) {
		return errors.New("group members must be unique")
	}
	if hasDuplicates(g.AdminIDs) {
		return errors.New("group admins must be unique")
	}
	if g.IsActive {
		if !g.IsMember(g.CreatedBy) {
			return errors.New("group creator must be a member")
		}
		if !slices.Contains(g.AdminIDs, g.CreatedBy) {
			return errors.New("group creator must be an admin")
		}
	}
	for _, id := range g.AdminIDs {
		if !g.IsMember(id) {
			return fmt.Errorf("admin %s is not a member", id)
		}
	}
	if !IsValidJoinCode(g.JoinCode) {
		return fmt.Errorf("invalid join code %q", g.JoinCode)
	}
	if g.LastActiveAt.Before(g.CreatedAt) {
		return errors.New("last activity precedes creation")
	}
	return nil
}

func ValidateGroupName(name string) error {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return errors.New("group name cannot be blank")
	}
	n := utf8.RuneCountInString(trimmed)
	if n < MinGroupNameLength || n > MaxGroupNameLength {
		return fmt.Errorf("group name must be between %d and %d characters", MinGroupNameLength, MaxGroupNameLength)
	}
	return nil
}

func ValidateMaxMembers(n uint32) error {
	if n < MinGroupMembers || n > MaxGroupMembers {
		return fmt.Errorf("max members must be between %d and %d", MinGroupMembers, MaxGroupMembers)
	}
	return nil
}

// NormalizeJoinCode trims and upper-cases user input before lookup.
func NormalizeJoinCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

func IsValidJoinCode(code string) bool {
	if len(code) != JoinCodeLength {
		return false
	}
	for _, r := range code {
		if !strings.ContainsRune(JoinCodeAlphabet, r) {
			return false
		}
	}
	return true
}

// GroupUpdate is a partial update of the mutable descriptive fields.
type GroupUpdate struct {
	Name        *string `json:"name,omitempty"`
	Description *string `json:"description,omitempty"`
}

func (u GroupUpdate) IsEmpty() bool {
	return u.Name == nil && u.Description == nil
}

func hasDuplicates(ids []string) bool {
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			return true
		}
		seen[id] = struct{}{}
	}
	return false
}
