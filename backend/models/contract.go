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
	"math"
	"time"
)

// MaxDurationMillis is the largest millisecond count a time.Duration holds.
const MaxDurationMillis = math.MaxInt64 / int64(time.Millisecond)

// MillisToDuration converts a persisted or client supplied millisecond
// count, rejecting values a time.Duration cannot represent.
func MillisToDuration(ms int64) (time.Duration, error) {
	if ms < 0 {
		return 0, fmt.Errorf("negative duration %dms", ms)
	}
	if ms > MaxDurationMillis {
		return 0, fmt.Errorf("duration %dms is out of range", ms)
	}
	return time.Duration(ms) * time.Millisecond, nil
}

// ContractType is the storage discriminant of an ExpiryContract.
type ContractType string

const (
	ContractTimed        ContractType = "TIMED"
	ContractMessageLimit ContractType = "MESSAGE_LIMIT"
	ContractInactivity   ContractType = "INACTIVITY"
	ContractPollBased    ContractType = "POLL_BASED"
)

// ExpiryContract decides when a group dies. The set of implementations is
// closed: Timed, MessageLimit, Inactivity and PollBased.
type ExpiryContract interface {
	Type() ContractType
	// ExpiresAt reports the deadline for time-based contracts. The second
	// result is false when the contract has no deadline.
	ExpiresAt(g *Group) (time.Time, bool)
	HasExpired(g *Group, now time.Time) bool
	// Validate checks the contract parameters accepted at group creation.
	Validate() error

	sealed()
}

// Timed expires a group Duration after it was created.
type Timed struct {
	Duration time.Duration
}

// MessageLimit expires a group once MaxMessages messages have been counted.
type MessageLimit struct {
	MaxMessages uint32
}

// Inactivity expires a group Timeout after its last activity.
type Inactivity struct {
	Timeout time.Duration
}

// PollBased groups are retired by a member vote outside this engine, so
// they never report expiry here.
type PollBased struct{}

func (Timed) Type() ContractType        { return ContractTimed }
func (MessageLimit) Type() ContractType { return ContractMessageLimit }
func (Inactivity) Type() ContractType   { return ContractInactivity }
func (PollBased) Type() ContractType    { return ContractPollBased }

func (Timed) sealed()        {}
func (MessageLimit) sealed() {}
func (Inactivity) sealed()   {}
func (PollBased) sealed()    {}

func (c Timed) ExpiresAt(g *Group) (time.Time, bool) {
	return g.CreatedAt.Add(c.Duration), true
}

func (c Timed) HasExpired(g *Group, now time.Time) bool {
	deadline, _ := c.ExpiresAt(g)
	return !now.Before(deadline)
}

func (c Timed) Validate() error {
	if c.Duration <= 0 {
		return errors.New("timed contract duration must be positive")
	}
	return nil
}

func (MessageLimit) ExpiresAt(*Group) (time.Time, bool) { return time.Time{}, false }

func (c MessageLimit) HasExpired(g *Group, _ time.Time) bool {
	return g.MessageCount >= c.MaxMessages
}

func (c MessageLimit) Validate() error {
	if c.MaxMessages == 0 {
		return errors.New("message limit must be at least 1")
	}
	return nil
}

func (c Inactivity) ExpiresAt(g *Group) (time.Time, bool) {
	return g.LastActiveAt.Add(c.Timeout), true
}

func (c Inactivity) HasExpired(g *Group, now time.Time) bool {
	deadline, _ := c.ExpiresAt(g)
	return !now.Before(deadline)
}

func (c Inactivity) Validate() error {
	if c.Timeout <= 0 {
		return errors.New("inactivity timeout must be positive")
	}
	return nil
}

func (PollBased) ExpiresAt(*Group) (time.Time, bool) { return time.Time{}, false }
func (PollBased) HasExpired(*Group, time.Time) bool  { return false }
func (PollBased) Validate() error                    { return nil }

// ContractRecord is the persisted shape of an ExpiryContract:
// {type, durationMillis | maxMessages | timeoutMillis}.
type ContractRecord struct {
	Type           ContractType `json:"type" bson:"type"`
	DurationMillis *int64       `json:"durationMillis,omitempty" bson:"durationMillis,omitempty"`
	MaxMessages    *uint32      `json:"maxMessages,omitempty" bson:"maxMessages,omitempty"`
	TimeoutMillis  *int64       `json:"timeoutMillis,omitempty" bson:"timeoutMillis,omitempty"`
}

// EncodeContract converts a contract to its storage record.
func EncodeContract(c ExpiryContract) (ContractRecord, error) {
	switch v := c.(type) {
	case Timed:
		ms := v.Duration.Milliseconds()
		return ContractRecord{Type: ContractTimed, DurationMillis: &ms}, nil
	case MessageLimit:
		n := v.MaxMessages
		return ContractRecord{Type: ContractMessageLimit, MaxMessages: &n}, nil
	case Inactivity:
		ms := v.Timeout.Milliseconds()
		return ContractRecord{Type: ContractInactivity, TimeoutMillis: &ms}, nil
	case PollBased:
		return ContractRecord{Type: ContractPollBased}, nil
	case nil:
		return ContractRecord{}, errors.New("expiry contract is required")
	default:
		return ContractRecord{}, fmt.Errorf("unsupported expiry contract %T", c)
	}
}

// DecodeContract rebuilds a contract from its storage record. Unknown types
// and records missing their variant field are rejected.
func DecodeContract(r ContractRecord) (ExpiryContract, error) {
	switch r.Type {
	case ContractTimed:
		if r.DurationMillis == nil {
			return nil, errors.New("timed contract is missing durationMillis")
		}
		d, err := MillisToDuration(*r.DurationMillis)
		if err != nil {
			return nil, fmt.Errorf("timed contract: %w", err)
		}
		return Timed{Duration: d}, nil
	case ContractMessageLimit:
		if r.MaxMessages == nil {
			return nil, errors.New("message limit contract is missing maxMessages")
		}
		return MessageLimit{MaxMessages: *r.MaxMessages}, nil
	case ContractInactivity:
		if r.TimeoutMillis == nil {
			return nil, errors.New("inactivity contract is missing timeoutMillis")
		}
		d, err := MillisToDuration(*r.TimeoutMillis)
		if err != nil {
			return nil, fmt.Errorf("inactivity contract: %w", err)
		}
		return Inactivity{Timeout: d}, nil
	case ContractPollBased:
		return PollBased{}, nil
	default:
		return nil, fmt.Errorf("unknown expiry contract type %q", r.Type)
	}
}

// MarshalContractJSON encodes a contract in its storage shape.
func MarshalContractJSON(c ExpiryContract) ([]byte, error) {
	rec, err := EncodeContract(c)
	if err != nil {
		return nil, err
	}
	return json.Marshal(rec)
}

// UnmarshalContractJSON decodes a contract from its storage shape.
func UnmarshalContractJSON(data []byte) (ExpiryContract, error) {
	var rec ContractRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to parse expiry contract: %w", err)
	}
	return DecodeContract(rec)
}
