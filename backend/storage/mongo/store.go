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

// Package mongo implements the storage contracts on MongoDB. Membership
// changes use $addToSet/$pull guarded by filters, and counters use $inc,
// so every mutation is a single-document atomic update.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/efchatnet/efgroups/backend/models"
	"github.com/efchatnet/efgroups/backend/storage"
)

type Store struct {
	client *mongo.Client
	db     *mongo.Database
}

// Connect dials uri, checks the connection and ensures indexes.
func Connect(ctx context.Context, uri, database string) (*Store, error) {
	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	s := &Store{client: client, db: client.Database(database)}
	if err := s.Migrate(ctx); err != nil {
		_ = client.Disconnect(ctx)
		return nil, err
	}
	return s, nil
}

func (s *Store) groups() *mongo.Collection   { return s.db.Collection("groups") }
func (s *Store) messages() *mongo.Collection { return s.db.Collection("messages") }

// Migrate creates the collections' indexes.
func (s *Store) Migrate(ctx context.Context) error {
	collections := map[string][]mongo.IndexModel{
		"groups": {
			{
				Keys: bson.D{{Key: "joinCode", Value: 1}},
				Options: options.Index().SetUnique(true).SetName("unique_active_join_code").
					SetPartialFilterExpression(bson.M{"isActive": true}),
			},
			{Keys: bson.D{{Key: "members", Value: 1}}},
			{Keys: bson.D{{Key: "isActive", Value: 1}, {Key: "lastActiveAt", Value: -1}}},
		},
		"messages": {
			{Keys: bson.D{{Key: "groupId", Value: 1}, {Key: "timestamp", Value: -1}}},
			{
				Keys:    bson.D{{Key: "readAt", Value: 1}},
				Options: options.Index().SetPartialFilterExpression(bson.M{"selfDestructDuration": bson.M{"$exists": true}}),
			},
		},
	}

	for name, indexes := range collections {
		if _, err := s.db.Collection(name).Indexes().CreateMany(ctx, indexes); err != nil {
			return fmt.Errorf("failed to create indexes for %s: %w", name, err)
		}
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, nil)
}

func (s *Store) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

// --- documents ---

type groupDoc struct {
	ID             string                `bson:"_id"`
	Name           string                `bson:"name"`
	Description    string                `bson:"description"`
	CreatedBy      string                `bson:"createdBy"`
	Members        []string              `bson:"members"`
	AdminIDs       []string              `bson:"adminIds"`
	ExpiryContract models.ContractRecord `bson:"expiryContract"`
	CreatedAt      time.Time             `bson:"createdAt"`
	LastActiveAt   time.Time             `bson:"lastActiveAt"`
	MessageCount   int64                 `bson:"messageCount"`
	JoinCode       string                `bson:"joinCode"`
	IsActive       bool                  `bson:"isActive"`
	MaxMembers     int64                 `bson:"maxMembers"`
}

func toGroupDoc(g *models.Group) (groupDoc, error) {
	rec, err := models.EncodeContract(g.Contract)
	if err != nil {
		return groupDoc{}, err
	}
	return groupDoc{
		ID:             g.GroupID,
		Name:           g.Name,
		Description:    g.Description,
		CreatedBy:      g.CreatedBy,
		Members:        nonNil(g.Members),
		AdminIDs:       nonNil(g.AdminIDs),
		ExpiryContract: rec,
		CreatedAt:      g.CreatedAt,
		LastActiveAt:   g.LastActiveAt,
		MessageCount:   int64(g.MessageCount),
		JoinCode:       g.JoinCode,
		IsActive:       g.IsActive,
		MaxMembers:     int64(g.MaxMembers),
	}, nil
}

func (d groupDoc) toModel() (*models.Group, error) {
	contract, err := models.DecodeContract(d.ExpiryContract)
	if err != nil {
		return nil, fmt.Errorf("group %s: %w", d.ID, err)
	}
	return &models.Group{
		GroupID:      d.ID,
		Name:         d.Name,
		Description:  d.Description,
		CreatedBy:    d.CreatedBy,
		Members:      nonNil(d.Members),
		AdminIDs:     nonNil(d.AdminIDs),
		Contract:     contract,
		CreatedAt:    d.CreatedAt,
		LastActiveAt: d.LastActiveAt,
		MessageCount: uint32(d.MessageCount),
		JoinCode:     d.JoinCode,
		IsActive:     d.IsActive,
		MaxMembers:   uint32(d.MaxMembers),
	}, nil
}

type messageDoc struct {
	ID               string     `bson:"_id"`
	GroupID          string     `bson:"groupId"`
	SenderID         string     `bson:"senderId"`
	SenderName       string     `bson:"senderName"`
	Content          string     `bson:"content"`
	Timestamp        time.Time  `bson:"timestamp"`
	ReadBy           []string   `bson:"readBy"`
	IsRead           bool       `bson:"isRead"`
	ReadAt           *time.Time `bson:"readAt,omitempty"`
	SelfDestructMs   *int64     `bson:"selfDestructDuration,omitempty"`
	Type             string     `bson:"type"`
	ReplyToMessageID *string    `bson:"replyToMessageId,omitempty"`
	IsEdited         bool       `bson:"isEdited"`
	EditedAt         *time.Time `bson:"editedAt,omitempty"`
}

func toMessageDoc(m *models.Message) messageDoc {
	return messageDoc{
		ID:               m.MessageID,
		GroupID:          m.GroupID,
		SenderID:         m.SenderID,
		SenderName:       m.SenderName,
		Content:          m.Content,
		Timestamp:        m.Timestamp,
		ReadBy:           nonNil(m.ReadBy),
		IsRead:           m.IsRead,
		ReadAt:           m.ReadAt,
		SelfDestructMs:   m.SelfDestructMs,
		Type:             string(m.Type),
		ReplyToMessageID: m.ReplyToMessageID,
		IsEdited:         m.IsEdited,
		EditedAt:         m.EditedAt,
	}
}

func (d messageDoc) toModel() *models.Message {
	return &models.Message{
		MessageID:        d.ID,
		GroupID:          d.GroupID,
		SenderID:         d.SenderID,
		SenderName:       d.SenderName,
		Content:          d.Content,
		Timestamp:        d.Timestamp,
		ReadBy:           nonNil(d.ReadBy),
		IsRead:           d.IsRead,
		ReadAt:           d.ReadAt,
		SelfDestructMs:   d.SelfDestructMs,
		Type:             models.MessageType(d.Type),
		ReplyToMessageID: d.ReplyToMessageID,
		IsEdited:         d.IsEdited,
		EditedAt:         d.EditedAt,
	}
}

func nonNil(ids []string) []string {
	if ids == nil {
		return []string{}
	}
	return ids
}

func notFound(err error) error {
	if errors.Is(err, mongo.ErrNoDocuments) {
		return storage.ErrNotFound
	}
	return err
}

func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("failed to %s: %w", op, err)
}

var returnAfter = options.FindOneAndUpdate().SetReturnDocument(options.After)
