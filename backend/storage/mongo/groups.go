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

func (s *Store) CreateGroup(ctx context.Context, g *models.Group) error {
	if err := g.Validate(); err != nil {
		return fmt.Errorf("%w: %v", storage.ErrInvariant, err)
	}
	doc, err := toGroupDoc(g)
	if err != nil {
		return err
	}
	if _, err := s.groups().InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) && !s.groupExists(ctx, g.GroupID) {
			return storage.ErrJoinCodeTaken
		}
		return wrap("create group", err)
	}
	return nil
}

func (s *Store) groupExists(ctx context.Context, groupID string) bool {
	n, err := s.groups().CountDocuments(ctx, bson.M{"_id": groupID})
	return err == nil && n > 0
}

func (s *Store) findGroup(ctx context.Context, filter bson.M) (*models.Group, error) {
	var doc groupDoc
	if err := s.groups().FindOne(ctx, filter).Decode(&doc); err != nil {
		return nil, notFound(err)
	}
	return doc.toModel()
}

func (s *Store) findGroups(ctx context.Context, filter bson.M) ([]*models.Group, error) {
	opts := options.Find().SetSort(bson.D{{Key: "lastActiveAt", Value: -1}})
	cursor, err := s.groups().Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	var docs []groupDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, err
	}

	groups := make([]*models.Group, 0, len(docs))
	for _, d := range docs {
		g, err := d.toModel()
		if err != nil {
			return nil, err
		}
		groups = append(groups, g)
	}
	return groups, nil
}

func (s *Store) GetGroup(ctx context.Context, groupID string) (*models.Group, error) {
	g, err := s.findGroup(ctx, bson.M{"_id": groupID})
	return g, wrap("get group", err)
}

func (s *Store) FindActiveGroupByJoinCode(ctx context.Context, code string) (*models.Group, error) {
	g, err := s.findGroup(ctx, bson.M{"joinCode": code, "isActive": true})
	return g, wrap("find group by join code", err)
}

func (s *Store) GetUserGroups(ctx context.Context, userID string) ([]*models.Group, error) {
	groups, err := s.findGroups(ctx, bson.M{"isActive": true, "members": userID})
	return groups, wrap("get user groups", err)
}

func (s *Store) ListActiveGroups(ctx context.Context) ([]*models.Group, error) {
	groups, err := s.findGroups(ctx, bson.M{"isActive": true})
	return groups, wrap("list active groups", err)
}

// updateGroup applies a guarded update and returns the new document, or
// storage.ErrNotFound when the filter matched nothing.
func (s *Store) updateGroup(ctx context.Context, filter bson.M, update any) (*models.Group, error) {
	var doc groupDoc
	err := s.groups().FindOneAndUpdate(ctx, filter, update, returnAfter).Decode(&doc)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return nil, storage.ErrJoinCodeTaken
		}
		return nil, notFound(err)
	}
	return doc.toModel()
}

// diagnose explains why a guarded update matched nothing.
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

func (s *Store) memberUpdate(ctx context.Context, op, groupID string, filter bson.M, update bson.M, noop func(*models.Group) bool, otherwise error) (storage.MemberChange, error) {
	filter["_id"] = groupID
	filter["isActive"] = true

	g, err := s.updateGroup(ctx, filter, update)
	if errors.Is(err, storage.ErrNotFound) {
		res, err := s.diagnose(ctx, groupID, noop, otherwise)
		return res, wrap(op, err)
	}
	if err != nil {
		return storage.MemberChange{}, wrap(op, err)
	}
	return storage.MemberChange{Group: g, Changed: true}, nil
}

func (s *Store) AddMember(ctx context.Context, groupID, userID string) (storage.MemberChange, error) {
	return s.memberUpdate(ctx, "add member", groupID,
		bson.M{
			"members": bson.M{"$ne": userID},
			"$expr":   bson.M{"$lt": bson.A{bson.M{"$size": "$members"}, "$maxMembers"}},
		},
		bson.M{"$addToSet": bson.M{"members": userID}},
		func(g *models.Group) bool { return g.IsMember(userID) },
		storage.ErrGroupFull)
}

func (s *Store) RemoveMember(ctx context.Context, groupID, userID string) (storage.MemberChange, error) {
	return s.memberUpdate(ctx, "remove member", groupID,
		bson.M{
			"createdBy": bson.M{"$ne": userID},
			"$or":       bson.A{bson.M{"members": userID}, bson.M{"adminIds": userID}},
		},
		bson.M{"$pull": bson.M{"members": userID, "adminIds": userID}},
		func(g *models.Group) bool { return !g.IsMember(userID) && !g.IsAdmin(userID) },
		storage.ErrInvariant)
}

func (s *Store) AddAdmin(ctx context.Context, groupID, userID string) (storage.MemberChange, error) {
	return s.memberUpdate(ctx, "add admin", groupID,
		bson.M{
			"members":  userID,
			"adminIds": bson.M{"$ne": userID},
		},
		bson.M{"$addToSet": bson.M{"adminIds": userID}},
		func(g *models.Group) bool { return g.IsMember(userID) },
		storage.ErrNotMember)
}

func (s *Store) RemoveAdmin(ctx context.Context, groupID, userID string) (storage.MemberChange, error) {
	return s.memberUpdate(ctx, "remove admin", groupID,
		bson.M{
			"createdBy": bson.M{"$ne": userID},
			"adminIds":  userID,
		},
		bson.M{"$pull": bson.M{"adminIds": userID}},
		func(g *models.Group) bool { return userID != g.CreatedBy },
		storage.ErrInvariant)
}

func (s *Store) activeUpdate(ctx context.Context, op, groupID string, update bson.M) (*models.Group, error) {
	res, err := s.memberUpdate(ctx, op, groupID, bson.M{}, update,
		func(*models.Group) bool { return false }, storage.ErrNotFound)
	return res.Group, err
}

func (s *Store) UpdateGroup(ctx context.Context, groupID string, update models.GroupUpdate) (*models.Group, error) {
	set := bson.M{}
	if update.Name != nil {
		set["name"] = *update.Name
	}
	if update.Description != nil {
		set["description"] = *update.Description
	}
	if len(set) == 0 {
		return s.GetGroup(ctx, groupID)
	}
	return s.activeUpdate(ctx, "update group", groupID, bson.M{"$set": set})
}

func (s *Store) SetJoinCode(ctx context.Context, groupID, code string) (*models.Group, error) {
	return s.activeUpdate(ctx, "set join code", groupID, bson.M{"$set": bson.M{"joinCode": code}})
}

func (s *Store) IncrementMessageCount(ctx context.Context, groupID string, at time.Time) (*models.Group, error) {
	return s.activeUpdate(ctx, "increment message count", groupID, bson.M{
		"$inc": bson.M{"messageCount": 1},
		"$max": bson.M{"lastActiveAt": at},
	})
}

func (s *Store) TouchActivity(ctx context.Context, groupID string, at time.Time) (*models.Group, error) {
	return s.activeUpdate(ctx, "touch activity", groupID, bson.M{"$max": bson.M{"lastActiveAt": at}})
}

func (s *Store) MarkInactive(ctx context.Context, groupID string) error {
	res, err := s.groups().UpdateOne(ctx, bson.M{"_id": groupID}, bson.M{"$set": bson.M{"isActive": false}})
	if err != nil {
		return wrap("mark group inactive", err)
	}
	if res.MatchedCount == 0 {
		return wrap("mark group inactive", storage.ErrNotFound)
	}
	return nil
}
