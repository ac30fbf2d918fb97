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
	"regexp"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/efchatnet/efgroups/backend/models"
	"github.com/efchatnet/efgroups/backend/storage"
)

func (s *Store) SaveMessage(ctx context.Context, m *models.Message) error {
	_, err := s.messages().InsertOne(ctx, toMessageDoc(m))
	return wrap("save message", err)
}

func (s *Store) GetMessage(ctx context.Context, messageID string) (*models.Message, error) {
	var doc messageDoc
	if err := s.messages().FindOne(ctx, bson.M{"_id": messageID}).Decode(&doc); err != nil {
		return nil, wrap("get message", notFound(err))
	}
	return doc.toModel(), nil
}

func (s *Store) findMessages(ctx context.Context, filter bson.M, limit int) ([]*models.Message, error) {
	opts := options.Find().SetSort(bson.D{{Key: "timestamp", Value: -1}, {Key: "_id", Value: -1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	cursor, err := s.messages().Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	var docs []messageDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, err
	}
	msgs := make([]*models.Message, 0, len(docs))
	for _, d := range docs {
		msgs = append(msgs, d.toModel())
	}
	return msgs, nil
}

func (s *Store) GetGroupMessages(ctx context.Context, groupID string, page models.Page) ([]*models.Message, error) {
	page = page.Normalize()
	filter := bson.M{"groupId": groupID}
	if page.Before != nil {
		filter["$or"] = bson.A{
			bson.M{"timestamp": bson.M{"$lt": *page.Before}},
			bson.M{"timestamp": *page.Before, "_id": bson.M{"$lt": page.BeforeID}},
		}
	}
	msgs, err := s.findMessages(ctx, filter, page.Limit)
	return msgs, wrap("get group messages", err)
}

// MarkRead appends the reader with a pipeline update so that readAt keeps
// the first read time.
func (s *Store) MarkRead(ctx context.Context, messageID, userID string, at time.Time) (*models.Message, bool, error) {
	update := bson.A{bson.M{"$set": bson.M{
		"readBy": bson.M{"$concatArrays": bson.A{bson.M{"$ifNull": bson.A{"$readBy", bson.A{}}}, bson.A{userID}}},
		"isRead": true,
		"readAt": bson.M{"$cond": bson.A{
			bson.M{"$eq": bson.A{"$type", string(models.MessageSystem)}},
			"$readAt",
			bson.M{"$ifNull": bson.A{"$readAt", at}},
		}},
	}}}

	var doc messageDoc
	err := s.messages().FindOneAndUpdate(ctx,
		bson.M{"_id": messageID, "readBy": bson.M{"$ne": userID}},
		update, returnAfter).Decode(&doc)
	if err != nil {
		if err = notFound(err); err == storage.ErrNotFound {
			m, err := s.GetMessage(ctx, messageID)
			return m, false, err
		}
		return nil, false, wrap("mark message read", err)
	}
	return doc.toModel(), true, nil
}

func (s *Store) UpdateContent(ctx context.Context, messageID, content string, at time.Time) (*models.Message, error) {
	var doc messageDoc
	err := s.messages().FindOneAndUpdate(ctx, bson.M{"_id": messageID},
		bson.M{"$set": bson.M{"content": content, "isEdited": true, "editedAt": at}},
		returnAfter).Decode(&doc)
	if err != nil {
		return nil, wrap("update message", notFound(err))
	}
	return doc.toModel(), nil
}

func (s *Store) DeleteMessage(ctx context.Context, messageID string) error {
	res, err := s.messages().DeleteOne(ctx, bson.M{"_id": messageID})
	if err != nil {
		return wrap("delete message", err)
	}
	if res.DeletedCount == 0 {
		return wrap("delete message", storage.ErrNotFound)
	}
	return nil
}

func (s *Store) DeleteGroupMessages(ctx context.Context, groupID string) (int64, error) {
	res, err := s.messages().DeleteMany(ctx, bson.M{"groupId": groupID})
	if err != nil {
		return 0, wrap("delete group messages", err)
	}
	return res.DeletedCount, nil
}

func (s *Store) ListDueForDestruction(ctx context.Context, now time.Time) ([]*models.Message, error) {
	msgs, err := s.findMessages(ctx, bson.M{
		"selfDestructDuration": bson.M{"$exists": true},
		"readAt":               bson.M{"$exists": true},
		"isRead":               true,
		"type":                 bson.M{"$ne": string(models.MessageSystem)},
		"$expr": bson.M{"$lte": bson.A{
			bson.M{"$add": bson.A{"$readAt", "$selfDestructDuration"}},
			now,
		}},
	}, 0)
	return msgs, wrap("list messages to destruct", err)
}

func (s *Store) SearchMessages(ctx context.Context, groupID, query string, limit int) ([]*models.Message, error) {
	msgs, err := s.findMessages(ctx, bson.M{
		"groupId": groupID,
		"type":    bson.M{"$ne": string(models.MessageSystem)},
		"content": bson.Regex{Pattern: regexp.QuoteMeta(query), Options: "i"},
	}, limit)
	return msgs, wrap("search messages", err)
}

func (s *Store) CountUnread(ctx context.Context, groupID, userID string) (int64, error) {
	n, err := s.messages().CountDocuments(ctx, bson.M{
		"groupId":  groupID,
		"type":     bson.M{"$ne": string(models.MessageSystem)},
		"senderId": bson.M{"$ne": userID},
		"readBy":   bson.M{"$ne": userID},
	})
	return n, wrap("count unread messages", err)
}

func (s *Store) LatestMessages(ctx context.Context, groupIDs []string) (map[string]*models.Message, error) {
	pipeline := bson.A{
		bson.M{"$match": bson.M{"groupId": bson.M{"$in": groupIDs}}},
		bson.M{"$sort": bson.D{{Key: "timestamp", Value: -1}, {Key: "_id", Value: -1}}},
		bson.M{"$group": bson.M{"_id": "$groupId", "latest": bson.M{"$first": "$$ROOT"}}},
	}
	cursor, err := s.messages().Aggregate(ctx, pipeline)
	if err != nil {
		return nil, wrap("get latest messages", err)
	}
	var rows []struct {
		GroupID string     `bson:"_id"`
		Latest  messageDoc `bson:"latest"`
	}
	if err := cursor.All(ctx, &rows); err != nil {
		return nil, wrap("get latest messages", err)
	}

	latest := make(map[string]*models.Message, len(rows))
	for _, r := range rows {
		latest[r.GroupID] = r.Latest.toModel()
	}
	return latest, nil
}

func (s *Store) CountGroupMessages(ctx context.Context, groupID string) (int64, error) {
	n, err := s.messages().CountDocuments(ctx, bson.M{"groupId": groupID})
	return n, wrap("count group messages", err)
}
