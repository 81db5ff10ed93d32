package chat

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"matchtalk/pkg/message"
)

const messagesCollection = "messages"

// MongoMessageStore keeps messages as documents shaped like the wire
// message, so pages can be returned without mapping.
type MongoMessageStore struct {
	collection *mongo.Collection
}

func NewMongoMessageStore(db *mongo.Database) *MongoMessageStore {
	return &MongoMessageStore{collection: db.Collection(messagesCollection)}
}

// EnsureIndexes creates the page index and the client temp id uniqueness
// index. Safe to call on every start.
func (s *MongoMessageStore) EnsureIndexes(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	_, err := s.collection.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "conversationId", Value: 1}, {Key: "createdAt", Value: -1}}},
		{
			Keys: bson.D{{Key: "conversationId", Value: 1}, {Key: "fromUserId", Value: 1}, {Key: "clientTempId", Value: 1}},
			Options: options.Index().SetUnique(true).
				SetPartialFilterExpression(bson.M{"clientTempId": bson.M{"$type": "string"}}),
		},
	})
	if err != nil {
		return fmt.Errorf("create message indexes: %w", err)
	}
	return nil
}

func (s *MongoMessageStore) Append(ctx context.Context, m message.Message) (message.Message, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if _, err := s.collection.InsertOne(ctx, m); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return message.Message{}, ErrDuplicate
		}
		return message.Message{}, fmt.Errorf("insert message: %w", err)
	}
	return m, nil
}

func (s *MongoMessageStore) Query(ctx context.Context, conversationID string, before int64, limit int) ([]message.Message, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	filter := bson.M{"conversationId": conversationID}
	if before > 0 {
		filter["createdAt"] = bson.M{"$lt": before}
	}
	opts := options.Find().
		SetSort(bson.D{{Key: "createdAt", Value: -1}}).
		SetLimit(int64(limit))

	cur, err := s.collection.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("query conversation page: %w", err)
	}
	result := make([]message.Message, 0, limit)
	if err := cur.All(ctx, &result); err != nil {
		return nil, fmt.Errorf("decode messages: %w", err)
	}
	slices.Reverse(result)
	return result, nil
}

func (s *MongoMessageStore) FindByClientTempID(ctx context.Context, conversationID, fromUserID, clientTempID string) (message.Message, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var m message.Message
	err := s.collection.FindOne(ctx, bson.M{
		"conversationId": conversationID,
		"fromUserId":     fromUserID,
		"clientTempId":   clientTempID,
	}).Decode(&m)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return message.Message{}, ErrNotFound
	}
	if err != nil {
		return message.Message{}, fmt.Errorf("find by client temp id: %w", err)
	}
	return m, nil
}

func (s *MongoMessageStore) MarkRead(ctx context.Context, conversationID, readerID string, readAt int64) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	res, err := s.collection.UpdateMany(ctx, bson.M{
		"conversationId": conversationID,
		"toUserId":       readerID,
		"readAt":         bson.M{"$exists": false},
		"createdAt":      bson.M{"$lte": readAt},
	}, bson.M{"$set": bson.M{"readAt": readAt}})
	if err != nil {
		return 0, fmt.Errorf("mark messages as read: %w", err)
	}
	return res.ModifiedCount, nil
}
