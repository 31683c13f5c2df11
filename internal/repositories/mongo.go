package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"conversation-service/internal/models"
)

// MongoStore persists conversations and messages as documents in two
// independent collections.
type MongoStore struct {
	client        *mongo.Client
	conversations *mongo.Collection
	messages      *mongo.Collection
}

var (
	_ ConversationRepository = (*MongoStore)(nil)
	_ MessageRepository      = (*MongoStore)(nil)
)

type conversationDoc struct {
	models.Conversation `bson:",inline"`
	PairKey             string `bson:"pair_key,omitempty"`
}

// ConnectMongo dials uri, verifies the connection and ensures indexes.
func ConnectMongo(ctx context.Context, uri, database string) (*MongoStore, error) {
	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("ping mongo: %w", err)
	}

	db := client.Database(database)
	store := &MongoStore{
		client:        client,
		conversations: db.Collection("conversations"),
		messages:      db.Collection("messages"),
	}
	if err := store.ensureIndexes(ctx); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("mongo indexes: %w", err)
	}
	return store, nil
}

func (s *MongoStore) ensureIndexes(ctx context.Context) error {
	if _, err := s.conversations.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "participants", Value: 1}, {Key: "updated_at", Value: -1}}},
		{Keys: bson.D{{Key: "pair_key", Value: 1}}, Options: options.Index().SetUnique(true).SetSparse(true)},
	}); err != nil {
		return err
	}
	_, err := s.messages.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "conversation_id", Value: 1}, {Key: "created_at", Value: 1}}},
	})
	return err
}

// Close disconnects the client.
func (s *MongoStore) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

func (s *MongoStore) CreateConversation(ctx context.Context, conv models.Conversation) (models.Conversation, error) {
	doc := conversationDoc{Conversation: conv}
	if conv.Kind == models.KindIndividual {
		doc.PairKey = PairKey(conv.Participants)
	}
	_, err := s.conversations.InsertOne(ctx, doc)
	if err == nil {
		return conv, nil
	}
	if !mongo.IsDuplicateKeyError(err) || doc.PairKey == "" {
		return models.Conversation{}, err
	}

	var existing conversationDoc
	if err := s.conversations.FindOne(ctx, bson.D{{Key: "pair_key", Value: doc.PairKey}}).Decode(&existing); err != nil {
		return models.Conversation{}, err
	}
	return existing.Conversation, nil
}

func (s *MongoStore) GetConversation(ctx context.Context, conversationID string) (models.Conversation, error) {
	var doc conversationDoc
	err := s.conversations.FindOne(ctx, bson.D{{Key: "_id", Value: conversationID}}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return models.Conversation{}, ErrConversationNotFound
	}
	return doc.Conversation, err
}

func (s *MongoStore) ListConversations(ctx context.Context, userID string) ([]models.Conversation, error) {
	cur, err := s.conversations.Find(ctx, bson.D{{Key: "participants", Value: userID}},
		options.Find().SetSort(bson.D{{Key: "updated_at", Value: -1}}))
	if err != nil {
		return nil, err
	}
	var docs []conversationDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}
	out := make([]models.Conversation, 0, len(docs))
	for _, d := range docs {
		out = append(out, d.Conversation)
	}
	return out, nil
}

func (s *MongoStore) ListConversationIDs(ctx context.Context, userID string) ([]string, error) {
	convs, err := s.ListConversations(ctx, userID)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(convs))
	for _, c := range convs {
		ids = append(ids, c.ID)
	}
	return ids, nil
}

// AppendMessage inserts msg and moves the conversation summary in one
// transaction. The conversation's updated_at is advanced first with an
// atomic $max, and the value it lands on becomes the message's createdAt;
// concurrent appends from other instances conflict on that document and
// are retried by the driver. Transactions need a replica set.
func (s *MongoStore) AppendMessage(ctx context.Context, msg models.Message) (models.Message, error) {
	sess, err := s.client.StartSession()
	if err != nil {
		return models.Message{}, err
	}
	defer sess.EndSession(ctx)

	requested := msg.CreatedAt.UTC().Truncate(createdAtTick)
	out, err := sess.WithTransaction(ctx, func(ctx context.Context) (any, error) {
		var conv conversationDoc
		err := s.conversations.FindOneAndUpdate(ctx,
			bson.D{{Key: "_id", Value: msg.ConversationID}},
			advanceUpdatedAt(requested),
			options.FindOneAndUpdate().SetReturnDocument(options.After),
		).Decode(&conv)
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrConversationNotFound
		}
		if err != nil {
			return nil, err
		}

		stored := msg
		stored.CreatedAt = conv.UpdatedAt
		if _, err := s.messages.InsertOne(ctx, stored); err != nil {
			return nil, err
		}
		if _, err := s.conversations.UpdateOne(ctx,
			bson.D{{Key: "_id", Value: stored.ConversationID}},
			bson.D{{Key: "$set", Value: bson.D{{Key: "last_message", Value: models.SummaryOf(stored)}}}},
		); err != nil {
			return nil, err
		}
		return stored, nil
	})
	if err != nil {
		return models.Message{}, err
	}
	return out.(models.Message), nil
}

// advanceUpdatedAt is the update pipeline equivalent of nextCreatedAt:
// updated_at becomes max(updated_at + tick, requested).
func advanceUpdatedAt(requested time.Time) mongo.Pipeline {
	return mongo.Pipeline{
		bson.D{{Key: "$set", Value: bson.D{
			{Key: "updated_at", Value: bson.D{{Key: "$max", Value: bson.A{
				bson.D{{Key: "$add", Value: bson.A{"$updated_at", createdAtTick.Milliseconds()}}},
				requested,
			}}}},
		}}},
	}
}

func (s *MongoStore) GetMessage(ctx context.Context, messageID string) (models.Message, error) {
	var msg models.Message
	err := s.messages.FindOne(ctx, bson.D{{Key: "_id", Value: messageID}}).Decode(&msg)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return models.Message{}, ErrMessageNotFound
	}
	return msg, err
}

func (s *MongoStore) ListMessages(ctx context.Context, conversationID string, page models.MessagePage) ([]models.Message, error) {
	filter := bson.D{{Key: "conversation_id", Value: conversationID}}
	if !page.Before.IsZero() {
		filter = append(filter, bson.E{Key: "created_at", Value: bson.D{{Key: "$lt", Value: page.Before}}})
	}
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}})
	if page.Limit > 0 {
		opts.SetLimit(int64(page.Limit))
	}
	cur, err := s.messages.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	var msgs []models.Message
	if err := cur.All(ctx, &msgs); err != nil {
		return nil, err
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

func (s *MongoStore) UpdateMessage(ctx context.Context, msg models.Message) (models.Message, error) {
	var updated models.Message
	err := s.messages.FindOneAndUpdate(ctx,
		bson.D{{Key: "_id", Value: msg.ID}},
		bson.D{{Key: "$set", Value: bson.D{
			{Key: "content", Value: msg.Content},
			{Key: "media_url", Value: msg.MediaURL},
			{Key: "is_edited", Value: msg.IsEdited},
			{Key: "is_deleted", Value: msg.IsDeleted},
		}}},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&updated)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return models.Message{}, ErrMessageNotFound
	}
	if err != nil {
		return models.Message{}, err
	}

	_, err = s.conversations.UpdateOne(ctx,
		bson.D{{Key: "_id", Value: updated.ConversationID}, {Key: "last_message.message_id", Value: updated.ID}},
		bson.D{{Key: "$set", Value: bson.D{{Key: "last_message", Value: models.SummaryOf(updated)}}}})
	if err != nil {
		return models.Message{}, err
	}
	return updated, nil
}

func (s *MongoStore) MarkRead(ctx context.Context, conversationID string, userID string, upto time.Time) (int64, error) {
	res, err := s.messages.UpdateMany(ctx,
		bson.D{
			{Key: "conversation_id", Value: conversationID},
			{Key: "created_at", Value: bson.D{{Key: "$lte", Value: upto}}},
			{Key: "read_by", Value: bson.D{{Key: "$ne", Value: userID}}},
		},
		bson.D{{Key: "$addToSet", Value: bson.D{{Key: "read_by", Value: userID}}}})
	if err != nil {
		return 0, err
	}
	return res.ModifiedCount, nil
}
