package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/nzlov/relay/message"
)

const (
	collMessages = "messages"
	collCounters = "message_counters"
)

type messageDoc struct {
	ChannelID string         `bson:"channel_id"`
	Seq       int64          `bson:"seq"`
	UserID    string         `bson:"user_id"`
	Content   string         `bson:"content"`
	CreatedAt time.Time      `bson:"created_at"`
	EditedAt  *time.Time     `bson:"edited_at"`
	Metadata  map[string]any `bson:"metadata"`
}

func (d messageDoc) message() message.Message {
	md := d.Metadata
	if md == nil {
		md = map[string]any{}
	}
	return message.Message{
		ChannelID: d.ChannelID,
		MessageID: strconv.FormatInt(d.Seq, 10),
		UserID:    d.UserID,
		Content:   d.Content,
		CreatedAt: d.CreatedAt,
		EditedAt:  d.EditedAt,
		Metadata:  md,
	}
}

// ConnectMongo opens a client and checks the server is reachable.
func ConnectMongo(ctx context.Context, uri string, maxPool uint64) (*mongo.Client, error) {
	opts := options.Client().ApplyURI(uri)
	if maxPool > 0 {
		opts.SetMaxPoolSize(maxPool)
	}
	client, err := mongo.Connect(opts)
	if err != nil {
		return nil, err
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("mongo ping: %w", err)
	}
	return client, nil
}

type MongoStore struct {
	coll *mongo.Collection
}

// NewMongoStore ensures the (channel_id, seq) unique index exists.
func NewMongoStore(ctx context.Context, db *mongo.Database) (*MongoStore, error) {
	coll := db.Collection(collMessages)
	_, err := coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "channel_id", Value: 1}, {Key: "seq", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return nil, fmt.Errorf("create index: %w", err)
	}
	return &MongoStore{coll: coll}, nil
}

func (s *MongoStore) Append(ctx context.Context, m message.Message) error {
	seq, err := m.Seq()
	if err != nil {
		return fmt.Errorf("message id %q: %w", m.MessageID, err)
	}
	_, err = s.coll.InsertOne(ctx, messageDoc{
		ChannelID: m.ChannelID,
		Seq:       int64(seq),
		UserID:    m.UserID,
		Content:   m.Content,
		CreatedAt: m.CreatedAt,
		EditedAt:  m.EditedAt,
		Metadata:  m.Metadata,
	})
	return err
}

func (s *MongoStore) Get(ctx context.Context, channelID, messageID string) (message.Message, error) {
	seq, err := strconv.ParseInt(messageID, 10, 64)
	if err != nil {
		return message.Message{}, ErrNotFound
	}
	var doc messageDoc
	err = s.coll.FindOne(ctx, bson.M{"channel_id": channelID, "seq": seq}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return message.Message{}, ErrNotFound
	}
	if err != nil {
		return message.Message{}, err
	}
	return doc.message(), nil
}

func (s *MongoStore) List(ctx context.Context, channelID string, after uint64, limit int) ([]message.Message, error) {
	cur, err := s.coll.Find(ctx,
		bson.M{"channel_id": channelID, "seq": bson.M{"$gt": int64(after)}},
		options.Find().
			SetSort(bson.D{{Key: "seq", Value: 1}}).
			SetLimit(int64(normLimit(limit))),
	)
	if err != nil {
		return nil, err
	}
	docs := []messageDoc{}
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}
	out := make([]message.Message, 0, len(docs))
	for _, d := range docs {
		out = append(out, d.message())
	}
	return out, nil
}

// MongoAllocator increments a counter document with FindOneAndUpdate.
type MongoAllocator struct {
	coll *mongo.Collection
}

func NewMongoAllocator(db *mongo.Database) *MongoAllocator {
	return &MongoAllocator{coll: db.Collection(collCounters)}
}

func (a *MongoAllocator) NextID(ctx context.Context, channelID string) (uint64, error) {
	var after struct {
		Value int64 `bson:"value"`
	}
	err := a.coll.FindOneAndUpdate(ctx,
		bson.M{"_id": CounterKey(channelID)},
		bson.M{
			"$inc": bson.M{"value": int64(1)},
			"$set": bson.M{"updated_at": time.Now()},
		},
		options.FindOneAndUpdate().
			SetUpsert(true).
			SetReturnDocument(options.After),
	).Decode(&after)
	if err != nil {
		return 0, err
	}
	return uint64(after.Value), nil
}
