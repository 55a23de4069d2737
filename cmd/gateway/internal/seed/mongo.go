package seed

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/shubham-shewale/stock-relay/pkg/models"
)

// Finder is the part of *mongo.Collection the source needs.
type Finder interface {
	Find(ctx context.Context, filter interface{}, opts ...*options.FindOptions) (*mongo.Cursor, error)
}

// MongoSource reads profiles from a collection of documents shaped like
// models.Profile.
type MongoSource struct {
	coll Finder
}

func NewMongoSource(coll Finder) *MongoSource {
	return &MongoSource{coll: coll}
}

func (m *MongoSource) Name() string { return "mongo" }

func (m *MongoSource) Profiles(ctx context.Context, symbols []string) ([]models.Profile, error) {
	if len(symbols) == 0 {
		return nil, nil
	}

	filter := bson.M{"symbol": bson.M{"$in": symbols}}
	cur, err := m.coll.Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "symbol", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("find profiles: %w", err)
	}
	defer cur.Close(ctx)

	var profiles []models.Profile
	if err := cur.All(ctx, &profiles); err != nil {
		return nil, fmt.Errorf("decode profiles: %w", err)
	}
	return profiles, nil
}

// Connect opens a client and pings it.
func Connect(ctx context.Context, uri string) (*mongo.Client, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, err
	}
	if err := client.Ping(ctx, nil); err != nil {
		client.Disconnect(context.Background())
		return nil, err
	}
	return client, nil
}
