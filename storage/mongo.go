package storage

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/m-demetrio/ZapOrganic-CRM/core"
)

const mongoLeadsCollection = "leads"

// MongoLeadStore persists lead cards one document per lead, keyed by
// lead id. It is the lead backend for server deployments where a
// document database already holds the CRM data.
type MongoLeadStore struct {
	client *mongo.Client
	coll   *mongo.Collection
}

// NewMongoLeadStore connects to MongoDB and prepares the leads
// collection in the given database.
func NewMongoLeadStore(uri, database string) (*MongoLeadStore, error) {
	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("mongo: connect: %w", err)
	}
	return &MongoLeadStore{
		client: client,
		coll:   client.Database(database).Collection(mongoLeadsCollection),
	}, nil
}

// Save upserts the lead document.
func (s *MongoLeadStore) Save(ctx context.Context, lead core.LeadCard) error {
	doc := lead
	if doc.ID == "" {
		doc.ID = lead.Key()
	}
	filter := bson.D{{Key: "_id", Value: doc.ID}}
	_, err := s.coll.ReplaceOne(ctx, filter, doc, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("mongo: save lead %q: %w", doc.ID, err)
	}
	return nil
}

// Get returns the lead stored under id.
func (s *MongoLeadStore) Get(ctx context.Context, id string) (core.LeadCard, bool, error) {
	var lead core.LeadCard
	err := s.coll.FindOne(ctx, bson.D{{Key: "_id", Value: id}}).Decode(&lead)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return core.LeadCard{}, false, nil
	}
	if err != nil {
		return core.LeadCard{}, false, fmt.Errorf("mongo: get lead %q: %w", id, err)
	}
	return lead, true, nil
}

// Close disconnects from MongoDB.
func (s *MongoLeadStore) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}
