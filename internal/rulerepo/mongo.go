// Copyright 2025 James Ross
package rulerepo

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// mongoRuleSetDoc is the on-disk document shape for one rule set's worth of
// rule definitions.
type mongoRuleSetDoc struct {
	RuleSetID string           `bson:"ruleSetId"`
	Rules     []RuleDefinition `bson:"rules"`
}

// MongoRepository is the MongoDB-backed RuleRepository, one of the three
// storage backends named in §4.4.
type MongoRepository struct {
	collection *mongo.Collection
}

// NewMongoRepository wraps an existing collection handle. The caller owns
// connecting and disconnecting the underlying *mongo.Client.
func NewMongoRepository(collection *mongo.Collection) *MongoRepository {
	return &MongoRepository{collection: collection}
}

// EnsureIndexes creates the unique index on ruleSetId that FindByRuleSetID
// relies on for indexed lookups.
func (r *MongoRepository) EnsureIndexes(ctx context.Context) error {
	_, err := r.collection.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "ruleSetId", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	return err
}

// FindByRuleSetID returns the rule definitions stored under ruleSetID, or an
// empty slice if no document exists.
func (r *MongoRepository) FindByRuleSetID(ctx context.Context, ruleSetID string) ([]RuleDefinition, error) {
	var doc mongoRuleSetDoc
	err := r.collection.FindOne(ctx, bson.M{"ruleSetId": ruleSetID}).Decode(&doc)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, nil
		}
		return nil, fmt.Errorf("rulerepo: find rule set %q: %w", ruleSetID, err)
	}
	return doc.Rules, nil
}

var _ RuleRepository = (*MongoRepository)(nil)
