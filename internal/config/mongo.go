package config

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson" // Use bson for index keys
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

func ConnectMongoDB(cfg *Config) (*mongo.Client, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.MongoURI))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %v", err)
	}

	// Test connection
	err = client.Ping(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to ping MongoDB: %v", err)
	}

	// Create indexes
	err = createIndexes(ctx, client, cfg.DBName)
	if err != nil {
		return nil, fmt.Errorf("failed to create indexes: %v", err)
	}

	return client, nil
}

// createIndexes creates the shared (non-tenant) indexes. Tenant collections
// are indexed lazily by the tenant DB manager.
func createIndexes(ctx context.Context, client *mongo.Client, dbName string) error {
	db := client.Database(dbName)

	// At most one active job per asset
	jobsCollection := db.Collection("jobs")
	jobIndexes := []mongo.IndexModel{
		{
			Keys: bson.D{{Key: "asset_id", Value: 1}},
			Options: options.Index().
				SetUnique(true).
				SetName("asset_single_flight").
				SetPartialFilterExpression(bson.M{"active": true}),
		},
		{
			Keys: bson.D{{Key: "tenant_id", Value: 1}, {Key: "created_at", Value: -1}},
		},
		{
			Keys: bson.D{{Key: "status", Value: 1}, {Key: "started_at", Value: 1}},
		},
	}
	if _, err := jobsCollection.Indexes().CreateMany(ctx, jobIndexes); err != nil {
		return err
	}

	// Tenant registry used by the maintenance sweep
	tenantsCollection := db.Collection("tenants")
	_, err := tenantsCollection.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "last_seen_at", Value: -1}},
	})
	return err
}
