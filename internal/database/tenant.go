package database

import (
	"context"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"knowledge-engine/internal/logger"
	"knowledge-engine/models"
)

var tenantIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,48}$`)

// ValidTenantID reports whether id can name a tenant database
func ValidTenantID(id string) bool {
	return tenantIDPattern.MatchString(id)
}

type TenantDBManager struct {
	client    *mongo.Client
	shared    *mongo.Database
	databases map[string]*mongo.Database
	mu        sync.RWMutex
}

func NewTenantDBManager(client *mongo.Client, sharedDBName string) *TenantDBManager {
	return &TenantDBManager{
		client:    client,
		shared:    client.Database(sharedDBName),
		databases: make(map[string]*mongo.Database),
	}
}

// Shared returns the database holding cross-tenant collections (jobs, tenants)
func (m *TenantDBManager) Shared() *mongo.Database {
	return m.shared
}

// GetTenantDB returns isolated database for tenant
func (m *TenantDBManager) GetTenantDB(tenantID string) (*mongo.Database, error) {
	if !ValidTenantID(tenantID) {
		return nil, fmt.Errorf("tenant id %q: %w", tenantID, models.ErrInvalidInput)
	}

	m.mu.RLock()
	if db, exists := m.databases[tenantID]; exists {
		m.mu.RUnlock()
		return db, nil
	}
	m.mu.RUnlock()

	m.mu.Lock()
	defer m.mu.Unlock()

	// Double-check after acquiring write lock
	if db, exists := m.databases[tenantID]; exists {
		return db, nil
	}

	// Create tenant-specific database
	dbName := fmt.Sprintf("tenant_%s", tenantID)
	db := m.client.Database(dbName)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	// Create indexes for new tenant database
	if err := createTenantIndexes(ctx, db); err != nil {
		return nil, err
	}
	if err := m.registerTenant(ctx, tenantID); err != nil {
		logger.Warn("Failed to register tenant", "tenant_id", tenantID, "error", err)
	}

	m.databases[tenantID] = db
	return db, nil
}

func (m *TenantDBManager) registerTenant(ctx context.Context, tenantID string) error {
	_, err := m.shared.Collection("tenants").UpdateOne(ctx,
		bson.M{"_id": tenantID},
		bson.M{
			"$set":         bson.M{"last_seen_at": time.Now()},
			"$setOnInsert": bson.M{"created_at": time.Now()},
		},
		options.Update().SetUpsert(true),
	)
	return err
}

// ListTenants returns every tenant that has ever been opened, most recent first
func (m *TenantDBManager) ListTenants(ctx context.Context) ([]string, error) {
	cursor, err := m.shared.Collection("tenants").Find(ctx, bson.M{},
		options.Find().SetSort(bson.D{{Key: "last_seen_at", Value: -1}}).SetProjection(bson.M{"_id": 1}))
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var rows []struct {
		ID string `bson:"_id"`
	}
	if err := cursor.All(ctx, &rows); err != nil {
		return nil, err
	}
	ids := make([]string, len(rows))
	for i, r := range rows {
		ids[i] = r.ID
	}
	return ids, nil
}

func createTenantIndexes(ctx context.Context, db *mongo.Database) error {
	// Assets collection indexes
	assetsCol := db.Collection(colAssets)
	_, err := assetsCol.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "type", Value: 1}, {Key: "url", Value: 1}}},
		{
			// one slide per parent page
			Keys: bson.D{{Key: "parent_asset_id", Value: 1}, {Key: "page_number", Value: 1}},
			Options: options.Index().
				SetUnique(true).
				SetPartialFilterExpression(bson.M{"type": string(models.AssetTypeSlide)}),
		},
		{Keys: bson.D{{Key: "processing_status", Value: 1}, {Key: "updated_at", Value: 1}}},
		{Keys: bson.D{{Key: "created_at", Value: -1}}},
	})
	if err != nil {
		return err
	}

	// Documents collection indexes
	documentsCol := db.Collection(colDocuments)
	_, err = documentsCol.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "source_asset_id", Value: 1}},
	})
	if err != nil {
		return err
	}

	// Chunks collection indexes
	chunksCol := db.Collection(colChunks)
	_, err = chunksCol.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "created_at", Value: -1}, {Key: "_id", Value: -1}}},
		{
			Keys:    bson.D{{Key: "document_id", Value: 1}, {Key: "index", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
	})

	return err
}

// TenantDBMiddleware resolves the tenant database for the authenticated
// tenant, creating its indexes on first use.
func TenantDBMiddleware(dbManager *TenantDBManager) gin.HandlerFunc {
	return func(c *gin.Context) {
		tenantID := c.GetString("tenant_id")
		if tenantID == "" {
			c.Next()
			return
		}

		tenantDB, err := dbManager.GetTenantDB(tenantID)
		if err != nil {
			logger.Error("Tenant database unavailable", "tenant_id", tenantID, "error", err)
			c.AbortWithStatusJSON(500, gin.H{"error": "database error"})
			return
		}

		c.Set("tenantDB", tenantDB)
		c.Next()
	}
}
