package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"autonode/pkg/models"
	"autonode/pkg/storage"
)

// Compile-time interface check.
var _ storage.Catalog = (*CatalogStore)(nil)

type CatalogStore struct {
	db *gorm.DB
}

// NewCatalogStore initializes GORM connection and AutoMigrates the item schema.
func NewCatalogStore(connString string) (*CatalogStore, error) {
	config := &gorm.Config{
		Logger:      logger.Default.LogMode(logger.Warn),
		PrepareStmt: true,
	}

	db, err := gorm.Open(postgres.Open(connString), config)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetMaxOpenConns(25)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := db.AutoMigrate(&models.Item{}); err != nil {
		return nil, fmt.Errorf("schema migration failed: %w", err)
	}

	return &CatalogStore{db: db}, nil
}

func (s *CatalogStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Ping checks the database connection for health reporting.
func (s *CatalogStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Get retrieves an item by key.
func (s *CatalogStore) Get(ctx context.Context, key string) (*models.Item, error) {
	var item models.Item
	result := s.db.WithContext(ctx).First(&item, "key = ?", key)

	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get item: %w", result.Error)
	}
	return &item, nil
}

// Put upserts an item on its key.
func (s *CatalogStore) Put(ctx context.Context, item *models.Item) error {
	if item.Key == "" {
		return storage.ErrInvalidKey
	}

	// INSERT ... ON CONFLICT (key) DO UPDATE SET name, attributes, origin, updated_at
	result := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "key"}},
			DoUpdates: clause.AssignmentColumns([]string{"name", "attributes", "origin", "updated_at", "deleted_at"}),
		}).
		Create(item)

	if result.Error != nil {
		return fmt.Errorf("failed to store item: %w", result.Error)
	}
	return nil
}
