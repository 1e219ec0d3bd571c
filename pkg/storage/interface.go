package storage

import (
	"context"
	"errors"

	"autonode/pkg/models"
)

var (
	ErrNotFound   = errors.New("record not found")
	ErrInvalidKey = errors.New("item key is empty")
)

// Catalog holds the items a node can answer collect queries with.
type Catalog interface {
	// Get returns the item stored under key or ErrNotFound.
	Get(ctx context.Context, key string) (*models.Item, error)

	// Put stores item under item.Key, replacing any previous version.
	Put(ctx context.Context, item *models.Item) error
}
