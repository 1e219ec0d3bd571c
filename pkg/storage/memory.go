package storage

import (
	"context"
	"maps"
	"sync"
	"time"

	"autonode/pkg/models"
)

// Compile-time interface check.
var _ Catalog = (*MemoryCatalog)(nil)

// MemoryCatalog is a process-local catalog for development and tests.
type MemoryCatalog struct {
	mu    sync.RWMutex
	items map[string]models.Item
	now   func() time.Time
}

func NewMemoryCatalog() *MemoryCatalog {
	return &MemoryCatalog{items: make(map[string]models.Item), now: time.Now}
}

func (m *MemoryCatalog) Get(_ context.Context, key string) (*models.Item, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	item, ok := m.items[key]
	if !ok {
		return nil, ErrNotFound
	}
	item.Attributes = maps.Clone(item.Attributes)
	return &item, nil
}

func (m *MemoryCatalog) Put(_ context.Context, item *models.Item) error {
	if item.Key == "" {
		return ErrInvalidKey
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	stored := *item
	stored.Attributes = maps.Clone(item.Attributes)
	if prev, ok := m.items[item.Key]; ok {
		stored.ID = prev.ID
		stored.CreatedAt = prev.CreatedAt
	} else if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	stored.UpdatedAt = now
	if err := stored.BeforeCreate(nil); err != nil {
		return err
	}
	m.items[item.Key] = stored
	*item = stored
	item.Attributes = maps.Clone(stored.Attributes)
	return nil
}

// Len returns the number of stored items.
func (m *MemoryCatalog) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.items)
}
