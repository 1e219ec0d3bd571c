package storage

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"autonode/pkg/models"
)

// Capability adapts a catalog into a collect responder: the node answers
// every query for a key it holds. Lookup errors other than ErrNotFound are
// logged and treated as "nothing to offer".
func Capability(c Catalog, log *zap.Logger) func(ctx context.Context, key string) (models.Item, bool) {
	if log == nil {
		log = zap.NewNop()
	}
	return func(ctx context.Context, key string) (models.Item, bool) {
		item, err := c.Get(ctx, key)
		if err != nil {
			if !errors.Is(err, ErrNotFound) {
				log.Warn("catalog lookup failed", zap.String("key", key), zap.Error(err))
			}
			return models.Item{}, false
		}
		return *item, true
	}
}
