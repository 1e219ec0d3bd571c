package s3store

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObjectKeyEscapesSeparators(t *testing.T) {
	s := &CatalogStore{prefix: "items/"}
	assert.Equal(t, "items/widget.json", s.objectKey("widget"))
	assert.Equal(t, "items/a%2Fb.json", s.objectKey("a/b"))
}

func TestGetServesFromLocalCache(t *testing.T) {
	dir := t.TempDir()
	s := &CatalogStore{prefix: "items/", localCache: dir}

	doc := `{"key":"a/b","name":"cached","attributes":{"n":1}}`
	require.NoError(t, os.WriteFile(s.cachePath("a/b"), []byte(doc), 0644))
	assert.Equal(t, dir, filepath.Dir(s.cachePath("a/b")))

	// No client configured: a cache miss would panic, a hit never reaches S3.
	item, err := s.Get(t.Context(), "a/b")
	require.NoError(t, err)
	assert.Equal(t, "cached", item.Name)
	assert.Equal(t, float64(1), item.Attributes["n"])
}

func TestNewCatalogStoreRequiresBucket(t *testing.T) {
	_, err := NewCatalogStore(Config{Region: "us-east-1"})
	assert.Error(t, err)
}
