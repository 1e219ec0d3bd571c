// Package s3store keeps catalog items as JSON objects in S3-compatible
// storage, one object per key under a prefix.
package s3store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/google/uuid"

	"autonode/pkg/models"
	"autonode/pkg/storage"
)

// Compile-time interface check.
var _ storage.Catalog = (*CatalogStore)(nil)

// Config holds S3 configuration
type Config struct {
	Bucket          string
	Prefix          string // e.g., "items/"
	Region          string
	Endpoint        string // For MinIO/local S3
	AccessKeyID     string
	SecretAccessKey string
	LocalCacheDir   string // Local cache for frequently collected items
}

// CatalogStore stores items in S3
type CatalogStore struct {
	client     *s3.Client
	bucket     string
	prefix     string
	localCache string
}

// NewCatalogStore creates a new S3-backed catalog
func NewCatalogStore(cfg Config) (*CatalogStore, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("s3 bucket is required")
	}

	optFns := []func(*config.LoadOptions) error{
		config.WithRegion(cfg.Region),
	}

	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		optFns = append(optFns, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(context.Background(), optFns...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	clientOpts := []func(*s3.Options){}
	if cfg.Endpoint != "" {
		clientOpts = append(clientOpts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true // Required for MinIO
		})
	}

	if cfg.LocalCacheDir != "" {
		if err := os.MkdirAll(cfg.LocalCacheDir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create cache directory: %w", err)
		}
	}

	return &CatalogStore{
		client:     s3.NewFromConfig(awsCfg, clientOpts...),
		bucket:     cfg.Bucket,
		prefix:     cfg.Prefix,
		localCache: cfg.LocalCacheDir,
	}, nil
}

// Put uploads the item document and refreshes the local cache.
func (s *CatalogStore) Put(ctx context.Context, item *models.Item) error {
	if item.Key == "" {
		return storage.ErrInvalidKey
	}
	now := time.Now().UTC()
	if item.ID == uuid.Nil {
		item.ID = uuid.New()
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = now
	}
	item.UpdatedAt = now

	data, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("failed to encode item: %w", err)
	}

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(s.objectKey(item.Key)),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("failed to upload item to S3: %w", err)
	}

	if s.localCache != "" {
		_ = os.WriteFile(s.cachePath(item.Key), data, 0644)
	}
	return nil
}

// Get reads the item, preferring the local cache.
func (s *CatalogStore) Get(ctx context.Context, key string) (*models.Item, error) {
	if s.localCache != "" {
		if data, err := os.ReadFile(s.cachePath(key)); err == nil {
			return decode(data)
		}
	}

	output, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(key)),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get item from S3: %w", err)
	}
	defer output.Body.Close()

	data, err := io.ReadAll(output.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read item: %w", err)
	}

	if s.localCache != "" {
		_ = os.WriteFile(s.cachePath(key), data, 0644)
	}
	return decode(data)
}

func decode(data []byte) (*models.Item, error) {
	var item models.Item
	if err := json.Unmarshal(data, &item); err != nil {
		return nil, fmt.Errorf("failed to decode item: %w", err)
	}
	return &item, nil
}

// objectKey escapes key so arbitrary item keys map to a single object name.
func (s *CatalogStore) objectKey(key string) string {
	return s.prefix + url.PathEscape(key) + ".json"
}

func (s *CatalogStore) cachePath(key string) string {
	name := strings.ReplaceAll(url.PathEscape(key), "%", "_")
	return filepath.Join(s.localCache, name+".json")
}
