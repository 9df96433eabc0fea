package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"storyloom/server/internal/config"
)

// ErrCacheMiss is returned when a cached value is absent or expired.
var ErrCacheMiss = errors.New("cache miss")

const (
	reportKeyPrefix    = "ledger:report"
	reportKeySetPrefix = "ledger:reportkeys"
	analysisKeyPrefix  = "analysis:result"
	analysisTTL        = 10 * time.Minute
)

// Cache is a thin Redis wrapper for ledger-report caching and
// analysis-response deduplication. Every operation is best-effort: callers
// fall back to direct computation on any error.
type Cache struct {
	client    *redis.Client
	reportTTL time.Duration
}

// NewCache connects to Redis and verifies the connection.
func NewCache(cfg config.RedisConfig, reportTTL time.Duration) (*Cache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	if reportTTL <= 0 {
		reportTTL = time.Minute
	}

	return &Cache{client: client, reportTTL: reportTTL}, nil
}

func (c *Cache) Close() error {
	return c.client.Close()
}

// GetReport returns a cached ledger report for (project, chapter).
func (c *Cache) GetReport(ctx context.Context, projectID string, chapter int) ([]byte, error) {
	key := fmt.Sprintf("%s:%s:%d", reportKeyPrefix, projectID, chapter)
	data, err := c.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, ErrCacheMiss
	}
	if err != nil {
		return nil, err
	}
	return data, nil
}

// SetReport caches a serialized ledger report and records the key so
// InvalidateReports can find it.
func (c *Cache) SetReport(ctx context.Context, projectID string, chapter int, data []byte) error {
	key := fmt.Sprintf("%s:%s:%d", reportKeyPrefix, projectID, chapter)
	if err := c.client.Set(ctx, key, data, c.reportTTL).Err(); err != nil {
		return err
	}
	setKey := fmt.Sprintf("%s:%s", reportKeySetPrefix, projectID)
	if err := c.client.SAdd(ctx, setKey, key).Err(); err != nil {
		return err
	}
	return c.client.Expire(ctx, setKey, c.reportTTL).Err()
}

// InvalidateReports drops all cached reports for a project. Called on any
// promise write.
func (c *Cache) InvalidateReports(ctx context.Context, projectID string) error {
	setKey := fmt.Sprintf("%s:%s", reportKeySetPrefix, projectID)
	keys, err := c.client.SMembers(ctx, setKey).Result()
	if err != nil {
		return err
	}
	keys = append(keys, setKey)
	return c.client.Del(ctx, keys...).Err()
}

// AnalysisKey derives a dedup key from the task name and payload bytes.
func AnalysisKey(task string, payload []byte) string {
	sum := sha256.Sum256(payload)
	return fmt.Sprintf("%s:%s:%s", analysisKeyPrefix, task, hex.EncodeToString(sum[:]))
}

// GetAnalysis returns a previously cached analysis result.
func (c *Cache) GetAnalysis(ctx context.Context, key string) ([]byte, error) {
	data, err := c.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, ErrCacheMiss
	}
	if err != nil {
		return nil, err
	}
	return data, nil
}

// SetAnalysis caches an analysis result. Identical analyze calls within
// the TTL are served from cache instead of hitting the model again.
func (c *Cache) SetAnalysis(ctx context.Context, key string, data []byte) error {
	return c.client.Set(ctx, key, data, analysisTTL).Err()
}
