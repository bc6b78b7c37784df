// Package cache forwards every classified sample to Redis as a time-series
// point. Writes are at-least-once; the key carries the sample timestamp so a
// duplicate write just overwrites the same point.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/LambTheBamb/SpecterRealMonitor/internal/models"
)

// Point is one classified sample as written to the store.
type Point struct {
	MetricName string          `json:"metric_name"`
	Group      string          `json:"group"`
	Timestamp  time.Time       `json:"timestamp"`
	Value      float64         `json:"value"`
	ZScore     float64         `json:"z_score"`
	Severity   models.Severity `json:"severity"`
}

type RedisClient struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisClient(addr string, ttl time.Duration) (*RedisClient, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     "",
		DB:           0,
		PoolSize:     100,
		MinIdleConns: 10,
		MaxRetries:   3,
	})

	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("ping redis at %s: %w", addr, err)
	}

	if ttl <= 0 {
		ttl = time.Hour
	}
	return &RedisClient{client: client, ttl: ttl}, nil
}

// StorePoint writes a sample point, pushes its key on the metric's recent
// list, and refreshes the latest-value key.
func (r *RedisClient) StorePoint(ctx context.Context, p Point) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal point: %w", err)
	}

	key := fmt.Sprintf("sample:%s:%d", p.MetricName, p.Timestamp.UnixNano())
	if err := r.client.Set(ctx, key, data, r.ttl).Err(); err != nil {
		return fmt.Errorf("store point: %w", err)
	}

	listKey := "samples:recent:" + p.MetricName
	if err := r.client.LPush(ctx, listKey, key).Err(); err != nil {
		return fmt.Errorf("update recent list: %w", err)
	}
	r.client.LTrim(ctx, listKey, 0, 999)

	r.client.Set(ctx, "samples:latest:"+p.MetricName, data, r.ttl)
	return nil
}

// RecentPoints returns up to count of the newest points for a metric.
func (r *RedisClient) RecentPoints(ctx context.Context, metric string, count int64) ([]Point, error) {
	keys, err := r.client.LRange(ctx, "samples:recent:"+metric, 0, count-1).Result()
	if err != nil {
		return nil, fmt.Errorf("recent point keys: %w", err)
	}

	var points []Point
	for _, key := range keys {
		data, err := r.client.Get(ctx, key).Result()
		if err != nil {
			continue // expired or evicted
		}
		var p Point
		if err := json.Unmarshal([]byte(data), &p); err != nil {
			continue
		}
		points = append(points, p)
	}
	return points, nil
}

func (r *RedisClient) Close() error {
	return r.client.Close()
}
