package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	// workerKeyPrefix is the redis key space workers announce under.
	workerKeyPrefix = "flowpool:worker:"

	// announceTTL is how long an announcement stays valid without a
	// refresh; a dead worker's key expires on its own.
	announceTTL = 30 * time.Second
)

// RedisSource discovers workers from their redis announcements. Entries are
// sorted by ID so the pool's slot order is deterministic, and capped at
// limit when limit > 0.
type RedisSource struct {
	rdb   *redis.Client
	limit int
	log   *zap.Logger
}

// NewRedisSource connects to redis and verifies the connection.
func NewRedisSource(redisURL string, limit int, log *zap.Logger) (*RedisSource, error) {
	if log == nil {
		log = zap.NewNop()
	}
	rdb, err := dial(redisURL)
	if err != nil {
		return nil, err
	}
	return &RedisSource{rdb: rdb, limit: limit, log: log}, nil
}

// Endpoints scans the announcement key space and returns the registered
// workers. Malformed entries are skipped, not fatal.
func (s *RedisSource) Endpoints(ctx context.Context) ([]Endpoint, error) {
	var (
		cursor    uint64
		endpoints []Endpoint
	)
	for {
		keys, next, err := s.rdb.Scan(ctx, cursor, workerKeyPrefix+"*", 100).Result()
		if err != nil {
			return nil, err
		}
		for _, key := range keys {
			val, err := s.rdb.Get(ctx, key).Result()
			if err != nil {
				continue // expired between SCAN and GET
			}
			var ep Endpoint
			if err := json.Unmarshal([]byte(val), &ep); err != nil {
				s.log.Warn("discovery: invalid announcement", zap.String("key", key), zap.Error(err))
				continue
			}
			endpoints = append(endpoints, ep)
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}

	sort.Slice(endpoints, func(i, j int) bool { return endpoints[i].ID < endpoints[j].ID })
	if s.limit > 0 && len(endpoints) > s.limit {
		endpoints = endpoints[:s.limit]
	}
	s.log.Info("discovery: redis scan complete", zap.Int("workers", len(endpoints)))
	return endpoints, nil
}

// Close releases the redis connection.
func (s *RedisSource) Close() error {
	return s.rdb.Close()
}

func dial(redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	rdb := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return rdb, nil
}
