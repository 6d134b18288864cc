package database

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"bot-fleet-engine/internal/logging"
)

// DefaultKeyPrefix namespaces every engine key in Redis
const DefaultKeyPrefix = "botengine:"

// RedisStore keeps records in Redis with an in-memory fallback. When Redis
// fails, writes keep landing in memory and reads are served from it until
// a Redis call succeeds again.
type RedisStore struct {
	client         redis.UniversalClient
	prefix         string
	mem            *MemoryStore
	redisAvailable atomic.Bool
	logger         *logging.Logger
}

// RedisConfig holds the connection settings
type RedisConfig struct {
	Addr     string `json:"addr" yaml:"addr"`
	Password string `json:"password" yaml:"password"`
	DB       int    `json:"db" yaml:"db"`
	Prefix   string `json:"prefix" yaml:"prefix"`
}

// NewRedisClient opens a client for cfg
func NewRedisClient(cfg RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
}

// NewRedisStore wraps client. A nil client yields a memory-only store.
func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	s := &RedisStore{
		client: client,
		prefix: prefix,
		mem:    NewMemoryStore(),
		logger: logging.WithComponent("redis-store"),
	}

	if client == nil {
		s.logger.Warn("No Redis client provided, using in-memory store only")
		return s
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		s.logger.WithError(err).Warn("Redis unavailable at startup, using in-memory store")
		return s
	}
	s.redisAvailable.Store(true)
	s.logger.Info("Redis connected")
	return s
}

// Available reports whether Redis is currently in use
func (s *RedisStore) Available() bool {
	return s.client != nil && s.redisAvailable.Load()
}

// Reconnect pings Redis and resumes using it when the ping succeeds
func (s *RedisStore) Reconnect(ctx context.Context) bool {
	if s.client == nil {
		return false
	}
	if err := s.client.Ping(ctx).Err(); err != nil {
		return false
	}
	if !s.redisAvailable.Swap(true) {
		s.logger.Info("Redis connection recovered")
	}
	return true
}

func (s *RedisStore) key(k string) string {
	return s.prefix + k
}

func (s *RedisStore) markDown(op string, err error) {
	if s.redisAvailable.Swap(false) {
		s.logger.WithError(err).Warn("Redis call failed, using in-memory store", "op", op)
	}
}

// SaveRecord writes to memory and, when available, to Redis
func (s *RedisStore) SaveRecord(ctx context.Context, key string, v interface{}) error {
	data, err := encode(key, v)
	if err != nil {
		return err
	}
	s.mem.put(key, data)

	if !s.Available() {
		return nil
	}
	if err := s.client.Set(ctx, s.key(key), data, 0).Err(); err != nil {
		s.markDown("set", err)
	}
	return nil
}

// LoadRecord reads from Redis, falling back to memory
func (s *RedisStore) LoadRecord(ctx context.Context, key string, v interface{}) (bool, error) {
	if s.Available() {
		data, err := s.client.Get(ctx, s.key(key)).Bytes()
		switch {
		case err == nil:
			s.mem.put(key, data)
			return true, decode(key, data, v)
		case errors.Is(err, redis.Nil):
		default:
			s.markDown("get", err)
		}
	}
	data, ok := s.mem.get(key)
	if !ok {
		return false, nil
	}
	return true, decode(key, data, v)
}

// DeleteRecord removes key from both tiers
func (s *RedisStore) DeleteRecord(ctx context.Context, key string) error {
	memErr := s.mem.DeleteRecord(ctx, key)
	if !s.Available() {
		return memErr
	}
	n, err := s.client.Del(ctx, s.key(key)).Result()
	if err != nil {
		s.markDown("del", err)
		return memErr
	}
	if n == 0 && memErr != nil {
		return ErrNotFound
	}
	return nil
}

// ListKeys scans Redis for keys under prefix, merged with the memory tier
func (s *RedisStore) ListKeys(ctx context.Context, prefix string) ([]string, error) {
	seen := map[string]bool{}
	local, _ := s.mem.ListKeys(ctx, prefix)
	for _, k := range local {
		seen[k] = true
	}

	if s.Available() {
		iter := s.client.Scan(ctx, 0, s.key(prefix)+"*", 100).Iterator()
		for iter.Next(ctx) {
			seen[strings.TrimPrefix(iter.Val(), s.prefix)] = true
		}
		if err := iter.Err(); err != nil {
			s.markDown("scan", err)
		}
	}

	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

// Ping checks Redis connectivity
func (s *RedisStore) Ping(ctx context.Context) error {
	if s.client == nil {
		return fmt.Errorf("redis: no client configured")
	}
	return s.client.Ping(ctx).Err()
}

// Close releases the client
func (s *RedisStore) Close() error {
	if s.client == nil {
		return nil
	}
	return s.client.Close()
}
