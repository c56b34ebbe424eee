package identity

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
)

type MemoryStore struct {
	mu     sync.Mutex
	values map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{values: make(map[string]string)}
}

func (s *MemoryStore) Get(_ context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	value, ok := s.values[key]
	return value, ok, nil
}

func (s *MemoryStore) SetIfAbsent(_ context.Context, key, value string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing := s.values[key]; existing != "" {
		return existing, nil
	}
	s.values[key] = value
	return value, nil
}

// SQLStore keeps identity values in a SQLite kv table.
type SQLStore struct {
	db *sql.DB
}

func NewSQLStore(ctx context.Context, db *sql.DB) (*SQLStore, error) {
	_, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS kv(
	  key   TEXT PRIMARY KEY,
	  value TEXT NOT NULL
	)`)
	if err != nil {
		return nil, fmt.Errorf("failed to create kv table: %w", err)
	}
	return &SQLStore{db: db}, nil
}

func (s *SQLStore) Get(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read %s: %w", key, err)
	}
	return value, true, nil
}

func (s *SQLStore) SetIfAbsent(ctx context.Context, key, value string) (string, error) {
	if _, err := s.db.ExecContext(ctx, `INSERT INTO kv(key, value) VALUES(?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value WHERE kv.value = ''`, key, value); err != nil {
		return "", fmt.Errorf("failed to write %s: %w", key, err)
	}
	stored, ok, err := s.Get(ctx, key)
	if err != nil {
		return "", err
	}
	if !ok || stored == "" {
		return "", fmt.Errorf("%s missing after write", key)
	}
	return stored, nil
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

// RedisStore shares identity values through Redis, so several clients on one
// profile resolve to the same user id.
type RedisStore struct {
	client    *redis.Client
	namespace string
}

func NewRedisStore(addr string, db int, namespace string) *RedisStore {
	client := redis.NewClient(&redis.Options{
		Addr: addr,
		DB:   db,
	})
	return &RedisStore{client: client, namespace: namespace}
}

func (s *RedisStore) key(key string) string {
	if s.namespace == "" {
		return key
	}
	return s.namespace + ":" + key
}

func (s *RedisStore) Get(ctx context.Context, key string) (string, bool, error) {
	value, err := s.client.Get(ctx, s.key(key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("redis get %s: %w", key, err)
	}
	return value, true, nil
}

// setIfEmpty replaces a missing or empty value in one round trip.
var setIfEmpty = redis.NewScript(`
local current = redis.call("GET", KEYS[1])
if current == false or current == "" then
	redis.call("SET", KEYS[1], ARGV[1])
	return ARGV[1]
end
return current
`)

func (s *RedisStore) SetIfAbsent(ctx context.Context, key, value string) (string, error) {
	stored, err := setIfEmpty.Run(ctx, s.client, []string{s.key(key)}, value).Text()
	if err != nil {
		return "", fmt.Errorf("redis set %s: %w", key, err)
	}
	return stored, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
