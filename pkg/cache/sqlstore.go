// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/kadirpekel/weft/pkg/config"
)

// Store is the L2 protocol. Values are opaque bytes; the caller owns
// serialization. Every operation may fail without affecting correctness:
// the manager demotes store errors to warnings.
type Store interface {
	Get(ctx context.Context, key string) (*Entry, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
	Clear(ctx context.Context) error
	Close() error
}

// SQLStore is a Store over a relational table, sharing its connection pool
// through the config layer. Expiry is lazy: expired rows answer as misses
// and are deleted on read.
type SQLStore struct {
	db      *sql.DB
	dialect string
}

// NewSQLStore opens (or reuses) the pool for cfg and ensures the cache table
// exists.
func NewSQLStore(pool *config.DBPool, cfg *config.DatabaseConfig) (*SQLStore, error) {
	db, err := pool.Get(cfg)
	if err != nil {
		return nil, err
	}
	s := &SQLStore{db: db, dialect: cfg.Dialect()}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("cache schema: %w", err)
	}
	return s, nil
}

func (s *SQLStore) migrate() error {
	blob := "BLOB"
	if s.dialect == "postgres" {
		blob = "BYTEA"
	}
	_, err := s.db.Exec(fmt.Sprintf(`CREATE TABLE IF NOT EXISTS weft_cache (
		cache_key      VARCHAR(128) PRIMARY KEY,
		value          %s NOT NULL,
		created_at     BIGINT NOT NULL,
		expires_at     BIGINT NOT NULL,
		hit_count      BIGINT NOT NULL DEFAULT 0,
		last_access_at BIGINT NOT NULL
	)`, blob))
	return err
}

// placeholder renders the n-th bind parameter for the dialect.
func (s *SQLStore) placeholder(n int) string {
	if s.dialect == "postgres" {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}

func (s *SQLStore) Get(ctx context.Context, key string) (*Entry, bool, error) {
	query := fmt.Sprintf(
		"SELECT value, created_at, expires_at, hit_count, last_access_at FROM weft_cache WHERE cache_key = %s",
		s.placeholder(1))

	var value []byte
	var createdAt, expiresAt, hitCount, lastAccess int64
	err := s.db.QueryRowContext(ctx, query, key).Scan(&value, &createdAt, &expiresAt, &hitCount, &lastAccess)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	now := time.Now()
	if expiresAt > 0 && now.Unix() > expiresAt {
		_ = s.Delete(ctx, key)
		return nil, false, nil
	}

	touch := fmt.Sprintf(
		"UPDATE weft_cache SET hit_count = hit_count + 1, last_access_at = %s WHERE cache_key = %s",
		s.placeholder(1), s.placeholder(2))
	if _, err := s.db.ExecContext(ctx, touch, now.Unix(), key); err != nil {
		return nil, false, err
	}

	entry := &Entry{
		Key:          key,
		Value:        value,
		CreatedAt:    time.Unix(createdAt, 0),
		HitCount:     hitCount + 1,
		LastAccessAt: now,
	}
	if expiresAt > 0 {
		entry.ExpiresAt = time.Unix(expiresAt, 0)
	}
	return entry, true, nil
}

func (s *SQLStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	now := time.Now().Unix()
	var expiresAt int64
	if ttl > 0 {
		expiresAt = now + int64(ttl.Seconds())
	}

	var query string
	switch s.dialect {
	case "mysql":
		query = `INSERT INTO weft_cache (cache_key, value, created_at, expires_at, hit_count, last_access_at)
			VALUES (?, ?, ?, ?, 0, ?)
			ON DUPLICATE KEY UPDATE value = VALUES(value), created_at = VALUES(created_at),
				expires_at = VALUES(expires_at), hit_count = 0, last_access_at = VALUES(last_access_at)`
	case "postgres":
		query = `INSERT INTO weft_cache (cache_key, value, created_at, expires_at, hit_count, last_access_at)
			VALUES ($1, $2, $3, $4, 0, $5)
			ON CONFLICT (cache_key) DO UPDATE SET value = EXCLUDED.value, created_at = EXCLUDED.created_at,
				expires_at = EXCLUDED.expires_at, hit_count = 0, last_access_at = EXCLUDED.last_access_at`
	default: // sqlite
		query = `INSERT INTO weft_cache (cache_key, value, created_at, expires_at, hit_count, last_access_at)
			VALUES (?, ?, ?, ?, 0, ?)
			ON CONFLICT (cache_key) DO UPDATE SET value = excluded.value, created_at = excluded.created_at,
				expires_at = excluded.expires_at, hit_count = 0, last_access_at = excluded.last_access_at`
	}

	_, err := s.db.ExecContext(ctx, query, key, value, now, expiresAt, now)
	return err
}

func (s *SQLStore) Delete(ctx context.Context, key string) error {
	query := fmt.Sprintf("DELETE FROM weft_cache WHERE cache_key = %s", s.placeholder(1))
	_, err := s.db.ExecContext(ctx, query, key)
	return err
}

func (s *SQLStore) Exists(ctx context.Context, key string) (bool, error) {
	query := fmt.Sprintf(
		"SELECT expires_at FROM weft_cache WHERE cache_key = %s", s.placeholder(1))
	var expiresAt int64
	err := s.db.QueryRowContext(ctx, query, key).Scan(&expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if expiresAt > 0 && time.Now().Unix() > expiresAt {
		return false, nil
	}
	return true, nil
}

func (s *SQLStore) Clear(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM weft_cache")
	return err
}

// Close is a no-op: the underlying pool is shared and owned by config.DBPool.
func (s *SQLStore) Close() error {
	return nil
}
