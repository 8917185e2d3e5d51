// Package kvstore provides a small embedded key-value store with per-entry
// expiry, shared by cascade state, the session allow-list cache, and
// user-lock tokens. It is advisory state: callers treat any store error as a
// miss, which degrades toward re-prompting the operator, never toward
// silent approval.
package kvstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Bucket names used by the domain packages.
const (
	BucketCascade = "cascade"
	BucketSession = "session"
	BucketLock    = "lock"
)

// Store is a SQLite-backed TTL key-value store. It is safe for concurrent
// use from multiple processes on the same host: SQLite serializes writers
// and the busy timeout makes short contention invisible to callers.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens (creating if necessary) the store at path. The parent
// directory is created with restricted permissions. Expired entries are
// purged opportunistically at open.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("create state directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open state store: %w", err)
	}

	const schema = `CREATE TABLE IF NOT EXISTS kv (
		bucket     TEXT    NOT NULL,
		key        TEXT    NOT NULL,
		value      BLOB    NOT NULL,
		created_at INTEGER NOT NULL,
		expires_at INTEGER NOT NULL,
		PRIMARY KEY (bucket, key)
	)`
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create kv table: %w", err)
	}

	s := &Store{db: db, logger: logger}
	s.purgeExpired(context.Background())
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Put upserts an entry with the given time-to-live. An existing entry for
// the same bucket/key is replaced and its creation time reset.
func (s *Store) Put(ctx context.Context, bucket, key string, value []byte, ttl time.Duration) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO kv (bucket, key, value, created_at, expires_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (bucket, key) DO UPDATE SET
			value = excluded.value,
			created_at = excluded.created_at,
			expires_at = excluded.expires_at`,
		bucket, key, value, now.UnixMilli(), now.Add(ttl).UnixMilli())
	if err != nil {
		return fmt.Errorf("put %s/%s: %w", bucket, key, err)
	}
	return nil
}

// Get returns the value and creation time for bucket/key. An absent or
// expired entry is a miss (ok == false); expired entries are bypassed, not
// deleted.
func (s *Store) Get(ctx context.Context, bucket, key string) (value []byte, createdAt time.Time, ok bool, err error) {
	var createdMilli, expiresMilli int64
	row := s.db.QueryRowContext(ctx,
		`SELECT value, created_at, expires_at FROM kv WHERE bucket = ? AND key = ?`,
		bucket, key)
	if err := row.Scan(&value, &createdMilli, &expiresMilli); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, time.Time{}, false, nil
		}
		return nil, time.Time{}, false, fmt.Errorf("get %s/%s: %w", bucket, key, err)
	}
	if time.Now().UnixMilli() >= expiresMilli {
		return nil, time.Time{}, false, nil
	}
	return value, time.UnixMilli(createdMilli).UTC(), true, nil
}

// Delete removes the entry for bucket/key. Deleting a missing entry is not
// an error.
func (s *Store) Delete(ctx context.Context, bucket, key string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM kv WHERE bucket = ? AND key = ?`, bucket, key); err != nil {
		return fmt.Errorf("delete %s/%s: %w", bucket, key, err)
	}
	return nil
}

// TryAcquire atomically claims bucket/key for ttl. It succeeds when no
// entry exists or the existing entry has expired (a stale token from a
// crashed holder is force-cleared); it reports false when a live holder
// exists. The whole check-and-claim is one statement, so concurrent callers
// cannot both win.
func (s *Store) TryAcquire(ctx context.Context, bucket, key string, holder []byte, ttl time.Duration) (bool, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO kv (bucket, key, value, created_at, expires_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (bucket, key) DO UPDATE SET
			value = excluded.value,
			created_at = excluded.created_at,
			expires_at = excluded.expires_at
		 WHERE kv.expires_at <= ?`,
		bucket, key, holder, now.UnixMilli(), now.Add(ttl).UnixMilli(), now.UnixMilli())
	if err != nil {
		return false, fmt.Errorf("acquire %s/%s: %w", bucket, key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("acquire %s/%s: %w", bucket, key, err)
	}
	return n > 0, nil
}

// purgeExpired removes entries whose expiry has passed. Failures are logged
// and ignored: expired entries are bypassed by Get anyway.
func (s *Store) purgeExpired(ctx context.Context) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM kv WHERE expires_at <= ?`, time.Now().UnixMilli())
	if err != nil {
		s.logger.Warn("state store purge failed", "error", err)
		return
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		s.logger.Debug("purged expired state entries", "count", n)
	}
}
