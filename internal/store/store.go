package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// ErrPersistence wraps every database failure so callers can distinguish a
// storage fault from a missing key.
var ErrPersistence = errors.New("kv persistence")

// DB is the subset of pgxpool.Pool the store needs; tests substitute a fake.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// KV is a durable string-keyed record store with optional per-key expiry.
// It backs the sync cursors and the media-id cache.
type KV struct {
	db     DB
	logger *slog.Logger
}

func NewKV(log *slog.Logger, db DB) *KV {
	if log == nil {
		log = slog.Default()
	}
	return &KV{
		db:     db,
		logger: log.With(slog.String("component", "kv_store")),
	}
}

const bootstrapSQL = `
CREATE TABLE IF NOT EXISTS kv_entries (
	key        text PRIMARY KEY,
	value      text NOT NULL,
	expires_at timestamptz,
	updated_at timestamptz NOT NULL DEFAULT now()
)`

// Bootstrap creates the backing table. Idempotent; called once at startup.
func (s *KV) Bootstrap(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, bootstrapSQL); err != nil {
		return fmt.Errorf("%w: bootstrap: %w", ErrPersistence, err)
	}
	return nil
}

// Get returns the value for key. Expired entries read as absent; they are
// reaped lazily by DeleteExpired rather than on the read path.
func (s *KV) Get(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRow(ctx,
		`SELECT value FROM kv_entries WHERE key = $1 AND (expires_at IS NULL OR expires_at > now())`,
		key,
	).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("%w: get %q: %w", ErrPersistence, key, err)
	}
	return value, true, nil
}

// Set writes key without expiry, replacing any previous value.
func (s *KV) Set(ctx context.Context, key, value string) error {
	return s.set(ctx, key, value, nil)
}

// SetTTL writes key with an expiry of now+ttl.
func (s *KV) SetTTL(ctx context.Context, key, value string, ttl time.Duration) error {
	expires := time.Now().Add(ttl)
	return s.set(ctx, key, value, &expires)
}

func (s *KV) set(ctx context.Context, key, value string, expires *time.Time) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO kv_entries (key, value, expires_at, updated_at) VALUES ($1, $2, $3, now())
		 ON CONFLICT (key) DO UPDATE SET value = $2, expires_at = $3, updated_at = now()`,
		key, value, expires,
	)
	if err != nil {
		return fmt.Errorf("%w: set %q: %w", ErrPersistence, key, err)
	}
	return nil
}

// Delete removes key; deleting an absent key is not an error.
func (s *KV) Delete(ctx context.Context, key string) error {
	if _, err := s.db.Exec(ctx, `DELETE FROM kv_entries WHERE key = $1`, key); err != nil {
		return fmt.Errorf("%w: delete %q: %w", ErrPersistence, key, err)
	}
	return nil
}

// Keys lists all live keys with the given prefix.
func (s *KV) Keys(ctx context.Context, prefix string) ([]string, error) {
	rows, err := s.db.Query(ctx,
		`SELECT key FROM kv_entries WHERE key LIKE $1 || '%' AND (expires_at IS NULL OR expires_at > now())`,
		prefix,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: keys %q: %w", ErrPersistence, prefix, err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("%w: keys scan: %w", ErrPersistence, err)
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: keys: %w", ErrPersistence, err)
	}
	return keys, nil
}

// DeleteExpired reaps entries whose expiry has passed.
func (s *KV) DeleteExpired(ctx context.Context) (int64, error) {
	tag, err := s.db.Exec(ctx, `DELETE FROM kv_entries WHERE expires_at IS NOT NULL AND expires_at <= now()`)
	if err != nil {
		return 0, fmt.Errorf("%w: delete expired: %w", ErrPersistence, err)
	}
	if tag.RowsAffected() > 0 {
		s.logger.Debug("reaped expired entries", slog.Int64("count", tag.RowsAffected()))
	}
	return tag.RowsAffected(), nil
}
