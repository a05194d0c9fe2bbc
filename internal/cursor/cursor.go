package cursor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

const keyPrefix = "cursor:"

// kvStore is the slice of the KV store the cursor store depends on.
type kvStore interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
	Keys(ctx context.Context, prefix string) ([]string, error)
}

// ConversationKey derives the stable identity of one customer-service
// conversation from the kf account and the corp user the callback addressed.
func ConversationKey(openKfID, corpUser string) string {
	return openKfID + ":" + corpUser
}

type record struct {
	Cursor         string `json:"cursor"`
	LastUpdateTime int64  `json:"last_update_time"`
}

// Store keeps one resumable sync cursor per conversation, persisted through
// the KV store so progress survives restarts.
type Store struct {
	kv     kvStore
	logger *slog.Logger
}

func NewStore(log *slog.Logger, kv kvStore) *Store {
	if log == nil {
		log = slog.Default()
	}
	return &Store{
		kv:     kv,
		logger: log.With(slog.String("component", "cursor_store")),
	}
}

// PurgeLegacy removes entries whose conversation key predates the compound
// openKfId:corpUser shape. Called once at startup.
func (s *Store) PurgeLegacy(ctx context.Context) error {
	keys, err := s.kv.Keys(ctx, keyPrefix)
	if err != nil {
		return err
	}
	purged := 0
	for _, key := range keys {
		convKey := strings.TrimPrefix(key, keyPrefix)
		if strings.Contains(convKey, ":") {
			continue
		}
		if err := s.kv.Delete(ctx, key); err != nil {
			return err
		}
		purged++
	}
	if purged > 0 {
		s.logger.Info("purged legacy cursor entries", slog.Int("count", purged))
	}
	return nil
}

// Get returns the stored cursor for the conversation, or "" when unknown.
func (s *Store) Get(ctx context.Context, conversationKey string) (string, error) {
	raw, ok, err := s.kv.Get(ctx, keyPrefix+conversationKey)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", nil
	}
	var rec record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return "", fmt.Errorf("decode cursor %q: %w", conversationKey, err)
	}
	return rec.Cursor, nil
}

// Update overwrites the conversation's cursor. The write is durable before
// Update returns; paging must not continue past a failed write.
func (s *Store) Update(ctx context.Context, conversationKey, cursor string) error {
	raw, err := json.Marshal(record{
		Cursor:         cursor,
		LastUpdateTime: time.Now().UnixMilli(),
	})
	if err != nil {
		return err
	}
	return s.kv.Set(ctx, keyPrefix+conversationKey, string(raw))
}

// Clear drops the conversation's cursor so the next sync starts from the
// platform's default position.
func (s *Store) Clear(ctx context.Context, conversationKey string) error {
	return s.kv.Delete(ctx, keyPrefix+conversationKey)
}
