package mediacache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"
)

// MediaTTL matches the platform's temporary-media lifetime.
const MediaTTL = 3 * 24 * time.Hour

const (
	voicePrefix = "media:voice:"
	thumbPrefix = "media:thumb:"
)

type kvStore interface {
	Get(ctx context.Context, key string) (string, bool, error)
	SetTTL(ctx context.Context, key, value string, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// Entry is one cached platform media handle.
type Entry struct {
	MediaID    string `json:"media_id"`
	ExpireTime int64  `json:"expire_time"` // unix millis
}

// Expired reports whether the handle is past its platform lifetime.
func (e Entry) Expired(now time.Time) bool {
	return e.ExpireTime <= now.UnixMilli()
}

// Cache tracks vendor-issued media ids (voice replies, link thumbnails) per
// knowledge pattern, with the platform's 3-day expiry.
type Cache struct {
	kv     kvStore
	logger *slog.Logger
	now    func() time.Time
}

func New(log *slog.Logger, kv kvStore) *Cache {
	if log == nil {
		log = slog.Default()
	}
	return &Cache{
		kv:     kv,
		logger: log.With(slog.String("component", "media_cache")),
		now:    time.Now,
	}
}

func (c *Cache) PutVoice(ctx context.Context, pattern, mediaID string) error {
	return c.put(ctx, voicePrefix+pattern, mediaID)
}

func (c *Cache) PutThumb(ctx context.Context, pattern, mediaID string) error {
	return c.put(ctx, thumbPrefix+pattern, mediaID)
}

func (c *Cache) GetVoice(ctx context.Context, pattern string) (Entry, bool, error) {
	return c.get(ctx, voicePrefix+pattern)
}

func (c *Cache) GetThumb(ctx context.Context, pattern string) (Entry, bool, error) {
	return c.get(ctx, thumbPrefix+pattern)
}

// InvalidateVoice drops a cached voice handle, typically after the platform
// rejected it on send.
func (c *Cache) InvalidateVoice(ctx context.Context, pattern string) error {
	return c.kv.Delete(ctx, voicePrefix+pattern)
}

func (c *Cache) InvalidateThumb(ctx context.Context, pattern string) error {
	return c.kv.Delete(ctx, thumbPrefix+pattern)
}

func (c *Cache) put(ctx context.Context, key, mediaID string) error {
	entry := Entry{
		MediaID:    mediaID,
		ExpireTime: c.now().Add(MediaTTL).UnixMilli(),
	}
	raw, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return c.kv.SetTTL(ctx, key, string(raw), MediaTTL)
}

func (c *Cache) get(ctx context.Context, key string) (Entry, bool, error) {
	raw, ok, err := c.kv.Get(ctx, key)
	if err != nil || !ok {
		return Entry{}, false, err
	}
	var entry Entry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		return Entry{}, false, fmt.Errorf("decode media entry %q: %w", key, err)
	}
	if entry.Expired(c.now()) {
		return Entry{}, false, nil
	}
	return entry, true, nil
}
