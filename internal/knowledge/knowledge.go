package knowledge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/huaisubot/wecomkf/internal/mediacache"
)

// Link is an optional rich reply attached to a knowledge item.
type Link struct {
	Title     string `json:"title"`
	Desc      string `json:"desc,omitempty"`
	URL       string `json:"url"`
	ImagePath string `json:"imagePath,omitempty"`
}

// Item is one entry of the ordered pattern table. Earlier items shadow later
// ones for inputs both would match.
type Item struct {
	Pattern     string `json:"pattern"`
	IsRegex     bool   `json:"isRegex,omitempty"`
	Response    string `json:"response,omitempty"`
	Description string `json:"description,omitempty"`
	Link        *Link  `json:"link,omitempty"`

	// Cached platform media handles, mirrored from the media cache.
	VoiceMediaID         string `json:"voiceMediaId,omitempty"`
	VoiceMediaExpireTime int64  `json:"voiceMediaExpireTime,omitempty"`
	ThumbMediaID         string `json:"thumbMediaId,omitempty"`
	ThumbMediaExpireTime int64  `json:"thumbMediaExpireTime,omitempty"`

	compiled *regexp.Regexp
}

type table struct {
	Items []*Item `json:"items"`
}

type mediaCache interface {
	PutVoice(ctx context.Context, pattern, mediaID string) error
	PutThumb(ctx context.Context, pattern, mediaID string) error
	GetThumb(ctx context.Context, pattern string) (mediacache.Entry, bool, error)
	InvalidateVoice(ctx context.Context, pattern string) error
}

// Service owns the in-memory knowledge table. FindMatch clears expired media
// ids in place, so it takes the write lock; only Items reads under RLock.
type Service struct {
	logger *slog.Logger
	media  mediaCache
	path   string
	now    func() time.Time

	mu    sync.RWMutex
	items []*Item
}

func NewService(log *slog.Logger, media mediaCache, path string) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		logger: log.With(slog.String("component", "knowledge")),
		media:  media,
		path:   path,
		now:    time.Now,
	}
}

// Load reads the knowledge file. A missing file yields an empty table; a
// malformed file or an uncompilable regex is a startup error.
func (s *Service) Load() error {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			s.logger.Warn("knowledge file missing, starting with empty table", slog.String("path", s.path))
			s.mu.Lock()
			s.items = nil
			s.mu.Unlock()
			return nil
		}
		return fmt.Errorf("read knowledge file: %w", err)
	}

	var tbl table
	if err := json.Unmarshal(raw, &tbl); err != nil {
		return fmt.Errorf("parse knowledge file: %w", err)
	}
	for _, item := range tbl.Items {
		if item.IsRegex {
			compiled, err := regexp.Compile(item.Pattern)
			if err != nil {
				return fmt.Errorf("knowledge pattern %q: %w", item.Pattern, err)
			}
			item.compiled = compiled
		}
	}

	s.mu.Lock()
	s.items = tbl.Items
	s.mu.Unlock()
	s.logger.Info("knowledge table loaded", slog.Int("items", len(tbl.Items)))
	return nil
}

// FindMatch scans the table in order and returns a copy of the first item
// matching input. Expired cached media ids are cleared from the live item on
// the way so the response path regenerates them.
func (s *Service) FindMatch(input string) (Item, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	nowMillis := s.now().UnixMilli()
	for _, item := range s.items {
		matched := false
		if item.IsRegex {
			matched = item.compiled != nil && item.compiled.MatchString(input)
		} else {
			matched = strings.Contains(input, item.Pattern)
		}
		if !matched {
			continue
		}
		if item.VoiceMediaID != "" && item.VoiceMediaExpireTime <= nowMillis {
			item.VoiceMediaID = ""
			item.VoiceMediaExpireTime = 0
		}
		if item.ThumbMediaID != "" && item.ThumbMediaExpireTime <= nowMillis {
			item.ThumbMediaID = ""
			item.ThumbMediaExpireTime = 0
		}
		return *item, true
	}
	return Item{}, false
}

// UpdateVoiceMediaID records a freshly uploaded voice reply for the pattern,
// writing through to the media cache and mirroring into the table.
func (s *Service) UpdateVoiceMediaID(ctx context.Context, pattern, mediaID string) error {
	if err := s.media.PutVoice(ctx, pattern, mediaID); err != nil {
		return err
	}
	expire := s.now().Add(mediacache.MediaTTL).UnixMilli()
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, item := range s.items {
		if item.Pattern == pattern {
			item.VoiceMediaID = mediaID
			item.VoiceMediaExpireTime = expire
			return nil
		}
	}
	return nil
}

// UpdateLinkThumbMediaID records an uploaded link thumbnail for the pattern.
func (s *Service) UpdateLinkThumbMediaID(ctx context.Context, pattern, mediaID string) error {
	if err := s.media.PutThumb(ctx, pattern, mediaID); err != nil {
		return err
	}
	expire := s.now().Add(mediacache.MediaTTL).UnixMilli()
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, item := range s.items {
		if item.Pattern == pattern {
			item.ThumbMediaID = mediaID
			item.ThumbMediaExpireTime = expire
			return nil
		}
	}
	return nil
}

// LinkThumbValid reports whether the backing cache still holds a live
// thumbnail handle for the item's pattern.
func (s *Service) LinkThumbValid(ctx context.Context, item Item) (string, bool) {
	entry, ok, err := s.media.GetThumb(ctx, item.Pattern)
	if err != nil {
		s.logger.Warn("thumb cache read failed", slog.String("pattern", item.Pattern), slog.Any("error", err))
		return "", false
	}
	if !ok {
		return "", false
	}
	return entry.MediaID, true
}

// InvalidateVoice drops the pattern's cached voice handle after a send
// failure so the next match regenerates it.
func (s *Service) InvalidateVoice(ctx context.Context, pattern string) {
	if err := s.media.InvalidateVoice(ctx, pattern); err != nil {
		s.logger.Warn("voice cache invalidate failed", slog.String("pattern", pattern), slog.Any("error", err))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, item := range s.items {
		if item.Pattern == pattern {
			item.VoiceMediaID = ""
			item.VoiceMediaExpireTime = 0
			return
		}
	}
}

// Items returns a snapshot of the table for the admin surface.
func (s *Service) Items() []Item {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Item, len(s.items))
	for i, item := range s.items {
		out[i] = *item
	}
	return out
}
