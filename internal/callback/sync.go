package callback

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/huaisubot/wecomkf/internal/config"
	"github.com/huaisubot/wecomkf/internal/wecom"
)

type syncClient interface {
	SyncMessages(ctx context.Context, cursor, token string, limit int) (wecom.SyncResponse, error)
}

type cursorStore interface {
	Get(ctx context.Context, conversationKey string) (string, error)
	Update(ctx context.Context, conversationKey, cursor string) error
}

// Syncer drains the conversation stream page by page, persisting the cursor
// after every page so a crash never replays acknowledged history.
type Syncer struct {
	logger  *slog.Logger
	client  syncClient
	cursors cursorStore
	cfg     config.SyncConfig
	sleep   func(ctx context.Context, d time.Duration) error
}

func NewSyncer(log *slog.Logger, client syncClient, cursors cursorStore, cfg config.SyncConfig) *Syncer {
	if log == nil {
		log = slog.Default()
	}
	return &Syncer{
		logger:  log.With(slog.String("component", "syncer")),
		client:  client,
		cursors: cursors,
		cfg:     cfg,
		sleep:   sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// SyncLatest pages through kf/sync_msg with the event token and returns the
// newest message of the drained window, or nil when the window was empty.
// Each page's next_cursor is durable before the next page is requested; a
// failed cursor write aborts the loop.
func (s *Syncer) SyncLatest(ctx context.Context, conversationKey, token string) (*wecom.SyncedMessage, error) {
	cur, err := s.cursors.Get(ctx, conversationKey)
	if err != nil {
		return nil, fmt.Errorf("load cursor: %w", err)
	}

	var latest *wecom.SyncedMessage
	for page := 0; ; page++ {
		if s.cfg.MaxPages > 0 && page >= s.cfg.MaxPages {
			s.logger.Warn("sync stopped at page cap",
				slog.String("conversation", conversationKey),
				slog.Int("max_pages", s.cfg.MaxPages))
			break
		}

		resp, err := s.client.SyncMessages(ctx, cur, token, s.cfg.PageSize)
		if err != nil {
			return nil, err
		}
		if n := len(resp.MsgList); n > 0 {
			m := resp.MsgList[n-1]
			latest = &m
		}
		if resp.NextCursor != "" {
			if err := s.cursors.Update(ctx, conversationKey, resp.NextCursor); err != nil {
				return nil, fmt.Errorf("persist cursor: %w", err)
			}
			cur = resp.NextCursor
		}
		if resp.HasMore != 1 {
			break
		}
		if err := s.sleep(ctx, s.cfg.PageDelay()); err != nil {
			return nil, err
		}
	}
	return latest, nil
}
