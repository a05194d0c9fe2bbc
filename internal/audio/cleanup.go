package audio

import (
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/huaisubot/wecomkf/internal/config"
)

// Cleaner periodically reclaims work files from the media directory. Files
// older than the retention window go first; if the directory still holds more
// than the cap, the oldest survivors are trimmed too.
type Cleaner struct {
	logger *slog.Logger
	cfg    config.MediaConfig
	cron   *cron.Cron
	now    func() time.Time
}

func NewCleaner(log *slog.Logger, cfg config.MediaConfig) *Cleaner {
	if log == nil {
		log = slog.Default()
	}
	return &Cleaner{
		logger: log.With(slog.String("component", "media_cleanup")),
		cfg:    cfg,
		cron:   cron.New(),
		now:    time.Now,
	}
}

// Start registers the sweep on the configured schedule and runs one sweep
// immediately.
func (c *Cleaner) Start() error {
	if _, err := c.cron.AddFunc(c.cfg.CleanupCron, func() {
		if err := c.Sweep(); err != nil {
			c.logger.Error("media sweep failed", slog.String("error", err.Error()))
		}
	}); err != nil {
		return err
	}
	c.cron.Start()
	if err := c.Sweep(); err != nil {
		c.logger.Warn("initial media sweep failed", slog.String("error", err.Error()))
	}
	return nil
}

func (c *Cleaner) Stop() {
	<-c.cron.Stop().Done()
}

type mediaFile struct {
	path    string
	modTime time.Time
}

// Sweep applies the retention and file-count limits to the media directory.
func (c *Cleaner) Sweep() error {
	entries, err := os.ReadDir(c.cfg.Dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	cutoff := c.now().AddDate(0, 0, -c.cfg.RetentionDays)
	var kept []mediaFile
	removed := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		path := filepath.Join(c.cfg.Dir, entry.Name())
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(path); err == nil {
				removed++
			}
			continue
		}
		kept = append(kept, mediaFile{path: path, modTime: info.ModTime()})
	}

	if c.cfg.MaxFiles > 0 && len(kept) > c.cfg.MaxFiles {
		sort.Slice(kept, func(i, j int) bool { return kept[i].modTime.Before(kept[j].modTime) })
		for _, f := range kept[:len(kept)-c.cfg.MaxFiles] {
			if err := os.Remove(f.path); err == nil {
				removed++
			}
		}
	}

	if removed > 0 {
		c.logger.Info("media sweep done", slog.Int("removed", removed))
	}
	return nil
}
