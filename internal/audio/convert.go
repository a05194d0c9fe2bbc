package audio

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// Converter shells out to ffmpeg for the AMR/MP3 transcodes the messaging
// platform requires. Work files live under the media directory so the cleanup
// job can reclaim them.
type Converter struct {
	logger *slog.Logger
	dir    string
	ffmpeg string
}

func NewConverter(log *slog.Logger, dir string) *Converter {
	if log == nil {
		log = slog.Default()
	}
	return &Converter{
		logger: log.With(slog.String("component", "audio")),
		dir:    dir,
		ffmpeg: "ffmpeg",
	}
}

func (c *Converter) workPath(ext string) string {
	name := fmt.Sprintf("%d_%s%s", time.Now().UnixMilli(), uuid.NewString()[:8], ext)
	return filepath.Join(c.dir, name)
}

// WriteWorkFile stores data under the media directory and returns its path.
// Callers remove the file when done; the cleanup job catches anything left
// behind.
func (c *Converter) WriteWorkFile(data []byte, ext string) (string, error) {
	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return "", fmt.Errorf("create media dir: %w", err)
	}
	path := c.workPath(ext)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write work file: %w", err)
	}
	return path, nil
}

func (c *Converter) run(ctx context.Context, args ...string) error {
	cmd := exec.CommandContext(ctx, c.ffmpeg, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("ffmpeg: %w: %s", err, truncate(out, 512))
	}
	return nil
}

// MP3ToAMR converts MP3 bytes into an AMR file suitable for a voice message.
// The returned path points into the media directory.
func (c *Converter) MP3ToAMR(ctx context.Context, mp3 []byte) (string, error) {
	src, err := c.WriteWorkFile(mp3, ".mp3")
	if err != nil {
		return "", err
	}
	defer os.Remove(src)

	dst := c.workPath(".amr")
	if err := c.run(ctx, "-y", "-i", src, "-ar", "8000", "-ab", "12.2k", "-ac", "1", dst); err != nil {
		os.Remove(dst)
		return "", err
	}
	c.logger.Debug("transcoded mp3 to amr", slog.String("path", dst))
	return dst, nil
}

// AMRToMP3 converts a downloaded AMR voice clip into MP3 bytes for the
// transcription services.
func (c *Converter) AMRToMP3(ctx context.Context, amr []byte) ([]byte, error) {
	src, err := c.WriteWorkFile(amr, ".amr")
	if err != nil {
		return nil, err
	}
	defer os.Remove(src)

	dst := c.workPath(".mp3")
	defer os.Remove(dst)
	if err := c.run(ctx, "-y", "-i", src, "-ar", "16000", "-ac", "1", dst); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(dst)
	if err != nil {
		return nil, fmt.Errorf("read transcoded mp3: %w", err)
	}
	return data, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
