package callback

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/huaisubot/wecomkf/internal/wecom"
)

type ttsEngine interface {
	Synthesize(ctx context.Context, text string) ([]byte, error)
}

type voiceTranscoder interface {
	MP3ToAMR(ctx context.Context, mp3 []byte) (string, error)
}

type messenger interface {
	SendMessage(ctx context.Context, msg wecom.OutgoingMessage) (wecom.SendResponse, error)
	UploadMedia(ctx context.Context, mediaType, filename string, content io.Reader) (string, error)
}

// Synthesizer turns reply text into a voice message. When any step of the
// voice path fails the same text goes out as a plain text message instead, so
// the customer always hears back.
type Synthesizer struct {
	logger *slog.Logger
	tts    ttsEngine
	audio  voiceTranscoder
	msgr   messenger
}

func NewSynthesizer(log *slog.Logger, tts ttsEngine, audio voiceTranscoder, msgr messenger) *Synthesizer {
	if log == nil {
		log = slog.Default()
	}
	return &Synthesizer{
		logger: log.With(slog.String("component", "synthesizer")),
		tts:    tts,
		audio:  audio,
		msgr:   msgr,
	}
}

// Reply delivers text to the customer, preferring voice. It returns the
// uploaded voice media id when a voice message went out, or "" when the text
// fallback was used. The error is non-nil only when the fallback text send
// itself failed.
func (s *Synthesizer) Reply(ctx context.Context, toUser, openKfID, text string) (string, error) {
	mediaID, err := s.sendVoice(ctx, toUser, openKfID, text)
	if err == nil {
		return mediaID, nil
	}
	s.logger.Warn("voice reply failed, falling back to text",
		slog.String("to_user", toUser),
		slog.String("error", err.Error()))

	if _, err := s.msgr.SendMessage(ctx, wecom.OutgoingMessage{
		ToUser:   toUser,
		OpenKfID: openKfID,
		MsgType:  wecom.MsgTypeText,
		Text:     &wecom.TextContent{Content: text},
	}); err != nil {
		return "", fmt.Errorf("text fallback: %w", err)
	}
	return "", nil
}

// SendCachedVoice sends a previously uploaded voice media id.
func (s *Synthesizer) SendCachedVoice(ctx context.Context, toUser, openKfID, mediaID string) error {
	_, err := s.msgr.SendMessage(ctx, wecom.OutgoingMessage{
		ToUser:   toUser,
		OpenKfID: openKfID,
		MsgType:  wecom.MsgTypeVoice,
		Voice:    &wecom.MediaRef{MediaID: mediaID},
	})
	return err
}

func (s *Synthesizer) sendVoice(ctx context.Context, toUser, openKfID, text string) (string, error) {
	mp3, err := s.tts.Synthesize(ctx, text)
	if err != nil {
		return "", fmt.Errorf("synthesize: %w", err)
	}
	amrPath, err := s.audio.MP3ToAMR(ctx, mp3)
	if err != nil {
		return "", fmt.Errorf("transcode: %w", err)
	}
	defer os.Remove(amrPath)

	file, err := os.Open(amrPath)
	if err != nil {
		return "", fmt.Errorf("open voice file: %w", err)
	}
	defer file.Close()

	mediaID, err := s.msgr.UploadMedia(ctx, "voice", filepath.Base(amrPath), file)
	if err != nil {
		return "", fmt.Errorf("upload voice: %w", err)
	}
	if err := s.SendCachedVoice(ctx, toUser, openKfID, mediaID); err != nil {
		return "", fmt.Errorf("send voice: %w", err)
	}
	return mediaID, nil
}
