package callback

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/huaisubot/wecomkf/internal/cursor"
	"github.com/huaisubot/wecomkf/internal/knowledge"
	"github.com/huaisubot/wecomkf/internal/wecom"
)

// Result is the outcome of one callback dispatch. Failures are reported here,
// never as panics; the webhook already acknowledged the platform by the time
// dispatch runs.
type Result struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

func ok(format string, args ...any) Result {
	return Result{Success: true, Message: fmt.Sprintf(format, args...)}
}

func fail(format string, args ...any) Result {
	return Result{Success: false, Message: fmt.Sprintf(format, args...)}
}

type wecomAPI interface {
	messenger
	DownloadMedia(ctx context.Context, mediaID string) ([]byte, error)
}

type conversationSyncer interface {
	SyncLatest(ctx context.Context, conversationKey, token string) (*wecom.SyncedMessage, error)
}

type knowledgeBase interface {
	FindMatch(input string) (knowledge.Item, bool)
	UpdateVoiceMediaID(ctx context.Context, pattern, mediaID string) error
	UpdateLinkThumbMediaID(ctx context.Context, pattern, mediaID string) error
	LinkThumbValid(ctx context.Context, item knowledge.Item) (string, bool)
	InvalidateVoice(ctx context.Context, pattern string)
}

type replyGenerator interface {
	GenerateReply(ctx context.Context, question string) string
}

type voiceReplier interface {
	Reply(ctx context.Context, toUser, openKfID, text string) (string, error)
	SendCachedVoice(ctx context.Context, toUser, openKfID, mediaID string) error
}

type audioDecoder interface {
	AMRToMP3(ctx context.Context, amr []byte) ([]byte, error)
}

type mandarinRecognizer interface {
	Recognize(ctx context.Context, audio []byte, encoding string) (string, error)
}

type whisperRecognizer interface {
	Transcribe(ctx context.Context, audio []byte, filename string) (string, error)
}

// Deps bundles the collaborators the dispatcher drives.
type Deps struct {
	API       wecomAPI
	Syncer    conversationSyncer
	Knowledge knowledgeBase
	LLM       replyGenerator
	Voice     voiceReplier
	Audio     audioDecoder
	ASR       mandarinRecognizer
	Whisper   whisperRecognizer
}

// Service routes decrypted callback messages to the answering pipeline.
type Service struct {
	logger *slog.Logger
	deps   Deps

	// speechProvider names the primary transcription backend; the other one
	// is tried when the primary fails.
	speechProvider string
	// thumbPath is the default link thumbnail image when an item names none.
	thumbPath string
}

func NewService(log *slog.Logger, deps Deps, speechProvider, thumbPath string) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		logger:         log.With(slog.String("component", "callback")),
		deps:           deps,
		speechProvider: speechProvider,
		thumbPath:      thumbPath,
	}
}

// HandleCallback dispatches one decrypted message. It runs after the webhook
// response was already written, so every failure ends here as a Result.
func (s *Service) HandleCallback(ctx context.Context, msg *wecom.CallbackMessage) (result Result) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("callback dispatch panicked", slog.Any("panic", r))
			result = fail("internal error")
		}
	}()

	switch msg.Type {
	case wecom.MsgTypeText, wecom.MsgTypeImage, wecom.MsgTypeVoice:
		// Direct messages arrive through the sync stream; the push itself
		// needs nothing beyond the ack already sent.
		s.logger.Debug("direct message acknowledged",
			slog.String("type", string(msg.Type)),
			slog.String("msgid", msg.MsgID))
		return ok("acknowledged %s message", msg.Type)
	case wecom.MsgTypeEvent:
		if msg.Event.EventType != wecom.EventKfMsgOrEvent {
			s.logger.Info("ignoring event", slog.String("event", msg.Event.EventType))
			return ok("ignored event %s", msg.Event.EventType)
		}
		return s.handleKfEvent(ctx, msg)
	default:
		return fail("unhandled message type %s", msg.Type)
	}
}

func (s *Service) handleKfEvent(ctx context.Context, msg *wecom.CallbackMessage) Result {
	ev := msg.Event
	if ev.Token == "" {
		return fail("kf event without sync token")
	}

	convKey := cursor.ConversationKey(ev.OpenKfID, msg.ToUserName)
	latest, err := s.deps.Syncer.SyncLatest(ctx, convKey, ev.Token)
	if err != nil {
		s.logger.Error("sync failed",
			slog.String("conversation", convKey),
			slog.String("error", err.Error()))
		return fail("sync failed: %v", err)
	}
	if latest == nil {
		return ok("no new messages")
	}

	switch latest.MsgType {
	case "text":
		if latest.Text == nil || latest.Text.Content == "" {
			return ok("empty text message")
		}
		return s.answerText(ctx, latest.ExternalUserID, latest.OpenKfID, latest.Text.Content)
	case "voice":
		if latest.Voice == nil || latest.Voice.MediaID == "" {
			return fail("voice message without media id")
		}
		return s.answerVoice(ctx, latest)
	default:
		s.logger.Info("no reply for message type", slog.String("msgtype", latest.MsgType))
		return ok("ignored %s message", latest.MsgType)
	}
}

func (s *Service) answerText(ctx context.Context, toUser, openKfID, question string) Result {
	if item, matched := s.deps.Knowledge.FindMatch(question); matched {
		return s.replyFromKnowledge(ctx, toUser, openKfID, item)
	}
	answer := s.deps.LLM.GenerateReply(ctx, question)
	return s.speak(ctx, toUser, openKfID, answer, "")
}

func (s *Service) replyFromKnowledge(ctx context.Context, toUser, openKfID string, item knowledge.Item) Result {
	if item.Link != nil {
		if err := s.sendLink(ctx, toUser, openKfID, item); err == nil {
			return ok("sent link reply")
		} else {
			s.logger.Warn("link reply failed",
				slog.String("pattern", item.Pattern),
				slog.String("error", err.Error()))
		}
		if item.Response == "" {
			return fail("link reply failed and item has no spoken response")
		}
	}

	if item.VoiceMediaID != "" {
		if err := s.deps.Voice.SendCachedVoice(ctx, toUser, openKfID, item.VoiceMediaID); err == nil {
			return ok("sent cached voice reply")
		} else {
			s.logger.Warn("cached voice rejected, regenerating",
				slog.String("pattern", item.Pattern),
				slog.String("error", err.Error()))
			s.deps.Knowledge.InvalidateVoice(ctx, item.Pattern)
		}
	}
	return s.speak(ctx, toUser, openKfID, item.Response, item.Pattern)
}

// speak delivers text as voice with text fallback. A fresh voice upload for a
// knowledge pattern is cached for the next match.
func (s *Service) speak(ctx context.Context, toUser, openKfID, text, pattern string) Result {
	mediaID, err := s.deps.Voice.Reply(ctx, toUser, openKfID, text)
	if err != nil {
		return fail("reply failed: %v", err)
	}
	if pattern != "" && mediaID != "" {
		if err := s.deps.Knowledge.UpdateVoiceMediaID(ctx, pattern, mediaID); err != nil {
			s.logger.Warn("voice cache write failed",
				slog.String("pattern", pattern),
				slog.String("error", err.Error()))
		}
	}
	return ok("sent reply")
}

func (s *Service) sendLink(ctx context.Context, toUser, openKfID string, item knowledge.Item) error {
	thumbID, valid := s.deps.Knowledge.LinkThumbValid(ctx, item)
	if !valid {
		uploaded, err := s.uploadThumb(ctx, item)
		if err != nil {
			return fmt.Errorf("thumbnail: %w", err)
		}
		thumbID = uploaded
		if err := s.deps.Knowledge.UpdateLinkThumbMediaID(ctx, item.Pattern, thumbID); err != nil {
			s.logger.Warn("thumb cache write failed",
				slog.String("pattern", item.Pattern),
				slog.String("error", err.Error()))
		}
	}

	_, err := s.deps.API.SendMessage(ctx, wecom.OutgoingMessage{
		ToUser:   toUser,
		OpenKfID: openKfID,
		MsgType:  wecom.MsgTypeLink,
		Link: &wecom.LinkContent{
			Title:        item.Link.Title,
			Desc:         item.Link.Desc,
			URL:          item.Link.URL,
			ThumbMediaID: thumbID,
		},
	})
	return err
}

func (s *Service) uploadThumb(ctx context.Context, item knowledge.Item) (string, error) {
	path := item.Link.ImagePath
	if path == "" {
		path = s.thumbPath
	}
	if path == "" {
		return "", fmt.Errorf("no thumbnail image configured")
	}
	file, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer file.Close()
	return s.deps.API.UploadMedia(ctx, "image", filepath.Base(path), file)
}

func (s *Service) answerVoice(ctx context.Context, msg *wecom.SyncedMessage) Result {
	amr, err := s.deps.API.DownloadMedia(ctx, msg.Voice.MediaID)
	if err != nil {
		return fail("download voice: %v", err)
	}
	mp3, err := s.deps.Audio.AMRToMP3(ctx, amr)
	if err != nil {
		return fail("decode voice: %v", err)
	}
	transcript, err := s.transcribe(ctx, mp3)
	if err != nil {
		return fail("transcribe voice: %v", err)
	}
	s.logger.Info("voice transcribed", slog.Int("chars", len(transcript)))

	answer := s.deps.LLM.GenerateReply(ctx, transcript)
	return s.speak(ctx, msg.ExternalUserID, msg.OpenKfID, answer, "")
}

// transcribe tries the configured primary recognizer first and the other one
// when it fails.
func (s *Service) transcribe(ctx context.Context, mp3 []byte) (string, error) {
	xunfei := func() (string, error) { return s.deps.ASR.Recognize(ctx, mp3, "lame") }
	whisper := func() (string, error) { return s.deps.Whisper.Transcribe(ctx, mp3, "voice.mp3") }

	primary, secondary := xunfei, whisper
	if s.speechProvider == "openai" {
		primary, secondary = whisper, xunfei
	}

	text, primaryErr := primary()
	if primaryErr == nil {
		return text, nil
	}
	s.logger.Warn("primary recognizer failed, trying fallback",
		slog.String("provider", s.speechProvider),
		slog.String("error", primaryErr.Error()))

	text, secondaryErr := secondary()
	if secondaryErr == nil {
		return text, nil
	}
	return "", fmt.Errorf("all recognizers failed: %v; fallback: %v", primaryErr, secondaryErr)
}
