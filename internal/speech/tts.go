package speech

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"

	"github.com/huaisubot/wecomkf/internal/config"
)

// TTS synthesizes MP3 audio through the xunfei text-to-speech websocket API.
type TTS struct {
	logger  *slog.Logger
	cfg     config.XunfeiConfig
	timeout time.Duration
	now     func() time.Time
}

func NewTTS(log *slog.Logger, cfg config.XunfeiConfig) *TTS {
	if log == nil {
		log = slog.Default()
	}
	return &TTS{
		logger:  log.With(slog.String("component", "xunfei_tts")),
		cfg:     cfg,
		timeout: time.Duration(cfg.TimeoutSeconds) * time.Second,
		now:     time.Now,
	}
}

type ttsRequest struct {
	Common struct {
		AppID string `json:"app_id"`
	} `json:"common"`
	Business struct {
		Aue    string `json:"aue"`
		Sfl    int    `json:"sfl"`
		Auf    string `json:"auf"`
		Vcn    string `json:"vcn"`
		Speed  int    `json:"speed"`
		Volume int    `json:"volume"`
		Pitch  int    `json:"pitch"`
		Bgs    int    `json:"bgs"`
		Tte    string `json:"tte"`
	} `json:"business"`
	Data struct {
		Status int    `json:"status"`
		Text   string `json:"text"`
	} `json:"data"`
}

type ttsResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    *struct {
		Audio  string `json:"audio"`
		Status int    `json:"status"`
	} `json:"data"`
}

// Synthesize converts text into MP3 bytes. The whole utterance is sent in one
// frame (status 2) and audio chunks are concatenated until the final frame.
func (t *TTS) Synthesize(ctx context.Context, text string) ([]byte, error) {
	if t.cfg.AppID == "" || t.cfg.APIKey == "" || t.cfg.APISecret == "" {
		return nil, fmt.Errorf("xunfei tts credentials not configured")
	}
	endpoint, err := AuthURL(t.cfg.TTSURL, t.cfg.APIKey, t.cfg.APISecret, t.now())
	if err != nil {
		return nil, err
	}

	var audio []byte
	err = exchange(ctx, endpoint, t.timeout, func(conn *websocket.Conn) error {
		req := ttsRequest{}
		req.Common.AppID = t.cfg.AppID
		req.Business.Aue = "lame"
		req.Business.Auf = "audio/L16;rate=16000"
		req.Business.Vcn = t.cfg.VoiceName
		req.Business.Speed = 50
		req.Business.Volume = 50
		req.Business.Pitch = 50
		req.Business.Tte = "UTF8"
		req.Data.Status = 2
		req.Data.Text = base64.StdEncoding.EncodeToString([]byte(text))

		if err := conn.WriteJSON(req); err != nil {
			return fmt.Errorf("send tts request: %w", err)
		}

		for {
			_, frame, err := conn.ReadMessage()
			if err != nil {
				return fmt.Errorf("read tts frame: %w", err)
			}
			var resp ttsResponse
			if err := json.Unmarshal(frame, &resp); err != nil {
				return fmt.Errorf("decode tts frame: %w", err)
			}
			if resp.Code != 0 {
				return &VendorError{Code: resp.Code, Message: resp.Message}
			}
			if resp.Data == nil {
				continue
			}
			if resp.Data.Audio != "" {
				chunk, err := base64.StdEncoding.DecodeString(resp.Data.Audio)
				if err != nil {
					return fmt.Errorf("decode tts audio: %w", err)
				}
				audio = append(audio, chunk...)
			}
			if resp.Data.Status == 2 {
				return nil
			}
		}
	})
	if err != nil {
		return nil, err
	}
	t.logger.Debug("synthesis complete", slog.Int("bytes", len(audio)))
	return audio, nil
}
