package speech

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/huaisubot/wecomkf/internal/config"
)

// ASR transcribes Mandarin speech through the xunfei realtime recognition
// websocket API.
type ASR struct {
	logger  *slog.Logger
	cfg     config.XunfeiConfig
	timeout time.Duration
	now     func() time.Time
}

func NewASR(log *slog.Logger, cfg config.XunfeiConfig) *ASR {
	if log == nil {
		log = slog.Default()
	}
	return &ASR{
		logger:  log.With(slog.String("component", "xunfei_asr")),
		cfg:     cfg,
		timeout: time.Duration(cfg.TimeoutSeconds) * time.Second,
		now:     time.Now,
	}
}

type asrRequest struct {
	Common *struct {
		AppID string `json:"app_id"`
	} `json:"common,omitempty"`
	Business *struct {
		Language string `json:"language"`
		Domain   string `json:"domain"`
		Accent   string `json:"accent"`
		VadEOS   int    `json:"vad_eos"`
		Ptt      int    `json:"ptt"`
	} `json:"business,omitempty"`
	Data struct {
		Status   int    `json:"status"`
		Format   string `json:"format,omitempty"`
		Encoding string `json:"encoding,omitempty"`
		Audio    string `json:"audio,omitempty"`
	} `json:"data"`
}

type asrResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    *struct {
		Status int `json:"status"`
		Result struct {
			Ws []struct {
				Cw []struct {
					W string `json:"w"`
				} `json:"cw"`
			} `json:"ws"`
		} `json:"result"`
	} `json:"data"`
}

// Recognize sends the whole clip as a single frame and waits for the final
// transcript. encoding names the container the clip is in ("lame" for MP3,
// "raw" for 16k PCM).
func (a *ASR) Recognize(ctx context.Context, audio []byte, encoding string) (string, error) {
	if a.cfg.AppID == "" || a.cfg.APIKey == "" || a.cfg.APISecret == "" {
		return "", fmt.Errorf("xunfei asr credentials not configured")
	}
	if len(audio) == 0 {
		return "", fmt.Errorf("empty audio clip")
	}
	endpoint, err := AuthURL(a.cfg.ASRURL, a.cfg.APIKey, a.cfg.APISecret, a.now())
	if err != nil {
		return "", err
	}

	var transcript strings.Builder
	err = exchange(ctx, endpoint, a.timeout, func(conn *websocket.Conn) error {
		first := asrRequest{}
		first.Common = &struct {
			AppID string `json:"app_id"`
		}{AppID: a.cfg.AppID}
		first.Business = &struct {
			Language string `json:"language"`
			Domain   string `json:"domain"`
			Accent   string `json:"accent"`
			VadEOS   int    `json:"vad_eos"`
			Ptt      int    `json:"ptt"`
		}{
			Language: "zh_cn",
			Domain:   "iat",
			Accent:   "mandarin",
			VadEOS:   3000,
			Ptt:      1,
		}
		first.Data.Status = 0
		first.Data.Format = "audio/L16;rate=16000"
		first.Data.Encoding = encoding
		first.Data.Audio = base64.StdEncoding.EncodeToString(audio)
		if err := conn.WriteJSON(first); err != nil {
			return fmt.Errorf("send audio frame: %w", err)
		}

		last := asrRequest{}
		last.Data.Status = 2
		if err := conn.WriteJSON(last); err != nil {
			return fmt.Errorf("send end frame: %w", err)
		}

		for {
			_, frame, err := conn.ReadMessage()
			if err != nil {
				return fmt.Errorf("read asr frame: %w", err)
			}
			var resp asrResponse
			if err := json.Unmarshal(frame, &resp); err != nil {
				return fmt.Errorf("decode asr frame: %w", err)
			}
			if resp.Code != 0 {
				return &VendorError{Code: resp.Code, Message: resp.Message}
			}
			if resp.Data == nil {
				continue
			}
			for _, ws := range resp.Data.Result.Ws {
				for _, cw := range ws.Cw {
					transcript.WriteString(cw.W)
				}
			}
			if resp.Data.Status == 2 {
				return nil
			}
		}
	})
	if err != nil {
		return "", err
	}
	text := strings.TrimSpace(transcript.String())
	if text == "" {
		return "", fmt.Errorf("recognition returned no text")
	}
	a.logger.Debug("recognition complete", slog.Int("chars", len(text)))
	return text, nil
}
