package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/huaisubot/wecomkf/internal/config"
)

// Client calls an OpenAI-compatible API for chat completions and speech
// transcription.
type Client struct {
	logger     *slog.Logger
	cfg        config.OpenAIConfig
	httpClient *http.Client
}

func NewClient(log *slog.Logger, cfg config.OpenAIConfig) *Client {
	if log == nil {
		log = slog.Default()
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = config.DefaultOpenAIBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Client{
		logger:     log.With(slog.String("component", "llm")),
		cfg:        cfg,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// GenerateReply produces a short conversational answer. It never returns an
// error: when the upstream call fails the customer still gets a canned
// apology, so callers can send the result unconditionally.
func (c *Client) GenerateReply(ctx context.Context, question string) string {
	reply, err := c.chat(ctx, question)
	if err != nil {
		c.logger.Error("chat completion failed", slog.String("error", err.Error()))
		return fallbackReply
	}
	return reply
}

func (c *Client) chat(ctx context.Context, question string) (string, error) {
	payload, err := json.Marshal(chatRequest{
		Model: c.cfg.ChatModel,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: question},
		},
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var decoded chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return "", fmt.Errorf("decode chat response: %w", err)
	}
	if decoded.Error != nil {
		return "", fmt.Errorf("chat completion: %s", decoded.Error.Message)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("chat completion: status %d", resp.StatusCode)
	}
	if len(decoded.Choices) == 0 {
		return "", fmt.Errorf("chat completion: no choices")
	}
	reply := strings.TrimSpace(decoded.Choices[0].Message.Content)
	if reply == "" {
		return "", fmt.Errorf("chat completion: empty reply")
	}
	return reply, nil
}

type transcribeResponse struct {
	Text  string `json:"text"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Transcribe sends an MP3 clip to the transcription endpoint and returns the
// recognized text.
func (c *Client) Transcribe(ctx context.Context, audio []byte, filename string) (string, error) {
	if len(audio) == 0 {
		return "", fmt.Errorf("empty audio clip")
	}
	if filename == "" {
		filename = "voice.mp3"
	}

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	part, err := writer.CreateFormFile("file", filename)
	if err != nil {
		return "", err
	}
	if _, err := part.Write(audio); err != nil {
		return "", err
	}
	if err := writer.WriteField("model", c.cfg.TranscribeModel); err != nil {
		return "", err
	}
	if err := writer.WriteField("prompt", transcribeHint); err != nil {
		return "", err
	}
	if err := writer.Close(); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/audio/transcriptions", &body)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	var decoded transcribeResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return "", fmt.Errorf("decode transcription response: %w", err)
	}
	if decoded.Error != nil {
		return "", fmt.Errorf("transcription: %s", decoded.Error.Message)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("transcription: status %d", resp.StatusCode)
	}
	text := strings.TrimSpace(decoded.Text)
	if text == "" {
		return "", fmt.Errorf("transcription returned no text")
	}
	return text, nil
}

// FallbackReply exposes the canned apology for callers that need to send it
// directly.
func FallbackReply() string { return fallbackReply }
