package handlers

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/huaisubot/wecomkf/internal/callback"
	"github.com/huaisubot/wecomkf/internal/config"
	"github.com/huaisubot/wecomkf/internal/wecom"
)

// dispatchTimeout bounds one background dispatch: a full sync plus the media
// round trips it can trigger.
const dispatchTimeout = 5 * time.Minute

type dispatcher interface {
	HandleCallback(ctx context.Context, msg *wecom.CallbackMessage) callback.Result
}

// CallbackHandler owns the platform webhook. The POST side acknowledges the
// platform before any real work starts; processing runs detached so slow
// upstreams never trip the platform's retry timer.
type CallbackHandler struct {
	logger     *slog.Logger
	cfg        config.WeComConfig
	dispatcher dispatcher

	wg sync.WaitGroup
}

func NewCallbackHandler(log *slog.Logger, cfg config.WeComConfig, d dispatcher) *CallbackHandler {
	if log == nil {
		log = slog.Default()
	}
	return &CallbackHandler{
		logger:     log.With(slog.String("handler", "callback")),
		cfg:        cfg,
		dispatcher: d,
	}
}

func (h *CallbackHandler) Register(e *echo.Echo) {
	e.GET("/callback", h.Verify)
	e.POST("/callback", h.Receive)
}

// Wait blocks until all in-flight dispatches finish. Used on shutdown.
func (h *CallbackHandler) Wait() {
	h.wg.Wait()
}

// Verify answers the platform's URL ownership challenge: check the signature
// over the encrypted echostr, decrypt it, and echo the plaintext back.
func (h *CallbackHandler) Verify(c echo.Context) error {
	signature := c.QueryParam("msg_signature")
	timestamp := c.QueryParam("timestamp")
	nonce := c.QueryParam("nonce")
	echostr := c.QueryParam("echostr")
	if signature == "" || timestamp == "" || nonce == "" || echostr == "" {
		return c.String(http.StatusBadRequest, "missing parameters")
	}

	if !wecom.VerifySignature(h.cfg.Token, timestamp, nonce, signature, echostr) {
		h.logger.Warn("verification signature mismatch")
		return c.String(http.StatusForbidden, "signature mismatch")
	}
	plain, err := wecom.Decrypt(echostr, h.cfg.EncodingAESKey)
	if err != nil {
		h.logger.Warn("echostr decrypt failed", slog.String("error", err.Error()))
		return c.String(http.StatusBadRequest, "decrypt failed")
	}
	return c.String(http.StatusOK, plain)
}

// Receive acknowledges an encrypted callback and processes it in the
// background.
func (h *CallbackHandler) Receive(c echo.Context) error {
	signature := c.QueryParam("msg_signature")
	timestamp := c.QueryParam("timestamp")
	nonce := c.QueryParam("nonce")

	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return c.String(http.StatusBadRequest, "read body failed")
	}
	encrypted, err := wecom.ExtractEncrypted(string(body))
	if err != nil {
		h.logger.Warn("callback body without encrypted payload")
		return c.String(http.StatusBadRequest, "invalid body")
	}
	if !wecom.VerifySignature(h.cfg.Token, timestamp, nonce, signature, encrypted) {
		h.logger.Warn("callback signature mismatch")
		return c.String(http.StatusForbidden, "signature mismatch")
	}

	h.wg.Add(1)
	go h.process(encrypted)

	// The platform retries on anything but a prompt success.
	return c.String(http.StatusOK, "success")
}

func (h *CallbackHandler) process(encrypted string) {
	defer h.wg.Done()
	ctx, cancel := context.WithTimeout(context.Background(), dispatchTimeout)
	defer cancel()

	plain, err := wecom.Decrypt(encrypted, h.cfg.EncodingAESKey)
	if err != nil {
		h.logger.Error("callback decrypt failed", slog.String("error", err.Error()))
		return
	}
	msg, err := wecom.Parse(plain)
	if err != nil {
		h.logger.Warn("callback parse failed", slog.String("error", err.Error()))
		return
	}

	result := h.dispatcher.HandleCallback(ctx, &msg)
	if result.Success {
		h.logger.Info("callback handled",
			slog.String("type", string(msg.Type)),
			slog.String("result", result.Message))
	} else {
		h.logger.Error("callback failed",
			slog.String("type", string(msg.Type)),
			slog.String("result", result.Message))
	}
}
