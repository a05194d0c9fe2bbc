package handlers

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/huaisubot/wecomkf/internal/auth"
	"github.com/huaisubot/wecomkf/internal/config"
)

// AuthHandler issues JWTs for the admin API in exchange for the configured
// admin key.
type AuthHandler struct {
	logger *slog.Logger
	cfg    config.AuthConfig
}

func NewAuthHandler(log *slog.Logger, cfg config.AuthConfig) *AuthHandler {
	if log == nil {
		log = slog.Default()
	}
	return &AuthHandler{
		logger: log.With(slog.String("handler", "auth")),
		cfg:    cfg,
	}
}

func (h *AuthHandler) Register(e *echo.Echo) {
	e.POST("/api/auth/token", h.Token)
}

type tokenRequest struct {
	AdminKey string `json:"admin_key"`
}

type tokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (h *AuthHandler) Token(c echo.Context) error {
	var req tokenRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if h.cfg.AdminKey == "" {
		return echo.NewHTTPError(http.StatusForbidden, "admin access disabled")
	}
	if subtle.ConstantTimeCompare([]byte(req.AdminKey), []byte(h.cfg.AdminKey)) != 1 {
		h.logger.Warn("admin key rejected", slog.String("remote", c.RealIP()))
		return echo.NewHTTPError(http.StatusUnauthorized, "invalid admin key")
	}

	expiresIn, err := time.ParseDuration(h.cfg.JWTExpiresIn)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "bad token lifetime")
	}
	signed, expiresAt, err := auth.GenerateToken("admin", h.cfg.JWTSecret, expiresIn)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, tokenResponse{Token: signed, ExpiresAt: expiresAt})
}
