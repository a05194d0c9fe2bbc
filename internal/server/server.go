package server

import (
	"context"
	"log/slog"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/huaisubot/wecomkf/internal/auth"
	"github.com/huaisubot/wecomkf/internal/handlers"
)

type Server struct {
	echo *echo.Echo
	addr string
}

func NewServer(log *slog.Logger, addr, jwtSecret string, pingHandler *handlers.PingHandler, authHandler *handlers.AuthHandler, callbackHandler *handlers.CallbackHandler, adminHandler *handlers.AdminHandler) *Server {
	if log == nil {
		log = slog.Default()
	}
	if addr == "" {
		addr = ":8080"
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(requestLogger(log))
	e.Use(auth.JWTMiddleware(jwtSecret, func(c echo.Context) bool {
		switch c.Request().URL.Path {
		case "/callback", "/ping", "/health", "/api/auth/token":
			return true
		}
		return false
	}))

	if pingHandler != nil {
		pingHandler.Register(e)
	}
	if authHandler != nil {
		authHandler.Register(e)
	}
	if callbackHandler != nil {
		callbackHandler.Register(e)
	}
	if adminHandler != nil {
		adminHandler.Register(e)
	}

	return &Server{
		echo: e,
		addr: addr,
	}
}

func requestLogger(log *slog.Logger) echo.MiddlewareFunc {
	return middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogStatus: true,
		LogURI:    true,
		LogMethod: true,
		LogError:  true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			attrs := []slog.Attr{
				slog.String("method", v.Method),
				slog.String("uri", v.URI),
				slog.Int("status", v.Status),
			}
			if v.Error != nil {
				attrs = append(attrs, slog.String("error", v.Error.Error()))
				log.LogAttrs(c.Request().Context(), slog.LevelError, "request", attrs...)
				return nil
			}
			log.LogAttrs(c.Request().Context(), slog.LevelInfo, "request", attrs...)
			return nil
		},
	})
}

func (s *Server) Start() error {
	return s.echo.Start(s.addr)
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}
