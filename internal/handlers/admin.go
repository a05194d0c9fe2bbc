package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/huaisubot/wecomkf/internal/knowledge"
	"github.com/huaisubot/wecomkf/internal/wecom"
)

type ErrorResponse struct {
	Error string `json:"error"`
}

type adminAPI interface {
	SendMessage(ctx context.Context, msg wecom.OutgoingMessage) (wecom.SendResponse, error)
	SyncMessages(ctx context.Context, cursor, token string, limit int) (wecom.SyncResponse, error)
	ServicerList(ctx context.Context) (json.RawMessage, error)
	AccountList(ctx context.Context, offset, limit int) (json.RawMessage, error)
}

type knowledgeLister interface {
	Items() []knowledge.Item
}

// AdminHandler exposes the operator surface: sending messages by hand,
// inspecting the sync stream, and listing accounts. All routes sit behind the
// JWT middleware.
type AdminHandler struct {
	logger    *slog.Logger
	api       adminAPI
	knowledge knowledgeLister
}

func NewAdminHandler(log *slog.Logger, api adminAPI, kb knowledgeLister) *AdminHandler {
	if log == nil {
		log = slog.Default()
	}
	return &AdminHandler{
		logger:    log.With(slog.String("handler", "admin")),
		api:       api,
		knowledge: kb,
	}
}

func (h *AdminHandler) Register(e *echo.Echo) {
	group := e.Group("/api/wecom")
	group.POST("/send", h.Send)
	group.POST("/sync/messages", h.SyncMessages)
	group.GET("/servicer/list", h.ServicerList)
	group.GET("/account/list", h.AccountList)

	e.GET("/api/knowledge/items", h.KnowledgeItems)
}

func (h *AdminHandler) Send(c echo.Context) error {
	var msg wecom.OutgoingMessage
	if err := c.Bind(&msg); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if msg.ToUser == "" || msg.OpenKfID == "" || msg.MsgType == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "touser, open_kfid and msgtype are required")
	}
	resp, err := h.api.SendMessage(c.Request().Context(), msg)
	if err != nil {
		return platformError(err)
	}
	return c.JSON(http.StatusOK, resp)
}

type syncMessagesRequest struct {
	Cursor string `json:"cursor"`
	Token  string `json:"token"`
	Limit  int    `json:"limit"`
}

func (h *AdminHandler) SyncMessages(c echo.Context) error {
	var req syncMessagesRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.Limit <= 0 {
		req.Limit = 100
	}
	resp, err := h.api.SyncMessages(c.Request().Context(), req.Cursor, req.Token, req.Limit)
	if err != nil {
		return platformError(err)
	}
	return c.JSON(http.StatusOK, resp)
}

func (h *AdminHandler) ServicerList(c echo.Context) error {
	resp, err := h.api.ServicerList(c.Request().Context())
	if err != nil {
		return platformError(err)
	}
	return c.JSONBlob(http.StatusOK, resp)
}

func (h *AdminHandler) AccountList(c echo.Context) error {
	offset, _ := strconv.Atoi(c.QueryParam("offset"))
	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	if limit <= 0 {
		limit = 100
	}
	resp, err := h.api.AccountList(c.Request().Context(), offset, limit)
	if err != nil {
		return platformError(err)
	}
	return c.JSONBlob(http.StatusOK, resp)
}

func (h *AdminHandler) KnowledgeItems(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"items": h.knowledge.Items(),
	})
}

// platformError maps upstream errcode failures to 502 so callers can tell a
// platform rejection from a bad request.
func platformError(err error) error {
	var apiErr *wecom.APIError
	if errors.As(err, &apiErr) {
		return echo.NewHTTPError(http.StatusBadGateway, apiErr.Error())
	}
	return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
}
