package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/huaisubot/wecomkf/internal/config"
)

func newAuthFixture(adminKey string) *echo.Echo {
	h := NewAuthHandler(nil, config.AuthConfig{
		JWTSecret:    "jwt-secret",
		JWTExpiresIn: "24h",
		AdminKey:     adminKey,
	})
	e := echo.New()
	h.Register(e)
	return e
}

func requestToken(e *echo.Echo, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/api/auth/token", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestTokenIssuedForValidAdminKey(t *testing.T) {
	e := newAuthFixture("letmein")
	rec := requestToken(e, `{"admin_key":"letmein"}`)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp tokenResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.Token)
	assert.False(t, resp.ExpiresAt.IsZero())
}

func TestTokenRejectsWrongAdminKey(t *testing.T) {
	e := newAuthFixture("letmein")
	rec := requestToken(e, `{"admin_key":"wrong"}`)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestTokenDisabledWithoutAdminKey(t *testing.T) {
	e := newAuthFixture("")
	rec := requestToken(e, `{"admin_key":""}`)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}
