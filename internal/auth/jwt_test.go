package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateTokenValidation(t *testing.T) {
	_, _, err := GenerateToken("", "secret", time.Hour)
	assert.Error(t, err)

	_, _, err = GenerateToken("admin", "", time.Hour)
	assert.Error(t, err)

	_, _, err = GenerateToken("admin", "secret", 0)
	assert.Error(t, err)

	signed, expiresAt, err := GenerateToken("admin", "secret", time.Hour)
	require.NoError(t, err)
	assert.NotEmpty(t, signed)
	assert.WithinDuration(t, time.Now().Add(time.Hour), expiresAt, time.Minute)
}

func TestJWTMiddlewareRoundTrip(t *testing.T) {
	e := echo.New()
	e.Use(JWTMiddleware("secret", nil))
	e.GET("/whoami", func(c echo.Context) error {
		userID, err := UserIDFromContext(c)
		if err != nil {
			return err
		}
		return c.String(http.StatusOK, userID)
	})

	signed, _, err := GenerateToken("admin", "secret", time.Hour)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
	req.Header.Set(echo.HeaderAuthorization, "Bearer "+signed)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "admin", rec.Body.String())
}

func TestJWTMiddlewareRejectsBadToken(t *testing.T) {
	e := echo.New()
	e.Use(JWTMiddleware("secret", nil))
	e.GET("/whoami", func(c echo.Context) error { return c.NoContent(http.StatusOK) })

	req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
	req.Header.Set(echo.HeaderAuthorization, "Bearer not-a-token")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestJWTMiddlewareRejectsWrongSecret(t *testing.T) {
	e := echo.New()
	e.Use(JWTMiddleware("secret", nil))
	e.GET("/whoami", func(c echo.Context) error { return c.NoContent(http.StatusOK) })

	signed, _, err := GenerateToken("admin", "other-secret", time.Hour)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
	req.Header.Set(echo.HeaderAuthorization, "Bearer "+signed)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
