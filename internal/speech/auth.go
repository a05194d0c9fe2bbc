package speech

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// AuthURL signs a xunfei websocket endpoint with the vendor's HMAC-SHA256
// scheme: the signature covers a canonical "host / date / request-line"
// string, and the assembled authorization header is base64-encoded into a
// query parameter.
func AuthURL(endpoint, apiKey, apiSecret string, now time.Time) (string, error) {
	parsed, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("parse endpoint: %w", err)
	}
	path := parsed.Path
	if path == "" {
		path = "/"
	}
	date := now.UTC().Format(http.TimeFormat)

	origin := fmt.Sprintf("host: %s\ndate: %s\nGET %s HTTP/1.1", parsed.Host, date, path)
	mac := hmac.New(sha256.New, []byte(apiSecret))
	mac.Write([]byte(origin))
	signature := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	authOrigin := fmt.Sprintf(
		`api_key="%s", algorithm="hmac-sha256", headers="host date request-line", signature="%s"`,
		apiKey, signature,
	)
	authorization := base64.StdEncoding.EncodeToString([]byte(authOrigin))

	query := parsed.Query()
	query.Set("authorization", authorization)
	query.Set("date", date)
	query.Set("host", parsed.Host)
	parsed.RawQuery = query.Encode()
	return parsed.String(), nil
}
