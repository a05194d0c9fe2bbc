package wecom

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/huaisubot/wecomkf/internal/config"
)

// Client talks to the WeCom customer-service REST API. The access token is
// cached in memory and refreshed lazily shortly before expiry.
type Client struct {
	logger     *slog.Logger
	httpClient *http.Client
	baseURL    string
	corpID     string
	secret     string

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time
}

// tokenSlack renews the token this long before the platform's expires_in.
const tokenSlack = 60 * time.Second

func NewClient(log *slog.Logger, cfg config.WeComConfig) *Client {
	if log == nil {
		log = slog.Default()
	}
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		logger:     log.With(slog.String("component", "wecom_client")),
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		corpID:     cfg.CorpID,
		secret:     cfg.Secret,
	}
}

type tokenResponse struct {
	ErrCode     int    `json:"errcode"`
	ErrMsg      string `json:"errmsg"`
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
}

func (c *Client) accessToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token != "" && time.Now().Before(c.tokenExpiry) {
		return c.token, nil
	}

	endpoint := fmt.Sprintf("%s/gettoken?corpid=%s&corpsecret=%s",
		c.baseURL, url.QueryEscape(c.corpID), url.QueryEscape(c.secret))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("gettoken: %w", err)
	}
	defer resp.Body.Close()

	var parsed tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("gettoken decode: %w", err)
	}
	if parsed.ErrCode != 0 {
		return "", &APIError{Code: parsed.ErrCode, Msg: parsed.ErrMsg, Op: "gettoken"}
	}

	c.token = parsed.AccessToken
	c.tokenExpiry = time.Now().Add(time.Duration(parsed.ExpiresIn)*time.Second - tokenSlack)
	c.logger.Debug("access token refreshed", slog.Time("expires", c.tokenExpiry))
	return c.token, nil
}

// SendMessage posts one kf/send_msg request.
func (c *Client) SendMessage(ctx context.Context, msg OutgoingMessage) (SendResponse, error) {
	var out SendResponse
	if err := c.postJSON(ctx, "/kf/send_msg", msg, &out); err != nil {
		return SendResponse{}, err
	}
	if out.ErrCode != 0 {
		return SendResponse{}, &APIError{Code: out.ErrCode, Msg: out.ErrMsg, Op: "send_msg"}
	}
	return out, nil
}

// SyncMessages fetches one page of the conversation stream.
func (c *Client) SyncMessages(ctx context.Context, cursor, token string, limit int) (SyncResponse, error) {
	body := map[string]any{
		"cursor": cursor,
		"token":  token,
		"limit":  limit,
	}
	var out SyncResponse
	if err := c.postJSON(ctx, "/kf/sync_msg", body, &out); err != nil {
		return SyncResponse{}, err
	}
	if out.ErrCode != 0 {
		return SyncResponse{}, &APIError{Code: out.ErrCode, Msg: out.ErrMsg, Op: "sync_msg"}
	}
	return out, nil
}

// UploadMedia uploads a temporary media asset and returns its media_id.
// mediaType is one of image/voice/video/file.
func (c *Client) UploadMedia(ctx context.Context, mediaType, filename string, content io.Reader) (string, error) {
	token, err := c.accessToken(ctx)
	if err != nil {
		return "", err
	}

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	part, err := writer.CreateFormFile("media", filename)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(part, content); err != nil {
		return "", fmt.Errorf("upload_media copy: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", err
	}

	endpoint := fmt.Sprintf("%s/media/upload?access_token=%s&type=%s",
		c.baseURL, url.QueryEscape(token), url.QueryEscape(mediaType))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, &buf)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("upload_media: %w", err)
	}
	defer resp.Body.Close()

	var parsed struct {
		ErrCode int    `json:"errcode"`
		ErrMsg  string `json:"errmsg"`
		MediaID string `json:"media_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("upload_media decode: %w", err)
	}
	if parsed.ErrCode != 0 {
		return "", &APIError{Code: parsed.ErrCode, Msg: parsed.ErrMsg, Op: "upload_media"}
	}
	return parsed.MediaID, nil
}

// DownloadMedia fetches a media asset's bytes. The endpoint answers JSON only
// on error; a JSON content type therefore means a failed download.
func (c *Client) DownloadMedia(ctx context.Context, mediaID string) ([]byte, error) {
	token, err := c.accessToken(ctx)
	if err != nil {
		return nil, err
	}
	endpoint := fmt.Sprintf("%s/media/get?access_token=%s&media_id=%s",
		c.baseURL, url.QueryEscape(token), url.QueryEscape(mediaID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("media_get: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("media_get read: %w", err)
	}
	if strings.Contains(resp.Header.Get("Content-Type"), "application/json") {
		var parsed struct {
			ErrCode int    `json:"errcode"`
			ErrMsg  string `json:"errmsg"`
		}
		if err := json.Unmarshal(data, &parsed); err == nil && parsed.ErrCode != 0 {
			return nil, &APIError{Code: parsed.ErrCode, Msg: parsed.ErrMsg, Op: "media_get"}
		}
	}
	return data, nil
}

// ServicerList lists the account's servicers.
func (c *Client) ServicerList(ctx context.Context) (json.RawMessage, error) {
	return c.getRaw(ctx, "/kf/servicer/list", nil)
}

// AccountList pages through the customer-service accounts.
func (c *Client) AccountList(ctx context.Context, offset, limit int) (json.RawMessage, error) {
	body := map[string]any{"offset": offset, "limit": limit}
	var out json.RawMessage
	if err := c.postJSON(ctx, "/kf/account/list", body, &out); err != nil {
		return nil, err
	}
	return out, checkRawErrCode(out, "account_list")
}

func (c *Client) postJSON(ctx context.Context, path string, body, out any) error {
	token, err := c.accessToken(ctx)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	endpoint := fmt.Sprintf("%s%s?access_token=%s", c.baseURL, path, url.QueryEscape(token))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	defer resp.Body.Close()

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s decode: %w", path, err)
	}
	return nil
}

func (c *Client) getRaw(ctx context.Context, path string, query url.Values) (json.RawMessage, error) {
	token, err := c.accessToken(ctx)
	if err != nil {
		return nil, err
	}
	if query == nil {
		query = url.Values{}
	}
	query.Set("access_token", token)
	endpoint := fmt.Sprintf("%s%s?%s", c.baseURL, path, query.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%s read: %w", path, err)
	}
	return json.RawMessage(data), checkRawErrCode(data, strings.TrimPrefix(path, "/kf/"))
}

func checkRawErrCode(data []byte, op string) error {
	var parsed struct {
		ErrCode int    `json:"errcode"`
		ErrMsg  string `json:"errmsg"`
	}
	if err := json.Unmarshal(data, &parsed); err != nil {
		return fmt.Errorf("%s decode: %w", op, err)
	}
	if parsed.ErrCode != 0 {
		return &APIError{Code: parsed.ErrCode, Msg: parsed.ErrMsg, Op: op}
	}
	return nil
}
