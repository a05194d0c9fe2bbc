package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/huaisubot/wecomkf/internal/knowledge"
	"github.com/huaisubot/wecomkf/internal/wecom"
)

type fakeAdminAPI struct {
	sent     []wecom.OutgoingMessage
	sendErr  error
	syncReq  [3]any // cursor, token, limit
	syncResp wecom.SyncResponse
}

func (f *fakeAdminAPI) SendMessage(_ context.Context, msg wecom.OutgoingMessage) (wecom.SendResponse, error) {
	if f.sendErr != nil {
		return wecom.SendResponse{}, f.sendErr
	}
	f.sent = append(f.sent, msg)
	return wecom.SendResponse{MsgID: "m1"}, nil
}

func (f *fakeAdminAPI) SyncMessages(_ context.Context, cursor, token string, limit int) (wecom.SyncResponse, error) {
	f.syncReq = [3]any{cursor, token, limit}
	return f.syncResp, nil
}

func (f *fakeAdminAPI) ServicerList(context.Context) (json.RawMessage, error) {
	return json.RawMessage(`{"errcode":0,"servicer_list":[]}`), nil
}

func (f *fakeAdminAPI) AccountList(context.Context, int, int) (json.RawMessage, error) {
	return json.RawMessage(`{"errcode":0,"account_list":[]}`), nil
}

type fakeKnowledgeLister struct {
	items []knowledge.Item
}

func (f *fakeKnowledgeLister) Items() []knowledge.Item { return f.items }

func newAdminFixture() (*echo.Echo, *fakeAdminAPI) {
	api := &fakeAdminAPI{}
	h := NewAdminHandler(nil, api, &fakeKnowledgeLister{
		items: []knowledge.Item{{Pattern: "p", Response: "r"}},
	})
	e := echo.New()
	h.Register(e)
	return e, api
}

func TestAdminSend(t *testing.T) {
	e, api := newAdminFixture()
	body := `{"touser":"ext","open_kfid":"kf1","msgtype":"text","text":{"content":"hi"}}`

	req := httptest.NewRequest(http.MethodPost, "/api/wecom/send", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, api.sent, 1)
	assert.Equal(t, "ext", api.sent[0].ToUser)
	require.NotNil(t, api.sent[0].Text)
	assert.Equal(t, "hi", api.sent[0].Text.Content)
}

func TestAdminSendValidatesRequired(t *testing.T) {
	e, api := newAdminFixture()
	req := httptest.NewRequest(http.MethodPost, "/api/wecom/send", strings.NewReader(`{"msgtype":"text"}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, api.sent)
}

func TestAdminSendMapsPlatformError(t *testing.T) {
	e, api := newAdminFixture()
	api.sendErr = &wecom.APIError{Code: 95001, Msg: "no valid session", Op: "send_msg"}

	body := `{"touser":"ext","open_kfid":"kf1","msgtype":"text","text":{"content":"hi"}}`
	req := httptest.NewRequest(http.MethodPost, "/api/wecom/send", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestAdminSyncMessages(t *testing.T) {
	e, api := newAdminFixture()
	api.syncResp = wecom.SyncResponse{NextCursor: "c1"}

	req := httptest.NewRequest(http.MethodPost, "/api/wecom/sync/messages",
		strings.NewReader(`{"cursor":"c0","token":"tok"}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, [3]any{"c0", "tok", 100}, api.syncReq)

	var resp wecom.SyncResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "c1", resp.NextCursor)
}

func TestAdminLists(t *testing.T) {
	e, _ := newAdminFixture()
	for _, path := range []string{"/api/wecom/servicer/list", "/api/wecom/account/list"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code, path)
		assert.Contains(t, rec.Body.String(), `"errcode":0`, path)
	}
}

func TestAdminKnowledgeItems(t *testing.T) {
	e, _ := newAdminFixture()
	req := httptest.NewRequest(http.MethodGet, "/api/knowledge/items", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"pattern":"p"`)
}
