package callback

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/huaisubot/wecomkf/internal/config"
	"github.com/huaisubot/wecomkf/internal/wecom"
)

type fakeSyncClient struct {
	pages    []wecom.SyncResponse
	calls    []string // cursor per call
	tokens   []string
	pageSize int
}

func (f *fakeSyncClient) SyncMessages(_ context.Context, cursor, token string, limit int) (wecom.SyncResponse, error) {
	f.calls = append(f.calls, cursor)
	f.tokens = append(f.tokens, token)
	f.pageSize = limit
	if len(f.calls) > len(f.pages) {
		return wecom.SyncResponse{}, fmt.Errorf("unexpected page request %d", len(f.calls))
	}
	return f.pages[len(f.calls)-1], nil
}

type fakeCursorStore struct {
	cursors    map[string]string
	updates    []string
	failUpdate bool
}

func newFakeCursorStore() *fakeCursorStore {
	return &fakeCursorStore{cursors: make(map[string]string)}
}

func (f *fakeCursorStore) Get(_ context.Context, key string) (string, error) {
	return f.cursors[key], nil
}

func (f *fakeCursorStore) Update(_ context.Context, key, cursor string) error {
	if f.failUpdate {
		return errors.New("kv write failed")
	}
	f.cursors[key] = cursor
	f.updates = append(f.updates, cursor)
	return nil
}

func textMsg(id, content string) wecom.SyncedMessage {
	msg := wecom.SyncedMessage{MsgID: id, MsgType: "text", ExternalUserID: "ext", OpenKfID: "kf"}
	msg.Text = &struct {
		Content string `json:"content"`
		MenuID  string `json:"menu_id"`
	}{Content: content}
	return msg
}

func newTestSyncer(client *fakeSyncClient, cursors *fakeCursorStore) (*Syncer, *[]time.Duration) {
	syncer := NewSyncer(nil, client, cursors, config.SyncConfig{
		PageSize:    200,
		PageDelayMS: 200,
		MaxPages:    100,
	})
	var delays []time.Duration
	syncer.sleep = func(_ context.Context, d time.Duration) error {
		delays = append(delays, d)
		return nil
	}
	return syncer, &delays
}

func TestSyncLatestThreePages(t *testing.T) {
	client := &fakeSyncClient{pages: []wecom.SyncResponse{
		{NextCursor: "c1", HasMore: 1, MsgList: []wecom.SyncedMessage{textMsg("m1", "a"), textMsg("m2", "b")}},
		{NextCursor: "c2", HasMore: 1, MsgList: []wecom.SyncedMessage{textMsg("m3", "c")}},
		{NextCursor: "c3", HasMore: 0, MsgList: []wecom.SyncedMessage{textMsg("m4", "d")}},
	}}
	cursors := newFakeCursorStore()
	syncer, delays := newTestSyncer(client, cursors)

	latest, err := syncer.SyncLatest(context.Background(), "kf:corp", "tok")
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, "m4", latest.MsgID)

	// Every page request resumed from the previously persisted cursor.
	assert.Equal(t, []string{"", "c1", "c2"}, client.calls)
	assert.Equal(t, []string{"c1", "c2", "c3"}, cursors.updates)
	assert.Equal(t, "c3", cursors.cursors["kf:corp"])
	assert.Equal(t, []string{"tok", "tok", "tok"}, client.tokens)
	assert.Equal(t, 200, client.pageSize)

	// The inter-page delay applies between pages, not after the last one.
	assert.Equal(t, []time.Duration{200 * time.Millisecond, 200 * time.Millisecond}, *delays)
}

func TestSyncLatestResumesFromStoredCursor(t *testing.T) {
	client := &fakeSyncClient{pages: []wecom.SyncResponse{
		{NextCursor: "c9", HasMore: 0, MsgList: []wecom.SyncedMessage{textMsg("m9", "x")}},
	}}
	cursors := newFakeCursorStore()
	cursors.cursors["kf:corp"] = "c8"
	syncer, _ := newTestSyncer(client, cursors)

	latest, err := syncer.SyncLatest(context.Background(), "kf:corp", "tok")
	require.NoError(t, err)
	assert.Equal(t, "m9", latest.MsgID)
	assert.Equal(t, []string{"c8"}, client.calls)
}

func TestSyncLatestEmptyWindow(t *testing.T) {
	client := &fakeSyncClient{pages: []wecom.SyncResponse{
		{NextCursor: "c1", HasMore: 0},
	}}
	syncer, _ := newTestSyncer(client, newFakeCursorStore())

	latest, err := syncer.SyncLatest(context.Background(), "kf:corp", "tok")
	require.NoError(t, err)
	assert.Nil(t, latest)
}

func TestSyncLatestAbortsOnCursorWriteFailure(t *testing.T) {
	client := &fakeSyncClient{pages: []wecom.SyncResponse{
		{NextCursor: "c1", HasMore: 1, MsgList: []wecom.SyncedMessage{textMsg("m1", "a")}},
	}}
	cursors := newFakeCursorStore()
	cursors.failUpdate = true
	syncer, _ := newTestSyncer(client, cursors)

	_, err := syncer.SyncLatest(context.Background(), "kf:corp", "tok")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "persist cursor")
	// No second page was requested past the failed write.
	assert.Len(t, client.calls, 1)
}

func TestSyncLatestStopsAtPageCap(t *testing.T) {
	pages := make([]wecom.SyncResponse, 5)
	for i := range pages {
		pages[i] = wecom.SyncResponse{
			NextCursor: fmt.Sprintf("c%d", i+1),
			HasMore:    1,
			MsgList:    []wecom.SyncedMessage{textMsg(fmt.Sprintf("m%d", i+1), "x")},
		}
	}
	client := &fakeSyncClient{pages: pages}
	cursors := newFakeCursorStore()
	syncer := NewSyncer(nil, client, cursors, config.SyncConfig{PageSize: 200, PageDelayMS: 0, MaxPages: 3})
	syncer.sleep = func(context.Context, time.Duration) error { return nil }

	latest, err := syncer.SyncLatest(context.Background(), "kf:corp", "tok")
	require.NoError(t, err)
	assert.Equal(t, "m3", latest.MsgID)
	assert.Len(t, client.calls, 3)
	// Progress up to the cap is still persisted.
	assert.Equal(t, "c3", cursors.cursors["kf:corp"])
}

func TestSyncLatestPropagatesAPIError(t *testing.T) {
	client := &fakeSyncClient{}
	syncer, _ := newTestSyncer(client, newFakeCursorStore())

	_, err := syncer.SyncLatest(context.Background(), "kf:corp", "tok")
	assert.Error(t, err)
}
