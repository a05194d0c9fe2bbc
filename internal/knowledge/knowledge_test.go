package knowledge

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/huaisubot/wecomkf/internal/mediacache"
)

type fakeMediaCache struct {
	voice map[string]mediacache.Entry
	thumb map[string]mediacache.Entry
}

func newFakeMediaCache() *fakeMediaCache {
	return &fakeMediaCache{
		voice: make(map[string]mediacache.Entry),
		thumb: make(map[string]mediacache.Entry),
	}
}

func (f *fakeMediaCache) PutVoice(_ context.Context, pattern, mediaID string) error {
	f.voice[pattern] = mediacache.Entry{MediaID: mediaID, ExpireTime: time.Now().Add(mediacache.MediaTTL).UnixMilli()}
	return nil
}

func (f *fakeMediaCache) PutThumb(_ context.Context, pattern, mediaID string) error {
	f.thumb[pattern] = mediacache.Entry{MediaID: mediaID, ExpireTime: time.Now().Add(mediacache.MediaTTL).UnixMilli()}
	return nil
}

func (f *fakeMediaCache) GetThumb(_ context.Context, pattern string) (mediacache.Entry, bool, error) {
	entry, ok := f.thumb[pattern]
	return entry, ok, nil
}

func (f *fakeMediaCache) InvalidateVoice(_ context.Context, pattern string) error {
	delete(f.voice, pattern)
	return nil
}

func writeKnowledgeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "knowledge.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func newLoadedService(t *testing.T, content string) (*Service, *fakeMediaCache) {
	t.Helper()
	cache := newFakeMediaCache()
	svc := NewService(nil, cache, writeKnowledgeFile(t, content))
	require.NoError(t, svc.Load())
	return svc, cache
}

func TestFirstMatchWins(t *testing.T) {
	svc, _ := newLoadedService(t, `{"items":[
		{"pattern":"hello|greetings","isRegex":true,"response":"first"},
		{"pattern":"hello","response":"second"}
	]}`)

	item, ok := svc.FindMatch("hello there")
	require.True(t, ok)
	assert.Equal(t, "first", item.Response)
}

func TestSubstringAndRegexMatch(t *testing.T) {
	svc, _ := newLoadedService(t, `{"items":[
		{"pattern":"^(calligraphy|cursive)","isRegex":true,"response":"art"},
		{"pattern":"thanks","response":"welcome"}
	]}`)

	item, ok := svc.FindMatch("cursive script basics")
	require.True(t, ok)
	assert.Equal(t, "art", item.Response)

	// Anchored regex must not match mid-string.
	_, ok = svc.FindMatch("I love calligraphy")
	assert.False(t, ok)

	item, ok = svc.FindMatch("many thanks indeed")
	require.True(t, ok)
	assert.Equal(t, "welcome", item.Response)

	_, ok = svc.FindMatch("unrelated input")
	assert.False(t, ok)
}

func TestLazyVoiceMediaInvalidation(t *testing.T) {
	svc, _ := newLoadedService(t, `{"items":[
		{"pattern":"greet","response":"hi","voiceMediaId":"stale","voiceMediaExpireTime":1}
	]}`)

	item, ok := svc.FindMatch("greet")
	require.True(t, ok)
	assert.Empty(t, item.VoiceMediaID, "expired voice id must be cleared on match")

	require.NoError(t, svc.UpdateVoiceMediaID(context.Background(), "greet", "fresh"))
	item, ok = svc.FindMatch("greet")
	require.True(t, ok)
	assert.Equal(t, "fresh", item.VoiceMediaID)
}

func TestUpdateWritesThroughToCache(t *testing.T) {
	svc, cache := newLoadedService(t, `{"items":[{"pattern":"p","response":"r"}]}`)
	ctx := context.Background()

	require.NoError(t, svc.UpdateVoiceMediaID(ctx, "p", "voice-1"))
	assert.Equal(t, "voice-1", cache.voice["p"].MediaID)

	require.NoError(t, svc.UpdateLinkThumbMediaID(ctx, "p", "thumb-1"))
	mediaID, ok := svc.LinkThumbValid(ctx, Item{Pattern: "p"})
	assert.True(t, ok)
	assert.Equal(t, "thumb-1", mediaID)

	svc.InvalidateVoice(ctx, "p")
	_, ok = cache.voice["p"]
	assert.False(t, ok)
	item, matched := svc.FindMatch("p")
	require.True(t, matched)
	assert.Empty(t, item.VoiceMediaID)
}

func TestLoadMissingFile(t *testing.T) {
	svc := NewService(nil, newFakeMediaCache(), filepath.Join(t.TempDir(), "absent.json"))
	require.NoError(t, svc.Load())
	_, ok := svc.FindMatch("anything")
	assert.False(t, ok)
}

func TestLoadBadRegexFails(t *testing.T) {
	svc := NewService(nil, newFakeMediaCache(), writeKnowledgeFile(t, `{"items":[{"pattern":"(","isRegex":true}]}`))
	assert.Error(t, svc.Load())
}
