package media

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tongki078/nasvideo/internal/logger"
)

func testLogger() *logger.Logger {
	return logger.New(logger.Config{Level: "error"})
}

func TestNewSessionManager_WipesRoot(t *testing.T) {
	root := filepath.Join(t.TempDir(), "hls")
	require.NoError(t, os.MkdirAll(filepath.Join(root, "stale-session"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "stale-session", "seg_00001.ts"), []byte("x"), 0644))

	_, err := NewSessionManager(root, testLogger())
	require.NoError(t, err)

	_, err = os.Stat(filepath.Join(root, "stale-session"))
	assert.True(t, os.IsNotExist(err), "stale sessions must be wiped at startup")
}

func TestSessionID_Stable(t *testing.T) {
	a := SessionID("/volume2/video/영화/A/a.mkv")
	b := SessionID("/volume2/video/영화/A/a.mkv")
	assert.Equal(t, a, b)
	assert.Len(t, a, 32)
}

func TestSegmentPath_RejectsTraversal(t *testing.T) {
	m, err := NewSessionManager(filepath.Join(t.TempDir(), "hls"), testLogger())
	require.NoError(t, err)

	_, ok := m.SegmentPath("whatever", "../../../etc/passwd")
	assert.False(t, ok)
	_, ok = m.SegmentPath("whatever", "sub/dir.ts")
	assert.False(t, ok)
	_, ok = m.SegmentPath("unknown-session", "index.m3u8")
	assert.False(t, ok)
}

func TestThumbnail_CachedFileIsReused(t *testing.T) {
	dir := t.TempDir()
	g, err := NewThumbnailGenerator(dir, testLogger())
	require.NoError(t, err)

	cached := filepath.Join(dir, "seek_abc123_30_320.jpg")
	require.NoError(t, os.WriteFile(cached, []byte("jpeg"), 0644))

	got, err := g.Generate(context.Background(), "abc123", "/nonexistent.mkv", 30, 320)
	require.NoError(t, err, "a cached thumbnail must not re-invoke the extractor")
	assert.Equal(t, cached, got)
}
