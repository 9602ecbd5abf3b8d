package scanner

import (
	"context"
	"net/url"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tongki078/nasvideo/internal/catalog"
	"github.com/tongki078/nasvideo/internal/config"
	"github.com/tongki078/nasvideo/internal/database"
	"github.com/tongki078/nasvideo/internal/logger"
	"github.com/tongki078/nasvideo/internal/progress"
)

func newTestScanner(t *testing.T, root string) (*Scanner, *catalog.Store) {
	t.Helper()
	db, err := database.New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	log := logger.New(logger.Config{Level: "error"})
	store := catalog.NewStore(db, log)
	cfg := config.LibraryConfig{
		Root:       root,
		Categories: map[string]string{"movies": "영화", "domestic-tv": "국내TV"},
		Exclude:    []string{"성인", "19금", "Adult", "@eaDir", "#recycle"},
		Extensions: []string{".mp4", ".mkv", ".avi", ".ts"},
	}
	return New(store, cfg, progress.NewMonitor(nil), log), store
}

func writeFile(t *testing.T, path string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte("video"), 0644))
}

func TestScanCategory_CreatesSeriesAndEpisodes(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "영화", "Inception (2010)", "inception.mkv"))
	writeFile(t, filepath.Join(root, "영화", "Inception (2010)", "inception.en.srt")) // not a video
	writeFile(t, filepath.Join(root, "영화", "Oldboy (2003)", "oldboy.mp4"))

	s, store := newTestScanner(t, root)
	ctx := context.Background()
	require.NoError(t, s.ScanCategory(ctx, "movies"))

	stats, err := store.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Series)
	assert.Equal(t, 2, stats.Episodes)

	series, err := store.GetSeries(ctx, "영화/Inception (2010)")
	require.NoError(t, err)
	assert.Equal(t, "movies", series.Category)
	assert.Equal(t, "Inception (2010)", series.Name)

	id := catalog.EpisodeID(filepath.Join(root, "영화", "Inception (2010)", "inception.mkv"))
	ep, err := store.GetEpisode(ctx, id)
	require.NoError(t, err)
	assert.Equal(t,
		"/video_serve?type=movies&path="+url.QueryEscape("Inception (2010)/inception.mkv"),
		ep.VideoURL)
	assert.Contains(t, ep.ThumbnailURL, "/thumb_serve?type=movies&id="+id)
}

func TestScanCategory_FileDirectlyUnderRoot(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "영화", "Standalone (1999).mkv"))

	s, store := newTestScanner(t, root)
	ctx := context.Background()
	require.NoError(t, s.ScanCategory(ctx, "movies"))

	series, err := store.GetSeries(ctx, "영화/Standalone (1999)")
	require.NoError(t, err)
	assert.Equal(t, "Standalone (1999)", series.Name)
}

func TestScanCategory_SkipsExcludedDirs(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "영화", "성인", "x.mkv"))
	writeFile(t, filepath.Join(root, "영화", "@eaDir", "thumb.mkv"))
	writeFile(t, filepath.Join(root, "영화", ".hidden", "y.mkv"))
	writeFile(t, filepath.Join(root, "영화", "Fine", "movie.mkv"))

	s, store := newTestScanner(t, root)
	ctx := context.Background()
	require.NoError(t, s.ScanCategory(ctx, "movies"))

	stats, err := store.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Series)
	assert.Equal(t, 1, stats.Episodes)
}

// After a rescan the episode set matches the disk exactly and emptied
// series are purged.
func TestScanCategory_ReconcilesDeletions(t *testing.T) {
	root := t.TempDir()
	gone := filepath.Join(root, "영화", "Gone", "gone.mkv")
	writeFile(t, gone)
	writeFile(t, filepath.Join(root, "영화", "Kept", "kept.mkv"))

	s, store := newTestScanner(t, root)
	ctx := context.Background()
	require.NoError(t, s.ScanCategory(ctx, "movies"))

	stats, err := store.Counts(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, stats.Series)

	require.NoError(t, os.RemoveAll(filepath.Dir(gone)))
	require.NoError(t, s.ScanCategory(ctx, "movies"))

	stats, err = store.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Series)
	assert.Equal(t, 1, stats.Episodes)

	_, err = store.GetSeries(ctx, "영화/Gone")
	assert.ErrorIs(t, err, catalog.ErrNotFound)
}

func TestScanCategory_MissingDirIsNotFatal(t *testing.T) {
	s, store := newTestScanner(t, t.TempDir())
	ctx := context.Background()
	require.NoError(t, s.ScanCategory(ctx, "domestic-tv"))

	stats, err := store.Counts(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Series)
}

func TestScanCategory_RescanIsIdempotent(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "영화", "Same", "same.mkv"))

	s, store := newTestScanner(t, root)
	ctx := context.Background()
	require.NoError(t, s.ScanCategory(ctx, "movies"))
	require.NoError(t, s.ScanCategory(ctx, "movies"))

	stats, err := store.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Series)
	assert.Equal(t, 1, stats.Episodes)
}

func TestScanAll(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "영화", "M", "m.mkv"))
	writeFile(t, filepath.Join(root, "국내TV", "Show", "e01.ts"))

	s, store := newTestScanner(t, root)
	ctx := context.Background()
	require.NoError(t, s.ScanAll(ctx))

	stats, err := store.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Series)
	assert.Equal(t, 1, stats.PerCategory["movies"])
	assert.Equal(t, 1, stats.PerCategory["domestic-tv"])
}
