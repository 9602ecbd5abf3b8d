package catalog

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tongki078/nasvideo/internal/database"
	"github.com/tongki078/nasvideo/internal/logger"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := database.New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewStore(db, logger.New(logger.Config{Level: "error"}))
}

func seedSeries(t *testing.T, s *Store, path, category, name string) {
	t.Helper()
	require.NoError(t, s.EnsureSeries(context.Background(), path, category, name))
}

func seedEpisode(t *testing.T, s *Store, id, seriesPath, title string) {
	t.Helper()
	require.NoError(t, s.UpsertEpisode(context.Background(), &Episode{
		ID:         id,
		SeriesPath: seriesPath,
		Title:      title,
		VideoURL:   "/api/video/" + id,
	}))
}

func TestEnsureSeries_Idempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	seedSeries(t, s, "영화/Inception (2010)", "movies", "Inception (2010)")
	seedSeries(t, s, "영화/Inception (2010)", "movies", "Inception (2010)")

	stats, err := s.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Series)
}

func TestUpsertEpisode_RewritesSeriesPath(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	seedSeries(t, s, "영화/A", "movies", "A")
	seedSeries(t, s, "국내TV/A", "domestic-tv", "A")
	seedEpisode(t, s, "ep1", "영화/A", "a.mkv")

	// Re-categorized folder: same file id, new series path.
	seedEpisode(t, s, "ep1", "국내TV/A", "a.mkv")

	ep, err := s.GetEpisode(ctx, "ep1")
	require.NoError(t, err)
	assert.Equal(t, "국내TV/A", ep.SeriesPath)
}

func TestPurgeOrphanSeries(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	seedSeries(t, s, "영화/Kept", "movies", "Kept")
	seedSeries(t, s, "영화/Orphan", "movies", "Orphan")
	seedEpisode(t, s, "ep1", "영화/Kept", "kept.mkv")

	purged, err := s.PurgeOrphanSeries(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, purged)

	_, err = s.GetSeries(ctx, "영화/Orphan")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteEpisodes_CascadeInvariant(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	seedSeries(t, s, "영화/A", "movies", "A")
	seedEpisode(t, s, "ep1", "영화/A", "a1.mkv")
	seedEpisode(t, s, "ep2", "영화/A", "a2.mkv")

	require.NoError(t, s.DeleteEpisodes(ctx, []string{"ep1"}))

	ids, err := s.EpisodeIDsUnder(ctx, "영화/A")
	require.NoError(t, err)
	assert.Len(t, ids, 1)
	_, ok := ids["ep2"]
	assert.True(t, ok)
}

// A resolved series has a tmdb id and failed=0; a rejected series has no id
// and failed=1. No row may be both.
func TestResolutionStates_MutuallyExclusive(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	seedSeries(t, s, "영화/Won", "movies", "Won")
	seedSeries(t, s, "영화/Lost", "movies", "Lost")
	seedEpisode(t, s, "w1", "영화/Won", "won.mkv")
	seedEpisode(t, s, "l1", "영화/Lost", "lost.mkv")

	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	year := 2010
	require.NoError(t, tx.MarkResolved(ctx, []string{"영화/Won"}, &Enrichment{
		TmdbID:     "movie:27205",
		PosterPath: "/p.jpg",
		Year:       &year,
		GenreNames: []string{"SF"},
	}))
	require.NoError(t, tx.MarkFailed(ctx, []string{"영화/Lost"}))
	require.NoError(t, tx.Commit())

	won, err := s.GetSeries(ctx, "영화/Won")
	require.NoError(t, err)
	assert.True(t, won.Resolved())
	assert.False(t, won.Failed)
	assert.Equal(t, []string{"SF"}, won.GenreNames)

	lost, err := s.GetSeries(ctx, "영화/Lost")
	require.NoError(t, err)
	assert.False(t, lost.Resolved())
	assert.True(t, lost.Failed)

	// A later resolution clears the failure flag.
	tx2, err := s.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, tx2.MarkResolved(ctx, []string{"영화/Lost"}, &Enrichment{TmdbID: "movie:1"}))
	require.NoError(t, tx2.Commit())

	lost, err = s.GetSeries(ctx, "영화/Lost")
	require.NoError(t, err)
	assert.True(t, lost.Resolved())
	assert.False(t, lost.Failed)
}

func TestUnresolvedSeries(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	seedSeries(t, s, "영화/Pending", "movies", "Pending")
	seedSeries(t, s, "영화/Done", "movies", "Done")
	seedSeries(t, s, "영화/Rejected", "movies", "Rejected")

	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.MarkResolved(ctx, []string{"영화/Done"}, &Enrichment{TmdbID: "movie:2"}))
	require.NoError(t, tx.MarkFailed(ctx, []string{"영화/Rejected"}))
	require.NoError(t, tx.Commit())

	pending, err := s.UnresolvedSeries(ctx, false)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "영화/Pending", pending[0].Path)

	// forceAll adds the failed rows back but never re-queues resolved ones.
	forced, err := s.UnresolvedSeries(ctx, true)
	require.NoError(t, err)
	require.Len(t, forced, 2)
	paths := []string{forced[0].Path, forced[1].Path}
	assert.ElementsMatch(t, []string{"영화/Pending", "영화/Rejected"}, paths)
}

func TestSeriesWithUnnumberedEpisodes(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	seedSeries(t, s, "국내TV/Show", "domestic-tv", "Show")
	seedEpisode(t, s, "e1", "국내TV/Show", "show e01.mkv")

	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.MarkResolved(ctx, []string{"국내TV/Show"}, &Enrichment{TmdbID: "tv:100"}))
	require.NoError(t, tx.Commit())

	got, err := s.SeriesWithUnnumberedEpisodes(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1)

	season, episode := 1, 1
	overview := "pilot"
	tx2, err := s.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, tx2.UpdateEpisodeMetadata(ctx, &EpisodeMetadata{
		ID:            "e1",
		SeasonNumber:  &season,
		EpisodeNumber: &episode,
		Overview:      &overview,
	}))
	require.NoError(t, tx2.Commit())

	got, err = s.SeriesWithUnnumberedEpisodes(ctx)
	require.NoError(t, err)
	assert.Empty(t, got)

	ep, err := s.GetEpisode(ctx, "e1")
	require.NoError(t, err)
	require.NotNil(t, ep.EpisodeNumber)
	assert.Equal(t, 1, *ep.EpisodeNumber)
	require.NotNil(t, ep.Overview)
	assert.Equal(t, "pilot", *ep.Overview)
}

func TestMetadataCache(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, ok, err := s.CacheGet(ctx, "abc")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.CachePut(ctx, "abc", `{"status":"failed"}`))
	data, ok, err := s.CacheGet(ctx, "abc")
	require.NoError(t, err)
	require.True(t, ok)
	assert.JSONEq(t, `{"status":"failed"}`, data)

	require.NoError(t, s.CacheDelete(ctx, "abc"))
	_, ok, err = s.CacheGet(ctx, "abc")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSearch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	seedSeries(t, s, "영화/Inception (2010)", "movies", "Inception (2010)")
	cleaned := "Inception"
	year := 2010
	require.NoError(t, s.SetCleanedName(ctx, "영화/Inception (2010)", cleaned, &year))

	got, err := s.Search(ctx, "Incep", 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.NotNil(t, got[0].CleanedName)
	assert.Equal(t, "Inception", *got[0].CleanedName)
	require.NotNil(t, got[0].YearVal)
	assert.Equal(t, 2010, *got[0].YearVal)
}

func TestSearch_MatchesPath(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// The query only appears in the folder path, not in any name.
	seedSeries(t, s, "영화/마블/Endgame", "movies", "Endgame")

	got, err := s.Search(ctx, "마블", 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "영화/마블/Endgame", got[0].Path)
}

// The pool holds a single connection, so episode reads issued while a write
// transaction is open must go through the transaction itself.
func TestTx_EpisodesBySeriesWithinOpenTransaction(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	seedSeries(t, s, "국내TV/Show", "domestic-tv", "Show")
	seedEpisode(t, s, "e1", "국내TV/Show", "show e01.mkv")

	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	defer tx.Rollback()

	require.NoError(t, tx.UpsertEpisode(ctx, &Episode{
		ID:         "e2",
		SeriesPath: "국내TV/Show",
		Title:      "show e02.mkv",
	}))

	byPath, err := tx.EpisodesBySeries(ctx, []string{"국내TV/Show"})
	require.NoError(t, err)
	require.Len(t, byPath["국내TV/Show"], 2)
	require.NoError(t, tx.Commit())
}

func TestEpisodeID_StableOnPathBytes(t *testing.T) {
	a := EpisodeID("/volume2/video/영화/A/a.mkv")
	b := EpisodeID("/volume2/video/영화/A/a.mkv")
	c := EpisodeID("/volume2/video/영화/B/a.mkv")
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 32)
}
