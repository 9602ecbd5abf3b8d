package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tongki078/nasvideo/internal/catalog"
	"github.com/tongki078/nasvideo/internal/config"
	"github.com/tongki078/nasvideo/internal/database"
	"github.com/tongki078/nasvideo/internal/enrich"
	"github.com/tongki078/nasvideo/internal/library/scanner"
	"github.com/tongki078/nasvideo/internal/logger"
	"github.com/tongki078/nasvideo/internal/media"
	"github.com/tongki078/nasvideo/internal/metadata"
	"github.com/tongki078/nasvideo/internal/metadata/tmdb"
	"github.com/tongki078/nasvideo/internal/progress"
)

type testEnv struct {
	server  *Server
	store   *catalog.Store
	proj    *catalog.Projection
	monitor *progress.Monitor
	root    string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	db, err := database.New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	log := logger.New(logger.Config{Level: "error"})
	root := t.TempDir()

	cfg := config.Default()
	cfg.Library.Root = root
	cfg.Library.Categories = map[string]string{"movies": "영화", "domestic-tv": "국내TV"}
	cfg.Cache.ThumbnailDir = filepath.Join(t.TempDir(), "thumbs")
	cfg.Cache.HLSDir = filepath.Join(t.TempDir(), "hls")

	store := catalog.NewStore(db, log)
	proj := catalog.NewProjection(store, log)
	monitor := progress.NewMonitor(nil)

	tmdbCfg := cfg.TMDB
	tmdbCfg.APIKey = "test-key"
	resolver := metadata.NewResolver(tmdb.NewClient(tmdbCfg, log.Logger), metadata.NewCache(store), tmdbCfg, log.Logger)

	thumbs, err := media.NewThumbnailGenerator(cfg.Cache.ThumbnailDir, log)
	require.NoError(t, err)
	hls, err := media.NewSessionManager(cfg.Cache.HLSDir, log)
	require.NoError(t, err)

	deps := Deps{
		Store:      store,
		Projection: proj,
		Resolver:   resolver,
		Scanner:    scanner.New(store, cfg.Library, monitor, log),
		Enricher:   enrich.NewWorker(store, resolver, proj, monitor, log),
		Monitor:    monitor,
		Thumbnails: thumbs,
		HLS:        hls,
	}
	return &testEnv{
		server:  NewServer(cfg, deps, log.Logger),
		store:   store,
		proj:    proj,
		monitor: monitor,
		root:    root,
	}
}

func (e *testEnv) get(t *testing.T, target string, headers ...map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	for _, h := range headers {
		for k, v := range h {
			req.Header.Set(k, v)
		}
	}
	rec := httptest.NewRecorder()
	e.server.Echo().ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) seedResolved(t *testing.T, path, category, name, tmdbID string, episodes ...string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, e.store.EnsureSeries(ctx, path, category, name))
	for _, title := range episodes {
		id := catalog.EpisodeID(path + "/" + title)
		require.NoError(t, e.store.UpsertEpisode(ctx, &catalog.Episode{
			ID: id, SeriesPath: path, Title: title, VideoURL: "/api/video/" + id,
		}))
	}
	if tmdbID != "" {
		tx, err := e.store.Begin(ctx)
		require.NoError(t, err)
		year := 2020
		require.NoError(t, tx.MarkResolved(ctx, []string{path}, &catalog.Enrichment{
			TmdbID: tmdbID, Year: &year, GenreNames: []string{"Drama"},
		}))
		require.NoError(t, tx.Commit())
	}
	require.NoError(t, e.proj.Rebuild(ctx))
}

func TestHealth(t *testing.T) {
	e := newTestEnv(t)
	rec := e.get(t, "/health")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"ok"`)
}

func TestCategorySections(t *testing.T) {
	e := newTestEnv(t)
	e.seedResolved(t, "영화/Inception (2010)", "movies", "Inception (2010)", "movie:27205", "inception.mkv")

	rec := e.get(t, "/category_sections?cat=movies")
	require.Equal(t, http.StatusOK, rec.Code)

	var sections []struct {
		Title string            `json:"title"`
		Items []json.RawMessage `json:"items"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sections))
	require.NotEmpty(t, sections)
	assert.Equal(t, "Today's picks", sections[0].Title)

	// The directory label works as the category parameter too.
	rec = e.get(t, "/category_sections?cat="+url.QueryEscape("영화"))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = e.get(t, "/category_sections?cat=nope")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestList_KeywordAndPaging(t *testing.T) {
	e := newTestEnv(t)
	e.seedResolved(t, "영화/Alpha", "movies", "Alpha", "movie:1", "a.mkv")
	e.seedResolved(t, "영화/Beta", "movies", "Beta", "movie:2", "b.mkv")

	rec := e.get(t, "/list?path=movies")
	require.Equal(t, http.StatusOK, rec.Code)
	var items []json.RawMessage
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &items))
	assert.Len(t, items, 2)

	rec = e.get(t, "/list?path=movies&keyword=alp")
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &items))
	assert.Len(t, items, 1)

	rec = e.get(t, "/list?path=movies&limit=1&offset=1")
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &items))
	assert.Len(t, items, 1)
}

func TestSeriesDetail_NaturalEpisodeOrder(t *testing.T) {
	e := newTestEnv(t)
	e.seedResolved(t, "국내TV/Show", "domestic-tv", "Show", "tv:9",
		"show ep10.mkv", "show ep2.mkv", "show ep1.mkv")

	rec := e.get(t, "/api/series_detail?path="+url.QueryEscape("국내TV/Show"))
	require.Equal(t, http.StatusOK, rec.Code)

	var group struct {
		Episodes []struct {
			Title string `json:"title"`
		} `json:"episodes"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &group))
	require.Len(t, group.Episodes, 3)
	assert.Equal(t, "show ep1.mkv", group.Episodes[0].Title)
	assert.Equal(t, "show ep2.mkv", group.Episodes[1].Title)
	assert.Equal(t, "show ep10.mkv", group.Episodes[2].Title)
}

// Detail responses are built from per-request copies; parallel requests for
// the same series must not contend on the cached projection entry.
func TestSeriesDetail_ConcurrentRequests(t *testing.T) {
	e := newTestEnv(t)
	e.seedResolved(t, "국내TV/Show", "domestic-tv", "Show", "tv:9",
		"show ep10.mkv", "show ep2.mkv", "show ep1.mkv")

	target := "/api/series_detail?path=" + url.QueryEscape("국내TV/Show")
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				req := httptest.NewRequest(http.MethodGet, target, nil)
				rec := httptest.NewRecorder()
				e.server.Echo().ServeHTTP(rec, req)
				assert.Equal(t, http.StatusOK, rec.Code)
			}
		}()
	}
	wg.Wait()

	// The shared group stays episode-free after serving details.
	assert.Nil(t, e.proj.Category("domestic-tv")[0].Episodes)
}

func TestSeriesDetail_NotFound(t *testing.T) {
	e := newTestEnv(t)
	rec := e.get(t, "/api/series_detail?path=영화/Nope")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSearch_SimplifiedKey(t *testing.T) {
	e := newTestEnv(t)
	e.seedResolved(t, "영화/어벤져스: 엔드게임", "movies", "어벤져스: 엔드게임", "movie:299534", "endgame.mkv")

	// Punctuation and spacing differences still match.
	rec := e.get(t, "/search?q="+url.QueryEscape("어벤져스엔드게임"))
	require.Equal(t, http.StatusOK, rec.Code)
	var results []json.RawMessage
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &results))
	assert.Len(t, results, 1)
}

func TestVideoServe_RangeSupport(t *testing.T) {
	e := newTestEnv(t)
	file := filepath.Join(e.root, "영화", "A", "a.mkv")
	require.NoError(t, os.MkdirAll(filepath.Dir(file), 0755))
	require.NoError(t, os.WriteFile(file, []byte("0123456789"), 0644))

	rec := e.get(t, "/video_serve?type=movies&path=A/a.mkv",
		map[string]string{"User-Agent": "okhttp/4.9 (Linux; Android 13)"})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "0123456789", rec.Body.String())

	rec = e.get(t, "/video_serve?type=movies&path=A/a.mkv", map[string]string{
		"User-Agent": "okhttp/4.9 (Linux; Android 13)",
		"Range":      "bytes=2-5",
	})
	assert.Equal(t, http.StatusPartialContent, rec.Code)
	assert.Equal(t, "2345", rec.Body.String())
}

func TestVideoServe_NotFound(t *testing.T) {
	e := newTestEnv(t)
	rec := e.get(t, "/video_serve?type=movies&path=Missing/missing.mkv")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestVideoServe_ExcludedPathRefused(t *testing.T) {
	e := newTestEnv(t)
	file := filepath.Join(e.root, "영화", "성인", "x.mkv")
	require.NoError(t, os.MkdirAll(filepath.Dir(file), 0755))
	require.NoError(t, os.WriteFile(file, []byte("x"), 0644))

	rec := e.get(t, "/video_serve?type=movies&path="+url.QueryEscape("성인/x.mkv"))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestTriggerScan_ConflictWhileBusy(t *testing.T) {
	e := newTestEnv(t)
	require.True(t, e.monitor.TryStart("enrich"))
	defer e.monitor.Finish()

	rec := e.get(t, "/rescan_broken")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, rec.Body.String(), `"error"`)

	rec = e.get(t, "/rematch_metadata")
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestStatus(t *testing.T) {
	e := newTestEnv(t)
	e.seedResolved(t, "영화/A", "movies", "A", "movie:1", "a.mkv")

	rec := e.get(t, "/api/status")
	require.Equal(t, http.StatusOK, rec.Code)

	var status struct {
		Catalog struct {
			Series   int `json:"series"`
			Resolved int `json:"resolved"`
		} `json:"catalog"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, 1, status.Catalog.Series)
	assert.Equal(t, 1, status.Catalog.Resolved)
}

func TestUpdaterStatus(t *testing.T) {
	e := newTestEnv(t)
	require.True(t, e.monitor.TryStart("scan"))
	e.monitor.SetTotal(5)
	e.monitor.Step("item")

	rec := e.get(t, "/api/updater/status")
	require.Equal(t, http.StatusOK, rec.Code)

	var snap progress.Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.True(t, snap.Running)
	assert.Equal(t, 5, snap.Total)
	assert.Equal(t, 1, snap.Current)
	e.monitor.Finish()
}

func TestNeedsHLS(t *testing.T) {
	tests := []struct {
		ua   string
		want bool
	}{
		{"Mozilla/5.0 (iPhone; CPU iPhone OS 17_0 like Mac OS X)", true},
		{"AppleCoreMedia/1.0.0.21A329 (iPad)", true},
		{"AVFoundation (iPhone)", true},
		{"okhttp/4.9 (Linux; Android 13)", false},
		{"VLC/3.0.18 LibVLC/3.0.18 (Linux)", false},
		{"Mozilla/5.0 (Windows NT 10.0)", false},
	}
	for _, tt := range tests {
		t.Run(tt.ua, func(t *testing.T) {
			assert.Equal(t, tt.want, needsHLS(tt.ua))
		})
	}
}

func TestNaturalLess(t *testing.T) {
	assert.True(t, naturalLess("ep2", "ep10"))
	assert.False(t, naturalLess("ep10", "ep2"))
	assert.True(t, naturalLess("1화", "2화"))
	assert.True(t, naturalLess("a", "b"))
	assert.False(t, naturalLess("abc", "abc"))
}
