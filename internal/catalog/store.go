package catalog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/tongki078/nasvideo/internal/database"
	"github.com/tongki078/nasvideo/internal/logger"
)

// ErrNotFound is returned when a series or episode does not exist.
var ErrNotFound = errors.New("catalog: not found")

// Store provides catalog persistence.
type Store struct {
	db  *database.DB
	log *logger.Logger
}

// NewStore creates a catalog store.
func NewStore(db *database.DB, log *logger.Logger) *Store {
	return &Store{db: db, log: log.WithComponent("catalog")}
}

const seriesColumns = `path, category, name, cleaned_name, year_val, tmdb_id, failed,
	poster_path, year, overview, rating, season_count, genre_ids, genre_names,
	director, actors, created_at, updated_at`

func scanSeries(row interface{ Scan(...any) error }) (*Series, error) {
	var s Series
	var cleanedName, tmdbID, posterPath, overview, director sql.NullString
	var genreIDs, genreNames, actors sql.NullString
	var yearVal, year, seasonCount sql.NullInt64
	var rating sql.NullFloat64
	var failed int

	err := row.Scan(&s.Path, &s.Category, &s.Name, &cleanedName, &yearVal, &tmdbID,
		&failed, &posterPath, &year, &overview, &rating, &seasonCount,
		&genreIDs, &genreNames, &director, &actors, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return nil, err
	}

	s.Failed = failed != 0
	if cleanedName.Valid {
		s.CleanedName = &cleanedName.String
	}
	if yearVal.Valid {
		v := int(yearVal.Int64)
		s.YearVal = &v
	}
	if tmdbID.Valid && tmdbID.String != "" {
		s.TmdbID = &tmdbID.String
	}
	if posterPath.Valid {
		s.PosterPath = &posterPath.String
	}
	if year.Valid {
		v := int(year.Int64)
		s.Year = &v
	}
	if overview.Valid {
		s.Overview = &overview.String
	}
	if rating.Valid {
		s.Rating = &rating.Float64
	}
	if seasonCount.Valid {
		v := int(seasonCount.Int64)
		s.SeasonCount = &v
	}
	if director.Valid {
		s.Director = &director.String
	}
	if genreIDs.Valid && genreIDs.String != "" {
		_ = json.Unmarshal([]byte(genreIDs.String), &s.GenreIDs)
	}
	if genreNames.Valid && genreNames.String != "" {
		_ = json.Unmarshal([]byte(genreNames.String), &s.GenreNames)
	}
	if actors.Valid && actors.String != "" {
		_ = json.Unmarshal([]byte(actors.String), &s.Actors)
	}
	return &s, nil
}

func collectSeries(rows *sql.Rows) ([]*Series, error) {
	defer rows.Close()
	var out []*Series
	for rows.Next() {
		s, err := scanSeries(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// EnsureSeries inserts a series row if it does not exist yet. A series is
// born when the crawler first sees any file in its folder.
func (s *Store) EnsureSeries(ctx context.Context, path, category, name string) error {
	_, err := s.db.Conn().ExecContext(ctx, `
		INSERT INTO series (path, category, name) VALUES (?, ?, ?)
		ON CONFLICT(path) DO NOTHING`, path, category, name)
	if err != nil {
		return fmt.Errorf("failed to insert series: %w", err)
	}
	return nil
}

// UpsertEpisode inserts or refreshes an episode row. The series_path is
// rewritten on conflict so a re-categorized folder moves its files.
func (s *Store) UpsertEpisode(ctx context.Context, ep *Episode) error {
	_, err := s.db.Conn().ExecContext(ctx, `
		INSERT INTO episodes (id, series_path, title, video_url, thumbnail_url)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			series_path = excluded.series_path,
			title = excluded.title,
			video_url = excluded.video_url,
			updated_at = CURRENT_TIMESTAMP`,
		ep.ID, ep.SeriesPath, ep.Title, ep.VideoURL, ep.ThumbnailURL)
	if err != nil {
		return fmt.Errorf("failed to upsert episode: %w", err)
	}
	return nil
}

// EpisodeIDsUnder returns all episode ids whose series path falls under the
// given category prefix.
func (s *Store) EpisodeIDsUnder(ctx context.Context, prefix string) (map[string]struct{}, error) {
	rows, err := s.db.Conn().QueryContext(ctx, `
		SELECT id FROM episodes WHERE series_path = ? OR series_path LIKE ?`,
		prefix, prefix+"/%")
	if err != nil {
		return nil, fmt.Errorf("failed to list episode ids: %w", err)
	}
	defer rows.Close()

	ids := make(map[string]struct{})
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids[id] = struct{}{}
	}
	return ids, rows.Err()
}

// DeleteEpisodes removes episode rows by id in chunks.
func (s *Store) DeleteEpisodes(ctx context.Context, ids []string) error {
	const chunk = 500
	for len(ids) > 0 {
		n := min(chunk, len(ids))
		batch := ids[:n]
		ids = ids[n:]

		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(batch)), ",")
		args := make([]any, len(batch))
		for i, id := range batch {
			args[i] = id
		}
		if _, err := s.db.Conn().ExecContext(ctx,
			`DELETE FROM episodes WHERE id IN (`+placeholders+`)`, args...); err != nil {
			return fmt.Errorf("failed to delete episodes: %w", err)
		}
	}
	return nil
}

// PurgeOrphanSeries deletes series rows that no longer have any episode.
// Series are artifacts of their files.
func (s *Store) PurgeOrphanSeries(ctx context.Context) (int64, error) {
	res, err := s.db.Conn().ExecContext(ctx, `
		DELETE FROM series WHERE NOT EXISTS
			(SELECT 1 FROM episodes WHERE episodes.series_path = series.path)`)
	if err != nil {
		return 0, fmt.Errorf("failed to purge orphan series: %w", err)
	}
	return res.RowsAffected()
}

// SeriesMissingCleanedName returns series whose title has not been cleaned yet.
func (s *Store) SeriesMissingCleanedName(ctx context.Context) ([]*Series, error) {
	rows, err := s.db.Conn().QueryContext(ctx, `
		SELECT `+seriesColumns+` FROM series
		WHERE cleaned_name IS NULL OR cleaned_name = ''`)
	if err != nil {
		return nil, fmt.Errorf("failed to select series: %w", err)
	}
	return collectSeries(rows)
}

// SetCleanedName backfills the cleaner output on a series.
func (s *Store) SetCleanedName(ctx context.Context, path, cleaned string, yearVal *int) error {
	_, err := s.db.Conn().ExecContext(ctx, `
		UPDATE series SET cleaned_name = ?, year_val = ?, updated_at = CURRENT_TIMESTAMP
		WHERE path = ?`, cleaned, nullableInt(yearVal), path)
	if err != nil {
		return fmt.Errorf("failed to set cleaned name: %w", err)
	}
	return nil
}

// UnresolvedSeries returns series pending resolution. With forceAll,
// previously failed series are included too; resolved rows never are.
func (s *Store) UnresolvedSeries(ctx context.Context, forceAll bool) ([]*Series, error) {
	query := `SELECT ` + seriesColumns + ` FROM series
		WHERE (tmdb_id IS NULL OR tmdb_id = '') AND failed = 0
		ORDER BY path`
	if forceAll {
		query = `SELECT ` + seriesColumns + ` FROM series
			WHERE tmdb_id IS NULL OR tmdb_id = '' OR failed = 1
			ORDER BY path`
	}
	rows, err := s.db.Conn().QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to select unresolved series: %w", err)
	}
	return collectSeries(rows)
}

// SeriesWithUnnumberedEpisodes returns resolved series that still carry
// episodes the fan-down pass has never numbered. The fan-down always writes
// a season number, so each series is selected at most once.
func (s *Store) SeriesWithUnnumberedEpisodes(ctx context.Context) ([]*Series, error) {
	rows, err := s.db.Conn().QueryContext(ctx, `
		SELECT DISTINCT `+prefixedSeriesColumns("s")+` FROM series s
		JOIN episodes e ON e.series_path = s.path
		WHERE s.tmdb_id IS NOT NULL AND s.tmdb_id != ''
		  AND e.season_number IS NULL
		ORDER BY s.path`)
	if err != nil {
		return nil, fmt.Errorf("failed to select series with unnumbered episodes: %w", err)
	}
	return collectSeries(rows)
}

func prefixedSeriesColumns(alias string) string {
	cols := strings.Split(seriesColumns, ",")
	for i, c := range cols {
		cols[i] = alias + "." + strings.TrimSpace(c)
	}
	return strings.Join(cols, ", ")
}

// Enrichment carries the resolver output applied to a group of series rows.
type Enrichment struct {
	TmdbID      string
	PosterPath  string
	Year        *int
	Overview    string
	Rating      *float64
	SeasonCount *int
	GenreIDs    []int
	GenreNames  []string
	Director    string
	Actors      []Actor
}

// EpisodeMetadata carries the per-episode fan-down of a TV resolution.
type EpisodeMetadata struct {
	ID            string
	SeasonNumber  *int
	EpisodeNumber *int
	Overview      *string
	AirDate       *string
	ThumbnailURL  *string
}

// Tx wraps a write transaction over the catalog.
type Tx struct {
	tx *sql.Tx
}

// Begin opens a write transaction. One transaction per enrichment batch
// bounds write-lock hold time.
func (s *Store) Begin(ctx context.Context) (*Tx, error) {
	tx, err := s.db.Conn().BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	return &Tx{tx: tx}, nil
}

// Commit commits the transaction.
func (t *Tx) Commit() error { return t.tx.Commit() }

// Rollback aborts the transaction. Safe to call after Commit.
func (t *Tx) Rollback() error {
	err := t.tx.Rollback()
	if errors.Is(err, sql.ErrTxDone) {
		return nil
	}
	return err
}

// EnsureSeries inserts a series row inside the transaction if missing.
func (t *Tx) EnsureSeries(ctx context.Context, path, category, name string) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO series (path, category, name) VALUES (?, ?, ?)
		ON CONFLICT(path) DO NOTHING`, path, category, name)
	if err != nil {
		return fmt.Errorf("failed to insert series: %w", err)
	}
	return nil
}

// UpsertEpisode inserts or refreshes an episode row inside the transaction.
func (t *Tx) UpsertEpisode(ctx context.Context, ep *Episode) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO episodes (id, series_path, title, video_url, thumbnail_url)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			series_path = excluded.series_path,
			title = excluded.title,
			video_url = excluded.video_url,
			updated_at = CURRENT_TIMESTAMP`,
		ep.ID, ep.SeriesPath, ep.Title, ep.VideoURL, ep.ThumbnailURL)
	if err != nil {
		return fmt.Errorf("failed to upsert episode: %w", err)
	}
	return nil
}

// MarkResolved writes the enrichment onto every series in the group and
// clears any previous failure flag.
func (t *Tx) MarkResolved(ctx context.Context, paths []string, e *Enrichment) error {
	genreIDs, _ := json.Marshal(e.GenreIDs)
	genreNames, _ := json.Marshal(e.GenreNames)
	actors, _ := json.Marshal(e.Actors)

	for _, path := range paths {
		_, err := t.tx.ExecContext(ctx, `
			UPDATE series SET
				tmdb_id = ?, failed = 0, poster_path = ?, year = ?, overview = ?,
				rating = ?, season_count = ?, genre_ids = ?, genre_names = ?,
				director = ?, actors = ?, updated_at = CURRENT_TIMESTAMP
			WHERE path = ?`,
			e.TmdbID, e.PosterPath, nullableInt(e.Year), e.Overview,
			nullableFloat(e.Rating), nullableInt(e.SeasonCount),
			string(genreIDs), string(genreNames), e.Director, string(actors), path)
		if err != nil {
			return fmt.Errorf("failed to mark series resolved: %w", err)
		}
	}
	return nil
}

// MarkFailed flags every series in the group as definitively rejected.
func (t *Tx) MarkFailed(ctx context.Context, paths []string) error {
	for _, path := range paths {
		_, err := t.tx.ExecContext(ctx, `
			UPDATE series SET tmdb_id = NULL, failed = 1, updated_at = CURRENT_TIMESTAMP
			WHERE path = ?`, path)
		if err != nil {
			return fmt.Errorf("failed to mark series failed: %w", err)
		}
	}
	return nil
}

// UpdateEpisodeMetadata writes the per-episode fan-down fields.
func (t *Tx) UpdateEpisodeMetadata(ctx context.Context, m *EpisodeMetadata) error {
	query := `UPDATE episodes SET
			season_number = ?, episode_number = ?, overview = ?, air_date = ?,
			updated_at = CURRENT_TIMESTAMP`
	args := []any{nullableInt(m.SeasonNumber), nullableInt(m.EpisodeNumber),
		nullableStr(m.Overview), nullableStr(m.AirDate)}
	if m.ThumbnailURL != nil {
		query += `, thumbnail_url = ?`
		args = append(args, *m.ThumbnailURL)
	}
	query += ` WHERE id = ?`
	args = append(args, m.ID)

	if _, err := t.tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to update episode metadata: %w", err)
	}
	return nil
}

// CacheGet returns the persisted resolver-cache payload for a key hash.
func (s *Store) CacheGet(ctx context.Context, h string) (string, bool, error) {
	var data string
	err := s.db.Conn().QueryRowContext(ctx,
		`SELECT data FROM metadata_cache WHERE h = ?`, h).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read metadata cache: %w", err)
	}
	return data, true, nil
}

// CachePut stores a resolver-cache payload. Rows are immutable except under
// an explicit override, which overwrites.
func (s *Store) CachePut(ctx context.Context, h, data string) error {
	_, err := s.db.Conn().ExecContext(ctx, `
		INSERT INTO metadata_cache (h, data) VALUES (?, ?)
		ON CONFLICT(h) DO UPDATE SET data = excluded.data`, h, data)
	if err != nil {
		return fmt.Errorf("failed to write metadata cache: %w", err)
	}
	return nil
}

// CacheDelete removes a resolver-cache row so a retry bypasses the
// negative cache.
func (s *Store) CacheDelete(ctx context.Context, h string) error {
	if _, err := s.db.Conn().ExecContext(ctx,
		`DELETE FROM metadata_cache WHERE h = ?`, h); err != nil {
		return fmt.Errorf("failed to delete metadata cache: %w", err)
	}
	return nil
}

// Stats summarizes catalog state for the status endpoint.
type Stats struct {
	Series      int            `json:"series"`
	Episodes    int            `json:"episodes"`
	Resolved    int            `json:"resolved"`
	Failed      int            `json:"failed"`
	Pending     int            `json:"pending"`
	PerCategory map[string]int `json:"perCategory"`
}

// Counts returns catalog row counts.
func (s *Store) Counts(ctx context.Context) (*Stats, error) {
	stats := &Stats{PerCategory: make(map[string]int)}

	err := s.db.Conn().QueryRowContext(ctx, `
		SELECT COUNT(*),
			COALESCE(SUM(CASE WHEN tmdb_id IS NOT NULL AND tmdb_id != '' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN failed = 1 THEN 1 ELSE 0 END), 0)
		FROM series`).Scan(&stats.Series, &stats.Resolved, &stats.Failed)
	if err != nil {
		return nil, fmt.Errorf("failed to count series: %w", err)
	}
	stats.Pending = stats.Series - stats.Resolved - stats.Failed

	if err := s.db.Conn().QueryRowContext(ctx,
		`SELECT COUNT(*) FROM episodes`).Scan(&stats.Episodes); err != nil {
		return nil, fmt.Errorf("failed to count episodes: %w", err)
	}

	rows, err := s.db.Conn().QueryContext(ctx,
		`SELECT category, COUNT(*) FROM series GROUP BY category`)
	if err != nil {
		return nil, fmt.Errorf("failed to count categories: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var category string
		var n int
		if err := rows.Scan(&category, &n); err != nil {
			return nil, err
		}
		stats.PerCategory[category] = n
	}
	return stats, rows.Err()
}

// GetSeries returns one series by path.
func (s *Store) GetSeries(ctx context.Context, path string) (*Series, error) {
	row := s.db.Conn().QueryRowContext(ctx,
		`SELECT `+seriesColumns+` FROM series WHERE path = ?`, path)
	series, err := scanSeries(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get series: %w", err)
	}
	return series, nil
}

// ListByCategory returns all series of a category ordered by name.
func (s *Store) ListByCategory(ctx context.Context, category string) ([]*Series, error) {
	rows, err := s.db.Conn().QueryContext(ctx, `
		SELECT `+seriesColumns+` FROM series WHERE category = ? ORDER BY name`, category)
	if err != nil {
		return nil, fmt.Errorf("failed to list series: %w", err)
	}
	return collectSeries(rows)
}

// AllSeries returns every series ordered by category then name.
func (s *Store) AllSeries(ctx context.Context) ([]*Series, error) {
	rows, err := s.db.Conn().QueryContext(ctx, `
		SELECT `+seriesColumns+` FROM series ORDER BY category, name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list series: %w", err)
	}
	return collectSeries(rows)
}

// Search matches series by cleaned name, raw name or path, newest update
// first.
func (s *Store) Search(ctx context.Context, query string, limit int) ([]*Series, error) {
	if limit <= 0 {
		limit = 100
	}
	like := "%" + query + "%"
	rows, err := s.db.Conn().QueryContext(ctx, `
		SELECT `+seriesColumns+` FROM series
		WHERE cleaned_name LIKE ? OR name LIKE ? OR path LIKE ?
		ORDER BY updated_at DESC LIMIT ?`, like, like, like, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to search series: %w", err)
	}
	return collectSeries(rows)
}

// GetEpisode returns one episode by id.
func (s *Store) GetEpisode(ctx context.Context, id string) (*Episode, error) {
	row := s.db.Conn().QueryRowContext(ctx, `
		SELECT id, series_path, title, video_url, thumbnail_url,
			season_number, episode_number, overview, air_date
		FROM episodes WHERE id = ?`, id)
	ep, err := scanEpisode(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get episode: %w", err)
	}
	return ep, nil
}

// EpisodesBySeries returns the episodes of a set of series paths, keyed by
// series path and ordered by season, episode, then title.
func (s *Store) EpisodesBySeries(ctx context.Context, paths []string) (map[string][]*Episode, error) {
	return episodesBySeries(ctx, s.db.Conn(), paths)
}

// EpisodesBySeries reads through the open transaction. The pool is capped
// at one connection, so a Store read while a Tx is open would wait on the
// transaction's own connection forever.
func (t *Tx) EpisodesBySeries(ctx context.Context, paths []string) (map[string][]*Episode, error) {
	return episodesBySeries(ctx, t.tx, paths)
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func episodesBySeries(ctx context.Context, q querier, paths []string) (map[string][]*Episode, error) {
	out := make(map[string][]*Episode, len(paths))
	if len(paths) == 0 {
		return out, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(paths)), ",")
	args := make([]any, len(paths))
	for i, p := range paths {
		args[i] = p
	}

	rows, err := q.QueryContext(ctx, `
		SELECT id, series_path, title, video_url, thumbnail_url,
			season_number, episode_number, overview, air_date
		FROM episodes WHERE series_path IN (`+placeholders+`)
		ORDER BY season_number, episode_number, title`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list episodes: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		ep, err := scanEpisode(rows)
		if err != nil {
			return nil, err
		}
		out[ep.SeriesPath] = append(out[ep.SeriesPath], ep)
	}
	return out, rows.Err()
}

func scanEpisode(row interface{ Scan(...any) error }) (*Episode, error) {
	var ep Episode
	var videoURL, thumbnailURL, overview, airDate sql.NullString
	var season, episode sql.NullInt64

	err := row.Scan(&ep.ID, &ep.SeriesPath, &ep.Title, &videoURL, &thumbnailURL,
		&season, &episode, &overview, &airDate)
	if err != nil {
		return nil, err
	}
	ep.VideoURL = videoURL.String
	ep.ThumbnailURL = thumbnailURL.String
	if season.Valid {
		v := int(season.Int64)
		ep.SeasonNumber = &v
	}
	if episode.Valid {
		v := int(episode.Int64)
		ep.EpisodeNumber = &v
	}
	if overview.Valid {
		ep.Overview = &overview.String
	}
	if airDate.Valid {
		ep.AirDate = &airDate.String
	}
	return &ep, nil
}

func nullableInt(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullableFloat(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullableStr(v *string) any {
	if v == nil {
		return nil
	}
	return *v
}
