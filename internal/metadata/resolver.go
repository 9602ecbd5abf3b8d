package metadata

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tongki078/nasvideo/internal/catalog"
	"github.com/tongki078/nasvideo/internal/config"
	"github.com/tongki078/nasvideo/internal/library/titlecleaner"
	"github.com/tongki078/nasvideo/internal/metadata/tmdb"
	"github.com/tongki078/nasvideo/internal/pathutil"
)

// Scoring weights. A candidate is accepted only above the threshold.
const (
	titleWeight        = 60.0
	titleExactScore    = 1.0
	titleSubstrScore   = 0.6
	titleNeitherScore  = 0.2
	yearExactBonus     = 30.0
	yearCloseBonus     = 15.0
	yearMissingBonus   = 10.0
	popularityCap      = 10.0
	posterBonus        = 5.0
	preferredKindBonus = 40.0
	acceptThreshold    = 65.0

	maxDiagnostics = 200
)

// Candidate is one scored search result.
type Candidate struct {
	tmdb.SearchResult
	Score    float64 `json:"score"`
	Strategy string  `json:"strategy"`
}

// Diagnostic records why a name failed to resolve, for the admin UI.
type Diagnostic struct {
	RawName    string      `json:"rawName"`
	Cleaned    string      `json:"cleaned"`
	Year       int         `json:"year"`
	Category   string      `json:"category"`
	Candidates []Candidate `json:"candidates"` // top 3 by score
	At         time.Time   `json:"at"`
}

// Resolver runs the strategy pipeline against TMDB and memoizes through
// the cache.
type Resolver struct {
	client *tmdb.Client
	cache  *Cache
	cfg    config.TMDBConfig
	logger zerolog.Logger

	diagMu    sync.Mutex
	diags     map[string]Diagnostic
	diagOrder []string
}

// NewResolver creates a resolver.
func NewResolver(client *tmdb.Client, cache *Cache, cfg config.TMDBConfig, logger zerolog.Logger) *Resolver {
	return &Resolver{
		client: client,
		cache:  cache,
		cfg:    cfg,
		logger: logger.With().Str("component", "resolver").Logger(),
		diags:  make(map[string]Diagnostic),
	}
}

// preferredKind maps a category to the kind its folder implies.
func preferredKind(category string) tmdb.Kind {
	switch category {
	case "movies":
		return tmdb.KindMovie
	case "foreign-tv", "domestic-tv", "airing", "animation":
		return tmdb.KindTV
	default:
		return ""
	}
}

// Key returns the cache key hash a raw name resolves under.
func (r *Resolver) Key(rawName, category string) string {
	cleaned := titlecleaner.Clean(rawName)
	title := cleaned.Title
	if title == "" {
		title = pathutil.NFC(rawName)
	}
	return CacheKey(title, cleaned.Year, category)
}

// Resolve runs the full pipeline for a raw folder/file name. Failures are
// returned as records, not errors; an error means the store itself failed.
func (r *Resolver) Resolve(ctx context.Context, rawName, category string, ignoreCache bool) (*Record, error) {
	cleaned := titlecleaner.Clean(rawName)

	if cleaned.Forbidden || cleaned.Title == "" {
		rec := &Record{Status: StatusFailed, Reason: ReasonForbidden}
		key := r.Key(rawName, category)
		if err := r.cache.Store(ctx, key, rec); err != nil {
			return nil, err
		}
		return rec, nil
	}

	key := CacheKey(cleaned.Title, cleaned.Year, category)
	if rec, ok, err := r.cache.Lookup(ctx, key, ignoreCache); err != nil {
		return nil, err
	} else if ok {
		// Transport failures are transient; drop the marker and retry.
		if rec.Failed() && rec.Reason == ReasonTransport {
			if err := r.cache.Invalidate(ctx, key); err != nil {
				return nil, err
			}
		} else {
			return rec, nil
		}
	}

	rec := r.runPipeline(ctx, rawName, cleaned, category)
	if err := r.cache.Store(ctx, key, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

func (r *Resolver) runPipeline(ctx context.Context, rawName string, cleaned titlecleaner.Result, category string) *Record {
	kind := preferredKind(category)

	// S0: an explicit {tmdb NNN} hint is authoritative.
	if cleaned.TmdbHint != "" {
		if rec := r.resolveByHint(ctx, cleaned.TmdbHint, kind); rec != nil {
			return rec
		}
	}

	transport := false
	var allCandidates []Candidate

	type strategy struct {
		name string
		run  func() []Candidate
	}
	strategies := []strategy{
		{"search-with-year", func() []Candidate {
			return r.multiSearch(ctx, cleaned.Title, cleaned.Year, r.cfg.Language, "search-with-year", &transport)
		}},
		{"search-no-year", func() []Candidate {
			return r.multiSearch(ctx, cleaned.Title, 0, r.cfg.Language, "search-no-year", &transport)
		}},
		{"alternative-titles", func() []Candidate {
			var out []Candidate
			for _, alt := range titlecleaner.AlternativeTitles(rawName) {
				out = append(out, r.multiSearch(ctx, alt, 0, r.cfg.Language, "alternative-titles", &transport)...)
			}
			return out
		}},
		{"hangul-substring", func() []Candidate {
			sub := titlecleaner.HangulSubstring(cleaned.Title)
			if sub == "" || sub == cleaned.Title {
				return nil
			}
			return r.multiSearch(ctx, sub, 0, r.cfg.Language, "hangul-substring", &transport)
		}},
		{"cjk-substring", func() []Candidate {
			sub := titlecleaner.CJKSubstring(cleaned.Title)
			if sub == "" {
				return nil
			}
			return r.multiSearch(ctx, sub, 0, "", "cjk-substring", &transport)
		}},
		{"segments", func() []Candidate {
			var out []Candidate
			for _, seg := range titlecleaner.SplitSegments(cleaned.Title) {
				out = append(out, r.multiSearch(ctx, seg, 0, r.cfg.Language, "segments", &transport)...)
			}
			return out
		}},
	}

	for _, s := range strategies {
		candidates := s.run()
		if len(candidates) == 0 {
			continue
		}
		for i := range candidates {
			candidates[i].Score = r.score(&candidates[i].SearchResult, cleaned.Title, cleaned.Year, kind)
		}
		sortCandidates(candidates)
		allCandidates = append(allCandidates, candidates...)

		// First strategy with an accepted candidate wins.
		if candidates[0].Score > acceptThreshold {
			if rec := r.fetchRecord(ctx, candidates[0].Kind, candidates[0].ID); rec != nil {
				r.logger.Debug().
					Str("name", rawName).
					Str("strategy", s.name).
					Float64("score", candidates[0].Score).
					Msg("resolved")
				return rec
			}
			transport = true
		}
	}

	sortCandidates(allCandidates)
	if len(allCandidates) > 3 {
		allCandidates = allCandidates[:3]
	}
	r.recordDiagnostic(Diagnostic{
		RawName:    rawName,
		Cleaned:    cleaned.Title,
		Year:       cleaned.Year,
		Category:   category,
		Candidates: allCandidates,
		At:         time.Now(),
	})

	reason := ReasonMiss
	if transport {
		reason = ReasonTransport
	}
	return &Record{Status: StatusFailed, Reason: reason}
}

func (r *Resolver) resolveByHint(ctx context.Context, hint string, kind tmdb.Kind) *Record {
	id, err := strconv.Atoi(hint)
	if err != nil {
		return nil
	}
	order := []tmdb.Kind{tmdb.KindMovie, tmdb.KindTV}
	if kind == tmdb.KindTV {
		order = []tmdb.Kind{tmdb.KindTV, tmdb.KindMovie}
	}
	for _, k := range order {
		if rec := r.fetchRecord(ctx, k, id); rec != nil {
			return rec
		}
	}
	return nil
}

func (r *Resolver) multiSearch(ctx context.Context, query string, year int, language, strategy string, transport *bool) []Candidate {
	var out []Candidate

	movies, err := r.client.SearchMovies(ctx, query, year, language)
	if err != nil {
		r.noteSearchError(err, query, transport)
	}
	for _, m := range movies {
		out = append(out, Candidate{SearchResult: m, Strategy: strategy})
	}

	shows, err := r.client.SearchTV(ctx, query, year, language)
	if err != nil {
		r.noteSearchError(err, query, transport)
	}
	for _, tv := range shows {
		out = append(out, Candidate{SearchResult: tv, Strategy: strategy})
	}
	return out
}

func (r *Resolver) noteSearchError(err error, query string, transport *bool) {
	if errors.Is(err, tmdb.ErrNotFound) {
		return
	}
	*transport = true
	r.logger.Warn().Err(err).Str("query", query).Msg("search failed")
}

// score ranks a candidate against the cleaned title and year.
func (r *Resolver) score(c *tmdb.SearchResult, title string, year int, kind tmdb.Kind) float64 {
	score := titleSimilarity(c, title) * titleWeight

	switch cy := c.Year(); {
	case year == 0 || cy == 0:
		score += yearMissingBonus
	case cy == year:
		score += yearExactBonus
	case cy == year-1 || cy == year+1:
		score += yearCloseBonus
	}

	score += min(c.Popularity/10, popularityCap)

	if c.PosterPath != "" {
		score += posterBonus
	}
	if kind != "" && c.Kind == kind {
		score += preferredKindBonus
	}
	return score
}

func titleSimilarity(c *tmdb.SearchResult, title string) float64 {
	want := normalizeTitle(title)
	for _, got := range []string{normalizeTitle(c.Title), normalizeTitle(c.OriginalTitle)} {
		if got == "" {
			continue
		}
		if got == want {
			return titleExactScore
		}
	}
	for _, got := range []string{normalizeTitle(c.Title), normalizeTitle(c.OriginalTitle)} {
		if got == "" {
			continue
		}
		if strings.Contains(got, want) || strings.Contains(want, got) {
			return titleSubstrScore
		}
	}
	return titleNeitherScore
}

func normalizeTitle(s string) string {
	s = pathutil.NFC(strings.ToLower(strings.TrimSpace(s)))
	return strings.Join(strings.Fields(s), " ")
}

// sortCandidates orders by score descending with a stable tie-break so the
// winner is deterministic for a fixed fixture.
func sortCandidates(cs []Candidate) {
	sort.SliceStable(cs, func(i, j int) bool {
		if cs[i].Score != cs[j].Score {
			return cs[i].Score > cs[j].Score
		}
		if cs[i].Kind != cs[j].Kind {
			return cs[i].Kind < cs[j].Kind
		}
		return cs[i].ID < cs[j].ID
	})
}

// fetchRecord pulls the full detail record and, for TV, every season's
// episode list.
func (r *Resolver) fetchRecord(ctx context.Context, kind tmdb.Kind, id int) *Record {
	details, err := r.client.GetDetails(ctx, kind, id)
	if err != nil {
		if !errors.Is(err, tmdb.ErrNotFound) {
			r.logger.Warn().Err(err).Int("id", id).Str("kind", string(kind)).Msg("detail fetch failed")
		}
		return nil
	}

	rec := &Record{
		Status:     StatusOK,
		Kind:       kind,
		TmdbID:     details.ID,
		Title:      details.DisplayTitle(),
		PosterPath: details.PosterPath,
		Year:       details.AirYear(),
		Overview:   details.Overview,
		Rating:     details.VoteAverage,
		Director:   details.Director(),
	}
	for _, g := range details.Genres {
		rec.GenreIDs = append(rec.GenreIDs, g.ID)
		rec.GenreNames = append(rec.GenreNames, g.Name)
	}
	for i, cast := range details.Credits.Cast {
		if i >= 10 {
			break
		}
		rec.Actors = append(rec.Actors, catalog.Actor{
			Name:    cast.Name,
			Profile: cast.ProfilePath,
			Role:    cast.Character,
		})
	}

	if kind == tmdb.KindTV {
		rec.SeasonCount = details.NumberOfSeasons
		rec.Episodes = make(map[string]EpisodeRecord)
		for season := 1; season <= details.NumberOfSeasons; season++ {
			episodes, err := r.client.GetSeasonEpisodes(ctx, id, season)
			if err != nil {
				r.logger.Warn().Err(err).Int("id", id).Int("season", season).Msg("season fetch failed")
				continue
			}
			for _, ep := range episodes {
				rec.Episodes[EpisodeKey(ep.SeasonNumber, ep.EpisodeNumber)] = EpisodeRecord{
					Overview:  ep.Overview,
					AirDate:   ep.AirDate,
					StillPath: ep.StillPath,
				}
			}
		}
	}
	return rec
}

// StillURL builds the external URL for an episode still path.
func (r *Resolver) StillURL(stillPath string) string {
	return r.client.ImageURL(stillPath, "w300")
}

func (r *Resolver) recordDiagnostic(d Diagnostic) {
	r.diagMu.Lock()
	defer r.diagMu.Unlock()

	if _, exists := r.diags[d.RawName]; !exists {
		r.diagOrder = append(r.diagOrder, d.RawName)
		// Bounded: drop the oldest entries.
		for len(r.diagOrder) > maxDiagnostics {
			delete(r.diags, r.diagOrder[0])
			r.diagOrder = r.diagOrder[1:]
		}
	}
	r.diags[d.RawName] = d
}

// Diagnostics returns the recent resolution failures, newest first.
func (r *Resolver) Diagnostics() []Diagnostic {
	r.diagMu.Lock()
	defer r.diagMu.Unlock()

	out := make([]Diagnostic, 0, len(r.diagOrder))
	for i := len(r.diagOrder) - 1; i >= 0; i-- {
		out = append(out, r.diags[r.diagOrder[i]])
	}
	return out
}
