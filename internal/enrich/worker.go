// Package enrich runs the background metadata pass: cleaning names,
// resolving representatives against the external database, and fanning the
// results down onto every series and episode of a group.
package enrich

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"golang.org/x/sync/errgroup"

	"github.com/tongki078/nasvideo/internal/catalog"
	"github.com/tongki078/nasvideo/internal/library/titlecleaner"
	"github.com/tongki078/nasvideo/internal/logger"
	"github.com/tongki078/nasvideo/internal/metadata"
	"github.com/tongki078/nasvideo/internal/metadata/tmdb"
	"github.com/tongki078/nasvideo/internal/pathutil"
	"github.com/tongki078/nasvideo/internal/progress"
)

// ErrBusy is returned when another background task holds the monitor.
var ErrBusy = errors.New("another task is already running")

const (
	batchSize        = 50
	resolverPoolSize = 10
	rebuildEvery     = 2 // batches between projection rebuilds
)

// Worker is the enrichment singleton.
type Worker struct {
	store      *catalog.Store
	resolver   *metadata.Resolver
	projection *catalog.Projection
	monitor    *progress.Monitor
	log        *logger.Logger
}

// NewWorker creates the enrichment worker.
func NewWorker(store *catalog.Store, resolver *metadata.Resolver, projection *catalog.Projection,
	monitor *progress.Monitor, log *logger.Logger) *Worker {
	return &Worker{
		store:      store,
		resolver:   resolver,
		projection: projection,
		monitor:    monitor,
		log:        log.WithComponent("enrich"),
	}
}

// group is one de-duplicated unit of resolver work: every series folder
// sharing (cleanedName, yearVal, category).
type group struct {
	representative *catalog.Series
	paths          []string
	alreadyFailed  bool
}

// Run executes one enrichment pass. With forceAll, previously failed
// series are retried too.
func (w *Worker) Run(ctx context.Context, forceAll bool) error {
	if !w.monitor.TryStart("enrich") {
		return ErrBusy
	}
	defer w.monitor.Finish()

	if err := w.backfillCleanedNames(ctx); err != nil {
		return err
	}

	groups, err := w.collectGroups(ctx, forceAll)
	if err != nil {
		return err
	}
	w.monitor.SetTotal(len(groups))
	w.log.Info().Int("groups", len(groups)).Bool("force_all", forceAll).Msg("enrichment started")

	batches := 0
	for start := 0; start < len(groups); start += batchSize {
		end := min(start+batchSize, len(groups))
		if err := w.processBatch(ctx, groups[start:end], forceAll); err != nil {
			// Worker-local failures abort the batch, not the pass.
			w.log.Error().Err(err).Msg("batch failed")
			w.monitor.Log(progress.LevelError, "batch failed: %v", err)
		}

		batches++
		if batches%rebuildEvery == 0 {
			if err := w.projection.Rebuild(ctx); err != nil {
				w.log.Error().Err(err).Msg("projection rebuild failed")
			}
		}
	}

	if err := w.projection.Rebuild(ctx); err != nil {
		return err
	}
	return nil
}

// backfillCleanedNames runs the cleaner over series that never had one.
func (w *Worker) backfillCleanedNames(ctx context.Context) error {
	missing, err := w.store.SeriesMissingCleanedName(ctx)
	if err != nil {
		return err
	}
	for _, s := range missing {
		res := titlecleaner.Clean(s.Name)
		cleaned := res.Title
		if cleaned == "" {
			// Forbidden or degenerate: keep the raw name so the row is
			// never reselected; the resolver will reject it.
			cleaned = pathutil.NFC(s.Name)
		}
		var year *int
		if res.Year > 0 {
			y := res.Year
			year = &y
		}
		if err := w.store.SetCleanedName(ctx, s.Path, cleaned, year); err != nil {
			return err
		}
	}
	if len(missing) > 0 {
		w.log.Debug().Int("count", len(missing)).Msg("cleaned names backfilled")
	}
	return nil
}

func (w *Worker) collectGroups(ctx context.Context, forceAll bool) ([]*group, error) {
	candidates, err := w.store.UnresolvedSeries(ctx, forceAll)
	if err != nil {
		return nil, err
	}
	// Resolved series with never-numbered episodes reuse cached resolver
	// work to backfill per-episode metadata.
	unnumbered, err := w.store.SeriesWithUnnumberedEpisodes(ctx)
	if err != nil {
		return nil, err
	}

	index := make(map[string]*group)
	var groups []*group
	add := func(s *catalog.Series) {
		if !forceAll && s.Failed && !s.Resolved() {
			return
		}
		key := groupKeyOf(s)
		g, ok := index[key]
		if !ok {
			g = &group{representative: s, alreadyFailed: s.Failed}
			index[key] = g
			groups = append(groups, g)
		}
		g.paths = append(g.paths, s.Path)
	}
	for _, s := range candidates {
		add(s)
	}
	for _, s := range unnumbered {
		add(s)
	}
	return groups, nil
}

func groupKeyOf(s *catalog.Series) string {
	name := s.Name
	if s.CleanedName != nil && *s.CleanedName != "" {
		name = *s.CleanedName
	}
	year := 0
	if s.YearVal != nil {
		year = *s.YearVal
	}
	return name + "\x00" + strconv.Itoa(year) + "\x00" + s.Category
}

type resolution struct {
	g      *group
	record *metadata.Record
}

// processBatch resolves a batch through the bounded pool, then applies all
// results in one write transaction.
func (w *Worker) processBatch(ctx context.Context, batch []*group, ignoreFailureCache bool) error {
	results := make([]resolution, len(batch))

	eg, gctx := errgroup.WithContext(ctx)
	eg.SetLimit(resolverPoolSize)
	for i, g := range batch {
		eg.Go(func() error {
			name := g.representative.Name
			if g.representative.CleanedName != nil && *g.representative.CleanedName != "" {
				name = *g.representative.CleanedName
				if g.representative.YearVal != nil {
					name = fmt.Sprintf("%s (%d)", name, *g.representative.YearVal)
				}
			}
			w.monitor.Step(name)

			ignore := ignoreFailureCache && g.alreadyFailed
			rec, err := w.resolver.Resolve(gctx, name, g.representative.Category, ignore)
			if err != nil {
				return err
			}
			results[i] = resolution{g: g, record: rec}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return err
	}

	tx, err := w.store.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, res := range results {
		if res.record == nil || res.record.Failed() {
			// Re-flagging an already-failed group would be a no-op write.
			if !res.g.alreadyFailed {
				if err := tx.MarkFailed(ctx, res.g.paths); err != nil {
					return err
				}
			}
			w.monitor.Fail()
			continue
		}
		if err := w.applyResolution(ctx, tx, res.g, res.record); err != nil {
			return err
		}
		w.monitor.Success()
	}
	return tx.Commit()
}

// applyResolution writes the enriched fields to every series of the group
// and fans per-episode metadata down onto its files.
func (w *Worker) applyResolution(ctx context.Context, tx *catalog.Tx, g *group, rec *metadata.Record) error {
	enrichment := &catalog.Enrichment{
		TmdbID:     string(rec.Kind) + ":" + strconv.Itoa(rec.TmdbID),
		PosterPath: rec.PosterPath,
		Overview:   rec.Overview,
		GenreIDs:   rec.GenreIDs,
		GenreNames: rec.GenreNames,
		Director:   rec.Director,
		Actors:     rec.Actors,
	}
	if rec.Year > 0 {
		y := rec.Year
		enrichment.Year = &y
	}
	if rec.Rating > 0 {
		r := rec.Rating
		enrichment.Rating = &r
	}
	if rec.SeasonCount > 0 {
		n := rec.SeasonCount
		enrichment.SeasonCount = &n
	}

	// Skip the series write when the group is already carrying this
	// resolution; only the episode fan-down may still be pending.
	needsWrite := !g.representative.Resolved() || *g.representative.TmdbID != enrichment.TmdbID
	if needsWrite {
		if err := tx.MarkResolved(ctx, g.paths, enrichment); err != nil {
			return err
		}
	}

	episodes, err := tx.EpisodesBySeries(ctx, g.paths)
	if err != nil {
		return err
	}
	for _, eps := range episodes {
		for _, ep := range eps {
			if ep.SeasonNumber != nil {
				continue
			}
			meta := w.episodeMetadata(ep, rec)
			if err := tx.UpdateEpisodeMetadata(ctx, meta); err != nil {
				return err
			}
		}
	}
	return nil
}

func (w *Worker) episodeMetadata(ep *catalog.Episode, rec *metadata.Record) *catalog.EpisodeMetadata {
	season, episode := titlecleaner.ExtractEpisodeNumbers(ep.Title)
	meta := &catalog.EpisodeMetadata{
		ID:            ep.ID,
		SeasonNumber:  &season,
		EpisodeNumber: episode,
	}

	if rec.Kind != tmdb.KindTV || episode == nil {
		return meta
	}
	er, ok := rec.Episodes[metadata.EpisodeKey(season, *episode)]
	if !ok {
		return meta
	}
	if er.Overview != "" {
		meta.Overview = &er.Overview
	}
	if er.AirDate != "" {
		meta.AirDate = &er.AirDate
	}
	if er.StillPath != "" {
		// The client renders external still URLs directly.
		still := w.resolver.StillURL(er.StillPath)
		meta.ThumbnailURL = &still
	}
	return meta
}
