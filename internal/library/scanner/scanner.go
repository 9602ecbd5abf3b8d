// Package scanner walks the category directories and reconciles the
// catalog store against what is actually on disk.
package scanner

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/tongki078/nasvideo/internal/catalog"
	"github.com/tongki078/nasvideo/internal/config"
	"github.com/tongki078/nasvideo/internal/logger"
	"github.com/tongki078/nasvideo/internal/pathutil"
	"github.com/tongki078/nasvideo/internal/progress"
)

// commitEvery bounds write-lock hold time so readers see incremental
// progress during a long scan.
const commitEvery = 2000

// Scanner crawls the library tree.
type Scanner struct {
	store   *catalog.Store
	cfg     config.LibraryConfig
	monitor *progress.Monitor
	log     *logger.Logger

	extensions map[string]struct{}
}

// New creates a scanner.
func New(store *catalog.Store, cfg config.LibraryConfig, monitor *progress.Monitor, log *logger.Logger) *Scanner {
	exts := make(map[string]struct{}, len(cfg.Extensions))
	for _, ext := range cfg.Extensions {
		exts[strings.ToLower(ext)] = struct{}{}
	}
	return &Scanner{
		store:      store,
		cfg:        cfg,
		monitor:    monitor,
		log:        log.WithComponent("scanner"),
		extensions: exts,
	}
}

// admitted is one video file found during the walk.
type admitted struct {
	absPath    string
	relPath    string
	seriesPath string
	seriesName string
}

// ScanAll scans every configured category in a stable order.
func (s *Scanner) ScanAll(ctx context.Context) error {
	categories := make([]string, 0, len(s.cfg.Categories))
	for c := range s.cfg.Categories {
		categories = append(categories, c)
	}
	sort.Strings(categories)

	for _, category := range categories {
		if err := s.ScanCategory(ctx, category); err != nil {
			s.log.Error().Err(err).Str("category", category).Msg("category scan failed")
		}
	}
	return nil
}

// ScanCategory walks one category directory and reconciles its rows.
func (s *Scanner) ScanCategory(ctx context.Context, category string) error {
	dir, ok := s.cfg.CategoryDir(category)
	if !ok {
		return fmt.Errorf("unknown category %q", category)
	}
	label := s.cfg.Categories[category]

	root, err := pathutil.Resolve(dir)
	if err != nil {
		// A missing category directory is not fatal; the NAS share may
		// be offline.
		s.log.Warn().Str("dir", dir).Msg("category directory not found")
		return nil
	}

	files, err := s.walk(ctx, root, label)
	if err != nil {
		return err
	}

	s.log.Info().Str("category", category).Int("files", len(files)).Msg("walk complete")
	if s.monitor != nil {
		s.monitor.SetTotal(len(files))
	}

	seen := make(map[string]struct{}, len(files))
	if err := s.reconcile(ctx, category, files, seen); err != nil {
		return err
	}

	// Delete what disappeared from disk, then the series it emptied.
	existing, err := s.store.EpisodeIDsUnder(ctx, label)
	if err != nil {
		return err
	}
	var stale []string
	for id := range existing {
		if _, ok := seen[id]; !ok {
			stale = append(stale, id)
		}
	}
	if len(stale) > 0 {
		if err := s.store.DeleteEpisodes(ctx, stale); err != nil {
			return err
		}
		s.log.Info().Str("category", category).Int("removed", len(stale)).Msg("stale episodes removed")
	}
	purged, err := s.store.PurgeOrphanSeries(ctx)
	if err != nil {
		return err
	}
	if purged > 0 {
		s.log.Info().Int64("purged", purged).Msg("orphan series purged")
	}
	return nil
}

// walk is an iterative stack-based traversal: excluded names and dot
// entries are pruned, and a directory whose symlink-resolved path was
// already visited is skipped for cycle safety.
func (s *Scanner) walk(ctx context.Context, root, label string) ([]admitted, error) {
	var files []admitted
	visited := make(map[string]struct{})
	stack := []string{root}

	for len(stack) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		dir := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		real, err := filepath.EvalSymlinks(dir)
		if err != nil {
			s.log.Warn().Err(err).Str("dir", dir).Msg("skipping unreadable directory")
			continue
		}
		if _, dup := visited[real]; dup {
			continue
		}
		visited[real] = struct{}{}

		entries, err := os.ReadDir(dir)
		if err != nil {
			s.log.Warn().Err(err).Str("dir", dir).Msg("skipping unreadable directory")
			continue
		}

		for _, entry := range entries {
			name := entry.Name()
			if pathutil.IsExcluded(name, s.cfg.Exclude) {
				continue
			}
			full := filepath.Join(dir, name)

			if entry.IsDir() {
				stack = append(stack, full)
				continue
			}
			if entry.Type()&os.ModeSymlink != 0 {
				info, err := os.Stat(full)
				if err != nil {
					continue
				}
				if info.IsDir() {
					stack = append(stack, full)
					continue
				}
			}
			if !s.admittedExtension(name) {
				continue
			}

			seriesPath, seriesName := s.seriesOf(root, label, full)
			rel, err := filepath.Rel(root, full)
			if err != nil {
				rel = name
			}
			files = append(files, admitted{
				absPath:    full,
				relPath:    pathutil.NFC(filepath.ToSlash(rel)),
				seriesPath: seriesPath,
				seriesName: seriesName,
			})
		}
	}
	return files, nil
}

func (s *Scanner) admittedExtension(name string) bool {
	_, ok := s.extensions[strings.ToLower(filepath.Ext(name))]
	return ok
}

// seriesOf derives the category-prefixed series path of a file. A file
// directly under the category root forms a single-file series named after
// itself.
func (s *Scanner) seriesOf(root, label, file string) (string, string) {
	parent := filepath.Dir(file)
	if parent == root {
		base := strings.TrimSuffix(filepath.Base(file), filepath.Ext(file))
		return pathutil.NFC(label + "/" + base), pathutil.NFC(base)
	}
	rel, err := filepath.Rel(root, parent)
	if err != nil {
		rel = filepath.Base(parent)
	}
	rel = filepath.ToSlash(rel)
	return pathutil.NFC(label + "/" + rel), pathutil.NFC(filepath.Base(parent))
}

// reconcile upserts the admitted files, committing every commitEvery rows.
func (s *Scanner) reconcile(ctx context.Context, category string, files []admitted, seen map[string]struct{}) error {
	var tx *catalog.Tx
	var pending int

	flush := func() error {
		if tx == nil {
			return nil
		}
		err := tx.Commit()
		tx = nil
		pending = 0
		return err
	}
	defer func() {
		if tx != nil {
			_ = tx.Rollback()
		}
	}()

	for _, f := range files {
		if tx == nil {
			var err error
			if tx, err = s.store.Begin(ctx); err != nil {
				return err
			}
		}

		if err := tx.EnsureSeries(ctx, f.seriesPath, category, f.seriesName); err != nil {
			return err
		}

		id := catalog.EpisodeID(f.absPath)
		escaped := url.QueryEscape(f.relPath)
		ep := &catalog.Episode{
			ID:           id,
			SeriesPath:   f.seriesPath,
			Title:        pathutil.NFC(filepath.Base(f.absPath)),
			VideoURL:     "/video_serve?type=" + category + "&path=" + escaped,
			ThumbnailURL: "/thumb_serve?type=" + category + "&id=" + id + "&path=" + escaped,
		}
		if err := tx.UpsertEpisode(ctx, ep); err != nil {
			return err
		}
		seen[id] = struct{}{}

		if s.monitor != nil {
			s.monitor.Step(ep.Title)
			s.monitor.Success()
		}

		pending += 2
		if pending >= commitEvery {
			if err := flush(); err != nil {
				return err
			}
		}
	}
	return flush()
}
