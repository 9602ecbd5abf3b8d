package api

import (
	"context"
	"errors"
	"net/http"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"unicode"

	"github.com/labstack/echo/v4"

	"github.com/tongki078/nasvideo/internal/catalog"
	"github.com/tongki078/nasvideo/internal/config"
	"github.com/tongki078/nasvideo/internal/pathutil"
)

func (s *Server) healthCheck(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status":  "ok",
		"version": config.Version,
	})
}

func (s *Server) getHome(c echo.Context) error {
	return c.JSON(http.StatusOK, s.deps.Projection.Home())
}

func (s *Server) getCategorySections(c echo.Context) error {
	category, ok := s.categoryKey(c.QueryParam("cat"))
	if !ok {
		return c.JSON(http.StatusBadRequest, errorJSON("unknown category"))
	}
	return c.JSON(http.StatusOK, s.deps.Projection.Sections(category, c.QueryParam("kw")))
}

func (s *Server) getList(c echo.Context) error {
	category, ok := s.categoryKey(c.QueryParam("path"))
	if !ok {
		return c.JSON(http.StatusBadRequest, errorJSON("unknown category"))
	}

	items := s.deps.Projection.Category(category)
	if keyword := c.QueryParam("keyword"); keyword != "" {
		want := simplifyKey(keyword)
		filtered := make([]*catalog.GroupedSeries, 0, len(items))
		for _, g := range items {
			if strings.Contains(simplifyKey(g.Name), want) ||
				(g.CleanedName != nil && strings.Contains(simplifyKey(*g.CleanedName), want)) {
				filtered = append(filtered, g)
			}
		}
		items = filtered
	}

	offset, _ := strconv.Atoi(c.QueryParam("offset"))
	offset = min(max(offset, 0), len(items))
	items = items[offset:]
	if limitParam := c.QueryParam("limit"); limitParam != "" {
		if limit, err := strconv.Atoi(limitParam); err == nil && limit >= 0 && limit < len(items) {
			items = items[:limit]
		}
	}
	return c.JSON(http.StatusOK, items)
}

func (s *Server) getSeriesDetail(c echo.Context) error {
	path := pathutil.NFC(c.QueryParam("path"))
	if path == "" {
		return c.JSON(http.StatusBadRequest, errorJSON("path is required"))
	}

	group, ok := s.findGroupByMember(path)
	if !ok {
		return c.JSON(http.StatusNotFound, errorJSON("series not found"))
	}
	detail, err := s.deps.Projection.Detail(c.Request().Context(), group)
	if err != nil {
		return err
	}

	sort.SliceStable(detail.Episodes, func(i, j int) bool {
		return naturalLess(detail.Episodes[i].Title, detail.Episodes[j].Title)
	})
	return c.JSON(http.StatusOK, detail)
}

func (s *Server) search(c echo.Context) error {
	q := strings.TrimSpace(c.QueryParam("q"))
	if q == "" {
		return c.JSON(http.StatusOK, []*catalog.Series{})
	}

	results, err := s.deps.Store.Search(c.Request().Context(), pathutil.NFC(q), 100)
	if err != nil {
		return err
	}

	// Substring match over simplified keys catches spacing and
	// punctuation differences the LIKE query misses.
	want := simplifyKey(q)
	seen := make(map[string]struct{}, len(results))
	for _, r := range results {
		seen[r.Path] = struct{}{}
	}
	if want != "" {
		all, err := s.deps.Store.AllSeries(c.Request().Context())
		if err != nil {
			return err
		}
		for _, r := range all {
			if _, dup := seen[r.Path]; dup {
				continue
			}
			if strings.Contains(simplifyKey(r.Name), want) {
				results = append(results, r)
				seen[r.Path] = struct{}{}
			}
		}
	}
	return c.JSON(http.StatusOK, results)
}

func (s *Server) serveVideo(c echo.Context) error {
	real, err := s.resolveMediaPath(c.QueryParam("type"), c.QueryParam("path"))
	if err != nil {
		return err
	}

	if s.deps.HLS != nil && needsHLS(c.Request().UserAgent()) {
		session, err := s.deps.HLS.Start(c.Request().Context(), real, true)
		if err != nil {
			s.logger.Error().Err(err).Str("path", real).Msg("failed to start HLS session")
			return c.File(real)
		}
		return c.Redirect(http.StatusFound, "/hls/"+session.ID+"/index.m3u8")
	}

	// echo serves files through http.ServeContent: range requests work.
	return c.File(real)
}

func (s *Server) serveHLS(c echo.Context) error {
	if s.deps.HLS == nil {
		return c.JSON(http.StatusNotFound, errorJSON("streaming disabled"))
	}
	path, ok := s.deps.HLS.SegmentPath(c.Param("sid"), c.Param("file"))
	if !ok {
		return c.JSON(http.StatusNotFound, errorJSON("unknown session"))
	}
	if strings.HasSuffix(path, ".m3u8") {
		c.Response().Header().Set(echo.HeaderContentType, "application/vnd.apple.mpegurl")
	}
	return c.File(path)
}

func (s *Server) serveThumbnail(c echo.Context) error {
	real, err := s.resolveMediaPath(c.QueryParam("type"), c.QueryParam("path"))
	if err != nil {
		return err
	}

	seconds, _ := strconv.Atoi(c.QueryParam("t"))
	width, _ := strconv.Atoi(c.QueryParam("w"))
	if seconds <= 0 {
		seconds = 300
	}
	if width <= 0 {
		width = 480
	}
	id := c.QueryParam("id")
	if id == "" {
		id = catalog.EpisodeID(real)
	}

	thumb, err := s.deps.Thumbnails.Generate(c.Request().Context(), id, real, seconds, width)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, errorJSON("thumbnail generation failed"))
	}
	c.Response().Header().Set("Cache-Control", "public, max-age=86400")
	return c.File(thumb)
}

func (s *Server) triggerScan(c echo.Context) error {
	if !s.deps.Monitor.TryStart("scan") {
		return c.JSON(http.StatusConflict, errorJSON("another task is already running"))
	}

	go func() {
		defer s.deps.Monitor.Finish()
		ctx := context.Background()
		if err := s.deps.Scanner.ScanAll(ctx); err != nil {
			s.logger.Error().Err(err).Msg("scan failed")
			return
		}
		if err := s.deps.Projection.Rebuild(ctx); err != nil {
			s.logger.Error().Err(err).Msg("projection rebuild failed")
		}
	}()
	return c.JSON(http.StatusOK, map[string]string{"status": "started", "task": "scan"})
}

func (s *Server) triggerEnrich(forceAll bool) echo.HandlerFunc {
	return func(c echo.Context) error {
		if s.deps.Monitor.Running() {
			return c.JSON(http.StatusConflict, errorJSON("another task is already running"))
		}

		go func() {
			if err := s.deps.Enricher.Run(context.Background(), forceAll); err != nil {
				s.logger.Error().Err(err).Msg("enrichment failed")
			}
		}()
		return c.JSON(http.StatusOK, map[string]string{"status": "started", "task": "enrich"})
	}
}

func (s *Server) getTaskStatus(c echo.Context) error {
	return c.JSON(http.StatusOK, s.deps.Monitor.Snapshot())
}

func (s *Server) getStatus(c echo.Context) error {
	stats, err := s.deps.Store.Counts(c.Request().Context())
	if err != nil {
		return err
	}
	status := map[string]any{
		"version":            config.Version,
		"catalog":            stats,
		"projectionBuiltAt":  s.deps.Projection.BuiltAt(),
		"taskRunning":        s.deps.Monitor.Running(),
		"websocketListeners": s.hubClientCount(),
	}
	if s.deps.Scheduler != nil {
		status["scheduledTasks"] = s.deps.Scheduler.ListTasks()
	}
	return c.JSON(http.StatusOK, status)
}

func (s *Server) getDiagnostics(c echo.Context) error {
	return c.JSON(http.StatusOK, s.deps.Resolver.Diagnostics())
}

func (s *Server) hubClientCount() int {
	if s.deps.Hub == nil {
		return 0
	}
	return s.deps.Hub.ClientCount()
}

// categoryKey accepts either a category key ("movies") or its directory
// label ("영화").
func (s *Server) categoryKey(param string) (string, bool) {
	param = pathutil.NFC(strings.TrimSpace(param))
	if param == "" {
		return "", false
	}
	if _, ok := s.cfg.Library.Categories[param]; ok {
		return param, true
	}
	for key, label := range s.cfg.Library.Categories {
		if pathutil.NFC(label) == param {
			return key, true
		}
	}
	return "", false
}

// resolveMediaPath maps (category, relative path) query params to an
// existing on-disk file, refusing paths that escape the library root.
func (s *Server) resolveMediaPath(typeParam, rel string) (string, error) {
	category, ok := s.categoryKey(typeParam)
	if !ok {
		return "", echo.NewHTTPError(http.StatusBadRequest, "unknown category")
	}
	dir, _ := s.cfg.Library.CategoryDir(category)

	rel = filepath.Clean("/" + rel) // forces the path under the category dir
	full := filepath.Join(dir, rel)

	for _, component := range strings.Split(filepath.ToSlash(rel), "/") {
		if pathutil.IsExcluded(component, s.cfg.Library.Exclude) {
			return "", echo.NewHTTPError(http.StatusNotFound, "not found")
		}
	}

	real, err := pathutil.Resolve(full)
	if errors.Is(err, pathutil.ErrNotFound) {
		return "", echo.NewHTTPError(http.StatusNotFound, "not found")
	}
	if err != nil {
		return "", err
	}
	return real, nil
}

func (s *Server) findGroupByMember(path string) (*catalog.GroupedSeries, bool) {
	for category := range s.cfg.Library.Categories {
		for _, g := range s.deps.Projection.Category(category) {
			for _, member := range g.MemberPaths {
				if member == path {
					return g, true
				}
			}
		}
	}
	return nil, false
}

func errorJSON(message string) map[string]string {
	return map[string]string{"status": "error", "message": message}
}

// needsHLS reports whether the client requires a transcoded stream.
// Apple media stacks cannot play most NAS containers directly; Android
// and desktop players handle the raw file.
func needsHLS(userAgent string) bool {
	ua := strings.ToLower(userAgent)
	if strings.Contains(ua, "android") || strings.Contains(ua, "linux") {
		return false
	}
	for _, marker := range []string{"iphone", "ipad", "ipod", "applecoremedia", "avfoundation"} {
		if strings.Contains(ua, marker) {
			return true
		}
	}
	return false
}

// simplifyKey lowers a name to its searchable core: Hangul, letters and
// digits only.
func simplifyKey(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(pathutil.NFC(s)) {
		switch {
		case r >= 0xAC00 && r <= 0xD7A3:
			b.WriteRune(r)
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
		}
	}
	return b.String()
}

// naturalLess compares titles so that "ep2" sorts before "ep10".
func naturalLess(a, b string) bool {
	for len(a) > 0 && len(b) > 0 {
		ad, an := leadingInt(a)
		bd, bn := leadingInt(b)
		if an > 0 && bn > 0 {
			if ad != bd {
				return ad < bd
			}
			a, b = a[an:], b[bn:]
			continue
		}
		if a[0] != b[0] {
			return a[0] < b[0]
		}
		a, b = a[1:], b[1:]
	}
	return len(a) < len(b)
}

func leadingInt(s string) (int, int) {
	n := 0
	for n < len(s) && s[n] >= '0' && s[n] <= '9' {
		n++
	}
	if n == 0 {
		return 0, 0
	}
	v, _ := strconv.Atoi(s[:n])
	return v, n
}
