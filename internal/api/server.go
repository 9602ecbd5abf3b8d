// Package api serves the catalog over HTTP.
package api

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/tongki078/nasvideo/internal/catalog"
	"github.com/tongki078/nasvideo/internal/config"
	"github.com/tongki078/nasvideo/internal/enrich"
	"github.com/tongki078/nasvideo/internal/library/scanner"
	"github.com/tongki078/nasvideo/internal/media"
	"github.com/tongki078/nasvideo/internal/metadata"
	"github.com/tongki078/nasvideo/internal/progress"
	"github.com/tongki078/nasvideo/internal/scheduler"
	"github.com/tongki078/nasvideo/internal/websocket"
)

// Deps carries the services the server fronts.
type Deps struct {
	Store      *catalog.Store
	Projection *catalog.Projection
	Resolver   *metadata.Resolver
	Scanner    *scanner.Scanner
	Enricher   *enrich.Worker
	Monitor    *progress.Monitor
	Thumbnails *media.ThumbnailGenerator
	HLS        *media.SessionManager
	Hub        *websocket.Hub
	Scheduler  *scheduler.Scheduler
}

// Server handles HTTP requests for the catalog API.
type Server struct {
	echo   *echo.Echo
	cfg    *config.Config
	logger zerolog.Logger
	deps   Deps
}

// NewServer creates a new API server instance.
func NewServer(cfg *config.Config, deps Deps, logger zerolog.Logger) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{
		echo:   e,
		cfg:    cfg,
		logger: logger.With().Str("component", "api").Logger(),
		deps:   deps,
	}

	s.setupMiddleware()
	s.setupRoutes()
	return s
}

// setupMiddleware configures Echo middleware.
func (s *Server) setupMiddleware() {
	s.echo.Use(middleware.Recover())
	s.echo.Use(middleware.RequestID())

	s.echo.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept},
	}))

	s.echo.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogURI:      true,
		LogStatus:   true,
		LogLatency:  true,
		LogMethod:   true,
		LogError:    true,
		HandleError: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			if v.Error != nil {
				s.logger.Error().
					Str("method", v.Method).
					Str("uri", v.URI).
					Int("status", v.Status).
					Dur("latency", v.Latency).
					Err(v.Error).
					Msg("request error")
			} else {
				s.logger.Info().
					Str("method", v.Method).
					Str("uri", v.URI).
					Int("status", v.Status).
					Dur("latency", v.Latency).
					Msg("request")
			}
			return nil
		},
	}))

	s.echo.Use(middleware.GzipWithConfig(middleware.GzipConfig{
		Level: 5,
		Skipper: func(c echo.Context) bool {
			// Media payloads and websocket upgrades are not recompressed.
			if c.Request().Header.Get("Upgrade") == "websocket" {
				return true
			}
			switch c.Path() {
			case "/video_serve", "/thumb_serve", "/hls/:sid/:file":
				return true
			}
			return false
		},
	}))
}

// setupRoutes configures API routes.
func (s *Server) setupRoutes() {
	s.echo.GET("/health", s.healthCheck)

	// Catalog views
	s.echo.GET("/home", s.getHome)
	s.echo.GET("/category_sections", s.getCategorySections)
	s.echo.GET("/list", s.getList)
	s.echo.GET("/api/series_detail", s.getSeriesDetail)
	s.echo.GET("/search", s.search)

	// Media
	s.echo.GET("/video_serve", s.serveVideo)
	s.echo.GET("/thumb_serve", s.serveThumbnail)
	s.echo.GET("/hls/:sid/:file", s.serveHLS)

	// Background tasks
	s.echo.GET("/rescan_broken", s.triggerScan)
	s.echo.GET("/rematch_metadata", s.triggerEnrich(false))
	s.echo.GET("/retry_failed_metadata", s.triggerEnrich(true))

	// Admin
	s.echo.GET("/api/updater/status", s.getTaskStatus)
	s.echo.GET("/api/status", s.getStatus)
	s.echo.GET("/api/metadata_diagnostics", s.getDiagnostics)

	if s.deps.Hub != nil {
		s.echo.GET("/ws", s.deps.Hub.HandleWebSocket)
	}
}

// Echo exposes the router for tests.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}

// Start begins listening for HTTP requests.
func (s *Server) Start(address string) error {
	s.logger.Info().Str("address", address).Msg("starting HTTP server")
	return s.echo.Start(address)
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("shutting down HTTP server")
	return s.echo.Shutdown(ctx)
}
