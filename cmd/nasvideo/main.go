package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/tongki078/nasvideo/internal/api"
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
	"github.com/tongki078/nasvideo/internal/scheduler"
	"github.com/tongki078/nasvideo/internal/scheduler/tasks"
	"github.com/tongki078/nasvideo/internal/websocket"
)

func main() {
	configPath := flag.String("config", "", "Path to config file")
	scanOnStart := flag.Bool("scan-on-start", false, "Run a full library scan immediately after startup")
	flag.Parse()

	// A .env next to the binary overrides nothing, it only seeds the
	// NASVIDEO_* variables viper reads.
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		panic("failed to load config: " + err.Error())
	}

	log := logger.New(logger.Config{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		Path:       cfg.Logging.Path,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
		Compress:   cfg.Logging.Compress,
	})
	defer log.Close()

	log.Info().
		Str("version", config.Version).
		Str("root", cfg.Library.Root).
		Msg("starting nasvideo")

	db, err := database.New(cfg.Database.Path)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize database")
	}
	defer db.Close()

	hub := websocket.NewHub()
	go hub.Run()

	store := catalog.NewStore(db, log)
	projection := catalog.NewProjection(store, log)
	monitor := progress.NewMonitor(hub)

	tmdbClient := tmdb.NewClient(cfg.TMDB, log.Logger)
	if !tmdbClient.IsConfigured() {
		log.Warn().Msg("TMDB API key not set, metadata enrichment disabled")
	}
	resolver := metadata.NewResolver(tmdbClient, metadata.NewCache(store), cfg.TMDB, log.Logger)

	scan := scanner.New(store, cfg.Library, monitor, log)
	enricher := enrich.NewWorker(store, resolver, projection, monitor, log)

	thumbnails, err := media.NewThumbnailGenerator(cfg.Cache.ThumbnailDir, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize thumbnail cache")
	}
	hls, err := media.NewSessionManager(cfg.Cache.HLSDir, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize HLS session manager")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hls.Run(ctx)

	// Serve whatever the catalog already holds; the first scheduled scan
	// refreshes it.
	if err := projection.Rebuild(ctx); err != nil {
		log.Error().Err(err).Msg("initial projection rebuild failed")
	}

	sched, err := scheduler.New(log.Logger)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create scheduler")
	}

	// An empty catalog means first run: scan right away instead of waiting
	// for the first cron fire.
	runOnStart := *scanOnStart
	if stats, err := store.Counts(ctx); err == nil && stats.Series == 0 {
		runOnStart = true
	}

	refresh := tasks.NewLibraryRefreshTask(scan, enricher, projection, monitor, log.Logger)
	if err := refresh.Register(sched, cfg.Scheduler.ScanCron, runOnStart); err != nil {
		log.Fatal().Err(err).Msg("failed to register library refresh task")
	}
	sched.Start()

	server := api.NewServer(cfg, api.Deps{
		Store:      store,
		Projection: projection,
		Resolver:   resolver,
		Scanner:    scan,
		Enricher:   enricher,
		Monitor:    monitor,
		Thumbnails: thumbnails,
		HLS:        hls,
		Hub:        hub,
		Scheduler:  sched,
	}, log.Logger)

	go func() {
		if err := server.Start(cfg.Server.Address()); err != nil {
			log.Info().Msg("server stopped")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	log.Info().Msg("received shutdown signal")

	cancel()
	if err := sched.Stop(); err != nil {
		log.Error().Err(err).Msg("scheduler shutdown error")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server shutdown error")
	}

	log.Info().Msg("server stopped")
}
