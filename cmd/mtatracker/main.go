package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/mtatracker-data/internal/common/config"
	"github.com/mtatracker-data/internal/common/db"
	"github.com/mtatracker-data/internal/common/logger"
	"github.com/mtatracker-data/internal/common/maintenance"
	"github.com/mtatracker-data/internal/common/metrics"
	gtfs_realtime "github.com/mtatracker-data/internal/gtfs-realtime"
	"github.com/mtatracker-data/internal/gtfs-realtime/consumer"
	"github.com/mtatracker-data/internal/gtfs-realtime/gateway"
	"github.com/mtatracker-data/internal/gtfs-realtime/publisher"
	"github.com/mtatracker-data/internal/gtfs-static/scraper"
)

func main() {
	// A missing .env is fine; the environment may already be populated.
	envErr := godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		panic("Failed to load configuration: " + err.Error())
	}

	loggerConfig := logger.DefaultLoggerConfig()
	loggerConfig.Level = logger.ParseLogLevel(cfg.Logging.Level)
	loggerConfig.File = cfg.Logging.FilePath != ""
	loggerConfig.FilePath = cfg.Logging.FilePath
	loggerConfig.TimeFieldFormat = "2006-01-02T15:04:05Z07:00"
	loggerConfig.DiscordURL = cfg.Logging.DiscordURL
	log := logger.NewWithConfig(loggerConfig)

	if envErr != nil && !errors.Is(envErr, os.ErrNotExist) {
		log.Warn("Failed to load .env file", "error", envErr)
	}

	log.Info("MTA Tracker Data Service starting",
		"version", "1.0.0",
		"log_level", cfg.Logging.Level,
		"db_driver", cfg.Database.Driver,
		"static_url", cfg.GTFSStatic.URL,
		"realtime_feeds", len(cfg.GTFSRealtime.EnabledFeeds()),
	)

	if err := cfg.Database.Validate(); err != nil {
		log.Fatal("Invalid database configuration", "error", err)
	}

	database, err := db.New(cfg.Database.Driver, cfg.Database.ConnectionString(), log)
	if err != nil {
		log.Fatal("Failed to connect to database", "error", err)
	}
	defer database.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := database.Migrate(ctx); err != nil {
		log.Fatal("Failed to apply schema", "error", err)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	collector := metrics.NewCollector()
	if cfg.Metrics.Addr != "" {
		srv := collector.Serve(cfg.Metrics.Addr, log)
		defer func() {
			shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
			defer done()
			srv.Shutdown(shutdownCtx)
		}()
	}

	var managerOpts []gtfs_realtime.Option
	managerOpts = append(managerOpts, gtfs_realtime.WithMetrics(collector))
	if cfg.NATS.URL != "" {
		pub, err := publisher.NewNATSPublisher(cfg.NATS.URL, cfg.NATS.SubjectPrefix, log, collector)
		if err != nil {
			log.Error("NATS unavailable, change feed disabled", "url", cfg.NATS.URL, "error", err)
		} else {
			defer pub.Close()
			managerOpts = append(managerOpts, gtfs_realtime.WithPublisher(pub))
			log.Info("Publishing changes to NATS", "url", cfg.NATS.URL, "prefix", cfg.NATS.SubjectPrefix)
		}
	}

	cleanup := maintenance.NewCleanupScheduler(database, log, maintenance.SchedulerConfig{
		CleanupInterval:   cfg.Maintenance.CleanupInterval,
		RealtimeRetention: cfg.Maintenance.RealtimeRetention,
		InitialDelay:      time.Minute,
	}, collector)
	if err := cleanup.Start(ctx); err != nil {
		log.Error("Cleanup scheduler not started", "error", err)
	}
	defer cleanup.Stop()

	var wg sync.WaitGroup

	if cfg.GTFSStatic.URL != "" {
		log.Info("Starting GTFS-Static scheduler", "url", cfg.GTFSStatic.URL)
		scheduler := scraper.NewScheduler(scraper.Config{
			URL:           cfg.GTFSStatic.URL,
			CheckInterval: cfg.GTFSStatic.CheckInterval,
			DownloadDir:   cfg.GTFSStatic.DownloadDir,
			SourceName:    cfg.GTFSStatic.SourceName,
		}, database, log,
			scraper.NewHTTPMetadataFetcher(log),
			scraper.NewHTTPDownloader(log),
			scraper.WithImportLocker(cleanup),
		)
		wg.Add(1)
		go func(s *scraper.GTFSScheduler) {
			defer wg.Done()
			if err := s.Start(ctx); err != nil {
				log.Error("GTFS-Static scheduler error", "error", err)
			}
		}(scheduler)
	} else {
		log.Info("GTFS-Static scheduler disabled (no archive URL)")
	}

	gwOpts := gateway.DefaultOptions()
	gwOpts.CommitTimeout = cfg.GTFSRealtime.CommitTimeout
	gw := gateway.New(database, log, gwOpts)

	rtManager := gtfs_realtime.NewManager(cfg.GTFSRealtime, consumer.NewConsumer(log, consumer.DefaultOptions()), gw, log, managerOpts...)
	if err := rtManager.Start(ctx); err != nil {
		log.Fatal("GTFS-Realtime manager failed to start", "error", err)
	}

	<-sigChan
	log.Info("Shutdown signal received")

	cancel()
	rtManager.Stop()
	wg.Wait()

	if stats, err := gw.GetStats(); err == nil {
		log.Info("Final realtime stats",
			"vehicles", stats.VehicleCount,
			"trips", stats.TripCount,
			"routes", stats.RouteCount)
	}

	log.Info("MTA Tracker Data Service stopped")
}
