package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/scannerops/callwatch/internal/aggregate"
	"github.com/scannerops/callwatch/internal/api"
	"github.com/scannerops/callwatch/internal/codec"
	"github.com/scannerops/callwatch/internal/config"
	"github.com/scannerops/callwatch/internal/enrich"
	"github.com/scannerops/callwatch/internal/ingest"
	"github.com/scannerops/callwatch/internal/match"
	"github.com/scannerops/callwatch/internal/notify"
	"github.com/scannerops/callwatch/internal/pipeline"
	"github.com/scannerops/callwatch/internal/rules"
	"github.com/scannerops/callwatch/internal/storage/sqlite"
	"github.com/scannerops/callwatch/internal/telegram"
	"github.com/scannerops/callwatch/pkg/logger"
)

func main() {
	configPath := flag.String("config", "callwatch.toml", "path to configuration file")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	if err := run(cfg, log); err != nil {
		log.Error("Fatal error", logger.Error(err))
		os.Exit(1)
	}
}

func loadConfig(path string) (*config.Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return config.Default(), nil
	}
	return config.Load(path)
}

func run(cfg *config.Config, log *logger.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := sqlite.Open(cfg.Storage.SQLitePath, log)
	if err != nil {
		return fmt.Errorf("failed to open storage: %w", err)
	}
	defer db.Close()

	rulesStorage := sqlite.NewRulesStorage(db, log)
	queueStorage := sqlite.NewQueueStorage(db, log)
	ledgerStorage := sqlite.NewLedgerStorage(db, log)

	// Return items stranded in processing by an unclean shutdown before the
	// scheduler starts pulling.
	staleBefore := time.Now().Add(-time.Duration(cfg.Scheduler.StaleProcessingSeconds) * time.Second)
	if n, err := queueStorage.RequeueStaleProcessing(ctx, staleBefore, time.Now()); err != nil {
		log.Warn("Failed to requeue stale notifications", logger.Error(err))
	} else if n > 0 {
		log.Info("Requeued stale notifications", logger.Int("count", n))
	}

	registry := rules.NewRegistry(rulesStorage, cfg.RulesRefreshInterval(), match.Normalize, log)
	engine := match.NewEngine(registry, cfg.Matching.MinTranscriptLength, cfg.Matching.NoiseMarkers, log)

	geoClient := enrich.NewClient(cfg.Geo.BaseURL, time.Duration(cfg.Geo.TimeoutSeconds)*time.Second, log)
	enrichStage := enrich.NewStage(geoClient, cfg.Geo.AvgSpeedMPH, log)

	dedupGate := notify.NewDedupGate(queueStorage, log)
	rateLimiter := notify.NewRateLimiter(cfg.MinSendInterval(), log)

	transport := telegram.NewClient(cfg.Telegram.APIBaseURL, cfg.Telegram.BotToken,
		time.Duration(cfg.Telegram.TimeoutSeconds)*time.Second, log)
	var converter notify.AudioConverter
	if cfg.Codec.Enabled {
		converter = codec.NewConverter(cfg.Codec.FFmpegPath, log)
	}
	dispatcher := notify.NewDispatcher(transport, converter, rateLimiter,
		cfg.Telegram.MaxMessageLength, cfg.Telegram.MaxGroupExcerpts, log)

	scheduler := notify.NewScheduler(queueStorage, ledgerStorage, dispatcher, notify.SchedulerConfig{
		PollInterval: cfg.PollInterval(),
		BatchSize:    cfg.Scheduler.BatchSize,
		MaxAttempts:  cfg.Scheduler.MaxAttempts,
		BackoffBase:  cfg.BackoffBase(),
		PromoteAfter: time.Duration(cfg.Scheduler.PromoteAfterSeconds) * time.Second,
	}, log)

	svc := pipeline.New(engine, enrichStage, dedupGate, log)
	aggregator := aggregate.New(cfg.AggregationWindow(), svc.FlushGroup, log)
	svc.SetAggregator(aggregator)

	var wg sync.WaitGroup
	runComponent := func(name string, fn func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn(ctx)
			log.Debug("Component stopped", logger.String("component", name))
		}()
	}

	runComponent("keyword-registry", registry.Run)
	runComponent("segment-aggregator", aggregator.Run)
	runComponent("scheduler", scheduler.Run)
	runComponent("rate-limiter", func(ctx context.Context) {
		rateLimiter.Run(ctx,
			time.Duration(cfg.RateLimit.SweepIntervalSeconds)*time.Second,
			time.Duration(cfg.RateLimit.StaleAfterSeconds)*time.Second)
	})
	runComponent("ledger-sweep", func(ctx context.Context) {
		runLedgerSweep(ctx, ledgerStorage, cfg, log)
	})

	if cfg.Ingest.Enabled && cfg.Ingest.WatchDir != "" {
		watcher := ingest.NewWatcher(cfg.Ingest.WatchDir, svc, log)
		runComponent("ingest-watcher", func(ctx context.Context) {
			if err := watcher.Run(ctx); err != nil {
				log.Error("Ingest watcher failed", logger.Error(err))
			}
		})
	}

	router := api.NewRouter(svc, queueStorage, ledgerStorage, registry, cfg, log)
	server := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: router.Routes(),
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Info("HTTP server listening", logger.String("addr", cfg.Server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info("Shutdown signal received")
	case err := <-serverErr:
		stop()
		log.Error("HTTP server failed", logger.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn("HTTP server shutdown incomplete", logger.Error(err))
	}

	wg.Wait()
	log.Info("Shutdown complete")
	return nil
}

func runLedgerSweep(ctx context.Context, ledger notify.LedgerStore, cfg *config.Config, log *logger.Logger) {
	interval := time.Duration(cfg.Ledger.SweepIntervalSeconds) * time.Second
	retention := time.Duration(cfg.Ledger.RetentionHours) * time.Hour

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := ledger.DeleteOlderThan(ctx, time.Now().Add(-retention)); err != nil {
				log.Warn("Ledger sweep failed", logger.Error(err))
			}
		}
	}
}
