package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/mintwatch/mintwatch/internal/api"
	"github.com/mintwatch/mintwatch/internal/bus"
	"github.com/mintwatch/mintwatch/internal/config"
	"github.com/mintwatch/mintwatch/internal/feed"
	"github.com/mintwatch/mintwatch/internal/metrics"
	"github.com/mintwatch/mintwatch/internal/platform"
	"github.com/mintwatch/mintwatch/internal/processor"
	"github.com/mintwatch/mintwatch/internal/sink"
	"github.com/mintwatch/mintwatch/internal/sink/memory"
	"github.com/mintwatch/mintwatch/internal/sink/postgres"
	"github.com/mintwatch/mintwatch/internal/token"
	"github.com/mintwatch/mintwatch/internal/tracker"
	"github.com/mintwatch/mintwatch/internal/trend"
)

const shutdownTimeout = 15 * time.Second

func runServe(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	noDB, _ := cmd.Flags().GetBool("no-db")
	logLevel, _ := cmd.Flags().GetString("log-level")

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	setLogLevel(cfg.LogLevel)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("validate config: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := metrics.Default()
	eventBus := bus.New(256)

	store, err := buildSink(ctx, &cfg, noDB)
	if err != nil {
		return err
	}
	defer store.Close()

	detector := platform.NewDetector(platform.Config{
		CacheTTL:         cfg.Detector.CacheTTL,
		FallbackPlatform: token.Platform(cfg.Detector.FallbackPlatform),
		LookupRPS:        cfg.Detector.LookupRPS,
	}, buildDetectorCache(&cfg), platform.WithMetrics(m))
	defer detector.Shutdown()

	trk, err := tracker.New(cfg.Tracker, eventBus, store, tracker.WithMetrics(m))
	if err != nil {
		return fmt.Errorf("build tracker: %w", err)
	}

	proc := processor.New(processor.Config{
		QueueCapacity:  cfg.Processor.QueueCapacity,
		BatchSize:      cfg.Processor.BatchSize,
		FlushInterval:  cfg.Processor.FlushInterval,
		DedupWindow:    cfg.Processor.DedupWindow,
		SubmitDeadline: cfg.Processor.SubmitDeadline,
	}, trk, store, detector, m)

	analyzer := trend.New(cfg.Analyzer, store, trk, trend.WithMetrics(m))

	feedClient, err := feed.NewClient(feed.Config{
		URL:                  cfg.Feed.URL,
		ReconnectDelay:       cfg.Feed.ReconnectDelay,
		MaxReconnectAttempts: cfg.Feed.MaxReconnectAttempts,
		HeartbeatInterval:    cfg.Feed.HeartbeatInterval,
		ConnectTimeout:       cfg.Feed.ConnectTimeout,
	}, func(ev token.Event) {
		if err := proc.Submit(ev); err != nil {
			log.Warn().Err(err).Str("kind", string(ev.Kind)).Msg("Event dropped at ingestion")
		}
	}, m)
	if err != nil {
		return fmt.Errorf("build feed client: %w", err)
	}

	server, err := api.New(cfg.HTTP, trk, proc, feedClient, store, nil)
	if err != nil {
		return fmt.Errorf("build api server: %w", err)
	}

	// Untracked mints must stop producing trade traffic.
	cleanedUp := eventBus.Subscribe(bus.TopicTokenCleanedUp)
	go func() {
		for msg := range cleanedUp.C {
			ev, ok := msg.Payload.(tracker.CleanedUpEvent)
			if !ok {
				continue
			}
			analyzer.Forget(ev.Mint)
			if err := feedClient.Unsubscribe([]string{ev.Mint}); err != nil {
				log.Debug().Err(err).Str("mint", ev.Mint).Msg("Feed unsubscribe failed")
			}
		}
	}()

	proc.Start()
	trk.Start()
	analyzer.Start()
	go func() {
		if err := server.Start(); err != nil {
			log.Error().Err(err).Msg("HTTP server failed")
			cancel()
		}
	}()

	if err := feedClient.Connect(ctx); err != nil {
		log.Warn().Err(err).Msg("Initial feed connect failed, reconnect loop takes over")
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("Shutting down")
	case <-feedClient.Terminal():
		log.Error().Msg("Feed connection permanently lost, shutting down")
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	// Order matters: stop intake first, then drain, then the rest.
	if err := feedClient.Disconnect(); err != nil {
		log.Warn().Err(err).Msg("Feed disconnect failed")
	}
	proc.Stop()
	analyzer.Stop()
	trk.Stop()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("HTTP shutdown failed")
	}
	eventBus.Close()
	log.Info().Msg("Shutdown complete")
	return nil
}

func buildSink(ctx context.Context, cfg *config.Config, noDB bool) (sink.Sink, error) {
	if noDB || cfg.Database.DSN == "" {
		log.Warn().Msg("Using in-memory sink, history will not survive restarts")
		return memory.New(), nil
	}

	store, err := postgres.New(ctx, postgres.Config{
		DSN:          cfg.Database.DSN,
		MaxOpenConns: cfg.Database.MaxOpenConns,
		MaxIdleConns: cfg.Database.MaxIdleConns,
		QueryTimeout: cfg.Database.QueryTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := store.EnsureSchema(ctx); err != nil {
		store.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	return store, nil
}

func buildDetectorCache(cfg *config.Config) platform.Cache {
	if cfg.Redis.Addr == "" {
		return platform.NewMemoryCache(10000)
	}
	client := redis.NewClient(&redis.Options{
		Addr: cfg.Redis.Addr,
		DB:   cfg.Redis.DB,
	})
	log.Info().Str("addr", cfg.Redis.Addr).Msg("Using Redis detector cache")
	return platform.NewRedisCache(client)
}
