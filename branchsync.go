package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/maxpert/branchsync/admin"
	"github.com/maxpert/branchsync/cachestore"
	"github.com/maxpert/branchsync/cfg"
	"github.com/maxpert/branchsync/clock"
	"github.com/maxpert/branchsync/connections"
	"github.com/maxpert/branchsync/notify"
	"github.com/maxpert/branchsync/publisher"
	_ "github.com/maxpert/branchsync/publisher/sink"
	"github.com/maxpert/branchsync/records"
	"github.com/maxpert/branchsync/splitstore"
	"github.com/maxpert/branchsync/sqlstore"
	"github.com/maxpert/branchsync/telemetry"
	"github.com/maxpert/branchsync/updatelog"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const metricsCollectInterval = 10 * time.Second

// stats feeds the gauges refreshed by the metrics collector
type stats struct {
	*connections.Registry
	store *splitstore.Store
}

func (s stats) DirtyStats(ctx context.Context) (int64, int, error) {
	return s.store.DirtyStats(ctx)
}

func main() {
	flag.Parse()

	// Load configuration
	err := cfg.Load(*cfg.ConfigPathFlag)
	if err != nil {
		panic(err)
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		panic(fmt.Sprintf("Invalid configuration: %v", err))
	}

	// Setup logging
	var writer io.Writer = zerolog.NewConsoleWriter()
	if cfg.Config.Logging.Format == "json" {
		writer = os.Stdout
	}
	gLog := zerolog.New(writer).
		With().
		Timestamp().
		Uint64("node_id", cfg.Config.NodeID).
		Logger()

	if cfg.Config.Logging.Verbose {
		log.Logger = gLog.Level(zerolog.DebugLevel)
	} else {
		log.Logger = gLog.Level(zerolog.InfoLevel)
	}

	log.Info().Msg("branchsync - real-time branch synchronization")
	log.Debug().Msg("Initializing telemetry")
	telemetry.InitializeTelemetry()

	clk := clock.NewSystem()
	limits := records.StaticLimits(records.Limits{
		MaxBranchSizeInBytes: cfg.Config.Limits.MaxBranchSizeInBytes,
		MaxInstSizeInBytes:   cfg.Config.Limits.MaxInstSizeInBytes,
	})

	// Ephemeral branch cache
	log.Info().Str("path", cfg.CachePath()).Msg("Opening branch cache")
	cache, err := cachestore.Open(cfg.CachePath(), cachestore.Options{
		DB: updatelog.DBOptions{
			CacheSizeMB:    cfg.Config.Cache.CacheSizeMB,
			MemTableSizeMB: cfg.Config.Cache.MemTableSizeMB,
		},
		Clock:        clk,
		Limits:       limits,
		Sync:         cfg.Config.Cache.SyncWrites,
		ListPageSize: cfg.Config.Durable.ListPageSize,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open branch cache")
		return
	}

	// Durable inst/branch store
	log.Info().Str("driver", string(cfg.Config.Durable.Driver)).Msg("Opening durable store")
	durable, err := sqlstore.Open(sqlstore.Options{
		Driver:        cfg.Config.Durable.Driver,
		DSN:           cfg.DurableDSN(),
		BusyTimeoutMS: cfg.Config.Durable.BusyTimeoutMS,
		ListPageSize:  cfg.Config.Durable.ListPageSize,
		Clock:         clk,
		Limits:        limits,
	})
	if err != nil {
		cache.Close()
		log.Fatal().Err(err).Msg("Failed to open durable store")
		return
	}

	// Branch lifecycle events
	var events *publisher.Publisher
	if cfg.Config.Publisher.Enabled {
		log.Info().Str("sink", cfg.Config.Publisher.Sink).Msg("Starting event publisher")
		events, err = publisher.NewFromConfig(cfg.Config.Publisher, cfg.PublisherPath(), cfg.Config.NodeID)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create event publisher")
			return
		}
		events.Start()
		defer events.Stop()
	}

	hub := notify.NewHub()
	storeOpts := splitstore.Options{Hub: hub}
	if events != nil {
		storeOpts.Events = events
	}
	store := splitstore.New(cache, durable, storeOpts)
	defer store.Close()

	// Dirty branch flusher
	var flusher *splitstore.Flusher
	if cfg.Config.Flush.Enabled {
		flusher = splitstore.NewFlusher(store,
			time.Duration(cfg.Config.Flush.IntervalSeconds)*time.Second,
			time.Duration(cfg.Config.Flush.TimeoutSeconds)*time.Second,
		)
		flusher.Start()
		defer flusher.Stop()
		log.Info().Int("interval_seconds", cfg.Config.Flush.IntervalSeconds).Msg("Dirty branch flusher started")
	}

	// Connection registry
	registry, err := connections.NewRegistry(connections.Options{
		Clock:                  clk,
		ExpireGrace:            time.Duration(cfg.Config.Connections.ExpireGraceSeconds) * time.Second,
		AuthorizationTTL:       time.Duration(cfg.Config.Connections.AuthorizationTTLSeconds) * time.Second,
		AuthorizationCacheSize: cfg.Config.Connections.AuthorizationCacheSize,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create connection registry")
		return
	}
	registry.StartJanitor(time.Duration(cfg.Config.Connections.SweepIntervalSeconds) * time.Second)
	defer registry.Stop()

	collector := telemetry.NewMetricsCollector(stats{Registry: registry, store: store}, metricsCollectInterval)
	collector.Start()
	defer collector.Stop()

	// Admin API and metrics
	var adminServer *http.Server
	if cfg.Config.Admin.Enabled {
		mux := http.NewServeMux()
		var trigger admin.FlushTrigger
		if flusher != nil {
			trigger = flusher
		}
		admin.RegisterRoutes(mux, admin.NewAdminHandlers(store, registry, hub, trigger), cfg.Config.Admin.Secret)
		if h := telemetry.GetMetricsHandler(); h != nil {
			mux.Handle("/metrics", h)
		}

		adminServer = &http.Server{
			Addr:              fmt.Sprintf("%s:%d", cfg.Config.Admin.BindAddress, cfg.Config.Admin.Port),
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			if err := adminServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error().Err(err).Msg("Admin server stopped")
			}
		}()
	}

	log.Info().
		Uint64("node_id", cfg.Config.NodeID).
		Int("admin_port", cfg.Config.Admin.Port).
		Str("data_dir", cfg.Config.DataDir).
		Msg("Node is operational")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info().Str("signal", sig.String()).Msg("Shutting down")

	if adminServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := adminServer.Shutdown(ctx); err != nil {
			log.Warn().Err(err).Msg("Admin server shutdown")
		}
		cancel()
	}
}
