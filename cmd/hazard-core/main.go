package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	httpadapter "github.com/couchcryptid/harbor-hazard-core/internal/adapter/http"
	kafkaadapter "github.com/couchcryptid/harbor-hazard-core/internal/adapter/kafka"
	"github.com/couchcryptid/harbor-hazard-core/internal/adapter/mapbox"
	"github.com/couchcryptid/harbor-hazard-core/internal/adapter/sqlite"
	"github.com/couchcryptid/harbor-hazard-core/internal/alerting"
	"github.com/couchcryptid/harbor-hazard-core/internal/config"
	"github.com/couchcryptid/harbor-hazard-core/internal/credibility"
	"github.com/couchcryptid/harbor-hazard-core/internal/dedup"
	"github.com/couchcryptid/harbor-hazard-core/internal/domain"
	"github.com/couchcryptid/harbor-hazard-core/internal/observability"
	"github.com/couchcryptid/harbor-hazard-core/internal/pipeline"
	"github.com/couchcryptid/harbor-hazard-core/internal/places"
	"github.com/couchcryptid/harbor-hazard-core/internal/policy"
	"github.com/couchcryptid/harbor-hazard-core/internal/service"
	sharedobs "github.com/couchcryptid/storm-data-shared/observability"
	"github.com/paulmach/orb/maptile"
)

type alwaysReady struct{}

func (alwaysReady) CheckReadiness(context.Context) error { return nil }

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg)
	metrics := observability.NewMetrics()

	pol, err := policy.Load(cfg.PolicyFile)
	if err != nil {
		logger.Error("failed to load policy", "error", err)
		os.Exit(1)
	}

	dir := places.New()
	var n int
	if cfg.SafePlacesFile != "" {
		n, err = dir.LoadFile(cfg.SafePlacesFile)
	} else {
		n, err = dir.LoadDefaults()
	}
	if err != nil {
		logger.Error("failed to load safe places", "error", err)
		os.Exit(1)
	}
	logger.Info("safe places loaded", "count", n)

	// Initialize geocoder (feature-flagged via MAPBOX_ENABLED / MAPBOX_TOKEN).
	var geocoder domain.Geocoder
	if cfg.MapboxEnabled {
		client := mapbox.NewClient(cfg.MapboxToken, cfg.MapboxTimeout, metrics, logger)
		geocoder = mapbox.NewCachedGeocoder(client, cfg.MapboxCacheTTL, metrics)
		metrics.GeocodeEnabled.Set(1)
		logger.Info("mapbox geocoding enabled", "cache_ttl", cfg.MapboxCacheTTL, "timeout", cfg.MapboxTimeout)
	} else {
		logger.Info("mapbox geocoding disabled")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var sinks []alerting.Sink
	var writer *kafkaadapter.Writer
	if cfg.KafkaEnabled {
		writer = kafkaadapter.NewWriter(cfg, logger)
		sinks = append(sinks, writer)
	}

	alertLog := alerting.NewLog(cfg.AlertLogRetention)
	var archive *sqlite.Archive
	if cfg.AlertDBPath != "" {
		archive, err = sqlite.Open(cfg.AlertDBPath, logger)
		if err != nil {
			logger.Error("failed to open alert archive", "error", err)
			os.Exit(1)
		}
		if err := restoreAlertLog(ctx, archive, alertLog, cfg.AlertLogRetention); err != nil {
			logger.Error("failed to restore alert log", "error", err)
			os.Exit(1)
		}
		logger.Info("alert log restored", "path", cfg.AlertDBPath, "last_sequence", alertLog.Last())
		sinks = append(sinks, archive)
	}

	cred := credibility.New()
	dispatcher := alerting.NewDispatcher(pol.Dispatch, dir, alertLog, sinks, logger, metrics)
	engine, err := dedup.New(dedup.Config{
		Policy:       pol.Dedup,
		Verification: pol.Verification,
		Zoom:         maptile.Zoom(cfg.GeoTileZoom),
	}, cred, dispatcher, logger, metrics)
	if err != nil {
		logger.Error("invalid policy", "error", err)
		os.Exit(1)
	}
	svc := service.New(engine, dispatcher, cred, dir, service.Options{
		Geocoder:            geocoder,
		SubmitRatePerMinute: cfg.SubmitRatePerMinute,
	}, logger, metrics)

	var ready sharedobs.ReadinessChecker = alwaysReady{}
	var reader *kafkaadapter.Reader
	var p *pipeline.Pipeline
	if cfg.KafkaEnabled {
		reader = kafkaadapter.NewReader(cfg, logger)
		p = pipeline.New(reader, svc, logger, metrics, cfg.BatchSize)
		ready = p
	}

	srv := httpadapter.NewServer(cfg.HTTPAddr, svc, ready, logger)

	// Start HTTP server.
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", "error", err)
		}
	}()

	dispatchDone := make(chan struct{})
	go func() {
		defer close(dispatchDone)
		if err := dispatcher.Run(ctx); err != nil {
			logger.Error("dispatcher error", "error", err)
		}
	}()

	pipelineDone := make(chan struct{})
	go func() {
		defer close(pipelineDone)
		if p == nil {
			return
		}
		if err := p.Run(ctx); err != nil {
			logger.Error("pipeline error", "error", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "error", err)
	}
	for _, done := range []chan struct{}{pipelineDone, dispatchDone} {
		select {
		case <-done:
		case <-shutdownCtx.Done():
			logger.Warn("shutdown timeout waiting for workers")
		}
	}
	if reader != nil {
		if err := reader.Close(); err != nil {
			logger.Error("kafka reader close error", "error", err)
		}
	}
	if writer != nil {
		if err := writer.Close(); err != nil {
			logger.Error("kafka writer close error", "error", err)
		}
	}
	if archive != nil {
		if err := archive.Close(); err != nil {
			logger.Error("alert archive close error", "error", err)
		}
	}

	logger.Info("shutdown complete")
}

// restoreAlertLog reloads the most recent archived alerts so sequences keep
// increasing across restarts.
func restoreAlertLog(ctx context.Context, archive *sqlite.Archive, log *alerting.Log, retention int) error {
	last, err := archive.LastSequence(ctx)
	if err != nil || last == 0 {
		return err
	}
	var after uint64
	if retention > 0 && last > uint64(retention) {
		after = last - uint64(retention)
	}
	alerts, err := archive.Since(ctx, after, 0)
	if err != nil {
		return err
	}
	log.Restore(alerts)
	return nil
}
