package config

import (
	"errors"
	"os"
	"strconv"
	"time"

	sharedcfg "github.com/couchcryptid/storm-data-shared/config"
)

// Config holds all service settings, populated from environment variables.
type Config struct {
	KafkaBrokers     []string
	KafkaReportTopic string
	KafkaAlertTopic  string
	KafkaGroupID     string
	KafkaEnabled     bool
	HTTPAddr         string
	LogLevel         string
	LogFormat        string
	ShutdownTimeout  time.Duration

	BatchSize          int
	BatchFlushInterval time.Duration

	// Mapbox geocoding configuration.
	MapboxToken    string
	MapboxEnabled  bool
	MapboxTimeout  time.Duration
	MapboxCacheTTL time.Duration

	// Core configuration.
	PolicyFile          string // empty uses built-in thresholds
	SafePlacesFile      string // empty uses the embedded Mumbai directory
	AlertDBPath         string // empty disables the SQLite alert archive
	AlertLogRetention   int
	SubmitRatePerMinute int
	GeoTileZoom         int
}

// Load reads configuration from environment variables, applying defaults where unset.
func Load() (*Config, error) {
	shutdownTimeout, err := sharedcfg.ParseShutdownTimeout()
	if err != nil {
		return nil, err
	}

	mapboxTimeout, err := parseDuration("MAPBOX_TIMEOUT", "5s")
	if err != nil {
		return nil, err
	}
	mapboxCacheTTL, err := parseDuration("MAPBOX_CACHE_TTL", "24h")
	if err != nil {
		return nil, err
	}

	batchSize, err := sharedcfg.ParseBatchSize()
	if err != nil {
		return nil, err
	}

	flushInterval, err := sharedcfg.ParseBatchFlushInterval()
	if err != nil {
		return nil, err
	}

	retention, err := parseNonNegative("ALERT_LOG_RETENTION", 10000)
	if err != nil {
		return nil, err
	}
	submitRate, err := parseNonNegative("SUBMIT_RATE_PER_MINUTE", 10)
	if err != nil {
		return nil, err
	}
	zoom, err := parseNonNegative("GEO_TILE_ZOOM", 13)
	if err != nil {
		return nil, err
	}
	if zoom < 1 || zoom > 20 {
		return nil, errors.New("GEO_TILE_ZOOM must be between 1 and 20")
	}

	mapboxToken := os.Getenv("MAPBOX_TOKEN")
	mapboxEnabled := mapboxToken != ""
	if v := os.Getenv("MAPBOX_ENABLED"); v != "" {
		mapboxEnabled = v == "true"
	}

	cfg := &Config{
		KafkaBrokers:       sharedcfg.ParseBrokers(sharedcfg.EnvOrDefault("KAFKA_BROKERS", "localhost:9092")),
		KafkaReportTopic:   sharedcfg.EnvOrDefault("KAFKA_REPORT_TOPIC", "hazard-reports"),
		KafkaAlertTopic:    sharedcfg.EnvOrDefault("KAFKA_ALERT_TOPIC", "hazard-alerts"),
		KafkaGroupID:       sharedcfg.EnvOrDefault("KAFKA_GROUP_ID", "harbor-hazard-core"),
		KafkaEnabled:       sharedcfg.EnvOrDefault("KAFKA_ENABLED", "true") == "true",
		HTTPAddr:           sharedcfg.EnvOrDefault("HTTP_ADDR", ":8080"),
		LogLevel:           sharedcfg.EnvOrDefault("LOG_LEVEL", "info"),
		LogFormat:          sharedcfg.EnvOrDefault("LOG_FORMAT", "json"),
		ShutdownTimeout:    shutdownTimeout,
		BatchSize:          batchSize,
		BatchFlushInterval: flushInterval,

		MapboxToken:    mapboxToken,
		MapboxEnabled:  mapboxEnabled,
		MapboxTimeout:  mapboxTimeout,
		MapboxCacheTTL: mapboxCacheTTL,

		PolicyFile:          os.Getenv("POLICY_FILE"),
		SafePlacesFile:      os.Getenv("SAFE_PLACES_FILE"),
		AlertDBPath:         os.Getenv("ALERT_DB_PATH"),
		AlertLogRetention:   retention,
		SubmitRatePerMinute: submitRate,
		GeoTileZoom:         zoom,
	}

	if cfg.KafkaEnabled {
		if len(cfg.KafkaBrokers) == 0 {
			return nil, errors.New("KAFKA_BROKERS is required")
		}
		if cfg.KafkaReportTopic == "" {
			return nil, errors.New("KAFKA_REPORT_TOPIC is required")
		}
		if cfg.KafkaAlertTopic == "" {
			return nil, errors.New("KAFKA_ALERT_TOPIC is required")
		}
	}
	if cfg.MapboxEnabled && cfg.MapboxToken == "" {
		return nil, errors.New("MAPBOX_ENABLED is true but MAPBOX_TOKEN is not set")
	}

	return cfg, nil
}

func parseDuration(key, def string) (time.Duration, error) {
	d, err := time.ParseDuration(sharedcfg.EnvOrDefault(key, def))
	if err != nil || d <= 0 {
		return 0, errors.New("invalid " + key)
	}
	return d, nil
}

func parseNonNegative(key string, def int) (int, error) {
	s := os.Getenv(key)
	if s == "" {
		return def, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, errors.New("invalid " + key)
	}
	return n, nil
}
