package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/blogvault/archive-worker/internal/comments"
	"github.com/blogvault/archive-worker/internal/coordinator"
	"github.com/blogvault/archive-worker/internal/domains"
	"github.com/blogvault/archive-worker/internal/feed"
	"github.com/blogvault/archive-worker/internal/notifications"
	"github.com/blogvault/archive-worker/internal/observability"
	"github.com/blogvault/archive-worker/internal/upload"
	"github.com/blogvault/archive-worker/internal/worker"
)

// Config holds the worker configuration loaded from environment variables
type Config struct {
	MasterURL            string // Coordinator base URL
	UploadURL            string // Storage base URL for finished artifacts
	OutputDir            string // Directory batch artifacts are written to
	DomainsPath          string // Path to the domains list file
	DomainsListURL       string // Where to download the domains list from when missing
	DomainsExpectedSize  int64  // Expected size of the extracted domains list, 0 to skip the check
	BatchRunners         int    // Concurrent batch runners
	PoolWorkers          int    // Download pool size per accessible blog
	Env                  string // Environment (development/production)
	SentryDSN            string // Sentry DSN for error tracking
	LogLevel             string // Log level (debug, info, warn, error)
	SlackToken           string // Slack bot token for batch notifications
	SlackChannel         string // Slack channel for batch notifications
	ObservabilityEnabled bool   // Toggle OpenTelemetry + Prometheus exporters
	MetricsAddr          string // Address for Prometheus metrics endpoint (":9464" style)
	OTLPEndpoint         string // OTLP HTTP endpoint for trace export
	OTLPHeaders          string // Comma separated headers for OTLP exporter
	OTLPInsecure         bool   // Disable TLS verification for OTLP exporter
}

func main() {
	// Load .env files - .env.local takes priority for development
	godotenv.Load(".env.local", ".env")

	config := &Config{
		MasterURL:            os.Getenv("MASTER_URL"),
		UploadURL:            os.Getenv("UPLOAD_URL"),
		OutputDir:            getEnvWithDefault("OUTPUT_DIR", "output"),
		DomainsPath:          getEnvWithDefault("DOMAINS_FILE", "domains.txt"),
		DomainsListURL:       os.Getenv("DOMAINS_LIST_URL"),
		DomainsExpectedSize:  int64(getEnvInt("DOMAINS_EXPECTED_SIZE", 0)),
		BatchRunners:         getEnvInt("BATCH_RUNNERS", 1),
		PoolWorkers:          getEnvInt("POOL_WORKERS", 10),
		Env:                  getEnvWithDefault("APP_ENV", "development"),
		SentryDSN:            os.Getenv("SENTRY_DSN"),
		LogLevel:             getEnvWithDefault("LOG_LEVEL", "info"),
		SlackToken:           os.Getenv("SLACK_TOKEN"),
		SlackChannel:         os.Getenv("SLACK_CHANNEL"),
		ObservabilityEnabled: getEnvWithDefault("OBSERVABILITY_ENABLED", "true") == "true",
		MetricsAddr:          getEnvWithDefault("METRICS_ADDR", ":9464"),
		OTLPEndpoint:         os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		OTLPHeaders:          os.Getenv("OTEL_EXPORTER_OTLP_HEADERS"),
		OTLPInsecure:         getEnvWithDefault("OTEL_EXPORTER_OTLP_INSECURE", "false") == "true",
	}

	setupLogging(config)

	if config.MasterURL == "" {
		log.Fatal().Msg("MASTER_URL is required")
	}
	if config.UploadURL == "" {
		log.Fatal().Msg("UPLOAD_URL is required")
	}
	if config.BatchRunners < 1 {
		config.BatchRunners = 1
	}

	// Initialise Sentry for error tracking
	if config.SentryDSN != "" {
		err := sentry.Init(sentry.ClientOptions{
			Dsn:         config.SentryDSN,
			Environment: config.Env,
			TracesSampleRate: func() float64 {
				if config.Env == "production" {
					return 0.1 // 10% sampling in production
				}
				return 1.0 // 100% sampling in development
			}(),
			AttachStacktrace: true,
			Debug:            config.Env == "development",
		})
		if err != nil {
			log.Warn().Err(err).Msg("Failed to initialise Sentry")
		} else {
			log.Info().Str("environment", config.Env).Msg("Sentry initialised successfully")
			defer sentry.Flush(2 * time.Second)
		}
	} else {
		log.Warn().Msg("Sentry DSN not configured, error tracking disabled")
	}

	var metricsSrv *http.Server
	if config.ObservabilityEnabled {
		obsProviders, err := observability.Init(context.Background(), observability.Config{
			Enabled:        true,
			ServiceName:    "archive-worker",
			Environment:    config.Env,
			OTLPEndpoint:   strings.TrimSpace(config.OTLPEndpoint),
			OTLPHeaders:    parseOTLPHeaders(config.OTLPHeaders),
			OTLPInsecure:   config.OTLPInsecure,
			MetricsAddress: config.MetricsAddr,
		})
		if err != nil {
			log.Warn().Err(err).Msg("Failed to initialise observability providers")
		} else {
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				if err := obsProviders.Shutdown(shutdownCtx); err != nil {
					log.Warn().Err(err).Msg("Failed to flush telemetry providers cleanly")
				}
			}()

			if obsProviders.MetricsHandler != nil && config.MetricsAddr != "" {
				metricsSrv = &http.Server{
					Addr:              config.MetricsAddr,
					Handler:           obsProviders.MetricsHandler,
					ReadHeaderTimeout: 5 * time.Second,
				}

				go func() {
					log.Info().Str("addr", config.MetricsAddr).Msg("Metrics server listening")
					if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						sentry.CaptureException(err)
						log.Error().Err(err).Msg("Metrics server failed")
					}
				}()

				defer func() {
					ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					if err := metricsSrv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
						log.Warn().Err(err).Msg("Graceful shutdown of metrics server failed")
					}
				}()
			}
		}
	}

	if err := os.MkdirAll(config.OutputDir, 0o755); err != nil {
		log.Fatal().Err(err).Str("dir", config.OutputDir).Msg("Failed to create output directory")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	coord := coordinator.New(config.MasterURL)

	if config.DomainsListURL != "" {
		if err := domains.Ensure(ctx, config.DomainsPath, config.DomainsListURL, config.DomainsExpectedSize, coord.Retrier()); err != nil {
			sentry.CaptureException(err)
			log.Fatal().Err(err).Msg("Failed to prepare domains list")
		}
	}

	workerID := coord.GetWorkerID(ctx)
	if workerID == "" {
		log.Fatal().Msg("Coordinator did not return a worker ID")
	}
	log.Info().Str("worker_id", workerID).Int("version", worker.Version).Msg("Worker registered")

	feeds := feed.New(&http.Client{Timeout: 30 * time.Second})
	classifier := worker.NewClassifier(coord, feeds, comments.NewFeedFetcher(), workerID, config.PoolWorkers)
	uploader := upload.New(config.UploadURL)
	notifier := notifications.NewSlack(config.SlackToken, config.SlackChannel)
	source := domains.NewSource(config.DomainsPath)

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < config.BatchRunners; i++ {
		name := fmt.Sprintf("runner-%02d", i+1)
		runner := worker.NewRunner(coord, classifier, source, uploader, notifier, config.OutputDir, workerID, name)
		g.Go(func() error {
			return runner.Run(gctx)
		})
	}

	log.Info().
		Int("runners", config.BatchRunners).
		Int("pool_workers", config.PoolWorkers).
		Msg("Worker started")

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		sentry.CaptureException(err)
		log.Fatal().Err(err).Msg("Worker stopped with error")
	}
	log.Info().Msg("Worker stopped")
}

// getEnvWithDefault retrieves an environment variable or returns a default value if not set
func getEnvWithDefault(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// getEnvInt retrieves an environment variable as an integer or returns a default value if not set or invalid
func getEnvInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	var result int
	if _, err := fmt.Sscanf(value, "%d", &result); err != nil {
		log.Warn().
			Str("key", key).
			Str("value", value).
			Int("default", defaultValue).
			Msg("Invalid integer in environment variable, using default")
		return defaultValue
	}

	return result
}

func parseOTLPHeaders(raw string) map[string]string {
	headers := make(map[string]string)
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return headers
	}

	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}

		parts := strings.SplitN(pair, "=", 2)
		if len(parts) != 2 {
			continue
		}

		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])
		if key == "" {
			continue
		}

		headers[key] = value
	}

	return headers
}

// setupLogging configures the logging system
func setupLogging(config *Config) {
	level, err := zerolog.ParseLevel(config.LogLevel)
	if err != nil {
		level = zerolog.WarnLevel
	}
	zerolog.SetGlobalLevel(level)

	// Use console writer in development
	if config.Env == "development" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
	} else {
		log.Logger = zerolog.New(os.Stdout).
			With().
			Timestamp().
			Str("service", "archive-worker").
			Logger()
	}
}
