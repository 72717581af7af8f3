// Command animate renders a daily Sentinel-5P pollutant composite for every
// date of a range and assembles the frames into a looping GIF.
//
// Usage:
//
//	PROVIDER_URL=https://provider.example.com PROVIDER_TOKEN=... \
//	  animate -p SO2 -s 2020-01-01 -e 2020-01-31 -o out -w 360 -h 180
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	sharedobs "github.com/couchcryptid/storm-data-shared/observability"

	httpadapter "github.com/couchcryptid/s5p-animator/internal/adapter/http"
	kafkaadapter "github.com/couchcryptid/s5p-animator/internal/adapter/kafka"
	"github.com/couchcryptid/s5p-animator/internal/adapter/netcdf"
	"github.com/couchcryptid/s5p-animator/internal/adapter/provider"
	"github.com/couchcryptid/s5p-animator/internal/config"
	"github.com/couchcryptid/s5p-animator/internal/observability"
	"github.com/couchcryptid/s5p-animator/internal/pipeline"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		slog.Error("failed to load config", "error", err)
		return 1
	}

	logger := sharedobs.NewLogger(cfg.LogLevel, cfg.LogFormat)
	metrics := observability.NewMetrics()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client := provider.NewClient(cfg.ProviderURL, cfg.ProviderToken, cfg.ProviderTimeout, cfg.ProviderRateLimit, metrics, logger)
	if err := client.Open(ctx); err != nil {
		logger.Error("failed to open provider session", "error", err)
		return 1
	}

	var publisher pipeline.EventPublisher
	var writer *kafkaadapter.Writer
	if cfg.KafkaEnabled() {
		writer = kafkaadapter.NewWriter(cfg.KafkaBrokers, cfg.KafkaTopic, logger)
		publisher = writer
		logger.Info("run events enabled", "topic", cfg.KafkaTopic, "brokers", cfg.KafkaBrokers)
	}

	p := pipeline.New(client, netcdf.NewDecoder(logger), publisher, pipeline.Options{
		Workers:         cfg.Workers,
		FetchRetries:    cfg.FetchRetries,
		FetchBackoff:    cfg.FetchBackoff,
		FetchMaxBackoff: cfg.FetchMaxBackoff,
		FetchTimeout:    cfg.ProviderTimeout,
	}, logger, metrics)

	var srv *httpadapter.Server
	if cfg.HTTPAddr != "" {
		srv = httpadapter.NewServer(cfg.HTTPAddr, p, logger)
		go func() {
			if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("http server error", "error", err)
			}
		}()
	}

	res, runErr := p.Run(ctx, cfg.Run)
	if runErr != nil {
		logger.Error("run failed", "error", runErr, "rendered", len(res.Rendered), "skipped", len(res.Skipped))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if srv != nil {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("http server shutdown error", "error", err)
		}
	}
	if writer != nil {
		if err := writer.Close(); err != nil {
			logger.Error("kafka writer close error", "error", err)
		}
	}
	if err := client.Close(shutdownCtx); err != nil {
		logger.Error("provider session close error", "error", err)
	}

	if runErr != nil {
		return 1
	}
	fmt.Println(res.Animation.Path)
	return 0
}
