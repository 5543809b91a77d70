// Package main is the entry point for the order book integrity monitor.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/fd1az/obmonitor/internal/apm"
	"github.com/fd1az/obmonitor/internal/config"
	"github.com/fd1az/obmonitor/internal/exchange"
	"github.com/fd1az/obmonitor/internal/health"
	"github.com/fd1az/obmonitor/internal/healthtrack"
	"github.com/fd1az/obmonitor/internal/incident"
	"github.com/fd1az/obmonitor/internal/instrument"
	"github.com/fd1az/obmonitor/internal/logger"
	"github.com/fd1az/obmonitor/internal/metrics"
	"github.com/fd1az/obmonitor/internal/pipeline"
	"github.com/fd1az/obmonitor/internal/recorder"
	"github.com/fd1az/obmonitor/internal/statusapi"
)

var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	// Load .env file if present (ignore error if not found)
	_ = godotenv.Load()

	configPath := flag.String("config", "", "Path to configuration file")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *showVersion {
		fmt.Printf("obmonitor %s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		fmt.Fprintf(os.Stderr, "received shutdown signal: %v\n", sig)
		cancel()
	}()

	if err := run(ctx, *configPath); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logLevel := logger.LevelInfo
	switch cfg.App.LogLevel {
	case "debug":
		logLevel = logger.LevelDebug
	case "warn":
		logLevel = logger.LevelWarn
	case "error":
		logLevel = logger.LevelError
	}
	log := logger.NewConsole(logLevel, cfg.App.Name)
	log.Info(ctx, "starting order book integrity monitor",
		"version", version,
		"environment", cfg.App.Environment,
		"symbols", cfg.Exchange.Symbols,
	)

	var traceProvider apm.TraceProvider
	if cfg.Telemetry.Enabled {
		if cfg.Telemetry.ServiceName != "" {
			os.Setenv("OTEL_SERVICE_NAME", cfg.Telemetry.ServiceName)
		}
		if cfg.Telemetry.OTLPEndpoint != "" {
			os.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", cfg.Telemetry.OTLPEndpoint)
		}

		traceProvider = apm.NewTraceProvider(log, apm.WithProvider(apm.ZipkinProvider, log))
		log.Info(ctx, "tracing initialized", "provider", "zipkin", "endpoint", cfg.Telemetry.OTLPEndpoint)

		metrics.NewMetricProvider(
			metrics.WithServiceName(cfg.Telemetry.ServiceName),
			metrics.WithProviderConfig(metrics.ProviderCfg{
				Provider: metrics.PrometheusProvider,
			}),
		)

		port := cfg.Telemetry.PrometheusPort
		if port == 0 {
			port = 9090
		}
		go metrics.ServePrometheusMetrics(metrics.WithPort(strconv.Itoa(port)))
		log.Info(ctx, "prometheus metrics server started", "port", port)
	}
	defer func() {
		if traceProvider != nil {
			traceProvider.Stop()
		}
	}()

	// Process liveness/readiness, separate from the per-symbol domain
	// health exposed through the status API.
	healthServer := health.NewServer(8081, version)
	if err := healthServer.Start(); err != nil {
		log.Warn(ctx, "failed to start liveness server", "error", err)
	} else {
		log.Info(ctx, "liveness server started", "port", 8081)
	}
	defer healthServer.Stop(ctx)

	registry := instrument.NewRegistry()
	tracker := healthtrack.New(cfg.Exchange.ExpectedInterval)
	session := recorder.NewSession(recorder.NewRing(cfg.Recording.RingSize))
	bundler := incident.New(cfg.Incident.Directory)

	exCfg := exchange.DefaultConfig(cfg.Exchange.WebSocketURL, cfg.Exchange.Symbols)
	exCfg.Depth = cfg.Exchange.Depth
	exCfg.InitialBackoff = cfg.Exchange.InitialBackoff
	exCfg.MaxBackoff = cfg.Exchange.MaxBackoff
	exCfg.HandshakeTimeout = cfg.Exchange.HandshakeTimeout
	exCfg.CooldownDuration = cfg.Exchange.CooldownDuration
	exCfg.ResyncFailThreshold = cfg.Exchange.ResyncFailThreshold
	ex := exchange.New(exCfg, registry, log)

	pipe := pipeline.New(pipeline.DefaultConfig(cfg.Exchange.Symbols, cfg.Exchange.Depth), ex, registry, tracker, session, bundler, log)
	healthServer.RegisterCheck("exchange", func(ctx context.Context) (bool, string) {
		overall := pipe.OverallHealth()
		return overall.Status != healthtrack.StatusFail, string(overall.Status)
	})

	api := statusapi.New(cfg.StatusAPI.ListenAddr, pipe, log)
	if err := api.Start(); err != nil {
		return fmt.Errorf("failed to start status api: %w", err)
	}
	log.Info(ctx, "status api started", "addr", cfg.StatusAPI.ListenAddr)
	defer api.Stop(ctx)

	log.Info(ctx, "connecting to exchange feed", "url", cfg.Exchange.WebSocketURL)
	err = pipe.Run(ctx)
	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("pipeline stopped: %w", err)
	}

	log.Info(ctx, "shutting down")
	return nil
}
