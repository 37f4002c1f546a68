package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/vulnwatch/cvesync/internal/classify"
	"github.com/vulnwatch/cvesync/internal/config"
	"github.com/vulnwatch/cvesync/internal/logging"
	"github.com/vulnwatch/cvesync/internal/metrics"
	"github.com/vulnwatch/cvesync/internal/nvd"
	"github.com/vulnwatch/cvesync/internal/pipeline"
	"github.com/vulnwatch/cvesync/internal/runlock"
	"github.com/vulnwatch/cvesync/internal/store"
	"github.com/vulnwatch/cvesync/internal/telemetry"
	"github.com/vulnwatch/cvesync/internal/transform"
	"github.com/vulnwatch/cvesync/internal/types"
	"github.com/vulnwatch/cvesync/internal/window"
)

func main() {
	var configFile string
	var mode string
	var databaseURL string
	var apiKey string
	var metricsAddr string
	var otelEndpoint string
	var otelInsecure bool
	var otelService string

	flag.StringVar(&configFile, "config", "", "path to config file (YAML or JSON)")
	flag.StringVar(&mode, "mode", "", "sync mode: full (historical load by published date) or incremental (sync by last modified)")
	flag.StringVar(&databaseURL, "database_url", "", "postgres connection string")
	flag.StringVar(&apiKey, "api_key", "", "feed API key (shorter rate-limit delay when set)")
	flag.StringVar(&metricsAddr, "metrics_addr", "", "metrics listen addr (empty to disable)")
	flag.StringVar(&otelEndpoint, "otel_endpoint", "", "OTLP HTTP endpoint (host:port)")
	flag.BoolVar(&otelInsecure, "otel_insecure", true, "OTLP insecure (no TLS)")
	flag.StringVar(&otelService, "otel_service", "", "OTEL service.name")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "cvesync - NVD vulnerability feed ingestion\n\n")
		fmt.Fprintf(os.Stderr, "Usage: %s -mode full|incremental [options]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  %s -mode full -config config.yaml\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s -mode incremental -database_url postgres://localhost/cvesync\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "\nEnvironment Variables:\n")
		fmt.Fprintf(os.Stderr, "  NVD_API_KEY   feed API key\n")
		fmt.Fprintf(os.Stderr, "  DATABASE_URL  postgres connection string\n")
		fmt.Fprintf(os.Stderr, "  REDIS_ADDR    redis server for the per-mode run lock\n")
	}
	flag.Parse()

	log := logging.New()
	defer log.Sync()

	syncMode := window.Mode(mode)
	if !syncMode.Valid() {
		flag.Usage()
		os.Exit(2)
	}

	var cfg *config.Config
	var err error
	if configFile != "" {
		cfg, err = config.LoadFromFile(configFile)
		if err != nil {
			log.Fatalw("failed to load config file", "file", configFile, "err", err)
		}
		log.Infow("loaded config from file", "file", configFile)
	} else {
		cfg = &config.Config{}
		cfg.SetDefaults()
	}
	cfg.LoadFromEnv()

	flags := map[string]interface{}{
		"database_url":  databaseURL,
		"api_key":       apiKey,
		"metrics_addr":  metricsAddr,
		"otel_endpoint": otelEndpoint,
		"otel_service":  otelService,
		"otel_insecure": otelInsecure,
	}
	cfg.MergeWithFlags(flags)

	if err := cfg.Validate(); err != nil {
		log.Fatalw("invalid configuration", "err", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	shutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.OTELService, cfg.OTELInsecure)
	if err != nil {
		log.Warnw("otel init failed", "err", err)
	} else {
		defer shutdown(context.Background())
	}

	if cfg.MetricsAddr != "" {
		go metrics.Serve(cfg.MetricsAddr, log)
		log.Infow("metrics server started", "addr", cfg.MetricsAddr)
	}

	st, err := store.Open(ctx, cfg.DatabaseURL, log)
	if err != nil {
		log.Fatalw("store init", "err", err)
	}
	defer st.Close()
	if err := st.EnsureSchema(ctx); err != nil {
		log.Fatalw("ensure schema", "err", err)
	}

	if cfg.RedisAddr != "" {
		lock, err := runlock.New(cfg.RedisAddr, mode, time.Duration(cfg.LockTTLSec)*time.Second)
		if err != nil {
			log.Fatalw("run lock init", "err", err)
		}
		held, err := lock.Acquire(ctx)
		if err != nil {
			log.Fatalw("run lock acquire", "err", err)
		}
		if !held {
			log.Fatalw("another run of this mode is active", "mode", mode)
		}
		defer lock.Release(context.Background())
		log.Infow("run lock acquired", "mode", mode)
	}

	fallback, _ := cfg.FallbackTime()
	planner := window.Planner{
		LookbackYears: cfg.LookbackYears,
		Chunk:         cfg.Chunk(),
		Fallback:      fallback,
	}
	client := nvd.NewClient(cfg.APIBaseURL, cfg.APIKey, cfg.PageSize, cfg.RequestTimeout(), log)
	tf := transform.New(classify.Current())

	p := pipeline.New(pipeline.NVDFeed{Client: client}, st, tf, planner, log)
	report, err := p.Run(ctx, syncMode)
	if err != nil {
		log.Fatalw("run aborted", "err", err)
	}
	if report.Status == types.StatusFailed {
		os.Exit(1)
	}
}
