// Command dataset-cache serves cached dataset metadata and row samples,
// kept fresh by webhook events and warm/refresh sweeps.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/lmittmann/tint"

	"github.com/wolfeidau/dataset-cache/extract"
	"github.com/wolfeidau/dataset-cache/gate"
	"github.com/wolfeidau/dataset-cache/refresh"
	"github.com/wolfeidau/dataset-cache/report"
	"github.com/wolfeidau/dataset-cache/server"
	"github.com/wolfeidau/dataset-cache/store/cachedb"
	"github.com/wolfeidau/dataset-cache/store/jobqueue"
	"github.com/wolfeidau/dataset-cache/telemetry"
)

var version = "dev"

type globals struct {
	DataDir      string `help:"Directory holding the durable stores." default:"./data" env:"DATA_DIR"`
	CacheDBName  string `help:"Cache database file name." default:"cache.db" env:"CACHE_DB_NAME"`
	QueueDBName  string `help:"Queue database file name." default:"queue.db" env:"QUEUE_DB_NAME"`
	UpstreamURL  string `help:"Extraction service URL." default:"${upstream_url}" env:"UPSTREAM_URL"`
	CatalogURL   string `help:"Hub catalog listing URL." default:"${catalog_url}" env:"CATALOG_URL"`
	HubToken     string `help:"Bearer token for the hub and extraction service." env:"HUB_TOKEN"`
	RowsLimit    int    `help:"Rows extracted per split." default:"100" env:"ROWS_LIMIT"`
	LogLevel     string `help:"Log level (debug, info, warn, error)." default:"info" enum:"debug,info,warn,error" env:"LOG_LEVEL"`
	LogFormat    string `help:"Log format (text, json)." default:"text" enum:"text,json" env:"LOG_FORMAT"`
}

type serveCmd struct {
	Address       string        `help:"Address to listen on." default:":8080" env:"ADDRESS"`
	AuthToken     string        `help:"Bearer token required on the webhook endpoint." env:"WEBHOOK_AUTH_TOKEN"`
	Workers       int           `help:"Number of worker loops." default:"1" env:"WORKERS"`
	SleepInterval time.Duration `help:"Worker pause when idle or constrained." default:"15s" env:"WORKER_SLEEP_INTERVAL"`
	MaxLoadPct    float64       `help:"Max system load percent for admission." default:"70" env:"MAX_LOAD_PCT"`
	MaxMemoryPct  float64       `help:"Max memory usage percent for admission." default:"80" env:"MAX_MEMORY_PCT"`
	ClaimTTL      time.Duration `help:"Claimed jobs older than this are reclaimed." default:"15m" env:"CLAIM_TTL"`

	Prometheus   bool   `help:"Expose Prometheus metrics on /metrics." default:"true" env:"METRICS_PROMETHEUS"`
	OTLPEndpoint string `help:"OTLP gRPC endpoint for metric export." env:"OTLP_ENDPOINT"`
}

type warmCmd struct{}

type refreshCmd struct {
	Pct float64 `help:"Percentage of the catalog to refresh." default:"100"`
}

type cli struct {
	globals

	Serve   serveCmd   `cmd:"" help:"Run the HTTP server and worker loops."`
	Warm    warmCmd    `cmd:"" help:"Enqueue every catalog dataset absent from the cache."`
	Refresh refreshCmd `cmd:"" help:"Enqueue a random subset of the catalog."`

	Version kong.VersionFlag `help:"Print version and exit."`
}

func main() {
	var c cli
	ktx := kong.Parse(&c,
		kong.Name("dataset-cache"),
		kong.Description("Cache of dataset metadata and row samples."),
		kong.Vars{
			"version":      version,
			"upstream_url": extract.DefaultUpstreamURL,
			"catalog_url":  extract.DefaultCatalogURL,
		},
	)

	logger, err := newLogger(c.LogLevel, c.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	slog.SetDefault(logger)

	ktx.FatalIfErrorf(ktx.Run(&c.globals, logger))
}

func newLogger(level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level: %s", level)
	}

	var handler slog.Handler
	switch format {
	case "text":
		handler = tint.NewHandler(os.Stdout, &tint.Options{Level: lvl})
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	default:
		return nil, fmt.Errorf("invalid log format: %s", format)
	}
	return slog.New(handler), nil
}

// openStores opens the two durable stores under the data directory.
func openStores(g *globals, logger *slog.Logger, queueOpts ...jobqueue.Option) (*cachedb.DB, *jobqueue.Queue, error) {
	if err := os.MkdirAll(g.DataDir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("creating data directory: %w", err)
	}

	cache := cachedb.New(cachedb.WithLogger(logger.With("component", "cachedb")))
	if err := cache.Open(filepath.Join(g.DataDir, g.CacheDBName)); err != nil {
		return nil, nil, fmt.Errorf("opening cache store: %w", err)
	}

	queueOpts = append(queueOpts, jobqueue.WithLogger(logger.With("component", "jobqueue")))
	queue := jobqueue.New(queueOpts...)
	if err := queue.Open(filepath.Join(g.DataDir, g.QueueDBName)); err != nil {
		_ = cache.Close()
		return nil, nil, fmt.Errorf("opening job queue: %w", err)
	}

	return cache, queue, nil
}

func newUpstream(g *globals) *extract.Upstream {
	opts := []extract.UpstreamOption{
		extract.WithUpstreamURL(g.UpstreamURL),
		extract.WithCatalogURL(g.CatalogURL),
	}
	if g.HubToken != "" {
		opts = append(opts, extract.WithBearerToken(g.HubToken))
	}
	return extract.NewUpstream(opts...)
}

func (c *serveCmd) Run(g *globals, logger *slog.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownMetrics, err := telemetry.InitMetrics(ctx, telemetry.MetricsConfig{
		ServiceName:      "dataset-cache",
		ServiceVersion:   version,
		OTLPEndpoint:     c.OTLPEndpoint,
		EnablePrometheus: c.Prometheus,
	})
	if err != nil {
		return fmt.Errorf("initializing metrics: %w", err)
	}

	cache, queue, err := openStores(g, logger, jobqueue.WithClaimTTL(c.ClaimTTL))
	if err != nil {
		return err
	}
	defer func() {
		_ = queue.Close()
		_ = cache.Close()
	}()

	upstream := newUpstream(g)
	runner := refresh.NewRunner(cache, upstream,
		refresh.WithRowsLimit(g.RowsLimit),
		refresh.WithLogger(logger.With("component", "refresh")),
	)

	workerCfg := refresh.WorkerConfig{
		SleepInterval: c.SleepInterval,
		MaxLoadPct:    c.MaxLoadPct,
		MaxMemoryPct:  c.MaxMemoryPct,
	}
	g8 := gate.New(gate.WithLogger(logger.With("component", "gate")))

	workers := make([]*refresh.Worker, 0, c.Workers)
	for range max(c.Workers, 1) {
		w := refresh.NewWorker(queue, g8, runner, workerCfg, logger.With("component", "worker"))
		w.Start(ctx)
		workers = append(workers, w)
	}

	srv := server.New(server.Config{
		Address:   c.Address,
		AuthToken: c.AuthToken,
		Logger:    logger.With("component", "server"),
	}, cache, queue, runner, report.New(cache))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	logger.Info("dataset cache started",
		"version", version,
		"address", srv.Address(),
		"workers", len(workers),
		"data_dir", g.DataDir,
	)

	select {
	case sig := <-sigCh:
		logger.Info("received signal, shutting down", "signal", sig.String())
	case err := <-errCh:
		return err
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown failed", "error", err)
	}
	for _, w := range workers {
		if err := w.Stop(shutdownCtx); err != nil {
			logger.Error("worker shutdown failed", "error", err)
		}
	}
	return shutdownMetrics(shutdownCtx)
}

func (c *warmCmd) Run(g *globals, logger *slog.Logger) error {
	cache, queue, err := openStores(g, logger)
	if err != nil {
		return err
	}
	defer func() {
		_ = queue.Close()
		_ = cache.Close()
	}()

	bulk := refresh.NewBulkEnqueuer(newUpstream(g), cache, queue, logger)
	enqueued, err := bulk.Warm(context.Background())
	if err != nil {
		return err
	}
	logger.Info("warm complete", "enqueued", enqueued)
	return nil
}

func (c *refreshCmd) Run(g *globals, logger *slog.Logger) error {
	cache, queue, err := openStores(g, logger)
	if err != nil {
		return err
	}
	defer func() {
		_ = queue.Close()
		_ = cache.Close()
	}()

	bulk := refresh.NewBulkEnqueuer(newUpstream(g), cache, queue, logger)
	enqueued, err := bulk.Refresh(context.Background(), c.Pct)
	if err != nil {
		return err
	}
	logger.Info("refresh complete", "pct", c.Pct, "enqueued", enqueued)
	return nil
}
