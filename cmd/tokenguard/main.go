package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/earthboundkid/versioninfo/v2"
	"github.com/getsentry/sentry-go"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/lmittmann/tint"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/riverqueue/river"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"

	"github.com/dynoinc/tokenguard/internal/assist"
	"github.com/dynoinc/tokenguard/internal/background"
	"github.com/dynoinc/tokenguard/internal/background/archive_worker"
	"github.com/dynoinc/tokenguard/internal/background/sweep_worker"
	"github.com/dynoinc/tokenguard/internal/errorlog"
	"github.com/dynoinc/tokenguard/internal/fallback"
	"github.com/dynoinc/tokenguard/internal/llm"
	"github.com/dynoinc/tokenguard/internal/metrics"
	"github.com/dynoinc/tokenguard/internal/otel/trace"
	"github.com/dynoinc/tokenguard/internal/retry"
	"github.com/dynoinc/tokenguard/internal/storage"
	"github.com/dynoinc/tokenguard/internal/usage"
)

type Config struct {
	DevMode  bool       `split_words:"true" default:"true"`
	LogLevel slog.Level `split_words:"true" default:"info"`

	// Backend is "memory" or "postgres".
	Backend  string `default:"memory"`
	Database storage.DatabaseConfig

	Usage      usage.Config
	Retry      retry.Config
	ErrorLog   errorlog.Config
	Background background.Config
	LLM        llm.Config
	Assist     assist.Config
	Trace      trace.Config

	SentryDSN   string `split_words:"true"`
	MetricsAddr string `split_words:"true" default:"127.0.0.1:9090"`
}

func main() {
	help := flag.Bool("help", false, "Show help")
	summarize := flag.String("summarize", "", "Summarize the given file and exit")
	tags := flag.String("tags", "", "Suggest tags for the given file and exit")
	user := flag.String("user", "cli", "User the one-shot request is accounted to")
	flag.Parse()

	if *help {
		_ = envconfig.Usage("tokenguard", &Config{})
		return
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "error loading .env file: %v\n", err)
		os.Exit(1)
	}

	var c Config
	if err := envconfig.Process("tokenguard", &c); err != nil {
		fmt.Fprintf(os.Stderr, "error loading configuration: %v\n", err)
		os.Exit(1)
	}

	slog.SetDefault(slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      c.LogLevel,
		TimeFormat: time.Kitchen,
	})))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := setup(ctx, c)
	if err != nil {
		slog.Error("error setting up", "error", err)
		os.Exit(1)
	}
	defer a.close()

	switch {
	case *summarize != "":
		err = runOnce(*summarize, func(content string) (any, error) {
			return a.assist.Summarize(ctx, *user, content)
		})
	case *tags != "":
		err = runOnce(*tags, func(content string) (any, error) {
			return a.assist.SuggestTags(ctx, *user, content)
		})
	default:
		err = a.serve(ctx, cancel, c)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("error running tokenguard", "error", err)
		os.Exit(1)
	}
}

type app struct {
	registry *prometheus.Registry
	monitor  *usage.Monitor
	logger   *errorlog.Logger
	assist   *assist.Service

	riverClient *river.Client[pgx.Tx]
	sweeper     *background.Sweeper
	closers     []func()
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

func setup(ctx context.Context, c Config) (*app, error) {
	version := versioninfo.Short()
	slog.InfoContext(ctx, "starting tokenguard", "version", version, "backend", c.Backend)

	a := &app{registry: prometheus.NewRegistry()}
	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(a.registry)

	if c.SentryDSN != "" {
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:              c.SentryDSN,
			Environment:      c.ErrorLog.Environment,
			Release:          version,
			EnableTracing:    true,
			TracesSampleRate: c.Trace.SampleRate,
		}); err != nil {
			return nil, fmt.Errorf("initializing sentry: %w", err)
		}
		a.closers = append(a.closers, func() { sentry.Flush(2 * time.Second) })
	}

	tp, err := trace.NewTracerProvider(ctx, c.Trace, trace.Options{
		ServiceName:    "tokenguard",
		ServiceVersion: version,
		Sentry:         c.SentryDSN != "",
	})
	if err != nil {
		return nil, err
	}
	otel.SetTracerProvider(tp)
	a.closers = append(a.closers, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tp.Shutdown(shutdownCtx)
	})

	// Stores
	var (
		ledger  usage.Ledger = usage.NewMemoryLedger()
		archive *storage.ErrorArchive
		pool    *pgxpool.Pool
	)
	switch c.Backend {
	case "memory":
	case "postgres":
		if c.DevMode {
			if err := storage.StartPostgresContainer(ctx, c.Database); err != nil {
				return nil, fmt.Errorf("setting up dev database: %w", err)
			}
		}
		if pool, err = storage.New(ctx, c.Database.URL()); err != nil {
			return nil, fmt.Errorf("setting up database: %w", err)
		}
		a.closers = append(a.closers, pool.Close)
		ledger = storage.NewUsageLedger(pool)
		archive = storage.NewErrorArchive(pool)
	default:
		return nil, fmt.Errorf("unknown backend %q", c.Backend)
	}

	usageStore := usage.NewStore(ledger, c.Usage)
	a.monitor = usage.NewMonitor(usageStore, m, c.Usage.ReservationTTL)

	// Error log and alerting
	errorStore := errorlog.NewStore(c.ErrorLog.StoreOptions()...)
	channels := []errorlog.Channel{errorlog.LogChannel{}}
	alertClient := &http.Client{Timeout: 10 * time.Second, Transport: otelhttp.NewTransport(http.DefaultTransport)}
	if c.ErrorLog.SlackWebhookURL != "" {
		channels = append(channels, errorlog.NewSlackChannel(c.ErrorLog.SlackWebhookURL, alertClient))
	}
	if c.ErrorLog.WebhookURL != "" {
		channels = append(channels, errorlog.NewWebhookChannel(c.ErrorLog.WebhookURL, alertClient))
	}
	if c.SentryDSN != "" {
		channels = append(channels, errorlog.NewSentryChannel(nil))
	}

	rules := defaultRules(channels)
	if c.ErrorLog.RulesFile != "" {
		if rules, err = errorlog.LoadRules(c.ErrorLog.RulesFile); err != nil {
			return nil, err
		}
	}
	for _, r := range rules {
		if _, err := errorStore.AddRule(r); err != nil {
			return nil, err
		}
	}

	fallbackTracker := fallback.NewTracker(m, nil)
	targets := []background.Target{
		{Name: "usage", Prune: usageStore.Prune},
		{Name: "error_log", Prune: func(context.Context) (int, error) { return errorStore.Prune(), nil }},
		{Name: "fallback", Prune: func(context.Context) (int, error) { return fallbackTracker.Prune(), nil }},
	}

	var sink errorlog.Sink
	if archive != nil {
		targets = append(targets, background.Target{Name: "error_archive", Prune: func(ctx context.Context) (int, error) {
			return archive.PurgeOlderThan(ctx, time.Now().Add(-c.ErrorLog.Retention))
		}})

		workers := river.NewWorkers()
		river.AddWorker(workers, archive_worker.New(archive))
		river.AddWorker(workers, archive_worker.NewResolveWorker(archive))
		river.AddWorker(workers, sweep_worker.New(m, targets...))
		periodicJobs, err := background.PeriodicJobs(c.Background)
		if err != nil {
			return nil, err
		}
		if a.riverClient, err = background.New(pool, c.Background, workers, periodicJobs); err != nil {
			return nil, fmt.Errorf("setting up background worker: %w", err)
		}
		sink = background.NewSink(a.riverClient)
	} else {
		if a.sweeper, err = background.NewSweeper(c.Background.SweepSchedule, m, targets...); err != nil {
			return nil, err
		}
	}

	a.logger = errorlog.NewLogger(errorStore, errorlog.LoggerOptions{
		Environment: c.ErrorLog.Environment,
		Version:     version,
		Dispatcher:  errorlog.NewDispatcher(c.ErrorLog.Dispatch, m, channels...),
		Sink:        sink,
		Metrics:     m,
	})

	// AI path
	client := llm.New(c.LLM, tp)
	if c.DevMode {
		if err := client.EnsureModel(ctx); err != nil {
			return nil, fmt.Errorf("setting up model: %w", err)
		}
	}
	orchestrator := retry.New(c.Retry, a.monitor, a.logger, retry.WithMetrics(m), retry.WithTracerProvider(tp))
	a.assist = assist.New(c.Assist, client, orchestrator, fallback.NewProvider(), fallbackTracker)
	return a, nil
}

func (a *app) serve(ctx context.Context, cancel context.CancelFunc, c Config) error {
	wg, ctx := errgroup.WithContext(ctx)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}))
	server := &http.Server{
		BaseContext: func(listener net.Listener) context.Context { return ctx },
		Addr:        c.MetricsAddr,
		Handler:     otelhttp.NewHandler(mux, "metrics"),
	}

	if a.riverClient != nil {
		wg.Go(func() error {
			slog.InfoContext(ctx, "starting river client")
			if err := a.riverClient.Start(ctx); err != nil {
				return fmt.Errorf("starting river client: %w", err)
			}
			<-ctx.Done()
			stopCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
			defer stop()
			return a.riverClient.Stop(stopCtx)
		})
	}
	if a.sweeper != nil {
		wg.Go(func() error {
			slog.InfoContext(ctx, "starting sweeper", "schedule", c.Background.SweepSchedule)
			return a.sweeper.Run(ctx)
		})
	}
	wg.Go(func() error {
		slog.InfoContext(ctx, "starting metrics server", "addr", c.MetricsAddr)
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server error: %w", err)
		}
		return nil
	})
	wg.Go(func() error {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

		select {
		case <-ctx.Done():
		case <-sig:
			slog.InfoContext(ctx, "shutting down")
			cancel()
		}

		shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
		defer stop()
		return server.Shutdown(shutdownCtx)
	})

	return wg.Wait()
}

func runOnce(path string, op func(content string) (any, error)) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}

	result, err := op(string(b))
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}
