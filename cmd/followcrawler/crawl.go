package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/followgraph-crawler/internal/api"
	"github.com/JakeFAU/followgraph-crawler/internal/clock/system"
	"github.com/JakeFAU/followgraph-crawler/internal/config"
	"github.com/JakeFAU/followgraph-crawler/internal/dispatcher"
	"github.com/JakeFAU/followgraph-crawler/internal/emit"
	collyfetcher "github.com/JakeFAU/followgraph-crawler/internal/fetcher/colly"
	"github.com/JakeFAU/followgraph-crawler/internal/id/uuid"
	"github.com/JakeFAU/followgraph-crawler/internal/interpret"
	"github.com/JakeFAU/followgraph-crawler/internal/logging"
	"github.com/JakeFAU/followgraph-crawler/internal/metrics"
	"github.com/JakeFAU/followgraph-crawler/internal/policy/ratelimit"
	"github.com/JakeFAU/followgraph-crawler/internal/session"
	"github.com/JakeFAU/followgraph-crawler/internal/telemetry"
	"github.com/JakeFAU/followgraph-crawler/internal/worker"
)

const flushTimeout = 30 * time.Second

type crawlOptions struct {
	seed        string
	maxProfiles int
}

func newCrawlCmd(cfgFile *string) *cobra.Command {
	opts := &crawlOptions{}
	cmd := &cobra.Command{
		Use:   "crawl",
		Short: "Log in and crawl the follow graph from the seed profile",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(*cfgFile, opts, cmd.Flags().Changed("max-profiles"))
			if err != nil {
				return err
			}
			return runCrawl(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVar(&opts.seed, "seed", "", "seed profile (id, path or absolute URL); overrides site.seed")
	cmd.Flags().IntVar(&opts.maxProfiles, "max-profiles", 0, "cap on profiles fetched; 0 is unlimited")
	return cmd
}

func loadConfig(path string, opts *crawlOptions, maxProfilesSet bool) (config.Config, error) {
	cfg, err := config.Read(path)
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	if opts.seed != "" {
		cfg.Site.Seed = opts.seed
	}
	if maxProfilesSet {
		cfg.Crawler.MaxProfiles = opts.maxProfiles
	}
	if cfg.Site.Seed == "" {
		return config.Config{}, errors.New("load config: a seed profile is required (--seed or site.seed)")
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func runCrawl(ctx context.Context, cfg config.Config) error {
	logger, err := logging.NewWithLevel(cfg.Logging.Development, cfg.Logging.Level)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()
	zap.ReplaceGlobals(logger)

	metrics.Init()

	tp, err := telemetry.InitTracerProvider(ctx, telemetry.Config{
		ServiceName: cfg.Telemetry.ServiceName,
		Version:     version,
		SampleRatio: cfg.Telemetry.SampleRatio,
	})
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		if shutdownErr := tp.Shutdown(context.Background()); shutdownErr != nil {
			logger.Warn("tracer shutdown failed", zap.Error(shutdownErr))
		}
	}()

	clock := system.New()
	ids := uuid.NewUUIDGenerator()
	runID, err := ids.NewID()
	if err != nil {
		return fmt.Errorf("generate run id: %w", err)
	}
	logger = logger.With(zap.String("run_id", runID))

	fetcher := collyfetcher.New(collyfetcher.Config{
		UserAgent:      cfg.Crawler.UserAgent,
		Timeout:        cfg.HTTPTimeout(),
		MaxRetries:     cfg.HTTP.MaxRetries,
		RetryBaseDelay: cfg.BackoffInitial(),
		RetryMaxDelay:  cfg.BackoffMax(),
		MaxBodySize:    cfg.HTTP.MaxBodyBytes,
	}, logger.Named("fetcher"))

	solver, err := buildSolver(cfg, clock, logger.Named("captcha"))
	if err != nil {
		return err
	}

	sinks, err := buildSinks(ctx, cfg, sinkDeps{
		ids:        ids,
		clock:      clock,
		registerer: prometheus.DefaultRegisterer,
	}, logger)
	if err != nil {
		return err
	}

	// Sinks keep flushing after a signal so buffered records are not lost.
	hub := emit.NewHub(emit.Config{
		BufferSize:      cfg.Emit.BufferSize,
		MaxBatchRecords: cfg.Emit.MaxBatchRecords,
		MaxBatchWait:    cfg.MaxBatchWait(),
		SinkTimeout:     cfg.SinkTimeout(),
		BaseContext:     context.WithoutCancel(ctx),
		Logger:          logger.Named("emit"),
	}, sinks...)
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), flushTimeout)
		defer cancel()
		if closeErr := hub.Close(flushCtx); closeErr != nil {
			logger.Warn("emit hub close failed", zap.Error(closeErr))
		}
		stats := hub.Stats()
		logger.Info("emit hub drained",
			zap.Int64("accepted", stats.Accepted),
			zap.Int64("flushed", stats.Flushed),
			zap.Int64("sink_errors", stats.SinkErrors),
		)
	}()

	machine, err := session.New(session.Config{
		LoginURL:         cfg.LoginURL(),
		CaptchaURL:       cfg.CaptchaURL(),
		SubmitURL:        cfg.SubmitURL(),
		IdentityField:    cfg.Auth.IdentityField,
		Identity:         cfg.Auth.Identity,
		Password:         cfg.Auth.Password,
		Scope:            runID,
		Headers:          cfg.Headers(),
		ChallengeTimeout: cfg.ChallengeTimeout(),
		MaxAttempts:      cfg.Auth.MaxAttempts,
	}, fetcher, solver, clock, logger.Named("session"))
	if err != nil {
		return fmt.Errorf("init session: %w", err)
	}

	interp, err := interpret.New(interpret.Config{
		BaseURL:  cfg.BaseURL(),
		PageSize: cfg.Site.PageSize,
		Headers:  cfg.Headers(),
	})
	if err != nil {
		return fmt.Errorf("init interpreter: %w", err)
	}

	limiter := ratelimit.New(ratelimit.Config{
		RequestsPerSecond: cfg.Crawler.RequestsPerSecond,
		Burst:             cfg.Crawler.Burst,
	})

	w, err := worker.New(fetcher, interp, hub, limiter, clock, worker.Config{RunID: runID}, logger.Named("worker"))
	if err != nil {
		return fmt.Errorf("init worker: %w", err)
	}

	d, err := dispatcher.New(dispatcher.Config{
		Seed:        cfg.SeedURL(),
		Headers:     cfg.Headers(),
		Concurrency: cfg.Crawler.Concurrency,
		MaxProfiles: cfg.Crawler.MaxProfiles,
	}, machine, w, logger.Named("dispatcher"))
	if err != nil {
		return fmt.Errorf("init dispatcher: %w", err)
	}

	if cfg.Server.Port > 0 {
		stopServer, serverErr := startOpsServer(ctx, cfg.Server.Port, api.Deps{
			RunID:   runID,
			Session: machine,
			Run:     d,
			Emit:    hub,
			IDs:     ids,
		}, logger.Named("api"))
		if serverErr != nil {
			return serverErr
		}
		defer stopServer()
	}

	logger.Info("crawl starting", zap.String("seed", cfg.SeedURL()), zap.Int("concurrency", cfg.Crawler.Concurrency))
	runErr := d.Run(ctx)
	stats := d.Stats()
	logger.Info("crawl finished",
		zap.Int("visited", stats.Visited),
		zap.Int("records", stats.Records),
		zap.Error(runErr),
	)

	switch {
	case runErr == nil:
		return nil
	case errors.Is(runErr, context.Canceled):
		logger.Info("crawl interrupted; draining sinks")
		return nil
	default:
		return fmt.Errorf("crawl: %w", runErr)
	}
}

// startOpsServer serves the ops API until the returned stop func is called.
func startOpsServer(ctx context.Context, port int, deps api.Deps, logger *zap.Logger) (func(), error) {
	srv, err := api.NewServer(deps, logger)
	if err != nil {
		return nil, fmt.Errorf("init ops api: %w", err)
	}
	serveCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := srv.Serve(serveCtx, fmt.Sprintf(":%d", port)); err != nil {
			logger.Error("ops api stopped", zap.Error(err))
		}
	}()
	return func() {
		cancel()
		<-done
	}, nil
}
