package main

import (
	"context"
	"errors"
	"fmt"

	gcsstorage "cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/JakeFAU/followgraph-crawler/internal/captcha"
	"github.com/JakeFAU/followgraph-crawler/internal/config"
	"github.com/JakeFAU/followgraph-crawler/internal/crawler"
	"github.com/JakeFAU/followgraph-crawler/internal/emit"
	emitsinks "github.com/JakeFAU/followgraph-crawler/internal/emit/sinks"
	"github.com/JakeFAU/followgraph-crawler/internal/publisher"
	pubsubpublisher "github.com/JakeFAU/followgraph-crawler/internal/publisher/pubsub"
	"github.com/JakeFAU/followgraph-crawler/internal/storage/elasticsearch"
	"github.com/JakeFAU/followgraph-crawler/internal/storage/gcs"
	"github.com/JakeFAU/followgraph-crawler/internal/storage/local"
	"github.com/JakeFAU/followgraph-crawler/internal/storage/postgres"
	"github.com/JakeFAU/followgraph-crawler/internal/storage/sqlite"
)

type sinkDeps struct {
	ids        crawler.IDGenerator
	clock      crawler.Clock
	registerer prometheus.Registerer
}

func buildSolver(cfg config.Config, clock crawler.Clock, logger *zap.Logger) (crawler.Solver, error) {
	switch cfg.Captcha.Mode {
	case config.CaptchaModeStatic:
		return captcha.Static{Answer: cfg.Captcha.Answer}, nil
	case config.CaptchaModePrompt:
		solver, err := captcha.NewPrompt(cfg.Captcha.ImageDir, clock, captcha.AskTerminal, logger)
		if err != nil {
			return nil, fmt.Errorf("init captcha prompt: %w", err)
		}
		return solver, nil
	default:
		return nil, fmt.Errorf("unknown captcha mode %q", cfg.Captcha.Mode)
	}
}

// buildSinks opens every enabled sink. On failure the sinks opened so far
// are closed before returning.
func buildSinks(ctx context.Context, cfg config.Config, deps sinkDeps, logger *zap.Logger) (sinks []emit.Sink, err error) {
	defer func() {
		if err == nil {
			return
		}
		for _, s := range sinks {
			_ = s.Close(ctx)
		}
		sinks = nil
	}()

	sc := cfg.Sinks
	if sc.Log {
		sinks = append(sinks, emitsinks.NewLogSink(logger.Named("records")))
	}
	if sc.Prometheus {
		s, err := emitsinks.NewPrometheusSink(deps.registerer)
		if err != nil {
			return sinks, fmt.Errorf("init prometheus sink: %w", err)
		}
		sinks = append(sinks, s)
	}
	if sc.Local.Enabled {
		s, err := local.New(local.Config{BaseDir: sc.Local.BaseDir})
		if err != nil {
			return sinks, fmt.Errorf("init local sink: %w", err)
		}
		logger.Info("local sink opened", zap.String("dir", s.Dir()))
		sinks = append(sinks, s)
	}
	if sc.GCS.Enabled {
		s, err := openGCSSink(ctx, sc.GCS, deps)
		if err != nil {
			return sinks, err
		}
		sinks = append(sinks, s)
	}
	if sc.Postgres.Enabled {
		store, err := postgres.NewGraphStore(ctx, postgres.Config{
			DSN:           sc.Postgres.DSN,
			ProfileTable:  sc.Postgres.ProfileTable,
			RelationTable: sc.Postgres.RelationTable,
			MaxConns:      sc.Postgres.MaxConns,
		})
		if err != nil {
			return sinks, fmt.Errorf("init postgres sink: %w", err)
		}
		sinks = append(sinks, store)
		if sc.Postgres.EnsureSchema {
			if err := store.EnsureSchema(ctx); err != nil {
				return sinks, fmt.Errorf("ensure postgres schema: %w", err)
			}
		}
	}
	if sc.SQLite.Enabled {
		store, err := sqlite.Open(sqlite.Config{Path: sc.SQLite.Path})
		if err != nil {
			return sinks, fmt.Errorf("init sqlite sink: %w", err)
		}
		logger.Info("sqlite sink opened", zap.String("path", store.Path()))
		sinks = append(sinks, store)
	}
	if sc.Elasticsearch.Enabled {
		s, err := elasticsearch.New(ctx, elasticsearch.Config{
			Addresses:   sc.Elasticsearch.Addresses,
			Username:    sc.Elasticsearch.Username,
			Password:    sc.Elasticsearch.Password,
			IndexPrefix: sc.Elasticsearch.IndexPrefix,
		}, logger.Named("elasticsearch"))
		if err != nil {
			return sinks, fmt.Errorf("init elasticsearch sink: %w", err)
		}
		sinks = append(sinks, s)
	}
	if sc.PubSub.Enabled {
		pub, err := pubsubpublisher.Dial(ctx, sc.PubSub.ProjectID, sc.PubSub.Topic)
		if err != nil {
			return sinks, fmt.Errorf("init pubsub sink: %w", err)
		}
		s, err := publisher.NewSink(pub, sc.PubSub.Topic, logger.Named("pubsub"))
		if err != nil {
			_ = pub.Close()
			return sinks, fmt.Errorf("init pubsub sink: %w", err)
		}
		sinks = append(sinks, s)
	}

	if len(sinks) == 0 {
		return nil, errors.New("no record sinks enabled")
	}
	return sinks, nil
}

// gcsSink owns the storage client it writes through.
type gcsSink struct {
	*gcs.Sink
	client *gcsstorage.Client
}

func (s gcsSink) Close(ctx context.Context) error {
	return errors.Join(s.Sink.Close(ctx), s.client.Close())
}

func openGCSSink(ctx context.Context, cfg config.GCSSinkConfig, deps sinkDeps) (emit.Sink, error) {
	client, err := gcsstorage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("init gcs client: %w", err)
	}
	s, err := gcs.New(client, gcs.Config{Bucket: cfg.Bucket, Prefix: cfg.Prefix}, deps.ids, deps.clock)
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("init gcs sink: %w", err)
	}
	return gcsSink{Sink: s, client: client}, nil
}
