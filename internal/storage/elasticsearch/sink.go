// Package elasticsearch indexes crawl records for search.
package elasticsearch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/elastic/go-elasticsearch/v9"
	"go.uber.org/zap"

	"github.com/JakeFAU/followgraph-crawler/internal/crawler"
	"github.com/JakeFAU/followgraph-crawler/internal/hash/sha256"
)

// Config selects the cluster and index names.
type Config struct {
	Addresses   []string
	Username    string
	Password    string
	IndexPrefix string
}

type indexer interface {
	EnsureIndex(ctx context.Context, index string) error
	Index(ctx context.Context, index, id string, doc any) error
}

type typedIndexer struct {
	client *elasticsearch.TypedClient
}

func (t typedIndexer) EnsureIndex(ctx context.Context, index string) error {
	exists, err := t.client.Indices.Exists(index).Do(ctx)
	if err != nil {
		return fmt.Errorf("check index %s: %w", index, err)
	}
	if exists {
		return nil
	}
	if _, err := t.client.Indices.Create(index).Do(ctx); err != nil {
		return fmt.Errorf("create index %s: %w", index, err)
	}
	return nil
}

func (t typedIndexer) Index(ctx context.Context, index, id string, doc any) error {
	_, err := t.client.Index(index).Id(id).Document(doc).Do(ctx)
	return err
}

// Sink writes profiles and relation pages to two indices.
type Sink struct {
	client    indexer
	profiles  string
	relations string
	hasher    *sha256.Hasher
	logger    *zap.Logger
}

type profileDoc struct {
	crawler.Profile
	RunID     string    `json:"run_id"`
	EmittedAt time.Time `json:"emitted_at"`
}

type relationDoc struct {
	crawler.RelationList
	RunID       string    `json:"run_id"`
	MemberCount int       `json:"member_count"`
	EmittedAt   time.Time `json:"emitted_at"`
}

// New connects a typed client and ensures both indices exist.
func New(ctx context.Context, cfg Config, logger *zap.Logger) (*Sink, error) {
	if len(cfg.Addresses) == 0 {
		return nil, fmt.Errorf("sinks.elasticsearch.addresses is required")
	}
	client, err := elasticsearch.NewTypedClient(elasticsearch.Config{
		Addresses: cfg.Addresses,
		Username:  cfg.Username,
		Password:  cfg.Password,
		Transport: &http.Transport{
			MaxIdleConnsPerHost:   10,
			ResponseHeaderTimeout: 30 * time.Second,
			IdleConnTimeout:       90 * time.Second,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("init elasticsearch client: %w", err)
	}
	return newSink(ctx, typedIndexer{client: client}, cfg.IndexPrefix, logger)
}

func newSink(ctx context.Context, client indexer, prefix string, logger *zap.Logger) (*Sink, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	prefix = strings.ToLower(strings.TrimSpace(prefix))
	if prefix == "" {
		prefix = "followgraph"
	}
	s := &Sink{
		client:    client,
		profiles:  prefix + "-profiles",
		relations: prefix + "-relations",
		hasher:    sha256.New(),
		logger:    logger.Named("elasticsearch"),
	}
	for _, idx := range []string{s.profiles, s.relations} {
		if err := client.EnsureIndex(ctx, idx); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Consume indexes every record. Profiles are keyed by ID so a re-crawl
// overwrites; relation pages are keyed by a digest of their content.
func (s *Sink) Consume(ctx context.Context, batch []crawler.Record) error {
	var errs []error
	for _, rec := range batch {
		var err error
		switch {
		case rec.Profile != nil:
			doc := profileDoc{Profile: *rec.Profile, RunID: rec.RunID, EmittedAt: rec.EmittedAt}
			err = s.client.Index(ctx, s.profiles, rec.Profile.ID, doc)
		case rec.Relation != nil:
			r := rec.Relation
			id := s.hasher.Key(rec.RunID, r.OwnerID, string(r.Direction), strings.Join(r.MemberIDs, ","))
			doc := relationDoc{RelationList: *r, RunID: rec.RunID, MemberCount: len(r.MemberIDs), EmittedAt: rec.EmittedAt}
			err = s.client.Index(ctx, s.relations, id, doc)
		default:
			err = fmt.Errorf("record %q has no payload", rec.Kind)
		}
		if err != nil {
			s.logger.Warn("index record failed", zap.String("key", rec.Key()), zap.Error(err))
			errs = append(errs, fmt.Errorf("index %s: %w", rec.Key(), err))
		}
	}
	return errors.Join(errs...)
}

// Close is a no-op; the typed client holds no resources needing release.
func (s *Sink) Close(context.Context) error {
	return nil
}
