// Package postgres provides a Postgres-backed record sink.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/followgraph-crawler/internal/crawler"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config controls the Postgres connection pool and target tables.
type Config struct {
	DSN             string
	ProfileTable    string
	RelationTable   string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type execCloser interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Close()
}

// GraphStore upserts profiles and appends relation list pages.
type GraphStore struct {
	pool      execCloser
	profiles  string
	relations string
}

// NewGraphStore connects a pool using cfg.
func NewGraphStore(ctx context.Context, cfg Config) (*GraphStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("sinks.postgres.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	store, err := NewGraphStoreWithPool(pool, cfg.ProfileTable, cfg.RelationTable)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

// NewGraphStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewGraphStoreWithPool(pool execCloser, profileTable, relationTable string) (*GraphStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if profileTable == "" {
		profileTable = "profiles"
	}
	if relationTable == "" {
		relationTable = "relation_lists"
	}
	for _, table := range []string{profileTable, relationTable} {
		if !validTableName.MatchString(table) {
			return nil, fmt.Errorf("invalid table name %q", table)
		}
	}
	return &GraphStore{pool: pool, profiles: profileTable, relations: relationTable}, nil
}

// EnsureSchema creates the tables when absent.
func (s *GraphStore) EnsureSchema(ctx context.Context) error {
	statements := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id TEXT PRIMARY KEY,
	run_id TEXT NOT NULL,
	nickname TEXT,
	location TEXT,
	business TEXT,
	employment TEXT,
	position TEXT,
	education TEXT,
	gender TEXT NOT NULL,
	followee_count INTEGER,
	follower_count INTEGER,
	emitted_at TIMESTAMPTZ NOT NULL
)`, s.profiles),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id BIGSERIAL PRIMARY KEY,
	run_id TEXT NOT NULL,
	owner_id TEXT NOT NULL,
	direction TEXT NOT NULL,
	member_ids TEXT[] NOT NULL,
	emitted_at TIMESTAMPTZ NOT NULL
)`, s.relations),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_owner_idx ON %s (owner_id, direction)`, s.relations, s.relations),
	}
	for _, stmt := range statements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

// Consume writes each record. A failing record does not stop the rest of the
// batch; all failures are joined into the returned error.
func (s *GraphStore) Consume(ctx context.Context, batch []crawler.Record) error {
	var errs []error
	for _, rec := range batch {
		var err error
		switch {
		case rec.Profile != nil:
			err = s.upsertProfile(ctx, rec)
		case rec.Relation != nil:
			err = s.insertRelation(ctx, rec)
		default:
			err = fmt.Errorf("record %q has no payload", rec.Kind)
		}
		if err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *GraphStore) upsertProfile(ctx context.Context, rec crawler.Record) error {
	p := rec.Profile
	query := fmt.Sprintf(`
INSERT INTO %s (
	id,
	run_id,
	nickname,
	location,
	business,
	employment,
	position,
	education,
	gender,
	followee_count,
	follower_count,
	emitted_at
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12
)
ON CONFLICT (id) DO UPDATE SET
	run_id = EXCLUDED.run_id,
	nickname = EXCLUDED.nickname,
	location = EXCLUDED.location,
	business = EXCLUDED.business,
	employment = EXCLUDED.employment,
	position = EXCLUDED.position,
	education = EXCLUDED.education,
	gender = EXCLUDED.gender,
	followee_count = EXCLUDED.followee_count,
	follower_count = EXCLUDED.follower_count,
	emitted_at = EXCLUDED.emitted_at`, s.profiles)

	followees, followers := countArgs(p)
	args := []any{
		p.ID,
		rec.RunID,
		p.Nickname,
		p.Location,
		p.Business,
		p.Employment,
		p.Position,
		p.Education,
		string(p.Gender),
		followees,
		followers,
		rec.EmittedAt,
	}
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("upsert profile %s: %w", p.ID, err)
	}
	return nil
}

func (s *GraphStore) insertRelation(ctx context.Context, rec crawler.Record) error {
	r := rec.Relation
	query := fmt.Sprintf(`
INSERT INTO %s (
	run_id,
	owner_id,
	direction,
	member_ids,
	emitted_at
) VALUES (
	$1,$2,$3,$4,$5
)`, s.relations)

	members := r.MemberIDs
	if members == nil {
		members = []string{}
	}
	if _, err := s.pool.Exec(ctx, query, rec.RunID, r.OwnerID, string(r.Direction), members, rec.EmittedAt); err != nil {
		return fmt.Errorf("insert relation %s/%s: %w", r.OwnerID, r.Direction, err)
	}
	return nil
}

// countArgs maps unknown counts to SQL NULL.
func countArgs(p *crawler.Profile) (any, any) {
	if !p.CountsKnown {
		return nil, nil
	}
	return p.FolloweeCount, p.FollowerCount
}

// Close releases the underlying pool resources.
func (s *GraphStore) Close(context.Context) error {
	if s == nil || s.pool == nil {
		return nil
	}
	s.pool.Close()
	return nil
}
