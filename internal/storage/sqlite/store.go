// Package sqlite stores crawl records in an embedded SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/JakeFAU/followgraph-crawler/internal/crawler"
)

// DefaultFileName is used when Config.Path names a directory.
const DefaultFileName = "followgraph.db"

// Config configures the SQLite store.
type Config struct {
	// Path is the database file. Parent directories are created.
	Path string
	// DisableWAL keeps SQLite's default rollback journal.
	DisableWAL bool
}

// Store persists profiles, relation pages and the flattened edge set.
type Store struct {
	db   *sql.DB
	path string
}

// Open opens or creates the database and its schema.
func Open(cfg Config) (*Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("sinks.sqlite.path is required")
	}
	path := cfg.Path
	if info, err := os.Stat(path); err == nil && info.IsDir() {
		path = filepath.Join(path, DefaultFileName)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path+"?mode=rwc")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	if !cfg.DisableWAL {
		if _, err := db.ExecContext(context.Background(), "PRAGMA journal_mode=WAL"); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("enable WAL mode: %w", err)
		}
	}

	s := &Store{db: db, path: path}
	if err := s.createTables(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}
	return s, nil
}

func (s *Store) createTables(ctx context.Context) error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS profiles (
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
			emitted_at DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS relation_pages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL,
			owner_id TEXT NOT NULL,
			direction TEXT NOT NULL,
			member_count INTEGER NOT NULL,
			emitted_at DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS edges (
			owner_id TEXT NOT NULL,
			direction TEXT NOT NULL,
			member_id TEXT NOT NULL,
			run_id TEXT NOT NULL,
			PRIMARY KEY (owner_id, direction, member_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_edges_member ON edges(member_id)`,
	}
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// Consume writes the batch in a single transaction.
func (s *Store) Consume(ctx context.Context, batch []crawler.Record) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	for _, rec := range batch {
		switch {
		case rec.Profile != nil:
			err = upsertProfile(ctx, tx, rec)
		case rec.Relation != nil:
			err = insertRelation(ctx, tx, rec)
		default:
			err = fmt.Errorf("record %q has no payload", rec.Kind)
		}
		if err != nil {
			return err
		}
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func upsertProfile(ctx context.Context, tx *sql.Tx, rec crawler.Record) error {
	p := rec.Profile
	var followees, followers sql.NullInt64
	if p.CountsKnown {
		followees = sql.NullInt64{Int64: int64(p.FolloweeCount), Valid: true}
		followers = sql.NullInt64{Int64: int64(p.FollowerCount), Valid: true}
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO profiles (id, run_id, nickname, location, business, employment,
			position, education, gender, followee_count, follower_count, emitted_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			run_id = excluded.run_id,
			nickname = excluded.nickname,
			location = excluded.location,
			business = excluded.business,
			employment = excluded.employment,
			position = excluded.position,
			education = excluded.education,
			gender = excluded.gender,
			followee_count = excluded.followee_count,
			follower_count = excluded.follower_count,
			emitted_at = excluded.emitted_at`,
		p.ID, rec.RunID, p.Nickname, p.Location, p.Business, p.Employment,
		p.Position, p.Education, string(p.Gender), followees, followers, rec.EmittedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("upsert profile %s: %w", p.ID, err)
	}
	return nil
}

func insertRelation(ctx context.Context, tx *sql.Tx, rec crawler.Record) error {
	r := rec.Relation
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO relation_pages (run_id, owner_id, direction, member_count, emitted_at)
		VALUES (?, ?, ?, ?, ?)`,
		rec.RunID, r.OwnerID, string(r.Direction), len(r.MemberIDs), rec.EmittedAt.UTC(),
	); err != nil {
		return fmt.Errorf("insert relation page %s/%s: %w", r.OwnerID, r.Direction, err)
	}
	for _, member := range r.MemberIDs {
		if _, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO edges (owner_id, direction, member_id, run_id)
			VALUES (?, ?, ?, ?)`,
			r.OwnerID, string(r.Direction), member, rec.RunID,
		); err != nil {
			return fmt.Errorf("insert edge %s->%s: %w", r.OwnerID, member, err)
		}
	}
	return nil
}

// Members returns the stored members of owner's list in insertion order.
func (s *Store) Members(ctx context.Context, owner string, dir crawler.Direction) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT member_id FROM edges WHERE owner_id = ? AND direction = ? ORDER BY rowid`,
		owner, string(dir))
	if err != nil {
		return nil, fmt.Errorf("query edges: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var members []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan edge: %w", err)
		}
		members = append(members, id)
	}
	return members, rows.Err()
}

// Profile loads a stored profile. The second return is false when absent.
func (s *Store) Profile(ctx context.Context, id string) (crawler.Profile, bool, error) {
	var (
		p                    crawler.Profile
		gender               string
		followees, followers sql.NullInt64
		nick, loc, biz, emp  sql.NullString
		pos, edu             sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, nickname, location, business, employment, position, education,
			gender, followee_count, follower_count
		FROM profiles WHERE id = ?`, id,
	).Scan(&p.ID, &nick, &loc, &biz, &emp, &pos, &edu, &gender, &followees, &followers)
	if errors.Is(err, sql.ErrNoRows) {
		return crawler.Profile{}, false, nil
	}
	if err != nil {
		return crawler.Profile{}, false, fmt.Errorf("query profile: %w", err)
	}
	p.Nickname, p.Location, p.Business = nick.String, loc.String, biz.String
	p.Employment, p.Position, p.Education = emp.String, pos.String, edu.String
	p.Gender = crawler.Gender(gender)
	if followees.Valid && followers.Valid {
		p.FolloweeCount = int(followees.Int64)
		p.FollowerCount = int(followers.Int64)
		p.CountsKnown = true
	}
	return p, true, nil
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// Close closes the database connection.
func (s *Store) Close(context.Context) error {
	return s.db.Close()
}
