// Package local implements a newline-delimited JSON record sink on the local filesystem.
package local

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/JakeFAU/followgraph-crawler/internal/crawler"
)

// File names written under BaseDir.
const (
	ProfilesFile  = "profiles.jsonl"
	RelationsFile = "relations.jsonl"
)

// Config captures the parameters for the local filesystem sink.
type Config struct {
	// BaseDir is the root directory where record files will be written.
	BaseDir string `mapstructure:"base_dir" yaml:"base_dir"`
}

// Sink appends profiles and relation lists to two JSONL files.
type Sink struct {
	mu        sync.Mutex
	baseDir   string
	profiles  *os.File
	relations *os.File
}

// New creates the base directory if needed, verifies it is writable and
// opens both files in append mode.
func New(cfg Config) (*Sink, error) {
	if strings.TrimSpace(cfg.BaseDir) == "" {
		return nil, fmt.Errorf("base directory is required")
	}

	info, err := os.Stat(cfg.BaseDir)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to stat base directory: %w", err)
		}
		if mkErr := os.MkdirAll(cfg.BaseDir, 0o750); mkErr != nil {
			return nil, fmt.Errorf("failed to create base directory: %w", mkErr)
		}
	} else if !info.IsDir() {
		return nil, fmt.Errorf("base directory path is not a directory")
	}

	profiles, err := openAppend(filepath.Join(cfg.BaseDir, ProfilesFile))
	if err != nil {
		return nil, err
	}
	relations, err := openAppend(filepath.Join(cfg.BaseDir, RelationsFile))
	if err != nil {
		_ = profiles.Close()
		return nil, err
	}
	return &Sink{baseDir: cfg.BaseDir, profiles: profiles, relations: relations}, nil
}

func openAppend(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("base directory is not writable: %w", err)
	}
	return f, nil
}

// Consume writes one JSON line per record, routed by kind.
func (s *Sink) Consume(_ context.Context, batch []crawler.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.profiles == nil {
		return errors.New("local sink is closed")
	}

	profileBuf := bufio.NewWriter(s.profiles)
	relationBuf := bufio.NewWriter(s.relations)
	profileEnc := json.NewEncoder(profileBuf)
	relationEnc := json.NewEncoder(relationBuf)
	for _, rec := range batch {
		var err error
		switch rec.Kind {
		case crawler.RecordProfile:
			err = profileEnc.Encode(rec)
		case crawler.RecordRelation:
			err = relationEnc.Encode(rec)
		default:
			err = fmt.Errorf("unknown record kind %q", rec.Kind)
		}
		if err != nil {
			return fmt.Errorf("encode record %s: %w", rec.Key(), err)
		}
	}
	if err := profileBuf.Flush(); err != nil {
		return fmt.Errorf("flush profiles: %w", err)
	}
	if err := relationBuf.Flush(); err != nil {
		return fmt.Errorf("flush relations: %w", err)
	}
	return nil
}

// Close syncs and closes both files.
func (s *Sink) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.profiles == nil {
		return nil
	}
	var errs []error
	for _, f := range []*os.File{s.profiles, s.relations} {
		if err := f.Sync(); err != nil {
			errs = append(errs, fmt.Errorf("sync %s: %w", f.Name(), err))
		}
		if err := f.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", f.Name(), err))
		}
	}
	s.profiles, s.relations = nil, nil
	return errors.Join(errs...)
}

// Dir returns the directory the sink writes to.
func (s *Sink) Dir() string {
	return s.baseDir
}
