// Package gcs provides a record sink backed by Google Cloud Storage. Each
// flushed batch becomes one newline-delimited JSON object.
package gcs

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"cloud.google.com/go/storage"

	"github.com/JakeFAU/followgraph-crawler/internal/crawler"
)

// Config captures the parameters required to write to GCS.
type Config struct {
	Bucket string
	Prefix string
}

// objectWriterFunc opens a writer for one object.
type objectWriterFunc func(ctx context.Context, bucket, object, contentType string) io.WriteCloser

// Sink writes record batches to a configured GCS bucket.
type Sink struct {
	newWriter objectWriterFunc
	bucket    string
	prefix    string
	ids       crawler.IDGenerator
	clock     crawler.Clock
}

// New creates a GCS-backed sink.
func New(client *storage.Client, cfg Config, ids crawler.IDGenerator, clock crawler.Clock) (*Sink, error) {
	if client == nil {
		return nil, fmt.Errorf("storage client is required")
	}
	return newSink(func(ctx context.Context, bucket, object, contentType string) io.WriteCloser {
		w := client.Bucket(bucket).Object(object).NewWriter(ctx)
		w.ContentType = contentType
		return w
	}, cfg, ids, clock)
}

func newSink(newWriter objectWriterFunc, cfg Config, ids crawler.IDGenerator, clock crawler.Clock) (*Sink, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	if ids == nil || clock == nil {
		return nil, fmt.Errorf("id generator and clock are required")
	}
	return &Sink{
		newWriter: newWriter,
		bucket:    cfg.Bucket,
		prefix:    strings.Trim(cfg.Prefix, "/"),
		ids:       ids,
		clock:     clock,
	}, nil
}

// Consume uploads the batch as one NDJSON object.
func (s *Sink) Consume(ctx context.Context, batch []crawler.Record) error {
	if len(batch) == 0 {
		return nil
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, rec := range batch {
		if err := enc.Encode(rec); err != nil {
			return fmt.Errorf("encode record %s: %w", rec.Key(), err)
		}
	}
	name, err := s.objectName(batch[0].RunID)
	if err != nil {
		return err
	}

	writer := s.newWriter(ctx, s.bucket, name, "application/x-ndjson")
	if _, err := io.Copy(writer, &buf); err != nil {
		closeErr := writer.Close()
		if closeErr != nil {
			return fmt.Errorf("copy object: %w (close writer: %v)", err, closeErr)
		}
		return fmt.Errorf("copy object: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("close writer: %w", err)
	}
	return nil
}

// objectName lays batches out as <prefix>/<run>/<yyyy-mm-dd>/<id>.ndjson.
func (s *Sink) objectName(runID string) (string, error) {
	id, err := s.ids.NewID()
	if err != nil {
		return "", fmt.Errorf("object id: %w", err)
	}
	if runID == "" {
		runID = "unknown-run"
	}
	name := fmt.Sprintf("%s/%s/%s.ndjson", runID, s.clock.Now().UTC().Format("2006-01-02"), id)
	if s.prefix != "" {
		name = s.prefix + "/" + name
	}
	return name, nil
}

// Close implements the sink interface; the storage client is owned by the caller.
func (s *Sink) Close(context.Context) error {
	return nil
}
