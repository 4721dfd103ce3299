package gcs

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/followgraph-crawler/internal/crawler"
)

type bufferWriter struct {
	bytes.Buffer
	closed   bool
	closeErr error
}

func (w *bufferWriter) Close() error {
	w.closed = true
	return w.closeErr
}

type staticIDs struct{ id string }

func (s staticIDs) NewID() (string, error) { return s.id, nil }

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

func TestSinkUploadsBatchAsNDJSON(t *testing.T) {
	t.Parallel()

	var (
		gotBucket, gotObject, gotType string
		writer                        = &bufferWriter{}
	)
	sink, err := newSink(func(_ context.Context, bucket, object, contentType string) io.WriteCloser {
		gotBucket, gotObject, gotType = bucket, object, contentType
		return writer
	}, Config{Bucket: "graph", Prefix: "/crawls/"}, staticIDs{id: "0190"}, fixedClock{t: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)})
	require.NoError(t, err)

	batch := []crawler.Record{
		{Kind: crawler.RecordProfile, RunID: "run-9", Profile: &crawler.Profile{ID: "a"}},
		{Kind: crawler.RecordRelation, RunID: "run-9", Relation: &crawler.RelationList{OwnerID: "a", Direction: crawler.DirectionFollowee, MemberIDs: []string{"b"}}},
	}
	require.NoError(t, sink.Consume(context.Background(), batch))

	require.Equal(t, "graph", gotBucket)
	require.Equal(t, "crawls/run-9/2024-05-01/0190.ndjson", gotObject)
	require.Equal(t, "application/x-ndjson", gotType)
	require.True(t, writer.closed)

	scanner := bufio.NewScanner(bytes.NewReader(writer.Bytes()))
	var lines int
	for scanner.Scan() {
		var rec crawler.Record
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &rec))
		lines++
	}
	require.Equal(t, 2, lines)
}

func TestSinkReportsCloseError(t *testing.T) {
	t.Parallel()

	writer := &bufferWriter{closeErr: errors.New("precondition failed")}
	sink, err := newSink(func(context.Context, string, string, string) io.WriteCloser {
		return writer
	}, Config{Bucket: "graph"}, staticIDs{id: "x"}, fixedClock{})
	require.NoError(t, err)

	err = sink.Consume(context.Background(), []crawler.Record{{Kind: crawler.RecordProfile, Profile: &crawler.Profile{ID: "a"}}})
	require.ErrorContains(t, err, "precondition failed")
	require.NoError(t, sink.Consume(context.Background(), nil))
}

func TestNewValidates(t *testing.T) {
	t.Parallel()

	_, err := New(nil, Config{Bucket: "b"}, staticIDs{}, fixedClock{})
	require.Error(t, err)
	_, err = newSink(nil, Config{}, staticIDs{}, fixedClock{})
	require.Error(t, err)
}
