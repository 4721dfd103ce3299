// Package worker processes one crawl task: fetch, interpret, emit.
package worker

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/followgraph-crawler/internal/crawler"
	"github.com/JakeFAU/followgraph-crawler/internal/interpret"
	"github.com/JakeFAU/followgraph-crawler/internal/metrics"
	"github.com/JakeFAU/followgraph-crawler/internal/session"
	"github.com/JakeFAU/followgraph-crawler/internal/telemetry"
)

// Fetch outcome labels.
const (
	outcomeOK        = "ok"
	outcomeTransport = "transport_error"
	outcomeStatus    = "http_error"
	outcomeProtocol  = "protocol_error"
)

// Interpreter turns fetched pages into records and follow-up tasks.
type Interpreter interface {
	Profile(resp crawler.FetchResponse, task crawler.PendingFetch) (interpret.Result, error)
	Relation(resp crawler.FetchResponse, task crawler.PendingFetch, token string) (interpret.Result, error)
	Incremental(resp crawler.FetchResponse, task crawler.PendingFetch) (interpret.Result, error)
}

// Limiter paces fetches per host.
type Limiter interface {
	Wait(ctx context.Context, rawURL string) error
	ReportResult(rawURL string, status int)
}

// Config controls Worker behavior.
type Config struct {
	RunID string
}

// Result summarizes one processed task.
type Result struct {
	Tasks    []crawler.PendingFetch
	Records  int
	Warnings int
}

// Worker executes the per-task pipeline. It holds no per-task state and is
// safe for concurrent use.
type Worker struct {
	fetcher crawler.Fetcher
	interp  Interpreter
	emitter crawler.Emitter
	limiter Limiter
	clock   crawler.Clock
	tracer  trace.Tracer
	cfg     Config
	logger  *zap.Logger
}

// New constructs a Worker. limiter may be nil.
func New(
	fetcher crawler.Fetcher,
	interp Interpreter,
	emitter crawler.Emitter,
	limiter Limiter,
	clock crawler.Clock,
	cfg Config,
	logger *zap.Logger,
) (*Worker, error) {
	switch {
	case fetcher == nil:
		return nil, errors.New("fetcher is required")
	case interp == nil:
		return nil, errors.New("interpreter is required")
	case emitter == nil:
		return nil, errors.New("emitter is required")
	case clock == nil:
		return nil, errors.New("clock is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()
	return &Worker{
		fetcher: fetcher,
		interp:  interp,
		emitter: emitter,
		limiter: limiter,
		clock:   clock,
		tracer:  telemetry.Tracer(),
		cfg:     cfg,
		logger:  logger.Named("worker"),
	}, nil
}

// Process fetches the task, routes the response to the interpreter for its
// purpose, emits the resulting records and returns the discovered tasks.
// Errors are non-fatal for the run: the task is dropped and the caller
// continues.
func (w *Worker) Process(ctx context.Context, task crawler.PendingFetch, sess session.Context) (Result, error) {
	ctx, span := w.tracer.Start(ctx, "crawl."+string(task.Purpose),
		trace.WithAttributes(
			attribute.String("crawl.url", task.URL),
			attribute.String("crawl.purpose", string(task.Purpose)),
			attribute.Int("crawl.cursor", task.Cursor),
		))
	defer span.End()

	res, err := w.process(ctx, task, sess)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.SetAttributes(attribute.Int("crawl.tasks", len(res.Tasks)), attribute.Int("crawl.records", res.Records))
	return res, err
}

func (w *Worker) process(ctx context.Context, task crawler.PendingFetch, sess session.Context) (Result, error) {
	purpose := string(task.Purpose)
	logger := w.logger.With(zap.String("url", task.URL), zap.String("purpose", purpose))

	if w.limiter != nil {
		if err := w.limiter.Wait(ctx, task.URL); err != nil {
			return Result{}, err
		}
	}

	metrics.IncActiveWorkers()
	resp, err := w.fetcher.Fetch(ctx, task.Request())
	metrics.DecActiveWorkers()
	if err != nil {
		metrics.ObserveFetch(task.URL, purpose, outcomeTransport, 0)
		var transportErr *crawler.TransportError
		if !errors.As(err, &transportErr) {
			err = &crawler.TransportError{URL: task.URL, Err: err}
		}
		logger.Warn("fetch failed", zap.Error(err))
		return Result{}, err
	}
	if w.limiter != nil {
		w.limiter.ReportResult(task.URL, resp.StatusCode)
	}
	if !resp.OK() {
		metrics.ObserveFetch(task.URL, purpose, outcomeStatus, len(resp.Body))
		err := &crawler.ProtocolError{URL: task.URL, Reason: fmt.Sprintf("unexpected status %d", resp.StatusCode)}
		logger.Warn("fetch rejected", zap.Int("status", resp.StatusCode))
		return Result{}, err
	}

	out, err := w.interpret(resp, task, sess)
	if err != nil {
		metrics.ObserveFetch(task.URL, purpose, outcomeProtocol, len(resp.Body))
		logger.Warn("interpret failed", zap.Error(err))
		return Result{}, err
	}
	metrics.ObserveFetch(task.URL, purpose, outcomeOK, len(resp.Body))

	for _, warning := range out.Warnings {
		metrics.ObserveParseError(purpose)
		logger.Warn("parse warning", zap.Error(warning))
	}

	result := Result{Tasks: out.Tasks, Warnings: len(out.Warnings)}
	records := w.records(out)
	for _, rec := range records {
		if err := w.emitter.Emit(ctx, rec); err != nil {
			return result, fmt.Errorf("emit %s %s: %w", rec.Kind, rec.Key(), err)
		}
		metrics.ObserveRecord(string(rec.Kind))
		result.Records++
	}
	logger.Debug("task processed",
		zap.Int("records", result.Records),
		zap.Int("tasks", len(result.Tasks)),
		zap.Duration("fetch_duration", resp.Duration),
	)
	return result, nil
}

func (w *Worker) interpret(resp crawler.FetchResponse, task crawler.PendingFetch, sess session.Context) (interpret.Result, error) {
	switch task.Purpose {
	case crawler.PurposeProfile:
		return w.interp.Profile(resp, task)
	case crawler.PurposeRelation:
		return w.interp.Relation(resp, task, sess.Token)
	case crawler.PurposeIncremental:
		return w.interp.Incremental(resp, task)
	default:
		return interpret.Result{}, &crawler.ProtocolError{URL: task.URL, Reason: fmt.Sprintf("unknown purpose %q", task.Purpose)}
	}
}

func (w *Worker) records(out interpret.Result) []crawler.Record {
	now := w.clock.Now()
	var records []crawler.Record
	if out.Profile != nil {
		records = append(records, crawler.Record{
			Kind:      crawler.RecordProfile,
			RunID:     w.cfg.RunID,
			EmittedAt: now,
			Profile:   out.Profile,
		})
	}
	if out.Relation != nil {
		records = append(records, crawler.Record{
			Kind:      crawler.RecordRelation,
			RunID:     w.cfg.RunID,
			EmittedAt: now,
			Relation:  out.Relation,
		})
	}
	return records
}
