package emit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/followgraph-crawler/internal/crawler"
)

// ErrClosed is returned by Emit after Close has been called.
var ErrClosed = errors.New("emit hub closed")

// Config controls buffering and batching for the Hub.
//   - BufferSize: size of the internal channel (default 1024).
//   - MaxBatchRecords: flush once this many records queue (default 200).
//   - MaxBatchWait: flush after this duration even if the batch is small (default 1s).
//   - SinkTimeout: per-sink timeout while flushing (default 30s).
//   - BaseContext: parent context passed to sink calls (defaults to context.Background()).
//   - Logger: optional structured logger used for warnings.
type Config struct {
	BufferSize      int
	MaxBatchRecords int
	MaxBatchWait    time.Duration
	SinkTimeout     time.Duration
	BaseContext     context.Context
	Logger          *zap.Logger
}

const (
	defaultBufferSize      = 1024
	defaultMaxBatchRecords = 200
	defaultMaxBatchWait    = time.Second
	defaultSinkTimeout     = 30 * time.Second
)

// Stats counts hub activity since start.
type Stats struct {
	Accepted   int64 `json:"accepted"`
	Flushed    int64 `json:"flushed"`
	Batches    int64 `json:"batches"`
	SinkErrors int64 `json:"sink_errors"`
}

// Hub buffers records and fans batches out to registered sinks. It is safe
// for concurrent use. Emit applies backpressure: when the buffer is full it
// blocks until space frees up or ctx ends, so records are never silently
// dropped while the hub is open.
type Hub struct {
	cfg     Config
	sinks   []Sink
	records chan crawler.Record
	stopCh  chan struct{}
	doneCh  chan struct{}
	logger  *zap.Logger

	// mu guards closed; inflight counts Emit calls admitted before Close.
	mu       sync.RWMutex
	closed   bool
	inflight sync.WaitGroup

	accepted   atomic.Int64
	flushed    atomic.Int64
	batches    atomic.Int64
	sinkErrors atomic.Int64

	closeOnce sync.Once
	closeCtx  context.Context
}

// NewHub initializes a Hub and starts the background batching goroutine.
func NewHub(cfg Config, sinks ...Sink) *Hub {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaultBufferSize
	}
	if cfg.MaxBatchRecords <= 0 {
		cfg.MaxBatchRecords = defaultMaxBatchRecords
	}
	if cfg.MaxBatchWait <= 0 {
		cfg.MaxBatchWait = defaultMaxBatchWait
	}
	if cfg.SinkTimeout <= 0 {
		cfg.SinkTimeout = defaultSinkTimeout
	}
	if cfg.BaseContext == nil {
		cfg.BaseContext = context.Background()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Hub{
		cfg:     cfg,
		sinks:   append([]Sink(nil), sinks...),
		records: make(chan crawler.Record, cfg.BufferSize),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
		logger:  logger.Named("emit"),
	}
	go h.run()
	return h
}

// Emit validates and enqueues a record for batching.
func (h *Hub) Emit(ctx context.Context, record crawler.Record) error {
	if err := Validate(record); err != nil {
		return err
	}
	h.mu.RLock()
	if h.closed {
		h.mu.RUnlock()
		return ErrClosed
	}
	h.inflight.Add(1)
	h.mu.RUnlock()
	defer h.inflight.Done()

	select {
	case h.records <- record:
		h.accepted.Add(1)
		return nil
	case <-h.stopCh:
		return ErrClosed
	case <-ctx.Done():
		return fmt.Errorf("emit canceled: %w", ctx.Err())
	}
}

// Stats returns a snapshot of hub counters.
func (h *Hub) Stats() Stats {
	return Stats{
		Accepted:   h.accepted.Load(),
		Flushed:    h.flushed.Load(),
		Batches:    h.batches.Load(),
		SinkErrors: h.sinkErrors.Load(),
	}
}

// Close drains remaining records, flushes and closes sinks, and blocks until
// the background goroutine exits. It is safe to call multiple times.
func (h *Hub) Close(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	h.closeOnce.Do(func() {
		h.mu.Lock()
		h.closed = true
		h.mu.Unlock()
		h.closeCtx = ctx
		close(h.stopCh)
	})
	select {
	case <-h.doneCh:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("emit hub close wait: %w", ctx.Err())
	}
}

// Validate checks that the record kind matches its payload.
func Validate(record crawler.Record) error {
	switch record.Kind {
	case crawler.RecordProfile:
		if record.Profile == nil || record.Profile.ID == "" {
			return errors.New("profile record requires a profile id")
		}
	case crawler.RecordRelation:
		if record.Relation == nil || record.Relation.OwnerID == "" {
			return errors.New("relation record requires an owner id")
		}
		switch record.Relation.Direction {
		case crawler.DirectionFollower, crawler.DirectionFollowee:
		default:
			return fmt.Errorf("unknown relation direction %q", record.Relation.Direction)
		}
	default:
		return fmt.Errorf("unknown record kind %q", record.Kind)
	}
	return nil
}

func (h *Hub) run() {
	defer close(h.doneCh)
	batch := make([]crawler.Record, 0, h.cfg.MaxBatchRecords)
	timer := time.NewTimer(h.cfg.MaxBatchWait)
	timer.Stop()
	timerActive := false
	for {
		select {
		case rec := <-h.records:
			batch = h.enqueue(batch, rec, timer, &timerActive)
		case <-timer.C:
			timerActive = false
			if len(batch) > 0 {
				h.flush(batch)
				batch = batch[:0]
			}
		case <-h.stopCh:
			h.handleStop(batch, timer, &timerActive)
			return
		}
	}
}

func (h *Hub) enqueue(batch []crawler.Record, rec crawler.Record, timer *time.Timer, timerActive *bool) []crawler.Record {
	batch = append(batch, rec)
	if len(batch) >= h.cfg.MaxBatchRecords {
		h.flush(batch)
		batch = batch[:0]
		h.stopTimer(timer, timerActive)
	} else if !*timerActive {
		timer.Reset(h.cfg.MaxBatchWait)
		*timerActive = true
	}
	return batch
}

func (h *Hub) handleStop(batch []crawler.Record, timer *time.Timer, timerActive *bool) {
	h.stopTimer(timer, timerActive)
	// Emit calls racing Close either land in the buffer or see stopCh.
	h.inflight.Wait()
	for {
		select {
		case rec := <-h.records:
			batch = append(batch, rec)
			if len(batch) >= h.cfg.MaxBatchRecords {
				h.flush(batch)
				batch = batch[:0]
			}
		default:
			if len(batch) > 0 {
				h.flush(batch)
			}
			h.closeSinks()
			return
		}
	}
}

func (h *Hub) stopTimer(timer *time.Timer, timerActive *bool) {
	if !*timerActive {
		return
	}
	if !timer.Stop() {
		select {
		case <-timer.C:
		default:
		}
	}
	*timerActive = false
}

func (h *Hub) flush(batch []crawler.Record) {
	if len(batch) == 0 {
		return
	}
	copyBatch := append([]crawler.Record(nil), batch...)
	for _, sink := range h.sinks {
		if sink == nil {
			continue
		}
		ctx, cancel := context.WithTimeout(h.cfg.BaseContext, h.cfg.SinkTimeout)
		if err := sink.Consume(ctx, copyBatch); err != nil {
			h.sinkErrors.Add(1)
			h.logger.Warn("sink consume failed",
				zap.String("sink", fmt.Sprintf("%T", sink)),
				zap.Int("records", len(copyBatch)),
				zap.Error(err),
			)
		}
		cancel()
	}
	h.flushed.Add(int64(len(copyBatch)))
	h.batches.Add(1)
}

func (h *Hub) closeSinks() {
	ctx := h.closeCtx
	if ctx == nil {
		ctx = context.Background()
	}
	for _, sink := range h.sinks {
		if sink == nil {
			continue
		}
		if err := sink.Close(ctx); err != nil {
			h.logger.Warn("sink close failed", zap.String("sink", fmt.Sprintf("%T", sink)), zap.Error(err))
		}
	}
}
