// Package dispatcher runs a crawl: it authenticates once, seeds the frontier
// and fans tasks out to a pool of workers until no task is outstanding.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/followgraph-crawler/internal/crawler"
	"github.com/JakeFAU/followgraph-crawler/internal/metrics"
	"github.com/JakeFAU/followgraph-crawler/internal/queue/memory"
	"github.com/JakeFAU/followgraph-crawler/internal/session"
	"github.com/JakeFAU/followgraph-crawler/internal/visited"
	"github.com/JakeFAU/followgraph-crawler/internal/worker"
)

// Authenticator establishes the crawl session.
type Authenticator interface {
	Login(ctx context.Context) (session.Context, error)
}

// Processor handles one task and returns what it discovered.
type Processor interface {
	Process(ctx context.Context, task crawler.PendingFetch, sess session.Context) (worker.Result, error)
}

// Config controls the traversal.
type Config struct {
	// Seed is the canonical address of the first profile.
	Seed string
	// Headers is copied into the seed task.
	Headers     http.Header
	Concurrency int
	// MaxProfiles caps dispatched profile fetches; zero is unlimited.
	MaxProfiles int
}

// PurposeStats counts tasks of one purpose.
type PurposeStats struct {
	Dispatched int `json:"dispatched"`
	Succeeded  int `json:"succeeded"`
	Failed     int `json:"failed"`
	Skipped    int `json:"skipped"`
	Capped     int `json:"capped"`
}

// Stats is a snapshot of run progress.
type Stats struct {
	Purposes    map[crawler.Purpose]PurposeStats `json:"purposes"`
	Outstanding int                              `json:"outstanding"`
	QueueDepth  int                              `json:"queue_depth"`
	Visited     int                              `json:"visited"`
	Records     int                              `json:"records"`
}

// Dispatcher owns the frontier queue and the visited set of one run.
type Dispatcher struct {
	cfg     Config
	auth    Authenticator
	proc    Processor
	queue   *memory.Queue
	visited *visited.Set
	logger  *zap.Logger

	mu          sync.Mutex
	outstanding int
	profiles    int
	records     int
	purposes    map[crawler.Purpose]*PurposeStats
}

// New creates a Dispatcher.
func New(cfg Config, auth Authenticator, proc Processor, logger *zap.Logger) (*Dispatcher, error) {
	switch {
	case auth == nil:
		return nil, errors.New("authenticator is required")
	case proc == nil:
		return nil, errors.New("processor is required")
	case cfg.Seed == "":
		return nil, errors.New("seed address is required")
	}
	seed, err := url.Parse(cfg.Seed)
	if err != nil {
		return nil, fmt.Errorf("seed address: %w", err)
	}
	if !seed.IsAbs() || seed.Host == "" {
		return nil, fmt.Errorf("seed address %q must be absolute", cfg.Seed)
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()
	return &Dispatcher{
		cfg:      cfg,
		auth:     auth,
		proc:     proc,
		queue:    memory.NewQueue(),
		visited:  visited.New(),
		logger:   logger.Named("dispatcher"),
		purposes: make(map[crawler.Purpose]*PurposeStats),
	}, nil
}

// Run logs in, then crawls until every discovered task has been processed,
// ctx ends, or a fatal error occurs. A Dispatcher runs once.
func (d *Dispatcher) Run(ctx context.Context) error {
	defer d.queue.Close()

	sess, err := d.auth.Login(ctx)
	if err != nil {
		d.logger.Error("login failed; aborting run", zap.Error(err))
		return err
	}
	d.logger.Info("session authenticated", zap.String("scope", sess.Scope))

	seed := crawler.PendingFetch{
		Purpose:  crawler.PurposeProfile,
		URL:      d.cfg.Seed,
		Method:   http.MethodGet,
		Headers:  crawler.BuildHeaders(d.cfg.Headers),
		Scope:    sess.Scope,
		Priority: crawler.PriorityNormal,
	}
	d.submit(ctx, seed)
	d.closeIfIdle()

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < d.cfg.Concurrency; i++ {
		g.Go(func() error {
			return d.work(gctx, sess)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	stats := d.Stats()
	d.logger.Info("crawl finished",
		zap.Int("visited", stats.Visited),
		zap.Int("records", stats.Records),
	)
	return nil
}

func (d *Dispatcher) work(ctx context.Context, sess session.Context) error {
	for {
		task, err := d.queue.Dequeue(ctx)
		if errors.Is(err, memory.ErrClosed) {
			return nil
		}
		if err != nil {
			return err
		}
		metrics.SetQueueDepth(d.queue.Len())

		res, err := d.proc.Process(ctx, task, sess)
		switch {
		case err == nil:
			d.count(task.Purpose, func(s *PurposeStats) { s.Succeeded++ })
		case crawler.IsFatal(err):
			return err
		case ctx.Err() != nil:
			return ctx.Err()
		default:
			d.count(task.Purpose, func(s *PurposeStats) { s.Failed++ })
			d.logger.Warn("task failed", zap.String("url", task.URL), zap.String("purpose", string(task.Purpose)), zap.Error(err))
		}

		d.mu.Lock()
		d.records += res.Records
		d.mu.Unlock()
		for _, next := range res.Tasks {
			d.submit(ctx, next)
		}
		d.finish()
	}
}

// submit dedups and enqueues a discovered task.
func (d *Dispatcher) submit(ctx context.Context, task crawler.PendingFetch) {
	if !d.visited.Add(task.Key()) {
		metrics.ObserveDedupSkip(string(task.Purpose))
		d.count(task.Purpose, func(s *PurposeStats) { s.Skipped++ })
		return
	}

	d.mu.Lock()
	if task.Purpose == crawler.PurposeProfile && d.cfg.MaxProfiles > 0 && d.profiles >= d.cfg.MaxProfiles {
		d.stats(task.Purpose).Capped++
		d.mu.Unlock()
		return
	}
	if task.Purpose == crawler.PurposeProfile {
		d.profiles++
	}
	d.outstanding++
	d.stats(task.Purpose).Dispatched++
	d.mu.Unlock()

	if err := d.queue.Enqueue(ctx, task); err != nil {
		d.logger.Debug("task not queued", zap.String("url", task.URL), zap.Error(err))
		d.finish()
		return
	}
	metrics.SetQueueDepth(d.queue.Len())
}

// finish marks one task done and closes the queue when none remain.
func (d *Dispatcher) finish() {
	d.mu.Lock()
	d.outstanding--
	d.mu.Unlock()
	d.closeIfIdle()
}

func (d *Dispatcher) closeIfIdle() {
	d.mu.Lock()
	idle := d.outstanding == 0
	d.mu.Unlock()
	if idle {
		d.queue.Close()
	}
}

func (d *Dispatcher) count(purpose crawler.Purpose, fn func(*PurposeStats)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	fn(d.stats(purpose))
}

// stats requires d.mu.
func (d *Dispatcher) stats(purpose crawler.Purpose) *PurposeStats {
	s, ok := d.purposes[purpose]
	if !ok {
		s = &PurposeStats{}
		d.purposes[purpose] = s
	}
	return s
}

// Stats returns a snapshot of run progress.
func (d *Dispatcher) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := Stats{
		Purposes:    make(map[crawler.Purpose]PurposeStats, len(d.purposes)),
		Outstanding: d.outstanding,
		QueueDepth:  d.queue.Len(),
		Visited:     d.visited.Len(),
		Records:     d.records,
	}
	for k, v := range d.purposes {
		out.Purposes[k] = *v
	}
	return out
}
