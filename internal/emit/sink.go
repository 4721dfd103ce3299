package emit

import (
	"context"

	"github.com/JakeFAU/followgraph-crawler/internal/crawler"
)

// Sink consumes batches of records. Implementations must honor ctx deadlines
// and tolerate repeated Consume calls. The hub calls a sink from a single
// goroutine.
type Sink interface {
	Consume(ctx context.Context, batch []crawler.Record) error
	Close(ctx context.Context) error
}

// SinkFunc adapts a function to the Sink interface. Close is a no-op.
type SinkFunc func(ctx context.Context, batch []crawler.Record) error

// Consume calls f.
func (f SinkFunc) Consume(ctx context.Context, batch []crawler.Record) error {
	return f(ctx, batch)
}

// Close implements Sink.
func (SinkFunc) Close(context.Context) error { return nil }
