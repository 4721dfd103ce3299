package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/followgraph-crawler/internal/crawler"
)

// LogSink emits one structured log line per record. It is useful during
// development when no durable sink is configured.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a Zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs each record in the batch using structured fields.
func (s *LogSink) Consume(_ context.Context, batch []crawler.Record) error {
	for _, rec := range batch {
		fields := []zap.Field{
			zap.String("run_id", rec.RunID),
			zap.String("kind", string(rec.Kind)),
			zap.String("key", rec.Key()),
		}
		switch {
		case rec.Profile != nil:
			fields = append(fields,
				zap.String("nickname", rec.Profile.Nickname),
				zap.String("gender", string(rec.Profile.Gender)),
				zap.Int("followees", rec.Profile.FolloweeCount),
				zap.Int("followers", rec.Profile.FollowerCount),
				zap.Bool("counts_known", rec.Profile.CountsKnown),
			)
		case rec.Relation != nil:
			fields = append(fields,
				zap.String("direction", string(rec.Relation.Direction)),
				zap.Int("members", len(rec.Relation.MemberIDs)),
			)
		}
		s.logger.Info("record", fields...)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
