package crawler

import (
	"context"
	"time"
)

// Fetcher fetches a URL and returns the body plus metadata. Implementations
// keep cookie affinity per FetchRequest.Scope.
type Fetcher interface {
	Fetch(ctx context.Context, request FetchRequest) (FetchResponse, error)
}

// Solver turns a challenge image into its text answer. It may block on a
// human operator.
type Solver interface {
	Solve(ctx context.Context, image []byte) (string, error)
}

// Emitter accepts records for downstream persistence without acknowledgment.
type Emitter interface {
	Emit(ctx context.Context, record Record) error
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces run IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
