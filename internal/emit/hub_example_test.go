package emit

import (
	"context"
	"fmt"
	"time"

	"github.com/JakeFAU/followgraph-crawler/internal/crawler"
)

type exampleCountingSink struct {
	total int
}

func (s *exampleCountingSink) Consume(_ context.Context, batch []crawler.Record) error {
	s.total += len(batch)
	return nil
}

func (s *exampleCountingSink) Close(context.Context) error {
	return nil
}

// ExampleHub_Emit demonstrates emitting a record and flushing via Close.
func ExampleHub_Emit() {
	sink := &exampleCountingSink{}
	hub := NewHub(Config{
		BufferSize:      4,
		MaxBatchRecords: 1,
		MaxBatchWait:    time.Second,
	}, sink)

	err := hub.Emit(context.Background(), crawler.Record{
		Kind:    crawler.RecordProfile,
		RunID:   "00000000-0000-0000-0000-000000000001",
		Profile: &crawler.Profile{ID: "luteng0601"},
	})
	if err != nil {
		panic(err)
	}
	if err := hub.Close(context.Background()); err != nil {
		panic(err)
	}
	fmt.Println(sink.total)
	// Output: 1
}
