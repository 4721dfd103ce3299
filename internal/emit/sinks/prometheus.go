package sinks

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/followgraph-crawler/internal/crawler"
)

// PrometheusSink exports graph growth metrics: profiles stored, relation
// pages stored and edges discovered per direction.
type PrometheusSink struct {
	profiles     *prometheus.CounterVec
	relations    *prometheus.CounterVec
	edges        *prometheus.CounterVec
	relationSize prometheus.Histogram
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		profiles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "followgraph_profiles_total",
			Help: "Profiles stored, partitioned by gender and whether follow counts parsed.",
		}, []string{"gender", "counts_known"}),
		relations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "followgraph_relation_pages_total",
			Help: "Relation list pages stored, partitioned by direction.",
		}, []string{"direction"}),
		edges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "followgraph_edges_total",
			Help: "Follow edges discovered, partitioned by direction.",
		}, []string{"direction"}),
		relationSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "followgraph_relation_page_members",
			Help:    "Members per stored relation list page.",
			Buckets: []float64{0, 1, 5, 10, 20, 50},
		}),
	}
	for _, collector := range []prometheus.Collector{
		s.profiles,
		s.relations,
		s.edges,
		s.relationSize,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register graph collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors from the batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []crawler.Record) error {
	for _, rec := range batch {
		switch {
		case rec.Profile != nil:
			known := "false"
			if rec.Profile.CountsKnown {
				known = "true"
			}
			s.profiles.WithLabelValues(string(rec.Profile.Gender), known).Inc()
		case rec.Relation != nil:
			direction := string(rec.Relation.Direction)
			s.relations.WithLabelValues(direction).Inc()
			s.edges.WithLabelValues(direction).Add(float64(len(rec.Relation.MemberIDs)))
			s.relationSize.Observe(float64(len(rec.Relation.MemberIDs)))
		}
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}
