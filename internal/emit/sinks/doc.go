// Package sinks implements lightweight record consumers: structured logging
// and Prometheus graph counters. Storage-backed sinks live under
// internal/storage and internal/publisher.
package sinks
