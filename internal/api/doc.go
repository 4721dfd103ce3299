// Package api hosts the optional ops HTTP server for a running crawl.
// Routes:
//   - GET /healthz and /readyz for liveness and readiness probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/status for session state, frontier progress and emitter stats.
package api
