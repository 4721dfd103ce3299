// Package main hosts the followcrawler entrypoint.
//
// Architecture overview:
//   - Session: internal/session drives the login sequence (token page,
//     challenge image, credential submit) once, before any crawl work.
//   - Frontier: internal/dispatcher owns the visited set and a FIFO queue of
//     pending fetches, fanned out to a fixed pool sized by
//     crawler.concurrency. The run ends when no task is outstanding.
//   - Fetch pipeline: internal/worker waits on the per-host rate limiter,
//     fetches through the colly transport, routes the body to the profile,
//     relation or incremental interpreter and emits the resulting records.
//   - Fanout: internal/emit batches records to the configured sinks (log,
//     Prometheus, JSONL, GCS, Postgres, SQLite, Elasticsearch, Pub/Sub).
//   - Plumbing: Viper config with CRAWLER_* env overrides, zap logging,
//     Prometheus metrics, OpenTelemetry spans and an optional ops API.
//
// Quick checklist:
//   - Credentials: CRAWLER_AUTH_IDENTITY and CRAWLER_AUTH_PASSWORD.
//   - Seed: --seed or site.seed (a profile id, path or absolute URL).
//   - Run locally: go run ./cmd/followcrawler crawl --config followcrawler.yaml
//   - A failed login exits with status 2; SIGINT drains the sinks and exits 0.
package main
