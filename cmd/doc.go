// Package cmd defines the estimator command line.
//
// Architecture overview:
//   - HTTP API: internal/api.Server exposes health, readiness, metrics and the estimator routes. Page checks load the
//     page in headless Chrome, record every script that ran, and return sizes. Script requests modernize one script.
//   - Worker pool: transform jobs (baseline and modernize profiles, both backed by esbuild) run on a bounded pool
//     sized by pool.max_workers with a FIFO of pool.queue_depth. A job that panics fails alone; the pool keeps going.
//   - Caches: captured scripts and modernization results live in two entry-bounded LRU stores. Concurrent requests
//     for one script share a single computation.
//   - Fetch pipeline: scripts that were not captured during a check are fetched with manual redirects, brotli/gzip/
//     deflate decoding and an optional per-host rate limit.
//   - Client: the check command drives a progressive controller against a running service, retrying each script
//     request and printing the aggregate once every script has settled.
//   - Configuration & plumbing: Viper populates config from env/files; zap provides structured logging; Prometheus
//     metrics are exported via the metrics middleware and /metrics handler.
package cmd
