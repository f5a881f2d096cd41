// Package api hosts the operator HTTP server that runs alongside a shard.
// Routes:
//   - GET /healthz and /readyz for liveness and readiness probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/progress for the live shard status.
//   - GET /v1/runs/{run_id} for mirrored run records, when a repository is
//     configured.
package api
