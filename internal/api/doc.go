// Package api hosts the operational HTTP surface of the daemon:
//   - GET /healthz for liveness probes.
//   - GET /status for worker slots and the next run of each periodic task.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/directory, /v1/discovery and /v1/scraper for operator
//     enqueueing, guarded by an API key when one is configured.
package api
