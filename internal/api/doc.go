// Package api hosts the HTTP server, middleware, and REST handlers for operator
// access. Notable routes:
//   - GET /healthz / readyz for Kubernetes health checks.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/items, /v1/tags, /v1/owners for browsing the active indexes.
//   - POST /v1/items/{owner}/{item}/delete and /v1/items/tags for curation.
//   - POST /v1/requeue and /v1/requeue/{stage}/dead for operator retries.
package api
