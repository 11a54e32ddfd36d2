// Package api hosts the HTTP server, middleware, and REST handlers for operator
// access. Notable routes:
//   - POST /scrape starts a cycle; 409 while one is running.
//   - GET /scrape/status reports the current or last cycle.
//   - GET /events?url= and /events/images?url= read stored rows.
//   - GET /healthz / readyz for Kubernetes health checks.
//   - GET /metrics for Prometheus scraping.
package api
