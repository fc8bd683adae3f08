// Package api hosts the HTTP server, middleware, and REST handlers of the
// capture service. Notable routes:
//   - GET /healthz and /readyz for orchestrator health checks.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/captures to queue a capture; GET /v1/captures/{job_id} for its
//     status and report.
package api
