// Package api hosts the HTTP server, middleware, and REST handlers that let
// non-Go workers and operators drive crawl sessions. Notable routes:
//   - GET /healthz and /readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - /v1/sessions/... for session lifecycle and bookkeeping.
//   - /v1/postponed/... for the postponed-session set.
package api
