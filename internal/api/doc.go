// Package api hosts the HTTP server, middleware, and REST handlers in front of
// the crawl service. Notable routes:
//   - GET /healthz and /readyz for Kubernetes health checks.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/scrape for single pages, optionally waiting for the result.
//   - POST /v1/crawl to start a crawl; GET and DELETE /v1/crawl/{id} to poll
//     or cancel it.
package api
