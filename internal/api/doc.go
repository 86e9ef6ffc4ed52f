// Package api hosts the HTTP server, middleware, and REST handlers for
// operators. Notable routes:
//   - GET /healthz / readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - /v1/sources/... to register, configure, trigger and inspect sources.
//   - POST /v1/products/reprocess to flag products and schedule a pass.
//   - GET/PUT /v1/config for the shared GlobalConfig.
//   - GET /v1/stream/... for server-sent snapshot streams.
package api
