// Package api hosts the gateway router. Routes:
//   - GET / and /health report liveness and the handling region.
//   - GET /metrics for Prometheus scraping.
//   - GET /api/version reports build identity without auth.
//   - GET /api/crawl/platforms is served through the response cache.
//   - POST /api/crawl accepts asynchronous crawl tasks.
//   - GET /api/crawl/status/{task_id} polls a task.
//
// Any other /api path is authenticated and proxied to the backend.
package api
