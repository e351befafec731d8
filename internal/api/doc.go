// Package api hosts the HTTP server for the estimator. Routes:
//   - GET /healthz and /readyz for liveness and readiness checks.
//   - GET /metrics for Prometheus scraping.
//   - GET|POST /api/check analyzes a page and lists its scripts with sizes.
//   - GET|POST /api/script modernizes one script; ?info returns JSON only.
//   - GET /_script/compiled returns compiled code for a url and token.
//
// The same three estimator routes are also served without their prefixes
// (/check, /script, /compiled).
package api
