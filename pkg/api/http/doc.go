// Package http provides the HTTP REST API implementation.
//
// The HTTP server exposes endpoints for:
//   - Plan storage and instance start
//   - Instance status, pause, resume and cancel
//   - The decision and action ledger
//   - History queries and cleanup
//   - Health checks and Prometheus metrics
package http
