// Package storage provides durable store implementations.
//
// Implementations:
//   - memory: In-memory for testing and single-shot runs
//   - redis: Redis with JSON serialization, sorted-set indexes and optional TTL
//   - sql: database/sql with sqlite (modernc.org/sqlite) and postgres (pgx) dialects
//
// storetest holds the behaviour suite every implementation runs.
package storage
