// Package ports defines the interfaces the orchestrator depends on.
//
// Adapters in pkg/adapters implement them:
//   - Store: memory, redis, sql (sqlite and postgres)
//   - PlanProvider: any Store, or the file provider
//   - ToolRegistry: tools.Registry
//   - EventBus: memory, redis streams
//   - MetricsCollector: prometheus, noop
//   - Archiver: minio
package ports
