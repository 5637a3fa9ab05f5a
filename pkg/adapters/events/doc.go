// Package events provides event bus implementations.
//
// Implementations:
//   - redis: Redis Streams; every subscription reads through its own consumer group
//   - memory: In-memory, handlers called asynchronously
package events
