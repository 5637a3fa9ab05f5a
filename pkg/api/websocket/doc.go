// Package websocket provides real-time event streaming via WebSocket.
//
// Clients connect to /api/v1/instances/:id/ws to receive the events of one
// instance as they are published. Add ?replay=true to receive the stored
// events first.
package websocket
