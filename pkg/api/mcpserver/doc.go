// Package mcpserver exposes plan storage, instance control and the ledger as
// Model Context Protocol tools so an agent can drive the orchestrator over
// stdio.
package mcpserver
