// Package tools provides the in-process tool registry the invoker calls.
//
// Built-in tools:
//   - echo: returns its parameters
//   - sleep: waits for duration_ms, optionally failing afterwards
//
// The anthropic subpackage registers an LLM completion tool.
package tools
