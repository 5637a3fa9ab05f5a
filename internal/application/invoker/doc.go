// Package invoker calls registry tools with a per-attempt timeout and retries
// failed attempts with linear or exponential backoff.
package invoker
