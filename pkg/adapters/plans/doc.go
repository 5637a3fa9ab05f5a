// Package plans provides plan sources other than the durable store.
//
// Implementations:
//   - file: plans read from *.yaml, *.yml, *.toml and *.json files in a directory, with hot reload
package plans
