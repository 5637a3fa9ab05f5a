// Package archive provides Archiver implementations used by history cleanup.
//
// Implementations:
//   - objectstore: one JSON object per instance in a MinIO or S3 bucket
package archive
