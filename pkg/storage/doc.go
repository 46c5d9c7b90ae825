// Package storage keeps uploaded plugin packages and opens the SQL database
// used by the submission pipeline.
//
// Packages are content addressed: the key is derived from the SHA-256 of
// the bytes (packages/sha256/ab/cdef....jar), so identical uploads share one
// object and a Ref doubles as an integrity check.
//
// Backends:
//
//   - FileSystemStore: local directory, atomic writes via rename
//   - S3Store: AWS S3 or MinIO (aws-sdk-go-v2)
//
// OpenDatabase opens PostgreSQL (lib/pq) or SQLite (go-sqlite3).
package storage
