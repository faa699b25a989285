// Package storage persists registry snapshots, keyed records, and append-only
// logs on the local filesystem, in SQLite, or in BadgerDB.
//
// Every store serializes its own writers. Stores are not safe to share between
// processes: two processes writing the same file or database lose updates.
package storage

import "errors"

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("storage: not found")
