// Package gc deletes objects nobody needs anymore.
//
// Candidates reach the queue when an owner deletes an object or when a
// sweep discovers tracking-table inconsistencies. Each run evaluates a
// bounded batch: referenced objects are never deleted, retention-expired
// objects go first, and otherwise only objects unaccessed past the
// orphan threshold are removed. Deletion unpins every recorded region
// and tears down the replication status, access pattern, dedup mapping
// and quota usage in one pass.
package gc
