// Package dedup maintains the content-hash index that detects duplicate
// uploads.
//
// The index maps a content hash (sha256 by default, blake2b optional) to
// the canonical object first stored with that hash. Payloads below a
// minimum size are never deduplicated. Before declaring a duplicate the
// index verifies the canonical object is still present in the object
// store; stale mappings are purged. Registration races between
// concurrent identical uploads resolve first-writer-wins.
package dedup
