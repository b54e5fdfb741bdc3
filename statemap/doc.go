// Package statemap provides the sharded keyed store backing every state
// table of the engine: replication statuses, access patterns, storage
// quotas and the deduplication index.
//
// Sharding keeps the per-key read-modify-write discipline cheap: two
// operations on unrelated keys lock different shards and never contend,
// while Update serializes concurrent writers of the same key.
package statemap
