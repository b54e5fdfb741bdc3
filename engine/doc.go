// Package engine is the unified storage facade. It composes the policy
// catalog, access tracker, dedup index, quota ledger, replication
// controller, garbage collector and backup machinery behind the
// owner-facing operations: store, retrieve, delete, usage, quota and
// stats, plus sweep triggers and a periodic scheduler.
//
// Concurrency model: per-object mutations serialize on the replication
// controller's striped locks; event reactions run on a worker pool that
// routes by object id, so events for one object execute in order while
// unrelated objects never contend. Concurrent identical uploads collapse
// onto one execution via singleflight keyed by content hash.
package engine
