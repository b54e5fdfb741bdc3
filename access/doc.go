// Package access tracks per-object read/write activity.
//
// The tracker keeps rolling total, daily and weekly counters plus
// per-access-type counts for every stored object. Replication decisions
// read the daily counter to grant bonus replicas to hot objects and to
// shed replicas from objects that have gone cold. A scheduler task resets
// the daily counters once per day.
package access
