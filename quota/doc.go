// Package quota keeps the per-owner used/limit ledger consulted before
// every write.
//
// Entries are created lazily with a default limit. Mutations are atomic
// per owner, usage is clamped at zero, and crossing the warning or
// critical ratio publishes a quota-alert exactly once per upward band
// crossing. When overage billing is enabled an owner may exceed its
// limit and is charged per whole GiB of excess through the payment
// collaborator.
package quota
