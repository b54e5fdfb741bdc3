// Package policy holds the catalog of pinning policies and the
// first-match selection over object metadata.
//
// A pinning policy bounds replica counts, orders candidate geo regions,
// and carries a predicate (size range, privacy class, access-count range,
// staleness) deciding which objects it applies to. Policies are pure
// descriptors loaded once at startup, either from a YAML file or from the
// built-in defaults; a catalog without a "default" policy fails fast.
package policy
