package interfaces

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned when a requested object cannot be found in
	// the object store or in a tracking table.
	ErrNotFound = errors.New("object not found")

	// ErrQuotaExceeded is returned when a store request would push an
	// owner past its limit and overage billing is disabled. Not retryable;
	// the owner must free space or enable overage.
	ErrQuotaExceeded = errors.New("storage quota exceeded")

	// ErrReplicationDegraded is returned when some but not all pin
	// operations succeeded. The object is stored and tracked; health is
	// degraded until a later policy re-application repairs it.
	ErrReplicationDegraded = errors.New("replication degraded")

	// ErrIntegrityFailure is returned when backup verification finds
	// content unavailable or corrupted.
	ErrIntegrityFailure = errors.New("content integrity failure")

	// ErrDependencyUnavailable is returned when the object store, event
	// bus or payment collaborator is unreachable.
	ErrDependencyUnavailable = errors.New("dependency unavailable")

	// ErrPolicyNotFound is returned when a policy id resolves to nothing.
	// At catalog load time this is a fatal configuration error.
	ErrPolicyNotFound = errors.New("pinning policy not found")
)

// ObjectStat is the minimal metadata the object store reports for an object.
type ObjectStat struct {
	Size int64
}

// ObjectStore is the content-addressed store the engine manages. It owns
// raw bytes and basic pin state only; policy, quota and access semantics
// live in the engine's own tables.
type ObjectStore interface {
	// Put stores the payload and returns its content-derived identifier.
	Put(ctx context.Context, data []byte) (ObjectID, error)

	// Get retrieves the payload. Returns ErrNotFound if no replica holds it.
	Get(ctx context.Context, id ObjectID) ([]byte, error)

	// Pin instructs the store to retain the object in the given region.
	Pin(ctx context.Context, id ObjectID, region Region) error

	// Unpin releases the object in the given region.
	Unpin(ctx context.Context, id ObjectID, region Region) error

	// Stat reports object metadata. Returns ErrNotFound if absent.
	Stat(ctx context.Context, id ObjectID) (ObjectStat, error)
}
