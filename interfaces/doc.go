// Package interfaces defines the shared types and collaborator contracts
// of the storage management engine.
//
// The engine is constructed against interface values only: the
// content-addressed ObjectStore, the publish/subscribe EventBus, the
// ReferenceIndex consulted by garbage collection, the fire-and-forget
// AuditSink, and the PaymentProcessor that settles quota overage. Real
// deployments inject IPFS or S3 backed implementations; tests inject
// mocks. Nothing in this package carries state.
//
// ObjectID is the 32-byte content hash identifying every stored object:
//
//	type ObjectID [32]byte
//
// Sentinel errors (ErrNotFound, ErrQuotaExceeded, ErrReplicationDegraded,
// ErrIntegrityFailure, ErrDependencyUnavailable, ErrPolicyNotFound) form
// the engine's error taxonomy; callers branch with errors.Is.
package interfaces
