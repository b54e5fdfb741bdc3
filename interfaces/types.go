package interfaces

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ObjectID is a 32-byte content hash uniquely identifying a stored object.
type ObjectID [32]byte

// NewObjectIDFromBytes creates an object ID from a raw 32-byte slice.
func NewObjectIDFromBytes(source []byte) (ObjectID, error) {
	if len(source) != 32 {
		return ObjectID{}, errors.New("invalid ObjectID conversion from bytes: incorrect length")
	}

	var hash [32]byte
	copy(hash[:], source)
	return ObjectID(hash), nil
}

// NewObjectIDFromHex parses a 64-character hex string into an object ID.
func NewObjectIDFromHex(source string) (ObjectID, error) {
	clean := strings.TrimPrefix(source, "0x")
	if len(clean) != 64 {
		return ObjectID{}, errors.New("invalid object ID length: hex string must be 64 characters")
	}

	hashBytes, err := hex.DecodeString(clean)
	if err != nil {
		return ObjectID{}, fmt.Errorf("invalid hex format: %w", err)
	}

	var hash [32]byte
	copy(hash[:], hashBytes)
	return ObjectID(hash), nil
}

// ComputeObjectID calculates the content address of a payload.
func ComputeObjectID(data []byte) ObjectID {
	return ObjectID(sha256.Sum256(data))
}

// String returns hex representation.
func (id ObjectID) String() string {
	return hex.EncodeToString(id[:])
}

// Bytes returns the raw 32-byte hash.
func (id ObjectID) Bytes() []byte {
	return id[:]
}

// Equal compares two object IDs.
func (id ObjectID) Equal(other ObjectID) bool {
	return bytes.Equal(id[:], other[:])
}

// Short returns the first 8 bytes in hex, for log lines.
func (id ObjectID) Short() string {
	return hex.EncodeToString(id[:8])
}

// OwnerID identifies the account that owns stored objects and a quota.
type OwnerID string

// Region names a geographic placement target for a replica.
type Region string

// PrivacyClass partitions objects for policy matching.
type PrivacyClass int

const (
	// PublicClass for generally readable content.
	PublicClass PrivacyClass = iota
	// PrivateClass for owner-scoped content.
	PrivateClass
	// ConfidentialClass for content restricted to trusted regions.
	ConfidentialClass
)

// String returns the class name.
func (pc PrivacyClass) String() string {
	switch pc {
	case PublicClass:
		return "public"
	case PrivateClass:
		return "private"
	case ConfidentialClass:
		return "confidential"
	default:
		return "unknown"
	}
}

// ParsePrivacyClass maps a class name back to its value. Unknown names
// resolve to PrivateClass, the safer default.
func ParsePrivacyClass(s string) PrivacyClass {
	switch s {
	case "public":
		return PublicClass
	case "confidential":
		return ConfidentialClass
	default:
		return PrivateClass
	}
}

// ObjectMetadata is the policy-relevant description of a stored object.
type ObjectMetadata struct {
	Size         int64
	Privacy      PrivacyClass
	ContentType  string
	AccessCount  int64
	LastAccessed time.Time
	// RetainUntil, when set, blocks garbage collection until the deadline
	// and marks the object for deletion once it has passed.
	RetainUntil time.Time
}

// AccessType distinguishes the operations counted by the access tracker.
type AccessType string

const (
	// ReadAccess covers retrievals.
	ReadAccess AccessType = "read"
	// WriteAccess covers the initial store and overwrites.
	WriteAccess AccessType = "write"
	// DeleteAccess covers owner-initiated deletes.
	DeleteAccess AccessType = "delete"
)

// HealthState describes replication health of a tracked object.
type HealthState string

const (
	// Healthy means replicas meet the policy minimum and content is available.
	Healthy HealthState = "healthy"
	// Degraded means the object is available but under-replicated.
	Degraded HealthState = "degraded"
	// Failed means the object could not be retrieved at all.
	Failed HealthState = "failed"
)
