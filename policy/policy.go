package policy

import (
	"fmt"
	"time"

	"github.com/pinwheel-storage/pinwheel/interfaces"
)

// DefaultPolicyID is the catalog entry used when no policy predicate
// matches an object.
const DefaultPolicyID = "default"

// Conditions is the predicate a policy evaluates over object metadata.
// Zero-valued fields do not constrain.
type Conditions struct {
	MinSize            int64
	MaxSize            int64
	Privacy            *interfaces.PrivacyClass
	MinAccessCount     int64
	MaxAccessCount     int64
	MaxDaysSinceAccess int
	MinDaysSinceAccess int
}

// Matches reports whether metadata satisfies every set condition, with
// staleness judged relative to now.
func (c Conditions) Matches(md interfaces.ObjectMetadata, now time.Time) bool {
	if c.MinSize > 0 && md.Size < c.MinSize {
		return false
	}
	if c.MaxSize > 0 && md.Size > c.MaxSize {
		return false
	}
	if c.Privacy != nil && md.Privacy != *c.Privacy {
		return false
	}
	if c.MinAccessCount > 0 && md.AccessCount < c.MinAccessCount {
		return false
	}
	if c.MaxAccessCount > 0 && md.AccessCount > c.MaxAccessCount {
		return false
	}
	if c.MaxDaysSinceAccess > 0 {
		if md.LastAccessed.IsZero() {
			return false
		}
		stale := now.Sub(md.LastAccessed) > time.Duration(c.MaxDaysSinceAccess)*24*time.Hour
		if stale {
			return false
		}
	}
	if c.MinDaysSinceAccess > 0 {
		// A zero LastAccessed means never accessed, which is as stale as
		// it gets.
		if !md.LastAccessed.IsZero() &&
			now.Sub(md.LastAccessed) < time.Duration(c.MinDaysSinceAccess)*24*time.Hour {
			return false
		}
	}
	return true
}

// PinningPolicy is an immutable replication rule set. Policies are pure
// descriptors: no side effects, loaded once at startup.
type PinningPolicy struct {
	ID              string
	Name            string
	MinReplicas     int
	MaxReplicas     int
	GeoDistribution []interfaces.Region
	Priority        int
	TTL             time.Duration
	Conditions      Conditions
}

// Validate checks the replica bound invariant.
func (p PinningPolicy) Validate() error {
	if p.ID == "" {
		return fmt.Errorf("policy without id")
	}
	if p.MinReplicas < 0 || p.MaxReplicas < 0 {
		return fmt.Errorf("policy %s: negative replica bound", p.ID)
	}
	if p.MinReplicas > p.MaxReplicas {
		return fmt.Errorf("policy %s: minReplicas %d > maxReplicas %d", p.ID, p.MinReplicas, p.MaxReplicas)
	}
	return nil
}
