package replication

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/andres-erbsen/clock"

	"github.com/pinwheel-storage/pinwheel/access"
	"github.com/pinwheel-storage/pinwheel/interfaces"
	"github.com/pinwheel-storage/pinwheel/policy"
	"github.com/pinwheel-storage/pinwheel/statemap"
)

// Adjustment reasons logged when replica counts scale.
const (
	ReasonHighAccess = "high_access"
	ReasonLowAccess  = "low_access"
)

// Config tunes replication behavior.
type Config struct {
	// HotDailyThreshold is the daily access count above which an extra
	// replica is added during adjustment.
	HotDailyThreshold int64
	// ColdAfter is how long an object must go untouched with zero daily
	// accesses before a replica is dropped.
	ColdAfter time.Duration
	// BonusDailyLow and BonusDailyHigh grant +1 and +2 bonus replicas at
	// policy application time.
	BonusDailyLow  int64
	BonusDailyHigh int64
	// DefaultRegions backs policies with an empty geo distribution.
	DefaultRegions []interfaces.Region
}

func (c Config) applyDefaults() Config {
	if c.HotDailyThreshold == 0 {
		c.HotDailyThreshold = 50
	}
	if c.ColdAfter == 0 {
		c.ColdAfter = 30 * 24 * time.Hour
	}
	if c.BonusDailyLow == 0 {
		c.BonusDailyLow = 10
	}
	if c.BonusDailyHigh == 0 {
		c.BonusDailyHigh = 50
	}
	if len(c.DefaultRegions) == 0 {
		c.DefaultRegions = []interfaces.Region{"us-east", "eu-west", "ap-south"}
	}
	return c
}

// Status is the per-object replication record.
type Status struct {
	ObjectID        interfaces.ObjectID
	Owner           interfaces.OwnerID
	PolicyID        string
	CurrentReplicas int
	TargetReplicas  int
	Regions         []interfaces.Region
	Size            int64
	Health          interfaces.HealthState
	RetainUntil     time.Time
	LastUpdated     time.Time
}

// Result reports one policy application.
type Result struct {
	PolicyID       string
	TargetReplicas int
	PinsIssued     int
	PinFailures    int
	Health         interfaces.HealthState
}

// Controller computes replica targets from policies and access patterns
// and drives pin/unpin calls against the object store. All mutation of a
// given object's status is serialized on a striped per-object lock; the
// sharded status table itself is only touched in short critical sections.
type Controller struct {
	cfg      Config
	catalog  *policy.Catalog
	tracker  *access.Tracker
	store    interfaces.ObjectStore
	statuses *statemap.Map[Status]
	locks    *statemap.Stripes
	clk      clock.Clock
	log      *slog.Logger
}

// NewController creates a replication controller.
func NewController(cfg Config, catalog *policy.Catalog, tracker *access.Tracker, store interfaces.ObjectStore, clk clock.Clock, log *slog.Logger) *Controller {
	return &Controller{
		cfg:      cfg.applyDefaults(),
		catalog:  catalog,
		tracker:  tracker,
		store:    store,
		statuses: statemap.New[Status](),
		locks:    statemap.NewStripes(0),
		clk:      clk,
		log:      log,
	}
}

// regionsFor returns the policy's candidate regions, falling back to the
// configured defaults.
func (c *Controller) regionsFor(p policy.PinningPolicy) []interfaces.Region {
	if len(p.GeoDistribution) > 0 {
		return p.GeoDistribution
	}
	return c.cfg.DefaultRegions
}

// accessBonus derives extra replicas from the object's daily access count.
func (c *Controller) accessBonus(id interfaces.ObjectID) int {
	pattern, ok := c.tracker.Get(id)
	if !ok {
		return 0
	}
	switch {
	case pattern.DailyAccesses > c.cfg.BonusDailyHigh:
		return 2
	case pattern.DailyAccesses > c.cfg.BonusDailyLow:
		return 1
	default:
		return 0
	}
}

// ApplyPolicy selects the best-fit policy for the object and converges
// its pins toward the required replica count. Re-applying with an
// unchanged target issues no additional pins. A pin failure in one
// region degrades health instead of aborting; repair happens on a later
// re-application.
func (c *Controller) ApplyPolicy(ctx context.Context, id interfaces.ObjectID, md interfaces.ObjectMetadata, owner interfaces.OwnerID) (Result, error) {
	key := id.String()
	c.locks.Lock(key)
	defer c.locks.Unlock(key)

	now := c.clk.Now()
	existing, exists := c.statuses.Get(key)

	// Fold live access data into the metadata the predicates see.
	if pattern, ok := c.tracker.Get(id); ok {
		md.AccessCount = pattern.TotalAccesses
		if !pattern.LastAccessed.IsZero() {
			md.LastAccessed = pattern.LastAccessed
		}
	}

	selected := c.catalog.Select(md, now)
	if exists && selected.ID != existing.PolicyID {
		c.log.Info("Object matches a better-fit policy",
			slog.String("object_id", id.Short()),
			slog.String("old_policy", existing.PolicyID),
			slog.String("new_policy", selected.ID))
	}

	bonus := c.accessBonus(id)
	required := selected.MinReplicas + bonus
	if required > selected.MaxReplicas {
		required = selected.MaxReplicas
	}

	candidates := c.regionsFor(selected)
	if required > len(candidates) {
		required = len(candidates)
	}
	targets := candidates[:required]

	// Pin the target regions not already held; unpin surplus regions a
	// previous, larger target left behind.
	held := make(map[interfaces.Region]bool, len(existing.Regions))
	if exists {
		for _, r := range existing.Regions {
			held[r] = true
		}
	}

	var pinned []interfaces.Region
	issued, failures := 0, 0
	for _, region := range targets {
		if held[region] {
			pinned = append(pinned, region)
			continue
		}
		issued++
		if err := c.store.Pin(ctx, id, region); err != nil {
			failures++
			c.log.Warn("Pin failed",
				slog.String("object_id", id.Short()),
				slog.String("region", string(region)),
				"err", err)
			continue
		}
		pinned = append(pinned, region)
	}

	// A failed unpin stays in Regions so the next policy application
	// retries it, but it no longer counts toward the replica total;
	// CurrentReplicas must stay within the policy bounds.
	targetSet := make(map[interfaces.Region]bool, len(targets))
	for _, r := range targets {
		targetSet[r] = true
	}
	var stale []interfaces.Region
	for _, region := range existing.Regions {
		if targetSet[region] {
			continue
		}
		if err := c.store.Unpin(ctx, id, region); err != nil {
			c.log.Warn("Unpin of surplus replica failed",
				slog.String("object_id", id.Short()),
				slog.String("region", string(region)),
				"err", err)
			stale = append(stale, region)
		}
	}

	health := interfaces.Healthy
	if len(pinned) < selected.MinReplicas {
		health = interfaces.Degraded
	}

	status := Status{
		ObjectID:        id,
		Owner:           owner,
		PolicyID:        selected.ID,
		CurrentReplicas: len(pinned),
		TargetReplicas:  required,
		Regions:         append(pinned, stale...),
		Size:            md.Size,
		Health:          health,
		RetainUntil:     md.RetainUntil,
		LastUpdated:     now,
	}
	if exists {
		status.Owner = existing.Owner
		if status.RetainUntil.IsZero() {
			status.RetainUntil = existing.RetainUntil
		}
		if status.Size == 0 {
			status.Size = existing.Size
		}
	}
	if status.RetainUntil.IsZero() && selected.TTL > 0 {
		status.RetainUntil = now.Add(selected.TTL)
	}
	c.statuses.Set(key, status)

	result := Result{
		PolicyID:       selected.ID,
		TargetReplicas: required,
		PinsIssued:     issued,
		PinFailures:    failures,
		Health:         health,
	}
	if failures > 0 {
		return result, fmt.Errorf("pinned %d of %d regions: %w",
			len(pinned), required, interfaces.ErrReplicationDegraded)
	}
	return result, nil
}

// EvaluateForAdjustment scales the object's replicas by at most one step
// based on its current access pattern: one replica up when daily access
// exceeds the hot threshold, one replica down when the object has gone
// cold. Capping the adjustment to a single step avoids oscillation.
func (c *Controller) EvaluateForAdjustment(ctx context.Context, id interfaces.ObjectID) error {
	key := id.String()
	c.locks.Lock(key)
	defer c.locks.Unlock(key)

	status, ok := c.statuses.Get(key)
	if !ok {
		return nil
	}
	pol, err := c.catalog.Get(status.PolicyID)
	if err != nil {
		return err
	}
	pattern, ok := c.tracker.Get(id)
	if !ok {
		return nil
	}

	now := c.clk.Now()
	switch {
	case pattern.DailyAccesses > c.cfg.HotDailyThreshold && status.CurrentReplicas < pol.MaxReplicas:
		return c.addReplica(ctx, id, status, pol)
	case pattern.DailyAccesses == 0 &&
		!pattern.LastAccessed.IsZero() &&
		now.Sub(pattern.LastAccessed) > c.cfg.ColdAfter &&
		status.CurrentReplicas > pol.MinReplicas:
		return c.dropReplica(ctx, id, status)
	}
	return nil
}

func (c *Controller) addReplica(ctx context.Context, id interfaces.ObjectID, status Status, pol policy.PinningPolicy) error {
	held := make(map[interfaces.Region]bool, len(status.Regions))
	for _, r := range status.Regions {
		held[r] = true
	}
	var next interfaces.Region
	for _, r := range c.regionsFor(pol) {
		if !held[r] {
			next = r
			break
		}
	}
	if next == "" {
		return nil
	}

	if err := c.store.Pin(ctx, id, next); err != nil {
		return fmt.Errorf("add replica in %s: %w", next, err)
	}

	status.Regions = append(status.Regions, next)
	status.CurrentReplicas++
	status.TargetReplicas = status.CurrentReplicas
	if status.CurrentReplicas >= pol.MinReplicas {
		status.Health = interfaces.Healthy
	}
	status.LastUpdated = c.clk.Now()
	c.statuses.Set(id.String(), status)

	c.log.Info("Adjusted replica count",
		slog.String("object_id", id.Short()),
		slog.String("reason", ReasonHighAccess),
		slog.String("region", string(next)),
		slog.Int("replicas", status.CurrentReplicas))
	return nil
}

func (c *Controller) dropReplica(ctx context.Context, id interfaces.ObjectID, status Status) error {
	if len(status.Regions) == 0 {
		return nil
	}
	last := status.Regions[len(status.Regions)-1]
	if err := c.store.Unpin(ctx, id, last); err != nil {
		return fmt.Errorf("drop replica in %s: %w", last, err)
	}

	status.Regions = status.Regions[:len(status.Regions)-1]
	status.CurrentReplicas--
	status.TargetReplicas = status.CurrentReplicas
	status.LastUpdated = c.clk.Now()
	c.statuses.Set(id.String(), status)

	c.log.Info("Adjusted replica count",
		slog.String("object_id", id.Short()),
		slog.String("reason", ReasonLowAccess),
		slog.String("region", string(last)),
		slog.Int("replicas", status.CurrentReplicas))
	return nil
}

// Get returns the replication status for an object.
func (c *Controller) Get(id interfaces.ObjectID) (Status, bool) {
	return c.statuses.Get(id.String())
}

// SetHealth overwrites the recorded health state, used by verification
// sweeps. The per-object lock keeps it from clobbering a concurrent
// policy application.
func (c *Controller) SetHealth(id interfaces.ObjectID, health interfaces.HealthState) {
	key := id.String()
	c.locks.Lock(key)
	defer c.locks.Unlock(key)
	c.statuses.UpdateIfPresent(key, func(s Status) Status {
		s.Health = health
		s.LastUpdated = c.clk.Now()
		return s
	})
}

// Remove deletes the object's status, unpinning nothing; callers decide
// what happens to the replicas.
func (c *Controller) Remove(id interfaces.ObjectID) {
	c.statuses.Delete(id.String())
}

// Range iterates a snapshot of all statuses.
func (c *Controller) Range(fn func(s Status) bool) {
	c.statuses.Range(func(_ string, s Status) bool {
		return fn(s)
	})
}

// Len reports how many objects are tracked.
func (c *Controller) Len() int {
	return c.statuses.Len()
}
