package gc

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/andres-erbsen/clock"

	"github.com/pinwheel-storage/pinwheel/access"
	"github.com/pinwheel-storage/pinwheel/dedup"
	"github.com/pinwheel-storage/pinwheel/interfaces"
	"github.com/pinwheel-storage/pinwheel/quota"
	"github.com/pinwheel-storage/pinwheel/replication"
)

// Deletion reasons recorded in audit events.
const (
	ReasonRetentionExpired = "retention_expired"
	ReasonOrphanedContent  = "orphaned_content"
)

// Config tunes the garbage collector.
type Config struct {
	// BatchSize bounds how many queue entries one run evaluates;
	// overflow waits for the next run.
	BatchSize int
	// OrphanThreshold is how long an object may go unaccessed before it
	// is eligible as orphaned content.
	OrphanThreshold time.Duration
}

func (c Config) applyDefaults() Config {
	if c.BatchSize == 0 {
		c.BatchSize = 100
	}
	if c.OrphanThreshold == 0 {
		c.OrphanThreshold = 7 * 24 * time.Hour
	}
	return c
}

// Entry is a pending deletion candidate.
type Entry struct {
	ObjectID   interfaces.ObjectID
	Owner      interfaces.OwnerID
	EnqueuedAt time.Time
	// UsageReclaimed marks entries whose quota was already settled at
	// delete time; the collector must not reclaim twice.
	UsageReclaimed bool
}

// Report aggregates one collection run.
type Report struct {
	Evaluated  int
	Deleted    int
	Skipped    int
	Errors     int
	Remaining  int
	BytesFreed int64
}

// Collector evaluates queued candidates and deletes the eligible ones,
// tearing down every table that referenced the object. Failures on one
// candidate never stop the batch.
type Collector struct {
	cfg     Config
	store   interfaces.ObjectStore
	refs    interfaces.ReferenceIndex
	ctrl    *replication.Controller
	tracker *access.Tracker
	index   *dedup.Index
	ledger  *quota.Ledger
	auditor interfaces.AuditSink
	clk     clock.Clock
	log     *slog.Logger

	mu     sync.Mutex
	queue  []Entry
	queued map[interfaces.ObjectID]bool
}

// NewCollector creates a garbage collector.
func NewCollector(
	cfg Config,
	store interfaces.ObjectStore,
	refs interfaces.ReferenceIndex,
	ctrl *replication.Controller,
	tracker *access.Tracker,
	index *dedup.Index,
	ledger *quota.Ledger,
	auditor interfaces.AuditSink,
	clk clock.Clock,
	log *slog.Logger,
) *Collector {
	return &Collector{
		cfg:     cfg.applyDefaults(),
		store:   store,
		refs:    refs,
		ctrl:    ctrl,
		tracker: tracker,
		index:   index,
		ledger:  ledger,
		auditor: auditor,
		clk:     clk,
		log:     log,
		queued:  make(map[interfaces.ObjectID]bool),
	}
}

// Enqueue adds a candidate for the next run. Duplicate candidates
// collapse to one entry.
func (c *Collector) Enqueue(entry Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.queued[entry.ObjectID] {
		return
	}
	if entry.EnqueuedAt.IsZero() {
		entry.EnqueuedAt = c.clk.Now()
	}
	c.queued[entry.ObjectID] = true
	c.queue = append(c.queue, entry)
}

// QueueLen reports pending candidates.
func (c *Collector) QueueLen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

func (c *Collector) takeBatch() []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := c.cfg.BatchSize
	if n > len(c.queue) {
		n = len(c.queue)
	}
	batch := c.queue[:n]
	c.queue = append([]Entry(nil), c.queue[n:]...)
	for _, e := range batch {
		delete(c.queued, e.ObjectID)
	}
	return batch
}

// Run processes one bounded batch from the queue, then scans for orphans
// to enqueue for the next run. The two-phase design keeps a slow sweep
// from blocking new deletions.
func (c *Collector) Run(ctx context.Context) Report {
	var report Report
	batch := c.takeBatch()

	for _, entry := range batch {
		report.Evaluated++
		deleted, freed, err := c.evaluate(ctx, entry)
		switch {
		case err != nil:
			report.Errors++
			c.log.Warn("GC evaluation failed",
				slog.String("object_id", entry.ObjectID.Short()),
				"err", err)
		case deleted:
			report.Deleted++
			report.BytesFreed += freed
		default:
			report.Skipped++
		}
	}

	report.Remaining = c.QueueLen() + c.discoverOrphans()

	c.log.Info("Garbage collection run complete",
		slog.Int("evaluated", report.Evaluated),
		slog.Int("deleted", report.Deleted),
		slog.Int("skipped", report.Skipped),
		slog.Int("errors", report.Errors),
		slog.Int("remaining", report.Remaining))
	return report
}

// evaluate decides and executes one candidate. Objects with active
// references are never deleted.
func (c *Collector) evaluate(ctx context.Context, entry Entry) (bool, int64, error) {
	refs, err := c.refs.ReferencesOf(ctx, entry.ObjectID)
	if err != nil {
		// Unreachable index: keep the candidate for a later run rather
		// than risking a referenced object.
		c.Enqueue(entry)
		return false, 0, err
	}
	if len(refs) > 0 {
		return false, 0, nil
	}

	status, tracked := c.ctrl.Get(entry.ObjectID)
	now := c.clk.Now()

	reason := ""
	if tracked && !status.RetainUntil.IsZero() && now.After(status.RetainUntil) {
		reason = ReasonRetentionExpired
	} else if c.isOrphaned(entry.ObjectID, now) {
		reason = ReasonOrphanedContent
	}
	if reason == "" {
		return false, 0, nil
	}

	freed := c.deleteObject(ctx, entry, status, tracked, reason)
	return true, freed, nil
}

func (c *Collector) isOrphaned(id interfaces.ObjectID, now time.Time) bool {
	pattern, ok := c.tracker.Get(id)
	if !ok || pattern.LastAccessed.IsZero() {
		return true
	}
	return now.Sub(pattern.LastAccessed) > c.cfg.OrphanThreshold
}

// deleteObject unpins every recorded region and removes the object from
// all tracking tables. Unpin failures are logged and do not abort the
// teardown.
func (c *Collector) deleteObject(ctx context.Context, entry Entry, status replication.Status, tracked bool, reason string) int64 {
	if tracked {
		for _, region := range status.Regions {
			if err := c.store.Unpin(ctx, entry.ObjectID, region); err != nil {
				c.log.Warn("Unpin during GC failed",
					slog.String("object_id", entry.ObjectID.Short()),
					slog.String("region", string(region)),
					"err", err)
			}
		}
		c.ctrl.Remove(entry.ObjectID)
	}
	c.tracker.Delete(entry.ObjectID)
	c.index.RemoveByCanonical(entry.ObjectID)

	var freed int64
	if tracked {
		freed = status.Size
	}
	owner := entry.Owner
	if owner == "" && tracked {
		owner = status.Owner
	}
	if !entry.UsageReclaimed && owner != "" && freed > 0 {
		c.ledger.UpdateUsage(ctx, owner, -freed)
	}

	c.log.Info("Deleted object",
		slog.String("object_id", entry.ObjectID.Short()),
		slog.String("reason", reason),
		slog.Int64("size", freed))
	c.auditor.Audit(ctx, interfaces.AuditRecord{
		Action:  "gc_delete",
		Object:  entry.ObjectID.String(),
		Owner:   string(owner),
		Outcome: reason,
		Details: map[string]any{"bytes_freed": freed},
	})
	return freed
}

// discoverOrphans enqueues objects whose tracking tables disagree: a
// replication status without an access pattern, or an access pattern
// without a status. They are evaluated on the next run, not this one.
func (c *Collector) discoverOrphans() int {
	found := 0
	c.ctrl.Range(func(s replication.Status) bool {
		if _, ok := c.tracker.Get(s.ObjectID); !ok {
			c.Enqueue(Entry{ObjectID: s.ObjectID, Owner: s.Owner})
			found++
		}
		return true
	})
	c.tracker.Range(func(p access.Pattern) bool {
		if _, ok := c.ctrl.Get(p.ObjectID); !ok {
			c.Enqueue(Entry{ObjectID: p.ObjectID})
			found++
		}
		return true
	})
	if found > 0 {
		c.log.Info("Discovered orphaned objects", slog.Int("count", found))
	}
	return found
}
