package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/andres-erbsen/clock"
	"go.uber.org/atomic"
	"golang.org/x/sync/singleflight"

	"github.com/pinwheel-storage/pinwheel/access"
	"github.com/pinwheel-storage/pinwheel/backup"
	"github.com/pinwheel-storage/pinwheel/dedup"
	"github.com/pinwheel-storage/pinwheel/gc"
	"github.com/pinwheel-storage/pinwheel/interfaces"
	"github.com/pinwheel-storage/pinwheel/metrics"
	"github.com/pinwheel-storage/pinwheel/policy"
	"github.com/pinwheel-storage/pinwheel/quota"
	"github.com/pinwheel-storage/pinwheel/replication"
)

// StoreOptions carries caller-supplied metadata for a store operation.
type StoreOptions struct {
	ContentType string
	Privacy     interfaces.PrivacyClass
	RetainUntil time.Time
}

// StoreResult reports a completed store operation.
type StoreResult struct {
	ObjectID     interfaces.ObjectID
	Size         int64
	Deduplicated bool
	PolicyID     string
	Replicas     int
	Health       interfaces.HealthState
	OverageCost  float64
}

// Stats is the engine-wide operational summary.
type Stats struct {
	Objects         int
	Owners          int
	TotalUsedBytes  int64
	DedupEntries    int
	GCQueueDepth    int
	Stores          int64
	DedupHits       int64
	QuotaRejections int64
	Retrievals      int64
	Deletes         int64
}

// Engine is the unified storage facade. It owns the policy, access,
// dedup, quota, replication, GC and backup components and exposes the
// owner-facing operations; collaborators (object store, event bus,
// reference index, audit, payments) are injected.
type Engine struct {
	cfg     Config
	store   interfaces.ObjectStore
	bus     interfaces.EventBus
	auditor interfaces.AuditSink

	catalog   *policy.Catalog
	tracker   *access.Tracker
	index     *dedup.Index
	ledger    *quota.Ledger
	ctrl      *replication.Controller
	collector *gc.Collector
	verifier  *backup.Verifier
	driller   *backup.Driller

	flights   singleflight.Group
	pool      *workerPool
	scheduler *scheduler
	m         *metrics.Metrics
	clk       clock.Clock
	log       *slog.Logger

	stores          atomic.Int64
	dedupHits       atomic.Int64
	quotaRejections atomic.Int64
	retrievals      atomic.Int64
	deletes         atomic.Int64
}

// storeOutcome is what one singleflight execution produced; the owner
// lets joined callers detect they were collapsed onto someone else's
// upload.
type storeOutcome struct {
	res   StoreResult
	owner interfaces.OwnerID
}

// New assembles an engine from its collaborators. The returned engine is
// ready to serve operations; call Start to run periodic sweeps.
func New(
	cfg Config,
	store interfaces.ObjectStore,
	refs interfaces.ReferenceIndex,
	bus interfaces.EventBus,
	auditor interfaces.AuditSink,
	payments interfaces.PaymentProcessor,
	catalog *policy.Catalog,
	m *metrics.Metrics,
	clk clock.Clock,
	log *slog.Logger,
) (*Engine, error) {
	cfg = cfg.applyDefaults()
	if m == nil {
		m = metrics.New()
	}

	tracker := access.NewTracker(clk, log)
	index, err := dedup.NewIndex(cfg.Dedup, store, clk, log)
	if err != nil {
		return nil, err
	}
	ledger := quota.NewLedger(cfg.Quota, bus, payments, clk, log)
	ctrl := replication.NewController(cfg.Replication, catalog, tracker, store, clk, log)
	collector := gc.NewCollector(cfg.GC, store, refs, ctrl, tracker, index, ledger, auditor, clk, log)
	verifier := backup.NewVerifier(cfg.Verifier, store, ctrl, catalog, auditor, clk, log)
	driller := backup.NewDriller(cfg.Drill, store, ctrl, tracker, index, auditor, clk, log)

	e := &Engine{
		cfg:       cfg,
		store:     store,
		bus:       bus,
		auditor:   auditor,
		catalog:   catalog,
		tracker:   tracker,
		index:     index,
		ledger:    ledger,
		ctrl:      ctrl,
		collector: collector,
		verifier:  verifier,
		driller:   driller,
		pool:      newWorkerPool(cfg.Workers, cfg.QueueDepth, log),
		m:         m,
		clk:       clk,
		log:       log,
	}
	e.scheduler = newScheduler(clk, log)
	e.subscribe()
	return e, nil
}

// Start launches the periodic sweeps: garbage collection, backup
// verification, disaster-recovery drills and daily counter resets.
func (e *Engine) Start() {
	e.scheduler.add("gc", e.cfg.GCInterval, func(ctx context.Context) {
		e.RunGarbageCollection(ctx)
	})
	e.scheduler.add("backup-verification", e.cfg.VerificationInterval, func(ctx context.Context) {
		e.VerifyBackups(ctx)
	})
	e.scheduler.add("dr-drill", e.cfg.DrillInterval, func(ctx context.Context) {
		e.RunDisasterRecoveryDrill(ctx)
	})
	e.scheduler.add("counter-reset", e.cfg.CounterResetInterval, func(context.Context) {
		e.tracker.ResetDailyCounters()
	})
	e.scheduler.start()
}

// Stop halts the scheduler and drains the event worker pool. State
// tables are derived and are not flushed; the bytes live in the object
// store.
func (e *Engine) Stop() {
	e.scheduler.stop()
	e.pool.stop()
}

// StoreFile stores a payload for an owner: quota check, dedup check,
// write, policy application and accounting. Concurrent identical uploads
// collapse onto a single execution keyed by content hash.
func (e *Engine) StoreFile(ctx context.Context, owner interfaces.OwnerID, data []byte, opts StoreOptions) (StoreResult, error) {
	if len(data) == 0 {
		return StoreResult{}, errors.New("empty payload")
	}
	size := int64(len(data))

	check := e.ledger.CheckQuota(owner, size)
	if !check.WithinLimit {
		e.quotaRejections.Inc()
		e.m.QuotaRejectionsTotal.Inc()
		e.auditor.Audit(ctx, interfaces.AuditRecord{
			Action:  "store",
			Owner:   string(owner),
			Outcome: "quota_rejected",
			Details: map[string]any{"requested": size, "projected": check.ProjectedUsed},
		})
		return StoreResult{}, fmt.Errorf("store %d bytes for %s: %w", size, owner, interfaces.ErrQuotaExceeded)
	}

	// Payloads below the dedup cutoff skip the flight group; collapsing
	// them would skip the second owner's accounting.
	if size < e.index.MinSize() {
		outcome, err := e.storeFile(ctx, owner, data, size, opts, check)
		return outcome.res, err
	}

	key := e.index.HashContent(data)
	v, err, _ := e.flights.Do(key, func() (any, error) {
		return e.storeFile(ctx, owner, data, size, opts, check)
	})
	if err != nil {
		return StoreResult{}, err
	}
	outcome := v.(storeOutcome)
	if outcome.owner != owner {
		// Collapsed onto another caller's upload: for this caller the
		// store is a dedup hit and contributes no usage.
		outcome.res.Deduplicated = true
		outcome.res.OverageCost = 0
		e.dedupHits.Inc()
		e.m.DedupHitsTotal.Inc()
	}
	return outcome.res, nil
}

func (e *Engine) storeFile(ctx context.Context, owner interfaces.OwnerID, data []byte, size int64, opts StoreOptions, check quota.CheckResult) (storeOutcome, error) {
	res := StoreResult{Size: size}

	dres, err := e.index.CheckDuplicate(ctx, data)
	if err != nil {
		return storeOutcome{}, fmt.Errorf("dedup check: %w", err)
	}
	if dres.IsDuplicate {
		return e.finishDuplicate(ctx, owner, dres.CanonicalID, size), nil
	}

	id, err := e.store.Put(ctx, data)
	if err != nil {
		return storeOutcome{}, fmt.Errorf("store payload: %w", err)
	}

	if dres.Eligible {
		winner, won := e.index.RegisterContent(id, dres.ContentHash, size)
		if !won && !winner.Equal(id) {
			// Lost the registration race: our write is redundant. Hand it
			// to GC and report the winner as a duplicate discovery.
			e.collector.Enqueue(gc.Entry{ObjectID: id, Owner: owner, UsageReclaimed: true})
			return e.finishDuplicate(ctx, owner, winner, size), nil
		}
	}

	e.tracker.Init(id)
	e.tracker.Record(id, interfaces.WriteAccess)

	md := interfaces.ObjectMetadata{
		Size:         size,
		Privacy:      opts.Privacy,
		ContentType:  opts.ContentType,
		LastAccessed: e.clk.Now(),
		RetainUntil:  opts.RetainUntil,
	}
	applied, err := e.ctrl.ApplyPolicy(ctx, id, md, owner)
	if err != nil && !errors.Is(err, interfaces.ErrReplicationDegraded) {
		e.collector.Enqueue(gc.Entry{ObjectID: id, Owner: owner, UsageReclaimed: true})
		return storeOutcome{}, fmt.Errorf("apply policy: %w", err)
	}
	if err != nil {
		e.log.Warn("Stored with degraded replication",
			slog.String("object_id", id.Short()),
			slog.Int("pin_failures", applied.PinFailures))
	}

	e.ledger.UpdateUsage(ctx, owner, size)
	if check.OverageBytes > 0 {
		if err := e.ledger.SettleOverage(ctx, owner, check.OverageBytes); err != nil {
			e.log.Warn("Overage settlement failed", slog.String("owner", string(owner)), "err", err)
		} else {
			res.OverageCost = check.OverageCost
			e.auditor.Audit(ctx, interfaces.AuditRecord{
				Action:  "overage_payment",
				Owner:   string(owner),
				Outcome: "completed",
				Details: map[string]any{"amount": check.OverageCost},
			})
		}
	}

	e.stores.Inc()
	e.m.StoresTotal.Inc()
	e.publish(ctx, interfaces.TopicFileStored, map[string]any{
		"object_id":    id.String(),
		"owner":        string(owner),
		"size":         size,
		"deduplicated": false,
	})
	e.auditor.Audit(ctx, interfaces.AuditRecord{
		Action:  "store",
		Object:  id.String(),
		Owner:   string(owner),
		Outcome: string(applied.Health),
		Details: map[string]any{"size": size, "policy": applied.PolicyID},
	})

	res.ObjectID = id
	res.PolicyID = applied.PolicyID
	res.Health = applied.Health
	if status, ok := e.ctrl.Get(id); ok {
		res.Replicas = status.CurrentReplicas
	}
	return storeOutcome{res: res, owner: owner}, nil
}

// finishDuplicate records a store that resolved to an existing canonical
// object. The duplicate contributes no quota usage.
func (e *Engine) finishDuplicate(ctx context.Context, owner interfaces.OwnerID, canonical interfaces.ObjectID, size int64) storeOutcome {
	e.tracker.Record(canonical, interfaces.WriteAccess)
	e.stores.Inc()
	e.dedupHits.Inc()
	e.m.StoresTotal.Inc()
	e.m.DedupHitsTotal.Inc()

	res := StoreResult{ObjectID: canonical, Size: size, Deduplicated: true}
	if status, ok := e.ctrl.Get(canonical); ok {
		res.PolicyID = status.PolicyID
		res.Replicas = status.CurrentReplicas
		res.Health = status.Health
	}

	e.publish(ctx, interfaces.TopicFileStored, map[string]any{
		"object_id":    canonical.String(),
		"owner":        string(owner),
		"deduplicated": true,
	})
	e.auditor.Audit(ctx, interfaces.AuditRecord{
		Action:  "store",
		Object:  canonical.String(),
		Owner:   string(owner),
		Outcome: "deduplicated",
	})
	return storeOutcome{res: res, owner: owner}
}

// RetrieveFile fetches a payload and records the access. A store miss is
// a NotFound for the caller even when a replication status row still
// exists; the next verification sweep corrects the row.
func (e *Engine) RetrieveFile(ctx context.Context, owner interfaces.OwnerID, id interfaces.ObjectID) ([]byte, error) {
	data, err := e.store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, interfaces.ErrNotFound) {
			return nil, fmt.Errorf("retrieve %s: %w", id.Short(), interfaces.ErrNotFound)
		}
		return nil, fmt.Errorf("retrieve %s: %w", id.Short(), err)
	}

	e.tracker.Record(id, interfaces.ReadAccess)
	e.retrievals.Inc()
	e.m.RetrievalsTotal.Inc()
	e.publish(ctx, interfaces.TopicFileAccessed, map[string]any{
		"object_id": id.String(),
		"owner":     string(owner),
	})
	e.auditor.Audit(ctx, interfaces.AuditRecord{
		Action: "retrieve",
		Object: id.String(),
		Owner:  string(owner),
	})
	return data, nil
}

// DeleteFile removes the owner's claim on an object. The bytes are torn
// down by the next garbage collection run; quota is reclaimed here,
// exactly once.
func (e *Engine) DeleteFile(ctx context.Context, owner interfaces.OwnerID, id interfaces.ObjectID) error {
	status, ok := e.ctrl.Get(id)
	if !ok {
		return fmt.Errorf("delete %s: %w", id.Short(), interfaces.ErrNotFound)
	}
	if owner != "" && status.Owner != owner {
		return fmt.Errorf("delete %s: %w", id.Short(), interfaces.ErrNotFound)
	}

	// Dropping the access pattern makes the object orphaned content for
	// the collector; references can still veto the actual deletion.
	e.tracker.Delete(id)
	e.ledger.UpdateUsage(ctx, status.Owner, -status.Size)
	e.collector.Enqueue(gc.Entry{ObjectID: id, Owner: status.Owner, UsageReclaimed: true})

	e.deletes.Inc()
	e.m.DeletesTotal.Inc()
	e.auditor.Audit(ctx, interfaces.AuditRecord{
		Action: "delete",
		Object: id.String(),
		Owner:  string(status.Owner),
	})
	return nil
}

// handleExternalCreate brings an object another writer put into the
// store under management: tracking is initialized, a policy applied and
// the owner's usage charged, as if the store request had entered here.
func (e *Engine) handleExternalCreate(ctx context.Context, id interfaces.ObjectID, owner interfaces.OwnerID, size int64) {
	if _, tracked := e.ctrl.Get(id); tracked {
		return
	}
	e.tracker.Init(id)
	e.tracker.Record(id, interfaces.WriteAccess)

	md := interfaces.ObjectMetadata{Size: size, LastAccessed: e.clk.Now()}
	if _, err := e.ctrl.ApplyPolicy(ctx, id, md, owner); err != nil && !errors.Is(err, interfaces.ErrReplicationDegraded) {
		e.log.Warn("Policy application for externally created object failed",
			slog.String("object_id", id.Short()), "err", err)
		return
	}
	if size > 0 {
		e.ledger.UpdateUsage(ctx, owner, size)
	}
}

// GetStorageUsage returns the owner-facing usage report.
func (e *Engine) GetStorageUsage(owner interfaces.OwnerID) quota.UsageReport {
	return e.ledger.Usage(owner)
}

// UpdateStorageQuota sets a new limit for the owner.
func (e *Engine) UpdateStorageQuota(ctx context.Context, owner interfaces.OwnerID, newLimit int64) (quota.Quota, error) {
	return e.ledger.SetLimit(ctx, owner, newLimit)
}

// GetStorageStats summarizes engine-wide state.
func (e *Engine) GetStorageStats() Stats {
	return Stats{
		Objects:         e.ctrl.Len(),
		Owners:          e.ledger.Owners(),
		TotalUsedBytes:  e.ledger.TotalUsed(),
		DedupEntries:    e.index.Len(),
		GCQueueDepth:    e.collector.QueueLen(),
		Stores:          e.stores.Load(),
		DedupHits:       e.dedupHits.Load(),
		QuotaRejections: e.quotaRejections.Load(),
		Retrievals:      e.retrievals.Load(),
		Deletes:         e.deletes.Load(),
	}
}

// RunGarbageCollection triggers one collection run.
func (e *Engine) RunGarbageCollection(ctx context.Context) gc.Report {
	started := e.clk.Now()
	report := e.collector.Run(ctx)
	e.m.GCDeletedTotal.Add(float64(report.Deleted))
	e.m.GCQueueDepth.Set(float64(e.collector.QueueLen()))
	e.m.TrackedObjects.Set(float64(e.ctrl.Len()))
	e.m.SweepDurationSeconds.WithLabelValues("gc").Set(e.clk.Now().Sub(started).Seconds())
	return report
}

// VerifyBackups triggers one verification sweep.
func (e *Engine) VerifyBackups(ctx context.Context) backup.VerificationReport {
	report := e.verifier.Run(ctx)
	e.m.SweepDurationSeconds.WithLabelValues("backup-verification").Set(report.Duration.Seconds())
	return report
}

// RunDisasterRecoveryDrill triggers one drill.
func (e *Engine) RunDisasterRecoveryDrill(ctx context.Context) backup.DrillResult {
	result := e.driller.Run(ctx)
	e.m.SweepDurationSeconds.WithLabelValues("dr-drill").Set(result.Duration.Seconds())
	return result
}

// publish sends an event and logs failures; publishing never aborts the
// calling operation.
func (e *Engine) publish(ctx context.Context, topic string, payload map[string]any) {
	if err := e.bus.Publish(ctx, topic, payload); err != nil {
		e.log.Error("Failed to publish event", slog.String("topic", topic), "err", err)
	}
}
