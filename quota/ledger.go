package quota

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/c2h5oh/datasize"

	"github.com/pinwheel-storage/pinwheel/interfaces"
	"github.com/pinwheel-storage/pinwheel/statemap"
)

// Band is the alert band an owner's usage ratio falls into.
type Band int

const (
	// BandNone is below the warning threshold.
	BandNone Band = iota
	// BandWarning is at or above the warning threshold.
	BandWarning
	// BandCritical is at or above the critical threshold.
	BandCritical
)

// String returns the band name used in alert events.
func (b Band) String() string {
	switch b {
	case BandWarning:
		return "warning"
	case BandCritical:
		return "critical"
	default:
		return "none"
	}
}

// Config tunes the quota ledger.
type Config struct {
	DefaultLimit      int64
	WarningThreshold  float64
	CriticalThreshold float64
	OverageEnabled    bool
	OverageCostPerGiB float64
	OverageCurrency   string
}

func (c Config) applyDefaults() Config {
	if c.DefaultLimit == 0 {
		c.DefaultLimit = int64(datasize.GB.Bytes())
	}
	if c.WarningThreshold == 0 {
		c.WarningThreshold = 0.80
	}
	if c.CriticalThreshold == 0 {
		c.CriticalThreshold = 0.95
	}
	if c.OverageCurrency == "" {
		c.OverageCurrency = "USD"
	}
	return c
}

// Quota is one owner's storage accounting entry.
type Quota struct {
	Owner       interfaces.OwnerID
	Limit       int64
	Used        int64
	LastUpdated time.Time
	// lastBand tracks the last alerted band so threshold crossings
	// notify exactly once.
	lastBand Band
}

// Band computes the alert band for the current ratio.
func (q Quota) band(cfg Config) Band {
	if q.Limit <= 0 {
		return BandNone
	}
	ratio := float64(q.Used) / float64(q.Limit)
	switch {
	case ratio >= cfg.CriticalThreshold:
		return BandCritical
	case ratio >= cfg.WarningThreshold:
		return BandWarning
	default:
		return BandNone
	}
}

// CheckResult is the outcome of a pre-write quota check.
type CheckResult struct {
	WithinLimit   bool
	ProjectedUsed int64
	OverageBytes  int64
	OverageCost   float64
}

// UsageReport is the owner-facing usage summary.
type UsageReport struct {
	Owner        interfaces.OwnerID
	Used         int64
	Limit        int64
	Available    int64
	WarningLevel string
}

// Ledger keeps per-owner used/limit accounting. Entries are created
// lazily with the default limit; every mutation is atomic per owner.
type Ledger struct {
	cfg      Config
	quotas   *statemap.Map[Quota]
	bus      interfaces.EventBus
	payments interfaces.PaymentProcessor
	clk      clock.Clock
	log      *slog.Logger
}

// NewLedger creates a quota ledger publishing alerts to bus and settling
// overage through payments.
func NewLedger(cfg Config, bus interfaces.EventBus, payments interfaces.PaymentProcessor, clk clock.Clock, log *slog.Logger) *Ledger {
	return &Ledger{
		cfg:      cfg.applyDefaults(),
		quotas:   statemap.New[Quota](),
		bus:      bus,
		payments: payments,
		clk:      clk,
		log:      log,
	}
}

// OverageEnabled reports whether owners may exceed their limit for a fee.
func (l *Ledger) OverageEnabled() bool {
	return l.cfg.OverageEnabled
}

func (l *Ledger) getOrCreate(owner interfaces.OwnerID) Quota {
	q, _ := l.quotas.SetIfAbsent(string(owner), Quota{
		Owner:       owner,
		Limit:       l.cfg.DefaultLimit,
		LastUpdated: l.clk.Now(),
	})
	return q
}

// OverageCost prices an overage in whole GiB increments.
func (l *Ledger) OverageCost(overageBytes int64) float64 {
	if overageBytes <= 0 {
		return 0
	}
	gib := math.Ceil(float64(overageBytes) / float64(datasize.GB.Bytes()))
	return gib * l.cfg.OverageCostPerGiB
}

// CheckQuota projects usage after a write of requestedBytes. When the
// projection exceeds the limit and overage billing is disabled the write
// must be rejected; with overage enabled the caller may proceed and owes
// OverageCost.
func (l *Ledger) CheckQuota(owner interfaces.OwnerID, requestedBytes int64) CheckResult {
	q := l.getOrCreate(owner)
	projected := q.Used + requestedBytes
	res := CheckResult{ProjectedUsed: projected}
	if projected <= q.Limit {
		res.WithinLimit = true
		return res
	}
	res.OverageBytes = projected - q.Limit
	res.OverageCost = l.OverageCost(res.OverageBytes)
	res.WithinLimit = l.cfg.OverageEnabled
	return res
}

// SettleOverage charges the owner for overage bytes through the payment
// collaborator.
func (l *Ledger) SettleOverage(ctx context.Context, owner interfaces.OwnerID, overageBytes int64) error {
	cost := l.OverageCost(overageBytes)
	if cost == 0 {
		return nil
	}
	err := l.payments.ProcessPayment(ctx, interfaces.PaymentRequest{
		Owner:    owner,
		Amount:   cost,
		Currency: l.cfg.OverageCurrency,
		Purpose:  "storage-overage",
	})
	if err != nil {
		return fmt.Errorf("overage payment for %s: %w", owner, err)
	}
	l.log.Info("Settled storage overage",
		slog.String("owner", string(owner)),
		slog.Int64("overage_bytes", overageBytes),
		slog.Float64("cost", cost))
	return nil
}

// UpdateUsage applies a signed delta to the owner's usage. Usage never
// drops below zero even when deletes land before their stores. An upward
// band crossing publishes a quota-alert exactly once; dropping back
// lowers the band silently so the next crossing alerts again.
func (l *Ledger) UpdateUsage(ctx context.Context, owner interfaces.OwnerID, delta int64) Quota {
	l.getOrCreate(owner)

	var alertBand Band
	updated := l.quotas.Update(string(owner), func(q Quota, ok bool) Quota {
		if !ok {
			q = Quota{Owner: owner, Limit: l.cfg.DefaultLimit}
		}
		q.Used += delta
		if q.Used < 0 {
			q.Used = 0
		}
		q.LastUpdated = l.clk.Now()

		band := q.band(l.cfg)
		if band > q.lastBand {
			alertBand = band
		}
		q.lastBand = band
		return q
	})

	if alertBand != BandNone {
		l.publishAlert(ctx, updated, alertBand)
	}
	return updated
}

func (l *Ledger) publishAlert(ctx context.Context, q Quota, band Band) {
	l.log.Warn("Storage quota threshold crossed",
		slog.String("owner", string(q.Owner)),
		slog.String("band", band.String()),
		slog.Int64("used", q.Used),
		slog.Int64("limit", q.Limit))
	if err := l.bus.Publish(ctx, interfaces.TopicQuotaAlert, map[string]any{
		"owner": string(q.Owner),
		"band":  band.String(),
		"used":  q.Used,
		"limit": q.Limit,
	}); err != nil {
		l.log.Error("Failed to publish quota alert", "err", err)
	}
}

// SetLimit updates the owner's quota limit and publishes quota-updated.
func (l *Ledger) SetLimit(ctx context.Context, owner interfaces.OwnerID, newLimit int64) (Quota, error) {
	if newLimit < 0 {
		return Quota{}, fmt.Errorf("negative quota limit %d for %s", newLimit, owner)
	}
	l.getOrCreate(owner)
	updated := l.quotas.Update(string(owner), func(q Quota, ok bool) Quota {
		if !ok {
			q = Quota{Owner: owner}
		}
		q.Limit = newLimit
		q.LastUpdated = l.clk.Now()
		// Recompute the band against the new limit; alerts fire on the
		// next usage change.
		q.lastBand = q.band(l.cfg)
		return q
	})

	if err := l.bus.Publish(ctx, interfaces.TopicQuotaUpdated, map[string]any{
		"owner": string(owner),
		"limit": newLimit,
	}); err != nil {
		l.log.Error("Failed to publish quota update", "err", err)
	}
	return updated, nil
}

// Usage returns the owner-facing usage report.
func (l *Ledger) Usage(owner interfaces.OwnerID) UsageReport {
	q := l.getOrCreate(owner)
	available := q.Limit - q.Used
	if available < 0 {
		available = 0
	}
	return UsageReport{
		Owner:        owner,
		Used:         q.Used,
		Limit:        q.Limit,
		Available:    available,
		WarningLevel: q.band(l.cfg).String(),
	}
}

// Get returns the raw quota entry for an owner, creating it lazily.
func (l *Ledger) Get(owner interfaces.OwnerID) Quota {
	return l.getOrCreate(owner)
}

// Owners reports the number of tracked owners.
func (l *Ledger) Owners() int {
	return l.quotas.Len()
}

// TotalUsed sums usage across all owners.
func (l *Ledger) TotalUsed() int64 {
	var total int64
	l.quotas.Range(func(_ string, q Quota) bool {
		total += q.Used
		return true
	})
	return total
}
