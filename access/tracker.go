package access

import (
	"log/slog"
	"time"

	"github.com/andres-erbsen/clock"

	"github.com/pinwheel-storage/pinwheel/interfaces"
	"github.com/pinwheel-storage/pinwheel/statemap"
)

// Pattern is the rolling access record for one object. Counter maps are
// copied on write, so a Pattern returned by Get is safe to read without
// further locking.
type Pattern struct {
	ObjectID        interfaces.ObjectID
	TotalAccesses   int64
	DailyAccesses   int64
	WeeklyAccesses  int64
	ByType          map[interfaces.AccessType]int64
	LastAccessed    time.Time
	LastDailyReset  time.Time
	LastWeeklyReset time.Time
}

// Tracker maintains per-object access counters feeding replication
// decisions. All mutation is per-key via the sharded state map.
type Tracker struct {
	patterns *statemap.Map[Pattern]
	clk      clock.Clock
	log      *slog.Logger
}

// NewTracker creates a tracker using the given clock for timestamps.
func NewTracker(clk clock.Clock, log *slog.Logger) *Tracker {
	return &Tracker{
		patterns: statemap.New[Pattern](),
		clk:      clk,
		log:      log,
	}
}

// Init creates a zeroed pattern for a newly stored object. Re-initializing
// an existing object keeps the current counters.
func (t *Tracker) Init(id interfaces.ObjectID) {
	now := t.clk.Now()
	t.patterns.SetIfAbsent(id.String(), Pattern{
		ObjectID:        id,
		ByType:          map[interfaces.AccessType]int64{},
		LastDailyReset:  now,
		LastWeeklyReset: now,
	})
}

// Record increments counters for one access event and returns the updated
// pattern. Unknown objects get a pattern created on the fly, so events
// arriving before file-created are not lost.
func (t *Tracker) Record(id interfaces.ObjectID, accessType interfaces.AccessType) Pattern {
	now := t.clk.Now()
	return t.patterns.Update(id.String(), func(p Pattern, ok bool) Pattern {
		if !ok {
			p = Pattern{
				ObjectID:        id,
				ByType:          map[interfaces.AccessType]int64{},
				LastDailyReset:  now,
				LastWeeklyReset: now,
			}
		}
		byType := make(map[interfaces.AccessType]int64, len(p.ByType)+1)
		for k, v := range p.ByType {
			byType[k] = v
		}
		byType[accessType]++
		p.ByType = byType
		p.TotalAccesses++
		p.DailyAccesses++
		p.WeeklyAccesses++
		p.LastAccessed = now
		return p
	})
}

// Get returns the pattern for an object.
func (t *Tracker) Get(id interfaces.ObjectID) (Pattern, bool) {
	return t.patterns.Get(id.String())
}

// Delete drops the pattern when its object is deleted.
func (t *Tracker) Delete(id interfaces.ObjectID) {
	t.patterns.Delete(id.String())
}

// Len reports the number of tracked objects.
func (t *Tracker) Len() int {
	return t.patterns.Len()
}

// ResetDailyCounters zeroes the daily counter of every tracked object,
// and the weekly counter of objects whose last weekly reset is at least
// seven days old. Run once per day by the engine scheduler.
func (t *Tracker) ResetDailyCounters() int {
	now := t.clk.Now()
	reset := 0
	for _, key := range t.patterns.Keys() {
		if t.patterns.UpdateIfPresent(key, func(p Pattern) Pattern {
			p.DailyAccesses = 0
			p.LastDailyReset = now
			if now.Sub(p.LastWeeklyReset) >= 7*24*time.Hour {
				p.WeeklyAccesses = 0
				p.LastWeeklyReset = now
			}
			return p
		}) {
			reset++
		}
	}
	t.log.Debug("Reset daily access counters", slog.Int("objects", reset))
	return reset
}

// Range iterates over a snapshot of all patterns.
func (t *Tracker) Range(fn func(p Pattern) bool) {
	t.patterns.Range(func(_ string, p Pattern) bool {
		return fn(p)
	})
}
