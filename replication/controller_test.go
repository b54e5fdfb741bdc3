package replication

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/pinwheel-storage/pinwheel/access"
	"github.com/pinwheel-storage/pinwheel/interfaces"
	"github.com/pinwheel-storage/pinwheel/policy"
	"github.com/pinwheel-storage/pinwheel/storage"
)

var testRegions = []interfaces.Region{"us-east", "eu-west", "ap-south", "us-west", "eu-north"}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fixture struct {
	ctrl    *Controller
	tracker *access.Tracker
	store   *storage.MemoryStore
	clk     *clock.Mock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clk := clock.NewMock()
	log := testLogger()
	catalog, err := policy.NewCatalog(policy.DefaultPolicies(testRegions))
	require.NoError(t, err)
	tracker := access.NewTracker(clk, log)
	store := storage.NewMemoryStore()
	ctrl := NewController(Config{DefaultRegions: testRegions}, catalog, tracker, store, clk, log)
	return &fixture{ctrl: ctrl, tracker: tracker, store: store, clk: clk}
}

func (f *fixture) putObject(t *testing.T, payload []byte) interfaces.ObjectID {
	t.Helper()
	id, err := f.store.Put(context.Background(), payload)
	require.NoError(t, err)
	f.tracker.Init(id)
	return id
}

func TestApplyPolicyPinsMinReplicas(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.putObject(t, []byte("fresh object"))

	res, err := f.ctrl.ApplyPolicy(ctx, id, interfaces.ObjectMetadata{
		Size:         5 << 20,
		LastAccessed: f.clk.Now(),
	}, "u1")
	require.NoError(t, err)

	assert.Equal(t, policy.DefaultPolicyID, res.PolicyID)
	assert.Equal(t, 2, res.TargetReplicas, "default policy minReplicas")
	assert.Equal(t, interfaces.Healthy, res.Health)

	status, ok := f.ctrl.Get(id)
	require.True(t, ok)
	assert.Equal(t, []interfaces.Region{"us-east", "eu-west"}, status.Regions)
	assert.Len(t, f.store.Pins(id), 2)
}

func TestApplyPolicyIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.putObject(t, []byte("idempotent"))
	md := interfaces.ObjectMetadata{Size: 1 << 20, LastAccessed: f.clk.Now()}

	first, err := f.ctrl.ApplyPolicy(ctx, id, md, "u1")
	require.NoError(t, err)
	assert.Equal(t, 2, first.PinsIssued)

	second, err := f.ctrl.ApplyPolicy(ctx, id, md, "u1")
	require.NoError(t, err)
	assert.Zero(t, second.PinsIssued, "unchanged target issues no pins")
	assert.Equal(t, first.TargetReplicas, second.TargetReplicas)
}

func TestApplyPolicyAccessBonusCappedAtMax(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.putObject(t, []byte("hot object"))

	// 101 daily accesses: hot policy plus the +2 bonus.
	for i := 0; i < 101; i++ {
		f.tracker.Record(id, interfaces.ReadAccess)
	}

	res, err := f.ctrl.ApplyPolicy(ctx, id, interfaces.ObjectMetadata{
		Size:         5 << 20,
		LastAccessed: f.clk.Now(),
	}, "u1")
	require.NoError(t, err)

	assert.Equal(t, "hot", res.PolicyID)
	assert.Equal(t, 5, res.TargetReplicas, "min 3 + bonus 2, capped at max 5")

	status, _ := f.ctrl.Get(id)
	assert.LessOrEqual(t, status.CurrentReplicas, 5)
	assert.GreaterOrEqual(t, status.CurrentReplicas, 3)
}

type failingPinStore struct {
	mock.Mock
	*storage.MemoryStore
}

func (s *failingPinStore) Pin(ctx context.Context, id interfaces.ObjectID, region interfaces.Region) error {
	args := s.Called(ctx, id, region)
	if args.Error(0) != nil {
		return args.Error(0)
	}
	return s.MemoryStore.Pin(ctx, id, region)
}

func TestPartialPinFailureDegradesHealth(t *testing.T) {
	clk := clock.NewMock()
	log := testLogger()
	catalog, err := policy.NewCatalog(policy.DefaultPolicies(testRegions))
	require.NoError(t, err)
	tracker := access.NewTracker(clk, log)
	mem := storage.NewMemoryStore()
	store := &failingPinStore{MemoryStore: mem}
	ctrl := NewController(Config{DefaultRegions: testRegions}, catalog, tracker, store, clk, log)

	ctx := context.Background()
	id, err := mem.Put(ctx, []byte("partial"))
	require.NoError(t, err)
	tracker.Init(id)

	store.On("Pin", mock.Anything, id, interfaces.Region("us-east")).Return(nil)
	store.On("Pin", mock.Anything, id, interfaces.Region("eu-west")).Return(interfaces.ErrDependencyUnavailable)

	res, err := ctrl.ApplyPolicy(ctx, id, interfaces.ObjectMetadata{Size: 1 << 20, LastAccessed: clk.Now()}, "u1")
	assert.ErrorIs(t, err, interfaces.ErrReplicationDegraded)
	assert.Equal(t, 1, res.PinFailures)
	assert.Equal(t, interfaces.Degraded, res.Health)

	status, ok := ctrl.Get(id)
	require.True(t, ok)
	assert.Equal(t, interfaces.Degraded, status.Health)
	assert.Equal(t, 1, status.CurrentReplicas)

	// Re-application repairs once the region recovers.
	store.ExpectedCalls = nil
	store.On("Pin", mock.Anything, id, mock.Anything).Return(nil)
	res, err = ctrl.ApplyPolicy(ctx, id, interfaces.ObjectMetadata{Size: 1 << 20, LastAccessed: clk.Now()}, "u1")
	require.NoError(t, err)
	assert.Equal(t, interfaces.Healthy, res.Health)
}

type failingUnpinStore struct {
	mock.Mock
	*storage.MemoryStore
}

func (s *failingUnpinStore) Unpin(ctx context.Context, id interfaces.ObjectID, region interfaces.Region) error {
	args := s.Called(ctx, id, region)
	if args.Error(0) != nil {
		return args.Error(0)
	}
	return s.MemoryStore.Unpin(ctx, id, region)
}

func TestFailedSurplusUnpinKeepsReplicasWithinPolicyMax(t *testing.T) {
	clk := clock.NewMock()
	log := testLogger()
	catalog, err := policy.NewCatalog(policy.DefaultPolicies(testRegions))
	require.NoError(t, err)
	tracker := access.NewTracker(clk, log)
	mem := storage.NewMemoryStore()
	store := &failingUnpinStore{MemoryStore: mem}
	ctrl := NewController(Config{DefaultRegions: testRegions}, catalog, tracker, store, clk, log)

	ctx := context.Background()
	id, err := mem.Put(ctx, []byte("shrinking"))
	require.NoError(t, err)
	tracker.Init(id)
	md := interfaces.ObjectMetadata{Size: 1 << 20, LastAccessed: clk.Now()}

	// 101 daily accesses: hot policy at its 3+2 bonus maximum, five regions.
	for i := 0; i < 101; i++ {
		tracker.Record(id, interfaces.ReadAccess)
	}
	_, err = ctrl.ApplyPolicy(ctx, id, md, "u1")
	require.NoError(t, err)
	boosted, _ := ctrl.Get(id)
	require.Equal(t, 5, boosted.CurrentReplicas)

	// The daily bonus lapses, shrinking the target back to three. One of
	// the two surplus regions refuses the unpin.
	tracker.ResetDailyCounters()
	store.On("Unpin", mock.Anything, id, interfaces.Region("eu-north")).Return(interfaces.ErrDependencyUnavailable)
	store.On("Unpin", mock.Anything, id, mock.Anything).Return(nil)

	res, err := ctrl.ApplyPolicy(ctx, id, md, "u1")
	require.NoError(t, err)
	assert.Equal(t, 3, res.TargetReplicas)

	status, ok := ctrl.Get(id)
	require.True(t, ok)
	pol, err := ctrl.catalog.Get(status.PolicyID)
	require.NoError(t, err)
	assert.Equal(t, 3, status.CurrentReplicas, "the stuck region does not count")
	assert.LessOrEqual(t, status.CurrentReplicas, pol.MaxReplicas)
	assert.Contains(t, status.Regions, interfaces.Region("eu-north"),
		"the stuck region stays tracked for a later unpin")
	assert.Len(t, status.Regions, 4)

	// Once the region answers again, re-application drains the leftover.
	store.ExpectedCalls = nil
	store.On("Unpin", mock.Anything, id, mock.Anything).Return(nil)
	_, err = ctrl.ApplyPolicy(ctx, id, md, "u1")
	require.NoError(t, err)
	status, _ = ctrl.Get(id)
	assert.Len(t, status.Regions, 3)
	assert.NotContains(t, status.Regions, interfaces.Region("eu-north"))
}

func TestEvaluateForAdjustmentAddsReplicaWhenHot(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.putObject(t, []byte("getting hot"))

	_, err := f.ctrl.ApplyPolicy(ctx, id, interfaces.ObjectMetadata{Size: 1 << 20, LastAccessed: f.clk.Now()}, "u1")
	require.NoError(t, err)
	before, _ := f.ctrl.Get(id)

	for i := 0; i < 60; i++ {
		f.tracker.Record(id, interfaces.ReadAccess)
	}
	require.NoError(t, f.ctrl.EvaluateForAdjustment(ctx, id))

	after, _ := f.ctrl.Get(id)
	assert.Equal(t, before.CurrentReplicas+1, after.CurrentReplicas, "one step per evaluation")

	// A second evaluation may add one more, never two at once.
	require.NoError(t, f.ctrl.EvaluateForAdjustment(ctx, id))
	final, _ := f.ctrl.Get(id)
	assert.LessOrEqual(t, final.CurrentReplicas, after.CurrentReplicas+1)
}

func TestEvaluateForAdjustmentDropsReplicaWhenCold(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.putObject(t, []byte("going cold"))

	f.tracker.Record(id, interfaces.WriteAccess)
	_, err := f.ctrl.ApplyPolicy(ctx, id, interfaces.ObjectMetadata{Size: 1 << 20, LastAccessed: f.clk.Now()}, "u1")
	require.NoError(t, err)

	// Push above the minimum so there is something to drop.
	for i := 0; i < 60; i++ {
		f.tracker.Record(id, interfaces.ReadAccess)
	}
	require.NoError(t, f.ctrl.EvaluateForAdjustment(ctx, id))
	boosted, _ := f.ctrl.Get(id)

	// 31 days of silence.
	f.clk.Add(31 * 24 * time.Hour)
	f.tracker.ResetDailyCounters()
	require.NoError(t, f.ctrl.EvaluateForAdjustment(ctx, id))

	cooled, _ := f.ctrl.Get(id)
	assert.Equal(t, boosted.CurrentReplicas-1, cooled.CurrentReplicas)

	pol, err := f.ctrl.catalog.Get(cooled.PolicyID)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, cooled.CurrentReplicas, pol.MinReplicas,
		"never drops below the policy minimum")
}

func TestReplicaBoundsInvariant(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.putObject(t, []byte("bounded"))

	md := interfaces.ObjectMetadata{Size: 1 << 20, LastAccessed: f.clk.Now()}
	_, err := f.ctrl.ApplyPolicy(ctx, id, md, "u1")
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		for j := 0; j < 60; j++ {
			f.tracker.Record(id, interfaces.ReadAccess)
		}
		_ = f.ctrl.EvaluateForAdjustment(ctx, id)
		_, err := f.ctrl.ApplyPolicy(ctx, id, md, "u1")
		require.NoError(t, err)

		status, ok := f.ctrl.Get(id)
		require.True(t, ok)
		pol, err := f.ctrl.catalog.Get(status.PolicyID)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, status.CurrentReplicas, pol.MinReplicas)
		assert.LessOrEqual(t, status.CurrentReplicas, pol.MaxReplicas)
	}
}

func TestSetHealthAndRemove(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.putObject(t, []byte("health"))

	_, err := f.ctrl.ApplyPolicy(ctx, id, interfaces.ObjectMetadata{Size: 1, LastAccessed: f.clk.Now()}, "u1")
	require.NoError(t, err)

	f.ctrl.SetHealth(id, interfaces.Failed)
	status, ok := f.ctrl.Get(id)
	require.True(t, ok)
	assert.Equal(t, interfaces.Failed, status.Health)

	f.ctrl.Remove(id)
	_, ok = f.ctrl.Get(id)
	assert.False(t, ok)
	assert.Zero(t, f.ctrl.Len())
}
