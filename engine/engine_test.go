package engine

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/andres-erbsen/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pinwheel-storage/pinwheel/audit"
	"github.com/pinwheel-storage/pinwheel/bus"
	"github.com/pinwheel-storage/pinwheel/dedup"
	"github.com/pinwheel-storage/pinwheel/interfaces"
	"github.com/pinwheel-storage/pinwheel/payment"
	"github.com/pinwheel-storage/pinwheel/policy"
	"github.com/pinwheel-storage/pinwheel/quota"
	"github.com/pinwheel-storage/pinwheel/replication"
	"github.com/pinwheel-storage/pinwheel/storage"
)

var testRegions = []interfaces.Region{"us-east", "eu-west", "ap-south", "us-west", "eu-north"}

type stubRefs struct {
	refs map[interfaces.ObjectID][]string
	err  error
}

func (s *stubRefs) ReferencesOf(_ context.Context, id interfaces.ObjectID) ([]string, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.refs[id], nil
}

type fixture struct {
	engine *Engine
	store  *storage.MemoryStore
	refs   *stubRefs
	bus    *bus.InMemory
	clk    *clock.Mock
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	clk := clock.NewMock()
	store := storage.NewMemoryStore()
	refs := &stubRefs{refs: map[interfaces.ObjectID][]string{}}
	events := bus.NewInMemory(log)

	if cfg.Dedup.MinSize == 0 {
		cfg.Dedup = dedup.Config{MinSize: 1}
	}
	if len(cfg.Regions) == 0 {
		cfg.Regions = testRegions
	}

	catalog, err := policy.NewCatalog(policy.DefaultPolicies(cfg.Regions))
	require.NoError(t, err)

	eng, err := New(cfg, store, refs, events, audit.NopSink{}, payment.NopProcessor{}, catalog, nil, clk, log)
	require.NoError(t, err)
	t.Cleanup(eng.Stop)
	return &fixture{engine: eng, store: store, refs: refs, bus: events, clk: clk}
}

type eventRecorder struct {
	mu     sync.Mutex
	events []interfaces.Event
}

func (r *eventRecorder) handle(_ context.Context, event interfaces.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *eventRecorder) all() []interfaces.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]interfaces.Event(nil), r.events...)
}

func TestStoreFileSelectsDefaultPolicyForFreshObject(t *testing.T) {
	f := newFixture(t, Config{})
	res, err := f.engine.StoreFile(context.Background(), "u1", []byte("fresh content"), StoreOptions{})
	require.NoError(t, err)

	assert.False(t, res.Deduplicated)
	assert.Equal(t, "default", res.PolicyID)
	assert.Equal(t, 2, res.Replicas, "default policy pins its minimum")
	assert.Equal(t, interfaces.Healthy, res.Health)
	assert.ElementsMatch(t,
		[]interfaces.Region{"us-east", "eu-west"},
		f.store.Pins(res.ObjectID),
		"replicas land on the first regions of the policy's geo list")

	usage := f.engine.GetStorageUsage("u1")
	assert.Equal(t, int64(len("fresh content")), usage.Used)
}

func TestStoreFileDeduplicatesSecondUpload(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	payload := []byte("shared content between owners")

	first, err := f.engine.StoreFile(ctx, "u1", payload, StoreOptions{})
	require.NoError(t, err)
	second, err := f.engine.StoreFile(ctx, "u2", payload, StoreOptions{})
	require.NoError(t, err)

	assert.True(t, second.Deduplicated)
	assert.Equal(t, first.ObjectID, second.ObjectID)
	assert.Equal(t, int64(len(payload)), f.engine.GetStorageUsage("u1").Used)
	assert.Zero(t, f.engine.GetStorageUsage("u2").Used, "duplicate contributes no usage")

	stats := f.engine.GetStorageStats()
	assert.Equal(t, int64(2), stats.Stores)
	assert.Equal(t, int64(1), stats.DedupHits)
	assert.Equal(t, 1, stats.Objects)
}

func TestConcurrentIdenticalUploadsAgreeOnOneObject(t *testing.T) {
	f := newFixture(t, Config{})
	payload := []byte("racy content stored twice at once")

	results := make([]StoreResult, 2)
	errs := make([]error, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		i := i
		owner := interfaces.OwnerID(fmt.Sprintf("u%d", i+1))
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = f.engine.StoreFile(context.Background(), owner, payload, StoreOptions{})
		}()
	}
	wg.Wait()
	require.NoError(t, errs[0])
	require.NoError(t, errs[1])

	assert.Equal(t, results[0].ObjectID, results[1].ObjectID)
	total := f.engine.GetStorageUsage("u1").Used + f.engine.GetStorageUsage("u2").Used
	assert.Equal(t, int64(len(payload)), total, "exactly one upload is charged")
	assert.Equal(t, 1, f.engine.GetStorageStats().Objects)
}

func TestStoreFileRejectsOverQuota(t *testing.T) {
	f := newFixture(t, Config{Quota: quota.Config{DefaultLimit: 16}})
	_, err := f.engine.StoreFile(context.Background(), "u1", make([]byte, 32), StoreOptions{})
	assert.ErrorIs(t, err, interfaces.ErrQuotaExceeded)
	assert.Zero(t, f.engine.GetStorageUsage("u1").Used)
	assert.Equal(t, int64(1), f.engine.GetStorageStats().QuotaRejections)
}

func TestStoreFileChargesOverageWhenEnabled(t *testing.T) {
	f := newFixture(t, Config{Quota: quota.Config{
		DefaultLimit:      16,
		OverageEnabled:    true,
		OverageCostPerGiB: 0.5,
	}})
	res, err := f.engine.StoreFile(context.Background(), "u1", make([]byte, 32), StoreOptions{})
	require.NoError(t, err)
	assert.Equal(t, 0.5, res.OverageCost, "16 bytes over rounds up to one GiB increment")
	assert.Equal(t, int64(32), f.engine.GetStorageUsage("u1").Used)
}

func TestStoreFilePublishesFileStored(t *testing.T) {
	f := newFixture(t, Config{})
	stored := &eventRecorder{}
	created := &eventRecorder{}
	f.bus.Subscribe(interfaces.TopicFileStored, stored.handle)
	f.bus.Subscribe(interfaces.TopicFileCreated, created.handle)

	res, err := f.engine.StoreFile(context.Background(), "u1", []byte("announce me"), StoreOptions{})
	require.NoError(t, err)

	events := stored.all()
	require.Len(t, events, 1)
	assert.Equal(t, res.ObjectID.String(), events[0].Payload["object_id"])
	assert.Equal(t, false, events[0].Payload["deduplicated"])
	assert.Empty(t, created.all(), "file-created is consumed, never published")
}

func TestExternalFileCreatedEventInitializesTracking(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	payload := []byte("created by another writer")
	id, err := f.store.Put(ctx, payload)
	require.NoError(t, err)

	require.NoError(t, f.bus.Publish(ctx, interfaces.TopicFileCreated, map[string]any{
		"object_id": id.String(),
		"owner":     "u2",
		"size":      len(payload),
	}))
	// Draining the worker pool flushes the lifecycle handler.
	f.engine.Stop()

	status, ok := f.engine.ctrl.Get(id)
	require.True(t, ok, "external object came under management")
	assert.Equal(t, "default", status.PolicyID)
	assert.NotEmpty(t, f.store.Pins(id))
	assert.Equal(t, int64(len(payload)), f.engine.GetStorageUsage("u2").Used)
}

func TestExternalFileDeletedEventReachesGC(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	res, err := f.engine.StoreFile(ctx, "u1", []byte("deleted by another writer"), StoreOptions{})
	require.NoError(t, err)

	require.NoError(t, f.bus.Publish(ctx, interfaces.TopicFileDeleted, map[string]any{
		"object_id": res.ObjectID.String(),
		"owner":     "u1",
	}))
	f.engine.Stop()

	assert.Equal(t, 1, f.engine.GetStorageStats().GCQueueDepth)
	assert.Zero(t, f.engine.GetStorageUsage("u1").Used, "external delete reclaims quota")

	report := f.engine.RunGarbageCollection(ctx)
	assert.Equal(t, 1, report.Deleted)
}

func TestRetrieveFileUnknownObjectIsNotFound(t *testing.T) {
	f := newFixture(t, Config{})
	_, err := f.engine.RetrieveFile(context.Background(), "u1", interfaces.ComputeObjectID([]byte("never stored")))
	assert.ErrorIs(t, err, interfaces.ErrNotFound)
}

func TestRetrieveFileRecordsAccess(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	payload := []byte("read me back")
	res, err := f.engine.StoreFile(ctx, "u1", payload, StoreOptions{})
	require.NoError(t, err)

	got, err := f.engine.RetrieveFile(ctx, "u1", res.ObjectID)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
	assert.Equal(t, int64(1), f.engine.GetStorageStats().Retrievals)
}

func TestHotObjectGainsReplicasThroughAccessEvents(t *testing.T) {
	f := newFixture(t, Config{Replication: replication.Config{
		DefaultRegions:    testRegions,
		HotDailyThreshold: 5,
	}})
	ctx := context.Background()
	res, err := f.engine.StoreFile(ctx, "u1", []byte("suddenly popular"), StoreOptions{})
	require.NoError(t, err)
	require.Equal(t, 2, res.Replicas)

	for i := 0; i < 10; i++ {
		_, err := f.engine.RetrieveFile(ctx, "u1", res.ObjectID)
		require.NoError(t, err)
	}
	// Draining the worker pool flushes the queued adjustments.
	f.engine.Stop()

	status, ok := f.engine.ctrl.Get(res.ObjectID)
	require.True(t, ok)
	assert.Greater(t, status.CurrentReplicas, 2, "hot object scaled up")
	pol, err := f.engine.catalog.Get(status.PolicyID)
	require.NoError(t, err)
	assert.LessOrEqual(t, status.CurrentReplicas, pol.MaxReplicas)
}

func TestDeleteFileReclaimsQuotaExactlyOnce(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	payload := []byte("delete me")
	res, err := f.engine.StoreFile(ctx, "u1", payload, StoreOptions{})
	require.NoError(t, err)
	require.Equal(t, int64(len(payload)), f.engine.GetStorageUsage("u1").Used)

	require.NoError(t, f.engine.DeleteFile(ctx, "u1", res.ObjectID))
	assert.Zero(t, f.engine.GetStorageUsage("u1").Used, "quota reclaimed at delete time")

	report := f.engine.RunGarbageCollection(ctx)
	assert.Equal(t, 1, report.Deleted)
	assert.Zero(t, f.engine.GetStorageUsage("u1").Used, "GC does not refund again")
	assert.Empty(t, f.store.Pins(res.ObjectID), "the store may now reclaim the bytes")
	assert.Zero(t, f.engine.GetStorageStats().Objects)
}

func TestDeleteFileUnknownObjectIsNotFound(t *testing.T) {
	f := newFixture(t, Config{})
	err := f.engine.DeleteFile(context.Background(), "u1", interfaces.ComputeObjectID([]byte("ghost")))
	assert.ErrorIs(t, err, interfaces.ErrNotFound)
}

func TestDeleteFileWrongOwnerIsNotFound(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	res, err := f.engine.StoreFile(ctx, "u1", []byte("someone else's object"), StoreOptions{})
	require.NoError(t, err)

	err = f.engine.DeleteFile(ctx, "u2", res.ObjectID)
	assert.ErrorIs(t, err, interfaces.ErrNotFound)
	assert.Equal(t, int64(len("someone else's object")), f.engine.GetStorageUsage("u1").Used)
}

func TestReferencedObjectSurvivesDeleteAndGC(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	payload := []byte("still referenced elsewhere")
	res, err := f.engine.StoreFile(ctx, "u1", payload, StoreOptions{})
	require.NoError(t, err)
	f.refs.refs[res.ObjectID] = []string{"dataset-7"}

	require.NoError(t, f.engine.DeleteFile(ctx, "u1", res.ObjectID))
	report := f.engine.RunGarbageCollection(ctx)
	assert.Zero(t, report.Deleted)

	got, err := f.engine.RetrieveFile(ctx, "u1", res.ObjectID)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestBackupSweepAndDrillRunThroughEngine(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	_, err := f.engine.StoreFile(ctx, "u1", []byte("verify and drill"), StoreOptions{})
	require.NoError(t, err)

	report := f.engine.VerifyBackups(ctx)
	assert.Equal(t, 1, report.Checked)
	assert.Equal(t, 1, report.Healthy)

	result := f.engine.RunDisasterRecoveryDrill(ctx)
	assert.Equal(t, "passed", result.Verdict)
	assert.Equal(t, 1, f.engine.GetStorageStats().Objects, "drill leaves no artifacts")
}

func TestUpdateStorageQuota(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	q, err := f.engine.UpdateStorageQuota(ctx, "u1", 1<<20)
	require.NoError(t, err)
	assert.Equal(t, int64(1<<20), q.Limit)

	_, err = f.engine.UpdateStorageQuota(ctx, "u1", -1)
	assert.Error(t, err)
}
