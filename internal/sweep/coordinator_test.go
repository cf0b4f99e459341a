package sweep

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/opsarch/nodewatch/internal/aggregate"
	"github.com/opsarch/nodewatch/internal/coord"
	"github.com/opsarch/nodewatch/internal/dispatch"
	"github.com/opsarch/nodewatch/internal/model"
	"github.com/opsarch/nodewatch/internal/probe"
	"github.com/opsarch/nodewatch/internal/storage"
)

type fixedProbe struct {
	healthy bool
}

func (p *fixedProbe) Check(ctx context.Context, target probe.Target, params probe.Params) model.ProbeResult {
	latency := 5.0
	result := model.ProbeResult{
		Host: target.Host, Port: target.Port, Kind: probe.KindPing,
		Healthy: p.healthy,
	}
	if p.healthy {
		result.ResponseTimeMs = &latency
	} else {
		result.ErrorMessage = "ping timeout after 1s"
	}
	return result
}

type sweepFixture struct {
	nodes   storage.NodeStore
	history storage.HealthHistoryStore
	sweeps  storage.SweepHistoryStorage
	stats   storage.StatsStore
	store   *coord.MemoryStore
	coord   *Coordinator
}

func newSweepFixture(t *testing.T, healthy bool, nodeCount int) *sweepFixture {
	t.Helper()
	logger, _ := zap.NewDevelopment()

	db, err := storage.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	nodes, err := storage.NewSQLiteNodeStore(logger, db)
	require.NoError(t, err)
	history, err := storage.NewSQLiteHealthHistory(logger, db)
	require.NoError(t, err)
	sweeps, err := storage.NewSQLiteSweepHistory(logger, db)
	require.NoError(t, err)
	stats, err := storage.NewSQLiteStatsStore(logger, db)
	require.NoError(t, err)

	ctx := context.Background()
	link := &model.Link{Name: "backbone", Active: true}
	require.NoError(t, nodes.CreateLink(ctx, link))
	for i := 0; i < nodeCount; i++ {
		node := &model.Node{
			Name:   "edge",
			LinkID: link.ID,
			Active: true,
			Endpoints: []model.Endpoint{
				{Host: "10.0.0.1"},
			},
		}
		require.NoError(t, nodes.CreateNode(ctx, node))
	}

	registry := probe.NewRegistry()
	registry.Register(probe.KindPing, &fixedProbe{healthy: healthy})
	dispatcher := dispatch.NewDispatcher(registry, dispatch.Config{
		ProbeTimeout: time.Second,
		Retry:        dispatch.RetryPolicy{MaxAttempts: 1},
	}, logger)
	aggregator := aggregate.NewAggregator(nodes, history, nil, logger)

	store := coord.NewMemoryStore()
	coordinator := NewCoordinator(nodes, sweeps, stats, store, dispatcher, aggregator,
		Config{MaxConcurrent: 2, StaggerInterval: time.Millisecond}, logger)

	return &sweepFixture{
		nodes:   nodes,
		history: history,
		sweeps:  sweeps,
		stats:   stats,
		store:   store,
		coord:   coordinator,
	}
}

func TestLeaseTTL(t *testing.T) {
	assert.Equal(t, 30*time.Minute, LeaseTTL(0))
	assert.Equal(t, 40*time.Minute, LeaseTTL(10))
	assert.Equal(t, 90*time.Minute, LeaseTTL(60))
	// Capped at two hours
	assert.Equal(t, 2*time.Hour, LeaseTTL(91))
	assert.Equal(t, 2*time.Hour, LeaseTTL(1000))
}

func TestCoordinator_RunFinalizes(t *testing.T) {
	f := newSweepFixture(t, true, 5)
	ctx := context.Background()

	run, err := f.coord.Run(ctx)
	require.NoError(t, err)
	require.NotNil(t, run)
	assert.Equal(t, 5, run.NodeCount)

	f.coord.Wait()

	// The pending set drained to zero and the lease is released
	count, err := f.store.PendingCount(ctx, SweepName)
	require.NoError(t, err)
	assert.Zero(t, count)
	acquired, err := f.store.AcquireLease(ctx, SweepName, "probe-owner", time.Minute)
	require.NoError(t, err)
	assert.True(t, acquired)

	// The run record is finalized with a wall-clock duration
	stored, err := f.sweeps.Get(ctx, run.ID)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, model.SweepStatusFinalized, stored.Status)
	assert.Greater(t, stored.Duration, time.Duration(0))

	// Every node was checked and got a sample
	nodes, err := f.nodes.ListActiveNodes(ctx)
	require.NoError(t, err)
	for _, node := range nodes {
		assert.Equal(t, model.HealthStatusGreen, node.HealthStatus)
		sample, err := f.history.Latest(ctx, node.ID)
		require.NoError(t, err)
		require.NotNil(t, sample)

		stat, err := f.stats.Get(ctx, "node_check_duration_"+node.ID)
		require.NoError(t, err)
		require.NotNil(t, stat)
		assert.GreaterOrEqual(t, stat.Value, 0.0)
	}
}

func TestCoordinator_SkipsWhenSweepInProgress(t *testing.T) {
	f := newSweepFixture(t, true, 2)
	ctx := context.Background()

	acquired, err := f.store.AcquireLease(ctx, SweepName, "another-instance", time.Minute)
	require.NoError(t, err)
	require.True(t, acquired)

	run, err := f.coord.Run(ctx)
	assert.ErrorIs(t, err, ErrSweepInProgress)
	assert.Nil(t, run)

	// Nothing was dispatched
	f.coord.Wait()
	nodes, err := f.nodes.ListActiveNodes(ctx)
	require.NoError(t, err)
	for _, node := range nodes {
		assert.Equal(t, model.HealthStatusUnknown, node.HealthStatus)
	}
}

func TestCoordinator_UnhealthyNodesGoRed(t *testing.T) {
	f := newSweepFixture(t, false, 3)
	ctx := context.Background()

	run, err := f.coord.Run(ctx)
	require.NoError(t, err)
	require.NotNil(t, run)
	f.coord.Wait()

	nodes, err := f.nodes.ListActiveNodes(ctx)
	require.NoError(t, err)
	for _, node := range nodes {
		assert.Equal(t, model.HealthStatusRed, node.HealthStatus)
		sample, err := f.history.Latest(ctx, node.ID)
		require.NoError(t, err)
		require.NotNil(t, sample)
		assert.Equal(t, "ping timeout after 1s", sample.ErrorMessage)
	}
}

// faultyNodeStore panics when one particular node is looked up, standing in
// for a node task that crashes mid-check.
type faultyNodeStore struct {
	storage.NodeStore
	panicID string
}

func (s *faultyNodeStore) GetNode(ctx context.Context, id string) (*model.Node, error) {
	if id == s.panicID {
		panic("node lookup blew up")
	}
	return s.NodeStore.GetNode(ctx, id)
}

func TestCoordinator_PanickedTaskStillDrainsPendingSet(t *testing.T) {
	f := newSweepFixture(t, true, 3)
	ctx := context.Background()

	nodes, err := f.nodes.ListActiveNodes(ctx)
	require.NoError(t, err)
	require.Len(t, nodes, 3)

	logger, _ := zap.NewDevelopment()
	faulty := &faultyNodeStore{NodeStore: f.nodes, panicID: nodes[0].ID}
	registry := probe.NewRegistry()
	registry.Register(probe.KindPing, &fixedProbe{healthy: true})
	dispatcher := dispatch.NewDispatcher(registry, dispatch.Config{
		ProbeTimeout: time.Second,
		Retry:        dispatch.RetryPolicy{MaxAttempts: 1},
	}, logger)
	aggregator := aggregate.NewAggregator(faulty, f.history, nil, logger)
	coordinator := NewCoordinator(faulty, f.sweeps, f.stats, f.store,
		dispatcher, aggregator, Config{MaxConcurrent: 2, StaggerInterval: time.Millisecond}, logger)

	run, err := coordinator.Run(ctx)
	require.NoError(t, err)
	require.NotNil(t, run)
	coordinator.Wait()

	// The crashed task still removed itself from the pending set and the
	// sweep finalized without waiting for the lease TTL
	count, err := f.store.PendingCount(ctx, SweepName)
	require.NoError(t, err)
	assert.Zero(t, count)
	acquired, err := f.store.AcquireLease(ctx, SweepName, "probe-owner", time.Minute)
	require.NoError(t, err)
	assert.True(t, acquired)

	stored, err := f.sweeps.Get(ctx, run.ID)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, model.SweepStatusFinalized, stored.Status)

	// The crash was recorded as a check error marker
	stat, err := f.stats.Get(ctx, "node_check_duration_"+nodes[0].ID)
	require.NoError(t, err)
	require.NotNil(t, stat)
	assert.Equal(t, -2.0, stat.Value)

	// The healthy nodes were unaffected
	for _, node := range nodes[1:] {
		current, err := f.nodes.GetNode(ctx, node.ID)
		require.NoError(t, err)
		assert.Equal(t, model.HealthStatusGreen, current.HealthStatus)
	}
}

func TestCoordinator_NoActiveNodes(t *testing.T) {
	f := newSweepFixture(t, true, 0)

	run, err := f.coord.Run(context.Background())
	require.NoError(t, err)
	assert.Nil(t, run)
}
