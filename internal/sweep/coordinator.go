// Package sweep fans a health check out across all active nodes and fans
// completion back in through the coordination store.
package sweep

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/opsarch/nodewatch/internal/aggregate"
	"github.com/opsarch/nodewatch/internal/coord"
	"github.com/opsarch/nodewatch/internal/dispatch"
	"github.com/opsarch/nodewatch/internal/model"
	"github.com/opsarch/nodewatch/internal/storage"
)

// ErrSweepInProgress signals that another sweep holds the lease. Callers
// treat it as a skip, not a failure.
var ErrSweepInProgress = errors.New("sweep already in progress")

const (
	// SweepName is the coordination key shared by all engine instances.
	SweepName = "node-health-sweep"

	// Duration markers recorded when a node could not be measured.
	durationNodeMissing = -1
	durationCheckError  = -2

	leaseTTLFloor = 30 * time.Minute
	leaseTTLCap   = 2 * time.Hour
	perNodeTTL    = time.Minute
)

// Config tunes the coordinator.
type Config struct {
	// MaxConcurrent bounds in-flight node checks across the sweep.
	MaxConcurrent int

	// StaggerInterval delays each batch of MaxConcurrent dispatches to
	// avoid a thundering herd against probe targets.
	StaggerInterval time.Duration
}

// Coordinator runs health sweeps: one dispatcher invocation per active
// node, tracked through the coordination store so the last finisher can
// finalize the run.
type Coordinator struct {
	logger     *zap.Logger
	cfg        Config
	nodes      storage.NodeStore
	history    storage.SweepHistoryStorage
	stats      storage.StatsStore
	store      coord.Store
	dispatcher *dispatch.Dispatcher
	aggregator *aggregate.Aggregator

	wg sync.WaitGroup
}

// NewCoordinator wires a coordinator from its collaborators.
func NewCoordinator(
	nodes storage.NodeStore,
	history storage.SweepHistoryStorage,
	stats storage.StatsStore,
	store coord.Store,
	dispatcher *dispatch.Dispatcher,
	aggregator *aggregate.Aggregator,
	cfg Config,
	logger *zap.Logger,
) *Coordinator {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 10
	}
	if cfg.StaggerInterval <= 0 {
		cfg.StaggerInterval = time.Second
	}
	return &Coordinator{
		logger:     logger.Named("sweep"),
		cfg:        cfg,
		nodes:      nodes,
		history:    history,
		stats:      stats,
		store:      store,
		dispatcher: dispatcher,
		aggregator: aggregator,
	}
}

// LeaseTTL computes the sweep lease TTL for a node count:
// min(2h, 30min + 1min per node).
func LeaseTTL(nodeCount int) time.Duration {
	ttl := leaseTTLFloor + time.Duration(nodeCount)*perNodeTTL
	if ttl > leaseTTLCap {
		return leaseTTLCap
	}
	return ttl
}

// Run starts one sweep. It returns ErrSweepInProgress when another sweep
// holds the lease. Node checks run asynchronously; the sweep finalizes when
// the last node task removes itself from the pending set. Run itself
// returns as soon as dispatch is underway.
func (c *Coordinator) Run(ctx context.Context) (*model.SweepRun, error) {
	nodes, err := c.nodes.ListActiveNodes(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate nodes: %w", err)
	}
	if len(nodes) == 0 {
		c.logger.Info("No active nodes, skipping sweep")
		return nil, nil
	}

	owner := uuid.New().String()
	ttl := LeaseTTL(len(nodes))

	acquired, err := c.store.AcquireLease(ctx, SweepName, owner, ttl)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire sweep lease: %w", err)
	}
	if !acquired {
		c.logger.Info("Sweep already in progress, skipping")
		return nil, ErrSweepInProgress
	}

	run := &model.SweepRun{
		ID:                owner,
		StartedAt:         time.Now(),
		NodeCount:         len(nodes),
		EstimatedDuration: c.estimateDuration(len(nodes)),
		Status:            model.SweepStatusStarted,
	}

	ids := make([]string, len(nodes))
	for i, node := range nodes {
		ids[i] = node.ID
	}
	if err := c.store.AddPending(ctx, SweepName, ids); err != nil {
		c.abort(ctx, run, owner)
		return nil, fmt.Errorf("failed to register pending set: %w", err)
	}

	run.ScheduledCount = len(nodes)
	if err := c.history.Store(ctx, run); err != nil {
		c.abort(ctx, run, owner)
		return nil, fmt.Errorf("failed to record sweep run: %w", err)
	}

	c.logger.Info("Sweep started",
		zap.String("sweep_id", run.ID),
		zap.Int("node_count", run.NodeCount),
		zap.Duration("lease_ttl", ttl))

	sem := make(chan struct{}, c.cfg.MaxConcurrent)
	for i, node := range nodes {
		// Every MaxConcurrent dispatches back off by one stagger interval.
		delay := time.Duration(i/c.cfg.MaxConcurrent) * c.cfg.StaggerInterval

		c.wg.Add(1)
		go func(node *model.Node, delay time.Duration) {
			defer c.wg.Done()
			if delay > 0 {
				select {
				case <-ctx.Done():
				case <-time.After(delay):
				}
			}
			sem <- struct{}{}
			defer func() { <-sem }()
			c.checkOne(ctx, run, owner, node)
		}(node, delay)
	}
	return run, nil
}

// Wait blocks until all node tasks of previously started sweeps are done.
func (c *Coordinator) Wait() {
	c.wg.Wait()
}

// checkOne probes a single node and reports completion. The pending-set
// removal must happen on every path, including panics, or the sweep could
// only finalize via lease expiry.
func (c *Coordinator) checkOne(ctx context.Context, run *model.SweepRun, owner string, node *model.Node) {
	started := time.Now()

	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("Node check panicked",
				zap.String("node_id", node.ID),
				zap.Any("panic", r))
			c.recordDuration(ctx, node.ID, durationCheckError)
		}
		remaining, err := c.store.RemovePending(ctx, SweepName, node.ID)
		if err != nil {
			c.logger.Error("Failed to report node completion",
				zap.String("node_id", node.ID),
				zap.Error(err))
			return
		}
		if remaining == 0 {
			c.finalize(ctx, run, owner)
		}
	}()

	current, err := c.nodes.GetNode(ctx, node.ID)
	if err != nil || current == nil {
		c.logger.Warn("Node disappeared during sweep", zap.String("node_id", node.ID))
		c.recordDuration(ctx, node.ID, durationNodeMissing)
		return
	}

	link, err := c.nodes.GetLink(ctx, current.LinkID)
	if err != nil {
		c.logger.Error("Failed to load link",
			zap.String("node_id", node.ID),
			zap.Error(err))
		c.recordDuration(ctx, node.ID, durationCheckError)
		return
	}

	result := c.dispatcher.CheckNode(ctx, current)
	if _, err := c.aggregator.Record(ctx, current, link, result); err != nil {
		c.recordDuration(ctx, node.ID, durationCheckError)
		return
	}

	c.recordDuration(ctx, node.ID, time.Since(started).Seconds())
}

func (c *Coordinator) finalize(ctx context.Context, run *model.SweepRun, owner string) {
	if err := c.store.ReleaseLease(ctx, SweepName, owner); err != nil {
		// The lease TTL still bounds staleness; log and continue.
		c.logger.Error("Failed to release sweep lease",
			zap.String("sweep_id", run.ID),
			zap.Error(err))
	}

	run.Status = model.SweepStatusFinalized
	run.Duration = time.Since(run.StartedAt)
	if err := c.history.Update(ctx, run); err != nil {
		c.logger.Error("Failed to finalize sweep run",
			zap.String("sweep_id", run.ID),
			zap.Error(err))
		return
	}

	c.logger.Info("Sweep finalized",
		zap.String("sweep_id", run.ID),
		zap.Int("node_count", run.NodeCount),
		zap.Duration("duration", run.Duration))
}

// abort cleans up after a setup failure. Lease release is best effort; the
// TTL is the backstop.
func (c *Coordinator) abort(ctx context.Context, run *model.SweepRun, owner string) {
	if err := c.store.ReleaseLease(ctx, SweepName, owner); err != nil {
		c.logger.Error("Failed to release lease during abort", zap.Error(err))
	}
	run.Status = model.SweepStatusAborted
	run.Duration = time.Since(run.StartedAt)
	if err := c.history.Update(ctx, run); err != nil {
		c.logger.Error("Failed to record aborted sweep", zap.Error(err))
	}
}

func (c *Coordinator) recordDuration(ctx context.Context, nodeID string, seconds float64) {
	key := "node_check_duration_" + nodeID
	if err := c.stats.Set(ctx, key, seconds, nil); err != nil {
		c.logger.Warn("Failed to record check duration",
			zap.String("node_id", nodeID),
			zap.Error(err))
	}
}

func (c *Coordinator) estimateDuration(nodeCount int) time.Duration {
	batches := (nodeCount + c.cfg.MaxConcurrent - 1) / c.cfg.MaxConcurrent
	return time.Duration(batches)*c.cfg.StaggerInterval + 30*time.Second
}
