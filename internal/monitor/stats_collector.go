package monitor

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"

	"github.com/opsarch/nodewatch/internal/storage"
)

// HostStatsCollector samples the engine host's CPU and memory usage,
// records them in the stats store, and publishes them for external
// dashboards. An overloaded probing host skews latency measurements, so
// these readings belong next to the sweep stats.
type HostStatsCollector struct {
	logger   *zap.Logger
	js       nats.JetStreamContext
	stats    storage.StatsStore
	interval time.Duration
	stop     chan struct{}
}

// NewHostStatsCollector creates a new collector. js may be nil to disable
// publishing.
func NewHostStatsCollector(js nats.JetStreamContext, stats storage.StatsStore, interval time.Duration, logger *zap.Logger) *HostStatsCollector {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &HostStatsCollector{
		logger:   logger.Named("host-stats"),
		js:       js,
		stats:    stats,
		interval: interval,
		stop:     make(chan struct{}),
	}
}

// Start starts the collection loop.
func (c *HostStatsCollector) Start(ctx context.Context) {
	if c.js != nil {
		if err := c.ensureStream(); err != nil {
			c.logger.Error("Failed to ensure metrics stream, publishing disabled", zap.Error(err))
			c.js = nil
		}
	}
	c.logger.Info("Starting host stats collector", zap.Duration("interval", c.interval))
	go c.collectLoop(ctx)
}

func (c *HostStatsCollector) ensureStream() error {
	_, err := c.js.AddStream(&nats.StreamConfig{
		Name:     "METRICS",
		Subjects: []string{"metrics.>"},
		Storage:  nats.FileStorage,
		MaxAge:   24 * time.Hour,
	})
	if err != nil && !strings.Contains(err.Error(), "already in use") {
		return err
	}
	return nil
}

// Stop stops the collector.
func (c *HostStatsCollector) Stop() {
	c.logger.Info("Stopping host stats collector")
	close(c.stop)
}

func (c *HostStatsCollector) collectLoop(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stop:
			return
		case <-ticker.C:
			c.collect(ctx)
		}
	}
}

func (c *HostStatsCollector) collect(ctx context.Context) {
	cpuPercent, err := cpu.Percent(time.Second, false)
	if err != nil {
		c.logger.Error("Failed to get CPU usage", zap.Error(err))
		return
	}

	memInfo, err := mem.VirtualMemory()
	if err != nil {
		c.logger.Error("Failed to get memory usage", zap.Error(err))
		return
	}

	if err := c.stats.Set(ctx, "host_cpu_percent", cpuPercent[0], nil); err != nil {
		c.logger.Error("Failed to record CPU stat", zap.Error(err))
	}
	if err := c.stats.Set(ctx, "host_memory_percent", memInfo.UsedPercent, nil); err != nil {
		c.logger.Error("Failed to record memory stat", zap.Error(err))
	}

	if c.js != nil {
		payload := struct {
			Timestamp   time.Time `json:"timestamp"`
			CPUUsage    float64   `json:"cpu_usage"`
			MemoryUsage float64   `json:"memory_usage"`
		}{
			Timestamp:   time.Now(),
			CPUUsage:    cpuPercent[0],
			MemoryUsage: memInfo.UsedPercent,
		}
		data, err := json.Marshal(payload)
		if err != nil {
			c.logger.Error("Failed to marshal host stats", zap.Error(err))
			return
		}
		if _, err := c.js.Publish("metrics.system", data); err != nil {
			c.logger.Error("Failed to publish host stats", zap.Error(err))
			return
		}
	}

	c.logger.Debug("Host stats collected",
		zap.Float64("cpu_usage", cpuPercent[0]),
		zap.Float64("memory_usage", memInfo.UsedPercent))
}
