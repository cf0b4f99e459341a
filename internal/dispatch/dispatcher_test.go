package dispatch

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/opsarch/nodewatch/internal/model"
	"github.com/opsarch/nodewatch/internal/probe"
)

type scriptedProbe struct {
	calls   atomic.Int64
	healthy func(target probe.Target) bool
	latency float64
	errMsg  string
}

func (p *scriptedProbe) Check(ctx context.Context, target probe.Target, params probe.Params) model.ProbeResult {
	p.calls.Add(1)
	if p.healthy(target) {
		latency := p.latency
		return model.ProbeResult{
			Host: target.Host, Port: target.Port, Kind: "fake",
			Healthy: true, ResponseTimeMs: &latency,
		}
	}
	return model.ProbeResult{
		Host: target.Host, Port: target.Port, Kind: "fake",
		Healthy: false, ErrorMessage: p.errMsg,
	}
}

func newTestDispatcher(t *testing.T, ping, tcp probe.Prober) *Dispatcher {
	t.Helper()
	logger, _ := zap.NewDevelopment()
	registry := probe.NewRegistry()
	registry.Register(probe.KindPing, ping)
	registry.Register(probe.KindTCP, tcp)
	return NewDispatcher(registry, Config{
		ProbeTimeout: time.Second,
		Retry:        RetryPolicy{MaxAttempts: 1},
	}, logger)
}

func testNode(endpoints ...model.Endpoint) *model.Node {
	return &model.Node{ID: "node-1", Name: "edge-1", Endpoints: endpoints, Active: true}
}

func TestDispatcher_GatherDoesNotFailFast(t *testing.T) {
	port80, port443 := 80, 443
	healthyOn80 := func(target probe.Target) bool {
		return target.Port != nil && *target.Port == 80
	}
	ping := &scriptedProbe{healthy: func(probe.Target) bool { return true }, latency: 5}
	tcp := &scriptedProbe{healthy: healthyOn80, latency: 10, errMsg: "port 443 connection refused"}

	d := newTestDispatcher(t, ping, tcp)
	result := d.CheckNode(context.Background(), testNode(
		model.Endpoint{ID: "ep-80", Host: "10.0.0.1", Port: &port80},
		model.Endpoint{ID: "ep-443", Host: "10.0.0.1", Port: &port443},
	))

	assert.Equal(t, 2, result.CheckableCount)
	assert.Equal(t, 1, result.HealthyCount)
	require.Len(t, result.Endpoints, 2)

	for _, ep := range result.Endpoints {
		require.Len(t, ep.Probes, 2)
		if *ep.Port == 80 {
			assert.True(t, ep.Healthy)
			assert.Empty(t, ep.ErrorMessage)
		} else {
			// One failing probe marks the endpoint unhealthy without
			// aborting its sibling
			assert.False(t, ep.Healthy)
			assert.Equal(t, "port 443 connection refused", ep.ErrorMessage)
		}
	}
	require.NotNil(t, result.AvgResponseTimeMs)
}

func TestDispatcher_PingDisabledAndNoPort(t *testing.T) {
	ping := &scriptedProbe{healthy: func(probe.Target) bool { return true }, latency: 5}
	tcp := &scriptedProbe{healthy: func(probe.Target) bool { return true }, latency: 10}

	d := newTestDispatcher(t, ping, tcp)

	// Ping disabled and no port: nothing applicable
	result := d.CheckNode(context.Background(), testNode(
		model.Endpoint{ID: "ep-1", Host: "10.0.0.2", PingDisabled: true},
	))
	assert.Equal(t, 0, result.CheckableCount)
	require.Len(t, result.Endpoints, 1)
	assert.Equal(t, "no applicable checks", result.Endpoints[0].ErrorMessage)
	assert.Zero(t, ping.calls.Load())
	assert.Zero(t, tcp.calls.Load())

	// Ping-only endpoint runs exactly the ping probe
	result = d.CheckNode(context.Background(), testNode(
		model.Endpoint{ID: "ep-2", Host: "10.0.0.3"},
	))
	assert.Equal(t, 1, result.CheckableCount)
	assert.Equal(t, 1, result.HealthyCount)
	assert.Equal(t, int64(1), ping.calls.Load())
	assert.Zero(t, tcp.calls.Load())
}

func TestDispatcher_RetriesFailedProbe(t *testing.T) {
	var attempts atomic.Int64
	flaky := &scriptedProbe{
		healthy: func(probe.Target) bool {
			return attempts.Add(1) > 1
		},
		latency: 5,
		errMsg:  "transient",
	}

	logger, _ := zap.NewDevelopment()
	registry := probe.NewRegistry()
	registry.Register(probe.KindPing, flaky)
	d := NewDispatcher(registry, Config{
		ProbeTimeout: time.Second,
		Retry: RetryPolicy{
			MaxAttempts:  2,
			InitialDelay: time.Millisecond,
			Multiplier:   2.0,
		},
	}, logger)

	result := d.CheckNode(context.Background(), testNode(
		model.Endpoint{ID: "ep-1", Host: "10.0.0.4"},
	))
	assert.Equal(t, 1, result.HealthyCount)
	assert.Equal(t, int64(2), flaky.calls.Load())
}

func TestRetryPolicy_NextDelay(t *testing.T) {
	policy := RetryPolicy{
		MaxAttempts:  4,
		InitialDelay: time.Second,
		Multiplier:   2.0,
		MaxDelay:     3 * time.Second,
	}
	assert.Equal(t, time.Second, policy.NextDelay(0))
	assert.Equal(t, 2*time.Second, policy.NextDelay(1))
	// Capped by MaxDelay
	assert.Equal(t, 3*time.Second, policy.NextDelay(2))
}
