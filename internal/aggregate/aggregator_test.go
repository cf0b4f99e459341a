package aggregate

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/opsarch/nodewatch/internal/dispatch"
	"github.com/opsarch/nodewatch/internal/model"
	"github.com/opsarch/nodewatch/internal/storage"
)

func TestReduce(t *testing.T) {
	tests := []struct {
		name         string
		checkable    int
		healthy      int
		checkRisk    bool
		wantStatus   model.HealthStatus
		wantSP       model.SinglePointStatus
	}{
		{"all healthy", 3, 3, false, model.HealthStatusGreen, model.SinglePointNormal},
		{"none healthy", 3, 0, false, model.HealthStatusRed, model.SinglePointNormal},
		{"partial", 2, 1, false, model.HealthStatusYellow, model.SinglePointNormal},
		{"no endpoints", 0, 0, false, model.HealthStatusUnknown, model.SinglePointNormal},
		{"no endpoints with risk check", 0, 0, true, model.HealthStatusRed, model.SinglePointMissing},
		{"single healthy endpoint with risk check", 1, 1, true, model.HealthStatusYellow, model.SinglePointWarning},
		{"single unhealthy endpoint with risk check", 1, 0, true, model.HealthStatusYellow, model.SinglePointWarning},
		{"single healthy endpoint without risk check", 1, 1, false, model.HealthStatusGreen, model.SinglePointNormal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := &dispatch.NodeResult{
				CheckableCount: tt.checkable,
				HealthyCount:   tt.healthy,
			}
			status, sp := Reduce(result, tt.checkRisk)
			assert.Equal(t, tt.wantStatus, status)
			assert.Equal(t, tt.wantSP, sp)
		})
	}
}

type capturingPublisher struct {
	samples []*model.HealthSample
}

func (p *capturingPublisher) PublishSample(sample *model.HealthSample) {
	p.samples = append(p.samples, sample)
}

func TestAggregator_Record(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	db, err := storage.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	defer db.Close()

	nodes, err := storage.NewSQLiteNodeStore(logger, db)
	require.NoError(t, err)
	history, err := storage.NewSQLiteHealthHistory(logger, db)
	require.NoError(t, err)

	ctx := context.Background()
	link := &model.Link{Name: "backbone", Active: true}
	require.NoError(t, nodes.CreateLink(ctx, link))

	port80, port443 := 80, 443
	node := &model.Node{
		Name:   "edge-1",
		LinkID: link.ID,
		Active: true,
		Endpoints: []model.Endpoint{
			{Host: "10.0.0.1", Port: &port80},
			{Host: "10.0.0.1", Port: &port443},
		},
	}
	require.NoError(t, nodes.CreateNode(ctx, node))

	publisher := &capturingPublisher{}
	agg := NewAggregator(nodes, history, publisher, logger)

	// One healthy, one unhealthy endpoint: yellow
	avg := 42.0
	result := &dispatch.NodeResult{
		Endpoints: []model.EndpointResult{
			{
				EndpointID: node.Endpoints[0].ID,
				Host:       "10.0.0.1", Port: &port80, Healthy: true,
				Probes: []model.ProbeResult{{Host: "10.0.0.1", Kind: "tcp", Healthy: true}},
			},
			{
				EndpointID:   node.Endpoints[1].ID,
				Host:         "10.0.0.1", Port: &port443, Healthy: false,
				ErrorMessage: "port 443 connection refused",
				Probes: []model.ProbeResult{{
					Host: "10.0.0.1", Kind: "tcp", Healthy: false,
					ErrorMessage: "port 443 connection refused",
				}},
			},
		},
		AvgResponseTimeMs: &avg,
		CheckableCount:    2,
		HealthyCount:      1,
	}

	outcome, err := agg.Record(ctx, node, link, result)
	require.NoError(t, err)
	assert.Equal(t, model.HealthStatusYellow, outcome.Status)
	assert.Equal(t, model.SinglePointNormal, outcome.SinglePointStatus)

	// Sample persisted with the gathered details
	sample, err := history.Latest(ctx, node.ID)
	require.NoError(t, err)
	require.NotNil(t, sample)
	assert.Equal(t, model.HealthStatusYellow, sample.Status)
	require.NotNil(t, sample.ResponseTimeMs)
	assert.Equal(t, 42.0, *sample.ResponseTimeMs)
	assert.Equal(t, "port 443 connection refused", sample.ErrorMessage)
	assert.Len(t, sample.Details.PerEndpoint, 2)

	// Node and endpoint state written back
	fresh, err := nodes.GetNode(ctx, node.ID)
	require.NoError(t, err)
	assert.Equal(t, model.HealthStatusYellow, fresh.HealthStatus)
	require.NotNil(t, fresh.LastCheckTime)
	for _, ep := range fresh.Endpoints {
		require.NotNil(t, ep.Healthy)
		if ep.Port != nil && *ep.Port == 80 {
			assert.True(t, *ep.Healthy)
		} else {
			assert.False(t, *ep.Healthy)
		}
	}

	// Publisher saw the sample
	require.Len(t, publisher.samples, 1)
	assert.Equal(t, sample.ID, publisher.samples[0].ID)
}
