// Package aggregate reduces a node's endpoint probe results into a single
// tri-state health status, persists the sample, and updates topology state.
package aggregate

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/opsarch/nodewatch/internal/dispatch"
	"github.com/opsarch/nodewatch/internal/model"
	"github.com/opsarch/nodewatch/internal/storage"
)

// Outcome is what one aggregation pass produced.
type Outcome struct {
	Status            model.HealthStatus
	SinglePointStatus model.SinglePointStatus
	Sample            *model.HealthSample
}

// Publisher receives every persisted health sample, e.g. to forward it onto
// a stream for external consumers. Implementations must not block.
type Publisher interface {
	PublishSample(sample *model.HealthSample)
}

// Aggregator computes node health from gathered probe results.
type Aggregator struct {
	logger    *zap.Logger
	nodes     storage.NodeStore
	history   storage.HealthHistoryStore
	publisher Publisher
}

// NewAggregator creates an aggregator. publisher may be nil.
func NewAggregator(nodes storage.NodeStore, history storage.HealthHistoryStore, publisher Publisher, logger *zap.Logger) *Aggregator {
	return &Aggregator{
		logger:    logger.Named("aggregator"),
		nodes:     nodes,
		history:   history,
		publisher: publisher,
	}
}

// Reduce computes the tri-state status and single-point flag for a node
// without touching storage. The reduction policy, in order:
//
//  1. Zero checkable endpoints: unknown, or red when the link enforces
//     single-point checking (missing configuration is itself a risk).
//  2. healthy/checkable ratio: all healthy green, none healthy red,
//     otherwise yellow.
//  3. Exactly one checkable endpoint under single-point checking forces
//     yellow even when that endpoint is healthy.
func Reduce(result *dispatch.NodeResult, checkSinglePointRisk bool) (model.HealthStatus, model.SinglePointStatus) {
	if result.CheckableCount == 0 {
		if checkSinglePointRisk {
			return model.HealthStatusRed, model.SinglePointMissing
		}
		return model.HealthStatusUnknown, model.SinglePointNormal
	}

	var status model.HealthStatus
	switch {
	case result.HealthyCount == result.CheckableCount:
		status = model.HealthStatusGreen
	case result.HealthyCount == 0:
		status = model.HealthStatusRed
	default:
		status = model.HealthStatusYellow
	}

	if checkSinglePointRisk && result.CheckableCount == 1 {
		return model.HealthStatusYellow, model.SinglePointWarning
	}
	return status, model.SinglePointNormal
}

// Record reduces the result, appends a health sample, and writes the node's
// status and endpoint health flags back to the topology store. Storage
// failures degrade to a logged error with the node left on its previous
// status; the sweep carries on.
func (a *Aggregator) Record(ctx context.Context, node *model.Node, link *model.Link, result *dispatch.NodeResult) (*Outcome, error) {
	checkRisk := link != nil && link.CheckSinglePointRisk
	status, spStatus := Reduce(result, checkRisk)

	now := time.Now()
	sample := &model.HealthSample{
		ID:             uuid.New().String(),
		NodeID:         node.ID,
		Status:         status,
		ResponseTimeMs: result.AvgResponseTimeMs,
		Details: model.SampleDetails{
			PerEndpoint:       result.Endpoints,
			SinglePointStatus: spStatus,
			SinglePointCount:  result.CheckableCount,
		},
		ErrorMessage: firstError(result.Endpoints),
		Timestamp:    now,
	}

	if err := a.history.Append(ctx, sample); err != nil {
		a.logger.Error("Failed to persist health sample",
			zap.String("node_id", node.ID),
			zap.Error(err))
		return nil, err
	}

	if err := a.nodes.UpdateNodeHealth(ctx, node.ID, status, now); err != nil {
		a.logger.Error("Failed to update node health",
			zap.String("node_id", node.ID),
			zap.Error(err))
		return nil, err
	}

	for _, ep := range result.Endpoints {
		if ep.ErrorMessage == "no applicable checks" && len(ep.Probes) == 0 {
			continue
		}
		if err := a.nodes.UpdateEndpointHealth(ctx, ep.EndpointID, ep.Healthy); err != nil {
			a.logger.Warn("Failed to update endpoint health",
				zap.String("endpoint_id", ep.EndpointID),
				zap.Error(err))
		}
	}

	if a.publisher != nil {
		a.publisher.PublishSample(sample)
	}

	a.logger.Debug("Recorded node health",
		zap.String("node_id", node.ID),
		zap.String("status", string(status)),
		zap.Int("healthy", result.HealthyCount),
		zap.Int("checkable", result.CheckableCount))

	return &Outcome{Status: status, SinglePointStatus: spStatus, Sample: sample}, nil
}

// firstError surfaces one representative endpoint failure for the sample.
func firstError(endpoints []model.EndpointResult) string {
	for _, ep := range endpoints {
		if !ep.Healthy && ep.ErrorMessage != "" && ep.ErrorMessage != "no applicable checks" {
			return ep.ErrorMessage
		}
	}
	return ""
}
