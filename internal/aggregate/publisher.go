package aggregate

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/opsarch/nodewatch/internal/model"
)

const (
	healthStreamName = "HEALTH"
	healthSubjects   = "health.sample.*"
)

// NATSPublisher forwards persisted health samples onto a JetStream stream
// so external consumers (dashboards, time-series sinks) can follow along.
type NATSPublisher struct {
	logger *zap.Logger
	js     nats.JetStreamContext
}

// NewNATSPublisher creates the publisher and ensures its stream exists.
func NewNATSPublisher(js nats.JetStreamContext, logger *zap.Logger) (*NATSPublisher, error) {
	_, err := js.AddStream(&nats.StreamConfig{
		Name:     healthStreamName,
		Subjects: []string{healthSubjects},
		Storage:  nats.FileStorage,
	})
	if err != nil && !strings.Contains(err.Error(), "already in use") {
		return nil, fmt.Errorf("failed to create health stream: %w", err)
	}
	return &NATSPublisher{
		logger: logger.Named("health-publisher"),
		js:     js,
	}, nil
}

// PublishSample implements Publisher.
func (p *NATSPublisher) PublishSample(sample *model.HealthSample) {
	data, err := json.Marshal(sample)
	if err != nil {
		p.logger.Error("Failed to marshal health sample", zap.Error(err))
		return
	}
	subject := fmt.Sprintf("health.sample.%s", sample.NodeID)
	if _, err := p.js.Publish(subject, data); err != nil {
		p.logger.Error("Failed to publish health sample",
			zap.String("node_id", sample.NodeID),
			zap.Error(err))
	}
}

// MultiPublisher fans samples out to several publishers.
type MultiPublisher []Publisher

// PublishSample implements Publisher.
func (m MultiPublisher) PublishSample(sample *model.HealthSample) {
	for _, p := range m {
		p.PublishSample(sample)
	}
}
