package notify

import (
	"context"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

const (
	alertStreamName = "ALERTS"
	alertSubjects   = "alert.>"
)

// NATSChannel publishes alert events onto a JetStream stream for external
// delivery services to consume.
type NATSChannel struct {
	logger *zap.Logger
	js     nats.JetStreamContext
}

// NewNATSChannel creates the channel and ensures its stream exists.
func NewNATSChannel(js nats.JetStreamContext, logger *zap.Logger) (*NATSChannel, error) {
	_, err := js.AddStream(&nats.StreamConfig{
		Name:     alertStreamName,
		Subjects: []string{alertSubjects},
		Storage:  nats.FileStorage,
	})
	if err != nil && !strings.Contains(err.Error(), "already in use") {
		return nil, fmt.Errorf("failed to create alert stream: %w", err)
	}
	return &NATSChannel{
		logger: logger.Named("nats-channel"),
		js:     js,
	}, nil
}

// Name implements Channel.Name
func (c *NATSChannel) Name() string { return "nats" }

// Send implements Channel.Send
func (c *NATSChannel) Send(ctx context.Context, event *Event) error {
	data, err := marshalEvent(event)
	if err != nil {
		return err
	}
	subject := fmt.Sprintf("alert.%s", event.Transition)
	if _, err := c.js.Publish(subject, data); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", subject, err)
	}
	return nil
}
