package notify

import (
	"context"

	"go.uber.org/zap"
)

// LogChannel writes alert events to the log. Useful as a fallback sink and
// in deployments without a broker.
type LogChannel struct {
	logger *zap.Logger
}

// NewLogChannel creates a log-backed channel.
func NewLogChannel(logger *zap.Logger) *LogChannel {
	return &LogChannel{logger: logger.Named("log-channel")}
}

// Name implements Channel.Name
func (c *LogChannel) Name() string { return "log" }

// Send implements Channel.Send
func (c *LogChannel) Send(ctx context.Context, event *Event) error {
	c.logger.Info("Alert notification",
		zap.String("id", event.Alert.ID),
		zap.String("node_id", event.Alert.NodeID),
		zap.String("alert_type", event.Alert.Type),
		zap.String("alert_subtype", event.Alert.Subtype),
		zap.String("severity", string(event.Alert.Severity)),
		zap.String("transition", string(event.Transition)),
		zap.String("title", event.Alert.Title))
	return nil
}
