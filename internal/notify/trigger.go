// Package notify is the outbound boundary of the alert engine. It decides
// that and what to notify; delivery itself belongs to external sinks.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/opsarch/nodewatch/internal/alert"
	"github.com/opsarch/nodewatch/internal/model"
)

// Event is one alert lifecycle transition offered to delivery channels.
type Event struct {
	Alert      *model.Alert     `json:"alert"`
	Transition alert.Transition `json:"transition"`
	Timestamp  time.Time        `json:"timestamp"`
}

// Channel delivers events to one external sink. Errors are logged by the
// trigger and never propagate back into alert state.
type Channel interface {
	Name() string
	Send(ctx context.Context, event *Event) error
}

// Config tunes the trigger.
type Config struct {
	// MinSeverity drops events below this severity. Empty allows all.
	MinSeverity model.AlertSeverity

	// DedupeWindow suppresses repeat events for the same alert and
	// transition within the window.
	DedupeWindow time.Duration
}

// Trigger fans qualifying transitions out to the configured channels,
// deduplicating to avoid notification storms.
type Trigger struct {
	logger   *zap.Logger
	cfg      Config
	channels []Channel

	// recent maps "alertID/transition" to last emission time.
	recent sync.Map
}

// NewTrigger creates a trigger over the given channels.
func NewTrigger(channels []Channel, cfg Config, logger *zap.Logger) *Trigger {
	if cfg.DedupeWindow <= 0 {
		cfg.DedupeWindow = 5 * time.Minute
	}
	return &Trigger{
		logger:   logger.Named("notify"),
		cfg:      cfg,
		channels: channels,
	}
}

// Notify implements alert.Notifier.
func (t *Trigger) Notify(ctx context.Context, a *model.Alert, kind alert.Transition) {
	if !t.severityAllowed(a.Severity) {
		t.logger.Debug("Severity below notification threshold",
			zap.String("id", a.ID),
			zap.String("severity", string(a.Severity)))
		return
	}
	if t.suppressed(a.ID, kind) {
		t.logger.Debug("Duplicate notification suppressed",
			zap.String("id", a.ID),
			zap.String("transition", string(kind)))
		return
	}

	event := &Event{Alert: a, Transition: kind, Timestamp: time.Now()}
	for _, ch := range t.channels {
		if err := ch.Send(ctx, event); err != nil {
			t.logger.Error("Notification delivery failed",
				zap.String("channel", ch.Name()),
				zap.String("id", a.ID),
				zap.Error(err))
			continue
		}
		t.logger.Info("Notification sent",
			zap.String("channel", ch.Name()),
			zap.String("id", a.ID),
			zap.String("node_id", a.NodeID),
			zap.String("transition", string(kind)))
	}
}

func (t *Trigger) severityAllowed(sev model.AlertSeverity) bool {
	if t.cfg.MinSeverity == "" {
		return true
	}
	return severityRank(sev) >= severityRank(t.cfg.MinSeverity)
}

// suppressed reports and records whether this alert/transition pair fired
// within the dedupe window.
func (t *Trigger) suppressed(alertID string, kind alert.Transition) bool {
	key := alertID + "/" + string(kind)
	now := time.Now()
	if last, ok := t.recent.Load(key); ok {
		if now.Sub(last.(time.Time)) < t.cfg.DedupeWindow {
			return true
		}
	}
	t.recent.Store(key, now)
	return false
}

func severityRank(sev model.AlertSeverity) int {
	switch sev {
	case model.AlertSeverityLow:
		return 0
	case model.AlertSeverityMedium:
		return 1
	case model.AlertSeverityHigh:
		return 2
	case model.AlertSeverityCritical:
		return 3
	}
	return 0
}

// marshalEvent is shared by channels that ship JSON.
func marshalEvent(event *Event) ([]byte, error) {
	data, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event: %w", err)
	}
	return data, nil
}
