package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/opsarch/nodewatch/internal/alert"
	"github.com/opsarch/nodewatch/internal/model"
	"github.com/opsarch/nodewatch/internal/testutil"
)

type captureChannel struct {
	mu     sync.Mutex
	name   string
	err    error
	events []*Event
}

func (c *captureChannel) Name() string { return c.name }

func (c *captureChannel) Send(ctx context.Context, event *Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.events = append(c.events, event)
	return nil
}

func (c *captureChannel) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

func testAlert(id string, severity model.AlertSeverity) *model.Alert {
	return &model.Alert{
		ID:       id,
		NodeID:   "node-1",
		Type:     "node_health",
		Subtype:  "node_down",
		Severity: severity,
		Status:   model.AlertStatusOpen,
	}
}

func TestTrigger_SeverityFilter(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	ch := &captureChannel{name: "capture"}
	trigger := NewTrigger([]Channel{ch}, Config{
		MinSeverity:  model.AlertSeverityHigh,
		DedupeWindow: time.Minute,
	}, logger)
	ctx := context.Background()

	trigger.Notify(ctx, testAlert("a1", model.AlertSeverityLow), alert.TransitionCreated)
	trigger.Notify(ctx, testAlert("a2", model.AlertSeverityMedium), alert.TransitionCreated)
	assert.Zero(t, ch.count())

	trigger.Notify(ctx, testAlert("a3", model.AlertSeverityHigh), alert.TransitionCreated)
	trigger.Notify(ctx, testAlert("a4", model.AlertSeverityCritical), alert.TransitionCreated)
	assert.Equal(t, 2, ch.count())
}

func TestTrigger_Dedupe(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	ch := &captureChannel{name: "capture"}
	trigger := NewTrigger([]Channel{ch}, Config{DedupeWindow: time.Hour}, logger)
	ctx := context.Background()

	a := testAlert("a1", model.AlertSeverityHigh)
	trigger.Notify(ctx, a, alert.TransitionCreated)
	trigger.Notify(ctx, a, alert.TransitionCreated)
	trigger.Notify(ctx, a, alert.TransitionCreated)
	assert.Equal(t, 1, ch.count())

	// A different transition for the same alert is not a duplicate
	trigger.Notify(ctx, a, alert.TransitionClosed)
	assert.Equal(t, 2, ch.count())

	// Neither is the same transition for a different alert
	trigger.Notify(ctx, testAlert("a2", model.AlertSeverityHigh), alert.TransitionCreated)
	assert.Equal(t, 3, ch.count())
}

func TestTrigger_ChannelFailureIsIsolated(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	failing := &captureChannel{name: "failing", err: errors.New("sink unavailable")}
	working := &captureChannel{name: "working"}
	trigger := NewTrigger([]Channel{failing, working}, Config{DedupeWindow: time.Minute}, logger)

	// A failing channel never blocks the others
	trigger.Notify(context.Background(), testAlert("a1", model.AlertSeverityHigh), alert.TransitionCreated)
	assert.Equal(t, 1, working.count())
}

func TestNATSChannel_PublishesEvent(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	js, cleanup := testutil.SetupJetStream(t)
	defer cleanup()

	ch, err := NewNATSChannel(js, logger)
	require.NoError(t, err)

	trigger := NewTrigger([]Channel{ch}, Config{DedupeWindow: time.Minute}, logger)
	trigger.Notify(context.Background(), testAlert("a1", model.AlertSeverityCritical), alert.TransitionCreated)

	sub, err := js.SubscribeSync("alert.created")
	require.NoError(t, err)
	defer sub.Unsubscribe()

	msg, err := sub.NextMsg(5 * time.Second)
	require.NoError(t, err)
	assert.Contains(t, string(msg.Data), `"a1"`)
	assert.Contains(t, string(msg.Data), `"created"`)
}
