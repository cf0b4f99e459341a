// Package alert evaluates declarative rules against node health context
// and maintains the alert lifecycle.
package alert

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/opsarch/nodewatch/internal/model"
	"github.com/opsarch/nodewatch/internal/storage"
)

// Transition classifies an alert lifecycle event handed to the notifier.
type Transition string

const (
	TransitionCreated         Transition = "created"
	TransitionSeverityChanged Transition = "severityChanged"
	TransitionClosed          Transition = "closed"
)

// Alert type/subtype naming.
const (
	TypeNodeHealth  = "node_health"
	TypeSinglePoint = "single_point"

	SubtypeNoEndpoints    = "no_endpoints"
	SubtypeSingleEndpoint = "single_endpoint"
)

// Notifier receives qualifying lifecycle transitions. Implementations must
// not block evaluation; delivery outcome never affects alert state.
type Notifier interface {
	Notify(ctx context.Context, alert *model.Alert, kind Transition)
}

// Engine runs rule evaluation passes over all active nodes.
type Engine struct {
	logger   *zap.Logger
	rules    []*Rule
	nodes    storage.NodeStore
	history  storage.HealthHistoryStore
	alerts   storage.AlertStore
	notifier Notifier
}

// NewEngine creates an evaluation engine. notifier may be nil.
func NewEngine(
	rules []*Rule,
	nodes storage.NodeStore,
	history storage.HealthHistoryStore,
	alerts storage.AlertStore,
	notifier Notifier,
	logger *zap.Logger,
) *Engine {
	return &Engine{
		logger:   logger.Named("alert-engine"),
		rules:    rules,
		nodes:    nodes,
		history:  history,
		alerts:   alerts,
		notifier: notifier,
	}
}

// EvaluateAll runs one evaluation pass over every active node. Failures are
// isolated per node; the pass always completes.
func (e *Engine) EvaluateAll(ctx context.Context) error {
	nodes, err := e.nodes.ListActiveNodes(ctx)
	if err != nil {
		return fmt.Errorf("failed to enumerate nodes: %w", err)
	}

	for _, node := range nodes {
		if err := e.EvaluateNode(ctx, node); err != nil {
			e.logger.Error("Node evaluation failed",
				zap.String("node_id", node.ID),
				zap.Error(err))
		}
	}
	return nil
}

// EvaluateNode evaluates all rules against a single node.
func (e *Engine) EvaluateNode(ctx context.Context, node *model.Node) error {
	sample, err := e.history.Latest(ctx, node.ID)
	if err != nil {
		return fmt.Errorf("failed to load latest sample: %w", err)
	}
	if sample == nil {
		// Never checked; nothing to evaluate yet.
		return nil
	}

	link, err := e.nodes.GetLink(ctx, node.LinkID)
	if err != nil {
		return fmt.Errorf("failed to load link: %w", err)
	}

	e.evaluateSinglePoint(ctx, node, link, sample)

	base := buildContext(node, link, sample)
	for _, rule := range e.rules {
		if !rule.Enabled || rule.DataSource != TypeNodeHealth {
			continue
		}
		if err := e.evaluateRule(ctx, node, rule, base, sample); err != nil {
			// One bad rule never blocks the others.
			e.logger.Error("Rule evaluation failed",
				zap.String("rule", rule.Name),
				zap.String("node_id", node.ID),
				zap.Error(err))
		}
	}
	return nil
}

func (e *Engine) evaluateRule(ctx context.Context, node *model.Node, rule *Rule, base map[string]interface{}, sample *model.HealthSample) error {
	vars := make(map[string]interface{}, len(base)+1)
	for k, v := range base {
		vars[k] = v
	}

	if rule.Aggregation != "" {
		value, err := e.aggregateResponseTime(ctx, node.ID, rule, sample)
		if err != nil {
			return err
		}
		vars[rule.Aggregation+"_response_time"] = value
		// Older rule sets bind the aggregate to avg_response_time for any
		// aggregation.
		vars["avg_response_time"] = value
	}

	if rule.Condition.Eval(vars) {
		return e.fire(ctx, node, rule, vars)
	}
	return e.resolve(ctx, node.ID, TypeNodeHealth, rule.Name)
}

// aggregateResponseTime computes the rule's windowed aggregate. A window
// with no samples falls back to the current sample's response time.
func (e *Engine) aggregateResponseTime(ctx context.Context, nodeID string, rule *Rule, sample *model.HealthSample) (float64, error) {
	since := time.Now().Add(-rule.TimeWindow)
	values, err := e.history.ResponseTimesSince(ctx, nodeID, since)
	if err != nil {
		return 0, fmt.Errorf("failed to load window samples: %w", err)
	}
	if len(values) == 0 {
		if sample.ResponseTimeMs != nil {
			return *sample.ResponseTimeMs, nil
		}
		return 0, nil
	}

	switch rule.Aggregation {
	case "max":
		m := values[0]
		for _, v := range values[1:] {
			if v > m {
				m = v
			}
		}
		return m, nil
	case "min":
		m := values[0]
		for _, v := range values[1:] {
			if v < m {
				m = v
			}
		}
		return m, nil
	default:
		var sum float64
		for _, v := range values {
			sum += v
		}
		return sum / float64(len(values)), nil
	}
}

func (e *Engine) fire(ctx context.Context, node *model.Node, rule *Rule, vars map[string]interface{}) error {
	key := model.AlertKey{NodeID: node.ID, Type: TypeNodeHealth, Subtype: rule.Name}
	title := rule.Description
	if title == "" {
		title = rule.Name
	}
	description := renderMessage(rule, vars)

	outcome, err := e.alerts.UpsertOpen(ctx, key, title, description, rule.Severity)
	if err != nil {
		return err
	}
	e.dispatchOutcome(ctx, outcome, rule.Name)
	return nil
}

func (e *Engine) resolve(ctx context.Context, nodeID, alertType, subtype string) error {
	closed, err := e.alerts.CloseResolved(ctx, nodeID, alertType, subtype)
	if err != nil {
		return err
	}
	for _, a := range closed {
		e.notify(ctx, a, TransitionClosed)
	}
	return nil
}

// evaluateSinglePoint handles redundancy alerts directly from the
// aggregator's single-point flag instead of the condition grammar.
func (e *Engine) evaluateSinglePoint(ctx context.Context, node *model.Node, link *model.Link, sample *model.HealthSample) {
	checkRisk := link != nil && link.CheckSinglePointRisk
	if !checkRisk {
		// Policy switched off; any lingering single-point alerts close.
		if err := e.resolve(ctx, node.ID, TypeSinglePoint, ""); err != nil {
			e.logger.Error("Failed to close single-point alerts",
				zap.String("node_id", node.ID),
				zap.Error(err))
		}
		return
	}

	open := func(subtype, title, description string, severity model.AlertSeverity) {
		key := model.AlertKey{NodeID: node.ID, Type: TypeSinglePoint, Subtype: subtype}
		outcome, err := e.alerts.UpsertOpen(ctx, key, title, description, severity)
		if err != nil {
			e.logger.Error("Failed to upsert single-point alert",
				zap.String("node_id", node.ID),
				zap.String("subtype", subtype),
				zap.Error(err))
			return
		}
		e.dispatchOutcome(ctx, outcome, subtype)
	}
	closeSubtype := func(subtype string) {
		if err := e.resolve(ctx, node.ID, TypeSinglePoint, subtype); err != nil {
			e.logger.Error("Failed to close single-point alert",
				zap.String("node_id", node.ID),
				zap.String("subtype", subtype),
				zap.Error(err))
		}
	}

	switch sample.Details.SinglePointStatus {
	case model.SinglePointMissing:
		open(SubtypeNoEndpoints, "No endpoints configured",
			fmt.Sprintf("Node %s has no checkable endpoints configured", node.Name),
			model.AlertSeverityHigh)
		closeSubtype(SubtypeSingleEndpoint)
	case model.SinglePointWarning:
		open(SubtypeSingleEndpoint, "Single point of presence",
			fmt.Sprintf("Node %s relies on a single checkable endpoint", node.Name),
			model.AlertSeverityMedium)
		closeSubtype(SubtypeNoEndpoints)
	default:
		closeSubtype("")
	}
}

// ExpireSilences reactivates alerts whose silence window has elapsed. The
// next evaluation pass closes any whose condition has already resolved.
func (e *Engine) ExpireSilences(ctx context.Context) error {
	reactivated, err := e.alerts.ExpireSilenced(ctx, time.Now())
	if err != nil {
		return err
	}
	for _, a := range reactivated {
		e.logger.Info("Silence expired, alert reopened",
			zap.String("id", a.ID),
			zap.String("node_id", a.NodeID))
	}
	return nil
}

func (e *Engine) dispatchOutcome(ctx context.Context, outcome *storage.UpsertOutcome, subtype string) {
	switch {
	case outcome.Silenced:
		e.logger.Debug("Alert silenced, evaluation skipped", zap.String("subtype", subtype))
	case outcome.Created:
		e.notify(ctx, outcome.Alert, TransitionCreated)
	case outcome.SeverityChanged:
		e.notify(ctx, outcome.Alert, TransitionSeverityChanged)
	}
}

func (e *Engine) notify(ctx context.Context, a *model.Alert, kind Transition) {
	if e.notifier == nil {
		return
	}
	e.notifier.Notify(ctx, a, kind)
}

// buildContext flattens node state into the variable map the condition
// grammar evaluates against.
func buildContext(node *model.Node, link *model.Link, sample *model.HealthSample) map[string]interface{} {
	vars := map[string]interface{}{
		"node_name":     node.Name,
		"health_status": string(sample.Status),
	}

	if sample.ResponseTimeMs != nil {
		vars["response_time"] = *sample.ResponseTimeMs
	} else {
		vars["response_time"] = 0.0
	}
	vars["check_single_point_risk"] = link != nil && link.CheckSinglePointRisk

	var checkable, failed int
	var probeType, errorType string
	for _, ep := range sample.Details.PerEndpoint {
		if len(ep.Probes) == 0 {
			continue
		}
		checkable++
		if ep.Healthy {
			continue
		}
		failed++
		for _, p := range ep.Probes {
			if !p.Healthy && probeType == "" {
				probeType = p.Kind
				errorType = classifyError(p.ErrorMessage)
			}
		}
	}
	vars["check_count"] = checkable
	vars["failed_check_count"] = failed
	if checkable > 0 {
		vars["failure_rate"] = float64(failed) / float64(checkable)
	} else {
		vars["failure_rate"] = 0.0
	}
	vars["probe_type"] = probeType
	vars["error_type"] = errorType

	return vars
}

// classifyError buckets a probe failure message for rule matching.
func classifyError(msg string) string {
	lower := strings.ToLower(msg)
	switch {
	case msg == "":
		return ""
	case strings.Contains(lower, "timeout"):
		return "timeout"
	case strings.Contains(lower, "refused"):
		return "connection_refused"
	case strings.Contains(lower, "resolution"):
		return "dns_failure"
	case strings.Contains(lower, "authentication"):
		return "auth_failure"
	default:
		return "other"
	}
}

var placeholderPattern = regexp.MustCompile(`\{(\w+)\}`)

// renderMessage substitutes {variable} placeholders in a rule message,
// plus {threshold} extracted from the condition.
func renderMessage(rule *Rule, vars map[string]interface{}) string {
	msg := rule.Message
	if msg == "" {
		msg = rule.Description
	}
	return placeholderPattern.ReplaceAllStringFunc(msg, func(m string) string {
		name := m[1 : len(m)-1]
		if name == "threshold" {
			return formatNumber(rule.Condition.Threshold())
		}
		if v, ok := vars[name]; ok {
			if f, isNum := toFloat(v); isNum {
				if _, isBool := v.(bool); !isBool {
					return formatNumber(f)
				}
			}
			return fmt.Sprint(v)
		}
		return m
	})
}

func formatNumber(f float64) string {
	return strings.TrimRight(strings.TrimRight(fmt.Sprintf("%.2f", f), "0"), ".")
}
