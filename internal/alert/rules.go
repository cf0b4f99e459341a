package alert

import (
	"fmt"
	"os"
	"regexp"
	"sort"
	"strconv"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/opsarch/nodewatch/internal/model"
)

// DefaultTimeWindow is used when a rule's time window fails to parse.
const DefaultTimeWindow = 5 * time.Minute

var timeWindowPattern = regexp.MustCompile(`^(\d+)([smhd])$`)

// ruleSpec is the raw YAML shape of one rule.
type ruleSpec struct {
	Enabled       bool   `yaml:"enabled"`
	Description   string `yaml:"description"`
	Condition     string `yaml:"condition"`
	Duration      string `yaml:"duration"`
	Severity      string `yaml:"severity"`
	Message       string `yaml:"message"`
	CheckInterval string `yaml:"check_interval"`
	DataSource    string `yaml:"data_source"`
	Aggregation   string `yaml:"aggregation"`
	TimeWindow    string `yaml:"time_window"`
}

type rulesFile struct {
	Rules map[string]ruleSpec `yaml:"rules"`
}

// Rule is a validated, compiled alert rule.
type Rule struct {
	Name        string
	Enabled     bool
	Description string
	Condition   *Condition
	Severity    model.AlertSeverity
	Message     string
	DataSource  string

	// Aggregation is avg, max, min or empty for none.
	Aggregation string
	TimeWindow  time.Duration

	CheckInterval time.Duration
}

// LoadRules reads and compiles rules from a YAML file. Rules that fail to
// compile are skipped with a logged error so one bad rule never takes the
// whole rule set down.
func LoadRules(path string, logger *zap.Logger) ([]*Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rules file: %w", err)
	}
	return parseRules(data, logger)
}

func parseRules(data []byte, logger *zap.Logger) ([]*Rule, error) {
	var file rulesFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse rules file: %w", err)
	}

	rules := make([]*Rule, 0, len(file.Rules))
	for name, spec := range file.Rules {
		rule, err := compileRule(name, spec)
		if err != nil {
			logger.Error("Skipping invalid alert rule",
				zap.String("rule", name),
				zap.Error(err))
			continue
		}
		rules = append(rules, rule)
	}

	// Map iteration order is random; keep evaluation order stable.
	sort.Slice(rules, func(i, j int) bool { return rules[i].Name < rules[j].Name })

	logger.Info("Loaded alert rules", zap.Int("count", len(rules)))
	return rules, nil
}

func compileRule(name string, spec ruleSpec) (*Rule, error) {
	cond, err := ParseCondition(spec.Condition)
	if err != nil {
		return nil, err
	}

	severity := model.AlertSeverity(spec.Severity)
	switch severity {
	case model.AlertSeverityLow, model.AlertSeverityMedium, model.AlertSeverityHigh, model.AlertSeverityCritical:
	case "":
		severity = model.AlertSeverityMedium
	default:
		return nil, fmt.Errorf("unknown severity %q", spec.Severity)
	}

	switch spec.Aggregation {
	case "", "avg", "max", "min":
	default:
		return nil, fmt.Errorf("unknown aggregation %q", spec.Aggregation)
	}

	interval := time.Minute
	if spec.CheckInterval != "" {
		parsed, err := time.ParseDuration(spec.CheckInterval)
		if err != nil {
			return nil, fmt.Errorf("invalid check_interval %q: %w", spec.CheckInterval, err)
		}
		interval = parsed
	}

	return &Rule{
		Name:          name,
		Enabled:       spec.Enabled,
		Description:   spec.Description,
		Condition:     cond,
		Severity:      severity,
		Message:       spec.Message,
		DataSource:    spec.DataSource,
		Aggregation:   spec.Aggregation,
		TimeWindow:    ParseTimeWindow(spec.TimeWindow),
		CheckInterval: interval,
	}, nil
}

// ParseTimeWindow parses a window like 30s, 5m, 2h or 1d. Anything else
// falls back to the 5-minute default.
func ParseTimeWindow(s string) time.Duration {
	m := timeWindowPattern.FindStringSubmatch(s)
	if m == nil {
		return DefaultTimeWindow
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return DefaultTimeWindow
	}
	switch m[2] {
	case "s":
		return time.Duration(n) * time.Second
	case "m":
		return time.Duration(n) * time.Minute
	case "h":
		return time.Duration(n) * time.Hour
	case "d":
		return time.Duration(n) * 24 * time.Hour
	}
	return DefaultTimeWindow
}
