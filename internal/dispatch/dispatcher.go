package dispatch

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/opsarch/nodewatch/internal/model"
	"github.com/opsarch/nodewatch/internal/probe"
)

// RetryPolicy governs re-attempts of failed probes within one check.
type RetryPolicy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
}

// NextDelay calculates the wait before the given retry attempt.
func (p RetryPolicy) NextDelay(attempt int) time.Duration {
	delay := float64(p.InitialDelay)
	for i := 0; i < attempt; i++ {
		delay *= p.Multiplier
	}
	if p.MaxDelay > 0 && delay > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	return time.Duration(delay)
}

// DefaultRetryPolicy retries a failed probe once more after a second.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:  2,
		InitialDelay: time.Second,
		Multiplier:   2.0,
		MaxDelay:     5 * time.Second,
	}
}

// Config tunes the dispatcher.
type Config struct {
	// ProbeTimeout bounds each individual probe.
	ProbeTimeout time.Duration

	Retry RetryPolicy
}

// NodeResult is the gathered outcome of all probes for one node.
type NodeResult struct {
	Endpoints         []model.EndpointResult
	AvgResponseTimeMs *float64

	// CheckableCount counts endpoints with at least one applicable probe.
	CheckableCount int
	HealthyCount   int
}

// Dispatcher runs all probes for a node's endpoint set concurrently. A
// failing probe never aborts its siblings; results are gathered
// independently.
type Dispatcher struct {
	logger   *zap.Logger
	registry *probe.Registry
	cfg      Config
}

// NewDispatcher creates a dispatcher over the given driver registry.
func NewDispatcher(registry *probe.Registry, cfg Config, logger *zap.Logger) *Dispatcher {
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = probe.DefaultTimeout
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = DefaultRetryPolicy()
	}
	return &Dispatcher{
		logger:   logger.Named("dispatcher"),
		registry: registry,
		cfg:      cfg,
	}
}

type probeJob struct {
	endpointIdx int
	kind        string
	target      probe.Target
}

type probeOutcome struct {
	endpointIdx int
	result      model.ProbeResult
}

// CheckNode probes every endpoint of the node. For each endpoint the
// reachability probe runs unless ping is disabled, and the connect probe
// runs when a port is present. All probes run concurrently.
func (d *Dispatcher) CheckNode(ctx context.Context, node *model.Node) *NodeResult {
	jobs := make([]probeJob, 0, len(node.Endpoints)*2)
	for i, ep := range node.Endpoints {
		target := probe.Target{Host: ep.Host, Port: ep.Port}
		if !ep.PingDisabled {
			jobs = append(jobs, probeJob{endpointIdx: i, kind: probe.KindPing, target: target})
		}
		if ep.Port != nil {
			jobs = append(jobs, probeJob{endpointIdx: i, kind: probe.KindTCP, target: target})
		}
	}

	outcomes := make(chan probeOutcome, len(jobs))
	var wg sync.WaitGroup
	for _, job := range jobs {
		wg.Add(1)
		go func(job probeJob) {
			defer wg.Done()
			outcomes <- probeOutcome{
				endpointIdx: job.endpointIdx,
				result:      d.runProbe(ctx, job),
			}
		}(job)
	}
	wg.Wait()
	close(outcomes)

	perEndpoint := make([][]model.ProbeResult, len(node.Endpoints))
	for outcome := range outcomes {
		perEndpoint[outcome.endpointIdx] = append(perEndpoint[outcome.endpointIdx], outcome.result)
	}

	return d.gather(node, perEndpoint)
}

// runProbe executes one probe with the configured retry policy. Unhealthy
// results are retried; the last result wins.
func (d *Dispatcher) runProbe(ctx context.Context, job probeJob) model.ProbeResult {
	prober, err := d.registry.Get(job.kind)
	if err != nil {
		return model.ProbeResult{
			Host:         job.target.Host,
			Port:         job.target.Port,
			Kind:         job.kind,
			ErrorMessage: err.Error(),
		}
	}

	params := probe.Params{Timeout: d.cfg.ProbeTimeout}

	var result model.ProbeResult
	for attempt := 0; attempt < d.cfg.Retry.MaxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return result
			case <-time.After(d.cfg.Retry.NextDelay(attempt - 1)):
			}
		}
		result = prober.Check(ctx, job.target, params)
		if result.Healthy {
			return result
		}
		d.logger.Debug("Probe attempt failed",
			zap.String("kind", job.kind),
			zap.String("host", job.target.Host),
			zap.Int("attempt", attempt+1),
			zap.String("error", result.ErrorMessage))
	}
	return result
}

func (d *Dispatcher) gather(node *model.Node, perEndpoint [][]model.ProbeResult) *NodeResult {
	out := &NodeResult{Endpoints: make([]model.EndpointResult, 0, len(node.Endpoints))}

	var totalLatency float64
	var latencyCount int

	for i, ep := range node.Endpoints {
		results := perEndpoint[i]
		er := model.EndpointResult{
			EndpointID: ep.ID,
			Host:       ep.Host,
			Port:       ep.Port,
			Probes:     results,
		}

		if len(results) == 0 {
			er.ErrorMessage = "no applicable checks"
			out.Endpoints = append(out.Endpoints, er)
			continue
		}

		out.CheckableCount++
		er.Healthy = true
		var epLatency float64
		var epLatencyCount int
		for _, r := range results {
			if !r.Healthy {
				er.Healthy = false
				if er.ErrorMessage == "" {
					er.ErrorMessage = r.ErrorMessage
				}
			}
			if r.ResponseTimeMs != nil {
				totalLatency += *r.ResponseTimeMs
				latencyCount++
				epLatency += *r.ResponseTimeMs
				epLatencyCount++
			}
		}
		if epLatencyCount > 0 {
			avg := epLatency / float64(epLatencyCount)
			er.ResponseTimeMs = &avg
		}
		if er.Healthy {
			out.HealthyCount++
		}
		out.Endpoints = append(out.Endpoints, er)
	}

	if latencyCount > 0 {
		avg := totalLatency / float64(latencyCount)
		out.AvgResponseTimeMs = &avg
	}
	return out
}
