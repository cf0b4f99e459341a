package probe

import (
	"context"
	"fmt"

	probing "github.com/prometheus-community/pro-bing"

	"github.com/opsarch/nodewatch/internal/model"
)

// PingProbe performs a one-shot ICMP reachability test. It runs
// unprivileged (UDP datagram sockets), which works without CAP_NET_RAW on
// Linux when ping_group_range allows it.
type PingProbe struct {
	// Privileged switches to raw ICMP sockets.
	Privileged bool
}

// Check sends a single echo request and waits up to the timeout for a reply.
func (p *PingProbe) Check(ctx context.Context, target Target, params Params) model.ProbeResult {
	timeout := params.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	pinger, err := probing.NewPinger(target.Host)
	if err != nil {
		return unhealthy(target, KindPing, fmt.Sprintf("failed to create pinger: %v", err))
	}

	pinger.Count = 1
	pinger.Timeout = timeout
	pinger.SetPrivileged(p.Privileged)

	if err := pinger.RunWithContext(ctx); err != nil {
		return unhealthy(target, KindPing, fmt.Sprintf("ping failed: %v", err))
	}

	stats := pinger.Statistics()
	if stats.PacketsRecv == 0 {
		return unhealthy(target, KindPing, fmt.Sprintf("ping timeout after %s", timeout))
	}

	return healthy(target, KindPing, millis(stats.AvgRtt))
}
