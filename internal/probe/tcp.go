package probe

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"syscall"
	"time"

	"github.com/opsarch/nodewatch/internal/model"
)

// TCPProbe attempts a TCP connect to (host, port). Failure reasons are
// classified for diagnostics: timeout, connection refused, and name
// resolution failure each produce a distinct message.
type TCPProbe struct{}

// Check dials the target and reports the connect latency.
func (p *TCPProbe) Check(ctx context.Context, target Target, params Params) model.ProbeResult {
	if target.Port == nil {
		return unhealthy(target, KindTCP, "no port specified")
	}

	timeout := params.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	addr := net.JoinHostPort(target.Host, fmt.Sprintf("%d", *target.Port))
	dialer := net.Dialer{Timeout: timeout}

	start := time.Now()
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	elapsed := time.Since(start)

	if err != nil {
		return model.ProbeResult{
			Host:         target.Host,
			Port:         target.Port,
			Kind:         KindTCP,
			Healthy:      false,
			ErrorMessage: classifyDialError(err, *target.Port, timeout),
		}
	}
	conn.Close()

	return healthy(target, KindTCP, millis(elapsed))
}

func classifyDialError(err error, port int, timeout time.Duration) string {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return fmt.Sprintf("hostname resolution failed: %v", dnsErr)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Sprintf("port %d timeout after %s", port, timeout)
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return fmt.Sprintf("port %d timeout after %s", port, timeout)
	}
	if errors.Is(err, syscall.ECONNREFUSED) {
		return fmt.Sprintf("port %d connection refused", port)
	}
	return fmt.Sprintf("port %d is closed or filtered: %v", port, err)
}
