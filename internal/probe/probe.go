package probe

import (
	"context"
	"fmt"
	"time"

	"github.com/opsarch/nodewatch/internal/model"
)

// Probe kinds understood by the registry.
const (
	KindPing   = "ping"
	KindTCP    = "tcp"
	KindHTTP   = "http"
	KindSSH    = "ssh"
	KindCustom = "custom"
)

const (
	// DefaultTimeout bounds a single network probe.
	DefaultTimeout = 3 * time.Second

	// DefaultScriptTimeout bounds a custom check command.
	DefaultScriptTimeout = 10 * time.Second
)

// Target is the network target a probe runs against.
type Target struct {
	Host string
	Port *int
}

// Params carries per-probe tuning. Zero values fall back to driver defaults.
type Params struct {
	Timeout time.Duration

	// HTTP driver
	Scheme          string
	Path            string
	Method          string
	ExpectedCodes   []int
	ExpectedContent string
	SkipTLSVerify   bool

	// SSH driver
	Username string
	Password string

	// Custom driver: command line with {host} and {port} placeholders.
	Script string
}

// Prober is the single capability shared by all drivers. Implementations
// must never return a Go error: any internal failure is converted into an
// unhealthy result with a diagnostic message.
type Prober interface {
	Check(ctx context.Context, target Target, params Params) model.ProbeResult
}

// Registry dispatches probes by declared kind.
type Registry struct {
	probers map[string]Prober
}

// NewRegistry returns a registry with the full closed set of drivers.
func NewRegistry() *Registry {
	return &Registry{probers: map[string]Prober{
		KindPing:   &PingProbe{},
		KindTCP:    &TCPProbe{},
		KindHTTP:   &HTTPProbe{},
		KindSSH:    &SSHProbe{},
		KindCustom: &CustomProbe{},
	}}
}

// Get returns the driver for a probe kind.
func (r *Registry) Get(kind string) (Prober, error) {
	p, ok := r.probers[kind]
	if !ok {
		return nil, fmt.Errorf("unsupported probe kind: %s", kind)
	}
	return p, nil
}

// Register installs or replaces a driver. Tests use this to inject fakes.
func (r *Registry) Register(kind string, p Prober) {
	r.probers[kind] = p
}

func unhealthy(target Target, kind, msg string) model.ProbeResult {
	return model.ProbeResult{
		Host:         target.Host,
		Port:         target.Port,
		Kind:         kind,
		Healthy:      false,
		ErrorMessage: msg,
	}
}

func healthy(target Target, kind string, elapsedMs float64) model.ProbeResult {
	return model.ProbeResult{
		Host:           target.Host,
		Port:           target.Port,
		Kind:           kind,
		Healthy:        true,
		ResponseTimeMs: &elapsedMs,
	}
}

func millis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
