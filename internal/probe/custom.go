package probe

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/opsarch/nodewatch/internal/model"
)

// CustomProbe executes an external check command. {host} and {port} in the
// command line are substituted with the target before execution; exit
// status zero means healthy.
type CustomProbe struct{}

// Check runs the command through the shell with a timeout.
func (p *CustomProbe) Check(ctx context.Context, target Target, params Params) model.ProbeResult {
	if params.Script == "" {
		return unhealthy(target, KindCustom, "no script specified")
	}

	timeout := params.Timeout
	if timeout <= 0 {
		timeout = DefaultScriptTimeout
	}

	port := ""
	if target.Port != nil {
		port = fmt.Sprintf("%d", *target.Port)
	}
	script := strings.ReplaceAll(params.Script, "{host}", target.Host)
	script = strings.ReplaceAll(script, "{port}", port)

	cmdCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(cmdCtx, "sh", "-c", script)

	start := time.Now()
	output, err := cmd.CombinedOutput()
	elapsed := time.Since(start)

	result := model.ProbeResult{
		Host:    target.Host,
		Port:    target.Port,
		Kind:    KindCustom,
		Details: map[string]string{"output": strings.TrimSpace(string(output))},
	}

	if err != nil {
		if cmdCtx.Err() == context.DeadlineExceeded {
			result.ErrorMessage = "script execution timeout"
		} else if exitErr, ok := err.(*exec.ExitError); ok {
			result.ErrorMessage = fmt.Sprintf("script failed with return code: %d", exitErr.ExitCode())
		} else {
			result.ErrorMessage = err.Error()
		}
		return result
	}

	ms := millis(elapsed)
	result.Healthy = true
	result.ResponseTimeMs = &ms
	return result
}
