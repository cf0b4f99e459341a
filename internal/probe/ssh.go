package probe

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/opsarch/nodewatch/internal/model"
)

// SSHProbe attempts an SSH handshake against (host, port|22). A completed
// handshake is healthy; a rejected authentication still proves the daemon
// is reachable but is reported unhealthy with a distinct message so rules
// can tell the two apart.
type SSHProbe struct{}

// Check dials and handshakes within the timeout.
func (p *SSHProbe) Check(ctx context.Context, target Target, params Params) model.ProbeResult {
	timeout := params.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	port := 22
	if target.Port != nil {
		port = *target.Port
	}
	addr := net.JoinHostPort(target.Host, fmt.Sprintf("%d", port))

	username := params.Username
	if username == "" {
		username = "root"
	}

	config := &ssh.ClientConfig{
		User:            username,
		Timeout:         timeout,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
	}
	if params.Password != "" {
		config.Auth = []ssh.AuthMethod{ssh.Password(params.Password)}
	}

	start := time.Now()
	client, err := ssh.Dial("tcp", addr, config)
	elapsed := time.Since(start)

	if err != nil {
		if strings.Contains(err.Error(), "unable to authenticate") {
			return unhealthy(target, KindSSH, "ssh authentication failed")
		}
		return unhealthy(target, KindSSH, fmt.Sprintf("ssh connection error: %v", err))
	}
	client.Close()

	return healthy(target, KindSSH, millis(elapsed))
}
