package probe

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func listenerTarget(t *testing.T) (Target, func()) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()

	port := ln.Addr().(*net.TCPAddr).Port
	return Target{Host: "127.0.0.1", Port: &port}, func() { ln.Close() }
}

func TestTCPProbe_OpenPort(t *testing.T) {
	target, cleanup := listenerTarget(t)
	defer cleanup()

	result := (&TCPProbe{}).Check(context.Background(), target, Params{Timeout: time.Second})
	assert.True(t, result.Healthy)
	require.NotNil(t, result.ResponseTimeMs)
	assert.GreaterOrEqual(t, *result.ResponseTimeMs, 0.0)
}

func TestTCPProbe_ClosedPort(t *testing.T) {
	// Grab a free port and close it again so nothing listens there
	target, cleanup := listenerTarget(t)
	cleanup()

	result := (&TCPProbe{}).Check(context.Background(), target, Params{Timeout: time.Second})
	assert.False(t, result.Healthy)
	assert.Contains(t, result.ErrorMessage, "refused")
}

func TestTCPProbe_ResolutionFailure(t *testing.T) {
	port := 80
	target := Target{Host: "no-such-host.invalid", Port: &port}

	result := (&TCPProbe{}).Check(context.Background(), target, Params{Timeout: 2 * time.Second})
	assert.False(t, result.Healthy)
	assert.Contains(t, result.ErrorMessage, "hostname resolution failed")
}

func TestTCPProbe_NoPort(t *testing.T) {
	result := (&TCPProbe{}).Check(context.Background(), Target{Host: "127.0.0.1"}, Params{})
	assert.False(t, result.Healthy)
	assert.Equal(t, "no port specified", result.ErrorMessage)
}

func TestCustomProbe(t *testing.T) {
	p := &CustomProbe{}
	port := 8080
	target := Target{Host: "10.0.0.1", Port: &port}

	// Exit zero is healthy; placeholders are substituted
	result := p.Check(context.Background(), target, Params{
		Script: "test {host} = 10.0.0.1 && test {port} = 8080",
	})
	assert.True(t, result.Healthy)

	// Non-zero exit carries the return code
	result = p.Check(context.Background(), target, Params{Script: "exit 3"})
	assert.False(t, result.Healthy)
	assert.Equal(t, "script failed with return code: 3", result.ErrorMessage)

	// Overrunning the timeout is an unhealthy result, not a crash
	result = p.Check(context.Background(), target, Params{
		Script:  "sleep 5",
		Timeout: 100 * time.Millisecond,
	})
	assert.False(t, result.Healthy)
	assert.Equal(t, "script execution timeout", result.ErrorMessage)

	// Output is captured in the details
	result = p.Check(context.Background(), target, Params{Script: "echo checked {host}"})
	assert.True(t, result.Healthy)
	assert.Equal(t, "checked 10.0.0.1", result.Details["output"])
}

func TestCustomProbe_NoScript(t *testing.T) {
	result := (&CustomProbe{}).Check(context.Background(), Target{Host: "10.0.0.1"}, Params{})
	assert.False(t, result.Healthy)
	assert.Equal(t, "no script specified", result.ErrorMessage)
}

func httpTarget(t *testing.T, srv *httptest.Server) Target {
	t.Helper()
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)
	return Target{Host: u.Hostname(), Port: &port}
}

func TestHTTPProbe(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/health":
			w.Write([]byte("service OK"))
		case "/missing":
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()
	target := httpTarget(t, srv)
	p := &HTTPProbe{}

	// Expected status codes default to 200
	result := p.Check(context.Background(), target, Params{Path: "/health"})
	assert.True(t, result.Healthy)
	assert.Equal(t, "200", result.Details["status_code"])

	// Unexpected status is unhealthy
	result = p.Check(context.Background(), target, Params{Path: "/missing"})
	assert.False(t, result.Healthy)
	assert.Contains(t, result.ErrorMessage, "404")

	// Expected content must appear in the body
	result = p.Check(context.Background(), target, Params{
		Path:            "/health",
		ExpectedContent: "service OK",
	})
	assert.True(t, result.Healthy)

	result = p.Check(context.Background(), target, Params{
		Path:            "/health",
		ExpectedContent: "all systems nominal",
	})
	assert.False(t, result.Healthy)
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	for _, kind := range []string{KindPing, KindTCP, KindHTTP, KindSSH, KindCustom} {
		p, err := r.Get(kind)
		require.NoError(t, err)
		require.NotNil(t, p)
	}

	_, err := r.Get("snmp")
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "unsupported probe kind"))
}
