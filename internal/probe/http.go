package probe

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/opsarch/nodewatch/internal/model"
)

// HTTPProbe sends one HTTP request and validates the response status code
// and, optionally, a body substring.
type HTTPProbe struct{}

// Check performs the request. Expected status codes default to {200}.
func (p *HTTPProbe) Check(ctx context.Context, target Target, params Params) model.ProbeResult {
	timeout := params.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	scheme := params.Scheme
	if scheme == "" {
		scheme = "http"
	}
	path := params.Path
	if path == "" {
		path = "/"
	}
	method := strings.ToUpper(params.Method)
	if method == "" {
		method = http.MethodGet
	}

	hostport := target.Host
	if target.Port != nil {
		hostport = fmt.Sprintf("%s:%d", target.Host, *target.Port)
	}
	url := fmt.Sprintf("%s://%s%s", scheme, hostport, path)

	client := &http.Client{Timeout: timeout}
	if params.SkipTLSVerify {
		client.Transport = &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return unhealthy(target, KindHTTP, fmt.Sprintf("invalid request: %v", err))
	}

	start := time.Now()
	resp, err := client.Do(req)
	elapsed := time.Since(start)
	if err != nil {
		return unhealthy(target, KindHTTP, fmt.Sprintf("http request failed: %v", err))
	}
	defer resp.Body.Close()

	expected := params.ExpectedCodes
	if len(expected) == 0 {
		expected = []int{http.StatusOK}
	}
	ok := false
	for _, code := range expected {
		if resp.StatusCode == code {
			ok = true
			break
		}
	}

	result := model.ProbeResult{
		Host:    target.Host,
		Port:    target.Port,
		Kind:    KindHTTP,
		Details: map[string]string{"status_code": fmt.Sprintf("%d", resp.StatusCode)},
	}

	if !ok {
		result.ErrorMessage = fmt.Sprintf("HTTP %d", resp.StatusCode)
		return result
	}

	if params.ExpectedContent != "" {
		body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			result.ErrorMessage = fmt.Sprintf("failed to read body: %v", err)
			return result
		}
		if !strings.Contains(string(body), params.ExpectedContent) {
			result.ErrorMessage = "expected content not found in response"
			return result
		}
	}

	ms := millis(elapsed)
	result.Healthy = true
	result.ResponseTimeMs = &ms
	return result
}
