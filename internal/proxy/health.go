package proxy

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/selextract/scrape-engine/internal/engine"
)

// HealthChecker probes a proxy by fetching a known-good echo endpoint
// through it.
type HealthChecker struct {
	echoURL string
	timeout time.Duration
}

// NewHealthChecker builds a checker. The timeout is capped at ten seconds;
// a proxy that cannot echo within that window is not worth admitting.
func NewHealthChecker(echoURL string, timeout time.Duration) *HealthChecker {
	if timeout <= 0 || timeout > 10*time.Second {
		timeout = 10 * time.Second
	}
	return &HealthChecker{echoURL: echoURL, timeout: timeout}
}

// Check performs one authenticated GET through the proxy and reports
// whether it succeeded with a 200.
func (h *HealthChecker) Check(ctx context.Context, p engine.Proxy) error {
	proxyURL := &url.URL{
		Scheme: "http",
		Host:   p.Addr(),
	}
	if p.Username != "" {
		proxyURL.User = url.UserPassword(p.Username, p.Password)
	}

	client := &http.Client{
		Timeout: h.timeout,
		Transport: &http.Transport{
			Proxy:             http.ProxyURL(proxyURL),
			DisableKeepAlives: true,
		},
	}

	reqCtx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, h.echoURL, nil)
	if err != nil {
		return fmt.Errorf("build health check request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("health check via %s: %w", p.Addr(), err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check via %s: status %d", p.Addr(), resp.StatusCode)
	}
	return nil
}
