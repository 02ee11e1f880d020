// Package health implements the health prober (spec.md §4.d): poll an
// HTTP(S) or TCP endpoint until it answers successfully or the probe budget
// expires.
package health

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/s3bba/pm3/internal/pm3config"
)

// Result is the terminal outcome of a probe run.
type Result int

const (
	// Healthy means a probe attempt succeeded before the budget expired.
	Healthy Result = iota
	// Timeout means the budget expired with no successful attempt.
	Timeout
	// Cancelled means the caller's context was cancelled before a
	// successful attempt or the budget expiring.
	Cancelled
)

func (r Result) String() string {
	switch r {
	case Healthy:
		return "healthy"
	case Timeout:
		return "timeout"
	case Cancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// PollInterval is the spacing between probe attempts.
const PollInterval = 1 * time.Second

// Budget is the total time a single Probe call is allowed to spend before
// giving up.
const Budget = 30 * time.Second

// httpClient is shared across probe attempts. CheckRedirect isn't
// overridden, so redirects are followed under net/http's default policy
// (up to 10 hops, to any host).
var httpClient = &http.Client{Timeout: 2 * time.Second}

// Probe polls check every PollInterval until it succeeds, the context is
// cancelled, or Budget elapses. It holds no state across calls: every
// invocation starts a fresh timer and ticker.
func Probe(ctx context.Context, check pm3config.HealthCheck) Result {
	ctx, cancel := context.WithTimeout(ctx, Budget)
	defer cancel()

	if attemptOnce(ctx, check) {
		return Healthy
	}

	ticker := time.NewTicker(PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if ctx.Err() == context.DeadlineExceeded {
				return Timeout
			}
			return Cancelled
		case <-ticker.C:
			if attemptOnce(ctx, check) {
				return Healthy
			}
		}
	}
}

func attemptOnce(ctx context.Context, check pm3config.HealthCheck) bool {
	switch check.Scheme {
	case pm3config.HealthHTTP, pm3config.HealthHTTPS:
		return probeHTTP(ctx, check)
	case pm3config.HealthTCP:
		return probeTCP(ctx, check)
	default:
		return false
	}
}

func probeHTTP(ctx context.Context, check pm3config.HealthCheck) bool {
	url := check.Target
	switch check.Scheme {
	case pm3config.HealthHTTP:
		if !hasScheme(url) {
			url = "http://" + url
		}
	case pm3config.HealthHTTPS:
		if !hasScheme(url) {
			url = "https://" + url
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

func probeTCP(ctx context.Context, check pm3config.HealthCheck) bool {
	d := net.Dialer{Timeout: 2 * time.Second}
	conn, err := d.DialContext(ctx, "tcp", check.Target)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

func hasScheme(target string) bool {
	for i := 0; i < len(target); i++ {
		switch target[i] {
		case ':':
			return i > 0 && target[i:i+3] == "://"
		case '/', ' ':
			return false
		}
	}
	return false
}

// ErrUnrecognizedScheme names a config whose scheme is outside
// Http/Https/Tcp. Probe does not return it: it fails closed on such a check
// and reports Timeout once Budget elapses.
var ErrUnrecognizedScheme = fmt.Errorf("unrecognized health check scheme")
