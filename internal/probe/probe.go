// Package probe checks whether the local service answers on its health URL.
package probe

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/loykin/tunnelkeeper/internal/metrics"
)

const (
	DefaultTimeout = 5 * time.Second
	maxBody        = 64 << 10
)

type Status int

const (
	StatusUnknown Status = iota
	StatusHealthy
	StatusUnhealthy
)

func (s Status) String() string {
	switch s {
	case StatusHealthy:
		return "healthy"
	case StatusUnhealthy:
		return "unhealthy"
	default:
		return "unknown"
	}
}

func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Payload is the JSON body a health endpoint may return. Only Status affects
// the verdict; the rest is reported as-is.
type Payload struct {
	Status             string `json:"status"`
	Version            string `json:"version,omitempty"`
	Model              string `json:"model,omitempty"`
	DocumentsProcessed int    `json:"documents_processed,omitempty"`
}

type Result struct {
	Status  Status        `json:"status"`
	Code    int           `json:"code,omitempty"`
	Latency time.Duration `json:"latency"`
	Payload *Payload      `json:"payload,omitempty"`
	Err     error         `json:"-"`
}

// Prober issues GET requests against a health URL.
type Prober struct {
	Client *http.Client
	// ExpectStatus, when non-zero, is the only status code counted as healthy.
	// Zero accepts any response.
	ExpectStatus int
	// Timeout bounds each attempt.
	Timeout time.Duration
	Logger  *slog.Logger
}

func (p Prober) client() *http.Client {
	if p.Client != nil {
		return p.Client
	}
	return http.DefaultClient
}

func (p Prober) logger() *slog.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return slog.Default()
}

// Check performs a single attempt. A malformed or unreachable URL yields
// StatusUnhealthy with Err set.
func (p Prober) Check(ctx context.Context, url string) Result {
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Result{Status: StatusUnhealthy, Err: err}
	}
	resp, err := p.client().Do(req)
	if err != nil {
		return Result{Status: StatusUnhealthy, Latency: time.Since(start), Err: err}
	}
	defer func() { _ = resp.Body.Close() }()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxBody))

	r := Result{Status: StatusHealthy, Code: resp.StatusCode, Latency: time.Since(start)}
	if p.ExpectStatus != 0 && resp.StatusCode != p.ExpectStatus {
		r.Status = StatusUnhealthy
		r.Err = fmt.Errorf("status %d, want %d", resp.StatusCode, p.ExpectStatus)
	}
	if pl := decodePayload(resp.Header.Get("Content-Type"), body); pl != nil {
		r.Payload = pl
		if pl.Status != "" && !healthyWord(pl.Status) && r.Status == StatusHealthy {
			r.Status = StatusUnhealthy
			r.Err = fmt.Errorf("service reports status %q", pl.Status)
		}
	}
	return r
}

// WaitUntilReady polls url up to maxAttempts times, interval apart, and
// reports whether any attempt was healthy. Cancelling ctx stops early.
func (p Prober) WaitUntilReady(ctx context.Context, url string, maxAttempts int, interval time.Duration) bool {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	for attempt := 1; ; attempt++ {
		r := p.Check(ctx, url)
		ok := r.Status == StatusHealthy
		metrics.IncProbe(ok)
		if ok {
			p.logger().Info("service healthy", "url", url, "attempt", attempt, "latency", r.Latency)
			return true
		}
		p.logger().Debug("service not ready", "url", url, "attempt", attempt, "max", maxAttempts, "error", r.Err)
		if attempt >= maxAttempts {
			return false
		}
		t := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			t.Stop()
			return false
		case <-t.C:
		}
	}
}

func decodePayload(contentType string, body []byte) *Payload {
	body = bytes.TrimSpace(body)
	if !strings.Contains(contentType, "json") && !bytes.HasPrefix(body, []byte("{")) {
		return nil
	}
	var pl Payload
	if err := json.Unmarshal(body, &pl); err != nil {
		return nil
	}
	return &pl
}

func healthyWord(s string) bool {
	switch strings.ToLower(s) {
	case "healthy", "ok", "up", "pass":
		return true
	}
	return false
}
