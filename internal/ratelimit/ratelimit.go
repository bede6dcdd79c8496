// Package ratelimit is a fixed-window request limiter keyed by scope,
// identifier and endpoint. The gateway and the license endpoints each run
// their own instance with a different window and limit table.
package ratelimit

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jmehdipour/licensing-gateway/internal/apperr"
	"github.com/jmehdipour/licensing-gateway/internal/metrics"
)

const (
	ScopeGateway = "gateway"
	ScopeLicense = "license"

	// DefaultEndpoint is the limit used for endpoints without their own entry.
	DefaultEndpoint = "default"
)

// Store keeps window counters.
type Store interface {
	// Hit counts one request in the window starting at windowStart unless
	// the window already holds limit requests.
	Hit(ctx context.Context, scope, identifier, endpoint string, windowStart time.Time, window time.Duration, limit int) (allowed bool, count int, err error)
	Count(ctx context.Context, scope, identifier, endpoint string, windowStart time.Time) (int, error)
	// Reset drops the counters of identifier; an empty endpoint means all.
	Reset(ctx context.Context, scope, identifier, endpoint string) (int64, error)
	Cleanup(ctx context.Context, scope string, before time.Time) (int64, error)
}

// Decision describes a window after a check.
type Decision struct {
	Identifier string        `json:"identifier"`
	Endpoint   string        `json:"endpoint"`
	Allowed    bool          `json:"allowed"`
	Limit      int           `json:"limit"`
	Count      int           `json:"count"`
	Remaining  int           `json:"remaining"`
	Window     time.Duration `json:"-"`
	ResetAt    time.Time     `json:"reset_at"`
}

// RetryAfter is the time left in the window at now.
func (d Decision) RetryAfter(now time.Time) time.Duration {
	if wait := d.ResetAt.Sub(now); wait > 0 {
		return wait
	}
	return 0
}

type Limiter struct {
	scope  string
	window time.Duration
	limits map[string]int
	store  Store

	Now func() time.Time
}

// New builds a limiter. limits maps endpoint to requests per window; the
// "default" entry covers endpoints not listed.
func New(scope string, window time.Duration, limits map[string]int, store Store) *Limiter {
	if window <= 0 {
		window = time.Minute
	}
	cp := make(map[string]int, len(limits))
	for k, v := range limits {
		cp[strings.ToLower(k)] = v
	}
	return &Limiter{scope: scope, window: window, limits: cp, store: store, Now: time.Now}
}

func (l *Limiter) Scope() string { return l.scope }

func (l *Limiter) Window() time.Duration { return l.window }

// Limit returns the configured limit for endpoint, or 0 when unlimited.
func (l *Limiter) Limit(endpoint string) int {
	if n, ok := l.limits[endpoint]; ok {
		return n
	}
	return l.limits[DefaultEndpoint]
}

// Endpoints lists the endpoints with their own limit, sorted.
func (l *Limiter) Endpoints() []string {
	out := make([]string, 0, len(l.limits))
	for k := range l.limits {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func (l *Limiter) windowStart(now time.Time) time.Time {
	return now.UTC().Truncate(l.window)
}

// Allow counts a request. A rejected request returns the decision together
// with a rate_limited error carrying the limit and the window length.
func (l *Limiter) Allow(ctx context.Context, identifier, endpoint string) (Decision, error) {
	endpoint = strings.ToLower(endpoint)
	now := l.Now()
	start := l.windowStart(now)
	limit := l.Limit(endpoint)

	d := Decision{
		Identifier: identifier,
		Endpoint:   endpoint,
		Limit:      limit,
		Window:     l.window,
		ResetAt:    start.Add(l.window),
	}
	if limit <= 0 {
		d.Allowed = true
		return d, nil
	}

	allowed, count, err := l.store.Hit(ctx, l.scope, identifier, endpoint, start, l.window, limit)
	if err != nil {
		return d, fmt.Errorf("rate limit %s: %w", l.scope, err)
	}
	d.Allowed = allowed
	d.Count = min(count, limit)
	d.Remaining = max(limit-count, 0)
	if allowed {
		return d, nil
	}

	metrics.RateLimitedTotal.WithLabelValues(l.scope, endpoint).Inc()
	return d, apperr.Newf(apperr.RateLimited,
		"rate limit exceeded: maximum %d requests per %s allowed for this endpoint", limit, windowName(l.window)).
		With("limit", limit).
		With("window_seconds", int(l.window/time.Second)).
		With("retry_after", int(d.RetryAfter(now).Round(time.Second)/time.Second))
}

// Status reports the current window for identifier and endpoint without
// counting a request.
func (l *Limiter) Status(ctx context.Context, identifier, endpoint string) (Decision, error) {
	endpoint = strings.ToLower(endpoint)
	start := l.windowStart(l.Now())
	limit := l.Limit(endpoint)

	n, err := l.store.Count(ctx, l.scope, identifier, endpoint, start)
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit status: %w", err)
	}
	return Decision{
		Identifier: identifier,
		Endpoint:   endpoint,
		Allowed:    limit <= 0 || n < limit,
		Limit:      limit,
		Count:      n,
		Remaining:  max(limit-n, 0),
		Window:     l.window,
		ResetAt:    start.Add(l.window),
	}, nil
}

// StatusAll reports every configured endpoint for identifier.
func (l *Limiter) StatusAll(ctx context.Context, identifier string) ([]Decision, error) {
	eps := l.Endpoints()
	out := make([]Decision, 0, len(eps))
	for _, ep := range eps {
		d, err := l.Status(ctx, identifier, ep)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

// Reset clears identifier's counters; an empty endpoint clears all of them.
func (l *Limiter) Reset(ctx context.Context, identifier, endpoint string) (int64, error) {
	if identifier == "" {
		return 0, apperr.New(apperr.InvalidInput, "identifier is required")
	}
	return l.store.Reset(ctx, l.scope, identifier, strings.ToLower(endpoint))
}

// Cleanup drops windows that started more than olderThan ago.
func (l *Limiter) Cleanup(ctx context.Context, olderThan time.Duration) (int64, error) {
	if olderThan < l.window {
		olderThan = l.window
	}
	return l.store.Cleanup(ctx, l.scope, l.Now().Add(-olderThan))
}

// LicenseIdentifier keys a limiter by license key.
func LicenseIdentifier(key string) string { return "license_" + key }

// IPIdentifier keys a limiter by client address.
func IPIdentifier(ip string) string { return "ip_" + ip }

func windowName(w time.Duration) string {
	switch w {
	case time.Minute:
		return "minute"
	case time.Hour:
		return "hour"
	}
	return w.String()
}
