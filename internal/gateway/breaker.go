package gateway

import (
	"sync"
	"time"

	"github.com/jmehdipour/licensing-gateway/internal/metrics"
)

// BreakerState is exported as the lgw_provider_breaker_state gauge value.
type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// ProviderBreaker guards one transcript provider account. It opens after
// threshold consecutive failed fetches, and once cooldown has elapsed it
// lets exactly one trial fetch decide whether the provider is back.
type ProviderBreaker struct {
	provider  string
	threshold int
	cooldown  time.Duration
	now       func() time.Time

	mu       sync.Mutex
	state    BreakerState
	failures int
	retryAt  time.Time
	trial    bool
}

func NewProviderBreaker(provider string, threshold int, cooldown time.Duration) *ProviderBreaker {
	if threshold <= 0 {
		threshold = 3
	}
	b := &ProviderBreaker{provider: provider, threshold: threshold, cooldown: cooldown, now: time.Now}
	b.publish()
	return b
}

func (b *ProviderBreaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Ready reports whether Acquire could succeed right now, without taking
// the trial slot.
func (b *ProviderBreaker) Ready() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.admits()
}

// Acquire reserves a fetch. A cooled-down open breaker turns half-open and
// hands out its single trial.
func (b *ProviderBreaker) Acquire() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.admits() {
		return false
	}
	if b.state == BreakerClosed {
		return true
	}
	b.trial = true
	b.set(BreakerHalfOpen)
	return true
}

// Record feeds a fetch outcome back into the breaker.
func (b *ProviderBreaker) Record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.trial = false
	if err == nil {
		b.failures = 0
		b.set(BreakerClosed)
		return
	}
	b.failures++
	if b.state == BreakerHalfOpen || b.failures >= b.threshold {
		b.retryAt = b.now().Add(b.cooldown)
		b.set(BreakerOpen)
	}
}

func (b *ProviderBreaker) admits() bool {
	switch b.state {
	case BreakerClosed:
		return true
	case BreakerOpen:
		return !b.trial && b.now().After(b.retryAt)
	default:
		return !b.trial
	}
}

func (b *ProviderBreaker) set(s BreakerState) {
	if b.state == s {
		return
	}
	b.state = s
	b.publish()
}

func (b *ProviderBreaker) publish() {
	metrics.ProviderBreakerState.WithLabelValues(b.provider).Set(float64(b.state))
}
