package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
)

var (
	ErrNoHealthy = errors.New("no healthy providers")
	ErrNoAcquire = errors.New("provider not acquired")
)

// Dispatcher picks a ready provider round-robin and retries on another one
// up to maxAttempts times.
type Dispatcher struct {
	providers         []Provider
	roundRobinCounter atomic.Uint64
	maxAttempts       int
}

func NewDispatcher(provs []Provider, maxAttempts int) *Dispatcher {
	if maxAttempts < 1 {
		maxAttempts = 2
	}
	return &Dispatcher{providers: provs, maxAttempts: maxAttempts}
}

func (d *Dispatcher) selectProvider() (Provider, error) {
	healthy := make([]Provider, 0, len(d.providers))
	for _, p := range d.providers {
		if p.Ready() {
			healthy = append(healthy, p)
		}
	}
	if len(healthy) == 0 {
		return nil, ErrNoHealthy
	}

	x := d.roundRobinCounter.Add(1)
	return healthy[int((x-1)%uint64(len(healthy)))], nil
}

func (d *Dispatcher) tryOnce(ctx context.Context, req Request) (Transcript, string, error) {
	p, err := d.selectProvider()
	if err != nil {
		return Transcript{}, "", err
	}
	if !p.Acquire() {
		return Transcript{}, p.Name(), ErrNoAcquire
	}
	t, err := p.Transcript(ctx, req)
	return t, p.Name(), err
}

// Upstream fetches from the providers without caching.
func (d *Dispatcher) Upstream(ctx context.Context, req Request) (Transcript, string, error) {
	var last error
	for i := 0; i < d.maxAttempts; i++ {
		t, name, err := d.tryOnce(ctx, req)
		if err == nil {
			return t, name, nil
		}
		last = err
		if errors.Is(err, ErrNoHealthy) || ctx.Err() != nil {
			break
		}
	}
	if last == nil {
		last = fmt.Errorf("transcript fetch failed")
	}
	return Transcript{}, "", last
}
