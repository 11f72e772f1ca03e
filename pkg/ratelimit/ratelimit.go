// Package ratelimit provides an adaptive client-side rate limit: the
// allowed request rate climbs while calls succeed and collapses when the
// remote side starts pushing back.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Adaptive wraps a token-bucket limiter whose rate adjusts with request
// outcomes. Safe for concurrent use.
type Adaptive struct {
	mu        sync.RWMutex
	limiter   *rate.Limiter
	minLimit  rate.Limit
	maxLimit  rate.Limit
	stepUp    rate.Limit
	stepDown  float64
	lastError time.Time
}

// NewAdaptive creates a limiter starting at initial requests per second,
// bounded by [min, max]. stepUp is added on success, stepDown multiplies the
// rate on pushback (e.g. 0.5 halves it).
func NewAdaptive(initial, min, max, stepUp rate.Limit, stepDown float64) *Adaptive {
	if initial < 1 {
		initial = 1
	}
	if min < 1 {
		min = 1
	}
	burst := int(initial)
	if burst < 1 {
		burst = 1
	}
	return &Adaptive{
		limiter:  rate.NewLimiter(initial, burst),
		minLimit: min,
		maxLimit: max,
		stepUp:   stepUp,
		stepDown: stepDown,
	}
}

// Wait blocks until a token is available or ctx is done.
func (a *Adaptive) Wait(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return a.limiter.Wait(ctx)
}

// Success nudges the rate up, but only once the last pushback is some
// distance in the past.
func (a *Adaptive) Success() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if time.Since(a.lastError) > 10*time.Second {
		a.adjust(a.limiter.Limit() + a.stepUp)
	}
}

// Pushback reduces the rate after the remote side signals overload.
func (a *Adaptive) Pushback() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.lastError = time.Now()
	a.adjust(rate.Limit(float64(a.limiter.Limit()) * a.stepDown))
}

// CurrentLimit returns the current requests per second.
func (a *Adaptive) CurrentLimit() float64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return float64(a.limiter.Limit())
}

func (a *Adaptive) adjust(newLimit rate.Limit) {
	if newLimit > a.maxLimit {
		newLimit = a.maxLimit
	} else if newLimit < a.minLimit {
		newLimit = a.minLimit
	}

	if newLimit != a.limiter.Limit() {
		a.limiter.SetLimit(newLimit)
		burst := int(newLimit)
		if burst < 1 {
			burst = 1
		}
		a.limiter.SetBurst(burst)
	}
}
