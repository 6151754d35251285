package youtube

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	// recoveryCooldown is how long calls must succeed before the base rate returns.
	recoveryCooldown = 5 * time.Minute
	// unpacedFallback is the rate an unpaced Pacer slows down from.
	unpacedFallback = rate.Limit(1)
)

// Pacer enforces a minimum delay between consecutive remote calls.
// It guards against short-window rate limits; the daily budget is tracked
// separately by the quota ledger.
//
// Rate-limit responses reported through Observe slow the pacer to 75%, 50%
// and then 25% of its base rate. The base rate returns once calls have
// succeeded for recoveryCooldown since the last rate-limit response.
type Pacer struct {
	limiter *rate.Limiter
	base    rate.Limit

	mu          sync.Mutex
	strikes     int
	lastLimited time.Time
	now         func() time.Time
}

// NewPacer returns a pacer allowing one call per delay. A non-positive delay disables pacing.
func NewPacer(delay time.Duration) *Pacer {
	base := rate.Inf
	if delay > 0 {
		base = rate.Every(delay)
	}
	return &Pacer{limiter: rate.NewLimiter(base, 1), base: base, now: time.Now}
}

// Wait blocks until the next call may start.
func (p *Pacer) Wait(ctx context.Context) error {
	if p == nil {
		return nil
	}
	return p.limiter.Wait(ctx)
}

// Observe adjusts the pace after a call. Errors other than rate limiting
// leave the pace unchanged.
func (p *Pacer) Observe(err error) {
	if p == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	switch {
	case errors.Is(err, ErrRateLimited):
		p.strikes++
		p.lastLimited = p.now()
		p.limiter.SetLimit(p.slowed())
	case err == nil:
		if p.strikes == 0 {
			return
		}
		p.strikes--
		if p.now().Sub(p.lastLimited) >= recoveryCooldown {
			p.strikes = 0
		}
		if p.strikes == 0 {
			p.limiter.SetLimit(p.base)
			return
		}
		p.limiter.SetLimit(p.slowed())
	}
}

// Limit returns the current calls-per-second allowance.
func (p *Pacer) Limit() rate.Limit {
	if p == nil {
		return rate.Inf
	}
	return p.limiter.Limit()
}

func (p *Pacer) slowed() rate.Limit {
	base := p.base
	if base == rate.Inf {
		base = unpacedFallback
	}
	switch {
	case p.strikes >= 3:
		return base * 0.25
	case p.strikes == 2:
		return base * 0.5
	default:
		return base * 0.75
	}
}
