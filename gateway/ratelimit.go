package gateway

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// rateLimiter combines a token bucket refilled at requests-per-minute
// pace with a sliding window of arrival times. A call is admitted only
// when both agree; refusal comes with a wait hint.
type rateLimiter struct {
	bucket *rate.Limiter

	mu        sync.Mutex
	arrivals  []time.Time
	perWindow int
	window    time.Duration
}

func newRateLimiter(requestsPerMinute, burst int, window time.Duration) *rateLimiter {
	return &rateLimiter{
		bucket:    rate.NewLimiter(rate.Limit(float64(requestsPerMinute)/60.0), burst),
		perWindow: requestsPerMinute,
		window:    window,
	}
}

// Allow admits or refuses one call, returning a wait hint on refusal
func (r *rateLimiter) Allow(now time.Time) (bool, time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := now.Add(-r.window)
	kept := r.arrivals[:0]
	for _, t := range r.arrivals {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	r.arrivals = kept

	if len(r.arrivals) >= r.perWindow {
		return false, r.arrivals[0].Add(r.window).Sub(now)
	}

	reservation := r.bucket.ReserveN(now, 1)
	if !reservation.OK() {
		return false, r.window
	}
	if delay := reservation.DelayFrom(now); delay > 0 {
		reservation.CancelAt(now)
		return false, delay
	}

	r.arrivals = append(r.arrivals, now)
	return true, 0
}

// Tokens reports the bucket's remaining burst capacity
func (r *rateLimiter) Tokens() float64 {
	return r.bucket.Tokens()
}
