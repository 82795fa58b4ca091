package kernel

import (
	"sync"

	"golang.org/x/time/rate"
)

// admissionLimiter bounds Compute submission rate per task ID using
// golang.org/x/time/rate, the library-backed replacement for
// pkg/middleware/ratelimit.go's hand-rolled token bucket, generalized from
// per-IP HTTP keys to per-task-id keys. Every task ID gets its own bucket
// with the same rps and burst; there are no per-task limits.
type admissionLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rps      float64
	burst    int
}

// newAdmissionLimiter builds a limiter that admits up to rps calls per
// second per task ID, with bursts up to burst. rps <= 0 disables limiting
// entirely (Allow always returns true).
func newAdmissionLimiter(rps float64, burst int) *admissionLimiter {
	return &admissionLimiter{
		limiters: make(map[string]*rate.Limiter),
		rps:      rps,
		burst:    burst,
	}
}

// Allow reports whether a Compute call for taskID may proceed now.
func (a *admissionLimiter) Allow(taskID string) bool {
	if a == nil || a.rps <= 0 {
		return true
	}
	a.mu.Lock()
	lim, ok := a.limiters[taskID]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(a.rps), a.burst)
		a.limiters[taskID] = lim
	}
	a.mu.Unlock()
	return lim.Allow()
}
