package ai

import "golang.org/x/time/rate"

const limiterBurst = 10

// newRateLimiter builds a token-bucket limiter refilling at rpm/60
// tokens per second with a burst of 10. A zero or negative rpm means
// no limiting.
func newRateLimiter(rpm int) *rate.Limiter {
	if rpm <= 0 {
		return rate.NewLimiter(rate.Inf, limiterBurst)
	}
	return rate.NewLimiter(rate.Limit(float64(rpm)/60.0), limiterBurst)
}
