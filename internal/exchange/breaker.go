package exchange

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sony/gobreaker"
)

// Breaker trip thresholds for live exchange calls. The circuit opens
// after 60% failures across at least 5 requests in a 10s window, stays
// open 30s, and probes with up to 3 requests half-open.
const (
	breakerMinRequests     = 5
	breakerFailureRatio    = 0.6
	breakerOpenTimeout     = 30 * time.Second
	breakerHalfOpenMaxReqs = 3
	breakerCountInterval   = 10 * time.Second
)

var breakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "fibflow_exchange_breaker_state",
	Help: "Exchange circuit breaker state (0=closed, 1=open, 2=half_open)",
}, []string{"exchange"})

// newExchangeBreaker builds the circuit breaker guarding live API
// calls. Retries run inside the breaker so an exhausted retry loop
// counts as a single failure.
func newExchangeBreaker(name string) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: breakerHalfOpenMaxReqs,
		Interval:    breakerCountInterval,
		Timeout:     breakerOpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < breakerMinRequests {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= breakerFailureRatio
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			breakerState.WithLabelValues(name).Set(breakerStateValue(to))
		},
	})
}

func breakerStateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateOpen:
		return 1
	case gobreaker.StateHalfOpen:
		return 2
	default:
		return 0
	}
}
