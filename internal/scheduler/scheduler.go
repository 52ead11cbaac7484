package scheduler

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/fibflow/fibflow/internal/config"
)

// symbolState is per-symbol execution bookkeeping.
type symbolState struct {
	lastExecution    time.Time
	consecutiveSkips int
	latencyLog       []int64 // milliseconds, most recent last
	cutoutLogged     bool
}

const latencyLogCap = 50

// Scheduler enforces per-symbol cooldowns and the consecutive-skip
// fail-safe. All methods are safe under concurrent symbol ticks.
type Scheduler struct {
	mu     sync.Mutex
	cfg    config.SchedulerConfig
	state  map[string]*symbolState
	logger zerolog.Logger
	clock  func() time.Time
}

func New(cfg config.SchedulerConfig, logger zerolog.Logger) *Scheduler {
	if cfg.MinIntervalSec <= 0 {
		cfg.MinIntervalSec = 300
	}
	if cfg.MaxConsecutiveSkips <= 0 {
		cfg.MaxConsecutiveSkips = 5
	}
	return &Scheduler{
		cfg:    cfg,
		state:  make(map[string]*symbolState),
		logger: logger,
		clock:  time.Now,
	}
}

func (s *Scheduler) get(symbol string) *symbolState {
	st, ok := s.state[symbol]
	if !ok {
		st = &symbolState{}
		s.state[symbol] = st
	}
	return st
}

// CanExecute reports whether the cooldown since the last accepted
// execution has elapsed.
func (s *Scheduler) CanExecute(symbol string, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.get(symbol)
	if st.lastExecution.IsZero() {
		return true
	}
	return now.Sub(st.lastExecution) >= time.Duration(s.cfg.MinIntervalSec)*time.Second
}

// RecordExecution marks an accepted execution and clears the skip
// streak.
func (s *Scheduler) RecordExecution(symbol string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.get(symbol)
	st.lastExecution = s.clock()
	st.consecutiveSkips = 0
	st.cutoutLogged = false
}

// RecordSkip increments the symbol's skip streak.
func (s *Scheduler) RecordSkip(symbol string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.get(symbol).consecutiveSkips++
}

// ShouldSkip reports whether the symbol hit the fail-safe: too many
// consecutive skips. The cut-out is logged once, not per tick.
func (s *Scheduler) ShouldSkip(symbol string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.get(symbol)
	if st.consecutiveSkips < s.cfg.MaxConsecutiveSkips {
		return false
	}
	if !st.cutoutLogged {
		st.cutoutLogged = true
		s.logger.Warn().
			Str("symbol", symbol).
			Int("consecutive_skips", st.consecutiveSkips).
			Msg("Symbol cut out after consecutive skips, awaiting reset")
	}
	return true
}

// Reset clears the fail-safe for a symbol (external/manual action).
func (s *Scheduler) Reset(symbol string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.get(symbol)
	st.consecutiveSkips = 0
	st.cutoutLogged = false

	s.logger.Info().Str("symbol", symbol).Msg("Scheduler state reset")
}

// Skips returns the current skip streak, for stats surfaces.
func (s *Scheduler) Skips(symbol string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.get(symbol).consecutiveSkips
}

// CheckOrderBookDepth accepts when the relative spread is tighter than
// requiredDepthPct.
func (s *Scheduler) CheckOrderBookDepth(bestBid, bestAsk, requiredDepthPct float64) bool {
	if bestAsk <= 0 || bestBid <= 0 || bestBid > bestAsk {
		return false
	}
	return (bestAsk-bestBid)/bestAsk < requiredDepthPct
}

// MeasureLatency wraps one upstream call and stores its elapsed time
// keyed by symbol.
func (s *Scheduler) MeasureLatency(symbol string, call func() error) error {
	start := s.clock()
	err := call()
	elapsed := s.clock().Sub(start).Milliseconds()

	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.get(symbol)
	st.latencyLog = append(st.latencyLog, elapsed)
	if len(st.latencyLog) > latencyLogCap {
		st.latencyLog = st.latencyLog[len(st.latencyLog)-latencyLogCap:]
	}
	return err
}

// LastLatency returns the most recent measured latency for a symbol
// and whether one exists.
func (s *Scheduler) LastLatency(symbol string) (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.get(symbol)
	if len(st.latencyLog) == 0 {
		return 0, false
	}
	return st.latencyLog[len(st.latencyLog)-1], true
}

// EvaluateTiming is the execution engine's timing gate: the most
// recent measured upstream latency must sit within the configured
// budget. No measurement yet means no evidence against trading.
func (s *Scheduler) EvaluateTiming(symbol string) bool {
	if s.cfg.MaxLatencyMS <= 0 {
		return true
	}
	latency, ok := s.LastLatency(symbol)
	if !ok {
		return true
	}
	return latency <= s.cfg.MaxLatencyMS
}
