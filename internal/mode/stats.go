package mode

import "sync"

// Stats is a point-in-time snapshot of the loop's daily counters.
type Stats struct {
	Mode              Mode  `json:"mode"`
	Ticks             int64 `json:"ticks"`
	SignalsExecuted   int64 `json:"signals_executed"`
	SignalsAIEnhanced int64 `json:"signals_ai_enhanced"`
	SignalsAIBoosted  int64 `json:"signals_ai_boosted"`
	SignalsAIBlocked  int64 `json:"signals_ai_blocked"`
	SignalsAINeutral  int64 `json:"signals_ai_neutral"`
	Errors            int64 `json:"errors"`
}

// counters accumulates daily loop statistics. Reset at UTC midnight.
type counters struct {
	mu                sync.Mutex
	ticks             int64
	signalsExecuted   int64
	signalsAIEnhanced int64
	signalsAIBoosted  int64
	signalsAIBlocked  int64
	signalsAINeutral  int64
	errors            int64
}

func (c *counters) tick() {
	c.mu.Lock()
	c.ticks++
	c.mu.Unlock()
}

func (c *counters) executed() {
	c.mu.Lock()
	c.signalsExecuted++
	c.mu.Unlock()
}

func (c *counters) aiEnhanced(boosted bool) {
	c.mu.Lock()
	c.signalsAIEnhanced++
	if boosted {
		c.signalsAIBoosted++
	} else {
		c.signalsAINeutral++
	}
	c.mu.Unlock()
}

func (c *counters) aiBlocked() {
	c.mu.Lock()
	c.signalsAIBlocked++
	c.mu.Unlock()
}

func (c *counters) failure() {
	c.mu.Lock()
	c.errors++
	c.mu.Unlock()
}

func (c *counters) snapshot(mode Mode) Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Mode:              mode,
		Ticks:             c.ticks,
		SignalsExecuted:   c.signalsExecuted,
		SignalsAIEnhanced: c.signalsAIEnhanced,
		SignalsAIBoosted:  c.signalsAIBoosted,
		SignalsAIBlocked:  c.signalsAIBlocked,
		SignalsAINeutral:  c.signalsAINeutral,
		Errors:            c.errors,
	}
}

func (c *counters) reset() {
	c.mu.Lock()
	c.ticks = 0
	c.signalsExecuted = 0
	c.signalsAIEnhanced = 0
	c.signalsAIBoosted = 0
	c.signalsAIBlocked = 0
	c.signalsAINeutral = 0
	c.errors = 0
	c.mu.Unlock()
}
