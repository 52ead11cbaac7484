// Package mode runs the trading loop under one of five operating modes
// and owns the transitions between them.
package mode

import (
	"fmt"
	"strings"
)

// Mode is the operating mode of the trading loop.
type Mode string

const (
	// Auto evaluates and executes signals without human involvement.
	Auto Mode = "AUTO"
	// SemiAuto proposes signals and waits for confirmation before
	// executing. Unconfirmed proposals expire.
	SemiAuto Mode = "SEMI_AUTO"
	// Manual proposes signals for display only. Nothing executes.
	Manual Mode = "MANUAL"
	// Paper runs the full auto loop against a simulated exchange.
	Paper Mode = "PAPER"
	// Backtest replays historical bars through the pipeline.
	Backtest Mode = "BACKTEST"
)

// Parse normalizes a mode string from config or the API.
func Parse(s string) (Mode, error) {
	switch Mode(strings.ToUpper(strings.TrimSpace(s))) {
	case Auto:
		return Auto, nil
	case SemiAuto:
		return SemiAuto, nil
	case Manual:
		return Manual, nil
	case Paper:
		return Paper, nil
	case Backtest:
		return Backtest, nil
	}
	return "", fmt.Errorf("unknown trading mode %q", s)
}

// Executes reports whether signals accepted in this mode are placed on
// the exchange without confirmation.
func (m Mode) Executes() bool {
	return m == Auto || m == Paper || m == Backtest
}
