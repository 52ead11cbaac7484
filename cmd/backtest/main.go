// Backtest runner: replays historical candles from a CSV file through
// the full signal pipeline and reports the resulting trades.
package main

import (
	"context"
	"encoding/csv"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/fibflow/fibflow/internal/advisor"
	"github.com/fibflow/fibflow/internal/config"
	"github.com/fibflow/fibflow/internal/engine"
	"github.com/fibflow/fibflow/internal/ensemble"
	"github.com/fibflow/fibflow/internal/exchange"
	"github.com/fibflow/fibflow/internal/fibonacci"
	"github.com/fibflow/fibflow/internal/market"
	"github.com/fibflow/fibflow/internal/mode"
	"github.com/fibflow/fibflow/internal/risk"
	"github.com/fibflow/fibflow/internal/scheduler"
	"github.com/fibflow/fibflow/internal/scorer"
	"github.com/fibflow/fibflow/internal/validator"
)

var (
	configPath = flag.String("config", "config.yaml", "Path to config file")
	dataFile   = flag.String("data", "", "CSV file with candles (timestamp,open,high,low,close,volume)")
	symbol     = flag.String("symbol", "BTC/USDT", "Symbol the candles belong to")
	window     = flag.Int("window", 200, "Candle window fed to the pipeline per bar")
	verbose    = flag.Bool("verbose", false, "Enable verbose logging")
)

func main() {
	flag.Parse()

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	if *verbose {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	if *dataFile == "" {
		fmt.Fprintln(os.Stderr, "Error: -data flag is required")
		flag.Usage()
		os.Exit(1)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load config")
	}
	cfg.Trading.Mode = string(mode.Backtest)
	cfg.Trading.Symbols = []string{*symbol}

	ctx := context.Background()
	if err := config.ResolveSecrets(ctx, cfg); err != nil {
		log.Fatal().Err(err).Msg("Failed to resolve secrets")
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}

	candles, err := loadCandles(*dataFile)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load candle data")
	}
	if len(candles) < *window {
		log.Fatal().
			Int("candles", len(candles)).
			Int("window", *window).
			Msg("Not enough candles for the requested window")
	}
	log.Info().
		Str("symbol", *symbol).
		Int("candles", len(candles)).
		Time("from", candles[0].Timestamp).
		Time("to", candles[len(candles)-1].Timestamp).
		Msg("Loaded historical data")

	mgr, eng, riskMgr := buildPipeline(cfg)
	if err := mgr.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to start manager")
	}
	defer mgr.Stop()

	start := time.Now()
	signals := 0
	for i := *window; i <= len(candles); i++ {
		signal, err := mgr.ProcessBar(ctx, *symbol, candles[i-*window:i])
		if err != nil {
			log.Warn().Err(err).Int("bar", i).Msg("Bar failed")
			continue
		}
		if signal != nil {
			signals++
			log.Info().
				Str("direction", signal.Direction).
				Str("tier", signal.Tier).
				Float64("entry", signal.EntryPrice).
				Float64("score", signal.Score).
				Time("bar", candles[i-1].Timestamp).
				Msg("Signal executed")
		}
	}

	// Settle whatever is still open at the last seen price.
	eng.EmergencyStop("backtest complete")
	report(eng, riskMgr, signals, len(candles)-*window+1, time.Since(start))
}

func buildPipeline(cfg *config.Config) (*mode.Manager, *engine.Engine, *risk.Manager) {
	paper := exchange.NewPaperExchange()
	paper.SeedBalance("USDT", cfg.Trading.InitialBalance)

	riskMgr := risk.NewManager(cfg.Risk, cfg.Trading.InitialBalance, config.NewLogger("risk"))

	// Backtests run without AI providers unless configured; the
	// advisor degrades to neutral on quorum failure.
	var adv *advisor.Advisor
	if cfg.AI.Enabled {
		adv = advisor.New(cfg.AI, ensemble.New(cfg.AI.MinProviders, cfg.AI.EnableParallel, config.NewLogger("ensemble")), config.NewLogger("advisor"))
	}

	eng := engine.New(cfg.Trading, cfg.Scheduler, engine.Deps{
		Detector:  fibonacci.NewEngine(cfg.Signals.ATRPeriod, cfg.Signals.VolatilityFactor, config.NewLogger("fibonacci")),
		Validator: validator.New(cfg.Signals, config.NewLogger("validator")),
		Scorer:    scorer.New(config.NewLogger("scorer")),
		Scheduler: scheduler.New(cfg.Scheduler, config.NewLogger("scheduler")),
		Advisor:   adv,
		Risk:      riskMgr,
		Exchange:  paper,
	}, config.NewLogger("engine"))

	mgr, err := mode.New(cfg.Trading, cfg.Signals, mode.Deps{
		Engine:   eng,
		Exchange: paper,
		Risk:     riskMgr,
	}, config.NewLogger("mode"))
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build mode manager")
	}
	return mgr, eng, riskMgr
}

// loadCandles reads timestamp,open,high,low,close,volume rows. The
// timestamp column accepts RFC3339 or unix milliseconds.
func loadCandles(path string) ([]market.Candle, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	reader := csv.NewReader(file)
	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read CSV header: %w", err)
	}
	if len(header) < 6 {
		return nil, fmt.Errorf("invalid CSV header: expected timestamp,open,high,low,close,volume, got %v", header)
	}

	var candles []market.Candle
	line := 1
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		line++
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}

		ts, err := parseTimestamp(record[0])
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		fields := make([]float64, 5)
		for i := 0; i < 5; i++ {
			if fields[i], err = strconv.ParseFloat(record[i+1], 64); err != nil {
				return nil, fmt.Errorf("line %d column %d: %w", line, i+2, err)
			}
		}
		candles = append(candles, market.Candle{
			Timestamp: ts,
			Open:      fields[0],
			High:      fields[1],
			Low:       fields[2],
			Close:     fields[3],
			Volume:    fields[4],
		})
	}
	return candles, nil
}

func parseTimestamp(s string) (time.Time, error) {
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.UnixMilli(ms), nil
	}
	return time.Parse(time.RFC3339, s)
}

func report(eng *engine.Engine, riskMgr *risk.Manager, signals, bars int, elapsed time.Duration) {
	history := eng.Book().History()
	wins := 0
	total := 0.0
	for _, trade := range history {
		if trade.RealizedPnL > 0 {
			wins++
		}
		total += trade.RealizedPnL
	}
	winRate := 0.0
	if len(history) > 0 {
		winRate = float64(wins) / float64(len(history)) * 100
	}

	fmt.Println()
	fmt.Println("=== Backtest Results ===")
	fmt.Printf("Bars processed:   %d\n", bars)
	fmt.Printf("Signals executed: %d\n", signals)
	fmt.Printf("Trades closed:    %d\n", len(history))
	fmt.Printf("Win rate:         %.1f%%\n", winRate)
	fmt.Printf("Total PnL:        %.2f\n", total)
	fmt.Printf("Final balance:    %.2f\n", riskMgr.Balance())
	fmt.Printf("Max drawdown:     %.2f%%\n", riskMgr.Drawdown()*100)
	fmt.Printf("Elapsed:          %s\n", elapsed.Round(time.Millisecond))
}
