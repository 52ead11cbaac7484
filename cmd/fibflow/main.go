// FibFlow trading daemon: detection, validation, scoring, AI ensemble
// assessment and execution for every configured symbol.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/fibflow/fibflow/internal/advisor"
	"github.com/fibflow/fibflow/internal/ai"
	"github.com/fibflow/fibflow/internal/api"
	"github.com/fibflow/fibflow/internal/bus"
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
	configPath    = flag.String("config", "config.yaml", "Path to config file")
	providersPath = flag.String("providers", "", "Optional providers.yaml overriding the AI roster")
)

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *providersPath != "" {
		if err := config.LoadProviderFile(cfg, *providersPath); err != nil {
			fmt.Fprintf(os.Stderr, "failed to load provider file: %v\n", err)
			os.Exit(1)
		}
	}

	config.InitLogger(cfg.App.LogLevel, cfg.App.LogFormat)
	log.Info().
		Str("version", cfg.App.Version).
		Str("environment", cfg.App.Environment).
		Str("mode", cfg.Trading.Mode).
		Msg("Starting FibFlow")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Credentials come from the environment or Vault, never the config
	// file on disk. Resolve before validation so enabled providers can
	// satisfy the api_key requirement.
	if err := config.ResolveSecrets(ctx, cfg); err != nil {
		log.Fatal().Err(err).Msg("Failed to resolve secrets")
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}

	// Market data cache.
	var cache *market.Cache
	if cfg.Redis.Enabled {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.GetRedisAddr(),
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer client.Close()
		cache = market.NewCache(client, time.Duration(cfg.Redis.CacheTTL)*time.Second)
		if err := cache.Health(ctx); err != nil {
			log.Warn().Err(err).Msg("Redis unreachable, running without cache")
			cache = nil
		}
	}

	// Signal bus.
	publisher, err := bus.Connect(cfg.NATS, config.NewLogger("bus"))
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to NATS")
	}
	defer publisher.Close()

	// AI ensemble.
	orch := ensemble.New(cfg.AI.MinProviders, cfg.AI.EnableParallel, config.NewLogger("ensemble"))
	for name, pc := range cfg.AI.Providers {
		if !pc.Enabled {
			continue
		}
		orch.Register(ai.NewHTTPProvider(name, pc, config.NewProviderLogger(name, pc.Model)))
	}
	var adv *advisor.Advisor
	if cfg.AI.Enabled {
		adv = advisor.New(cfg.AI, orch, config.NewLogger("advisor"))
	}

	// Exchange adapter.
	runMode, err := mode.Parse(cfg.Trading.Mode)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid trading mode")
	}
	exch, err := buildExchange(cfg, runMode)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build exchange adapter")
	}

	riskMgr := risk.NewManager(cfg.Risk, cfg.Trading.InitialBalance, config.NewLogger("risk"))

	eng := engine.New(cfg.Trading, cfg.Scheduler, engine.Deps{
		Detector:  fibonacci.NewEngine(cfg.Signals.ATRPeriod, cfg.Signals.VolatilityFactor, config.NewLogger("fibonacci")),
		Validator: validator.New(cfg.Signals, config.NewLogger("validator")),
		Scorer:    scorer.New(config.NewLogger("scorer")),
		Scheduler: scheduler.New(cfg.Scheduler, config.NewLogger("scheduler")),
		Advisor:   adv,
		Risk:      riskMgr,
		Exchange:  exch,
	}, config.NewLogger("engine"))

	mgr, err := mode.New(cfg.Trading, cfg.Signals, mode.Deps{
		Engine:   eng,
		Exchange: exch,
		Cache:    cache,
		Bus:      publisher,
		Risk:     riskMgr,
	}, config.NewLogger("mode"))
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build mode manager")
	}
	if err := mgr.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to start trading loop")
	}

	// Control surface.
	serverErrors := make(chan error, 1)
	var server *api.Server
	if cfg.API.Enabled {
		server = api.NewServer(cfg.API, api.Deps{
			Manager:  mgr,
			Engine:   eng,
			Risk:     riskMgr,
			Cache:    cache,
			Ensemble: orch,
			Advisor:  adv,
		}, config.NewLogger("api"))
		go func() {
			serverErrors <- server.Start()
		}()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		log.Error().Err(err).Msg("API server error")
	case sig := <-sigChan:
		log.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
	}

	log.Info().Msg("Shutting down...")
	mgr.Stop()
	if server != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := server.Stop(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("API server shutdown failed")
		}
	}
	log.Info().Msg("Shutdown complete")
}

// buildExchange picks the adapter for the configured mode. Paper and
// backtest modes always run against the simulator.
func buildExchange(cfg *config.Config, runMode mode.Mode) (exchange.Exchange, error) {
	if runMode == mode.Paper || runMode == mode.Backtest {
		paper := exchange.NewPaperExchange()
		paper.SeedBalance("USDT", cfg.Trading.InitialBalance)
		return paper, nil
	}

	name := cfg.Trading.Exchange
	exCfg, ok := cfg.Exchanges[name]
	if !ok {
		return nil, fmt.Errorf("no configuration for exchange %q", name)
	}
	switch name {
	case "binance":
		return exchange.NewBinanceExchange(exchange.BinanceConfig{
			APIKey:      exCfg.APIKey,
			SecretKey:   exCfg.SecretKey,
			Testnet:     exCfg.Testnet,
			RetryConfig: exchange.DefaultRetryConfig(),
		})
	default:
		return nil, fmt.Errorf("unsupported exchange %q", name)
	}
}
