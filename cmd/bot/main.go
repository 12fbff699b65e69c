package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"meanrev/internal/broker"
	"meanrev/internal/config"
	"meanrev/internal/engine"
	"meanrev/internal/logging"
	"meanrev/internal/md"
	"meanrev/internal/metrics"
	"meanrev/internal/risk"
	"meanrev/internal/screener"
	"meanrev/internal/session"
	"meanrev/internal/state"
	"meanrev/internal/strategy"
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(2)
	}
	log := logging.New(cfg.LogLevel, os.Stderr)

	if err := run(cfg, log); err != nil {
		log.Error().Err(err).Msg("bot stopped with error")
		os.Exit(1)
	}
	log.Info().Msg("bot shutdown complete")
}

func run(cfg config.Config, log zerolog.Logger) error {
	runID := generateRunID()
	log = log.With().Str("run_id", runID).Str("market", string(cfg.Market)).Logger()

	decisions, err := engine.NewDecisionLogger(cfg.DecisionsPath, runID, log)
	if err != nil {
		return fmt.Errorf("decision logger: %w", err)
	}
	defer func() {
		if err := decisions.Close(); err != nil {
			log.Warn().Err(err).Msg("failed to close decision logger")
		}
	}()

	if cfg.MetricsAddr != "" {
		srv := metrics.Serve(cfg.MetricsAddr)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
		log.Info().Str("addr", cfg.MetricsAddr).Msg("serving metrics")
	}

	open, closing, cutoff, err := cfg.SessionTimes()
	if err != nil {
		return err
	}
	clock, err := session.NewClock(cfg.Timezone, open, closing, cfg.AlwaysOpen())
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-signalChan
		log.Warn().Msg("shutdown signal received")
		cancel()
	}()

	brokerClient := broker.New(cfg.APIKey, cfg.APISecret, cfg.PaperBaseURL, cfg.Market, logging.Component(log, "broker"))
	account, err := brokerClient.Account(ctx)
	if err != nil {
		return fmt.Errorf("fetch account: %w", err)
	}
	log.Info().Float64("equity", account.Equity).Float64("buying_power", account.BuyingPower).Msg("connected to broker")

	symbols, err := watchlist(ctx, cfg, log)
	if err != nil {
		return err
	}
	if len(symbols) == 0 {
		return errors.New("screener returned no tradable symbols")
	}

	params := strategy.Params{
		SMAPeriod:     cfg.SMAPeriod,
		RSIPeriod:     cfg.RSIPeriod,
		BuyMargin:     cfg.BuyMargin,
		SellMargin:    cfg.SellMargin,
		Oversold:      cfg.Oversold,
		VWAPSlack:     cfg.VWAPSlack,
		RequireProfit: cfg.RequireProfit,
		MinPrice:      cfg.MinPrice,
		MaxPrice:      cfg.MaxPrice,
	}
	bracket := risk.BracketParams{
		StopPct:         cfg.StopPct,
		TargetPct:       cfg.TargetPct,
		StopMinOffset:   cfg.StopMinOffset,
		TargetMinOffset: cfg.TargetMinOffset,
	}

	halted := &atomic.Bool{}
	ledger := state.NewLedger(log)
	coordinator := engine.NewCoordinator(engine.CoordinatorConfig{
		CapitalFraction: cfg.CapitalFraction,
		Bracket:         bracket,
		MaxNotional:     cfg.MaxNotional,
	}, brokerClient, ledger, halted, decisions, runID, log)
	reconciler := engine.NewReconciler(brokerClient, ledger, coordinator.BracketLevels, cfg.ReconcileInterval, log)
	coordinator.OnReconcileNeeded(reconciler.Trigger)

	loopCfg := engine.DefaultConfig()
	loopCfg.Lookback = cfg.Lookback()
	loopCfg.QueueDepth = cfg.QueueDepth
	loopCfg.ForceFlatten = cfg.FlattenAtCutoff()
	loopCfg.Cutoff = cutoff
	loopCfg.CutoffTolerance = cfg.CutoffTolerance
	loopCfg.LiquidationAttempts = cfg.LiquidationAttempts
	loopCfg.LiquidationBackoff = cfg.LiquidationBackoff

	loop := engine.New(loopCfg, engine.Deps{
		Feed:        md.NewAlpacaFeed(cfg.Market, cfg.APIKey, cfg.APISecret, cfg.Feed, logging.Component(log, "feed")),
		History:     md.NewAlpacaHistory(cfg.Market, cfg.APIKey, cfg.APISecret, cfg.Feed, cfg.HistoryRPM, logging.Component(log, "history")),
		Strategy:    strategy.NewMeanReversion(params),
		Coordinator: coordinator,
		Reconciler:  reconciler,
		Accounts:    engine.NewAccountCache(brokerClient, cfg.AccountRefresh, log),
		Broker:      brokerClient,
		Ledger:      ledger,
		Clock:       clock,
		Decisions:   decisions,
		Halted:      halted,
	}, log)

	log.Info().Strs("symbols", symbols).Bool("force_flatten", loopCfg.ForceFlatten).Str("cutoff", cutoff.String()).Msg("starting bot")
	err = loop.Run(ctx, symbols)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// watchlist returns the configured symbols, or the screener's movers within
// the price band.
func watchlist(ctx context.Context, cfg config.Config, log zerolog.Logger) ([]string, error) {
	if len(cfg.Symbols) > 0 {
		return cfg.Symbols, nil
	}
	client, err := screener.NewClient(cfg.DataBaseURL, cfg.APIKey, cfg.APISecret, logging.Component(log, "screener"))
	if err != nil {
		return nil, err
	}
	gainers, losers, err := client.TopMovers(ctx, cfg.Market, cfg.ScreenerTop)
	if err != nil {
		return nil, fmt.Errorf("screener: %w", err)
	}
	return screener.Watchlist(gainers, losers, cfg.WatchLosers(), cfg.MinPrice, cfg.MaxPrice), nil
}

func generateRunID() string {
	timestamp := time.Now().UTC().Format("20060102T150405")
	id := strings.SplitN(uuid.NewString(), "-", 2)[0]
	return timestamp + "-" + id
}
