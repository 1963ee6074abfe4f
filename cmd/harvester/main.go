// Harvester runs the tax-loss-harvesting direct-indexing strategy, either
// once or on a cron schedule.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/tsbernar/tax-loss-direct-indexing/internal/clients/paper"
	"github.com/tsbernar/tax-loss-direct-indexing/internal/config"
	"github.com/tsbernar/tax-loss-direct-indexing/internal/database"
	"github.com/tsbernar/tax-loss-direct-indexing/internal/modules/planning"
	"github.com/tsbernar/tax-loss-direct-indexing/internal/modules/portfolio"
	"github.com/tsbernar/tax-loss-direct-indexing/internal/modules/reconciliation"
	"github.com/tsbernar/tax-loss-direct-indexing/internal/modules/strategy"
	"github.com/tsbernar/tax-loss-direct-indexing/internal/modules/trades"
	"github.com/tsbernar/tax-loss-direct-indexing/internal/modules/universe"
	"github.com/tsbernar/tax-loss-direct-indexing/internal/scheduler"
	"github.com/tsbernar/tax-loss-direct-indexing/pkg/logger"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "harvester: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log := logger.New(logger.Config{Level: cfg.LogLevel, Pretty: cfg.DevMode})
	logger.SetGlobalLogger(log)
	log.Info().Str("data_dir", cfg.DataDir).Bool("dry_run", cfg.DryRun).Msg("Starting harvester")

	historyDB, err := database.New(database.Config{
		Path:    cfg.HistoryDBFile,
		Profile: database.ProfileStandard,
		Name:    "history",
	})
	if err != nil {
		return fmt.Errorf("open history database: %w", err)
	}
	defer historyDB.Close()

	journalDB, err := database.New(database.Config{
		Path:    cfg.JournalDBFile,
		Profile: database.ProfileLedger,
		Name:    "journal",
	})
	if err != nil {
		return fmt.Errorf("open journal database: %w", err)
	}
	defer journalDB.Close()

	history := universe.NewHistoryDB(historyDB.Conn(), log)
	if err := history.EnsureSchema(); err != nil {
		return err
	}
	journal := trades.NewRepository(journalDB.Conn(), log)
	if err := journal.EnsureSchema(); err != nil {
		return err
	}

	// The paper broker starts from the same snapshot the strategy uses, so
	// a fresh deployment begins reconciled.
	account, err := portfolio.LoadSnapshot(cfg.PortfolioFile)
	if err != nil {
		return fmt.Errorf("load portfolio snapshot: %w", err)
	}
	gateway := paper.New(account, paper.NYSEHours, log)

	svc := strategy.NewService(
		strategy.Config{
			PortfolioFile:      cfg.PortfolioFile,
			BlacklistFile:      cfg.BlacklistFile,
			WeightsCacheFile:   cfg.WeightsCacheFile,
			IndexWeightsFile:   cfg.IndexWeightsFile,
			Rebalance:          cfg.Rebalance,
			DryRun:             cfg.DryRun,
			BenchmarkTicker:    cfg.BenchmarkTicker,
			MaxStocks:          cfg.MaxStocks,
			LookbackDays:       cfg.LookbackDays,
			TaxCoefficient:     cfg.TaxCoefficient,
			MaxDeviation:       cfg.MaxDeviation,
			CashConstraint:     cfg.CashConstraint,
			MaxTotalDeviation:  cfg.MaxTotalDeviation,
			TrackingErrorFunc:  cfg.TrackingErrorFunc,
			WashSaleDays:       cfg.WashSaleDays,
			CashDriftTolerance: cfg.CashDriftTolerance,
			RepairLookbackDays: cfg.RepairLookbackDays,
		},
		gateway,
		history,
		journal,
		planning.NewPlanner(log),
		reconciliation.NewService(log),
		strategy.LogNotifier{Log: log},
		log,
	)

	if cfg.Schedule == "" {
		return svc.Run()
	}

	sched := scheduler.New(log)
	if err := sched.AddJob(cfg.Schedule, svc); err != nil {
		return fmt.Errorf("register strategy job: %w", err)
	}
	sched.Start()
	defer sched.Stop()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	log.Info().Str("signal", sig.String()).Msg("Shutting down")
	return nil
}
