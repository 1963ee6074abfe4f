// Package config provides configuration management functionality.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/joho/godotenv"
)

// Config holds application configuration
type Config struct {
	DataDir  string // Base directory for databases and state files (always absolute)
	LogLevel string
	DevMode  bool

	// State files (resolved under DataDir when relative)
	PortfolioFile    string // JSON snapshot, rotated on save
	BlacklistFile    string // wash-sale blacklist {ticker: ISO-date-or-null}
	WeightsCacheFile string // last applied weight vector, msgpack
	IndexWeightsFile string // target index weights {ticker: weight}
	HistoryDBFile    string // sqlite daily price history
	JournalDBFile    string // sqlite executed-trade journal

	// Run behaviour
	Schedule  string // cron expression; empty means run once and exit
	Rebalance bool   // run the optimizer, or only price-adjust cached weights
	DryRun    bool   // plan but do not execute or persist

	// Universe
	BenchmarkTicker string
	MaxStocks       int
	LookbackDays    int

	// Optimizer
	TaxCoefficient    float64
	MaxDeviation      float64 // per-ticker deviation from true index weight
	CashConstraint    float64 // minimum fraction of NAV to keep invested
	MaxTotalDeviation float64 // total |w - true_weight| budget
	TrackingErrorFunc string  // least_squared or var_tracking_diff

	// Ledger
	WashSaleDays       int
	CashDriftTolerance float64
	RepairLookbackDays int
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	dataDir := getEnv("HARVEST_DATA_DIR", "./data")
	absDataDir, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data directory path: %w", err)
	}
	if err := os.MkdirAll(absDataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	cfg := &Config{
		DataDir:  absDataDir,
		LogLevel: getEnv("LOG_LEVEL", "info"),
		DevMode:  getEnvAsBool("DEV_MODE", false),

		PortfolioFile:    getEnv("PORTFOLIO_FILE", "portfolio.json"),
		BlacklistFile:    getEnv("TICKER_BLACKLIST_FILE", "ticker_blacklist.json"),
		WeightsCacheFile: getEnv("WEIGHTS_CACHE_FILE", "weights_cache.msgpack"),
		IndexWeightsFile: getEnv("INDEX_WEIGHTS_FILE", "index_weights.json"),
		HistoryDBFile:    getEnv("HISTORY_DB_FILE", "history.db"),
		JournalDBFile:    getEnv("JOURNAL_DB_FILE", "journal.db"),

		Schedule:  getEnv("RUN_SCHEDULE", ""),
		Rebalance: getEnvAsBool("REBALANCE", true),
		DryRun:    getEnvAsBool("DRY_RUN", false),

		BenchmarkTicker: getEnv("BENCHMARK_TICKER", "IVV"),
		MaxStocks:       getEnvAsInt("MAX_STOCKS", 100),
		LookbackDays:    getEnvAsInt("LOOKBACK_DAYS", 365),

		TaxCoefficient:    getEnvAsFloat("TAX_COEFFICIENT", 0.4),
		MaxDeviation:      getEnvAsFloat("MAX_DEVIATION_FROM_TRUE_WEIGHT", 0.03),
		CashConstraint:    getEnvAsFloat("CASH_CONSTRAINT", 0.95),
		MaxTotalDeviation: getEnvAsFloat("MAX_TOTAL_DEVIATION", 0.8),
		TrackingErrorFunc: getEnv("TRACKING_ERROR_FUNC", "least_squared"),

		WashSaleDays:       getEnvAsInt("WASH_SALE_DAYS", 31),
		CashDriftTolerance: getEnvAsFloat("CASH_DRIFT_TOLERANCE", 100.0),
		RepairLookbackDays: getEnvAsInt("REPAIR_LOOKBACK_DAYS", 7),
	}

	cfg.PortfolioFile = cfg.resolve(cfg.PortfolioFile)
	cfg.BlacklistFile = cfg.resolve(cfg.BlacklistFile)
	cfg.WeightsCacheFile = cfg.resolve(cfg.WeightsCacheFile)
	cfg.IndexWeightsFile = cfg.resolve(cfg.IndexWeightsFile)
	cfg.HistoryDBFile = cfg.resolve(cfg.HistoryDBFile)
	cfg.JournalDBFile = cfg.resolve(cfg.JournalDBFile)

	return cfg, nil
}

// resolve places relative state-file paths under the data directory
func (c *Config) resolve(path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(c.DataDir, path)
}

// getEnv reads an environment variable with a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt reads an environment variable as integer with a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

// getEnvAsFloat reads an environment variable as float with a default value
func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseFloat(valueStr, 64); err == nil {
		return value
	}
	return defaultValue
}

// getEnvAsBool reads an environment variable as boolean with a default value
func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}
