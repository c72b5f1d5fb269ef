// Package config loads the exchange's configuration from a .env file (if
// present) and environment variables, per spec §6.4. Adapted from the
// teacher's params.LoadFromEnv shape: defaults first, then .env, then
// real environment variables win.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	LedgerAPIBase string

	OAuthTokenURL      string
	OAuthClientID      string
	OAuthClientSecret  string

	OperatorPartyID string
	PublicPartyID   string

	MatchingSweepInterval    time.Duration
	MatchingMaxConflictRetries int

	LedgerSubmitTimeout time.Duration

	WSBufferSize int

	HTTPPort int
	WSPath   string

	TradingPairsBootstrap []string

	AuthJWTSecret string

	StorePath string
	LogFile   string
	LogLevel  string
}

func Default() Config {
	return Config{
		MatchingSweepInterval:      2000 * time.Millisecond,
		MatchingMaxConflictRetries: 5,
		LedgerSubmitTimeout:        30000 * time.Millisecond,
		WSBufferSize:               1024,
		HTTPPort:                   3001,
		WSPath:                     "/ws",
		StorePath:                  "data/exchange-cache",
		LogFile:                    "data/exchange.log",
		LogLevel:                   "info",
	}
}

// LoadFromEnv loads config from .env (optional) and the environment.
// envPath == "" loads ".env" from the current directory if present.
func LoadFromEnv(envPath string) (Config, error) {
	cfg := Default()

	if envPath != "" {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load()
	}

	cfg.LedgerAPIBase = os.Getenv("LEDGER_API_BASE")
	cfg.OAuthTokenURL = os.Getenv("OAUTH_TOKEN_URL")
	cfg.OAuthClientID = os.Getenv("OAUTH_CLIENT_ID")
	cfg.OAuthClientSecret = os.Getenv("OAUTH_CLIENT_SECRET")
	cfg.OperatorPartyID = os.Getenv("OPERATOR_PARTY_ID")
	cfg.PublicPartyID = os.Getenv("PUBLIC_PARTY_ID")
	cfg.AuthJWTSecret = os.Getenv("AUTH_JWT_SECRET")

	if v := os.Getenv("STORE_PATH"); v != "" {
		cfg.StorePath = v
	}
	if v := os.Getenv("LOG_FILE"); v != "" {
		cfg.LogFile = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}

	if v := os.Getenv("MATCHING_SWEEP_INTERVAL_MS"); v != "" {
		ms, err := strconv.Atoi(v)
		if err != nil {
			return cfg, fmt.Errorf("MATCHING_SWEEP_INTERVAL_MS: %w", err)
		}
		cfg.MatchingSweepInterval = time.Duration(ms) * time.Millisecond
	}
	if v := os.Getenv("MATCHING_MAX_CONFLICT_RETRIES"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return cfg, fmt.Errorf("MATCHING_MAX_CONFLICT_RETRIES: %w", err)
		}
		cfg.MatchingMaxConflictRetries = n
	}
	if v := os.Getenv("LEDGER_SUBMIT_TIMEOUT_MS"); v != "" {
		ms, err := strconv.Atoi(v)
		if err != nil {
			return cfg, fmt.Errorf("LEDGER_SUBMIT_TIMEOUT_MS: %w", err)
		}
		cfg.LedgerSubmitTimeout = time.Duration(ms) * time.Millisecond
	}
	if v := os.Getenv("WS_BUFFER_SIZE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return cfg, fmt.Errorf("WS_BUFFER_SIZE: %w", err)
		}
		cfg.WSBufferSize = n
	}
	if v := os.Getenv("HTTP_PORT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return cfg, fmt.Errorf("HTTP_PORT: %w", err)
		}
		cfg.HTTPPort = n
	}
	if v := os.Getenv("WS_PATH"); v != "" {
		cfg.WSPath = v
	}
	if v := os.Getenv("TRADING_PAIRS_BOOTSTRAP"); v != "" {
		for _, p := range strings.Split(v, ",") {
			p = strings.TrimSpace(p)
			if p != "" {
				cfg.TradingPairsBootstrap = append(cfg.TradingPairsBootstrap, p)
			}
		}
	}

	return cfg, cfg.validateRequired()
}

// validateRequired enforces the "required" fields from spec §6.4. The
// caller (cmd/server) treats a non-nil error as exit code 1 (fatal config).
func (c Config) validateRequired() error {
	var missing []string
	if c.LedgerAPIBase == "" {
		missing = append(missing, "LEDGER_API_BASE")
	}
	if c.OAuthTokenURL == "" {
		missing = append(missing, "OAUTH_TOKEN_URL")
	}
	if c.OAuthClientID == "" {
		missing = append(missing, "OAUTH_CLIENT_ID")
	}
	if c.OAuthClientSecret == "" {
		missing = append(missing, "OAUTH_CLIENT_SECRET")
	}
	if c.OperatorPartyID == "" {
		missing = append(missing, "OPERATOR_PARTY_ID")
	}
	if c.PublicPartyID == "" {
		missing = append(missing, "PUBLIC_PARTY_ID")
	}
	if c.AuthJWTSecret == "" {
		missing = append(missing, "AUTH_JWT_SECRET")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required config: %s", strings.Join(missing, ", "))
	}
	return nil
}
