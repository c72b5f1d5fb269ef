// seedpairs is a one-shot CLI that creates an OrderBook for every pair
// in TRADING_PAIRS_BOOTSTRAP (§6.4) and exits. Useful for bootstrapping
// a fresh ledger deployment without starting the full server.
package main

import (
	"context"
	"os"
	"time"

	"github.com/clobworks/exchange/internal/admin"
	"github.com/clobworks/exchange/internal/config"
	"github.com/clobworks/exchange/internal/domain"
	"github.com/clobworks/exchange/internal/ledger"
	"github.com/clobworks/exchange/internal/ledger/token"
	"github.com/clobworks/exchange/internal/obslog"
	"github.com/clobworks/exchange/internal/orderbookrepo"
)

func main() {
	cfg, err := config.LoadFromEnv("")
	if err != nil {
		os.Stderr.WriteString("config: " + err.Error() + "\n")
		os.Exit(1)
	}

	logger, err := obslog.New(cfg.LogLevel)
	if err != nil {
		os.Stderr.WriteString("logger: " + err.Error() + "\n")
		os.Exit(1)
	}
	defer logger.Sync()
	sugar := logger.Sugar()

	if len(cfg.TradingPairsBootstrap) == 0 {
		sugar.Warn("no pairs configured in TRADING_PAIRS_BOOTSTRAP, nothing to do")
		return
	}

	operator := domain.Party(cfg.OperatorPartyID)
	public := domain.Party(cfg.PublicPartyID)

	tokenProvider := token.NewProvider(cfg.OAuthTokenURL, cfg.OAuthClientID, cfg.OAuthClientSecret, "")
	gw := ledger.NewRestGateway(cfg.LedgerAPIBase, tokenProvider, cfg.LedgerSubmitTimeout, sugar)
	repo := orderbookrepo.New(gw, sugar)

	// offsets/matching-health are not needed for a one-shot seed, so the
	// Admin Surface is constructed with nil dependencies it never calls.
	surface := admin.New(gw, repo, nil, nil, operator, public, sugar)

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	if err := surface.SeedPairs(ctx, cfg.TradingPairsBootstrap); err != nil {
		sugar.Errorw("seed_pairs_failed", "err", err)
		os.Exit(1)
	}

	sugar.Infow("pairs_seeded", "pairs", cfg.TradingPairsBootstrap)
}
