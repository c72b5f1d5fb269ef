package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/clobworks/exchange/internal/admin"
	"github.com/clobworks/exchange/internal/api"
	"github.com/clobworks/exchange/internal/clock"
	"github.com/clobworks/exchange/internal/config"
	"github.com/clobworks/exchange/internal/domain"
	"github.com/clobworks/exchange/internal/fanout"
	"github.com/clobworks/exchange/internal/ledger"
	"github.com/clobworks/exchange/internal/ledger/token"
	"github.com/clobworks/exchange/internal/lifecycle"
	"github.com/clobworks/exchange/internal/matching"
	"github.com/clobworks/exchange/internal/obslog"
	"github.com/clobworks/exchange/internal/orderbookrepo"
	"github.com/clobworks/exchange/internal/store"
	"github.com/clobworks/exchange/internal/tradeindex"
)

// Exit codes per spec §6.1: 0 normal shutdown, 1 fatal config error, 2
// fatal ledger-gateway init failure.
const (
	exitOK             = 0
	exitConfigError    = 1
	exitGatewayInitErr = 2
)

func main() {
	cfg, err := config.LoadFromEnv("")
	if err != nil {
		os.Stderr.WriteString("config: " + err.Error() + "\n")
		os.Exit(exitConfigError)
	}

	logger, err := obslog.NewWithFile(cfg.LogFile, cfg.LogLevel)
	if err != nil {
		os.Stderr.WriteString("logger: " + err.Error() + "\n")
		os.Exit(exitConfigError)
	}
	defer logger.Sync()
	sugar := logger.Sugar()
	sugar.Infow("config_loaded", "ledgerApiBase", cfg.LedgerAPIBase, "operator", cfg.OperatorPartyID)

	operator := domain.Party(cfg.OperatorPartyID)
	public := domain.Party(cfg.PublicPartyID)

	tokenProvider := token.NewProvider(cfg.OAuthTokenURL, cfg.OAuthClientID, cfg.OAuthClientSecret, "")
	gw := ledger.NewRestGateway(cfg.LedgerAPIBase, tokenProvider, cfg.LedgerSubmitTimeout, sugar)

	probeCtx, cancelProbe := context.WithTimeout(context.Background(), cfg.LedgerSubmitTimeout)
	_, err = gw.LookupPackageID(probeCtx, "Exchange", "OrderBook")
	cancelProbe()
	if err != nil {
		sugar.Errorw("ledger_gateway_unreachable", "err", err)
		os.Exit(exitGatewayInitErr)
	}

	cache, err := store.Open(cfg.StorePath)
	if err != nil {
		sugar.Errorw("store_open_failed", "err", err)
		os.Exit(exitGatewayInitErr)
	}
	defer cache.Close()

	repo := orderbookrepo.New(gw, sugar)

	lifecycleCfg := lifecycle.DefaultConfig()
	lifecycleCfg.MaxConflictRetries = cfg.MatchingMaxConflictRetries
	lifecycleSvc := lifecycle.New(gw, repo, operator, lifecycleCfg, sugar)

	matchingCfg := matching.DefaultConfig()
	matchingCfg.SweepInterval = cfg.MatchingSweepInterval
	matchingCfg.MaxConflictRetries = cfg.MatchingMaxConflictRetries
	engine := matching.New(gw, repo, operator, matchingCfg, clock.Real{}, sugar)

	hub := fanout.NewHub(cfg.WSBufferSize, sugar)
	trades := tradeindex.New()
	ingestor := fanout.NewIngestor(gw, hub, repo, trades, cache, sugar)

	adminSurface := admin.New(gw, repo, engine, cache, operator, public, sugar)

	var verifier api.TokenVerifier
	if cfg.AuthJWTSecret != "" {
		verifier = token.NewVerifier([]byte(cfg.AuthJWTSecret))
	}

	server := api.NewServer(repo, lifecycleSvc, adminSurface, gw, trades, verifier, hub, operator, sugar)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if len(cfg.TradingPairsBootstrap) > 0 {
		if err := adminSurface.SeedPairs(ctx, cfg.TradingPairsBootstrap); err != nil {
			sugar.Errorw("seed_pairs_failed", "err", err)
			os.Exit(exitGatewayInitErr)
		}
		sugar.Infow("pairs_seeded", "pairs", cfg.TradingPairsBootstrap)
	}

	hubStop := make(chan struct{})
	go hub.Run(hubStop)

	go func() {
		if err := ingestor.Run(ctx); err != nil && ctx.Err() == nil {
			sugar.Errorw("ingestor_stopped", "err", err)
		}
	}()

	for _, raw := range cfg.TradingPairsBootstrap {
		pair, err := domain.NewPair(raw)
		if err != nil {
			continue
		}
		engine.StartPair(ctx, pair)
	}

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler: server.Handler(),
	}

	go func() {
		sugar.Infow("http_server_starting", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			sugar.Fatalw("http_server_failed", "err", err)
		}
	}()

	<-ctx.Done()
	sugar.Info("shutdown_signal_received")

	close(hubStop)

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		sugar.Warnw("http_server_shutdown_error", "err", err)
	}

	sugar.Info("shutdown_complete")
	os.Exit(exitOK)
}
