// Package matching implements the Matching Engine (component E, spec
// §4.E): one cooperative worker per trading pair that repeatedly picks the
// best crossing buy/sell pair under price-time priority and settles it
// against the ledger. Grounded on the teacher's pkg/app/core/orderbook
// package — same "fetch book, find best bid/ask, match FIFO" shape —
// generalized from int64 ticks to shopspring/decimal and from an
// in-process book to a ledger-settled one: every match is a single
// Gateway.Submit rather than an in-memory mutation.
package matching

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/clobworks/exchange/internal/clock"
	"github.com/clobworks/exchange/internal/domain"
	"github.com/clobworks/exchange/internal/ledger"
)

func minDecimal(a, b decimal.Decimal) decimal.Decimal {
	if a.LessThan(b) {
		return a
	}
	return b
}

// OrderBookTemplate mirrors orderbookrepo.OrderBookTemplate; duplicated
// here (rather than imported) to keep matching decoupled from the
// repository's package-private decode helpers — both packages only share
// the wire name, not implementation.
var OrderBookTemplate = ledger.TemplateID{Module: "Exchange", Entity: "OrderBook"}

// Repository is the subset of orderbookrepo.Repository the engine needs.
type Repository interface {
	Get(ctx context.Context, pair domain.Pair, operator domain.Party) (*domain.OrderBookView, error)
	Refresh(ctx context.Context, pair domain.Pair, operator domain.Party) (*domain.OrderBookView, error)
}

// Config tunes the sweep loop per spec §6.4.
type Config struct {
	SweepInterval      time.Duration
	MaxConflictRetries int
	StallWarningAfter  time.Duration
}

func DefaultConfig() Config {
	return Config{
		SweepInterval:      2 * time.Second,
		MaxConflictRetries: 5,
		StallWarningAfter:  30 * time.Second,
	}
}

// SelfTradePolicy documents the choice made for spec §9's open question:
// this engine always skips the candidate and advances the older side
// (skip-and-advance, "policy B" in §8 scenario 5) rather than rejecting
// and cancelling either order.
const SelfTradePolicy = "skip-and-advance-older-side"

// Engine runs one worker per pair. It is the sole authority for producing
// Trade contracts (§4.E).
type Engine struct {
	gw       ledger.Gateway
	repo     Repository
	operator domain.Party
	cfg      Config
	clk      clock.Clock
	log      *zap.SugaredLogger

	mu       sync.Mutex
	workers  map[domain.Pair]context.CancelFunc
	heartbeat map[domain.Pair]time.Time
}

func New(gw ledger.Gateway, repo Repository, operator domain.Party, cfg Config, clk clock.Clock, log *zap.SugaredLogger) *Engine {
	return &Engine{
		gw:        gw,
		repo:      repo,
		operator:  operator,
		cfg:       cfg,
		clk:       clk,
		log:       log,
		workers:   make(map[domain.Pair]context.CancelFunc),
		heartbeat: make(map[domain.Pair]time.Time),
	}
}

// StartPair launches a sweep worker for pair, if one is not already
// running (§5: workers MUST NOT run two concurrent match attempts for the
// same pair).
func (e *Engine) StartPair(ctx context.Context, pair domain.Pair) {
	e.mu.Lock()
	if _, exists := e.workers[pair]; exists {
		e.mu.Unlock()
		return
	}
	workerCtx, cancel := context.WithCancel(ctx)
	e.workers[pair] = cancel
	e.mu.Unlock()

	go e.runWorker(workerCtx, pair)
}

// StopPair cancels the sweep worker for pair, if running.
func (e *Engine) StopPair(pair domain.Pair) {
	e.mu.Lock()
	cancel, exists := e.workers[pair]
	if exists {
		delete(e.workers, pair)
	}
	e.mu.Unlock()
	if exists {
		cancel()
	}
}

// Heartbeat reports the last time pair's worker completed a sweep
// iteration, for the Admin Surface's health report (§4.H).
func (e *Engine) Heartbeat(pair domain.Pair) (time.Time, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.heartbeat[pair]
	return t, ok
}

func (e *Engine) markHeartbeat(pair domain.Pair) {
	e.mu.Lock()
	e.heartbeat[pair] = e.clk.Now()
	e.mu.Unlock()
}

func (e *Engine) runWorker(ctx context.Context, pair domain.Pair) {
	e.log.Infow("matching_worker_started", "pair", pair)
	defer e.log.Infow("matching_worker_stopped", "pair", pair)

	var stallSince time.Time

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		progressed, err := e.sweepOnce(ctx, pair)
		e.markHeartbeat(pair)

		if err != nil {
			e.log.Warnw("sweep_error", "pair", pair, "err", err)
		}

		if progressed {
			stallSince = time.Time{}
			continue // immediate re-check on progress (§4.E)
		}

		if !stallSince.IsZero() && e.clk.Now().Sub(stallSince) > e.cfg.StallWarningAfter {
			e.log.Warnw("matching_stalled", "pair", pair, "since", stallSince)
			stallSince = e.clk.Now() // re-arm so we don't spam on every sweep
		} else if stallSince.IsZero() {
			stallSince = e.clk.Now()
		}

		select {
		case <-ctx.Done():
			return
		case <-e.clk.After(e.cfg.SweepInterval):
		}
	}
}

// sweepOnce fetches the book, finds the best crossing candidate, and
// settles it. It returns progressed=true only if a trade was settled, so
// the caller can loop immediately per §4.E. A skipped self-trade
// candidate is not progress on its own: the loop moves on to the next
// candidate within the same call.
func (e *Engine) sweepOnce(ctx context.Context, pair domain.Pair) (bool, error) {
	view, err := e.repo.Get(ctx, pair, e.operator)
	if err != nil {
		return false, fmt.Errorf("get book %s: %w", pair, err)
	}

	for attempt := 0; attempt <= e.cfg.MaxConflictRetries; attempt++ {
		buy, sell, ok := bestCandidate(view)
		if !ok {
			return false, nil
		}

		if buy.Owner == sell.Owner {
			// Self-trade prevention: skip-and-advance the older side (§4.E,
			// §9 Open Question — chosen policy, see SelfTradePolicy).
			e.log.Infow("self_trade_skipped", "pair", pair, "owner", buy.Owner, "buyOrderId", buy.OrderID, "sellOrderId", sell.OrderID)
			advanceOlderSide(view, buy, sell)
			continue
		}

		tradePrice, err := settlementPrice(buy, sell, *view)
		if err != nil {
			e.log.Warnw("unmatchable_candidate", "pair", pair, "err", err)
			return false, nil
		}

		result, err := e.settle(ctx, pair, *view, buy, sell, tradePrice)
		if err != nil {
			if kerr, ok := ledger.AsError(err); ok && kerr.Kind.Retryable() {
				e.log.Infow("settle_conflict_retry", "pair", pair, "attempt", attempt, "err", err)
				refreshed, rerr := e.repo.Refresh(ctx, pair, e.operator)
				if rerr != nil {
					return false, fmt.Errorf("refresh after conflict: %w", rerr)
				}
				view = refreshed
				continue
			}
			return false, fmt.Errorf("settle %s x %s: %w", buy.OrderID, sell.OrderID, err)
		}

		e.log.Infow("trade_settled", "pair", pair, "buyOrderId", buy.OrderID, "sellOrderId", sell.OrderID, "price", tradePrice, "updateOffset", result.UpdateOffset)
		return true, nil
	}

	e.log.Warnw("match_candidate_exhausted_retries", "pair", pair)
	return false, nil
}

// bestCandidate returns the first buy x first sell under priority order,
// or ok=false if either side is empty.
func bestCandidate(view *domain.OrderBookView) (domain.Order, domain.Order, bool) {
	if len(view.BuyOrders) == 0 || len(view.SellOrders) == 0 {
		return domain.Order{}, domain.Order{}, false
	}
	buy, sell := view.BuyOrders[0], view.SellOrders[0]
	if !matchable(buy, sell) {
		return domain.Order{}, domain.Order{}, false
	}
	return buy, sell, true
}

// matchable implements buy.price >= sell.price with MARKET treated as the
// appropriate infinity (§4.E).
func matchable(buy, sell domain.Order) bool {
	if buy.Mode == domain.Market || sell.Mode == domain.Market {
		return true
	}
	return buy.Price.GreaterThanOrEqual(sell.Price)
}

// advanceOlderSide removes the older of the two self-trading orders from
// the in-memory view so the next loop iteration considers a different
// candidate; the ledger side effect (if any) happens only once the
// matching engine actually settles a non-self-trade pair, per policy.
func advanceOlderSide(view *domain.OrderBookView, buy, sell domain.Order) {
	if buy.Timestamp.Before(sell.Timestamp) {
		view.BuyOrders = view.BuyOrders[1:]
	} else {
		view.SellOrders = view.SellOrders[1:]
	}
}

// settlementPrice implements the §4.E resting-order-price rule: the
// order with the earlier timestamp is resting and its price wins; if one
// side is MARKET, the LIMIT side's price is used; if both are MARKET,
// fall back to lastPrice, and failing that this is an operational error.
func settlementPrice(buy, sell domain.Order, view domain.OrderBookView) (decimal.Decimal, error) {
	if buy.Mode == domain.Market && sell.Mode == domain.Market {
		if view.HasLastPrice {
			return view.LastPrice, nil
		}
		return decimal.Decimal{}, fmt.Errorf("both orders MARKET and no lastPrice to fall back to")
	}
	if buy.Mode == domain.Market {
		return sell.Price, nil
	}
	if sell.Mode == domain.Market {
		return buy.Price, nil
	}
	if buy.Timestamp.Before(sell.Timestamp) {
		return buy.Price, nil
	}
	return sell.Price, nil
}

func (e *Engine) settle(ctx context.Context, pair domain.Pair, view domain.OrderBookView, buy, sell domain.Order, tradePrice decimal.Decimal) (*ledger.SubmitResult, error) {
	fillQty := minDecimal(buy.Remaining(), sell.Remaining())

	args := map[string]interface{}{
		"buyOrderId":  buy.OrderID,
		"sellOrderId": sell.OrderID,
		"price":       tradePrice.String(),
		"quantity":    fillQty.String(),
		"tradeId":     uuid.NewString(),
	}

	cmd := ledger.ExerciseCommand(OrderBookTemplate, view.ContractID, "Match", args)
	commandID := fmt.Sprintf("match:%s:%s:%s", pair, buy.OrderID, sell.OrderID)

	return e.gw.Submit(ctx, e.operator, commandID, cmd)
}
