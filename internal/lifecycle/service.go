// Package lifecycle implements the Order Lifecycle Service (component D,
// spec §4.D): placing, cancelling, and reconciling orders, writing
// through the Ledger Gateway and retrying bounded conflicts against a
// refreshed Orderbook Repository entry. Grounded on the teacher's
// mempool/tx-submission flow (pkg/app/core/mempool) for the
// "validate preconditions, then hand off to a single choke point"
// shape, generalized from an in-process mempool push to a ledger
// Submit call per spec §4.D.
package lifecycle

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/clobworks/exchange/internal/domain"
	"github.com/clobworks/exchange/internal/ledger"
)

var (
	orderBookTemplate = ledger.TemplateID{Module: "Exchange", Entity: "OrderBook"}
	holdingTemplate   = ledger.TemplateID{Module: "Exchange", Entity: "Holding"}
)

// Repository is the subset of orderbookrepo.Repository the service needs.
type Repository interface {
	Get(ctx context.Context, pair domain.Pair, operator domain.Party) (*domain.OrderBookView, error)
	Refresh(ctx context.Context, pair domain.Pair, operator domain.Party) (*domain.OrderBookView, error)
}

// Config tunes the conflict-retry policy (§4.D, default 3 retries).
type Config struct {
	MaxConflictRetries int
	RetryBaseDelay     time.Duration
}

func DefaultConfig() Config {
	return Config{MaxConflictRetries: 3, RetryBaseDelay: 50 * time.Millisecond}
}

type Service struct {
	gw       ledger.Gateway
	repo     Repository
	operator domain.Party
	cfg      Config
	log      *zap.SugaredLogger
}

func New(gw ledger.Gateway, repo Repository, operator domain.Party, cfg Config, log *zap.SugaredLogger) *Service {
	return &Service{gw: gw, repo: repo, operator: operator, cfg: cfg, log: log}
}

// PlaceOrderRequest is the validated input to PlaceOrder (§4.D.1).
type PlaceOrderRequest struct {
	Owner        domain.Party
	Pair         domain.Pair
	Side         domain.Side
	Mode         domain.Mode
	Price        decimal.Decimal
	HasPrice     bool
	Quantity     decimal.Decimal
	ClientOrderID string
}

// Validate enforces the local preconditions from §4.D.1: `quantity > 0`;
// `mode=LIMIT ⇒ price > 0`; `mode=MARKET ⇒ price absent`.
func (r PlaceOrderRequest) Validate() error {
	if !r.Side.Valid() {
		return fmt.Errorf("side must be BUY or SELL")
	}
	if !r.Mode.Valid() {
		return fmt.Errorf("mode must be LIMIT or MARKET")
	}
	if r.Quantity.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("quantity must be > 0")
	}
	if r.Mode == domain.Limit && (!r.HasPrice || r.Price.LessThanOrEqual(decimal.Zero)) {
		return fmt.Errorf("LIMIT order requires a price > 0")
	}
	if r.Mode == domain.Market && r.HasPrice {
		return fmt.Errorf("MARKET order must not carry a price")
	}
	return nil
}

type PlaceOrderResult struct {
	OrderID      string
	CommandID    string
	UpdateOffset int64
}

// PlaceOrder implements §4.D.1: lock the asset, then submit AddOrder.
// The service never attempts to match the order itself — that is the
// Matching Engine's job (component E).
func (s *Service) PlaceOrder(ctx context.Context, req PlaceOrderRequest) (*PlaceOrderResult, error) {
	if err := req.Validate(); err != nil {
		return nil, ledger.NewError(ledger.KindValidation, err.Error(), nil)
	}

	view, err := s.repo.Get(ctx, req.Pair, s.operator)
	if err != nil {
		return nil, err // already a *ledger.Error (e.g. NotFound) from the repository
	}

	orderID := uuid.NewString()
	holdingRef, err := s.lockForOrder(ctx, req, orderID)
	if err != nil {
		return nil, err
	}

	args := map[string]interface{}{
		"orderId":          orderID,
		"owner":            string(req.Owner),
		"side":             string(req.Side),
		"mode":             string(req.Mode),
		"quantity":         req.Quantity.String(),
		"lockedHoldingRef": holdingRefArgs(holdingRef),
	}
	if req.HasPrice {
		args["price"] = req.Price.String()
	}
	if req.ClientOrderID != "" {
		args["clientOrderId"] = req.ClientOrderID
	}

	commandID := "place-order:" + orderID
	var result *ledger.SubmitResult

	for attempt := 0; ; attempt++ {
		cmd := ledger.ExerciseCommand(orderBookTemplate, view.ContractID, "AddOrder", args)
		result, err = s.gw.Submit(ctx, req.Owner, commandID, cmd)
		if err == nil {
			break
		}
		if kerr, ok := ledger.AsError(err); ok && kerr.Kind == ledger.KindConflict && attempt < s.cfg.MaxConflictRetries {
			s.log.Infow("place_order_conflict_retry", "orderId", orderID, "attempt", attempt)
			s.jitterSleep(ctx, attempt)
			view, err = s.repo.Refresh(ctx, req.Pair, s.operator)
			if err != nil {
				return nil, err
			}
			continue
		}
		return nil, err
	}

	return &PlaceOrderResult{OrderID: orderID, CommandID: commandID, UpdateOffset: result.UpdateOffset}, nil
}

// lockForOrder exercises Lock on the owner's Holding: quantity*price of
// quote for a LIMIT BUY, the caller-capped quote amount for a MARKET BUY,
// or quantity of base for a SELL (§4.D.1).
func (s *Service) lockForOrder(ctx context.Context, req PlaceOrderRequest, orderID string) (domain.HoldingRef, error) {
	var symbol string
	var amount decimal.Decimal

	switch req.Side {
	case domain.Buy:
		symbol = req.Pair.Quote()
		if req.Mode == domain.Limit {
			amount = req.Quantity.Mul(req.Price)
		} else {
			// MARKET buy: the caller-specified cap is carried in Quantity
			// pre-multiplied by the caller for this order type; the core
			// does not price a MARKET order itself.
			amount = req.Quantity
		}
	case domain.Sell:
		symbol = req.Pair.Base()
		amount = req.Quantity
	}

	commandID := "lock:" + orderID
	cmd := ledger.ExerciseCommand(holdingTemplate, "", "Lock", map[string]interface{}{
		"owner":  string(req.Owner),
		"symbol": symbol,
		"amount": amount.String(),
	})

	result, err := s.gw.Submit(ctx, req.Owner, commandID, cmd)
	if err != nil {
		return domain.HoldingRef{}, err
	}

	for _, ev := range result.Events {
		if ev.Template.Entity == "Holding" && ev.Kind == ledger.EventCreated {
			return holdingRefFromPayload(ev.ContractID, ev.Payload), nil
		}
	}
	return domain.HoldingRef{ContractID: "", Symbol: symbol, Amount: amount}, nil
}

func holdingRefArgs(ref domain.HoldingRef) map[string]interface{} {
	return map[string]interface{}{
		"contractId": ref.ContractID,
		"symbol":     ref.Symbol,
		"amount":     ref.Amount.String(),
	}
}

func holdingRefFromPayload(contractID string, payload map[string]interface{}) domain.HoldingRef {
	ref := domain.HoldingRef{ContractID: contractID}
	if v, ok := payload["symbol"].(string); ok {
		ref.Symbol = v
	}
	if v, ok := payload["amount"].(string); ok {
		if d, err := decimal.NewFromString(v); err == nil {
			ref.Amount = d
		}
	}
	return ref
}

type CancelOrderResult struct {
	OrderID      string
	Status       domain.OrderStatus
	UpdateOffset int64
}

// CancelOrder implements §4.D.2. Every attempt for an order reuses the
// commandId "cancel-order:<orderId>", so a repeated cancel inside the
// ledger's dedup window is not applied twice. The service does not look
// up the order's status first: cancelling an order that is already
// CANCELLED returns whatever error the ledger reports for it.
func (s *Service) CancelOrder(ctx context.Context, owner domain.Party, pair domain.Pair, orderID string) (*CancelOrderResult, error) {
	view, err := s.repo.Get(ctx, pair, s.operator)
	if err != nil {
		return nil, err
	}

	commandID := "cancel-order:" + orderID
	args := map[string]interface{}{"orderId": orderID}

	for attempt := 0; ; attempt++ {
		cmd := ledger.ExerciseCommand(orderBookTemplate, view.ContractID, "CancelOrderFromBook", args)
		result, err := s.gw.Submit(ctx, owner, commandID, cmd)
		if err == nil {
			return &CancelOrderResult{OrderID: orderID, Status: domain.StatusCancelled, UpdateOffset: result.UpdateOffset}, nil
		}

		kerr, ok := ledger.AsError(err)
		if ok && kerr.Kind == ledger.KindConflict && attempt < s.cfg.MaxConflictRetries {
			s.jitterSleep(ctx, attempt)
			view, err = s.repo.Refresh(ctx, pair, s.operator)
			if err != nil {
				return nil, err
			}
			continue
		}
		return nil, err
	}
}

// ReconcileEntry joins an owner's Order with its containing OrderBook
// view, for §4.D.3.
type ReconcileEntry struct {
	Order domain.Order
	Book  domain.OrderBookView
}

// Reconcile returns owner's open orders joined with their containing
// OrderBook (§4.D.3). It reads the Orderbook Repository's view of each
// pair the caller supplies (typically every bootstrapped pair) and issues
// no ledger query of its own; pairs whose book cannot be loaded are
// skipped.
func (s *Service) Reconcile(ctx context.Context, owner domain.Party, pairs []domain.Pair) ([]ReconcileEntry, error) {
	var out []ReconcileEntry
	for _, pair := range pairs {
		view, err := s.repo.Get(ctx, pair, s.operator)
		if err != nil {
			continue // pair may simply have no book yet; skip rather than fail the whole scan
		}
		for _, o := range view.BuyOrders {
			if o.Owner == owner {
				out = append(out, ReconcileEntry{Order: o, Book: *view})
			}
		}
		for _, o := range view.SellOrders {
			if o.Owner == owner {
				out = append(out, ReconcileEntry{Order: o, Book: *view})
			}
		}
	}
	return out, nil
}

func (s *Service) jitterSleep(ctx context.Context, attempt int) {
	delay := s.cfg.RetryBaseDelay * time.Duration(1<<attempt)
	if s.cfg.RetryBaseDelay > 0 {
		delay += time.Duration(rand.Int63n(int64(s.cfg.RetryBaseDelay)))
	}
	select {
	case <-ctx.Done():
	case <-time.After(delay):
	}
}
