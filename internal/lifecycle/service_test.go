package lifecycle

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/clobworks/exchange/internal/domain"
	"github.com/clobworks/exchange/internal/ledger"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func TestPlaceOrderRequest_Validate(t *testing.T) {
	base := func() PlaceOrderRequest {
		return PlaceOrderRequest{Owner: "alice", Pair: "BTC/USDT", Side: domain.Buy, Mode: domain.Limit, Price: dec("100"), HasPrice: true, Quantity: dec("1")}
	}

	tests := []struct {
		name    string
		mutate  func(r PlaceOrderRequest) PlaceOrderRequest
		wantErr bool
	}{
		{"valid limit", func(r PlaceOrderRequest) PlaceOrderRequest { return r }, false},
		{"invalid side", func(r PlaceOrderRequest) PlaceOrderRequest { r.Side = "BOTH"; return r }, true},
		{"invalid mode", func(r PlaceOrderRequest) PlaceOrderRequest { r.Mode = "STOP"; return r }, true},
		{"zero quantity", func(r PlaceOrderRequest) PlaceOrderRequest { r.Quantity = decimal.Zero; return r }, true},
		{"negative quantity", func(r PlaceOrderRequest) PlaceOrderRequest { r.Quantity = dec("-1"); return r }, true},
		{"limit without price", func(r PlaceOrderRequest) PlaceOrderRequest { r.HasPrice = false; return r }, true},
		{"limit with zero price", func(r PlaceOrderRequest) PlaceOrderRequest { r.Price = decimal.Zero; return r }, true},
		{"valid market", func(r PlaceOrderRequest) PlaceOrderRequest {
			r.Mode = domain.Market
			r.HasPrice = false
			r.Price = decimal.Zero
			return r
		}, false},
		{"market with price", func(r PlaceOrderRequest) PlaceOrderRequest {
			r.Mode = domain.Market
			return r
		}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.mutate(base()).Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

type fakeRepository struct {
	view        *domain.OrderBookView
	refreshCall int
}

func (f *fakeRepository) Get(ctx context.Context, pair domain.Pair, operator domain.Party) (*domain.OrderBookView, error) {
	return f.view, nil
}

func (f *fakeRepository) Refresh(ctx context.Context, pair domain.Pair, operator domain.Party) (*domain.OrderBookView, error) {
	f.refreshCall++
	return f.view, nil
}

type fakeGateway struct {
	ledger.Gateway
	submitCalls  int
	failFirstN   int
	submittedFn  func(cmd ledger.Command) *ledger.SubmitResult
}

func (f *fakeGateway) Submit(ctx context.Context, actAs domain.Party, commandID string, cmd ledger.Command) (*ledger.SubmitResult, error) {
	f.submitCalls++
	if f.submitCalls <= f.failFirstN {
		return nil, ledger.NewError(ledger.KindConflict, "contention", nil)
	}
	if f.submittedFn != nil {
		return f.submittedFn(cmd), nil
	}
	return &ledger.SubmitResult{UpdateOffset: int64(f.submitCalls)}, nil
}

func TestPlaceOrder_LocksThenSubmitsAddOrder(t *testing.T) {
	repo := &fakeRepository{view: &domain.OrderBookView{ContractID: "book-1", Pair: "BTC/USDT"}}
	gw := &fakeGateway{}
	svc := New(gw, repo, "operator-1", DefaultConfig(), zap.NewNop().Sugar())

	req := PlaceOrderRequest{Owner: "alice", Pair: "BTC/USDT", Side: domain.Buy, Mode: domain.Limit, Price: dec("100"), HasPrice: true, Quantity: dec("1")}
	res, err := svc.PlaceOrder(context.Background(), req)
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	if res.OrderID == "" {
		t.Error("expected a generated OrderID")
	}
	// one Submit for the Lock, one for AddOrder
	if gw.submitCalls != 2 {
		t.Errorf("submitCalls = %d, want 2 (Lock + AddOrder)", gw.submitCalls)
	}
}

func TestPlaceOrder_RejectsInvalidRequestWithoutSubmitting(t *testing.T) {
	repo := &fakeRepository{view: &domain.OrderBookView{ContractID: "book-1"}}
	gw := &fakeGateway{}
	svc := New(gw, repo, "operator-1", DefaultConfig(), zap.NewNop().Sugar())

	_, err := svc.PlaceOrder(context.Background(), PlaceOrderRequest{Owner: "alice", Pair: "BTC/USDT", Side: domain.Buy, Mode: domain.Limit, Quantity: dec("1")})
	if err == nil {
		t.Fatal("expected a validation error")
	}
	if gw.submitCalls != 0 {
		t.Errorf("submitCalls = %d, want 0 for a rejected request", gw.submitCalls)
	}
}

func TestCancelOrder_RetriesOnConflictThenRefreshesAndSucceeds(t *testing.T) {
	repo := &fakeRepository{view: &domain.OrderBookView{ContractID: "book-1"}}
	gw := &fakeGateway{failFirstN: 1}
	cfg := DefaultConfig()
	cfg.RetryBaseDelay = 0
	svc := New(gw, repo, "operator-1", cfg, zap.NewNop().Sugar())

	res, err := svc.CancelOrder(context.Background(), "alice", "BTC/USDT", "order-1")
	if err != nil {
		t.Fatalf("CancelOrder: %v", err)
	}
	if res.Status != domain.StatusCancelled {
		t.Errorf("Status = %s, want CANCELLED", res.Status)
	}
	if repo.refreshCall != 1 {
		t.Errorf("refreshCall = %d, want 1 (one conflict retry)", repo.refreshCall)
	}
	if gw.submitCalls != 2 {
		t.Errorf("submitCalls = %d, want 2 (one failed + one succeeded)", gw.submitCalls)
	}
}

func TestCancelOrder_GivesUpAfterMaxConflictRetries(t *testing.T) {
	repo := &fakeRepository{view: &domain.OrderBookView{ContractID: "book-1"}}
	cfg := DefaultConfig()
	cfg.MaxConflictRetries = 2
	cfg.RetryBaseDelay = 0
	gw := &fakeGateway{failFirstN: 100} // always conflicts
	svc := New(gw, repo, "operator-1", cfg, zap.NewNop().Sugar())

	_, err := svc.CancelOrder(context.Background(), "alice", "BTC/USDT", "order-1")
	if err == nil {
		t.Fatal("expected an error once retries are exhausted")
	}
	kerr, ok := ledger.AsError(err)
	if !ok || kerr.Kind != ledger.KindConflict {
		t.Errorf("error = %v, want a Conflict ledger.Error", err)
	}
	// cfg.MaxConflictRetries=2 means 3 total attempts (0,1,2) before giving up.
	if gw.submitCalls != 3 {
		t.Errorf("submitCalls = %d, want 3", gw.submitCalls)
	}
}

func TestLockForOrder_SellLocksBaseQuantity(t *testing.T) {
	repo := &fakeRepository{view: &domain.OrderBookView{ContractID: "book-1"}}
	var lockedSymbol, lockedAmount string
	gw := &fakeGateway{submittedFn: func(cmd ledger.Command) *ledger.SubmitResult {
		if cmd.Choice == "Lock" {
			lockedSymbol, _ = cmd.Arguments["symbol"].(string)
			lockedAmount, _ = cmd.Arguments["amount"].(string)
		}
		return &ledger.SubmitResult{UpdateOffset: 1}
	}}
	svc := New(gw, repo, "operator-1", DefaultConfig(), zap.NewNop().Sugar())

	req := PlaceOrderRequest{Owner: "alice", Pair: "BTC/USDT", Side: domain.Sell, Mode: domain.Limit, Price: dec("100"), HasPrice: true, Quantity: dec("2")}
	if _, err := svc.PlaceOrder(context.Background(), req); err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	if lockedSymbol != "BTC" {
		t.Errorf("locked symbol = %s, want BTC (the base asset)", lockedSymbol)
	}
	if lockedAmount != "2" {
		t.Errorf("locked amount = %s, want 2 (the sell quantity)", lockedAmount)
	}
}

func TestLockForOrder_LimitBuyLocksPriceTimesQuantityOfQuote(t *testing.T) {
	repo := &fakeRepository{view: &domain.OrderBookView{ContractID: "book-1"}}
	var lockedSymbol, lockedAmount string
	gw := &fakeGateway{submittedFn: func(cmd ledger.Command) *ledger.SubmitResult {
		if cmd.Choice == "Lock" {
			lockedSymbol, _ = cmd.Arguments["symbol"].(string)
			lockedAmount, _ = cmd.Arguments["amount"].(string)
		}
		return &ledger.SubmitResult{UpdateOffset: 1}
	}}
	svc := New(gw, repo, "operator-1", DefaultConfig(), zap.NewNop().Sugar())

	req := PlaceOrderRequest{Owner: "alice", Pair: "BTC/USDT", Side: domain.Buy, Mode: domain.Limit, Price: dec("100"), HasPrice: true, Quantity: dec("2")}
	if _, err := svc.PlaceOrder(context.Background(), req); err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	if lockedSymbol != "USDT" {
		t.Errorf("locked symbol = %s, want USDT (the quote asset)", lockedSymbol)
	}
	if lockedAmount != "200" {
		t.Errorf("locked amount = %s, want 200 (price * quantity)", lockedAmount)
	}
}
