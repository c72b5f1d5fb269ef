package admin

import (
	"context"
	"fmt"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/clobworks/exchange/internal/domain"
	"github.com/clobworks/exchange/internal/ledger"
)

type fakeRepo struct {
	existing map[domain.Pair]*domain.OrderBookView
}

func (f *fakeRepo) Get(ctx context.Context, pair domain.Pair, operator domain.Party) (*domain.OrderBookView, error) {
	if v, ok := f.existing[pair]; ok {
		return v, nil
	}
	return nil, ledger.NewError(ledger.KindNotFound, "no orderbook", nil)
}

type fakeGateway struct {
	ledger.Gateway
	submitCalls   int
	lookupErr     error
	submitResult  *ledger.SubmitResult
	submitErr     error
}

func (f *fakeGateway) Submit(ctx context.Context, actAs domain.Party, commandID string, cmd ledger.Command) (*ledger.SubmitResult, error) {
	f.submitCalls++
	if f.submitErr != nil {
		return nil, f.submitErr
	}
	return f.submitResult, nil
}

func (f *fakeGateway) LookupPackageID(ctx context.Context, module, entity string) (string, error) {
	if f.lookupErr != nil {
		return "", f.lookupErr
	}
	return "pkg-1", nil
}

type fakeMatching struct {
	beats map[domain.Pair]time.Time
}

func (f *fakeMatching) Heartbeat(pair domain.Pair) (time.Time, bool) {
	t, ok := f.beats[pair]
	return t, ok
}

type fakeOffsets struct {
	offset int64
	ok     bool
	err    error
}

func (f *fakeOffsets) LoadOffset() (int64, bool, error) { return f.offset, f.ok, f.err }

func createdResult(pair domain.Pair) *ledger.SubmitResult {
	return &ledger.SubmitResult{
		UpdateOffset: 1,
		Events: []ledger.Event{{
			Kind:       ledger.EventCreated,
			Template:   ledger.TemplateID{Module: "Exchange", Entity: "OrderBook"},
			ContractID: "book-" + string(pair),
			Payload:    map[string]interface{}{"pair": string(pair)},
		}},
	}
}

func TestCreateOrderBook_ReturnsExistingWithoutSubmitting(t *testing.T) {
	repo := &fakeRepo{existing: map[domain.Pair]*domain.OrderBookView{"BTC/USDT": {ContractID: "book-1"}}}
	gw := &fakeGateway{}
	s := New(gw, repo, nil, nil, "operator-1", "public-1", zap.NewNop().Sugar())

	view, err := s.CreateOrderBook(context.Background(), "BTC/USDT")
	if err != nil {
		t.Fatalf("CreateOrderBook: %v", err)
	}
	if view.ContractID != "book-1" {
		t.Errorf("ContractID = %s, want book-1 (the existing view)", view.ContractID)
	}
	if gw.submitCalls != 0 {
		t.Errorf("submitCalls = %d, want 0 for an already-existing book (idempotent)", gw.submitCalls)
	}
}

func TestCreateOrderBook_SubmitsCreateWhenMissing(t *testing.T) {
	repo := &fakeRepo{existing: map[domain.Pair]*domain.OrderBookView{}}
	gw := &fakeGateway{submitResult: createdResult("ETH/USDT")}
	s := New(gw, repo, nil, nil, "operator-1", "public-1", zap.NewNop().Sugar())

	view, err := s.CreateOrderBook(context.Background(), "ETH/USDT")
	if err != nil {
		t.Fatalf("CreateOrderBook: %v", err)
	}
	if view.ContractID != "book-ETH/USDT" {
		t.Errorf("ContractID = %s, want book-ETH/USDT", view.ContractID)
	}
	if gw.submitCalls != 1 {
		t.Errorf("submitCalls = %d, want 1", gw.submitCalls)
	}
}

func TestCreateOrderBook_SubmitFailurePropagates(t *testing.T) {
	repo := &fakeRepo{existing: map[domain.Pair]*domain.OrderBookView{}}
	gw := &fakeGateway{submitErr: fmt.Errorf("rejected")}
	s := New(gw, repo, nil, nil, "operator-1", "public-1", zap.NewNop().Sugar())

	if _, err := s.CreateOrderBook(context.Background(), "ETH/USDT"); err == nil {
		t.Fatal("expected the submit failure to propagate")
	}
}

func TestSeedPairs_CreatesEveryPairAndRejectsBadFormat(t *testing.T) {
	repo := &fakeRepo{existing: map[domain.Pair]*domain.OrderBookView{}}
	gw := &fakeGateway{submitResult: createdResult("BTC/USDT")}
	s := New(gw, repo, nil, nil, "operator-1", "public-1", zap.NewNop().Sugar())

	if err := s.SeedPairs(context.Background(), []string{"BTC/USDT", "ETH/USDT"}); err != nil {
		t.Fatalf("SeedPairs: %v", err)
	}
	if gw.submitCalls != 2 {
		t.Errorf("submitCalls = %d, want 2", gw.submitCalls)
	}

	if err := s.SeedPairs(context.Background(), []string{"not-a-pair"}); err == nil {
		t.Fatal("expected an error for a malformed pair")
	}
}

func TestHealth_ComposesGatewayHeartbeatsAndOffsetLag(t *testing.T) {
	repo := &fakeRepo{existing: map[domain.Pair]*domain.OrderBookView{}}
	gw := &fakeGateway{}
	beatTime := time.Now()
	matching := &fakeMatching{beats: map[domain.Pair]time.Time{"BTC/USDT": beatTime}}
	offsets := &fakeOffsets{offset: 42, ok: true}
	s := New(gw, repo, matching, offsets, "operator-1", "public-1", zap.NewNop().Sugar())

	report := s.Health(context.Background(), []domain.Pair{"BTC/USDT", "ETH/USDT"})
	if !report.GatewayReachable {
		t.Error("GatewayReachable = false, want true")
	}
	if len(report.PairHeartbeats) != 1 {
		t.Errorf("PairHeartbeats = %v, want exactly BTC/USDT", report.PairHeartbeats)
	}
	if !report.HasOffsetLag || report.OffsetLag != 42 {
		t.Errorf("OffsetLag = %d (has=%v), want 42 (has=true)", report.OffsetLag, report.HasOffsetLag)
	}
}

func TestHealth_GatewayUnreachableReportsFalse(t *testing.T) {
	repo := &fakeRepo{existing: map[domain.Pair]*domain.OrderBookView{}}
	gw := &fakeGateway{lookupErr: fmt.Errorf("unreachable")}
	matching := &fakeMatching{beats: map[domain.Pair]time.Time{}}
	offsets := &fakeOffsets{}
	s := New(gw, repo, matching, offsets, "operator-1", "public-1", zap.NewNop().Sugar())

	report := s.Health(context.Background(), nil)
	if report.GatewayReachable {
		t.Error("GatewayReachable = true, want false when LookupPackageID fails")
	}
}
