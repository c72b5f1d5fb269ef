package orderbookrepo

import (
	"context"
	"testing"

	"go.uber.org/zap"

	"github.com/clobworks/exchange/internal/domain"
	"github.com/clobworks/exchange/internal/ledger"
)

// stubGateway answers QueryActive from a fixed set of contracts per
// template and never needs Submit/StreamUpdates/LookupPackageID for
// these tests.
type stubGateway struct {
	ledger.Gateway
	byTemplate map[ledger.TemplateID][]ledger.Contract
}

func (s *stubGateway) QueryActive(ctx context.Context, templates []ledger.TemplateID, party domain.Party) ([]ledger.Contract, error) {
	var out []ledger.Contract
	for _, t := range templates {
		out = append(out, s.byTemplate[t]...)
	}
	return out, nil
}

func orderBookContract(pair string, offset int64) ledger.Contract {
	return ledger.Contract{
		ContractID: "ob-" + pair,
		Template:   OrderBookTemplate,
		Offset:     offset,
		Payload:    map[string]interface{}{"pair": pair, "operator": "operator-1"},
	}
}

func orderContract(id, pair, side, mode, price, qty, filled, status, ts string) ledger.Contract {
	payload := map[string]interface{}{
		"orderId":   id,
		"owner":     "alice",
		"operator":  "operator-1",
		"side":      side,
		"mode":      mode,
		"pair":      pair,
		"quantity":  qty,
		"filled":    filled,
		"status":    status,
		"timestamp": ts,
	}
	if price != "" {
		payload["price"] = price
	}
	return ledger.Contract{ContractID: "order-" + id, Template: OrderTemplate, Payload: payload}
}

func TestRefresh_BuildsViewFromOrderBookAndOpenOrders(t *testing.T) {
	gw := &stubGateway{byTemplate: map[ledger.TemplateID][]ledger.Contract{
		OrderBookTemplate: {orderBookContract("BTC/USDT", 1)},
		OrderTemplate: {
			orderContract("o1", "BTC/USDT", "BUY", "LIMIT", "50000", "1", "0", "OPEN", "2026-01-01T00:00:00Z"),
			orderContract("o2", "BTC/USDT", "SELL", "LIMIT", "50100", "1", "0", "OPEN", "2026-01-01T00:00:00Z"),
			orderContract("o3", "BTC/USDT", "BUY", "LIMIT", "49000", "1", "1", "FILLED", "2026-01-01T00:00:00Z"), // not OPEN, excluded
			orderContract("o4", "ETH/USDT", "BUY", "LIMIT", "3000", "1", "0", "OPEN", "2026-01-01T00:00:00Z"),    // other pair, excluded
		},
	}}

	repo := New(gw, zap.NewNop().Sugar())
	view, err := repo.Refresh(context.Background(), "BTC/USDT", "operator-1")
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	if len(view.BuyOrders) != 1 || view.BuyOrders[0].OrderID != "o1" {
		t.Errorf("BuyOrders = %+v, want only o1", view.BuyOrders)
	}
	if len(view.SellOrders) != 1 || view.SellOrders[0].OrderID != "o2" {
		t.Errorf("SellOrders = %+v, want only o2", view.SellOrders)
	}
}

func TestRefresh_NoOrderBookForPairIsNotFound(t *testing.T) {
	gw := &stubGateway{byTemplate: map[ledger.TemplateID][]ledger.Contract{}}
	repo := New(gw, zap.NewNop().Sugar())

	_, err := repo.Refresh(context.Background(), "BTC/USDT", "operator-1")
	if err == nil {
		t.Fatal("expected an error when no orderbook contract exists for the pair")
	}
	lerr, ok := ledger.AsError(err)
	if !ok || lerr.Kind != ledger.KindNotFound {
		t.Errorf("error = %v, want a NotFound ledger.Error", err)
	}
}

func TestApplyCAS_IgnoresStaleOffset(t *testing.T) {
	gw := &stubGateway{}
	repo := New(gw, zap.NewNop().Sugar())

	repo.applyCAS("BTC/USDT", domain.OrderBookView{Pair: "BTC/USDT", UpdateOffset: 10})
	repo.applyCAS("BTC/USDT", domain.OrderBookView{Pair: "BTC/USDT", UpdateOffset: 5}) // stale, must be ignored

	v, err := repo.Get(context.Background(), "BTC/USDT", "operator-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if v.UpdateOffset != 10 {
		t.Errorf("UpdateOffset = %d, want 10 (stale write must be ignored)", v.UpdateOffset)
	}
}

func TestApplyCAS_AcceptsNewerOffset(t *testing.T) {
	gw := &stubGateway{}
	repo := New(gw, zap.NewNop().Sugar())

	repo.applyCAS("BTC/USDT", domain.OrderBookView{Pair: "BTC/USDT", UpdateOffset: 10})
	repo.applyCAS("BTC/USDT", domain.OrderBookView{Pair: "BTC/USDT", UpdateOffset: 11})

	v, _ := repo.Get(context.Background(), "BTC/USDT", "operator-1")
	if v.UpdateOffset != 11 {
		t.Errorf("UpdateOffset = %d, want 11", v.UpdateOffset)
	}
}

func TestInvalidate_ForcesNextGetToRefresh(t *testing.T) {
	gw := &stubGateway{byTemplate: map[ledger.TemplateID][]ledger.Contract{
		OrderBookTemplate: {orderBookContract("BTC/USDT", 1)},
	}}
	repo := New(gw, zap.NewNop().Sugar())

	if _, err := repo.Get(context.Background(), "BTC/USDT", "operator-1"); err != nil {
		t.Fatalf("initial Get: %v", err)
	}
	repo.Invalidate("BTC/USDT")

	gw.byTemplate[OrderBookTemplate] = []ledger.Contract{orderBookContract("BTC/USDT", 2)}
	v, err := repo.Get(context.Background(), "BTC/USDT", "operator-1")
	if err != nil {
		t.Fatalf("Get after invalidate: %v", err)
	}
	if v.UpdateOffset != 2 {
		t.Errorf("UpdateOffset = %d, want 2 (Invalidate must force a fresh query)", v.UpdateOffset)
	}
}

func TestPairs_ReturnsEveryCachedPair(t *testing.T) {
	gw := &stubGateway{}
	repo := New(gw, zap.NewNop().Sugar())

	repo.applyCAS("BTC/USDT", domain.OrderBookView{Pair: "BTC/USDT", UpdateOffset: 1})
	repo.applyCAS("ETH/USDT", domain.OrderBookView{Pair: "ETH/USDT", UpdateOffset: 1})

	pairs := repo.Pairs()
	if len(pairs) != 2 {
		t.Fatalf("Pairs() = %v, want 2 entries", pairs)
	}
}
