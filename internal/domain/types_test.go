package domain

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func order(id string, mode Mode, price string, ts time.Time) Order {
	o := Order{OrderID: id, Mode: mode, Timestamp: ts}
	if price != "" {
		o.Price = decimal.RequireFromString(price)
		o.HasPrice = true
	}
	return o
}

func TestBuyBefore_HigherPriceFirst(t *testing.T) {
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	high := order("a", Limit, "101", t0)
	low := order("b", Limit, "100", t0)
	if !BuyBefore(high, low) {
		t.Error("expected higher-priced buy to sort first")
	}
	if BuyBefore(low, high) {
		t.Error("lower-priced buy must not sort before higher")
	}
}

func TestBuyBefore_EqualPriceEarlierTimeFirst(t *testing.T) {
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	earlier := order("a", Limit, "100", t0)
	later := order("b", Limit, "100", t0.Add(time.Second))
	if !BuyBefore(earlier, later) {
		t.Error("expected earlier order to sort first at equal price")
	}
}

func TestBuyBefore_MarketSortsAheadOfAnyLimit(t *testing.T) {
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	mkt := order("a", Market, "", t0.Add(time.Hour))
	lim := order("b", Limit, "999999999", t0)
	if !BuyBefore(mkt, lim) {
		t.Error("MARKET buy must sort ahead of every LIMIT buy regardless of price or time")
	}
}

func TestSellBefore_LowerPriceFirst(t *testing.T) {
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	low := order("a", Limit, "99", t0)
	high := order("b", Limit, "100", t0)
	if !SellBefore(low, high) {
		t.Error("expected lower-priced sell to sort first")
	}
}

func TestSellBefore_MarketSortsAheadOfAnyLimit(t *testing.T) {
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	mkt := order("a", Market, "", t0.Add(time.Hour))
	lim := order("b", Limit, "0.0001", t0)
	if !SellBefore(mkt, lim) {
		t.Error("MARKET sell must sort ahead of every LIMIT sell regardless of price or time")
	}
}

func TestBuyBefore_TieBreaksByOrderID(t *testing.T) {
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	a := order("a-earlier-id", Limit, "100", t0)
	b := order("b-later-id", Limit, "100", t0)
	if !BuyBefore(a, b) {
		t.Error("expected lexicographically smaller orderId to sort first on a full tie")
	}
}

func TestOrder_Remaining(t *testing.T) {
	o := Order{Quantity: decimal.RequireFromString("10"), Filled: decimal.RequireFromString("3")}
	if !o.Remaining().Equal(decimal.RequireFromString("7")) {
		t.Errorf("Remaining() = %s, want 7", o.Remaining())
	}
}

func TestOrder_Validate(t *testing.T) {
	cases := []struct {
		name    string
		o       Order
		wantErr bool
	}{
		{"valid limit open", Order{OrderID: "x", Quantity: decimal.RequireFromString("1"), Filled: decimal.Zero, Status: StatusOpen, Mode: Limit, HasPrice: true, Price: decimal.RequireFromString("1")}, false},
		{"zero quantity", Order{OrderID: "x", Quantity: decimal.Zero, Status: StatusOpen, Mode: Limit, HasPrice: true, Price: decimal.RequireFromString("1")}, true},
		{"filled exceeds quantity", Order{OrderID: "x", Quantity: decimal.RequireFromString("1"), Filled: decimal.RequireFromString("2"), Status: StatusOpen, Mode: Limit, HasPrice: true, Price: decimal.RequireFromString("1")}, true},
		{"fully filled but still open", Order{OrderID: "x", Quantity: decimal.RequireFromString("1"), Filled: decimal.RequireFromString("1"), Status: StatusOpen, Mode: Limit, HasPrice: true, Price: decimal.RequireFromString("1")}, true},
		{"market with price", Order{OrderID: "x", Quantity: decimal.RequireFromString("1"), Status: StatusOpen, Mode: Market, HasPrice: true, Price: decimal.RequireFromString("1")}, true},
		{"limit without price", Order{OrderID: "x", Quantity: decimal.RequireFromString("1"), Status: StatusOpen, Mode: Limit, HasPrice: false}, true},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			err := c.o.Validate()
			if (err != nil) != c.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, c.wantErr)
			}
		})
	}
}

func TestNewPair(t *testing.T) {
	p, err := NewPair("btc/usdt")
	if err != nil {
		t.Fatalf("NewPair: %v", err)
	}
	if p != "BTC/USDT" {
		t.Errorf("NewPair = %s, want BTC/USDT", p)
	}
	if p.Base() != "BTC" || p.Quote() != "USDT" {
		t.Errorf("Base/Quote = %s/%s, want BTC/USDT", p.Base(), p.Quote())
	}
	if _, err := NewPair("BTCUSDT"); err == nil {
		t.Error("expected error for a pair with no separator")
	}
}

func TestRemainderOrderID(t *testing.T) {
	if got := RemainderOrderID("abc", 1); got != "abc-R1" {
		t.Errorf("RemainderOrderID = %s, want abc-R1", got)
	}
}
