// Package domain holds the ledger-agnostic entities shared by every
// component of the exchange: trading pairs, orders, trades, order book
// snapshots and holding references. None of these types know how to talk
// to a ledger; internal/ledger is the only package that (de)serializes
// them onto the wire.
package domain

import (
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Sentinels used to sort MARKET orders as if priced at +/-infinity
// (§4.E). Far outside any realistic price so they never collide with a
// genuine LIMIT price during comparison.
var (
	maxPriceSentinel = big.NewInt(1).Lsh(big.NewInt(1), 200)
	minPriceSentinel = new(big.Int).Neg(maxPriceSentinel)
)

// Party is an opaque ledger party identifier. The core never constructs,
// validates, or signs on behalf of a party — that is the wallet/identity
// layer's job, out of scope for this service.
type Party string

// Side is the direction of an order.
type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

func (s Side) Valid() bool { return s == Buy || s == Sell }

// Mode distinguishes limit and market orders.
type Mode string

const (
	Limit  Mode = "LIMIT"
	Market Mode = "MARKET"
)

func (m Mode) Valid() bool { return m == Limit || m == Market }

// OrderStatus is the lifecycle state of an Order.
type OrderStatus string

const (
	StatusOpen      OrderStatus = "OPEN"
	StatusFilled    OrderStatus = "FILLED"
	StatusCancelled OrderStatus = "CANCELLED"
)

// Pair is a canonical "BASE/QUOTE" trading pair identifier.
type Pair string

// NewPair uppercases and validates a "BASE/QUOTE" string.
func NewPair(s string) (Pair, error) {
	up := strings.ToUpper(strings.TrimSpace(s))
	parts := strings.Split(up, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", fmt.Errorf("invalid pair %q: want BASE/QUOTE", s)
	}
	return Pair(up), nil
}

// Base returns the base asset symbol, e.g. "BTC" for "BTC/USDT".
func (p Pair) Base() string {
	parts := strings.SplitN(string(p), "/", 2)
	if len(parts) != 2 {
		return string(p)
	}
	return parts[0]
}

// Quote returns the quote asset symbol, e.g. "USDT" for "BTC/USDT".
func (p Pair) Quote() string {
	parts := strings.SplitN(string(p), "/", 2)
	if len(parts) != 2 {
		return ""
	}
	return parts[1]
}

// HoldingRef points at the locked asset holding backing an order. The
// actual Holding contract lives on the ledger; this is just a reference
// the core threads through Lock/Split/Transfer commands.
type HoldingRef struct {
	ContractID string
	Symbol     string
	Amount     decimal.Decimal
}

// Order is one resting or historical order in a pair's book.
type Order struct {
	OrderID          string
	Owner            Party
	Operator         Party
	Side             Side
	Mode             Mode
	Pair             Pair
	Price            decimal.Decimal // zero value iff Mode == Market
	HasPrice         bool
	Quantity         decimal.Decimal
	Filled           decimal.Decimal
	Status           OrderStatus
	Timestamp        time.Time
	LockedHoldingRef HoldingRef
	ContractID       string
	// RemainderOf is set on a synthesised remainder order (see §4.E);
	// empty for an original order.
	RemainderOf string
}

// Remaining returns quantity not yet filled.
func (o Order) Remaining() decimal.Decimal {
	return o.Quantity.Sub(o.Filled)
}

// Validate checks the invariants from spec §3 that are local to a single
// Order (cross-order invariants, e.g. book sort order, live in orderbookrepo
// and matching).
func (o Order) Validate() error {
	if o.Quantity.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("order %s: quantity must be > 0", o.OrderID)
	}
	if o.Filled.LessThan(decimal.Zero) || o.Filled.GreaterThan(o.Quantity) {
		return fmt.Errorf("order %s: filled out of range [0, quantity]", o.OrderID)
	}
	if o.Filled.Equal(o.Quantity) && o.Status != StatusFilled && o.Status != StatusCancelled {
		return fmt.Errorf("order %s: filled == quantity but status is %s", o.OrderID, o.Status)
	}
	if o.Mode == Market && o.HasPrice {
		return fmt.Errorf("order %s: market order must not carry a price", o.OrderID)
	}
	if o.Mode == Limit && !o.HasPrice {
		return fmt.Errorf("order %s: limit order requires a price", o.OrderID)
	}
	if o.HasPrice && o.Price.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("order %s: price must be > 0", o.OrderID)
	}
	return nil
}

// Trade is an immutable settlement record.
type Trade struct {
	TradeID   string
	Buyer     Party
	Seller    Party
	Pair      Pair
	Price     decimal.Decimal
	Quantity  decimal.Decimal
	Timestamp time.Time
}

// OrderBookView is a read-model snapshot of one pair's book, as cached by
// the orderbook repository and consumed by the matching engine and the
// public API. It is never the source of truth — the ledger contract is.
type OrderBookView struct {
	Pair          Pair
	ContractID    string
	Operator      Party
	BuyOrders     []Order
	SellOrders    []Order
	LastPrice     decimal.Decimal
	HasLastPrice  bool
	UpdateOffset  int64
}

// BuyBefore reports whether a sorts before b in buyOrders priority order:
// (-price, timestamp), with MARKET treated as +infinity price (§4.E),
// ties broken by orderId (§9 Clock note).
func BuyBefore(a, b Order) bool {
	ap, bp := effectiveBuyPrice(a), effectiveBuyPrice(b)
	if !ap.Equal(bp) {
		return ap.GreaterThan(bp)
	}
	if !a.Timestamp.Equal(b.Timestamp) {
		return a.Timestamp.Before(b.Timestamp)
	}
	return a.OrderID < b.OrderID
}

// SellBefore reports whether a sorts before b in sellOrders priority order:
// (+price, timestamp), with MARKET treated as -infinity price.
func SellBefore(a, b Order) bool {
	ap, bp := effectiveSellPrice(a), effectiveSellPrice(b)
	if !ap.Equal(bp) {
		return ap.LessThan(bp)
	}
	if !a.Timestamp.Equal(b.Timestamp) {
		return a.Timestamp.Before(b.Timestamp)
	}
	return a.OrderID < b.OrderID
}

// effectiveBuyPrice treats a MARKET buy as priced at +infinity so it
// always sorts first among buys.
func effectiveBuyPrice(o Order) decimal.Decimal {
	if o.Mode == Market {
		return decimal.NewFromBigInt(maxPriceSentinel, 0)
	}
	return o.Price
}

// effectiveSellPrice treats a MARKET sell as priced at -infinity so it
// always sorts first among sells.
func effectiveSellPrice(o Order) decimal.Decimal {
	if o.Mode == Market {
		return decimal.NewFromBigInt(minPriceSentinel, 0)
	}
	return o.Price
}

// RemainderOrderID derives the id of a synthesised remainder order
// following the "-R<seq>" convention (§9 Open Questions). Lineage itself
// is carried by Order.RemainderOf; ids are never parsed to recover it.
func RemainderOrderID(origID string, seq int) string {
	return fmt.Sprintf("%s-R%d", origID, seq)
}
