// Package api implements the Public API (component G, spec §4.G/§6.1/§6.2):
// HTTP endpoints for orderbook snapshots, user orders, balances, and
// trades, plus a WebSocket endpoint multiplexing live subscriptions.
// Grounded on the teacher's pkg/api package for the mux+cors+hub shape.
package api

// PlaceOrderRequest is the body of POST /api/orders (§6.1).
type PlaceOrderRequest struct {
	Owner         string `json:"owner"`
	Pair          string `json:"pair"`
	Side          string `json:"side"`
	Mode          string `json:"mode"`
	Price         string `json:"price,omitempty"`
	Quantity      string `json:"quantity"`
	ClientOrderID string `json:"clientOrderId,omitempty"`
}

// PlaceOrderResponse is returned on success.
type PlaceOrderResponse struct {
	OrderID      string `json:"orderId"`
	CommandID    string `json:"commandId"`
	UpdateOffset int64  `json:"updateOffset"`
}

// CancelOrderResponse is returned by DELETE /api/orders/{orderId}.
type CancelOrderResponse struct {
	OrderID string `json:"orderId"`
	Status  string `json:"status"`
}

// OrderBookSummary is one row of GET /api/orderbooks.
type OrderBookSummary struct {
	Pair       string `json:"pair"`
	ContractID string `json:"contractId"`
	BuyDepth   int    `json:"buyDepth"`
	SellDepth  int    `json:"sellDepth"`
	LastPrice  string `json:"lastPrice,omitempty"`
}

// OrderBookLevel is one resting order as rendered in a book snapshot.
type OrderBookLevel struct {
	Price     string `json:"price"`
	Quantity  string `json:"quantity"`
	Remaining string `json:"remaining"`
	Owner     string `json:"owner,omitempty"`
	Timestamp string `json:"timestamp"`
}

// OrderBookSnapshot is the body of GET /api/orderbooks/{pair}.
type OrderBookSnapshot struct {
	Pair       string           `json:"pair"`
	BuyOrders  []OrderBookLevel `json:"buyOrders"`
	SellOrders []OrderBookLevel `json:"sellOrders"`
	LastPrice  string           `json:"lastPrice,omitempty"`
}

// OrderView is one row of GET /api/orders/user/{party}.
type OrderView struct {
	OrderID     string `json:"orderId"`
	Owner       string `json:"owner"`
	Pair        string `json:"pair"`
	Side        string `json:"side"`
	Mode        string `json:"mode"`
	Price       string `json:"price,omitempty"`
	Quantity    string `json:"quantity"`
	Filled      string `json:"filled"`
	Remaining   string `json:"remaining"`
	Status      string `json:"status"`
	Timestamp   string `json:"timestamp"`
	RemainderOf string `json:"remainderOf,omitempty"`
}

// BalanceResponse is the body of GET /api/balance/{party}.
type BalanceResponse struct {
	Available map[string]string `json:"available"`
	Holdings  []HoldingView      `json:"holdings"`
}

type HoldingView struct {
	ContractID string `json:"contractId"`
	Symbol     string `json:"symbol"`
	Amount     string `json:"amount"`
}

// TradeView is one row of GET /api/trades.
type TradeView struct {
	TradeID   string `json:"tradeId"`
	Buyer     string `json:"buyer"`
	Seller    string `json:"seller"`
	Pair      string `json:"pair"`
	Price     string `json:"price"`
	Quantity  string `json:"quantity"`
	Timestamp string `json:"timestamp"`
}

// WSSubscribeRequest is sent by a client over the WebSocket (§6.2).
type WSSubscribeRequest struct {
	Type   string   `json:"type"` // "subscribe" | "unsubscribe" | "pong"
	Topics []string `json:"topics,omitempty"`
}

// WSServerMessage is every JSON message the server sends. Type is either
// the fan-out event type ("order:new", "order:update", "trade",
// "book:snapshot", "balance:update") with the event's payload in Data, or
// "close" with a Reason. The server sends no "snapshot", "event" or
// "ping" JSON messages: replayed events use the same shape as live ones,
// and pings are WebSocket control frames.
type WSServerMessage struct {
	Type     string      `json:"type"`
	Topic    string      `json:"topic,omitempty"`
	UpdateID int64       `json:"updateId,omitempty"`
	Data     interface{} `json:"data,omitempty"`
	Payload  interface{} `json:"payload,omitempty"`
	Reason   string      `json:"reason,omitempty"`
}
