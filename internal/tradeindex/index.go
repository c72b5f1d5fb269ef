// Package tradeindex keeps a bounded in-memory, newest-first ring of
// recent trades per pair for GET /api/trades (§6.1). The ledger is the
// system of record for trades, but once a Trade contract fulfills its
// witness purpose it is typically archived rather than kept queryable
// indefinitely, so the Public API is backed by this process-local index
// fed straight off the Event Fan-out's ledger stream instead of issuing
// a QueryActive for historical contracts. Ring shape grounded on
// fanout.topicState's bounded replay buffer (internal/fanout/hub.go).
package tradeindex

import (
	"sync"

	"github.com/clobworks/exchange/internal/api"
	"github.com/clobworks/exchange/internal/domain"
)

const ringSize = 500

// Index implements api.TradeSource.
type Index struct {
	mu   sync.RWMutex
	byPair map[domain.Pair][]api.TradeView
}

func New() *Index {
	return &Index{byPair: make(map[domain.Pair][]api.TradeView)}
}

// Record appends a trade, newest last internally; RecentTrades reverses
// the slice so callers see newest-first without mutating shared state.
func (idx *Index) Record(pair domain.Pair, v api.TradeView) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	ring := idx.byPair[pair]
	ring = append(ring, v)
	if len(ring) > ringSize {
		ring = ring[len(ring)-ringSize:]
	}
	idx.byPair[pair] = ring
}

// RecordTrade implements fanout.TradeRecorder, decoding the wire payload
// of a Trade.created event into the API's wire view.
func (idx *Index) RecordTrade(pair domain.Pair, payload map[string]interface{}, offset int64) {
	v := api.TradeView{Pair: string(pair)}
	if s, ok := payload["tradeId"].(string); ok {
		v.TradeID = s
	}
	if s, ok := payload["buyer"].(string); ok {
		v.Buyer = s
	}
	if s, ok := payload["seller"].(string); ok {
		v.Seller = s
	}
	if s, ok := payload["price"].(string); ok {
		v.Price = s
	}
	if s, ok := payload["quantity"].(string); ok {
		v.Quantity = s
	}
	if s, ok := payload["timestamp"].(string); ok {
		v.Timestamp = s
	}
	idx.Record(pair, v)
}

// RecentTrades implements api.TradeSource: newest limit trades for pair.
func (idx *Index) RecentTrades(pair domain.Pair, limit int) []api.TradeView {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	ring := idx.byPair[pair]
	n := len(ring)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]api.TradeView, n)
	for i := 0; i < n; i++ {
		out[i] = ring[len(ring)-1-i]
	}
	return out
}
