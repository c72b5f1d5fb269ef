// Package orderbookrepo implements the Orderbook Repository (component C,
// spec §4.C): an in-memory index of pair -> current OrderBook contract,
// refreshed from the ledger and kept current by the event fan-out.
// Grounded on the teacher's market.MarketRegistry — a mutex-guarded map
// keyed by symbol — generalized to CAS-on-offset per spec §4.C/§5/§9.
package orderbookrepo

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/clobworks/exchange/internal/domain"
	"github.com/clobworks/exchange/internal/ledger"
)

// OrderBookTemplate is the unqualified template name for the OrderBook
// contract (§6.3). RestGateway sends it as "module:entity"; it does not
// resolve it to packageId:module:entity.
var OrderBookTemplate = ledger.TemplateID{Module: "Exchange", Entity: "OrderBook"}

type entry struct {
	view domain.OrderBookView
}

// Repository maintains pair -> {contractId, lastKnownOffset} and the
// cached book contents needed by the matching engine and public API.
type Repository struct {
	gw  ledger.Gateway
	log *zap.SugaredLogger

	mu      sync.RWMutex
	byPair  map[domain.Pair]*entry
}

func New(gw ledger.Gateway, log *zap.SugaredLogger) *Repository {
	return &Repository{
		gw:     gw,
		log:    log,
		byPair: make(map[domain.Pair]*entry),
	}
}

// Get returns the cached view for pair, querying the ledger on a cache
// miss. It never blocks on a background refresh; callers needing freshness
// after a Conflict should call Refresh explicitly.
func (r *Repository) Get(ctx context.Context, pair domain.Pair, operator domain.Party) (*domain.OrderBookView, error) {
	r.mu.RLock()
	e, ok := r.byPair[pair]
	r.mu.RUnlock()
	if ok {
		v := e.view
		return &v, nil
	}
	return r.Refresh(ctx, pair, operator)
}

// Refresh re-queries the ledger for pair's current OrderBook contract,
// regardless of what is cached, and replaces the cache entry if the
// fetched contract's offset is not older than what is already cached
// (CAS on offset, §4.C/§5/§9 — tolerates a late refresh racing a newer
// stream-driven update).
func (r *Repository) Refresh(ctx context.Context, pair domain.Pair, operator domain.Party) (*domain.OrderBookView, error) {
	contracts, err := r.gw.QueryActive(ctx, []ledger.TemplateID{OrderBookTemplate}, operator)
	if err != nil {
		return nil, fmt.Errorf("query active orderbooks for %s: %w", pair, err)
	}

	var best *ledger.Contract
	for i := range contracts {
		c := &contracts[i]
		p, _ := c.Payload["pair"].(string)
		if domain.Pair(p) != pair {
			continue
		}
		if best == nil || c.Offset > best.Offset {
			if best != nil {
				r.log.Warnw("multiple_orderbook_contracts_for_pair", "pair", pair, "contractId", c.ContractID, "offset", c.Offset)
			}
			best = c
		}
	}
	if best == nil {
		return nil, ledger.NewError(ledger.KindNotFound, fmt.Sprintf("no orderbook for pair %s", pair), nil)
	}

	view, err := decodeOrderBookView(pair, *best)
	if err != nil {
		return nil, err
	}

	orders, err := r.gw.QueryActive(ctx, []ledger.TemplateID{OrderTemplate}, operator)
	if err != nil {
		return nil, fmt.Errorf("query active orders for %s: %w", pair, err)
	}
	for _, c := range orders {
		o, derr := decodeOrder(c.ContractID, c.Payload)
		if derr != nil {
			r.log.Warnw("skip_undecodable_order", "contractId", c.ContractID, "err", derr)
			continue
		}
		if o.Pair != pair || o.Status != domain.StatusOpen {
			continue
		}
		switch o.Side {
		case domain.Buy:
			view.BuyOrders = append(view.BuyOrders, o)
		case domain.Sell:
			view.SellOrders = append(view.SellOrders, o)
		}
	}
	sortBookSides(&view)

	r.applyCAS(pair, view)

	r.mu.RLock()
	out := r.byPair[pair].view
	r.mu.RUnlock()
	return &out, nil
}

// applyCAS installs view iff it is not older than whatever is cached.
func (r *Repository) applyCAS(pair domain.Pair, view domain.OrderBookView) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.byPair[pair]
	if !ok {
		r.byPair[pair] = &entry{view: view}
		return
	}
	if view.UpdateOffset < e.view.UpdateOffset {
		r.log.Debugw("stale_orderbook_refresh_ignored", "pair", pair, "incoming_offset", view.UpdateOffset, "cached_offset", e.view.UpdateOffset)
		return
	}
	e.view = view
}

// ApplyEvent installs view for pair under the same offset CAS as Refresh,
// without a ledger round trip (§4.C). The Event Fan-out does not call it:
// on an OrderBook.created event the fan-out calls Invalidate instead.
func (r *Repository) ApplyEvent(pair domain.Pair, view domain.OrderBookView) {
	r.applyCAS(pair, view)
}

// Invalidate drops the cache entry for pair, forcing the next Get to
// query the ledger.
func (r *Repository) Invalidate(pair domain.Pair) {
	r.mu.Lock()
	delete(r.byPair, pair)
	r.mu.Unlock()
}

// Pairs returns every pair currently cached.
func (r *Repository) Pairs() []domain.Pair {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.Pair, 0, len(r.byPair))
	for p := range r.byPair {
		out = append(out, p)
	}
	return out
}

func decodeOrderBookView(pair domain.Pair, c ledger.Contract) (domain.OrderBookView, error) {
	view := domain.OrderBookView{
		Pair:         pair,
		ContractID:   c.ContractID,
		UpdateOffset: c.Offset,
	}
	if op, ok := c.Payload["operator"].(string); ok {
		view.Operator = domain.Party(op)
	}
	if lp, ok := c.Payload["lastPrice"].(string); ok && lp != "" {
		d, err := parseDecimal(lp)
		if err != nil {
			return view, fmt.Errorf("decode lastPrice for %s: %w", pair, err)
		}
		view.LastPrice = d
		view.HasLastPrice = true
	}
	return view, nil
}
