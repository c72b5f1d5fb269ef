package fanout

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/clobworks/exchange/internal/domain"
	"github.com/clobworks/exchange/internal/ledger"
	"github.com/clobworks/exchange/internal/store"
)

// OffsetStore is the subset of store.Store the ingest loop needs to
// checkpoint its position (§4.F: "starting from the last persisted
// offset, or 0 at cold start").
type OffsetStore interface {
	SaveOffset(offset int64) error
	LoadOffset() (int64, bool, error)
}

var _ OffsetStore = (*store.Store)(nil)

// Repository is the subset of orderbookrepo.Repository the ingest loop
// needs to invalidate on a book:snapshot event (§4.C).
type Repository interface {
	Invalidate(pair domain.Pair)
}

// TradeRecorder records a settled Trade event for the trades history
// endpoint (§6.1). The ledger's own Trade contracts are not assumed to
// stay queryable indefinitely, so this is fed straight off the stream.
type TradeRecorder interface {
	RecordTrade(pair domain.Pair, payload map[string]interface{}, offset int64)
}

// Ingestor drives component F's ledger-stream consumption loop.
type Ingestor struct {
	gw     ledger.Gateway
	hub    *Hub
	repo   Repository
	trades TradeRecorder
	offs   OffsetStore
	log    *zap.SugaredLogger
}

func NewIngestor(gw ledger.Gateway, hub *Hub, repo Repository, trades TradeRecorder, offs OffsetStore, log *zap.SugaredLogger) *Ingestor {
	return &Ingestor{gw: gw, hub: hub, repo: repo, trades: trades, offs: offs, log: log}
}

// Run starts consuming the ledger stream from the last checkpointed
// offset (or 0) and blocks until ctx is cancelled.
func (ig *Ingestor) Run(ctx context.Context) error {
	from, _, err := ig.offs.LoadOffset()
	if err != nil {
		return fmt.Errorf("load fanout checkpoint: %w", err)
	}

	updates, err := ig.gw.StreamUpdates(ctx, from)
	if err != nil {
		return fmt.Errorf("start stream from offset %d: %w", from, err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case upd, ok := <-updates:
			if !ok {
				return fmt.Errorf("ledger update stream closed")
			}
			ig.ingestUpdate(upd)
			if err := ig.offs.SaveOffset(upd.Offset); err != nil {
				ig.log.Warnw("checkpoint_save_failed", "offset", upd.Offset, "err", err)
			}
		}
	}
}

// ingestUpdate classifies each event in upd per §4.F and publishes it to
// the relevant (pair, channel) / (party, channel) topics.
func (ig *Ingestor) ingestUpdate(upd ledger.Update) {
	for _, ev := range upd.Events {
		switch {
		case ev.Template.Entity == "OrderBook" && ev.Kind == ledger.EventCreated:
			ig.publishBookSnapshot(upd.Offset, ev)

		case ev.Template.Entity == "Order" && ev.Kind == ledger.EventCreated:
			ig.publishOrderNew(upd.Offset, ev)

		case ev.Template.Entity == "Order" && ev.Kind == ledger.EventArchived:
			// Paired with a successor `created` (fill/cancel) elsewhere in
			// the same transaction; emitted as order:update keyed off the
			// archived side, since the payload carries the terminal state.
			ig.publishOrderUpdate(upd.Offset, ev)

		case ev.Template.Entity == "Trade" && ev.Kind == ledger.EventCreated:
			ig.publishTrade(upd.Offset, ev)

		case ev.Template.Entity == "Holding" && (ev.Kind == ledger.EventCreated || ev.Kind == ledger.EventArchived):
			ig.publishBalanceUpdate(upd.Offset, ev)
		}
	}
}

func pairTopic(pair, channel string) string  { return pair + ":" + channel }
func partyTopic(party, channel string) string { return party + ":" + channel }

func (ig *Ingestor) publishBookSnapshot(offset int64, ev ledger.Event) {
	pair, _ := ev.Payload["pair"].(string)
	if pair == "" {
		return
	}
	if ig.repo != nil {
		ig.repo.Invalidate(domain.Pair(pair))
	}
	ig.hub.Publish(Envelope{
		Topic:    pairTopic(pair, "orderbook"),
		UpdateID: offset,
		Type:     "book:snapshot",
		Payload:  ev.Payload,
	})
}

func (ig *Ingestor) publishOrderNew(offset int64, ev ledger.Event) {
	pair, _ := ev.Payload["pair"].(string)
	owner, _ := ev.Payload["owner"].(string)
	if pair != "" {
		ig.hub.Publish(Envelope{Topic: pairTopic(pair, "orderbook"), UpdateID: offset, Type: "order:new", Payload: ev.Payload})
	}
	if owner != "" {
		ig.hub.Publish(Envelope{Topic: partyTopic(owner, "orders"), UpdateID: offset, Type: "order:new", Payload: ev.Payload})
	}
}

func (ig *Ingestor) publishOrderUpdate(offset int64, ev ledger.Event) {
	pair, _ := ev.Payload["pair"].(string)
	owner, _ := ev.Payload["owner"].(string)
	if pair != "" {
		ig.hub.Publish(Envelope{Topic: pairTopic(pair, "orderbook"), UpdateID: offset, Type: "order:update", Payload: ev.Payload})
	}
	if owner != "" {
		ig.hub.Publish(Envelope{Topic: partyTopic(owner, "orders"), UpdateID: offset, Type: "order:update", Payload: ev.Payload})
	}
}

func (ig *Ingestor) publishBalanceUpdate(offset int64, ev ledger.Event) {
	owner, _ := ev.Payload["owner"].(string)
	if owner == "" {
		return
	}
	ig.hub.Publish(Envelope{Topic: partyTopic(owner, "balances"), UpdateID: offset, Type: "balance:update", Payload: ev.Payload})
}

func (ig *Ingestor) publishTrade(offset int64, ev ledger.Event) {
	pair, _ := ev.Payload["pair"].(string)
	buyer, _ := ev.Payload["buyer"].(string)
	seller, _ := ev.Payload["seller"].(string)
	if pair != "" {
		ig.hub.Publish(Envelope{Topic: pairTopic(pair, "trades"), UpdateID: offset, Type: "trade", Payload: ev.Payload})
		if ig.trades != nil {
			ig.trades.RecordTrade(domain.Pair(pair), ev.Payload, offset)
		}
	}
	if buyer != "" {
		ig.hub.Publish(Envelope{Topic: partyTopic(buyer, "orders"), UpdateID: offset, Type: "trade", Payload: ev.Payload})
	}
	if seller != "" && seller != buyer {
		ig.hub.Publish(Envelope{Topic: partyTopic(seller, "orders"), UpdateID: offset, Type: "trade", Payload: ev.Payload})
	}
}
