// Package admin implements the Admin Surface (component H, spec §4.H):
// idempotent per-pair orderbook creation, bulk seeding, and health
// reporting. Grounded on the teacher's market.MarketRegistry for the
// "idempotent register, report status" shape, generalized from an
// in-process registry to ledger-backed OrderBook contracts.
package admin

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/clobworks/exchange/internal/domain"
	"github.com/clobworks/exchange/internal/ledger"
)

var orderBookTemplate = ledger.TemplateID{Module: "Exchange", Entity: "OrderBook"}

// Repository is the subset of orderbookrepo.Repository the admin surface
// needs to check for an existing book before creating one.
type Repository interface {
	Get(ctx context.Context, pair domain.Pair, operator domain.Party) (*domain.OrderBookView, error)
}

// MatchingHealth reports a pair's matching-worker heartbeat, for Health.
type MatchingHealth interface {
	Heartbeat(pair domain.Pair) (time.Time, bool)
}

// OffsetLag supplies the fan-out's last persisted offset. It does not
// know the ledger's head offset, so no difference between the two is
// computed.
type OffsetLag interface {
	LoadOffset() (int64, bool, error)
}

type Surface struct {
	gw       ledger.Gateway
	repo     Repository
	matching MatchingHealth
	offsets  OffsetLag
	operator domain.Party
	public   domain.Party
	log      *zap.SugaredLogger
}

func New(gw ledger.Gateway, repo Repository, matching MatchingHealth, offsets OffsetLag, operator, public domain.Party, log *zap.SugaredLogger) *Surface {
	return &Surface{gw: gw, repo: repo, matching: matching, offsets: offsets, operator: operator, public: public, log: log}
}

// CreateOrderBook implements §4.H: idempotent — returns the current book
// if one exists, otherwise submits an operator-scoped create.
func (s *Surface) CreateOrderBook(ctx context.Context, pair domain.Pair) (*domain.OrderBookView, error) {
	if view, err := s.repo.Get(ctx, pair, s.operator); err == nil {
		return view, nil
	}

	commandID := "create-orderbook:" + string(pair)
	cmd := ledger.CreateCommand(orderBookTemplate, map[string]interface{}{
		"pair":     string(pair),
		"operator": string(s.operator),
		"observer": string(s.public),
	})

	result, err := s.gw.Submit(ctx, s.operator, commandID, cmd)
	if err != nil {
		return nil, fmt.Errorf("create orderbook %s: %w", pair, err)
	}

	for _, ev := range result.Events {
		if ev.Template.Entity == "OrderBook" && ev.Kind == ledger.EventCreated {
			s.log.Infow("orderbook_created", "pair", pair, "contractId", ev.ContractID)
			return &domain.OrderBookView{
				Pair:         pair,
				ContractID:   ev.ContractID,
				Operator:     s.operator,
				UpdateOffset: result.UpdateOffset,
			}, nil
		}
	}
	return nil, fmt.Errorf("create orderbook %s: no OrderBook.created event in submit result", pair)
}

// SeedPairs is the bulk version of CreateOrderBook, for
// TRADING_PAIRS_BOOTSTRAP (§6.4).
func (s *Surface) SeedPairs(ctx context.Context, pairs []string) error {
	for _, raw := range pairs {
		pair, err := domain.NewPair(raw)
		if err != nil {
			return fmt.Errorf("seed pairs: %w", err)
		}
		if _, err := s.CreateOrderBook(ctx, pair); err != nil {
			return fmt.Errorf("seed pair %s: %w", pair, err)
		}
	}
	return nil
}

// HealthReport is returned by Health (§4.H).
type HealthReport struct {
	GatewayReachable bool                           `json:"gatewayReachable"`
	PairHeartbeats   map[string]time.Time           `json:"pairHeartbeats"`
	OffsetLag        int64                          `json:"offsetLag,omitempty"`
	HasOffsetLag     bool                           `json:"-"`
}

// Health reports gateway connectivity, per-pair matching heartbeats, and
// the event stream's last persisted offset (§4.H). OffsetLag holds that
// offset as loaded, not its distance from the ledger's head.
func (s *Surface) Health(ctx context.Context, pairs []domain.Pair) HealthReport {
	report := HealthReport{PairHeartbeats: make(map[string]time.Time)}

	_, err := s.gw.LookupPackageID(ctx, "Exchange", "OrderBook")
	report.GatewayReachable = err == nil

	for _, p := range pairs {
		if t, ok := s.matching.Heartbeat(p); ok {
			report.PairHeartbeats[string(p)] = t
		}
	}

	if offset, ok, err := s.offsets.LoadOffset(); err == nil && ok {
		report.OffsetLag = offset
		report.HasOffsetLag = true
	}

	return report
}
