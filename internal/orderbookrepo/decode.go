package orderbookrepo

import (
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/clobworks/exchange/internal/domain"
	"github.com/clobworks/exchange/internal/ledger"
)

// sortBookSides enforces the §3/§8 invariant that buyOrders/sellOrders
// are strictly ordered by priority before the view is cached or served.
func sortBookSides(view *domain.OrderBookView) {
	sort.SliceStable(view.BuyOrders, func(i, j int) bool {
		return domain.BuyBefore(view.BuyOrders[i], view.BuyOrders[j])
	})
	sort.SliceStable(view.SellOrders, func(i, j int) bool {
		return domain.SellBefore(view.SellOrders[i], view.SellOrders[j])
	})
}

// OrderTemplate is the unqualified template name for the Order contract.
var OrderTemplate = ledger.TemplateID{Module: "Exchange", Entity: "Order"}

func parseDecimal(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("parse decimal %q: %w", s, err)
	}
	return d, nil
}

func parseTimestamp(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return t, nil
}

// decodeOrder turns a raw ledger payload (as returned by QueryActive) into
// a domain.Order. Optional fields are simply absent from the map, never
// null (§6.3).
func decodeOrder(contractID string, payload map[string]interface{}) (domain.Order, error) {
	o := domain.Order{ContractID: contractID}

	if v, ok := payload["orderId"].(string); ok {
		o.OrderID = v
	}
	if v, ok := payload["owner"].(string); ok {
		o.Owner = domain.Party(v)
	}
	if v, ok := payload["operator"].(string); ok {
		o.Operator = domain.Party(v)
	}
	if v, ok := payload["side"].(string); ok {
		o.Side = domain.Side(v)
	}
	if v, ok := payload["mode"].(string); ok {
		o.Mode = domain.Mode(v)
	}
	if v, ok := payload["pair"].(string); ok {
		o.Pair = domain.Pair(v)
	}
	if v, ok := payload["price"].(string); ok && v != "" {
		d, err := parseDecimal(v)
		if err != nil {
			return o, fmt.Errorf("order %s: %w", o.OrderID, err)
		}
		o.Price = d
		o.HasPrice = true
	}
	if v, ok := payload["quantity"].(string); ok {
		d, err := parseDecimal(v)
		if err != nil {
			return o, fmt.Errorf("order %s: %w", o.OrderID, err)
		}
		o.Quantity = d
	}
	if v, ok := payload["filled"].(string); ok {
		d, err := parseDecimal(v)
		if err != nil {
			return o, fmt.Errorf("order %s: %w", o.OrderID, err)
		}
		o.Filled = d
	}
	if v, ok := payload["status"].(string); ok {
		o.Status = domain.OrderStatus(v)
	}
	if v, ok := payload["timestamp"].(string); ok {
		t, err := parseTimestamp(v)
		if err != nil {
			return o, fmt.Errorf("order %s: %w", o.OrderID, err)
		}
		o.Timestamp = t
	}
	if v, ok := payload["remainderOf"].(string); ok {
		o.RemainderOf = v
	}
	if ref, ok := payload["lockedHoldingRef"].(map[string]interface{}); ok {
		if v, ok := ref["contractId"].(string); ok {
			o.LockedHoldingRef.ContractID = v
		}
		if v, ok := ref["symbol"].(string); ok {
			o.LockedHoldingRef.Symbol = v
		}
		if v, ok := ref["amount"].(string); ok && v != "" {
			d, err := parseDecimal(v)
			if err == nil {
				o.LockedHoldingRef.Amount = d
			}
		}
	}

	return o, nil
}
