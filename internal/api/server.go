package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/clobworks/exchange/internal/admin"
	"github.com/clobworks/exchange/internal/apierr"
	"github.com/clobworks/exchange/internal/domain"
	"github.com/clobworks/exchange/internal/fanout"
	"github.com/clobworks/exchange/internal/ledger"
	"github.com/clobworks/exchange/internal/lifecycle"
)

// Repository is the read-side dependency: orderbook snapshots and depth.
type Repository interface {
	Get(ctx context.Context, pair domain.Pair, operator domain.Party) (*domain.OrderBookView, error)
	Pairs() []domain.Pair
}

// BalanceGateway is the narrow query surface the balance endpoint needs.
type BalanceGateway interface {
	QueryActive(ctx context.Context, templates []ledger.TemplateID, party domain.Party) ([]ledger.Contract, error)
}

// TradeSource returns recent trades for a pair, newest first. cmd/server
// wires in internal/tradeindex, a process-local in-memory index fed from
// Trade.created events, so the history starts empty after a restart. The
// Public API itself never issues a QueryActive for historical, archived
// Trade contracts.
type TradeSource interface {
	RecentTrades(pair domain.Pair, limit int) []TradeView
}

// TokenVerifier extracts the calling party from a bearer token's subject
// claim (§4.G authentication) and reports whether actAs includes owner.
type TokenVerifier interface {
	Verify(ctx context.Context, bearer string) (party domain.Party, actAs map[domain.Party]bool, err error)
}

type Server struct {
	router    *mux.Router
	repo      Repository
	lifecycle *lifecycle.Service
	admin     *admin.Surface
	gw        BalanceGateway
	trades    TradeSource
	verifier  TokenVerifier
	hub       *fanout.Hub
	operator  domain.Party
	log       *zap.SugaredLogger
}

func NewServer(repo Repository, lifecycleSvc *lifecycle.Service, adminSurface *admin.Surface, gw BalanceGateway, trades TradeSource, verifier TokenVerifier, hub *fanout.Hub, operator domain.Party, log *zap.SugaredLogger) *Server {
	s := &Server{
		router:    mux.NewRouter(),
		repo:      repo,
		lifecycle: lifecycleSvc,
		admin:     adminSurface,
		gw:        gw,
		trades:    trades,
		verifier:  verifier,
		hub:       hub,
		operator:  operator,
		log:       log,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	// A pair like "BTC/USDT" carries a literal "/" into a path segment, so
	// routes are matched against the still-escaped path ("BTC%2FUSDT")
	// rather than net/url's pre-decoded form; pathVar below undoes the
	// escaping once mux has already split on segment boundaries.
	s.router.UseEncodedPath()

	api := s.router.PathPrefix("/api").Subrouter()

	api.HandleFunc("/orders", s.handlePlaceOrder).Methods("POST")
	api.HandleFunc("/orders/{orderId}", s.handleCancelOrder).Methods("DELETE")
	api.HandleFunc("/orderbooks", s.handleListOrderBooks).Methods("GET")
	api.HandleFunc("/orderbooks/{pair}", s.handleOrderBookSnapshot).Methods("GET")
	api.HandleFunc("/orders/user/{party}", s.handleUserOrders).Methods("GET")
	api.HandleFunc("/balance/{party}", s.handleBalance).Methods("GET")
	api.HandleFunc("/trades", s.handleTrades).Methods("GET")
	api.HandleFunc("/admin/orderbooks/{pair}", s.handleAdminCreateOrderBook).Methods("POST")

	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
	s.router.HandleFunc("/ws", s.handleWebSocket)
}

// Handler returns the CORS-wrapped root handler for http.ListenAndServe.
func (s *Server) Handler() http.Handler {
	c := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
	})
	return c.Handler(s.router)
}

func (s *Server) authenticate(r *http.Request) (domain.Party, map[domain.Party]bool, error) {
	if s.verifier == nil {
		return "", nil, ledger.NewError(ledger.KindUnauthenticated, "no verifier configured", nil)
	}
	bearer := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if bearer == "" {
		return "", nil, ledger.NewError(ledger.KindUnauthenticated, "missing bearer token", nil)
	}
	return s.verifier.Verify(r.Context(), bearer)
}

func (s *Server) handlePlaceOrder(w http.ResponseWriter, r *http.Request) {
	caller, actAs, err := s.authenticate(r)
	if err != nil {
		apierr.Write(w, err)
		return
	}

	var body PlaceOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		apierr.WriteKind(w, ledger.KindValidation, "invalid JSON body: "+err.Error(), nil)
		return
	}

	if !actAs[domain.Party(body.Owner)] && domain.Party(body.Owner) != caller {
		apierr.WriteKind(w, ledger.KindPermissionDenied, "caller actAs does not include owner", nil)
		return
	}

	pair, err := domain.NewPair(body.Pair)
	if err != nil {
		apierr.WriteKind(w, ledger.KindValidation, err.Error(), nil)
		return
	}
	quantity, err := decimal.NewFromString(body.Quantity)
	if err != nil {
		apierr.WriteKind(w, ledger.KindValidation, "invalid quantity: "+err.Error(), nil)
		return
	}

	req := lifecycle.PlaceOrderRequest{
		Owner:         domain.Party(body.Owner),
		Pair:          pair,
		Side:          domain.Side(body.Side),
		Mode:          domain.Mode(body.Mode),
		Quantity:      quantity,
		ClientOrderID: body.ClientOrderID,
	}
	if body.Price != "" {
		price, err := decimal.NewFromString(body.Price)
		if err != nil {
			apierr.WriteKind(w, ledger.KindValidation, "invalid price: "+err.Error(), nil)
			return
		}
		req.Price, req.HasPrice = price, true
	}

	result, err := s.lifecycle.PlaceOrder(r.Context(), req)
	if err != nil {
		apierr.Write(w, err)
		return
	}

	respondJSON(w, http.StatusOK, PlaceOrderResponse{
		OrderID:      result.OrderID,
		CommandID:    result.CommandID,
		UpdateOffset: result.UpdateOffset,
	})
}

func (s *Server) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	caller, actAs, err := s.authenticate(r)
	if err != nil {
		apierr.Write(w, err)
		return
	}

	orderID := mux.Vars(r)["orderId"]
	pairParam := r.URL.Query().Get("pair")
	pair, err := domain.NewPair(pairParam)
	if err != nil {
		apierr.WriteKind(w, ledger.KindValidation, "query param pair is required: "+err.Error(), nil)
		return
	}

	owner := caller
	if ownerParam := r.URL.Query().Get("owner"); ownerParam != "" {
		owner = domain.Party(ownerParam)
		if owner != caller && !actAs[owner] {
			apierr.WriteKind(w, ledger.KindPermissionDenied, "caller is not the order's owner", nil)
			return
		}
	}

	result, err := s.lifecycle.CancelOrder(r.Context(), owner, pair, orderID)
	if err != nil {
		apierr.Write(w, err)
		return
	}

	respondJSON(w, http.StatusOK, CancelOrderResponse{OrderID: result.OrderID, Status: string(result.Status)})
}

func (s *Server) handleListOrderBooks(w http.ResponseWriter, r *http.Request) {
	var out []OrderBookSummary
	for _, pair := range s.repo.Pairs() {
		view, err := s.repo.Get(r.Context(), pair, s.operator)
		if err != nil {
			continue
		}
		summary := OrderBookSummary{
			Pair:       string(pair),
			ContractID: view.ContractID,
			BuyDepth:   len(view.BuyOrders),
			SellDepth:  len(view.SellOrders),
		}
		if view.HasLastPrice {
			summary.LastPrice = view.LastPrice.String()
		}
		out = append(out, summary)
	}
	respondJSON(w, http.StatusOK, out)
}

func (s *Server) handleOrderBookSnapshot(w http.ResponseWriter, r *http.Request) {
	pair, err := domain.NewPair(pathVar(r, "pair"))
	if err != nil {
		apierr.WriteKind(w, ledger.KindValidation, err.Error(), nil)
		return
	}
	view, err := s.repo.Get(r.Context(), pair, s.operator)
	if err != nil {
		apierr.Write(w, err)
		return
	}

	snapshot := OrderBookSnapshot{Pair: string(pair)}
	for _, o := range view.BuyOrders {
		snapshot.BuyOrders = append(snapshot.BuyOrders, toBookLevel(o))
	}
	for _, o := range view.SellOrders {
		snapshot.SellOrders = append(snapshot.SellOrders, toBookLevel(o))
	}
	if view.HasLastPrice {
		snapshot.LastPrice = view.LastPrice.String()
	}
	respondJSON(w, http.StatusOK, snapshot)
}

func toBookLevel(o domain.Order) OrderBookLevel {
	level := OrderBookLevel{
		Quantity:  o.Quantity.String(),
		Remaining: o.Remaining().String(),
		Owner:     string(o.Owner),
		Timestamp: o.Timestamp.Format(tsFormat),
	}
	if o.HasPrice {
		level.Price = o.Price.String()
	}
	return level
}

func (s *Server) handleUserOrders(w http.ResponseWriter, r *http.Request) {
	party := domain.Party(mux.Vars(r)["party"])
	statusFilter := r.URL.Query().Get("status")
	limit := parseLimit(r.URL.Query().Get("limit"), 100)

	var out []OrderView
	for _, pair := range s.repo.Pairs() {
		view, err := s.repo.Get(r.Context(), pair, s.operator)
		if err != nil {
			continue
		}
		for _, o := range append(append([]domain.Order{}, view.BuyOrders...), view.SellOrders...) {
			if o.Owner != party {
				continue
			}
			if statusFilter != "" && statusFilter != "ALL" && string(o.Status) != statusFilter {
				continue
			}
			out = append(out, toOrderView(o))
			if len(out) >= limit {
				respondJSON(w, http.StatusOK, out)
				return
			}
		}
	}
	respondJSON(w, http.StatusOK, out)
}

func toOrderView(o domain.Order) OrderView {
	v := OrderView{
		OrderID:     o.OrderID,
		Owner:       string(o.Owner),
		Pair:        string(o.Pair),
		Side:        string(o.Side),
		Mode:        string(o.Mode),
		Quantity:    o.Quantity.String(),
		Filled:      o.Filled.String(),
		Remaining:   o.Remaining().String(),
		Status:      string(o.Status),
		Timestamp:   o.Timestamp.Format(tsFormat),
		RemainderOf: o.RemainderOf,
	}
	if o.HasPrice {
		v.Price = o.Price.String()
	}
	return v
}

var holdingTemplate = ledger.TemplateID{Module: "Exchange", Entity: "Holding"}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	party := domain.Party(mux.Vars(r)["party"])

	contracts, err := s.gw.QueryActive(r.Context(), []ledger.TemplateID{holdingTemplate}, party)
	if err != nil {
		apierr.Write(w, err)
		return
	}

	totals := make(map[string]decimal.Decimal)
	holdings := make([]HoldingView, 0, len(contracts))
	for _, c := range contracts {
		symbol, _ := c.Payload["symbol"].(string)
		amountStr, _ := c.Payload["amount"].(string)
		holdings = append(holdings, HoldingView{ContractID: c.ContractID, Symbol: symbol, Amount: amountStr})
		if amount, err := decimal.NewFromString(amountStr); err == nil {
			totals[symbol] = totals[symbol].Add(amount)
		}
	}

	available := make(map[string]string, len(totals))
	for symbol, total := range totals {
		available[symbol] = total.String()
	}

	respondJSON(w, http.StatusOK, BalanceResponse{Available: available, Holdings: holdings})
}

func (s *Server) handleTrades(w http.ResponseWriter, r *http.Request) {
	pair, err := domain.NewPair(r.URL.Query().Get("pair"))
	if err != nil {
		apierr.WriteKind(w, ledger.KindValidation, "query param pair is required: "+err.Error(), nil)
		return
	}
	limit := parseLimit(r.URL.Query().Get("limit"), 50)

	var out []TradeView
	if s.trades != nil {
		out = s.trades.RecentTrades(pair, limit)
	}
	respondJSON(w, http.StatusOK, out)
}

func (s *Server) handleAdminCreateOrderBook(w http.ResponseWriter, r *http.Request) {
	caller, _, err := s.authenticate(r)
	if err != nil {
		apierr.Write(w, err)
		return
	}
	if caller != s.operator {
		apierr.WriteKind(w, ledger.KindPermissionDenied, "admin endpoints require the operator party", nil)
		return
	}

	pair, err := domain.NewPair(pathVar(r, "pair"))
	if err != nil {
		apierr.WriteKind(w, ledger.KindValidation, err.Error(), nil)
		return
	}

	view, err := s.admin.CreateOrderBook(r.Context(), pair)
	if err != nil {
		apierr.Write(w, err)
		return
	}
	respondJSON(w, http.StatusOK, OrderBookSummary{Pair: string(pair), ContractID: view.ContractID})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	report := s.admin.Health(r.Context(), s.repo.Pairs())
	respondJSON(w, http.StatusOK, report)
}

const tsFormat = "2006-01-02T15:04:05.000000Z07:00"

// pathVar returns the named mux var, unescaped once: with UseEncodedPath
// active, a path segment like a pair's "BTC%2FUSDT" reaches the handler
// still percent-encoded rather than split on its embedded "/".
func pathVar(r *http.Request, name string) string {
	v := mux.Vars(r)[name]
	if unescaped, err := url.PathUnescape(v); err == nil {
		return unescaped
	}
	return v
}

func parseLimit(raw string, def int) int {
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
