// Package dashboard serves a read-only JSON status API over HTTP: open
// positions, pending orders, strategy performance, budgets and market
// context. It never mutates trading state.
package dashboard

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"github.com/quantfold/depthtrader/internal/broker"
	"github.com/quantfold/depthtrader/internal/market"
	"github.com/quantfold/depthtrader/internal/models"
	"github.com/quantfold/depthtrader/internal/storage"
)

// PositionSource exposes the engine's in-memory lists.
type PositionSource interface {
	OpenPositions() []models.Position
	PendingOrders() []models.PendingOrder
}

// Server is the HTTP status server.
type Server struct {
	router    *chi.Mux
	server    *http.Server
	store     storage.Interface
	broker    broker.Broker
	positions PositionSource
	market    market.Provider
	logger    *logrus.Logger
	port      int
	authToken string
}

// PositionView is the wire form of an open position, with a best-effort
// mark and unrealized pnl.
type PositionView struct {
	Symbol       string    `json:"symbol"`
	Contract     string    `json:"contract"`
	Direction    string    `json:"direction"`
	Strategy     string    `json:"strategy"`
	Quantity     int       `json:"quantity"`
	EntryPrice   float64   `json:"entry_price"`
	EntryTime    time.Time `json:"entry_time"`
	PeakPrice    float64   `json:"peak_price"`
	CurrentPrice float64   `json:"current_price,omitempty"`
	UnrealizedPL float64   `json:"unrealized_pnl,omitempty"`
	OrderRef     string    `json:"order_ref"`
}

// StatusView summarizes the bot for the root status endpoint.
type StatusView struct {
	Regime        string    `json:"regime"`
	VIXSlope      float64   `json:"vix_slope"`
	Connected     bool      `json:"connected"`
	AccountValue  float64   `json:"account_value,omitempty"`
	OpenPositions int       `json:"open_positions"`
	PendingOrders int       `json:"pending_orders"`
	Timestamp     time.Time `json:"timestamp"`
}

// NewServer wires the routes. Port 0 is valid construction-wise; the
// caller decides whether to start.
func NewServer(port int, authToken string, store storage.Interface, bkr broker.Broker,
	positions PositionSource, mkt market.Provider, logger *logrus.Logger) *Server {
	if logger == nil {
		logger = logrus.New()
	}
	s := &Server{
		router:    chi.NewRouter(),
		store:     store,
		broker:    bkr,
		positions: positions,
		market:    mkt,
		logger:    logger,
		port:      port,
		authToken: authToken,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(30 * time.Second))

	if s.authToken != "" {
		s.router.Use(s.authMiddleware)
	}

	s.router.Get("/health", s.handleHealth)
	s.router.Get("/api/status", s.handleStatus)
	s.router.Get("/api/positions", s.handlePositions)
	s.router.Get("/api/pending", s.handlePending)
	s.router.Get("/api/performance", s.handlePerformance)
	s.router.Get("/api/budgets", s.handleBudgets)
	s.router.Get("/api/trades", s.handleTrades)
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}
		token := r.Header.Get("X-Auth-Token")
		if token == "" {
			token = r.URL.Query().Get("token")
		}
		if token != s.authToken {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Start blocks serving HTTP until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.port),
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.logger.WithField("port", s.port).Info("Starting dashboard server")
	return s.server.ListenAndServe()
}

// Shutdown stops the HTTP server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// Handler exposes the router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, map[string]any{
		"status":    "healthy",
		"timestamp": time.Now().Unix(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	view := StatusView{
		Regime:        string(s.market.Regime()),
		VIXSlope:      s.market.VIXSlope(),
		Connected:     s.broker.IsConnected(),
		OpenPositions: len(s.positions.OpenPositions()),
		PendingOrders: len(s.positions.PendingOrders()),
		Timestamp:     time.Now(),
	}
	if value, err := s.broker.GetAccountValue(broker.AccountValueNetLiquidation); err == nil {
		view.AccountValue = value
	}
	s.writeJSON(w, view)
}

func (s *Server) handlePositions(w http.ResponseWriter, _ *http.Request) {
	open := s.positions.OpenPositions()
	views := make([]PositionView, 0, len(open))
	for i := range open {
		views = append(views, s.positionView(&open[i]))
	}
	s.writeJSON(w, views)
}

func (s *Server) handlePending(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, s.positions.PendingOrders())
}

func (s *Server) handlePerformance(w http.ResponseWriter, _ *http.Request) {
	perf, err := s.store.GetPerformance()
	if err != nil {
		s.fail(w, "loading performance", err)
		return
	}
	s.writeJSON(w, perf)
}

func (s *Server) handleBudgets(w http.ResponseWriter, _ *http.Request) {
	budgets, err := s.store.GetAllBudgets()
	if err != nil {
		s.fail(w, "loading budgets", err)
		return
	}
	s.writeJSON(w, budgets)
}

func (s *Server) handleTrades(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 1000 {
			http.Error(w, "limit must be 1-1000", http.StatusBadRequest)
			return
		}
		limit = n
	}
	trades, err := s.store.GetTradeHistory(limit)
	if err != nil {
		s.fail(w, "loading trade history", err)
		return
	}
	s.writeJSON(w, trades)
}

func (s *Server) positionView(pos *models.Position) PositionView {
	view := PositionView{
		Symbol:     pos.Contract.Symbol,
		Contract:   pos.Contract.LocalSymbol,
		Direction:  string(pos.Direction),
		Strategy:   pos.Strategy,
		Quantity:   pos.Quantity,
		EntryPrice: pos.EntryPrice,
		EntryTime:  pos.EntryTime,
		PeakPrice:  pos.PeakPrice,
		OrderRef:   pos.OrderRef,
	}
	if quote, err := s.broker.GetQuote(pos.Contract.LocalSymbol); err == nil {
		if price := quote.LivePrice(); price > 0 {
			view.CurrentPrice = price
			view.UnrealizedPL = (price - pos.EntryPrice) * float64(pos.Quantity) * models.ContractMultiplier
		}
	}
	return view
}

func (s *Server) writeJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.WithError(err).Error("Encoding response")
	}
}

func (s *Server) fail(w http.ResponseWriter, what string, err error) {
	s.logger.WithError(err).Errorf("Dashboard: %s", what)
	http.Error(w, "Internal Server Error", http.StatusInternalServerError)
}
