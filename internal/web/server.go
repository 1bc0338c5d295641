package web

import (
	"context"
	"embed"
	"fmt"
	"html/template"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	jsoniter "github.com/json-iterator/go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/camuig/kumo-trader/internal/ledger"
	"github.com/camuig/kumo-trader/internal/logger"
	"github.com/camuig/kumo-trader/internal/scheduler"
	"github.com/camuig/kumo-trader/internal/storage"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

//go:embed templates/*.html
var templates embed.FS

// Engine is the control surface of the trading loop.
type Engine interface {
	Status() scheduler.Status
	Start(ctx context.Context)
	Stop()
	ForceClose(ctx context.Context, asset string) (ledger.Transaction, error)
}

// Book is the read-only view of the ledger.
type Book interface {
	Positions() []ledger.PositionView
	History(limit int) []ledger.Transaction
}

// Store is the persisted trade and cycle history.
type Store interface {
	GetTodayPnL() (float64, error)
	GetTotalPnL() (float64, error)
	GetRecentTrades(limit int) ([]storage.Trade, error)
	GetTradesBySymbol(symbol string) ([]storage.Trade, error)
	GetRecentCycleLogs(limit int) ([]storage.CycleLog, error)
	GetLatestSnapshot() (*storage.PortfolioSnapshot, error)
}

type Options struct {
	Port        int
	JournalPath string
	Gatherer    prometheus.Gatherer
	Store       Store // optional
}

type Server struct {
	httpServer *http.Server
	engine     Engine
	book       Book
	opts       Options
	tmpl       *template.Template
	baseCtx    context.Context
	logger     *logger.Logger
}

// NewServer wires the routes. ctx is the process context handed to the
// engine when it is started over HTTP.
func NewServer(ctx context.Context, engine Engine, book Book, opts Options, log *logger.Logger) (*Server, error) {
	tmpl, err := template.New("dashboard.html").Funcs(templateFuncs).ParseFS(templates, "templates/dashboard.html")
	if err != nil {
		return nil, fmt.Errorf("parse templates: %w", err)
	}
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}

	s := &Server{
		engine:  engine,
		book:    book,
		opts:    opts,
		tmpl:    tmpl,
		baseCtx: ctx,
		logger:  log,
	}

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", opts.Port),
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s, nil
}

func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.Use(s.recovery)
	r.Use(s.logging)

	r.HandleFunc("/", s.handleDashboard).Methods(http.MethodGet)
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/stats", s.handleStatsCSV).Methods(http.MethodGet)
	r.HandleFunc("/transactions", s.handleJournal).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(s.opts.Gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	// API routes live on the root router so a method mismatch yields 405.
	r.HandleFunc("/api/status", s.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/api/positions", s.handlePositions).Methods(http.MethodGet)
	r.HandleFunc("/api/transactions", s.handleTransactions).Methods(http.MethodGet)
	r.HandleFunc("/api/trades", s.handleTrades).Methods(http.MethodGet)
	r.HandleFunc("/api/cycles", s.handleCycles).Methods(http.MethodGet)
	r.HandleFunc("/api/snapshot", s.handleSnapshot).Methods(http.MethodGet)
	r.HandleFunc("/api/engine/start", s.handleStart).Methods(http.MethodPost)
	r.HandleFunc("/api/engine/stop", s.handleStop).Methods(http.MethodPost)
	r.HandleFunc("/api/positions/{asset}/close", s.handleClose).Methods(http.MethodPost)

	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		s.respondWithError(w, http.StatusMethodNotAllowed, "method not allowed")
	})

	return r
}

func (s *Server) Start() error {
	s.logger.Info("web server starting", "port", s.opts.Port)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("web server: %w", err)
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
