package web

import (
	"errors"
	"fmt"
	"html/template"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"github.com/camuig/kumo-trader/internal/ledger"
	"github.com/camuig/kumo-trader/internal/risk"
	"github.com/camuig/kumo-trader/internal/scheduler"
	"github.com/camuig/kumo-trader/internal/storage"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 1000
	dashboardTrades     = 20
	dashboardCycles     = 10
)

type DashboardData struct {
	Status       scheduler.Status
	Positions    []ledger.PositionView
	RecentTrades []ledger.Transaction
	Cycles       []storage.CycleLog
	DailyPnL     float64
	TotalPnL     float64
}

type ErrorResponse struct {
	Error string `json:"error"`
}

var templateFuncs = template.FuncMap{
	"f2": func(v float64) string { return strconv.FormatFloat(v, 'f', 2, 64) },
	"f6": func(v float64) string { return strconv.FormatFloat(v, 'f', 6, 64) },
	"pnl": func(v *float64) string {
		if v == nil {
			return "-"
		}
		return strconv.FormatFloat(*v, 'f', 2, 64)
	},
	"sign": func(v float64) string {
		switch {
		case v > 0:
			return "pos"
		case v < 0:
			return "neg"
		}
		return ""
	},
}

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	data := DashboardData{
		Status:       s.engine.Status(),
		Positions:    s.book.Positions(),
		RecentTrades: s.book.History(dashboardTrades),
	}
	if s.opts.Store != nil {
		if v, err := s.opts.Store.GetTodayPnL(); err == nil {
			data.DailyPnL = v
		}
		if v, err := s.opts.Store.GetTotalPnL(); err == nil {
			data.TotalPnL = v
		}
		if logs, err := s.opts.Store.GetRecentCycleLogs(dashboardCycles); err == nil {
			data.Cycles = logs
		}
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := s.tmpl.Execute(w, data); err != nil {
		s.logger.Error("execute template", "error", err)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.respondWithJSON(w, http.StatusOK, s.engine.Status())
}

func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	positions := s.book.Positions()
	resp := struct {
		Long  []ledger.PositionView `json:"long"`
		Short []ledger.PositionView `json:"short"`
	}{Long: []ledger.PositionView{}, Short: []ledger.PositionView{}}

	for _, p := range positions {
		if p.Side == risk.Short {
			resp.Short = append(resp.Short, p)
		} else {
			resp.Long = append(resp.Long, p)
		}
	}
	s.respondWithJSON(w, http.StatusOK, resp)
}

func (s *Server) handleTransactions(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r.URL.Query().Get("limit"))
	if err != nil {
		s.respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}
	txs := s.book.History(limit)
	if txs == nil {
		txs = []ledger.Transaction{}
	}
	s.respondWithJSON(w, http.StatusOK, txs)
}

// handleTrades lists persisted trades, filtered by symbol when one is given.
func (s *Server) handleTrades(w http.ResponseWriter, r *http.Request) {
	if s.opts.Store == nil {
		s.respondWithError(w, http.StatusServiceUnavailable, "storage not configured")
		return
	}
	limit, err := parseLimit(r.URL.Query().Get("limit"))
	if err != nil {
		s.respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}

	var trades []storage.Trade
	if symbol := r.URL.Query().Get("symbol"); symbol != "" {
		trades, err = s.opts.Store.GetTradesBySymbol(strings.ToUpper(symbol))
		// oldest first; keep the most recent
		if len(trades) > limit {
			trades = trades[len(trades)-limit:]
		}
	} else {
		trades, err = s.opts.Store.GetRecentTrades(limit)
	}
	if err != nil {
		s.logger.Error("get trades", "error", err)
		s.respondWithError(w, http.StatusInternalServerError, "failed to load trades")
		return
	}
	if trades == nil {
		trades = []storage.Trade{}
	}
	s.respondWithJSON(w, http.StatusOK, trades)
}

func (s *Server) handleCycles(w http.ResponseWriter, r *http.Request) {
	if s.opts.Store == nil {
		s.respondWithError(w, http.StatusServiceUnavailable, "storage not configured")
		return
	}
	limit, err := parseLimit(r.URL.Query().Get("limit"))
	if err != nil {
		s.respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}
	logs, err := s.opts.Store.GetRecentCycleLogs(limit)
	if err != nil {
		s.logger.Error("get cycle logs", "error", err)
		s.respondWithError(w, http.StatusInternalServerError, "failed to load cycles")
		return
	}
	if logs == nil {
		logs = []storage.CycleLog{}
	}
	s.respondWithJSON(w, http.StatusOK, logs)
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	if s.opts.Store == nil {
		s.respondWithError(w, http.StatusServiceUnavailable, "storage not configured")
		return
	}
	snap, err := s.opts.Store.GetLatestSnapshot()
	if err != nil {
		s.respondWithError(w, http.StatusNotFound, "no snapshot yet")
		return
	}
	s.respondWithJSON(w, http.StatusOK, snap)
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	s.engine.Start(s.baseCtx)
	s.logger.Info("engine start requested", "remote", r.RemoteAddr)
	s.respondWithJSON(w, http.StatusOK, s.engine.Status())
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	s.engine.Stop()
	s.logger.Info("engine stop requested", "remote", r.RemoteAddr)
	s.respondWithJSON(w, http.StatusAccepted, s.engine.Status())
}

func (s *Server) handleClose(w http.ResponseWriter, r *http.Request) {
	asset := mux.Vars(r)["asset"]

	tx, err := s.engine.ForceClose(r.Context(), asset)
	switch {
	case errors.Is(err, ledger.ErrNoPosition):
		s.respondWithError(w, http.StatusNotFound, err.Error())
		return
	case err != nil:
		s.logger.Error("force close", "asset", asset, "error", err)
		s.respondWithError(w, http.StatusBadGateway, err.Error())
		return
	}
	s.respondWithJSON(w, http.StatusOK, tx)
}

// handleStatsCSV exports the full history, oldest first.
func (s *Server) handleStatsCSV(w http.ResponseWriter, r *http.Request) {
	history := s.book.History(0)
	for i, j := 0, len(history)-1; i < j; i, j = i+1, j-1 {
		history[i], history[j] = history[j], history[i]
	}

	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", `inline; filename="simulation_results.csv"`)
	if err := storage.WriteCSV(w, history); err != nil {
		s.logger.Error("write csv", "error", err)
	}
}

// handleJournal serves the raw transaction journal.
func (s *Server) handleJournal(w http.ResponseWriter, r *http.Request) {
	if s.opts.JournalPath == "" {
		http.NotFound(w, r)
		return
	}
	data, err := os.ReadFile(s.opts.JournalPath)
	if errors.Is(err, os.ErrNotExist) {
		http.Error(w, "no transactions yet", http.StatusNotFound)
		return
	}
	if err != nil {
		s.logger.Error("read journal", "error", err)
		http.Error(w, "cannot read transactions", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/x-ndjson")
	_, _ = w.Write(data)
}

func parseLimit(raw string) (int, error) {
	if raw == "" {
		return defaultHistoryLimit, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid limit %q", raw)
	}
	return min(n, maxHistoryLimit), nil
}

func (s *Server) respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	response, err := json.Marshal(payload)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":"failed to marshal response"}`))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write(response)
}

func (s *Server) respondWithError(w http.ResponseWriter, code int, message string) {
	s.respondWithJSON(w, code, ErrorResponse{Error: message})
}
