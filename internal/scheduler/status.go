package scheduler

import (
	"time"

	"github.com/camuig/kumo-trader/internal/ledger"
	"github.com/camuig/kumo-trader/internal/risk"
)

// SymbolStatus is the outcome of the latest analysis of one symbol.
type SymbolStatus struct {
	Symbol    string             `json:"symbol"`
	Price     float64            `json:"price"`
	ATR       float64            `json:"atr"`
	ADX       float64            `json:"adx"`
	Trend     string             `json:"trend"`
	Signal    string             `json:"signal"`
	Breakout  string             `json:"breakout"`
	LastBlock ledger.BlockReason `json:"last_block,omitempty"`
	LastError string             `json:"last_error,omitempty"`
	UpdatedAt time.Time          `json:"updated_at"`
}

type Status struct {
	Running    bool             `json:"running"`
	Halted     bool             `json:"halted"`
	HaltReason string           `json:"halt_reason,omitempty"`
	Cycles     int              `json:"cycles"`
	LastCycle  time.Time        `json:"last_cycle"`
	Interval   string           `json:"interval"`
	Portfolio  ledger.Portfolio `json:"portfolio"`
	Metrics    ledger.Metrics   `json:"metrics"`
	WinRate    float64          `json:"win_rate"`
	Drawdown   risk.Drawdown    `json:"drawdown"`
	Symbols    []SymbolStatus   `json:"symbols"`
}

// CycleReport summarizes one finished cycle.
type CycleReport struct {
	Cycle         int
	StartedAt     time.Time
	Duration      time.Duration
	Symbols       int
	Errors        int
	Blocks        int
	Transactions  int
	Equity        float64
	Balance       float64
	OpenPositions int
	Holdings      map[string]float64
	Drawdown      risk.Drawdown
	ErrorSummary  string
}
