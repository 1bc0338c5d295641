package ledger

import (
	"errors"
	"fmt"
	"time"

	"github.com/camuig/kumo-trader/internal/risk"
)

type TxType string

const (
	TxBuy          TxType = "BUY"
	TxSell         TxType = "SELL"
	TxShort        TxType = "SHORT"
	TxCover        TxType = "COVER"
	TxTP1          TxType = "TP1"
	TxTP2          TxType = "TP2"
	TxTrailingStop TxType = "TRAILING_STOP"
	TxStopLoss     TxType = "STOP_LOSS"
	TxCover1       TxType = "COVER1"
	TxCover2       TxType = "COVER2"
	TxCoverSL      TxType = "COVER_SL"
)

// IsEntry reports whether t opened a position.
func (t TxType) IsEntry() bool {
	return t == TxBuy || t == TxShort
}

// Position is an open long or short on one asset. Quantity is what remains;
// SoldQuantity + Quantity == OriginalQuantity until the position is closed.
type Position struct {
	Symbol           string    `json:"symbol"`
	Asset            string    `json:"asset"`
	Side             risk.Side `json:"side"`
	EntryPrice       float64   `json:"entry_price"`
	Quantity         float64   `json:"quantity"`
	OriginalQuantity float64   `json:"original_quantity"`
	SoldQuantity     float64   `json:"sold_quantity"`
	CostBasis        float64   `json:"cost_basis"` // quote still committed to the remaining quantity
	ATRAtEntry       float64   `json:"atr_at_entry"`
	StopLoss         float64   `json:"stop_loss"`
	TrailingStop     float64   `json:"trailing_stop"`
	BestPrice        float64   `json:"best_price"` // highest seen for longs, lowest for shorts
	TakeProfit1      float64   `json:"take_profit_1"`
	TakeProfit2      float64   `json:"take_profit_2"`
	TP1Filled        bool      `json:"tp1_filled"`
	EntryTime        time.Time `json:"entry_time"`
	Strategy         string    `json:"strategy"`
	RealizedPnL      float64   `json:"realized_pnl"`
}

// PositionView is a position marked to the latest observed price.
type PositionView struct {
	Position
	Mark          float64 `json:"mark"`
	Value         float64 `json:"value"`
	UnrealizedPnL float64 `json:"unrealized_pnl"`
	UnrealizedPct float64 `json:"unrealized_pct"`
}

// Transaction is an immutable record of one ledger mutation.
type Transaction struct {
	ID        string             `json:"id"`
	Timestamp time.Time          `json:"timestamp"`
	Symbol    string             `json:"symbol"`
	Type      TxType             `json:"type"`
	Amount    float64            `json:"amount"`
	Price     float64            `json:"price"`
	PnL       *float64           `json:"pnl"`
	Portfolio map[string]float64 `json:"portfolio"`
	Strategy  string             `json:"strategy,omitempty"`
	Reason    string             `json:"reason,omitempty"`
}

// Portfolio is a point-in-time view of balances and equity.
type Portfolio struct {
	Quote          string             `json:"quote"`
	Balance        float64            `json:"balance"`
	Holdings       map[string]float64 `json:"holdings"` // negative for open shorts
	Equity         float64            `json:"equity"`
	InitialCapital float64            `json:"initial_capital"`
	OpenPositions  int                `json:"open_positions"`
}

type Metrics struct {
	TotalTrades     int     `json:"total_trades"`
	WinningTrades   int     `json:"winning_trades"`
	LosingTrades    int     `json:"losing_trades"`
	CurrentDrawdown float64 `json:"current_drawdown"`
	MaxDrawdown     float64 `json:"max_drawdown"`
}

// WinRate is the percentage of classified outcomes that were winners.
func (m Metrics) WinRate() float64 {
	n := m.WinningTrades + m.LosingTrades
	if n == 0 {
		return 0
	}
	return float64(m.WinningTrades) / float64(n) * 100
}

var ErrNoPosition = errors.New("no open position")

// BlockReason explains why an entry was not taken.
type BlockReason string

const (
	BlockTooManyPositions    BlockReason = "too_many_positions"
	BlockPositionExists      BlockReason = "position_exists"
	BlockStalePrice          BlockReason = "stale_price"
	BlockLowVolume           BlockReason = "low_volume"
	BlockBelowMinNotional    BlockReason = "below_min_notional"
	BlockInsufficientBalance BlockReason = "insufficient_balance"
	BlockNoVolatility        BlockReason = "no_volatility"
	BlockInvalidPrice        BlockReason = "invalid_price"
	BlockTrendNotConfirmed   BlockReason = "trend_not_confirmed"
	BlockShortsDisabled      BlockReason = "shorts_disabled"
)

// Rejection is a decision not to trade. It is returned as an error but is
// not a failure.
type Rejection struct {
	Reason BlockReason
	Detail string
}

func (r *Rejection) Error() string {
	if r.Detail == "" {
		return "entry rejected: " + string(r.Reason)
	}
	return fmt.Sprintf("entry rejected: %s: %s", r.Reason, r.Detail)
}

func Reject(reason BlockReason, format string, args ...any) *Rejection {
	return &Rejection{Reason: reason, Detail: fmt.Sprintf(format, args...)}
}

// AsRejection unwraps err into a *Rejection when it is one.
func AsRejection(err error) (*Rejection, bool) {
	var r *Rejection
	if errors.As(err, &r) {
		return r, true
	}
	return nil, false
}
