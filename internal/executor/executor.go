package executor

import (
	"context"
	"fmt"
	"math"

	"github.com/camuig/kumo-trader/internal/ledger"
	"github.com/camuig/kumo-trader/internal/logger"
	"github.com/camuig/kumo-trader/internal/market"
	"github.com/camuig/kumo-trader/internal/risk"
)

type TickerSource interface {
	FetchTicker(ctx context.Context, symbol string) (*market.Ticker, error)
}

type Config struct {
	MaxSpreadPercent float64 // max distance of the live price from the signal price
	MinVolume        float64 // min 24h quote volume
}

// Entry is an accepted signal waiting for the pre-trade checks.
type Entry struct {
	Symbol   string
	Side     risk.Side
	Price    float64
	ATR      float64
	Strategy string
}

// Outcome is the result of one entry: a transaction, a *ledger.Rejection or
// a failure.
type Outcome struct {
	Entry  Entry
	Tx     *ledger.Transaction
	Err    error
	Reason ledger.BlockReason
}

// Executor gates entries on a fresh ticker before they reach the ledger.
type Executor struct {
	tickers TickerSource
	ledger  *ledger.Ledger
	cfg     Config
	logger  *logger.Logger
}

func NewExecutor(tickers TickerSource, l *ledger.Ledger, cfg Config, log *logger.Logger) *Executor {
	return &Executor{
		tickers: tickers,
		ledger:  l,
		cfg:     cfg,
		logger:  log,
	}
}

// Execute tries each entry in order. A panic in one entry is recorded as its
// error and does not stop the rest.
func (e *Executor) Execute(ctx context.Context, entries []Entry) []Outcome {
	outcomes := make([]Outcome, 0, len(entries))
	for _, en := range entries {
		out := Outcome{Entry: en}
		func() {
			defer func() {
				if r := recover(); r != nil {
					e.logger.Error("panic in executor", "symbol", en.Symbol, "panic", fmt.Sprint(r))
					out.Err = fmt.Errorf("panic: %v", r)
				}
			}()

			tx, err := e.Enter(ctx, en)
			if err != nil {
				out.Err = err
				if rej, ok := ledger.AsRejection(err); ok {
					out.Reason = rej.Reason
					e.logger.Info("entry blocked",
						"symbol", en.Symbol, "side", en.Side, "reason", rej.Reason, "detail", rej.Detail)
				} else {
					e.logger.Error("entry failed", "symbol", en.Symbol, "error", err)
				}
				return
			}
			out.Tx = &tx
		}()
		outcomes = append(outcomes, out)
	}
	return outcomes
}

// Enter validates the entry against a fresh ticker and opens it in the
// ledger. Validation failures are *ledger.Rejection; ticker failures are
// returned as plain errors.
func (e *Executor) Enter(ctx context.Context, en Entry) (ledger.Transaction, error) {
	if err := e.ledger.CanOpen(ledger.AssetOf(en.Symbol)); err != nil {
		return ledger.Transaction{}, err
	}

	ticker, err := e.tickers.FetchTicker(ctx, en.Symbol)
	if err != nil {
		return ledger.Transaction{}, fmt.Errorf("fetch ticker %s: %w", en.Symbol, err)
	}
	if err := e.validate(en, ticker); err != nil {
		return ledger.Transaction{}, err
	}

	tx, err := e.ledger.Open(ledger.OpenRequest{
		Symbol:   en.Symbol,
		Side:     en.Side,
		Price:    en.Price,
		ATR:      en.ATR,
		Strategy: en.Strategy,
	})
	if err != nil {
		return ledger.Transaction{}, err
	}

	e.logger.Info("position opened",
		"symbol", en.Symbol, "side", en.Side, "price", en.Price,
		"amount", tx.Amount, "strategy", en.Strategy)
	return tx, nil
}

func (e *Executor) validate(en Entry, t *market.Ticker) error {
	if en.Price <= 0 {
		return ledger.Reject(ledger.BlockInvalidPrice, "%v", en.Price)
	}
	if t == nil || t.Last <= 0 {
		return ledger.Reject(ledger.BlockStalePrice, "ticker has no last price")
	}

	spread := math.Abs(t.Last-en.Price) / en.Price * 100
	if e.cfg.MaxSpreadPercent > 0 && spread > e.cfg.MaxSpreadPercent {
		return ledger.Reject(ledger.BlockStalePrice, "spread %.3f%% > %.3f%%", spread, e.cfg.MaxSpreadPercent)
	}
	if t.QuoteVolume < e.cfg.MinVolume {
		return ledger.Reject(ledger.BlockLowVolume, "quote volume %.0f < %.0f", t.QuoteVolume, e.cfg.MinVolume)
	}
	return nil
}
