package scheduler

import (
	"context"
	"errors"
	"fmt"

	"github.com/camuig/kumo-trader/internal/executor"
	"github.com/camuig/kumo-trader/internal/indicator"
	"github.com/camuig/kumo-trader/internal/ledger"
	"github.com/camuig/kumo-trader/internal/market"
	"github.com/camuig/kumo-trader/internal/risk"
	"github.com/camuig/kumo-trader/internal/strategy"
)

var errInsufficientData = errors.New("insufficient history")

type symbolResult struct {
	symbol       string
	transactions int
	blocked      bool
	err          error
}

// analyzeSymbol runs one symbol's part of a cycle while holding the symbol
// lock. Exit checks run first; entries are only considered when the asset
// was flat at the start of the analysis.
func (s *Scheduler) analyzeSymbol(ctx context.Context, symbol string) (res symbolResult) {
	res.symbol = symbol

	mu := s.lockFor(symbol)
	mu.Lock()
	defer mu.Unlock()

	st := s.previousStatus(symbol)
	st.LastError = ""

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic in symbol analysis", "symbol", symbol, "panic", fmt.Sprint(r))
			res.err = fmt.Errorf("panic: %v", r)
		}
		if res.err != nil {
			st.LastError = res.err.Error()
		}
		st.UpdatedAt = s.clock.Now()
		s.setStatus(st)
	}()

	res.err = s.analyze(ctx, symbol, &st, &res)
	if res.err != nil {
		s.logger.Warn("symbol analysis failed", "symbol", symbol, "error", res.err)
	}
	return res
}

func (s *Scheduler) analyze(ctx context.Context, symbol string, st *SymbolStatus, res *symbolResult) error {
	candles := make(map[string][]market.Candle)
	for _, tf := range s.cfg.timeframes() {
		c, err := s.market.FetchCandles(ctx, symbol, tf, s.cfg.CandleLimit)
		if err != nil {
			return fmt.Errorf("fetch %s candles: %w", tf, err)
		}
		candles[tf] = c
	}

	entryCandles := candles[s.cfg.EntryTimeframe]
	price, ok := market.LastClose(entryCandles)
	if !ok || price <= 0 {
		return fmt.Errorf("%s price: %w", s.cfg.EntryTimeframe, errInsufficientData)
	}
	asset := ledger.AssetOf(symbol)
	s.ledger.Mark(asset, price)
	st.Price = price

	atr, hasATR := indicator.Last(s.ind.ATR(candles[s.cfg.ATRTimeframe], s.cfg.ATRPeriod))
	st.ATR = atr

	signals := make([]strategy.Signal, 0, len(s.cfg.SignalTimeframes))
	for _, tf := range s.cfg.SignalTimeframes {
		signals = append(signals, strategy.CloudSignal(s.ind.Cloud(candles[tf], s.cfg.Cloud), price))
	}
	signal := strategy.Vote(signals, s.cfg.MinConfirmations)
	st.Signal = signal.String()

	if _, open := s.ledger.Position(asset); open {
		s.manage(asset, price, atr, signal, res)
		return nil
	}

	if !hasATR {
		return fmt.Errorf("%s atr: %w", s.cfg.ATRTimeframe, errInsufficientData)
	}

	trendCandles := candles[s.cfg.TrendTimeframe]
	trend := strategy.TrendFilter(
		s.ind.ADX(trendCandles, s.cfg.ADXPeriod),
		s.ind.Cloud(trendCandles, s.cfg.Cloud),
		price, s.cfg.ADXThreshold)
	st.ADX = trend.ADX
	st.Trend = string(trend.Direction)

	breakout, ok := strategy.Breakout(entryCandles, s.cfg.BreakoutLookback)
	st.Breakout = "none"
	if ok {
		st.Breakout = breakout.Signal().String()
	}

	if !trend.Confirmed {
		s.block(st, res, ledger.BlockTrendNotConfirmed)
		return nil
	}

	var entries []executor.Entry
	for _, sig := range []strategy.Signal{signal, breakout.Signal()} {
		if !strategy.IsEntry(sig) {
			continue
		}
		en := s.toEntry(symbol, price, atr, sig)
		if en.Side == risk.Short && s.cfg.DisableShorts {
			s.block(st, res, ledger.BlockShortsDisabled)
			continue
		}
		entries = append(entries, en)
	}

	// Every fill reaches the sinks before any failure is reported.
	var firstErr error
	for _, o := range s.executor.Execute(ctx, entries) {
		switch {
		case o.Tx != nil:
			s.record(*o.Tx)
			res.transactions++
			res.blocked = false
			st.LastBlock = ""
		case o.Reason == ledger.BlockPositionExists && res.transactions > 0:
			// the other signal already opened this asset
		case o.Reason != "":
			s.block(st, res, o.Reason)
		case o.Err != nil && firstErr == nil:
			firstErr = o.Err
		}
	}
	return firstErr
}

// manage runs the exit sequence for an open position and, when enabled,
// closes a surviving long on a cloud exit signal.
func (s *Scheduler) manage(asset string, price, atr float64, signal strategy.Signal, res *symbolResult) {
	txs := s.ledger.Evaluate(asset, price, atr)
	for _, tx := range txs {
		s.logger.Info("exit filled", "symbol", tx.Symbol, "type", tx.Type, "price", tx.Price, "pnl", deref(tx.PnL))
	}

	if _, isExit := signal.(strategy.ExitLong); isExit && s.cfg.SignalExit {
		if pos, open := s.ledger.Position(asset); open && pos.Side == risk.Long {
			tx, err := s.ledger.Close(asset, price, "signal exit")
			if err == nil {
				s.logger.Info("signal exit", "symbol", tx.Symbol, "price", price, "pnl", deref(tx.PnL))
				txs = append(txs, tx)
			}
		}
	}

	s.record(txs...)
	res.transactions += len(txs)
}

func (s *Scheduler) toEntry(symbol string, price, atr float64, sig strategy.Signal) executor.Entry {
	en := executor.Entry{Symbol: symbol, Price: price, ATR: atr}
	switch v := sig.(type) {
	case strategy.EnterLong:
		en.Side = risk.Long
		en.Strategy = v.Strategy
	case strategy.EnterShort:
		en.Side = risk.Short
		en.Strategy = v.Strategy
	}
	return en
}

func (s *Scheduler) block(st *SymbolStatus, res *symbolResult, reason ledger.BlockReason) {
	st.LastBlock = reason
	res.blocked = true
	s.logger.Debug("entry blocked", "symbol", st.Symbol, "reason", reason)
}

func (s *Scheduler) previousStatus(symbol string) SymbolStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.status[symbol]; ok {
		return st
	}
	return SymbolStatus{Symbol: symbol}
}
