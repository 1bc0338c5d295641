package ledger

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/camuig/kumo-trader/internal/risk"
)

// tp1Fraction of the remaining quantity is closed at the first target.
const tp1Fraction = 0.5

type Config struct {
	QuoteCurrency  string
	InitialCapital float64
	MaxPositions   int
	Sizer          risk.Sizer
}

type Option func(*Ledger)

func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

func WithIDGenerator(newID func() string) Option {
	return func(l *Ledger) { l.newID = newID }
}

// Ledger owns the paper portfolio: quote balance, open positions, metrics and
// the append-only transaction history. Every method is safe for concurrent use
// and all balance mutation happens under one lock.
type Ledger struct {
	mu        sync.Mutex
	cfg       Config
	sizer     risk.Sizer
	balance   float64
	holdings  map[string]float64
	positions map[string]*Position
	marks     map[string]float64
	history   []Transaction
	metrics   Metrics

	now   func() time.Time
	newID func() string
}

func New(cfg Config, opts ...Option) *Ledger {
	if cfg.QuoteCurrency == "" {
		cfg.QuoteCurrency = "USDT"
	}
	l := &Ledger{
		cfg:       cfg,
		sizer:     cfg.Sizer,
		balance:   cfg.InitialCapital,
		holdings:  make(map[string]float64),
		positions: make(map[string]*Position),
		marks:     make(map[string]float64),
		now:       time.Now,
		newID:     uuid.NewString,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

type OpenRequest struct {
	Symbol       string
	Side         risk.Side
	Price        float64
	ATR          float64
	Strategy     string
	RiskOverride float64 // percent; zero uses the configured base risk
}

// CanOpen runs the capacity checks of Open without sizing or mutating.
func (l *Ledger) CanOpen(asset string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.checkCapacity(asset)
}

func (l *Ledger) checkCapacity(asset string) error {
	if p, ok := l.positions[asset]; ok {
		return Reject(BlockPositionExists, "%s %s already open", asset, p.Side)
	}
	if l.cfg.MaxPositions > 0 && len(l.positions) >= l.cfg.MaxPositions {
		return Reject(BlockTooManyPositions, "%d/%d open", len(l.positions), l.cfg.MaxPositions)
	}
	return nil
}

// Open sizes and records a new position. Rejections are returned as *Rejection.
func (l *Ledger) Open(req OpenRequest) (Transaction, error) {
	asset := AssetOf(req.Symbol)
	if req.Price <= 0 || math.IsNaN(req.Price) || math.IsInf(req.Price, 0) {
		return Transaction{}, Reject(BlockInvalidPrice, "%v", req.Price)
	}
	if req.ATR <= 0 || math.IsNaN(req.ATR) {
		return Transaction{}, Reject(BlockNoVolatility, "atr %v", req.ATR)
	}
	side := req.Side
	if side != risk.Short {
		side = risk.Long
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.checkCapacity(asset); err != nil {
		return Transaction{}, err
	}

	sz, err := l.sizer.Size(l.balance, req.Price, req.ATR, req.RiskOverride)
	switch {
	case errors.Is(err, risk.ErrBelowMinNotional):
		return Transaction{}, Reject(BlockBelowMinNotional, "%v", err)
	case errors.Is(err, risk.ErrInsufficientBalance):
		return Transaction{}, Reject(BlockInsufficientBalance, "%v", err)
	case err != nil:
		return Transaction{}, Reject(BlockInvalidPrice, "%v", err)
	}

	qty := sz.Quantity * (1 - l.sizer.FeeRate())
	lv := l.sizer.Levels(side, req.Price, req.ATR)

	pos := &Position{
		Symbol:           req.Symbol,
		Asset:            asset,
		Side:             side,
		EntryPrice:       req.Price,
		Quantity:         qty,
		OriginalQuantity: qty,
		CostBasis:        sz.PositionValue,
		ATRAtEntry:       req.ATR,
		StopLoss:         lv.StopLoss,
		TrailingStop:     lv.TrailingStop,
		BestPrice:        req.Price,
		TakeProfit1:      lv.TakeProfit1,
		TakeProfit2:      lv.TakeProfit2,
		EntryTime:        l.now(),
		Strategy:         req.Strategy,
	}

	l.balance -= sz.PositionValue
	txType := TxBuy
	if side == risk.Short {
		l.holdings[asset] -= qty
		txType = TxShort
	} else {
		l.holdings[asset] += qty
	}
	l.positions[asset] = pos
	l.marks[asset] = req.Price
	l.metrics.TotalTrades++

	return l.record(pos, txType, qty, req.Price, nil, ""), nil
}

// Evaluate runs the exit sequence for the asset's open position at price:
// first target, second target, trailing update, trailing breach, hard stop.
// It returns the transactions produced, none when nothing changed.
func (l *Ledger) Evaluate(asset string, price, atr float64) []Transaction {
	if price <= 0 || math.IsNaN(price) {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	pos, ok := l.positions[asset]
	if !ok {
		return nil
	}
	l.marks[asset] = price

	var txs []Transaction
	long := pos.Side == risk.Long

	if !pos.TP1Filled && reached(long, price, pos.TakeProfit1) {
		qty := pos.Quantity * tp1Fraction
		pnl := l.fill(pos, qty, price)
		pos.TP1Filled = true
		l.metrics.WinningTrades++
		txs = append(txs, l.record(pos, exitType(long, TxTP1, TxCover1), qty, price, &pnl, "take profit 1"))
	}

	if pos.TP1Filled && pos.Quantity > 0 && reached(long, price, pos.TakeProfit2) {
		return append(txs, l.closeLocked(pos, price, exitType(long, TxTP2, TxCover2), "take profit 2"))
	}

	if improves(long, price, pos.BestPrice) {
		pos.BestPrice = price
		if atr > 0 {
			next := l.sizer.Trail(pos.Side, price, atr)
			if improves(long, next, pos.TrailingStop) {
				pos.TrailingStop = next
			}
		}
	}

	if breached(long, price, pos.TrailingStop) {
		return append(txs, l.closeLocked(pos, price, TxTrailingStop, "trailing stop"))
	}

	if breached(long, price, pos.StopLoss) {
		return append(txs, l.closeLocked(pos, price, exitType(long, TxStopLoss, TxCoverSL), "stop loss"))
	}

	return txs
}

// Close liquidates the whole position at price outside the exit sequence,
// for a signal exit or an operator force-close.
func (l *Ledger) Close(asset string, price float64, reason string) (Transaction, error) {
	if price <= 0 || math.IsNaN(price) {
		return Transaction{}, fmt.Errorf("close %s: invalid price %v", asset, price)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	pos, ok := l.positions[asset]
	if !ok {
		return Transaction{}, fmt.Errorf("close %s: %w", asset, ErrNoPosition)
	}
	l.marks[asset] = price
	return l.closeLocked(pos, price, exitType(pos.Side == risk.Long, TxSell, TxCover), reason), nil
}

func (l *Ledger) closeLocked(pos *Position, price float64, t TxType, reason string) Transaction {
	qty := pos.Quantity
	pnl := l.fill(pos, qty, price)

	// A trade is classified by the fill that closes it.
	if pnl > 0 {
		l.metrics.WinningTrades++
	} else {
		l.metrics.LosingTrades++
	}

	delete(l.positions, pos.Asset)
	delete(l.holdings, pos.Asset)
	return l.record(pos, t, qty, price, &pnl, reason)
}

// fill exits qty of pos at price, credits the quote balance and returns the
// realized P&L net of fees.
func (l *Ledger) fill(pos *Position, qty, price float64) float64 {
	if qty > pos.Quantity {
		qty = pos.Quantity
	}
	if qty <= 0 {
		return 0
	}
	fee := l.sizer.FeeRate()

	cost := pos.CostBasis * qty / pos.Quantity
	var credit float64
	if pos.Side == risk.Short {
		// Collateral comes back adjusted by the price move, less the buy-back fee.
		credit = qty*(2*pos.EntryPrice-price) - qty*price*fee
		l.holdings[pos.Asset] += qty
	} else {
		credit = qty * price * (1 - fee)
		l.holdings[pos.Asset] -= qty
	}
	pnl := credit - cost

	l.balance += credit
	pos.CostBasis -= cost
	pos.Quantity -= qty
	pos.SoldQuantity += qty
	pos.RealizedPnL += pnl
	if pos.Quantity < 1e-12 {
		pos.SoldQuantity += pos.Quantity
		pos.Quantity = 0
	}
	return pnl
}

func (l *Ledger) record(pos *Position, t TxType, qty, price float64, pnl *float64, reason string) Transaction {
	tx := Transaction{
		ID:        l.newID(),
		Timestamp: l.now(),
		Symbol:    pos.Symbol,
		Type:      t,
		Amount:    qty,
		Price:     price,
		PnL:       pnl,
		Portfolio: l.balancesLocked(),
		Strategy:  pos.Strategy,
		Reason:    reason,
	}
	l.history = append(l.history, tx)
	return tx
}

func (l *Ledger) balancesLocked() map[string]float64 {
	out := make(map[string]float64, len(l.holdings)+1)
	out[l.cfg.QuoteCurrency] = l.balance
	for asset, qty := range l.holdings {
		out[asset] = qty
	}
	return out
}

// Position returns a copy of the asset's open position.
func (l *Ledger) Position(asset string) (Position, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	p, ok := l.positions[asset]
	if !ok {
		return Position{}, false
	}
	return *p, true
}

// Positions returns every open position marked to its latest price, sorted
// by asset.
func (l *Ledger) Positions() []PositionView {
	l.mu.Lock()
	defer l.mu.Unlock()

	views := make([]PositionView, 0, len(l.positions))
	for _, p := range l.positions {
		mark := l.markLocked(p)
		value := markValue(p, mark)
		v := PositionView{Position: *p, Mark: mark, Value: value, UnrealizedPnL: value - p.CostBasis}
		if p.CostBasis > 0 {
			v.UnrealizedPct = v.UnrealizedPnL / p.CostBasis * 100
		}
		views = append(views, v)
	}
	sort.Slice(views, func(i, j int) bool { return views[i].Asset < views[j].Asset })
	return views
}

func (l *Ledger) OpenCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.positions)
}

// Equity is the quote balance plus every open position marked to market.
func (l *Ledger) Equity() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.equityLocked()
}

func (l *Ledger) equityLocked() float64 {
	equity := l.balance
	for _, p := range l.positions {
		equity += markValue(p, l.markLocked(p))
	}
	return equity
}

func (l *Ledger) markLocked(p *Position) float64 {
	if m, ok := l.marks[p.Asset]; ok && m > 0 {
		return m
	}
	return p.EntryPrice
}

func markValue(p *Position, mark float64) float64 {
	if p.Side == risk.Short {
		return p.Quantity * (2*p.EntryPrice - mark)
	}
	return p.Quantity * mark
}

func (l *Ledger) Snapshot() Portfolio {
	l.mu.Lock()
	defer l.mu.Unlock()

	holdings := make(map[string]float64, len(l.holdings))
	for asset, qty := range l.holdings {
		holdings[asset] = qty
	}
	return Portfolio{
		Quote:          l.cfg.QuoteCurrency,
		Balance:        l.balance,
		Holdings:       holdings,
		Equity:         l.equityLocked(),
		InitialCapital: l.cfg.InitialCapital,
		OpenPositions:  len(l.positions),
	}
}

// Mark records the latest observed price for an asset.
func (l *Ledger) Mark(asset string, price float64) {
	if price <= 0 {
		return
	}
	l.mu.Lock()
	l.marks[asset] = price
	l.mu.Unlock()
}

func (l *Ledger) MarkPrice(asset string) (float64, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.marks[asset]
	return m, ok
}

// History returns up to limit transactions, newest first. limit <= 0 returns all.
func (l *Ledger) History(limit int) []Transaction {
	l.mu.Lock()
	defer l.mu.Unlock()

	n := len(l.history)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]Transaction, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, l.history[i])
	}
	return out
}

// LoadHistory prepends transactions from a previous run. They are shown in
// history only and do not affect balances or metrics.
func (l *Ledger) LoadHistory(txs []Transaction) {
	if len(txs) == 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	merged := make([]Transaction, 0, len(txs)+len(l.history))
	merged = append(merged, txs...)
	l.history = append(merged, l.history...)
}

func (l *Ledger) Metrics() Metrics {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.metrics
}

// SetDrawdown copies the guard's latest reading into the metrics.
func (l *Ledger) SetDrawdown(dd risk.Drawdown) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.metrics.CurrentDrawdown = dd.Current
	l.metrics.MaxDrawdown = math.Max(l.metrics.MaxDrawdown, dd.Max)
}

// AssetOf returns the base asset of a "BASE/QUOTE" symbol.
func AssetOf(symbol string) string {
	base, _, _ := strings.Cut(symbol, "/")
	return strings.ToUpper(base)
}

func exitType(long bool, longType, shortType TxType) TxType {
	if long {
		return longType
	}
	return shortType
}

func reached(long bool, price, target float64) bool {
	if long {
		return price >= target
	}
	return price <= target
}

func breached(long bool, price, stop float64) bool {
	if long {
		return price <= stop
	}
	return price >= stop
}

func improves(long bool, price, ref float64) bool {
	if long {
		return price > ref
	}
	return price < ref
}
