package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/camuig/kumo-trader/internal/config"
	"github.com/camuig/kumo-trader/internal/executor"
	"github.com/camuig/kumo-trader/internal/indicator"
	"github.com/camuig/kumo-trader/internal/ledger"
	"github.com/camuig/kumo-trader/internal/logger"
	"github.com/camuig/kumo-trader/internal/market"
	"github.com/camuig/kumo-trader/internal/risk"
)

var ErrHalted = errors.New("engine halted")

type MarketData interface {
	FetchCandles(ctx context.Context, symbol, timeframe string, limit int) ([]market.Candle, error)
	FetchTicker(ctx context.Context, symbol string) (*market.Ticker, error)
}

type Indicators interface {
	Cloud(candles []market.Candle, p indicator.CloudParams) []indicator.CloudPoint
	ATR(candles []market.Candle, period int) []float64
	ADX(candles []market.Candle, period int) []float64
}

// Sink receives every transaction the engine produces. Implementations log
// and swallow their own failures.
type Sink interface {
	Record(tx ledger.Transaction)
}

type Reporter interface {
	ReportCycle(r CycleReport)
}

type HaltHandler func(dd risk.Drawdown, err error)

type Config struct {
	Symbols          []string
	Interval         time.Duration
	Timeframes       []string
	EntryTimeframe   string
	ATRTimeframe     string
	SignalTimeframes []string
	MinConfirmations int
	BreakoutLookback int
	CandleLimit      int
	Concurrency      int
	ATRPeriod        int
	Cloud            indicator.CloudParams
	TrendTimeframe   string
	ADXPeriod        int
	ADXThreshold     float64
	SignalExit       bool
	DisableShorts    bool
}

func ConfigFrom(cfg *config.Config) Config {
	t := cfg.Trading
	return Config{
		Symbols:          t.Symbols,
		Interval:         cfg.CycleInterval(),
		Timeframes:       t.Timeframes,
		EntryTimeframe:   t.EntryTimeframe,
		ATRTimeframe:     t.ATRTimeframe,
		SignalTimeframes: t.SignalTimeframes,
		MinConfirmations: t.MinConfirmations,
		BreakoutLookback: t.BreakoutLookback,
		CandleLimit:      t.CandleLimit,
		Concurrency:      t.Concurrency,
		ATRPeriod:        cfg.Risk.ATRPeriod,
		Cloud: indicator.CloudParams{
			Conversion:   cfg.Ichimoku.ConversionPeriod,
			Base:         cfg.Ichimoku.BasePeriod,
			Span:         cfg.Ichimoku.SpanPeriod,
			Displacement: cfg.Ichimoku.Displacement,
		},
		TrendTimeframe: cfg.Trend.Timeframe,
		ADXPeriod:      cfg.Trend.ADXPeriod,
		ADXThreshold:   cfg.Trend.ADXThreshold,
		SignalExit:     t.SignalExit,
		DisableShorts:  t.DisableShorts,
	}
}

// timeframes returns every timeframe a symbol analysis needs, once each.
func (c Config) timeframes() []string {
	seen := make(map[string]bool)
	var out []string
	add := func(tfs ...string) {
		for _, tf := range tfs {
			if tf != "" && !seen[tf] {
				seen[tf] = true
				out = append(out, tf)
			}
		}
	}
	add(c.EntryTimeframe, c.ATRTimeframe, c.TrendTimeframe)
	add(c.SignalTimeframes...)
	add(c.Timeframes...)
	return out
}

type Option func(*Scheduler)

func WithClock(c Clock) Option {
	return func(s *Scheduler) { s.clock = c }
}

func WithSink(sink Sink) Option {
	return func(s *Scheduler) { s.sinks = append(s.sinks, sink) }
}

func WithReporter(r Reporter) Option {
	return func(s *Scheduler) { s.reporters = append(s.reporters, r) }
}

func WithHaltHandler(h HaltHandler) Option {
	return func(s *Scheduler) { s.onHalt = append(s.onHalt, h) }
}

// Scheduler is the engine handle: it runs analysis cycles on an interval and
// exposes start, stop, status and force-close to the outer layers.
type Scheduler struct {
	market    MarketData
	ind       Indicators
	ledger    *ledger.Ledger
	executor  *executor.Executor
	guard     *risk.Guard
	cfg       Config
	logger    *logger.Logger
	clock     Clock
	sinks     []Sink
	reporters []Reporter
	onHalt    []HaltHandler

	symbolMu sync.Mutex
	symbols  map[string]*sync.Mutex

	mu         sync.Mutex
	running    bool
	halted     bool
	haltReason string
	cycles     int
	lastCycle  time.Time
	status     map[string]SymbolStatus
	stop       chan struct{}
	done       chan struct{}
}

func NewScheduler(
	data MarketData,
	ind Indicators,
	l *ledger.Ledger,
	exec *executor.Executor,
	guard *risk.Guard,
	cfg Config,
	log *logger.Logger,
	opts ...Option,
) *Scheduler {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.BreakoutLookback <= 0 {
		cfg.BreakoutLookback = 10
	}
	s := &Scheduler{
		market:   data,
		ind:      ind,
		ledger:   l,
		executor: exec,
		guard:    guard,
		cfg:      cfg,
		logger:   log,
		clock:    realClock{},
		symbols:  make(map[string]*sync.Mutex),
		status:   make(map[string]SymbolStatus),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start launches the cycle loop in the background. It clears a previous
// drawdown halt; the guard is checked again before the first cycle.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	s.halted = false
	s.haltReason = ""
	s.stop = make(chan struct{})
	s.done = make(chan struct{})

	go s.run(ctx, s.stop, s.done)
}

// Stop asks the loop to exit after the cycle in progress. It does not wait;
// use Wait for that.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running || s.stop == nil {
		return
	}
	select {
	case <-s.stop:
	default:
		close(s.stop)
	}
}

// Wait blocks until the loop started by Start has exited.
func (s *Scheduler) Wait() {
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()
	if done != nil {
		<-done
	}
}

// Run executes cycles until ctx is cancelled, Stop is called or the drawdown
// guard halts the engine.
func (s *Scheduler) Run(ctx context.Context) {
	s.Start(ctx)
	s.Wait()
}

func (s *Scheduler) run(ctx context.Context, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	s.logger.Info("scheduler started", "interval", s.cfg.Interval.String(), "symbols", len(s.cfg.Symbols))

	for {
		if err := s.RunCycle(ctx); errors.Is(err, risk.ErrDrawdownBreached) || errors.Is(err, ErrHalted) {
			s.logger.Error("scheduler halted", "error", err)
			return
		}

		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped", "reason", ctx.Err())
			return
		case <-stop:
			s.logger.Info("scheduler stopped")
			return
		case <-s.clock.After(s.cfg.Interval):
		}
	}
}

// RunCycle runs the drawdown guard and then analyzes every symbol
// concurrently. Per-symbol failures are recorded in the status, never
// returned. A breached guard halts the engine and returns the guard error.
func (s *Scheduler) RunCycle(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic in scheduler cycle", "panic", fmt.Sprint(r))
			err = fmt.Errorf("cycle panic: %v", r)
		}
	}()

	if s.Halted() {
		return ErrHalted
	}

	started := s.clock.Now()
	dd, err := s.guard.Check(s.ledger.Equity())
	s.ledger.SetDrawdown(dd)
	if err != nil {
		s.halt(dd, err)
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Concurrency)

	var (
		resMu   sync.Mutex
		results []symbolResult
	)
	for _, symbol := range s.cfg.Symbols {
		symbol := symbol
		g.Go(func() error {
			res := s.analyzeSymbol(gctx, symbol)
			resMu.Lock()
			results = append(results, res)
			resMu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	s.mu.Lock()
	s.cycles++
	s.lastCycle = started
	cycle := s.cycles
	s.mu.Unlock()

	report := s.buildReport(cycle, started, results)
	s.logger.Info("cycle completed",
		"cycle", report.Cycle,
		"equity", fmt.Sprintf("%.2f", report.Equity),
		"balance", fmt.Sprintf("%.2f", report.Balance),
		"open_positions", report.OpenPositions,
		"transactions", report.Transactions,
		"errors", report.Errors,
		"drawdown", fmt.Sprintf("%.2f%%", report.Drawdown.Current),
		"duration", report.Duration.String())

	for _, r := range s.reporters {
		r.ReportCycle(report)
	}
	return nil
}

func (s *Scheduler) buildReport(cycle int, started time.Time, results []symbolResult) CycleReport {
	snap := s.ledger.Snapshot()
	report := CycleReport{
		Cycle:         cycle,
		StartedAt:     started,
		Duration:      s.clock.Now().Sub(started),
		Symbols:       len(results),
		Equity:        snap.Equity,
		Balance:       snap.Balance,
		OpenPositions: snap.OpenPositions,
		Holdings:      snap.Holdings,
		Drawdown:      s.guard.State(),
	}

	var errs []string
	for _, r := range results {
		report.Transactions += r.transactions
		if r.blocked {
			report.Blocks++
		}
		if r.err != nil {
			report.Errors++
			errs = append(errs, r.symbol+": "+r.err.Error())
		}
	}
	sort.Strings(errs)
	report.ErrorSummary = strings.Join(errs, "; ")
	return report
}

func (s *Scheduler) halt(dd risk.Drawdown, err error) {
	s.mu.Lock()
	s.halted = true
	s.haltReason = err.Error()
	s.mu.Unlock()

	s.logger.Error("max drawdown breached, trading halted",
		"drawdown", dd.Current, "limit", dd.Limit, "equity", s.ledger.Equity())
	for _, h := range s.onHalt {
		h(dd, err)
	}
}

// ForceClose liquidates the asset's position at the live price, bypassing
// signal evaluation. It waits for any analysis of the same symbol to finish.
func (s *Scheduler) ForceClose(ctx context.Context, asset string) (ledger.Transaction, error) {
	asset = strings.ToUpper(asset)
	pos, ok := s.ledger.Position(asset)
	if !ok {
		return ledger.Transaction{}, fmt.Errorf("force close %s: %w", asset, ledger.ErrNoPosition)
	}

	mu := s.lockFor(pos.Symbol)
	mu.Lock()
	defer mu.Unlock()

	price, err := s.livePrice(ctx, pos.Symbol, asset)
	if err != nil {
		return ledger.Transaction{}, fmt.Errorf("force close %s: %w", asset, err)
	}

	tx, err := s.ledger.Close(asset, price, "force close")
	if err != nil {
		return ledger.Transaction{}, err
	}
	s.logger.Info("position force-closed", "symbol", pos.Symbol, "price", price, "pnl", deref(tx.PnL))
	s.record(tx)
	return tx, nil
}

// livePrice prefers a fresh ticker and falls back to the last observed mark.
func (s *Scheduler) livePrice(ctx context.Context, symbol, asset string) (float64, error) {
	t, err := s.market.FetchTicker(ctx, symbol)
	if err == nil && t != nil && t.Last > 0 {
		return t.Last, nil
	}
	if mark, ok := s.ledger.MarkPrice(asset); ok && mark > 0 {
		s.logger.Warn("ticker unavailable, closing at last mark", "symbol", symbol, "error", err)
		return mark, nil
	}
	if err == nil {
		err = errors.New("no price available")
	}
	return 0, err
}

func (s *Scheduler) record(txs ...ledger.Transaction) {
	for _, tx := range txs {
		for _, sink := range s.sinks {
			sink.Record(tx)
		}
	}
}

func (s *Scheduler) lockFor(symbol string) *sync.Mutex {
	s.symbolMu.Lock()
	defer s.symbolMu.Unlock()
	mu, ok := s.symbols[symbol]
	if !ok {
		mu = &sync.Mutex{}
		s.symbols[symbol] = mu
	}
	return mu
}

func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Scheduler) Halted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.halted
}

func (s *Scheduler) Ledger() *ledger.Ledger { return s.ledger }

func (s *Scheduler) Status() Status {
	s.mu.Lock()
	st := Status{
		Running:    s.running,
		Halted:     s.halted,
		HaltReason: s.haltReason,
		Cycles:     s.cycles,
		LastCycle:  s.lastCycle,
		Interval:   s.cfg.Interval.String(),
	}
	st.Symbols = make([]SymbolStatus, 0, len(s.cfg.Symbols))
	for _, sym := range s.cfg.Symbols {
		ss, ok := s.status[sym]
		if !ok {
			ss = SymbolStatus{Symbol: sym}
		}
		st.Symbols = append(st.Symbols, ss)
	}
	s.mu.Unlock()

	st.Portfolio = s.ledger.Snapshot()
	st.Metrics = s.ledger.Metrics()
	st.WinRate = st.Metrics.WinRate()
	st.Drawdown = s.guard.State()
	return st
}

func (s *Scheduler) setStatus(ss SymbolStatus) {
	s.mu.Lock()
	s.status[ss.Symbol] = ss
	s.mu.Unlock()
}

func deref(f *float64) float64 {
	if f == nil {
		return 0
	}
	return *f
}
