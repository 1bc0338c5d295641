package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/camuig/kumo-trader/internal/ledger"
	"github.com/camuig/kumo-trader/internal/scheduler"
)

const namespace = "kumo"

// Collectors exports engine state to Prometheus. It is both a transaction
// sink and a cycle reporter.
type Collectors struct {
	Transactions  *prometheus.CounterVec
	RealizedPnL   prometheus.Counter
	Cycles        prometheus.Counter
	CycleErrors   prometheus.Counter
	CycleBlocks   prometheus.Counter
	CycleDuration prometheus.Histogram
	Equity        prometheus.Gauge
	Balance       prometheus.Gauge
	OpenPositions prometheus.Gauge
	Drawdown      prometheus.Gauge
	MaxDrawdown   prometheus.Gauge
}

// New registers the collectors on reg. Pass prometheus.DefaultRegisterer in
// production and a fresh registry in tests.
func New(reg prometheus.Registerer) *Collectors {
	f := promauto.With(reg)
	return &Collectors{
		Transactions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "transactions_total",
			Help:      "Ledger transactions by type",
		}, []string{"type", "symbol"}),
		RealizedPnL: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "realized_pnl_abs_total",
			Help:      "Sum of absolute realized P&L in quote currency",
		}),
		Cycles: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "cycles_total",
			Help:      "Completed analysis cycles",
		}),
		CycleErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "symbol_errors_total",
			Help:      "Symbol analyses that ended in an error",
		}),
		CycleBlocks: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "entry_blocks_total",
			Help:      "Symbol analyses where an entry was blocked",
		}),
		CycleDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "cycle_duration_seconds",
			Help:      "Wall time of one analysis cycle",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}),
		Equity: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "portfolio",
			Name:      "equity",
			Help:      "Marked-to-market equity in quote currency",
		}),
		Balance: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "portfolio",
			Name:      "balance",
			Help:      "Free quote balance",
		}),
		OpenPositions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "portfolio",
			Name:      "open_positions",
			Help:      "Open long and short positions",
		}),
		Drawdown: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "portfolio",
			Name:      "drawdown_percent",
			Help:      "Current drawdown from initial capital",
		}),
		MaxDrawdown: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "portfolio",
			Name:      "max_drawdown_percent",
			Help:      "Highest drawdown seen",
		}),
	}
}

func (c *Collectors) Record(tx ledger.Transaction) {
	c.Transactions.WithLabelValues(string(tx.Type), tx.Symbol).Inc()
	if tx.PnL != nil {
		pnl := *tx.PnL
		if pnl < 0 {
			pnl = -pnl
		}
		c.RealizedPnL.Add(pnl)
	}
}

func (c *Collectors) ReportCycle(r scheduler.CycleReport) {
	c.Cycles.Inc()
	c.CycleErrors.Add(float64(r.Errors))
	c.CycleBlocks.Add(float64(r.Blocks))
	c.CycleDuration.Observe(r.Duration.Seconds())
	c.Equity.Set(r.Equity)
	c.Balance.Set(r.Balance)
	c.OpenPositions.Set(float64(r.OpenPositions))
	c.Drawdown.Set(r.Drawdown.Current)
	c.MaxDrawdown.Set(r.Drawdown.Max)
}
