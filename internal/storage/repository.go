package storage

import (
	"time"

	jsoniter "github.com/json-iterator/go"
	"gorm.io/gorm"

	"github.com/camuig/kumo-trader/internal/ledger"
	"github.com/camuig/kumo-trader/internal/logger"
	"github.com/camuig/kumo-trader/internal/scheduler"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Repository stores trades, cycle logs and equity snapshots. As a sink and
// reporter it logs write failures and carries on.
type Repository struct {
	db     *gorm.DB
	logger *logger.Logger
}

func NewRepository(db *gorm.DB, log *logger.Logger) *Repository {
	return &Repository{db: db, logger: log}
}

// Trades

func (r *Repository) SaveTrade(trade *Trade) error {
	return r.db.Create(trade).Error
}

func (r *Repository) GetRecentTrades(limit int) ([]Trade, error) {
	var trades []Trade
	err := r.db.Order("timestamp DESC, id DESC").Limit(limit).Find(&trades).Error
	return trades, err
}

func (r *Repository) GetTradesBySymbol(symbol string) ([]Trade, error) {
	var trades []Trade
	err := r.db.Where("symbol = ?", symbol).Order("timestamp ASC, id ASC").Find(&trades).Error
	return trades, err
}

func (r *Repository) GetTodayPnL() (float64, error) {
	return r.GetPnLSince(time.Now().UTC().Truncate(24 * time.Hour))
}

func (r *Repository) GetPnLSince(since time.Time) (float64, error) {
	var total float64
	err := r.db.Model(&Trade{}).
		Where("pnl IS NOT NULL AND timestamp >= ?", since).
		Select("COALESCE(SUM(pnl), 0)").Scan(&total).Error
	return total, err
}

func (r *Repository) GetTotalPnL() (float64, error) {
	var total float64
	err := r.db.Model(&Trade{}).
		Where("pnl IS NOT NULL").
		Select("COALESCE(SUM(pnl), 0)").Scan(&total).Error
	return total, err
}

// Cycle logs

func (r *Repository) SaveCycleLog(log *CycleLog) error {
	return r.db.Create(log).Error
}

func (r *Repository) GetRecentCycleLogs(limit int) ([]CycleLog, error) {
	var logs []CycleLog
	err := r.db.Order("id DESC").Limit(limit).Find(&logs).Error
	return logs, err
}

// Portfolio snapshots

func (r *Repository) SavePortfolioSnapshot(snapshot *PortfolioSnapshot) error {
	return r.db.Create(snapshot).Error
}

func (r *Repository) GetLatestSnapshot() (*PortfolioSnapshot, error) {
	var snapshot PortfolioSnapshot
	err := r.db.Order("id DESC").First(&snapshot).Error
	if err != nil {
		return nil, err
	}
	return &snapshot, nil
}

// Record stores a ledger transaction as a trade row.
func (r *Repository) Record(tx ledger.Transaction) {
	trade := &Trade{
		TxID:      tx.ID,
		Timestamp: tx.Timestamp,
		Symbol:    tx.Symbol,
		Type:      string(tx.Type),
		Amount:    tx.Amount,
		Price:     tx.Price,
		PnL:       tx.PnL,
		Strategy:  tx.Strategy,
		Reason:    tx.Reason,
	}
	if err := r.SaveTrade(trade); err != nil {
		r.logger.Error("save trade", "tx", tx.ID, "symbol", tx.Symbol, "error", err)
	}
}

// ReportCycle stores the cycle summary and an equity snapshot.
func (r *Repository) ReportCycle(rep scheduler.CycleReport) {
	log := &CycleLog{
		Cycle:        rep.Cycle,
		Symbols:      rep.Symbols,
		Transactions: rep.Transactions,
		Blocks:       rep.Blocks,
		Errors:       rep.Errors,
		DurationMs:   rep.Duration.Milliseconds(),
		Error:        rep.ErrorSummary,
	}
	if err := r.SaveCycleLog(log); err != nil {
		r.logger.Error("save cycle log", "cycle", rep.Cycle, "error", err)
	}

	holdings, _ := json.Marshal(rep.Holdings)
	snapshot := &PortfolioSnapshot{
		Equity:         rep.Equity,
		Balance:        rep.Balance,
		PositionsCount: rep.OpenPositions,
		Drawdown:       rep.Drawdown.Current,
		MaxDrawdown:    rep.Drawdown.Max,
		HoldingsJSON:   string(holdings),
	}
	if err := r.SavePortfolioSnapshot(snapshot); err != nil {
		r.logger.Error("save portfolio snapshot", "cycle", rep.Cycle, "error", err)
	}
}
