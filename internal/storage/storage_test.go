package storage_test

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/camuig/kumo-trader/internal/ledger"
	"github.com/camuig/kumo-trader/internal/logger"
	"github.com/camuig/kumo-trader/internal/risk"
	"github.com/camuig/kumo-trader/internal/scheduler"
	"github.com/camuig/kumo-trader/internal/storage"
)

var ts = time.Date(2024, 5, 1, 10, 30, 0, 0, time.UTC)

func pnl(v float64) *float64 { return &v }

func sampleTxs() []ledger.Transaction {
	return []ledger.Transaction{
		{ID: "a", Timestamp: ts, Symbol: "BTC/USDT", Type: ledger.TxBuy, Amount: 0.2997, Price: 100,
			Portfolio: map[string]float64{"USDT": 970, "BTC": 0.2997}, Strategy: "ichimoku"},
		{ID: "b", Timestamp: ts.Add(time.Hour), Symbol: "BTC/USDT", Type: ledger.TxTP1, Amount: 0.14985, Price: 103,
			PnL: pnl(0.41), Portfolio: map[string]float64{"USDT": 985.4, "BTC": 0.14985}, Strategy: "ichimoku"},
		{ID: "c", Timestamp: ts.Add(2 * time.Hour), Symbol: "BTC/USDT", Type: ledger.TxTrailingStop, Amount: 0.14985, Price: 99,
			PnL: pnl(-0.19), Portfolio: map[string]float64{"USDT": 1000.2}, Strategy: "ichimoku"},
	}
}

func TestJournal_AppendAndRead(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data", "transactions.jsonl")

	j, err := storage.OpenJournal(path, logger.Discard())
	require.NoError(t, err)
	for _, tx := range sampleTxs()[:2] {
		j.Record(tx)
	}
	require.NoError(t, j.Close())

	// Reopening appends instead of truncating.
	j, err = storage.OpenJournal(path, logger.Discard())
	require.NoError(t, err)
	require.NoError(t, j.Append(sampleTxs()[2]))
	require.NoError(t, j.Close())

	txs, skipped, err := storage.ReadJournal(path)
	require.NoError(t, err)
	assert.Zero(t, skipped)
	require.Len(t, txs, 3)
	assert.Equal(t, "a", txs[0].ID)
	assert.Nil(t, txs[0].PnL)
	require.NotNil(t, txs[1].PnL)
	assert.InDelta(t, 0.41, *txs[1].PnL, 1e-12)
	assert.Equal(t, ledger.TxTrailingStop, txs[2].Type)
	assert.True(t, ts.Equal(txs[0].Timestamp))
	assert.InDelta(t, 970.0, txs[0].Portfolio["USDT"], 1e-12)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 3, strings.Count(string(data), "\n"))
}

func TestJournal_SkipsPartialLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "transactions.jsonl")

	j, err := storage.OpenJournal(path, logger.Discard())
	require.NoError(t, err)
	require.NoError(t, j.Append(sampleTxs()[0]))
	require.NoError(t, j.Close())

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"id":"trunc","symbol":"BT`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	txs, skipped, err := storage.ReadJournal(path)
	require.NoError(t, err)
	assert.Len(t, txs, 1)
	assert.Equal(t, 1, skipped)
}

func TestJournal_ClosedAppendFails(t *testing.T) {
	j, err := storage.OpenJournal(filepath.Join(t.TempDir(), "j.jsonl"), logger.Discard())
	require.NoError(t, err)
	require.NoError(t, j.Close())
	assert.Error(t, j.Append(sampleTxs()[0]))
	assert.NoError(t, j.Close())
}

func TestReadJournal_Missing(t *testing.T) {
	txs, skipped, err := storage.ReadJournal(filepath.Join(t.TempDir(), "nope.jsonl"))
	require.NoError(t, err)
	assert.Empty(t, txs)
	assert.Zero(t, skipped)
}

func TestWriteCSV(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, storage.WriteCSV(&buf, sampleTxs()[:2]))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, "Timestamp,Symbol,Type,Amount,Price", lines[0])
	assert.Equal(t, "2024-05-01T10:30:00Z,BTC/USDT,BUY,0.299700,100.000000", lines[1])
	assert.Equal(t, "2024-05-01T11:30:00Z,BTC/USDT,TP1,0.149850,103.000000", lines[2])
}

func TestExportCSV(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out", "results.csv")
	require.NoError(t, storage.ExportCSV(path, sampleTxs()))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 4, strings.Count(string(data), "\n"))
}

func newRepo(t *testing.T) *storage.Repository {
	t.Helper()
	db, err := storage.NewDatabase(":memory:")
	require.NoError(t, err)
	return storage.NewRepository(db, logger.Discard())
}

func TestRepository_Trades(t *testing.T) {
	repo := newRepo(t)
	for _, tx := range sampleTxs() {
		repo.Record(tx)
	}
	// Duplicate IDs are rejected and logged, not stored twice.
	repo.Record(sampleTxs()[0])

	recent, err := repo.GetRecentTrades(2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "c", recent[0].TxID)
	assert.Equal(t, "b", recent[1].TxID)

	all, err := repo.GetTradesBySymbol("BTC/USDT")
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Nil(t, all[0].PnL)

	total, err := repo.GetTotalPnL()
	require.NoError(t, err)
	assert.InDelta(t, 0.22, total, 1e-9)

	since, err := repo.GetPnLSince(ts.Add(90 * time.Minute))
	require.NoError(t, err)
	assert.InDelta(t, -0.19, since, 1e-9)
}

func TestRepository_ReportCycle(t *testing.T) {
	repo := newRepo(t)

	repo.ReportCycle(scheduler.CycleReport{
		Cycle:         7,
		Symbols:       2,
		Transactions:  1,
		Errors:        1,
		Duration:      1200 * time.Millisecond,
		Equity:        995.5,
		Balance:       965.5,
		OpenPositions: 1,
		Holdings:      map[string]float64{"USDT": 965.5, "BTC": 0.3},
		Drawdown:      risk.Drawdown{Current: 0.45, Max: 1.2},
		ErrorSummary:  "ETH/USDT: timeout",
	})

	snap, err := repo.GetLatestSnapshot()
	require.NoError(t, err)
	assert.Equal(t, 995.5, snap.Equity)
	assert.Equal(t, 1, snap.PositionsCount)
	assert.Equal(t, 1.2, snap.MaxDrawdown)
	assert.JSONEq(t, `{"USDT":965.5,"BTC":0.3}`, snap.HoldingsJSON)

	logs, err := repo.GetRecentCycleLogs(5)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, 7, logs[0].Cycle)
	assert.Equal(t, int64(1200), logs[0].DurationMs)
	assert.Equal(t, "ETH/USDT: timeout", logs[0].Error)
}
