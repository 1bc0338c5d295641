package ledger_test

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/camuig/kumo-trader/internal/ledger"
	"github.com/camuig/kumo-trader/internal/risk"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func newLedger(maxPositions int) *ledger.Ledger {
	n := 0
	return ledger.New(ledger.Config{
		QuoteCurrency:  "USDT",
		InitialCapital: 1000,
		MaxPositions:   maxPositions,
		Sizer:          risk.NewSizer(risk.DefaultConfig()),
	},
		ledger.WithClock(func() time.Time { return t0 }),
		ledger.WithIDGenerator(func() string { n++; return fmt.Sprintf("tx-%d", n) }),
	)
}

func openLong(t *testing.T, l *ledger.Ledger, symbol string, price, atr float64) ledger.Transaction {
	t.Helper()
	tx, err := l.Open(ledger.OpenRequest{Symbol: symbol, Side: risk.Long, Price: price, ATR: atr, Strategy: "ichimoku"})
	require.NoError(t, err)
	return tx
}

func TestOpen_Long(t *testing.T) {
	l := newLedger(5)
	tx := openLong(t, l, "BTC/USDT", 100, 2)

	assert.Equal(t, "tx-1", tx.ID)
	assert.Equal(t, ledger.TxBuy, tx.Type)
	assert.Equal(t, "BTC/USDT", tx.Symbol)
	assert.Equal(t, "ichimoku", tx.Strategy)
	assert.Nil(t, tx.PnL)
	assert.InDelta(t, 0.2997, tx.Amount, 1e-9)
	assert.InDelta(t, 970.0, tx.Portfolio["USDT"], 1e-9)
	assert.InDelta(t, 0.2997, tx.Portfolio["BTC"], 1e-9)

	pos, ok := l.Position("BTC")
	require.True(t, ok)
	assert.Equal(t, risk.Long, pos.Side)
	assert.InDelta(t, 96.0, pos.StopLoss, 1e-9)
	assert.InDelta(t, 97.0, pos.TrailingStop, 1e-9)
	assert.InDelta(t, 102.2, pos.TakeProfit1, 1e-9)
	assert.InDelta(t, 120.0, pos.TakeProfit2, 1e-9)
	assert.InDelta(t, 30.0, pos.CostBasis, 1e-9)
	assert.Equal(t, t0, pos.EntryTime)
	assert.Less(t, pos.StopLoss, pos.EntryPrice)
	assert.Less(t, pos.EntryPrice, pos.TakeProfit1)
	assert.LessOrEqual(t, pos.TakeProfit1, pos.TakeProfit2)

	assert.Equal(t, 1, l.Metrics().TotalTrades)
	assert.InDelta(t, 970+0.2997*100, l.Equity(), 1e-9)
}

func TestOpen_Short(t *testing.T) {
	l := newLedger(5)
	tx, err := l.Open(ledger.OpenRequest{Symbol: "ETH/USDT", Side: risk.Short, Price: 100, ATR: 2, Strategy: "breakout"})
	require.NoError(t, err)
	assert.Equal(t, ledger.TxShort, tx.Type)
	assert.InDelta(t, -0.2997, tx.Portfolio["ETH"], 1e-9)

	pos, ok := l.Position("ETH")
	require.True(t, ok)
	assert.Greater(t, pos.StopLoss, pos.EntryPrice)
	assert.Greater(t, pos.EntryPrice, pos.TakeProfit1)
	assert.GreaterOrEqual(t, pos.TakeProfit1, pos.TakeProfit2)
}

func TestOpen_OnePositionPerAsset(t *testing.T) {
	l := newLedger(5)
	openLong(t, l, "BTC/USDT", 100, 2)

	_, err := l.Open(ledger.OpenRequest{Symbol: "BTC/USDT", Side: risk.Short, Price: 100, ATR: 2})
	rej, ok := ledger.AsRejection(err)
	require.True(t, ok)
	assert.Equal(t, ledger.BlockPositionExists, rej.Reason)

	_, err = l.Open(ledger.OpenRequest{Symbol: "BTC/USDT", Side: risk.Long, Price: 100, ATR: 2})
	rej, _ = ledger.AsRejection(err)
	assert.Equal(t, ledger.BlockPositionExists, rej.Reason)

	assert.Len(t, l.History(0), 1)
}

func TestOpen_PositionCap(t *testing.T) {
	l := newLedger(1)
	openLong(t, l, "BTC/USDT", 100, 2)

	_, err := l.Open(ledger.OpenRequest{Symbol: "ETH/USDT", Side: risk.Long, Price: 50, ATR: 1})
	rej, ok := ledger.AsRejection(err)
	require.True(t, ok)
	assert.Equal(t, ledger.BlockTooManyPositions, rej.Reason)

	assert.Len(t, l.History(0), 1, "rejection records nothing")
	assert.Equal(t, 1, l.Metrics().TotalTrades)
	_, ok = l.Position("ETH")
	assert.False(t, ok)

	assert.Error(t, l.CanOpen("ETH"))
}

func TestOpen_Rejections(t *testing.T) {
	tests := []struct {
		name string
		req  ledger.OpenRequest
		want ledger.BlockReason
	}{
		{"zero atr", ledger.OpenRequest{Symbol: "BTC/USDT", Price: 100, ATR: 0}, ledger.BlockNoVolatility},
		{"bad price", ledger.OpenRequest{Symbol: "BTC/USDT", Price: 0, ATR: 2}, ledger.BlockInvalidPrice},
		{"below notional", ledger.OpenRequest{Symbol: "BTC/USDT", Price: 100, ATR: 2, RiskOverride: 0.5}, ledger.BlockBelowMinNotional},
		{"over balance", ledger.OpenRequest{Symbol: "BTC/USDT", Price: 100, ATR: 2, RiskOverride: 150}, ledger.BlockInsufficientBalance},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := newLedger(5).Open(tt.req)
			rej, ok := ledger.AsRejection(err)
			require.True(t, ok)
			assert.Equal(t, tt.want, rej.Reason)
		})
	}
}

func TestEvaluate_PartialTakeProfit(t *testing.T) {
	l := newLedger(5)
	openLong(t, l, "BTC/USDT", 100, 2)
	orig, _ := l.Position("BTC")

	txs := l.Evaluate("BTC", 103, 2)
	require.Len(t, txs, 1)
	assert.Equal(t, ledger.TxTP1, txs[0].Type)
	assert.InDelta(t, orig.OriginalQuantity/2, txs[0].Amount, 1e-12)
	require.NotNil(t, txs[0].PnL)
	assert.Greater(t, *txs[0].PnL, 0.0)

	pos, ok := l.Position("BTC")
	require.True(t, ok)
	assert.True(t, pos.TP1Filled)
	assert.InDelta(t, orig.OriginalQuantity/2, pos.Quantity, 1e-12)
	assert.InDelta(t, pos.OriginalQuantity, pos.SoldQuantity+pos.Quantity, 1e-12)
	assert.Equal(t, orig.StopLoss, pos.StopLoss)
	assert.InDelta(t, 100.0, pos.TrailingStop, 1e-9)
	assert.Equal(t, 1, l.Metrics().WinningTrades)
}

func TestEvaluate_Idempotent(t *testing.T) {
	l := newLedger(5)
	openLong(t, l, "BTC/USDT", 100, 2)
	require.Len(t, l.Evaluate("BTC", 103, 2), 1)

	before, _ := l.Position("BTC")
	snap := l.Snapshot()
	for i := 0; i < 3; i++ {
		assert.Empty(t, l.Evaluate("BTC", 103, 2))
	}
	after, _ := l.Position("BTC")
	assert.Equal(t, before, after)
	assert.Equal(t, snap, l.Snapshot())
	assert.Len(t, l.History(0), 2)
}

func TestEvaluate_TrailingStopBreach(t *testing.T) {
	l := newLedger(5)
	openLong(t, l, "BTC/USDT", 100, 2)

	txs := l.Evaluate("BTC", 110, 2)
	require.Len(t, txs, 1)
	assert.Equal(t, ledger.TxTP1, txs[0].Type)

	pos, _ := l.Position("BTC")
	assert.InDelta(t, 110.0, pos.BestPrice, 1e-9)
	assert.InDelta(t, 107.0, pos.TrailingStop, 1e-9)

	txs = l.Evaluate("BTC", 106.9, 2)
	require.Len(t, txs, 1)
	assert.Equal(t, ledger.TxTrailingStop, txs[0].Type)
	assert.InDelta(t, pos.Quantity, txs[0].Amount, 1e-12)

	_, ok := l.Position("BTC")
	assert.False(t, ok)
	assert.Equal(t, 0, l.OpenCount())
	assert.NotContains(t, txs[0].Portfolio, "BTC")
}

func TestEvaluate_TrailingStopNeverLoosens(t *testing.T) {
	l := newLedger(5)
	openLong(t, l, "BTC/USDT", 100, 2)

	prev := 97.0
	for _, step := range []struct{ price, atr float64 }{
		{101, 2}, {100.5, 2}, {101.5, 4}, {102, 0.5}, {101.9, 0.1},
	} {
		l.Evaluate("BTC", step.price, step.atr)
		pos, ok := l.Position("BTC")
		require.True(t, ok)
		assert.GreaterOrEqual(t, pos.TrailingStop, prev)
		prev = pos.TrailingStop
	}
}

func TestEvaluate_TakeProfit2ClosesRemainder(t *testing.T) {
	l := newLedger(5)
	openLong(t, l, "BTC/USDT", 100, 2)

	txs := l.Evaluate("BTC", 121, 2)
	require.Len(t, txs, 2)
	assert.Equal(t, ledger.TxTP1, txs[0].Type)
	assert.Equal(t, ledger.TxTP2, txs[1].Type)

	_, ok := l.Position("BTC")
	assert.False(t, ok)

	m := l.Metrics()
	assert.Equal(t, 2, m.WinningTrades)
	assert.Equal(t, 0, m.LosingTrades)
	assert.Greater(t, l.Equity(), 1000.0)
}

func TestEvaluate_ShortExits(t *testing.T) {
	l := newLedger(5)
	_, err := l.Open(ledger.OpenRequest{Symbol: "ETH/USDT", Side: risk.Short, Price: 100, ATR: 2})
	require.NoError(t, err)

	txs := l.Evaluate("ETH", 97, 2)
	require.Len(t, txs, 1)
	assert.Equal(t, ledger.TxCover1, txs[0].Type)
	assert.Greater(t, *txs[0].PnL, 0.0)

	pos, _ := l.Position("ETH")
	assert.InDelta(t, 100.0, pos.TrailingStop, 1e-9)

	l.Evaluate("ETH", 98, 2)
	pos, _ = l.Position("ETH")
	assert.InDelta(t, 100.0, pos.TrailingStop, 1e-9, "short trailing stop never rises")

	txs = l.Evaluate("ETH", 100.5, 2)
	require.Len(t, txs, 1)
	assert.Equal(t, ledger.TxTrailingStop, txs[0].Type)
	_, ok := l.Position("ETH")
	assert.False(t, ok)
}

func TestEvaluate_ShortStopLoss(t *testing.T) {
	l := newLedger(5)
	_, err := l.Open(ledger.OpenRequest{Symbol: "ETH/USDT", Side: risk.Short, Price: 100, ATR: 2})
	require.NoError(t, err)

	txs := l.Evaluate("ETH", 105, 2)
	require.Len(t, txs, 1)
	// The trailing level sits inside the hard stop, so it fires first.
	assert.Equal(t, ledger.TxTrailingStop, txs[0].Type)
	assert.Less(t, *txs[0].PnL, 0.0)
	assert.Equal(t, 1, l.Metrics().LosingTrades)
	assert.Less(t, l.Equity(), 1000.0)
}

func TestEvaluate_HardStopWhenTrailingIsWider(t *testing.T) {
	cfg := risk.DefaultConfig()
	cfg.TrailingATRMultiplier = 3
	l := ledger.New(ledger.Config{InitialCapital: 1000, MaxPositions: 5, Sizer: risk.NewSizer(cfg)})

	_, err := l.Open(ledger.OpenRequest{Symbol: "BTC/USDT", Side: risk.Long, Price: 100, ATR: 2})
	require.NoError(t, err)
	txs := l.Evaluate("BTC", 95, 2)
	require.Len(t, txs, 1)
	assert.Equal(t, ledger.TxStopLoss, txs[0].Type)

	_, err = l.Open(ledger.OpenRequest{Symbol: "ETH/USDT", Side: risk.Short, Price: 100, ATR: 2})
	require.NoError(t, err)
	txs = l.Evaluate("ETH", 105, 2)
	require.Len(t, txs, 1)
	assert.Equal(t, ledger.TxCoverSL, txs[0].Type)
}

func TestClose(t *testing.T) {
	l := newLedger(5)
	openLong(t, l, "BTC/USDT", 100, 2)
	_, err := l.Open(ledger.OpenRequest{Symbol: "ETH/USDT", Side: risk.Short, Price: 50, ATR: 1})
	require.NoError(t, err)

	tx, err := l.Close("BTC", 99, "operator")
	require.NoError(t, err)
	assert.Equal(t, ledger.TxSell, tx.Type)
	assert.Equal(t, "operator", tx.Reason)

	tx, err = l.Close("ETH", 49, "signal exit")
	require.NoError(t, err)
	assert.Equal(t, ledger.TxCover, tx.Type)

	_, err = l.Close("BTC", 99, "operator")
	assert.ErrorIs(t, err, ledger.ErrNoPosition)
	assert.Equal(t, 0, l.OpenCount())
}

func TestBalanceReconcilesWithHistory(t *testing.T) {
	l := newLedger(5)
	openLong(t, l, "BTC/USDT", 100, 2)
	l.Evaluate("BTC", 104, 2)
	_, err := l.Close("BTC", 101, "operator")
	require.NoError(t, err)

	// With everything flat, equity equals cost of entry plus realized P&L.
	var pnl float64
	for _, tx := range l.History(0) {
		if tx.PnL != nil {
			pnl += *tx.PnL
		}
	}
	assert.InDelta(t, 1000+pnl, l.Equity(), 1e-9)
	assert.InDelta(t, l.Equity(), l.Snapshot().Balance, 1e-9)
}

func TestEquity_MarksToMarket(t *testing.T) {
	l := newLedger(5)
	openLong(t, l, "BTC/USDT", 100, 2)
	_, err := l.Open(ledger.OpenRequest{Symbol: "ETH/USDT", Side: risk.Short, Price: 100, ATR: 2})
	require.NoError(t, err)

	base := l.Equity()
	long, _ := l.Position("BTC")
	short, _ := l.Position("ETH")
	l.Mark("BTC", 110)
	l.Mark("ETH", 110)
	assert.InDelta(t, base+10*long.Quantity-10*short.Quantity, l.Equity(), 1e-9)

	views := l.Positions()
	require.Len(t, views, 2)
	assert.Equal(t, "BTC", views[0].Asset)
	assert.Greater(t, views[0].UnrealizedPnL, 0.0)
	assert.Less(t, views[1].UnrealizedPnL, 0.0)
	assert.InDelta(t, 110.0, views[0].Mark, 1e-9)
}

func TestHistory_NewestFirst(t *testing.T) {
	l := newLedger(5)
	l.LoadHistory([]ledger.Transaction{{ID: "old", Type: ledger.TxBuy}})
	openLong(t, l, "BTC/USDT", 100, 2)
	openLong(t, l, "ETH/USDT", 50, 1)

	all := l.History(0)
	require.Len(t, all, 3)
	assert.Equal(t, "tx-2", all[0].ID)
	assert.Equal(t, "old", all[2].ID)

	assert.Len(t, l.History(1), 1)
	assert.Equal(t, 2, l.Metrics().TotalTrades)
}

func TestSetDrawdown_MaxNeverDecreases(t *testing.T) {
	l := newLedger(5)
	l.SetDrawdown(risk.Drawdown{Current: 5, Max: 5})
	l.SetDrawdown(risk.Drawdown{Current: 1, Max: 3})
	m := l.Metrics()
	assert.Equal(t, 1.0, m.CurrentDrawdown)
	assert.Equal(t, 5.0, m.MaxDrawdown)
}

func TestMetrics_WinRate(t *testing.T) {
	assert.Equal(t, 0.0, ledger.Metrics{}.WinRate())
	assert.Equal(t, 75.0, ledger.Metrics{WinningTrades: 3, LosingTrades: 1}.WinRate())
}

func TestOpen_ConcurrentEntriesNeverOverdraw(t *testing.T) {
	l := ledger.New(ledger.Config{InitialCapital: 100, MaxPositions: 50, Sizer: risk.NewSizer(risk.DefaultConfig())})

	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _ = l.Open(ledger.OpenRequest{
				Symbol: fmt.Sprintf("A%d/USDT", i), Side: risk.Long, Price: 10, ATR: 1, RiskOverride: 20,
			})
		}(i)
	}
	wg.Wait()

	assert.GreaterOrEqual(t, l.Snapshot().Balance, 0.0)
	assert.Equal(t, l.OpenCount(), l.Metrics().TotalTrades)
}

func TestAssetOf(t *testing.T) {
	assert.Equal(t, "BTC", ledger.AssetOf("BTC/USDT"))
	assert.Equal(t, "ETH", ledger.AssetOf("eth"))
}

func TestTxTypeIsEntry(t *testing.T) {
	assert.True(t, ledger.TxBuy.IsEntry())
	assert.True(t, ledger.TxShort.IsEntry())
	for _, typ := range []ledger.TxType{ledger.TxSell, ledger.TxTP1, ledger.TxTrailingStop, ledger.TxCover2, ledger.TxCoverSL} {
		assert.False(t, typ.IsEntry(), typ)
	}
}
