package telegram_test

import (
	"errors"
	"strings"
	"testing"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/camuig/kumo-trader/internal/config"
	"github.com/camuig/kumo-trader/internal/ledger"
	"github.com/camuig/kumo-trader/internal/logger"
	"github.com/camuig/kumo-trader/internal/risk"
	"github.com/camuig/kumo-trader/internal/scheduler"
	"github.com/camuig/kumo-trader/internal/telegram"
)

type fakeBot struct {
	sent []tgbotapi.MessageConfig
	err  error
}

func (f *fakeBot) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	if msg, ok := c.(tgbotapi.MessageConfig); ok {
		f.sent = append(f.sent, msg)
	}
	return tgbotapi.Message{}, f.err
}

func TestRecord(t *testing.T) {
	bot := &fakeBot{}
	n := telegram.NewNotifierWithSender(bot, 42, logger.Discard())

	pnl := 1.5
	n.Record(ledger.Transaction{Symbol: "BTC/USDT", Type: ledger.TxBuy, Amount: 0.3, Price: 100, Strategy: "ichimoku"})
	n.Record(ledger.Transaction{Symbol: "BTC/USDT", Type: ledger.TxTP1, Amount: 0.15, Price: 103, PnL: &pnl})

	require.Len(t, bot.sent, 2)
	assert.Equal(t, int64(42), bot.sent[0].ChatID)
	assert.Equal(t, tgbotapi.ModeMarkdown, bot.sent[0].ParseMode)
	assert.Contains(t, bot.sent[0].Text, "`BUY` BTC/USDT")
	assert.Contains(t, bot.sent[0].Text, "Strategy: ichimoku")
	assert.Contains(t, bot.sent[1].Text, "💰 `TP1`")
	assert.Contains(t, bot.sent[1].Text, "P&L: 1.50 USDT")
}

func TestFormatTransaction_Loss(t *testing.T) {
	pnl := -3.25
	text := telegram.FormatTransaction(ledger.Transaction{Symbol: "ETH/USDT", Type: ledger.TxCoverSL, PnL: &pnl})
	assert.Contains(t, text, "🔴 `COVER_SL` ETH/USDT")
	assert.Contains(t, text, "P&L: -3.25 USDT")
}

func TestFormatTransaction_UnderscoreTypesStayInCodeSpans(t *testing.T) {
	pnl := -2.0
	for _, typ := range []ledger.TxType{ledger.TxTrailingStop, ledger.TxStopLoss, ledger.TxCoverSL} {
		text := telegram.FormatTransaction(ledger.Transaction{Symbol: "BTC/USDT", Type: typ, PnL: &pnl})
		assert.Contains(t, text, "`"+string(typ)+"`")
		assert.NotContains(t, text, "*"+string(typ)+"*")

		// Outside code spans no unescaped underscore may open an italic entity.
		outside := strings.Replace(text, "`"+string(typ)+"`", "", 1)
		assert.NotContains(t, strings.ReplaceAll(outside, `\_`, ""), "_", typ)
	}
}

func TestFormatTransaction_EscapesStrategy(t *testing.T) {
	text := telegram.FormatTransaction(ledger.Transaction{Symbol: "BTC/USDT", Type: ledger.TxBuy, Strategy: "cloud_v2"})
	assert.Contains(t, text, `Strategy: cloud\_v2`)
}

func TestReportCycle_NotifiesOncePerErrorSummary(t *testing.T) {
	bot := &fakeBot{}
	n := telegram.NewNotifierWithSender(bot, 1, logger.Discard())

	failing := scheduler.CycleReport{Cycle: 1, Errors: 1, ErrorSummary: "ETH/USDT: fetch 1h candles: timeout"}
	n.ReportCycle(failing)
	failing.Cycle = 2
	n.ReportCycle(failing)
	require.Len(t, bot.sent, 1)
	assert.Contains(t, bot.sent[0].Text, "cycle 1")
	assert.Contains(t, bot.sent[0].Text, "ETH/USDT: fetch 1h candles: timeout")

	n.ReportCycle(scheduler.CycleReport{Cycle: 3})
	n.ReportCycle(scheduler.CycleReport{Cycle: 4, Errors: 1, ErrorSummary: failing.ErrorSummary})
	assert.Len(t, bot.sent, 2)
}

func TestNotifyHalt(t *testing.T) {
	bot := &fakeBot{err: errors.New("network")}
	n := telegram.NewNotifierWithSender(bot, 1, logger.Discard())

	n.NotifyHalt(risk.Drawdown{Current: 21.06, Limit: 20}, risk.ErrDrawdownBreached)
	require.Len(t, bot.sent, 1)
	assert.Contains(t, bot.sent[0].Text, "Drawdown: 21.06% (limit 20.00%)")
}

func TestDisabledNotifierSendsNothing(t *testing.T) {
	n := telegram.NewNotifier(config.TelegramConfig{Enabled: false}, logger.Discard())
	assert.False(t, n.Enabled())
	n.NotifyStatus("hello")
	n.Record(ledger.Transaction{Type: ledger.TxBuy})
}
