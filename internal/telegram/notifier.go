package telegram

import (
	"errors"
	"fmt"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/camuig/kumo-trader/internal/config"
	"github.com/camuig/kumo-trader/internal/ledger"
	"github.com/camuig/kumo-trader/internal/logger"
	"github.com/camuig/kumo-trader/internal/risk"
	"github.com/camuig/kumo-trader/internal/scheduler"
)

type sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

type Notifier struct {
	bot     sender
	chatID  int64
	enabled bool
	logger  *logger.Logger

	mu         sync.Mutex
	lastErrors string
}

func NewNotifier(cfg config.TelegramConfig, log *logger.Logger) *Notifier {
	if !cfg.Enabled {
		return &Notifier{enabled: false, logger: log}
	}

	bot, err := tgbotapi.NewBotAPI(cfg.BotToken)
	if err != nil {
		log.Error("failed to create telegram bot", "error", err)
		return &Notifier{enabled: false, logger: log}
	}

	log.Info("telegram bot connected", "username", bot.Self.UserName)
	return NewNotifierWithSender(bot, cfg.ChatID, log)
}

// NewNotifierWithSender builds an enabled notifier around any bot client.
func NewNotifierWithSender(bot sender, chatID int64, log *logger.Logger) *Notifier {
	return &Notifier{
		bot:     bot,
		chatID:  chatID,
		enabled: true,
		logger:  log,
	}
}

func (n *Notifier) Enabled() bool { return n.enabled }

// Record sends one message per ledger transaction.
func (n *Notifier) Record(tx ledger.Transaction) {
	n.send(FormatTransaction(tx))
}

// NotifyHalt matches scheduler.HaltHandler.
func (n *Notifier) NotifyHalt(dd risk.Drawdown, err error) {
	msg := fmt.Sprintf("⛔ *Trading halted*\nDrawdown: %.2f%% (limit %.2f%%)\n%s", dd.Current, dd.Limit, escape(err.Error()))
	n.send(msg)
}

func (n *Notifier) NotifyError(context string, err error) {
	msg := fmt.Sprintf("⚠️ *Error* \\[%s]\n%s", escape(context), escape(err.Error()))
	n.send(msg)
}

func (n *Notifier) NotifyStatus(message string) {
	n.send(escape(message))
}

// ReportCycle reports symbol failures once per distinct error summary, so a
// symbol that keeps failing does not repeat the same message every cycle.
func (n *Notifier) ReportCycle(r scheduler.CycleReport) {
	n.mu.Lock()
	changed := r.ErrorSummary != n.lastErrors
	n.lastErrors = r.ErrorSummary
	n.mu.Unlock()

	if changed && r.ErrorSummary != "" {
		n.NotifyError(fmt.Sprintf("cycle %d", r.Cycle), errors.New(r.ErrorSummary))
	}
}

// FormatTransaction renders tx in Telegram's legacy Markdown. The type sits
// in a code span since several types contain underscores.
func FormatTransaction(tx ledger.Transaction) string {
	if tx.Type.IsEntry() {
		emoji := "🟢"
		if tx.Type == ledger.TxShort {
			emoji = "🔻"
		}
		return fmt.Sprintf("%s `%s` %s\nPrice: %.6f\nAmount: %.6f\nStrategy: %s",
			emoji, tx.Type, escape(tx.Symbol), tx.Price, tx.Amount, escape(tx.Strategy))
	}

	pnl := 0.0
	if tx.PnL != nil {
		pnl = *tx.PnL
	}
	emoji := "🔴"
	if pnl > 0 {
		emoji = "💰"
	}
	return fmt.Sprintf("%s `%s` %s\nPrice: %.6f\nAmount: %.6f\nP&L: %.2f USDT",
		emoji, tx.Type, escape(tx.Symbol), tx.Price, tx.Amount, pnl)
}

func escape(s string) string {
	return tgbotapi.EscapeText(tgbotapi.ModeMarkdown, s)
}

func (n *Notifier) send(text string) {
	if !n.enabled {
		return
	}

	msg := tgbotapi.NewMessage(n.chatID, text)
	msg.ParseMode = tgbotapi.ModeMarkdown

	if _, err := n.bot.Send(msg); err != nil {
		n.logger.Error("send telegram message", "error", err)
	}
}
