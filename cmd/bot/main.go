package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/camuig/kumo-trader/internal/config"
	"github.com/camuig/kumo-trader/internal/executor"
	"github.com/camuig/kumo-trader/internal/indicator"
	"github.com/camuig/kumo-trader/internal/ledger"
	"github.com/camuig/kumo-trader/internal/logger"
	"github.com/camuig/kumo-trader/internal/market"
	"github.com/camuig/kumo-trader/internal/metrics"
	"github.com/camuig/kumo-trader/internal/risk"
	"github.com/camuig/kumo-trader/internal/scheduler"
	"github.com/camuig/kumo-trader/internal/storage"
	"github.com/camuig/kumo-trader/internal/telegram"
	"github.com/camuig/kumo-trader/internal/web"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	log.Info("starting kumo-trader",
		"mode", "PAPER",
		"symbols", cfg.Trading.Symbols,
		"interval", cfg.Trading.Interval,
		"initial_capital", cfg.Trading.InitialCapital,
		"max_positions", cfg.Trading.MaxPositions,
		"risk_percent", cfg.Risk.RiskPercent,
		"max_drawdown", cfg.Risk.MaxDrawdown,
	)

	db, err := storage.NewDatabase(cfg.Storage.DBPath)
	if err != nil {
		log.Error("database init failed", "error", err)
		os.Exit(1)
	}
	repo := storage.NewRepository(db, log.Named("storage"))

	journal, err := storage.OpenJournal(cfg.Storage.JournalPath, log.Named("journal"))
	if err != nil {
		log.Error("journal open failed", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client := market.NewClient(market.Config{
		BaseURL:       cfg.Exchange.BaseURL,
		Timeout:       cfg.RequestTimeout(),
		RequestDelay:  cfg.RateLimit(),
		RetryAttempts: cfg.API.RetryAttempts,
		RetryDelay:    cfg.RetryDelay(),
		RetryMaxDelay: cfg.RetryMaxDelay(),
	}, log.Named("market"))

	book := ledger.New(ledger.Config{
		QuoteCurrency:  config.QuoteCurrency,
		InitialCapital: cfg.Trading.InitialCapital,
		MaxPositions:   cfg.Trading.MaxPositions,
		Sizer:          risk.NewSizer(risk.ConfigFrom(cfg)),
	})

	// Previous runs are shown on the dashboard only; balances start fresh.
	history, skipped, err := storage.ReadJournal(cfg.Storage.JournalPath)
	if err != nil {
		log.Warn("journal read failed", "error", err)
	}
	if skipped > 0 {
		log.Warn("skipped malformed journal lines", "count", skipped)
	}
	book.LoadHistory(history)

	notifier := telegram.NewNotifier(cfg.Telegram, log.Named("telegram"))
	collectors := metrics.New(prometheus.DefaultRegisterer)

	exec := executor.NewExecutor(client, book, executor.Config{
		MaxSpreadPercent: cfg.Validation.MaxSpreadPercent,
		MinVolume:        cfg.Validation.MinVolume,
	}, log.Named("executor"))

	guard := risk.NewGuard(cfg.Trading.InitialCapital, cfg.Risk.MaxDrawdown)

	sched := scheduler.NewScheduler(client, indicator.Talib{}, book, exec, guard,
		scheduler.ConfigFrom(cfg), log.Named("scheduler"),
		scheduler.WithSink(journal),
		scheduler.WithSink(repo),
		scheduler.WithSink(collectors),
		scheduler.WithSink(notifier),
		scheduler.WithReporter(repo),
		scheduler.WithReporter(collectors),
		scheduler.WithReporter(notifier),
		scheduler.WithHaltHandler(notifier.NotifyHalt),
	)

	webServer, err := web.NewServer(ctx, sched, book, web.Options{
		Port:        cfg.Web.Port,
		JournalPath: cfg.Storage.JournalPath,
		Gatherer:    prometheus.DefaultGatherer,
		Store:       repo,
	}, log.Named("web"))
	if err != nil {
		log.Error("web server init failed", "error", err)
		os.Exit(1)
	}

	sched.Start(ctx)

	go func() {
		if err := webServer.Start(); err != nil {
			log.Error("web server error", "error", err)
		}
	}()

	notifier.NotifyStatus(fmt.Sprintf("🤖 Kumo-Trader started (paper, %d symbols)", len(cfg.Trading.Symbols)))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info("shutdown signal received", "signal", sig.String())

	sched.Stop()
	sched.Wait()
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := webServer.Shutdown(shutdownCtx); err != nil {
		log.Error("web server shutdown error", "error", err)
	}

	if err := storage.ExportCSV(cfg.Storage.CSVPath, oldestFirst(book.History(0))); err != nil {
		log.Error("csv export failed", "error", err)
	} else {
		log.Info("results exported", "path", cfg.Storage.CSVPath)
	}

	if err := journal.Close(); err != nil {
		log.Error("journal close error", "error", err)
	}

	snap := book.Snapshot()
	m := book.Metrics()
	log.Info("kumo-trader stopped",
		"equity", snap.Equity,
		"balance", snap.Balance,
		"open_positions", snap.OpenPositions,
		"trades", m.TotalTrades,
		"win_rate", m.WinRate(),
		"max_drawdown", m.MaxDrawdown,
	)
	notifier.NotifyStatus(fmt.Sprintf("🛑 Kumo-Trader stopped\nEquity: %.2f %s", snap.Equity, snap.Quote))
}

func oldestFirst(txs []ledger.Transaction) []ledger.Transaction {
	for i, j := 0, len(txs)-1; i < j; i, j = i+1, j-1 {
		txs[i], txs[j] = txs[j], txs[i]
	}
	return txs
}
