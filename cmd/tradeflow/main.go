package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"tradeflow/config"
	"tradeflow/executor"
	"tradeflow/internal/metrics"
	"tradeflow/logger"
	"tradeflow/market"
	"tradeflow/models"
	"tradeflow/portfolio"
	"tradeflow/repository"
	"tradeflow/risk"
	"tradeflow/strategy"
	"tradeflow/trader"
	"tradeflow/writer"
)

const defaultConfigPath = "config/config.yml"

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", "", "Path to configuration file")
	flag.Parse()

	path := config.ResolveConfigPath(*configPath, defaultConfigPath)
	cfg, err := config.LoadConfig(path)
	if err != nil {
		log.WithError(err).WithFields(logger.Fields{"path": path}).Error("Failed to load configuration")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	log.WithFields(logger.Fields{
		"service":     cfg.Tradeflow.Name,
		"version":     cfg.Tradeflow.Version,
		"environment": config.AppEnvironment(),
		"adapter":     cfg.Executor.Adapter,
	}).Info("starting tradeflow")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Metrics.CloudWatch.Enabled {
		logger.InitCloudWatch(cfg.Metrics.CloudWatch.Region, cfg.Metrics.CloudWatch.Namespace, cfg.Logging.DashboardName)
	}
	if cfg.Metrics.Report || strings.ToLower(cfg.Logging.Level) == "report" {
		logger.StartReport(ctx, log, cfg.Metrics.ReportInterval)
	}

	metrics.Init()
	var wg sync.WaitGroup
	if cfg.Metrics.PrometheusAddr != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := metrics.Serve(ctx, cfg.Metrics.PrometheusAddr); err != nil {
				log.WithError(err).Error("prometheus endpoint failed")
			}
		}()
	}

	repo, err := newRepository(cfg.Storage.Postgres)
	if err != nil {
		log.WithError(err).Error("failed to open repository")
		os.Exit(1)
	}
	defer repo.Close()

	feed := market.NewService()
	if cfg.Source.Binance.Enabled {
		feed.Register(market.NewBinanceProvider(cfg.Source.Binance))
	}
	if cfg.Source.Bybit.Enabled {
		feed.Register(market.NewBybitProvider(cfg.Source.Bybit))
	}
	if cfg.Source.Kucoin.Enabled {
		feed.Register(market.NewKucoinProvider(cfg.Source.Kucoin))
	}

	adapter := newAdapter(ctx, cfg, feed)
	exec := executor.NewExecutor(adapter, cfg.Executor)

	engine, err := strategy.NewEngineFromConfig(cfg.Strategies)
	if err != nil {
		log.WithError(err).Error("failed to build strategies")
		os.Exit(1)
	}

	riskCfg := risk.FromConfig(cfg.Risk)
	if err := riskCfg.Validate(); err != nil {
		log.WithError(err).Error("invalid risk configuration")
		os.Exit(1)
	}
	riskManager := risk.NewManager(riskCfg)

	loc, err := time.LoadLocation(cfg.Risk.ResetTimezone)
	if err != nil {
		log.WithError(err).WithFields(logger.Fields{"timezone": cfg.Risk.ResetTimezone}).Warn("unknown reset timezone, using UTC")
		loc = time.UTC
	}
	dailyReset := risk.NewDailyReset(riskManager, loc)

	journal, err := writer.NewJournal(cfg)
	if err != nil {
		log.WithError(err).Error("failed to create trade journal")
		os.Exit(1)
	}

	book := portfolio.NewBook(cfg.Trader.InitialCapital)
	t, err := trader.New(cfg.Trader, trader.Deps{
		Feed:     feed,
		Engine:   engine,
		Risk:     riskManager,
		Executor: exec,
		Repo:     repo,
		Book:     book,
		Journal:  journal,
	})
	if err != nil {
		log.WithError(err).Error("failed to create trader")
		os.Exit(1)
	}
	if err := t.Restore(ctx); err != nil {
		log.WithError(err).Error("failed to restore positions")
		os.Exit(1)
	}

	if err := dailyReset.Start(ctx); err != nil {
		log.WithError(err).Warn("daily reset failed to start")
	}
	if err := journal.Start(ctx); err != nil {
		log.WithError(err).Warn("journal failed to start")
	}
	if err := t.Start(ctx); err != nil {
		log.WithError(err).Error("trader failed to start")
		os.Exit(1)
	}
	log.Info("all components started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received")

	log.Info("starting graceful shutdown")
	cancel()

	done := make(chan struct{})
	go func() {
		log.Info("stopping trader")
		t.Stop()
		log.Info("stopping journal")
		journal.Stop()
		log.Info("stopping daily reset")
		dailyReset.Stop()
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info("graceful shutdown completed")
	case <-time.After(30 * time.Second):
		log.Warn("graceful shutdown timeout exceeded")
	}

	log.WithFields(logger.Fields{
		"portfolio_value": book.Value(),
		"daily_pnl":       riskManager.DailyPnL(),
	}).Info("tradeflow stopped")
}

func newRepository(cfg config.PostgresConfig) (repository.Repository, error) {
	if !cfg.Enabled {
		logger.GetLogger().WithComponent("main").Info("postgres disabled; using in-memory repository")
		return repository.NewMemory(), nil
	}
	return repository.NewPostgres(repository.OptionFromConfig(cfg))
}

// newAdapter picks the venue named by executor.adapter. Paper fills use the
// live ticker of the configured market feed.
func newAdapter(ctx context.Context, cfg *config.Config, feed *market.Service) executor.Adapter {
	switch cfg.Executor.Adapter {
	case executor.BinanceAdapterName:
		return executor.NewBinanceAdapter(cfg.Source.Binance)
	default:
		return executor.NewPaperAdapter(func(symbol models.Symbol) (float64, bool) {
			tctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			tk, err := feed.FetchTicker(tctx, symbol)
			if err != nil {
				return 0, false
			}
			return tk.Price, true
		})
	}
}
