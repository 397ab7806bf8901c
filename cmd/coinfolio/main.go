package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/camuig/coinfolio/internal/alerts"
	"github.com/camuig/coinfolio/internal/cache"
	"github.com/camuig/coinfolio/internal/config"
	"github.com/camuig/coinfolio/internal/currency"
	"github.com/camuig/coinfolio/internal/logger"
	"github.com/camuig/coinfolio/internal/market"
	"github.com/camuig/coinfolio/internal/notify"
	"github.com/camuig/coinfolio/internal/realtime"
	"github.com/camuig/coinfolio/internal/scheduler"
	"github.com/camuig/coinfolio/internal/storage"
	"github.com/camuig/coinfolio/internal/telegram"
	"github.com/camuig/coinfolio/internal/valuation"
	"github.com/camuig/coinfolio/internal/web"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	// Load config
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}

	// Init logger
	log := logger.New(cfg.Logging.Level)
	log.Info("starting coinfolio", "db_driver", cfg.Database.Driver, "redis", cfg.Redis.Enabled)

	// Init database
	db, err := storage.NewDatabase(cfg.Database)
	if err != nil {
		log.Error("database init failed", "error", err)
		os.Exit(1)
	}
	repo := storage.NewRepository(db)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if _, err := repo.EnsureUser(ctx, cfg.Portfolio.DefaultUserID); err != nil {
		log.Error("default user init failed", "error", err)
		os.Exit(1)
	}

	// Init cache; Redis is optional and failures fall back to memory
	rdb := cache.NewRedisClient(cfg.Redis)
	if rdb != nil {
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Warn("redis unreachable, using memory cache only until it recovers", "addr", cfg.Redis.Addr, "error", err)
		}
	}
	c := cache.New(rdb, log)

	// Init services
	rates := currency.NewProvider(
		currency.NewClient(cfg.FX.BaseURL, cfg.FXTimeout(), log),
		repo, cfg.FXCacheDuration(), log,
	)
	rates.EnsureInitialized(ctx)

	prices := market.NewProvider(
		market.NewClient(cfg.Binance.BaseURL, cfg.BinanceTimeout()),
		c, cfg.PriceCacheTTL(), cfg.Binance.Concurrency, log,
	)

	values := valuation.NewEngine(rates, repo, log)
	alertEngine := alerts.NewEngine(repo, values, log)
	notifier := telegram.NewNotifier(cfg.Telegram, log)
	hub := realtime.NewHub(log)
	dispatcher := notify.NewDispatcher(repo, notifier, hub, log)

	sched := scheduler.New(scheduler.Deps{
		Symbols:   repo,
		Prices:    prices,
		Valuation: values,
		Alerts:    alertEngine,
		Notifier:  dispatcher,
		Rates:     rates,
		Hub:       hub,
		Cache:     c,
		Errors:    notifier,
	}, cfg.PriceInterval(), cfg.FXRefreshInterval(), log)

	webServer := web.NewServer(web.Deps{
		Repo:      repo,
		Valuation: values,
		Rates:     rates,
		Prices:    prices,
		Cache:     c,
		Hub:       hub,
		Ticks:     sched,
	}, cfg, log)

	// Start scheduler in goroutine
	schedDone := make(chan struct{})
	go func() {
		defer close(schedDone)
		if err := sched.Run(ctx); err != nil {
			log.Error("scheduler error", "error", err)
		}
	}()

	// Start web server in goroutine
	go func() {
		if err := webServer.Start(); err != nil {
			log.Error("web server error", "error", err)
		}
	}()

	notifier.NotifyStatus("🚀 Coinfolio started")

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info("shutdown signal received", "signal", sig.String())

	// Graceful shutdown
	cancel()
	<-schedDone

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	hub.Close()
	if err := webServer.Shutdown(shutdownCtx); err != nil {
		log.Error("web server shutdown error", "error", err)
	}

	notifier.NotifyStatus("🛑 Coinfolio stopped")
	log.Info("coinfolio stopped")
}
