package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/camuig/coinfolio/internal/config"
	"github.com/camuig/coinfolio/internal/currency"
	"github.com/camuig/coinfolio/internal/logger"
	"github.com/camuig/coinfolio/internal/market"
	"github.com/camuig/coinfolio/internal/notify"
	"github.com/camuig/coinfolio/internal/storage"
	"github.com/camuig/coinfolio/internal/valuation"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	userID := flag.Uint("user", 0, "user id (default: portfolio.default_user_id)")
	display := flag.String("currency", "", "display currency (default: portfolio.default_currency)")
	refreshFX := flag.Bool("refresh-fx", false, "fetch live exchange rates before printing")
	refreshPrices := flag.Bool("refresh-prices", false, "fetch live prices and revalue positions before printing")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(cfg.Logging.Level)

	owner := cfg.Portfolio.DefaultUserID
	if *userID != 0 {
		owner = uint(*userID)
	}
	cur := cfg.Portfolio.DefaultCurrency
	if *display != "" {
		cur = strings.ToUpper(*display)
	}
	if !config.IsSupportedCurrency(cur) {
		fmt.Fprintf(os.Stderr, "unsupported currency %q (supported: %s)\n", cur, strings.Join(config.SupportedCurrencies, ", "))
		os.Exit(1)
	}

	db, err := storage.NewDatabase(cfg.Database)
	if err != nil {
		fmt.Fprintf(os.Stderr, "database init error: %v\n", err)
		os.Exit(1)
	}
	repo := storage.NewRepository(db)

	ctx := context.Background()
	rates := currency.NewProvider(
		currency.NewClient(cfg.FX.BaseURL, cfg.FXTimeout(), log),
		repo, cfg.FXCacheDuration(), log,
	)
	if *refreshFX {
		rates.Refresh(ctx)
	} else {
		rates.EnsureInitialized(ctx)
	}
	values := valuation.NewEngine(rates, repo, log)

	positions, err := repo.ListPositions(ctx, owner)
	if err != nil {
		fmt.Fprintf(os.Stderr, "list positions error: %v\n", err)
		os.Exit(1)
	}
	if len(positions) == 0 {
		fmt.Printf("No positions for user %d.\n", owner)
		return
	}

	if *refreshPrices {
		prices := market.NewProvider(
			market.NewClient(cfg.Binance.BaseURL, cfg.BinanceTimeout()),
			nil, 0, cfg.Binance.Concurrency, log,
		)
		symbols := make([]string, 0, len(positions))
		for _, p := range positions {
			symbols = append(symbols, p.Symbol)
		}
		quotes := prices.CurrentPrices(ctx, symbols)
		for i := range positions {
			price, ok := quotes[positions[i].Symbol]
			if !ok {
				fmt.Fprintf(os.Stderr, "  [WARN] no price for %s, showing last valuation\n", positions[i].Symbol)
				continue
			}
			values.Revalue(ctx, &positions[i], price)
			if err := repo.UpdateValuation(ctx, &positions[i]); err != nil {
				fmt.Fprintf(os.Stderr, "  [WARN] %s: save valuation: %v\n", positions[i].Symbol, err)
			}
		}
	}

	source, _ := rates.Source()
	fmt.Printf("Portfolio of user %d in %s (rates: %s):\n\n", owner, cur, source)
	for _, p := range values.ProjectAll(ctx, positions, cur) {
		fmt.Printf("  #%-4d %-6s %14.8f  value %16s  invested %16s  P&L %16s (%+.2f%%)\n",
			p.ID, p.Symbol, p.Amount,
			notify.FormatMoney(p.CurrentValue, cur),
			notify.FormatMoney(p.CostBasis, cur),
			notify.FormatMoney(p.PnL, cur),
			p.PnLPercent)
	}

	s := values.Summarize(ctx, positions, cur)
	fmt.Printf("\nTotal: %s invested, %s value, P&L %s (%+.2f%%) across %d position(s).\n",
		notify.FormatMoney(s.TotalInvested, cur),
		notify.FormatMoney(s.TotalValue, cur),
		notify.FormatMoney(s.TotalPnL, cur),
		s.TotalPnLPercent, s.ItemCount)
}
