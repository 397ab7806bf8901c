package market

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/camuig/coinfolio/internal/cache"
	"github.com/camuig/coinfolio/internal/logger"
)

type PriceFetcher interface {
	FetchPrice(ctx context.Context, symbol string) (float64, error)
}

type Provider struct {
	fetcher     PriceFetcher
	cache       *cache.Cache
	ttl         time.Duration
	concurrency int
	logger      *logger.Logger
}

func NewProvider(fetcher PriceFetcher, c *cache.Cache, ttl time.Duration, concurrency int, log *logger.Logger) *Provider {
	if concurrency <= 0 {
		concurrency = 10
	}
	return &Provider{
		fetcher:     fetcher,
		cache:       c,
		ttl:         ttl,
		concurrency: concurrency,
		logger:      log.With("component", "market"),
	}
}

// CurrentPrices returns USD prices for the symbols it could fetch. Failed or timed-out
// symbols are left out; an empty result means no fresh data this tick.
func (p *Provider) CurrentPrices(ctx context.Context, symbols []string) map[string]float64 {
	normalized := normalizeSymbols(symbols)
	if len(normalized) == 0 {
		return map[string]float64{}
	}

	key := "prices:" + strings.Join(normalized, ",")
	var cached map[string]float64
	if p.cache != nil && p.cache.Get(ctx, key, &cached) {
		return cached
	}

	var (
		mu     sync.Mutex
		prices = make(map[string]float64, len(normalized))
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.concurrency)

	for _, symbol := range normalized {
		symbol := symbol
		if symbol == QuoteAsset {
			mu.Lock()
			prices[symbol] = 1.0
			mu.Unlock()
			continue
		}

		g.Go(func() error {
			price, err := p.fetcher.FetchPrice(gctx, symbol)
			if err != nil {
				p.logger.Warn("price fetch failed", "symbol", symbol, "error", err)
				return nil
			}
			mu.Lock()
			prices[symbol] = price
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	if len(prices) == 0 {
		p.logger.Warn("no prices fetched", "symbols", len(normalized))
		return prices
	}

	if p.cache != nil {
		p.cache.Set(ctx, key, prices, p.ttl)
	}
	p.logger.Debug("prices fetched", "requested", len(normalized), "received", len(prices))
	return prices
}

func normalizeSymbols(symbols []string) []string {
	seen := make(map[string]struct{}, len(symbols))
	out := make([]string, 0, len(symbols))
	for _, s := range symbols {
		s = strings.ToUpper(strings.TrimSpace(s))
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
