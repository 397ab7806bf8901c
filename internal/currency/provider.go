// Package currency owns the process-wide FX rate snapshot and every cross-currency conversion.
// All rates are expressed as units of a currency per 1 USD; conversions pivot through USD.
package currency

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/camuig/coinfolio/internal/logger"
)

const Pivot = "USD"

// retryBackoff keeps a failed refresh from being retried by every conversion during an outage.
const retryBackoff = time.Minute

// Source tells callers where the current rates came from.
type Source string

const (
	SourceNone     Source = ""
	SourceLive     Source = "live"
	SourceStored   Source = "stored"
	SourceFallback Source = "fallback"
)

// FallbackRates is the last-resort table used when neither the API nor the database has rates.
var FallbackRates = map[string]float64{
	"USD": 1.0,
	"EUR": 0.92,
	"CZK": 23.0,
}

// RateStore persists the rate snapshot.
type RateStore interface {
	ReplaceFxRates(ctx context.Context, rates map[string]float64, ts time.Time) error
	LoadFxRates(ctx context.Context) (map[string]float64, time.Time, error)
}

// RateFetcher fetches rates relative to a base currency.
type RateFetcher interface {
	FetchLatest(ctx context.Context, base string) (map[string]float64, error)
}

type Provider struct {
	fetcher       RateFetcher
	store         RateStore
	cacheDuration time.Duration
	logger        *logger.Logger
	now           func() time.Time

	refreshMu sync.Mutex

	mu         sync.RWMutex
	rates      map[string]float64
	fetchedAt  time.Time
	retryAfter time.Time
	source     Source
}

// NewProvider wires the rate provider. store may be nil.
func NewProvider(fetcher RateFetcher, store RateStore, cacheDuration time.Duration, log *logger.Logger) *Provider {
	return &Provider{
		fetcher:       fetcher,
		store:         store,
		cacheDuration: cacheDuration,
		logger:        log.With("component", "currency"),
		now:           time.Now,
		rates:         make(map[string]float64),
	}
}

// Rates returns the current rate map, refreshing it first when it is older than the cache duration.
// It never fails: the worst case is the static fallback table.
func (p *Provider) Rates(ctx context.Context) (map[string]float64, Source) {
	if rates, source, ok := p.fresh(); ok {
		return rates, source
	}

	p.refreshMu.Lock()
	defer p.refreshMu.Unlock()

	// another caller may have refreshed while we waited
	if rates, source, ok := p.fresh(); ok {
		return rates, source
	}
	if stored, ts, ok := p.loadStored(ctx); ok && p.now().Sub(ts) < p.cacheDuration {
		p.set(stored, ts, SourceStored)
		return copyRates(stored), SourceStored
	}
	return p.refreshLocked(ctx)
}

// Refresh fetches new rates unconditionally. Used by the FX loop and POST /currency/refresh.
func (p *Provider) Refresh(ctx context.Context) (map[string]float64, Source) {
	p.refreshMu.Lock()
	defer p.refreshMu.Unlock()
	return p.refreshLocked(ctx)
}

// EnsureInitialized loads the persisted snapshot, or the fallback table, when no rates are in memory.
// It does not call the rate API.
func (p *Provider) EnsureInitialized(ctx context.Context) {
	p.mu.RLock()
	empty := len(p.rates) == 0
	p.mu.RUnlock()
	if !empty {
		return
	}

	p.refreshMu.Lock()
	defer p.refreshMu.Unlock()

	p.mu.RLock()
	empty = len(p.rates) == 0
	p.mu.RUnlock()
	if !empty {
		return
	}

	if rates, ts, ok := p.loadStored(ctx); ok {
		p.set(rates, ts, SourceStored)
		return
	}
	p.set(copyRates(FallbackRates), time.Time{}, SourceFallback)
}

// Convert converts amount between currencies through the USD pivot, rounded to 8 decimals.
// Identical currencies return amount untouched. Unusable rates return amount unconverted.
func (p *Provider) Convert(ctx context.Context, amount float64, from, to string) float64 {
	if from == to || math.IsNaN(amount) || math.IsInf(amount, 0) {
		return amount
	}

	rates, _ := p.Rates(ctx)
	fromRate := p.rateFor(rates, from)
	toRate := p.rateFor(rates, to)

	if fromRate <= 0 || toRate <= 0 || math.IsNaN(fromRate) || math.IsNaN(toRate) {
		p.logger.Warn("conversion failed, returning original amount",
			"amount", amount, "from", from, "to", to, "from_rate", fromRate, "to_rate", toRate)
		return amount
	}

	result := decimal.NewFromFloat(amount).
		Div(decimal.NewFromFloat(fromRate)).
		Mul(decimal.NewFromFloat(toRate))
	return Round(result.InexactFloat64())
}

// Source reports where the in-memory rates came from and when they were fetched.
func (p *Provider) Source() (Source, time.Time) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.source, p.fetchedAt
}

func (p *Provider) rateFor(rates map[string]float64, code string) float64 {
	if code == Pivot {
		return 1.0
	}
	if rate, ok := rates[code]; ok {
		return rate
	}
	if rate, ok := FallbackRates[code]; ok {
		p.logger.Error("rate missing, using fallback", "currency", code, "rate", rate)
		return rate
	}
	p.logger.Error("rate missing, assuming parity with USD", "currency", code)
	return 1.0
}

func (p *Provider) fresh() (map[string]float64, Source, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if len(p.rates) == 0 {
		return nil, SourceNone, false
	}
	now := p.now()
	if p.source != SourceFallback && !p.fetchedAt.IsZero() && now.Sub(p.fetchedAt) < p.cacheDuration {
		return copyRates(p.rates), p.source, true
	}
	if now.Before(p.retryAfter) {
		return copyRates(p.rates), p.source, true
	}
	return nil, SourceNone, false
}

func (p *Provider) refreshLocked(ctx context.Context) (map[string]float64, Source) {
	now := p.now()

	rates, err := p.fetcher.FetchLatest(ctx, Pivot)
	if err == nil {
		rates[Pivot] = 1.0
		if p.store != nil {
			if err := p.store.ReplaceFxRates(ctx, rates, now); err != nil {
				p.logger.Error("persist fx rates", "error", err)
			}
		}
		p.set(rates, now, SourceLive)
		p.logger.Info("fx rates refreshed", "count", len(rates))
		return copyRates(rates), SourceLive
	}

	p.logger.Warn("fx rate fetch failed", "error", err)

	p.mu.Lock()
	p.retryAfter = now.Add(retryBackoff)
	p.mu.Unlock()

	if stored, ts, ok := p.loadStored(ctx); ok {
		p.logger.Warn("using persisted fx rates", "age", now.Sub(ts).String())
		p.set(stored, ts, SourceStored)
		return copyRates(stored), SourceStored
	}

	p.logger.Warn("using static fallback fx rates")
	p.set(copyRates(FallbackRates), time.Time{}, SourceFallback)
	return copyRates(FallbackRates), SourceFallback
}

func (p *Provider) loadStored(ctx context.Context) (map[string]float64, time.Time, bool) {
	if p.store == nil {
		return nil, time.Time{}, false
	}
	rates, ts, err := p.store.LoadFxRates(ctx)
	if err != nil {
		p.logger.Error("load persisted fx rates", "error", err)
		return nil, time.Time{}, false
	}
	if len(rates) == 0 {
		return nil, time.Time{}, false
	}
	rates[Pivot] = 1.0
	return rates, ts, true
}

func (p *Provider) set(rates map[string]float64, ts time.Time, source Source) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rates = rates
	p.fetchedAt = ts
	p.source = source
}

func copyRates(in map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// Round rounds a monetary value to 8 decimal places.
func Round(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return v
	}
	return decimal.NewFromFloat(v).Round(8).InexactFloat64()
}
