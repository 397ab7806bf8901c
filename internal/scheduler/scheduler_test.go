package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/camuig/coinfolio/internal/alerts"
	"github.com/camuig/coinfolio/internal/currency"
	"github.com/camuig/coinfolio/internal/logger"
	"github.com/camuig/coinfolio/internal/storage"
)

// recorder implements every collaborator and records the order of calls.
type recorder struct {
	mu       sync.Mutex
	calls    []string
	symbols  []string
	prices   map[string]float64
	events   []alerts.TriggerEvent
	panicIn  string
	symErr   error
	source   currency.Source
	notified []alerts.TriggerEvent
	patterns []string
}

func (r *recorder) record(name string) {
	r.mu.Lock()
	r.calls = append(r.calls, name)
	r.mu.Unlock()
	if r.panicIn == name {
		panic("boom in " + name)
	}
}

func (r *recorder) Calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

func (r *recorder) SymbolsToPrice(context.Context) ([]string, error) {
	r.record("symbols")
	return r.symbols, r.symErr
}

func (r *recorder) CurrentPrices(_ context.Context, _ []string) map[string]float64 {
	r.record("prices")
	return r.prices
}

func (r *recorder) BroadcastPrices(map[string]float64, time.Time) int {
	r.record("broadcast")
	return 1
}

func (r *recorder) RevalueAll(context.Context, map[string]float64) (int, error) {
	r.record("revalue")
	return len(r.prices), nil
}

func (r *recorder) InvalidatePattern(_ context.Context, pattern string) int {
	r.mu.Lock()
	r.patterns = append(r.patterns, pattern)
	r.mu.Unlock()
	r.record("invalidate")
	return 0
}

func (r *recorder) Patterns() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.patterns...)
}

func (r *recorder) PurgeExpired() int {
	r.record("purge")
	return 0
}

func (r *recorder) Evaluate(context.Context, map[string]float64) ([]alerts.TriggerEvent, error) {
	r.record("evaluate")
	return r.events, nil
}

func (r *recorder) NotifyAll(_ context.Context, events []alerts.TriggerEvent) {
	r.record("notify")
	r.notified = append(r.notified, events...)
}

func (r *recorder) Refresh(context.Context) (map[string]float64, currency.Source) {
	r.record("fx")
	return map[string]float64{"USD": 1}, r.source
}

func (r *recorder) NotifyError(string, error) {
	r.record("error_report")
}

func newScheduler(r *recorder, interval time.Duration) *Scheduler {
	deps := Deps{
		Symbols: r, Prices: r, Valuation: r, Alerts: r, Notifier: r,
		Rates: r, Hub: r, Cache: r, Errors: r,
	}
	return New(deps, interval, time.Hour, logger.Nop())
}

func TestTickRunsPipelineInOrder(t *testing.T) {
	r := &recorder{
		symbols: []string{"BTC"},
		prices:  map[string]float64{"BTC": 49999},
		events:  []alerts.TriggerEvent{{Alert: storage.PriceAlert{ID: 1, Symbol: "BTC"}, Price: 49999}},
	}
	s := newScheduler(r, time.Minute)

	res := s.RunTick(context.Background())

	assert.Equal(t, TickResult{Symbols: 1, Prices: 1, Revalued: 1, Triggered: 1}, res)
	assert.Equal(t, []string{"symbols", "prices", "broadcast", "revalue", "invalidate", "evaluate", "notify", "purge"}, r.Calls())
	assert.Len(t, r.notified, 1)

	last, lastRes := s.LastTick()
	assert.False(t, last.IsZero())
	assert.Equal(t, res, lastRes)
}

func TestTickSkipsWhenNoPrices(t *testing.T) {
	r := &recorder{symbols: []string{"BTC", "FAKE"}, prices: map[string]float64{}}
	s := newScheduler(r, time.Minute)

	res := s.RunTick(context.Background())

	assert.Equal(t, TickResult{Symbols: 2}, res)
	assert.Equal(t, []string{"symbols", "prices"}, r.Calls())
}

func TestTickSkipsWithoutSymbols(t *testing.T) {
	r := &recorder{}
	s := newScheduler(r, time.Minute)

	s.RunTick(context.Background())
	assert.Equal(t, []string{"symbols"}, r.Calls())

	r2 := &recorder{symErr: errors.New("db locked")}
	s2 := newScheduler(r2, time.Minute)
	s2.RunTick(context.Background())
	assert.Equal(t, []string{"symbols"}, r2.Calls())
}

func TestTickRecoversFromPanic(t *testing.T) {
	r := &recorder{symbols: []string{"BTC"}, prices: map[string]float64{"BTC": 1}, panicIn: "revalue"}
	s := newScheduler(r, time.Minute)

	require.NotPanics(t, func() { s.RunTick(context.Background()) })
	assert.Contains(t, r.Calls(), "error_report")

	last, _ := s.LastTick()
	assert.False(t, last.IsZero())
}

func TestRunTicksImmediatelyAndUntilCancelled(t *testing.T) {
	r := &recorder{symbols: []string{"BTC"}, prices: map[string]float64{"BTC": 1}, source: currency.SourceLive}
	s := newScheduler(r, 20*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	assert.Eventually(t, func() bool {
		n := 0
		for _, c := range r.Calls() {
			if c == "symbols" {
				n++
			}
		}
		return n >= 3
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop")
	}

	calls := r.Calls()
	require.NotEmpty(t, calls)
	assert.Equal(t, "fx", calls[0], "fx refresh runs before the first tick")
}

func TestFXJobReportsFallback(t *testing.T) {
	r := &recorder{source: currency.SourceFallback}
	job := &fxJob{rates: r, cache: r}
	assert.Error(t, job.Run(context.Background()))
	assert.Equal(t, []string{"fx"}, r.Calls(), "fallback rates keep cached summaries")

	job = &fxJob{rates: &recorder{source: currency.SourceLive}}
	assert.NoError(t, job.Run(context.Background()))
}

func TestFXJobInvalidatesSummariesAfterLiveRefresh(t *testing.T) {
	r := &recorder{source: currency.SourceLive}
	job := &fxJob{rates: r, cache: r}

	require.NoError(t, job.Run(context.Background()))
	assert.Equal(t, []string{"fx", "invalidate"}, r.Calls())
	assert.Equal(t, []string{"portfolio:*"}, r.Patterns())
}

func TestAddJobRejectsBadSpec(t *testing.T) {
	s := newScheduler(&recorder{}, time.Minute)
	assert.Error(t, s.AddJob(context.Background(), "not a schedule", &fxJob{}))
}
