package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/camuig/coinfolio/internal/alerts"
	"github.com/camuig/coinfolio/internal/currency"
	"github.com/camuig/coinfolio/internal/logger"
)

type SymbolSource interface {
	SymbolsToPrice(ctx context.Context) ([]string, error)
}

type PriceSource interface {
	CurrentPrices(ctx context.Context, symbols []string) map[string]float64
}

type Revaluer interface {
	RevalueAll(ctx context.Context, prices map[string]float64) (int, error)
}

type Evaluator interface {
	Evaluate(ctx context.Context, prices map[string]float64) ([]alerts.TriggerEvent, error)
}

type Notifier interface {
	NotifyAll(ctx context.Context, events []alerts.TriggerEvent)
}

type PriceBroadcaster interface {
	BroadcastPrices(prices map[string]float64, ts time.Time) int
}

type RateRefresher interface {
	Refresh(ctx context.Context) (map[string]float64, currency.Source)
}

type Cache interface {
	InvalidatePattern(ctx context.Context, pattern string) int
	PurgeExpired() int
}

type ErrorReporter interface {
	NotifyError(context string, err error)
}

// Deps are the collaborators of one tick. Hub, Cache and Errors may be nil.
type Deps struct {
	Symbols   SymbolSource
	Prices    PriceSource
	Valuation Revaluer
	Alerts    Evaluator
	Notifier  Notifier
	Rates     RateRefresher
	Hub       PriceBroadcaster
	Cache     Cache
	Errors    ErrorReporter
}

// TickResult summarizes one price tick.
type TickResult struct {
	Symbols   int
	Prices    int
	Revalued  int
	Triggered int
}

// Job is a unit of work run on a cron schedule.
type Job interface {
	Run(ctx context.Context) error
	Name() string
}

type Scheduler struct {
	deps       Deps
	interval   time.Duration
	fxInterval time.Duration
	cron       *cron.Cron
	logger     *logger.Logger
	now        func() time.Time

	mu       sync.RWMutex
	lastTick time.Time
	last     TickResult
}

func New(deps Deps, priceInterval, fxInterval time.Duration, log *logger.Logger) *Scheduler {
	log = log.With("component", "scheduler")
	cl := cronLogger{log}
	return &Scheduler{
		deps:       deps,
		interval:   priceInterval,
		fxInterval: fxInterval,
		cron:       cron.New(cron.WithLogger(cl), cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl))),
		logger:     log,
		now:        time.Now,
	}
}

// Run drives the price loop on a ticker and the FX loop on cron until ctx is done.
// Ticks run on this goroutine, so a slow tick delays the next one instead of overlapping it.
func (s *Scheduler) Run(ctx context.Context) error {
	fx := &fxJob{rates: s.deps.Rates, cache: s.deps.Cache}
	if s.deps.Rates != nil {
		if err := s.AddJob(ctx, fmt.Sprintf("@every %s", s.fxInterval), fx); err != nil {
			return fmt.Errorf("schedule fx refresh: %w", err)
		}
	}
	s.cron.Start()
	defer func() {
		<-s.cron.Stop().Done()
		s.logger.Info("scheduler stopped")
	}()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("scheduler started", "price_interval", s.interval.String(), "fx_interval", s.fxInterval.String())

	// Run immediately on start
	if s.deps.Rates != nil {
		s.RunNow(ctx, fx)
	}
	s.RunTick(ctx)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.RunTick(ctx)
		}
	}
}

// AddJob registers job on a cron spec such as "@every 30m" or "0 */5 * * *".
func (s *Scheduler) AddJob(ctx context.Context, spec string, job Job) error {
	_, err := s.cron.AddFunc(spec, func() {
		s.logger.Debug("running job", "job", job.Name())
		if err := job.Run(ctx); err != nil {
			s.logger.Error("job failed", "job", job.Name(), "error", err)
			return
		}
		s.logger.Debug("job completed", "job", job.Name())
	})
	if err != nil {
		return err
	}
	s.logger.Info("job registered", "job", job.Name(), "schedule", spec)
	return nil
}

// RunNow executes job outside its schedule, logging its failure.
func (s *Scheduler) RunNow(ctx context.Context, job Job) {
	if err := job.Run(ctx); err != nil {
		s.logger.Error("job failed", "job", job.Name(), "error", err)
	}
}

// RunTick performs one price → valuation → alerts → notification pass. It never panics.
func (s *Scheduler) RunTick(ctx context.Context) (res TickResult) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic in price tick", "panic", fmt.Sprint(r))
			if s.deps.Errors != nil {
				s.deps.Errors.NotifyError("price tick panic", fmt.Errorf("%v", r))
			}
		}
		s.mu.Lock()
		s.lastTick = s.now()
		s.last = res
		s.mu.Unlock()
	}()

	// 1. Symbols held, tracked or watched
	symbols, err := s.deps.Symbols.SymbolsToPrice(ctx)
	if err != nil {
		s.logger.Error("load symbols", "error", err)
		return res
	}
	res.Symbols = len(symbols)
	if len(symbols) == 0 {
		s.logger.Debug("nothing to price, skipping tick")
		return res
	}

	// 2. Prices
	prices := s.deps.Prices.CurrentPrices(ctx, symbols)
	res.Prices = len(prices)
	if len(prices) == 0 {
		s.logger.Warn("no fresh prices, skipping tick", "symbols", len(symbols))
		return res
	}
	if s.deps.Hub != nil {
		s.deps.Hub.BroadcastPrices(prices, s.now())
	}

	// 3. Valuation
	revalued, err := s.deps.Valuation.RevalueAll(ctx, prices)
	if err != nil {
		s.logger.Error("revalue positions", "error", err)
	}
	res.Revalued = revalued
	if revalued > 0 && s.deps.Cache != nil {
		s.deps.Cache.InvalidatePattern(ctx, "portfolio:*")
	}

	// 4. Alerts
	events, err := s.deps.Alerts.Evaluate(ctx, prices)
	if err != nil {
		s.logger.Error("evaluate alerts", "error", err)
	}
	res.Triggered = len(events)

	// 5. Notifications
	if len(events) > 0 {
		s.deps.Notifier.NotifyAll(ctx, events)
	}

	if s.deps.Cache != nil {
		s.deps.Cache.PurgeExpired()
	}

	s.logger.Info("price tick completed",
		"symbols", res.Symbols, "prices", res.Prices, "revalued", res.Revalued, "triggered", res.Triggered)
	return res
}

// LastTick reports when the last price tick finished and what it did.
func (s *Scheduler) LastTick() (time.Time, TickResult) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastTick, s.last
}

type fxJob struct {
	rates RateRefresher
	cache Cache
}

func (j *fxJob) Name() string { return "fx_refresh" }

func (j *fxJob) Run(ctx context.Context) error {
	rates, source := j.rates.Refresh(ctx)
	if source != currency.SourceLive {
		return fmt.Errorf("fx refresh fell back to %s rates (%d currencies)", source, len(rates))
	}
	// cached summaries were projected with the previous rates
	if j.cache != nil {
		j.cache.InvalidatePattern(ctx, "portfolio:*")
	}
	return nil
}

// cronLogger adapts the service logger to cron.Logger.
type cronLogger struct {
	l *logger.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debug(msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Error(msg, append(keysAndValues, "error", err)...)
}
