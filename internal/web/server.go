package web

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/gorilla/websocket"

	"github.com/camuig/coinfolio/internal/cache"
	"github.com/camuig/coinfolio/internal/config"
	"github.com/camuig/coinfolio/internal/currency"
	"github.com/camuig/coinfolio/internal/logger"
	"github.com/camuig/coinfolio/internal/market"
	"github.com/camuig/coinfolio/internal/realtime"
	"github.com/camuig/coinfolio/internal/scheduler"
	"github.com/camuig/coinfolio/internal/storage"
	"github.com/camuig/coinfolio/internal/valuation"
)

// TickReporter exposes the last price tick for /health.
type TickReporter interface {
	LastTick() (time.Time, scheduler.TickResult)
}

type Deps struct {
	Repo      *storage.Repository
	Valuation *valuation.Engine
	Rates     *currency.Provider
	Prices    *market.Provider
	Cache     *cache.Cache
	Hub       *realtime.Hub
	Ticks     TickReporter
}

type Server struct {
	httpServer *http.Server
	router     chi.Router
	upgrader   websocket.Upgrader

	repo      *storage.Repository
	valuation *valuation.Engine
	rates     *currency.Provider
	prices    *market.Provider
	cache     *cache.Cache
	hub       *realtime.Hub
	ticks     TickReporter
	config    *config.Config
	logger    *logger.Logger
}

func NewServer(deps Deps, cfg *config.Config, log *logger.Logger) *Server {
	s := &Server{
		router: chi.NewRouter(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		repo:      deps.Repo,
		valuation: deps.Valuation,
		rates:     deps.Rates,
		prices:    deps.Prices,
		cache:     deps.Cache,
		hub:       deps.Hub,
		ticks:     deps.Ticks,
		config:    cfg,
		logger:    log.With("component", "web"),
	}

	s.setupMiddleware()
	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:        fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:     s.router,
		ReadTimeout: 10 * time.Second,
		IdleTimeout: 60 * time.Second,
	}
	return s
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", ownerHeader},
		MaxAge:         300,
	}))
}

func (s *Server) setupRoutes() {
	s.router.Get("/health", s.handleHealth)

	s.router.Group(func(r chi.Router) {
		r.Use(s.ownerMiddleware)

		// long-lived, no request timeout
		r.Get("/ws", s.handleWebSocket)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(30 * time.Second))

			r.Route("/portfolio", func(r chi.Router) {
				r.Get("/", s.handleListPositions)
				r.Post("/", s.handleCreatePosition)
				r.Get("/summary", s.handleSummary)
				r.Get("/{id}", s.handleGetPosition)
				r.Put("/{id}", s.handleUpdatePosition)
				r.Delete("/{id}", s.handleDeletePosition)
			})

			r.Route("/alerts", func(r chi.Router) {
				r.Get("/", s.handleListAlerts)
				r.Post("/", s.handleCreateAlert)
				r.Get("/history", s.handleAlertHistory)
				r.Put("/{id}", s.handleUpdateAlert)
				r.Delete("/{id}", s.handleDeleteAlert)
			})

			r.Route("/currency", func(r chi.Router) {
				r.Get("/rates", s.handleRates)
				r.Post("/refresh", s.handleRefreshRates)
				r.Get("/convert", s.handleConvert)
			})

			r.Get("/prices", s.handlePrices)

			r.Route("/symbols", func(r chi.Router) {
				r.Get("/", s.handleListSymbols)
				r.Post("/", s.handleAddSymbol)
				r.Delete("/{symbol}", s.handleRemoveSymbol)
			})

			r.Put("/users/me/telegram", s.handleUpdateTelegram)
		})
	})
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Start() error {
	s.logger.Info("web server starting", "port", s.config.Server.Port)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("web server: %w", err)
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start).String(),
			"request_id", middleware.GetReqID(r.Context()))
	})
}
