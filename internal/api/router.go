// Package api wires the stores, services, kernel, and bus behind the
// HTTP router and the websocket streaming hub.
package api

import (
	"encoding/json"
	"net/http"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/noesis-ai/noesis/internal/api/handlers"
	mw "github.com/noesis-ai/noesis/internal/api/middleware"
	"github.com/noesis-ai/noesis/internal/bus"
	"github.com/noesis-ai/noesis/internal/config"
	"github.com/noesis-ai/noesis/internal/domain"
	"github.com/noesis-ai/noesis/internal/embedding"
	"github.com/noesis-ai/noesis/internal/kernel"
	"github.com/noesis-ai/noesis/internal/service"
	"github.com/noesis-ai/noesis/internal/store"
	"github.com/noesis-ai/noesis/internal/tool"
)

// Compile-time checks that the pgx stores satisfy the domain interfaces.
var (
	_ domain.MemoryStore           = (*store.MemoryStore)(nil)
	_ domain.CognitionStore        = (*store.CognitionStore)(nil)
	_ domain.AgentStore            = (*store.AgentStore)(nil)
	_ domain.ConsolidationLogStore = (*store.ConsolidationLogStore)(nil)
)

// App holds the router and background services for lifecycle management.
type App struct {
	Router        *chi.Mux
	Kernel        *kernel.Kernel
	Bus           *bus.Bus
	Consolidation *service.ConsolidationService
	Registry      *tool.Registry

	startTime    time.Time
	requestCount atomic.Int64
}

func NewApp(db *pgxpool.Pool, embedClient domain.EmbeddingClient, logger *zap.Logger) (*App, error) {
	// Stores
	memoryStore := store.NewMemoryStore(db)
	cognitionStore := store.NewCognitionStore(db)
	agentStore := store.NewAgentStore(db)
	consolidationLogStore := store.NewConsolidationLogStore(db)

	// Embedding service over the provider client
	embedder := embedding.NewService(embedClient, config.EmbeddingDim(),
		embedding.DefaultCacheCapacity, config.EmbeddingCacheTTL(), logger)

	// Services
	admission := service.AdmissionConfig{
		NoveltyMin:    float32(config.AdmissionNoveltyMin()),
		SaturationMax: float32(config.AdmissionDomainSaturation()),
	}
	memorySvc := service.NewMemoryService(memoryStore, embedder, admission, logger)
	consolidationSvc := service.NewConsolidationService(memoryStore, consolidationLogStore, logger)
	consolidationSvc.SetInterval(config.ConsolidateInterval())

	// Agent registry and message bus
	agentBus := bus.New(config.InboxCapacity(), agentStore, logger)
	memorySvc.SetPublisher(agentBus)
	consolidationSvc.SetPublisher(agentBus)

	// Tools
	registry := tool.NewRegistry()
	sandbox := tool.NewSandbox(domain.ResourceLimits{
		CPUSeconds:  config.SandboxDefaultCPUSeconds(),
		MemoryBytes: int64(config.SandboxDefaultMemoryMB()) << 20,
	}, logger)

	// Kernel
	k := kernel.New(memorySvc, agentBus, registry, sandbox, cognitionStore, kernel.Limits{
		Budget:      config.CognitionTimeout(),
		MaxPerAgent: config.MaxConcurrentPerAgent(),
		MaxTotal:    config.MaxConcurrentTotal(),
	}, logger)
	agentBus.SetOnDeregister(k.CancelAgent)
	if err := kernel.RegisterBuiltinTools(registry, memorySvc); err != nil {
		return nil, err
	}

	// Streaming hub receives bus and kernel notifications
	hub := NewHub(k, logger)
	agentBus.SetNotifier(hub.Broadcast)
	k.SetNotifier(hub.Broadcast)

	// Handlers
	cognitionHandler := handlers.NewCognitionHandler(k, cognitionStore)
	memoryHandler := handlers.NewMemoryHandler(memorySvc, consolidationSvc)
	agentHandler := handlers.NewAgentHandler(agentBus)

	r := chi.NewRouter()
	app := &App{
		Router:        r,
		Kernel:        k,
		Bus:           agentBus,
		Consolidation: consolidationSvc,
		Registry:      registry,
		startTime:     time.Now(),
	}

	// Global middleware (order matters)
	r.Use(mw.RequestID)
	r.Use(middleware.RealIP)
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			app.requestCount.Add(1)
			next.ServeHTTP(w, req)
		})
	})
	r.Use(mw.Logging(logger))
	r.Use(middleware.Recoverer)
	r.Use(mw.RateLimit(config.RateLimitRPS(), config.RateLimitBurst()))

	// Health and streaming (no auth)
	r.Get("/health", app.healthHandler(db, memorySvc))
	r.Get("/metrics", app.metricsHandler())
	r.Get("/ws", hub.ServeHTTP)

	// Authenticated routes
	r.Route("/v1", func(r chi.Router) {
		r.Use(mw.APIKeyAuth(config.APIKeys()))

		r.Route("/cognitions", func(r chi.Router) {
			r.Post("/", cognitionHandler.Submit)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", cognitionHandler.GetByID)
				r.Post("/cancel", cognitionHandler.Cancel)
			})
		})

		r.Route("/memories", func(r chi.Router) {
			r.Get("/search", memoryHandler.Search)
			r.Get("/stats", memoryHandler.Stats)
			r.Post("/consolidate", memoryHandler.Consolidate)
			r.Post("/{kind}", memoryHandler.Store)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", memoryHandler.GetByID)
				r.Put("/", memoryHandler.Update)
				r.Delete("/", memoryHandler.Delete)
			})
		})

		r.Route("/agents", func(r chi.Router) {
			r.Get("/", agentHandler.List)
			r.Route("/{id}", func(r chi.Router) {
				r.Post("/", agentHandler.Register)
				r.Delete("/", agentHandler.Deregister)
				r.Post("/messages", agentHandler.SendMessage)
				r.Get("/cognitions", cognitionHandler.ListByAgent)
			})
		})
	})

	return app, nil
}

func (app *App) healthHandler(db *pgxpool.Pool, memorySvc *service.MemoryService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := db.Ping(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_ = json.NewEncoder(w).Encode(map[string]string{"status": "error", "error": err.Error()})
			return
		}

		response := map[string]any{
			"status":               "ok",
			"agents":               len(app.Bus.List()),
			"cognitions_in_flight": app.Kernel.InFlight(),
		}
		if stats, err := memorySvc.Stats(r.Context()); err == nil {
			response["memories"] = stats
		}

		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(response)
	}
}

func (app *App) metricsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var memStats runtime.MemStats
		runtime.ReadMemStats(&memStats)

		uptime := time.Since(app.startTime)
		response := map[string]any{
			"uptime_seconds": uptime.Seconds(),
			"uptime_human":   uptime.Round(time.Second).String(),
			"request_count":  app.requestCount.Load(),
			"goroutines":     runtime.NumGoroutine(),
			"memory": map[string]any{
				"alloc_mb": float64(memStats.Alloc) / 1024 / 1024,
				"sys_mb":   float64(memStats.Sys) / 1024 / 1024,
				"num_gc":   memStats.NumGC,
			},
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(response)
	}
}
