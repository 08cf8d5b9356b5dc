// Package main is the entry point for the guest messaging API server.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/pinehouse-stays/guest-messaging/internal/config"
	"github.com/pinehouse-stays/guest-messaging/internal/dispatch"
	"github.com/pinehouse-stays/guest-messaging/internal/handler"
	"github.com/pinehouse-stays/guest-messaging/internal/ledger"
	"github.com/pinehouse-stays/guest-messaging/internal/middleware"
	natsclient "github.com/pinehouse-stays/guest-messaging/internal/nats"
	"github.com/pinehouse-stays/guest-messaging/internal/registry"
	"github.com/pinehouse-stays/guest-messaging/internal/service"
	"github.com/pinehouse-stays/guest-messaging/internal/store"
	"github.com/pinehouse-stays/guest-messaging/pkg/logger"
	"github.com/pinehouse-stays/guest-messaging/pkg/tracing"
)

const version = "1.2.0"

func main() {
	// Load .env if present, then configuration
	_ = godotenv.Load()
	cfg := config.Load()

	// Initialize logger
	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetGlobal(log)

	log.Info("starting guest messaging server", zap.String("version", version))

	// Initialize tracing if enabled
	ctx := context.Background()
	if cfg.TracingEnabled {
		tp, err := tracing.InitTracer(ctx, "guest-messaging", cfg.TracingEndpoint)
		if err != nil {
			log.Warn("failed to initialize tracing", zap.Error(err))
		} else {
			defer tracing.Shutdown(ctx, tp)
		}
	}

	// Select the store: SQLite when a path is configured, in-memory otherwise
	var st store.Store
	if cfg.DatabasePath != "" {
		st, err = store.NewSQLite(cfg.DatabasePath)
		if err != nil {
			log.Error("failed to open database", zap.String("path", cfg.DatabasePath), zap.Error(err))
			os.Exit(1)
		}
		log.Info("using sqlite store", zap.String("path", cfg.DatabasePath))
	} else {
		st = store.NewMemory()
		log.Info("using in-memory store")
	}
	defer st.Close()

	// Connect to NATS when configured; the audit sink and alert feed
	// degrade to no-ops without it
	var natsClient *natsclient.Client
	auditSink := service.NoopAudit()
	if cfg.NATSURL != "" {
		natsClient, err = natsclient.Connect(ctx, natsclient.Config{
			URL:      cfg.NATSURL,
			CAFile:   cfg.NATSCAFile,
			CertFile: cfg.NATSCertFile,
			KeyFile:  cfg.NATSKeyFile,
			Token:    cfg.NATSToken,
		}, log)
		if err != nil {
			log.Error("failed to connect to NATS", zap.Error(err))
			os.Exit(1)
		}
		defer natsClient.Close()

		sink := natsclient.NewAuditSink(natsClient)
		if err := sink.EnsureStream(ctx); err != nil {
			log.Error("failed to ensure audit stream", zap.Error(err))
			os.Exit(1)
		}
		auditSink = sink
	}

	// Core wiring: ledger, registry, dispatcher. The registry and
	// dispatcher reference each other through narrow interfaces, so the
	// backfiller is attached after both exist.
	led := ledger.New(st, log)
	reg := registry.New(st, log, cfg.PushTimeout)
	disp := dispatch.New(reg, led, st, log, cfg.PushTimeout)
	reg.SetBackfiller(disp)

	// Services
	conversationSvc := service.NewConversationService(st, disp, auditSink, log)
	messageSvc := service.NewMessageService(st, led, disp, auditSink, log)

	// Alert feed: out-of-band notices pushed to live sessions
	if natsClient != nil {
		sub, err := natsClient.SubscribeAlerts(func(identity, kind string, data map[string]any) {
			disp.Alert(ctx, identity, kind, data)
		})
		if err != nil {
			log.Warn("failed to subscribe to alert feed", zap.Error(err))
		} else {
			defer sub.Unsubscribe()
		}
	}

	// Handlers
	healthHandler := handler.NewHealthHandler(natsClient, version)
	conversationHandler := handler.NewConversationHandler(conversationSvc, messageSvc, log)
	messageHandler := handler.NewMessageHandler(messageSvc, log)
	wsHandler := handler.NewWSHandler(reg, disp, cfg.AllowedOrigins, cfg.SessionIdleTimeout, log)

	// Create router
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logging(log))
	r.Use(middleware.SecurityHeaders)
	r.Use(chimiddleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Requested-With"},
		ExposedHeaders:   []string{"Link", "X-Correlation-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health endpoints (no auth required)
	r.Get("/health", healthHandler.Health)
	r.Get("/ready", healthHandler.Ready)

	// Metrics endpoint
	r.Handle("/metrics", promhttp.Handler())

	// WebSocket endpoint; guests identify via query parameters
	r.With(middleware.OptionalAuth(cfg.JWTSecret)).Get("/ws", wsHandler.Serve)

	// API routes
	r.Route("/api/v1", func(r chi.Router) {
		// Guest-accessible endpoints carry optional authentication;
		// unauthenticated callers identify via guest contact fields
		r.Group(func(r chi.Router) {
			r.Use(middleware.OptionalAuth(cfg.JWTSecret))
			r.Use(middleware.RateLimit(cfg.RateLimitRequests, cfg.RateLimitWindow))

			r.Post("/conversations", conversationHandler.Start)
			r.Get("/conversations/lookup", conversationHandler.Lookup)
			r.Get("/conversations/{id}", conversationHandler.Get)
			r.Get("/conversations/{id}/participants", conversationHandler.ListParticipants)
			r.Post("/conversations/{id}/messages", messageHandler.Post)
			r.Post("/messages/{id}/read", messageHandler.MarkRead)
			r.Get("/messages/unread", messageHandler.UnreadCount)
		})

		// Authenticated endpoints
		r.Group(func(r chi.Router) {
			r.Use(middleware.Auth(cfg.JWTSecret))
			r.Use(middleware.RateLimit(cfg.RateLimitRequests, cfg.RateLimitWindow))

			r.Get("/conversations", conversationHandler.List)

			// Staff-only conversation lifecycle
			r.Group(func(r chi.Router) {
				r.Use(middleware.RequireStaff)

				r.Post("/conversations/{id}/assign", conversationHandler.Assign)
				r.Post("/conversations/{id}/close", conversationHandler.Close)
				r.Post("/conversations/{id}/reopen", conversationHandler.Reopen)
				r.Post("/conversations/{id}/archive", conversationHandler.Archive)
				r.Post("/conversations/{id}/participants", conversationHandler.AddParticipant)
			})
		})
	})

	// Create HTTP server
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      r,
		ReadTimeout:  cfg.ServerReadTimeout,
		WriteTimeout: cfg.ServerWriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Info("server listening", zap.String("port", cfg.ServerPort))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", zap.Error(err))
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down server")

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("server forced to shutdown", zap.Error(err))
	}
	reg.Shutdown()

	log.Info("server stopped")
}
