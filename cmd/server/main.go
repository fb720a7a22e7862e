// Session Relay Server
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/spf13/pflag"

	"github.com/ashureev/sessionrelay/internal/api"
	"github.com/ashureev/sessionrelay/internal/config"
	"github.com/ashureev/sessionrelay/internal/domain"
	"github.com/ashureev/sessionrelay/internal/health"
	"github.com/ashureev/sessionrelay/internal/middleware"
	"github.com/ashureev/sessionrelay/internal/observability"
	"github.com/ashureev/sessionrelay/internal/queue"
	"github.com/ashureev/sessionrelay/internal/router"
	"github.com/ashureev/sessionrelay/internal/session"
	"github.com/ashureev/sessionrelay/internal/store"
	"github.com/ashureev/sessionrelay/internal/transport/wsbridge"
	"github.com/ashureev/sessionrelay/internal/webhook"
)

func main() {
	envFile := pflag.String("env-file", ".env", "path to a dotenv file loaded before reading the environment")
	pflag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(*envFile); err != nil {
		slog.Info("No .env file found, using environment variables", "path", *envFile)
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting server", "project", cfg.ProjectName, "port", cfg.Port, "gateway", cfg.GatewayURL)

	// Initialize dependencies.
	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()

	if err := repo.Ping(context.Background()); err != nil {
		slog.Error("Database health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Database connected")

	var auth store.AuthStore = repo
	if cfg.AuthBackend == config.AuthBackendFile {
		fileAuth, err := store.NewFileAuthStore(cfg.AuthDir)
		if err != nil {
			slog.Error("Failed to initialize auth directory", "error", err)
			os.Exit(1)
		}
		auth = fileAuth
	}
	slog.Info("Auth store ready", "backend", cfg.AuthBackend)

	dialer, err := wsbridge.NewDialer(cfg.GatewayURL,
		wsbridge.WithRequestTimeout(cfg.Queue.SendTimeout),
		wsbridge.WithLogger(logger.With("component", "wsbridge")),
	)
	if err != nil {
		slog.Error("Failed to initialize gateway dialer", "error", err)
		os.Exit(1)
	}

	if cfg.MetricsEnabled {
		observability.RegisterMetrics()
	}

	// Inbound path.
	pauses := router.NewPauseBook(nil, repo)
	if n, err := pauses.Load(context.Background()); err != nil {
		slog.Error("Failed to load pauses", "error", err)
		os.Exit(1)
	} else {
		slog.Info("Pauses restored", "count", n)
	}

	var fwd router.Forwarder
	if cfg.WebhookEnabled() {
		fwd = webhook.New(cfg.Webhook.URL, cfg.Webhook.Format, cfg.Webhook.Timeout,
			webhook.WithLogger(logger.With("component", "webhook")))
		slog.Info("Webhook forwarding enabled", "format", cfg.Webhook.Format)
	} else {
		slog.Info("Webhook forwarding disabled (WEBHOOK_URL not set)")
	}

	// Media is downloaded through the manager, built below.
	var mgr *session.Manager
	media := mediaFunc(func(ctx context.Context, sessionID string, m *domain.Media) ([]byte, error) {
		return mgr.DownloadMedia(ctx, sessionID, m)
	})

	inbound := router.New(pauses, media, fwd, router.Config{
		PauseDuration:   cfg.Pause.Duration,
		DownloadTimeout: cfg.Webhook.Timeout,
	},
		router.WithLogger(logger.With("component", "router")),
		router.WithDecisionObserver(func(d router.Decision) {
			observability.RecordInboundDecision(string(d))
		}),
		router.WithForwardObserver(observability.RecordWebhook),
	)

	// Sessions.
	mgr = session.NewManager(dialer, auth, session.Config{
		PairingMaxAttempts:   cfg.Session.PairingMaxAttempts,
		ReconnectDelay:       cfg.Session.ReconnectDelay,
		ReconnectMaxAttempts: cfg.Session.ReconnectMaxAttempts,
		PingInterval:         cfg.Session.PingInterval,
		DialTimeout:          cfg.Session.DialTimeout,
		PreferredSession:     cfg.PreferredSession,
	},
		session.WithInbound(inbound),
		session.WithLogger(logger.With("component", "session")),
	)

	var healthSrv *health.Server
	if cfg.GRPCHealthAddr != "" {
		healthSrv = health.New()
		mgr.OnStateChange(healthSrv.ObserveSession)
	}
	mgr.OnStateChange(func(snap domain.SessionSnapshot) {
		if _, err := mgr.Status(snap.ID); errors.Is(err, session.ErrSessionNotFound) {
			snap.State = ""
		}
		observability.RecordSessionState(snap)
	})

	// Outbound path.
	queueOpts := []queue.Option{
		queue.WithStore(repo),
		queue.WithFetcher(queue.NewHTTPFetcher(&http.Client{Timeout: cfg.Queue.AttachmentFetchTimeout})),
		queue.WithLogger(logger.With("component", "queue")),
	}
	if cfg.Queue.RespectPause {
		queueOpts = append(queueOpts, queue.WithPauser(pauses))
	}
	var outbound *queue.Queue
	queueOpts = append(queueOpts, queue.WithObserver(func(job domain.DeliveryJob) {
		observability.RecordDelivery(job.Status)
		observability.SetQueueDepth(outbound.Len())
	}))
	outbound = queue.New(mgr, queue.Config{
		Tick:                   cfg.Queue.Tick,
		MaxRetries:             cfg.Queue.MaxRetries,
		AttachmentFetchTimeout: cfg.Queue.AttachmentFetchTimeout,
		SendTimeout:            cfg.Queue.SendTimeout,
	}, queueOpts...)

	if n, err := outbound.Load(context.Background()); err != nil {
		slog.Error("Failed to load pending jobs", "error", err)
		os.Exit(1)
	} else {
		observability.SetQueueDepth(n)
		slog.Info("Pending jobs restored", "count", n)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	restored, err := mgr.Restore(ctx)
	if err != nil {
		slog.Error("Failed to restore sessions", "error", err)
	} else {
		slog.Info("Sessions restored", "count", len(restored))
	}

	// Initialize handlers.
	baseHandler := api.NewHandler(mgr, outbound, pauses, cfg.Pause.Duration)
	healthHandler := api.NewHealthHandler(repo, mgr, outbound, 5*time.Second)

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(middleware.CORS(cfg.AllowedOrigins))
	if cfg.MetricsEnabled {
		r.Use(middleware.Metrics)
		r.Handle("/metrics", observability.Handler())
	}

	// Public routes.
	healthHandler.RegisterHealth(r)
	baseHandler.RegisterRoutes(r)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// Start delivery worker.
	var workers sync.WaitGroup
	workers.Add(1)
	go func() {
		defer workers.Done()
		outbound.Run(ctx)
	}()
	slog.Info("Delivery worker started", "tick", cfg.Queue.Tick)

	if healthSrv != nil {
		go func() {
			if err := healthSrv.Serve(cfg.GRPCHealthAddr); err != nil {
				slog.Error("gRPC health server failed", "error", err)
			}
		}()
	}

	// Start server.
	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal.
	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
	}
	workers.Wait()
	if err := mgr.Close(); err != nil {
		slog.Error("Failed to close sessions", "error", err)
	}
	if err := inbound.Close(shutdownCtx); err != nil {
		slog.Error("Pending webhook deliveries abandoned", "error", err)
	}
	if healthSrv != nil {
		healthSrv.Shutdown()
	}

	slog.Info("Server stopped successfully")
}

// mediaFunc adapts a function to router.MediaSource.
type mediaFunc func(ctx context.Context, sessionID string, m *domain.Media) ([]byte, error)

func (f mediaFunc) DownloadMedia(ctx context.Context, sessionID string, m *domain.Media) ([]byte, error) {
	return f(ctx, sessionID, m)
}
