// Package app provides application initialization and lifecycle management.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/bissquit/workout-notify/internal/auth"
	"github.com/bissquit/workout-notify/internal/config"
	"github.com/bissquit/workout-notify/internal/domain"
	"github.com/bissquit/workout-notify/internal/notifications"
	"github.com/bissquit/workout-notify/internal/notifications/broker"
	"github.com/bissquit/workout-notify/internal/notifications/fcm"
	notificationspostgres "github.com/bissquit/workout-notify/internal/notifications/postgres"
	"github.com/bissquit/workout-notify/internal/pkg/ctxlog"
	"github.com/bissquit/workout-notify/internal/pkg/httputil"
	"github.com/bissquit/workout-notify/internal/pkg/idempotency"
	"github.com/bissquit/workout-notify/internal/pkg/metrics"
	"github.com/bissquit/workout-notify/internal/pkg/postgres"
	"github.com/bissquit/workout-notify/internal/version"
	"github.com/bissquit/workout-notify/migrations"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// App represents the application instance.
type App struct {
	config        *config.Config
	logger        *slog.Logger
	db            *pgxpool.Pool
	guard         *idempotency.RedisGuard
	dispatcher    *notifications.Dispatcher
	server        *http.Server
	metricsServer *http.Server
	metricsCancel context.CancelFunc
}

// New creates a new application instance.
func New(cfg *config.Config) (*App, error) {
	logger := initLogger(cfg.Log)
	slog.SetDefault(logger)

	if cfg.Database.Migrate {
		if err := postgres.Migrate(migrations.FS, cfg.Database.URL); err != nil {
			return nil, fmt.Errorf("migrate database: %w", err)
		}
	}

	connectCtx, connectCancel := context.WithTimeout(context.Background(), cfg.Database.ConnectTimeout)
	defer connectCancel()

	db, err := postgres.Connect(connectCtx, postgres.Config{
		URL:             cfg.Database.URL,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		ConnectAttempts: cfg.Database.ConnectAttempts,
	})
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	var guard *idempotency.RedisGuard
	if cfg.Notifications.Idempotency.Enabled {
		guard, err = idempotency.Connect(connectCtx, idempotency.Config{
			URL: cfg.Notifications.Idempotency.RedisURL,
			TTL: cfg.Notifications.Idempotency.TTL,
		})
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("connect to redis: %w", err)
		}
	}

	metricsCtx, metricsCancel := context.WithCancel(context.Background())

	app := &App{
		config:        cfg,
		logger:        logger,
		db:            db,
		guard:         guard,
		metricsCancel: metricsCancel,
	}

	go app.collectDBMetrics(metricsCtx)

	router, err := app.setupRouter(metricsCtx)
	if err != nil {
		app.closeStores()
		metricsCancel()
		return nil, fmt.Errorf("setup router: %w", err)
	}

	app.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port),
		Handler:           router,
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
	}

	// Metrics server on separate port
	metricsRouter := chi.NewRouter()
	metricsRouter.Handle("/metrics", promhttp.Handler())

	app.metricsServer = &http.Server{
		Addr:              fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.MetricsPort),
		Handler:           metricsRouter,
		ReadTimeout:       5 * time.Second,
		ReadHeaderTimeout: 2 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	return app, nil
}

// Run starts the HTTP servers.
func (a *App) Run() error {
	go func() {
		a.logger.Info("starting metrics server",
			"host", a.config.Server.Host,
			"port", a.config.Server.MetricsPort,
		)
		if err := a.metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("metrics server error", "error", err)
		}
	}()

	a.logger.Info("starting server",
		"host", a.config.Server.Host,
		"port", a.config.Server.Port,
		"channels", a.dispatcher.Channels(),
	)

	if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server error: %w", err)
	}

	return nil
}

// Shutdown gracefully shuts down the application. In-flight dispatches finish
// before the HTTP server returns.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("shutting down servers")

	a.metricsCancel()

	var wg sync.WaitGroup
	var errs []error
	var mu sync.Mutex

	for name, srv := range map[string]*http.Server{"server": a.server, "metrics server": a.metricsServer} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := srv.Shutdown(ctx); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("shutdown %s: %w", name, err))
				mu.Unlock()
			}
		}()
	}

	wg.Wait()

	a.closeStores()

	return errors.Join(errs...)
}

func (a *App) closeStores() {
	if a.guard != nil {
		if err := a.guard.Close(); err != nil {
			a.logger.Warn("failed to close redis client", "error", err)
		}
	}
	a.db.Close()
}

func (a *App) collectDBMetrics(ctx context.Context) {
	metrics.RecordDBPoolMetrics(a.db)

	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			metrics.RecordDBPoolMetrics(a.db)
		case <-ctx.Done():
			return
		}
	}
}

// Router returns the HTTP handler for testing.
func (a *App) Router() http.Handler {
	return a.server.Handler
}

func (a *App) setupRouter(ctx context.Context) (*chi.Mux, error) {
	r := chi.NewRouter()

	// Metrics middleware must be first to measure full request time
	r.Use(httputil.MetricsMiddleware)

	// CORS must be early to handle preflight requests before other middleware
	r.Use(httputil.CORSMiddleware(a.config.CORS.AllowedOrigins))
	r.Use(middleware.RequestID)
	r.Use(httputil.RequestLoggerMiddleware(a.logger))
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/healthz", a.healthzHandler)
	r.Get("/readyz", a.readyzHandler)
	r.Get("/version", a.versionHandler)

	r.Get("/api/openapi.yaml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/x-yaml")
		http.ServeFile(w, r, "api/openapi/openapi.yaml")
	})

	notifyCfg := a.config.Notifications
	repo := notificationspostgres.NewRepository(a.db)
	localizer := notifications.NewLocalizer()

	brokerSender := broker.NewSender(broker.Config{
		AppID:   notifyCfg.Broker.AppID,
		APIKey:  notifyCfg.Broker.APIKey,
		APIURL:  notifyCfg.Broker.APIURL,
		BaseURL: notifyCfg.BaseURL,
		Timeout: notifyCfg.Broker.Timeout,
	}, localizer)
	if err := brokerSender.CheckConfig(); err != nil {
		slog.Warn("broker sender is not configured: broker notifications will fail", "error", err)
	}

	fcmSender, err := fcm.NewSender(fcm.Config{
		Enabled:         notifyCfg.FCM.Enabled,
		ProjectID:       notifyCfg.FCM.ProjectID,
		CredentialsFile: notifyCfg.FCM.CredentialsFile,
		Icon:            notifyCfg.FCM.Icon,
		Badge:           notifyCfg.FCM.Badge,
		BaseURL:         notifyCfg.BaseURL,
		RateLimit:       notifyCfg.FCM.RateLimit,
	}, repo, repo, localizer)
	if err != nil {
		return nil, fmt.Errorf("create fcm sender: %w", err)
	}
	if notifyCfg.FCM.Enabled {
		fcmSender.Warmup(ctx)
	} else {
		slog.Warn("fcm sender is disabled: fcm notifications will not be sent")
	}

	dispatcherCfg := notifications.DispatcherConfig{ChannelTimeout: notifyCfg.DispatchTimeout}
	if a.guard != nil {
		dispatcherCfg.Guard = a.guard
	}
	a.dispatcher = notifications.NewDispatcher(dispatcherCfg,
		notifications.NewAudienceResolver(repo),
		brokerSender,
		fcmSender,
	)

	handler := notifications.NewHandler(a.dispatcher, notifications.NewRegistrar(repo), notifyCfg.Broker.AppID)

	validator := auth.NewJWTValidator(auth.Config{
		SecretKey: a.config.JWT.SecretKey,
		Issuer:    a.config.JWT.Issuer,
		RoleClaim: a.config.JWT.RoleClaim,
	})

	r.Route("/api/v1", func(r chi.Router) {
		handler.RegisterPublicRoutes(r)

		r.Group(func(r chi.Router) {
			r.Use(httputil.AuthMiddleware(validator))

			handler.RegisterRoutes(r)

			r.Group(func(r chi.Router) {
				r.Use(httputil.RequireRole(domain.RoleStaff))
				handler.RegisterStaffRoutes(r)
			})
		})
	})

	return r, nil
}

func (a *App) healthzHandler(w http.ResponseWriter, _ *http.Request) {
	httputil.Text(w, http.StatusOK, "OK")
}

func (a *App) readyzHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := a.db.Ping(ctx); err != nil {
		ctxlog.FromContext(r.Context()).Error("readiness check failed", "error", err)
		httputil.Text(w, http.StatusServiceUnavailable, "Database unavailable")
		return
	}

	if a.guard != nil {
		if err := a.guard.Ping(ctx); err != nil {
			// Dispatch works without the guard, so this does not fail readiness.
			ctxlog.FromContext(r.Context()).Warn("idempotency store unavailable", "error", err)
		}
	}

	httputil.Text(w, http.StatusOK, "OK")
}

func (a *App) versionHandler(w http.ResponseWriter, _ *http.Request) {
	httputil.JSON(w, http.StatusOK, map[string]string{
		"version":    version.Version,
		"commit":     version.GitCommit,
		"build_date": version.BuildDate,
	})
}

func initLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}

	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
