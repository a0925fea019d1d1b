package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/sync/errgroup"

	"licensesvc/internal/config"
	apierrors "licensesvc/internal/errors"
	"licensesvc/internal/infrastructure"
	"licensesvc/internal/license"
	customMiddleware "licensesvc/internal/middleware"
	"licensesvc/internal/services"
	handlers "licensesvc/internal/transport/http"
	ws "licensesvc/internal/websocket"
	"licensesvc/pkg/contracts"
)

// Application represents the main application container
type Application struct {
	Config        *config.Config
	Logger        *slog.Logger
	OTelProviders *infrastructure.OTelProviders
	Metrics       *license.LicenseMetrics

	Store      license.Store
	Controller *license.Controller
	Dispatcher *license.Dispatcher
	Watcher    *license.ExpiryWatcher
	Security   *license.SecurityManager
	Hub        *ws.Hub

	LicenseService services.LicenseService
	HealthService  *services.HealthService
	ErrorHandler   *apierrors.ErrorHandler

	Router chi.Router
	Server *http.Server

	listener net.Listener
	cancel   context.CancelFunc
	done     chan struct{}
	runErr   error
	stopOnce sync.Once
	stopErr  error
}

// LoadConfig loads configPath, or the default config locations when empty.
func LoadConfig(configPath string) (*config.Config, error) {
	if configPath == "" {
		return config.Load()
	}
	return config.LoadFile(configPath)
}

// New wires every component from cfg. Nothing runs until Start.
func New(cfg *config.Config, logger *slog.Logger) (*Application, error) {
	if logger == nil {
		logger = infrastructure.GetLogger()
	}
	a := &Application{
		Config: cfg,
		Logger: logger,
	}

	if err := a.initializeServices(); err != nil {
		_ = a.closeResources(context.Background())
		return nil, err
	}
	a.setupRouter()
	a.createServer()

	return a, nil
}

// initializeServices builds the license stack bottom-up: telemetry, store,
// notification sinks, controller and the guards around it.
func (a *Application) initializeServices() error {
	ctx := context.Background()

	providers, err := infrastructure.InitializeOTel(infrastructure.OTelConfigFrom(a.Config.Telemetry), a.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	a.OTelProviders = providers

	a.Metrics, err = license.InitializeLicenseMetrics(providers.Meter)
	if err != nil {
		return fmt.Errorf("failed to initialize license metrics: %w", err)
	}

	a.Store, err = OpenStore(a.Config.Store, a.Logger)
	if err != nil {
		return err
	}
	if counter, ok := a.Store.(license.ConflictCounter); ok {
		if err := license.ObserveStoreConflicts(providers.Meter, counter); err != nil {
			return fmt.Errorf("failed to observe store conflicts: %w", err)
		}
	}

	hubMetrics, err := ws.NewHubMetrics(providers.Meter)
	if err != nil {
		return fmt.Errorf("failed to initialize websocket metrics: %w", err)
	}
	a.Hub = ws.NewHub(a.Logger, hubMetrics)

	var sinks license.MultiNotifier
	if a.Config.Notifications.LogNotifications {
		sinks = append(sinks, license.LogNotifier{Logger: infrastructure.ComponentLogger(a.Logger, "license_events")})
	}
	if a.Config.Notifications.EnableWebSocket {
		sinks = append(sinks, a.Hub)
	}
	a.Dispatcher = license.NewDispatcher(sinks, a.Config.Notifications.QueueSize, a.Config.Notifications.Workers, a.Logger)
	a.Dispatcher.SetMetrics(a.Metrics)

	a.Controller = license.NewController(a.Store,
		license.WithPolicy(PolicyFrom(a.Config.License)),
		license.WithNotifier(a.Dispatcher),
		license.WithLogger(a.Logger),
		license.WithMetrics(a.Metrics),
	)

	a.Watcher = license.NewExpiryWatcher(a.Store, a.Dispatcher, license.ExpiryWatcherConfig{
		Window:   a.Config.License.ExpiryWarningWindow,
		Interval: a.Config.License.ExpiryScanInterval,
		Logger:   a.Logger,
		Metrics:  a.Metrics,
	})

	lockout := a.Config.Security.Lockout
	a.Security = license.NewSecurityManager(license.SecurityConfig{
		MaxAttempts:    lockout.MaxAttempts,
		WindowDuration: lockout.Window,
		BlockDuration:  lockout.BlockDuration,
		Logger:         a.Logger,
		Metrics:        a.Metrics,
	})

	a.ErrorHandler = apierrors.NewErrorHandler(a.Logger, a.Config.Logging.Level == "debug")
	a.LicenseService = services.NewLicenseService(a.Controller, a.Logger)

	checker := license.NewHealthCheck(a.Store, a.Dispatcher, a.Security, license.DefaultHealthCheckConfig())
	a.HealthService = services.NewHealthService(checker, a.Hub.ClientCount, a.Logger)

	a.Logger.InfoContext(ctx, "services initialized",
		slog.String("store", a.Config.Store.Driver),
		slog.Int("levels", len(a.Config.License.Levels)),
		slog.Bool("websocket", a.Config.Notifications.EnableWebSocket),
		slog.Bool("admin_auth", a.Config.Security.AdminToken != ""))
	return nil
}

// OpenStore opens the store backend selected by cfg.
func OpenStore(cfg config.StoreConfig, logger *slog.Logger) (license.Store, error) {
	switch cfg.Driver {
	case config.StoreDriverMemory, "":
		return license.NewMemoryStore(), nil
	case config.StoreDriverSQLite:
		store, err := license.OpenSQLiteStore(license.SQLiteOptions{
			Path:         cfg.Path,
			ReadTimeout:  cfg.ReadTimeout,
			CASRetries:   cfg.CASRetries,
			MaxOpenConns: cfg.MaxOpenConns,
			Logger:       logger,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to open license store: %w", err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unsupported store driver: %q", cfg.Driver)
	}
}

// PolicyFrom maps the license section of the config to a controller policy.
func PolicyFrom(cfg config.LicenseConfig) license.Policy {
	policy := license.DefaultPolicy()
	if cfg.ValidityWindow > 0 {
		policy.ValidityWindow = cfg.ValidityWindow
	}
	if cfg.IssueRetries > 0 {
		policy.IssueRetries = cfg.IssueRetries
	}
	if len(cfg.Levels) > 0 {
		policy.Levels = make([]license.SubscriptionLevel, 0, len(cfg.Levels))
		for _, l := range cfg.Levels {
			policy.Levels = append(policy.Levels, license.ParseLevel(l))
		}
	}
	return policy
}

// setupRouter configures all routes and middleware
func (a *Application) setupRouter() {
	r := chi.NewRouter()

	otelMiddleware, err := customMiddleware.NewOTelMiddleware(a.OTelProviders)
	if err != nil {
		a.Logger.Error("failed to create OTel middleware", slog.String("error", err.Error()))
	}

	trusted, err := a.Config.Security.TrustedProxyPrefixes()
	if err != nil {
		a.Logger.Error("ignoring trusted proxies", slog.String("error", err.Error()))
	}

	r.Use(customMiddleware.RequestID)
	r.Use(customMiddleware.RealIP(trusted))
	if otelMiddleware != nil {
		r.Use(otelMiddleware.Handler)
	}
	r.Use(customMiddleware.StructuredLogger(a.Logger))
	r.Use(apierrors.RecoveryMiddleware(a.ErrorHandler))
	r.Use(customMiddleware.SecurityHeaders)

	sec := a.Config.Security
	if sec.EnableCORS {
		r.Use(customMiddleware.CORS(customMiddleware.CORSConfig{
			AllowedOrigins: sec.AllowedOrigins,
			Logger:         a.Logger,
		}))
	}
	if sec.RateLimit.Enabled {
		r.Use(customMiddleware.NewRateLimiter(sec.RateLimit.RPS, sec.RateLimit.Burst, a.Logger).Handler)
	}

	r.NotFound(a.ErrorHandler.NotFound)
	r.MethodNotAllowed(a.ErrorHandler.MethodNotAllowed)

	validator := customMiddleware.NewRequestValidator(a.Logger, a.Config.License.Levels)
	licenseHandler := handlers.NewLicenseHandler(a.LicenseService, handlers.LicenseHandlerOptions{
		Validator:    validator,
		ErrorHandler: a.ErrorHandler,
		Security:     a.Security,
		AdminToken:   sec.AdminToken,
	}, a.Logger)
	healthHandler := handlers.NewHealthHandler(a.HealthService, a.Logger)

	r.Group(func(r chi.Router) {
		r.Use(customMiddleware.Timeout(a.Config.Server.RequestTimeout, a.Logger))

		r.Route("/api", func(r chi.Router) {
			r.Mount("/v1/licenses", licenseHandler.Routes())
			r.Mount("/health", healthHandler.Routes())
			r.Get("/version", healthHandler.Version)
		})

		if a.OTelProviders.PrometheusHTTP != nil {
			r.Handle("/metrics", a.OTelProviders.PrometheusHTTP)
		}
	})

	// Long-lived connections stay outside the request timeout. Events carry
	// user and device ids, so the stream is for operators only.
	if a.Config.Notifications.EnableWebSocket {
		wsCfg := a.Config.WebSocket
		r.With(customMiddleware.AdminAuth(sec.AdminToken, a.Logger)).Handle("/ws", ws.NewHandler(a.Hub, ws.HandlerConfig{
			ReadBufferSize:  wsCfg.ReadBufferSize,
			WriteBufferSize: wsCfg.WriteBufferSize,
			AllowedOrigins:  sec.AllowedOrigins,
			Client: ws.ClientConfig{
				PingPeriod: wsCfg.PingPeriod,
				PongWait:   wsCfg.PongWait,
			},
		}, a.Logger))
	}

	a.Router = r
}

// createServer creates the HTTP server
func (a *Application) createServer() {
	a.Server = &http.Server{
		Addr:           a.Config.Server.Addr(),
		Handler:        a.Router,
		ReadTimeout:    a.Config.Server.ReadTimeout,
		WriteTimeout:   a.Config.Server.WriteTimeout,
		IdleTimeout:    a.Config.Server.IdleTimeout,
		MaxHeaderBytes: a.Config.Server.MaxHeaderBytes,
	}
}

// Start binds the listener and launches the server, the notification
// dispatcher, the expiry watcher and the websocket hub. It returns once the
// listener is bound.
func (a *Application) Start(ctx context.Context) error {
	if a.done != nil {
		return errors.New("application already started")
	}

	ln, err := net.Listen("tcp", a.Server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", a.Server.Addr, err)
	}
	a.listener = ln

	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.done = make(chan struct{})

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error { return a.Hub.Run(gctx) })
	g.Go(func() error { return a.Dispatcher.Run(gctx) })
	g.Go(func() error { return a.Watcher.Run(gctx) })
	g.Go(func() error {
		if err := a.Server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), a.Config.Server.ShutdownTimeout)
		defer cancel()
		if err := a.Server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown: %w", err)
		}
		return nil
	})

	go func() {
		a.runErr = g.Wait()
		close(a.done)
	}()

	a.Logger.InfoContext(ctx, "application started",
		slog.String("name", config.AppName),
		slog.String("version", contracts.GetVersionString()),
		slog.String("address", ln.Addr().String()),
		slog.String("level", a.Config.Logging.Level))
	return nil
}

// Addr returns the bound listen address, or the configured one before Start.
func (a *Application) Addr() string {
	if a.listener != nil {
		return a.listener.Addr().String()
	}
	return a.Server.Addr
}

// Done is closed once every background task has returned. It is nil before
// Start.
func (a *Application) Done() <-chan struct{} {
	return a.done
}

// Stop cancels the background tasks, waits for them and releases the store
// and telemetry providers. It is safe to call more than once.
func (a *Application) Stop(ctx context.Context) error {
	a.stopOnce.Do(func() {
		a.Logger.InfoContext(ctx, "shutting down application")

		var errs []error
		if a.cancel != nil {
			a.cancel()
			select {
			case <-a.done:
				errs = append(errs, a.runErr)
			case <-ctx.Done():
				errs = append(errs, fmt.Errorf("waiting for background tasks: %w", ctx.Err()))
			}
		}
		errs = append(errs, a.closeResources(ctx))

		a.stopErr = errors.Join(errs...)
		a.Logger.InfoContext(ctx, "application shutdown complete")
	})
	return a.stopErr
}

func (a *Application) closeResources(ctx context.Context) error {
	var errs []error
	if a.Security != nil {
		a.Security.Stop()
	}
	if a.Store != nil {
		if err := a.Store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("store close: %w", err))
		}
	}
	if a.OTelProviders != nil {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := a.OTelProviders.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Run runs the application until interrupted or until a background task
// fails.
func (a *Application) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := a.Start(ctx); err != nil {
		_ = a.closeResources(context.Background())
		return err
	}

	select {
	case <-ctx.Done():
		a.Logger.Info("received interrupt signal")
	case <-a.done:
		a.Logger.Error("background task exited", slog.Any("error", a.runErr))
	}

	return a.Stop(context.Background())
}
