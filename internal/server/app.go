// Package server builds the estimator's dependency graph and runs it.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/modernjs-estimator/internal/api"
	"github.com/JakeFAU/modernjs-estimator/internal/cache"
	"github.com/JakeFAU/modernjs-estimator/internal/config"
	"github.com/JakeFAU/modernjs-estimator/internal/estimator"
	httpfetcher "github.com/JakeFAU/modernjs-estimator/internal/fetcher/http"
	"github.com/JakeFAU/modernjs-estimator/internal/hash/sha256"
	"github.com/JakeFAU/modernjs-estimator/internal/headless"
	"github.com/JakeFAU/modernjs-estimator/internal/id/uuid"
	"github.com/JakeFAU/modernjs-estimator/internal/metrics"
	"github.com/JakeFAU/modernjs-estimator/internal/policy/intercept"
	"github.com/JakeFAU/modernjs-estimator/internal/pool"
	"github.com/JakeFAU/modernjs-estimator/internal/service"
	"github.com/JakeFAU/modernjs-estimator/internal/size"
	"github.com/JakeFAU/modernjs-estimator/internal/transform"
)

// Options override collaborators that are expensive or external.
type Options struct {
	// Launcher starts the browser; nil uses headless Chrome.
	Launcher headless.Launcher
	// Executors builds pool executors; nil uses esbuild.
	Executors pool.ExecutorFactory
}

// App contains the application's dependencies.
type App struct {
	cfg       config.Config
	logger    *zap.Logger
	pool      *pool.Pool
	scripts   *cache.Store[estimator.ScriptRecord]
	modern    *cache.Store[estimator.ModernizationRecord]
	session   *headless.Session
	policy    *intercept.Holder
	apiServer *api.Server
}

// Build creates the application's dependencies.
func Build(cfg config.Config, logger *zap.Logger, opts Options) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()
	logger.Info("building application dependencies",
		zap.Int("port", cfg.Server.Port),
		zap.Int("max_workers", cfg.Pool.MaxWorkers),
		zap.Int("warm_workers", cfg.Pool.WarmWorkers),
	)

	executors := opts.Executors
	if executors == nil {
		executors = transform.Factory()
	}
	workers, err := pool.New(pool.Config{
		MaxWorkers:  cfg.Pool.MaxWorkers,
		WarmWorkers: cfg.Pool.WarmWorkers,
		QueueDepth:  cfg.Pool.QueueDepth,
		Logger:      logger.Named("pool"),
	}, executors)
	if err != nil {
		return nil, fmt.Errorf("pool init failed: %w", err)
	}
	app := &App{cfg: cfg, logger: logger, pool: workers}

	policy, err := app.loadPolicy()
	if err != nil {
		workers.Terminate()
		return nil, err
	}
	app.policy = intercept.NewHolder(policy)
	app.session = app.sessionFor(opts.Launcher)

	svc, err := app.setupService()
	if err != nil {
		app.Close()
		return nil, err
	}

	app.apiServer = api.NewServer(svc, sha256.New(), api.Config{
		RequestTimeout: config.Seconds(cfg.Server.RequestTimeoutSeconds),
		CacheMaxAge:    config.Seconds(cfg.Server.CacheMaxAgeSeconds),
		Ready:          workers.Err,
		Detail:         app.readiness,
		RequestID:      uuid.New().NewRequestID,
	}, logger.Named("api"))
	return app, nil
}

// readiness is the detail reported alongside a ready status.
func (a *App) readiness() map[string]any {
	return map[string]any{
		"workers": a.pool.Stats(),
		"cache": map[string]int{
			cache.ScriptStore: a.scripts.Len(),
			cache.ModernStore: a.modern.Len(),
		},
	}
}

func (a *App) setupService() (*service.Service, error) {
	scripts, err := cache.New[estimator.ScriptRecord](cache.ScriptStore, a.cfg.Cache.ScriptEntries)
	if err != nil {
		return nil, fmt.Errorf("script cache init failed: %w", err)
	}
	modern, err := cache.New[estimator.ModernizationRecord](cache.ModernStore, a.cfg.Cache.ModernEntries)
	if err != nil {
		return nil, fmt.Errorf("modern cache init failed: %w", err)
	}
	a.scripts, a.modern = scripts, modern

	fetcher := httpfetcher.New(httpfetcher.Config{
		UserAgent:    a.cfg.Fetch.UserAgent,
		Timeout:      config.Seconds(a.cfg.Fetch.TimeoutSeconds),
		MaxRedirects: a.cfg.Fetch.MaxRedirects,
		MaxBodyBytes: a.cfg.Fetch.MaxBodyBytes,
		HostQPS:      a.cfg.Fetch.HostQPS,
		Logger:       a.logger.Named("fetcher"),
	})

	svc, err := service.New(service.Deps{
		Analyzer: headless.NewAnalyzer(a.session, headless.AnalyzerConfig{
			NavigationTimeout: config.Seconds(a.cfg.Headless.NavTimeoutSeconds),
			IdleConnections:   a.cfg.Headless.IdleConnections,
			IdleWindow:        config.Millis(a.cfg.Headless.IdleWindowMs),
			MinScriptBytes:    a.cfg.Headless.MinScriptBytes,
		}, a.logger.Named("analyzer")),
		Fetcher:     fetcher,
		Transformer: transform.New(a.pool, a.cfg.Transform.WebpackThreshold),
		Meter:       size.NewGzipMeter(),
		IDs:         uuid.New(),
		Scripts:     scripts,
		Modern:      modern,
		Logger:      a.logger.Named("service"),
	}, service.Config{
		LogBudget:  a.cfg.Transform.LogBudget,
		LogLineMax: a.cfg.Transform.LogLineMax,
	})
	if err != nil {
		return nil, fmt.Errorf("service init failed: %w", err)
	}
	return svc, nil
}

func (a *App) loadPolicy() (intercept.Policy, error) {
	if path := a.cfg.Headless.PolicyFile; path != "" {
		p, err := intercept.LoadFile(path)
		if err != nil {
			return intercept.Policy{}, fmt.Errorf("interception policy: %w", err)
		}
		a.logger.Info("loaded interception policy", zap.String("path", path))
		return p, nil
	}
	return a.cfg.Headless.InterceptPolicy(), nil
}

func (a *App) sessionFor(launcher headless.Launcher) *headless.Session {
	if launcher == nil {
		launcher = headless.ChromeLauncher{ExecPath: a.cfg.Headless.ExecPath}
	}
	ua := a.cfg.Headless.UserAgent
	if ua == "" {
		ua = headless.DefaultUserAgent
	}
	return headless.NewSession(launcher,
		headless.ChromePrepare(ua, a.policy, a.logger.Named("intercept")),
		a.logger.Named("browser"))
}

// Handler exposes the HTTP routes.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Run starts the application and blocks until the context is canceled.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if path := a.cfg.Headless.PolicyFile; path != "" {
		go func() {
			err := intercept.Watch(ctx, path, a.logger.Named("policy"), a.policy.Set)
			if err != nil {
				a.logger.Warn("policy watcher stopped", zap.Error(err))
			}
		}()
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			errCh <- err
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	grace := config.Seconds(a.cfg.Server.ShutdownGraceSeconds)
	if grace <= 0 {
		grace = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	a.Close()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	default:
		return nil
	}
}

// Close stops the browser and the worker pool.
func (a *App) Close() {
	if a.session != nil {
		a.session.Close()
	}
	if a.pool != nil {
		a.pool.Terminate()
	}
	if err := a.logger.Sync(); err != nil {
		a.logger.Debug("logger sync failed", zap.Error(err))
	}
	a.logger.Info("shutdown complete")
}
