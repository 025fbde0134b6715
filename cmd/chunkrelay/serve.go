package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/aixgo-dev/chunkrelay/internal/httpapi"
	"github.com/aixgo-dev/chunkrelay/internal/observability"
	"github.com/aixgo-dev/chunkrelay/pkg/config"
	obs "github.com/aixgo-dev/chunkrelay/pkg/observability"
	"github.com/aixgo-dev/chunkrelay/pkg/security"
	"github.com/aixgo-dev/chunkrelay/pkg/session"
	"github.com/aixgo-dev/chunkrelay/pkg/transfer"
)

const (
	shutdownTimeout   = 30 * time.Second
	limiterPruneEvery = time.Minute
	limiterIdle       = 10 * time.Minute
)

func newServeCmd() *cobra.Command {
	var configFile string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the chunk receiving webhook",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadConfig(configFile)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			logger, err := newLogger(cfg.Logging, os.Stderr)
			if err != nil {
				return err
			}
			slog.SetDefault(logger)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, logger)
		},
	}

	cmd.Flags().StringVar(&configFile, "config", getEnv("CONFIG_FILE", defaultConfigFile), "Configuration file")
	return cmd
}

// app is one fully wired service instance.
type app struct {
	store   session.Store
	janitor *session.Janitor
	limiter *security.RateLimiter
	server  *obs.Server
	sweep   *sweepState
}

// sweepState remembers the outcome of the last expiry sweep.
type sweepState struct {
	mu  sync.Mutex
	err error
}

func (s *sweepState) observe(removed, remaining int, _ time.Duration, err error) {
	obs.RecordSweep(removed, remaining, err)
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

func (s *sweepState) lastErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func newApp(cfg *config.Config, logger *slog.Logger) (*app, error) {
	store, err := session.NewStore(cfg.Sessions, cfg.Redis)
	if err != nil {
		return nil, fmt.Errorf("open session store: %w", err)
	}

	a := &app{store: store, sweep: &sweepState{}}

	a.janitor, err = session.NewJanitor(store, cfg.Sessions.TTL, cfg.Sessions.SweepSchedule,
		session.WithJanitorLogger(logger),
		session.WithSweepObserver(a.sweep.observe))
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	if cfg.RateLimit.Enabled {
		var opts []security.RateLimiterOption
		if cfg.RateLimit.GlobalRPS > 0 {
			opts = append(opts, security.WithGlobalLimit(cfg.RateLimit.GlobalRPS, cfg.RateLimit.GlobalBurst))
		}
		a.limiter = security.NewRateLimiter(cfg.RateLimit.RPS, cfg.RateLimit.Burst, opts...)
	}

	svc := transfer.NewService(store, transfer.Options{
		Logger:        logger,
		MaxChunkBytes: cfg.Sessions.MaxChunkBytes,
	})
	handler := httpapi.New(svc, httpapi.Options{
		Path:         cfg.Server.Path,
		MaxBodyBytes: cfg.Server.MaxBodyBytes,
		Limiter:      a.limiter,
		Logger:       logger,
	})

	checker := obs.NewHealthChecker(Version)
	checker.RegisterCheck(obs.StoreCheck(store.Ping))
	checker.RegisterCheck(obs.SweepCheck(a.sweep.lastErr))

	a.server = obs.NewServer(obs.ServerConfig{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}, checker, handler.Routes())
	return a, nil
}

func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	logger.Info("starting chunkrelay",
		"version", Version,
		"port", cfg.Server.Port,
		"path", cfg.Server.Path,
		"store", cfg.Sessions.Store)

	if err := observability.Init(cfg.Tracing); err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	obs.InitMetrics()

	a, err := newApp(cfg, logger)
	if err != nil {
		return err
	}
	a.janitor.Start()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := a.server.Start(); err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	if a.limiter != nil {
		g.Go(func() error {
			pruneLimiter(gctx, a.limiter, logger)
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down chunkrelay")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return a.shutdown(shutdownCtx)
	})

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	logger.Info("chunkrelay stopped")
	return err
}

func (a *app) shutdown(ctx context.Context) error {
	var errs []error
	if err := a.server.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http server shutdown: %w", err))
	}
	if err := a.janitor.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("janitor stop: %w", err))
	}
	if err := a.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close session store: %w", err))
	}
	if err := observability.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("tracing shutdown: %w", err))
	}
	return errors.Join(errs...)
}

func pruneLimiter(ctx context.Context, limiter *security.RateLimiter, logger *slog.Logger) {
	ticker := time.NewTicker(limiterPruneEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := limiter.Prune(limiterIdle); n > 0 {
				logger.Debug("pruned idle rate limiters", "dropped", n, "remaining", limiter.Clients())
			}
		}
	}
}
