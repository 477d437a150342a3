package server

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	mid "EdgeRefresh/internal/middleware"
	"EdgeRefresh/internal/service/ratelimit"
	"EdgeRefresh/internal/usecase"
	"EdgeRefresh/pkg/config"
	xhttp "EdgeRefresh/pkg/http"
	pkgkafka "EdgeRefresh/pkg/kafka"
	applogger "EdgeRefresh/pkg/logger"
	"EdgeRefresh/pkg/queue"
)

// Components are the long-running parts the App drives. Optional parts are nil
// when disabled in config.
type Components struct {
	Manager   *usecase.RefreshManager
	Pipeline  *mid.ChangePipeline
	Collector *usecase.ChangeCollector
	Consumer  *pkgkafka.Consumer
	Handlers  []pkgkafka.MessageHandler
	Queue     *queue.RedisQueue
	Limiter   *ratelimit.Limiter
	HTTP      xhttp.Handler
	// Closers are closed in order after everything else has stopped.
	Closers []io.Closer
}

// App encapsulates the entire application lifecycle.
type App struct {
	cfg        *config.Config
	log        *applogger.Logger
	c          Components
	httpServer *xhttp.Server
	prune      usecase.PrunePolicy
}

// New creates a new App instance with all dependencies.
func New(cfg *config.Config, log *applogger.Logger, c Components, opts ...xhttp.ServerOption) *App {
	if log == nil {
		log = applogger.Nop()
	}
	metricsPath := ""
	if cfg.Metrics.Enabled {
		metricsPath = cfg.Metrics.Path
	}
	serverOpts := append([]xhttp.ServerOption{
		xhttp.WithHost(cfg.Server.Host),
		xhttp.WithPort(cfg.Server.Port),
		xhttp.WithTimeouts(cfg.Server.ReadTimeout, cfg.Server.WriteTimeout, cfg.Server.ShutdownTimeout),
		xhttp.WithCORS(cfg.Server.CORSOrigins, cfg.Server.CORSMaxAge),
		xhttp.WithMetricsPath(metricsPath),
		xhttp.WithLogger(log),
	}, opts...)

	return &App{
		cfg:        cfg,
		log:        log,
		c:          c,
		httpServer: xhttp.NewServer(c.HTTP, serverOpts...),
		prune: usecase.PrunePolicy{
			IdleAfter:   cfg.Refresh.PruneIdleAfter,
			ImpactFloor: cfg.Refresh.PruneImpactFloor,
		},
	}
}

// Server returns the HTTP server.
func (a *App) Server() *xhttp.Server { return a.httpServer }

// Run starts the application and blocks until interrupted.
func (a *App) Run() error {
	sigCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return a.RunContext(sigCtx)
}

// RunContext starts every component and blocks until ctx is done or the
// HTTP listener fails, then shuts everything down. A listener failure is
// returned after the shutdown completes.
func (a *App) RunContext(ctx context.Context) error {
	compCtx, stopComponents := context.WithCancel(context.Background())
	defer stopComponents()

	if a.c.Pipeline != nil {
		a.c.Pipeline.Start(compCtx)
	}

	if a.c.Collector != nil {
		if err := a.c.Collector.Start(compCtx); err != nil {
			// the feed is optional; refreshes still work from Kafka and HTTP input
			a.log.Error("change collector start failed", applogger.Error(err))
		} else {
			a.log.Info("change collector started", applogger.Strings("markets", a.cfg.OddsFeed.Markets))
		}
	}

	if a.c.Consumer != nil && len(a.c.Handlers) > 0 {
		topics := make([]string, 0, len(a.c.Handlers))
		for _, h := range a.c.Handlers {
			a.c.Consumer.RegisterHandler(h)
			topics = append(topics, h.Topic())
		}
		if err := a.c.Consumer.Start(); err != nil {
			a.log.Error("kafka consumer start failed", applogger.Error(err))
		} else {
			a.log.Info("kafka consumer started", applogger.Strings("topics", topics))
		}
	}

	if a.c.Queue != nil {
		if err := a.c.Queue.Start(); err != nil {
			a.log.Error("refresh queue start failed", applogger.Error(err))
		}
	}

	loopCtx, stopLoop := context.WithCancel(compCtx)
	defer stopLoop()
	g, gctx := errgroup.WithContext(loopCtx)
	g.Go(func() error {
		a.maintenanceLoop(gctx)
		return nil
	})
	g.Go(func() error {
		defer stopLoop()
		if err := a.httpServer.Start(); err != nil {
			return fmt.Errorf("http server start: %w", err)
		}
		select {
		case <-ctx.Done():
			a.log.Info("shutdown signal received")
			return nil
		case err := <-a.httpServer.Errors():
			return fmt.Errorf("http server: %w", err)
		}
	})

	runErr := g.Wait()
	if runErr != nil {
		a.log.Error("app stopped on error", applogger.Error(runErr))
	}

	a.shutdown()
	stopComponents()
	a.closeAll()
	return runErr
}

func (a *App) maintenanceLoop(ctx context.Context) {
	every := a.cfg.Refresh.StalenessCheckInterval
	if every <= 0 {
		every = 10 * time.Second
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.Maintain()
		}
	}
}

// idleStateAfter is how long per-key rate state may sit unused before a
// maintenance pass drops it.
const idleStateAfter = 10 * time.Minute

// Maintain runs one pass of periodic housekeeping: staleness timeouts,
// cluster pruning, and cleanup of idle rate state.
func (a *App) Maintain() {
	if a.c.Manager == nil {
		return
	}
	if stale := a.c.Manager.CheckStaleness(); len(stale) > 0 {
		a.log.Debug("staleness check", applogger.Int("marked", len(stale)))
	}
	if removed := a.c.Manager.PruneClusters(a.prune); len(removed) > 0 {
		a.log.Info("clusters pruned", applogger.Int("count", len(removed)))
	}
	if a.c.Limiter != nil {
		a.c.Limiter.Sweep(idleStateAfter)
	}
	if a.c.Pipeline != nil {
		if n := a.c.Pipeline.Sweep(idleStateAfter); n > 0 {
			a.log.Debug("pipeline rate state swept", applogger.Int("edges", n))
		}
	}
}

// shutdown gracefully stops all services.
func (a *App) shutdown() {
	a.log.Info("shutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := a.httpServer.Stop(ctx); err != nil {
		a.log.Error("http shutdown error", applogger.Error(err))
	}
	if a.c.Collector != nil {
		if err := a.c.Collector.Shutdown(ctx); err != nil {
			a.log.Warn("collector stop error", applogger.Error(err))
		}
	}
	if a.c.Consumer != nil {
		if err := a.c.Consumer.Stop(ctx); err != nil {
			a.log.Warn("kafka consumer stop error", applogger.Error(err))
		}
	}
	if a.c.Queue != nil {
		if err := a.c.Queue.Stop(ctx); err != nil {
			a.log.Warn("refresh queue stop error", applogger.Error(err))
		}
	}
	if a.c.Pipeline != nil {
		a.c.Pipeline.Stop()
	}
}

func (a *App) closeAll() {
	for _, c := range a.c.Closers {
		if c == nil {
			continue
		}
		if err := c.Close(); err != nil {
			a.log.Warn("close error", applogger.Error(err))
		}
	}
	a.log.Info("shutdown complete")
	a.log.RemoveCollector()
}
