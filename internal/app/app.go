package app

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"tradecycle/internal/config"
	"tradecycle/internal/logger"
	"tradecycle/internal/orchestrator"
	"tradecycle/internal/scheduler"
	"tradecycle/internal/store"
	"tradecycle/internal/store/usagelog"
	transporthttp "tradecycle/internal/transport/http"
)

// App wires configuration into running services: the orchestrator, the
// HTTP API, and the cycle scheduler.
type App struct {
	cfg      *config.Config
	orch     *orchestrator.Orchestrator
	httpSrv  *transporthttp.Server
	store    *store.Store
	usageLog *usagelog.UsageLogStore
}

// NewApp builds the application object from config without starting it.
func NewApp(cfg *config.Config) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	logger.SetLevel(cfg.App.LogLevel)
	return buildAppWithWire(context.Background(), cfg)
}

// Orchestrator exposes the cycle runner (for test harnesses).
func (a *App) Orchestrator() *orchestrator.Orchestrator {
	if a == nil {
		return nil
	}
	return a.orch
}

// Run starts the HTTP API and, when enabled, the aligned scheduler. It
// blocks until ctx is cancelled or a service fails.
func (a *App) Run(ctx context.Context) error {
	if a == nil || a.cfg == nil {
		return fmt.Errorf("app not initialized")
	}
	defer a.Close()

	group, ctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		logger.Infof("http api listening on %s", a.httpSrv.Addr())
		if err := a.httpSrv.Start(ctx); err != nil {
			return fmt.Errorf("http server error: %w", err)
		}
		return nil
	})

	if a.cfg.Schedule.Enabled {
		interval, ok := scheduler.ParseIntervalDuration(a.cfg.Schedule.Interval)
		if !ok {
			return fmt.Errorf("invalid schedule interval %q", a.cfg.Schedule.Interval)
		}
		sched := scheduler.NewAlignedScheduler(ctx, interval,
			time.Duration(a.cfg.Schedule.OffsetSeconds)*time.Second)
		sched.RunImmediately = a.cfg.Schedule.RunImmediately
		group.Go(func() error {
			sched.Start(a.triggerScheduledCycle)
			return nil
		})
	} else {
		logger.Infof("schedule disabled; cycles trigger via the API only")
	}

	return group.Wait()
}

func (a *App) triggerScheduledCycle() {
	cycleID, err := a.orch.StartCycle("scheduled", a.cfg.Schedule.Tickers, false)
	if err != nil {
		logger.Warnf("scheduled cycle not started: %v", err)
		return
	}
	logger.Infof("scheduled cycle %s started", cycleID)
}

// Close releases the storage handles.
func (a *App) Close() {
	if a == nil {
		return
	}
	if a.usageLog != nil {
		if err := a.usageLog.Close(); err != nil {
			logger.Warnf("close usage log: %v", err)
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			logger.Warnf("close store: %v", err)
		}
	}
}
