package transporthttp

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"tradecycle/internal/budget"
	"tradecycle/internal/logger"
	"tradecycle/internal/orchestrator"
	"tradecycle/internal/store"
	"tradecycle/internal/store/usagelog"
)

// CycleRunner is the orchestrator surface the API needs.
type CycleRunner interface {
	StartCycle(trigger string, tickers []string, testMode bool) (string, error)
	ActiveCycle() (id string, stage orchestrator.Stage, running bool)
	Halt()
	Rearm()
	Halted() bool
}

// PeriodReader reads closed budget periods back from storage.
type PeriodReader interface {
	GetBudgetPeriod(ctx context.Context, periodID string) (budget.PeriodSnapshot, bool, error)
}

// UsageReader lists per-call usage entries for a period.
type UsageReader interface {
	ListByPeriod(ctx context.Context, periodID string, limit int) ([]usagelog.Entry, error)
}

// ServerConfig describes the API server dependencies.
type ServerConfig struct {
	Addr           string
	Runner         CycleRunner
	Ledger         *budget.Ledger
	Cycles         store.CycleStore
	Periods        PeriodReader
	Usage          UsageReader
	DefaultTickers []string
}

// Server exposes the cycle, budget, and control API over HTTP.
type Server struct {
	addr   string
	router *gin.Engine
}

func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Runner == nil || cfg.Cycles == nil || cfg.Ledger == nil {
		return nil, errors.New("http server requires a runner, a cycle store, and a ledger")
	}
	if cfg.Addr == "" {
		cfg.Addr = ":8089"
	}
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger())

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := NewRouter(cfg)
	api.Register(router.Group("/api"))

	return &Server{addr: cfg.Addr, router: router}, nil
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		method := c.Request.Method
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery
		client := c.ClientIP()
		c.Next()
		dur := time.Since(start)
		status := c.Writer.Status()
		fullPath := path
		if query != "" {
			fullPath = path + "?" + query
		}
		logger.Debugf("HTTP %s %s status=%d ip=%s dur=%s", method, fullPath, status, client, dur)
	}
}

func (s *Server) Addr() string {
	if s == nil {
		return ""
	}
	return s.addr
}

// Handler exposes the router; tests drive it through httptest.
func (s *Server) Handler() http.Handler {
	if s == nil {
		return nil
	}
	return s.router
}

// Start serves until ctx is cancelled or the listener fails.
func (s *Server) Start(ctx context.Context) error {
	if s == nil {
		return nil
	}
	srv := &http.Server{Addr: s.addr, Handler: s.router}
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warnf("http server shutdown: %v", err)
		}
		return nil
	case err := <-errCh:
		return err
	}
}
