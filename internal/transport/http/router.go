package transporthttp

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"tradecycle/internal/budget"
	"tradecycle/internal/orchestrator"
	"tradecycle/internal/store"
)

// Router exposes cycle queries, budget views, and the control surface.
type Router struct {
	runner         CycleRunner
	ledger         *budget.Ledger
	cycles         store.CycleStore
	periods        PeriodReader
	usage          UsageReader
	defaultTickers []string
}

func NewRouter(cfg ServerConfig) *Router {
	return &Router{
		runner:         cfg.Runner,
		ledger:         cfg.Ledger,
		cycles:         cfg.Cycles,
		periods:        cfg.Periods,
		usage:          cfg.Usage,
		defaultTickers: cfg.DefaultTickers,
	}
}

func (r *Router) Register(group *gin.RouterGroup) {
	if group == nil {
		return
	}
	group.POST("/cycles", r.handleStartCycle)
	group.GET("/cycles", r.handleListCycles)
	group.GET("/cycles/:id", r.handleGetCycle)
	group.GET("/budget/current", r.handleBudgetCurrent)
	group.GET("/budget/periods/:id", r.handleBudgetPeriod)
	group.GET("/budget/periods/:id/usage", r.handleBudgetUsage)
	group.POST("/control/halt", r.handleHalt)
	group.POST("/control/arm", r.handleArm)
	group.GET("/control/status", r.handleControlStatus)
}

type startCycleRequest struct {
	Action   string   `json:"action"`
	Trigger  string   `json:"trigger"`
	Tickers  []string `json:"tickers"`
	TestMode bool     `json:"testMode"`
}

func (r *Router) handleStartCycle(c *gin.Context) {
	var req startCycleRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
	}
	if req.Action != "" && req.Action != "start" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unsupported action"})
		return
	}
	trigger := strings.TrimSpace(req.Trigger)
	if trigger == "" {
		trigger = "manual"
	}
	tickers := req.Tickers
	if len(tickers) == 0 {
		tickers = r.defaultTickers
	}
	if len(tickers) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "tickers are required"})
		return
	}

	cycleID, err := r.runner.StartCycle(trigger, tickers, req.TestMode)
	switch {
	case errors.Is(err, orchestrator.ErrHalted):
		c.JSON(http.StatusConflict, gin.H{"error": "emergency stop engaged"})
	case errors.Is(err, orchestrator.ErrCycleInFlight):
		c.JSON(http.StatusConflict, gin.H{"error": "a cycle is already running"})
	case err != nil:
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusAccepted, gin.H{"cycleId": cycleID})
	}
}

func (r *Router) handleGetCycle(c *gin.Context) {
	id := c.Param("id")
	rec, found, err := r.cycles.GetCycle(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "cycle not found"})
		return
	}
	orders, err := r.cycles.ListOrdersByCycle(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"cycle": rec, "orders": orders})
}

func (r *Router) handleListCycles(c *gin.Context) {
	var q store.CycleQuery
	if from := c.Query("from"); from != "" {
		t, err := time.Parse(time.RFC3339, from)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "from must be RFC3339"})
			return
		}
		q.From = t
	}
	if to := c.Query("to"); to != "" {
		t, err := time.Parse(time.RFC3339, to)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "to must be RFC3339"})
			return
		}
		q.To = t
	}
	q.Limit = 100
	if limit := c.Query("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		q.Limit = n
	}
	records, err := r.cycles.ListCycles(c.Request.Context(), q)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"cycles": records, "count": len(records)})
}

func (r *Router) handleBudgetCurrent(c *gin.Context) {
	snap := r.ledger.Current()
	c.JSON(http.StatusOK, gin.H{"period": snap, "usageRatio": snap.UsageRatio()})
}

func (r *Router) handleBudgetPeriod(c *gin.Context) {
	id := c.Param("id")
	if snap, ok := r.ledger.Period(id); ok {
		c.JSON(http.StatusOK, gin.H{"period": snap, "usageRatio": snap.UsageRatio()})
		return
	}
	if r.periods != nil {
		snap, found, err := r.periods.GetBudgetPeriod(c.Request.Context(), id)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if found {
			c.JSON(http.StatusOK, gin.H{"period": snap, "usageRatio": snap.UsageRatio()})
			return
		}
	}
	c.JSON(http.StatusNotFound, gin.H{"error": "period not found"})
}

func (r *Router) handleBudgetUsage(c *gin.Context) {
	if r.usage == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "usage log not configured"})
		return
	}
	limit := 100
	if raw := c.Query("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	entries, err := r.usage.ListByPeriod(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries, "count": len(entries)})
}

func (r *Router) handleHalt(c *gin.Context) {
	r.runner.Halt()
	c.JSON(http.StatusOK, gin.H{"halted": true})
}

func (r *Router) handleArm(c *gin.Context) {
	r.runner.Rearm()
	c.JSON(http.StatusOK, gin.H{"halted": false})
}

func (r *Router) handleControlStatus(c *gin.Context) {
	id, stage, running := r.runner.ActiveCycle()
	resp := gin.H{"halted": r.runner.Halted(), "running": running}
	if running {
		resp["cycleId"] = id
		resp["stage"] = stage
	}
	c.JSON(http.StatusOK, resp)
}
