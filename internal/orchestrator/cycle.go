package orchestrator

import (
	"time"

	"tradecycle/internal/agent"
	"tradecycle/internal/decision"
	"tradecycle/internal/gateway/execution"
	"tradecycle/internal/store"
)

// Stage is the cycle state machine position. Stages advance strictly
// forward; logging runs for every cycle, including aborted and failed
// ones.
type Stage string

const (
	StageCollecting Stage = "collecting_data"
	StageAnalyzing  Stage = "analyzing"
	StageDeciding   Stage = "deciding"
	StageExecuting  Stage = "executing"
	StageLogging    Stage = "logging"
	StageCompleted  Stage = "completed"
)

// Outcome is the terminal classification of a cycle.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeAborted   Outcome = "aborted"
	OutcomeFailed    Outcome = "failed"
)

const (
	ReasonBudgetExceeded = "budget_exceeded"
	ReasonEmergencyStop  = "emergency_stop"
	ReasonStageTimeout   = "stage_timeout"
	ReasonStageFailed    = "stage_failed"
	ReasonCycleTimeout   = "cycle_timeout"
)

// Cycle carries the working state of one run through the pipeline. It
// is owned by a single goroutine; nothing here needs locking.
type Cycle struct {
	ID             string
	Trigger        string
	Tickers        []string
	TestMode       bool
	BudgetPeriodID string

	Stage   Stage
	Outcome Outcome
	Reason  string

	StartedAt time.Time
	EndedAt   time.Time

	collected  map[agent.Kind]agent.Result
	signals    map[string][]decision.Signal
	risk       decision.RiskLevel
	decisions  []decision.Decision
	orders     []execution.TradeOrder
	stages     []store.StageRecord
	costUnits  float64
	execFailed bool
}

func newCycle(id, trigger string, tickers []string, testMode bool, now time.Time) *Cycle {
	return &Cycle{
		ID:        id,
		Trigger:   trigger,
		Tickers:   append([]string(nil), tickers...),
		TestMode:  testMode,
		Stage:     StageCollecting,
		StartedAt: now,
		collected: make(map[agent.Kind]agent.Result),
		signals:   make(map[string][]decision.Signal),
	}
}

// record converts the finished cycle into its persisted form.
func (c *Cycle) record() store.CycleRecord {
	orderIDs := make([]string, 0, len(c.orders))
	for _, o := range c.orders {
		orderIDs = append(orderIDs, o.OrderID)
	}
	return store.CycleRecord{
		CycleID:        c.ID,
		Trigger:        c.Trigger,
		Tickers:        c.Tickers,
		TestMode:       c.TestMode,
		BudgetPeriodID: c.BudgetPeriodID,
		Stage:          string(c.Stage),
		Outcome:        string(c.Outcome),
		Reason:         c.Reason,
		Stages:         c.stages,
		Decisions:      c.decisions,
		OrderIDs:       orderIDs,
		CostUnits:      c.costUnits,
		StartedAt:      c.StartedAt,
		EndedAt:        c.EndedAt,
	}
}

func (c *Cycle) pushStage(rec store.StageRecord) {
	c.stages = append(c.stages, rec)
}

// addSignals indexes extracted signals by ticker. A signal without a
// ticker applies to every ticker in the cycle.
func (c *Cycle) addSignals(signals []decision.Signal) {
	for _, sig := range signals {
		if sig.Ticker != "" {
			c.signals[sig.Ticker] = append(c.signals[sig.Ticker], sig)
			continue
		}
		for _, ticker := range c.Tickers {
			scoped := sig
			scoped.Ticker = ticker
			c.signals[ticker] = append(c.signals[ticker], scoped)
		}
	}
}
