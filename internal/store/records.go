package store

import (
	"context"
	"time"

	"tradecycle/internal/decision"
	"tradecycle/internal/gateway/execution"
)

// StageRecord captures one stage transition inside a cycle for the audit
// trail. Every completed or failed cycle carries the full sequence.
type StageRecord struct {
	Stage     string    `json:"stage"`
	Status    string    `json:"status"`
	Attempts  int       `json:"attempts"`
	Error     string    `json:"error,omitempty"`
	CostUnits float64   `json:"costUnits"`
	StartedAt time.Time `json:"startedAt"`
	EndedAt   time.Time `json:"endedAt"`
}

// CycleRecord is the persisted outcome of one trading cycle. It is
// written exactly once, during the cycle's logging stage, regardless of
// whether the cycle completed, aborted, or failed.
type CycleRecord struct {
	CycleID        string              `json:"cycleId"`
	Trigger        string              `json:"trigger"`
	Tickers        []string            `json:"tickers"`
	TestMode       bool                `json:"testMode,omitempty"`
	BudgetPeriodID string              `json:"budgetPeriodId,omitempty"`
	Stage          string              `json:"stage"`
	Outcome        string              `json:"outcome"`
	Reason         string              `json:"reason,omitempty"`
	Stages         []StageRecord       `json:"stages"`
	Decisions      []decision.Decision `json:"decisions,omitempty"`
	OrderIDs       []string            `json:"orderIds,omitempty"`
	CostUnits      float64             `json:"costUnits"`
	StartedAt      time.Time           `json:"startedAt"`
	EndedAt        time.Time           `json:"endedAt"`
}

// CycleQuery filters ListCycles. Zero times mean unbounded on that side.
type CycleQuery struct {
	From  time.Time
	To    time.Time
	Limit int
}

// CycleStore is the persistence surface the orchestrator and the HTTP
// layer share.
type CycleStore interface {
	SaveCycle(ctx context.Context, rec CycleRecord) error
	GetCycle(ctx context.Context, cycleID string) (CycleRecord, bool, error)
	ListCycles(ctx context.Context, q CycleQuery) ([]CycleRecord, error)
	ListOrdersByCycle(ctx context.Context, cycleID string) ([]execution.TradeOrder, error)
}
