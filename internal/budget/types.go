package budget

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Tier is a named priority class with its own sub-allocation of the
// period limit. Admission refuses low tiers before high tiers even when
// aggregate budget remains.
type Tier string

const (
	TierCritical Tier = "critical"
	TierStandard Tier = "standard"
	TierOptional Tier = "optional"
)

func ParseTier(s string) Tier {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "critical":
		return TierCritical
	case "optional":
		return TierOptional
	default:
		return TierStandard
	}
}

// Reservation is the handle returned by an admitted TryAdmit. The caller
// must settle it with RecordActual (after the paid call) or Release (if
// the call never happened).
type Reservation struct {
	PeriodID string
	Tier     Tier
	Amount   decimal.Decimal

	settled bool
}

// PeriodSnapshot is a read-only view of one accounting window.
type PeriodSnapshot struct {
	PeriodID          string                   `json:"periodId"`
	LimitCostUnits    decimal.Decimal          `json:"limitCostUnits"`
	ConsumedCostUnits decimal.Decimal          `json:"consumedCostUnits"`
	ReservedCostUnits decimal.Decimal          `json:"reservedCostUnits"`
	OverrunCostUnits  decimal.Decimal          `json:"overrunCostUnits"`
	TierConsumed      map[Tier]decimal.Decimal `json:"tierConsumed"`
	StartedAt         time.Time                `json:"startedAt"`
	ResetAt           time.Time                `json:"resetAt"`
	Closed            bool                     `json:"closed"`
}

// UsageRatio is consumed (including live reservations) over limit.
func (p PeriodSnapshot) UsageRatio() float64 {
	if p.LimitCostUnits.IsZero() {
		return 1
	}
	ratio, _ := p.ConsumedCostUnits.Add(p.ReservedCostUnits).Div(p.LimitCostUnits).Float64()
	return ratio
}

// UsageRecord is one per-call cost entry emitted for external dashboards.
type UsageRecord struct {
	CycleID   string
	AgentKind string
	Tier      Tier
	PeriodID  string
	CostUnits decimal.Decimal
	Timestamp time.Time
}

// UsageSink receives usage records; the usagelog store implements it.
type UsageSink interface {
	AppendUsage(rec UsageRecord)
}

// PeriodSink receives period snapshots on every mutation and on rollover,
// so closed periods stay queryable for audit.
type PeriodSink interface {
	UpsertBudgetPeriod(snap PeriodSnapshot)
}
