package budget

import (
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradecycle/internal/config"
)

func testBudgetConfig() config.BudgetConfig {
	return config.BudgetConfig{
		Window:           "daily",
		LimitCostUnits:   1000,
		ReserveTolerance: 0.05,
		TierFractions: map[string]float64{
			"critical": 0.5,
			"standard": 0.3,
			"optional": 0.2,
		},
		EstimateOverhead: 50,
		EstimatePerByte:  0.02,
	}
}

func fixedNow() time.Time {
	return time.Date(2026, 8, 28, 10, 0, 0, 0, time.UTC)
}

func newTestLedger(t *testing.T, cfg config.BudgetConfig) *Ledger {
	t.Helper()
	return NewLedger(cfg, WithNowFunc(fixedNow))
}

func TestEstimateCost(t *testing.T) {
	l := newTestLedger(t, testBudgetConfig())

	est := l.EstimateCost(100)
	assert.True(t, est.Equal(decimal.NewFromFloat(52)), "50 overhead + 100*0.02, got %s", est)

	assert.True(t, l.EstimateCost(0).Equal(decimal.NewFromInt(50)))
	assert.True(t, l.EstimateCost(-5).Equal(decimal.NewFromInt(50)))
}

func TestTryAdmitReservesAndRefuses(t *testing.T) {
	cfg := testBudgetConfig()
	l := newTestLedger(t, cfg)

	res, ok := l.TryAdmit(TierCritical, decimal.NewFromInt(400))
	require.True(t, ok)
	require.NotNil(t, res)
	assert.InDelta(t, 0.4, l.CurrentUsageRatio(), 1e-9)

	// Aggregate would still fit, but critical's 50% sub-allocation is full.
	_, ok = l.TryAdmit(TierCritical, decimal.NewFromInt(200))
	assert.False(t, ok)

	// Refusal must not mutate state.
	snap := l.Current()
	assert.True(t, snap.ReservedCostUnits.Equal(decimal.NewFromInt(400)))
	assert.True(t, snap.ConsumedCostUnits.IsZero())

	// Standard tier still has room.
	_, ok = l.TryAdmit(TierStandard, decimal.NewFromInt(300))
	assert.True(t, ok)
}

func TestTryAdmitRefusesOverAggregateLimit(t *testing.T) {
	cfg := testBudgetConfig()
	cfg.TierFractions = map[string]float64{"critical": 1.0}
	l := newTestLedger(t, cfg)

	_, ok := l.TryAdmit(TierCritical, decimal.NewFromInt(900))
	require.True(t, ok)
	_, ok = l.TryAdmit(TierCritical, decimal.NewFromInt(200))
	assert.False(t, ok)

	snap := l.Current()
	assert.True(t, snap.ReservedCostUnits.Equal(decimal.NewFromInt(900)))
}

func TestRecordActualReconciles(t *testing.T) {
	l := newTestLedger(t, testBudgetConfig())

	res, ok := l.TryAdmit(TierStandard, decimal.NewFromInt(100))
	require.True(t, ok)

	// Actual below estimate: the difference is returned to the pool.
	l.RecordActual(res, decimal.NewFromInt(60), "cycle-1", "news")
	snap := l.Current()
	assert.True(t, snap.ConsumedCostUnits.Equal(decimal.NewFromInt(60)))
	assert.True(t, snap.ReservedCostUnits.IsZero())

	// Double settlement is a no-op.
	l.RecordActual(res, decimal.NewFromInt(60), "cycle-1", "news")
	assert.True(t, l.Current().ConsumedCostUnits.Equal(decimal.NewFromInt(60)))
}

func TestConsumedNeverExceedsLimit(t *testing.T) {
	cfg := testBudgetConfig()
	cfg.TierFractions = map[string]float64{"critical": 1.0}
	l := newTestLedger(t, cfg)

	res, ok := l.TryAdmit(TierCritical, decimal.NewFromInt(900))
	require.True(t, ok)
	// Actual overshoots both the estimate and the limit.
	l.RecordActual(res, decimal.NewFromInt(1200), "cycle-1", "technical")

	snap := l.Current()
	assert.True(t, snap.ConsumedCostUnits.LessThanOrEqual(snap.LimitCostUnits),
		"consumed %s > limit %s", snap.ConsumedCostUnits, snap.LimitCostUnits)
	assert.True(t, snap.OverrunCostUnits.Equal(decimal.NewFromInt(200)))
}

func TestReleaseReturnsReservation(t *testing.T) {
	l := newTestLedger(t, testBudgetConfig())

	res, ok := l.TryAdmit(TierOptional, decimal.NewFromInt(150))
	require.True(t, ok)
	l.Release(res)

	snap := l.Current()
	assert.True(t, snap.ReservedCostUnits.IsZero())
	assert.True(t, snap.TierConsumed[TierOptional].IsZero())

	// A released reservation frees its tier allocation again.
	_, ok = l.TryAdmit(TierOptional, decimal.NewFromInt(200))
	assert.True(t, ok)
}

func TestPeriodRollover(t *testing.T) {
	current := fixedNow()
	var mu sync.Mutex
	now := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return current
	}
	l := NewLedger(testBudgetConfig(), WithNowFunc(now))

	res, ok := l.TryAdmit(TierStandard, decimal.NewFromInt(100))
	require.True(t, ok)
	l.RecordActual(res, decimal.NewFromInt(100), "cycle-1", "news")
	firstID := l.Current().PeriodID

	mu.Lock()
	current = current.Add(24 * time.Hour)
	mu.Unlock()

	fresh := l.Current()
	assert.NotEqual(t, firstID, fresh.PeriodID)
	assert.True(t, fresh.ConsumedCostUnits.IsZero())

	// The closed period stays queryable for audit.
	old, found := l.Period(firstID)
	require.True(t, found)
	assert.True(t, old.Closed)
	assert.True(t, old.ConsumedCostUnits.Equal(decimal.NewFromInt(100)))
}

func TestConcurrentAdmissionHoldsInvariant(t *testing.T) {
	cfg := testBudgetConfig()
	cfg.TierFractions = map[string]float64{"standard": 1.0}
	l := newTestLedger(t, cfg)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if res, ok := l.TryAdmit(TierStandard, decimal.NewFromInt(30)); ok {
				l.RecordActual(res, decimal.NewFromInt(30), "cycle-x", "news")
			}
		}()
	}
	wg.Wait()

	snap := l.Current()
	total := snap.ConsumedCostUnits.Add(snap.ReservedCostUnits)
	assert.True(t, total.LessThanOrEqual(snap.LimitCostUnits),
		"in-use %s exceeds limit %s", total, snap.LimitCostUnits)
}

func TestUsageSinkReceivesRecords(t *testing.T) {
	var mu sync.Mutex
	var records []UsageRecord
	sink := usageSinkFunc(func(rec UsageRecord) {
		mu.Lock()
		records = append(records, rec)
		mu.Unlock()
	})
	l := NewLedger(testBudgetConfig(), WithNowFunc(fixedNow), WithUsageSink(sink))

	res, ok := l.TryAdmit(TierCritical, decimal.NewFromInt(80))
	require.True(t, ok)
	l.RecordActual(res, decimal.NewFromInt(75), "cycle-9", "technical")

	require.Len(t, records, 1)
	assert.Equal(t, "cycle-9", records[0].CycleID)
	assert.Equal(t, "technical", records[0].AgentKind)
	assert.True(t, records[0].CostUnits.Equal(decimal.NewFromInt(75)))
}

type usageSinkFunc func(UsageRecord)

func (f usageSinkFunc) AppendUsage(rec UsageRecord) { f(rec) }
