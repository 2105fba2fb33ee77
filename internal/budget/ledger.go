package budget

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"tradecycle/internal/config"
	"tradecycle/internal/logger"
)

// Ledger owns all budget periods for one process. Every admission and
// reconciliation goes through the single mutex, so the admit/record pair
// is atomic with respect to concurrent cycles; the lock is never held
// across an external paid call (that is what reservations are for).
type Ledger struct {
	mu  sync.Mutex
	cfg config.BudgetConfig

	current *period
	closed  map[string]PeriodSnapshot

	periodSink PeriodSink
	usageSink  UsageSink
	nowFn      func() time.Time
}

type period struct {
	id           string
	limit        decimal.Decimal
	consumed     decimal.Decimal
	reserved     decimal.Decimal
	overrun      decimal.Decimal
	tierConsumed map[Tier]decimal.Decimal
	startedAt    time.Time
	resetAt      time.Time
}

type Option func(*Ledger)

func WithPeriodSink(sink PeriodSink) Option { return func(l *Ledger) { l.periodSink = sink } }
func WithUsageSink(sink UsageSink) Option   { return func(l *Ledger) { l.usageSink = sink } }
func WithNowFunc(now func() time.Time) Option {
	return func(l *Ledger) { l.nowFn = now }
}

func NewLedger(cfg config.BudgetConfig, opts ...Option) *Ledger {
	l := &Ledger{
		cfg:    cfg,
		closed: make(map[string]PeriodSnapshot),
		nowFn:  time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// EstimateCost is the deterministic pre-call estimate: a fixed per-call
// overhead plus a per-byte rate on the request payload. It never touches
// the paid resource.
func (l *Ledger) EstimateCost(payloadBytes int) decimal.Decimal {
	overhead := decimal.NewFromFloat(l.cfg.EstimateOverhead)
	perByte := decimal.NewFromFloat(l.cfg.EstimatePerByte)
	if payloadBytes < 0 {
		payloadBytes = 0
	}
	return overhead.Add(perByte.Mul(decimal.NewFromInt(int64(payloadBytes))))
}

// TryAdmit atomically checks the estimate against the period limit and
// the tier's sub-allocation. On admission the estimate is reserved and a
// settlement handle returned; refusal leaves the ledger untouched.
func (l *Ledger) TryAdmit(tier Tier, estimate decimal.Decimal) (*Reservation, bool) {
	if estimate.IsNegative() {
		return nil, false
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	p := l.currentPeriodLocked()
	inUse := p.consumed.Add(p.reserved)
	if inUse.Add(estimate).GreaterThan(p.limit) {
		return nil, false
	}
	if frac, ok := l.cfg.TierFractions[string(tier)]; ok {
		tierLimit := p.limit.Mul(decimal.NewFromFloat(frac))
		if p.tierConsumed[tier].Add(estimate).GreaterThan(tierLimit) {
			return nil, false
		}
	}
	p.reserved = p.reserved.Add(estimate)
	p.tierConsumed[tier] = p.tierConsumed[tier].Add(estimate)
	l.publishLocked(p)
	return &Reservation{PeriodID: p.id, Tier: tier, Amount: estimate}, true
}

// RecordActual settles a reservation with the real cost of the call.
// Actual above the estimate is absorbed: committed consumption is capped
// at the period limit and the excess tracked as overrun, so the
// `consumed <= limit` invariant holds after every mutation. Overrun past
// the configured tolerance is logged; the call already happened, so it
// is never surfaced as an error.
func (l *Ledger) RecordActual(res *Reservation, actual decimal.Decimal, cycleID, agentKind string) {
	if res == nil || res.settled {
		return
	}
	if actual.IsNegative() {
		actual = decimal.Zero
	}
	l.mu.Lock()
	res.settled = true

	p := l.periodLocked(res.PeriodID)
	if p != nil {
		p.reserved = maxDecimal(p.reserved.Sub(res.Amount), decimal.Zero)
		delta := actual.Sub(res.Amount)
		p.tierConsumed[res.Tier] = maxDecimal(p.tierConsumed[res.Tier].Add(delta), decimal.Zero)

		next := p.consumed.Add(actual)
		if next.GreaterThan(p.limit) {
			excess := next.Sub(p.limit)
			p.overrun = p.overrun.Add(excess)
			next = p.limit
			tolerance := p.limit.Mul(decimal.NewFromFloat(l.cfg.ReserveTolerance))
			if p.overrun.GreaterThan(tolerance) {
				logger.Warnf("budget: period %s overrun %s beyond tolerance %s (agent=%s)",
					p.id, p.overrun, tolerance, agentKind)
			}
		}
		p.consumed = next
		l.publishLocked(p)
	}
	periodID := res.PeriodID
	tier := res.Tier
	usage := l.usageSink
	now := l.nowFn()
	l.mu.Unlock()

	if usage != nil {
		usage.AppendUsage(UsageRecord{
			CycleID:   cycleID,
			AgentKind: agentKind,
			Tier:      tier,
			PeriodID:  periodID,
			CostUnits: actual,
			Timestamp: now,
		})
	}
}

// Release drops a reservation whose paid call never ran.
func (l *Ledger) Release(res *Reservation) {
	if res == nil || res.settled {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	res.settled = true
	if p := l.periodLocked(res.PeriodID); p != nil {
		p.reserved = maxDecimal(p.reserved.Sub(res.Amount), decimal.Zero)
		p.tierConsumed[res.Tier] = maxDecimal(p.tierConsumed[res.Tier].Sub(res.Amount), decimal.Zero)
		l.publishLocked(p)
	}
}

// CurrentUsageRatio reports consumed+reserved over limit for the current
// period; the orchestrator uses it to degrade scope instead of hard
// failing.
func (l *Ledger) CurrentUsageRatio() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.snapshotLocked(l.currentPeriodLocked()).UsageRatio()
}

// Current returns the live period snapshot, rolling the window first if
// it has expired.
func (l *Ledger) Current() PeriodSnapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.snapshotLocked(l.currentPeriodLocked())
}

// Period returns a snapshot by id: the live period or a retained closed
// one.
func (l *Ledger) Period(id string) (PeriodSnapshot, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	p := l.currentPeriodLocked()
	if p.id == id {
		return l.snapshotLocked(p), true
	}
	snap, ok := l.closed[id]
	return snap, ok
}

// --- internals ---

func (l *Ledger) currentPeriodLocked() *period {
	now := l.nowFn().UTC()
	if l.current == nil || !now.Before(l.current.resetAt) {
		l.rolloverLocked(now)
	}
	return l.current
}

func (l *Ledger) rolloverLocked(now time.Time) {
	if l.current != nil {
		snap := l.snapshotLocked(l.current)
		snap.Closed = true
		l.closed[snap.PeriodID] = snap
		if l.periodSink != nil {
			l.periodSink.UpsertBudgetPeriod(snap)
		}
		logger.Infof("budget: period %s closed consumed=%s limit=%s", snap.PeriodID, snap.ConsumedCostUnits, snap.LimitCostUnits)
	}
	start, reset, id := l.windowFor(now)
	l.current = &period{
		id:           id,
		limit:        decimal.NewFromFloat(l.cfg.LimitCostUnits),
		tierConsumed: make(map[Tier]decimal.Decimal),
		startedAt:    start,
		resetAt:      reset,
	}
}

func (l *Ledger) windowFor(now time.Time) (start, reset time.Time, id string) {
	if l.cfg.Window == "hourly" {
		start = now.Truncate(time.Hour)
		return start, start.Add(time.Hour), start.Format("2006-01-02T15")
	}
	start = now.Truncate(24 * time.Hour)
	return start, start.Add(24 * time.Hour), start.Format("2006-01-02")
}

func (l *Ledger) periodLocked(id string) *period {
	// Reservations from an already-rolled period settle against the
	// retained snapshot's window only by losing their reservation; the
	// closed record keeps what was committed at close time.
	if l.current != nil && l.current.id == id {
		return l.current
	}
	return nil
}

func (l *Ledger) snapshotLocked(p *period) PeriodSnapshot {
	tiers := make(map[Tier]decimal.Decimal, len(p.tierConsumed))
	for k, v := range p.tierConsumed {
		tiers[k] = v
	}
	return PeriodSnapshot{
		PeriodID:          p.id,
		LimitCostUnits:    p.limit,
		ConsumedCostUnits: p.consumed,
		ReservedCostUnits: p.reserved,
		OverrunCostUnits:  p.overrun,
		TierConsumed:      tiers,
		StartedAt:         p.startedAt,
		ResetAt:           p.resetAt,
	}
}

func (l *Ledger) publishLocked(p *period) {
	if l.periodSink != nil {
		l.periodSink.UpsertBudgetPeriod(l.snapshotLocked(p))
	}
}

func maxDecimal(a, b decimal.Decimal) decimal.Decimal {
	if a.GreaterThan(b) {
		return a
	}
	return b
}
