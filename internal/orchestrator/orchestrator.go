package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"tradecycle/internal/agent"
	"tradecycle/internal/budget"
	"tradecycle/internal/config"
	"tradecycle/internal/decision"
	"tradecycle/internal/gateway/execution"
	"tradecycle/internal/logger"
	"tradecycle/internal/store"
)

var (
	ErrHalted        = errors.New("orchestrator halted by emergency stop")
	ErrCycleInFlight = errors.New("a cycle is already running")
)

// abortError ends the cycle with Outcome Aborted instead of Failed.
type abortError struct {
	reason string
}

func (e *abortError) Error() string { return "cycle aborted: " + e.reason }

// errAgentSkipped drops a non-critical agent from the stage without
// failing it.
var errAgentSkipped = errors.New("agent skipped")

// pollExhaustedError marks an agent that never reported completion
// within the poll attempt cap. The cycle treats it like a timeout.
type pollExhaustedError struct {
	kind     string
	attempts int
}

func (e *pollExhaustedError) Error() string {
	return fmt.Sprintf("agent %s still pending after %d polls", e.kind, e.attempts)
}

// Executor submits decisions for execution; the execution gateway
// implements it.
type Executor interface {
	Execute(ctx context.Context, d decision.Decision, testMode bool) (execution.TradeOrder, error)
}

// Deps bundles the orchestrator's collaborators.
type Deps struct {
	Ledger   *budget.Ledger
	Roster   *agent.Roster
	Agents   map[agent.Kind]agent.Agent
	Engine   *decision.Engine
	Executor Executor
	Cycles   store.CycleStore
}

// Orchestrator drives trading cycles through the staged pipeline:
// collect, analyze, decide, execute, log. One cycle runs at a time.
type Orchestrator struct {
	cfg         config.OrchestratorConfig
	defaultRisk decision.RiskLevel

	ledger   *budget.Ledger
	roster   *agent.Roster
	agents   map[agent.Kind]agent.Agent
	engine   *decision.Engine
	executor Executor
	cycles   store.CycleStore

	nowFn   func() time.Time
	sleepFn func(ctx context.Context, d time.Duration) error

	halted atomic.Bool
	runMu  sync.Mutex

	activeMu sync.Mutex
	active   *Cycle
}

type Option func(*Orchestrator)

func WithNowFunc(now func() time.Time) Option {
	return func(o *Orchestrator) { o.nowFn = now }
}

// WithSleepFunc replaces the poll wait; tests use it to skip real time.
func WithSleepFunc(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(o *Orchestrator) { o.sleepFn = sleep }
}

func New(cfg config.OrchestratorConfig, defaultRisk decision.RiskLevel, deps Deps, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		cfg:         cfg,
		defaultRisk: defaultRisk,
		ledger:      deps.Ledger,
		roster:      deps.Roster,
		agents:      deps.Agents,
		engine:      deps.Engine,
		executor:    deps.Executor,
		cycles:      deps.Cycles,
		nowFn:       time.Now,
		sleepFn:     sleepWithContext,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Halt blocks new cycle starts and aborts the running cycle at its next
// poll point, unless it is already executing.
func (o *Orchestrator) Halt() {
	if o.halted.CompareAndSwap(false, true) {
		logger.Warnf("orchestrator: emergency stop engaged")
	}
}

// Rearm re-enables cycle starts after an emergency stop.
func (o *Orchestrator) Rearm() {
	if o.halted.CompareAndSwap(true, false) {
		logger.Infof("orchestrator: emergency stop released")
	}
}

func (o *Orchestrator) Halted() bool { return o.halted.Load() }

// ActiveCycle reports the in-flight cycle, if any.
func (o *Orchestrator) ActiveCycle() (id string, stage Stage, running bool) {
	o.activeMu.Lock()
	defer o.activeMu.Unlock()
	if o.active == nil {
		return "", "", false
	}
	return o.active.ID, o.active.Stage, true
}

// StartCycle launches a cycle asynchronously and returns its ID. The
// HTTP trigger and the scheduler both come through here. testMode
// routes the cycle's orders to the simulated execution surface.
func (o *Orchestrator) StartCycle(trigger string, tickers []string, testMode bool) (string, error) {
	if o.halted.Load() {
		return "", ErrHalted
	}
	if len(tickers) == 0 {
		return "", fmt.Errorf("cycle needs at least one ticker")
	}
	if !o.runMu.TryLock() {
		return "", ErrCycleInFlight
	}
	c := newCycle(uuid.NewString(), trigger, tickers, testMode, o.nowFn().UTC())
	go func() {
		defer o.runMu.Unlock()
		o.run(context.Background(), c)
	}()
	return c.ID, nil
}

// RunCycle runs a cycle to completion on the calling goroutine and
// returns its persisted record.
func (o *Orchestrator) RunCycle(ctx context.Context, trigger string, tickers []string, testMode bool) (store.CycleRecord, error) {
	if o.halted.Load() {
		return store.CycleRecord{}, ErrHalted
	}
	if len(tickers) == 0 {
		return store.CycleRecord{}, fmt.Errorf("cycle needs at least one ticker")
	}
	if !o.runMu.TryLock() {
		return store.CycleRecord{}, ErrCycleInFlight
	}
	defer o.runMu.Unlock()
	c := newCycle(uuid.NewString(), trigger, tickers, testMode, o.nowFn().UTC())
	o.run(ctx, c)
	return c.record(), nil
}

func (o *Orchestrator) run(ctx context.Context, c *Cycle) {
	o.setActive(c)
	defer o.setActive(nil)

	timeout := time.Duration(o.cfg.CycleTimeoutMinutes) * time.Minute
	if timeout <= 0 {
		timeout = 30 * time.Minute
	}
	cycleCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	c.BudgetPeriodID = o.ledger.Current().PeriodID
	logger.Cyclef(c.ID, "cycle started (trigger=%s tickers=%v period=%s)", c.Trigger, c.Tickers, c.BudgetPeriodID)
	o.advance(cycleCtx, c)
	c.EndedAt = o.nowFn().UTC()
	if c.Outcome == OutcomeCompleted {
		c.Stage = StageCompleted
	}

	// Logging always runs, on its own context: a timed-out or aborted
	// cycle still leaves an audit record, with Stage left at the point
	// of failure.
	o.logCycle(c)
	logger.Cyclef(c.ID, "cycle finished (outcome=%s reason=%s cost=%.2f)", c.Outcome, c.Reason, c.costUnits)
}

func (o *Orchestrator) advance(ctx context.Context, c *Cycle) {
	stages := []struct {
		stage Stage
		fn    func(context.Context, *Cycle) error
	}{
		{StageCollecting, o.collect},
		{StageAnalyzing, o.analyze},
		{StageDeciding, o.decide},
		{StageExecuting, o.execute},
	}
	for _, s := range stages {
		if o.halted.Load() {
			c.Outcome = OutcomeAborted
			c.Reason = ReasonEmergencyStop
			return
		}
		c.Stage = s.stage
		if err := o.runStage(ctx, c, s.stage, s.fn); err != nil {
			var abort *abortError
			if errors.As(err, &abort) {
				c.Outcome = OutcomeAborted
				c.Reason = abort.reason
			} else {
				c.Outcome = OutcomeFailed
				c.Reason = failureReason(ctx, err)
			}
			logger.Cyclef(c.ID, "stage %s ended cycle: %v", s.stage, err)
			return
		}
	}
	c.Outcome = OutcomeCompleted
	switch {
	case c.execFailed:
		c.Reason = "execution_failed"
	case len(c.orders) == 0 && allHolds(c.decisions):
		c.Reason = "no_action"
	}
}

func allHolds(decisions []decision.Decision) bool {
	for _, d := range decisions {
		if d.Action != decision.ActionHold {
			return false
		}
	}
	return true
}

func failureReason(cycleCtx context.Context, err error) string {
	if cycleCtx.Err() != nil {
		return ReasonCycleTimeout
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ReasonStageTimeout
	}
	var exhausted *pollExhaustedError
	if errors.As(err, &exhausted) {
		return ReasonStageTimeout
	}
	return ReasonStageFailed
}

func (o *Orchestrator) runStage(ctx context.Context, c *Cycle, stage Stage, fn func(context.Context, *Cycle) error) error {
	stageTimeout := time.Duration(o.cfg.StageTimeoutSeconds) * time.Second
	if stageTimeout <= 0 {
		stageTimeout = 5 * time.Minute
	}
	attempts := o.cfg.StageAttempts
	if attempts <= 0 {
		attempts = 1
	}

	rec := store.StageRecord{Stage: string(stage), StartedAt: o.nowFn().UTC()}
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		rec.Attempts = attempt
		stageCtx, cancel := context.WithTimeout(ctx, stageTimeout)
		err = fn(stageCtx, c)
		cancel()
		if err == nil {
			break
		}
		// Only a stage deadline expiry earns a fresh attempt. Aborts
		// and cycle-level expiry end the cycle on the spot.
		if !errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
			break
		}
		if attempt < attempts {
			logger.Cyclef(c.ID, "stage %s attempt %d timed out, retrying", stage, attempt)
		}
	}
	rec.EndedAt = o.nowFn().UTC()
	if err != nil {
		rec.Status = "failed"
		rec.Error = err.Error()
	} else {
		rec.Status = "ok"
	}
	c.pushStage(rec)
	return err
}

// --------------------- Stages -------------------------

func (o *Orchestrator) collect(ctx context.Context, c *Cycle) error {
	specs := o.roster.Snapshot().ByRole(agent.RoleCollect)
	results, err := o.fanOut(ctx, c, specs, nil)
	if err != nil {
		return err
	}
	for kind, res := range results {
		c.collected[kind] = res
	}
	return nil
}

func (o *Orchestrator) analyze(ctx context.Context, c *Cycle) error {
	specs := o.roster.Snapshot().ByRole(agent.RoleAnalyze)
	payload, err := o.analysisPayload(c)
	if err != nil {
		return err
	}
	results, err := o.fanOut(ctx, c, specs, payload)
	if err != nil {
		return err
	}
	for kind, res := range results {
		spec, ok := o.roster.Spec(string(kind))
		if !ok {
			continue
		}
		c.addSignals(agent.Signals(res, spec.SignalSource()))
		if level, ok := agent.RiskLevel(res); ok {
			c.risk = maxRisk(c.risk, level)
		}
	}
	return nil
}

func (o *Orchestrator) decide(ctx context.Context, c *Cycle) error {
	risk := c.risk
	if risk == "" {
		risk = o.defaultRisk
	}
	for _, ticker := range c.Tickers {
		if err := ctx.Err(); err != nil {
			return err
		}
		d, err := o.engine.Decide(c.ID, ticker, c.signals[ticker], risk)
		if errors.Is(err, decision.ErrInsufficientSignals) {
			// Zero signals is a hold, not a pipeline failure.
			d = decision.Decision{
				CycleID:   c.ID,
				Ticker:    ticker,
				Action:    decision.ActionHold,
				RiskLevel: risk,
				Reason:    "action_skipped",
			}
		} else if err != nil {
			return fmt.Errorf("decide %s: %w", ticker, err)
		}
		c.decisions = append(c.decisions, d)
		logger.Cyclef(c.ID, "decision %s: %s (strength=%.3f confidence=%.3f threshold=%.3f)",
			ticker, d.Action, d.CompositeStrength, d.Confidence, d.AppliedThreshold)
	}
	return nil
}

func (o *Orchestrator) execute(ctx context.Context, c *Cycle) error {
	for _, d := range c.decisions {
		if d.Action == decision.ActionHold {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		// A halt mid-stage lets the in-flight submission finish but
		// skips the remaining tickers.
		if o.halted.Load() {
			return &abortError{reason: ReasonEmergencyStop}
		}
		order, err := o.executor.Execute(ctx, d, c.TestMode)
		if order.OrderID != "" {
			c.orders = append(c.orders, order)
		}
		if err != nil {
			var verr *execution.ValidationError
			if errors.As(err, &verr) {
				logger.Cyclef(c.ID, "order for %s rejected: %s", d.Ticker, verr.Reason)
				continue
			}
			// Submission failures are terminal per order, not per cycle;
			// the order record carries the failure.
			c.execFailed = true
			logger.Cyclef(c.ID, "order for %s failed: %v", d.Ticker, err)
		}
	}
	return nil
}

func (o *Orchestrator) logCycle(c *Cycle) {
	rec := store.StageRecord{Stage: string(StageLogging), Attempts: 1, StartedAt: o.nowFn().UTC()}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := o.cycles.SaveCycle(ctx, c.record())
	rec.EndedAt = o.nowFn().UTC()
	if err != nil {
		rec.Status = "failed"
		rec.Error = err.Error()
		logger.Errorf("orchestrator: persist cycle %s: %v", c.ID, err)
	} else {
		rec.Status = "ok"
	}
	c.pushStage(rec)
	if err == nil {
		// Second write includes the logging stage record itself.
		if err := o.cycles.SaveCycle(ctx, c.record()); err != nil {
			logger.Errorf("orchestrator: persist cycle %s stages: %v", c.ID, err)
		}
	}
}

// --------------------- Agent dispatch -------------------------

// fanOut invokes every admitted spec concurrently. Critical agent
// failures fail the stage; standard and optional failures drop the
// agent and keep going.
func (o *Orchestrator) fanOut(ctx context.Context, c *Cycle, specs []agent.Spec, payload json.RawMessage) (map[agent.Kind]agent.Result, error) {
	var mu sync.Mutex
	results := make(map[agent.Kind]agent.Result)

	g, gctx := errgroup.WithContext(ctx)
	for _, spec := range specs {
		spec := spec
		if !o.tierAdmitted(spec.BudgetTier()) {
			logger.Cyclef(c.ID, "agent %s skipped (budget degradation, tier=%s)", spec.Kind, spec.BudgetTier())
			continue
		}
		g.Go(func() error {
			res, err := o.invokeAgent(gctx, c, spec, payload)
			if err != nil {
				if errors.Is(err, errAgentSkipped) {
					logger.Cyclef(c.ID, "agent %s refused admission (tier=%s)", spec.Kind, spec.BudgetTier())
					return nil
				}
				var abort *abortError
				if errors.As(err, &abort) || spec.BudgetTier() == budget.TierCritical {
					return err
				}
				logger.Cyclef(c.ID, "agent %s dropped: %v", spec.Kind, err)
				return nil
			}
			mu.Lock()
			results[agent.Kind(spec.Kind)] = res
			c.costUnits += res.CostUnitsConsumed
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func (o *Orchestrator) tierAdmitted(tier budget.Tier) bool {
	ratio := o.ledger.CurrentUsageRatio()
	switch {
	case o.cfg.DegradeCriticalOnly > 0 && ratio >= o.cfg.DegradeCriticalOnly:
		return tier == budget.TierCritical
	case o.cfg.DegradeSkipOptional > 0 && ratio >= o.cfg.DegradeSkipOptional:
		return tier != budget.TierOptional
	default:
		return true
	}
}

// invokeAgent runs one agent call under budget admission, retrying
// transient failures and pending results up to the stage attempt cap.
// The returned result's CostUnitsConsumed is the settled cost.
func (o *Orchestrator) invokeAgent(ctx context.Context, c *Cycle, spec agent.Spec, payload json.RawMessage) (agent.Result, error) {
	ag, ok := o.agents[agent.Kind(spec.Kind)]
	if !ok {
		return agent.Result{}, fmt.Errorf("agent %s has no implementation", spec.Kind)
	}
	req := agent.Request{
		CycleID: c.ID,
		Kind:    agent.Kind(spec.Kind),
		Tickers: c.Tickers,
		Payload: payload,
	}
	attempts := o.cfg.StageAttempts
	if attempts <= 0 {
		attempts = 1
	}
	pollInterval := time.Duration(o.cfg.PollIntervalSeconds) * time.Second
	if pollInterval <= 0 {
		pollInterval = time.Second
	}

	var lastErr error
	var pendingLast bool
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			if err := o.sleepFn(ctx, pollInterval); err != nil {
				return agent.Result{}, err
			}
		}
		if o.halted.Load() {
			return agent.Result{}, &abortError{reason: ReasonEmergencyStop}
		}

		estimate := o.ledger.EstimateCost(len(req.Payload))
		reservation, admitted := o.ledger.TryAdmit(spec.BudgetTier(), estimate)
		if !admitted {
			if spec.BudgetTier() == budget.TierCritical {
				return agent.Result{}, &abortError{reason: ReasonBudgetExceeded}
			}
			return agent.Result{}, errAgentSkipped
		}

		res, err := ag.Invoke(ctx, req)
		actual := decimal.NewFromFloat(res.CostUnitsConsumed)
		if err != nil {
			// A failed call may still have consumed budget.
			if actual.IsPositive() {
				o.ledger.RecordActual(reservation, actual, c.ID, spec.Kind)
			} else {
				o.ledger.Release(reservation)
			}
			lastErr = err
			pendingLast = false
			if agent.IsTransient(err) && ctx.Err() == nil {
				continue
			}
			return agent.Result{}, err
		}
		if !actual.IsPositive() {
			actual = estimate
		}
		o.ledger.RecordActual(reservation, actual, c.ID, spec.Kind)
		res.CostUnitsConsumed, _ = actual.Float64()

		switch res.Status {
		case agent.StatusComplete:
			return res, nil
		case agent.StatusPending:
			lastErr = fmt.Errorf("agent %s still pending", spec.Kind)
			pendingLast = true
		default:
			return agent.Result{}, fmt.Errorf("agent %s failed: %s", spec.Kind, res.Err)
		}
	}
	if pendingLast {
		return agent.Result{}, &pollExhaustedError{kind: spec.Kind, attempts: attempts}
	}
	return agent.Result{}, fmt.Errorf("agent %s exhausted %d attempts: %w", spec.Kind, attempts, lastErr)
}

type analysisEnvelope struct {
	CycleID   string                     `json:"cycleId"`
	Tickers   []string                   `json:"tickers"`
	Collected map[string]json.RawMessage `json:"collected"`
}

func (o *Orchestrator) analysisPayload(c *Cycle) (json.RawMessage, error) {
	env := analysisEnvelope{
		CycleID:   c.ID,
		Tickers:   c.Tickers,
		Collected: make(map[string]json.RawMessage, len(c.collected)),
	}
	for kind, res := range c.collected {
		env.Collected[string(kind)] = res.Data
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode analysis payload: %w", err)
	}
	return raw, nil
}

func (o *Orchestrator) setActive(c *Cycle) {
	o.activeMu.Lock()
	o.active = c
	o.activeMu.Unlock()
}

func maxRisk(a, b decision.RiskLevel) decision.RiskLevel {
	rank := func(r decision.RiskLevel) int {
		switch r {
		case decision.RiskHigh:
			return 3
		case decision.RiskMedium:
			return 2
		case decision.RiskLow:
			return 1
		default:
			return 0
		}
	}
	if rank(b) > rank(a) {
		return b
	}
	return a
}
