package execution

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"tradecycle/internal/config"
	"tradecycle/internal/decision"
	"tradecycle/internal/logger"
	"tradecycle/internal/market"
	"tradecycle/internal/pkg/circuit"
	"tradecycle/internal/pkg/retry"
)

// Gateway validates trade intents against live account state and submits
// them idempotently to the broker. Transient submission failures retry
// with exponential backoff behind a circuit breaker; validation
// rejections are terminal.
type Gateway struct {
	cfg      config.ExecutionConfig
	broker   Broker
	store    OrderStore
	source   market.Source
	accounts market.AccountProvider
	breaker  *circuit.Breaker

	// sim surface for test-mode cycles on a live deployment
	simBroker   Broker
	simAccounts market.AccountProvider
	policy      retry.Policy
	nowFn       func() time.Time

	mu sync.Mutex // guards the submit check-then-insert; idempotency across processes comes from the store
}

func NewGateway(cfg config.ExecutionConfig, broker Broker, store OrderStore, source market.Source, accounts market.AccountProvider) *Gateway {
	return &Gateway{
		cfg:      cfg,
		broker:   broker,
		store:    store,
		source:   source,
		accounts: accounts,
		breaker:  circuit.NewBreaker("execution", 5, 2*time.Minute),
		policy: retry.Exponential(cfg.MaxAttempts,
			time.Duration(cfg.BackoffBaseMs)*time.Millisecond,
			time.Duration(cfg.BackoffMaxMs)*time.Millisecond),
		nowFn: time.Now,
	}
}

// AttachSimSurface registers the simulated broker used for test-mode
// cycles when the gateway itself runs live.
func (g *Gateway) AttachSimSurface(broker Broker, accounts market.AccountProvider) {
	g.simBroker = broker
	g.simAccounts = accounts
}

// Execute turns a non-hold decision into a sized, validated, submitted
// order. The account and price are re-read here: the decision-time
// snapshot is stale by the time execution runs. testMode routes the
// order to the simulated surface regardless of the configured mode.
func (g *Gateway) Execute(ctx context.Context, d decision.Decision, testMode bool) (TradeOrder, error) {
	if d.Action == decision.ActionHold {
		return TradeOrder{}, fmt.Errorf("execute called with hold decision for cycle %s", d.CycleID)
	}
	broker, accounts, simulated := g.broker, g.accounts, g.cfg.Simulation
	if testMode && !simulated {
		if g.simBroker == nil || g.simAccounts == nil {
			return TradeOrder{}, fmt.Errorf("execution: test mode requested but no simulation surface attached")
		}
		broker, accounts, simulated = g.simBroker, g.simAccounts, true
	}
	price, err := g.source.CurrentPrice(ctx, d.Ticker)
	if err != nil {
		return TradeOrder{}, fmt.Errorf("execution: price %s: %w", d.Ticker, err)
	}
	account, err := accounts.AccountState(ctx)
	if err != nil {
		return TradeOrder{}, fmt.Errorf("execution: account state: %w", err)
	}

	quantity := g.size(d, account, price)
	order := TradeOrder{
		OrderID:     OrderID(d.CycleID, d.Ticker, d.Action),
		CycleID:     d.CycleID,
		Ticker:      d.Ticker,
		Action:      d.Action,
		Quantity:    quantity,
		Price:       decimal.NewFromFloat(price),
		Simulated:   simulated,
		SubmittedAt: g.nowFn().UTC(),
	}
	order.RequiredFunds = order.Price.Mul(decimal.NewFromFloat(order.Quantity))

	if v := g.Validate(order, account, map[string]float64{d.Ticker: price}); !v.Valid {
		order.Status = OrderRejected
		order.Reason = v.Reason
		order.UpdatedAt = order.SubmittedAt
		if err := g.store.SaveTradeOrder(ctx, order); err != nil {
			logger.Errorf("execution: persist rejected order %s: %v", order.OrderID, err)
		}
		return order, &ValidationError{Reason: v.Reason}
	}
	return g.submitVia(ctx, broker, order)
}

// Validate applies the account and risk constraints from the current
// account snapshot. It has no side effects.
func (g *Gateway) Validate(order TradeOrder, account market.AccountState, prices map[string]float64) ValidationResult {
	switch order.Action {
	case decision.ActionBuy:
		if order.Quantity <= 0 || order.RequiredFunds.GreaterThan(account.AvailableCash) {
			return ValidationResult{Reason: ReasonInsufficientFunds}
		}
	case decision.ActionSell:
		held := account.Positions[order.Ticker].Quantity
		if order.Quantity <= 0 || held < order.Quantity {
			return ValidationResult{Reason: ReasonInsufficientPosition}
		}
		return ValidationResult{Valid: true}
	default:
		return ValidationResult{Reason: "unsupported_action"}
	}

	// Position-size cap: the resulting exposure in this ticker must stay
	// under the configured fraction of total portfolio value.
	portfolio := account.PortfolioValue(prices)
	if portfolio.IsPositive() {
		price, ok := prices[order.Ticker]
		if !ok {
			price, _ = order.Price.Float64()
		}
		existing := decimal.NewFromFloat(account.Positions[order.Ticker].Quantity).
			Mul(decimal.NewFromFloat(price))
		exposure := existing.Add(order.RequiredFunds)
		limit := portfolio.Mul(decimal.NewFromFloat(g.cfg.MaxPositionPct))
		if exposure.GreaterThan(limit) {
			return ValidationResult{Reason: ReasonPositionLimit}
		}
	}
	return ValidationResult{Valid: true}
}

// Submit is idempotent on OrderID: a resubmission returns the stored
// order's current status instead of creating a duplicate.
func (g *Gateway) Submit(ctx context.Context, order TradeOrder) (TradeOrder, error) {
	return g.submitVia(ctx, g.broker, order)
}

func (g *Gateway) submitVia(ctx context.Context, broker Broker, order TradeOrder) (TradeOrder, error) {
	// The lock covers only the check-then-insert; broker calls and
	// backoff sleeps run without it so submissions don't serialize.
	g.mu.Lock()
	existing, found, err := g.store.GetTradeOrder(ctx, order.OrderID)
	if err != nil {
		g.mu.Unlock()
		return TradeOrder{}, fmt.Errorf("execution: lookup order %s: %w", order.OrderID, err)
	}
	if found {
		g.mu.Unlock()
		logger.Infof("execution: order %s already exists (status=%s), returning as-is", order.OrderID, existing.Status)
		return existing, nil
	}

	order.Status = OrderSubmitted
	order.UpdatedAt = g.nowFn().UTC()
	if err := g.store.SaveTradeOrder(ctx, order); err != nil {
		g.mu.Unlock()
		return TradeOrder{}, fmt.Errorf("execution: persist order %s: %w", order.OrderID, err)
	}
	g.mu.Unlock()

	submitErr := g.policy.Do(ctx, isTransientSubmit, func(attempt int) error {
		if !g.breaker.Allow() {
			return &TransientSubmitError{Err: errors.New("execution breaker open")}
		}
		ack, err := broker.Submit(ctx, order)
		if err != nil {
			g.breaker.RecordFailure()
			if attempt < g.policy.MaxAttempts && isTransientSubmit(err) {
				logger.Warnf("execution: submit %s attempt %d failed: %v", order.OrderID, attempt, err)
			}
			return err
		}
		g.breaker.RecordSuccess()
		order.BrokerRef = ack.RefID
		order.Status = ack.Status
		return nil
	})

	if submitErr != nil {
		order.Status = OrderFailed
		order.Reason = submitErr.Error()
	} else if order.Status == OrderSubmitted {
		order.Status = g.awaitTerminal(ctx, broker, order)
	}
	order.UpdatedAt = g.nowFn().UTC()
	if err := g.store.SaveTradeOrder(ctx, order); err != nil {
		logger.Errorf("execution: persist order %s final status: %v", order.OrderID, err)
	}
	if submitErr != nil {
		return order, fmt.Errorf("execution: submit %s exhausted: %w", order.OrderID, submitErr)
	}
	return order, nil
}

// awaitTerminal follows up on an accepted-but-open order, bounded by the
// retry policy's attempt count.
func (g *Gateway) awaitTerminal(ctx context.Context, broker Broker, order TradeOrder) OrderStatus {
	status := order.Status
	for attempt := 2; attempt <= g.policy.MaxAttempts; attempt++ {
		wait := g.policy.Backoff(attempt)
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return status
		case <-timer.C:
		}
		latest, err := broker.OrderStatus(ctx, order.BrokerRef)
		if err != nil {
			logger.Warnf("execution: order %s status poll: %v", order.OrderID, err)
			continue
		}
		status = latest
		if status.Terminal() {
			return status
		}
	}
	return status
}

// size picks the order quantity: buys target the position cap (whole
// units), sells close the entire held position.
func (g *Gateway) size(d decision.Decision, account market.AccountState, price float64) float64 {
	if d.Action == decision.ActionSell {
		return account.Positions[d.Ticker].Quantity
	}
	if price <= 0 {
		return 0
	}
	portfolio := account.PortfolioValue(map[string]float64{d.Ticker: price})
	budget := portfolio.Mul(decimal.NewFromFloat(g.cfg.MaxPositionPct))
	existing := decimal.NewFromFloat(account.Positions[d.Ticker].Quantity).
		Mul(decimal.NewFromFloat(price))
	room := budget.Sub(existing)
	if room.GreaterThan(account.AvailableCash) {
		room = account.AvailableCash
	}
	qty, _ := room.Div(decimal.NewFromFloat(price)).Float64()
	return math.Floor(qty)
}

func isTransientSubmit(err error) bool {
	var te *TransientSubmitError
	return errors.As(err, &te)
}
