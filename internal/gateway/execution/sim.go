package execution

import (
	"context"

	"github.com/google/uuid"

	"tradecycle/internal/decision"
	"tradecycle/internal/logger"
	"tradecycle/internal/market"
)

// SimBroker fills orders immediately at the order price against the
// simulated account. It is the default execution surface until
// execution.simulation is switched off.
type SimBroker struct {
	account *market.SimAccount
}

func NewSimBroker(account *market.SimAccount) *SimBroker {
	return &SimBroker{account: account}
}

func (b *SimBroker) Submit(ctx context.Context, order TradeOrder) (Ack, error) {
	side := 1
	if order.Action == decision.ActionSell {
		side = -1
	}
	price, _ := order.Price.Float64()
	b.account.ApplyFill(order.Ticker, side, order.Quantity, price)
	ref := uuid.NewString()
	logger.Infof("sim broker: filled %s %s x%.0f @ %s (ref=%s)",
		order.Action, order.Ticker, order.Quantity, order.Price, ref)
	return Ack{RefID: ref, Status: OrderConfirmed}, nil
}

func (b *SimBroker) OrderStatus(ctx context.Context, refID string) (OrderStatus, error) {
	return OrderConfirmed, nil
}
