package market

import (
	"context"
	"sync"

	"github.com/shopspring/decimal"
)

// SimAccount is the in-memory account used in simulation mode. The sim
// broker applies fills to it so validation on later cycles sees the
// updated cash and positions.
type SimAccount struct {
	mu        sync.Mutex
	cash      decimal.Decimal
	positions map[string]Position
}

func NewSimAccount(startingCash float64) *SimAccount {
	return &SimAccount{
		cash:      decimal.NewFromFloat(startingCash),
		positions: make(map[string]Position),
	}
}

func (a *SimAccount) AccountState(ctx context.Context) (AccountState, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	positions := make(map[string]Position, len(a.positions))
	for k, v := range a.positions {
		positions[k] = v
	}
	return AccountState{AvailableCash: a.cash, Positions: positions}, nil
}

// ApplyFill mutates the account for a simulated execution. Quantity is
// positive; side is +1 for buy, -1 for sell.
func (a *SimAccount) ApplyFill(ticker string, side int, quantity, price float64) {
	a.mu.Lock()
	defer a.mu.Unlock()

	notional := decimal.NewFromFloat(price).Mul(decimal.NewFromFloat(quantity))
	pos := a.positions[ticker]
	pos.Ticker = ticker
	if side > 0 {
		a.cash = a.cash.Sub(notional)
		total := pos.Quantity + quantity
		if total > 0 {
			pos.AvgPrice = (pos.AvgPrice*pos.Quantity + price*quantity) / total
		}
		pos.Quantity = total
	} else {
		a.cash = a.cash.Add(notional)
		pos.Quantity -= quantity
	}
	if pos.Quantity <= 0 {
		delete(a.positions, ticker)
		return
	}
	a.positions[ticker] = pos
}
