package market

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Candle is one OHLCV bar.
type Candle struct {
	OpenTime  time.Time
	CloseTime time.Time
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
}

// Source supplies current prices and candle history. The execution
// gateway re-reads the price at submit time; the technical agent
// consumes candles.
type Source interface {
	CurrentPrice(ctx context.Context, ticker string) (float64, error)
	Candles(ctx context.Context, ticker, interval string, limit int) ([]Candle, error)
}

// Position is one held lot as the account provider reports it.
type Position struct {
	Ticker   string  `json:"ticker"`
	Quantity float64 `json:"quantity"`
	AvgPrice float64 `json:"avgPrice"`
}

// AccountState is the snapshot the gateway validates orders against.
type AccountState struct {
	AvailableCash decimal.Decimal     `json:"availableCash"`
	Positions     map[string]Position `json:"positions"`
}

// PortfolioValue is cash plus positions marked at the given prices.
func (a AccountState) PortfolioValue(prices map[string]float64) decimal.Decimal {
	total := a.AvailableCash
	for ticker, pos := range a.Positions {
		price, ok := prices[ticker]
		if !ok {
			price = pos.AvgPrice
		}
		total = total.Add(decimal.NewFromFloat(price).Mul(decimal.NewFromFloat(pos.Quantity)))
	}
	return total
}

// AccountProvider exposes the external account surface.
type AccountProvider interface {
	AccountState(ctx context.Context) (AccountState, error)
}
