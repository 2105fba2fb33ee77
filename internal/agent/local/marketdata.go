package local

import (
	"context"
	"encoding/json"
	"time"

	"tradecycle/internal/agent"
	"tradecycle/internal/market"
)

// MarketDataAgent is the in-process data-collection agent: it snapshots
// current prices for the cycle's tickers so downstream stages work from
// one consistent view.
type MarketDataAgent struct {
	source market.Source
	nowFn  func() time.Time
}

func NewMarketDataAgent(source market.Source) *MarketDataAgent {
	return &MarketDataAgent{source: source, nowFn: time.Now}
}

func (a *MarketDataAgent) Kind() agent.Kind { return "market-data" }

type marketDataPayload struct {
	Prices    map[string]float64 `json:"prices"`
	Timestamp time.Time          `json:"timestamp"`
}

func (a *MarketDataAgent) Invoke(ctx context.Context, req agent.Request) (agent.Result, error) {
	payload := marketDataPayload{
		Prices:    make(map[string]float64, len(req.Tickers)),
		Timestamp: a.nowFn().UTC(),
	}
	for _, ticker := range req.Tickers {
		price, err := a.source.CurrentPrice(ctx, ticker)
		if err != nil {
			return agent.Result{}, agent.Transientf("market-data agent: price %s: %v", ticker, err)
		}
		payload.Prices[ticker] = price
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return agent.Result{}, err
	}
	return agent.Result{
		CycleID: req.CycleID,
		Kind:    a.Kind(),
		Status:  agent.StatusComplete,
		Data:    data,
	}, nil
}
