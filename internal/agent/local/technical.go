package local

import (
	"context"
	"encoding/json"
	"fmt"

	talib "github.com/markcheno/go-talib"

	"tradecycle/internal/agent"
	"tradecycle/internal/market"
)

const (
	rsiPeriod     = 14
	rsiOverbought = 70.0
	rsiOversold   = 30.0
	emaPeriod     = 20
	macdFast      = 12
	macdSlow      = 26
	macdSignal    = 9
)

// indicator vote weights, mirroring the classic MA/RSI/MACD blend.
var indicatorWeights = map[string]float64{
	"rsi":  0.3,
	"macd": 0.4,
	"ema":  0.3,
}

// TechnicalAgent is the in-process technical-analysis agent: it reads
// candles from the market source, derives RSI/MACD/EMA votes and emits
// one signal per ticker. No paid model behind it, but it still goes
// through budget admission like every other agent so the cost of the
// data pull is accounted.
type TechnicalAgent struct {
	source   market.Source
	interval string
	limit    int
}

func NewTechnicalAgent(source market.Source, interval string, limit int) *TechnicalAgent {
	if limit < macdSlow+macdSignal {
		limit = 60
	}
	return &TechnicalAgent{source: source, interval: interval, limit: limit}
}

func (a *TechnicalAgent) Kind() agent.Kind { return "technical" }

type technicalPayload struct {
	Signals []technicalSignal `json:"signals"`
}

type technicalSignal struct {
	Source     string  `json:"source"`
	Ticker     string  `json:"ticker"`
	Strength   float64 `json:"strength"`
	Confidence float64 `json:"confidence"`
	RSI        float64 `json:"rsi"`
	MACDHist   float64 `json:"macd_hist"`
	EMAGap     float64 `json:"ema_gap"`
}

func (a *TechnicalAgent) Invoke(ctx context.Context, req agent.Request) (agent.Result, error) {
	if len(req.Tickers) == 0 {
		return agent.Result{}, fmt.Errorf("technical agent: no tickers in request")
	}
	payload := technicalPayload{}
	for _, ticker := range req.Tickers {
		candles, err := a.source.Candles(ctx, ticker, a.interval, a.limit)
		if err != nil {
			return agent.Result{}, agent.Transientf("technical agent: candles %s: %v", ticker, err)
		}
		sig, err := a.analyze(ticker, candles)
		if err != nil {
			return agent.Result{}, err
		}
		payload.Signals = append(payload.Signals, sig)
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

func (a *TechnicalAgent) analyze(ticker string, candles []market.Candle) (technicalSignal, error) {
	if len(candles) < macdSlow+macdSignal {
		return technicalSignal{}, fmt.Errorf("technical agent: %s needs %d candles, have %d",
			ticker, macdSlow+macdSignal, len(candles))
	}
	closes := make([]float64, len(candles))
	for i, c := range candles {
		closes[i] = c.Close
	}

	rsi := talib.Rsi(closes, rsiPeriod)
	lastRSI := rsi[len(rsi)-1]

	_, _, hist := talib.Macd(closes, macdFast, macdSlow, macdSignal)
	lastHist := hist[len(hist)-1]

	ema := talib.Ema(closes, emaPeriod)
	lastClose := closes[len(closes)-1]
	lastEMA := ema[len(ema)-1]
	emaGap := 0.0
	if lastEMA != 0 {
		emaGap = (lastClose - lastEMA) / lastEMA
	}

	composite := indicatorWeights["rsi"]*rsiVote(lastRSI) +
		indicatorWeights["macd"]*macdVote(lastHist, lastClose) +
		indicatorWeights["ema"]*emaVote(emaGap)

	// Confidence tracks data completeness: a short history analyses,
	// but with less conviction.
	completeness := float64(len(candles)) / float64(a.limit)
	confidence := completeness
	if confidence > 0.9 {
		confidence = 0.9
	}
	if confidence < 0.3 {
		confidence = 0.3
	}

	return technicalSignal{
		Source:     "technical",
		Ticker:     ticker,
		Strength:   clamp(composite),
		Confidence: confidence,
		RSI:        lastRSI,
		MACDHist:   lastHist,
		EMAGap:     emaGap,
	}, nil
}

func rsiVote(rsi float64) float64 {
	switch {
	case rsi <= rsiOversold:
		return 1
	case rsi >= rsiOverbought:
		return -1
	default:
		// Linear between the bands: 50 is neutral.
		return (50 - rsi) / (50 - rsiOversold)
	}
}

func macdVote(hist, price float64) float64 {
	if price == 0 {
		return 0
	}
	// Histogram scaled by price; ±0.5% of price saturates the vote.
	v := hist / (price * 0.005)
	return clamp(v)
}

func emaVote(gap float64) float64 {
	// ±5% above/below the EMA saturates the vote.
	return clamp(gap / 0.05)
}

func clamp(v float64) float64 {
	if v > 1 {
		return 1
	}
	if v < -1 {
		return -1
	}
	return v
}
