package market

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/adshao/go-binance/v2"

	"tradecycle/internal/config"
)

const maxCandleLimit = 1000

// BinanceSource implements Source on the go-binance spot SDK.
type BinanceSource struct {
	client *binance.Client
}

func NewBinanceSource(cfg config.MarketConfig) *BinanceSource {
	client := binance.NewClient("", "")
	if base := strings.TrimSpace(cfg.RESTBaseURL); base != "" {
		client.BaseURL = base
	}
	client.HTTPClient = &http.Client{
		Timeout: time.Duration(cfg.HTTPTimeoutSeconds) * time.Second,
	}
	return &BinanceSource{client: client}
}

func (s *BinanceSource) CurrentPrice(ctx context.Context, ticker string) (float64, error) {
	symbol := cleanSymbol(ticker)
	if symbol == "" {
		return 0, fmt.Errorf("ticker is required")
	}
	prices, err := s.client.NewListPricesService().Symbol(symbol).Do(ctx)
	if err != nil {
		return 0, fmt.Errorf("fetch price %s: %w", symbol, err)
	}
	if len(prices) == 0 {
		return 0, fmt.Errorf("no price returned for %s", symbol)
	}
	price, err := strconv.ParseFloat(prices[0].Price, 64)
	if err != nil {
		return 0, fmt.Errorf("parse price %q: %w", prices[0].Price, err)
	}
	return price, nil
}

func (s *BinanceSource) Candles(ctx context.Context, ticker, interval string, limit int) ([]Candle, error) {
	symbol := cleanSymbol(ticker)
	if symbol == "" {
		return nil, fmt.Errorf("ticker is required")
	}
	if limit <= 0 {
		limit = 100
	}
	if limit > maxCandleLimit {
		limit = maxCandleLimit
	}
	interval = strings.ToLower(strings.TrimSpace(interval))
	if interval == "" {
		return nil, fmt.Errorf("interval is required")
	}
	kls, err := s.client.NewKlinesService().
		Symbol(symbol).Interval(interval).Limit(limit).Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch klines %s %s: %w", symbol, interval, err)
	}
	out := make([]Candle, 0, len(kls))
	for _, k := range kls {
		c := Candle{
			OpenTime:  time.UnixMilli(k.OpenTime),
			CloseTime: time.UnixMilli(k.CloseTime),
		}
		c.Open = parseFloat(k.Open)
		c.High = parseFloat(k.High)
		c.Low = parseFloat(k.Low)
		c.Close = parseFloat(k.Close)
		c.Volume = parseFloat(k.Volume)
		out = append(out, c)
	}
	return DropUnclosedCandle(out, time.Now().UTC()), nil
}

// Binance wants symbols without separators (e.g. BTCUSDT).
func cleanSymbol(ticker string) string {
	ticker = strings.ToUpper(strings.TrimSpace(ticker))
	ticker = strings.ReplaceAll(ticker, "/", "")
	return strings.ReplaceAll(ticker, "-", "")
}

func parseFloat(s string) float64 {
	v, _ := strconv.ParseFloat(s, 64)
	return v
}
