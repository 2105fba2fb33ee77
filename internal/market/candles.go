package market

import "time"

const defaultCandleGrace = 10 * time.Second

// DropUnclosedCandle drops the last bar if it is still in progress.
// Exchange kline feeds include the current, not-yet-closed candle as
// the final element; indicator math must only see closed bars.
func DropUnclosedCandle(candles []Candle, now time.Time) []Candle {
	return dropUnclosedCandleAt(candles, now, defaultCandleGrace)
}

func dropUnclosedCandleAt(candles []Candle, now time.Time, grace time.Duration) []Candle {
	if len(candles) == 0 {
		return candles
	}
	if grace < 0 {
		grace = 0
	}
	last := candles[len(candles)-1]
	if last.CloseTime.IsZero() {
		return candles
	}
	if now.Before(last.CloseTime.Add(grace)) {
		return candles[:len(candles)-1]
	}
	return candles
}
