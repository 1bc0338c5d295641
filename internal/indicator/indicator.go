// Package indicator computes Ichimoku cloud, ATR and ADX series over OHLCV
// history. Every function returns nil instead of failing when the history is
// shorter than the indicator's lookback.
package indicator

import (
	"time"

	"github.com/markcheno/go-talib"

	"github.com/camuig/kumo-trader/internal/market"
)

type CloudParams struct {
	Conversion   int
	Base         int
	Span         int
	Displacement int
}

func DefaultCloudParams() CloudParams {
	return CloudParams{Conversion: 9, Base: 26, Span: 52, Displacement: 26}
}

// CloudPoint is the Ichimoku state aligned with one bar.
type CloudPoint struct {
	Time       time.Time `json:"time"`
	Conversion float64   `json:"conversion"`
	Base       float64   `json:"base"`
	SpanA      float64   `json:"span_a"`
	SpanB      float64   `json:"span_b"`
}

// Cloud returns one point per bar from the first bar with a complete cloud.
// The spans aligned with bar i are the ones computed Displacement bars earlier.
func Cloud(candles []market.Candle, p CloudParams) []CloudPoint {
	if p.Conversion < 2 || p.Base < 2 || p.Span < 2 || p.Displacement < 0 {
		return nil
	}
	longest := max(p.Conversion, p.Base, p.Span)
	start := longest - 1 + p.Displacement
	if len(candles) <= start {
		return nil
	}

	high, low, _ := series(candles)
	conv := midpoint(high, low, p.Conversion)
	base := midpoint(high, low, p.Base)
	span := midpoint(high, low, p.Span)

	points := make([]CloudPoint, 0, len(candles)-start)
	for i := start; i < len(candles); i++ {
		j := i - p.Displacement
		points = append(points, CloudPoint{
			Time:       candles[i].Time,
			Conversion: conv[i],
			Base:       base[i],
			SpanA:      (conv[j] + base[j]) / 2,
			SpanB:      span[j],
		})
	}
	return points
}

// ATR returns the Wilder average true range, one value per bar after the lookback.
func ATR(candles []market.Candle, period int) []float64 {
	if period < 1 || len(candles) <= period {
		return nil
	}
	high, low, closes := series(candles)
	return talib.Atr(high, low, closes, period)[period:]
}

// ADX returns the average directional index, one value per bar after the lookback.
func ADX(candles []market.Candle, period int) []float64 {
	lookback := 2*period - 1
	if period < 2 || len(candles) <= lookback {
		return nil
	}
	high, low, closes := series(candles)
	return talib.Adx(high, low, closes, period)[lookback:]
}

// Last returns the final element of a series.
func Last[T any](values []T) (T, bool) {
	var zero T
	if len(values) == 0 {
		return zero, false
	}
	return values[len(values)-1], true
}

// Talib is the default Indicators implementation used by the scheduler.
type Talib struct{}

func (Talib) Cloud(candles []market.Candle, p CloudParams) []CloudPoint { return Cloud(candles, p) }
func (Talib) ATR(candles []market.Candle, period int) []float64         { return ATR(candles, period) }
func (Talib) ADX(candles []market.Candle, period int) []float64         { return ADX(candles, period) }

func midpoint(high, low []float64, period int) []float64 {
	hi := talib.Max(high, period)
	lo := talib.Min(low, period)
	out := make([]float64, len(hi))
	for i := range out {
		out[i] = (hi[i] + lo[i]) / 2
	}
	return out
}

func series(candles []market.Candle) (high, low, closes []float64) {
	high = make([]float64, len(candles))
	low = make([]float64, len(candles))
	closes = make([]float64, len(candles))
	for i, c := range candles {
		high[i] = c.High
		low[i] = c.Low
		closes[i] = c.Close
	}
	return high, low, closes
}
