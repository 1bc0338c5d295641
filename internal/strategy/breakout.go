package strategy

import "github.com/camuig/kumo-trader/internal/market"

const (
	DefaultBreakoutLookback = 10

	breakoutConfidence = 0.8
	quietConfidence    = 0.3
	minConfidence      = 0.7
)

type BreakoutResult struct {
	Up         bool
	Down       bool
	Confidence float64
}

// Breakout compares the latest close with the range of the lookback candles
// before it. ok is false when there is not enough history.
func Breakout(candles []market.Candle, lookback int) (BreakoutResult, bool) {
	if lookback <= 0 {
		lookback = DefaultBreakoutLookback
	}
	if len(candles) < lookback+1 {
		return BreakoutResult{}, false
	}

	price := candles[len(candles)-1].Close
	window := candles[len(candles)-1-lookback : len(candles)-1]

	hi, lo := window[0].High, window[0].Low
	for _, c := range window[1:] {
		hi = max(hi, c.High)
		lo = min(lo, c.Low)
	}

	r := BreakoutResult{Up: price > hi, Down: price < lo, Confidence: quietConfidence}
	if r.Up || r.Down {
		r.Confidence = breakoutConfidence
	}
	return r, true
}

func (r BreakoutResult) Actionable() bool {
	return r.Confidence >= minConfidence
}

func (r BreakoutResult) Signal() Signal {
	if !r.Actionable() {
		return NoAction{}
	}
	switch {
	case r.Up:
		return EnterLong{Strategy: StrategyBreakout}
	case r.Down:
		return EnterShort{Strategy: StrategyBreakout}
	}
	return NoAction{}
}
