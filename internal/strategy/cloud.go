package strategy

import "github.com/camuig/kumo-trader/internal/indicator"

// Flags are the raw cloud conditions for one indicator point.
type Flags struct {
	EnterLong  bool
	ExitLong   bool
	EnterShort bool
}

// CloudFlags evaluates price against the latest cloud point. "Above" means
// price is over both spans.
func CloudFlags(p indicator.CloudPoint, price float64) Flags {
	above := price > p.SpanA && price > p.SpanB
	return Flags{
		EnterLong:  above && price > p.Conversion && p.Conversion > p.Base,
		ExitLong:   !above && price < p.Conversion,
		EnterShort: !above && price < p.Conversion && price < p.SpanA,
	}
}

// CloudSignal maps the last point of a cloud series to a Signal. Missing data
// never produces a trade.
func CloudSignal(points []indicator.CloudPoint, price float64) Signal {
	last, ok := indicator.Last(points)
	if !ok || price <= 0 {
		return NoAction{}
	}

	f := CloudFlags(last, price)
	switch {
	case f.EnterLong:
		return EnterLong{Strategy: StrategyIchimoku}
	case f.EnterShort:
		return EnterShort{Strategy: StrategyIchimoku}
	case f.ExitLong:
		return ExitLong{}
	default:
		return NoAction{}
	}
}

// Vote combines per-timeframe cloud signals: an entry needs at least
// minConfirmations timeframes agreeing on the same direction. Conflicting
// quorums cancel out.
func Vote(signals []Signal, minConfirmations int) Signal {
	if minConfirmations < 1 {
		minConfirmations = 1
	}

	var longs, shorts, exits int
	for _, s := range signals {
		switch s.(type) {
		case EnterLong:
			longs++
		case EnterShort:
			shorts++
		case ExitLong:
			exits++
		}
	}

	longOK := longs >= minConfirmations
	shortOK := shorts >= minConfirmations
	switch {
	case longOK && shortOK:
		return NoAction{}
	case longOK:
		return EnterLong{Strategy: StrategyIchimoku}
	case shortOK:
		return EnterShort{Strategy: StrategyIchimoku}
	case exits >= minConfirmations:
		return ExitLong{}
	}
	return NoAction{}
}
