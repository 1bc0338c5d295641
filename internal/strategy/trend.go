package strategy

import "github.com/camuig/kumo-trader/internal/indicator"

type Direction string

const (
	DirectionNone Direction = "none"
	DirectionUp   Direction = "up"
	DirectionDown Direction = "down"
)

type TrendState struct {
	ADX       float64
	Direction Direction
	Confirmed bool
}

// TrendFilter confirms a trend when ADX reaches threshold and price sits
// strictly on one side of the cloud. Missing data is never confirmed.
func TrendFilter(adx []float64, cloud []indicator.CloudPoint, price, threshold float64) TrendState {
	state := TrendState{Direction: DirectionNone}

	lastADX, ok := indicator.Last(adx)
	if !ok {
		return state
	}
	state.ADX = lastADX

	point, ok := indicator.Last(cloud)
	if !ok {
		return state
	}
	switch {
	case price > point.SpanA && price > point.SpanB:
		state.Direction = DirectionUp
	case price < point.SpanA && price < point.SpanB:
		state.Direction = DirectionDown
	}

	state.Confirmed = lastADX >= threshold && state.Direction != DirectionNone
	return state
}
