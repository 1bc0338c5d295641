package risk

import (
	"errors"
	"fmt"
	"math"

	"github.com/camuig/kumo-trader/internal/config"
)

type Side string

const (
	Long  Side = "long"
	Short Side = "short"
)

var (
	ErrInvalidPrice        = errors.New("invalid price")
	ErrBelowMinNotional    = errors.New("position value below minimum notional")
	ErrInsufficientBalance = errors.New("insufficient balance")
)

type Config struct {
	RiskPercent           float64 // base risk, percent of quote balance per trade
	ATRThreshold          float64 // above this ATR the risk is reduced
	RiskReduction         float64 // multiplier applied above ATRThreshold
	StopLossATRMultiplier float64
	TrailingATRMultiplier float64
	MinProfitPct          float64 // fraction, 0.02 = 2%
	BigProfitPct          float64
	FeeRate               float64 // fraction charged on every fill
	MinNotional           float64
}

func DefaultConfig() Config {
	return Config{
		RiskPercent:           3,
		ATRThreshold:          10,
		RiskReduction:         0.5,
		StopLossATRMultiplier: 2,
		TrailingATRMultiplier: 1.5,
		MinProfitPct:          0.02,
		BigProfitPct:          0.20,
		FeeRate:               0.001,
		MinNotional:           10,
	}
}

func ConfigFrom(cfg *config.Config) Config {
	r := cfg.Risk
	return Config{
		RiskPercent:           r.RiskPercent,
		ATRThreshold:          r.ATRThreshold,
		RiskReduction:         r.RiskReduction,
		StopLossATRMultiplier: r.StopLossATRMultiplier,
		TrailingATRMultiplier: r.TrailingATRMultiplier,
		MinProfitPct:          r.MinProfitPct,
		BigProfitPct:          r.BigProfitPct,
		FeeRate:               r.FeeRate,
		MinNotional:           r.MinNotional,
	}
}

type Sizing struct {
	Risk          float64 // effective risk percent after the volatility throttle
	PositionValue float64 // quote currency committed
	Quantity      float64 // base quantity before fees
}

type Levels struct {
	StopLoss     float64
	TrailingStop float64
	TakeProfit1  float64
	TakeProfit2  float64
}

// Sizer turns balance and volatility into a position size and exit levels.
type Sizer struct {
	cfg Config
}

func NewSizer(cfg Config) Sizer {
	return Sizer{cfg: cfg}
}

func (s Sizer) Config() Config { return s.cfg }

func (s Sizer) FeeRate() float64 { return s.cfg.FeeRate }

// Size computes the position for balance at price. overrideRisk, when
// positive, replaces the configured base risk.
func (s Sizer) Size(balance, price, atr, overrideRisk float64) (Sizing, error) {
	if price <= 0 || math.IsNaN(price) || math.IsInf(price, 0) {
		return Sizing{}, fmt.Errorf("%w: %v", ErrInvalidPrice, price)
	}

	base := s.cfg.RiskPercent
	if overrideRisk > 0 {
		base = overrideRisk
	}
	risk := base
	if atr > s.cfg.ATRThreshold {
		risk = base * s.cfg.RiskReduction
	}

	value := balance * (risk / 100)
	sz := Sizing{Risk: risk, PositionValue: value, Quantity: value / price}

	if balance <= 0 || balance < value {
		return sz, fmt.Errorf("%w: balance %.2f, position %.2f", ErrInsufficientBalance, balance, value)
	}
	if value < s.cfg.MinNotional {
		return sz, fmt.Errorf("%w: %.2f < %.2f", ErrBelowMinNotional, value, s.cfg.MinNotional)
	}
	return sz, nil
}

// Levels derives the fixed stop, the initial trailing stop and both take-profit
// targets for an entry at price with volatility atr.
func (s Sizer) Levels(side Side, price, atr float64) Levels {
	c := s.cfg
	minMove := c.MinProfitPct + 2*c.FeeRate

	if side == Short {
		return Levels{
			StopLoss:     price + c.StopLossATRMultiplier*atr,
			TrailingStop: price + c.TrailingATRMultiplier*atr,
			TakeProfit1:  math.Min(price*(1-minMove), price-atr),
			TakeProfit2:  math.Min(price*(1-c.BigProfitPct), price-2*atr),
		}
	}
	return Levels{
		StopLoss:     price - c.StopLossATRMultiplier*atr,
		TrailingStop: price - c.TrailingATRMultiplier*atr,
		TakeProfit1:  math.Max(price*(1+minMove), price+atr),
		TakeProfit2:  math.Max(price*(1+c.BigProfitPct), price+2*atr),
	}
}

// Trail returns the trailing stop implied by a new best price.
func (s Sizer) Trail(side Side, best, atr float64) float64 {
	if side == Short {
		return best + s.cfg.TrailingATRMultiplier*atr
	}
	return best - s.cfg.TrailingATRMultiplier*atr
}
