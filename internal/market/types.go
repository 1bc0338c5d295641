package market

import (
	"strings"
	"time"
)

// Candle is one OHLCV bar.
type Candle struct {
	Time   time.Time `json:"time"`
	Open   float64   `json:"open"`
	High   float64   `json:"high"`
	Low    float64   `json:"low"`
	Close  float64   `json:"close"`
	Volume float64   `json:"volume"`
}

type Ticker struct {
	Symbol      string    `json:"symbol"`
	Last        float64   `json:"last"`
	Bid         float64   `json:"bid"`
	Ask         float64   `json:"ask"`
	BaseVolume  float64   `json:"base_volume"`
	QuoteVolume float64   `json:"quote_volume"`
	Time        time.Time `json:"time"`
}

// LastClose returns the close of the most recent candle.
func LastClose(candles []Candle) (float64, bool) {
	if len(candles) == 0 {
		return 0, false
	}
	return candles[len(candles)-1].Close, true
}

// ExchangeSymbol converts "BTC/USDT" into the exchange form "BTCUSDT".
func ExchangeSymbol(symbol string) string {
	s := strings.ReplaceAll(symbol, "/", "")
	return strings.ToUpper(strings.ReplaceAll(s, "-", ""))
}
