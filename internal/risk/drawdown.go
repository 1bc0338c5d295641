package risk

import (
	"errors"
	"fmt"
	"math"
	"sync"
)

// ErrDrawdownBreached is fatal: trading stays halted until an operator restarts it.
var ErrDrawdownBreached = errors.New("max drawdown breached")

type Drawdown struct {
	Current float64 `json:"current"`
	Max     float64 `json:"max"`
	Limit   float64 `json:"limit"`
}

// Guard tracks drawdown of equity against the initial capital. Max never
// decreases.
type Guard struct {
	mu      sync.Mutex
	initial float64
	limit   float64
	max     float64
	current float64
}

func NewGuard(initialCapital, maxDrawdownPct float64) *Guard {
	return &Guard{initial: initialCapital, limit: maxDrawdownPct}
}

func (g *Guard) Check(equity float64) (Drawdown, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	current := 0.0
	if g.initial > 0 {
		current = math.Max(0, (g.initial-equity)/g.initial*100)
	}
	g.current = current
	g.max = math.Max(g.max, current)

	dd := Drawdown{Current: current, Max: g.max, Limit: g.limit}
	if current > g.limit {
		return dd, fmt.Errorf("%w: %.2f%% > %.2f%%", ErrDrawdownBreached, current, g.limit)
	}
	return dd, nil
}

func (g *Guard) State() Drawdown {
	g.mu.Lock()
	defer g.mu.Unlock()
	return Drawdown{Current: g.current, Max: g.max, Limit: g.limit}
}
