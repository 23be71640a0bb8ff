package risk

import (
	"math"
	"sync"

	"github.com/shopspring/decimal"
)

const defaultWindow = 30

// volatilityTracker keeps a rolling window of per-symbol returns and
// scores volatility as the standard deviation of those returns.
type volatilityTracker struct {
	mu      sync.RWMutex
	window  int
	last    map[string]decimal.Decimal
	returns map[string][]float64
}

func newVolatilityTracker(window int) *volatilityTracker {
	if window <= 1 {
		window = defaultWindow
	}
	return &volatilityTracker{
		window:  window,
		last:    make(map[string]decimal.Decimal),
		returns: make(map[string][]float64),
	}
}

// Observe records a price tick. Ticks arrive in order per symbol.
func (v *volatilityTracker) Observe(symbol string, price decimal.Decimal) {
	if !price.IsPositive() {
		return
	}
	v.mu.Lock()
	defer v.mu.Unlock()

	prev, ok := v.last[symbol]
	v.last[symbol] = price
	if !ok || prev.IsZero() {
		return
	}

	ret := price.Sub(prev).Div(prev).InexactFloat64()
	rs := append(v.returns[symbol], ret)
	if len(rs) > v.window {
		rs = rs[len(rs)-v.window:]
	}
	v.returns[symbol] = rs
}

// Score returns the return standard deviation for a symbol, 0 with fewer
// than two observations.
func (v *volatilityTracker) Score(symbol string) float64 {
	v.mu.RLock()
	defer v.mu.RUnlock()

	rs := v.returns[symbol]
	if len(rs) < 2 {
		return 0
	}

	mean := 0.0
	for _, r := range rs {
		mean += r
	}
	mean /= float64(len(rs))

	variance := 0.0
	for _, r := range rs {
		diff := r - mean
		variance += diff * diff
	}
	variance /= float64(len(rs) - 1)

	return math.Sqrt(variance)
}
