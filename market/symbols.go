package market

import (
	"fmt"
	"sync"

	"github.com/shopspring/decimal"
)

// SymbolRules carries the venue's precision filters for one contract.
type SymbolRules struct {
	Name     string
	TickSize float64
	StepSize float64
	MinQty   float64
}

var (
	symbolsMu sync.RWMutex
	symbols   = map[string]SymbolRules{
		"BTCUSDT": {Name: "BTCUSDT", TickSize: 0.1, StepSize: 0.001, MinQty: 0.001},
		"ETHUSDT": {Name: "ETHUSDT", TickSize: 0.01, StepSize: 0.001, MinQty: 0.001},
		"SOLUSDT": {Name: "SOLUSDT", TickSize: 0.01, StepSize: 0.01, MinQty: 0.01},
	}
)

// Register adds or replaces the rules for r.Name.
func Register(r SymbolRules) {
	symbolsMu.Lock()
	defer symbolsMu.Unlock()
	symbols[r.Name] = r
}

// Lookup returns the rules for name, falling back to 8 decimal places when
// the symbol is not known.
func Lookup(name string) SymbolRules {
	symbolsMu.RLock()
	r, ok := symbols[name]
	symbolsMu.RUnlock()
	if ok {
		return r
	}
	return SymbolRules{Name: name, TickSize: 1e-8, StepSize: 1e-8}
}

// RoundPrice rounds p to the nearest tick.
func (r SymbolRules) RoundPrice(p float64) float64 {
	f, _ := quantize(p, r.TickSize, false).Float64()
	return f
}

// RoundQty floors q to the step size so an order never exceeds the request.
func (r SymbolRules) RoundQty(q float64) float64 {
	f, _ := quantize(q, r.StepSize, true).Float64()
	return f
}

// FormatPrice renders p on the tick grid without float noise, so the
// output is stable enough to hash.
func (r SymbolRules) FormatPrice(p float64) string {
	return quantize(p, r.TickSize, false).String()
}

func (r SymbolRules) FormatQty(q float64) string {
	return quantize(q, r.StepSize, true).String()
}

// SubQty subtracts b from a on the step grid, free of float residue.
func (r SymbolRules) SubQty(a, b float64) float64 {
	f, _ := quantize(a, r.StepSize, false).Sub(quantize(b, r.StepSize, false)).Float64()
	return f
}

func (r SymbolRules) Validate() error {
	if r.Name == "" {
		return fmt.Errorf("symbol name is required")
	}
	if r.TickSize <= 0 {
		return fmt.Errorf("%s: tick_size must be positive", r.Name)
	}
	if r.StepSize <= 0 {
		return fmt.Errorf("%s: step_size must be positive", r.Name)
	}
	if r.MinQty < 0 {
		return fmt.Errorf("%s: min_qty must not be negative", r.Name)
	}
	return nil
}

func quantize(v, step float64, floor bool) decimal.Decimal {
	d := decimal.NewFromFloat(v)
	if step <= 0 {
		return d
	}
	s := decimal.NewFromFloat(step)
	n := d.Div(s)
	if floor {
		n = n.Floor()
	} else {
		n = n.Round(0)
	}
	return n.Mul(s)
}
