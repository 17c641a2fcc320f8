package state

import (
	"fmt"
	"time"

	"github.com/rustyeddy/orderguard/intent"
	"github.com/rustyeddy/orderguard/market"
)

type RiskState string

const (
	Opening         RiskState = "OPENING"
	Active          RiskState = "ACTIVE"
	BreakEven       RiskState = "BREAK_EVEN"
	Trailing        RiskState = "TRAILING"
	PartiallyExited RiskState = "PARTIALLY_EXITED"
	Closing         RiskState = "CLOSING"
	Closed          RiskState = "CLOSED"
	Aborted         RiskState = "ABORTED"
)

var riskTransitions = map[RiskState][]RiskState{
	Opening:         {Active, Aborted},
	Active:          {BreakEven, Closing},
	BreakEven:       {Trailing, Closing},
	Trailing:        {PartiallyExited, Closing},
	PartiallyExited: {Closing},
	Closing:         {Closed},
}

func CanAdvance(from, to RiskState) bool {
	for _, s := range riskTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Protected reports whether the state expects live protective orders.
func (s RiskState) Protected() bool {
	switch s {
	case Active, BreakEven, Trailing, PartiallyExited:
		return true
	}
	return false
}

// Position is the venue's net exposure for one symbol.
type Position struct {
	ID                string            `json:"id"`
	Symbol            string            `json:"symbol"`
	Side              market.Side       `json:"side"`
	Timeframe         market.Timeframe  `json:"timeframe"`
	RiskState         RiskState         `json:"risk_state"`
	Risk              intent.RiskParams `json:"risk_params"`
	EntryKey          string            `json:"entry_key"`
	EntryFillID       string            `json:"entry_fill_id,omitempty"`
	EntryPrice        float64           `json:"entry_price"`
	Size              float64           `json:"size"`
	InitialSize       float64           `json:"initial_size"`
	OpenedAt          time.Time         `json:"opened_at"`
	StopLossKey       string            `json:"stop_loss_key,omitempty"`
	TakeProfitKey     string            `json:"take_profit_key,omitempty"`
	StopPrice         float64           `json:"stop_price,omitempty"`
	TakeProfitPrice   float64           `json:"take_profit_price,omitempty"`
	TrailingStopPrice *float64          `json:"trailing_stop_price"`
	HighWaterPnLPct   float64           `json:"high_water_pnl_pct"`
	PartialExitKey    string            `json:"partial_exit_key,omitempty"`
	CloseKey          string            `json:"close_key,omitempty"`
	ExitKeys          []string          `json:"exit_keys,omitempty"`
	ExitQty           float64           `json:"exit_qty,omitempty"`
	RealizedPnL       float64           `json:"realized_pnl"`
	ExitPrice         float64           `json:"exit_price,omitempty"`
	CloseReason       string            `json:"close_reason,omitempty"`
	ClosedAt          time.Time         `json:"closed_at,omitempty"`
}

// Advance moves the position along the risk lifecycle.
func (p *Position) Advance(to RiskState) error {
	if !CanAdvance(p.RiskState, to) {
		return fmt.Errorf("position %s: cannot go %s -> %s", p.ID, p.RiskState, to)
	}
	p.RiskState = to
	return nil
}

func (p *Position) Owner() intent.Owner {
	return intent.Owner{
		Symbol:      p.Symbol,
		Side:        p.Side,
		Timeframe:   p.Timeframe,
		EntryFillID: p.EntryFillID,
		Size:        p.Size,
	}
}

// Tighter reports whether stop is strictly on the protective side of the
// current stop, i.e. higher for a long and lower for a short.
func (p *Position) Tighter(stop float64) bool {
	cur := p.StopPrice
	if p.TrailingStopPrice != nil {
		cur = *p.TrailingStopPrice
	}
	if cur == 0 {
		return true
	}
	if p.Side == market.Sell {
		return stop < cur
	}
	return stop > cur
}

// SetTrailingStop records a new trailing stop. It refuses to loosen and,
// once trailing, refuses to stand still. The first trailing stop may sit
// exactly on the working stop, which is the case right after the stop
// order was moved there.
func (p *Position) SetTrailingStop(stop float64) bool {
	if p.TrailingStopPrice != nil {
		if !p.Tighter(stop) {
			return false
		}
	} else if p.StopPrice != 0 && stop != p.StopPrice && !p.Tighter(stop) {
		return false
	}
	v := stop
	p.TrailingStopPrice = &v
	return true
}

// MarkHighWater tracks the best unrealized return seen so far.
func (p *Position) MarkHighWater(pnlPct float64) bool {
	if pnlPct > p.HighWaterPnLPct {
		p.HighWaterPnLPct = pnlPct
		return true
	}
	return false
}

// BookExit accounts a closing fill once per order key and reports whether
// it was new. ExitPrice becomes the size-weighted average of all exits.
func (p *Position) BookExit(key string, qty, price float64) bool {
	for _, k := range p.ExitKeys {
		if k == key {
			return false
		}
	}
	p.ExitKeys = append(p.ExitKeys, key)
	if qty <= 0 {
		return true
	}
	total := p.ExitQty + qty
	p.ExitPrice = (p.ExitPrice*p.ExitQty + price*qty) / total
	p.ExitQty = total
	p.RealizedPnL += p.Side.Sign() * (price - p.EntryPrice) * qty
	return true
}

func (p *Position) clone() *Position {
	if p == nil {
		return nil
	}
	c := *p
	if p.ExitKeys != nil {
		c.ExitKeys = append([]string(nil), p.ExitKeys...)
	}
	if p.TrailingStopPrice != nil {
		v := *p.TrailingStopPrice
		c.TrailingStopPrice = &v
	}
	return &c
}
