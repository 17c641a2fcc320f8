package lifecycle

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/rustyeddy/orderguard/intent"
	"github.com/rustyeddy/orderguard/market"
	"github.com/rustyeddy/orderguard/notify"
	"github.com/rustyeddy/orderguard/protect"
	"github.com/rustyeddy/orderguard/risk"
	"github.com/rustyeddy/orderguard/state"
)

// maxSteps bounds how many risk stages a single tick may cross.
const maxSteps = 4

// OnPrice moves the position through its risk stages for tick and keeps
// the trailing stop tight. It does not look for fills; Monitor does that
// before calling it.
func (m *Machine) OnPrice(ctx context.Context, symbol string, tick market.Tick) error {
	if tick.Price <= 0 {
		return nil
	}
	for i := 0; i < maxSteps; i++ {
		more, err := m.step(ctx, symbol, tick)
		if err != nil || !more {
			return err
		}
	}
	return nil
}

// step performs at most one stage change and reports whether another
// might follow at the same price.
func (m *Machine) step(ctx context.Context, symbol string, tick market.Tick) (bool, error) {
	st, err := m.ledger.Get(ctx, symbol)
	if err != nil {
		return false, err
	}
	p := st.Position
	if p == nil || !p.RiskState.Protected() {
		return false, nil
	}

	pnl := market.PnLPct(p.Side, p.EntryPrice, tick.Price)
	if pnl > p.HighWaterPnLPct {
		if err := m.markHighWater(ctx, symbol, p.ID, pnl); err != nil {
			return false, err
		}
	}

	switch p.RiskState {
	case state.Active:
		if pnl >= p.Risk.BreakEvenPct {
			return m.breakEven(ctx, symbol, p)
		}
	case state.BreakEven:
		if pnl >= p.Risk.TrailingActivationPct {
			return m.startTrailing(ctx, symbol, p, tick)
		}
	case state.Trailing:
		if p.Risk.PartialExitEnabled() && p.PartialExitKey == "" && pnl >= p.Risk.PartialExitTriggerPct {
			more, err := m.partialExit(ctx, symbol, p)
			if err != nil || more {
				return more, err
			}
		}
		return false, m.trail(ctx, symbol, p, tick)
	case state.PartiallyExited:
		return false, m.trail(ctx, symbol, p, tick)
	}
	return false, nil
}

func (m *Machine) markHighWater(ctx context.Context, symbol, id string, pnl float64) error {
	_, err := m.ledger.Update(ctx, symbol, func(st *state.SymbolState) error {
		p := st.Position
		if p == nil || p.ID != id || !p.MarkHighWater(pnl) {
			return state.ErrNoop
		}
		return nil
	})
	return err
}

func (m *Machine) breakEven(ctx context.Context, symbol string, p *state.Position) (bool, error) {
	if ok, err := m.stopMoved(ctx, symbol, m.protect.MoveStop(ctx, symbol, p.EntryPrice)); !ok {
		return false, err
	}
	np, err := m.advance(ctx, symbol, p.ID, state.Active, state.BreakEven, nil)
	if np != nil {
		m.emit(ctx, notify.BreakEven, symbol, np, "")
	}
	return np != nil, err
}

func (m *Machine) startTrailing(ctx context.Context, symbol string, p *state.Position, tick market.Tick) (bool, error) {
	stop := risk.TrailingStop(p.Side, tick.Price, p.Risk.TrailingDistancePct, market.Lookup(symbol))
	if ok, err := m.stopMoved(ctx, symbol, m.protect.MoveStop(ctx, symbol, stop)); !ok {
		return false, err
	}
	np, err := m.advance(ctx, symbol, p.ID, state.BreakEven, state.Trailing, func(p *state.Position) {
		if !p.SetTrailingStop(stop) && p.TrailingStopPrice == nil {
			// the distance put the stop behind break-even; trail from there
			cur := p.StopPrice
			p.TrailingStopPrice = &cur
		}
	})
	if np != nil {
		m.emit(ctx, notify.TrailingUpdated, symbol, np, "")
	}
	return np != nil, err
}

// trail replaces the stop when price has carried the trailing level far
// enough past the current stop.
func (m *Machine) trail(ctx context.Context, symbol string, p *state.Position, tick market.Tick) error {
	stop := risk.TrailingStop(p.Side, tick.Price, p.Risk.TrailingDistancePct, market.Lookup(symbol))
	gain := risk.Improvement(p.Side, currentStop(p), stop)
	if gain <= 0 || gain < tick.Price*p.Risk.TrailingUpdatePct {
		return nil
	}
	if ok, err := m.stopMoved(ctx, symbol, m.protect.MoveStop(ctx, symbol, stop)); !ok {
		return err
	}

	var np *state.Position
	_, err := m.ledger.Update(ctx, symbol, func(st *state.SymbolState) error {
		cur := st.Position
		if cur == nil || cur.ID != p.ID || !cur.RiskState.Protected() || !cur.SetTrailingStop(stop) {
			return state.ErrNoop
		}
		c := *cur
		np = &c
		return nil
	})
	if err != nil {
		return fmt.Errorf("trail %s: %w", symbol, err)
	}
	if np != nil {
		m.log.Info("trailing stop raised",
			zap.String("symbol", symbol),
			zap.String("position", np.ID),
			zap.Float64("price", tick.Price),
			zap.Float64("stop", stop))
		m.emit(ctx, notify.TrailingUpdated, symbol, np, "")
	}
	return nil
}

// stopMoved sorts a MoveStop outcome into go on, wait for a later tick,
// or fail. A stop already at or past the target counts as moved.
func (m *Machine) stopMoved(ctx context.Context, symbol string, err error) (bool, error) {
	switch {
	case err == nil, errors.Is(err, protect.ErrLoosen):
		return true, nil
	case errors.Is(err, protect.ErrPositionClosed), errors.Is(err, protect.ErrCancelPending):
		m.log.Debug("stop move deferred", zap.String("symbol", symbol), zap.Error(err))
		return false, nil
	case errors.Is(err, protect.ErrWouldTrigger):
		m.log.Warn("stop would trigger immediately, closing at market", zap.String("symbol", symbol))
		return false, m.Close(ctx, symbol, ReasonStopWouldTrigger)
	}
	return false, err
}

// partialExit claims the position's one partial exit and submits it.
func (m *Machine) partialExit(ctx context.Context, symbol string, p *state.Position) (bool, error) {
	rules := market.Lookup(symbol)
	in, err := intent.PartialExit(p.Owner(), p.Size*p.Risk.PartialExitPct, "partial", rules, m.clock())
	if errors.Is(err, intent.ErrZeroQuantity) {
		m.log.Debug("partial exit rounds to nothing", zap.String("symbol", symbol), zap.Float64("size", p.Size))
		return false, nil
	}
	if err != nil {
		return false, err
	}

	var claimed bool
	_, err = m.ledger.Update(ctx, symbol, func(st *state.SymbolState) error {
		cur := st.Position
		if cur == nil || cur.ID != p.ID || cur.RiskState != state.Trailing || cur.PartialExitKey != "" {
			return state.ErrNoop
		}
		cur.PartialExitKey = in.Key
		claimed = true
		return nil
	})
	if err != nil || !claimed {
		return false, err
	}

	m.log.Info("taking partial profit",
		zap.String("symbol", symbol),
		zap.String("key", in.Key),
		zap.Float64("qty", in.Quantity))
	rec, err := m.pipe.Submit(ctx, in)
	if err != nil {
		return false, err
	}
	switch rec.Status {
	case state.Filled:
		return m.onPartialFill(ctx, symbol, rec)
	case state.Rejected:
		m.log.Warn("partial exit rejected, keeping full size", zap.String("symbol", symbol), zap.String("reason", rec.LastError))
	}
	return true, nil
}

func (m *Machine) onPartialFill(ctx context.Context, symbol string, rec state.OrderRecord) (bool, error) {
	rules := market.Lookup(symbol)
	var np *state.Position
	_, err := m.ledger.Update(ctx, symbol, func(st *state.SymbolState) error {
		p := st.Position
		if p == nil || p.PartialExitKey != rec.Key || p.RiskState != state.Trailing {
			return state.ErrNoop
		}
		if err := p.Advance(state.PartiallyExited); err != nil {
			return err
		}
		p.RealizedPnL += risk.RealizedPnL(p.Side, p.EntryPrice, rec.AvgPrice, rec.FilledQty)
		p.Size = rules.SubQty(p.Size, rec.FilledQty)
		c := *p
		np = &c
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("partial fill %s: %w", symbol, err)
	}
	if np == nil {
		return false, nil
	}
	m.metrics.Transition(string(state.Trailing), string(state.PartiallyExited))
	m.log.Info("partial exit filled",
		zap.String("symbol", symbol),
		zap.String("position", np.ID),
		zap.Float64("filled_qty", rec.FilledQty),
		zap.Float64("avg_price", rec.AvgPrice),
		zap.Float64("remaining", np.Size),
		zap.Float64("realized_pnl", np.RealizedPnL))
	m.emit(ctx, notify.PartialExit, symbol, np, "")
	return true, nil
}

// advance moves position id from one stage to the next, applying fn in
// the same write. It returns nil if the position is no longer at from.
func (m *Machine) advance(ctx context.Context, symbol, id string, from, to state.RiskState, fn func(*state.Position)) (*state.Position, error) {
	var out *state.Position
	_, err := m.ledger.Update(ctx, symbol, func(st *state.SymbolState) error {
		p := st.Position
		if p == nil || p.ID != id || p.RiskState != from {
			return state.ErrNoop
		}
		if err := p.Advance(to); err != nil {
			return err
		}
		if fn != nil {
			fn(p)
		}
		c := *p
		out = &c
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%s %s -> %s: %w", symbol, from, to, err)
	}
	if out != nil {
		m.metrics.Transition(string(from), string(to))
		m.log.Info("risk state advanced",
			zap.String("symbol", symbol),
			zap.String("position", id),
			zap.String("from", string(from)),
			zap.String("to", string(to)),
			zap.Float64("stop", currentStop(out)))
	}
	return out, nil
}

func currentStop(p *state.Position) float64 {
	if p.TrailingStopPrice != nil {
		return *p.TrailingStopPrice
	}
	return p.StopPrice
}
