package lifecycle

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/rustyeddy/orderguard/broker"
	"github.com/rustyeddy/orderguard/intent"
	"github.com/rustyeddy/orderguard/journal"
	"github.com/rustyeddy/orderguard/market"
	"github.com/rustyeddy/orderguard/notify"
	"github.com/rustyeddy/orderguard/protect"
	"github.com/rustyeddy/orderguard/state"
	"github.com/rustyeddy/orderguard/submit"
)

// Monitor folds the venue's view of the position's orders into the
// position and then reacts to tick. A zero tick only does the first half.
func (m *Machine) Monitor(ctx context.Context, symbol string, tick market.Tick) error {
	if err := m.Sync(ctx, symbol); err != nil {
		return err
	}
	return m.OnPrice(ctx, symbol, tick)
}

// Sync refreshes the orders the position references and applies whatever
// filled: the entry, the partial exit, or a stop-loss or take-profit. The
// stop-loss is looked at first, but only a venue fill ever closes.
func (m *Machine) Sync(ctx context.Context, symbol string) error {
	st, err := m.ledger.Get(ctx, symbol)
	if err != nil {
		return err
	}
	p := st.Position
	switch {
	case p == nil:
		return nil
	case p.RiskState == state.Opening:
		rec, err := m.refresh(ctx, symbol, p.EntryKey)
		if missing(err) {
			// admitted but never claimed; reconciliation aborts it
			return nil
		}
		if err != nil {
			return err
		}
		return m.onEntry(ctx, symbol, rec)
	case p.RiskState == state.Closing:
		return m.settleClosing(ctx, symbol)
	case !p.RiskState.Protected():
		return nil
	}

	if p.PartialExitKey != "" && p.RiskState == state.Trailing {
		rec, err := m.refresh(ctx, symbol, p.PartialExitKey)
		if err != nil && !missing(err) {
			return err
		}
		if rec.Status == state.Filled {
			if _, err := m.onPartialFill(ctx, symbol, rec); err != nil {
				return err
			}
		}
	}

	exits := []struct {
		key    string
		reason string
	}{
		{p.StopLossKey, journal.ReasonStopLoss},
		{p.TakeProfitKey, journal.ReasonTakeProfit},
	}
	for _, x := range exits {
		if x.key == "" {
			continue
		}
		rec, err := m.refresh(ctx, symbol, x.key)
		if err != nil && !missing(err) {
			return err
		}
		if rec.Status == state.Filled {
			return m.exitFilled(ctx, symbol, rec, x.reason)
		}
	}
	return nil
}

// refresh asks the venue about key. An order the venue has not heard of
// is left for reconciliation, which knows how long to wait.
func (m *Machine) refresh(ctx context.Context, symbol, key string) (state.OrderRecord, error) {
	rec, err := m.pipe.Refresh(ctx, symbol, key)
	if errors.Is(err, broker.ErrUnknownOrder) {
		m.log.Debug("order not on venue yet", zap.String("symbol", symbol), zap.String("key", key))
		return rec, nil
	}
	return rec, err
}

// missing is a key the position names but whose record was never
// written, because the process stopped in between.
func missing(err error) bool { return errors.Is(err, submit.ErrNoRecord) }

// exitFilled starts the close after a protective order filled.
func (m *Machine) exitFilled(ctx context.Context, symbol string, rec state.OrderRecord, reason string) error {
	now := m.clock()
	var from state.RiskState
	_, err := m.ledger.Update(ctx, symbol, func(st *state.SymbolState) error {
		p := st.Position
		if p == nil || !p.RiskState.Protected() {
			return state.ErrNoop
		}
		from = p.RiskState
		if err := p.Advance(state.Closing); err != nil {
			return err
		}
		p.BookExit(rec.Key, rec.FilledQty, rec.AvgPrice)
		p.CloseReason = reason
		p.ClosedAt = now
		return nil
	})
	if err != nil {
		return fmt.Errorf("exit %s: %w", symbol, err)
	}
	if from != "" {
		m.metrics.Transition(string(from), string(state.Closing))
		m.log.Info("protective order filled",
			zap.String("symbol", symbol),
			zap.String("key", rec.Key),
			zap.String("role", string(rec.Role())),
			zap.Float64("filled_qty", rec.FilledQty),
			zap.Float64("avg_price", rec.AvgPrice))
	}
	return m.settleClosing(ctx, symbol)
}

// settleClosing drives a CLOSING position to CLOSED: wait for our exit
// order, cancel what protection is left, flatten any residual the venue
// still reports, then finalize. Each step that has to wait returns nil
// and is picked up again by the next Monitor.
func (m *Machine) settleClosing(ctx context.Context, symbol string) error {
	st, err := m.ledger.Get(ctx, symbol)
	if err != nil {
		return err
	}
	p := st.Position
	if p == nil || p.RiskState != state.Closing {
		return nil
	}
	log := m.log.With(zap.String("symbol", symbol), zap.String("position", p.ID))

	if p.CloseKey != "" {
		rec, err := m.refresh(ctx, symbol, p.CloseKey)
		if missing(err) {
			return m.resendClose(ctx, symbol, p)
		}
		if err != nil {
			return err
		}
		if !rec.Status.Terminal() {
			log.Debug("waiting for exit order", zap.String("key", rec.Key), zap.String("status", string(rec.Status)))
			return nil
		}
	}

	if err := m.protect.CancelAll(ctx, symbol); err != nil {
		if errors.Is(err, protect.ErrCancelPending) {
			log.Info("waiting for protective cancels", zap.Error(err))
			return nil
		}
		return err
	}
	if err := m.bookFills(ctx, symbol); err != nil {
		return err
	}

	positions, err := m.pipe.Positions(ctx, symbol)
	if err != nil {
		return err
	}
	for _, vp := range positions {
		if vp.Size <= 0 {
			continue
		}
		if vp.Side != p.Side {
			log.Error("venue holds the opposite side", zap.String("side", string(vp.Side)), zap.Float64("size", vp.Size))
			continue
		}
		return m.flattenResidual(ctx, symbol, p, vp)
	}
	return m.finalize(ctx, symbol)
}

// bookFills accounts every filled exit order of the position that has not
// been booked yet. A stop can fill while a market close is in flight.
func (m *Machine) bookFills(ctx context.Context, symbol string) error {
	_, err := m.ledger.Update(ctx, symbol, func(st *state.SymbolState) error {
		p := st.Position
		if p == nil || p.RiskState != state.Closing {
			return state.ErrNoop
		}
		booked := false
		for _, key := range []string{p.StopLossKey, p.TakeProfitKey, p.CloseKey} {
			r, ok := st.Order(key)
			if !ok || r.Status != state.Filled {
				continue
			}
			if p.BookExit(r.Key, r.FilledQty, r.AvgPrice) {
				booked = true
			}
		}
		if !booked {
			return state.ErrNoop
		}
		p.ClosedAt = m.clock()
		return nil
	})
	return err
}

// resendClose submits the market close whose key was stored but never
// sent. A residual close cannot be rebuilt from the position alone, so
// its key is dropped and the next pass sizes it from the venue again.
func (m *Machine) resendClose(ctx context.Context, symbol string, p *state.Position) error {
	in, err := intent.PartialExit(p.Owner(), p.Size, "close", market.Lookup(symbol), m.clock())
	if err == nil && in.Key == p.CloseKey {
		m.log.Warn("resending close that never went out", zap.String("symbol", symbol), zap.String("key", in.Key))
		_, err = m.pipe.Submit(ctx, in)
		return err
	}
	_, err = m.ledger.Update(ctx, symbol, func(st *state.SymbolState) error {
		cur := st.Position
		if cur == nil || cur.ID != p.ID || cur.CloseKey != p.CloseKey {
			return state.ErrNoop
		}
		cur.CloseKey = ""
		return nil
	})
	return err
}

func (m *Machine) flattenResidual(ctx context.Context, symbol string, p *state.Position, vp broker.Position) error {
	rules := market.Lookup(symbol)
	owner := p.Owner()
	owner.Size = vp.Size
	in, err := intent.PartialExit(owner, vp.Size, "residual", rules, m.clock())
	if err != nil {
		return err
	}
	if p.CloseKey == in.Key {
		return fmt.Errorf("close %s: residual %v survived its exit order %s", symbol, vp.Size, in.Key)
	}
	_, err = m.ledger.Update(ctx, symbol, func(st *state.SymbolState) error {
		cur := st.Position
		if cur == nil || cur.ID != p.ID || cur.RiskState != state.Closing {
			return state.ErrNoop
		}
		cur.CloseKey = in.Key
		return nil
	})
	if err != nil {
		return err
	}
	m.log.Warn("venue still holds size, closing residual",
		zap.String("symbol", symbol),
		zap.String("key", in.Key),
		zap.Float64("size", vp.Size))
	_, err = m.pipe.Submit(ctx, in)
	return err
}

// finalize journals the trade, then removes the position and books its
// result against the loss streak. The journal write is keyed by position
// id, so a crash between the two steps repeats it harmlessly.
func (m *Machine) finalize(ctx context.Context, symbol string) error {
	st, err := m.ledger.Get(ctx, symbol)
	if err != nil {
		return err
	}
	p := st.Position
	if p == nil || p.RiskState != state.Closing {
		return nil
	}
	now := m.clock()
	closedAt := p.ClosedAt
	if closedAt.IsZero() {
		closedAt = now
	}
	reason := p.CloseReason
	if reason == "" {
		reason = journal.ReasonManual
	}

	trade := journal.TradeRecord{
		TradeID:     p.ID,
		Symbol:      p.Symbol,
		Side:        p.Side,
		Timeframe:   p.Timeframe,
		Size:        p.InitialSize,
		EntryPrice:  p.EntryPrice,
		ExitPrice:   p.ExitPrice,
		OpenTime:    p.OpenedAt,
		CloseTime:   closedAt,
		RealizedPnL: p.RealizedPnL,
		PnLPct:      returnPct(p),
		PeakPnLPct:  p.HighWaterPnLPct,
		Reason:      reason,
	}
	if err := m.journal.RecordTrade(trade); err != nil {
		m.log.Error("journal write failed, close retried next pass", zap.String("symbol", symbol), zap.Error(err))
		return fmt.Errorf("journal %s: %w", p.ID, err)
	}

	var (
		closed *state.Position
		armed  bool
	)
	_, err = m.ledger.Update(ctx, symbol, func(st *state.SymbolState) error {
		cur := st.Position
		if cur == nil || cur.ID != p.ID || cur.RiskState != state.Closing {
			return state.ErrNoop
		}
		if err := cur.Advance(state.Closed); err != nil {
			return err
		}
		cur.ClosedAt = closedAt
		armed = m.guard.RecordClose(st, cur.RealizedPnL, now)
		c := *cur
		closed = &c
		st.Position = nil
		return nil
	})
	if err != nil {
		return fmt.Errorf("finalize %s: %w", symbol, err)
	}
	if closed == nil {
		return nil
	}

	m.metrics.Transition(string(state.Closing), string(state.Closed))
	m.metrics.Close(closed.RealizedPnL, reason)
	m.metrics.PositionOpen(symbol, false)
	m.log.Info("position closed",
		zap.String("symbol", symbol),
		zap.String("position", closed.ID),
		zap.String("reason", reason),
		zap.Float64("entry", closed.EntryPrice),
		zap.Float64("exit", closed.ExitPrice),
		zap.Float64("realized_pnl", closed.RealizedPnL),
		zap.Bool("blocker_armed", armed))
	m.emit(ctx, notify.PositionClosed, symbol, closed, reason)
	return nil
}

// returnPct is the realized result over the capital the entry committed,
// so partial exits are weighed by their size.
func returnPct(p *state.Position) float64 {
	basis := p.EntryPrice * p.InitialSize
	if basis <= 0 {
		return 0
	}
	return p.RealizedPnL / basis
}
