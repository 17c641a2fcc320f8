// Package lifecycle drives a position from its entry to flat:
//
//	OPENING -> ACTIVE -> BREAK_EVEN -> TRAILING -> PARTIALLY_EXITED
//	                 \________\____________\______________\-> CLOSING -> CLOSED
//
// The machine only requests orders. A position is closed because the
// venue reported a fill, never because a local price crossed a level.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/rustyeddy/orderguard/guard"
	"github.com/rustyeddy/orderguard/intent"
	"github.com/rustyeddy/orderguard/journal"
	"github.com/rustyeddy/orderguard/market"
	"github.com/rustyeddy/orderguard/metrics"
	"github.com/rustyeddy/orderguard/notify"
	"github.com/rustyeddy/orderguard/protect"
	"github.com/rustyeddy/orderguard/risk"
	"github.com/rustyeddy/orderguard/state"
	"github.com/rustyeddy/orderguard/submit"
)

// ReasonStopWouldTrigger closes a position whose stop could not be placed
// because price was already through it.
const ReasonStopWouldTrigger = "stop_would_trigger"

var (
	ErrNoPosition = errors.New("no open position")
	ErrOpening    = errors.New("position is still opening")
)

type Options struct {
	Journal  journal.Journal
	Notifier notify.Notifier
	Metrics  *metrics.Recorder
	Logger   *zap.Logger
	Clock    func() time.Time
	RunID    string
}

type Machine struct {
	pipe     *submit.Pipeline
	protect  *protect.Manager
	guard    *guard.Guard
	ledger   *state.Ledger
	journal  journal.Journal
	notifier notify.Notifier
	metrics  *metrics.Recorder
	log      *zap.Logger
	now      func() time.Time
	runID    string
}

func New(pipe *submit.Pipeline, pm *protect.Manager, g *guard.Guard, opts Options) *Machine {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	now := opts.Clock
	if now == nil {
		now = time.Now
	}
	j := opts.Journal
	if j == nil {
		j = journal.Nop{}
	}
	n := opts.Notifier
	if n == nil {
		n = notify.Nop{}
	}
	return &Machine{
		pipe:     pipe,
		protect:  pm,
		guard:    g,
		ledger:   pipe.Ledger(),
		journal:  j,
		notifier: n,
		metrics:  opts.Metrics,
		log:      log.Named("lifecycle"),
		now:      now,
		runID:    opts.RunID,
	}
}

func (m *Machine) clock() time.Time { return m.now().UTC() }

// Open admits sig and, if allowed, submits its entry. A refused signal is
// reported through the decision, not as an error. An entry that has not
// filled yet is left OPENING for Monitor and reconciliation.
func (m *Machine) Open(ctx context.Context, sig intent.Signal) (guard.Decision, error) {
	if !sig.Risk.IsZero() {
		if err := sig.Risk.Validate(); err != nil {
			return guard.Decision{}, fmt.Errorf("%w: %v", intent.ErrInvalidSignal, err)
		}
	}
	in, err := intent.Entry(sig, market.Lookup(sig.Symbol))
	if err != nil {
		return guard.Decision{}, err
	}
	d, err := m.guard.Admit(ctx, in, sig)
	if err != nil || !d.Allowed {
		return d, err
	}

	rec, err := m.pipe.Submit(ctx, in)
	if err != nil {
		return d, err
	}
	return d, m.onEntry(ctx, sig.Symbol, rec)
}

func (m *Machine) onEntry(ctx context.Context, symbol string, rec state.OrderRecord) error {
	switch rec.Status {
	case state.Filled:
		return m.OnEntryFill(ctx, symbol, rec)
	case state.Rejected, state.Cancelled:
		return m.Abort(ctx, symbol, rec)
	}
	return nil
}

// OnEntryFill activates the OPENING position that rec opened and places
// its initial stop-loss and take-profit. Calling it again for the same
// fill only re-arms missing protection.
func (m *Machine) OnEntryFill(ctx context.Context, symbol string, rec state.OrderRecord) error {
	if rec.Status != state.Filled {
		return fmt.Errorf("entry %s is %s, not filled", rec.Key, rec.Status)
	}
	rules := market.Lookup(symbol)
	now := m.clock()

	var opened *state.Position
	st, err := m.ledger.Update(ctx, symbol, func(st *state.SymbolState) error {
		p := st.Position
		if p == nil || p.EntryKey != rec.Key {
			return fmt.Errorf("%w for entry %s", ErrNoPosition, rec.Key)
		}
		if p.RiskState != state.Opening {
			return state.ErrNoop
		}
		if rec.AvgPrice > 0 {
			p.EntryPrice = rec.AvgPrice
		}
		if rec.FilledQty > 0 {
			p.Size = rules.RoundQty(rec.FilledQty)
			p.InitialSize = p.Size
		}
		p.EntryFillID = rec.ExchangeOrderID
		if p.EntryFillID == "" {
			p.EntryFillID = rec.Key
		}
		p.StopPrice, p.TakeProfitPrice = risk.Levels(p.Side, p.EntryPrice, p.Risk, rules)
		p.OpenedAt = now
		if err := p.Advance(state.Active); err != nil {
			return err
		}
		m.guard.EntryFilled(st, p.Timeframe, now)
		c := *p
		opened = &c
		return nil
	})
	if err != nil {
		return fmt.Errorf("activate %s: %w", symbol, err)
	}

	if opened != nil {
		m.metrics.Transition(string(state.Opening), string(state.Active))
		m.metrics.PositionOpen(symbol, true)
		m.log.Info("position opened",
			zap.String("symbol", symbol),
			zap.String("position", opened.ID),
			zap.String("side", string(opened.Side)),
			zap.Float64("entry", opened.EntryPrice),
			zap.Float64("size", opened.Size),
			zap.Float64("stop", opened.StopPrice),
			zap.Float64("take_profit", opened.TakeProfitPrice),
			zap.Float64("planned_loss", risk.PlannedLoss(opened.Size, opened.EntryPrice, opened.StopPrice)),
			zap.Float64("rr", risk.RR(opened.EntryPrice, opened.StopPrice, opened.TakeProfitPrice)))
		m.emit(ctx, notify.PositionOpened, symbol, opened, "")
	}
	if st.Position == nil || !st.Position.RiskState.Protected() {
		return nil
	}

	err = m.protect.Ensure(ctx, symbol, 0, 0)
	if errors.Is(err, protect.ErrWouldTrigger) {
		return m.Close(ctx, symbol, ReasonStopWouldTrigger)
	}
	return err
}

// Abort drops the OPENING position whose entry was rejected or cancelled.
func (m *Machine) Abort(ctx context.Context, symbol string, rec state.OrderRecord) error {
	var aborted bool
	_, err := m.ledger.Update(ctx, symbol, func(st *state.SymbolState) error {
		p := st.Position
		if p == nil || p.EntryKey != rec.Key || p.RiskState != state.Opening {
			return state.ErrNoop
		}
		if err := p.Advance(state.Aborted); err != nil {
			return err
		}
		st.Position = nil
		aborted = true
		return nil
	})
	if err != nil {
		return fmt.Errorf("abort %s: %w", symbol, err)
	}
	if aborted {
		m.metrics.Transition(string(state.Opening), string(state.Aborted))
		m.log.Warn("entry failed, position aborted",
			zap.String("symbol", symbol),
			zap.String("key", rec.Key),
			zap.String("status", string(rec.Status)),
			zap.String("reason", rec.LastError))
	}
	return nil
}

// Close exits the whole remaining position at market. A position already
// on its way out is left to finish.
func (m *Machine) Close(ctx context.Context, symbol, reason string) error {
	rules := market.Lookup(symbol)
	now := m.clock()

	var (
		in   intent.OrderIntent
		from state.RiskState
	)
	_, err := m.ledger.Update(ctx, symbol, func(st *state.SymbolState) error {
		p := st.Position
		switch {
		case p == nil || !st.HasOpenPosition():
			return ErrNoPosition
		case p.RiskState == state.Opening:
			return ErrOpening
		case p.RiskState == state.Closing:
			return state.ErrNoop
		}
		x, err := intent.PartialExit(p.Owner(), p.Size, "close", rules, now)
		if err != nil {
			return err
		}
		from = p.RiskState
		if err := p.Advance(state.Closing); err != nil {
			return err
		}
		p.CloseKey = x.Key
		p.CloseReason = reason
		in = x
		return nil
	})
	if err != nil {
		return fmt.Errorf("close %s: %w", symbol, err)
	}
	if in.Key == "" {
		return m.settleClosing(ctx, symbol)
	}

	m.metrics.Transition(string(from), string(state.Closing))
	m.log.Info("closing position at market",
		zap.String("symbol", symbol),
		zap.String("key", in.Key),
		zap.String("reason", reason),
		zap.Float64("qty", in.Quantity))
	if _, err := m.pipe.Submit(ctx, in); err != nil {
		return err
	}
	return m.settleClosing(ctx, symbol)
}

// ForceClose books a close the venue already performed without telling
// us, at exit. It is the reconciliation path; no exit order is placed.
func (m *Machine) ForceClose(ctx context.Context, symbol string, exit float64, reason string) error {
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
		p.BookExit("reconciled", p.Size, exit)
		p.CloseReason = reason
		p.ClosedAt = now
		return nil
	})
	if err != nil {
		return fmt.Errorf("force close %s: %w", symbol, err)
	}
	if from != "" {
		m.metrics.Transition(string(from), string(state.Closing))
		m.log.Warn("venue is flat, closing position locally",
			zap.String("symbol", symbol),
			zap.Float64("exit", exit),
			zap.String("reason", reason))
	}
	return m.settleClosing(ctx, symbol)
}

// SyncSize adopts the venue's size for the open position.
func (m *Machine) SyncSize(ctx context.Context, symbol string, size float64) (bool, error) {
	size = market.Lookup(symbol).RoundQty(size)
	var prev float64
	_, err := m.ledger.Update(ctx, symbol, func(st *state.SymbolState) error {
		p := st.Position
		if p == nil || !p.RiskState.Protected() || p.Size == size {
			return state.ErrNoop
		}
		prev = p.Size
		p.Size = size
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("sync size %s: %w", symbol, err)
	}
	if prev == 0 {
		return false, nil
	}
	m.log.Warn("position size adopted from venue",
		zap.String("symbol", symbol),
		zap.Float64("from", prev),
		zap.Float64("to", size))
	return true, nil
}

func (m *Machine) emit(ctx context.Context, typ notify.EventType, symbol string, p *state.Position, reason string) {
	ev := notify.Event{
		Type:   typ,
		Symbol: symbol,
		At:     m.clock(),
		RunID:  m.runID,
		Reason: reason,
	}
	if p != nil {
		snap := *p
		ev.Position = &snap
	}
	notify.Send(ctx, m.notifier, m.log, ev)
}
