// Package protect keeps a position covered by at most one live stop-loss
// and one live take-profit. Moving a stop is cancel, confirm, then place;
// the replacement never goes out while the old stop may still be live.
package protect

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/rustyeddy/orderguard/broker"
	"github.com/rustyeddy/orderguard/intent"
	"github.com/rustyeddy/orderguard/market"
	"github.com/rustyeddy/orderguard/state"
	"github.com/rustyeddy/orderguard/submit"
)

var (
	// ErrPositionClosed means the position is gone or on its way out,
	// typically because the old stop filled before its cancel landed.
	ErrPositionClosed = errors.New("position closed")
	// ErrCancelPending means the old order's cancel is not confirmed yet;
	// the replacement was not sent.
	ErrCancelPending = errors.New("protective cancel not confirmed")
	// ErrWouldTrigger means the venue refused the new trigger because
	// price is already through it.
	ErrWouldTrigger = errors.New("protective order would trigger immediately")
	ErrRejected     = errors.New("protective order rejected")
	ErrLoosen       = errors.New("stop may only tighten")
)

type Manager struct {
	pipe   *submit.Pipeline
	ledger *state.Ledger
	log    *zap.Logger
	now    func() time.Time
}

func New(pipe *submit.Pipeline, log *zap.Logger, now func() time.Time) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	if now == nil {
		now = time.Now
	}
	return &Manager{pipe: pipe, ledger: pipe.Ledger(), log: log.Named("protect"), now: now}
}

// Live returns the non-terminal orders of role that belong to the current
// position, referenced or not.
func Live(st *state.SymbolState, role intent.Role) []*state.OrderRecord {
	if st.Position == nil {
		return nil
	}
	var out []*state.OrderRecord
	for _, r := range st.NonTerminal() {
		if r.Role() == role && r.Intent.Parent == st.Position.EntryFillID {
			out = append(out, r)
		}
	}
	return out
}

// Stray returns non-terminal protective orders left over from earlier
// positions.
func Stray(st *state.SymbolState) []*state.OrderRecord {
	var out []*state.OrderRecord
	for _, r := range st.NonTerminal() {
		if !r.Role().Protective() {
			continue
		}
		if st.Position == nil || r.Intent.Parent != st.Position.EntryFillID {
			out = append(out, r)
		}
	}
	return out
}

// Ensure places the stop-loss and take-profit the position is missing.
// A zero price means the position's current level for that side. Sides
// that already have a live order are left alone.
func (m *Manager) Ensure(ctx context.Context, symbol string, sl, tp float64) error {
	st, err := m.ledger.Get(ctx, symbol)
	if err != nil {
		return err
	}
	p := st.Position
	if p == nil || !p.RiskState.Protected() {
		return ErrPositionClosed
	}
	if sl == 0 {
		sl = currentStop(p)
	}
	if tp == 0 {
		tp = p.TakeProfitPrice
	}

	var errs []error
	if len(Live(st, intent.RoleStopLoss)) == 0 && sl > 0 {
		errs = append(errs, m.place(ctx, symbol, intent.RoleStopLoss, sl))
	}
	if len(Live(st, intent.RoleTakeProfit)) == 0 && tp > 0 {
		errs = append(errs, m.place(ctx, symbol, intent.RoleTakeProfit, tp))
	}
	return errors.Join(errs...)
}

// MoveStop replaces the live stop-loss with one at newStop. The new stop
// must be tighter than the current one.
func (m *Manager) MoveStop(ctx context.Context, symbol string, newStop float64) error {
	st, err := m.ledger.Get(ctx, symbol)
	if err != nil {
		return err
	}
	p := st.Position
	if p == nil || !p.RiskState.Protected() {
		return ErrPositionClosed
	}
	rules := market.Lookup(symbol)
	newStop = rules.RoundPrice(newStop)
	if !p.Tighter(newStop) {
		return fmt.Errorf("%w: %v -> %v", ErrLoosen, currentStop(p), newStop)
	}
	next := intent.StopLoss(p.Owner(), newStop, rules, m.now())
	if next.Key == p.StopLossKey {
		return nil
	}

	log := m.log.With(zap.String("symbol", symbol), zap.String("position", p.ID))
	for _, old := range Live(st, intent.RoleStopLoss) {
		target, err := m.pipe.Cancel(ctx, symbol, old.Key)
		switch {
		case errors.Is(err, broker.ErrUnknownOrder):
			return fmt.Errorf("%w: %s not found on venue yet", ErrCancelPending, old.Key)
		case err != nil:
			return fmt.Errorf("cancel stop %s: %w", old.Key, err)
		case target.Status == state.Filled:
			log.Info("stop filled before its cancel landed", zap.String("key", old.Key), zap.Float64("avg_price", target.AvgPrice))
			return ErrPositionClosed
		case !target.Status.Terminal():
			return fmt.Errorf("%w: %s is %s", ErrCancelPending, old.Key, target.Status)
		}
	}

	log.Info("moving stop", zap.Float64("from", currentStop(p)), zap.Float64("to", newStop))
	return m.place(ctx, symbol, intent.RoleStopLoss, newStop)
}

// CancelAll cancels every live protective order for symbol, including
// strays from earlier positions. An order that fills first is not an
// error.
func (m *Manager) CancelAll(ctx context.Context, symbol string) error {
	st, err := m.ledger.Get(ctx, symbol)
	if err != nil {
		return err
	}
	live := append(Live(st, intent.RoleStopLoss), Live(st, intent.RoleTakeProfit)...)
	live = append(live, Stray(st)...)
	var pending []string
	for _, r := range live {
		target, err := m.pipe.Cancel(ctx, symbol, r.Key)
		if err != nil && !errors.Is(err, broker.ErrUnknownOrder) {
			return fmt.Errorf("cancel %s: %w", r.Key, err)
		}
		if !target.Status.Terminal() {
			pending = append(pending, r.Key)
		}
	}
	if len(pending) > 0 {
		return fmt.Errorf("%w: %s", ErrCancelPending, strings.Join(pending, ", "))
	}
	return nil
}

// place points the position at the new key first, then submits. If the
// process dies in between, the next Ensure rebuilds the same key.
func (m *Manager) place(ctx context.Context, symbol string, role intent.Role, price float64) error {
	rules := market.Lookup(symbol)
	var in intent.OrderIntent
	_, err := m.ledger.Update(ctx, symbol, func(st *state.SymbolState) error {
		p := st.Position
		if p == nil || !p.RiskState.Protected() {
			return ErrPositionClosed
		}
		now := m.now()
		switch role {
		case intent.RoleStopLoss:
			in = intent.StopLoss(p.Owner(), price, rules, now)
			p.StopLossKey = in.Key
			p.StopPrice = in.Price
		case intent.RoleTakeProfit:
			in = intent.TakeProfit(p.Owner(), price, rules, now)
			p.TakeProfitKey = in.Key
			p.TakeProfitPrice = in.Price
		default:
			return fmt.Errorf("protect: %s is not protective", role)
		}
		if burnt(st, in.Key) {
			base := in
			for n := 1; burnt(st, in.Key); n++ {
				in = intent.Reissue(base, n, rules)
			}
			if role == intent.RoleStopLoss {
				p.StopLossKey = in.Key
			} else {
				p.TakeProfitKey = in.Key
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	rec, err := m.pipe.Submit(ctx, in)
	if err != nil {
		return err
	}
	log := m.log.With(
		zap.String("symbol", symbol),
		zap.String("key", in.Key),
		zap.String("role", string(role)),
		zap.Float64("trigger", in.Price),
		zap.String("status", string(rec.Status)))
	switch rec.Status {
	case state.Rejected:
		if strings.Contains(rec.LastError, broker.ErrWouldTrigger.Error()) {
			log.Warn("protective trigger already crossed")
			return fmt.Errorf("%w: %s at %v", ErrWouldTrigger, role, in.Price)
		}
		log.Error("protective order rejected", zap.String("reason", rec.LastError))
		return fmt.Errorf("%w: %s: %s", ErrRejected, role, rec.LastError)
	case state.Unknown:
		log.Warn("protective order outcome unknown, reconciliation will settle it")
	default:
		log.Info("protective order placed")
	}
	return nil
}

// burnt reports whether key already ended on the venue without a fill.
func burnt(st *state.SymbolState, key string) bool {
	r, ok := st.Order(key)
	return ok && (r.Status == state.Rejected || r.Status == state.Cancelled)
}

func currentStop(p *state.Position) float64 {
	if p.TrailingStopPrice != nil {
		return *p.TrailingStopPrice
	}
	return p.StopPrice
}
