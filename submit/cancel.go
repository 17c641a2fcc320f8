package submit

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/rustyeddy/orderguard/broker"
	"github.com/rustyeddy/orderguard/intent"
	"github.com/rustyeddy/orderguard/state"
)

func isUnknown(err error) bool { return errors.Is(err, broker.ErrUnknownOrder) }

// Cancel asks the venue to cancel the order recorded under targetKey and
// returns the target's record as the venue last reported it. The cancel
// is its own intent with one key per target, so repeated calls reuse it;
// a cancel left without an answer is sent again. A target that filled first comes back FILLED; that
// is a normal outcome, not an error.
func (p *Pipeline) Cancel(ctx context.Context, symbol, targetKey string) (state.OrderRecord, error) {
	target, err := p.record(ctx, symbol, targetKey)
	if errors.Is(err, ErrNoRecord) {
		return state.OrderRecord{}, fmt.Errorf("%w: %s", ErrNoTarget, targetKey)
	}
	if err != nil {
		return state.OrderRecord{}, err
	}
	if target.Status.Terminal() {
		return target, nil
	}

	in := intent.Cancel(target.Intent, p.clock())
	crec, created, err := p.claim(ctx, in)
	if err != nil {
		return target, err
	}
	if !created {
		if _, err := p.refreshCancel(ctx, symbol, crec); err != nil {
			return target, err
		}
		return p.Refresh(ctx, symbol, targetKey)
	}

	rec, _, err := p.sendCancel(ctx, symbol, in, target)
	return rec, err
}

// sendCancel dispatches the cancel in for target and records the outcome
// on both records. It returns the target record and the cancel record.
// Sending again under the same key is safe: the venue cancels an order at
// most once.
func (p *Pipeline) sendCancel(ctx context.Context, symbol string, in intent.OrderIntent, target state.OrderRecord) (state.OrderRecord, state.OrderRecord, error) {
	targetKey := target.Key
	log := p.log.With(zap.String("symbol", symbol), zap.String("key", in.Key), zap.String("target", targetKey))
	log.Info("cancelling order", zap.String("role", string(target.Role())))

	exchangeID := target.ExchangeOrderID
	var cancelled broker.Order
	err := p.do(ctx, in, func(ctx context.Context, attempt int) error {
		if err := p.markSent(ctx, symbol, in.Key, attempt); err != nil {
			return err
		}
		if exchangeID == "" {
			cctx, cancel := p.callContext(ctx)
			o, err := p.gw.GetOrder(cctx, symbol, broker.OrderRef{ClientOrderID: targetKey})
			cancel()
			if err != nil {
				return err
			}
			exchangeID = o.ExchangeOrderID
		}
		cctx, cancel := p.callContext(ctx)
		defer cancel()
		o, err := p.gw.CancelOrder(cctx, symbol, exchangeID)
		if err != nil {
			return err
		}
		cancelled = o
		return nil
	})

	if err != nil && ctx.Err() != nil {
		log.Warn("cancel interrupted, left for reconciliation", zap.Error(err))
		return target, state.OrderRecord{}, ctx.Err()
	}
	var pe *persistError
	if errors.As(err, &pe) {
		return target, state.OrderRecord{}, err
	}

	now := p.clock()
	crec, werr := p.mutate(ctx, symbol, in.Key, func(r *state.OrderRecord) error {
		switch {
		case err == nil:
			return r.Transition(state.Cancelled, now)
		case isUnknown(err), broker.IsRejected(err):
			r.LastError = err.Error()
			return r.Transition(state.Rejected, now)
		default:
			r.LastError = err.Error()
			return r.Transition(state.Unknown, now)
		}
	})
	if werr != nil {
		return target, state.OrderRecord{}, fmt.Errorf("cancel %s: %w", targetKey, werr)
	}
	p.metrics.Order(string(intent.RoleCancel), string(crec.Status))

	switch {
	case err == nil:
		log.Info("cancel confirmed")
		rec, aerr := p.applyOrder(ctx, symbol, target, cancelled)
		if aerr != nil {
			return target, crec, aerr
		}
		return rec, crec, nil
	case isUnknown(err):
		log.Info("cancel target already gone", zap.Error(err))
	case crec.Status == state.Unknown:
		log.Error("cancel outcome unknown", zap.Error(err))
	default:
		log.Warn("cancel rejected", zap.Error(err))
	}

	rec, rerr := p.Refresh(ctx, symbol, targetKey)
	return rec, crec, rerr
}

// Abandon gives up on a record the venue never confirmed. A record that
// was never acknowledged becomes REJECTED, one that was becomes
// CANCELLED. reason lands in LastError.
func (p *Pipeline) Abandon(ctx context.Context, symbol, key, reason string) (state.OrderRecord, error) {
	now := p.clock()
	rec, err := p.mutate(ctx, symbol, key, func(r *state.OrderRecord) error {
		if r.Status.Terminal() {
			return state.ErrNoop
		}
		to := state.Rejected
		if r.ExchangeOrderID != "" {
			to = state.Cancelled
		}
		r.LastError = reason
		return r.Transition(to, now)
	})
	if err != nil {
		return state.OrderRecord{}, fmt.Errorf("abandon %s: %w", key, err)
	}
	p.metrics.Order(string(rec.Role()), string(rec.Status))
	p.log.Warn("order abandoned",
		zap.String("symbol", symbol),
		zap.String("key", key),
		zap.String("role", string(rec.Role())),
		zap.String("status", string(rec.Status)),
		zap.String("reason", reason))
	return rec, nil
}
