package submit

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/rustyeddy/orderguard/broker"
	"github.com/rustyeddy/orderguard/intent"
	"github.com/rustyeddy/orderguard/state"
)

// Refresh asks the venue for the current state of key's order and records
// it. Terminal records come back without a call. If the venue has never
// heard of the order the error wraps broker.ErrUnknownOrder and the
// record is returned untouched.
func (p *Pipeline) Refresh(ctx context.Context, symbol, key string) (state.OrderRecord, error) {
	rec, err := p.record(ctx, symbol, key)
	if err != nil {
		return state.OrderRecord{}, err
	}
	if rec.Status.Terminal() {
		return rec, nil
	}
	if rec.Role() == intent.RoleCancel {
		return p.refreshCancel(ctx, symbol, rec)
	}

	o, err := p.fetch(ctx, rec)
	if err != nil {
		return rec, fmt.Errorf("refresh %s: %w", key, err)
	}
	return p.applyOrder(ctx, symbol, rec, o)
}

func (p *Pipeline) fetch(ctx context.Context, rec state.OrderRecord) (broker.Order, error) {
	ref := broker.OrderRef{ExchangeOrderID: rec.ExchangeOrderID, ClientOrderID: rec.Key}
	var out broker.Order
	err := p.do(ctx, rec.Intent, func(ctx context.Context, attempt int) error {
		cctx, cancel := p.callContext(ctx)
		defer cancel()
		o, err := p.gw.GetOrder(cctx, rec.Intent.Symbol, ref)
		if err != nil {
			return err
		}
		out = o
		return nil
	})
	return out, err
}

func (p *Pipeline) applyOrder(ctx context.Context, symbol string, prev state.OrderRecord, o broker.Order) (state.OrderRecord, error) {
	now := p.clock()
	var st *state.SymbolState
	rec, err := p.mutateState(ctx, symbol, prev.Key, func(s *state.SymbolState, r *state.OrderRecord) error {
		st = s
		return Apply(r, o, now)
	})
	if err != nil {
		return prev, fmt.Errorf("refresh %s: %w", prev.Key, err)
	}
	if rec.Status != prev.Status {
		p.log.Info("order status updated",
			zap.String("symbol", symbol),
			zap.String("key", rec.Key),
			zap.String("role", string(rec.Role())),
			zap.String("from", string(prev.Status)),
			zap.String("status", string(rec.Status)),
			zap.Float64("filled_qty", rec.FilledQty),
			zap.Float64("avg_price", rec.AvgPrice))
		if rec.Status.Terminal() {
			p.metrics.Order(string(rec.Role()), string(rec.Status))
		}
		if rec.Status == state.Rejected {
			p.rejected(ctx, st, rec)
		}
	}
	return rec, nil
}

// refreshCancel settles a cancel record from its target: once the target
// is terminal the cancel either took (CANCELLED) or lost the race. A
// cancel that never got an answer is sent again while its target is
// still live on the venue.
func (p *Pipeline) refreshCancel(ctx context.Context, symbol string, rec state.OrderRecord) (state.OrderRecord, error) {
	target, err := p.Refresh(ctx, symbol, rec.Intent.TargetKey)
	if err != nil && !isUnknown(err) {
		return rec, err
	}
	if target.Status.Terminal() {
		return p.resolveCancel(ctx, symbol, rec.Key, target)
	}
	if err != nil || (rec.Status != state.Unknown && rec.Status != state.Sent) {
		return rec, nil
	}
	p.log.Warn("cancel never answered, sending again",
		zap.String("symbol", symbol),
		zap.String("key", rec.Key),
		zap.String("target", target.Key),
		zap.String("status", string(rec.Status)))
	_, crec, err := p.sendCancel(ctx, symbol, rec.Intent, target)
	if err != nil {
		return rec, err
	}
	return crec, nil
}

func (p *Pipeline) resolveCancel(ctx context.Context, symbol, key string, target state.OrderRecord) (state.OrderRecord, error) {
	now := p.clock()
	return p.mutate(ctx, symbol, key, func(r *state.OrderRecord) error {
		if r.Status.Terminal() {
			return state.ErrNoop
		}
		if target.Status == state.Cancelled {
			return r.Transition(state.Cancelled, now)
		}
		r.LastError = fmt.Sprintf("%v: target is %s", broker.ErrUnknownOrder, target.Status)
		return r.Transition(state.Rejected, now)
	})
}

// Positions returns the venue's open positions for symbol.
func (p *Pipeline) Positions(ctx context.Context, symbol string) ([]broker.Position, error) {
	var out []broker.Position
	err := p.do(ctx, intent.OrderIntent{Symbol: symbol, Role: "POSITIONS"}, func(ctx context.Context, attempt int) error {
		cctx, cancel := p.callContext(ctx)
		defer cancel()
		ps, err := p.gw.OpenPositions(cctx, symbol)
		if err != nil {
			return err
		}
		out = ps
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("positions %s: %w", symbol, err)
	}
	return out, nil
}
