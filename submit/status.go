package submit

import (
	"context"
	"fmt"
	"time"

	"github.com/rustyeddy/orderguard/broker"
	"github.com/rustyeddy/orderguard/state"
)

// StatusOf maps the venue's order status onto the ledger's.
func StatusOf(s broker.OrderStatus) state.OrderStatus {
	switch s {
	case broker.StatusFilled:
		return state.Filled
	case broker.StatusCanceled, broker.StatusExpired:
		return state.Cancelled
	case broker.StatusRejected:
		return state.Rejected
	}
	return state.Acknowledged
}

// Apply copies the venue's view of o onto r. It returns state.ErrNoop
// when r already says the same thing.
func Apply(r *state.OrderRecord, o broker.Order, now time.Time) error {
	to := StatusOf(o.Status)
	if r.Status == to &&
		(o.ExchangeOrderID == "" || r.ExchangeOrderID == o.ExchangeOrderID) &&
		r.FilledQty == o.FilledQty &&
		r.AvgPrice == o.AvgPrice {
		return state.ErrNoop
	}
	if err := r.Transition(to, now); err != nil {
		return err
	}
	if o.ExchangeOrderID != "" {
		r.ExchangeOrderID = o.ExchangeOrderID
	}
	r.FilledQty = o.FilledQty
	if o.AvgPrice > 0 {
		r.AvgPrice = o.AvgPrice
	}
	if to == state.Rejected && r.LastError == "" {
		r.LastError = "rejected by venue"
	}
	return nil
}

func (p *Pipeline) record(ctx context.Context, symbol, key string) (state.OrderRecord, error) {
	st, err := p.ledger.Get(ctx, symbol)
	if err != nil {
		return state.OrderRecord{}, err
	}
	r, ok := st.Order(key)
	if !ok {
		return state.OrderRecord{}, fmt.Errorf("%w: %s", ErrNoRecord, key)
	}
	return *r, nil
}

func (p *Pipeline) mutate(ctx context.Context, symbol, key string, fn func(*state.OrderRecord) error) (state.OrderRecord, error) {
	return p.mutateState(ctx, symbol, key, func(_ *state.SymbolState, r *state.OrderRecord) error {
		return fn(r)
	})
}

// mutateState runs fn against the record for key inside one ledger
// update. fn may return state.ErrNoop to skip the write.
func (p *Pipeline) mutateState(ctx context.Context, symbol, key string, fn func(*state.SymbolState, *state.OrderRecord) error) (state.OrderRecord, error) {
	var out state.OrderRecord
	_, err := p.ledger.Update(ctx, symbol, func(st *state.SymbolState) error {
		r, ok := st.Order(key)
		if !ok {
			return fmt.Errorf("%w: %s", ErrNoRecord, key)
		}
		err := fn(st, r)
		out = *r
		return err
	})
	if err != nil {
		return state.OrderRecord{}, err
	}
	return out, nil
}
