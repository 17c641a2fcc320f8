// Package submit sends order intents to the exchange gateway at most once
// per idempotency key. Every record is written before the network call
// that could create it, so a crash at any point leaves something
// reconciliation can resolve.
package submit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/rustyeddy/orderguard/broker"
	"github.com/rustyeddy/orderguard/intent"
	"github.com/rustyeddy/orderguard/market"
	"github.com/rustyeddy/orderguard/metrics"
	"github.com/rustyeddy/orderguard/notify"
	"github.com/rustyeddy/orderguard/pkg/retry"
	"github.com/rustyeddy/orderguard/state"
)

var (
	ErrNoRecord = errors.New("no order record")
	ErrNoTarget = errors.New("cancel target has no order record")
)

type Options struct {
	// CallTimeout bounds each gateway call. Zero means no per-call limit.
	CallTimeout time.Duration
	Logger      *zap.Logger
	Notifier    notify.Notifier
	Metrics     *metrics.Recorder
	Clock       func() time.Time
	RunID       string
}

type Pipeline struct {
	gw       broker.Gateway
	ledger   *state.Ledger
	policy   retry.Policy
	timeout  time.Duration
	log      *zap.Logger
	notifier notify.Notifier
	metrics  *metrics.Recorder
	now      func() time.Time
	runID    string
}

func New(gw broker.Gateway, ledger *state.Ledger, policy retry.Policy, opts Options) *Pipeline {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	now := opts.Clock
	if now == nil {
		now = time.Now
	}
	n := opts.Notifier
	if n == nil {
		n = notify.Nop{}
	}
	policy.Retryable = broker.IsTransient
	policy.MinDelay = broker.RetryAfter
	return &Pipeline{
		gw:       gw,
		ledger:   ledger,
		policy:   policy,
		timeout:  opts.CallTimeout,
		log:      log.Named("submit"),
		notifier: n,
		metrics:  opts.Metrics,
		now:      now,
		runID:    opts.RunID,
	}
}

func (p *Pipeline) Ledger() *state.Ledger { return p.ledger }

func (p *Pipeline) clock() time.Time { return p.now().UTC() }

// Submit returns the record for in.Key, dispatching it only if no record
// existed. Gateway outcomes (REJECTED, UNKNOWN) are record states, not
// errors. An error means the record could not be written or ctx ended;
// in the latter case the record stays SENT for reconciliation.
func (p *Pipeline) Submit(ctx context.Context, in intent.OrderIntent) (state.OrderRecord, error) {
	if in.Key == "" || in.Symbol == "" {
		return state.OrderRecord{}, fmt.Errorf("submit: intent needs key and symbol")
	}
	if in.Role == intent.RoleCancel {
		return state.OrderRecord{}, fmt.Errorf("submit: use Cancel for %s", in.Key)
	}

	rec, created, err := p.claim(ctx, in)
	if err != nil {
		return state.OrderRecord{}, err
	}
	if !created {
		p.log.Debug("duplicate intent suppressed",
			zap.String("symbol", in.Symbol),
			zap.String("key", in.Key),
			zap.String("status", string(rec.Status)))
		return rec, nil
	}

	p.log.Info("submitting order",
		zap.String("symbol", in.Symbol),
		zap.String("key", in.Key),
		zap.String("role", string(in.Role)),
		zap.String("side", string(in.Side)),
		zap.String("type", string(in.Type)),
		zap.Float64("qty", in.Quantity),
		zap.Float64("price", in.Price))

	var placed broker.Order
	err = p.do(ctx, in, func(ctx context.Context, attempt int) error {
		if err := p.markSent(ctx, in.Symbol, in.Key, attempt); err != nil {
			return err
		}
		o, err := p.place(ctx, in)
		if err != nil {
			return err
		}
		placed = o
		return nil
	})
	return p.settle(ctx, in, placed, err)
}

// claim writes a PENDING record for in unless one already exists.
func (p *Pipeline) claim(ctx context.Context, in intent.OrderIntent) (state.OrderRecord, bool, error) {
	var (
		out     state.OrderRecord
		created bool
	)
	_, err := p.ledger.Update(ctx, in.Symbol, func(st *state.SymbolState) error {
		if r, ok := st.Order(in.Key); ok {
			out = *r
			return state.ErrNoop
		}
		r := state.NewRecord(in, p.clock())
		st.PutOrder(r)
		out = *r
		created = true
		return nil
	})
	if err != nil {
		return state.OrderRecord{}, false, fmt.Errorf("submit %s: persist pending: %w", in.Key, err)
	}
	return out, created, nil
}

func (p *Pipeline) markSent(ctx context.Context, symbol, key string, attempt int) error {
	now := p.clock()
	_, err := p.mutate(ctx, symbol, key, func(r *state.OrderRecord) error {
		if err := r.Transition(state.Sent, now); err != nil {
			return err
		}
		r.RetryCount = attempt - 1
		r.LastAttemptAt = now
		return nil
	})
	if err != nil {
		return &persistError{err: fmt.Errorf("persist sent: %w", err)}
	}
	return nil
}

// place sends in and, if the venue already knows the client id, fetches
// the order it has instead.
func (p *Pipeline) place(ctx context.Context, in intent.OrderIntent) (broker.Order, error) {
	req := broker.OrderRequest{
		ClientOrderID: in.Key,
		Symbol:        in.Symbol,
		Side:          in.Side,
		Type:          in.Type,
		Quantity:      in.Quantity,
		ReduceOnly:    in.ReduceOnly,
		ClosePosition: in.ClosePosition,
	}
	if in.Type.Conditional() {
		req.TriggerPrice = in.Price
		req.WorkingType = market.WorkingMarkPrice
	}

	cctx, cancel := p.callContext(ctx)
	o, err := p.gw.PlaceOrder(cctx, req)
	cancel()
	if err == nil {
		return o, nil
	}
	if !errors.Is(err, broker.ErrDuplicateClientID) {
		return broker.Order{}, err
	}

	p.log.Info("venue already has client id, fetching it",
		zap.String("symbol", in.Symbol),
		zap.String("key", in.Key))
	cctx, cancel = p.callContext(ctx)
	defer cancel()
	return p.gw.GetOrder(cctx, in.Symbol, broker.OrderRef{ClientOrderID: in.Key})
}

// settle writes the outcome of a dispatch.
func (p *Pipeline) settle(ctx context.Context, in intent.OrderIntent, placed broker.Order, err error) (state.OrderRecord, error) {
	log := p.log.With(zap.String("symbol", in.Symbol), zap.String("key", in.Key), zap.String("role", string(in.Role)))

	if err != nil && ctx.Err() != nil {
		log.Warn("submission interrupted, left for reconciliation", zap.Error(err))
		rec, _ := p.record(context.WithoutCancel(ctx), in.Symbol, in.Key)
		return rec, ctx.Err()
	}
	var persistErr *persistError
	if errors.As(err, &persistErr) {
		log.Error("state write failed during submission", zap.Error(err))
		return state.OrderRecord{}, err
	}

	now := p.clock()
	var st *state.SymbolState
	rec, werr := p.mutateState(ctx, in.Symbol, in.Key, func(s *state.SymbolState, r *state.OrderRecord) error {
		st = s
		switch {
		case err == nil:
			return Apply(r, placed, now)
		case broker.IsRejected(err):
			r.LastError = err.Error()
			return r.Transition(state.Rejected, now)
		default:
			r.LastError = err.Error()
			return r.Transition(state.Unknown, now)
		}
	})
	if werr != nil {
		log.Error("state write failed after submission", zap.Error(werr))
		return state.OrderRecord{}, fmt.Errorf("submit %s: %w", in.Key, werr)
	}

	p.metrics.Order(string(in.Role), string(rec.Status))
	switch rec.Status {
	case state.Rejected:
		log.Warn("order rejected", zap.String("reason", rec.LastError))
		p.rejected(ctx, st, rec)
	case state.Unknown:
		log.Error("order outcome unknown", zap.Int("retries", rec.RetryCount), zap.String("last_error", rec.LastError))
	default:
		log.Info("order accepted",
			zap.String("status", string(rec.Status)),
			zap.String("exchange_order_id", rec.ExchangeOrderID),
			zap.Float64("filled_qty", rec.FilledQty),
			zap.Float64("avg_price", rec.AvgPrice))
	}
	return rec, nil
}

func (p *Pipeline) rejected(ctx context.Context, st *state.SymbolState, rec state.OrderRecord) {
	ev := notify.Event{
		Type:   notify.OrderRejected,
		Symbol: rec.Intent.Symbol,
		At:     rec.UpdatedAt,
		RunID:  p.runID,
		Order:  &rec,
		Reason: rec.LastError,
	}
	if st != nil && st.Position != nil {
		pos := *st.Position
		ev.Position = &pos
	}
	notify.Send(ctx, p.notifier, p.log, ev)
}

// do runs op under the retry policy, logging and counting retries.
func (p *Pipeline) do(ctx context.Context, in intent.OrderIntent, op func(ctx context.Context, attempt int) error) error {
	pol := p.policy
	pol.OnRetry = func(attempt int, err error, delay time.Duration) {
		p.metrics.Retry(string(in.Role))
		p.log.Warn("gateway call failed, retrying",
			zap.String("symbol", in.Symbol),
			zap.String("key", in.Key),
			zap.String("role", string(in.Role)),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err))
	}
	return pol.Do(ctx, op)
}

func (p *Pipeline) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if p.timeout > 0 {
		return context.WithTimeout(ctx, p.timeout)
	}
	return context.WithCancel(ctx)
}

// persistError marks a failure writing the ledger mid-dispatch. It is
// never retried.
type persistError struct{ err error }

func (e *persistError) Error() string { return e.err.Error() }
func (e *persistError) Unwrap() error { return e.err }
