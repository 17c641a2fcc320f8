package submit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rustyeddy/orderguard/broker"
	"github.com/rustyeddy/orderguard/broker/sim"
	"github.com/rustyeddy/orderguard/intent"
	"github.com/rustyeddy/orderguard/market"
	"github.com/rustyeddy/orderguard/notify"
	"github.com/rustyeddy/orderguard/pkg/retry"
	"github.com/rustyeddy/orderguard/state"
)

var t0 = time.Date(2026, 3, 2, 10, 7, 0, 0, time.UTC)

type fixture struct {
	p      *Pipeline
	ex     *sim.Exchange
	ledger *state.Ledger
	events *notify.Recorder

	mu     sync.Mutex
	sleeps []time.Duration
}

func newFixture(t *testing.T, gw func(*sim.Exchange) broker.Gateway, opts Options) *fixture {
	t.Helper()
	f := &fixture{ex: sim.New(), events: &notify.Recorder{}}
	f.ex.SetPrice(market.Tick{Symbol: "BTCUSDT", Price: 50000, Time: t0})

	store, err := state.NewFileStore(t.TempDir())
	require.NoError(t, err)
	f.ledger = state.NewLedger(store, func() time.Time { return t0 })

	pol := retry.Default()
	pol.Jitter = 0
	pol.Sleep = func(ctx context.Context, d time.Duration) error {
		f.mu.Lock()
		f.sleeps = append(f.sleeps, d)
		f.mu.Unlock()
		return ctx.Err()
	}
	opts.Notifier = f.events
	opts.Clock = func() time.Time { return t0 }

	var g broker.Gateway = f.ex
	if gw != nil {
		g = gw(f.ex)
	}
	f.p = New(g, f.ledger, pol, opts)
	return f
}

func entryIntent(t *testing.T) intent.OrderIntent {
	t.Helper()
	in, err := intent.Entry(intent.Signal{
		Symbol:    "BTCUSDT",
		Side:      market.Buy,
		Timeframe: "15m",
		EntryHint: 50000,
		Quantity:  0.01,
		Time:      t0,
		Risk:      intent.DefaultRiskParams(),
	}, market.Lookup("BTCUSDT"))
	require.NoError(t, err)
	return in
}

func owner(fillID string) intent.Owner {
	return intent.Owner{Symbol: "BTCUSDT", Side: market.Buy, Timeframe: "15m", EntryFillID: fillID, Size: 0.01}
}

func TestSubmitConcurrentCallsPlaceOneOrder(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil, Options{})
	in := entryIntent(t)

	const n = 16
	var wg sync.WaitGroup
	recs := make([]state.OrderRecord, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			recs[i], errs[i] = f.p.Submit(context.Background(), in)
		}(i)
	}
	wg.Wait()

	for i := range errs {
		require.NoError(t, errs[i])
		assert.Equal(t, in.Key, recs[i].Key)
	}
	assert.Equal(t, 1, f.ex.Calls(sim.OpPlace))
	assert.Len(t, f.ex.Orders("BTCUSDT"), 1)

	again, err := f.p.Submit(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, state.Filled, again.Status)
	assert.Equal(t, 50000.0, again.AvgPrice)
	assert.Equal(t, 0.01, again.FilledQty)
	assert.Equal(t, 1, f.ex.Calls(sim.OpPlace))
}

func TestSubmitTerminalRecordIsStable(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil, Options{})
	in := entryIntent(t)

	first, err := f.p.Submit(context.Background(), in)
	require.NoError(t, err)
	second, err := f.p.Submit(context.Background(), in)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, f.ex.Calls(sim.OpPlace))
}

func TestSubmitLostResponseUsesVenueCopy(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil, Options{})
	f.ex.Drop(sim.OpPlace, broker.ErrTransient)

	rec, err := f.p.Submit(context.Background(), entryIntent(t))
	require.NoError(t, err)

	assert.Equal(t, state.Filled, rec.Status)
	assert.Equal(t, 1, rec.RetryCount)
	assert.NotEmpty(t, rec.ExchangeOrderID)
	assert.Equal(t, 2, f.ex.Calls(sim.OpPlace))
	assert.Equal(t, 1, f.ex.Calls(sim.OpGet))
	assert.Len(t, f.ex.Orders("BTCUSDT"), 1)
}

func TestSubmitTransientFailures(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		failures int
		err      error
		want     state.OrderStatus
		retries  int
	}{
		{name: "recovers", failures: 2, err: broker.ErrTransient, want: state.Filled, retries: 2},
		{name: "exhausted", failures: 3, err: broker.StatusError(503, "maintenance"), want: state.Unknown, retries: 2},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			f := newFixture(t, nil, Options{})
			f.ex.Fail(sim.OpPlace, tt.err, tt.failures)

			rec, err := f.p.Submit(context.Background(), entryIntent(t))
			require.NoError(t, err)
			assert.Equal(t, tt.want, rec.Status)
			assert.Equal(t, tt.retries, rec.RetryCount)
			assert.Equal(t, t0, rec.LastAttemptAt)
			if tt.want == state.Unknown {
				assert.Contains(t, rec.LastError, "503")
				assert.Empty(t, f.ex.Orders("BTCUSDT"))
			}
		})
	}
}

func TestSubmitHonoursRateLimit(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil, Options{})
	f.ex.Fail(sim.OpPlace, &broker.RateLimitError{RetryAfter: 30 * time.Second}, 1)

	rec, err := f.p.Submit(context.Background(), entryIntent(t))
	require.NoError(t, err)
	assert.Equal(t, state.Filled, rec.Status)
	require.Len(t, f.sleeps, 1)
	assert.Equal(t, 30*time.Second, f.sleeps[0])
}

func TestSubmitRejectionIsFinal(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil, Options{})
	entry, err := f.p.Submit(context.Background(), entryIntent(t))
	require.NoError(t, err)

	// a sell stop above the mark fires at once
	sl := intent.StopLoss(owner(entry.ExchangeOrderID), 50100, market.Lookup("BTCUSDT"), t0)
	rec, err := f.p.Submit(context.Background(), sl)
	require.NoError(t, err)

	assert.Equal(t, state.Rejected, rec.Status)
	assert.Contains(t, rec.LastError, "immediately trigger")
	assert.Equal(t, 0, rec.RetryCount)
	assert.Equal(t, 2, f.ex.Calls(sim.OpPlace))
	assert.Equal(t, []notify.EventType{notify.OrderRejected}, f.events.Types())

	_, err = f.p.Submit(context.Background(), sl)
	require.NoError(t, err)
	assert.Equal(t, 2, f.ex.Calls(sim.OpPlace))
}

type blockingGateway struct{ broker.Gateway }

func (b blockingGateway) PlaceOrder(ctx context.Context, req broker.OrderRequest) (broker.Order, error) {
	<-ctx.Done()
	return broker.Order{}, ctx.Err()
}

func TestSubmitCallTimeoutEndsUnknown(t *testing.T) {
	t.Parallel()

	f := newFixture(t, func(ex *sim.Exchange) broker.Gateway { return blockingGateway{ex} }, Options{CallTimeout: 5 * time.Millisecond})

	rec, err := f.p.Submit(context.Background(), entryIntent(t))
	require.NoError(t, err)
	assert.Equal(t, state.Unknown, rec.Status)
	assert.Equal(t, 2, rec.RetryCount)
}

func TestSubmitCancelledContextLeavesSent(t *testing.T) {
	t.Parallel()

	f := newFixture(t, func(ex *sim.Exchange) broker.Gateway { return blockingGateway{ex} }, Options{})
	in := entryIntent(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	rec, err := f.p.Submit(ctx, in)
	require.Error(t, err)
	assert.Equal(t, state.Sent, rec.Status)

	st, err := f.ledger.Get(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	stored, ok := st.Order(in.Key)
	require.True(t, ok)
	assert.Equal(t, state.Sent, stored.Status)
}

func TestCancelRestingOrder(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil, Options{})
	ctx := context.Background()
	entry, err := f.p.Submit(ctx, entryIntent(t))
	require.NoError(t, err)

	sl := intent.StopLoss(owner(entry.ExchangeOrderID), 49500, market.Lookup("BTCUSDT"), t0)
	placed, err := f.p.Submit(ctx, sl)
	require.NoError(t, err)
	require.Equal(t, state.Acknowledged, placed.Status)

	target, err := f.p.Cancel(ctx, "BTCUSDT", sl.Key)
	require.NoError(t, err)
	assert.Equal(t, state.Cancelled, target.Status)
	assert.Empty(t, f.ex.LiveOrders("BTCUSDT", market.StopMarket))

	st, err := f.ledger.Get(ctx, "BTCUSDT")
	require.NoError(t, err)
	crec, ok := st.Order(intent.Cancel(sl, t0).Key)
	require.True(t, ok)
	assert.Equal(t, state.Cancelled, crec.Status)
	assert.Equal(t, sl.Key, crec.Intent.TargetKey)

	again, err := f.p.Cancel(ctx, "BTCUSDT", sl.Key)
	require.NoError(t, err)
	assert.Equal(t, state.Cancelled, again.Status)
	assert.Equal(t, 1, f.ex.Calls(sim.OpCancel))
}

func TestCancelLosesRaceToFill(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil, Options{})
	ctx := context.Background()
	entry, err := f.p.Submit(ctx, entryIntent(t))
	require.NoError(t, err)

	sl := intent.StopLoss(owner(entry.ExchangeOrderID), 49500, market.Lookup("BTCUSDT"), t0)
	_, err = f.p.Submit(ctx, sl)
	require.NoError(t, err)

	f.ex.SetPrice(market.Tick{Symbol: "BTCUSDT", Price: 49400, Time: t0.Add(time.Minute)})

	target, err := f.p.Cancel(ctx, "BTCUSDT", sl.Key)
	require.NoError(t, err)
	assert.Equal(t, state.Filled, target.Status)
	assert.Equal(t, 49500.0, target.AvgPrice)

	st, err := f.ledger.Get(ctx, "BTCUSDT")
	require.NoError(t, err)
	crec, _ := st.Order(intent.Cancel(sl, t0).Key)
	assert.Equal(t, state.Rejected, crec.Status)
	assert.Contains(t, crec.LastError, "unknown order")
}

func TestCancelUnansweredIsSentAgain(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		settle func(f *fixture, slKey, cancelKey string) (state.OrderRecord, error)
	}{
		{
			name: "next cancel call",
			settle: func(f *fixture, slKey, _ string) (state.OrderRecord, error) {
				return f.p.Cancel(context.Background(), "BTCUSDT", slKey)
			},
		},
		{
			name: "refresh of the cancel record",
			settle: func(f *fixture, slKey, cancelKey string) (state.OrderRecord, error) {
				if _, err := f.p.Refresh(context.Background(), "BTCUSDT", cancelKey); err != nil {
					return state.OrderRecord{}, err
				}
				return f.p.Refresh(context.Background(), "BTCUSDT", slKey)
			},
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			f := newFixture(t, nil, Options{})
			ctx := context.Background()
			entry, err := f.p.Submit(ctx, entryIntent(t))
			require.NoError(t, err)
			sl := intent.StopLoss(owner(entry.ExchangeOrderID), 49500, market.Lookup("BTCUSDT"), t0)
			_, err = f.p.Submit(ctx, sl)
			require.NoError(t, err)
			cancelKey := intent.Cancel(sl, t0).Key

			f.ex.Fail(sim.OpCancel, broker.ErrTransient, 3)
			target, err := f.p.Cancel(ctx, "BTCUSDT", sl.Key)
			require.NoError(t, err)
			assert.Equal(t, state.Acknowledged, target.Status)
			st, err := f.ledger.Get(ctx, "BTCUSDT")
			require.NoError(t, err)
			crec, ok := st.Order(cancelKey)
			require.True(t, ok)
			require.Equal(t, state.Unknown, crec.Status)
			require.Equal(t, 3, f.ex.Calls(sim.OpCancel))

			target, err = tt.settle(f, sl.Key, cancelKey)
			require.NoError(t, err)
			assert.Equal(t, state.Cancelled, target.Status)
			assert.Equal(t, 4, f.ex.Calls(sim.OpCancel))
			assert.Empty(t, f.ex.LiveOrders("BTCUSDT", market.StopMarket))

			st, err = f.ledger.Get(ctx, "BTCUSDT")
			require.NoError(t, err)
			crec, _ = st.Order(cancelKey)
			assert.Equal(t, state.Cancelled, crec.Status)
		})
	}
}

func TestCancelMissingTarget(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil, Options{})
	_, err := f.p.Cancel(context.Background(), "BTCUSDT", "og-SL-nothing")
	assert.ErrorIs(t, err, ErrNoTarget)
}

func TestRefreshAndAbandon(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil, Options{})
	ctx := context.Background()
	f.ex.Fail(sim.OpPlace, broker.ErrTransient, 3)
	in := entryIntent(t)

	rec, err := f.p.Submit(ctx, in)
	require.NoError(t, err)
	require.Equal(t, state.Unknown, rec.Status)

	_, err = f.p.Refresh(ctx, "BTCUSDT", in.Key)
	assert.ErrorIs(t, err, broker.ErrUnknownOrder)

	lost, err := f.p.Abandon(ctx, "BTCUSDT", in.Key, "not found on venue")
	require.NoError(t, err)
	assert.Equal(t, state.Rejected, lost.Status)
	assert.Equal(t, "not found on venue", lost.LastError)

	// terminal now, so no venue call
	calls := f.ex.Calls(sim.OpGet)
	same, err := f.p.Refresh(ctx, "BTCUSDT", in.Key)
	require.NoError(t, err)
	assert.Equal(t, lost, same)
	assert.Equal(t, calls, f.ex.Calls(sim.OpGet))
}

func TestRefreshPicksUpTrigger(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil, Options{})
	ctx := context.Background()
	entry, err := f.p.Submit(ctx, entryIntent(t))
	require.NoError(t, err)

	tp := intent.TakeProfit(owner(entry.ExchangeOrderID), 50500, market.Lookup("BTCUSDT"), t0)
	_, err = f.p.Submit(ctx, tp)
	require.NoError(t, err)

	f.ex.SetPrice(market.Tick{Symbol: "BTCUSDT", Price: 50600, Time: t0.Add(time.Minute)})
	rec, err := f.p.Refresh(ctx, "BTCUSDT", tp.Key)
	require.NoError(t, err)
	assert.Equal(t, state.Filled, rec.Status)
	assert.Equal(t, 50500.0, rec.AvgPrice)

	ps, err := f.p.Positions(ctx, "BTCUSDT")
	require.NoError(t, err)
	assert.Empty(t, ps)
}

func TestApply(t *testing.T) {
	t.Parallel()

	tests := []struct {
		from state.OrderStatus
		venue broker.OrderStatus
		want  state.OrderStatus
	}{
		{state.Sent, broker.StatusNew, state.Acknowledged},
		{state.Sent, broker.StatusPartiallyFilled, state.Acknowledged},
		{state.Unknown, broker.StatusFilled, state.Filled},
		{state.Acknowledged, broker.StatusCanceled, state.Cancelled},
		{state.Acknowledged, broker.StatusExpired, state.Cancelled},
		{state.Sent, broker.StatusRejected, state.Rejected},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(string(tt.from)+"/"+string(tt.venue), func(t *testing.T) {
			t.Parallel()
			r := &state.OrderRecord{Key: "k", Status: tt.from}
			require.NoError(t, Apply(r, broker.Order{ExchangeOrderID: "7", Status: tt.venue}, t0))
			assert.Equal(t, tt.want, r.Status)
			assert.Equal(t, "7", r.ExchangeOrderID)
		})
	}

	r := &state.OrderRecord{Key: "k", Status: state.Acknowledged, ExchangeOrderID: "7"}
	assert.ErrorIs(t, Apply(r, broker.Order{ExchangeOrderID: "7", Status: broker.StatusNew}, t0), state.ErrNoop)

	done := &state.OrderRecord{Key: "k", Status: state.Filled}
	assert.ErrorIs(t, Apply(done, broker.Order{Status: broker.StatusCanceled}, t0), state.ErrTerminal)
}
