package reconcile

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rustyeddy/orderguard/broker"
	"github.com/rustyeddy/orderguard/broker/sim"
	"github.com/rustyeddy/orderguard/guard"
	"github.com/rustyeddy/orderguard/intent"
	"github.com/rustyeddy/orderguard/journal"
	"github.com/rustyeddy/orderguard/lifecycle"
	"github.com/rustyeddy/orderguard/market"
	"github.com/rustyeddy/orderguard/notify"
	"github.com/rustyeddy/orderguard/pkg/retry"
	"github.com/rustyeddy/orderguard/protect"
	"github.com/rustyeddy/orderguard/state"
	"github.com/rustyeddy/orderguard/submit"
)

const btc = "BTCUSDT"

var t0 = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Add(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type trades struct {
	mu  sync.Mutex
	all []journal.TradeRecord
}

func (j *trades) RecordTrade(t journal.TradeRecord) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.all = append(j.all, t)
	return nil
}

func (j *trades) Close() error { return nil }

// outage fails every conditional order while down is set, with an error
// that is neither transient nor a rejection.
type outage struct {
	broker.Gateway
	down atomic.Bool
}

func (g *outage) PlaceOrder(ctx context.Context, req broker.OrderRequest) (broker.Order, error) {
	if g.down.Load() && req.Type.Conditional() {
		return broker.Order{}, errors.New("connection reset by peer")
	}
	return g.Gateway.PlaceOrder(ctx, req)
}

type fixture struct {
	ex      *sim.Exchange
	gw      *outage
	ledger  *state.Ledger
	guard   *guard.Guard
	machine *lifecycle.Machine
	engine  *Engine
	clock   *clock
	events  *notify.Recorder
	trades  *trades
}

func newFixture(t *testing.T, archive *state.Archive) *fixture {
	t.Helper()
	f := &fixture{
		ex:     sim.New(),
		clock:  &clock{t: t0},
		events: &notify.Recorder{},
		trades: &trades{},
	}
	f.gw = &outage{Gateway: f.ex}
	f.ex.SetPrice(market.Tick{Symbol: btc, Price: 50000, Time: t0})

	store, err := state.NewFileStore(t.TempDir())
	require.NoError(t, err)
	f.ledger = state.NewLedger(store, f.clock.Now)

	pol := retry.Default()
	pol.Sleep = func(ctx context.Context, d time.Duration) error { return nil }
	pipe := submit.New(f.gw, f.ledger, pol, submit.Options{Notifier: f.events, Clock: f.clock.Now})
	pm := protect.New(pipe, nil, f.clock.Now)
	f.guard = guard.New(f.ledger, guard.DefaultConfig(), nil, nil, f.clock.Now)
	f.machine = lifecycle.New(pipe, pm, f.guard, lifecycle.Options{
		Journal:  f.trades,
		Notifier: f.events,
		Clock:    f.clock.Now,
	})
	f.engine = New(pipe, f.machine, pm, Options{
		Archive:  archive,
		Prices:   f.ex,
		Notifier: f.events,
		Clock:    f.clock.Now,
	})
	return f
}

func (f *fixture) signal() intent.Signal {
	return intent.Signal{
		Symbol:    btc,
		Side:      market.Buy,
		Timeframe: "15m",
		EntryHint: 50000,
		Quantity:  0.01,
		Time:      f.clock.Now(),
		Risk:      intent.DefaultRiskParams(),
	}
}

func (f *fixture) open(t *testing.T) {
	t.Helper()
	d, err := f.machine.Open(context.Background(), f.signal())
	require.NoError(t, err)
	require.True(t, d.Allowed, d.String())
}

func (f *fixture) state(t *testing.T) *state.SymbolState {
	t.Helper()
	st, err := f.ledger.Get(context.Background(), btc)
	require.NoError(t, err)
	return st
}

func (f *fixture) reconcile(t *testing.T) Result {
	t.Helper()
	res, err := f.engine.Reconcile(context.Background(), btc)
	require.NoError(t, err)
	return res
}

func hasCorrection(res Result, kind string) bool {
	for _, c := range res.Corrections {
		if strings.HasPrefix(c, kind+":") {
			return true
		}
	}
	return false
}

func TestNothingToCorrect(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	f.open(t)
	placed := f.ex.Calls(sim.OpPlace)

	res := f.reconcile(t)
	assert.False(t, res.Corrected(), res.Corrections)
	assert.Equal(t, 2, res.Refreshed)
	assert.Equal(t, placed, f.ex.Calls(sim.OpPlace))
	assert.Equal(t, t0, f.state(t).LastReconcileAt)
	assert.NotContains(t, f.events.Types(), notify.Reconciled)
}

func TestCrashRecoveryLostEntryNoDuplicate(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	f.ex.Fail(sim.OpPlace, broker.ErrTransient, 3)
	f.open(t)

	st := f.state(t)
	require.NotNil(t, st.Position)
	entry, ok := st.Order(st.Position.EntryKey)
	require.True(t, ok)
	require.Equal(t, state.Unknown, entry.Status)

	// within grace the record is left alone
	res := f.reconcile(t)
	assert.Empty(t, res.Abandoned)
	assert.Equal(t, state.Opening, f.state(t).Position.RiskState)

	f.clock.Add(time.Minute)
	res = f.reconcile(t)
	assert.Equal(t, []string{entry.Key}, res.Abandoned)
	assert.True(t, hasCorrection(res, OrderLost), res.Corrections)

	st = f.state(t)
	assert.Nil(t, st.Position)
	rec, _ := st.Order(entry.Key)
	assert.Equal(t, state.Rejected, rec.Status)
	assert.Equal(t, 3, f.ex.Calls(sim.OpPlace), "no order may be sent during recovery")
	assert.Empty(t, f.ex.Orders(btc))
	assert.Contains(t, f.events.Types(), notify.Reconciled)
}

func TestCrashRecoveryFindsFilledEntry(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	// the venue fills the entry but the answer is lost
	f.ex.Drop(sim.OpPlace, errors.New("connection reset by peer"))
	f.open(t)
	require.Equal(t, state.Opening, f.state(t).Position.RiskState)

	res := f.reconcile(t)
	assert.True(t, hasCorrection(res, OrderResolved), res.Corrections)

	st := f.state(t)
	require.NotNil(t, st.Position)
	assert.Equal(t, state.Active, st.Position.RiskState)
	assert.Equal(t, 50000.0, st.Position.EntryPrice)
	assert.Len(t, f.ex.LiveOrders(btc, market.StopMarket), 1)
	assert.Len(t, f.ex.LiveOrders(btc, market.TakeProfitMarket), 1)
	// entry once, then stop-loss and take-profit
	assert.Equal(t, 3, f.ex.Calls(sim.OpPlace))
}

func TestRearmsLostProtection(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	f.gw.down.Store(true)
	f.open(t)
	f.gw.down.Store(false)

	st := f.state(t)
	require.Equal(t, state.Active, st.Position.RiskState)
	assert.Empty(t, f.ex.LiveOrders(btc, market.StopMarket))
	lostSL := st.Position.StopLossKey

	res := f.reconcile(t)
	assert.False(t, hasCorrection(res, ProtectionRearmed), "unknown orders are not replaced within grace")
	assert.Empty(t, f.ex.LiveOrders(btc, market.StopMarket))

	f.clock.Add(time.Minute)
	res = f.reconcile(t)
	assert.Len(t, res.Abandoned, 2)
	assert.True(t, hasCorrection(res, ProtectionRearmed), res.Corrections)

	stops := f.ex.LiveOrders(btc, market.StopMarket)
	tps := f.ex.LiveOrders(btc, market.TakeProfitMarket)
	require.Len(t, stops, 1)
	require.Len(t, tps, 1)
	assert.Equal(t, 49500.0, stops[0].TriggerPrice)
	assert.Equal(t, 50500.0, tps[0].TriggerPrice)

	p := f.state(t).Position
	assert.NotEqual(t, lostSL, p.StopLossKey)
	assert.Equal(t, stops[0].ClientOrderID, p.StopLossKey)

	res = f.reconcile(t)
	assert.False(t, res.Corrected(), res.Corrections)
}

func TestVenueFlatClosesLocally(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	f.open(t)

	// closed by hand on the venue while the price sat at 50200
	f.ex.SetPrice(market.Tick{Symbol: btc, Price: 50200, Time: t0})
	f.ex.SetPosition(broker.Position{Symbol: btc})

	res := f.reconcile(t)
	assert.True(t, hasCorrection(res, VenueFlat), res.Corrections)

	st := f.state(t)
	assert.Nil(t, st.Position)
	assert.Empty(t, f.ex.LiveOrders(btc, market.StopMarket))
	assert.Empty(t, f.ex.LiveOrders(btc, market.TakeProfitMarket))

	require.Len(t, f.trades.all, 1)
	tr := f.trades.all[0]
	assert.Equal(t, journal.ReasonReconciled, tr.Reason)
	assert.InDelta(t, 50200.0, tr.ExitPrice, 1e-6)
	assert.InDelta(t, 2.0, tr.RealizedPnL, 1e-9)

	types := f.events.Types()
	assert.Contains(t, types, notify.PositionClosed)
	assert.Equal(t, notify.Reconciled, types[len(types)-1])
}

func TestSizeMismatchAdoptsVenue(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	f.open(t)
	f.ex.SetPosition(broker.Position{Symbol: btc, Side: market.Buy, Size: 0.007, EntryPrice: 50000})

	res := f.reconcile(t)
	assert.True(t, hasCorrection(res, SizeMismatch), res.Corrections)
	assert.Equal(t, 0.007, f.state(t).Position.Size)
	assert.Equal(t, 0.01, f.state(t).Position.InitialSize)
}

func TestOrphanPositionIsOnlyReported(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	f.ex.SetPosition(broker.Position{Symbol: btc, Side: market.Buy, Size: 0.02, EntryPrice: 49000})

	res := f.reconcile(t)
	assert.True(t, hasCorrection(res, OrphanPosition), res.Corrections)
	assert.Nil(t, f.state(t).Position)
	assert.Equal(t, 0, f.ex.Calls(sim.OpPlace))

	evs := f.events.Events()
	require.NotEmpty(t, evs)
	last := evs[len(evs)-1]
	assert.Equal(t, notify.Reconciled, last.Type)
	assert.Equal(t, res.Corrections, last.Corrections)
}

func TestEntryNeverClaimedIsAborted(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	sig := f.signal()
	in, err := intent.Entry(sig, market.Lookup(btc))
	require.NoError(t, err)
	// admitted, then the process died before the entry record was written
	d, err := f.guard.Admit(context.Background(), in, sig)
	require.NoError(t, err)
	require.True(t, d.Allowed)
	require.Equal(t, state.Opening, f.state(t).Position.RiskState)

	res := f.reconcile(t)
	assert.True(t, hasCorrection(res, EntryLost), res.Corrections)
	assert.Nil(t, f.state(t).Position)
	assert.Equal(t, 0, f.ex.Calls(sim.OpPlace))
}

func TestPrunesAndArchives(t *testing.T) {
	t.Parallel()

	archive, err := state.NewArchive(t.TempDir())
	require.NoError(t, err)
	f := newFixture(t, archive)
	f.open(t)
	require.NoError(t, f.machine.Close(context.Background(), btc, journal.ReasonManual))
	require.Nil(t, f.state(t).Position)
	total := len(f.state(t).Orders)
	require.NotZero(t, total)

	res := f.reconcile(t)
	assert.Zero(t, res.Pruned, "records younger than retention stay")

	f.clock.Add(25 * time.Hour)
	res = f.reconcile(t)
	assert.Equal(t, total, res.Pruned)

	st := f.state(t)
	assert.Empty(t, st.Orders)
	assert.Equal(t, f.clock.Now(), st.LastReconcileAt)

	_, err = os.Stat(archive.Path(btc, f.clock.Now()))
	assert.NoError(t, err)
}
