package engine

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rustyeddy/orderguard/broker/sim"
	"github.com/rustyeddy/orderguard/config"
	"github.com/rustyeddy/orderguard/guard"
	"github.com/rustyeddy/orderguard/intent"
	"github.com/rustyeddy/orderguard/journal"
	"github.com/rustyeddy/orderguard/market"
	"github.com/rustyeddy/orderguard/state"
)

const btc = "BTCUSDT"

var t0 = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

type fixture struct {
	stack *Stack
	ex    *sim.Exchange
	clock *ManualClock
}

func newFixture(t *testing.T, mutate func(*config.Config)) *fixture {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.State.Dir = filepath.Join(dir, "state")
	cfg.Journal.DBPath = filepath.Join(dir, "journal.sqlite")
	cfg.Reconcile.ArchiveDir = filepath.Join(dir, "archive")
	cfg.Notify.Websocket = false
	if mutate != nil {
		mutate(cfg)
	}

	f := &fixture{ex: sim.New(), clock: NewManualClock(t0)}
	f.ex.SetPrice(market.Tick{Symbol: btc, Price: 50000, Time: t0})

	s, err := Assemble(cfg, Deps{Gateway: f.ex, Clock: f.clock.Now})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	f.stack = s
	return f
}

func (f *fixture) loop(t *testing.T) *SymbolLoop {
	t.Helper()
	l, ok := f.stack.Runner().Loop(btc)
	require.True(t, ok)
	return l
}

func (f *fixture) iterate(t *testing.T, l *SymbolLoop) {
	t.Helper()
	require.NoError(t, l.Iterate(context.Background(), f.clock.Now()))
}

func (f *fixture) state(t *testing.T) *state.SymbolState {
	t.Helper()
	st, err := f.stack.Ledger.Get(context.Background(), btc)
	require.NoError(t, err)
	return st
}

func bare(at time.Time) intent.Signal {
	return intent.Signal{Symbol: btc, Side: market.Buy, Timeframe: "15m", EntryHint: 50000, Time: at}
}

func TestSignalToTakeProfit(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	l := f.loop(t)

	require.NoError(t, l.Enqueue(bare(t0)))
	f.iterate(t, l)

	st := f.state(t)
	require.NotNil(t, st.Position)
	assert.Equal(t, state.Active, st.Position.RiskState)
	assert.Equal(t, 0.01, st.Position.Size)
	assert.Len(t, f.ex.LiveOrders(btc, market.StopMarket), 1)
	assert.Len(t, f.ex.LiveOrders(btc, market.TakeProfitMarket), 1)

	// a second signal while the position is open goes nowhere
	places := f.ex.Calls(sim.OpPlace)
	require.NoError(t, l.Enqueue(bare(f.clock.Advance(time.Second))))
	f.iterate(t, l)
	assert.Equal(t, places, f.ex.Calls(sim.OpPlace))

	f.ex.SetPrice(market.Tick{Symbol: btc, Price: 50600, Time: f.clock.Advance(time.Minute)})
	f.iterate(t, l)

	st = f.state(t)
	assert.False(t, st.HasOpenPosition())
	assert.Empty(t, f.ex.LiveOrders(btc, market.StopMarket))

	jr, ok := f.stack.Journal.(*journal.SQLite)
	require.True(t, ok)
	trades, err := jr.ListTradesClosedBetween(t0, t0.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, journal.ReasonTakeProfit, trades[0].Reason)
	assert.InDelta(t, 5.0, trades[0].RealizedPnL, 1e-9)
}

func TestSignalWaitsForItsTime(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	l := f.loop(t)

	require.NoError(t, l.Enqueue(bare(t0.Add(5*time.Minute))))
	require.NoError(t, l.Enqueue(bare(t0)))
	assert.Equal(t, 2, l.Pending())

	f.iterate(t, l)
	assert.Equal(t, 1, l.Pending())
	require.NotNil(t, f.state(t).Position)

	f.clock.Advance(5 * time.Minute)
	f.iterate(t, l)
	assert.Zero(t, l.Pending())
	assert.Equal(t, 3, f.ex.Calls(sim.OpPlace), "entry, stop-loss and take-profit only")
}

func TestInvalidSignalIsDropped(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	l := f.loop(t)

	sig := bare(t0)
	sig.Timeframe = "3m"
	require.NoError(t, l.Enqueue(sig))
	f.iterate(t, l)

	assert.Zero(t, l.Pending())
	assert.Zero(t, f.ex.Calls(sim.OpPlace))
	assert.Nil(t, f.state(t).Position)
}

func TestReconcileRunsOnItsInterval(t *testing.T) {
	t.Parallel()
	f := newFixture(t, func(c *config.Config) { c.Reconcile.Interval = time.Minute })
	l := f.loop(t)

	f.iterate(t, l)
	assert.Equal(t, t0, f.state(t).LastReconcileAt)

	f.clock.Advance(30 * time.Second)
	f.iterate(t, l)
	assert.Equal(t, t0, f.state(t).LastReconcileAt)

	now := f.clock.Advance(31 * time.Second)
	f.iterate(t, l)
	assert.Equal(t, now, f.state(t).LastReconcileAt)
}

func TestEnqueueRouting(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	r := f.stack.Runner()

	assert.Equal(t, []string{"BTCUSDT", "ETHUSDT"}, r.Symbols())
	assert.Equal(t, f.stack.RunID, r.RunID())

	sig := bare(t0)
	sig.Symbol = "ADAUSDT"
	assert.ErrorIs(t, r.Enqueue(sig), intent.ErrInvalidSignal)

	eth, ok := r.Loop("ETHUSDT")
	require.True(t, ok)
	assert.ErrorIs(t, eth.Enqueue(bare(t0)), intent.ErrInvalidSignal)

	require.NoError(t, r.Enqueue(bare(t0)))
	assert.Equal(t, 1, f.loop(t).Pending())
}

func TestRunnerStopsOnCancel(t *testing.T) {
	t.Parallel()
	f := newFixture(t, func(c *config.Config) { c.Engine.PollInterval = 10 * time.Millisecond })
	r := f.stack.Runner()
	require.NoError(t, r.Enqueue(bare(t0)))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	require.Eventually(t, func() bool {
		st, err := f.stack.Ledger.Get(context.Background(), btc)
		return err == nil && st.Position != nil && st.Position.RiskState == state.Active
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("runner did not stop")
	}
}

func TestAssembleBackends(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*config.Config, string)
	}{
		{"file state, csv journal", func(c *config.Config, dir string) {
			c.Journal = config.JournalConfig{Type: "csv", TradesFile: filepath.Join(dir, "trades.csv")}
		}},
		{"sqlite state, no journal", func(c *config.Config, dir string) {
			c.State = config.StateConfig{Backend: "sqlite", DBPath: filepath.Join(dir, "state.sqlite")}
			c.Journal = config.JournalConfig{Type: "none"}
		}},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			dir := t.TempDir()
			cfg := config.Default()
			cfg.State.Dir = filepath.Join(dir, "state")
			cfg.Journal.DBPath = filepath.Join(dir, "journal.sqlite")
			tt.mutate(cfg, dir)

			s, err := Assemble(cfg, Deps{Gateway: sim.New()})
			require.NoError(t, err)
			defer s.Close()
			assert.NotNil(t, s.Hub)
			assert.Len(t, s.Loops, 2)
			assert.Equal(t, guard.DefaultConfig(), s.Guard.Config())
		})
	}
}

func TestAssembleRequiresGateway(t *testing.T) {
	t.Parallel()
	_, err := Assemble(config.Default(), Deps{})
	assert.Error(t, err)
}

func TestManualClock(t *testing.T) {
	t.Parallel()
	c := NewManualClock(t0)
	c.Set(t0.Add(-time.Hour))
	assert.Equal(t, t0, c.Now())
	assert.Equal(t, t0.Add(time.Minute), c.Advance(time.Minute))
	c.Set(t0.Add(time.Hour))
	assert.Equal(t, t0.Add(time.Hour), c.Now())
}

func TestRouterServesState(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	l := f.loop(t)
	require.NoError(t, l.Enqueue(bare(t0)))
	f.iterate(t, l)

	rec := httptest.NewRecorder()
	f.stack.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/symbols/BTCUSDT", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"risk_state":"ACTIVE"`)

	rec = httptest.NewRecorder()
	f.stack.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Contains(t, rec.Body.String(), "orderguard_open_positions")
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}
