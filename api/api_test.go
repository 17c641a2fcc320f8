package api

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rustyeddy/orderguard/market"
	"github.com/rustyeddy/orderguard/metrics"
	"github.com/rustyeddy/orderguard/notify"
	"github.com/rustyeddy/orderguard/state"
)

var t0 = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

func newServer(t *testing.T, hub *notify.Hub) (*httptest.Server, *state.Ledger) {
	t.Helper()
	store, err := state.NewFileStore(t.TempDir())
	require.NoError(t, err)
	ledger := state.NewLedger(store, func() time.Time { return t0 })

	_, err = ledger.Update(context.Background(), "BTCUSDT", func(st *state.SymbolState) error {
		st.Position = &state.Position{
			ID:         "pos-1",
			Symbol:     "BTCUSDT",
			Side:       market.Buy,
			Timeframe:  "15m",
			RiskState:  state.Active,
			EntryPrice: 50000,
			Size:       0.01,
			StopPrice:  49500,
		}
		return nil
	})
	require.NoError(t, err)

	reg := prometheus.NewRegistry()
	metrics.NewRecorder(reg).Admission("ALLOWED")

	deps := Deps{
		Ledger:   ledger,
		Symbols:  []string{"BTCUSDT", "ETHUSDT"},
		Gatherer: reg,
		RunID:    "run-1",
		Clock:    func() time.Time { return t0 },
	}
	if hub != nil {
		deps.Events = hub
	}
	srv := httptest.NewServer(NewRouter(deps))
	t.Cleanup(srv.Close)
	return srv, ledger
}

func get(t *testing.T, url string) (int, string) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(body)
}

func TestHealth(t *testing.T) {
	t.Parallel()
	srv, _ := newServer(t, nil)

	code, body := get(t, srv.URL+"/healthz")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, `"status":"ok"`)
	assert.Contains(t, body, `"run_id":"run-1"`)
}

func TestMetrics(t *testing.T) {
	t.Parallel()
	srv, _ := newServer(t, nil)

	code, body := get(t, srv.URL+"/metrics")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, `orderguard_admissions_total{result="ALLOWED"} 1`)
}

func TestSymbols(t *testing.T) {
	t.Parallel()
	srv, _ := newServer(t, nil)

	code, body := get(t, srv.URL+"/symbols")
	require.Equal(t, http.StatusOK, code)

	var rows []SymbolSummary
	require.NoError(t, json.Unmarshal([]byte(body), &rows))
	require.Len(t, rows, 2)
	assert.Equal(t, "BTCUSDT", rows[0].Symbol)
	assert.Equal(t, state.Active, rows[0].RiskState)
	assert.Equal(t, 49500.0, rows[0].StopPrice)
	assert.Equal(t, "ETHUSDT", rows[1].Symbol)
	assert.Empty(t, rows[1].RiskState)
}

func TestSymbolDetail(t *testing.T) {
	t.Parallel()
	srv, _ := newServer(t, nil)

	tests := []struct {
		path string
		code int
		want string
	}{
		{"/symbols/BTCUSDT", http.StatusOK, `"risk_state":"ACTIVE"`},
		{"/symbols/ETHUSDT", http.StatusOK, `"symbol":"ETHUSDT"`},
		{"/symbols/DOGEUSDT", http.StatusNotFound, "unknown symbol DOGEUSDT"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.path, func(t *testing.T) {
			t.Parallel()
			code, body := get(t, srv.URL+tt.path)
			assert.Equal(t, tt.code, code)
			assert.Contains(t, body, tt.want)
		})
	}
}

func TestMethodNotAllowed(t *testing.T) {
	t.Parallel()
	srv, _ := newServer(t, nil)

	resp, err := http.Post(srv.URL+"/symbols", "application/json", strings.NewReader("{}"))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestEventStream(t *testing.T) {
	t.Parallel()
	hub := notify.NewHub(nil)
	t.Cleanup(hub.Close)
	srv, _ := newServer(t, hub)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return hub.Clients() == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, hub.Notify(context.Background(), notify.Event{Type: notify.PositionOpened, Symbol: "BTCUSDT", At: t0}))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Contains(t, string(msg), `"event":"POSITION_OPENED"`)
}

func TestServeShutsDown(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Serve(ctx, "127.0.0.1:0", http.NotFoundHandler(), nil) }()

	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
