package journal

import (
	"database/sql"
	"encoding/csv"
	"os"
	"path/filepath"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSQLite(t *testing.T) (*SQLite, string) {
	t.Helper()

	dir := t.TempDir()
	path := filepath.Join(dir, "test.db")

	j, err := NewSQLite(path)
	require.NoError(t, err)

	return j, path
}

func sampleTrade(id string, close time.Time, pnl float64) TradeRecord {
	return TradeRecord{
		TradeID:     id,
		Symbol:      "BTCUSDT",
		Side:        "BUY",
		Timeframe:   "15m",
		Size:        0.01,
		EntryPrice:  50000,
		ExitPrice:   50000 + pnl*100,
		OpenTime:    close.Add(-time.Hour),
		CloseTime:   close,
		RealizedPnL: pnl,
		PnLPct:      pnl / 500,
		PeakPnLPct:  0.0035,
		Reason:      ReasonStopLoss,
	}
}

func TestSQLiteSchemaCreated(t *testing.T) {
	t.Parallel()

	j, path := newTestSQLite(t)
	require.NoError(t, j.Close())

	db, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	var name string
	err = db.QueryRow(`SELECT name FROM sqlite_master WHERE type='table' AND name='trades'`).Scan(&name)
	require.NoError(t, err)
	assert.Equal(t, "trades", name)
}

func TestGetTrade(t *testing.T) {
	t.Parallel()

	j, _ := newTestSQLite(t)
	defer j.Close()

	want := sampleTrade("01HTRADE", time.Date(2026, 4, 10, 15, 30, 0, 0, time.UTC), 1.25)
	require.NoError(t, j.RecordTrade(want))

	got, err := j.GetTrade("01HTRADE")
	require.NoError(t, err)

	assert.Equal(t, want.TradeID, got.TradeID)
	assert.Equal(t, want.Symbol, got.Symbol)
	assert.Equal(t, want.Side, got.Side)
	assert.Equal(t, want.Timeframe, got.Timeframe)
	assert.InDelta(t, want.Size, got.Size, 1e-9)
	assert.InDelta(t, want.EntryPrice, got.EntryPrice, 1e-9)
	assert.InDelta(t, want.ExitPrice, got.ExitPrice, 1e-9)
	assert.True(t, got.OpenTime.Equal(want.OpenTime))
	assert.True(t, got.CloseTime.Equal(want.CloseTime))
	assert.InDelta(t, want.RealizedPnL, got.RealizedPnL, 1e-9)
	assert.InDelta(t, want.PnLPct, got.PnLPct, 1e-9)
	assert.InDelta(t, want.PeakPnLPct, got.PeakPnLPct, 1e-9)
	assert.Equal(t, want.Reason, got.Reason)
}

func TestGetTradeNotFound(t *testing.T) {
	t.Parallel()

	j, _ := newTestSQLite(t)
	defer j.Close()

	_, err := j.GetTrade("nonexistent")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestRecordTradeTwiceKeepsFirst(t *testing.T) {
	t.Parallel()

	j, _ := newTestSQLite(t)
	defer j.Close()

	at := time.Date(2026, 4, 10, 15, 30, 0, 0, time.UTC)
	require.NoError(t, j.RecordTrade(sampleTrade("T1", at, -2)))
	require.NoError(t, j.RecordTrade(sampleTrade("T1", at, 5)))

	got, err := j.GetTrade("T1")
	require.NoError(t, err)
	assert.InDelta(t, -2, got.RealizedPnL, 1e-9)
}

func TestListTradesClosedBetween(t *testing.T) {
	t.Parallel()

	j, _ := newTestSQLite(t)
	defer j.Close()

	day := time.Date(2026, 4, 10, 0, 0, 0, 0, time.UTC)
	require.NoError(t, j.RecordTrade(sampleTrade("before", day.Add(-time.Minute), 1)))
	require.NoError(t, j.RecordTrade(sampleTrade("late", day.Add(20*time.Hour), -1)))
	require.NoError(t, j.RecordTrade(sampleTrade("early", day.Add(2*time.Hour), 3)))
	require.NoError(t, j.RecordTrade(sampleTrade("after", day.Add(24*time.Hour), 1)))

	trades, err := j.ListTradesClosedBetween(day, day.Add(24*time.Hour))
	require.NoError(t, err)
	require.Len(t, trades, 2)
	assert.Equal(t, "early", trades[0].TradeID)
	assert.Equal(t, "late", trades[1].TradeID)
}

func TestSummarize(t *testing.T) {
	t.Parallel()

	at := time.Date(2026, 4, 10, 0, 0, 0, 0, time.UTC)
	s := Summarize([]TradeRecord{
		sampleTrade("a", at, 3),
		sampleTrade("b", at, -1),
		sampleTrade("c", at, -1),
		sampleTrade("d", at, 0),
	})
	assert.Equal(t, 4, s.Trades)
	assert.Equal(t, 1, s.Wins)
	assert.Equal(t, 2, s.Losses)
	assert.InDelta(t, 1.0, s.NetPnL, 1e-9)
	assert.InDelta(t, 1.5, s.ProfitFactor, 1e-9)

	assert.Zero(t, Summarize(nil).ProfitFactor)
}

func TestCSVJournalAppends(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "trades.csv")
	at := time.Date(2026, 4, 10, 15, 30, 0, 0, time.UTC)

	j, err := NewCSV(path)
	require.NoError(t, err)
	require.NoError(t, j.RecordTrade(sampleTrade("T1", at, 1)))
	require.NoError(t, j.Close())

	// reopening must not write a second header
	j, err = NewCSV(path)
	require.NoError(t, err)
	require.NoError(t, j.RecordTrade(sampleTrade("T2", at, -1)))
	require.NoError(t, j.Close())

	fh, err := os.Open(path)
	require.NoError(t, err)
	defer fh.Close()
	rows, err := csv.NewReader(fh).ReadAll()
	require.NoError(t, err)

	require.Len(t, rows, 3)
	assert.Equal(t, csvHeader, rows[0])
	assert.Equal(t, "T1", rows[1][0])
	assert.Equal(t, "BTCUSDT", rows[1][1])
	assert.Equal(t, "2026-04-10T15:30:00Z", rows[1][8])
	assert.Equal(t, "-1.000000", rows[2][9])
	assert.Equal(t, ReasonStopLoss, rows[2][12])
}

func TestFormatTradeOrg(t *testing.T) {
	t.Parallel()

	trade := sampleTrade("01HX7Q2ABCDEFG", time.Date(2026, 3, 15, 14, 20, 30, 0, time.UTC), 1.25)
	result := FormatTradeOrg(trade)

	assert.Contains(t, result, "** Trade: BTCUSDT BUY 15m (01HX7Q2A)")
	assert.Contains(t, result, ":PROPERTIES:")
	assert.Contains(t, result, ":TRADE_ID: 01HX7Q2ABCDEFG")
	assert.Contains(t, result, ":SIZE: 0.01")
	assert.Contains(t, result, ":ENTRY_PRICE: 50000.00")
	assert.Contains(t, result, ":EXIT_PRICE: 50125.00")
	assert.Contains(t, result, ":OPEN_TIME: 2026-03-15T13:20:30Z")
	assert.Contains(t, result, ":CLOSE_TIME: 2026-03-15T14:20:30Z")
	assert.Contains(t, result, ":REALIZED_PNL: 1.2500")
	assert.Contains(t, result, ":PNL_PCT: 0.2500")
	assert.Contains(t, result, ":PEAK_PNL_PCT: 0.3500")
	assert.Contains(t, result, ":REASON: stop_loss")
	assert.Contains(t, result, ":END:")
	assert.Contains(t, result, "*** Review")

	short := FormatTradeOrg(TradeRecord{TradeID: "short"})
	assert.Contains(t, short, "(short)")
}

func TestFormatTradesOrg(t *testing.T) {
	t.Parallel()

	at := time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC)
	out := FormatTradesOrg([]TradeRecord{sampleTrade("A", at, 1), sampleTrade("B", at, 2)})
	assert.Contains(t, out, ":END:\n\n*** Thesis")
	assert.Contains(t, out, "- \n\n\n** Trade: BTCUSDT BUY 15m (B)")
	assert.Empty(t, FormatTradesOrg(nil))
}
